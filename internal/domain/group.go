package domain

import "time"

// Group represents a Telegram chat where the bot participates. Active is
// false once the bot has been removed; the group's ledger is kept.
type Group struct {
	ChatID     int64      `bson:"chat_id" json:"chat_id"`
	Title      string     `bson:"title" json:"title"`
	Active     bool       `bson:"active" json:"active"`
	JoinedAt   time.Time  `bson:"joined_at" json:"joined_at"`
	LastSeenAt time.Time  `bson:"last_seen_at" json:"last_seen_at"`
	LeftAt     *time.Time `bson:"left_at,omitempty" json:"left_at,omitempty"`
}
