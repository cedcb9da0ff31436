package domain

import "time"

// User represents a Telegram user registered with the bot.
type User struct {
	UserID     int64     `bson:"user_id" json:"user_id"`
	Username   string    `bson:"username,omitempty" json:"username,omitempty"`
	FirstName  string    `bson:"first_name,omitempty" json:"first_name,omitempty"`
	Role       string    `bson:"role" json:"role"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
	LastSeenAt time.Time `bson:"last_seen_at" json:"last_seen_at"`
}

// DisplayName prefers the @username, then the first name, then the numeric id.
func (u User) DisplayName() string {
	switch {
	case u.Username != "":
		return "@" + u.Username
	case u.FirstName != "":
		return u.FirstName
	default:
		return formatUserID(u.UserID)
	}
}
