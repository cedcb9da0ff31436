package domain

import (
	"fmt"
	"time"
)

// BadgeAward records that a member earned a badge in a group.
type BadgeAward struct {
	ID        string    `bson:"_id" json:"id"`
	GroupID   int64     `bson:"group_id" json:"group_id"`
	UserID    int64     `bson:"user_id" json:"user_id"`
	Code      string    `bson:"code" json:"code"`
	AwardedAt time.Time `bson:"awarded_at" json:"awarded_at"`
}

// BadgeAwardID is unique per group, member, and badge.
func BadgeAwardID(groupID, userID int64, code string) string {
	return fmt.Sprintf("%d:%d:%s", groupID, userID, code)
}
