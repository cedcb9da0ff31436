package domain

import (
	"strings"

	"github.com/google/uuid"
)

// shortIDLength keeps ids easy to type in chat commands.
const shortIDLength = 12

// NewID returns a random short identifier for engine entities.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:shortIDLength]
}

// Actor is the member performing an operation. Admin is set for chat
// administrators and bot admins.
type Actor struct {
	UserID int64
	Admin  bool
}

// CanModerate reports whether the actor may act on an entity created by
// creatorID.
func (a Actor) CanModerate(creatorID int64) bool {
	return a.Admin || a.UserID == creatorID
}
