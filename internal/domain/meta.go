package domain

import (
	"strconv"
	"time"
)

// Meta is embedded by every stateful entity. The bson field names are shared
// so the store can query any entity collection by group, state, and due time.
type Meta struct {
	ID        string     `bson:"_id" json:"id"`
	GroupID   int64      `bson:"group_id" json:"group_id"`
	State     string     `bson:"state" json:"state"`
	Version   int64      `bson:"version" json:"version"`
	DueAt     *time.Time `bson:"due_at,omitempty" json:"due_at,omitempty"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updated_at"`
}

// DocID returns the entity id.
func (m *Meta) DocID() string { return m.ID }

// DocGroup returns the chat the entity belongs to.
func (m *Meta) DocGroup() int64 { return m.GroupID }

// DocState returns the current lifecycle state.
func (m *Meta) DocState() string { return m.State }

// DocVersion returns the stored revision used for optimistic updates.
func (m *Meta) DocVersion() int64 { return m.Version }

// SetDocVersion sets the revision. Only the store calls it.
func (m *Meta) SetDocVersion(v int64) { m.Version = v }

// DocDueAt returns when the scheduler should next look at the entity, or nil.
func (m *Meta) DocDueAt() *time.Time { return m.DueAt }

// DocCreatedAt returns the creation time.
func (m *Meta) DocCreatedAt() time.Time { return m.CreatedAt }

// Transition moves the entity to state and reschedules it. A zero due time
// clears the schedule.
func (m *Meta) Transition(state string, due time.Time, now time.Time) {
	m.State = state
	m.UpdatedAt = now
	if due.IsZero() {
		m.DueAt = nil
		return
	}
	due = due.UTC()
	m.DueAt = &due
}

func formatUserID(id int64) string {
	return "user " + strconv.FormatInt(id, 10)
}
