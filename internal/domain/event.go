package domain

import "time"

// Event states.
const (
	EventUpcoming   = "upcoming"
	EventAttendance = "attendance"
	EventCompleted  = "completed"
	EventCancelled  = "cancelled"
)

// RSVP is a member's answer to an event invitation.
type RSVP struct {
	UserID      int64     `bson:"user_id" json:"user_id"`
	Going       bool      `bson:"going" json:"going"`
	RespondedAt time.Time `bson:"responded_at" json:"responded_at"`
}

// Event is a real-world meetup. Attendees earn a minted bonus; members who
// said they were going and did not show up pay a penalty into the pot.
type Event struct {
	Meta `bson:",inline"`

	CreatorID       int64     `bson:"creator_id" json:"creator_id"`
	Title           string    `bson:"title" json:"title"`
	StartsAt        time.Time `bson:"starts_at" json:"starts_at"`
	AttendanceUntil time.Time `bson:"attendance_until" json:"attendance_until"`
	AttendanceBonus int64     `bson:"attendance_bonus" json:"attendance_bonus"`
	NoShowPenalty   int64     `bson:"no_show_penalty" json:"no_show_penalty"`
	RSVPs           []RSVP    `bson:"rsvps" json:"rsvps"`
	Attendees       []int64   `bson:"attendees" json:"attendees"`
	Penalized       []Payout  `bson:"penalized,omitempty" json:"penalized,omitempty"`
}

// Attended reports whether userID was marked present.
func (e *Event) Attended(userID int64) bool {
	for _, id := range e.Attendees {
		if id == userID {
			return true
		}
	}
	return false
}

// NoShows lists members who answered going and were not marked present.
func (e *Event) NoShows() []int64 {
	var out []int64
	for _, r := range e.RSVPs {
		if r.Going && !e.Attended(r.UserID) {
			out = append(out, r.UserID)
		}
	}
	return out
}
