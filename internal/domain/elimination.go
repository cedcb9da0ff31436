package domain

import "time"

// EliminationMode decides when an elimination challenge ends.
type EliminationMode string

const (
	// EliminationLastStanding ends as soon as one participant remains.
	EliminationLastStanding EliminationMode = "last_standing"
	// EliminationDeadline ends at EndsAt; every survivor shares the escrow.
	EliminationDeadline EliminationMode = "deadline"
)

// Elimination states.
const (
	EliminationOpen      = "open"
	EliminationActive    = "active"
	EliminationCompleted = "completed"
	EliminationCancelled = "cancelled"
)

// DefaultEliminationMinParticipants applies when none is given.
const DefaultEliminationMinParticipants = 2

// EliminationParticipant is a member who paid the buy-in.
type EliminationParticipant struct {
	UserID       int64      `bson:"user_id" json:"user_id"`
	JoinedAt     time.Time  `bson:"joined_at" json:"joined_at"`
	EliminatedAt *time.Time `bson:"eliminated_at,omitempty" json:"eliminated_at,omitempty"`
	EliminatedBy int64      `bson:"eliminated_by,omitempty" json:"eliminated_by,omitempty"`
}

// Eliminated reports whether the participant is out.
func (p EliminationParticipant) Eliminated() bool {
	return p.EliminatedAt != nil
}

// EliminationChallenge is an endurance pool: everyone pays the buy-in and the
// survivors take the escrow.
type EliminationChallenge struct {
	Meta `bson:",inline"`

	CreatorID       int64                    `bson:"creator_id" json:"creator_id"`
	Title           string                   `bson:"title" json:"title"`
	Mode            EliminationMode          `bson:"mode" json:"mode"`
	BuyIn           int64                    `bson:"buy_in" json:"buy_in"`
	StartsAt        time.Time                `bson:"starts_at" json:"starts_at"`
	EndsAt          time.Time                `bson:"ends_at,omitempty" json:"ends_at,omitempty"`
	MinParticipants int                      `bson:"min_participants" json:"min_participants"`
	Participants    []EliminationParticipant `bson:"participants" json:"participants"`
	Winners         []Payout                 `bson:"winners,omitempty" json:"winners,omitempty"`
	Dust            int64                    `bson:"dust" json:"dust"`
	CompletedAt     time.Time                `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Escrow returns the account holding the buy-ins.
func (e *EliminationChallenge) Escrow() AccountID {
	return EscrowAccount(e.GroupID, RefElimination+":"+e.ID)
}

// Survivors lists participants that are still in.
func (e *EliminationChallenge) Survivors() []EliminationParticipant {
	out := make([]EliminationParticipant, 0, len(e.Participants))
	for _, p := range e.Participants {
		if !p.Eliminated() {
			out = append(out, p)
		}
	}
	return out
}

// Participant returns the index of userID in Participants or -1.
func (e *EliminationChallenge) Participant(userID int64) int {
	for i, p := range e.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}
