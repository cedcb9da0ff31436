package domain

import "time"

// Challenge states.
const (
	ChallengeOpen      = "open"
	ChallengeAccepted  = "accepted"
	ChallengeSubmitted = "submitted"
	ChallengeCompleted = "completed"
	ChallengeRejected  = "rejected"
	ChallengeDisputed  = "disputed"
	ChallengeFailed    = "failed"
	ChallengeExpired   = "expired"
	ChallengeCancelled = "cancelled"
)

// Challenge is a task the creator pays someone else to complete. The reward
// is escrowed when the challenge is created.
type Challenge struct {
	Meta `bson:",inline"`

	CreatorID     int64     `bson:"creator_id" json:"creator_id"`
	TargetID      int64     `bson:"target_id,omitempty" json:"target_id,omitempty"`
	AcceptorID    int64     `bson:"acceptor_id,omitempty" json:"acceptor_id,omitempty"`
	Description   string    `bson:"description" json:"description"`
	Reward        int64     `bson:"reward" json:"reward"`
	Deadline      time.Time `bson:"deadline" json:"deadline"`
	AcceptedAt    time.Time `bson:"accepted_at,omitempty" json:"accepted_at,omitempty"`
	SubmittedAt   time.Time `bson:"submitted_at,omitempty" json:"submitted_at,omitempty"`
	AutoApproveAt time.Time `bson:"auto_approve_at,omitempty" json:"auto_approve_at,omitempty"`
	AutoApproved  bool      `bson:"auto_approved" json:"auto_approved"`
	RejectedAt    time.Time `bson:"rejected_at,omitempty" json:"rejected_at,omitempty"`
	ClosedAt      time.Time `bson:"closed_at,omitempty" json:"closed_at,omitempty"`
}

// Escrow returns the account holding the reward.
func (c *Challenge) Escrow() AccountID {
	return EscrowAccount(c.GroupID, RefChallenge+":"+c.ID)
}
