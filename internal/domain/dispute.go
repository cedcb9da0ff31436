package domain

import "time"

// Dispute states.
const (
	DisputeOpen     = "open"
	DisputeUpheld   = "upheld"
	DisputeRejected = "rejected"
)

// DisputeVote is one member's ballot.
type DisputeVote struct {
	UserID  int64     `bson:"user_id" json:"user_id"`
	Uphold  bool      `bson:"uphold" json:"uphold"`
	VotedAt time.Time `bson:"voted_at" json:"voted_at"`
}

// DisputeResolution records what an upheld dispute managed to move. For
// wagers, Recovered is what came back into escrow from the previous payouts
// and the pot; Shortfall is what could not be recovered.
type DisputeResolution struct {
	Recovered int64    `bson:"recovered" json:"recovered"`
	Shortfall int64    `bson:"shortfall" json:"shortfall"`
	Penalty   int64    `bson:"penalty" json:"penalty"`
	Payouts   []Payout `bson:"payouts,omitempty" json:"payouts,omitempty"`
}

// Dispute contests a wager settlement or a challenge rejection.
type Dispute struct {
	Meta `bson:",inline"`

	SubjectKind     string             `bson:"subject_kind" json:"subject_kind"`
	SubjectID       string             `bson:"subject_id" json:"subject_id"`
	OpenedBy        int64              `bson:"opened_by" json:"opened_by"`
	AccusedID       int64              `bson:"accused_id" json:"accused_id"`
	Reason          string             `bson:"reason" json:"reason"`
	ProposedOutcome *Outcome           `bson:"proposed_outcome,omitempty" json:"proposed_outcome,omitempty"`
	Votes           []DisputeVote      `bson:"votes" json:"votes"`
	VotingEndsAt    time.Time          `bson:"voting_ends_at" json:"voting_ends_at"`
	Resolution      *DisputeResolution `bson:"resolution,omitempty" json:"resolution,omitempty"`
	ResolvedAt      time.Time          `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

// Tally counts uphold and reject votes.
func (d *Dispute) Tally() (uphold, reject int) {
	for _, v := range d.Votes {
		if v.Uphold {
			uphold++
		} else {
			reject++
		}
	}
	return uphold, reject
}

// HasVoted reports whether userID already voted.
func (d *Dispute) HasVoted(userID int64) bool {
	for _, v := range d.Votes {
		if v.UserID == userID {
			return true
		}
	}
	return false
}
