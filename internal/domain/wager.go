package domain

import "time"

// Reference kinds used on journals, escrows, and log fields.
const (
	RefWager       = "wager"
	RefChallenge   = "challenge"
	RefElimination = "elimination"
	RefEvent       = "event"
	RefDispute     = "dispute"
	RefMember      = "member"
)

// WagerType selects how entries are matched against the outcome.
type WagerType string

const (
	WagerBinary         WagerType = "binary"
	WagerMultipleChoice WagerType = "multiple_choice"
	WagerNumeric        WagerType = "numeric"
)

// Wager states.
const (
	WagerOpen      = "open"
	WagerLocked    = "locked"
	WagerSettled   = "settled"
	WagerDisputed  = "disputed"
	WagerCancelled = "cancelled"
)

// Entry results recorded at settlement.
const (
	ResultPending  = ""
	ResultWon      = "won"
	ResultLost     = "lost"
	ResultRefunded = "refunded"
)

// BinaryOptions are the implicit options of a yes/no wager.
var BinaryOptions = []string{"Yes", "No"}

// Outcome is the resolved answer of a wager: an option index for binary and
// multiple-choice wagers, a value for numeric ones.
type Outcome struct {
	Choice int   `bson:"choice" json:"choice"`
	Value  int64 `bson:"value" json:"value"`
}

// WagerEntry is one member's position.
type WagerEntry struct {
	UserID   int64     `bson:"user_id" json:"user_id"`
	Choice   int       `bson:"choice" json:"choice"`
	Guess    int64     `bson:"guess" json:"guess"`
	Amount   int64     `bson:"amount" json:"amount"`
	Result   string    `bson:"result,omitempty" json:"result,omitempty"`
	PlacedAt time.Time `bson:"placed_at" json:"placed_at"`
}

// Wager is a group bet with a fixed stake. Stakes sit in the wager's escrow
// until settlement or cancellation.
type Wager struct {
	Meta `bson:",inline"`

	CreatorID       int64        `bson:"creator_id" json:"creator_id"`
	Title           string       `bson:"title" json:"title"`
	Type            WagerType    `bson:"type" json:"type"`
	Options         []string     `bson:"options,omitempty" json:"options,omitempty"`
	Stake           int64        `bson:"stake" json:"stake"`
	BettingDeadline time.Time    `bson:"betting_deadline" json:"betting_deadline"`
	Entries         []WagerEntry `bson:"entries" json:"entries"`

	Outcome         *Outcome  `bson:"outcome,omitempty" json:"outcome,omitempty"`
	SettledBy       int64     `bson:"settled_by,omitempty" json:"settled_by,omitempty"`
	SettledAt       time.Time `bson:"settled_at,omitempty" json:"settled_at,omitempty"`
	SettlementRound int       `bson:"settlement_round" json:"settlement_round"`
	Payouts         []Payout  `bson:"payouts,omitempty" json:"payouts,omitempty"`
	Dust            int64     `bson:"dust" json:"dust"`
}

// Escrow returns the account holding the wager's stakes.
func (w *Wager) Escrow() AccountID {
	return EscrowAccount(w.GroupID, RefWager+":"+w.ID)
}

// Entry returns the member's entry when present.
func (w *Wager) Entry(userID int64) (WagerEntry, bool) {
	for _, e := range w.Entries {
		if e.UserID == userID {
			return e, true
		}
	}
	return WagerEntry{}, false
}

// TotalStaked sums all entry amounts.
func (w *Wager) TotalStaked() int64 {
	var total int64
	for _, e := range w.Entries {
		total += e.Amount
	}
	return total
}

// OptionCount returns how many choices the wager offers; zero for numeric.
func (w *Wager) OptionCount() int {
	switch w.Type {
	case WagerBinary:
		return len(BinaryOptions)
	case WagerMultipleChoice:
		return len(w.Options)
	default:
		return 0
	}
}

// OptionLabel returns the label of choice i.
func (w *Wager) OptionLabel(i int) string {
	options := w.Options
	if w.Type == WagerBinary {
		options = BinaryOptions
	}
	if i < 0 || i >= len(options) {
		return "?"
	}
	return options[i]
}

// IsParticipant reports whether userID holds an entry.
func (w *Wager) IsParticipant(userID int64) bool {
	_, ok := w.Entry(userID)
	return ok
}
