package domain

import "time"

// JournalType classifies a balanced movement of points.
type JournalType string

const (
	JournalGrant      JournalType = "grant"
	JournalStake      JournalType = "stake"
	JournalPayout     JournalType = "payout"
	JournalRefund     JournalType = "refund"
	JournalClawback   JournalType = "clawback"
	JournalPenalty    JournalType = "penalty"
	JournalBonus      JournalType = "bonus"
	JournalTransfer   JournalType = "transfer"
	JournalAdjustment JournalType = "adjustment"
	JournalPrize      JournalType = "prize"
)

// Posting is one signed leg of a journal. Negative amounts debit.
type Posting struct {
	AccountKey string    `bson:"account" json:"account"`
	Account    AccountID `bson:"account_id" json:"account_id"`
	Amount     int64     `bson:"amount" json:"amount"`
}

// NewPosting builds a posting with its storage key filled in.
func NewPosting(account AccountID, amount int64) Posting {
	return Posting{AccountKey: account.Key(), Account: account, Amount: amount}
}

// Journal is an immutable, balanced set of postings. Key is unique and makes
// posting idempotent.
type Journal struct {
	Key       string      `bson:"_id" json:"key"`
	GroupID   int64       `bson:"group_id" json:"group_id"`
	Type      JournalType `bson:"type" json:"type"`
	RefKind   string      `bson:"ref_kind,omitempty" json:"ref_kind,omitempty"`
	RefID     string      `bson:"ref_id,omitempty" json:"ref_id,omitempty"`
	Memo      string      `bson:"memo,omitempty" json:"memo,omitempty"`
	Postings  []Posting   `bson:"postings" json:"postings"`
	CreatedAt time.Time   `bson:"created_at" json:"created_at"`
}

// AmountFor sums the postings that touch the account.
func (j Journal) AmountFor(account AccountID) int64 {
	key := account.Key()
	var total int64
	for _, p := range j.Postings {
		if p.AccountKey == key {
			total += p.Amount
		}
	}
	return total
}

// Payout records points credited to a member by a settlement.
type Payout struct {
	UserID int64 `bson:"user_id" json:"user_id"`
	Amount int64 `bson:"amount" json:"amount"`
}

// SumPayouts totals the payouts.
func SumPayouts(payouts []Payout) int64 {
	var total int64
	for _, p := range payouts {
		total += p.Amount
	}
	return total
}
