package domain

import (
	"fmt"
	"time"
)

// AccountKind separates member wallets from the accounts the engine uses to
// hold and route points.
type AccountKind string

const (
	// AccountUser is a member's wallet inside one group.
	AccountUser AccountKind = "user"
	// AccountPot collects dust, forfeits, and penalties for a group.
	AccountPot AccountKind = "pot"
	// AccountEscrow holds stakes for a single wager, challenge, or elimination.
	AccountEscrow AccountKind = "escrow"
	// AccountSystem is the group's mint; it is the only account allowed to go
	// negative, so the sum of a group's balances stays zero.
	AccountSystem AccountKind = "system"
)

// AccountID identifies an account. UserID is set for user accounts and Ref
// for escrow accounts.
type AccountID struct {
	Kind    AccountKind `bson:"kind" json:"kind"`
	GroupID int64       `bson:"group_id" json:"group_id"`
	UserID  int64       `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Ref     string      `bson:"ref,omitempty" json:"ref,omitempty"`
}

// UserAccount returns the wallet of userID in groupID.
func UserAccount(groupID, userID int64) AccountID {
	return AccountID{Kind: AccountUser, GroupID: groupID, UserID: userID}
}

// PotAccount returns the group pot.
func PotAccount(groupID int64) AccountID {
	return AccountID{Kind: AccountPot, GroupID: groupID}
}

// EscrowAccount returns the escrow for a referenced entity.
func EscrowAccount(groupID int64, ref string) AccountID {
	return AccountID{Kind: AccountEscrow, GroupID: groupID, Ref: ref}
}

// SystemAccount returns the group's mint.
func SystemAccount(groupID int64) AccountID {
	return AccountID{Kind: AccountSystem, GroupID: groupID}
}

// Key is the stable storage key of the account.
func (a AccountID) Key() string {
	switch a.Kind {
	case AccountUser:
		return fmt.Sprintf("user:%d:%d", a.GroupID, a.UserID)
	case AccountEscrow:
		return fmt.Sprintf("escrow:%d:%s", a.GroupID, a.Ref)
	default:
		return fmt.Sprintf("%s:%d", a.Kind, a.GroupID)
	}
}

// AllowsOverdraft reports whether the account may hold a negative balance.
func (a AccountID) AllowsOverdraft() bool {
	return a.Kind == AccountSystem
}

func (a AccountID) String() string {
	return a.Key()
}

// Stats are per-member counters used for leaderboards and badges.
type Stats struct {
	WagersJoined        int64 `bson:"wagers_joined" json:"wagers_joined"`
	WagersWon           int64 `bson:"wagers_won" json:"wagers_won"`
	WagersLost          int64 `bson:"wagers_lost" json:"wagers_lost"`
	ChallengesCompleted int64 `bson:"challenges_completed" json:"challenges_completed"`
	EliminationsWon     int64 `bson:"eliminations_won" json:"eliminations_won"`
	EventsAttended      int64 `bson:"events_attended" json:"events_attended"`
	BiggestStake        int64 `bson:"biggest_stake" json:"biggest_stake"`
}

// IsZero reports whether the delta changes nothing.
func (s Stats) IsZero() bool {
	return s == Stats{}
}

// Apply adds delta to the counters and keeps the larger biggest stake.
func (s Stats) Apply(delta Stats) Stats {
	s.WagersJoined += delta.WagersJoined
	s.WagersWon += delta.WagersWon
	s.WagersLost += delta.WagersLost
	s.ChallengesCompleted += delta.ChallengesCompleted
	s.EliminationsWon += delta.EliminationsWon
	s.EventsAttended += delta.EventsAttended
	if delta.BiggestStake > s.BiggestStake {
		s.BiggestStake = delta.BiggestStake
	}
	return s
}

// Account is the persisted balance of an AccountID.
type Account struct {
	Key       string    `bson:"_id" json:"key"`
	ID        AccountID `bson:"account" json:"account"`
	Balance   int64     `bson:"balance" json:"balance"`
	Stats     Stats     `bson:"stats" json:"stats"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
