// Package badge awards achievements when member stats cross thresholds.
package badge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/store"
)

// Badge is one entry of the catalogue.
type Badge struct {
	Code        string
	Name        string
	Description string
	earned      func(domain.Stats) bool
}

// Catalogue lists every badge in display order.
var Catalogue = []Badge{
	{Code: "first_wager", Name: "Rookie", Description: "Joined a first wager.", earned: func(s domain.Stats) bool { return s.WagersJoined >= 1 }},
	{Code: "first_win", Name: "Lucky", Description: "Won a first wager.", earned: func(s domain.Stats) bool { return s.WagersWon >= 1 }},
	{Code: "sharpshooter", Name: "Sharpshooter", Description: "Won 10 wagers.", earned: func(s domain.Stats) bool { return s.WagersWon >= 10 }},
	{Code: "high_roller", Name: "High Roller", Description: "Staked 500 points or more at once.", earned: func(s domain.Stats) bool { return s.BiggestStake >= 500 }},
	{Code: "challenger", Name: "Challenger", Description: "Completed 5 challenges.", earned: func(s domain.Stats) bool { return s.ChallengesCompleted >= 5 }},
	{Code: "survivor", Name: "Survivor", Description: "Won an elimination challenge.", earned: func(s domain.Stats) bool { return s.EliminationsWon >= 1 }},
	{Code: "regular", Name: "Regular", Description: "Attended 3 events.", earned: func(s domain.Stats) bool { return s.EventsAttended >= 3 }},
}

// Lookup returns the catalogue entry for code.
func Lookup(code string) (Badge, bool) {
	for _, b := range Catalogue {
		if b.Code == code {
			return b, true
		}
	}
	return Badge{}, false
}

// Awarder grants catalogue badges inside the caller's transaction.
type Awarder struct {
	now func() time.Time
}

// NewAwarder constructs an Awarder using now for award timestamps.
func NewAwarder(now func() time.Time) *Awarder {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Awarder{now: now}
}

// Evaluate awards every badge the account qualifies for and does not hold
// yet. Only member wallets earn badges.
func (a *Awarder) Evaluate(ctx context.Context, tx store.Tx, account domain.Account) ([]domain.BadgeAward, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if a == nil {
		return nil, errors.New("badge awarder is not initialized")
	}
	if account.ID.Kind != domain.AccountUser {
		return nil, nil
	}

	held, err := tx.Badges().ListForUser(ctx, account.ID.GroupID, account.ID.UserID)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	owned := make(map[string]bool, len(held))
	for _, award := range held {
		owned[award.Code] = true
	}

	var awards []domain.BadgeAward
	for _, b := range Catalogue {
		if owned[b.Code] || !b.earned(account.Stats) {
			continue
		}
		award := domain.BadgeAward{
			ID:        domain.BadgeAwardID(account.ID.GroupID, account.ID.UserID, b.Code),
			GroupID:   account.ID.GroupID,
			UserID:    account.ID.UserID,
			Code:      b.Code,
			AwardedAt: a.now(),
		}
		if err := tx.Badges().Insert(ctx, award); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			return nil, fmt.Errorf("award badge %s: %w", b.Code, err)
		}
		awards = append(awards, award)
	}
	return awards, nil
}

// List returns the member's awards, oldest first.
func List(ctx context.Context, s store.Store, groupID, userID int64) ([]domain.BadgeAward, error) {
	var awards []domain.BadgeAward
	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		awards, err = tx.Badges().ListForUser(ctx, groupID, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	return awards, nil
}

// Sort orders awards by member and catalogue position.
func Sort(awards []domain.BadgeAward) {
	position := make(map[string]int, len(Catalogue))
	for i, b := range Catalogue {
		position[b.Code] = i
	}
	sort.SliceStable(awards, func(i, j int) bool {
		if awards[i].UserID != awards[j].UserID {
			return awards[i].UserID < awards[j].UserID
		}
		return position[awards[i].Code] < position[awards[j].Code]
	})
}
