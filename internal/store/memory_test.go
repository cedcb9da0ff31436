package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"tg_wager_bot/internal/domain"
)

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	acct := domain.UserAccount(-100, 1)

	errBoom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Accounts().Adjust(ctx, acct, 50, false); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := s.Balance(acct); got != 0 {
		t.Fatalf("expected rollback to leave balance 0, got %d", got)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.Accounts().Adjust(ctx, acct, 50, false)
		return err
	})
	if err != nil {
		t.Fatalf("expected commit, got %v", err)
	}
	if got := s.Balance(acct); got != 50 {
		t.Fatalf("expected balance 50, got %d", got)
	}
}

func TestMemoryAccountsRejectOverdraft(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	user := domain.UserAccount(-100, 1)
	system := domain.SystemAccount(-100)

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Accounts().Adjust(ctx, user, -1, false); !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("expected insufficient funds for missing account, got %v", err)
		}
		if _, err := tx.Accounts().Adjust(ctx, system, -10, true); err != nil {
			t.Fatalf("expected overdraft to be allowed, got %v", err)
		}
		if _, err := tx.Accounts().Adjust(ctx, user, 10, false); err != nil {
			return err
		}
		if _, err := tx.Accounts().Adjust(ctx, user, -11, false); !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("expected insufficient funds, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.GroupTotal(-100); got != 0 {
		t.Fatalf("expected group total 0, got %d", got)
	}
}

func TestMemoryAccountsStatsAndLeaderboard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		accounts := tx.Accounts()
		for userID, balance := range map[int64]int64{1: 30, 2: 90, 3: 60} {
			if _, err := accounts.Adjust(ctx, domain.UserAccount(-100, userID), balance, false); err != nil {
				return err
			}
		}
		if _, err := accounts.Adjust(ctx, domain.UserAccount(-200, 9), 500, false); err != nil {
			return err
		}
		if _, err := accounts.AddStats(ctx, domain.UserAccount(-100, 1), domain.Stats{WagersJoined: 1, BiggestStake: 40}); err != nil {
			return err
		}
		acct, err := accounts.AddStats(ctx, domain.UserAccount(-100, 1), domain.Stats{WagersJoined: 1, BiggestStake: 20})
		if err != nil {
			return err
		}
		if acct.Stats.WagersJoined != 2 || acct.Stats.BiggestStake != 40 {
			t.Fatalf("unexpected stats %+v", acct.Stats)
		}
		if acct.Balance != 30 {
			t.Fatalf("expected stats update to keep balance, got %d", acct.Balance)
		}

		top, err := accounts.ListByGroup(ctx, -100, domain.AccountUser, 2)
		if err != nil {
			return err
		}
		if len(top) != 2 || top[0].ID.UserID != 2 || top[1].ID.UserID != 3 {
			t.Fatalf("unexpected leaderboard %+v", top)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryDocsOptimisticVersioning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		w := &domain.Wager{Meta: domain.Meta{ID: "w1", GroupID: -100, State: domain.WagerOpen, CreatedAt: now}, Title: "rain"}
		if err := tx.Wagers().Insert(ctx, w); err != nil {
			return err
		}
		if w.Version != 1 {
			t.Fatalf("expected version 1, got %d", w.Version)
		}
		if err := tx.Wagers().Insert(ctx, w); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected duplicate, got %v", err)
		}

		first, err := tx.Wagers().Get(ctx, "w1")
		if err != nil {
			return err
		}
		second, err := tx.Wagers().Get(ctx, "w1")
		if err != nil {
			return err
		}

		first.Title = "snow"
		if err := tx.Wagers().Update(ctx, first); err != nil {
			return err
		}
		if first.Version != 2 {
			t.Fatalf("expected version 2, got %d", first.Version)
		}

		second.Title = "hail"
		if err := tx.Wagers().Update(ctx, second); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}

		stored, err := tx.Wagers().Get(ctx, "w1")
		if err != nil {
			return err
		}
		if stored.Title != "snow" {
			t.Fatalf("expected snow, got %s", stored.Title)
		}
		if _, err := tx.Wagers().Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryDocsDueAndList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		docs := []*domain.Challenge{
			{Meta: domain.Meta{ID: "late", GroupID: -1, State: domain.ChallengeOpen, DueAt: at(-time.Minute), CreatedAt: now.Add(-time.Hour)}},
			{Meta: domain.Meta{ID: "early", GroupID: -1, State: domain.ChallengeSubmitted, DueAt: at(-time.Hour), CreatedAt: now.Add(-2 * time.Hour)}},
			{Meta: domain.Meta{ID: "future", GroupID: -1, State: domain.ChallengeOpen, DueAt: at(time.Hour), CreatedAt: now}},
			{Meta: domain.Meta{ID: "done", GroupID: -2, State: domain.ChallengeCompleted, CreatedAt: now.Add(-3 * time.Hour)}},
		}
		for _, doc := range docs {
			if err := tx.Challenges().Insert(ctx, doc); err != nil {
				return err
			}
		}

		due, err := tx.Challenges().Due(ctx, []string{domain.ChallengeOpen, domain.ChallengeSubmitted}, now, 10)
		if err != nil {
			return err
		}
		if len(due) != 2 || due[0].ID != "early" || due[1].ID != "late" {
			t.Fatalf("unexpected due order: %+v", due)
		}

		listed, err := tx.Challenges().ListByGroup(ctx, -1, nil, 0)
		if err != nil {
			return err
		}
		if len(listed) != 3 || listed[0].ID != "future" || listed[2].ID != "early" {
			t.Fatalf("unexpected listing: %+v", listed)
		}

		open, err := tx.Challenges().ListByGroup(ctx, -1, []string{domain.ChallengeOpen}, 1)
		if err != nil {
			return err
		}
		if len(open) != 1 || open[0].ID != "future" {
			t.Fatalf("unexpected open listing: %+v", open)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryJournalsAndBadges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	acct := domain.UserAccount(-100, 7)
	pot := domain.PotAccount(-100)

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, key := range []string{"a", "b", "c"} {
			j := domain.Journal{
				Key:      key,
				GroupID:  -100,
				Type:     domain.JournalTransfer,
				Postings: []domain.Posting{domain.NewPosting(acct, -1), domain.NewPosting(pot, 1)},
			}
			if key == "b" {
				j.Postings = []domain.Posting{domain.NewPosting(pot, -1), domain.NewPosting(domain.SystemAccount(-100), 1)}
			}
			if err := tx.Journals().Insert(ctx, j); err != nil {
				return err
			}
		}
		if err := tx.Journals().Insert(ctx, domain.Journal{Key: "a"}); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected duplicate journal, got %v", err)
		}

		history, err := tx.Journals().ListForAccount(ctx, acct, 5)
		if err != nil {
			return err
		}
		if len(history) != 2 || history[0].Key != "c" || history[1].Key != "a" {
			t.Fatalf("unexpected history %+v", history)
		}

		award := domain.BadgeAward{ID: domain.BadgeAwardID(-100, 7, "first_win"), GroupID: -100, UserID: 7, Code: "first_win"}
		if err := tx.Badges().Insert(ctx, award); err != nil {
			return err
		}
		if err := tx.Badges().Insert(ctx, award); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected duplicate badge, got %v", err)
		}
		awards, err := tx.Badges().ListForUser(ctx, -100, 7)
		if err != nil {
			return err
		}
		if len(awards) != 1 || awards[0].Code != "first_win" {
			t.Fatalf("unexpected awards %+v", awards)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryStoreValidatesContext(t *testing.T) {
	s := NewMemoryStore()
	if err := s.InTx(nil, func(context.Context, Tx) error { return nil }); err == nil {
		t.Fatalf("expected error for nil context")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.InTx(ctx, func(context.Context, Tx) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
