package elimination

import (
	"context"
	"errors"
	"testing"
	"time"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/testutil"
)

const group = testutil.Group

func create(t *testing.T, f *testutil.Fixture, svc *Service, mode domain.EliminationMode, buyIn int64) *domain.EliminationChallenge {
	t.Helper()
	start := f.Clock.Now().Add(time.Hour)
	e, err := svc.Create(context.Background(), CreateParams{
		GroupID:   group,
		CreatorID: 1,
		Title:     "No sugar",
		Mode:      mode,
		BuyIn:     buyIn,
		StartsAt:  start,
		EndsAt:    start.Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create elimination: %v", err)
	}
	return e
}

func start(t *testing.T, f *testutil.Fixture, svc *Service) []domain.Transition {
	t.Helper()
	f.Clock.Advance(time.Hour)
	transitions, err := svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return transitions
}

func TestLastStandingWinnerTakesEscrow(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2, 3, 4)
	svc := NewService(f.Engine)
	ctx := context.Background()

	e := create(t, f, svc, domain.EliminationLastStanding, 30)
	for _, id := range []int64{2, 3} {
		if _, err := svc.Join(ctx, group, e.ID, id); err != nil {
			t.Fatalf("join %d: %v", id, err)
		}
	}
	if _, err := svc.Join(ctx, group, e.ID, 2); !errors.Is(err, domain.ErrAlreadyJoined) {
		t.Fatalf("expected already joined, got %v", err)
	}
	if _, _, err := svc.TapOut(ctx, group, e.ID, 2); !errors.Is(err, domain.ErrEliminationInactive) {
		t.Fatalf("expected inactive before start, got %v", err)
	}

	transitions := start(t, f, svc)
	if len(transitions) != 1 || transitions[0].To != domain.EliminationActive {
		t.Fatalf("expected start, got %+v", transitions)
	}
	if _, err := svc.Join(ctx, group, e.ID, 4); !errors.Is(err, domain.ErrEliminationClosed) {
		t.Fatalf("expected closed, got %v", err)
	}

	if _, done, err := svc.TapOut(ctx, group, e.ID, 2); err != nil || done != nil {
		t.Fatalf("tap out: done=%+v err=%v", done, err)
	}
	if _, _, err := svc.TapOut(ctx, group, e.ID, 2); !errors.Is(err, domain.ErrAlreadyEliminated) {
		t.Fatalf("expected already eliminated, got %v", err)
	}
	if _, _, err := svc.Eliminate(ctx, group, e.ID, testutil.Member(3), 1); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}

	_, done, err := svc.Eliminate(ctx, group, e.ID, testutil.Admin(4), 1)
	if err != nil {
		t.Fatalf("eliminate: %v", err)
	}
	if done == nil || done.To != domain.EliminationCompleted {
		t.Fatalf("expected completion, got %+v", done)
	}
	if len(done.Payouts) != 1 || done.Payouts[0].UserID != 3 || done.Payouts[0].Amount != 90 {
		t.Fatalf("unexpected payouts %+v", done.Payouts)
	}
	if f.Balance(1) != 70 || f.Balance(2) != 70 || f.Balance(3) != 160 {
		t.Fatalf("unexpected balances %d/%d/%d", f.Balance(1), f.Balance(2), f.Balance(3))
	}
	if got := f.Account(domain.UserAccount(group, 3)).Stats.EliminationsWon; got != 1 {
		t.Fatalf("expected 1 elimination won, got %d", got)
	}
	if _, _, err := svc.TapOut(ctx, group, e.ID, 3); !errors.Is(err, domain.ErrEliminationInactive) {
		t.Fatalf("expected inactive after completion, got %v", err)
	}
	f.AssertConserved()
}

func TestDeadlineSurvivorsSplitWithDust(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2, 3, 4)
	svc := NewService(f.Engine)
	ctx := context.Background()

	e := create(t, f, svc, domain.EliminationDeadline, 25)
	for _, id := range []int64{2, 3, 4} {
		if _, err := svc.Join(ctx, group, e.ID, id); err != nil {
			t.Fatalf("join %d: %v", id, err)
		}
	}
	start(t, f, svc)

	if _, done, err := svc.TapOut(ctx, group, e.ID, 4); err != nil || done != nil {
		t.Fatalf("tap out: done=%+v err=%v", done, err)
	}

	f.Clock.Advance(7*24*time.Hour - time.Minute)
	if transitions, err := svc.Tick(ctx); err != nil || len(transitions) != 0 {
		t.Fatalf("expected nothing before the end, got %+v err=%v", transitions, err)
	}

	f.Clock.Advance(time.Minute)
	transitions, err := svc.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(transitions) != 1 || transitions[0].To != domain.EliminationCompleted {
		t.Fatalf("expected completion, got %+v", transitions)
	}

	// 100 points over three survivors: 33 each, 1 to the pot.
	for _, id := range []int64{1, 2, 3} {
		if got := f.Balance(id); got != 108 {
			t.Fatalf("expected survivor %d at 108, got %d", id, got)
		}
	}
	if f.Balance(4) != 75 || f.Pot() != 1 {
		t.Fatalf("unexpected loser=%d pot=%d", f.Balance(4), f.Pot())
	}

	stored, err := svc.Get(ctx, group, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Dust != 1 || len(stored.Winners) != 3 {
		t.Fatalf("unexpected stored result %+v", stored)
	}
	f.AssertConserved()
}

func TestDeadlineWithoutSurvivorsFeedsPot(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2)
	svc := NewService(f.Engine)
	ctx := context.Background()

	e := create(t, f, svc, domain.EliminationDeadline, 10)
	if _, err := svc.Join(ctx, group, e.ID, 2); err != nil {
		t.Fatalf("join: %v", err)
	}
	start(t, f, svc)
	for _, id := range []int64{1, 2} {
		if _, _, err := svc.TapOut(ctx, group, e.ID, id); err != nil {
			t.Fatalf("tap out %d: %v", id, err)
		}
	}

	f.Clock.Advance(7 * 24 * time.Hour)
	transitions, err := svc.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(transitions) != 1 || len(transitions[0].Payouts) != 0 {
		t.Fatalf("expected completion without payouts, got %+v", transitions)
	}
	if f.Pot() != 20 {
		t.Fatalf("expected pot 20, got %d", f.Pot())
	}
	f.AssertConserved()
}

func TestStartCancelsWithoutEnoughParticipants(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1)
	svc := NewService(f.Engine)

	e := create(t, f, svc, domain.EliminationLastStanding, 40)
	if f.Balance(1) != 60 {
		t.Fatalf("expected buy-in charged, got %d", f.Balance(1))
	}

	transitions := start(t, f, svc)
	if len(transitions) != 1 || transitions[0].EntityID != e.ID || transitions[0].To != domain.EliminationCancelled {
		t.Fatalf("expected cancellation, got %+v", transitions)
	}
	if f.Balance(1) != 100 {
		t.Fatalf("expected refund, got %d", f.Balance(1))
	}
	f.AssertConserved()
}

func TestCreateValidation(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1)
	svc := NewService(f.Engine)
	ctx := context.Background()
	now := f.Clock.Now()

	cases := []struct {
		name   string
		params CreateParams
		want   error
	}{
		{"title", CreateParams{GroupID: group, CreatorID: 1, BuyIn: 1, StartsAt: now.Add(time.Hour)}, domain.ErrTitleRequired},
		{"buy in", CreateParams{GroupID: group, CreatorID: 1, Title: "x", StartsAt: now.Add(time.Hour)}, domain.ErrInvalidAmount},
		{"past start", CreateParams{GroupID: group, CreatorID: 1, Title: "x", BuyIn: 1, StartsAt: now}, domain.ErrDeadlinePassed},
		{"deadline order", CreateParams{GroupID: group, CreatorID: 1, Title: "x", BuyIn: 1, Mode: domain.EliminationDeadline, StartsAt: now.Add(time.Hour), EndsAt: now}, domain.ErrInvalidSchedule},
		{"funds", CreateParams{GroupID: group, CreatorID: 1, Title: "x", BuyIn: 500, StartsAt: now.Add(time.Hour)}, domain.ErrInsufficientFunds},
		{"member", CreateParams{GroupID: group, CreatorID: 9, Title: "x", BuyIn: 1, StartsAt: now.Add(time.Hour)}, domain.ErrNotMember},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tc.params); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if f.Balance(1) != 100 {
		t.Fatalf("expected no charge after failures, got %d", f.Balance(1))
	}
}
