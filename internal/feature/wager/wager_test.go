package wager

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/ledger"
	"tg_wager_bot/internal/store"
	"tg_wager_bot/internal/testutil"
)

const group = testutil.Group

func newWager(t *testing.T, f *testutil.Fixture, svc *Service, typ domain.WagerType, options ...string) *domain.Wager {
	t.Helper()
	w, err := svc.Create(context.Background(), CreateParams{
		GroupID:   group,
		CreatorID: 1,
		Title:     "Will it rain?",
		Type:      typ,
		Options:   options,
		Stake:     10,
		Deadline:  f.Clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create wager: %v", err)
	}
	return w
}

func join(t *testing.T, svc *Service, id string, userID int64, choice int) {
	t.Helper()
	if _, _, err := svc.Join(context.Background(), group, id, userID, choice); err != nil {
		t.Fatalf("join %d: %v", userID, err)
	}
}

func TestSettlePaysWinnersProRataExactlyOnce(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2, 3)
	svc := NewService(f.Engine, time.Hour)
	ctx := context.Background()

	w := newWager(t, f, svc, domain.WagerBinary)
	join(t, svc, w.ID, 1, 0)
	join(t, svc, w.ID, 2, 0)
	join(t, svc, w.ID, 3, 1)
	f.AssertConserved()

	if _, err := svc.Settle(ctx, group, w.ID, testutil.Member(1), domain.Outcome{Choice: 0}); !errors.Is(err, domain.ErrSettleTooEarly) {
		t.Fatalf("expected settle too early, got %v", err)
	}

	f.Clock.Advance(2 * time.Hour)
	if _, err := svc.Settle(ctx, group, w.ID, testutil.Member(2), domain.Outcome{Choice: 0}); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}

	transition, err := svc.Settle(ctx, group, w.ID, testutil.Member(1), domain.Outcome{Choice: 0})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if transition.To != domain.WagerSettled || domain.SumPayouts(transition.Payouts) != 30 {
		t.Fatalf("unexpected transition %+v", transition)
	}
	if f.Balance(1) != 105 || f.Balance(2) != 105 || f.Balance(3) != 90 {
		t.Fatalf("unexpected balances %d/%d/%d", f.Balance(1), f.Balance(2), f.Balance(3))
	}

	if _, err := svc.Settle(ctx, group, w.ID, testutil.Admin(9), domain.Outcome{Choice: 1}); !errors.Is(err, domain.ErrAlreadySettled) {
		t.Fatalf("expected already settled, got %v", err)
	}
	if f.Balance(1) != 105 || f.Balance(3) != 90 {
		t.Fatalf("expected balances unchanged after second settle")
	}
	f.AssertConserved()

	winner := f.Account(domain.UserAccount(group, 1))
	if winner.Stats.WagersJoined != 1 || winner.Stats.WagersWon != 1 {
		t.Fatalf("unexpected winner stats %+v", winner.Stats)
	}
	loser := f.Account(domain.UserAccount(group, 3))
	if loser.Stats.WagersLost != 1 {
		t.Fatalf("unexpected loser stats %+v", loser.Stats)
	}

	codes := map[string]bool{}
	for _, award := range transition.Badges {
		codes[award.Code] = true
	}
	if !codes["first_win"] {
		t.Fatalf("expected first_win badge in %+v", transition.Badges)
	}
}

func TestSettleSendsDustToPot(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2, 3, 4)
	svc := NewService(f.Engine, time.Hour)

	w := newWager(t, f, svc, domain.WagerMultipleChoice, "red", "green", "blue")
	join(t, svc, w.ID, 1, 0)
	join(t, svc, w.ID, 2, 0)
	join(t, svc, w.ID, 3, 0)
	join(t, svc, w.ID, 4, 2)

	f.Clock.Advance(2 * time.Hour)
	transition, err := svc.Settle(context.Background(), group, w.ID, testutil.Admin(99), domain.Outcome{Choice: 0})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := domain.SumPayouts(transition.Payouts); got != 39 {
		t.Fatalf("expected 39 paid, got %d", got)
	}
	if f.Pot() != 1 {
		t.Fatalf("expected 1 point of dust in pot, got %d", f.Pot())
	}
	if f.Store.Balance(w.Escrow()) != 0 {
		t.Fatalf("expected empty escrow, got %d", f.Store.Balance(w.Escrow()))
	}
	f.AssertConserved()
}

func TestSettleWithoutWinnersRefundsEveryone(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2)
	svc := NewService(f.Engine, time.Hour)

	w := newWager(t, f, svc, domain.WagerMultipleChoice, "a", "b", "c")
	join(t, svc, w.ID, 1, 0)
	join(t, svc, w.ID, 2, 1)

	f.Clock.Advance(2 * time.Hour)
	transition, err := svc.Settle(context.Background(), group, w.ID, testutil.Member(1), domain.Outcome{Choice: 2})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if f.Balance(1) != 100 || f.Balance(2) != 100 {
		t.Fatalf("expected full refunds, got %d/%d", f.Balance(1), f.Balance(2))
	}
	if len(transition.Payouts) != 2 {
		t.Fatalf("expected two refunds, got %+v", transition.Payouts)
	}
	stored, err := svc.Get(context.Background(), group, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, e := range stored.Entries {
		if e.Result != domain.ResultRefunded {
			t.Fatalf("expected refunded entries, got %+v", stored.Entries)
		}
	}
	f.AssertConserved()
}

func TestNumericClosestGuessesShare(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2, 3)
	svc := NewService(f.Engine, time.Hour)
	ctx := context.Background()

	w := newWager(t, f, svc, domain.WagerNumeric)
	for userID, guess := range map[int64]int64{1: 10, 2: 20, 3: 30} {
		if _, _, err := svc.Guess(ctx, group, w.ID, userID, guess); err != nil {
			t.Fatalf("guess: %v", err)
		}
	}
	if _, _, err := svc.Join(ctx, group, w.ID, 1, 0); !errors.Is(err, domain.ErrAlreadyJoined) {
		t.Fatalf("expected already joined, got %v", err)
	}

	f.Clock.Advance(2 * time.Hour)
	if _, err := svc.Settle(ctx, group, w.ID, testutil.Member(1), domain.Outcome{Value: 15}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if f.Balance(1) != 105 || f.Balance(2) != 105 || f.Balance(3) != 90 {
		t.Fatalf("unexpected balances %d/%d/%d", f.Balance(1), f.Balance(2), f.Balance(3))
	}
	f.AssertConserved()
}

func TestNumericExtremeGuessDoesNotWrap(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2, 3)
	svc := NewService(f.Engine, time.Hour)
	ctx := context.Background()

	w := newWager(t, f, svc, domain.WagerNumeric)
	for userID, guess := range map[int64]int64{1: math.MinInt64, 2: 5, 3: math.MaxInt64} {
		if _, _, err := svc.Guess(ctx, group, w.ID, userID, guess); err != nil {
			t.Fatalf("guess: %v", err)
		}
	}

	f.Clock.Advance(2 * time.Hour)
	transition, err := svc.Settle(ctx, group, w.ID, testutil.Member(1), domain.Outcome{Value: -5})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(transition.Payouts) != 1 || transition.Payouts[0].UserID != 2 || transition.Payouts[0].Amount != 30 {
		t.Fatalf("expected the guess of 5 to take the pot, got %+v", transition.Payouts)
	}
	if f.Balance(1) != 90 || f.Balance(2) != 120 || f.Balance(3) != 90 {
		t.Fatalf("unexpected balances %d/%d/%d", f.Balance(1), f.Balance(2), f.Balance(3))
	}
	f.AssertConserved()
}

func TestDistance(t *testing.T) {
	tests := []struct {
		a, b int64
		want uint64
	}{
		{10, 15, 5},
		{15, 10, 5},
		{-5, 5, 10},
		{math.MaxInt64, -5, math.MaxInt64 + 5},
		{math.MinInt64, math.MaxInt64, math.MaxUint64},
	}
	for _, tt := range tests {
		if got := distance(tt.a, tt.b); got != tt.want {
			t.Fatalf("distance(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCreateAndJoinValidation(t *testing.T) {
	f := testutil.New(t)
	f.Open(5, 1, 2)
	svc := NewService(f.Engine, time.Hour)
	ctx := context.Background()
	deadline := f.Clock.Now().Add(time.Hour)

	tests := []struct {
		name   string
		params CreateParams
		want   error
	}{
		{name: "no title", params: CreateParams{GroupID: group, CreatorID: 1, Type: domain.WagerBinary, Stake: 1, Deadline: deadline}, want: domain.ErrTitleRequired},
		{name: "no stake", params: CreateParams{GroupID: group, CreatorID: 1, Title: "x", Type: domain.WagerBinary, Deadline: deadline}, want: domain.ErrInvalidAmount},
		{name: "past deadline", params: CreateParams{GroupID: group, CreatorID: 1, Title: "x", Type: domain.WagerBinary, Stake: 1, Deadline: f.Clock.Now()}, want: domain.ErrDeadlinePassed},
		{name: "one option", params: CreateParams{GroupID: group, CreatorID: 1, Title: "x", Type: domain.WagerMultipleChoice, Options: []string{"a"}, Stake: 1, Deadline: deadline}, want: domain.ErrInvalidOptions},
		{name: "duplicate options", params: CreateParams{GroupID: group, CreatorID: 1, Title: "x", Type: domain.WagerMultipleChoice, Options: []string{"a", "A"}, Stake: 1, Deadline: deadline}, want: domain.ErrInvalidOptions},
		{name: "unknown creator", params: CreateParams{GroupID: group, CreatorID: 77, Title: "x", Type: domain.WagerBinary, Stake: 1, Deadline: deadline}, want: domain.ErrNotMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tt.params); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	w := newWager(t, f, svc, domain.WagerBinary)
	if _, _, err := svc.Join(ctx, group, w.ID, 1, 2); !errors.Is(err, domain.ErrInvalidChoice) {
		t.Fatalf("expected invalid choice, got %v", err)
	}
	if _, _, err := svc.Guess(ctx, group, w.ID, 1, 3); !errors.Is(err, domain.ErrWrongWagerType) {
		t.Fatalf("expected wrong type, got %v", err)
	}
	if _, _, err := svc.Join(ctx, group, w.ID, 1, 0); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, _, err := svc.Join(ctx, group-1, w.ID, 1, 0); !errors.Is(err, domain.ErrWagerNotFound) {
		t.Fatalf("expected not found from another group, got %v", err)
	}

	f.Clock.Advance(time.Hour)
	if _, _, err := svc.Join(ctx, group, w.ID, 2, 0); !errors.Is(err, domain.ErrWagerClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	f.AssertConserved()
}

func TestCancelRefunds(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2)
	svc := NewService(f.Engine, time.Hour)
	ctx := context.Background()

	w := newWager(t, f, svc, domain.WagerBinary)
	join(t, svc, w.ID, 1, 0)
	join(t, svc, w.ID, 2, 1)

	if _, err := svc.Cancel(ctx, group, w.ID, testutil.Member(2)); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	transition, err := svc.Cancel(ctx, group, w.ID, testutil.Member(1))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if transition.To != domain.WagerCancelled {
		t.Fatalf("expected cancelled, got %s", transition.To)
	}
	if f.Balance(1) != 100 || f.Balance(2) != 100 {
		t.Fatalf("expected refunds, got %d/%d", f.Balance(1), f.Balance(2))
	}
	if _, err := svc.Cancel(ctx, group, w.ID, testutil.Admin(9)); !errors.Is(err, domain.ErrNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", err)
	}
	f.AssertConserved()
}

func TestTickLocksThenAutoCancels(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2)
	svc := NewService(f.Engine, 24*time.Hour)
	ctx := context.Background()

	w := newWager(t, f, svc, domain.WagerBinary)
	join(t, svc, w.ID, 1, 0)
	join(t, svc, w.ID, 2, 1)

	if transitions, err := svc.Tick(ctx); err != nil || len(transitions) != 0 {
		t.Fatalf("expected nothing due, got %v err=%v", transitions, err)
	}

	f.Clock.Advance(time.Hour)
	transitions, err := svc.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(transitions) != 1 || transitions[0].To != domain.WagerLocked {
		t.Fatalf("expected lock transition, got %+v", transitions)
	}
	if again, err := svc.Tick(ctx); err != nil || len(again) != 0 {
		t.Fatalf("expected lock to fire once, got %+v err=%v", again, err)
	}

	f.Clock.Advance(24 * time.Hour)
	transitions, err = svc.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(transitions) != 1 || transitions[0].To != domain.WagerCancelled {
		t.Fatalf("expected auto cancel, got %+v", transitions)
	}
	if f.Balance(1) != 100 || f.Balance(2) != 100 {
		t.Fatalf("expected refunds, got %d/%d", f.Balance(1), f.Balance(2))
	}
	f.AssertConserved()
}

func TestResettleClawsBackWithinBalances(t *testing.T) {
	f := testutil.New(t)
	f.Open(100, 1, 2, 3, 4)
	svc := NewService(f.Engine, time.Hour)
	ctx := context.Background()

	w := newWager(t, f, svc, domain.WagerBinary)
	join(t, svc, w.ID, 1, 0)
	join(t, svc, w.ID, 2, 0)
	join(t, svc, w.ID, 3, 1)

	f.Clock.Advance(2 * time.Hour)
	if _, err := svc.Settle(ctx, group, w.ID, testutil.Member(1), domain.Outcome{Choice: 0}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	err := f.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := f.Ledger.Post(ctx, tx, domain.Journal{
			Key:      "spend",
			GroupID:  group,
			Type:     domain.JournalTransfer,
			Postings: ledger.Move(domain.UserAccount(group, 1), domain.UserAccount(group, 4), 100),
		})
		return err
	})
	if err != nil {
		t.Fatalf("spend: %v", err)
	}

	var resolution domain.DisputeResolution
	err = f.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		disputed, err := tx.Wagers().Get(ctx, w.ID)
		if err != nil {
			return err
		}
		disputed.Transition(domain.WagerDisputed, time.Time{}, f.Clock.Now())
		if err := tx.Wagers().Update(ctx, disputed); err != nil {
			return err
		}
		resolution, _, err = svc.Resettle(ctx, tx, disputed, domain.Outcome{Choice: 1})
		return err
	})
	if err != nil {
		t.Fatalf("resettle: %v", err)
	}

	if resolution.Recovered != 20 || resolution.Shortfall != 10 {
		t.Fatalf("unexpected resolution %+v", resolution)
	}
	if f.Balance(1) != 0 || f.Balance(2) != 90 || f.Balance(3) != 110 {
		t.Fatalf("unexpected balances %d/%d/%d", f.Balance(1), f.Balance(2), f.Balance(3))
	}
	f.AssertConserved()

	first := f.Account(domain.UserAccount(group, 1))
	if first.Stats.WagersWon != 0 || first.Stats.WagersLost != 1 {
		t.Fatalf("expected reversed stats, got %+v", first.Stats)
	}
	third := f.Account(domain.UserAccount(group, 3))
	if third.Stats.WagersWon != 1 || third.Stats.WagersLost != 0 {
		t.Fatalf("expected corrected stats, got %+v", third.Stats)
	}

	stored, err := svc.Get(ctx, group, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != domain.WagerSettled || stored.SettlementRound != 2 || stored.Outcome.Choice != 1 {
		t.Fatalf("unexpected wager after resettle %+v", stored)
	}
}
