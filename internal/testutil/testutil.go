// Package testutil provides an in-memory engine with a manual clock. Only
// _test.go files import it.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature"
	"tg_wager_bot/internal/ledger"
	"tg_wager_bot/internal/store"
)

// Group is the chat used by fixtures.
const Group = int64(-1001234)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed UTC instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Fixture bundles a memory store, ledger, engine, and clock.
type Fixture struct {
	T      testing.TB
	Store  *store.MemoryStore
	Ledger *ledger.Ledger
	Engine *feature.Engine
	Clock  *Clock
}

// New builds a fixture.
func New(t testing.TB) *Fixture {
	t.Helper()

	clock := NewClock()
	s := store.NewMemoryStore()
	l := ledger.New(ledger.WithClock(clock.Now))
	return &Fixture{
		T:      t,
		Store:  s,
		Ledger: l,
		Engine: feature.NewEngine(s, l, feature.WithClock(clock.Now)),
		Clock:  clock,
	}
}

// Open gives each member a wallet holding balance points.
func (f *Fixture) Open(balance int64, userIDs ...int64) {
	f.T.Helper()
	for _, userID := range userIDs {
		err := f.Store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			_, _, err := f.Ledger.OpenAccount(ctx, tx, Group, userID, balance)
			return err
		})
		if err != nil {
			f.T.Fatalf("open account %d: %v", userID, err)
		}
	}
}

// Balance returns a member's committed balance.
func (f *Fixture) Balance(userID int64) int64 {
	return f.Store.Balance(domain.UserAccount(Group, userID))
}

// Pot returns the committed pot balance.
func (f *Fixture) Pot() int64 {
	return f.Store.Balance(domain.PotAccount(Group))
}

// Account returns a committed account.
func (f *Fixture) Account(id domain.AccountID) domain.Account {
	f.T.Helper()
	var account domain.Account
	err := f.Store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		account, err = tx.Accounts().Get(ctx, id)
		return err
	})
	if err != nil {
		f.T.Fatalf("load account %s: %v", id, err)
	}
	return account
}

// AssertConserved fails the test when the group's balances do not sum to
// zero.
func (f *Fixture) AssertConserved() {
	f.T.Helper()
	if total := f.Store.GroupTotal(Group); total != 0 {
		f.T.Fatalf("expected group balances to sum to zero, got %d", total)
	}
}

// Admin is an actor allowed to moderate.
func Admin(userID int64) domain.Actor { return domain.Actor{UserID: userID, Admin: true} }

// Member is a plain member actor.
func Member(userID int64) domain.Actor { return domain.Actor{UserID: userID} }
