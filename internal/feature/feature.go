// Package feature holds what the engine services share: the transactional
// runner, the clock, and the stats/badge bookkeeping done after settlements.
package feature

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature/badge"
	"tg_wager_bot/internal/ledger"
	"tg_wager_bot/internal/logging"
	"tg_wager_bot/internal/store"
)

// conflictAttempts bounds how often a unit of work is replayed after losing
// an optimistic version check.
const conflictAttempts = 3

// Engine bundles the dependencies of every feature service.
type Engine struct {
	Store  store.Store
	Ledger *ledger.Ledger
	Badges *badge.Awarder
	Logger *logrus.Entry

	now func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(e *Engine) {
		if logger != nil {
			e.Logger = logger
		}
	}
}

// NewEngine wires the shared dependencies.
func NewEngine(s store.Store, l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		Store:  s,
		Ledger: l,
		Logger: logging.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Badges = badge.NewAwarder(e.Now)
	return e
}

// Now returns the current time in UTC at storage precision.
func (e *Engine) Now() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

// Run executes fn in a transaction, replaying it when a concurrent writer
// won the version check.
func (e *Engine) Run(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if e == nil || e.Store == nil || e.Ledger == nil {
		return errors.New("engine is not initialized")
	}

	return retry.Do(
		func() error {
			return e.Ledger.InTx(ctx, e.Store, fn)
		},
		retry.Context(ctx),
		retry.Attempts(conflictAttempts),
		retry.Delay(10*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, store.ErrConflict)
		}),
		retry.LastErrorOnly(true),
	)
}

// Log returns the engine logger enriched with the context fields.
func (e *Engine) Log(ctx logging.Context) *logrus.Entry {
	return e.Logger.WithFields(logging.ContextFields(ctx))
}

// Post is a shorthand for posting through the engine's ledger.
func (e *Engine) Post(ctx context.Context, tx store.Tx, journal domain.Journal) error {
	_, err := e.Ledger.Post(ctx, tx, journal)
	return err
}

// Record applies stats deltas and evaluates badges for every member touched.
// Members are processed in map order; the returned awards are sorted by id.
func (e *Engine) Record(ctx context.Context, tx store.Tx, groupID int64, deltas map[int64]domain.Stats) ([]domain.BadgeAward, error) {
	var awards []domain.BadgeAward
	for userID, delta := range deltas {
		if delta.IsZero() {
			continue
		}
		account, err := tx.Accounts().AddStats(ctx, domain.UserAccount(groupID, userID), delta)
		if err != nil {
			return nil, fmt.Errorf("record stats: %w", err)
		}
		earned, err := e.Badges.Evaluate(ctx, tx, account)
		if err != nil {
			return nil, err
		}
		awards = append(awards, earned...)
	}
	badge.Sort(awards)
	return awards, nil
}

// RequireMember fails with ErrNotMember when the user has no wallet in the
// group.
func RequireMember(ctx context.Context, tx store.Tx, groupID, userID int64) (domain.Account, error) {
	account, err := tx.Accounts().Get(ctx, domain.UserAccount(groupID, userID))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, domain.ErrNotMember
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}

// NotFound maps a missing document to the user-facing error.
func NotFound(err error, missing *domain.UserError) error {
	if errors.Is(err, store.ErrNotFound) {
		return missing
	}
	return err
}

// Insert stores a new entity under a fresh short id, drawing again on the
// rare collision.
func Insert[T store.Document](ctx context.Context, docs store.Docs[T], doc T, setID func(string)) error {
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		setID(domain.NewID())
		err := docs.Insert(ctx, doc)
		if !errors.Is(err, store.ErrDuplicate) {
			return err
		}
	}
	return fmt.Errorf("allocate id: %w", store.ErrDuplicate)
}
