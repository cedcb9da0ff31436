// Package ledger posts balanced journals between group accounts. Every
// movement of points goes through Post inside a store transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"time"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/store"
)

var (
	// ErrAlreadyPosted is returned when a journal key was posted before.
	ErrAlreadyPosted = errors.New("journal already posted")
	// ErrInvalidJournal is returned for journals that fail validation.
	ErrInvalidJournal = errors.New("invalid journal")
)

// Observer is told about journals once the transaction that posted them
// has committed.
type Observer interface {
	JournalPosted(domain.Journal)
}

// Ledger applies journals to account balances.
type Ledger struct {
	now      func() time.Time
	observer Observer
}

// Option customizes the ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithObserver registers an observer for posted journals.
func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		l.observer = o
	}
}

// New constructs a Ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post validates and applies the journal inside tx. Debits are applied before
// credits so a failing debit aborts the journal before anything is credited.
// The caller's transaction must be rolled back on error.
func (l *Ledger) Post(ctx context.Context, tx store.Tx, journal domain.Journal) (domain.Journal, error) {
	if ctx == nil {
		return domain.Journal{}, errors.New("context is required")
	}
	if l == nil || tx == nil {
		return domain.Journal{}, errors.New("ledger is not initialized")
	}

	if err := validate(journal); err != nil {
		return domain.Journal{}, err
	}

	if _, err := tx.Journals().Get(ctx, journal.Key); err == nil {
		return domain.Journal{}, fmt.Errorf("%w: %s", ErrAlreadyPosted, journal.Key)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Journal{}, fmt.Errorf("lookup journal %s: %w", journal.Key, err)
	}

	postings := make([]domain.Posting, len(journal.Postings))
	copy(postings, journal.Postings)
	for i := range postings {
		postings[i].AccountKey = postings[i].Account.Key()
	}
	sort.SliceStable(postings, func(i, j int) bool {
		return postings[i].Amount < 0 && postings[j].Amount > 0
	})

	accounts := tx.Accounts()
	for _, p := range postings {
		_, err := accounts.Adjust(ctx, p.Account, p.Amount, p.Account.AllowsOverdraft())
		if errors.Is(err, store.ErrInsufficientFunds) {
			return domain.Journal{}, fmt.Errorf("debit %s: %w", p.AccountKey, domain.ErrInsufficientFunds)
		}
		if err != nil {
			return domain.Journal{}, fmt.Errorf("apply posting to %s: %w", p.AccountKey, err)
		}
	}

	journal.Postings = postings
	if journal.CreatedAt.IsZero() {
		journal.CreatedAt = l.now().UTC()
	}

	if err := tx.Journals().Insert(ctx, journal); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Journal{}, fmt.Errorf("%w: %s", ErrAlreadyPosted, journal.Key)
		}
		return domain.Journal{}, fmt.Errorf("insert journal %s: %w", journal.Key, err)
	}

	if p, ok := ctx.Value(pendingKey{}).(*pending); ok {
		p.journals = append(p.journals, journal)
	}

	return journal, nil
}

type pendingKey struct{}

// pending collects the journals of one transaction attempt.
type pending struct {
	journals []domain.Journal
}

// InTx runs fn in a store transaction and reports the journals fn posted to
// the observer after the commit. Journals of rolled back or replayed attempts
// are never reported.
func (l *Ledger) InTx(ctx context.Context, s store.Store, fn func(ctx context.Context, tx store.Tx) error) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if l == nil || s == nil {
		return errors.New("ledger is not initialized")
	}

	p := &pending{}
	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p.journals = p.journals[:0]
		return fn(context.WithValue(ctx, pendingKey{}, p), tx)
	})
	if err != nil {
		return err
	}

	if l.observer != nil {
		for _, j := range p.journals {
			l.observer.JournalPosted(j)
		}
	}
	return nil
}

// OpenAccount makes sure the member has a wallet in the group and credits the
// starting grant once. It reports whether the grant was posted by this call.
func (l *Ledger) OpenAccount(ctx context.Context, tx store.Tx, groupID, userID, starting int64) (domain.Account, bool, error) {
	if ctx == nil {
		return domain.Account{}, false, errors.New("context is required")
	}
	if l == nil || tx == nil {
		return domain.Account{}, false, errors.New("ledger is not initialized")
	}

	id := domain.UserAccount(groupID, userID)
	if _, err := tx.Accounts().Ensure(ctx, domain.PotAccount(groupID)); err != nil {
		return domain.Account{}, false, fmt.Errorf("ensure pot: %w", err)
	}

	granted := false
	if starting > 0 {
		_, err := l.Post(ctx, tx, domain.Journal{
			Key:      OpenKey(groupID, userID),
			GroupID:  groupID,
			Type:     domain.JournalGrant,
			RefKind:  domain.RefMember,
			RefID:    fmt.Sprintf("%d", userID),
			Memo:     "starting balance",
			Postings: Move(domain.SystemAccount(groupID), id, starting),
		})
		switch {
		case err == nil:
			granted = true
		case errors.Is(err, ErrAlreadyPosted):
		default:
			return domain.Account{}, false, err
		}
	}

	account, err := tx.Accounts().Ensure(ctx, id)
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("ensure account: %w", err)
	}
	return account, granted, nil
}

// OpenKey is the journal key of a member's starting grant.
func OpenKey(groupID, userID int64) string {
	return fmt.Sprintf("open:%d:%d", groupID, userID)
}

// Move returns the two postings moving amount from one account to another.
func Move(from, to domain.AccountID, amount int64) []domain.Posting {
	return []domain.Posting{
		domain.NewPosting(from, -amount),
		domain.NewPosting(to, amount),
	}
}

// Distribute debits the total of payouts from one account and credits each
// payee's wallet. Zero payouts are skipped.
func Distribute(from domain.AccountID, payouts []domain.Payout) []domain.Posting {
	total := domain.SumPayouts(payouts)
	postings := []domain.Posting{domain.NewPosting(from, -total)}
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		postings = append(postings, domain.NewPosting(domain.UserAccount(from.GroupID, p.UserID), p.Amount))
	}
	return postings
}

// Split divides total pro rata by weights, rounding every share down. The
// remainder is returned as dust. Negative weights count as zero; when all
// weights are zero the whole total is dust.
func Split(total int64, weights []int64) (shares []int64, dust int64) {
	shares = make([]int64, len(weights))
	if total <= 0 {
		return shares, total
	}

	var sum uint64
	for _, w := range weights {
		if w > 0 {
			sum += uint64(w)
		}
	}
	if sum == 0 {
		return shares, total
	}

	var paid int64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		hi, lo := bits.Mul64(uint64(total), uint64(w))
		q, _ := bits.Div64(hi, lo, sum)
		shares[i] = int64(q)
		paid += shares[i]
	}
	return shares, total - paid
}

func validate(journal domain.Journal) error {
	if journal.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidJournal)
	}
	if journal.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidJournal)
	}
	if len(journal.Postings) < 2 {
		return fmt.Errorf("%w: %s needs at least two postings", ErrInvalidJournal, journal.Key)
	}

	var sum int64
	for _, p := range journal.Postings {
		if p.Amount == 0 {
			return fmt.Errorf("%w: %s has a zero posting", ErrInvalidJournal, journal.Key)
		}
		if p.Account.GroupID != journal.GroupID {
			return fmt.Errorf("%w: %s crosses groups", ErrInvalidJournal, journal.Key)
		}
		if p.Account.Kind == "" {
			return fmt.Errorf("%w: %s has a posting without an account", ErrInvalidJournal, journal.Key)
		}
		sum += p.Amount
	}
	if sum != 0 {
		return fmt.Errorf("%w: %s is unbalanced by %d", ErrInvalidJournal, journal.Key, sum)
	}
	return nil
}
