package store

import (
	"context"
	"errors"
	"time"

	"tg_wager_bot/internal/domain"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicate is returned when inserting an id that already exists.
	ErrDuplicate = errors.New("duplicate document")
	// ErrConflict is returned when a document changed since it was read.
	ErrConflict = errors.New("document revision conflict")
	// ErrInsufficientFunds is returned when a debit would overdraw an account.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Store runs units of work atomically.
type Store interface {
	// InTx runs fn inside one transaction. fn must use the context it is
	// given; when fn returns an error nothing it wrote is kept.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the collections touched by ledger and engine operations.
type Tx interface {
	Accounts() AccountStore
	Journals() JournalStore
	Wagers() Docs[*domain.Wager]
	Challenges() Docs[*domain.Challenge]
	Eliminations() Docs[*domain.EliminationChallenge]
	Events() Docs[*domain.Event]
	Disputes() Docs[*domain.Dispute]
	Badges() BadgeStore
}

// AccountStore persists balances and member stats.
type AccountStore interface {
	Get(ctx context.Context, id domain.AccountID) (domain.Account, error)
	// Ensure creates the account with a zero balance when missing.
	Ensure(ctx context.Context, id domain.AccountID) (domain.Account, error)
	// Adjust adds delta to the balance, creating the account on credit. A
	// debit that would leave a negative balance fails with
	// ErrInsufficientFunds unless allowNegative is set.
	Adjust(ctx context.Context, id domain.AccountID, delta int64, allowNegative bool) (domain.Account, error)
	// AddStats applies a stats delta, creating the account when missing.
	AddStats(ctx context.Context, id domain.AccountID, delta domain.Stats) (domain.Account, error)
	// ListByGroup returns accounts of a kind ordered by balance, highest first.
	ListByGroup(ctx context.Context, groupID int64, kind domain.AccountKind, limit int) ([]domain.Account, error)
}

// JournalStore persists immutable journals.
type JournalStore interface {
	Get(ctx context.Context, key string) (domain.Journal, error)
	Insert(ctx context.Context, journal domain.Journal) error
	// ListForAccount returns the latest journals touching the account.
	ListForAccount(ctx context.Context, id domain.AccountID, limit int) ([]domain.Journal, error)
}

// BadgeStore persists badge awards.
type BadgeStore interface {
	Insert(ctx context.Context, award domain.BadgeAward) error
	ListForUser(ctx context.Context, groupID, userID int64) ([]domain.BadgeAward, error)
}

// Document is implemented by entities embedding domain.Meta.
type Document interface {
	DocID() string
	DocGroup() int64
	DocState() string
	DocVersion() int64
	SetDocVersion(v int64)
	DocDueAt() *time.Time
	DocCreatedAt() time.Time
}

// Docs persists one entity collection with optimistic revisions.
type Docs[T Document] interface {
	Get(ctx context.Context, id string) (T, error)
	// Insert stores a new document at version 1.
	Insert(ctx context.Context, doc T) error
	// Update replaces the document when its stored version matches and bumps
	// the version; otherwise ErrConflict.
	Update(ctx context.Context, doc T) error
	// Due lists documents in one of states whose due time is not after now,
	// earliest first.
	Due(ctx context.Context, states []string, now time.Time, limit int) ([]T, error)
	// ListByGroup lists a group's documents in one of states, newest first.
	ListByGroup(ctx context.Context, groupID int64, states []string, limit int) ([]T, error)
}
