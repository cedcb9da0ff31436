package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"tg_wager_bot/internal/domain"
)

// nowFunc is overridable for tests.
var nowFunc = func() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// MemoryStore is an in-process Store. Documents are kept as BSON so reads
// return copies and round trips match Mongo. Transactions are serialized.
type MemoryStore struct {
	mu   sync.Mutex
	data memoryData
}

type memoryData struct {
	colls        map[string]map[string][]byte
	journalOrder []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memoryData{colls: map[string]map[string][]byte{}}}
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		colls:        make(map[string]map[string][]byte, len(d.colls)),
		journalOrder: slices.Clone(d.journalOrder),
	}
	for name, docs := range d.colls {
		out.colls[name] = maps.Clone(docs)
	}
	return out
}

func (d *memoryData) coll(name string) map[string][]byte {
	docs, ok := d.colls[name]
	if !ok {
		docs = map[string][]byte{}
		d.colls[name] = docs
	}
	return docs
}

// InTx runs fn against a private copy that replaces the store state only
// when fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if s == nil {
		return errors.New("store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	working := s.data.clone()
	if err := fn(ctx, &memoryTx{data: &working}); err != nil {
		return err
	}
	s.data = working
	return nil
}

// Balance returns the committed balance of an account, zero when missing.
func (s *MemoryStore) Balance(id domain.AccountID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data.colls[CollectionAccounts][id.Key()]
	if !ok {
		return 0
	}
	var account domain.Account
	if err := bson.Unmarshal(raw, &account); err != nil {
		return 0
	}
	return account.Balance
}

// GroupTotal sums every committed balance in a group, the mint included.
func (s *MemoryStore) GroupTotal(groupID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, raw := range s.data.colls[CollectionAccounts] {
		var account domain.Account
		if err := bson.Unmarshal(raw, &account); err != nil {
			continue
		}
		if account.ID.GroupID == groupID {
			total += account.Balance
		}
	}
	return total
}

type memoryTx struct {
	data *memoryData
}

func (t *memoryTx) Accounts() AccountStore {
	return &memoryAccounts{docs: t.data.coll(CollectionAccounts)}
}

func (t *memoryTx) Journals() JournalStore {
	return &memoryJournals{data: t.data}
}

func (t *memoryTx) Wagers() Docs[*domain.Wager] {
	return &memoryDocs[*domain.Wager]{docs: t.data.coll(CollectionWagers), newDoc: func() *domain.Wager { return &domain.Wager{} }}
}

func (t *memoryTx) Challenges() Docs[*domain.Challenge] {
	return &memoryDocs[*domain.Challenge]{docs: t.data.coll(CollectionChallenges), newDoc: func() *domain.Challenge { return &domain.Challenge{} }}
}

func (t *memoryTx) Eliminations() Docs[*domain.EliminationChallenge] {
	return &memoryDocs[*domain.EliminationChallenge]{docs: t.data.coll(CollectionEliminations), newDoc: func() *domain.EliminationChallenge { return &domain.EliminationChallenge{} }}
}

func (t *memoryTx) Events() Docs[*domain.Event] {
	return &memoryDocs[*domain.Event]{docs: t.data.coll(CollectionEvents), newDoc: func() *domain.Event { return &domain.Event{} }}
}

func (t *memoryTx) Disputes() Docs[*domain.Dispute] {
	return &memoryDocs[*domain.Dispute]{docs: t.data.coll(CollectionDisputes), newDoc: func() *domain.Dispute { return &domain.Dispute{} }}
}

func (t *memoryTx) Badges() BadgeStore {
	return &memoryBadges{docs: t.data.coll(CollectionBadges)}
}

func encode(v any) ([]byte, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

func decode(raw []byte, v any) error {
	if err := bson.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

type memoryAccounts struct {
	docs map[string][]byte
}

func (a *memoryAccounts) Get(_ context.Context, id domain.AccountID) (domain.Account, error) {
	raw, ok := a.docs[id.Key()]
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	var account domain.Account
	if err := decode(raw, &account); err != nil {
		return domain.Account{}, err
	}
	return account, nil
}

func (a *memoryAccounts) load(id domain.AccountID) (domain.Account, bool, error) {
	account, err := a.Get(context.Background(), id)
	if errors.Is(err, ErrNotFound) {
		now := nowFunc()
		return domain.Account{Key: id.Key(), ID: id, CreatedAt: now, UpdatedAt: now}, false, nil
	}
	if err != nil {
		return domain.Account{}, false, err
	}
	return account, true, nil
}

func (a *memoryAccounts) save(account domain.Account) (domain.Account, error) {
	raw, err := encode(account)
	if err != nil {
		return domain.Account{}, err
	}
	a.docs[account.Key] = raw
	var stored domain.Account
	if err := decode(raw, &stored); err != nil {
		return domain.Account{}, err
	}
	return stored, nil
}

func (a *memoryAccounts) Ensure(_ context.Context, id domain.AccountID) (domain.Account, error) {
	account, exists, err := a.load(id)
	if err != nil {
		return domain.Account{}, err
	}
	if exists {
		return account, nil
	}
	return a.save(account)
}

func (a *memoryAccounts) Adjust(_ context.Context, id domain.AccountID, delta int64, allowNegative bool) (domain.Account, error) {
	account, exists, err := a.load(id)
	if err != nil {
		return domain.Account{}, err
	}
	if delta < 0 && !allowNegative {
		if !exists || account.Balance+delta < 0 {
			return domain.Account{}, ErrInsufficientFunds
		}
	}
	account.Balance += delta
	account.UpdatedAt = nowFunc()
	return a.save(account)
}

func (a *memoryAccounts) AddStats(_ context.Context, id domain.AccountID, delta domain.Stats) (domain.Account, error) {
	account, _, err := a.load(id)
	if err != nil {
		return domain.Account{}, err
	}
	account.Stats = account.Stats.Apply(delta)
	account.UpdatedAt = nowFunc()
	return a.save(account)
}

func (a *memoryAccounts) ListByGroup(_ context.Context, groupID int64, kind domain.AccountKind, limit int) ([]domain.Account, error) {
	var accounts []domain.Account
	for _, raw := range a.docs {
		var account domain.Account
		if err := decode(raw, &account); err != nil {
			return nil, err
		}
		if account.ID.GroupID == groupID && account.ID.Kind == kind {
			accounts = append(accounts, account)
		}
	}

	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].Balance != accounts[j].Balance {
			return accounts[i].Balance > accounts[j].Balance
		}
		return accounts[i].Key < accounts[j].Key
	})
	if limit > 0 && len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, nil
}

type memoryJournals struct {
	data *memoryData
}

func (j *memoryJournals) Get(_ context.Context, key string) (domain.Journal, error) {
	raw, ok := j.data.coll(CollectionJournals)[key]
	if !ok {
		return domain.Journal{}, ErrNotFound
	}
	var journal domain.Journal
	if err := decode(raw, &journal); err != nil {
		return domain.Journal{}, err
	}
	return journal, nil
}

func (j *memoryJournals) Insert(_ context.Context, journal domain.Journal) error {
	docs := j.data.coll(CollectionJournals)
	if _, ok := docs[journal.Key]; ok {
		return ErrDuplicate
	}
	raw, err := encode(journal)
	if err != nil {
		return err
	}
	docs[journal.Key] = raw
	j.data.journalOrder = append(j.data.journalOrder, journal.Key)
	return nil
}

func (j *memoryJournals) ListForAccount(ctx context.Context, id domain.AccountID, limit int) ([]domain.Journal, error) {
	key := id.Key()
	var out []domain.Journal
	for i := len(j.data.journalOrder) - 1; i >= 0; i-- {
		journal, err := j.Get(ctx, j.data.journalOrder[i])
		if err != nil {
			return nil, err
		}
		for _, p := range journal.Postings {
			if p.AccountKey == key {
				out = append(out, journal)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type memoryBadges struct {
	docs map[string][]byte
}

func (b *memoryBadges) Insert(_ context.Context, award domain.BadgeAward) error {
	if _, ok := b.docs[award.ID]; ok {
		return ErrDuplicate
	}
	raw, err := encode(award)
	if err != nil {
		return err
	}
	b.docs[award.ID] = raw
	return nil
}

func (b *memoryBadges) ListForUser(_ context.Context, groupID, userID int64) ([]domain.BadgeAward, error) {
	var awards []domain.BadgeAward
	for _, raw := range b.docs {
		var award domain.BadgeAward
		if err := decode(raw, &award); err != nil {
			return nil, err
		}
		if award.GroupID == groupID && award.UserID == userID {
			awards = append(awards, award)
		}
	}
	sort.Slice(awards, func(i, j int) bool {
		if !awards[i].AwardedAt.Equal(awards[j].AwardedAt) {
			return awards[i].AwardedAt.Before(awards[j].AwardedAt)
		}
		return awards[i].Code < awards[j].Code
	})
	return awards, nil
}

type memoryDocs[T Document] struct {
	docs   map[string][]byte
	newDoc func() T
}

func (d *memoryDocs[T]) Get(_ context.Context, id string) (T, error) {
	raw, ok := d.docs[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	doc := d.newDoc()
	if err := decode(raw, doc); err != nil {
		var zero T
		return zero, err
	}
	return doc, nil
}

func (d *memoryDocs[T]) Insert(_ context.Context, doc T) error {
	if _, ok := d.docs[doc.DocID()]; ok {
		return ErrDuplicate
	}
	doc.SetDocVersion(1)
	raw, err := encode(doc)
	if err != nil {
		doc.SetDocVersion(0)
		return err
	}
	d.docs[doc.DocID()] = raw
	return nil
}

func (d *memoryDocs[T]) Update(ctx context.Context, doc T) error {
	stored, err := d.Get(ctx, doc.DocID())
	if err != nil {
		return err
	}
	expected := doc.DocVersion()
	if stored.DocVersion() != expected {
		return ErrConflict
	}

	doc.SetDocVersion(expected + 1)
	raw, err := encode(doc)
	if err != nil {
		doc.SetDocVersion(expected)
		return err
	}
	d.docs[doc.DocID()] = raw
	return nil
}

func (d *memoryDocs[T]) all() ([]T, error) {
	out := make([]T, 0, len(d.docs))
	for _, raw := range d.docs {
		doc := d.newDoc()
		if err := decode(raw, doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (d *memoryDocs[T]) Due(_ context.Context, states []string, now time.Time, limit int) ([]T, error) {
	docs, err := d.all()
	if err != nil {
		return nil, err
	}

	var due []T
	for _, doc := range docs {
		at := doc.DocDueAt()
		if at == nil || at.After(now) || !slices.Contains(states, doc.DocState()) {
			continue
		}
		due = append(due, doc)
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].DocDueAt(), due[j].DocDueAt()
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return due[i].DocID() < due[j].DocID()
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (d *memoryDocs[T]) ListByGroup(_ context.Context, groupID int64, states []string, limit int) ([]T, error) {
	docs, err := d.all()
	if err != nil {
		return nil, err
	}

	var out []T
	for _, doc := range docs {
		if doc.DocGroup() != groupID {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, doc.DocState()) {
			continue
		}
		out = append(out, doc)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DocCreatedAt(), out[j].DocCreatedAt()
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].DocID() > out[j].DocID()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
