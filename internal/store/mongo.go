package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_wager_bot/internal/domain"
)

// mongoStore implements Store on multi-document transactions. The deployment
// must be a replica set.
type mongoStore struct {
	startSession func(...*options.SessionOptions) (mongo.Session, error)
	db           *mongo.Database
}

// collection is the part of *mongo.Collection the transactional store uses.
type collection interface {
	Name() string
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

func (s *mongoStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}

	session, err := s.startSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	tx := &mongoTx{collection: func(name string) collection { return s.db.Collection(name) }}
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, tx)
	})
	return err
}

type mongoTx struct {
	collection func(name string) collection
}

func (t *mongoTx) Accounts() AccountStore {
	return &mongoAccounts{coll: t.collection(CollectionAccounts)}
}

func (t *mongoTx) Journals() JournalStore {
	return &mongoJournals{coll: t.collection(CollectionJournals)}
}

func (t *mongoTx) Wagers() Docs[*domain.Wager] {
	return &mongoDocs[*domain.Wager]{coll: t.collection(CollectionWagers), newDoc: func() *domain.Wager { return &domain.Wager{} }}
}

func (t *mongoTx) Challenges() Docs[*domain.Challenge] {
	return &mongoDocs[*domain.Challenge]{coll: t.collection(CollectionChallenges), newDoc: func() *domain.Challenge { return &domain.Challenge{} }}
}

func (t *mongoTx) Eliminations() Docs[*domain.EliminationChallenge] {
	return &mongoDocs[*domain.EliminationChallenge]{coll: t.collection(CollectionEliminations), newDoc: func() *domain.EliminationChallenge { return &domain.EliminationChallenge{} }}
}

func (t *mongoTx) Events() Docs[*domain.Event] {
	return &mongoDocs[*domain.Event]{coll: t.collection(CollectionEvents), newDoc: func() *domain.Event { return &domain.Event{} }}
}

func (t *mongoTx) Disputes() Docs[*domain.Dispute] {
	return &mongoDocs[*domain.Dispute]{coll: t.collection(CollectionDisputes), newDoc: func() *domain.Dispute { return &domain.Dispute{} }}
}

func (t *mongoTx) Badges() BadgeStore {
	return &mongoBadges{coll: t.collection(CollectionBadges)}
}

type mongoAccounts struct {
	coll collection
}

func (a *mongoAccounts) Get(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	var account domain.Account
	err := a.coll.FindOne(ctx, bson.M{"_id": id.Key()}).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Account{}, ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("find account %s: %w", id.Key(), err)
	}
	return account, nil
}

func (a *mongoAccounts) Ensure(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	now := nowFunc()
	update := bson.M{"$setOnInsert": bson.M{
		"account":    id,
		"balance":    int64(0),
		"stats":      domain.Stats{},
		"created_at": now,
		"updated_at": now,
	}}
	return a.findAndModify(ctx, bson.M{"_id": id.Key()}, update, true)
}

func (a *mongoAccounts) Adjust(ctx context.Context, id domain.AccountID, delta int64, allowNegative bool) (domain.Account, error) {
	now := nowFunc()

	if delta < 0 && !allowNegative {
		filter := bson.M{"_id": id.Key(), "balance": bson.M{"$gte": -delta}}
		update := bson.M{
			"$inc": bson.M{"balance": delta},
			"$set": bson.M{"updated_at": now},
		}
		account, err := a.findAndModify(ctx, filter, update, false)
		if errors.Is(err, ErrNotFound) {
			return domain.Account{}, ErrInsufficientFunds
		}
		return account, err
	}

	update := bson.M{
		"$inc": bson.M{"balance": delta},
		"$set": bson.M{"updated_at": now},
		"$setOnInsert": bson.M{
			"account":    id,
			"stats":      domain.Stats{},
			"created_at": now,
		},
	}
	return a.findAndModify(ctx, bson.M{"_id": id.Key()}, update, true)
}

func (a *mongoAccounts) AddStats(ctx context.Context, id domain.AccountID, delta domain.Stats) (domain.Account, error) {
	now := nowFunc()
	update := bson.M{
		"$inc": bson.M{
			"stats.wagers_joined":        delta.WagersJoined,
			"stats.wagers_won":           delta.WagersWon,
			"stats.wagers_lost":          delta.WagersLost,
			"stats.challenges_completed": delta.ChallengesCompleted,
			"stats.eliminations_won":     delta.EliminationsWon,
			"stats.events_attended":      delta.EventsAttended,
		},
		"$max": bson.M{"stats.biggest_stake": delta.BiggestStake},
		"$set": bson.M{"updated_at": now},
		"$setOnInsert": bson.M{
			"account":    id,
			"balance":    int64(0),
			"created_at": now,
		},
	}
	return a.findAndModify(ctx, bson.M{"_id": id.Key()}, update, true)
}

func (a *mongoAccounts) ListByGroup(ctx context.Context, groupID int64, kind domain.AccountKind, limit int) ([]domain.Account, error) {
	opts := options.Find().SetSort(bson.D{{Key: "balance", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := a.coll.Find(ctx, bson.M{"account.group_id": groupID, "account.kind": kind}, opts)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var accounts []domain.Account
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return accounts, nil
}

func (a *mongoAccounts) findAndModify(ctx context.Context, filter, update bson.M, upsert bool) (domain.Account, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetUpsert(upsert)

	var account domain.Account
	err := a.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Account{}, ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("update account: %w", err)
	}
	return account, nil
}

type mongoJournals struct {
	coll collection
}

func (j *mongoJournals) Get(ctx context.Context, key string) (domain.Journal, error) {
	var journal domain.Journal
	err := j.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&journal)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Journal{}, ErrNotFound
	}
	if err != nil {
		return domain.Journal{}, fmt.Errorf("find journal: %w", err)
	}
	return journal, nil
}

func (j *mongoJournals) Insert(ctx context.Context, journal domain.Journal) error {
	if _, err := j.coll.InsertOne(ctx, journal); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert journal: %w", err)
	}
	return nil
}

func (j *mongoJournals) ListForAccount(ctx context.Context, id domain.AccountID, limit int) ([]domain.Journal, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := j.coll.Find(ctx, bson.M{"postings.account": id.Key()}, opts)
	if err != nil {
		return nil, fmt.Errorf("list journals: %w", err)
	}

	var journals []domain.Journal
	if err := cursor.All(ctx, &journals); err != nil {
		return nil, fmt.Errorf("decode journals: %w", err)
	}
	return journals, nil
}

type mongoBadges struct {
	coll collection
}

func (b *mongoBadges) Insert(ctx context.Context, award domain.BadgeAward) error {
	if _, err := b.coll.InsertOne(ctx, award); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert badge: %w", err)
	}
	return nil
}

func (b *mongoBadges) ListForUser(ctx context.Context, groupID, userID int64) ([]domain.BadgeAward, error) {
	cursor, err := b.coll.Find(ctx,
		bson.M{"group_id": groupID, "user_id": userID},
		options.Find().SetSort(bson.D{{Key: "awarded_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}

	var awards []domain.BadgeAward
	if err := cursor.All(ctx, &awards); err != nil {
		return nil, fmt.Errorf("decode badges: %w", err)
	}
	return awards, nil
}

type mongoDocs[T Document] struct {
	coll   collection
	newDoc func() T
}

func (d *mongoDocs[T]) Get(ctx context.Context, id string) (T, error) {
	doc := d.newDoc()
	err := d.coll.FindOne(ctx, bson.M{"_id": id}).Decode(doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		var zero T
		return zero, ErrNotFound
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("find %s %s: %w", d.coll.Name(), id, err)
	}
	return doc, nil
}

func (d *mongoDocs[T]) Insert(ctx context.Context, doc T) error {
	doc.SetDocVersion(1)
	if _, err := d.coll.InsertOne(ctx, doc); err != nil {
		doc.SetDocVersion(0)
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert %s: %w", d.coll.Name(), err)
	}
	return nil
}

func (d *mongoDocs[T]) Update(ctx context.Context, doc T) error {
	expected := doc.DocVersion()
	doc.SetDocVersion(expected + 1)

	result, err := d.coll.ReplaceOne(ctx, bson.M{"_id": doc.DocID(), "version": expected}, doc)
	if err != nil {
		doc.SetDocVersion(expected)
		return fmt.Errorf("replace %s: %w", d.coll.Name(), err)
	}
	if result.MatchedCount == 0 {
		doc.SetDocVersion(expected)
		return ErrConflict
	}
	return nil
}

func (d *mongoDocs[T]) Due(ctx context.Context, states []string, now time.Time, limit int) ([]T, error) {
	opts := options.Find().SetSort(bson.D{{Key: "due_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	filter := bson.M{
		"state":  bson.M{"$in": states},
		"due_at": bson.M{"$lte": now.UTC()},
	}
	return d.find(ctx, filter, opts)
}

func (d *mongoDocs[T]) ListByGroup(ctx context.Context, groupID int64, states []string, limit int) ([]T, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	filter := bson.M{"group_id": groupID}
	if len(states) > 0 {
		filter["state"] = bson.M{"$in": states}
	}
	return d.find(ctx, filter, opts)
}

func (d *mongoDocs[T]) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]T, error) {
	cursor, err := d.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", d.coll.Name(), err)
	}

	var docs []T
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.coll.Name(), err)
	}
	return docs, nil
}
