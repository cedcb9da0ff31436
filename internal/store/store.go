// Package store encapsulates MongoDB client management, collection helpers,
// and the transactional storage used by the ledger.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tg_wager_bot/internal/config"
)

// Collection names used across the bot.
const (
	CollectionUsers        = "users"
	CollectionGroups       = "groups"
	CollectionAccounts     = "accounts"
	CollectionJournals     = "journals"
	CollectionWagers       = "wagers"
	CollectionChallenges   = "challenges"
	CollectionEliminations = "eliminations"
	CollectionEvents       = "events"
	CollectionDisputes     = "disputes"
	CollectionBadges       = "badges"
)

const appName = "tg_wager_bot"

// stateCollections hold entities embedding domain.Meta.
var stateCollections = []string{
	CollectionWagers,
	CollectionChallenges,
	CollectionEliminations,
	CollectionEvents,
	CollectionDisputes,
}

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	Disconnect(context.Context) error
	StartSession(...*options.SessionOptions) (mongo.Session, error)
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// Manager owns a MongoDB client and the configured database handle.
type Manager struct {
	client mongoClient
	db     *mongo.Database
}

// NewManager connects to cfg.MongoURI and pings the primary before returning.
// A failed ping disconnects the client.
func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	client, err := connectMongo(ctx, options.Client().ApplyURI(cfg.MongoURI).SetAppName(appName))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Manager{
		client: client,
		db:     client.Database(cfg.MongoDB),
	}, nil
}

// Collection returns a collection handle for the given name.
func (m *Manager) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Users returns the users collection handle.
func (m *Manager) Users() *mongo.Collection {
	return m.Collection(CollectionUsers)
}

// Groups returns the groups collection handle.
func (m *Manager) Groups() *mongo.Collection {
	return m.Collection(CollectionGroups)
}

// Wagers returns the wagers collection handle.
func (m *Manager) Wagers() *mongo.Collection {
	return m.Collection(CollectionWagers)
}

// Ledger returns the transactional store backed by this database.
func (m *Manager) Ledger() Store {
	return &mongoStore{
		startSession: m.client.StartSession,
		db:           m.db,
	}
}

// Ping verifies the primary is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	return nil
}

// EnsureBaseIndexes creates the indexes every collection relies on.
// Collections are created implicitly if they do not already exist.
func (m *Manager) EnsureBaseIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	for _, spec := range baseIndexes() {
		if _, err := createIndexes(ctx, m.Collection(spec.collection), spec.models); err != nil {
			return fmt.Errorf("create %s indexes: %w", spec.collection, err)
		}
	}

	return nil
}

type indexSpec struct {
	collection string
	models     []mongo.IndexModel
}

func baseIndexes() []indexSpec {
	specs := []indexSpec{
		{
			collection: CollectionUsers,
			models: []mongo.IndexModel{{
				Keys:    bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().SetName("user_id_unique").SetUnique(true),
			}},
		},
		{
			collection: CollectionGroups,
			models: []mongo.IndexModel{{
				Keys:    bson.D{{Key: "chat_id", Value: 1}},
				Options: options.Index().SetName("chat_id_unique").SetUnique(true),
			}},
		},
		{
			collection: CollectionAccounts,
			models: []mongo.IndexModel{{
				Keys:    bson.D{{Key: "account.group_id", Value: 1}, {Key: "account.kind", Value: 1}, {Key: "balance", Value: -1}},
				Options: options.Index().SetName("group_kind_balance"),
			}},
		},
		{
			collection: CollectionJournals,
			models: []mongo.IndexModel{{
				Keys:    bson.D{{Key: "postings.account", Value: 1}, {Key: "created_at", Value: -1}},
				Options: options.Index().SetName("posting_account_created"),
			}},
		},
		{
			collection: CollectionBadges,
			models: []mongo.IndexModel{{
				Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetName("group_user"),
			}},
		},
	}

	for _, name := range stateCollections {
		specs = append(specs, indexSpec{
			collection: name,
			models: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "state", Value: 1}, {Key: "due_at", Value: 1}},
					Options: options.Index().SetName("state_due_at"),
				},
				{
					Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "state", Value: 1}, {Key: "created_at", Value: -1}},
					Options: options.Index().SetName("group_state_created"),
				},
			},
		})
	}

	return specs
}

// Close disconnects the Mongo client.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return m.client.Disconnect(ctx)
}
