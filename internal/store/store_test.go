package store

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tg_wager_bot/internal/config"
)

var testConfig = config.Config{MongoURI: "mongodb://stub-host:27017", MongoDB: "wager_bot_test"}

var errSessionUnsupported = errors.New("sessions unsupported")

// stubClient satisfies mongoClient without a deployment. Database handles
// come from a real, never connected driver client.
type stubClient struct {
	driver       *mongo.Client
	pingErr      error
	pings        []string
	databases    []string
	sessions     int
	disconnected bool
}

func newStubClient(t *testing.T) *stubClient {
	t.Helper()

	driver, err := mongo.NewClient(options.Client().ApplyURI("mongodb://example.com:27017"))
	if err != nil {
		t.Fatalf("build driver client: %v", err)
	}
	return &stubClient{driver: driver}
}

func (s *stubClient) Ping(_ context.Context, rp *readpref.ReadPref) error {
	s.pings = append(s.pings, rp.String())
	return s.pingErr
}

func (s *stubClient) Database(name string, opts ...*options.DatabaseOptions) *mongo.Database {
	s.databases = append(s.databases, name)
	return s.driver.Database(name, opts...)
}

func (s *stubClient) StartSession(...*options.SessionOptions) (mongo.Session, error) {
	s.sessions++
	return nil, errSessionUnsupported
}

func (s *stubClient) Disconnect(context.Context) error {
	s.disconnected = true
	return nil
}

// connectWith routes connectMongo to client and records the options used.
func connectWith(t *testing.T, client mongoClient, err error) **options.ClientOptions {
	t.Helper()

	var used *options.ClientOptions
	prev := connectMongo
	connectMongo = func(_ context.Context, opts *options.ClientOptions) (mongoClient, error) {
		used = opts
		return client, err
	}
	t.Cleanup(func() { connectMongo = prev })
	return &used
}

func newTestManager(t *testing.T) (*Manager, *stubClient) {
	t.Helper()

	client := newStubClient(t)
	connectWith(t, client, nil)
	m, err := NewManager(context.Background(), testConfig)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return m, client
}

func TestNewManager(t *testing.T) {
	client := newStubClient(t)
	used := connectWith(t, client, nil)

	m, err := NewManager(context.Background(), testConfig)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	if opts := *used; opts == nil || opts.AppName == nil || *opts.AppName != appName {
		t.Fatalf("expected app name %q on client options", appName)
	}
	if len(client.pings) != 1 || client.pings[0] != "primary" {
		t.Fatalf("expected one primary ping on connect, got %v", client.pings)
	}
	if len(client.databases) != 1 || client.databases[0] != testConfig.MongoDB {
		t.Fatalf("expected database %s, got %v", testConfig.MongoDB, client.databases)
	}

	for name, coll := range map[string]*mongo.Collection{
		CollectionUsers:  m.Users(),
		CollectionGroups: m.Groups(),
		CollectionWagers: m.Wagers(),
		CollectionEvents: m.Collection(CollectionEvents),
	} {
		if coll.Name() != name || coll.Database().Name() != testConfig.MongoDB {
			t.Fatalf("expected %s.%s, got %s.%s", testConfig.MongoDB, name, coll.Database().Name(), coll.Name())
		}
	}

	if err := m.Close(context.Background()); err != nil || !client.disconnected {
		t.Fatalf("expected clean disconnect, err=%v disconnected=%v", err, client.disconnected)
	}
}

func TestNewManagerFailures(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		connectWith(t, nil, errors.New("connect failed"))
		if _, err := NewManager(context.Background(), testConfig); err == nil {
			t.Fatalf("expected connection error")
		}
	})

	t.Run("ping", func(t *testing.T) {
		client := newStubClient(t)
		client.pingErr = errors.New("no primary")
		connectWith(t, client, nil)

		_, err := NewManager(context.Background(), testConfig)
		if !errors.Is(err, client.pingErr) {
			t.Fatalf("expected ping error, got %v", err)
		}
		if !client.disconnected {
			t.Fatalf("expected disconnect after ping failure")
		}
	})
}

func TestManagerRequiresContext(t *testing.T) {
	if _, err := NewManager(nil, testConfig); err == nil {
		t.Fatalf("NewManager: expected error for nil context")
	}

	m, _ := newTestManager(t)
	checks := map[string]func() error{
		"Ping":              func() error { return m.Ping(nil) },
		"EnsureBaseIndexes": func() error { return m.EnsureBaseIndexes(nil) },
		"Close":             func() error { return m.Close(nil) },
		"InTx": func() error {
			return m.Ledger().InTx(nil, func(context.Context, Tx) error { return nil })
		},
	}
	for name, call := range checks {
		if err := call(); err == nil {
			t.Fatalf("%s: expected error for nil context", name)
		}
	}
}

func TestManagerPing(t *testing.T) {
	m, client := newTestManager(t)

	if err := m.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if len(client.pings) != 2 || client.pings[1] != "primary" {
		t.Fatalf("expected a second primary ping, got %v", client.pings)
	}

	client.pingErr = errors.New("stepdown")
	if err := m.Ping(context.Background()); !errors.Is(err, client.pingErr) {
		t.Fatalf("expected wrapped ping error, got %v", err)
	}

	var nilManager *Manager
	if err := nilManager.Ping(context.Background()); err == nil {
		t.Fatalf("expected error for nil manager")
	}
	if err := nilManager.Close(context.Background()); err != nil {
		t.Fatalf("closing a nil manager should be a no-op, got %v", err)
	}
}

func TestEnsureBaseIndexes(t *testing.T) {
	m, _ := newTestManager(t)

	created := map[string][]string{}
	prev := createIndexes
	createIndexes = func(_ context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
		for _, model := range models {
			created[coll.Name()] = append(created[coll.Name()], *model.Options.Name)
		}
		return nil, nil
	}
	t.Cleanup(func() { createIndexes = prev })

	if err := m.EnsureBaseIndexes(context.Background()); err != nil {
		t.Fatalf("EnsureBaseIndexes returned error: %v", err)
	}

	want := map[string][]string{
		CollectionUsers:    {"user_id_unique"},
		CollectionGroups:   {"chat_id_unique"},
		CollectionAccounts: {"group_kind_balance"},
		CollectionJournals: {"posting_account_created"},
		CollectionBadges:   {"group_user"},
	}
	for _, name := range stateCollections {
		want[name] = []string{"state_due_at", "group_state_created"}
	}

	if len(created) != len(want) {
		t.Fatalf("expected indexes on %d collections, got %v", len(want), created)
	}
	for coll, names := range want {
		got := created[coll]
		if len(got) != len(names) {
			t.Fatalf("%s: expected %v, got %v", coll, names, got)
		}
		for i := range names {
			if got[i] != names[i] {
				t.Fatalf("%s: expected %v, got %v", coll, names, got)
			}
		}
	}
}

func TestIdentityIndexesAreUnique(t *testing.T) {
	for _, spec := range baseIndexes()[:2] {
		model := spec.models[0]
		keys := model.Keys.(bson.D)
		if len(keys) != 1 || model.Options.Unique == nil || !*model.Options.Unique {
			t.Fatalf("%s: expected a unique single-key index, got %v", spec.collection, keys)
		}
	}
}

func TestEnsureBaseIndexesStopsAtFirstFailure(t *testing.T) {
	m, _ := newTestManager(t)

	errIndex := errors.New("index failure")
	calls := 0
	prev := createIndexes
	createIndexes = func(context.Context, *mongo.Collection, []mongo.IndexModel) ([]string, error) {
		calls++
		return nil, errIndex
	}
	t.Cleanup(func() { createIndexes = prev })

	err := m.EnsureBaseIndexes(context.Background())
	if !errors.Is(err, errIndex) {
		t.Fatalf("expected wrapped index failure, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected to stop after the first collection, got %d calls", calls)
	}
}

func TestLedgerPropagatesSessionErrors(t *testing.T) {
	m, client := newTestManager(t)

	ran := false
	err := m.Ledger().InTx(context.Background(), func(context.Context, Tx) error {
		ran = true
		return nil
	})
	if !errors.Is(err, errSessionUnsupported) {
		t.Fatalf("expected session error, got %v", err)
	}
	if ran || client.sessions != 1 {
		t.Fatalf("expected one session attempt and no body run, ran=%v sessions=%d", ran, client.sessions)
	}
}
