package group

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

// chats is an in-memory groups collection keyed by chat_id.
type chats struct {
	docs map[int64]bson.M
	err  error
}

func (c *chats) UpdateOne(_ context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.docs == nil {
		c.docs = map[int64]bson.M{}
	}

	chatID := filter.(bson.M)["chat_id"].(int64)
	ops := update.(bson.M)
	upsert := len(opts) > 0 && opts[0].Upsert != nil && *opts[0].Upsert

	doc, found := c.docs[chatID]
	switch {
	case !found && !upsert:
		return &mongo.UpdateResult{}, nil
	case !found:
		doc = bson.M{}
		for k, v := range asDoc(ops["$setOnInsert"]) {
			doc[k] = v
		}
	}
	for k, v := range asDoc(ops["$set"]) {
		doc[k] = v
	}
	for k := range asDoc(ops["$unset"]) {
		delete(doc, k)
	}
	c.docs[chatID] = doc

	if !found {
		return &mongo.UpdateResult{UpsertedCount: 1, UpsertedID: chatID}, nil
	}
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func asDoc(v interface{}) bson.M {
	doc, _ := v.(bson.M)
	return doc
}

func newRegistrar(coll *chats) (*Registrar, *logtest.Hook, *time.Time) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	r := NewRegistrar(coll, logrus.NewEntry(logger))
	now := t0
	r.now = func() time.Time { return now }
	return r, hook, &now
}

func TestEnsureGroupFirstContact(t *testing.T) {
	coll := &chats{}
	r, hook, _ := newRegistrar(coll)

	created, err := r.EnsureGroup(context.Background(), -100200, "  Poker Night ")
	if err != nil {
		t.Fatalf("EnsureGroup returned error: %v", err)
	}
	if !created {
		t.Fatalf("expected first contact to create the group")
	}

	want := bson.M{"chat_id": int64(-100200), "title": "Poker Night", "active": true, "joined_at": t0, "last_seen_at": t0}
	got := coll.docs[-100200]
	for field, value := range want {
		if got[field] != value {
			t.Fatalf("expected %s=%v, got %v", field, value, got[field])
		}
	}
	if hook.LastEntry().Data["event"] != "group_registered" {
		t.Fatalf("expected group_registered log, got %v", hook.LastEntry().Data)
	}
}

func TestEnsureGroupKeepsJoinDate(t *testing.T) {
	coll := &chats{docs: map[int64]bson.M{
		-200300: {"chat_id": int64(-200300), "title": "Old", "joined_at": t0.Add(-48 * time.Hour)},
	}}
	r, hook, now := newRegistrar(coll)
	*now = t0.Add(time.Hour)

	created, err := r.EnsureGroup(context.Background(), -200300, "")
	if err != nil {
		t.Fatalf("EnsureGroup returned error: %v", err)
	}
	if created {
		t.Fatalf("expected existing group")
	}

	doc := coll.docs[-200300]
	if doc["title"] != "Old" {
		t.Fatalf("blank title must not overwrite, got %v", doc["title"])
	}
	if doc["joined_at"] != t0.Add(-48*time.Hour) || doc["last_seen_at"] != t0.Add(time.Hour) {
		t.Fatalf("unexpected timestamps: %v", doc)
	}
	if entry := hook.LastEntry(); entry.Level != logrus.DebugLevel || entry.Data["event"] != "group_seen" {
		t.Fatalf("expected debug group_seen log, got %+v", entry)
	}
}

func TestLeaveAndRejoin(t *testing.T) {
	coll := &chats{}
	r, hook, now := newRegistrar(coll)
	ctx := context.Background()

	if _, err := r.EnsureGroup(ctx, -300400, "Friends"); err != nil {
		t.Fatalf("EnsureGroup returned error: %v", err)
	}

	*now = t0.Add(24 * time.Hour)
	if err := r.MarkLeft(ctx, -300400); err != nil {
		t.Fatalf("MarkLeft returned error: %v", err)
	}
	doc := coll.docs[-300400]
	if doc["active"] != false || doc["left_at"] != t0.Add(24*time.Hour) {
		t.Fatalf("expected inactive group with left_at, got %v", doc)
	}
	if last := hook.LastEntry(); last.Data["event"] != "group_left" || last.Data["known"] != true {
		t.Fatalf("expected group_left log, got %v", last.Data)
	}

	if created, err := r.EnsureGroup(ctx, -300400, ""); err != nil || created {
		t.Fatalf("expected rejoin of a known group, created=%v err=%v", created, err)
	}
	doc = coll.docs[-300400]
	if doc["active"] != true || doc["title"] != "Friends" {
		t.Fatalf("expected reactivated group, got %v", doc)
	}
	if _, ok := doc["left_at"]; ok {
		t.Fatalf("expected left_at to be cleared on rejoin")
	}
}

func TestMarkLeftUnknownGroup(t *testing.T) {
	coll := &chats{}
	r, hook, _ := newRegistrar(coll)

	if err := r.MarkLeft(context.Background(), -999); err != nil {
		t.Fatalf("MarkLeft returned error: %v", err)
	}
	if len(coll.docs) != 0 {
		t.Fatalf("leaving an unknown group must not create it")
	}
	if hook.LastEntry().Data["known"] != false {
		t.Fatalf("expected known=false, got %v", hook.LastEntry().Data)
	}
}

func TestRegistrarErrors(t *testing.T) {
	var nilRegistrar *Registrar
	if err := nilRegistrar.MarkLeft(context.Background(), -1); err == nil {
		t.Fatalf("expected error for nil registrar")
	}

	r, _, _ := newRegistrar(&chats{})
	if _, err := r.EnsureGroup(context.Background(), 0, "x"); err == nil {
		t.Fatalf("expected error for missing chat id")
	}

	boom := errors.New("write failed")
	r, _, _ = newRegistrar(&chats{err: boom})
	if _, err := r.EnsureGroup(context.Background(), -1, "x"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
	if err := r.MarkLeft(context.Background(), -1); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
}
