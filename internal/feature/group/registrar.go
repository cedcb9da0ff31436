// Package group tracks the group chats the bot plays in: registration on
// first contact and membership changes of the bot itself.
package group

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_wager_bot/internal/logging"
)

type groupCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Registrar records which chats the bot is a member of.
type Registrar struct {
	groups groupCollection
	logger *logrus.Entry
	now    func() time.Time
}

// NewRegistrar constructs a Registrar over the groups collection.
func NewRegistrar(groups groupCollection, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}
	return &Registrar{groups: groups, logger: logger, now: time.Now}
}

// EnsureGroup marks chatID active, refreshing its title and last_seen_at, and
// reports whether the chat was seen for the first time. Rejoining clears
// left_at.
func (r *Registrar) EnsureGroup(ctx context.Context, chatID int64, title string) (bool, error) {
	now, err := r.check(ctx, chatID)
	if err != nil {
		return false, err
	}

	title = strings.TrimSpace(title)
	set := bson.M{"active": true, "last_seen_at": now}
	if title != "" {
		set["title"] = title
	}

	result, err := r.groups.UpdateOne(ctx,
		bson.M{"chat_id": chatID},
		bson.M{
			"$set":         set,
			"$unset":       bson.M{"left_at": ""},
			"$setOnInsert": bson.M{"chat_id": chatID, "joined_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("ensure group %d: %w", chatID, err)
	}

	created := result != nil && result.UpsertedCount > 0
	entry := r.logger.WithFields(logging.Fields{"chat_id": chatID, "title": title})
	if created {
		entry.WithField("event", "group_registered").Info("bot joined a new group")
	} else {
		entry.WithField("event", "group_seen").Debug("group activity")
	}
	return created, nil
}

// MarkLeft flags chatID inactive after the bot was removed. Accounts and
// history are untouched so they return when the bot is re-added.
func (r *Registrar) MarkLeft(ctx context.Context, chatID int64) error {
	now, err := r.check(ctx, chatID)
	if err != nil {
		return err
	}

	result, err := r.groups.UpdateOne(ctx,
		bson.M{"chat_id": chatID},
		bson.M{"$set": bson.M{"active": false, "left_at": now}},
	)
	if err != nil {
		return fmt.Errorf("mark group %d left: %w", chatID, err)
	}

	r.logger.WithFields(logging.Fields{
		"event":   "group_left",
		"chat_id": chatID,
		"known":   result != nil && result.MatchedCount > 0,
	}).Info("bot removed from group")
	return nil
}

func (r *Registrar) check(ctx context.Context, chatID int64) (time.Time, error) {
	switch {
	case r == nil || r.groups == nil:
		return time.Time{}, errors.New("group registrar is not initialized")
	case ctx == nil:
		return time.Time{}, errors.New("context is required")
	case chatID == 0:
		return time.Time{}, errors.New("chat id is required")
	}
	return r.now().UTC().Truncate(time.Millisecond), nil
}
