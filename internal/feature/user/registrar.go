// Package user registers Telegram users and opens their group wallets the
// first time they interact with the bot.
package user

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

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/logging"
)

type userCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// WalletOpener opens a member's points account in a group. Opening an
// existing account is a no-op.
type WalletOpener interface {
	Open(ctx context.Context, groupID, userID int64) (domain.Account, bool, error)
}

// Result reports what EnsureMember created.
type Result struct {
	NewUser bool
	Granted bool
	Balance int64
}

// Registrar keeps the user profile fresh on every interaction and makes sure
// the member holds a wallet in the group they are talking in.
type Registrar struct {
	users   userCollection
	wallets WalletOpener
	logger  *logrus.Entry
	now     func() time.Time
}

// NewRegistrar constructs a Registrar. wallets may be nil, in which case only
// profiles are stored.
func NewRegistrar(users userCollection, wallets WalletOpener, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}
	return &Registrar{users: users, wallets: wallets, logger: logger, now: time.Now}
}

// EnsureUser upserts profile and reports whether the user is new. New users
// get the user role; blank names never overwrite stored ones.
func (r *Registrar) EnsureUser(ctx context.Context, profile domain.User) (bool, error) {
	switch {
	case r == nil || r.users == nil:
		return false, errors.New("user registrar is not initialized")
	case ctx == nil:
		return false, errors.New("context is required")
	case profile.UserID == 0:
		return false, errors.New("user id is required")
	}

	now := r.now().UTC().Truncate(time.Millisecond)
	result, err := r.users.UpdateOne(ctx,
		bson.M{"user_id": profile.UserID},
		profileUpdate(profile, now),
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("ensure user %d: %w", profile.UserID, err)
	}

	created := result != nil && result.UpsertedCount > 0
	entry := r.logger.WithField("user_id", profile.UserID)
	if created {
		entry.WithField("event", "user_registered").Info("registered new user")
	} else {
		entry.WithField("event", "user_seen").Debug("user activity")
	}
	return created, nil
}

func profileUpdate(profile domain.User, now time.Time) bson.M {
	set := bson.M{"updated_at": now, "last_seen_at": now}
	for field, value := range map[string]string{
		"username":   profile.Username,
		"first_name": profile.FirstName,
	} {
		if value = strings.TrimSpace(value); value != "" {
			set[field] = value
		}
	}

	return bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"user_id":    profile.UserID,
			"role":       domain.RoleUser,
			"created_at": now,
		},
	}
}

// EnsureMember stores the profile and opens the member's wallet in groupID,
// granting the starting balance the first time. groupID 0 means a private
// chat, where no wallet is opened.
func (r *Registrar) EnsureMember(ctx context.Context, groupID int64, profile domain.User) (Result, error) {
	created, err := r.EnsureUser(ctx, profile)
	if err != nil {
		return Result{}, err
	}

	res := Result{NewUser: created}
	if groupID == 0 || r.wallets == nil {
		return res, nil
	}

	account, granted, err := r.wallets.Open(ctx, groupID, profile.UserID)
	if err != nil {
		return res, fmt.Errorf("open wallet: %w", err)
	}
	res.Granted = granted
	res.Balance = account.Balance

	if granted {
		r.logger.WithFields(logging.Fields{
			"event":   "member_joined",
			"user_id": profile.UserID,
			"chat_id": groupID,
			"balance": account.Balance,
		}).Info("opened member wallet")
	}
	return res, nil
}
