// Package owner bootstraps the configured bot owner and lets the owner grant
// or revoke the bot-wide admin role.
package owner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/logging"
)

type userCollection interface {
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// ErrRoleTarget reports a role change aimed at an unknown user or the owner.
var ErrRoleTarget = errors.New("user is unknown or is the bot owner")

// Registrar keeps exactly one owner in the users collection and applies role
// changes requested by that owner.
type Registrar struct {
	users  userCollection
	logger *logrus.Entry
	now    func() time.Time
}

// NewRegistrar constructs a Registrar over the users collection.
func NewRegistrar(users userCollection, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}
	return &Registrar{users: users, logger: logger, now: time.Now}
}

// EnsureOwner makes ownerID the owner, creating the user record if needed.
// An owner left over from a previous configuration is demoted to admin.
func (r *Registrar) EnsureOwner(ctx context.Context, ownerID int64) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	if ownerID == 0 {
		return errors.New("owner id is required")
	}

	now := r.now().UTC()

	demoted, err := r.users.UpdateMany(ctx,
		bson.M{"role": domain.RoleOwner, "user_id": bson.M{"$ne": ownerID}},
		setRole(domain.RoleAdmin, now),
	)
	if err != nil {
		return fmt.Errorf("demote previous owners: %w", err)
	}

	update := setRole(domain.RoleOwner, now)
	update["$setOnInsert"] = bson.M{"user_id": ownerID, "created_at": now}
	upserted, err := r.users.UpdateOne(ctx, bson.M{"user_id": ownerID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ensure owner: %w", err)
	}

	fields := logging.Fields{"event": "owner_bootstrap", "owner_id": ownerID}
	if demoted != nil {
		fields["demoted_owners"] = demoted.ModifiedCount
	}
	if upserted != nil {
		fields["created"] = upserted.UpsertedCount > 0
	}
	r.logger.WithFields(fields).Info("ensured bot owner")
	return nil
}

// SetRole changes a registered user's role to admin or user. It never
// matches the owner.
func (r *Registrar) SetRole(ctx context.Context, userID int64, role string) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	if userID == 0 {
		return errors.New("user id is required")
	}
	if role != domain.RoleAdmin && role != domain.RoleUser {
		return fmt.Errorf("role %q cannot be assigned", role)
	}

	result, err := r.users.UpdateOne(ctx,
		bson.M{"user_id": userID, "role": bson.M{"$ne": domain.RoleOwner}},
		setRole(role, r.now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return ErrRoleTarget
	}

	r.logger.WithFields(logging.Fields{
		"event":   "role_changed",
		"user_id": userID,
		"role":    role,
		"changed": result.ModifiedCount > 0,
	}).Info("changed user role")
	return nil
}

func (r *Registrar) ready(ctx context.Context) error {
	if r == nil || r.users == nil {
		return errors.New("owner registrar is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func setRole(role string, now time.Time) bson.M {
	return bson.M{"$set": bson.M{"role": role, "updated_at": now}}
}
