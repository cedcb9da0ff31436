package domain

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrUserNotFound is returned when no profile is stored for a user id.
	ErrUserNotFound = errors.New("user not found")
	// ErrGroupNotFound is returned when the bot has never seen a chat.
	ErrGroupNotFound = errors.New("group not found")
)

type findCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

// UserRepository reads user profiles. Writes go through the registrars.
type UserRepository struct {
	collection findCollection
}

// NewUserRepository constructs a UserRepository.
func NewUserRepository(collection findCollection) *UserRepository {
	return &UserRepository{collection: collection}
}

// GetByID fetches a user by Telegram user_id.
func (r *UserRepository) GetByID(ctx context.Context, userID int64) (User, error) {
	if r == nil || r.collection == nil {
		return User{}, errors.New("user repository is not initialized")
	}
	if userID == 0 {
		return User{}, errors.New("user_id is required")
	}
	return findOne[User](ctx, r.collection, bson.M{"user_id": userID}, "user", ErrUserNotFound)
}

// GroupRepository reads tracked chats.
type GroupRepository struct {
	collection findCollection
}

// NewGroupRepository constructs a GroupRepository.
func NewGroupRepository(collection findCollection) *GroupRepository {
	return &GroupRepository{collection: collection}
}

// GetByChatID fetches a group by chat_id.
func (r *GroupRepository) GetByChatID(ctx context.Context, chatID int64) (Group, error) {
	if r == nil || r.collection == nil {
		return Group{}, errors.New("group repository is not initialized")
	}
	if chatID == 0 {
		return Group{}, errors.New("chat_id is required")
	}
	return findOne[Group](ctx, r.collection, bson.M{"chat_id": chatID}, "group", ErrGroupNotFound)
}

func findOne[T any](ctx context.Context, coll findCollection, filter bson.M, name string, missing error) (T, error) {
	var out T
	if ctx == nil {
		return out, errors.New("context is required")
	}

	result := coll.FindOne(ctx, filter)
	if result == nil {
		return out, fmt.Errorf("find %s returned no result", name)
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return out, missing
		}
		return out, fmt.Errorf("find %s: %w", name, err)
	}
	if err := result.Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}
