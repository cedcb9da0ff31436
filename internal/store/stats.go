package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_wager_bot/internal/domain"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// Counts summarizes bot activity for the owner's /stats command and the
// activity gauges.
type Counts struct {
	Users          int64
	Groups         int64
	OpenWagers     int64
	OpenChallenges int64
	OpenDisputes   int64
}

// StatsProvider exposes collection counts without leaking MongoDB internals
// to callers.
type StatsProvider struct {
	users      countCollection
	groups     countCollection
	wagers     countCollection
	challenges countCollection
	disputes   countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the manager's
// collections.
func NewStatsProvider(m *Manager) *StatsProvider {
	return &StatsProvider{
		users:      m.Users(),
		groups:     m.Groups(),
		wagers:     m.Wagers(),
		challenges: m.Collection(CollectionChallenges),
		disputes:   m.Collection(CollectionDisputes),
	}
}

// CountUsers returns the number of registered users.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	return p.count(ctx, "users", usersOf(p), bson.D{})
}

// CountGroups returns the number of registered groups.
func (p *StatsProvider) CountGroups(ctx context.Context) (int64, error) {
	return p.count(ctx, "groups", groupsOf(p), bson.D{})
}

// Counts gathers every activity counter.
func (p *StatsProvider) Counts(ctx context.Context) (Counts, error) {
	var (
		out Counts
		err error
	)

	if out.Users, err = p.CountUsers(ctx); err != nil {
		return Counts{}, err
	}
	if out.Groups, err = p.CountGroups(ctx); err != nil {
		return Counts{}, err
	}

	if p == nil {
		return Counts{}, errors.New("stats provider is not initialized")
	}

	open := func(states ...string) bson.M {
		return bson.M{"state": bson.M{"$in": states}}
	}
	if out.OpenWagers, err = p.count(ctx, "wagers", p.wagers, open(domain.WagerOpen, domain.WagerLocked, domain.WagerDisputed)); err != nil {
		return Counts{}, err
	}
	if out.OpenChallenges, err = p.count(ctx, "challenges", p.challenges, open(domain.ChallengeOpen, domain.ChallengeAccepted, domain.ChallengeSubmitted, domain.ChallengeRejected, domain.ChallengeDisputed)); err != nil {
		return Counts{}, err
	}
	if out.OpenDisputes, err = p.count(ctx, "disputes", p.disputes, open(domain.DisputeOpen)); err != nil {
		return Counts{}, err
	}

	return out, nil
}

func (p *StatsProvider) count(ctx context.Context, name string, coll countCollection, filter interface{}) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || coll == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}

	return count, nil
}

func usersOf(p *StatsProvider) countCollection {
	if p == nil {
		return nil
	}
	return p.users
}

func groupsOf(p *StatsProvider) countCollection {
	if p == nil {
		return nil
	}
	return p.groups
}
