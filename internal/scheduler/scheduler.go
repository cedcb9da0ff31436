// Package scheduler drives the time-based transitions of every feature
// service: deadlines, auto-approvals, starts, and vote endings.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/lock"
	"tg_wager_bot/internal/logging"
	"tg_wager_bot/internal/metrics"
	"tg_wager_bot/internal/store"
)

const lockKey = "scheduler"

// Ticker is a feature service with due transitions.
type Ticker interface {
	Tick(ctx context.Context) ([]domain.Transition, error)
}

// Notifier announces transitions in the group chat.
type Notifier interface {
	Notify(ctx context.Context, t domain.Transition) error
}

// CountsProvider reports open entity counts for the activity gauges.
type CountsProvider interface {
	Counts(ctx context.Context) (store.Counts, error)
}

type namedTicker struct {
	name   string
	ticker Ticker
}

// Scheduler runs every registered Ticker on an interval while holding the
// scheduler lock.
type Scheduler struct {
	locker   lock.Locker
	interval time.Duration
	tickers  []namedTicker
	notifier Notifier
	counts   CountsProvider
	metrics  *metrics.Metrics
	logger   *logrus.Entry
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithTicker registers a feature service under name.
func WithTicker(name string, t Ticker) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tickers = append(s.tickers, namedTicker{name: name, ticker: t})
		}
	}
}

// WithNotifier sets where transitions are announced.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

// WithCounts enables the open entity gauges.
func WithCounts(c CountsProvider) Option {
	return func(s *Scheduler) {
		s.counts = c
	}
}

// WithMetrics records tick outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Scheduler.
func New(locker lock.Locker, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		locker:   locker,
		interval: interval,
		logger:   logging.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks immediately and then on every interval until ctx is cancelled.
// Tick failures are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil || s.locker == nil {
		return errors.New("scheduler is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if s.interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.interval)
	}

	s.logger.WithFields(logging.Fields{
		"event":    "scheduler_start",
		"interval": s.interval.String(),
		"tickers":  len(s.tickers),
	}).Info("starting scheduler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithField("event", "scheduler_tick_error").WithError(err).Error("scheduler tick failed")
		}

		select {
		case <-ctx.Done():
			s.logger.WithField("event", "scheduler_stopped").Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single tick. It returns nil without doing anything when
// another replica holds the lock.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s == nil || s.locker == nil {
		return errors.New("scheduler is not initialized")
	}

	lease, err := s.locker.TryAcquire(ctx, lockKey, s.leaseTTL())
	if errors.Is(err, lock.ErrNotAcquired) {
		s.metrics.TickSkipped()
		s.logger.WithField("event", "scheduler_lock_busy").Debug("scheduler lock held elsewhere")
		return nil
	}
	if err != nil {
		s.metrics.TickObserved(0, err)
		return fmt.Errorf("acquire scheduler lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.logger.WithField("event", "scheduler_unlock_error").WithError(err).Warn("failed to release scheduler lock")
		}
	}()

	started := time.Now()
	var errs []error
	for _, nt := range s.tickers {
		transitions, err := nt.ticker.Tick(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nt.name, err))
		}
		for _, t := range transitions {
			s.announce(ctx, t)
		}
	}

	s.refreshGauges(ctx)

	err = errors.Join(errs...)
	s.metrics.TickObserved(time.Since(started), err)
	return err
}

func (s *Scheduler) announce(ctx context.Context, t domain.Transition) {
	s.metrics.TransitionApplied(t)
	s.logger.WithFields(logging.Fields{
		"event":     "scheduler_transition",
		"entity":    t.Kind,
		"entity_id": t.EntityID,
		"chat_id":   t.GroupID,
		"from":      t.From,
		"to":        t.To,
	}).Info("applied scheduled transition")

	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, t); err != nil {
		s.logger.WithFields(logging.Fields{
			"event":     "scheduler_notify_error",
			"entity_id": t.EntityID,
			"chat_id":   t.GroupID,
		}).WithError(err).Warn("failed to announce transition")
	}
}

func (s *Scheduler) refreshGauges(ctx context.Context) {
	if s.counts == nil || s.metrics == nil {
		return
	}
	counts, err := s.counts.Counts(ctx)
	if err != nil {
		s.logger.WithField("event", "scheduler_counts_error").WithError(err).Warn("failed to refresh activity gauges")
		return
	}
	s.metrics.SetOpen(domain.RefWager, counts.OpenWagers)
	s.metrics.SetOpen(domain.RefChallenge, counts.OpenChallenges)
	s.metrics.SetOpen(domain.RefDispute, counts.OpenDisputes)
}

// leaseTTL spans two intervals.
func (s *Scheduler) leaseTTL() time.Duration {
	return 2 * s.interval
}
