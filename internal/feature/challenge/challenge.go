// Package challenge runs paid tasks: the creator escrows a reward, another
// member accepts and completes the task, and the creator approves or rejects
// the completion. Unreviewed completions are approved automatically.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature"
	"tg_wager_bot/internal/ledger"
	"tg_wager_bot/internal/logging"
	"tg_wager_bot/internal/store"
)

const tickBatch = 100

var activeStates = []string{
	domain.ChallengeOpen,
	domain.ChallengeAccepted,
	domain.ChallengeSubmitted,
	domain.ChallengeRejected,
	domain.ChallengeDisputed,
}

// Settings holds the challenge timers.
type Settings struct {
	// AutoApprove is how long a submitted completion waits for review.
	AutoApprove time.Duration
	// DisputeWindow is how long a rejection can be disputed before the
	// reward returns to the creator.
	DisputeWindow time.Duration
}

// Service implements the challenge lifecycle.
type Service struct {
	engine   *feature.Engine
	settings Settings
}

// NewService constructs a Service.
func NewService(engine *feature.Engine, settings Settings) *Service {
	return &Service{engine: engine, settings: settings}
}

// CreateParams describes a new challenge. TargetID reserves it for one
// member when set.
type CreateParams struct {
	GroupID     int64
	CreatorID   int64
	TargetID    int64
	Description string
	Reward      int64
	Deadline    time.Time
}

// Create escrows the reward and opens the challenge.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Challenge, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("challenge service is not initialized")
	}

	now := s.engine.Now()
	description := strings.TrimSpace(p.Description)
	switch {
	case description == "":
		return nil, domain.ErrTitleRequired
	case p.Reward <= 0:
		return nil, domain.ErrInvalidAmount
	case !p.Deadline.After(now):
		return nil, domain.ErrDeadlinePassed
	case p.TargetID != 0 && p.TargetID == p.CreatorID:
		return nil, domain.ErrSelfAction
	}

	c := &domain.Challenge{
		Meta: domain.Meta{
			GroupID:   p.GroupID,
			CreatedAt: now,
		},
		CreatorID:   p.CreatorID,
		TargetID:    p.TargetID,
		Description: description,
		Reward:      p.Reward,
		Deadline:    p.Deadline.UTC().Truncate(time.Millisecond),
	}
	c.Transition(domain.ChallengeOpen, c.Deadline, now)

	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := feature.RequireMember(ctx, tx, p.GroupID, p.CreatorID); err != nil {
			return err
		}
		if p.TargetID != 0 {
			if _, err := feature.RequireMember(ctx, tx, p.GroupID, p.TargetID); err != nil {
				return err
			}
		}
		if err := feature.Insert(ctx, tx.Challenges(), c, func(id string) { c.ID = id }); err != nil {
			return err
		}
		return s.engine.Post(ctx, tx, domain.Journal{
			Key:      fmt.Sprintf("challenge:%s:escrow", c.ID),
			GroupID:  c.GroupID,
			Type:     domain.JournalStake,
			RefKind:  domain.RefChallenge,
			RefID:    c.ID,
			Memo:     c.Description,
			Postings: ledger.Move(domain.UserAccount(c.GroupID, c.CreatorID), c.Escrow(), c.Reward),
		})
	})
	if err != nil {
		return nil, err
	}

	s.log(c.GroupID, c.ID, c.CreatorID, "challenge_created").
		WithFields(logging.Fields{"reward": c.Reward, "target_user_id": c.TargetID}).
		Info("created challenge")
	return c, nil
}

// Get loads a challenge of the group.
func (s *Service) Get(ctx context.Context, groupID int64, id string) (*domain.Challenge, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("challenge service is not initialized")
	}

	var c *domain.Challenge
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		c, err = load(ctx, tx, groupID, id)
		return err
	})
	return c, err
}

// List returns the group's unresolved challenges, newest first.
func (s *Service) List(ctx context.Context, groupID int64) ([]*domain.Challenge, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("challenge service is not initialized")
	}

	var challenges []*domain.Challenge
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		challenges, err = tx.Challenges().ListByGroup(ctx, groupID, activeStates, 20)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	return challenges, nil
}

// Accept assigns the challenge to the member.
func (s *Service) Accept(ctx context.Context, groupID int64, id string, userID int64) (*domain.Challenge, error) {
	return s.update(ctx, groupID, id, userID, "challenge_accepted", func(ctx context.Context, tx store.Tx, c *domain.Challenge, now time.Time) error {
		switch {
		case c.State != domain.ChallengeOpen || !now.Before(c.Deadline):
			return domain.ErrChallengeNotOpen
		case c.CreatorID == userID:
			return domain.ErrSelfAction
		case c.TargetID != 0 && c.TargetID != userID:
			return domain.ErrChallengeTargeted
		}
		if _, err := feature.RequireMember(ctx, tx, groupID, userID); err != nil {
			return err
		}

		c.AcceptorID = userID
		c.AcceptedAt = now
		c.Transition(domain.ChallengeAccepted, c.Deadline, now)
		return nil
	})
}

// Submit reports the task as done and starts the auto-approval timer.
func (s *Service) Submit(ctx context.Context, groupID int64, id string, userID int64) (*domain.Challenge, error) {
	return s.update(ctx, groupID, id, userID, "challenge_submitted", func(_ context.Context, _ store.Tx, c *domain.Challenge, now time.Time) error {
		if c.AcceptorID != userID {
			return domain.ErrNotParticipant
		}
		if c.State != domain.ChallengeAccepted || !now.Before(c.Deadline) {
			return domain.ErrChallengeWrongState
		}

		c.SubmittedAt = now
		c.AutoApproveAt = now.Add(s.settings.AutoApprove)
		c.Transition(domain.ChallengeSubmitted, c.AutoApproveAt, now)
		return nil
	})
}

// Reject refuses a submitted completion. The reward stays in escrow while
// the acceptor may dispute the rejection.
func (s *Service) Reject(ctx context.Context, groupID int64, id string, actor domain.Actor) (*domain.Challenge, error) {
	return s.update(ctx, groupID, id, actor.UserID, "challenge_rejected", func(_ context.Context, _ store.Tx, c *domain.Challenge, now time.Time) error {
		if !actor.CanModerate(c.CreatorID) {
			return domain.ErrNotAuthorized
		}
		if c.State != domain.ChallengeSubmitted {
			return domain.ErrChallengeNotPending
		}

		c.RejectedAt = now
		c.Transition(domain.ChallengeRejected, now.Add(s.settings.DisputeWindow), now)
		return nil
	})
}

func (s *Service) update(ctx context.Context, groupID int64, id string, userID int64, event string, apply func(context.Context, store.Tx, *domain.Challenge, time.Time) error) (*domain.Challenge, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("challenge service is not initialized")
	}

	var c *domain.Challenge
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if c, err = load(ctx, tx, groupID, id); err != nil {
			return err
		}
		if err := apply(ctx, tx, c, s.engine.Now()); err != nil {
			return err
		}
		if err := tx.Challenges().Update(ctx, c); err != nil {
			return fmt.Errorf("update challenge: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(groupID, id, userID, event).WithField("state", c.State).Info("challenge updated")
	return c, nil
}

// Approve pays the reward to the acceptor.
func (s *Service) Approve(ctx context.Context, groupID int64, id string, actor domain.Actor) (domain.Transition, error) {
	return s.close(ctx, groupID, id, actor.UserID, "challenge_approved", func(ctx context.Context, tx store.Tx, c *domain.Challenge) (domain.Transition, error) {
		if !actor.CanModerate(c.CreatorID) {
			return domain.Transition{}, domain.ErrNotAuthorized
		}
		if c.State != domain.ChallengeSubmitted {
			return domain.Transition{}, domain.ErrChallengeNotPending
		}
		return s.complete(ctx, tx, c, "approved")
	})
}

// Cancel withdraws an open challenge and refunds the creator.
func (s *Service) Cancel(ctx context.Context, groupID int64, id string, actor domain.Actor) (domain.Transition, error) {
	return s.close(ctx, groupID, id, actor.UserID, "challenge_cancelled", func(ctx context.Context, tx store.Tx, c *domain.Challenge) (domain.Transition, error) {
		if !actor.CanModerate(c.CreatorID) {
			return domain.Transition{}, domain.ErrNotAuthorized
		}
		if c.State != domain.ChallengeOpen {
			return domain.Transition{}, domain.ErrNotCancellable
		}
		return s.refund(ctx, tx, c, domain.ChallengeCancelled, "cancelled")
	})
}

func (s *Service) close(ctx context.Context, groupID int64, id string, userID int64, event string, apply func(context.Context, store.Tx, *domain.Challenge) (domain.Transition, error)) (domain.Transition, error) {
	if s == nil || s.engine == nil {
		return domain.Transition{}, errors.New("challenge service is not initialized")
	}

	var transition domain.Transition
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := load(ctx, tx, groupID, id)
		if err != nil {
			return err
		}
		transition, err = apply(ctx, tx, c)
		return err
	})
	if err != nil {
		return domain.Transition{}, err
	}

	s.log(groupID, id, userID, event).WithField("state", transition.To).Info("challenge closed")
	return transition, nil
}

// complete pays the acceptor and records the completion.
func (s *Service) complete(ctx context.Context, tx store.Tx, c *domain.Challenge, note string) (domain.Transition, error) {
	err := s.engine.Post(ctx, tx, domain.Journal{
		Key:      fmt.Sprintf("challenge:%s:payout", c.ID),
		GroupID:  c.GroupID,
		Type:     domain.JournalPayout,
		RefKind:  domain.RefChallenge,
		RefID:    c.ID,
		Memo:     c.Description,
		Postings: ledger.Move(c.Escrow(), domain.UserAccount(c.GroupID, c.AcceptorID), c.Reward),
	})
	if err != nil {
		return domain.Transition{}, err
	}

	now := s.engine.Now()
	from := c.State
	c.ClosedAt = now
	c.Transition(domain.ChallengeCompleted, time.Time{}, now)
	if err := tx.Challenges().Update(ctx, c); err != nil {
		return domain.Transition{}, fmt.Errorf("update challenge: %w", err)
	}

	awards, err := s.engine.Record(ctx, tx, c.GroupID, map[int64]domain.Stats{
		c.AcceptorID: {ChallengesCompleted: 1},
	})
	if err != nil {
		return domain.Transition{}, err
	}

	payouts := []domain.Payout{{UserID: c.AcceptorID, Amount: c.Reward}}
	return transition(c, from, payouts, awards, note), nil
}

// refund returns the reward to the creator and closes the challenge in
// state.
func (s *Service) refund(ctx context.Context, tx store.Tx, c *domain.Challenge, state, note string) (domain.Transition, error) {
	err := s.engine.Post(ctx, tx, domain.Journal{
		Key:      fmt.Sprintf("challenge:%s:refund", c.ID),
		GroupID:  c.GroupID,
		Type:     domain.JournalRefund,
		RefKind:  domain.RefChallenge,
		RefID:    c.ID,
		Memo:     c.Description,
		Postings: ledger.Move(c.Escrow(), domain.UserAccount(c.GroupID, c.CreatorID), c.Reward),
	})
	if err != nil {
		return domain.Transition{}, err
	}

	now := s.engine.Now()
	from := c.State
	c.ClosedAt = now
	c.Transition(state, time.Time{}, now)
	if err := tx.Challenges().Update(ctx, c); err != nil {
		return domain.Transition{}, fmt.Errorf("update challenge: %w", err)
	}

	payouts := []domain.Payout{{UserID: c.CreatorID, Amount: c.Reward}}
	return transition(c, from, payouts, nil, note), nil
}

// ResolveDispute settles a disputed rejection inside the caller's
// transaction: an upheld dispute pays the acceptor, otherwise the creator is
// refunded.
func (s *Service) ResolveDispute(ctx context.Context, tx store.Tx, c *domain.Challenge, upheld bool) (domain.Transition, error) {
	if s == nil || s.engine == nil {
		return domain.Transition{}, errors.New("challenge service is not initialized")
	}
	if c.State != domain.ChallengeDisputed {
		return domain.Transition{}, domain.ErrChallengeWrongState
	}
	if upheld {
		return s.complete(ctx, tx, c, "completion upheld by vote")
	}
	return s.refund(ctx, tx, c, domain.ChallengeFailed, "rejection upheld by vote")
}

// Tick expires challenges past their deadline, approves completions nobody
// reviewed in time, and fails rejections that were not disputed.
func (s *Service) Tick(ctx context.Context) ([]domain.Transition, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("challenge service is not initialized")
	}

	now := s.engine.Now()
	var due []*domain.Challenge
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = tx.Challenges().Due(ctx, []string{
			domain.ChallengeOpen,
			domain.ChallengeAccepted,
			domain.ChallengeSubmitted,
			domain.ChallengeRejected,
		}, now, tickBatch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list due challenges: %w", err)
	}

	var (
		transitions []domain.Transition
		errs        []error
	)
	for _, candidate := range due {
		var (
			t       domain.Transition
			changed bool
		)
		err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
			c, err := tx.Challenges().Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if c.DueAt == nil || c.DueAt.After(now) {
				return nil
			}

			switch c.State {
			case domain.ChallengeOpen, domain.ChallengeAccepted:
				t, err = s.refund(ctx, tx, c, domain.ChallengeExpired, "deadline passed")
			case domain.ChallengeSubmitted:
				c.AutoApproved = true
				t, err = s.complete(ctx, tx, c, "approved automatically")
			case domain.ChallengeRejected:
				t, err = s.refund(ctx, tx, c, domain.ChallengeFailed, "rejection not disputed")
			default:
				return nil
			}
			changed = err == nil
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("advance challenge %s: %w", candidate.ID, err))
			continue
		}
		if changed {
			transitions = append(transitions, t)
		}
	}

	return transitions, errors.Join(errs...)
}

func transition(c *domain.Challenge, from string, payouts []domain.Payout, awards []domain.BadgeAward, note string) domain.Transition {
	return domain.Transition{
		Kind:     domain.RefChallenge,
		GroupID:  c.GroupID,
		EntityID: c.ID,
		Title:    c.Description,
		From:     from,
		To:       c.State,
		Payouts:  payouts,
		Badges:   awards,
		Note:     note,
	}
}

func (s *Service) log(groupID int64, id string, userID int64, event string) *logrus.Entry {
	return s.engine.Log(logging.Context{
		ChatID:   groupID,
		UserID:   userID,
		Event:    event,
		Entity:   domain.RefChallenge,
		EntityID: id,
	})
}

func load(ctx context.Context, tx store.Tx, groupID int64, id string) (*domain.Challenge, error) {
	c, err := tx.Challenges().Get(ctx, id)
	if err != nil {
		return nil, feature.NotFound(err, domain.ErrChallengeNotFound)
	}
	if c.GroupID != groupID {
		return nil, domain.ErrChallengeNotFound
	}
	return c, nil
}
