// Package dispute lets members contest a wager settlement or a challenge
// rejection and decide it by a group vote.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature"
	"tg_wager_bot/internal/feature/challenge"
	"tg_wager_bot/internal/feature/wager"
	"tg_wager_bot/internal/logging"
	"tg_wager_bot/internal/store"
)

const tickBatch = 100

// Settings holds the dispute rules.
type Settings struct {
	// Window is how long after a settlement or rejection a dispute may be
	// opened.
	Window time.Duration
	// VotingPeriod is how long voting stays open.
	VotingPeriod time.Duration
	// Quorum resolves the dispute early once either side has this many
	// votes. Zero waits for the end of voting.
	Quorum int
	// Penalty is charged to the accused when a dispute is upheld, bounded
	// by their balance.
	Penalty int64
}

// Service implements disputes on top of the wager and challenge services.
type Service struct {
	engine     *feature.Engine
	wagers     *wager.Service
	challenges *challenge.Service
	settings   Settings
}

// NewService constructs a Service.
func NewService(engine *feature.Engine, wagers *wager.Service, challenges *challenge.Service, settings Settings) *Service {
	return &Service{engine: engine, wagers: wagers, challenges: challenges, settings: settings}
}

// OpenParams describes a new dispute. Outcome is the corrected result and is
// required for wagers.
type OpenParams struct {
	GroupID   int64
	UserID    int64
	SubjectID string
	Reason    string
	Outcome   *domain.Outcome
}

// Open contests a settled wager or a rejected challenge. A subject can be
// disputed once; the dispute shares its id.
func (s *Service) Open(ctx context.Context, p OpenParams) (*domain.Dispute, error) {
	if s == nil || s.engine == nil || s.wagers == nil || s.challenges == nil {
		return nil, errors.New("dispute service is not initialized")
	}

	var d *domain.Dispute
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.engine.Now()
		if _, err := tx.Disputes().Get(ctx, p.SubjectID); err == nil {
			return domain.ErrDisputeExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load dispute: %w", err)
		}

		d = &domain.Dispute{
			Meta: domain.Meta{
				ID:        p.SubjectID,
				GroupID:   p.GroupID,
				CreatedAt: now,
			},
			SubjectID:    p.SubjectID,
			OpenedBy:     p.UserID,
			Reason:       strings.TrimSpace(p.Reason),
			Votes:        []domain.DisputeVote{},
			VotingEndsAt: now.Add(s.settings.VotingPeriod),
		}

		w, err := tx.Wagers().Get(ctx, p.SubjectID)
		switch {
		case err == nil && w.GroupID == p.GroupID:
			if err := s.openWager(ctx, tx, d, w, p.Outcome, now); err != nil {
				return err
			}
		case err == nil || errors.Is(err, store.ErrNotFound):
			c, err := tx.Challenges().Get(ctx, p.SubjectID)
			if err != nil || c.GroupID != p.GroupID {
				return feature.NotFound(orNotFound(err), domain.ErrDisputeNotFound)
			}
			if err := s.openChallenge(ctx, tx, d, c, now); err != nil {
				return err
			}
		default:
			return fmt.Errorf("load wager: %w", err)
		}

		d.Transition(domain.DisputeOpen, d.VotingEndsAt, now)
		if err := tx.Disputes().Insert(ctx, d); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return domain.ErrDisputeExists
			}
			return fmt.Errorf("insert dispute: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(d.GroupID, d.ID, d.OpenedBy, "dispute_opened").
		WithFields(logging.Fields{"subject": d.SubjectKind, "accused_user_id": d.AccusedID}).
		Info("opened dispute")
	return d, nil
}

func (s *Service) openWager(ctx context.Context, tx store.Tx, d *domain.Dispute, w *domain.Wager, outcome *domain.Outcome, now time.Time) error {
	switch w.State {
	case domain.WagerSettled:
	case domain.WagerDisputed:
		return domain.ErrDisputeExists
	default:
		return domain.ErrNotDisputable
	}
	if !w.IsParticipant(d.OpenedBy) {
		return domain.ErrNotParticipant
	}
	if !now.Before(w.SettledAt.Add(s.settings.Window)) {
		return domain.ErrDisputeWindow
	}
	if outcome == nil {
		return domain.ErrWrongWagerType
	}
	if err := wager.ValidateOutcome(w, *outcome); err != nil {
		return err
	}
	if w.Outcome != nil && wager.SameOutcome(w, *w.Outcome, *outcome) {
		return domain.ErrSameOutcome
	}

	proposed := *outcome
	d.SubjectKind = domain.RefWager
	d.AccusedID = w.SettledBy
	d.ProposedOutcome = &proposed

	w.Transition(domain.WagerDisputed, time.Time{}, now)
	if err := tx.Wagers().Update(ctx, w); err != nil {
		return fmt.Errorf("update wager: %w", err)
	}
	return nil
}

func (s *Service) openChallenge(ctx context.Context, tx store.Tx, d *domain.Dispute, c *domain.Challenge, now time.Time) error {
	switch c.State {
	case domain.ChallengeRejected:
	case domain.ChallengeDisputed:
		return domain.ErrDisputeExists
	default:
		return domain.ErrNotDisputable
	}
	if c.AcceptorID != d.OpenedBy {
		return domain.ErrNotParticipant
	}
	if !now.Before(c.RejectedAt.Add(s.settings.Window)) {
		return domain.ErrDisputeWindow
	}

	d.SubjectKind = domain.RefChallenge
	d.AccusedID = c.CreatorID

	c.Transition(domain.ChallengeDisputed, time.Time{}, now)
	if err := tx.Challenges().Update(ctx, c); err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	return nil
}

// Get loads a dispute of the group.
func (s *Service) Get(ctx context.Context, groupID int64, id string) (*domain.Dispute, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("dispute service is not initialized")
	}

	var d *domain.Dispute
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		d, err = load(ctx, tx, groupID, id)
		return err
	})
	return d, err
}

// Vote records a ballot. Once either side reaches the quorum the dispute is
// resolved and the transition is returned.
func (s *Service) Vote(ctx context.Context, groupID int64, id string, userID int64, uphold bool) (*domain.Dispute, *domain.Transition, error) {
	if s == nil || s.engine == nil {
		return nil, nil, errors.New("dispute service is not initialized")
	}

	var (
		d    *domain.Dispute
		done *domain.Transition
	)
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		done = nil
		var err error
		if d, err = load(ctx, tx, groupID, id); err != nil {
			return err
		}
		now := s.engine.Now()
		if d.State != domain.DisputeOpen || !now.Before(d.VotingEndsAt) {
			return domain.ErrDisputeClosed
		}
		if userID == d.OpenedBy || userID == d.AccusedID {
			return domain.ErrNotEligibleVoter
		}
		if d.HasVoted(userID) {
			return domain.ErrAlreadyVoted
		}
		if _, err := feature.RequireMember(ctx, tx, groupID, userID); err != nil {
			if errors.Is(err, domain.ErrNotMember) {
				return domain.ErrNotEligibleVoter
			}
			return err
		}

		d.Votes = append(d.Votes, domain.DisputeVote{UserID: userID, Uphold: uphold, VotedAt: now})
		d.UpdatedAt = now

		if up, down := d.Tally(); s.settings.Quorum > 0 && (up >= s.settings.Quorum || down >= s.settings.Quorum) {
			t, err := s.resolve(ctx, tx, d)
			if err != nil {
				return err
			}
			done = &t
			return nil
		}
		if err := tx.Disputes().Update(ctx, d); err != nil {
			return fmt.Errorf("update dispute: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.log(groupID, id, userID, "dispute_vote").WithField("uphold", uphold).Info("recorded dispute vote")
	return d, done, nil
}

// resolve applies the majority. Only a strict uphold majority changes the
// subject; a tie keeps the original decision.
func (s *Service) resolve(ctx context.Context, tx store.Tx, d *domain.Dispute) (domain.Transition, error) {
	now := s.engine.Now()
	up, down := d.Tally()
	upheld := up > down

	var (
		resolution domain.DisputeResolution
		awards     []domain.BadgeAward
		title      string
	)
	switch d.SubjectKind {
	case domain.RefWager:
		w, err := tx.Wagers().Get(ctx, d.SubjectID)
		if err != nil {
			return domain.Transition{}, fmt.Errorf("load wager: %w", err)
		}
		title = w.Title
		if upheld {
			if resolution, awards, err = s.wagers.Resettle(ctx, tx, w, *d.ProposedOutcome); err != nil {
				return domain.Transition{}, err
			}
		} else {
			w.Transition(domain.WagerSettled, time.Time{}, now)
			if err := tx.Wagers().Update(ctx, w); err != nil {
				return domain.Transition{}, fmt.Errorf("update wager: %w", err)
			}
		}
	case domain.RefChallenge:
		c, err := tx.Challenges().Get(ctx, d.SubjectID)
		if err != nil {
			return domain.Transition{}, fmt.Errorf("load challenge: %w", err)
		}
		title = c.Description
		t, err := s.challenges.ResolveDispute(ctx, tx, c, upheld)
		if err != nil {
			return domain.Transition{}, err
		}
		resolution.Payouts = t.Payouts
		awards = t.Badges
	default:
		return domain.Transition{}, fmt.Errorf("dispute %s has unknown subject %q", d.ID, d.SubjectKind)
	}

	if upheld && s.settings.Penalty > 0 && d.AccusedID != 0 {
		penalty, err := s.penalize(ctx, tx, d)
		if err != nil {
			return domain.Transition{}, err
		}
		resolution.Penalty = penalty
	}

	state := domain.DisputeRejected
	if upheld {
		state = domain.DisputeUpheld
	}
	d.Resolution = &resolution
	d.ResolvedAt = now
	d.Transition(state, time.Time{}, now)
	if err := tx.Disputes().Update(ctx, d); err != nil {
		return domain.Transition{}, fmt.Errorf("update dispute: %w", err)
	}

	note := fmt.Sprintf("%d to %d", up, down)
	if upheld && resolution.Shortfall > 0 {
		note += fmt.Sprintf(", %d points could not be recovered", resolution.Shortfall)
	}
	if resolution.Penalty > 0 {
		note += fmt.Sprintf(", penalty %d", resolution.Penalty)
	}
	return domain.Transition{
		Kind:     domain.RefDispute,
		GroupID:  d.GroupID,
		EntityID: d.ID,
		Title:    title,
		From:     domain.DisputeOpen,
		To:       d.State,
		Payouts:  resolution.Payouts,
		Badges:   awards,
		Note:     note,
	}, nil
}

func (s *Service) penalize(ctx context.Context, tx store.Tx, d *domain.Dispute) (int64, error) {
	account, err := tx.Accounts().Get(ctx, domain.UserAccount(d.GroupID, d.AccusedID))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load accused: %w", err)
	}
	take := min(max(account.Balance, 0), s.settings.Penalty)
	if take == 0 {
		return 0, nil
	}
	err = s.engine.Post(ctx, tx, domain.Journal{
		Key:     fmt.Sprintf("dispute:%s:penalty", d.ID),
		GroupID: d.GroupID,
		Type:    domain.JournalPenalty,
		RefKind: domain.RefDispute,
		RefID:   d.ID,
		Memo:    d.Reason,
		Postings: []domain.Posting{
			domain.NewPosting(account.ID, -take),
			domain.NewPosting(domain.PotAccount(d.GroupID), take),
		},
	})
	if err != nil {
		return 0, err
	}
	return take, nil
}

// Tick resolves disputes whose voting period has ended.
func (s *Service) Tick(ctx context.Context) ([]domain.Transition, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("dispute service is not initialized")
	}

	now := s.engine.Now()
	var due []*domain.Dispute
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = tx.Disputes().Due(ctx, []string{domain.DisputeOpen}, now, tickBatch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list due disputes: %w", err)
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
			changed = false
			d, err := tx.Disputes().Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if d.State != domain.DisputeOpen || d.DueAt == nil || d.DueAt.After(now) {
				return nil
			}
			if t, err = s.resolve(ctx, tx, d); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve dispute %s: %w", candidate.ID, err))
			continue
		}
		if changed {
			transitions = append(transitions, t)
		}
	}

	return transitions, errors.Join(errs...)
}

func (s *Service) log(groupID int64, id string, userID int64, event string) *logrus.Entry {
	return s.engine.Log(logging.Context{
		ChatID:   groupID,
		UserID:   userID,
		Event:    event,
		Entity:   domain.RefDispute,
		EntityID: id,
	})
}

func load(ctx context.Context, tx store.Tx, groupID int64, id string) (*domain.Dispute, error) {
	d, err := tx.Disputes().Get(ctx, id)
	if err != nil {
		return nil, feature.NotFound(err, domain.ErrDisputeNotFound)
	}
	if d.GroupID != groupID {
		return nil, domain.ErrDisputeNotFound
	}
	return d, nil
}

func orNotFound(err error) error {
	if err == nil {
		return store.ErrNotFound
	}
	return err
}
