// Package elimination runs endurance pools. Members pay a buy-in before the
// start; once running, participants tap out or are eliminated, and the
// survivors take the escrow.
package elimination

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

// Service implements the elimination lifecycle.
type Service struct {
	engine *feature.Engine
}

// NewService constructs a Service.
func NewService(engine *feature.Engine) *Service {
	return &Service{engine: engine}
}

// CreateParams describes a new elimination challenge. EndsAt is required in
// deadline mode and ignored otherwise.
type CreateParams struct {
	GroupID         int64
	CreatorID       int64
	Title           string
	Mode            domain.EliminationMode
	BuyIn           int64
	StartsAt        time.Time
	EndsAt          time.Time
	MinParticipants int
}

// Create opens the challenge and enrolls the creator, who pays the buy-in.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.EliminationChallenge, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("elimination service is not initialized")
	}

	now := s.engine.Now()
	title := strings.TrimSpace(p.Title)
	switch {
	case title == "":
		return nil, domain.ErrTitleRequired
	case p.BuyIn <= 0:
		return nil, domain.ErrInvalidAmount
	case !p.StartsAt.After(now):
		return nil, domain.ErrDeadlinePassed
	}

	mode := p.Mode
	if mode == "" {
		mode = domain.EliminationLastStanding
	}
	var endsAt time.Time
	switch mode {
	case domain.EliminationDeadline:
		if !p.EndsAt.After(p.StartsAt) {
			return nil, domain.ErrInvalidSchedule
		}
		endsAt = p.EndsAt.UTC().Truncate(time.Millisecond)
	case domain.EliminationLastStanding:
	default:
		return nil, domain.ErrInvalidSchedule
	}

	minimum := p.MinParticipants
	if minimum < domain.DefaultEliminationMinParticipants {
		minimum = domain.DefaultEliminationMinParticipants
	}

	e := &domain.EliminationChallenge{
		Meta: domain.Meta{
			GroupID:   p.GroupID,
			CreatedAt: now,
		},
		CreatorID:       p.CreatorID,
		Title:           title,
		Mode:            mode,
		BuyIn:           p.BuyIn,
		StartsAt:        p.StartsAt.UTC().Truncate(time.Millisecond),
		EndsAt:          endsAt,
		MinParticipants: minimum,
		Participants:    []domain.EliminationParticipant{},
	}
	e.Transition(domain.EliminationOpen, e.StartsAt, now)

	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := feature.RequireMember(ctx, tx, p.GroupID, p.CreatorID); err != nil {
			return err
		}
		if err := feature.Insert(ctx, tx.Eliminations(), e, func(id string) { e.ID = id }); err != nil {
			return err
		}
		return s.enroll(ctx, tx, e, p.CreatorID, now)
	})
	if err != nil {
		return nil, err
	}

	s.log(e.GroupID, e.ID, e.CreatorID, "elimination_created").
		WithFields(logging.Fields{"mode": e.Mode, "buy_in": e.BuyIn}).
		Info("created elimination challenge")
	return e, nil
}

// Get loads an elimination challenge of the group.
func (s *Service) Get(ctx context.Context, groupID int64, id string) (*domain.EliminationChallenge, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("elimination service is not initialized")
	}

	var e *domain.EliminationChallenge
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		e, err = load(ctx, tx, groupID, id)
		return err
	})
	return e, err
}

// Join enrolls the member before the start.
func (s *Service) Join(ctx context.Context, groupID int64, id string, userID int64) (*domain.EliminationChallenge, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("elimination service is not initialized")
	}

	var e *domain.EliminationChallenge
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if e, err = load(ctx, tx, groupID, id); err != nil {
			return err
		}
		now := s.engine.Now()
		if e.State != domain.EliminationOpen || !now.Before(e.StartsAt) {
			return domain.ErrEliminationClosed
		}
		if e.Participant(userID) >= 0 {
			return domain.ErrAlreadyJoined
		}
		if _, err := feature.RequireMember(ctx, tx, groupID, userID); err != nil {
			return err
		}
		if err := s.enroll(ctx, tx, e, userID, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(groupID, id, userID, "elimination_joined").Info("member joined elimination challenge")
	return e, nil
}

// enroll charges the buy-in and stores the participant.
func (s *Service) enroll(ctx context.Context, tx store.Tx, e *domain.EliminationChallenge, userID int64, now time.Time) error {
	err := s.engine.Post(ctx, tx, domain.Journal{
		Key:      fmt.Sprintf("elimination:%s:buyin:%d", e.ID, userID),
		GroupID:  e.GroupID,
		Type:     domain.JournalStake,
		RefKind:  domain.RefElimination,
		RefID:    e.ID,
		Memo:     e.Title,
		Postings: ledger.Move(domain.UserAccount(e.GroupID, userID), e.Escrow(), e.BuyIn),
	})
	if err != nil {
		return err
	}

	e.Participants = append(e.Participants, domain.EliminationParticipant{UserID: userID, JoinedAt: now})
	e.UpdatedAt = now
	if err := tx.Eliminations().Update(ctx, e); err != nil {
		return fmt.Errorf("update elimination: %w", err)
	}
	return nil
}

// TapOut removes the member from a running challenge. The returned
// transition is set when this ended the challenge.
func (s *Service) TapOut(ctx context.Context, groupID int64, id string, userID int64) (*domain.EliminationChallenge, *domain.Transition, error) {
	return s.eliminate(ctx, groupID, id, userID, func(*domain.EliminationChallenge) error { return nil }, userID, "elimination_tapped_out")
}

// Eliminate removes a participant on behalf of the creator or an admin.
func (s *Service) Eliminate(ctx context.Context, groupID int64, id string, actor domain.Actor, targetID int64) (*domain.EliminationChallenge, *domain.Transition, error) {
	return s.eliminate(ctx, groupID, id, targetID, func(e *domain.EliminationChallenge) error {
		if !actor.CanModerate(e.CreatorID) {
			return domain.ErrNotAuthorized
		}
		return nil
	}, actor.UserID, "elimination_eliminated")
}

func (s *Service) eliminate(ctx context.Context, groupID int64, id string, targetID int64, authorize func(*domain.EliminationChallenge) error, actorID int64, event string) (*domain.EliminationChallenge, *domain.Transition, error) {
	if s == nil || s.engine == nil {
		return nil, nil, errors.New("elimination service is not initialized")
	}

	var (
		e    *domain.EliminationChallenge
		done *domain.Transition
	)
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		done = nil
		var err error
		if e, err = load(ctx, tx, groupID, id); err != nil {
			return err
		}
		if err := authorize(e); err != nil {
			return err
		}
		if e.State != domain.EliminationActive {
			return domain.ErrEliminationInactive
		}
		idx := e.Participant(targetID)
		if idx < 0 {
			return domain.ErrNotParticipant
		}
		if e.Participants[idx].Eliminated() {
			return domain.ErrAlreadyEliminated
		}

		now := s.engine.Now()
		e.Participants[idx].EliminatedAt = &now
		e.Participants[idx].EliminatedBy = actorID
		e.UpdatedAt = now

		if e.Mode == domain.EliminationLastStanding && len(e.Survivors()) <= 1 {
			t, err := s.complete(ctx, tx, e, "last one standing")
			if err != nil {
				return err
			}
			done = &t
			return nil
		}
		if err := tx.Eliminations().Update(ctx, e); err != nil {
			return fmt.Errorf("update elimination: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.log(groupID, id, actorID, event).WithField("target_user_id", targetID).Info("participant eliminated")
	return e, done, nil
}

// complete pays the escrow to the survivors in equal shares with the dust
// going to the pot. Without survivors the whole escrow goes to the pot.
func (s *Service) complete(ctx context.Context, tx store.Tx, e *domain.EliminationChallenge, note string) (domain.Transition, error) {
	now := s.engine.Now()
	total := e.BuyIn * int64(len(e.Participants))
	survivors := e.Survivors()

	weights := make([]int64, len(survivors))
	for i := range weights {
		weights[i] = 1
	}
	shares, dust := ledger.Split(total, weights)

	winners := make([]domain.Payout, 0, len(survivors))
	deltas := make(map[int64]domain.Stats, len(survivors))
	for i, p := range survivors {
		if shares[i] > 0 {
			winners = append(winners, domain.Payout{UserID: p.UserID, Amount: shares[i]})
		}
		deltas[p.UserID] = domain.Stats{EliminationsWon: 1}
	}

	if total > 0 {
		postings := ledger.Distribute(e.Escrow(), winners)
		if dust > 0 {
			postings[0].Amount -= dust
			postings = append(postings, domain.NewPosting(domain.PotAccount(e.GroupID), dust))
		}
		err := s.engine.Post(ctx, tx, domain.Journal{
			Key:      fmt.Sprintf("elimination:%s:payout", e.ID),
			GroupID:  e.GroupID,
			Type:     domain.JournalPayout,
			RefKind:  domain.RefElimination,
			RefID:    e.ID,
			Memo:     e.Title,
			Postings: postings,
		})
		if err != nil {
			return domain.Transition{}, err
		}
	}

	from := e.State
	e.Winners = winners
	e.Dust = dust
	e.CompletedAt = now
	e.Transition(domain.EliminationCompleted, time.Time{}, now)
	if err := tx.Eliminations().Update(ctx, e); err != nil {
		return domain.Transition{}, fmt.Errorf("update elimination: %w", err)
	}

	awards, err := s.engine.Record(ctx, tx, e.GroupID, deltas)
	if err != nil {
		return domain.Transition{}, err
	}
	if len(survivors) == 0 {
		note = "nobody survived; the buy-ins went to the pot"
	}
	return transition(e, from, winners, awards, note), nil
}

// cancel refunds every buy-in.
func (s *Service) cancel(ctx context.Context, tx store.Tx, e *domain.EliminationChallenge, note string) (domain.Transition, error) {
	refunds := make([]domain.Payout, 0, len(e.Participants))
	for _, p := range e.Participants {
		refunds = append(refunds, domain.Payout{UserID: p.UserID, Amount: e.BuyIn})
	}
	if domain.SumPayouts(refunds) > 0 {
		err := s.engine.Post(ctx, tx, domain.Journal{
			Key:      fmt.Sprintf("elimination:%s:refund", e.ID),
			GroupID:  e.GroupID,
			Type:     domain.JournalRefund,
			RefKind:  domain.RefElimination,
			RefID:    e.ID,
			Memo:     e.Title,
			Postings: ledger.Distribute(e.Escrow(), refunds),
		})
		if err != nil {
			return domain.Transition{}, err
		}
	}

	now := s.engine.Now()
	from := e.State
	e.Transition(domain.EliminationCancelled, time.Time{}, now)
	if err := tx.Eliminations().Update(ctx, e); err != nil {
		return domain.Transition{}, fmt.Errorf("update elimination: %w", err)
	}
	return transition(e, from, refunds, nil, note), nil
}

// Tick starts challenges at their start time, cancelling those without
// enough participants, and ends deadline-mode challenges.
func (s *Service) Tick(ctx context.Context) ([]domain.Transition, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("elimination service is not initialized")
	}

	now := s.engine.Now()
	var due []*domain.EliminationChallenge
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = tx.Eliminations().Due(ctx, []string{domain.EliminationOpen, domain.EliminationActive}, now, tickBatch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list due eliminations: %w", err)
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
			e, err := tx.Eliminations().Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if e.DueAt == nil || e.DueAt.After(now) {
				return nil
			}

			switch {
			case e.State == domain.EliminationOpen && len(e.Participants) < e.MinParticipants:
				t, err = s.cancel(ctx, tx, e, "not enough participants")
			case e.State == domain.EliminationOpen:
				var endsAt time.Time
				if e.Mode == domain.EliminationDeadline {
					endsAt = e.EndsAt
				}
				e.Transition(domain.EliminationActive, endsAt, now)
				if err = tx.Eliminations().Update(ctx, e); err != nil {
					return fmt.Errorf("update elimination: %w", err)
				}
				t = transition(e, domain.EliminationOpen, nil, nil, "started")
			case e.State == domain.EliminationActive:
				t, err = s.complete(ctx, tx, e, "time is up")
			default:
				return nil
			}
			changed = err == nil
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("advance elimination %s: %w", candidate.ID, err))
			continue
		}
		if changed {
			transitions = append(transitions, t)
		}
	}

	return transitions, errors.Join(errs...)
}

func transition(e *domain.EliminationChallenge, from string, payouts []domain.Payout, awards []domain.BadgeAward, note string) domain.Transition {
	return domain.Transition{
		Kind:     domain.RefElimination,
		GroupID:  e.GroupID,
		EntityID: e.ID,
		Title:    e.Title,
		From:     from,
		To:       e.State,
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
		Entity:   domain.RefElimination,
		EntityID: id,
	})
}

func load(ctx context.Context, tx store.Tx, groupID int64, id string) (*domain.EliminationChallenge, error) {
	e, err := tx.Eliminations().Get(ctx, id)
	if err != nil {
		return nil, feature.NotFound(err, domain.ErrEliminationNotFound)
	}
	if e.GroupID != groupID {
		return nil, domain.ErrEliminationNotFound
	}
	return e, nil
}
