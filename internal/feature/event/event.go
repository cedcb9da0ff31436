// Package event schedules meetups. Members RSVP before the start, the
// organiser marks who showed up, and when the attendance window closes the
// attendees receive a bonus while members who said they were going and did
// not come pay a penalty into the pot.
package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature"
	"tg_wager_bot/internal/logging"
	"tg_wager_bot/internal/store"
)

const tickBatch = 100

var activeStates = []string{domain.EventUpcoming, domain.EventAttendance}

// Service implements the event lifecycle.
type Service struct {
	engine *feature.Engine
	window time.Duration
}

// NewService constructs a Service. window is how long after the start
// attendance can be recorded.
func NewService(engine *feature.Engine, window time.Duration) *Service {
	return &Service{engine: engine, window: window}
}

// CreateParams describes a new event.
type CreateParams struct {
	GroupID   int64
	CreatorID int64
	Title     string
	StartsAt  time.Time
	Bonus     int64
	Penalty   int64
}

// Create schedules an event.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Event, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("event service is not initialized")
	}

	now := s.engine.Now()
	title := strings.TrimSpace(p.Title)
	switch {
	case title == "":
		return nil, domain.ErrTitleRequired
	case p.Bonus < 0 || p.Penalty < 0:
		return nil, domain.ErrInvalidAmount
	case !p.StartsAt.After(now):
		return nil, domain.ErrDeadlinePassed
	}

	startsAt := p.StartsAt.UTC().Truncate(time.Millisecond)
	e := &domain.Event{
		Meta: domain.Meta{
			GroupID:   p.GroupID,
			CreatedAt: now,
		},
		CreatorID:       p.CreatorID,
		Title:           title,
		StartsAt:        startsAt,
		AttendanceUntil: startsAt.Add(s.window),
		AttendanceBonus: p.Bonus,
		NoShowPenalty:   p.Penalty,
		RSVPs:           []domain.RSVP{},
		Attendees:       []int64{},
	}
	e.Transition(domain.EventUpcoming, startsAt, now)

	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := feature.RequireMember(ctx, tx, p.GroupID, p.CreatorID); err != nil {
			return err
		}
		return feature.Insert(ctx, tx.Events(), e, func(id string) { e.ID = id })
	})
	if err != nil {
		return nil, err
	}

	s.log(e.GroupID, e.ID, e.CreatorID, "event_created").
		WithFields(logging.Fields{"bonus": e.AttendanceBonus, "penalty": e.NoShowPenalty}).
		Info("created event")
	return e, nil
}

// Get loads an event of the group.
func (s *Service) Get(ctx context.Context, groupID int64, id string) (*domain.Event, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("event service is not initialized")
	}

	var e *domain.Event
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		e, err = load(ctx, tx, groupID, id)
		return err
	})
	return e, err
}

// List returns the group's upcoming and running events, newest first.
func (s *Service) List(ctx context.Context, groupID int64) ([]*domain.Event, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("event service is not initialized")
	}

	var events []*domain.Event
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		events, err = tx.Events().ListByGroup(ctx, groupID, activeStates, 20)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// RSVP records or changes a member's answer before the start.
func (s *Service) RSVP(ctx context.Context, groupID int64, id string, userID int64, going bool) (*domain.Event, error) {
	return s.update(ctx, groupID, id, userID, "event_rsvp", func(ctx context.Context, tx store.Tx, e *domain.Event, now time.Time) error {
		if e.State != domain.EventUpcoming || !now.Before(e.StartsAt) {
			return domain.ErrEventStarted
		}
		if _, err := feature.RequireMember(ctx, tx, groupID, userID); err != nil {
			return err
		}
		for i := range e.RSVPs {
			if e.RSVPs[i].UserID == userID {
				e.RSVPs[i].Going = going
				e.RSVPs[i].RespondedAt = now
				return nil
			}
		}
		e.RSVPs = append(e.RSVPs, domain.RSVP{UserID: userID, Going: going, RespondedAt: now})
		return nil
	})
}

// MarkAttended records that a member showed up. Only the organiser or an
// admin can do it, and only inside the attendance window.
func (s *Service) MarkAttended(ctx context.Context, groupID int64, id string, actor domain.Actor, userID int64) (*domain.Event, error) {
	return s.update(ctx, groupID, id, actor.UserID, "event_attended", func(ctx context.Context, tx store.Tx, e *domain.Event, now time.Time) error {
		if !actor.CanModerate(e.CreatorID) {
			return domain.ErrNotAuthorized
		}
		open := e.State == domain.EventUpcoming || e.State == domain.EventAttendance
		if !open || now.Before(e.StartsAt) || !now.Before(e.AttendanceUntil) {
			return domain.ErrAttendanceClosed
		}
		if e.Attended(userID) {
			return domain.ErrAlreadyAttended
		}
		if _, err := feature.RequireMember(ctx, tx, groupID, userID); err != nil {
			return err
		}
		e.Attendees = append(e.Attendees, userID)
		return nil
	})
}

func (s *Service) update(ctx context.Context, groupID int64, id string, userID int64, event string, apply func(context.Context, store.Tx, *domain.Event, time.Time) error) (*domain.Event, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("event service is not initialized")
	}

	var e *domain.Event
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if e, err = load(ctx, tx, groupID, id); err != nil {
			return err
		}
		now := s.engine.Now()
		if err := apply(ctx, tx, e, now); err != nil {
			return err
		}
		e.UpdatedAt = now
		if err := tx.Events().Update(ctx, e); err != nil {
			return fmt.Errorf("update event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(groupID, id, userID, event).Info("updated event")
	return e, nil
}

// Cancel calls off an event before it starts.
func (s *Service) Cancel(ctx context.Context, groupID int64, id string, actor domain.Actor) (domain.Transition, error) {
	if s == nil || s.engine == nil {
		return domain.Transition{}, errors.New("event service is not initialized")
	}

	var t domain.Transition
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := load(ctx, tx, groupID, id)
		if err != nil {
			return err
		}
		if !actor.CanModerate(e.CreatorID) {
			return domain.ErrNotAuthorized
		}
		now := s.engine.Now()
		if e.State != domain.EventUpcoming || !now.Before(e.StartsAt) {
			return domain.ErrNotCancellable
		}
		e.Transition(domain.EventCancelled, time.Time{}, now)
		if err := tx.Events().Update(ctx, e); err != nil {
			return fmt.Errorf("update event: %w", err)
		}
		t = transition(e, domain.EventUpcoming, nil, nil, "cancelled")
		return nil
	})
	if err != nil {
		return domain.Transition{}, err
	}

	s.log(groupID, id, actor.UserID, "event_cancelled").Info("cancelled event")
	return t, nil
}

// complete mints the bonus to every attendee and moves the no-show
// penalties into the pot. A penalty never takes more than the member holds.
func (s *Service) complete(ctx context.Context, tx store.Tx, e *domain.Event) (domain.Transition, error) {
	now := s.engine.Now()

	var bonuses []domain.Payout
	deltas := make(map[int64]domain.Stats, len(e.Attendees))
	for _, userID := range e.Attendees {
		deltas[userID] = domain.Stats{EventsAttended: 1}
		if e.AttendanceBonus > 0 {
			bonuses = append(bonuses, domain.Payout{UserID: userID, Amount: e.AttendanceBonus})
		}
	}
	if len(bonuses) > 0 {
		postings := []domain.Posting{domain.NewPosting(domain.SystemAccount(e.GroupID), -domain.SumPayouts(bonuses))}
		for _, b := range bonuses {
			postings = append(postings, domain.NewPosting(domain.UserAccount(e.GroupID, b.UserID), b.Amount))
		}
		err := s.engine.Post(ctx, tx, domain.Journal{
			Key:      fmt.Sprintf("event:%s:bonus", e.ID),
			GroupID:  e.GroupID,
			Type:     domain.JournalBonus,
			RefKind:  domain.RefEvent,
			RefID:    e.ID,
			Memo:     e.Title,
			Postings: postings,
		})
		if err != nil {
			return domain.Transition{}, err
		}
	}

	var penalized []domain.Payout
	if e.NoShowPenalty > 0 {
		var postings []domain.Posting
		for _, userID := range e.NoShows() {
			account, err := tx.Accounts().Get(ctx, domain.UserAccount(e.GroupID, userID))
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return domain.Transition{}, fmt.Errorf("load no-show: %w", err)
			}
			take := min(max(account.Balance, 0), e.NoShowPenalty)
			if take == 0 {
				continue
			}
			penalized = append(penalized, domain.Payout{UserID: userID, Amount: take})
			postings = append(postings, domain.NewPosting(account.ID, -take))
		}
		if total := domain.SumPayouts(penalized); total > 0 {
			postings = append(postings, domain.NewPosting(domain.PotAccount(e.GroupID), total))
			err := s.engine.Post(ctx, tx, domain.Journal{
				Key:      fmt.Sprintf("event:%s:penalty", e.ID),
				GroupID:  e.GroupID,
				Type:     domain.JournalPenalty,
				RefKind:  domain.RefEvent,
				RefID:    e.ID,
				Memo:     e.Title,
				Postings: postings,
			})
			if err != nil {
				return domain.Transition{}, err
			}
		}
	}

	from := e.State
	e.Penalized = penalized
	e.Transition(domain.EventCompleted, time.Time{}, now)
	if err := tx.Events().Update(ctx, e); err != nil {
		return domain.Transition{}, fmt.Errorf("update event: %w", err)
	}

	awards, err := s.engine.Record(ctx, tx, e.GroupID, deltas)
	if err != nil {
		return domain.Transition{}, err
	}

	note := fmt.Sprintf("%d attended", len(e.Attendees))
	if n := len(penalized); n > 0 {
		note += fmt.Sprintf(", %d no-shows paid %d into the pot", n, domain.SumPayouts(penalized))
	}
	return transition(e, from, bonuses, awards, note), nil
}

// Tick opens attendance at the start and settles events whose attendance
// window has closed.
func (s *Service) Tick(ctx context.Context) ([]domain.Transition, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("event service is not initialized")
	}

	now := s.engine.Now()
	var due []*domain.Event
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = tx.Events().Due(ctx, activeStates, now, tickBatch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list due events: %w", err)
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
			e, err := tx.Events().Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if e.DueAt == nil || e.DueAt.After(now) {
				return nil
			}

			switch e.State {
			case domain.EventUpcoming:
				e.Transition(domain.EventAttendance, e.AttendanceUntil, now)
				if err = tx.Events().Update(ctx, e); err != nil {
					return fmt.Errorf("update event: %w", err)
				}
				t = transition(e, domain.EventUpcoming, nil, nil, "attendance is open")
			case domain.EventAttendance:
				t, err = s.complete(ctx, tx, e)
			default:
				return nil
			}
			changed = err == nil
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("advance event %s: %w", candidate.ID, err))
			continue
		}
		if changed {
			transitions = append(transitions, t)
		}
	}

	return transitions, errors.Join(errs...)
}

func transition(e *domain.Event, from string, payouts []domain.Payout, awards []domain.BadgeAward, note string) domain.Transition {
	return domain.Transition{
		Kind:     domain.RefEvent,
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
		Entity:   domain.RefEvent,
		EntityID: id,
	})
}

func load(ctx context.Context, tx store.Tx, groupID int64, id string) (*domain.Event, error) {
	e, err := tx.Events().Get(ctx, id)
	if err != nil {
		return nil, feature.NotFound(err, domain.ErrEventNotFound)
	}
	if e.GroupID != groupID {
		return nil, domain.ErrEventNotFound
	}
	return e, nil
}
