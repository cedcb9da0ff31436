// Package wager runs group bets: members stake a fixed amount on an option or
// a number, and the winners share the escrow when the wager is settled.
package wager

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

const (
	// MinOptions and MaxOptions bound multiple-choice wagers.
	MinOptions = 2
	MaxOptions = 10

	tickBatch = 100
)

// activeStates are listed by /wagers.
var activeStates = []string{domain.WagerOpen, domain.WagerLocked, domain.WagerDisputed}

// Service implements the wager lifecycle.
type Service struct {
	engine      *feature.Engine
	settleGrace time.Duration
}

// NewService constructs a Service. Locked wagers that are not settled within
// settleGrace after the betting deadline are cancelled with refunds.
func NewService(engine *feature.Engine, settleGrace time.Duration) *Service {
	return &Service{engine: engine, settleGrace: settleGrace}
}

// CreateParams describes a new wager.
type CreateParams struct {
	GroupID   int64
	CreatorID int64
	Title     string
	Type      domain.WagerType
	Options   []string
	Stake     int64
	Deadline  time.Time
}

// Create opens a wager for entries until the deadline.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Wager, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("wager service is not initialized")
	}

	now := s.engine.Now()
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, domain.ErrTitleRequired
	}
	if p.Stake <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if !p.Deadline.After(now) {
		return nil, domain.ErrDeadlinePassed
	}

	var options []string
	switch p.Type {
	case domain.WagerBinary, domain.WagerNumeric:
	case domain.WagerMultipleChoice:
		var err error
		if options, err = normalizeOptions(p.Options); err != nil {
			return nil, err
		}
	default:
		return nil, domain.ErrWrongWagerType
	}

	w := &domain.Wager{
		Meta: domain.Meta{
			GroupID:   p.GroupID,
			State:     domain.WagerOpen,
			CreatedAt: now,
			UpdatedAt: now,
		},
		CreatorID:       p.CreatorID,
		Title:           title,
		Type:            p.Type,
		Options:         options,
		Stake:           p.Stake,
		BettingDeadline: p.Deadline.UTC().Truncate(time.Millisecond),
		Entries:         []domain.WagerEntry{},
	}
	w.Transition(domain.WagerOpen, w.BettingDeadline, now)

	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := feature.RequireMember(ctx, tx, p.GroupID, p.CreatorID); err != nil {
			return err
		}
		return feature.Insert(ctx, tx.Wagers(), w, func(id string) { w.ID = id })
	})
	if err != nil {
		return nil, err
	}

	s.log(w.GroupID, w.ID, p.CreatorID, "wager_created").
		WithFields(logging.Fields{"type": w.Type, "stake": w.Stake}).
		Info("created wager")
	return w, nil
}

func normalizeOptions(raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	options := make([]string, 0, len(raw))
	for _, opt := range raw {
		opt = strings.TrimSpace(opt)
		key := strings.ToLower(opt)
		if opt == "" || seen[key] {
			return nil, domain.ErrInvalidOptions
		}
		seen[key] = true
		options = append(options, opt)
	}
	if len(options) < MinOptions || len(options) > MaxOptions {
		return nil, domain.ErrInvalidOptions
	}
	return options, nil
}

// Get loads a wager of the group.
func (s *Service) Get(ctx context.Context, groupID int64, id string) (*domain.Wager, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("wager service is not initialized")
	}

	var w *domain.Wager
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		w, err = load(ctx, tx, groupID, id)
		return err
	})
	return w, err
}

// List returns the group's unresolved wagers, newest first.
func (s *Service) List(ctx context.Context, groupID int64) ([]*domain.Wager, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("wager service is not initialized")
	}

	var wagers []*domain.Wager
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		wagers, err = tx.Wagers().ListByGroup(ctx, groupID, activeStates, 20)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list wagers: %w", err)
	}
	return wagers, nil
}

// Join places the member's stake on an option of a binary or
// multiple-choice wager.
func (s *Service) Join(ctx context.Context, groupID int64, id string, userID int64, choice int) (*domain.Wager, []domain.BadgeAward, error) {
	return s.enter(ctx, groupID, id, userID, func(w *domain.Wager) (domain.WagerEntry, error) {
		if w.Type == domain.WagerNumeric {
			return domain.WagerEntry{}, domain.ErrWrongWagerType
		}
		if choice < 0 || choice >= w.OptionCount() {
			return domain.WagerEntry{}, domain.ErrInvalidChoice
		}
		return domain.WagerEntry{Choice: choice}, nil
	})
}

// Guess places the member's stake on a number of a numeric wager.
func (s *Service) Guess(ctx context.Context, groupID int64, id string, userID int64, guess int64) (*domain.Wager, []domain.BadgeAward, error) {
	return s.enter(ctx, groupID, id, userID, func(w *domain.Wager) (domain.WagerEntry, error) {
		if w.Type != domain.WagerNumeric {
			return domain.WagerEntry{}, domain.ErrWrongWagerType
		}
		return domain.WagerEntry{Guess: guess}, nil
	})
}

func (s *Service) enter(ctx context.Context, groupID int64, id string, userID int64, pick func(*domain.Wager) (domain.WagerEntry, error)) (*domain.Wager, []domain.BadgeAward, error) {
	if s == nil || s.engine == nil {
		return nil, nil, errors.New("wager service is not initialized")
	}

	var (
		w      *domain.Wager
		awards []domain.BadgeAward
	)
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.engine.Now()
		var err error
		if w, err = load(ctx, tx, groupID, id); err != nil {
			return err
		}
		if w.State != domain.WagerOpen || !now.Before(w.BettingDeadline) {
			return domain.ErrWagerClosed
		}
		if w.IsParticipant(userID) {
			return domain.ErrAlreadyJoined
		}

		entry, err := pick(w)
		if err != nil {
			return err
		}
		entry.UserID = userID
		entry.Amount = w.Stake
		entry.PlacedAt = now

		if _, err := feature.RequireMember(ctx, tx, groupID, userID); err != nil {
			return err
		}
		err = s.engine.Post(ctx, tx, domain.Journal{
			Key:      fmt.Sprintf("wager:%s:stake:%d", w.ID, userID),
			GroupID:  groupID,
			Type:     domain.JournalStake,
			RefKind:  domain.RefWager,
			RefID:    w.ID,
			Memo:     w.Title,
			Postings: ledger.Move(domain.UserAccount(groupID, userID), w.Escrow(), w.Stake),
		})
		if err != nil {
			return err
		}

		w.Entries = append(w.Entries, entry)
		w.UpdatedAt = now
		if err := tx.Wagers().Update(ctx, w); err != nil {
			return fmt.Errorf("update wager: %w", err)
		}

		awards, err = s.engine.Record(ctx, tx, groupID, map[int64]domain.Stats{
			userID: {WagersJoined: 1, BiggestStake: w.Stake},
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.log(groupID, id, userID, "wager_joined").WithField("stake", w.Stake).Info("member joined wager")
	return w, awards, nil
}

// ValidateOutcome checks that the outcome fits the wager type.
func ValidateOutcome(w *domain.Wager, outcome domain.Outcome) error {
	if w.Type == domain.WagerNumeric {
		return nil
	}
	if outcome.Choice < 0 || outcome.Choice >= w.OptionCount() {
		return domain.ErrInvalidChoice
	}
	return nil
}

// SameOutcome reports whether two outcomes resolve the wager identically.
func SameOutcome(w *domain.Wager, a, b domain.Outcome) bool {
	if w.Type == domain.WagerNumeric {
		return a.Value == b.Value
	}
	return a.Choice == b.Choice
}

// Settle resolves the wager with the outcome and pays the winners. Only the
// creator or an admin may settle, once the betting deadline has passed.
func (s *Service) Settle(ctx context.Context, groupID int64, id string, actor domain.Actor, outcome domain.Outcome) (domain.Transition, error) {
	if s == nil || s.engine == nil {
		return domain.Transition{}, errors.New("wager service is not initialized")
	}

	var transition domain.Transition
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.engine.Now()
		w, err := load(ctx, tx, groupID, id)
		if err != nil {
			return err
		}
		if !actor.CanModerate(w.CreatorID) {
			return domain.ErrNotAuthorized
		}
		switch w.State {
		case domain.WagerSettled:
			return domain.ErrAlreadySettled
		case domain.WagerOpen:
			if now.Before(w.BettingDeadline) {
				return domain.ErrSettleTooEarly
			}
		case domain.WagerLocked:
		default:
			return domain.ErrNotSettleable
		}
		if err := ValidateOutcome(w, outcome); err != nil {
			return err
		}

		from := w.State
		deltas, err := s.settle(ctx, tx, w, outcome, w.TotalStaked(), now)
		if err != nil {
			return err
		}
		w.SettledBy = actor.UserID
		if err := tx.Wagers().Update(ctx, w); err != nil {
			return fmt.Errorf("update wager: %w", err)
		}

		awards, err := s.engine.Record(ctx, tx, groupID, deltas)
		if err != nil {
			return err
		}
		transition = s.transition(w, from, awards, "")
		return nil
	})
	if err != nil {
		return domain.Transition{}, err
	}

	s.log(groupID, id, actor.UserID, "wager_settled").
		WithFields(logging.Fields{"paid": domain.SumPayouts(transition.Payouts)}).
		Info("settled wager")
	return transition, nil
}

// settle distributes pool from the escrow under outcome and marks the wager
// settled. Winners share pro rata by stake; with no winner everyone is
// refunded pro rata. Rounding dust goes to the pot. It returns the stats
// deltas of the new entry results.
func (s *Service) settle(ctx context.Context, tx store.Tx, w *domain.Wager, outcome domain.Outcome, pool int64, now time.Time) (map[int64]domain.Stats, error) {
	winners := winningEntries(w, outcome)
	refund := len(winners) == 0

	weights := make([]int64, len(w.Entries))
	for i, e := range w.Entries {
		if refund || winners[i] {
			weights[i] = e.Amount
		}
	}
	shares, dust := ledger.Split(pool, weights)

	deltas := make(map[int64]domain.Stats, len(w.Entries))
	payouts := make([]domain.Payout, 0, len(w.Entries))
	for i := range w.Entries {
		e := &w.Entries[i]
		switch {
		case refund:
			e.Result = domain.ResultRefunded
		case winners[i]:
			e.Result = domain.ResultWon
			deltas[e.UserID] = deltas[e.UserID].Apply(domain.Stats{WagersWon: 1})
		default:
			e.Result = domain.ResultLost
			deltas[e.UserID] = deltas[e.UserID].Apply(domain.Stats{WagersLost: 1})
		}
		if shares[i] > 0 {
			payouts = append(payouts, domain.Payout{UserID: e.UserID, Amount: shares[i]})
		}
	}

	round := w.SettlementRound + 1
	if pool > 0 {
		postings := ledger.Distribute(w.Escrow(), payouts)
		if dust > 0 {
			postings[0].Amount -= dust
			postings = append(postings, domain.NewPosting(domain.PotAccount(w.GroupID), dust))
		}
		journalType := domain.JournalPayout
		if refund {
			journalType = domain.JournalRefund
		}
		err := s.engine.Post(ctx, tx, domain.Journal{
			Key:      fmt.Sprintf("wager:%s:settle:%d", w.ID, round),
			GroupID:  w.GroupID,
			Type:     journalType,
			RefKind:  domain.RefWager,
			RefID:    w.ID,
			Memo:     w.Title,
			Postings: postings,
		})
		if err != nil {
			return nil, err
		}
	}

	o := outcome
	w.Outcome = &o
	w.Payouts = payouts
	w.Dust = dust
	w.SettlementRound = round
	w.SettledAt = now
	w.Transition(domain.WagerSettled, time.Time{}, now)
	return deltas, nil
}

// winningEntries marks the entries that match the outcome. For numeric
// wagers every guess at the smallest distance wins.
func winningEntries(w *domain.Wager, outcome domain.Outcome) map[int]bool {
	winners := make(map[int]bool)
	if w.Type != domain.WagerNumeric {
		for i, e := range w.Entries {
			if e.Choice == outcome.Choice {
				winners[i] = true
			}
		}
		return winners
	}

	best, seen := uint64(0), false
	for _, e := range w.Entries {
		if d := distance(e.Guess, outcome.Value); !seen || d < best {
			best, seen = d, true
		}
	}
	for i, e := range w.Entries {
		if distance(e.Guess, outcome.Value) == best {
			winners[i] = true
		}
	}
	return winners
}

// distance is |a-b|, computed in uint64 so the full int64 range cannot wrap.
func distance(a, b int64) uint64 {
	if a > b {
		return uint64(a) - uint64(b)
	}
	return uint64(b) - uint64(a)
}

// Cancel refunds every entry. Only the creator or an admin may cancel, and
// only before settlement.
func (s *Service) Cancel(ctx context.Context, groupID int64, id string, actor domain.Actor) (domain.Transition, error) {
	if s == nil || s.engine == nil {
		return domain.Transition{}, errors.New("wager service is not initialized")
	}

	var transition domain.Transition
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := load(ctx, tx, groupID, id)
		if err != nil {
			return err
		}
		if !actor.CanModerate(w.CreatorID) {
			return domain.ErrNotAuthorized
		}
		transition, err = s.cancel(ctx, tx, w, "cancelled by "+fmt.Sprint(actor.UserID))
		return err
	})
	if err != nil {
		return domain.Transition{}, err
	}

	s.log(groupID, id, actor.UserID, "wager_cancelled").Info("cancelled wager")
	return transition, nil
}

func (s *Service) cancel(ctx context.Context, tx store.Tx, w *domain.Wager, note string) (domain.Transition, error) {
	if w.State != domain.WagerOpen && w.State != domain.WagerLocked {
		return domain.Transition{}, domain.ErrNotCancellable
	}

	now := s.engine.Now()
	payouts := make([]domain.Payout, 0, len(w.Entries))
	for i := range w.Entries {
		w.Entries[i].Result = domain.ResultRefunded
		payouts = append(payouts, domain.Payout{UserID: w.Entries[i].UserID, Amount: w.Entries[i].Amount})
	}

	if domain.SumPayouts(payouts) > 0 {
		err := s.engine.Post(ctx, tx, domain.Journal{
			Key:      fmt.Sprintf("wager:%s:cancel", w.ID),
			GroupID:  w.GroupID,
			Type:     domain.JournalRefund,
			RefKind:  domain.RefWager,
			RefID:    w.ID,
			Memo:     w.Title,
			Postings: ledger.Distribute(w.Escrow(), payouts),
		})
		if err != nil {
			return domain.Transition{}, err
		}
	}

	from := w.State
	w.Payouts = payouts
	w.Transition(domain.WagerCancelled, time.Time{}, now)
	if err := tx.Wagers().Update(ctx, w); err != nil {
		return domain.Transition{}, fmt.Errorf("update wager: %w", err)
	}
	return s.transition(w, from, nil, note), nil
}

// Resettle reverses a disputed settlement and settles again under the
// corrected outcome inside the caller's transaction. Previous payouts are
// clawed back as far as the payees' balances allow; the pot covers the dust
// and what the payees could not return, as far as it can. Whatever was
// recovered is redistributed; the rest is reported as shortfall.
func (s *Service) Resettle(ctx context.Context, tx store.Tx, w *domain.Wager, outcome domain.Outcome) (domain.DisputeResolution, []domain.BadgeAward, error) {
	if s == nil || s.engine == nil {
		return domain.DisputeResolution{}, nil, errors.New("wager service is not initialized")
	}
	if w.State != domain.WagerDisputed || w.Outcome == nil {
		return domain.DisputeResolution{}, nil, domain.ErrNotSettleable
	}
	if err := ValidateOutcome(w, outcome); err != nil {
		return domain.DisputeResolution{}, nil, err
	}

	now := s.engine.Now()
	round := w.SettlementRound + 1
	owed := domain.SumPayouts(w.Payouts) + w.Dust

	var (
		postings []domain.Posting
		clawed   int64
	)
	for _, p := range w.Payouts {
		account, err := tx.Accounts().Get(ctx, domain.UserAccount(w.GroupID, p.UserID))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return domain.DisputeResolution{}, nil, fmt.Errorf("load payee: %w", err)
		}
		take := min(max(account.Balance, 0), p.Amount)
		if take > 0 {
			postings = append(postings, domain.NewPosting(domain.UserAccount(w.GroupID, p.UserID), -take))
			clawed += take
		}
	}

	pot, err := tx.Accounts().Get(ctx, domain.PotAccount(w.GroupID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.DisputeResolution{}, nil, fmt.Errorf("load pot: %w", err)
	}
	fromPot := min(max(pot.Balance, 0), owed-clawed)
	if fromPot > 0 {
		postings = append(postings, domain.NewPosting(domain.PotAccount(w.GroupID), -fromPot))
	}

	recovered := clawed + fromPot
	if recovered > 0 {
		postings = append(postings, domain.NewPosting(w.Escrow(), recovered))
		err := s.engine.Post(ctx, tx, domain.Journal{
			Key:      fmt.Sprintf("wager:%s:clawback:%d", w.ID, round),
			GroupID:  w.GroupID,
			Type:     domain.JournalClawback,
			RefKind:  domain.RefWager,
			RefID:    w.ID,
			Memo:     w.Title,
			Postings: postings,
		})
		if err != nil {
			return domain.DisputeResolution{}, nil, err
		}
	}

	deltas := make(map[int64]domain.Stats, len(w.Entries))
	for _, e := range w.Entries {
		switch e.Result {
		case domain.ResultWon:
			deltas[e.UserID] = deltas[e.UserID].Apply(domain.Stats{WagersWon: -1})
		case domain.ResultLost:
			deltas[e.UserID] = deltas[e.UserID].Apply(domain.Stats{WagersLost: -1})
		}
	}

	next, err := s.settle(ctx, tx, w, outcome, recovered, now)
	if err != nil {
		return domain.DisputeResolution{}, nil, err
	}
	for userID, delta := range next {
		deltas[userID] = deltas[userID].Apply(delta)
	}
	if err := tx.Wagers().Update(ctx, w); err != nil {
		return domain.DisputeResolution{}, nil, fmt.Errorf("update wager: %w", err)
	}

	awards, err := s.engine.Record(ctx, tx, w.GroupID, deltas)
	if err != nil {
		return domain.DisputeResolution{}, nil, err
	}

	resolution := domain.DisputeResolution{
		Recovered: recovered,
		Shortfall: owed - recovered,
		Payouts:   w.Payouts,
	}
	s.log(w.GroupID, w.ID, 0, "wager_resettled").
		WithFields(logging.Fields{"recovered": resolution.Recovered, "shortfall": resolution.Shortfall, "round": w.SettlementRound}).
		Info("resettled disputed wager")
	return resolution, awards, nil
}

// Tick locks wagers whose betting deadline passed and cancels locked wagers
// that were not settled within the grace period.
func (s *Service) Tick(ctx context.Context) ([]domain.Transition, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("wager service is not initialized")
	}

	now := s.engine.Now()
	var due []*domain.Wager
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = tx.Wagers().Due(ctx, []string{domain.WagerOpen, domain.WagerLocked}, now, tickBatch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list due wagers: %w", err)
	}

	var (
		transitions []domain.Transition
		errs        []error
	)
	for _, candidate := range due {
		var (
			transition domain.Transition
			changed    bool
		)
		err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
			w, err := tx.Wagers().Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if w.DueAt == nil || w.DueAt.After(now) {
				return nil
			}

			switch w.State {
			case domain.WagerOpen:
				w.Transition(domain.WagerLocked, w.BettingDeadline.Add(s.settleGrace), now)
				if err := tx.Wagers().Update(ctx, w); err != nil {
					return fmt.Errorf("update wager: %w", err)
				}
				transition = s.transition(w, domain.WagerOpen, nil, "betting closed")
			case domain.WagerLocked:
				if transition, err = s.cancel(ctx, tx, w, "not settled in time"); err != nil {
					return err
				}
			default:
				return nil
			}
			changed = true
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("advance wager %s: %w", candidate.ID, err))
			continue
		}
		if changed {
			transitions = append(transitions, transition)
		}
	}

	return transitions, errors.Join(errs...)
}

func (s *Service) transition(w *domain.Wager, from string, awards []domain.BadgeAward, note string) domain.Transition {
	return domain.Transition{
		Kind:     domain.RefWager,
		GroupID:  w.GroupID,
		EntityID: w.ID,
		Title:    w.Title,
		From:     from,
		To:       w.State,
		Payouts:  w.Payouts,
		Badges:   awards,
		Note:     note,
	}
}

func (s *Service) log(groupID int64, id string, userID int64, event string) *logrus.Entry {
	return s.engine.Log(logging.Context{
		ChatID:   groupID,
		UserID:   userID,
		Event:    event,
		Entity:   domain.RefWager,
		EntityID: id,
	})
}

func load(ctx context.Context, tx store.Tx, groupID int64, id string) (*domain.Wager, error) {
	w, err := tx.Wagers().Get(ctx, id)
	if err != nil {
		return nil, feature.NotFound(err, domain.ErrWagerNotFound)
	}
	if w.GroupID != groupID {
		return nil, domain.ErrWagerNotFound
	}
	return w, nil
}
