// Package points exposes member wallets: balances, leaderboards, tips, and
// admin adjustments.
package points

import (
	"context"
	"errors"
	"fmt"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature"
	"tg_wager_bot/internal/ledger"
	"tg_wager_bot/internal/logging"
	"tg_wager_bot/internal/store"
)

// DefaultLimit bounds leaderboard and history listings.
const DefaultLimit = 10

// Service implements the wallet operations of a group.
type Service struct {
	engine   *feature.Engine
	starting int64
}

// NewService constructs a Service granting starting points to new members.
func NewService(engine *feature.Engine, starting int64) *Service {
	return &Service{engine: engine, starting: starting}
}

// Open creates the member's wallet with the starting grant when missing. It
// reports whether the grant was made by this call.
func (s *Service) Open(ctx context.Context, groupID, userID int64) (domain.Account, bool, error) {
	if s == nil || s.engine == nil {
		return domain.Account{}, false, errors.New("points service is not initialized")
	}

	var (
		account domain.Account
		granted bool
	)
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		account, granted, err = s.engine.Ledger.OpenAccount(ctx, tx, groupID, userID, s.starting)
		return err
	})
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("open account: %w", err)
	}

	if granted {
		logging.WithContext(logging.Context{ChatID: groupID, UserID: userID, Event: "account_opened"}).
			WithField("starting_balance", s.starting).
			Info("opened member account")
	}
	return account, granted, nil
}

// Balance returns the member's wallet.
func (s *Service) Balance(ctx context.Context, groupID, userID int64) (domain.Account, error) {
	if s == nil || s.engine == nil {
		return domain.Account{}, errors.New("points service is not initialized")
	}

	var account domain.Account
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		account, err = feature.RequireMember(ctx, tx, groupID, userID)
		return err
	})
	return account, err
}

// Leaderboard returns the richest members of the group.
func (s *Service) Leaderboard(ctx context.Context, groupID int64, limit int) ([]domain.Account, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("points service is not initialized")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	var accounts []domain.Account
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		accounts, err = tx.Accounts().ListByGroup(ctx, groupID, domain.AccountUser, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	return accounts, nil
}

// History returns the latest journals touching the member's wallet.
func (s *Service) History(ctx context.Context, groupID, userID int64, limit int) ([]domain.Journal, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("points service is not initialized")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	var journals []domain.Journal
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := feature.RequireMember(ctx, tx, groupID, userID); err != nil {
			return err
		}
		var err error
		journals, err = tx.Journals().ListForAccount(ctx, domain.UserAccount(groupID, userID), limit)
		return err
	})
	return journals, err
}

// Pot returns the group pot balance.
func (s *Service) Pot(ctx context.Context, groupID int64) (int64, error) {
	if s == nil || s.engine == nil {
		return 0, errors.New("points service is not initialized")
	}

	var balance int64
	err := s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		account, err := tx.Accounts().Get(ctx, domain.PotAccount(groupID))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		balance = account.Balance
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load pot: %w", err)
	}
	return balance, nil
}

// Tip moves points between two members. ref identifies the chat message
// that asked for it; a repeated ref moves nothing.
func (s *Service) Tip(ctx context.Context, groupID, fromID, toID, amount int64, ref string) error {
	if s == nil || s.engine == nil {
		return errors.New("points service is not initialized")
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if fromID == toID {
		return domain.ErrSelfAction
	}
	key, err := requestKey("tip", groupID, ref)
	if err != nil {
		return err
	}

	var replayed bool
	err = s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := feature.RequireMember(ctx, tx, groupID, fromID); err != nil {
			return err
		}
		if _, err := feature.RequireMember(ctx, tx, groupID, toID); err != nil {
			return err
		}
		replayed, err = s.postOnce(ctx, tx, domain.Journal{
			Key:      key,
			GroupID:  groupID,
			Type:     domain.JournalTransfer,
			RefKind:  domain.RefMember,
			RefID:    fmt.Sprintf("%d", toID),
			Memo:     "tip",
			Postings: ledger.Move(domain.UserAccount(groupID, fromID), domain.UserAccount(groupID, toID), amount),
		})
		return err
	})
	if err != nil {
		return err
	}

	s.logPosted(key, replayed, logging.Context{ChatID: groupID, UserID: fromID, Event: "points_tipped"},
		logging.Fields{"to_user_id": toID, "amount": amount}, "member tipped points")
	return nil
}

// Grant mints points into a member's wallet.
func (s *Service) Grant(ctx context.Context, groupID int64, actor domain.Actor, targetID, amount int64, ref string) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	return s.adjust(ctx, groupID, actor, targetID, amount, ref)
}

// Deduct burns points from a member's wallet. It fails rather than overdraw.
func (s *Service) Deduct(ctx context.Context, groupID int64, actor domain.Actor, targetID, amount int64, ref string) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	return s.adjust(ctx, groupID, actor, targetID, -amount, ref)
}

func (s *Service) adjust(ctx context.Context, groupID int64, actor domain.Actor, targetID, delta int64, ref string) error {
	if s == nil || s.engine == nil {
		return errors.New("points service is not initialized")
	}
	if !actor.Admin {
		return domain.ErrNotAuthorized
	}
	if delta == 0 {
		return domain.ErrInvalidAmount
	}
	key, err := requestKey("adjust", groupID, ref)
	if err != nil {
		return err
	}

	system := domain.SystemAccount(groupID)
	wallet := domain.UserAccount(groupID, targetID)
	postings := ledger.Move(system, wallet, delta)
	if delta < 0 {
		postings = ledger.Move(wallet, system, -delta)
	}

	var replayed bool
	err = s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := feature.RequireMember(ctx, tx, groupID, targetID); err != nil {
			return err
		}
		replayed, err = s.postOnce(ctx, tx, domain.Journal{
			Key:      key,
			GroupID:  groupID,
			Type:     domain.JournalAdjustment,
			RefKind:  domain.RefMember,
			RefID:    fmt.Sprintf("%d", targetID),
			Memo:     fmt.Sprintf("adjusted by %d", actor.UserID),
			Postings: postings,
		})
		return err
	})
	if err != nil {
		return err
	}

	s.logPosted(key, replayed, logging.Context{ChatID: groupID, UserID: actor.UserID, Event: "points_adjusted"},
		logging.Fields{"target_user_id": targetID, "delta": delta}, "admin adjusted points")
	return nil
}

// Prize pays points out of the group pot to a member.
func (s *Service) Prize(ctx context.Context, groupID int64, actor domain.Actor, targetID, amount int64, ref string) error {
	if s == nil || s.engine == nil {
		return errors.New("points service is not initialized")
	}
	if !actor.Admin {
		return domain.ErrNotAuthorized
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	key, err := requestKey("prize", groupID, ref)
	if err != nil {
		return err
	}

	var replayed bool
	err = s.engine.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := feature.RequireMember(ctx, tx, groupID, targetID); err != nil {
			return err
		}
		replayed, err = s.postOnce(ctx, tx, domain.Journal{
			Key:      key,
			GroupID:  groupID,
			Type:     domain.JournalPrize,
			RefKind:  domain.RefMember,
			RefID:    fmt.Sprintf("%d", targetID),
			Memo:     fmt.Sprintf("prize from %d", actor.UserID),
			Postings: ledger.Move(domain.PotAccount(groupID), domain.UserAccount(groupID, targetID), amount),
		})
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return domain.ErrPotTooSmall
		}
		return err
	})
	if err != nil {
		return err
	}

	s.logPosted(key, replayed, logging.Context{ChatID: groupID, UserID: actor.UserID, Event: "prize_paid"},
		logging.Fields{"target_user_id": targetID, "amount": amount}, "paid prize from pot")
	return nil
}

// requestKey is the journal key of a member request, unique per chat message.
func requestKey(kind string, groupID int64, ref string) (string, error) {
	if ref == "" {
		return "", errors.New("request reference is required")
	}
	return fmt.Sprintf("%s:%d:%s", kind, groupID, ref), nil
}

// postOnce posts the journal and reports a key that was already posted as a
// replay instead of an error.
func (s *Service) postOnce(ctx context.Context, tx store.Tx, journal domain.Journal) (bool, error) {
	err := s.engine.Post(ctx, tx, journal)
	if errors.Is(err, ledger.ErrAlreadyPosted) {
		return true, nil
	}
	return false, err
}

func (s *Service) logPosted(key string, replayed bool, lc logging.Context, fields logging.Fields, msg string) {
	entry := logging.WithContext(lc).WithFields(fields).WithField("journal", key)
	if replayed {
		entry.Debug("request already applied")
		return
	}
	entry.Info(msg)
}
