package telegram

import (
	"context"
	"errors"

	"github.com/go-telegram/bot"

	"tg_wager_bot/internal/domain"
)

// GroupFetcher loads tracked chats.
type GroupFetcher interface {
	GetByChatID(ctx context.Context, chatID int64) (domain.Group, error)
}

// Notifier posts scheduled transitions to their group chat.
type Notifier struct {
	outbox *Outbox
	names  names
	groups GroupFetcher
}

// NewNotifier constructs a Notifier. users and groups may be nil.
func NewNotifier(outbox *Outbox, users UserFetcher, groups GroupFetcher) *Notifier {
	return &Notifier{outbox: outbox, names: names{users: users}, groups: groups}
}

// Notify sends the transition summary to t.GroupID. Groups the bot has been
// removed from are skipped; their entities still resolve.
func (n *Notifier) Notify(ctx context.Context, t domain.Transition) error {
	if n == nil || n.outbox == nil {
		return errors.New("notifier is not initialized")
	}
	if t.GroupID == 0 {
		return errors.New("transition has no group")
	}

	if n.groups != nil {
		g, err := n.groups.GetByChatID(ctx, t.GroupID)
		switch {
		case err == nil && !g.Active:
			return nil
		case err != nil && !errors.Is(err, domain.ErrGroupNotFound):
			return err
		}
	}

	return n.outbox.Send(ctx, &bot.SendMessageParams{
		ChatID: t.GroupID,
		Text:   formatTransition(ctx, n.names, t),
	})
}
