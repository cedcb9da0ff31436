// Package telegram hosts the Telegram client, command routing, and the
// outbound message path.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_wager_bot/internal/config"
	"tg_wager_bot/internal/logging"
	"tg_wager_bot/internal/metrics"
)

type botAPI interface {
	Start(ctx context.Context)
	messageSender
	chatAPI
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"edited_message",
		"callback_query",
		"my_chat_member",
		"chat_member",
	}

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		return bot.New(token, options...)
	}
)

// Client wraps the Telegram bot instance, its router, and the outbox shared
// with the scheduler's notifier.
type Client struct {
	bot     botAPI
	router  *Router
	outbox  *Outbox
	groups  GroupFetcher
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// Option wires a dependency into the client.
type Option func(*Client)

// WithServices sets the feature services behind the commands.
func WithServices(s Services) Option {
	return func(c *Client) {
		c.router.services = s
	}
}

// WithUserRegistrar registers members and opens their wallets.
func WithUserRegistrar(m MemberRegistrar) Option {
	return func(c *Client) {
		c.router.members = m
	}
}

// WithGroupRegistrar tracks the chats the bot is in.
func WithGroupRegistrar(g GroupRegistrar) Option {
	return func(c *Client) {
		c.router.groups = g
	}
}

// WithRoleManager enables /promote and /demote.
func WithRoleManager(m RoleManager) Option {
	return func(c *Client) {
		c.router.roles = m
	}
}

// WithUserFetcher resolves display names and bot roles.
func WithUserFetcher(u UserFetcher) Option {
	return func(c *Client) {
		c.router.users = u
	}
}

// WithGroupFetcher lets the notifier skip groups the bot has left.
func WithGroupFetcher(g GroupFetcher) Option {
	return func(c *Client) {
		c.groups = g
	}
}

// WithStatsProvider enables the counts in /stats.
func WithStatsProvider(p StatsProvider) Option {
	return func(c *Client) {
		c.router.stats = p
	}
}

// WithMongoChecker reports database status in /stats.
func WithMongoChecker(m MongoChecker) Option {
	return func(c *Client) {
		c.router.mongo = m
	}
}

// WithProcessStart sets the instant /stats measures uptime from.
func WithProcessStart(t time.Time) Option {
	return func(c *Client) {
		c.router.startedAt = t
	}
}

// WithMetrics counts outbound messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient initializes the Telegram bot with long polling and the command
// router.
func NewClient(cfg config.Config, logger *logrus.Entry, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	c := &Client{
		router: newRouter(logger),
		logger: logger,
	}
	c.router.ownerID = cfg.BotOwnerID
	for _, opt := range opts {
		opt(c)
	}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(defaultHandler(logger, c.router.Handle)),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}

	c.bot = tgBot
	c.outbox = NewOutbox(tgBot, cfg.TelegramRateLimit, c.metrics, logger)
	c.router.api = tgBot
	c.router.outbox = c.outbox

	return c, nil
}

// Notifier returns a notifier that shares the client's outbox.
func (c *Client) Notifier() *Notifier {
	return NewNotifier(c.outbox, c.router.users, c.groups)
}

// Start begins receiving updates via long polling until the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

// updateSummary is what gets logged for an incoming update. Message text is
// reduced to the command name so chat content stays out of the logs.
type updateSummary struct {
	kind   string
	userID int64
	chatID int64
	action string
}

func (s updateSummary) fields() logging.Fields {
	fields := logging.Fields{"event": "telegram_update", "update_type": s.kind}
	if s.userID != 0 {
		fields["user_id"] = s.userID
	}
	if s.chatID != 0 {
		fields["chat_id"] = s.chatID
	}
	if s.action != "" {
		fields["action"] = s.action
	}
	return fields
}

// defaultHandler logs every update and hands it to next.
func defaultHandler(logger *logrus.Entry, next func(context.Context, *models.Update)) bot.HandlerFunc {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		if update == nil {
			return
		}

		logger.WithFields(summarize(update).fields()).Info("telegram update received")

		if next != nil {
			next(ctx, update)
		}
	}
}

func summarize(update *models.Update) updateSummary {
	message := func(kind string, m *models.Message) updateSummary {
		s := updateSummary{kind: kind, chatID: m.Chat.ID}
		if m.From != nil {
			s.userID = m.From.ID
		}
		if cmd, ok := parseCommand(m.Text); ok {
			s.action = "/" + cmd.name
		}
		return s
	}
	membership := func(kind string, m *models.ChatMemberUpdated) updateSummary {
		return updateSummary{kind: kind, userID: m.From.ID, chatID: m.Chat.ID}
	}

	switch {
	case update.Message != nil:
		return message("message", update.Message)
	case update.EditedMessage != nil:
		return message("edited_message", update.EditedMessage)
	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		kind, _, _ := strings.Cut(q.Data, ":")
		return updateSummary{kind: "callback_query", userID: q.From.ID, chatID: messageChatID(q.Message), action: kind}
	case update.MyChatMember != nil:
		return membership("my_chat_member", update.MyChatMember)
	case update.ChatMember != nil:
		return membership("chat_member", update.ChatMember)
	default:
		return updateSummary{kind: "unknown"}
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}
		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch {
	case msg.Message != nil:
		return msg.Message.Chat.ID
	case msg.InaccessibleMessage != nil:
		return msg.InaccessibleMessage.Chat.ID
	default:
		return 0
	}
}
