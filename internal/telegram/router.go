package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature/challenge"
	"tg_wager_bot/internal/feature/dispute"
	"tg_wager_bot/internal/feature/elimination"
	"tg_wager_bot/internal/feature/event"
	"tg_wager_bot/internal/feature/points"
	"tg_wager_bot/internal/feature/user"
	"tg_wager_bot/internal/feature/wager"
	"tg_wager_bot/internal/logging"
	"tg_wager_bot/internal/store"
)

const (
	chatTypeGroup      = "group"
	chatTypeSupergroup = "supergroup"

	genericFailure = "Something went wrong. Please try again later."
)

// MemberRegistrar stores profiles and opens group wallets.
type MemberRegistrar interface {
	EnsureMember(ctx context.Context, groupID int64, profile domain.User) (user.Result, error)
}

// GroupRegistrar tracks the chats the bot is in.
type GroupRegistrar interface {
	EnsureGroup(ctx context.Context, chatID int64, title string) (bool, error)
	MarkLeft(ctx context.Context, chatID int64) error
}

// RoleManager changes bot-wide roles.
type RoleManager interface {
	SetRole(ctx context.Context, userID int64, role string) error
}

// StatsProvider reports activity counts for /stats.
type StatsProvider interface {
	Counts(ctx context.Context) (store.Counts, error)
}

// MongoChecker reports database reachability for /stats.
type MongoChecker interface {
	Ping(ctx context.Context) error
}

// Services are the feature services behind the commands.
type Services struct {
	Store        store.Store
	Points       *points.Service
	Wagers       *wager.Service
	Challenges   *challenge.Service
	Eliminations *elimination.Service
	Events       *event.Service
	Disputes     *dispute.Service
}

type chatAPI interface {
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	GetChatMember(ctx context.Context, params *bot.GetChatMemberParams) (*models.ChatMember, error)
}

// reply is a handler's answer. For callbacks toast is shown to the presser
// and text, when set, is posted to the chat.
type reply struct {
	text     string
	keyboard *models.InlineKeyboardMarkup
	toast    string
}

type request struct {
	chatID    int64
	messageID int
	user      domain.User
	cmd       command
	replyTo   *models.User
}

// ref identifies the message that carried the request.
func (req *request) ref() string {
	return strconv.Itoa(req.messageID)
}

type commandFunc func(ctx context.Context, req *request) (reply, error)

type callbackFunc func(ctx context.Context, req *request, id, arg string) (reply, error)

// Router turns updates into feature service calls and answers in the chat.
type Router struct {
	services  Services
	members   MemberRegistrar
	groups    GroupRegistrar
	roles     RoleManager
	users     UserFetcher
	stats     StatsProvider
	mongo     MongoChecker
	ownerID   int64
	startedAt time.Time

	api    chatAPI
	outbox *Outbox
	logger *logrus.Entry
	now    func() time.Time

	commands  map[string]commandFunc
	callbacks map[string]callbackFunc
}

var privateCommands = map[string]bool{"start": true, "help": true}

func newRouter(logger *logrus.Entry) *Router {
	if logger == nil {
		logger = logging.Logger()
	}

	r := &Router{
		logger:    logger,
		now:       time.Now,
		startedAt: time.Now(),
	}

	r.commands = map[string]commandFunc{
		"start": r.help,
		"help":  r.help,

		"balance":     r.balance,
		"leaderboard": r.leaderboard,
		"history":     r.history,
		"pot":         r.pot,
		"badges":      r.badges,
		"tip":         r.tip,
		"grant":       r.grant,
		"deduct":      r.deduct,
		"prize":       r.prize,

		"wager":       r.createWager,
		"numwager":    r.createNumericWager,
		"guess":       r.guess,
		"settle":      r.settle,
		"cancelwager": r.cancelWager,
		"wagers":      r.listWagers,

		"challenge":       r.createChallenge,
		"challenges":      r.listChallenges,
		"accept":          r.acceptChallenge,
		"done":            r.submitChallenge,
		"approve":         r.approveChallenge,
		"reject":          r.rejectChallenge,
		"cancelchallenge": r.cancelChallenge,

		"elimination": r.createElimination,
		"tapout":      r.tapOut,
		"eliminate":   r.eliminate,

		"event":       r.createEvent,
		"events":      r.listEvents,
		"attended":    r.markAttended,
		"cancelevent": r.cancelEvent,

		"dispute": r.openDispute,

		"stats":   r.showStats,
		"promote": r.promote,
		"demote":  r.demote,
	}

	r.callbacks = map[string]callbackFunc{
		"wj": r.joinWagerCallback,
		"ca": r.acceptChallengeCallback,
		"cy": r.approveChallengeCallback,
		"cn": r.rejectChallengeCallback,
		"ej": r.joinEliminationCallback,
		"er": r.rsvpCallback,
		"dv": r.voteCallback,
	}

	return r
}

// Handle dispatches one update. Failures are answered in the chat and
// logged; nothing is returned to the poller.
func (r *Router) Handle(ctx context.Context, update *models.Update) {
	if update == nil {
		return
	}

	switch {
	case update.Message != nil:
		r.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		r.handleCallback(ctx, update.CallbackQuery)
	case update.MyChatMember != nil:
		r.handleMyChatMember(ctx, update.MyChatMember)
	}
}

func (r *Router) handleMessage(ctx context.Context, msg *models.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	inGroup := isGroupChat(msg.Chat)
	if inGroup {
		r.register(ctx, msg.Chat.ID, msg.Chat.Title, msg.From)
	}

	cmd, ok := parseCommand(msg.Text)
	if !ok {
		return
	}

	req := &request{
		chatID:    msg.Chat.ID,
		messageID: msg.ID,
		user:      profile(msg.From),
		cmd:       cmd,
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && !msg.ReplyToMessage.From.IsBot {
		req.replyTo = msg.ReplyToMessage.From
	}

	handler, known := r.commands[cmd.name]
	var (
		rep reply
		err error
	)
	switch {
	case !known && inGroup:
		return
	case !known:
		err = errUnknownCommand
	case !inGroup && !privateCommands[cmd.name]:
		err = errGroupOnly
	default:
		rep, err = handler(ctx, req)
	}

	if err != nil {
		rep = reply{text: r.failure(req, err)}
	}
	if rep.text == "" {
		return
	}
	r.send(ctx, req.chatID, req.messageID, rep)
}

func (r *Router) handleCallback(ctx context.Context, q *models.CallbackQuery) {
	chatID := messageChatID(q.Message)
	kind, rest, _ := strings.Cut(q.Data, ":")
	id, arg, _ := strings.Cut(rest, ":")

	handler, known := r.callbacks[kind]
	if !known || chatID == 0 || id == "" {
		r.answer(ctx, q.ID, "This button is no longer valid.", true)
		return
	}

	r.register(ctx, chatID, "", &q.From)

	req := &request{
		chatID: chatID,
		user:   profile(&q.From),
		cmd:    command{name: kind},
	}

	rep, err := handler(ctx, req, id, arg)
	if err != nil {
		r.answer(ctx, q.ID, r.failure(req, err), true)
		return
	}

	toast := rep.toast
	if toast == "" {
		toast = "Done."
	}
	r.answer(ctx, q.ID, toast, false)
	if rep.text != "" {
		r.send(ctx, chatID, 0, rep)
	}
}

func (r *Router) handleMyChatMember(ctx context.Context, u *models.ChatMemberUpdated) {
	if r.groups == nil || !isGroupChat(u.Chat) {
		return
	}

	switch u.NewChatMember.Type {
	case models.ChatMemberTypeMember, models.ChatMemberTypeAdministrator:
		if u.OldChatMember.Type != models.ChatMemberTypeLeft && u.OldChatMember.Type != models.ChatMemberTypeBanned {
			return
		}
		if _, err := r.groups.EnsureGroup(ctx, u.Chat.ID, u.Chat.Title); err != nil {
			r.warn(u.Chat.ID, u.From.ID, "group_join_error", err)
			return
		}
		r.send(ctx, u.Chat.ID, 0, reply{text: helpText})
	case models.ChatMemberTypeLeft, models.ChatMemberTypeBanned:
		if err := r.groups.MarkLeft(ctx, u.Chat.ID); err != nil {
			r.warn(u.Chat.ID, u.From.ID, "group_left_error", err)
		}
	}
}

// register stores the chat and the sender and opens the sender's wallet.
func (r *Router) register(ctx context.Context, chatID int64, title string, from *models.User) {
	if r.groups != nil && title != "" {
		if _, err := r.groups.EnsureGroup(ctx, chatID, title); err != nil {
			r.warn(chatID, from.ID, "group_register_error", err)
		}
	}
	if r.members != nil {
		if _, err := r.members.EnsureMember(ctx, chatID, profile(from)); err != nil {
			r.warn(chatID, from.ID, "member_register_error", err)
		}
	}
}

// target returns the member the command replies to, opening their wallet.
func (r *Router) target(ctx context.Context, req *request) (domain.User, error) {
	if req.replyTo == nil {
		return domain.User{}, errNeedReply
	}
	target := profile(req.replyTo)
	if r.members != nil {
		if _, err := r.members.EnsureMember(ctx, req.chatID, target); err != nil {
			return domain.User{}, err
		}
	}
	return target, nil
}

// actor resolves whether the sender may moderate: the owner, bot admins,
// and chat administrators.
func (r *Router) actor(ctx context.Context, req *request) domain.Actor {
	a := domain.Actor{UserID: req.user.UserID}
	if r.ownerID != 0 && req.user.UserID == r.ownerID {
		a.Admin = true
		return a
	}
	if r.users != nil {
		if u, err := r.users.GetByID(ctx, req.user.UserID); err == nil && domain.IsBotAdmin(u.Role) {
			a.Admin = true
			return a
		}
	}
	if r.api == nil {
		return a
	}

	member, err := r.api.GetChatMember(ctx, &bot.GetChatMemberParams{ChatID: req.chatID, UserID: req.user.UserID})
	if err != nil {
		r.warn(req.chatID, req.user.UserID, "chat_member_lookup_error", err)
		return a
	}
	a.Admin = member != nil &&
		(member.Type == models.ChatMemberTypeOwner || member.Type == models.ChatMemberTypeAdministrator)
	return a
}

func (r *Router) names() names {
	return names{users: r.users}
}

func (r *Router) failure(req *request, err error) string {
	if ue, ok := domain.AsUserError(err); ok {
		return ue.Message
	}
	r.log(req.chatID, req.user.UserID, "command_error").
		WithField("command", req.cmd.name).
		WithError(err).
		Error("command failed")
	return genericFailure
}

func (r *Router) warn(chatID, userID int64, event string, err error) {
	r.log(chatID, userID, event).WithError(err).Warn("telegram handler failure")
}

func (r *Router) log(chatID, userID int64, event string) *logrus.Entry {
	return r.logger.WithFields(logging.Fields{
		"event":   event,
		"chat_id": chatID,
		"user_id": userID,
	})
}

func (r *Router) send(ctx context.Context, chatID int64, replyTo int, rep reply) {
	if r.outbox == nil {
		return
	}
	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   rep.text,
	}
	if replyTo != 0 {
		params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
	}
	if rep.keyboard != nil {
		params.ReplyMarkup = rep.keyboard
	}
	if err := r.outbox.Send(ctx, params); err != nil {
		r.warn(chatID, 0, "telegram_send_error", err)
	}
}

func (r *Router) answer(ctx context.Context, queryID, text string, alert bool) {
	if r.api == nil {
		return
	}
	if _, err := r.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: queryID,
		Text:            text,
		ShowAlert:       alert,
	}); err != nil {
		r.warn(0, 0, "callback_answer_error", err)
	}
}

func isGroupChat(chat models.Chat) bool {
	return chat.Type == chatTypeGroup || chat.Type == chatTypeSupergroup
}

func profile(u *models.User) domain.User {
	if u == nil {
		return domain.User{}
	}
	return domain.User{UserID: u.ID, Username: u.Username, FirstName: u.FirstName}
}
