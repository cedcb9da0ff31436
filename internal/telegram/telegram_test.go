package telegram

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_wager_bot/internal/config"
	"tg_wager_bot/internal/metrics"
)

type fakeBot struct {
	mu          sync.Mutex
	startedWith context.Context
	sent        []*bot.SendMessageParams
	sendErrs    []error
	answers     []*bot.AnswerCallbackQueryParams
	members     map[int64]models.ChatMemberType
	lookups     int
}

func (f *fakeBot) Start(ctx context.Context) {
	f.startedWith = ctx
}

// SendMessage records every attempt and fails with the queued errors first.
func (f *fakeBot) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, params)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &models.Message{ID: len(f.sent)}, nil
}

func (f *fakeBot) AnswerCallbackQuery(_ context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, params)
	return true, nil
}

func (f *fakeBot) GetChatMember(_ context.Context, params *bot.GetChatMemberParams) (*models.ChatMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	kind, ok := f.members[params.UserID]
	if !ok {
		kind = models.ChatMemberTypeMember
	}
	return &models.ChatMember{Type: kind}, nil
}

func (f *fakeBot) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeBot) last() *bot.SendMessageParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeBot) lastAnswer() *bot.AnswerCallbackQueryParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return nil
	}
	return f.answers[len(f.answers)-1]
}

func TestNewClientCreatesBot(t *testing.T) {
	origCreateBot := createBot
	defer func() { createBot = origCreateBot }()

	var gotToken string
	var gotOptions []bot.Option
	b := &fakeBot{}

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		gotToken = token
		gotOptions = options
		return b, nil
	}

	cfg := config.Config{TelegramToken: "token-123", BotOwnerID: 42}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client, err := NewClient(cfg, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	if client == nil || client.bot == nil {
		t.Fatalf("expected client and bot to be initialized")
	}

	if gotToken != cfg.TelegramToken {
		t.Fatalf("expected token %q, got %q", cfg.TelegramToken, gotToken)
	}

	if len(gotOptions) != 3 {
		t.Fatalf("expected 3 bot options (allowed updates, default handler, error handler), got %d", len(gotOptions))
	}

	if client.outbox == nil || client.router.outbox != client.outbox {
		t.Fatalf("expected router to share the client outbox")
	}
	if client.router.api != b {
		t.Fatalf("expected router to call the bot api")
	}
	if client.router.ownerID != 42 {
		t.Fatalf("expected owner id 42, got %d", client.router.ownerID)
	}
	if client.Notifier().outbox != client.outbox {
		t.Fatalf("expected notifier to share the client outbox")
	}
}

func TestNewClientAppliesOptions(t *testing.T) {
	origCreateBot := createBot
	defer func() { createBot = origCreateBot }()

	createBot = func(string, ...bot.Option) (botAPI, error) {
		return &fakeBot{}, nil
	}

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := metrics.New()
	groups := &fakeGroups{}

	client, err := NewClient(config.Config{TelegramToken: "token"}, nil,
		WithProcessStart(started),
		WithMetrics(m),
		WithGroupRegistrar(groups),
	)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	if !client.router.startedAt.Equal(started) {
		t.Fatalf("expected start time %v, got %v", started, client.router.startedAt)
	}
	if client.outbox.metrics != m {
		t.Fatalf("expected outbox to record metrics")
	}
	if client.router.groups != groups {
		t.Fatalf("expected group registrar to be wired")
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(config.Config{TelegramToken: "  "}, nil); err == nil {
		t.Fatalf("expected error for blank token")
	}
}

func TestNewClientPropagatesBotError(t *testing.T) {
	origCreateBot := createBot
	defer func() { createBot = origCreateBot }()

	expected := errors.New("boom")
	createBot = func(string, ...bot.Option) (botAPI, error) {
		return nil, expected
	}

	_, err := NewClient(config.Config{TelegramToken: "token"}, nil)
	if !errors.Is(err, expected) {
		t.Fatalf("expected error %v, got %v", expected, err)
	}
}

func TestClientStartLogsAndUsesContext(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	client := &Client{
		bot:    &fakeBot{},
		logger: logrus.NewEntry(hookLogger),
	}

	ctx := context.Background()
	client.Start(ctx)

	if fb, ok := client.bot.(*fakeBot); ok {
		if fb.startedWith != ctx {
			t.Fatalf("expected bot to start with provided context")
		}
	}

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries (start/stop), got %d", len(entries))
	}

	if entries[0].Data["event"] != "telegram_listen" {
		t.Fatalf("expected start log event, got %v", entries[0].Data["event"])
	}
	if entries[1].Data["event"] != "telegram_stopped" {
		t.Fatalf("expected stop log event, got %v", entries[1].Data["event"])
	}
}

func TestSummarizeUpdate(t *testing.T) {
	inGroup := models.MaybeInaccessibleMessage{
		Type:    models.MaybeInaccessibleMessageTypeMessage,
		Message: &models.Message{Chat: models.Chat{ID: 22}},
	}

	tests := []struct {
		name   string
		update *models.Update
		want   updateSummary
	}{
		{
			name:   "command",
			update: &models.Update{Message: &models.Message{From: &models.User{ID: 10}, Chat: models.Chat{ID: 20}, Text: " /Wager@wager_bot 50 1h Rain? "}},
			want:   updateSummary{kind: "message", userID: 10, chatID: 20, action: "/wager"},
		},
		{
			name:   "chatter",
			update: &models.Update{Message: &models.Message{From: &models.User{ID: 10}, Chat: models.Chat{ID: 20}, Text: "my secret plans"}},
			want:   updateSummary{kind: "message", userID: 10, chatID: 20},
		},
		{
			name:   "edited message",
			update: &models.Update{EditedMessage: &models.Message{From: &models.User{ID: 11}, Chat: models.Chat{ID: 21}, Text: "/balance"}},
			want:   updateSummary{kind: "edited_message", userID: 11, chatID: 21, action: "/balance"},
		},
		{
			name:   "channel post without sender",
			update: &models.Update{Message: &models.Message{Chat: models.Chat{ID: 30}}},
			want:   updateSummary{kind: "message", chatID: 30},
		},
		{
			name:   "button",
			update: &models.Update{CallbackQuery: &models.CallbackQuery{From: models.User{ID: 12}, Data: "wj:abc:1", Message: inGroup}},
			want:   updateSummary{kind: "callback_query", userID: 12, chatID: 22, action: "wj"},
		},
		{
			name: "button on inaccessible message",
			update: &models.Update{CallbackQuery: &models.CallbackQuery{From: models.User{ID: 12}, Data: "er:e1:yes", Message: models.MaybeInaccessibleMessage{
				Type:                models.MaybeInaccessibleMessageTypeInaccessibleMessage,
				InaccessibleMessage: &models.InaccessibleMessage{Chat: models.Chat{ID: 25}},
			}}},
			want: updateSummary{kind: "callback_query", userID: 12, chatID: 25, action: "er"},
		},
		{
			name:   "my chat member",
			update: &models.Update{MyChatMember: &models.ChatMemberUpdated{From: models.User{ID: 13}, Chat: models.Chat{ID: 23}}},
			want:   updateSummary{kind: "my_chat_member", userID: 13, chatID: 23},
		},
		{
			name:   "chat member",
			update: &models.Update{ChatMember: &models.ChatMemberUpdated{From: models.User{ID: 14}, Chat: models.Chat{ID: 24}}},
			want:   updateSummary{kind: "chat_member", userID: 14, chatID: 24},
		},
		{
			name:   "unknown",
			update: &models.Update{},
			want:   updateSummary{kind: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := summarize(tt.update); got != tt.want {
				t.Fatalf("summarize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDefaultHandlerLogsUpdate(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	var routed *models.Update
	handler := defaultHandler(logrus.NewEntry(hookLogger), func(_ context.Context, u *models.Update) {
		routed = u
	})

	update := &models.Update{
		Message: &models.Message{
			From: &models.User{ID: 99},
			Chat: models.Chat{ID: 199},
			Text: "/tip 5 thanks for the ride",
		},
	}

	handler(context.Background(), nil, update)

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected log entry from handler")
	}

	want := logrus.Fields{
		"event":       "telegram_update",
		"update_type": "message",
		"user_id":     int64(99),
		"chat_id":     int64(199),
		"action":      "/tip",
	}
	if len(entry.Data) != len(want) {
		t.Fatalf("unexpected fields %v", entry.Data)
	}
	for k, v := range want {
		if entry.Data[k] != v {
			t.Fatalf("expected %s=%v, got %v", k, v, entry.Data[k])
		}
	}
	if routed != update {
		t.Fatalf("expected update to be passed to the router")
	}

	handler(context.Background(), nil, nil)
	if len(hook.AllEntries()) != 1 {
		t.Fatalf("nil updates must be ignored")
	}
}
