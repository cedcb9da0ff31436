package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_wager_bot/internal/metrics"
)

func sendCount(t *testing.T, m *metrics.Metrics, result string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "wager_bot_telegram_messages_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == result {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestOutboxRetriesTransientErrors(t *testing.T) {
	api := &fakeBot{sendErrs: []error{errors.New("connection reset")}}
	m := metrics.New()
	hookLogger, hook := logtest.NewNullLogger()

	o := NewOutbox(api, 0, m, logrus.NewEntry(hookLogger))
	o.delay = time.Millisecond

	if err := o.Send(context.Background(), &bot.SendMessageParams{ChatID: int64(5), Text: "hi"}); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	if api.sentCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", api.sentCount())
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Data["event"] != "telegram_send_retry" {
		t.Fatalf("expected retry log entry, got %+v", entry)
	}
	if got := sendCount(t, m, "ok"); got != 1 {
		t.Fatalf("expected 1 sent message, got %v", got)
	}
}

func TestOutboxDoesNotRetryRejections(t *testing.T) {
	api := &fakeBot{sendErrs: []error{bot.ErrorForbidden}}
	m := metrics.New()

	o := NewOutbox(api, 0, m, nil)
	o.delay = time.Millisecond

	err := o.Send(context.Background(), &bot.SendMessageParams{ChatID: int64(5), Text: "hi"})
	if !errors.Is(err, bot.ErrorForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	if api.sentCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", api.sentCount())
	}
	if got := sendCount(t, m, "error"); got != 1 {
		t.Fatalf("expected 1 failed message, got %v", got)
	}
}

func TestOutboxGivesUpAfterAttempts(t *testing.T) {
	boom := errors.New("timeout")
	api := &fakeBot{sendErrs: []error{boom, boom, boom, boom}}

	o := NewOutbox(api, 0, nil, nil)
	o.delay = time.Millisecond

	if err := o.Send(context.Background(), &bot.SendMessageParams{ChatID: int64(5), Text: "hi"}); !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if api.sentCount() != sendAttempts {
		t.Fatalf("expected %d attempts, got %d", sendAttempts, api.sentCount())
	}
}

func TestOutboxStopsOnCanceledContext(t *testing.T) {
	api := &fakeBot{}
	o := NewOutbox(api, 1, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := o.Send(ctx, &bot.SendMessageParams{ChatID: int64(5), Text: "hi"}); err == nil {
		t.Fatalf("expected error for canceled context")
	}
	if api.sentCount() != 0 {
		t.Fatalf("expected no attempts, got %d", api.sentCount())
	}
}

func TestOutboxValidation(t *testing.T) {
	var nilOutbox *Outbox
	if err := nilOutbox.Send(context.Background(), &bot.SendMessageParams{}); err == nil {
		t.Fatalf("expected error for nil outbox")
	}

	o := NewOutbox(&fakeBot{}, 0, nil, nil)
	if err := o.Send(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil params")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: errors.New("network"), want: true},
		{err: context.Canceled, want: false},
		{err: bot.ErrorBadRequest, want: false},
		{err: bot.ErrorUnauthorized, want: false},
	}

	for _, tt := range tests {
		if got := isTransient(tt.err); got != tt.want {
			t.Fatalf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
