package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tg_wager_bot/internal/logging"
	"tg_wager_bot/internal/metrics"
)

const (
	sendAttempts   = 3
	sendRetryDelay = 500 * time.Millisecond
)

type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Outbox sends messages under a global rate limit and retries transient
// failures.
type Outbox struct {
	api      messageSender
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *logrus.Entry
	attempts uint
	delay    time.Duration
}

// NewOutbox limits sends to perSecond messages per second. A non-positive
// limit disables throttling.
func NewOutbox(api messageSender, perSecond int, m *metrics.Metrics, logger *logrus.Entry) *Outbox {
	if logger == nil {
		logger = logging.Logger()
	}

	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = perSecond
	}

	return &Outbox{
		api:      api,
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  m,
		logger:   logger,
		attempts: sendAttempts,
		delay:    sendRetryDelay,
	}
}

// Send delivers params, waiting for the limiter before every attempt.
func (o *Outbox) Send(ctx context.Context, params *bot.SendMessageParams) error {
	if o == nil || o.api == nil {
		return errors.New("outbox is not initialized")
	}
	if params == nil {
		return errors.New("message params are required")
	}

	err := retry.Do(func() error {
		if err := o.limiter.Wait(ctx); err != nil {
			return retry.Unrecoverable(err)
		}
		_, err := o.api.SendMessage(ctx, params)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(o.attempts),
		retry.Delay(o.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(attempt uint, err error) {
			o.logger.WithFields(logging.Fields{
				"event":   "telegram_send_retry",
				"chat_id": params.ChatID,
				"attempt": attempt + 1,
			}).WithError(err).Warn("retrying telegram send")
		}),
	)

	o.metrics.MessageSent(err)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// isTransient reports whether a failed send may succeed when repeated.
// Rejections by the API are final.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, bot.ErrorForbidden),
		errors.Is(err, bot.ErrorBadRequest),
		errors.Is(err, bot.ErrorUnauthorized),
		errors.Is(err, bot.ErrorNotFound),
		errors.Is(err, bot.ErrorConflict):
		return false
	default:
		return true
	}
}
