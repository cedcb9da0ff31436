// Package logging configures the structured logrus logger shared by the bot
// and scrubs secrets from what it writes.
package logging

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tg_wager_bot/internal/config"
)

const (
	serviceName = "wager-bot"
	redacted    = "[REDACTED]"
)

var (
	mu         sync.Mutex
	baseLogger *logrus.Entry
)

// Context carries the optional ids attached to feature log entries.
type Context struct {
	UserID   int64
	ChatID   int64
	Event    string
	Entity   string // wager, challenge, elimination, event, dispute
	EntityID string
}

// Fields is a shorthand alias for structured log fields.
type Fields = logrus.Fields

// Setup builds the process logger from cfg: JSON in production, text in
// development, and the bot token masked in every entry.
func Setup(cfg config.Config) (*logrus.Entry, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	entry := build(level, cfg.AppEnv, cfg.TelegramToken)

	mu.Lock()
	baseLogger = entry
	mu.Unlock()
	return entry, nil
}

// Logger returns the configured logger, or a production default before Setup
// has run.
func Logger() *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	if baseLogger == nil {
		baseLogger = build(logrus.InfoLevel, config.DefaultAppEnv, "")
	}
	return baseLogger
}

// WithContext returns the base logger enriched with ctx.
func WithContext(ctx Context) *logrus.Entry {
	return Logger().WithFields(ContextFields(ctx))
}

// ContextFields converts ctx into log fields, omitting zero values. The
// entity id is keyed by kind, e.g. wager_id.
func ContextFields(ctx Context) Fields {
	fields := Fields{}
	if ctx.UserID != 0 {
		fields["user_id"] = ctx.UserID
	}
	if ctx.ChatID != 0 {
		fields["chat_id"] = ctx.ChatID
	}
	if event := strings.TrimSpace(ctx.Event); event != "" {
		fields["event"] = event
	}
	if ctx.Entity != "" && ctx.EntityID != "" {
		fields[ctx.Entity+"_id"] = ctx.EntityID
	}
	return fields
}

// Info logs on the base logger; used before the process logger is wired.
func Info(msg string, fields Fields) {
	Logger().WithFields(fields).Info(msg)
}

// Error logs on the base logger; used before the process logger is wired.
func Error(msg string, fields Fields) {
	Logger().WithFields(fields).Error(msg)
}

func build(level logrus.Level, appEnv, secret string) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(formatterForEnv(appEnv))
	if secret != "" {
		logger.AddHook(&scrubHook{secret: secret})
	}

	return logger.WithFields(Fields{
		"service": serviceName,
		"env":     appEnv,
	})
}

// scrubHook masks a secret in messages and string or error fields. Telegram
// client errors embed the request URL, which carries the bot token.
type scrubHook struct {
	secret string
}

func (h *scrubHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *scrubHook) Fire(entry *logrus.Entry) error {
	entry.Message = h.scrub(entry.Message)

	for key, value := range entry.Data {
		switch v := value.(type) {
		case string:
			entry.Data[key] = h.scrub(v)
		case error:
			if msg := v.Error(); strings.Contains(msg, h.secret) {
				entry.Data[key] = errors.New(h.scrub(msg))
			}
		}
	}
	return nil
}

func (h *scrubHook) scrub(s string) string {
	return strings.ReplaceAll(s, h.secret, redacted)
}

func formatterForEnv(appEnv string) logrus.Formatter {
	fieldMap := logrus.FieldMap{
		logrus.FieldKeyTime:  "ts",
		logrus.FieldKeyMsg:   "msg",
		logrus.FieldKeyLevel: "level",
	}

	if appEnv == config.EnvDevelopment {
		return &logrus.TextFormatter{
			FullTimestamp:          true,
			TimestampFormat:        time.RFC3339Nano,
			FieldMap:               fieldMap,
			DisableLevelTruncation: true,
		}
	}

	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        fieldMap,
	}
}

func parseLevel(value string) (logrus.Level, error) {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", value, err)
	}
	return level, nil
}

// resetLogger clears the cached logger; used in tests.
func resetLogger() {
	mu.Lock()
	baseLogger = nil
	mu.Unlock()
}
