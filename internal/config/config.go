// Package config defines the configuration contract and handles loading and validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken         = "TELEGRAM_TOKEN"
	KeyBotOwner              = "BOT_OWNER"
	KeyMongoURI              = "MONGO_URI"
	KeyMongoDB               = "MONGO_DB"
	KeyAppEnv                = "APP_ENV"
	KeyLogLevel              = "LOG_LEVEL"
	KeyHTTPPort              = "HTTP_PORT"
	KeyRedisAddr             = "REDIS_ADDR"
	KeyStartingBalance       = "STARTING_BALANCE"
	KeySchedulerInterval     = "SCHEDULER_INTERVAL"
	KeyWagerSettleGrace      = "WAGER_SETTLE_GRACE"
	KeyDisputeWindow         = "DISPUTE_WINDOW"
	KeyDisputeVotingPeriod   = "DISPUTE_VOTING_PERIOD"
	KeyDisputeQuorum         = "DISPUTE_QUORUM"
	KeyDisputePenalty        = "DISPUTE_PENALTY"
	KeyChallengeAutoApprove  = "CHALLENGE_AUTO_APPROVE"
	KeyEventAttendanceWindow = "EVENT_ATTENDANCE_WINDOW"
	KeyTelegramRateLimit     = "TELEGRAM_RATE_LIMIT"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv                = EnvProduction
	DefaultLogLevel              = "info"
	DefaultHTTPPort              = 8080
	DefaultStartingBalance       = int64(1000)
	DefaultSchedulerInterval     = 30 * time.Second
	DefaultWagerSettleGrace      = 7 * 24 * time.Hour
	DefaultDisputeWindow         = 24 * time.Hour
	DefaultDisputeVotingPeriod   = 24 * time.Hour
	DefaultDisputeQuorum         = 3
	DefaultDisputePenalty        = int64(100)
	DefaultChallengeAutoApprove  = 48 * time.Hour
	DefaultEventAttendanceWindow = 24 * time.Hour
	DefaultTelegramRateLimit     = 25

	// Recommended database names by environment.
	DefaultMongoDBProd = "wager_bot"
	DefaultMongoDBDev  = "wager_bot_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeyBotOwner,
		Example:     "123456789",
		Required:    true,
		Description: "Super admin Telegram user_id with owner privileges.",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017/?replicaSet=rs0",
		Required:    true,
		Description: "MongoDB connection string.",
		Notes:       "Must point at a replica set; ledger postings use multi-document transactions.",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Required:    true,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP health/metrics port.",
	},
	{
		Key:         KeyRedisAddr,
		Example:     "localhost:6379",
		Description: "Redis address for the scheduler lock.",
		Notes:       "When unset the scheduler uses an in-process lock; run a single replica.",
	},
	{
		Key:         KeyStartingBalance,
		Example:     "1000",
		Default:     strconv.FormatInt(DefaultStartingBalance, 10),
		Description: "Points granted when a member first appears in a group.",
	},
	{
		Key:         KeySchedulerInterval,
		Example:     "30s",
		Default:     DefaultSchedulerInterval.String(),
		Description: "How often deadline transitions are evaluated.",
	},
	{
		Key:         KeyWagerSettleGrace,
		Example:     "168h",
		Default:     DefaultWagerSettleGrace.String(),
		Description: "How long a locked wager may stay unsettled before it is cancelled and refunded.",
	},
	{
		Key:         KeyDisputeWindow,
		Example:     "24h",
		Default:     DefaultDisputeWindow.String(),
		Description: "How long after a settlement or rejection a dispute may be opened.",
	},
	{
		Key:         KeyDisputeVotingPeriod,
		Example:     "24h",
		Default:     DefaultDisputeVotingPeriod.String(),
		Description: "How long a dispute accepts votes.",
	},
	{
		Key:         KeyDisputeQuorum,
		Example:     "3",
		Default:     strconv.Itoa(DefaultDisputeQuorum),
		Description: "Votes on one side that resolve a dispute early.",
	},
	{
		Key:         KeyDisputePenalty,
		Example:     "100",
		Default:     strconv.FormatInt(DefaultDisputePenalty, 10),
		Description: "Points moved from the accused to the pot when a dispute is upheld.",
	},
	{
		Key:         KeyChallengeAutoApprove,
		Example:     "48h",
		Default:     DefaultChallengeAutoApprove.String(),
		Description: "Time after a completion submission before it is approved automatically.",
	},
	{
		Key:         KeyEventAttendanceWindow,
		Example:     "24h",
		Default:     DefaultEventAttendanceWindow.String(),
		Description: "Time after an event starts during which attendance can be recorded.",
	},
	{
		Key:         KeyTelegramRateLimit,
		Example:     "25",
		Default:     strconv.Itoa(DefaultTelegramRateLimit),
		Description: "Outbound Telegram messages per second.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken string
	BotOwnerID    int64
	MongoURI      string
	MongoDB       string
	AppEnv        string
	LogLevel      string
	HTTPPort      int
	RedisAddr     string

	StartingBalance       int64
	SchedulerInterval     time.Duration
	WagerSettleGrace      time.Duration
	DisputeWindow         time.Duration
	DisputeVotingPeriod   time.Duration
	DisputeQuorum         int
	DisputePenalty        int64
	ChallengeAutoApprove  time.Duration
	EventAttendanceWindow time.Duration
	TelegramRateLimit     int
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:        firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken: strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		MongoURI:      strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:       strings.TrimSpace(os.Getenv(KeyMongoDB)),
		LogLevel:      firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		HTTPPort:      DefaultHTTPPort,
		RedisAddr:     strings.TrimSpace(os.Getenv(KeyRedisAddr)),
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	ownerRaw := strings.TrimSpace(os.Getenv(KeyBotOwner))
	if ownerRaw == "" {
		missing = append(missing, KeyBotOwner)
	} else {
		ownerID, parseErr := strconv.ParseInt(ownerRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyBotOwner, parseErr)
		}
		cfg.BotOwnerID = ownerID
	}

	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	}

	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if err := validateMongoURI(cfg.MongoURI); err != nil {
		return Config{}, err
	}

	if cfg.HTTPPort, err = positiveInt(KeyHTTPPort, DefaultHTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.DisputeQuorum, err = positiveInt(KeyDisputeQuorum, DefaultDisputeQuorum); err != nil {
		return Config{}, err
	}
	if cfg.TelegramRateLimit, err = positiveInt(KeyTelegramRateLimit, DefaultTelegramRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.StartingBalance, err = nonNegativeInt64(KeyStartingBalance, DefaultStartingBalance); err != nil {
		return Config{}, err
	}
	if cfg.DisputePenalty, err = nonNegativeInt64(KeyDisputePenalty, DefaultDisputePenalty); err != nil {
		return Config{}, err
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{KeySchedulerInterval, DefaultSchedulerInterval, &cfg.SchedulerInterval},
		{KeyWagerSettleGrace, DefaultWagerSettleGrace, &cfg.WagerSettleGrace},
		{KeyDisputeWindow, DefaultDisputeWindow, &cfg.DisputeWindow},
		{KeyDisputeVotingPeriod, DefaultDisputeVotingPeriod, &cfg.DisputeVotingPeriod},
		{KeyChallengeAutoApprove, DefaultChallengeAutoApprove, &cfg.ChallengeAutoApprove},
		{KeyEventAttendanceWindow, DefaultEventAttendanceWindow, &cfg.EventAttendanceWindow},
	}
	for _, d := range durations {
		value, parseErr := positiveDuration(d.key, d.def)
		if parseErr != nil {
			return Config{}, parseErr
		}
		*d.dest = value
	}

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// FormatRedacted renders the resolved configuration one key per line with
// credentials masked. Telegram tokens keep a short prefix; Mongo URIs lose
// their userinfo.
func FormatRedacted(cfg Config) string {
	redis := cfg.RedisAddr
	if redis == "" {
		redis = "(in-process lock)"
	}

	lines := []string{
		"telegram_token: " + redactToken(cfg.TelegramToken),
		"bot_owner: " + strconv.FormatInt(cfg.BotOwnerID, 10),
		"mongo_uri: " + redactURI(cfg.MongoURI),
		"mongo_db: " + cfg.MongoDB,
		"app_env: " + cfg.AppEnv,
		"log_level: " + cfg.LogLevel,
		"http_port: " + strconv.Itoa(cfg.HTTPPort),
		"redis_addr: " + redis,
		"starting_balance: " + strconv.FormatInt(cfg.StartingBalance, 10),
		"scheduler_interval: " + cfg.SchedulerInterval.String(),
		"wager_settle_grace: " + cfg.WagerSettleGrace.String(),
		"dispute_window: " + cfg.DisputeWindow.String(),
		"dispute_voting_period: " + cfg.DisputeVotingPeriod.String(),
		"dispute_quorum: " + strconv.Itoa(cfg.DisputeQuorum),
		"dispute_penalty: " + strconv.FormatInt(cfg.DisputePenalty, 10),
		"challenge_auto_approve: " + cfg.ChallengeAutoApprove.String(),
		"event_attendance_window: " + cfg.EventAttendanceWindow.String(),
		"telegram_rate_limit: " + strconv.Itoa(cfg.TelegramRateLimit),
	}

	return strings.Join(lines, "\n")
}

func redactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "...redacted"
	}
	return token[:4] + "...redacted"
}

func redactURI(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "...redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func validateMongoURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", KeyMongoURI, err)
	}
	if parsed.Scheme != "mongodb" && parsed.Scheme != "mongodb+srv" {
		return fmt.Errorf("invalid %s: scheme must be mongodb or mongodb+srv", KeyMongoURI)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid %s: host is required", KeyMongoURI)
	}
	return nil
}

func positiveInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return value, nil
}

func nonNegativeInt64(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return value, nil
}

func positiveDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return value, nil
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
