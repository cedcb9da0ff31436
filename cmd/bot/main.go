package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tg_wager_bot/internal/config"
	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature"
	"tg_wager_bot/internal/feature/challenge"
	"tg_wager_bot/internal/feature/dispute"
	"tg_wager_bot/internal/feature/elimination"
	"tg_wager_bot/internal/feature/event"
	"tg_wager_bot/internal/feature/group"
	"tg_wager_bot/internal/feature/owner"
	"tg_wager_bot/internal/feature/points"
	"tg_wager_bot/internal/feature/user"
	"tg_wager_bot/internal/feature/wager"
	"tg_wager_bot/internal/health"
	"tg_wager_bot/internal/ledger"
	"tg_wager_bot/internal/lock"
	"tg_wager_bot/internal/logging"
	"tg_wager_bot/internal/metrics"
	"tg_wager_bot/internal/scheduler"
	"tg_wager_bot/internal/store"
	"tg_wager_bot/internal/telegram"
)

const (
	mongoConnectTimeout    = 10 * time.Second
	mongoIndexTimeout      = 5 * time.Second
	mongoDisconnectTimeout = 5 * time.Second
	ownerBootstrapTimeout  = 5 * time.Second
	redisConnectTimeout    = 5 * time.Second
	healthShutdownTimeout  = 5 * time.Second
	lockPrefix             = "tg_wager_bot:lock:"
)

var processStart = time.Now()

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		fail(logger, "mongo connection error", err)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	err = mongoManager.EnsureBaseIndexes(indexCtx)
	cancelIndexes()
	if err != nil {
		fail(logger, "mongo index setup error", err)
	}

	logger.WithField("event", "mongo_indexes").Info("ensured mongo indexes")

	ownerRegistrar := owner.NewRegistrar(mongoManager.Users(), logger)
	ownerCtx, cancelOwner := context.WithTimeout(context.Background(), ownerBootstrapTimeout)
	err = ownerRegistrar.EnsureOwner(ownerCtx, cfg.BotOwnerID)
	cancelOwner()
	if err != nil {
		fail(logger, "owner bootstrap error", err)
	}

	m := metrics.New()
	engine := feature.NewEngine(mongoManager.Ledger(), ledger.New(ledger.WithObserver(m)), feature.WithLogger(logger))

	pointsService := points.NewService(engine, cfg.StartingBalance)
	wagerService := wager.NewService(engine, cfg.WagerSettleGrace)
	challengeService := challenge.NewService(engine, challenge.Settings{
		AutoApprove:   cfg.ChallengeAutoApprove,
		DisputeWindow: cfg.DisputeWindow,
	})
	eliminationService := elimination.NewService(engine)
	eventService := event.NewService(engine, cfg.EventAttendanceWindow)
	disputeService := dispute.NewService(engine, wagerService, challengeService, dispute.Settings{
		Window:       cfg.DisputeWindow,
		VotingPeriod: cfg.DisputeVotingPeriod,
		Quorum:       cfg.DisputeQuorum,
		Penalty:      cfg.DisputePenalty,
	})

	userRegistrar := user.NewRegistrar(mongoManager.Users(), pointsService, logger)
	groupRegistrar := group.NewRegistrar(mongoManager.Groups(), logger)
	userRepository := domain.NewUserRepository(mongoManager.Users())
	groupRepository := domain.NewGroupRepository(mongoManager.Groups())
	statsProvider := store.NewStatsProvider(mongoManager)

	tgClient, err := telegram.NewClient(cfg, logger,
		telegram.WithServices(telegram.Services{
			Store:        mongoManager.Ledger(),
			Points:       pointsService,
			Wagers:       wagerService,
			Challenges:   challengeService,
			Eliminations: eliminationService,
			Events:       eventService,
			Disputes:     disputeService,
		}),
		telegram.WithUserRegistrar(userRegistrar),
		telegram.WithGroupRegistrar(groupRegistrar),
		telegram.WithRoleManager(ownerRegistrar),
		telegram.WithMongoChecker(mongoManager),
		telegram.WithProcessStart(processStart),
		telegram.WithUserFetcher(userRepository),
		telegram.WithGroupFetcher(groupRepository),
		telegram.WithStatsProvider(statsProvider),
		telegram.WithMetrics(m),
	)
	if err != nil {
		fail(logger, "telegram client setup error", err)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	var (
		locker      lock.Locker = lock.NewLocal()
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisCtx, cancelRedis := context.WithTimeout(context.Background(), redisConnectTimeout)
		redisClient, err = lock.ConnectRedis(redisCtx, cfg.RedisAddr)
		cancelRedis()
		if err != nil {
			fail(logger, "redis connection error", err)
		}
		locker = lock.NewRedis(redisClient, lockPrefix)
		logger.WithFields(logging.Fields{"event": "redis_connect", "addr": cfg.RedisAddr}).Info("connected to redis")
	} else {
		logger.WithField("event", "lock_local").Warn("REDIS_ADDR not set, scheduler lock is process local")
	}

	sched := scheduler.New(locker, cfg.SchedulerInterval,
		scheduler.WithTicker(domain.RefWager, wagerService),
		scheduler.WithTicker(domain.RefChallenge, challengeService),
		scheduler.WithTicker(domain.RefElimination, eliminationService),
		scheduler.WithTicker(domain.RefEvent, eventService),
		scheduler.WithTicker(domain.RefDispute, disputeService),
		scheduler.WithNotifier(tgClient.Notifier()),
		scheduler.WithCounts(statsProvider),
		scheduler.WithMetrics(m),
		scheduler.WithLogger(logger),
	)

	healthOpts := []health.Option{
		health.WithCheck("mongo", mongoManager),
		health.WithMetrics(m.Handler()),
		health.WithStartTime(processStart),
	}
	if redisClient != nil {
		healthOpts = append(healthOpts, health.WithCheck("redis", health.CheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})))
	}
	healthServer := health.NewServer(cfg.HTTPPort, logger, healthOpts...)

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		tgClient.Start(ctx)
		if ctx.Err() == nil {
			return errors.New("telegram polling stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error {
		return sched.Run(ctx)
	})

	g.Go(func() error {
		return healthServer.ListenAndServe()
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.WithField("event", "shutdown_signal").Info("stopping bot")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), healthShutdownTimeout)
		defer cancelShutdown()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("health server shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("bot stopped with error")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.WithError(err).Error("redis close error")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}

func fail(logger *logrus.Entry, msg string, err error) {
	logger.WithError(err).Error(msg)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
