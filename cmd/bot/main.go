package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/user/issuebot/internal/config"
	"github.com/user/issuebot/internal/github"
	"github.com/user/issuebot/internal/metrics"
	"github.com/user/issuebot/internal/notifier"
	"github.com/user/issuebot/internal/poller"
	"github.com/user/issuebot/internal/server"
	"github.com/user/issuebot/internal/storage"
	"github.com/user/issuebot/internal/telegram"
	"github.com/user/issuebot/pkg/logger"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Try to initialize basic logger for error output
		logger.Init(true, "")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	debug := cfg.Log.Level == "debug"
	if err := logger.Init(debug, cfg.Log.File); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	logger.Info().Msg("Starting GitHub issue bot")
	metrics.MustRegister()

	// Initialize database
	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	subs := storage.NewSubscriptionStore(db, storage.Limits{
		MaxReposPerUser:  cfg.Subscriptions.MaxReposPerUser,
		MaxLabelsPerRepo: cfg.Subscriptions.MaxLabelsPerRepo,
	})
	marks := storage.NewWatermarkStore(db)
	logger.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	// Initialize GitHub client
	ghClient, err := github.NewClient(github.Options{
		Token:              cfg.GitHub.Token,
		GraphQLURL:         cfg.GitHub.GraphQLURL,
		IssuesPerFetch:     cfg.GitHub.IssuesPerFetch,
		RateLimitThreshold: cfg.GitHub.RateLimitThreshold,
		RetryBase:          cfg.GitHub.RetryBase,
		RetryCap:           cfg.GitHub.RetryCap,
		RetryMaxDuration:   cfg.GitHub.RetryMaxDuration,
		RequestTimeout:     cfg.GitHub.RequestTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize GitHub client")
	}

	// Initialize Telegram bot
	bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.Debug)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}

	notify := notifier.NewNotifier(bot.GetAPI(), cfg.Telegram.RatePerSec)

	// Cross-process cycle lock, only when several instances share the database
	var locker poller.Locker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		locker = poller.NewRedisLocker(rdb, "issuebot:poll-cycle", cfg.Redis.LockTTL)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Redis cycle lock enabled")
	}

	p := poller.New(ghClient, subs, marks, notify, locker, poller.Options{
		Interval:            cfg.PollInterval(),
		FetchConcurrency:    cfg.Poller.FetchConcurrency,
		DispatchConcurrency: cfg.Poller.DispatchConcurrency,
		FirstPollLimit:      cfg.Poller.FirstPollLimit,
	})

	handlers := telegram.NewHandlers(bot.GetAPI(), subs, marks, ghClient, cfg.Subscriptions.DefaultLabels)
	handlers.SetPoller(p)
	bot.SetHandlers(handlers)

	// Start HTTP server
	srv := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           server.NewRouter(p, cfg.Server.AdminToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("address", cfg.ServerAddress()).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Start Telegram bot and poller
	bot.Start()
	p.Start()
	logger.Info().Int("interval_sec", cfg.Poller.Interval).Msg("Poller started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	bot.Stop()

	logger.Info().Msg("Shutdown complete")
}
