// Package main is the entry point for the sync worker fleet.
//
// The worker owns everything that happens in the background:
//   - Guild discovery: roster fetch, member reconciliation, metadata refresh
//   - Active member sync: batched character stat updates from both providers
//   - Activity checks: last-login probes and activity classification
//   - Scheduler ticks: promoting recurring per-guild cycles into queue jobs
//
// The API server never talks to the upstream providers; every provider call
// runs here, behind the per-queue concurrency ceilings.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guildhub/guild-sync-hub/config"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/alert"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/blizzard"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/provider"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/raiderio"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/messaging"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/postgres"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/redis"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/queue"
	"github.com/guildhub/guild-sync-hub/internal/workers"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting guild sync worker",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"debug", cfg.App.Debug,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. DATABASE
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to database...")
	dbCfg := postgres.DefaultConfig()
	dbCfg.URL = cfg.Database.URL
	dbCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
	dbCfg.MinConns = int32(cfg.Database.MinIdleConns)
	dbCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	dbConn, err := postgres.NewConnection(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection...")
		dbConn.Close()
	}()
	log.Info("database connection established")

	// ─────────────────────────────────────────────────────────────────────────
	// 4. MIGRATIONS
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("checking database migrations...")
	migrator := postgres.NewMigrator(dbConn)
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database schema is up to date")

	// ─────────────────────────────────────────────────────────────────────────
	// 5. REDIS
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to Redis...")
	redisCfg := redis.DefaultConfig()
	redisCfg.Host = cfg.Redis.Host
	redisCfg.Port = cfg.Redis.Port
	redisCfg.Password = cfg.Redis.Password
	redisCfg.DB = cfg.Redis.DB
	redisCfg.PoolSize = cfg.Redis.PoolSize
	redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
	redisCfg.DialTimeout = cfg.Redis.DialTimeout
	redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
	redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

	cache, err := redis.NewCache(redisCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer func() {
		log.Info("closing Redis connection...")
		_ = cache.Close()
	}()
	log.Info("Redis connection established")

	// ─────────────────────────────────────────────────────────────────────────
	// 6. REPOSITORIES
	// ─────────────────────────────────────────────────────────────────────────
	guildRepo := postgres.NewGuildRepository(dbConn)
	memberRepo := postgres.NewMemberRepository(dbConn)
	jobRepo := postgres.NewSyncJobRepository(dbConn)
	errorRepo := postgres.NewSyncErrorRepository(dbConn)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. UPSTREAM PROVIDERS
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing provider clients...")

	tokenCfg := blizzard.DefaultTokenManagerConfig(cfg.Provider.ClientID, cfg.Provider.ClientSecret)
	tokenCfg.OAuthURL = cfg.Provider.OAuthURL
	tokenCfg.Logger = log
	tokens := blizzard.NewTokenManager(tokenCfg, cache)

	officialCfg := blizzard.DefaultClientConfig()
	officialCfg.BaseURL = cfg.Provider.GameAPIBaseURL
	officialCfg.Timeout = cfg.Provider.RequestTimeout
	officialCfg.ActivityTimeout = cfg.Provider.ActivityTimeout
	officialCfg.Logger = log
	official := blizzard.NewClient(officialCfg, tokens)

	statsCfg := raiderio.DefaultClientConfig()
	statsCfg.BaseURL = cfg.Provider.StatsAPIBaseURL
	statsCfg.Timeout = cfg.Provider.RequestTimeout
	statsCfg.Logger = log
	stats := raiderio.NewClient(statsCfg)

	providerCfg := provider.DefaultConfig()
	providerCfg.ActivityDelay = cfg.Provider.ActivityDelay
	providerCfg.Logger = log
	providerSvc := provider.NewService(providerCfg, stats, official)

	// ─────────────────────────────────────────────────────────────────────────
	// 8. MESSAGING AND ALERTS
	// ─────────────────────────────────────────────────────────────────────────
	publisher := messaging.NewPublisher(cache, log)
	alerts := alert.NewNotifier(cfg.Alert.WebhookURL, cfg.Alert.Timeout, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 9. QUEUE AND WORKERS
	// ─────────────────────────────────────────────────────────────────────────
	queueCfg := queue.DefaultConfig()
	queueCfg.MaxAttempts = cfg.Queue.MaxAttempts
	queueCfg.RetryBackoff = cfg.Queue.RetryBackoff
	queueCfg.PollInterval = cfg.Queue.PollInterval
	q := queue.New(cache, queueCfg)

	scheduler := queue.NewScheduler(q, cache, log)
	schedules := queue.NewSchedules(q, scheduler)

	discovery := workers.NewDiscoveryWorker(
		guildRepo, memberRepo, jobRepo, errorRepo, official, providerSvc, publisher, alerts, log)
	syncScheduler := workers.NewSyncSchedulerWorker(
		guildRepo, memberRepo, jobRepo, q, cfg.Queue.BatchSize, log)
	characterSync := workers.NewCharacterSyncWorker(
		guildRepo, memberRepo, jobRepo, errorRepo, providerSvc, publisher, alerts,
		cfg.Provider.CharSyncDelay, log)
	activityCheck := workers.NewActivityCheckWorker(guildRepo, memberRepo, providerSvc, log)

	worker := queue.NewWorker(q, log)
	worker.Register(queue.QueueDiscovery, cfg.Queue.DiscoveryConcurrency, discovery.Handle)
	worker.Register(queue.QueueScheduler, cfg.Queue.SchedulerConcurrency, syncScheduler.Handle)
	worker.Register(queue.QueueCharacterSync, cfg.Queue.CharacterSyncConcurrency, characterSync.Handle)
	worker.Register(queue.QueueActivity, cfg.Queue.ActivityConcurrency, activityCheck.Handle)

	// ─────────────────────────────────────────────────────────────────────────
	// 10. RECURRING SCHEDULES
	// ─────────────────────────────────────────────────────────────────────────
	// Re-register every sync-enabled guild on startup so schedule entries
	// survive Redis flushes and interval changes take effect on restart.
	log.Info("registering guild schedules...")
	enabled, err := guildRepo.ListSyncEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sync-enabled guilds: %w", err)
	}
	for _, g := range enabled {
		err := schedules.RegisterGuild(ctx, g.ID, g.DiscoveryIntervalHours, g.ActiveSyncIntervalMin)
		if err != nil {
			log.Warn("failed to register guild schedule",
				"guild", g.Name, "guild_id", g.ID, "error", err)
		}
	}
	log.Info("guild schedules registered", "guilds", len(enabled))

	// ─────────────────────────────────────────────────────────────────────────
	// 11. START
	// ─────────────────────────────────────────────────────────────────────────
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	if err := worker.Start(workerCtx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	go scheduler.Run(workerCtx)

	log.Info("guild sync worker is running",
		"discovery_concurrency", cfg.Queue.DiscoveryConcurrency,
		"character_sync_concurrency", cfg.Queue.CharacterSyncConcurrency,
		"activity_concurrency", cfg.Queue.ActivityConcurrency,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 12. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("context canceled")
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	stopWorkers()

	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("shutdown completed successfully")
	case <-time.After(cfg.App.ShutdownTimeout):
		log.Warn("shutdown timeout exceeded, exiting with jobs in flight")
	}

	return nil
}

// setupLogger configures structured logging: JSON in production for log
// aggregators, text everywhere else.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}
