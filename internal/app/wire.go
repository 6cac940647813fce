package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	s3blob "github.com/alanyoungcy/racewatch/internal/blob/s3"
	"github.com/alanyoungcy/racewatch/internal/bootstrap"
	"github.com/alanyoungcy/racewatch/internal/cache/redis"
	"github.com/alanyoungcy/racewatch/internal/config"
	"github.com/alanyoungcy/racewatch/internal/domain"
	"github.com/alanyoungcy/racewatch/internal/feed"
	"github.com/alanyoungcy/racewatch/internal/metrics"
	"github.com/alanyoungcy/racewatch/internal/notify"
	"github.com/alanyoungcy/racewatch/internal/scheduler"
	"github.com/alanyoungcy/racewatch/internal/server"
	"github.com/alanyoungcy/racewatch/internal/server/handler"
	"github.com/alanyoungcy/racewatch/internal/sink"
	"github.com/alanyoungcy/racewatch/internal/store/memory"
	"github.com/alanyoungcy/racewatch/internal/store/postgres"
	"github.com/alanyoungcy/racewatch/internal/watcher"
)

// Dependencies bundles the components the application modes run. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Location *time.Location

	Scheduler    *scheduler.Scheduler
	Watcher      *watcher.Watcher
	Bootstrapper *bootstrap.Bootstrapper
	// Daily is nil when no catalogue cron is configured.
	Daily *bootstrap.Daily
	// Server is nil when the HTTP server is disabled.
	Server *server.Server
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps := &Dependencies{Location: loc}
	health := map[string]handler.Pinger{}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	msink := metrics.NewPrometheusSink(reg, logger)

	// --- PostgreSQL ---
	var pgClient *postgres.Client
	if cfg.NeedsPostgres() {
		pgClient, err = postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			ApplicationName: "racewatch",
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)
		health["postgres"] = pgClient

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
	}

	// --- Activation store ---
	var store domain.ActivationStore
	switch cfg.Store.Driver {
	case "memory":
		logger.WarnContext(ctx, "using in-memory activation store; pending activations will not survive a restart")
		store = memory.NewActivationStore()
	default:
		store = postgres.NewActivationStore(pgClient.Pool())
	}

	// --- Redis ---
	var (
		watchOpts   []watcher.Option
		transitions *handler.TransitionHandler
	)
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		health["redis"] = redisClient

		bus := redis.NewTransitionBus(redisClient)
		watchOpts = append(watchOpts, watcher.WithEvents(bus))
		transitions = handler.NewTransitionHandler(bus, logger)
		if cfg.Watcher.UseLock {
			watchOpts = append(watchOpts, watcher.WithLocks(redis.NewLockManager(redisClient)))
		}
	}

	// --- S3 ---
	var blobStore *s3blob.Store
	if cfg.NeedsS3() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		blobStore = s3blob.NewStore(s3Client)
		health["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		watchOpts = append(watchOpts, watcher.WithEvents(notify.NewNotifier(senders, cfg.Notify.States, loc, logger)))
	}

	// --- Snapshot sinks ---
	var sinks sink.Multi
	for _, backend := range cfg.Sink.Backends {
		switch backend {
		case "file":
			sinks = append(sinks, sink.NewFileSink(cfg.Sink.Dir, loc, logger))
		case "s3":
			sinks = append(sinks, sink.NewBlobSink(blobStore, cfg.Sink.S3Prefix, loc))
		case "postgres":
			sinks = append(sinks, postgres.NewSnapshotStore(pgClient.Pool()))
		}
	}

	// --- Core ---
	deps.Scheduler = scheduler.New(scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval.Duration,
		StaleAfter:   cfg.Scheduler.StaleAfter.Duration,
		BatchSize:    cfg.Scheduler.BatchSize,
		Workers:      cfg.Scheduler.Workers,
	}, store, msink, logger)

	feedClient := feed.NewClient(feed.Config{
		URL:              cfg.Feed.WSURL,
		AppKey:           cfg.Feed.AppKey,
		SessionToken:     cfg.Feed.SessionToken,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout.Duration,
		BufferSize:       cfg.Feed.BufferSize,
	}, logger)

	watchOpts = append(watchOpts, watcher.WithMetrics(msink))
	deps.Watcher = watcher.New(watcher.Config{
		CheckpointOffset: cfg.Watcher.CheckpointOffset.Duration,
		FastPoll:         cfg.Watcher.FastPoll.Duration,
		LockTTL:          cfg.Watcher.LockTTL.Duration,
	}, feedClient, sinks, deps.Scheduler, logger, watchOpts...)
	closers = append(closers, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := deps.Watcher.Close(flushCtx); err != nil {
			logger.Warn("transition events not flushed", slog.String("error", err.Error()))
		}
	})

	var source domain.CatalogueSource
	switch cfg.Catalogue.Source {
	case "s3":
		source = bootstrap.BlobCatalogue{Reader: blobStore, Prefix: cfg.Catalogue.S3Prefix, Pattern: cfg.Catalogue.FilePattern}
	default:
		source = bootstrap.FileCatalogue{Dir: cfg.Catalogue.Dir, Pattern: cfg.Catalogue.FilePattern}
	}
	deps.Bootstrapper = bootstrap.New(source, deps.Scheduler, cfg.Catalogue.LeadTime.Duration, msink, logger)

	if cfg.Catalogue.Cron != "" {
		deps.Daily, err = bootstrap.NewDaily(deps.Bootstrapper, cfg.Catalogue.Cron, loc)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
	}

	// --- HTTP server ---
	if cfg.Server.Enabled {
		deps.Server = server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: slices.Clone(cfg.Server.CORSOrigins),
			APIKey:      cfg.Server.APIKey,
		}, server.Handlers{
			Health:      handler.NewHealthHandler(health, logger),
			Activations: handler.NewActivationHandler(deps.Scheduler, logger),
			Transitions: transitions,
			Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		}, logger)
	}

	return deps, cleanup, nil
}
