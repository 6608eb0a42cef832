package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"actnexus/internal/assistant"
	"actnexus/internal/books/status"
	"actnexus/internal/books/store"
	"actnexus/internal/extraction"
	"actnexus/internal/ledger"
	ledgermetrics "actnexus/internal/ledger/metrics"
	ledgerstore "actnexus/internal/ledger/store"
	"actnexus/internal/objectstore"
	"actnexus/internal/platform/config"
	"actnexus/internal/platform/httpserver"
	"actnexus/internal/platform/logger"
	"actnexus/internal/platform/metrics"
	"actnexus/internal/platform/postgres"
	"actnexus/internal/platform/redis"
	"actnexus/internal/platform/workqueue"
	"actnexus/internal/processing"
	"actnexus/internal/processing/events"
	processingmetrics "actnexus/internal/processing/metrics"
	"actnexus/internal/ratelimit"
	"actnexus/internal/settings"
	"actnexus/internal/settings/cache"
	settingsstore "actnexus/internal/settings/store"
	txcontext "actnexus/pkg/platform/tx"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepLockKey    = "actnexus:ledger:sweep"
)

// app holds the wired services and the resources main must release.
type app struct {
	cfg        config.Config
	log        *slog.Logger
	db         *sql.DB
	redis      *redis.Client
	docs       *objectstore.GCSStore
	extractor  *extraction.Client
	usage      *ledger.Service
	sweeper    *ledger.Sweeper
	settings   *settings.Service
	pool       *workqueue.Pool
	publisher  events.Publisher
	processing *processing.Service
	assistant  *assistant.Service
	limiter    *ratelimit.Middleware
	httpm      *metrics.Metrics
}

// main wires dependencies, serves HTTP and runs the background loops until a
// termination signal arrives.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, httpm: metrics.New()}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	if cfg.Database.MigrateOnStart {
		applied, err := postgres.Migrate(ctx, db)
		if err != nil {
			a.close()
			return nil, err
		}
		if len(applied) > 0 {
			log.Info("migrations applied", "versions", applied)
		}
	}

	a.redis, err = redis.New(ctx, cfg.Redis)
	if err != nil {
		a.close()
		return nil, err
	}

	a.docs, err = objectstore.NewGCS(ctx, cfg.ObjectStore, log)
	if err != nil {
		a.close()
		return nil, err
	}

	flowFile, err := config.LoadFlowFile(cfg.AI.FlowsFile)
	if err != nil {
		a.close()
		return nil, err
	}
	a.extractor = extraction.New(cfg.AI, cfg.AI.MergeFlows(flowFile), extraction.WithLogger(log))

	a.usage = ledger.New(ledgerstore.NewPostgres(db),
		ledger.WithLogger(log),
		ledger.WithMetrics(ledgermetrics.New()),
		ledger.WithPricing(ledger.Pricing{
			Model:      cfg.AI.ModelName,
			PerKInput:  cfg.AI.CostPer1KInput,
			PerKOutput: cfg.AI.CostPer1KOutput,
		}),
		ledger.WithStaleAfter(cfg.Ledger.StaleAfter),
		ledger.WithHealthThresholds(cfg.Ledger.WarnErrorRate, cfg.Ledger.CritErrorRate),
	)
	var locker ledger.Locker = ledger.NewFileLocker(cfg.Ledger.LockFile)
	if a.redis != nil {
		locker = ledger.NewRedisLocker(a.redis, sweepLockKey, cfg.Ledger.SweepInterval)
	}
	a.sweeper = ledger.NewSweeper(a.usage, locker, cfg.Ledger.Retention, cfg.Ledger.SweepInterval, log)

	var settingsCache cache.Cache = cache.NewMemory(cfg.Redis.SettingsTTL)
	if a.redis != nil {
		settingsCache = cache.NewRedis(a.redis, cfg.Redis.SettingsTTL)
	}
	a.settings = settings.New(settingsstore.NewPostgres(db), settingsCache,
		settings.WithLogger(log),
		settings.WithNotaryDefaults(cfg.Notary),
	)

	var limits ratelimit.Store = ratelimit.NewMemoryStore()
	if a.redis != nil {
		limits = ratelimit.NewRedisStore(a.redis)
	}
	a.limiter = ratelimit.New(limits, log, ratelimit.WithDisabled(cfg.RateLimit.Disabled))

	a.publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafka(ctx, cfg.Kafka, log)
		if err != nil {
			a.close()
			return nil, err
		}
		a.publisher = kafka
	}

	a.pool = workqueue.New(cfg.Worker.Workers, cfg.Worker.QueueSize, log,
		workqueue.WithRetention(cfg.Worker.RetainResults),
	)

	pm := processingmetrics.New()
	machine := status.New(store.NewPostgresBookStore(db),
		status.WithLogger(log),
		status.WithRecorder(pm),
	)
	acts := store.NewPostgresActStore(db)
	a.processing = processing.New(machine, acts, txcontext.NewRunner(db), a.docs, a.extractor, a.usage, a.pool,
		processing.WithLogger(log),
		processing.WithMetrics(pm),
		processing.WithEvents(a.publisher),
		processing.WithNotary(a.settings),
		processing.WithConfig(processing.Config{
			ExtractorURLTTL:  cfg.ObjectStore.ExtractorURLTTL,
			DownloadURLTTL:   cfg.ObjectStore.DownloadURLTTL,
			MaxUploadBytes:   cfg.Server.MaxUploadBytes,
			ExtractorVersion: cfg.AI.ExtractorVersion,
		}),
	)
	a.assistant = assistant.New(a.extractor, acts, a.usage, a.pool, assistant.WithLogger(log))
	return a, nil
}

// run serves until ctx is cancelled, then drains HTTP and the work queue.
func (a *app) run(ctx context.Context) error {
	srv := httpserver.New(a.cfg.Server.Addr, a.router())

	loops, loopCtx := errgroup.WithContext(ctx)
	a.pool.Start(loopCtx)
	loops.Go(func() error {
		return ignoreCancel(a.processing.RunReclaimer(loopCtx, time.Minute, a.cfg.Worker.StaleRunAfter))
	})
	loops.Go(func() error {
		return ignoreCancel(a.sweeper.Run(loopCtx))
	})
	loops.Go(func() error {
		a.log.Info("starting actnexus", "addr", a.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	loops.Go(func() error {
		<-loopCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("http shutdown failed", "error", err)
		}
		if err := a.pool.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("work queue did not drain", "error", err)
		}
		return nil
	})
	return loops.Wait()
}

func (a *app) close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.docs != nil {
		if err := a.docs.Close(); err != nil {
			a.log.Warn("object store close failed", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
