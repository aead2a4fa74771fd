// Package app initializes and holds the long-lived application services,
// acting as the dependency injection container for the fetchq binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediafetch/fetchq/internal/admission"
	"github.com/mediafetch/fetchq/internal/admission/rediswindow"
	"github.com/mediafetch/fetchq/internal/api"
	"github.com/mediafetch/fetchq/internal/clock/system"
	"github.com/mediafetch/fetchq/internal/config"
	"github.com/mediafetch/fetchq/internal/download"
	"github.com/mediafetch/fetchq/internal/hash/sha256"
	"github.com/mediafetch/fetchq/internal/id/uuid"
	"github.com/mediafetch/fetchq/internal/metrics"
	notifymemory "github.com/mediafetch/fetchq/internal/notify/memory"
	notifypubsub "github.com/mediafetch/fetchq/internal/notify/pubsub"
	"github.com/mediafetch/fetchq/internal/queue"
	"github.com/mediafetch/fetchq/internal/scrape/extractor"
	"github.com/mediafetch/fetchq/internal/settings"
	"github.com/mediafetch/fetchq/internal/shutdown"
	storememory "github.com/mediafetch/fetchq/internal/store/memory"
	storepostgres "github.com/mediafetch/fetchq/internal/store/postgres"
	"github.com/mediafetch/fetchq/internal/worker"
)

// App owns every long-lived service and the order they shut down in.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	queue       *queue.Queue
	pool        *worker.Pool
	processor   *worker.Processor
	server      *api.Server
	registry    *metrics.Registry
	coordinator *shutdown.Coordinator

	closers []func()
}

// New builds the service graph from configuration. Critical dependencies
// fail fast; optional backends (Redis windows, Pub/Sub delivery, Postgres
// persistence) degrade to in-process fallbacks with a logged warning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	// Window counters. Redis makes the attempt and rate windows shared
	// across instances; without it each instance counts alone.
	var attempts, rates download.WindowStore
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		attemptWindow, err := rediswindow.New(ctx, client, cfg.Admission.AttemptWindow)
		if err != nil {
			logger.Warn("redis window store unavailable, falling back to in-process windows", zap.Error(err))
			_ = client.Close()
		} else {
			rateWindow, _ := rediswindow.New(ctx, client, cfg.Admission.RateWindow)
			attempts = attemptWindow
			rates = rateWindow
			a.closers = append(a.closers, func() { _ = client.Close() })
		}
	}
	if attempts == nil {
		attempts = admission.NewWindow(admission.WindowConfig{
			Window:     cfg.Admission.AttemptWindow,
			SweepEvery: cfg.Admission.WindowSweepEvery,
			MaxEntries: cfg.Admission.WindowMaxEntries,
		}, clock)
		rates = admission.NewWindow(admission.WindowConfig{
			Window:     cfg.Admission.RateWindow,
			SweepEvery: cfg.Admission.WindowSweepEvery,
			MaxEntries: cfg.Admission.WindowMaxEntries,
		}, clock)
	}

	// Persistence. Without a DSN the service runs on in-memory stores,
	// which suits development and tests but forgets everything on restart.
	var (
		creds      download.CredentialStore
		credWriter admission.CredentialWriter
		audit      download.AuditLog
		records    api.RecordFinder
	)
	if cfg.DB.DSN != "" {
		pool, err := storepostgres.NewPool(ctx, storepostgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		credStore, err := storepostgres.NewCredentialStoreWithPool(pool, clock)
		if err != nil {
			return nil, err
		}
		recordStore, err := storepostgres.NewRecordStoreWithPool(pool, clock)
		if err != nil {
			return nil, err
		}
		creds = credStore
		credWriter = credStore
		audit = recordStore
		records = recordStore
	} else {
		logger.Warn("db.dsn not set, using in-memory stores")
		credStore := storememory.NewCredentialStore(clock)
		recordStore := storememory.NewRecordStore(clock)
		creds = credStore
		credWriter = credStore
		audit = recordStore
		records = recordStore
	}

	validator := admission.NewValidator(creds, hasher, attempts, rates, clock, admission.Config{
		MinSecretLength:  cfg.Admission.MinSecretLength,
		SecretPrefixLen:  cfg.Admission.SecretPrefixLen,
		AttemptLimit:     cfg.Admission.AttemptLimit,
		DefaultRateLimit: cfg.Admission.DefaultRateLimit,
		CacheTTL:         cfg.Admission.CredentialCacheTTL,
	}, logger.Named("admission"))

	// Credential writes go through the directory so the validator cache is
	// invalidated in the same call.
	directory := admission.NewDirectory(credWriter, validator, hasher, idGen, clock)

	// Delivery. Pub/Sub failures at startup degrade to the in-process
	// notifier so the pipeline keeps running for local consumers.
	var notifier download.Notifier
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pn, err := notifypubsub.New(ctx, notifypubsub.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicName: cfg.PubSub.TopicName,
		})
		if err != nil {
			logger.Warn("pubsub notifier unavailable, falling back to in-process notifier", zap.Error(err))
		} else {
			notifier = pn
			a.closers = append(a.closers, func() { _ = pn.Close() })
		}
	}
	if notifier == nil {
		notifier = notifymemory.New(100, logger.Named("notify"))
	}

	scraper, err := extractor.New(extractor.Config{
		Endpoint: cfg.Scraper.Endpoint,
		Timeout:  cfg.Scraper.Timeout,
	}, logger.Named("extractor"))
	if err != nil {
		return nil, err
	}

	provider := settings.New(download.MaintenanceState{
		Active: cfg.Maintenance.Active,
		Scope:  cfg.Maintenance.Scope,
	}, cfg.Platforms.Disabled)

	a.registry = metrics.New(metrics.Config{})
	a.queue = queue.New(queue.Config{
		MaxDepth:         cfg.Queue.MaxDepth,
		HistoryCompleted: cfg.Queue.HistoryCompleted,
		HistoryFailed:    cfg.Queue.HistoryFailed,
	})

	a.processor = worker.NewProcessor(
		scraper, notifier, audit, provider, creds,
		idGen, clock, nil,
		worker.ProcessorConfig{
			ScrapeTimeout:  cfg.Worker.ScrapeTimeout,
			DeliverTimeout: cfg.Worker.DeliverTimeout,
		},
		logger.Named("processor"),
	)

	a.pool = worker.NewPool(a.queue, a.processor, a.registry, clock, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		DequeueJobs:   cfg.Worker.DequeueJobs,
		DequeueWindow: cfg.Worker.DequeueWindow,
		GracePeriod:   cfg.Worker.GracePeriod,
		MaxAttempts:   cfg.Worker.MaxAttempts,
		BackoffDelay:  cfg.Worker.BackoffDelay,
	}, logger.Named("worker"))

	a.server = api.NewServer(
		validator, a.queue, a.pool, a.registry, records, directory,
		provider, provider.SetMaintenance, provider.SetPlatformEnabled,
		idGen, clock,
		api.Config{
			RequestTimeout: cfg.Server.RequestTimeout,
			AdminKey:       cfg.Server.AdminKey,
		},
		logger.Named("api"),
	)

	a.coordinator = shutdown.New(cfg.Worker.GracePeriod+30*time.Second, logger.Named("shutdown"))
	return a, nil
}

// Run starts the worker pool and HTTP server, blocks until ctx is
// cancelled, then executes the shutdown sequence.
func (a *App) Run(ctx context.Context) error {
	if err := a.pool.Start(context.Background()); err != nil {
		// The pool refusing to start leaves admission and metrics up;
		// submissions will stack into the queue until its depth cap.
		a.logger.Error("worker pool disabled", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.coordinator.Register("drain api", func(ctx context.Context) error {
		a.server.SetDraining()
		return srv.Shutdown(ctx)
	})
	a.coordinator.Register("close queue", func(ctx context.Context) error {
		a.queue.Close()
		return nil
	})
	a.coordinator.Register("stop workers", a.pool.Close)
	a.coordinator.Register("flush side effects", func(ctx context.Context) error {
		a.processor.Wait()
		return nil
	})
	a.coordinator.Register("close backends", func(ctx context.Context) error {
		for _, close := range a.closers {
			close()
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-errCh:
		a.logger.Error("http server error", zap.Error(err))
		a.coordinator.Shutdown(context.Background())
		return err
	}

	a.coordinator.Shutdown(context.Background())
	return nil
}
