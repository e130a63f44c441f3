package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/cadence/internal/alert"
	"github.com/foxzi/cadence/internal/api"
	"github.com/foxzi/cadence/internal/cache"
	"github.com/foxzi/cadence/internal/config"
	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/ingest"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/ratelimit"
	"github.com/foxzi/cadence/internal/repository"
	"github.com/foxzi/cadence/internal/sandbox"
	"github.com/foxzi/cadence/internal/scheduler"
	"github.com/foxzi/cadence/internal/sequence"
)

// App is the main application
type App struct {
	config  *config.Config
	version string
	logger  *slog.Logger

	db             *db.DB
	local          *bolt.DB
	store          *repository.Store
	cacheStorage   cache.Storage
	defs           *cache.Definitions
	rateLimiter    *ratelimit.Limiter
	sandboxStorage *sandbox.Storage
	alerter        alert.Alerter

	sequences *sequence.Service
	ingestor  *ingest.Ingestor
	scheduler *scheduler.Scheduler
	consumer  *ingest.Consumer
	apiServer *api.Server

	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New builds every component. Nothing listens until Run.
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)
	a := &App{config: cfg, version: version, logger: logger}

	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.config
	ctx := context.Background()

	var err error
	a.db, err = OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if err := a.db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.store = repository.NewStore(a.db)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	a.local, err = bolt.Open(cfg.Storage.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open local storage: %w", err)
	}

	switch cfg.Cache.Driver {
	case "redis":
		redisStorage, err := cache.NewRedisStorage(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.cacheStorage = redisStorage
		a.logger.Info("definition cache", "driver", "redis", "addr", cfg.Cache.RedisAddr)
	default:
		a.cacheStorage = cache.NewMemoryStorage()
	}
	a.defs = cache.NewDefinitions(a.cacheStorage, a.store.Sequences, cfg.Cache.TTL, a.logger)

	if cfg.RateLimit.Enabled {
		rlConfig := &ratelimit.Config{
			Channels:      make(map[string]ratelimit.LimitConfig),
			FlushInterval: cfg.RateLimit.FlushInterval,
		}
		for channel := range cfg.RateLimit.Channels {
			if lv := cfg.RateLimitFor(channel); lv != nil {
				rlConfig.Channels[channel] = ratelimit.LimitConfig{PerHour: lv.PerHour, PerDay: lv.PerDay}
			}
		}
		a.rateLimiter, err = ratelimit.NewLimiter(a.local, rlConfig)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.logger.Info("rate limiting enabled", "channels", len(rlConfig.Channels))
	}

	router, err := a.buildRouter()
	if err != nil {
		return err
	}

	a.alerter, err = alert.New(cfg.Alerting.SentryDSN, cfg.Alerting.Environment, a.version, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create alerter: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, a.logger)
		a.collector = metrics.NewCollector(a.metrics, a.store.Enrollments, cfg.Storage.Path, 0)
	}

	a.sequences = sequence.NewService(a.store, a.defs, router, a.logger)
	a.ingestor = ingest.New(a.store, a.defs, a.logger)

	schedOpts := scheduler.Options{
		Store:    a.store,
		Defs:     a.defs,
		Sender:   router,
		Alerter:  a.alerter,
		Enroller: a.sequences,
	}
	if a.rateLimiter != nil {
		schedOpts.Limiter = a.rateLimiter
	}
	a.scheduler = scheduler.New(schedOpts, scheduler.Config{
		SweepInterval:      cfg.Scheduler.SweepInterval,
		BatchSize:          cfg.Scheduler.BatchSize,
		Workers:            cfg.Scheduler.Workers,
		LeaseTTL:           cfg.Scheduler.LeaseTTL,
		MaxAttempts:        cfg.Scheduler.MaxAttempts,
		BaseBackoff:        cfg.Scheduler.BaseBackoff,
		MaxBackoff:         cfg.Scheduler.MaxBackoff,
		DispatchTimeout:    cfg.Scheduler.DispatchTimeout,
		DefaultMaxDuration: cfg.Voice.DefaultMaxDuration,
		Trickle:            cfg.Scheduler.TrickleEnabled(),
	}, a.logger)

	if cfg.Events.AMQPURL != "" {
		a.consumer = ingest.NewConsumer(a.ingestor, ingest.ConsumerConfig{
			URL:      cfg.Events.AMQPURL,
			Queue:    cfg.Events.Queue,
			Prefetch: cfg.Events.Prefetch,
		}, a.logger)
	}

	apiOpts := api.Options{
		Sequences: a.sequences,
		Ingestor:  a.ingestor,
		Leads:     a.store.Leads,
		Version:   a.version,
	}
	if a.sandboxStorage != nil {
		apiOpts.Sandbox = a.sandboxStorage
	}
	if a.rateLimiter != nil {
		apiOpts.Limits = a.rateLimiter
	}
	a.apiServer = api.NewServer(apiOpts, &cfg.Server, a.logger)

	return nil
}

// buildRouter registers a sender per configured channel. Sandbox mode
// captures every channel instead.
func (a *App) buildRouter() (*dispatch.Router, error) {
	cfg := a.config
	router := dispatch.NewRouter()

	if cfg.Sandbox.Enabled {
		storage, err := sandbox.NewStorage(a.local)
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox storage: %w", err)
		}
		a.sandboxStorage = storage
		sandbox.Install(router, storage, a.logger)
		a.logger.Warn("sandbox mode enabled, outbound messages are captured and not delivered")
		return router, nil
	}

	if cfg.Email.Enabled {
		opts := dispatch.EmailOptions{
			Addr:         cfg.Email.SMTPAddr,
			Username:     cfg.Email.Username,
			Password:     cfg.Email.Password,
			From:         cfg.Email.From,
			FromName:     cfg.Email.FromName,
			StartTLS:     cfg.Email.StartTLS,
			Timeout:      cfg.Email.Timeout,
			TrackingBase: cfg.Email.TrackingBase,
		}
		if cfg.Email.DKIM.Enabled {
			signer, err := dispatch.LoadDKIMSigner(cfg.Email.DKIM.KeyFile, cfg.Email.DKIM.Domain, cfg.Email.DKIM.Selector)
			if err != nil {
				return nil, fmt.Errorf("failed to load DKIM key: %w", err)
			}
			opts.Signer = signer
			a.logger.Info("DKIM signing enabled", "domain", cfg.Email.DKIM.Domain, "selector", cfg.Email.DKIM.Selector)
		}
		router.Register(models.StepEmail, dispatch.NewEmailSender(opts, a.logger))
	}

	if cfg.SMS.Enabled {
		sender, err := dispatch.NewSMSSender(cfg.SMS.AccountSID, cfg.SMS.AuthToken, cfg.SMS.From, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sms sender: %w", err)
		}
		router.Register(models.StepSMS, sender)
	}

	if cfg.Voice.Enabled {
		sender, err := dispatch.NewVoiceSender(dispatch.VoiceOptions{
			BaseURL:       cfg.Voice.BaseURL,
			APIKey:        cfg.Voice.APIKey,
			PhoneNumberID: cfg.Voice.PhoneNumberID,
			Timeout:       cfg.Voice.Timeout,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create voice sender: %w", err)
		}
		router.Register(models.StepCall, sender)
	}

	return router, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting cadence",
		"version", a.version,
		"api_addr", a.config.Server.ListenAddr,
		"database", a.config.Database.Driver,
		"scheduler", a.config.Scheduler.IsEnabled(),
		"sandbox", a.config.Sandbox.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.config.Scheduler.IsEnabled() {
		a.scheduler.Start(ctx)
	}
	if a.consumer != nil {
		a.consumer.Start(ctx)
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop taking new work before closing the servers
	a.scheduler.Stop()
	if a.consumer != nil {
		a.consumer.Stop()
	}
	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage handles. It is safe on a partly built App.
func (a *App) Close() {
	if a.alerter != nil {
		a.alerter.Flush(2 * time.Second)
	}
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}
	if a.cacheStorage != nil {
		if err := a.cacheStorage.Close(); err != nil {
			a.logger.Error("cache close error", "error", err)
		}
	}
	if a.local != nil {
		if err := a.local.Close(); err != nil {
			a.logger.Error("local storage close error", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
}

// Sweep runs one scheduler sweep
func (a *App) Sweep(ctx context.Context) (*scheduler.SweepResult, error) {
	return a.scheduler.Sweep(ctx)
}

// CleanupResult reports what Cleanup removed
type CleanupResult struct {
	Events          int64
	SandboxMessages int
}

// Cleanup deletes events, and captured sandbox messages, older than olderThan
func (a *App) Cleanup(ctx context.Context, olderThan time.Duration) (*CleanupResult, error) {
	if olderThan <= 0 {
		olderThan = a.config.Events.Retention
	}

	res := &CleanupResult{}
	n, err := a.ingestor.Cleanup(ctx, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to delete events: %w", err)
	}
	res.Events = n

	if a.sandboxStorage != nil {
		cleared, err := a.sandboxStorage.Clear(ctx, olderThan)
		if err != nil {
			return nil, fmt.Errorf("failed to clear sandbox: %w", err)
		}
		res.SandboxMessages = cleared
	}
	return res, nil
}

// OpenDatabase opens the SQL store named by cfg
func OpenDatabase(cfg config.DatabaseConfig) (*db.DB, error) {
	return db.Open(cfg.Driver, cfg.DSN, db.Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
