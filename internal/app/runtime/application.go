// Package runtime wires configuration, storage, coordination, the scheduler
// and the ops HTTP server into one process.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/pricewatch/internal/app/httpapi"
	"github.com/R3E-Network/pricewatch/internal/app/services/notify"
	"github.com/R3E-Network/pricewatch/internal/app/services/orchestrator"
	"github.com/R3E-Network/pricewatch/internal/app/services/prices"
	"github.com/R3E-Network/pricewatch/internal/app/storage/postgres"
	"github.com/R3E-Network/pricewatch/internal/app/system"
	"github.com/R3E-Network/pricewatch/internal/cache"
	"github.com/R3E-Network/pricewatch/internal/config"
	"github.com/R3E-Network/pricewatch/internal/coordination"
	"github.com/R3E-Network/pricewatch/internal/httputil"
	"github.com/R3E-Network/pricewatch/internal/middleware"
	"github.com/R3E-Network/pricewatch/internal/platform/migrations"
	"github.com/R3E-Network/pricewatch/pkg/logger"
)

// Application wires core dependencies and manages the process lifecycle.
type Application struct {
	cfg         *config.Config
	log         *logger.Logger
	db          *sql.DB
	coord       coordination.Coordinator
	sink        notify.Sink
	manager     *system.Manager
	httpServer  *http.Server
	limiter     *middleware.RateLimiter
	stopCleanup chan struct{}
}

// NewApplication loads configuration and constructs the application.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})
	return New(ctx, cfg, log)
}

// New builds the application from an already validated configuration.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("pricewatch")
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		log.Info("database migrations applied")
	}
	store := postgres.New(db)

	coord, priceCache, err := buildCoordination(ctx, cfg, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	httpClient := httputil.NewClient(clientConfig(cfg.HTTP, log.Named("http")))
	fetcher, err := prices.NewHTTPFetcher(httpClient, cfg.Prices.APIURL, log.Named("prices"))
	if err != nil {
		coord.Close()
		db.Close()
		return nil, fmt.Errorf("configure price fetcher: %w", err)
	}
	priceSvc := prices.NewService(fetcher, priceCache, cfg.Prices.CacheTTL, log.Named("prices"))

	sink, err := buildSink(cfg, log.Named("notify"))
	if err != nil {
		coord.Close()
		db.Close()
		return nil, err
	}

	orch, err := orchestrator.New(orchestratorConfig(cfg), orchestrator.Dependencies{
		Coordinator: coord,
		Store:       store,
		Quotes:      priceSvc,
		Items:       orchestrator.NewStoreItemSource(store, cfg.TrackedItems),
		Sink:        sink,
	}, log.Named("orchestrator"))
	if err != nil {
		coord.Close()
		db.Close()
		return nil, err
	}

	manager := system.NewManager()
	if err := manager.Register(orch); err != nil {
		coord.Close()
		db.Close()
		return nil, err
	}

	limiter := middleware.NewRateLimiter(cfg.Ops.RequestsPerS, cfg.Ops.Burst, log.Named("middleware"))
	handler := httpapi.NewHandler(httpapi.Deps{
		Store:            store,
		Prices:           priceSvc,
		Jobs:             orch,
		Coordinator:      coord,
		InstanceID:       coord.InstanceID(),
		Region:           cfg.Prices.Region,
		DefaultThreshold: cfg.Notify.DefaultThreshold,
		Limiter:          limiter,
	}, log.Named("httpapi"))

	return &Application{
		cfg:         cfg,
		log:         log,
		db:          db,
		coord:       coord,
		sink:        sink,
		manager:     manager,
		limiter:     limiter,
		stopCleanup: make(chan struct{}),
		httpServer: &http.Server{
			Addr:              cfg.Ops.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// Run starts the scheduler and the HTTP server and blocks until ctx is
// cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.limiter.StartCleanup(time.Minute, a.stopCleanup)

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("ops API listening on %s", a.cfg.Ops.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the server and the scheduler, releases the leader lease and
// closes every connection.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	close(a.stopCleanup)
	if err := a.manager.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if closer, ok := a.sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.log.WithError(err).Warn("error closing notification sink")
		}
	}
	if err := a.coord.Close(); err != nil {
		a.log.WithError(err).Warn("error closing coordination store")
	}
	if err := a.db.Close(); err != nil {
		a.log.WithError(err).Warn("error closing database connection")
	}
	return errors.Join(errs...)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// buildCoordination returns the Redis-backed coordinator and cache when
// REDIS_URL is set, otherwise the single-instance fallbacks.
func buildCoordination(ctx context.Context, cfg *config.Config, log *logger.Logger) (coordination.Coordinator, cache.Cache, error) {
	if strings.TrimSpace(cfg.Redis.URL) == "" {
		log.Warn("REDIS_URL not set, running as a single instance with in-memory coordination")
		return coordination.NewLocal(""), cache.NewMemory(), nil
	}

	client, err := coordination.DialRedis(ctx, cfg.Redis.URL, cfg.Redis.PoolSize)
	if err != nil {
		return nil, nil, err
	}
	return newRedisCoordination(client, cfg.Redis, log), cache.NewRedis(client, cfg.Redis.KeyPrefix, cfg.Redis.OpTimeout), nil
}

func newRedisCoordination(client redis.UniversalClient, cfg config.RedisConfig, log *logger.Logger) *coordination.Redis {
	return coordination.NewRedis(client, coordination.RedisOptions{
		KeyPrefix: cfg.KeyPrefix,
		OpTimeout: cfg.OpTimeout,
		Logger:    log.Named("coordination"),
	})
}

func buildSink(cfg *config.Config, log *logger.Logger) (notify.Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Notify.Sink)) {
	case "", "log":
		return notify.NewLogSink(log), nil
	case "webhook":
		client := httputil.NewClient(clientConfig(cfg.HTTP, log))
		return notify.NewWebhookSink(client, cfg.Notify.WebhookURL), nil
	case "kafka":
		return notify.NewKafkaSink(cfg.KafkaBrokerList(), cfg.Notify.KafkaTopic), nil
	default:
		return nil, fmt.Errorf("%w: unsupported notification sink %q", config.ErrInvalidConfig, cfg.Notify.Sink)
	}
}

func clientConfig(cfg config.HTTPConfig, log *logger.Logger) httputil.ClientConfig {
	return httputil.ClientConfig{
		Timeout:     cfg.Timeout,
		Concurrency: cfg.Concurrency,
		MaxRetries:  cfg.MaxRetries,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
		UserAgent:   cfg.UserAgent,
		Logger:      log,
	}
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Region:            cfg.Prices.Region,
		RefreshSchedule:   cfg.Jobs.RefreshSchedule,
		NotifySchedule:    cfg.Jobs.NotifySchedule,
		CleanupSchedule:   cfg.Jobs.CleanupSchedule,
		BatchLimit:        cfg.Jobs.RefreshBatchLimit,
		Workers:           cfg.Jobs.RefreshWorkers,
		Pacing:            cfg.Jobs.RefreshPacing,
		ItemTimeout:       cfg.Jobs.ItemTimeout,
		RetentionDays:     cfg.Jobs.RetentionDays,
		CooldownHours:     cfg.Notify.CooldownHours,
		SweepLockTTL:      cfg.Notify.SweepLockTTL,
		LeaseName:         cfg.Leader.LeaseName,
		LeaseTTL:          cfg.Leader.LeaseTTL,
		HeartbeatInterval: cfg.Leader.HeartbeatInterval,
		RateLimitKey:      cfg.RateLimit.Key,
		RateLimit:         cfg.RateLimit.MaxRequests,
		RateWindow:        cfg.RateLimit.Window,
		RateMaxWait:       cfg.RateLimit.MaxWait,
	}
}
