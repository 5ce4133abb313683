package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/portfoliohub/portfolio/internal/cache"
	"github.com/portfoliohub/portfolio/internal/config"
	"github.com/portfoliohub/portfolio/internal/event"
	handler "github.com/portfoliohub/portfolio/internal/handler/http"
	"github.com/portfoliohub/portfolio/internal/repository/postgres"
	"github.com/portfoliohub/portfolio/internal/service"
	"github.com/portfoliohub/portfolio/internal/storage/local"
	"github.com/portfoliohub/portfolio/internal/sweeper"
	"github.com/portfoliohub/portfolio/migrations"
	"github.com/portfoliohub/portfolio/pkg/database"
	"github.com/portfoliohub/portfolio/pkg/health"
	pkgkafka "github.com/portfoliohub/portfolio/pkg/kafka"
	"github.com/portfoliohub/portfolio/pkg/middleware"
	"github.com/portfoliohub/portfolio/pkg/tracing"
)

// idempotencyTTL bounds how long consumed event ids are remembered.
const idempotencyTTL = 24 * time.Hour

// App wires together all dependencies and runs the portfolio service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	dlq            *pkgkafka.DLQProducer
	userDeleted    *pkgkafka.Consumer
	sweeper        *sweeper.Sweeper
	uploadLimiter  *middleware.RateLimiter
	httpServer     *http.Server
	tracerShutdown tracing.Shutdown
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	// PostgreSQL with migrations applied.
	pool, err := ConnectPostgres(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	database.RegisterPoolMetrics(pool, handler.ServiceName)
	if cfg.SlowQueryThreshold > 0 {
		database.SetSlowQueryLogging(cfg.SlowQueryThreshold, logger)
	}

	blobs, err := local.New(cfg.UploadRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("open upload root: %w", err)
	}
	logger.Info("blob store ready", slog.String("root", blobs.Root()))

	store := postgres.NewStore(pool)
	opts := []service.Option{service.WithStrictUploads(cfg.StrictUploads)}

	healthHandler := health.NewHandler()
	healthHandler.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})

	// Redis backs the listing cache and consumer idempotency when configured.
	var idempotency pkgkafka.IdempotencyStore = pkgkafka.NewMemoryIdempotencyStore(idempotencyTTL)
	if redisCfg := cfg.Redis(); redisCfg.Enabled() {
		client, err := database.NewRedisClient(ctx, redisCfg)
		if err != nil {
			logger.Warn("redis unavailable, running without cache",
				slog.String("addr", redisCfg.Addr()),
				slog.String("error", err.Error()),
			)
		} else {
			a.redis = client
			opts = append(opts, service.WithCache(cache.New(client, cfg.CacheTTL, logger)))
			idempotency = pkgkafka.NewRedisIdempotencyStore(client, "portfolio:events:", idempotencyTTL)
			healthHandler.RegisterOptional("redis", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			})
			logger.Info("connected to Redis", slog.String("addr", redisCfg.Addr()))
		}
	}

	// Kafka producer behind a circuit breaker.
	if cfg.KafkaEnabled() {
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		breaker := pkgkafka.NewBreakerPublisher(a.producer, pkgkafka.DefaultBreakerConfig("portfolio-events"), logger)
		opts = append(opts, service.WithEvents(event.NewProducer(breaker, logger)))
		healthHandler.RegisterOptional("kafka", func(ctx context.Context) error {
			return pkgkafka.PingBrokers(ctx, cfg.KafkaBrokers)
		})
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}

	worksService := service.NewWorksService(store, blobs, logger, opts...)

	if cfg.KafkaEnabled() {
		a.dlq = pkgkafka.NewDLQProducer(cfg.KafkaBrokers, logger)
		a.userDeleted = event.NewUserDeletedConsumer(
			cfg.KafkaBrokers,
			event.NewConsumerHandler(worksService, logger),
			idempotency,
			a.dlq,
			logger,
		)
	}

	a.sweeper = NewSweeper(cfg, blobs, pool, false, logger)

	// HTTP router.
	a.uploadLimiter = middleware.NewRateLimiter(cfg.UploadRateLimit, cfg.UploadBurst, middleware.OwnerOrIP, logger)
	router := handler.NewRouter(worksService, healthHandler, routerConfig(cfg, a.uploadLimiter), logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return a, nil
}

// ConnectPostgres opens the pool and applies pending migrations.
func ConnectPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	pgCfg := cfg.Postgres()
	pool, err := database.NewPostgresPoolWithLogger(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)

	applied, err := database.RunMigrations(ctx, pool, migrations.FS, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed", slog.Int("applied", len(applied)))
	return pool, nil
}

// NewSweeper builds the orphan sweeper over the upload root and the
// media registry.
func NewSweeper(cfg *config.Config, blobs *local.Storage, db database.DBTX, dryRun bool, logger *slog.Logger) *sweeper.Sweeper {
	sc := sweeper.DefaultConfig()
	if cfg.SweepGrace > 0 {
		sc.Grace = cfg.SweepGrace
	}
	sc.DryRun = dryRun
	return sweeper.New(blobs, postgres.NewMediaRepository(db), sc, logger)
}

func routerConfig(cfg *config.Config, limiter *middleware.RateLimiter) handler.RouterConfig {
	cors := middleware.DefaultCORSConfig()
	if len(cfg.CORSOrigins) > 0 {
		cors.AllowedOrigins = cfg.CORSOrigins
	}
	return handler.RouterConfig{
		Tokens:        middleware.JWTValidator(cfg.JWTSecret),
		UploadLimiter: limiter,
		CORS:          cors,
	}
}

// Run starts the HTTP server, the consumer and the sweeper, then blocks
// until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.userDeleted != nil {
		go func() {
			if err := a.userDeleted.Start(ctx); err != nil {
				errCh <- fmt.Errorf("user deleted consumer: %w", err)
			}
		}()
	}

	go a.sweeper.Start(ctx, a.cfg.SweepInterval)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in order: HTTP server, tracer,
// Kafka, then the stores.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	errs = append(errs, a.closeResources()...)

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// closeResources releases everything NewApp acquired. Nil fields are skipped.
func (a *App) closeResources() []error {
	var errs []error
	closeWith := func(name string, fn func() error) {
		if err := fn(); err != nil {
			a.logger.Error(name+" close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		closeWith("tracer", func() error { return a.tracerShutdown(tracerCtx) })
	}
	if a.uploadLimiter != nil {
		a.uploadLimiter.Stop()
	}
	if a.userDeleted != nil {
		closeWith("user deleted consumer", a.userDeleted.Close)
	}
	if a.dlq != nil {
		closeWith("kafka dlq producer", a.dlq.Close)
	}
	if a.producer != nil {
		closeWith("kafka producer", a.producer.Close)
	}
	if a.redis != nil {
		closeWith("redis", a.redis.Close)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errs
}
