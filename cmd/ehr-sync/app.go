package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ehr/ehrsync/internal/config"
	"github.com/ehr/ehrsync/internal/domain/conflict"
	"github.com/ehr/ehrsync/internal/domain/connection"
	"github.com/ehr/ehrsync/internal/domain/record"
	"github.com/ehr/ehrsync/internal/domain/ruleset"
	"github.com/ehr/ehrsync/internal/domain/syncjob"
	"github.com/ehr/ehrsync/internal/engine/orchestrator"
	"github.com/ehr/ehrsync/internal/engine/resolve"
	"github.com/ehr/ehrsync/internal/engine/transform"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/backoff"
	"github.com/ehr/ehrsync/internal/platform/db"
	"github.com/ehr/ehrsync/internal/platform/events"
	"github.com/ehr/ehrsync/internal/platform/middleware"
	"github.com/ehr/ehrsync/internal/platform/queue"
	"github.com/ehr/ehrsync/internal/platform/scopelock"
	"github.com/ehr/ehrsync/internal/platform/webhook"
	"github.com/ehr/ehrsync/internal/platform/websocket"
	"github.com/ehr/ehrsync/internal/platform/worker"
	"github.com/ehr/ehrsync/internal/provider"
)

// stores groups the persistence backends, either PostgreSQL or in-memory.
type stores struct {
	jobs      syncjob.Repository
	schedules syncjob.ScheduleRepository
	conns     connection.Repository
	records   record.Repository
	conflicts conflict.Repository
	webhooks  webhook.Store
	rulesets  ruleset.Store
}

func memoryStores() stores {
	return stores{
		jobs:      syncjob.NewMemoryRepo(),
		schedules: syncjob.NewMemoryScheduleRepo(),
		conns:     connection.NewMemoryRepo(),
		records:   record.NewMemoryRepo(),
		conflicts: conflict.NewMemoryRepo(),
		webhooks:  webhook.NewMemoryStore(),
		rulesets:  ruleset.NewMemoryStore(),
	}
}

func postgresStores(pool *pgxpool.Pool, gdb *gorm.DB) stores {
	return stores{
		jobs:      syncjob.NewRepo(pool),
		schedules: syncjob.NewScheduleRepo(pool),
		conns:     connection.NewRepo(pool),
		records:   record.NewRepo(pool),
		conflicts: conflict.NewRepo(pool),
		webhooks:  webhook.NewPGStore(pool),
		rulesets:  ruleset.NewGormStore(gdb),
	}
}

type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool    *pgxpool.Pool
	gdb     *gorm.DB
	broker  queue.Broker
	kafka   *events.KafkaPublisher
	closers []func() error

	echo      *echo.Echo
	workers   *worker.Pool
	scheduler *orchestrator.Scheduler
	watcher   *transform.Watcher
}

// newApp builds every component without starting any goroutine.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var st stores
	if cfg.UsesMemoryStore() {
		logger.Warn().Msg("DATABASE_URL=memory: state is lost on restart")
		st = memoryStores()
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		gdb, err := db.OpenGorm(cfg.DatabaseURL, 2)
		if err != nil {
			return nil, err
		}
		a.gdb = gdb
		st = postgresStores(pool, gdb)
	}

	broker, err := queue.Open(ctx, cfg.BrokerDSN, cfg.SyncJobTimeout+time.Minute)
	if err != nil {
		return nil, fmt.Errorf("open broker: %w", err)
	}
	a.broker = broker

	var locker scopelock.Locker
	if cfg.LockBackend == "redis" {
		rl, err := scopelock.NewRedisLocker(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open lock backend: %w", err)
		}
		a.closers = append(a.closers, rl.Close)
		locker = rl
	} else {
		locker = scopelock.NewMemoryLocker()
	}

	classifier, err := resolve.NewClassifier(mustMap(cfg.SeverityOverrideMap()))
	if err != nil {
		return nil, err
	}
	policy, err := conflictPolicy(cfg)
	if err != nil {
		return nil, err
	}

	retry := backoff.New(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	hub := websocket.NewHub(logger)
	dispatcher := webhook.NewDispatcher(st.webhooks, broker, retry, nil, webhook.Options{
		Algorithm:   cfg.WebhookSignatureAlgorithm,
		MaxAttempts: cfg.WebhookMaxAttempts,
		Timeout:     cfg.WebhookTimeout,
		SecretGrace: cfg.WebhookSecretGrace,
	}, logger)

	publishers := events.Multi{hub, dispatcher}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return nil, fmt.Errorf("open kafka publisher: %w", err)
		}
		a.kafka = kp
		publishers = append(publishers, kp)
	}

	providers := provider.NewRegistry()
	connSvc := connection.NewService(st.conns, providers)
	conflictSvc := conflict.NewService(st.conflicts, st.records, broker, publishers, logger)

	transforms := transform.NewEngine(transform.NewFunctions())
	rules := transform.NewRegistry()
	if compiled, err := transforms.LoadRegistry(rules, cfg.RulesDir); err != nil {
		logger.Warn().Err(err).Str("dir", cfg.RulesDir).Msg("file rule sets not loaded")
	} else {
		logger.Info().Int("rule_sets", len(compiled)).Msg("file rule sets loaded")
	}
	rulesetSvc := ruleset.NewService(st.rulesets, transforms, rules, broker, publishers, logger)
	if n, err := rulesetSvc.LoadActive(ctx); err != nil {
		logger.Warn().Err(err).Msg("stored rule sets not loaded")
	} else if n > 0 {
		logger.Info().Int("rule_sets", n).Msg("stored rule sets loaded")
	}
	if cfg.RulesWatch {
		a.watcher = transform.NewWatcher(transforms, rules, cfg.RulesDir, logger)
	}

	svc := orchestrator.NewService(st.jobs, st.schedules, connSvc, broker, publishers, cfg.SyncMaxRetries, logger)
	dispatcher.SetTrigger(svc)
	executor := orchestrator.NewExecutor(orchestrator.ExecutorDeps{
		Jobs:       st.jobs,
		Conns:      connSvc,
		Records:    st.records,
		Conflicts:  conflictSvc,
		Transforms: transforms,
		Rules:      rules,
		Resolver:   resolve.NewEngine(classifier),
		Policy:     policy,
		Locker:     locker,
		Publisher:  publishers,
	}, orchestrator.Settings{
		BatchSize:  cfg.SyncBatchSize,
		MaxBatches: cfg.SyncMaxBatches,
		MaxRetries: cfg.SyncMaxRetries,
		JobTimeout: cfg.SyncJobTimeout,
		Retry:      retry,
	}, logger)

	a.workers = worker.NewPool(broker, logger)
	a.workers.Handle(queue.LaneSync, cfg.LaneSyncConcurrency, executor.Handle)
	a.workers.Handle(queue.LaneWebhook, cfg.LaneWebhookConcurrency, dispatcher.Deliver)
	a.workers.Handle(queue.LaneConflict, cfg.LaneConflictConcurrency, conflictSvc.HandleApply)
	a.workers.Handle(queue.LaneTransform, cfg.LaneTransformConcurrency, rulesetSvc.HandleValidate)

	a.scheduler = orchestrator.NewScheduler(st.schedules, svc, 0, logger)

	a.echo = a.routes(
		orchestrator.NewHandler(svc),
		connection.NewHandler(connSvc),
		conflict.NewHandler(conflictSvc),
		ruleset.NewHandler(rulesetSvc),
		webhook.NewHandler(dispatcher),
		websocket.NewHandler(hub, cfg.CORSOrigins, logger),
	)
	ok = true
	return a, nil
}

type routeRegistrar interface {
	RegisterRoutes(api *echo.Group)
}

func (a *app) routes(handlers ...routeRegistrar) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.BodyLimit("1M", "10M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	var pinger db.Pinger
	if a.pool != nil {
		pinger = a.pool
	}
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pinger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	// Providers authenticate inbound webhooks by signature, not by JWT.
	public := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}
	api := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), authMW)

	for _, h := range handlers {
		if wh, ok := h.(*webhook.Handler); ok {
			wh.RegisterInbound(public)
		}
		h.RegisterRoutes(api)
	}
	return e
}

// run serves HTTP and runs the background loops until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				a.logger.Error().Err(err).Str("component", name).Msg("background loop stopped")
			}
		}()
	}

	background("worker", a.workers.Run)
	background("scheduler", func(ctx context.Context) error {
		a.scheduler.Run(ctx)
		return nil
	})
	if a.watcher != nil {
		background("rules-watcher", a.watcher.Run)
	}

	addr := ":" + a.cfg.Port
	srvErr := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-srvErr:
	}

	a.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := a.echo.Shutdown(shutdownCtx); serr != nil {
		a.logger.Error().Err(serr).Msg("server shutdown")
	}
	wg.Wait()
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
	if a.kafka != nil {
		_ = a.kafka.Close()
	}
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.gdb != nil {
		_ = db.CloseGorm(a.gdb)
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// conflictPolicy builds the strategy policy from configuration.
func conflictPolicy(cfg *config.Config) (resolve.Policy, error) {
	def, err := resolve.ParseStrategy(cfg.DefaultConflictStrategy)
	if err != nil {
		return resolve.Policy{}, err
	}
	overrides, err := cfg.StrategyOverrides()
	if err != nil {
		return resolve.Policy{}, err
	}
	entities := make(map[string]resolve.Strategy, len(overrides))
	for entity, s := range overrides {
		st, err := resolve.ParseStrategy(s)
		if err != nil {
			return resolve.Policy{}, fmt.Errorf("%s: %w", entity, err)
		}
		entities[entity] = st
	}
	return resolve.NewPolicy(def, entities), nil
}

// mustMap drops the error of an override parser; Validate has already
// rejected malformed overrides.
func mustMap(m map[string]string, _ error) map[string]string {
	return m
}
