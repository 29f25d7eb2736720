// Package gpufleet is the composition root of the GPU instance control
// plane. It wires the Redis-backed queue and store, the provider client,
// the schedulers, the worker pool, and the HTTP surface into one service
// with a single Run/Shutdown lifecycle.
//
// Components are assembled explicitly and passed by reference; there is no
// global registry. The only process-wide state is inside the circuit
// breaker and the request pacer, both owned by the provider client.
package gpufleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/gpufleet/gpufleet/autostop"
	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/health"
	"github.com/gpufleet/gpufleet/lifecycle"
	"github.com/gpufleet/gpufleet/listing"
	"github.com/gpufleet/gpufleet/migration"
	"github.com/gpufleet/gpufleet/provider"
	"github.com/gpufleet/gpufleet/queue"
	"github.com/gpufleet/gpufleet/server"
	"github.com/gpufleet/gpufleet/store"
	"github.com/gpufleet/gpufleet/telemetry"
	"github.com/gpufleet/gpufleet/webhook"
	"github.com/gpufleet/gpufleet/workers"
)

// Service owns every long-lived component and their shared Redis
// connection.
type Service struct {
	cfg    *core.Config
	logger core.Logger

	redis      *redis.Client
	queue      *queue.RedisQueue
	store      *store.Store
	api        *provider.Client
	dispatcher *webhook.Dispatcher
	engine     *health.Engine
	tracker    *lifecycle.Tracker
	listing    *listing.Service
	pool       *workers.Pool
	checker    *autostop.Checker
	runner     *migration.Runner

	autostopSched  *autostop.Scheduler
	migrationSched *migration.Scheduler
	httpServer     *http.Server
}

// NewService assembles the control plane from validated configuration. The
// Redis connection is verified here; any wiring failure aborts startup.
func NewService(ctx context.Context, cfg *core.Config, logger core.Logger) (*Service, error) {
	if cfg == nil {
		return nil, core.NewError("gpufleet.NewService", core.KindValidation, core.ErrMissingConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	keys := core.NewKeySpace(cfg.Redis.KeyPrefix)
	client, err := core.NewRedisClient(cfg.Redis.URL, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	q := queue.New(client, keys, queue.Config{
		MaxAttempts:       cfg.Jobs.MaxAttempts,
		BackoffBase:       cfg.Jobs.BackoffBase,
		BackoffMax:        cfg.Jobs.BackoffMax,
		ProcessingTimeout: cfg.Jobs.ProcessingTimeout,
		CompletedCap:      cfg.Jobs.CompletedCap,
		FailedCap:         cfg.Jobs.FailedCap,
		Logger:            logger,
	})

	st, err := store.New(ctx, client, keys, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	api := provider.NewClient(cfg.Provider, cfg.Cache, provider.WithLogger(logger))
	dispatcher := webhook.New(cfg.Webhook, webhook.WithLogger(logger))
	engine := health.New(health.WithLogger(logger))
	tracker := lifecycle.NewTracker(0, logger)
	listSvc := listing.NewService(st, api, logger)

	checker := autostop.NewChecker(st, api, dispatcher, cfg.AutoStop, logger)
	runner := migration.NewRunner(api, st, q, dispatcher, client, keys, cfg.Migration, logger)

	handlers := workers.NewHandlers(workers.Deps{
		Store:      st,
		API:        api,
		Sink:       q,
		Dispatcher: dispatcher,
		Engine:     engine,
		Tracker:    tracker,
		Defaults:   cfg.Defaults,
		Startup:    cfg.Startup,
		AutoStop:   checker,
		Migration:  runner,
		Logger:     logger,
	})
	pool := workers.NewPool(q, cfg.Jobs, logger)
	handlers.RegisterAll(pool)

	httpSrv := server.New(server.Deps{
		Store:       st,
		Sink:        q,
		Tracker:     tracker,
		Listing:     listSvc,
		API:         api,
		AutoStop:    checker,
		Migration:   runner,
		Defaults:    cfg.Defaults,
		Startup:     cfg.Startup,
		HealthCheck: cfg.HealthCheck,
		Jobs:        cfg.Jobs,
		Version:     Version,
		Production:  cfg.Production,
		Logger:      logger,
	})

	return &Service{
		cfg:            cfg,
		logger:         logger,
		redis:          client,
		queue:          q,
		store:          st,
		api:            api,
		dispatcher:     dispatcher,
		engine:         engine,
		tracker:        tracker,
		listing:        listSvc,
		pool:           pool,
		checker:        checker,
		runner:         runner,
		autostopSched:  autostop.NewScheduler(q, cfg.AutoStop, logger),
		migrationSched: migration.NewScheduler(q, cfg.Migration, logger),
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      httpSrv.Router(cfg.HTTP),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		},
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. Interrupted jobs from a previous process are recovered
// before the first worker leases.
func (s *Service) Run(ctx context.Context) error {
	if err := s.queue.Promote(ctx); err != nil {
		s.logger.Warn("Startup recovery sweep failed, continuing", map[string]interface{}{
			"error": err.Error(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	// Best-effort reachability probe. A failure is logged, not fatal: the
	// provider may recover before the first job needs it.
	g.Go(func() error {
		pingCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
		defer cancel()
		if err := s.api.Ping(pingCtx); err != nil {
			s.logger.Warn("Provider unreachable at startup", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil
	})

	g.Go(func() error {
		return ignoreCancel(s.pool.Run(gctx))
	})
	g.Go(func() error {
		s.queue.RunPromoter(gctx, s.cfg.Jobs.PromoteInterval)
		return nil
	})
	g.Go(func() error {
		s.housekeeping(gctx, s.cfg.Jobs.PromoteInterval)
		return nil
	})
	g.Go(func() error {
		return ignoreCancel(s.autostopSched.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCancel(s.migrationSched.Run(gctx))
	})
	g.Go(func() error {
		s.logger.Info("HTTP server listening", map[string]interface{}{
			"addr": s.httpServer.Addr,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return ignoreCancel(s.httpServer.Shutdown(shutdownCtx))
	})

	err := g.Wait()

	// Jobs cancelled mid-flight stay in processing; the next process's
	// startup sweep recovers them.
	s.logger.Info("Service stopped", map[string]interface{}{
		"clean": err == nil,
	})
	return err
}

// startupExpirer is the slice of the lifecycle tracker housekeeping needs.
type startupExpirer interface {
	ExpireOverdue() []*lifecycle.Operation
}

// housekeeping runs the periodic maintenance that keeps long-lived state
// honest: overdue startup operations are failed so their instances become
// startable again, and queue depths are published as gauges.
func (s *Service) housekeeping(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expireStartups(s.tracker, s.logger)
			if stats, err := s.queue.Stats(ctx); err == nil {
				telemetry.Gauge(ctx, "queue.pending", float64(stats.Pending))
				telemetry.Gauge(ctx, "queue.processing", float64(stats.Processing))
				telemetry.Gauge(ctx, "queue.delayed", float64(stats.Delayed))
			}
		}
	}
}

// expireStartups fails startup operations past their wall clock, releasing
// the per-instance startup conflict for the next start request.
func expireStartups(tracker startupExpirer, logger core.Logger) int {
	ops := tracker.ExpireOverdue()
	for _, op := range ops {
		logger.Warn("Startup operation expired", map[string]interface{}{
			"operation_id": op.ID,
			"instance_id":  op.InstanceID,
			"error":        op.Error,
		})
	}
	return len(ops)
}

// Close releases the shared Redis connection. Call after Run returns.
func (s *Service) Close() error {
	return s.redis.Close()
}

// Queue exposes the job queue, for operational tooling.
func (s *Service) Queue() *queue.RedisQueue { return s.queue }

// Store exposes the instance store.
func (s *Service) Store() *store.Store { return s.store }

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
