package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/StricklySoft/stricklysoft-pipelines/internal/demo"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/budget"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/lifecycle"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/lineage"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/orchestrator"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/persistence"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/telemetry"
)

// app owns the backend connections of one pipelinectl invocation. The
// connections are opened by the runtime's start hooks, so a failed
// start closes whatever was already open. A hook that fails is not
// stopped, so each one opens at most one resource.
type app struct {
	cfg     AppConfig
	logger  *slog.Logger
	flaky   map[string]int
	runtime *lifecycle.Runtime

	tracingShutdown telemetry.ShutdownFunc
	metrics         *telemetry.Metrics
	metricTotals    map[string]float64
	pool            *pgxpool.Pool
	redis           *redis.Client
	minio           *minio.Client
	neo4j           neo4j.DriverWithContext
}

func newApp(cfg AppConfig, logger *slog.Logger, flaky map[string]int) *app {
	a := &app{cfg: cfg, logger: logger, flaky: flaky}
	a.runtime = lifecycle.New("pipelinectl",
		lifecycle.WithLogger(logger),
		lifecycle.OnStateChange(func(old, new lifecycle.State) {
			logger.Debug("pipelinectl: runtime state changed", "from", old.String(), "to", new.String())
		}),
	)
	return a
}

// components lists the backends to open, in start order.
func (a *app) components() []lifecycle.Component {
	components := []lifecycle.Component{{
		Name: "tracing",
		Start: func(ctx context.Context) error {
			shutdown, err := telemetry.SetupTracing(ctx, a.cfg.Tracing)
			a.tracingShutdown = shutdown
			return err
		},
		Stop: func(ctx context.Context) error { return a.tracingShutdown(ctx) },
	}, {
		Name: "metrics",
		Start: func(context.Context) error {
			metrics, err := telemetry.SetupMetrics(a.cfg.Tracing)
			a.metrics = metrics
			return err
		},
		Stop: func(ctx context.Context) error {
			totals, err := a.metrics.Totals(ctx)
			if err == nil {
				a.metricTotals = totals
				a.logger.DebugContext(ctx, "pipelinectl: metrics", "totals", totals)
			}
			return errors.Join(err, a.metrics.Shutdown(ctx))
		},
	}}

	storage := a.cfg.Storage
	if storage.Postgres.Enabled() {
		components = append(components, lifecycle.Component{
			Name: "postgres",
			Start: func(ctx context.Context) error {
				pool, err := persistence.NewPool(ctx, storage.Postgres)
				a.pool = pool
				return err
			},
			Stop: func(context.Context) error {
				a.pool.Close()
				return nil
			},
		}, lifecycle.Component{
			Name: "postgres-migrate",
			Start: func(ctx context.Context) error {
				if err := persistence.NewPostgresRepository(a.pool).Migrate(ctx); err != nil {
					return err
				}
				if a.cfg.Budget.Store == "postgres" {
					return budget.NewPostgresStore(a.pool).Migrate(ctx)
				}
				return nil
			},
		})
	}
	if storage.Redis.Enabled() {
		components = append(components, lifecycle.Component{
			Name: "redis",
			Start: func(ctx context.Context) error {
				client, err := persistence.NewRedisClient(ctx, storage.Redis)
				a.redis = client
				return err
			},
			Stop: func(context.Context) error { return a.redis.Close() },
		})
	}
	if storage.MinIO.Enabled() {
		components = append(components, lifecycle.Component{
			Name: "minio",
			Start: func(ctx context.Context) error {
				client, err := persistence.NewMinIOClient(storage.MinIO)
				if err != nil {
					return err
				}
				a.minio = client
				return persistence.NewArchiveStore(client, storage.MinIO.Bucket).EnsureBucket(ctx)
			},
		})
	}
	if a.cfg.Lineage.Enabled() {
		components = append(components, lifecycle.Component{
			Name: "neo4j",
			Start: func(ctx context.Context) error {
				driver, err := lineage.Connect(ctx, a.cfg.Lineage)
				a.neo4j = driver
				return err
			},
			Stop: func(ctx context.Context) error { return a.neo4j.Close(ctx) },
		})
	}
	return components
}

// run opens the backends, builds an orchestrator over them and calls fn.
// The orchestrator is drained and the backends closed before run returns.
func (a *app) run(ctx context.Context, fn func(ctx context.Context, orch *orchestrator.Orchestrator) error) error {
	if err := a.runtime.Add(a.components()...); err != nil {
		return err
	}
	return a.runtime.Run(ctx, func(ctx context.Context) error {
		orch, err := a.orchestrator()
		if err != nil {
			return err
		}
		runErr := fn(ctx, orch)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Orchestrator.CompensationTimeout+lifecycle.DefaultStopTimeout)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	})
}

// orchestrator wires the opened backends. Events go to Redis when it is
// configured and to Postgres otherwise; records go to every configured
// sink and are loaded back from Postgres or, failing that, the archive.
func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	registry, err := newRegistry(a.logger, a.flaky)
	if err != nil {
		return nil, err
	}

	var (
		spend     budget.SpendStore = budget.NewMemoryStore()
		persister events.Persister
		sinks     []orchestrator.RecordSink
		loader    orchestrator.RecordLoader
	)
	if a.pool != nil {
		repo := persistence.NewPostgresRepository(a.pool)
		persister, loader = repo, repo
		sinks = append(sinks, repo)
		if a.cfg.Budget.Store == "postgres" {
			spend = budget.NewPostgresStore(a.pool)
		}
	}
	if a.redis != nil {
		persister = events.NewRedisLog(a.redis, a.cfg.Storage.Redis.EventRetention)
		if a.cfg.Budget.Store == "redis" {
			spend = budget.NewRedisStore(a.redis, a.cfg.Budget.Retention)
		}
	}
	if a.minio != nil {
		archive := persistence.NewArchiveStore(a.minio, a.cfg.Storage.MinIO.Bucket)
		sinks = append(sinks, archive)
		if loader == nil {
			loader = archive
		}
	}
	if a.neo4j != nil {
		sinks = append(sinks, lineage.NewExporter(lineage.DriverWriter{
			Driver:   a.neo4j,
			Database: a.cfg.Lineage.Database,
		}))
	}

	storeOpts := []events.StoreOption{events.WithLogger(a.logger)}
	if persister != nil {
		storeOpts = append(storeOpts, events.WithPersister(persister))
	}
	store := events.NewStore(storeOpts...)

	budgetSvc, err := budget.NewServiceFromConfig(spend, a.cfg.Budget, budget.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewMetricRecorder(a.metrics.Meter())
	if err != nil {
		return nil, err
	}

	return orchestrator.New(registry, store, budgetSvc,
		orchestrator.WithConfig(a.cfg.Orchestrator),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithRecordSinks(sinks...),
		orchestrator.WithRecordLoader(loader),
	)
}

// newRegistry registers the demo providers. Providers named in flaky
// fail their first n calls.
func newRegistry(logger *slog.Logger, flaky map[string]int) (*capability.Registry, error) {
	registry := capability.NewRegistry(capability.WithRegistryLogger(logger))
	if err := demo.Register(registry, flaky); err != nil {
		return nil, err
	}
	return registry, nil
}
