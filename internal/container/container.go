// Package container wires the stores, the search backend and the services
// from configuration and owns their lifecycle. Both binaries build on it.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/config"
	httphandler "github.com/lllypuk/searchsync/internal/handler/http"
	"github.com/lllypuk/searchsync/internal/infrastructure/backend"
	"github.com/lllypuk/searchsync/internal/infrastructure/healthcheck"
	"github.com/lllypuk/searchsync/internal/infrastructure/httpserver"
	"github.com/lllypuk/searchsync/internal/infrastructure/metrics"
	mongodbinfra "github.com/lllypuk/searchsync/internal/infrastructure/mongodb"
	outboxstore "github.com/lllypuk/searchsync/internal/infrastructure/outbox"
	"github.com/lllypuk/searchsync/internal/infrastructure/postgres"
	"github.com/lllypuk/searchsync/internal/infrastructure/registry"
	"github.com/lllypuk/searchsync/internal/middleware"
	"github.com/lllypuk/searchsync/internal/service"
	"github.com/lllypuk/searchsync/internal/worker"
)

// Container initialization timeouts.
const (
	containerInitTimeout   = 30 * time.Second
	redisPingTimeout       = 5 * time.Second
	mongoDisconnectTimeout = 10 * time.Second
)

// Container holds all application dependencies and manages their lifecycle.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Infrastructure
	MongoDB  *mongo.Client
	Postgres *pgxpool.Pool
	Redis    *redis.Client

	Outbox   appcore.Outbox
	Registry appcore.AgentRegistry
	Backend  appcore.SearchBackend

	// Metrics
	Metrics        *prometheus.Registry
	OutboxMetrics  *metrics.OutboxMetrics
	ClusterMetrics *metrics.ClusterMetrics

	// Services
	Maintenance *service.MaintenanceService
	Recorder    *service.ChangeRecorder

	withBackend bool
	pingers     []appcore.HealthChecker
}

// ContainerOption configures the Container.
type ContainerOption func(*Container)

// WithLogger sets a custom logger for the container.
func WithLogger(logger *slog.Logger) ContainerOption {
	return func(c *Container) {
		c.Logger = logger
	}
}

// WithoutBackend skips the search backend, for tools that only touch the store.
func WithoutBackend() ContainerOption {
	return func(c *Container) {
		c.withBackend = false
	}
}

// NewContainer connects the configured store and backend and builds the
// services on top of them.
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	c := &Container{
		Config:      cfg,
		Logger:      slog.Default(),
		withBackend: true,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.setupMetrics()

	initCtx, cancel := context.WithTimeout(ctx, containerInitTimeout)
	defer cancel()

	if err := c.setupStore(initCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	if c.withBackend {
		if err := c.setupBackend(initCtx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("backend: %w", err)
		}
	}

	c.Maintenance = service.NewMaintenanceService(
		c.Outbox,
		cfg.Outbox.Tenants,
		cfg.ReprocessPolicy(),
		c.Logger,
		c.OutboxMetrics,
	)
	c.Recorder = service.NewChangeRecorder(c.Outbox, cfg.Codec(), c.Logger)

	return c, nil
}

func (c *Container) setupMetrics() {
	c.Metrics = prometheus.NewRegistry()
	c.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.OutboxMetrics = metrics.NewOutboxMetrics(c.Metrics)
	c.ClusterMetrics = metrics.NewClusterMetrics(c.Metrics)
}

func (c *Container) setupStore(ctx context.Context) error {
	switch c.Config.Store.Type {
	case config.StoreMongoDB:
		return c.setupMongoDB(ctx)
	case config.StorePostgres:
		return c.setupPostgres(ctx)
	case config.StoreInMemory:
		c.Outbox = outboxstore.NewMemoryStore()
		c.Registry = registry.NewMemoryRegistry()
		c.Logger.WarnContext(ctx, "using in-memory store, events are lost on restart")
		return nil
	default:
		return fmt.Errorf("%w: %q", config.ErrInvalidStoreType, c.Config.Store.Type)
	}
}

func (c *Container) setupMongoDB(ctx context.Context) error {
	client, err := mongodbinfra.Connect(ctx, mongodbinfra.ClientConfig{
		URI:         c.Config.MongoDB.URI,
		MaxPoolSize: c.Config.MongoDB.MaxPoolSize,
		Timeout:     c.Config.MongoDB.Timeout,
	})
	if err != nil {
		return err
	}
	c.MongoDB = client

	db := client.Database(c.Config.MongoDB.Database)
	if err = mongodbinfra.CreateAllIndexes(ctx, db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	c.Outbox = outboxstore.NewMongoStore(db, outboxstore.WithLogger(c.Logger))
	c.Registry = registry.NewMongoRegistry(db, registry.WithLogger(c.Logger))
	c.pingers = append(c.pingers, healthcheck.NewPingChecker("mongodb", func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	}))

	c.Logger.InfoContext(ctx, "connected to MongoDB",
		slog.String("database", c.Config.MongoDB.Database),
	)
	return nil
}

func (c *Container) setupPostgres(ctx context.Context) error {
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             c.Config.Postgres.DSN,
		MaxConns:        c.Config.Postgres.MaxConns,
		MinConns:        c.Config.Postgres.MinConns,
		MaxConnLifetime: c.Config.Postgres.MaxConnLifetime,
		MaxConnIdleTime: c.Config.Postgres.MaxConnIdleTime,
	})
	if err != nil {
		return err
	}
	c.Postgres = pool

	if err = postgres.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	c.Outbox = outboxstore.NewPostgresStore(pool, outboxstore.WithLogger(c.Logger))
	c.Registry = registry.NewPostgresRegistry(pool, registry.WithLogger(c.Logger))
	c.pingers = append(c.pingers, healthcheck.NewPingChecker("postgres", pool.Ping))

	c.Logger.InfoContext(ctx, "connected to PostgreSQL")
	return nil
}

func (c *Container) setupBackend(ctx context.Context) error {
	switch c.Config.Backend.Type {
	case config.BackendLog:
		c.Backend = backend.NewLogBackend(c.Logger)
		return nil
	case config.BackendRedis:
	default:
		return fmt.Errorf("%w: %q", config.ErrInvalidBackendType, c.Config.Backend.Type)
	}

	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Addr,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
		PoolSize: c.Config.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := c.Redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	index := backend.NewRedisIndex(c.Redis,
		backend.WithLogger(c.Logger),
		backend.WithKeyPrefix(c.Config.Backend.KeyPrefix),
		backend.WithChangeChannel(c.Config.Backend.ChangeChannel),
	)
	c.Backend = index
	c.pingers = append(c.pingers, healthcheck.NewPingChecker("redis", index.Ping))

	c.Logger.InfoContext(ctx, "connected to Redis", slog.String("addr", c.Config.Redis.Addr))
	return nil
}

// NewAgent builds the node agent over the configured store and backend.
func (c *Container) NewAgent() (*worker.Agent, error) {
	if c.Backend == nil {
		return nil, errors.New("search backend not configured")
	}
	return worker.NewAgent(
		c.Registry,
		c.Outbox,
		c.Backend,
		c.Logger,
		c.Config.AgentConfig(),
		c.OutboxMetrics,
		c.ClusterMetrics,
	), nil
}

// Health aggregates store, backend, outbox and lease checks. agent may be nil.
func (c *Container) Health(agent *worker.Agent) *healthcheck.Aggregator {
	agg := healthcheck.NewAggregator(c.Logger, c.pingers...)
	agg.Add(
		healthcheck.NewOutboxBacklogChecker(c.Outbox),
		healthcheck.NewAbortedEventsChecker(c.Outbox),
	)
	if agent != nil {
		agg.Add(healthcheck.NewAgentLeaseChecker(agent.Ownership()))
	}
	return agg
}

// NewServer builds the admin HTTP server with maintenance, health and
// metrics routes.
func (c *Container) NewServer(agent *worker.Agent) *httpserver.Server {
	srv := httpserver.NewServer(httpserver.ServerConfig{
		Host:            c.Config.Server.Host,
		Port:            c.Config.Server.Port,
		ReadTimeout:     c.Config.Server.ReadTimeout,
		WriteTimeout:    c.Config.Server.WriteTimeout,
		ShutdownTimeout: c.Config.Server.ShutdownTimeout,
		BodyLimit:       c.Config.Server.BodyLimit,
	}, c.Logger)

	routerConfig := httpserver.DefaultRouterConfig()
	routerConfig.Logger = c.Logger
	routerConfig.LoggingConfig.Logger = c.Logger
	routerConfig.RecoveryConfig.Logger = c.Logger
	routerConfig.AdminMiddleware = middleware.AdminAuth(c.Config.Admin.Token, c.Logger)

	router := httpserver.NewRouter(srv.Echo(), routerConfig)
	router.RegisterHealthEndpointsWithChecker(c.Health(agent))
	router.RegisterMetricsEndpoint(c.Metrics)
	router.RegisterAll(httphandler.NewMaintenanceHandler(c.Maintenance, c.Registry))
	router.PrintRoutes()

	return srv
}

// Close releases all connections. It is safe on a partially built container.
func (c *Container) Close() error {
	var errs []error

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}

	if c.Postgres != nil {
		c.Postgres.Close()
	}

	if c.MongoDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
		defer cancel()
		if err := c.MongoDB.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect: %w", err))
		}
	}

	return errors.Join(errs...)
}
