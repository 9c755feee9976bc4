package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ticketdesk/boxoffice/common/database"
	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/common/middleware"
	"github.com/ticketdesk/boxoffice/webhook/internal/adminauth"
	"github.com/ticketdesk/boxoffice/webhook/internal/collab"
	"github.com/ticketdesk/boxoffice/webhook/internal/config"
	"github.com/ticketdesk/boxoffice/webhook/internal/dispatch"
	"github.com/ticketdesk/boxoffice/webhook/internal/dlq"
	"github.com/ticketdesk/boxoffice/webhook/internal/fulfillment"
	"github.com/ticketdesk/boxoffice/webhook/internal/gate"
	"github.com/ticketdesk/boxoffice/webhook/internal/handlers"
	"github.com/ticketdesk/boxoffice/webhook/internal/inventory"
	"github.com/ticketdesk/boxoffice/webhook/internal/notify"
	"github.com/ticketdesk/boxoffice/webhook/internal/ratelimit"
	"github.com/ticketdesk/boxoffice/webhook/internal/server"
	"github.com/ticketdesk/boxoffice/webhook/migrations"

	natsclient "github.com/ticketdesk/boxoffice/common/messaging/nats"
)

// connectRedis opens the shared Redis client. If Redis is unreachable and
// only the limiter and the replay cache would use it, it returns nil so the
// service starts with their in-process versions.
func connectRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, nil
	}
	if _, err := redis.ParseURL(cfg.Redis.URL); err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client, err := database.NewRedisClient(cfg.Redis.URL, cfg.Redis.CommandTimeout, cfg.Redis.ConnectTimeout)
	if err == nil {
		return client, nil
	}
	if redisRequired(cfg) {
		return nil, err
	}
	slog.Warn("Redis unreachable at boot - rate limiting and replay detection are per instance",
		slog.String("error", err.Error()))
	return nil, nil
}

// redisRequired reports whether a durable store is backed by Redis.
func redisRequired(cfg *config.Config) bool {
	return cfg.ResolveBackend(cfg.Dispatch.Backend) == config.BackendRedis ||
		cfg.ResolveBackend(cfg.Inventory.Backend) == config.BackendRedis
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("webhook"))
	logging.SetDefault(logger)

	slog.Info("Starting webhook service",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("dispatch_backend", cfg.ResolveBackend(cfg.Dispatch.Backend)),
		slog.String("inventory_backend", cfg.ResolveBackend(cfg.Inventory.Backend)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]handlers.Checker{}

	// Redis: limiter, replay cache and, when selected, dispatch and inventory
	redisClient, err := connectRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	switch {
	case redisClient != nil:
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		slog.Info("Connected to Redis")
	case cfg.Redis.URL == "":
		slog.Warn("Redis not configured - using in-process stores, which are not shared between instances")
	}

	// Postgres: durable dispatch and inventory stores
	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		if cfg.Postgres.AutoMigrate {
			if err := database.MigrateUp(migrations.FS, migrations.Dir, cfg.Postgres.URL); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
			slog.Info("Database migrations applied")
		}

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err = database.NewPostgresPool(connectCtx, database.PostgresConfig{
			URL:      cfg.Postgres.URL,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pool.Close()
		checks["postgres"] = pool.Ping
		slog.Info("Connected to Postgres")
	}

	// NATS: notifications, collaborator requests and the dead-letter stream
	var js *natsclient.JetStreamClient
	if cfg.NATS.URL != "" {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = "boxoffice-webhook"
		natsCfg.Token = cfg.NATS.Token
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		if cfg.NATS.ReconnectWait > 0 {
			natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		}
		natsCfg.Logger = logger.Logger

		js, err = natsclient.NewJetStreamClient(natsCfg)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer js.Drain()
		checks["nats"] = func(context.Context) error {
			if !js.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
		slog.Info("Connected to NATS", slog.String("url", cfg.NATS.URL))
	} else {
		slog.Warn("NATS not configured - notifications are logged only and the dead-letter queue is disabled")
	}

	// Dead-letter queue
	var deadLetter dispatch.DeadLetter = dlq.Noop{}
	var deadLetterAdmin handlers.DeadLetterQueue
	if js != nil {
		q, err := dlq.NewJetStreamQueue(ctx, js, logger)
		if err != nil {
			log.Fatalf("Failed to initialize JetStream DLQ: %v", err)
		}
		deadLetter = q
		deadLetterAdmin = q
	}

	// Inventory ledger
	var notifier inventory.Notifier = notify.NewLogNotifier(logger)
	if js != nil {
		notifier = notify.Multi{notify.NewLogNotifier(logger), notify.NewNATSNotifier(js)}
	}
	invStore, err := inventoryStore(cfg.ResolveBackend(cfg.Inventory.Backend), redisClient, pool)
	if err != nil {
		log.Fatalf("Failed to initialize inventory store: %v", err)
	}
	ledger := inventory.New(invStore, notifier, inventory.Config{
		Thresholds:   cfg.Inventory.Thresholds,
		StoreTimeout: cfg.Inventory.StoreTimeout,
	}, logger)

	// Post-sale collaborators
	collaborators := collab.Noop(logger)
	collaborators.Runner = collab.NewRunner(cfg.Collab.Timeout, logger)
	if js != nil {
		if cfg.Collab.Email {
			collaborators.Mailer = collab.NewNATSMailer(js)
		}
		if cfg.Collab.CRM {
			collaborators.CRM = collab.NewNATSCRM(js)
		}
	}
	if cfg.OpenSearch.Enabled && cfg.Collab.Analytics {
		analytics, err := collab.NewOpenSearchAnalytics(collab.OpenSearchConfig{
			URL:           cfg.OpenSearch.URL,
			Username:      cfg.OpenSearch.Username,
			Password:      cfg.OpenSearch.Password,
			TLSSkipVerify: cfg.OpenSearch.TLSSkipVerify,
			IndexPrefix:   cfg.OpenSearch.IndexPrefix,
		})
		if err != nil {
			log.Fatalf("Failed to create OpenSearch client: %v", err)
		}
		collaborators.Analytics = analytics
		checks["opensearch"] = analytics.Ping
		slog.Info("Sales analytics enabled", slog.String("opensearch_url", cfg.OpenSearch.URL))
	}

	// Dispatcher
	registry, err := dispatch.NewRegistry(fulfillment.Handlers(ledger, collaborators, logger)...)
	if err != nil {
		log.Fatalf("Failed to register handlers: %v", err)
	}
	eventStore, err := eventStore(ctx, cfg.ResolveBackend(cfg.Dispatch.Backend), redisClient, pool, logger)
	if err != nil {
		log.Fatalf("Failed to initialize processed-event store: %v", err)
	}
	dispatcher := dispatch.New(registry, eventStore, deadLetter, dispatch.Config{
		Lease:          cfg.Dispatch.Lease,
		Retention:      cfg.Dispatch.Retention,
		StoreTimeout:   cfg.Dispatch.StoreTimeout,
		HandlerTimeout: cfg.Dispatch.HandlerTimeout,
		ClaimWait:      cfg.Dispatch.ClaimWait,
	}, logger)
	slog.Info("Handlers registered", slog.Any("event_types", registry.EventTypes()))

	// Signature and replay gate
	var replayCache gate.ReplayCache
	if redisClient != nil {
		replayCache = gate.NewRedisReplayCache(redisClient)
	} else {
		mem := gate.NewMemoryReplayCache()
		mem.StartJanitor(ctx, time.Minute)
		replayCache = mem
	}
	webhookGate, err := gate.New(cfg.GateConfig(), replayCache, logger)
	if err != nil {
		log.Fatalf("Failed to initialize webhook gate: %v", err)
	}
	for name, src := range cfg.Gate.Sources {
		if src.Secret == "" {
			slog.Warn("Webhook source has no secret - deliveries will be rejected", slog.String("source", name))
		}
	}

	// Rate limiter
	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	limiterOpts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithStoreTimeout(cfg.RateLimit.StoreTimeout),
		ratelimit.WithSustainedThreshold(cfg.RateLimit.SustainedThreshold),
	}
	switch {
	case !cfg.RateLimit.Enabled:
		slog.Warn("Rate limiting disabled in configuration")
	case redisClient != nil:
		limiter = ratelimit.NewRedisLimiter(redisClient, limiterOpts...)
	default:
		limiter = ratelimit.NewLocalLimiter(time.Minute, limiterOpts...)
		slog.Warn("Rate limiting is per instance without Redis")
	}
	defer limiter.Close()
	policies := cfg.Policies()

	// Admin auth
	var tokens *adminauth.Tokens
	if cfg.Admin.JWTSecret != "" {
		tokens, err = adminauth.NewTokens(cfg.Admin.JWTSecret)
		if err != nil {
			log.Fatalf("Invalid admin secret: %v", err)
		}
	} else {
		slog.Warn("admin.jwt_secret not set - admin endpoints disabled")
	}

	// Initialize HTTP handlers
	router := server.NewRouter(server.Routes{
		Webhooks: handlers.NewWebhookHandler(webhookGate, limiter, policies.Get(ratelimit.PolicyWebhooks),
			dispatcher, cfg.Server.MaxBodyBytes, logger),
		Inventory:   handlers.NewInventoryHandler(ledger, dispatcher, logger),
		Health:      handlers.NewHealthHandler(checks, logger),
		DeadLetters: handlers.NewDeadLetterHandler(deadLetterAdmin, logger),
		Limiter:     limiter,
		Policies:    policies,
		TrustProxy:  cfg.RateLimit.TrustProxy,
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.Server.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         cfg.Server.CORSMaxAge,
		},
		Tokens: tokens,
		Logger: logger,
	})

	// Create server with config values
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Webhook service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()

	slog.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}

	// Let in-flight collaborator calls finish
	collaborators.Runner.Wait()

	slog.Info("Server stopped")
}

func inventoryStore(backend string, rdb *redis.Client, pool *pgxpool.Pool) (inventory.Store, error) {
	switch backend {
	case config.BackendPostgres:
		if pool == nil {
			return nil, errors.New("postgres backend selected without postgres.url")
		}
		return inventory.NewPostgresStore(pool), nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, errors.New("redis backend selected without redis.url")
		}
		return inventory.NewRedisStore(rdb), nil
	default:
		slog.Warn("Using in-memory inventory - provisioned capacity is lost on restart")
		return inventory.NewMemoryStore(), nil
	}
}

func eventStore(ctx context.Context, backend string, rdb *redis.Client, pool *pgxpool.Pool, logger *logging.Logger) (dispatch.Store, error) {
	switch backend {
	case config.BackendPostgres:
		if pool == nil {
			return nil, errors.New("postgres backend selected without postgres.url")
		}
		store := dispatch.NewPostgresStore(pool)
		go purgeExpired(ctx, store, time.Hour, logger)
		return store, nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, errors.New("redis backend selected without redis.url")
		}
		return dispatch.NewRedisStore(rdb), nil
	default:
		store := dispatch.NewMemoryStore()
		go purgeExpired(ctx, store, 10*time.Minute, logger)
		return store, nil
	}
}

type expiringStore interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// purgeExpired deletes processed-event records past their retention until
// ctx is done. Redis expires its keys itself.
func purgeExpired(ctx context.Context, store expiringStore, interval time.Duration, logger *logging.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			actx, cancel := database.AdminContext(ctx)
			n, err := store.DeleteExpired(actx)
			cancel()
			if err != nil {
				logger.WarnContext(ctx, "failed to purge expired processed events", logging.Error(err))
				continue
			}
			if n > 0 {
				logger.InfoContext(ctx, "purged expired processed events", "count", n)
			}
		}
	}
}
