package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/caravel-ai/caravel/pkg/api"
	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/common/cache"
	"github.com/caravel-ai/caravel/pkg/config"
	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/dispatch"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/routing"
	"github.com/caravel-ai/caravel/pkg/security"
	"github.com/caravel-ai/caravel/pkg/services"
)

var (
	configPath    = flag.String("config", "", "Path to the config file (default configs/caravel.yaml)")
	migrateOnly   = flag.Bool("migrate", false, "Run database migrations and exit")
	skipMigration = flag.Bool("skip-migration", false, "Skip automatic migrations on startup")
	healthCheck   = flag.Bool("health-check", false, "Probe the health endpoint of a running server and exit")
)

var logLevels = map[string]observability.LogLevel{
	"debug": observability.LogLevelDebug,
	"info":  observability.LogLevelInfo,
	"warn":  observability.LogLevelWarn,
	"error": observability.LogLevelError,
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *healthCheck {
		os.Exit(probeHealth(cfg.Server.ListenAddr))
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := observability.NewStandardLogger("caravel")
	if level, ok := logLevels[cfg.LogLevel]; ok {
		if stdLogger, ok := logger.(*observability.StandardLogger); ok {
			logger = stdLogger.WithLevel(level)
		}
	}

	if cfg.Environment == "production" || cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		metrics        observability.MetricsClient = observability.NewNoopMetricsClient()
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		prom := observability.NewPrometheusMetricsClient("caravel")
		metrics = prom
		metricsHandler = prom.Handler()
	}

	db, err := database.New(ctx, database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.Pool.MaxOpen,
		MaxIdleConns:    cfg.Database.Pool.MaxIdle,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		GuardMode:       database.GuardMode(cfg.Database.TxGuardMode),
	}, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if *migrateOnly {
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		logger.Info("Migrations applied", nil)
		return
	}
	if cfg.Database.MigrationsAuto && !*skipMigration {
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}

	identityCache, err := buildIdentityCache(cfg.Cache)
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer func() { _ = identityCache.Close() }()

	crypto := security.NewEncryptionService(cfg.Auth.EncryptionKey)

	users := services.NewUserService(db, logger)
	keys := auth.NewKeyService(db, logger)
	sessions := auth.NewSessionService(db, users, cfg.Auth, logger)
	resolver := auth.NewResolver(keys, sessions, identityCache, cfg.Cache.TTL, logger)

	taskRouter := routing.NewRouter(logger)
	dispatcher := dispatch.NewDispatcher(db,
		dispatch.DefaultAdapters(db, crypto, cfg.Dispatch.HTTPTimeout), logger, metrics,
		dispatch.WithFanout(cfg.Dispatch.Fanout))
	files := services.NewFileStore(cfg.Uploads, logger)

	deps := api.Deps{
		DB:           db,
		Agents:       services.NewAgentService(db, logger, dispatcher),
		Projects:     services.NewProjectService(db, taskRouter, logger, dispatcher),
		Tasks:        services.NewTaskService(db, taskRouter, logger, dispatcher),
		Deliverables: services.NewDeliverableService(db, files, logger, dispatcher),
		Users:        users,
		Routes:       services.NewRouteService(db, logger),
		Keys:         keys,
		Sessions:     sessions,
		Resolver:     resolver,
		Dispatcher:   dispatcher,

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Logger:         logger,
	}

	// The sweeper runs on its own context so it keeps retrying deliveries
	// while the HTTP server drains; Stop is what ends it.
	sweeper := dispatch.NewSweeper(db, dispatcher, cfg.Dispatch.Sweeper, logger, metrics)
	sweeper.Start(context.Background())
	deps.Sweeper = sweeper

	server := api.NewServer(cfg.Server, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", map[string]interface{}{
			"addr": cfg.Server.ListenAddr,
			"env":  cfg.Environment,
		})
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", map[string]interface{}{"error": err.Error()})
		}
		sweeper.Stop()
		if err := dispatcher.Drain(shutdownCtx); err != nil {
			logger.Warn("Dispatcher drain interrupted", map[string]interface{}{"error": err.Error()})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("Server stopped gracefully", nil)
}

// buildIdentityCache picks the cache backend for credential resolution. A
// redis backend sits behind a circuit breaker so an outage degrades to
// cache misses instead of failing requests.
func buildIdentityCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Type {
	case "redis":
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return cache.NewBreakerCache(rc, "identity"), nil
	default:
		return cache.NewMemoryCache(4096, cfg.TTL), nil
	}
}

// probeHealth hits the local health endpoint so container health checks
// can reuse the binary. Returns the process exit code.
func probeHealth(addr string) int {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad listen address %q: %v\n", addr, err)
		return 1
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", net.JoinHostPort(host, port)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health endpoint returned %s\n", resp.Status)
		return 1
	}
	fmt.Println("healthy")
	return 0
}
