package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/eggstream/internal/adapter/httpserver"
	"github.com/pscheid92/eggstream/internal/adapter/metrics"
	"github.com/pscheid92/eggstream/internal/adapter/postgres"
	"github.com/pscheid92/eggstream/internal/adapter/redis"
	"github.com/pscheid92/eggstream/internal/adapter/websocket"
	"github.com/pscheid92/eggstream/internal/app"
	"github.com/pscheid92/eggstream/internal/broadcast"
	"github.com/pscheid92/eggstream/internal/platform/config"
	"github.com/pscheid92/eggstream/internal/platform/logging"
	"github.com/pscheid92/eggstream/internal/platform/version"
	"github.com/pscheid92/eggstream/internal/subscription"
	"github.com/pscheid92/eggstream/internal/waveform"
	goredis "github.com/redis/go-redis/v9"
)

const statusEvictionInterval = time.Minute

func runGracefulShutdown(cfg *config.Config, srv *httpserver.Server, hub *websocket.Hub, stopBackground context.CancelFunc, background *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Stop producing frames before the sockets go away.
		stopBackground()
		background.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		hub.Shutdown("server shutting down")
		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, m *metrics.DBMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func newGenerator(cfg *config.Config) *waveform.Generator {
	var opts []waveform.Option
	if cfg.SignalSeed != 0 {
		opts = append(opts, waveform.WithSeed(cfg.SignalSeed))
	}
	return waveform.NewGenerator(opts...)
}

func seedCatalog(svc *app.SensorService, path string) {
	seeds, err := app.LoadSeedFile(path)
	if err != nil {
		slog.Error("Failed to load sensor seed file", "path", path, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created, err := svc.Seed(ctx, seeds)
	if err != nil {
		slog.Error("Failed to seed sensor catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Sensor catalog seeded", "path", path, "created", created, "listed", len(seeds))
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(logging.Output(cfg.LogFile, cfg.LogMaxSize), cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	reg := metrics.NewRegistry()

	pool := setupDB(cfg, metrics.NewDBMetrics(reg))
	defer pool.Close()

	redisClient := setupRedis(cfg, metrics.NewRedisMetrics(reg))
	defer func() { _ = redisClient.Close() }()

	sensorRepo := postgres.NewSensorRepo(pool)

	statusCache := redis.NewStatusCache(redisClient, sensorRepo, clock, cfg.StatusCacheTTL, metrics.NewCacheMetrics(reg))
	stopEviction := statusCache.StartEvictionTimer(statusEvictionInterval)
	defer stopEviction()

	registry := subscription.NewRegistry(subscription.WithPruneHook(websocket.ClosePruned))
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	hub := websocket.NewHub(registry, clock, wsMetrics)

	scheduler := broadcast.NewScheduler(registry, newGenerator(cfg), statusCache, clock, metrics.NewSchedulerMetrics(reg), broadcast.Config{
		Interval:   cfg.TickInterval,
		Backoff:    cfg.TickBackoff,
		MaxBackoff: cfg.TickMaxBackoff,
	})

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	var background sync.WaitGroup
	background.Go(func() { redis.NewInvalidationSubscriber(redisClient, statusCache).Run(backgroundCtx) })
	background.Go(func() {
		if err := scheduler.Run(backgroundCtx); err != nil {
			slog.Error("Broadcast scheduler failed", "error", err)
		}
	})

	sensorSvc := app.NewSensorService(sensorRepo, statusCache)
	if cfg.SensorSeedFile != "" {
		seedCatalog(sensorSvc, cfg.SensorSeedFile)
	}

	srv := httpserver.NewServer(cfg, sensorSvc, hub, httpserver.Observability{
		Registry:  reg,
		HTTP:      metrics.NewHTTPMetrics(reg),
		WebSocket: wsMetrics,
	}, []httpserver.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	})

	done := runGracefulShutdown(cfg, srv, hub, stopBackground, &background)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
