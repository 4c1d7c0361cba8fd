package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/flowmetrics/internal/app/migrate"
	httpx "github.com/splax/flowmetrics/internal/http"
	"github.com/splax/flowmetrics/internal/repository"
	"github.com/splax/flowmetrics/internal/repository/filelog"
	"github.com/splax/flowmetrics/internal/repository/postgres"
	"github.com/splax/flowmetrics/internal/repository/redisstream"
	"github.com/splax/flowmetrics/internal/service/metrics"
	"github.com/splax/flowmetrics/internal/ws"
	"github.com/splax/flowmetrics/pkg/config"
	"github.com/splax/flowmetrics/pkg/logger"
)

// backend is the selected metrics store with its health check and cleanup.
type backend struct {
	repo   repository.MetricsRepository
	health func(context.Context) error
	close  func()
}

func main() {
	cfg, cfgErr := config.LoadMetricsConfig()
	log := logger.New("flowmetrics-api", logger.ParseLevel(cfg.LogLevel))
	if cfgErr != nil {
		log.Warn("using defaults for invalid settings", "error", cfgErr)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open metrics store", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer store.close()
	log.Info("metrics store ready", "store", cfg.Store)

	if strings.TrimSpace(cfg.EngineToken) == "" {
		log.Warn("ENGINE_TOKEN not set; recording routes accept unauthenticated requests")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Warn("JWT_SECRET not set; read routes accept unauthenticated requests")
	}

	hub := ws.NewHub()
	defer hub.Close()
	svc := metrics.New(store.repo, hub, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, svc, limiter, httpx.Config{
		EngineToken:    cfg.EngineToken,
		JWTSecret:      cfg.JWTSecret,
		WriteTimeout:   cfg.WriteTimeout,
		WriteRateLimit: cfg.WriteRateLimit,
		ReadRateLimit:  cfg.ReadRateLimit,
		RateWindow:     cfg.RateLimitWindow,
	}, store.health)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Error("failed to listen", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}
	log.Info("metrics server starting", "addr", ln.Addr().String(), "env", cfg.Environment)
	if err := serve(ctx, srv, ln, hub, log, shutdownTimeout); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

const shutdownTimeout = 10 * time.Second

// serve runs srv on ln until ctx is cancelled. The hub closes before the server drains
// so streaming handlers, whose requests never finish on their own, can return.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, hub *ws.Hub, log *slog.Logger, timeout time.Duration) error {
	errorCh := make(chan error, 1)
	go func() {
		errorCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
			return nil
		}
		log.Info("metrics server stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func openBackend(ctx context.Context, cfg config.MetricsConfig, log *slog.Logger) (backend, error) {
	switch cfg.Store {
	case config.StoreFile:
		var opts []filelog.Option
		if !cfg.Fsync {
			log.Warn("fsync disabled; recorded entries may be lost on power failure")
			opts = append(opts, filelog.WithoutFsync())
		}
		store, err := filelog.New(cfg.DataDir, log, opts...)
		if err != nil {
			return backend{}, err
		}
		return backend{
			repo: store,
			health: func(context.Context) error {
				_, err := os.Stat(cfg.DataDir)
				return err
			},
			close: func() {
				if err := store.Close(); err != nil {
					log.Warn("failed to close metrics store", "error", err)
				}
			},
		}, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return backend{}, fmt.Errorf("connect to database: %w", err)
		}
		runner, err := migrate.New(pool, cfg.MigrationsDir, log)
		if err != nil {
			pool.Close()
			return backend{}, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ping(ctx); err != nil {
			pool.Close()
			return backend{}, err
		}
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return backend{}, err
		}
		repo := postgres.New(pool, log)
		return backend{repo: repo, health: repo.Ping, close: pool.Close}, nil

	case config.StoreRedis:
		store, err := redisstream.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisStreamPrefix, log)
		if err != nil {
			return backend{}, err
		}
		return backend{
			repo:   store,
			health: store.Ping,
			close: func() {
				if err := store.Close(); err != nil {
					log.Warn("failed to close redis client", "error", err)
				}
			},
		}, nil

	default:
		return backend{}, fmt.Errorf("unknown METRICS_STORE %q (want %s, %s or %s)", cfg.Store, config.StoreFile, config.StorePostgres, config.StoreRedis)
	}
}
