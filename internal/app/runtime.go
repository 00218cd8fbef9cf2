// Package app holds the process bootstrap shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/joho/godotenv"
	"github.com/maltedev/vendor-feeds/internal/config"
	"github.com/maltedev/vendor-feeds/internal/database"
	"github.com/maltedev/vendor-feeds/internal/logger"
	"github.com/maltedev/vendor-feeds/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *database.DB
	Outbox   *database.OutboxRepository
	Registry *prometheus.Registry

	redis *redis.Client
	wg    sync.WaitGroup
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Setup connects the store and prepares logging and metrics for component.
func Setup(ctx context.Context, cfg *config.Config, component string) (*Runtime, error) {
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format).With("service", component)
	slog.SetDefault(log)

	db, err := database.New(ctx, database.Config{
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Runtime{
		Config:   cfg,
		Logger:   log,
		DB:       db,
		Outbox:   database.NewOutboxRepository(db, cfg.Redis.Stream),
		Registry: reg,
	}, nil
}

// StartBackground launches the outbox relay and the ops server when enabled.
// Both stop when ctx is cancelled; Close waits for them.
func (r *Runtime) StartBackground(ctx context.Context, status func() any) error {
	if r.Config.Redis.Enabled {
		r.redis = redis.NewClient(&redis.Options{
			Addr:     r.Config.Redis.Addr,
			Password: r.Config.Redis.Password,
			DB:       r.Config.Redis.DB,
		})
		if err := r.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		relay := database.NewRelay(r.Outbox, r.redis, r.Logger, database.RelayConfig{})
		r.goRun(func() {
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.Logger.Error("relay stopped with error", "error", err)
			}
		})
	}

	if r.Config.Server.Enabled {
		srv := server.New(r.Config.Server, server.Deps{
			Outbox:   r.Outbox,
			Gatherer: r.Registry,
			Status:   status,
		}, r.Logger)
		r.goRun(func() {
			if err := srv.Run(ctx); err != nil {
				r.Logger.Error("ops server stopped with error", "error", err)
			}
		})
	}

	return nil
}

func (r *Runtime) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Close waits for background goroutines and releases connections. The
// context passed to StartBackground must already be cancelled.
func (r *Runtime) Close() {
	r.wg.Wait()
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.Logger.Warn("failed to close redis", "error", err)
		}
	}
	r.DB.Close()
}
