package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/store"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []func(context.Context) error
	var archive dispatch.Archive = storage.NewMemoryArchive()

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx, cfg.MigrationPath); err != nil {
				logger.Error("migration failed", "path", cfg.MigrationPath, "error", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "path", cfg.MigrationPath)
		}
		archive = pg
		checks = append(checks, pg.Ping)
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		if cfg.PGDSN == "" {
			archive = storage.NewRedisArchive(rc, cfg.RedisArchiveKey, int64(cfg.RedisArchiveMax))
		}
	}

	var bus events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		bus = append(bus, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic))
		logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaEventsTopic)
	}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("amqp unavailable", "error", err)
			os.Exit(1)
		}
		bus = append(bus, p)
		logger.Info("publishing events to amqp", "exchange", cfg.AMQPExchange)
	}

	reg := registry.New()
	notifier := notify.New(reg, bus, logger.With("component", "notify"), cfg.EventQueueSize)
	engine := &dispatch.Engine{
		Store:          store.New(store.Options{TTL: cfg.RequestTTL, HistorySize: cfg.HistorySize}),
		Registry:       reg,
		Scheduler:      scheduler.New(),
		Listener:       notifier,
		Archive:        archive,
		Logger:         logger.With("component", "dispatch"),
		OfferPoolSize:  cfg.OfferPoolSize,
		WidenOnDecline: cfg.WidenOnDecline,
	}

	api := httpapi.NewServer(engine, logger.With("component", "http"), httpapi.Options{
		WSSendBuffer: cfg.WSSendBuffer,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "request_ttl", cfg.RequestTTL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdown(srv, engine, notifier, cfg.ShutdownTimeout, logger)
}

func shutdown(srv *http.Server, engine *dispatch.Engine, notifier *notify.Notifier, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	engine.Close()
	if err := notifier.Close(); err != nil {
		logger.Warn("event bus close", "error", err)
	}
}
