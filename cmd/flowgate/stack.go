package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowgate/internal/config"
	"github.com/petrijr/flowgate/internal/engine"
	"github.com/petrijr/flowgate/internal/graph"
	"github.com/petrijr/flowgate/internal/persistence"
	"github.com/petrijr/flowgate/internal/taskqueue"
	"github.com/petrijr/flowgate/pkg/api"
	"github.com/petrijr/flowgate/pkg/metrics"
)

// stack is everything a command needs, opened from one Config.
type stack struct {
	engine   *engine.Coordinator
	queue    taskqueue.Queue
	registry *prometheus.Registry
	logger   *slog.Logger

	closers []func(context.Context) error
}

func (s *stack) Close() {
	ctx := context.Background()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Warn("close", slog.Any("error", err))
		}
	}
}

func openStack(ctx context.Context, cfg *config.Config) (_ *stack, err error) {
	s := &stack{logger: newLogger(cfg.Log.Level, cfg.Log.Format)}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	tracer, shutdown, err := setupTracing(cfg.Tracing.Enabled, cfg.Tracing.Output)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	s.closers = append(s.closers, shutdown)

	store, db, err := s.openStore(cfg)
	if err != nil {
		return nil, err
	}
	s.queue, err = s.openQueue(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	if cfg.Queue.Driver == "memory" {
		s.logger.Warn("in-memory queue only sees tasks scheduled by this process")
	}

	workflows := graph.NewRegistry()
	n, err := workflows.RegisterDir(cfg.Workflows.Dir)
	if err != nil {
		return nil, err
	}
	s.logger.Info("workflows loaded", slog.String("dir", cfg.Workflows.Dir), slog.Int("count", n))

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewPrometheusObserver(metrics.Options{Registry: s.registry})
	prom.WatchQueue(cfg.Queue.Driver, s.queue)

	conditions := graph.EvaluateRules
	if cfg.Engine.Conditions == "always" {
		conditions = graph.AlwaysTrue
	}

	s.engine, err = engine.New(engine.Config{
		Store:           store,
		Queue:           s.queue,
		Workflows:       workflows,
		Observer:        api.NewCompositeObserver(prom, api.NewLoggingObserver(s.logger)),
		Logger:          s.logger,
		Conditions:      conditions,
		ApplyDelay:      cfg.Engine.ApplyDelay,
		EnqueueAttempts: cfg.Engine.EnqueueAttempts,
		MaxAutoAdvance:  cfg.Engine.MaxAutoAdvance,
		StrandedAfter:   cfg.Engine.StrandedAfter,
		Tracer:          tracer,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *stack) openStore(cfg *config.Config) (persistence.RuntimeStore, *sql.DB, error) {
	switch cfg.Store.Driver {
	case "memory":
		return persistence.NewInMemoryStore(), nil, nil
	case "sqlite":
		db, err := s.openDB("sqlite", cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(1)
		store, err := persistence.NewSQLiteStore(db)
		return store, db, err
	case "postgres":
		db, err := s.openDB("pgx", cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := persistence.NewPostgresStore(db)
		return store, db, err
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func (s *stack) openDB(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	s.closers = append(s.closers, func(context.Context) error { return db.Close() })
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

func (s *stack) openQueue(ctx context.Context, cfg *config.Config, db *sql.DB) (taskqueue.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return taskqueue.NewInMemoryQueue(), nil
	case "sqlite":
		return taskqueue.NewSQLiteQueue(db)
	case "postgres":
		return taskqueue.NewPostgresQueue(db)
	case "redis":
		rc := cfg.Queue.Redis
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return taskqueue.NewRedisQueue(client, rc.Prefix), nil
	case "mongo":
		mc := cfg.Queue.Mongo
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(mc.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		s.closers = append(s.closers, client.Disconnect)
		q := taskqueue.NewMongoQueue(client, mc.Database, mc.Collection)
		if err := q.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return q, nil
	}
	return nil, errors.New("unknown queue driver " + cfg.Queue.Driver)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
