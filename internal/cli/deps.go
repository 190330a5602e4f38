package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/circuit"
	"circuit-trivia-bot/internal/config"
	"circuit-trivia-bot/internal/infra/memory"
	pgstore "circuit-trivia-bot/internal/infra/postgres"
	redisstore "circuit-trivia-bot/internal/infra/redis"
	"circuit-trivia-bot/internal/infra/sqlite"
	"circuit-trivia-bot/internal/logging"
	"circuit-trivia-bot/internal/nlu"
	transport "circuit-trivia-bot/internal/transport/http"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultSQLitePath = "trivia.db"

// loadConfig reads and validates the config and builds the process logger.
func loadConfig(configPath string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

// backend holds the opened persistence resources.
type backend struct {
	store   app.Store
	redis   *redis.Client
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackend opens the configured store. A Redis client is created whenever an address
// is configured since the scheduler and round feed may use it with any store.
func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{}
	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, func() { _ = b.redis.Close() })
	}

	ns := cfg.Namespace()
	switch cfg.Store.Backend {
	case config.BackendRedis:
		b.store = redisstore.NewStore(b.redis, ns)
	case config.BackendPostgres:
		pool, err := pgstore.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		b.store = pgstore.NewStore(pool, ns)
	case config.BackendSQLite:
		path := cfg.SQLite.Path
		if path == "" {
			path = defaultSQLitePath
		}
		st, err := sqlite.Open(ctx, path, ns)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = st.Close() })
		b.store = st
	default:
		b.store = memory.NewStore()
	}
	return b, nil
}

func newChatClient(cfg config.Config, logger *zap.Logger) *circuit.Client {
	timeout := config.TTLDuration(cfg.Circuit.Timeout, 30*time.Second)
	return circuit.NewClient(cfg.DomainURL(), &http.Client{Timeout: timeout}, logger.Named("circuit"))
}

// roundScheduler is a Scheduler that also drives the due closes.
type roundScheduler interface {
	app.Scheduler
	Run(ctx context.Context, handler app.CloseFunc) error
}

func newScheduler(cfg config.Config, b *backend, logger *zap.Logger) (roundScheduler, error) {
	switch cfg.Rounds.Scheduler {
	case "", config.BackendMemory:
		return memory.NewScheduler(), nil
	case config.BackendRedis:
		if b.redis == nil {
			return nil, fmt.Errorf("redis scheduler selected but redis addr not configured")
		}
		poll := config.TTLDuration(cfg.Rounds.PollInterval, 0)
		lease := 2 * config.TTLDuration(cfg.Rounds.CloseTimeout, app.DefaultCloseTimeout)
		return redisstore.NewScheduler(b.redis, cfg.Namespace(), poll, logger.Named("scheduler")).WithLease(lease), nil
	default:
		return nil, fmt.Errorf("unknown round scheduler %q", cfg.Rounds.Scheduler)
	}
}

// roundFeed publishes engine events and serves websocket subscribers.
type roundFeed interface {
	app.EventPublisher
	transport.RoundFeed
}

func newFeed(cfg config.Config, b *backend) roundFeed {
	if b.redis != nil {
		return redisstore.NewFeed(b.redis, cfg.Namespace())
	}
	return memory.NewFeed()
}

func newClassifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.Classifier, func(), error) {
	switch cfg.NLU.Backend {
	case config.NLULLM:
		l, err := nlu.NewLLM(nlu.LLMConfig{
			BaseURL: cfg.NLU.LLM.BaseURL,
			Model:   cfg.NLU.LLM.Model,
			Token:   cfg.NLU.LLM.Token,
		}, []string{app.IntentNewQuestion, app.IntentShowStats}, app.CategoryNames(), logger.Named("nlu"))
		if err != nil {
			return nil, nil, err
		}
		return l, func() {}, nil
	case "", config.NLUDialogflow:
		d, err := nlu.NewDialogflow(ctx, nlu.DialogflowConfig{
			ProjectID: cfg.NLU.ProjectID,
			Language:  cfg.NLU.Language,
			Session:   cfg.NLU.Session,
		}, logger.Named("nlu"))
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown nlu backend %q", cfg.NLU.Backend)
	}
}

func percentagePolicy(cfg config.Config) app.PercentagePolicy {
	if cfg.Stats.LegacyPercentage {
		return app.PerfectIsOne
	}
	return app.PerfectIsHundred
}
