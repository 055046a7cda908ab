// Package opsflow wires the pieces of a resumable back-office automation
// system together: a durable task store, the callback correlator, the
// department inventory cache, and the turn-loop engine, all built from one
// configuration.
//
// Usage:
//
//	import "github.com/opsflow/opsflow"
//
//	sys, err := opsflow.New(opsflow.WithConfig(cfg), opsflow.WithProvider(p))
//	defer sys.Close()
package opsflow

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/opsflow/opsflow/config"
	"github.com/opsflow/opsflow/correlator"
	"github.com/opsflow/opsflow/engine"
	"github.com/opsflow/opsflow/internal/cache"
	"github.com/opsflow/opsflow/internal/metrics"
	"github.com/opsflow/opsflow/inventory"
	"github.com/opsflow/opsflow/store"
	"github.com/opsflow/opsflow/task"
)

// Version is the library version, overridable at build time.
var Version = "0.3.0"

// System is a fully wired automation stack.
type System struct {
	Config     *config.Config
	Store      store.TaskStore
	Correlator *correlator.Correlator
	Inventory  *inventory.Service
	Registry   *engine.Registry
	Engine     *engine.Engine

	logger *zap.Logger
	cache  *cache.Manager
}

// Option configures the system created by [New].
type Option func(*options)

type options struct {
	cfg       *config.Config
	logger    *zap.Logger
	provider  engine.Provider
	registrar prometheus.Registerer
	store     store.TaskStore
}

// WithConfig supplies a loaded configuration. Defaults are used otherwise.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProvider sets the agent provider driving the turn loop.
func WithProvider(p engine.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithMetricsRegisterer sets where collectors register. Defaults to the
// global prometheus registerer.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registrar = r }
}

// WithTaskStore injects a pre-built task store, bypassing the store
// configuration. Useful for tests.
func WithTaskStore(s store.TaskStore) Option {
	return func(o *options) { o.store = s }
}

// New builds a System from the given options.
func New(opts ...Option) (*System, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = config.Default()
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if o.provider == nil {
		return nil, fmt.Errorf("opsflow: a provider is required, use WithProvider")
	}
	registrar := o.registrar
	if registrar == nil {
		registrar = prometheus.DefaultRegisterer
	}
	collector := metrics.NewCollector("opsflow", registrar)

	taskStore := o.store
	if taskStore == nil {
		var err error
		taskStore, err = store.NewTaskStore(store.Config{
			Type: store.Type(cfg.Store.Type),
			Redis: store.RedisConfig{
				Addr:      cfg.Store.Redis.Addr,
				Password:  cfg.Store.Redis.Password,
				DB:        cfg.Store.Redis.DB,
				PoolSize:  cfg.Store.Redis.PoolSize,
				KeyPrefix: cfg.Store.Redis.KeyPrefix,
			},
			SQL: store.SQLConfig{
				Driver: cfg.Store.SQL.Driver,
				DSN:    cfg.Store.SQL.DSN,
			},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opsflow: open task store: %w", err)
		}
	}

	var cacheMgr *cache.Manager
	if cfg.Cache.Addr != "" {
		var err error
		cacheMgr, err = cache.NewManager(cache.Config{
			Addr:       cfg.Cache.Addr,
			Password:   cfg.Cache.Password,
			DB:         cfg.Cache.DB,
			DefaultTTL: cfg.Cache.DefaultTTL,
			PoolSize:   cfg.Cache.PoolSize,
		}, logger)
		if err != nil {
			logger.Warn("cache unavailable, inventory reads go straight to sources", zap.Error(err))
			cacheMgr = nil
		}
	}

	corr := correlator.New(taskStore, correlator.Config{
		WaitTimeout:   cfg.Correlator.WaitTimeout,
		SweepInterval: cfg.Correlator.SweepInterval,
		SignalToken:   cfg.Correlator.SignalToken,
	}, logger, collector)

	var invCache inventory.CacheService
	if cacheMgr != nil {
		invCache = cacheMgr
	}
	inv := inventory.NewService(invCache, inventory.Config{
		TTL:          cfg.Inventory.TTL,
		FetchRetries: cfg.Inventory.FetchRetries,
		FetchBackoff: cfg.Inventory.FetchBackoff,
	}, logger, collector)

	registry := engine.NewRegistry(logger, collector)
	eng := engine.New(o.provider, registry, taskStore, corr, engine.Config{
		MaxTurns:      cfg.Engine.MaxTurns,
		MaxIterations: cfg.Engine.MaxIterations,
		ToolTimeout:   cfg.Engine.ToolTimeout,
	}, logger, collector)

	return &System{
		Config:     cfg,
		Store:      taskStore,
		Correlator: corr,
		Inventory:  inv,
		Registry:   registry,
		Engine:     eng,
		logger:     logger,
		cache:      cacheMgr,
	}, nil
}

// StartTask creates and persists a new task on a thread key. One thread
// key carries at most one task; a second creation is refused while the
// first exists.
func (s *System) StartTask(ctx context.Context, threadKey, mandateScope string, mode task.ExecutionMode, mission task.Mission, steps []task.StepSpec) (*task.Task, error) {
	t, err := task.New(threadKey, mandateScope, mode, mission, steps)
	if err != nil {
		return nil, err
	}
	if err := s.Store.SaveTask(ctx, t); err != nil {
		return nil, err
	}
	if err := s.Store.AppendAudit(ctx, store.AuditEvent{
		TaskID:    t.ID,
		Type:      store.AuditTaskCreated,
		NewStatus: t.Status,
		Message:   mission.Title,
	}); err != nil {
		s.logger.Error("audit append failed", zap.String("task_id", t.ID), zap.Error(err))
	}
	return t, nil
}

// Close releases the store and cache connections.
func (s *System) Close() error {
	var firstErr error
	if err := s.Store.Close(); err != nil {
		firstErr = err
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
