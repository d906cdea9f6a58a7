// Package cadence assembles the turn orchestration stack from a
// configuration and an inference engine, and runs its background services.
package cadence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cadence/internal/agentloop"
	"cadence/internal/binding"
	"cadence/internal/config"
	"cadence/internal/coordinator"
	"cadence/internal/gateway"
	"cadence/internal/jsvm"
	"cadence/internal/metrics"
	"cadence/internal/persist"
	"cadence/internal/recovery"
	"cadence/internal/storage"
	"cadence/internal/turn"
	"cadence/pkg/engine"
	"cadence/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

// Option customises a Runtime.
type Option func(*Runtime)

// WithStore uses store instead of opening one from the configuration. The
// runtime does not close a store passed this way.
func WithStore(store storage.Store) Option {
	return func(r *Runtime) {
		r.store = store
		r.ownsStore = false
	}
}

// WithConfigPath enables hot reload of the file at path while Run is
// active.
func WithConfigPath(path string) Option {
	return func(r *Runtime) { r.configPath = path }
}

// WithLogger sets the logger. The global logger is used otherwise.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// Runtime owns one assembled stack.
type Runtime struct {
	cfg        *config.Config
	configPath string
	log        zerolog.Logger

	store     storage.Store
	ownsStore bool
	binder    *binding.Binder
	executor  *turn.Executor
	sandbox   *jsvm.Executor
	agent     *agentloop.Controller
	saver     *persist.Scheduler
	coord     *coordinator.Coordinator
	server    *gateway.Server
	sweeper   *sweeper

	closeOnce sync.Once
	closeErr  error
}

// New builds a runtime over eng. Nothing runs until Run.
func New(cfg *config.Config, eng engine.Engine, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if eng == nil {
		return nil, errors.New("engine is required")
	}

	r := &Runtime{cfg: cfg, log: *logger.Get(), ownsStore: true}
	for _, opt := range opts {
		opt(r)
	}

	if cfg.Metrics.Enabled {
		metrics.Init()
	}
	if cfg.Turn.CharsPerToken > 0 {
		turn.CharsPerToken = cfg.Turn.CharsPerToken
	}

	if r.store == nil {
		store, err := OpenStore(cfg)
		if err != nil {
			return nil, err
		}
		r.store = store
	}

	r.binder = binding.New(eng, r.log)
	policy := recovery.NewPolicy(r.binder, r.log, metrics.RecordRecovery)
	r.executor = turn.NewExecutor(eng, r.binder, policy, turn.Options{
		PreviewInterval: cfg.Turn.PreviewInterval,
		FinalizeTimeout: cfg.Turn.FinalizeTimeout,
		Logger:          r.log,
	})

	r.sandbox = NewSandbox(cfg, r.log)
	r.agent = agentloop.NewController(r.executor, r.sandbox, agentloop.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		Languages:     cfg.Agent.Languages,
	}, r.log)

	r.saver = persist.NewScheduler(r.store, persist.Options{
		Debounce:     cfg.Persist.Debounce,
		WriteTimeout: cfg.Persist.WriteTimeout,
		Logger:       r.log,
	})

	r.coord = coordinator.New(coordinator.Deps{
		Turns:  r.executor,
		Agent:  r.agent,
		Binder: r.binder,
		Saver:  r.saver,
		Store:  r.store,
		Logger: r.log,
	}, coordinator.Config{
		SystemPrompt:      cfg.Turn.SystemPrompt,
		RecentTurns:       cfg.Turn.RecentTurns,
		RecentTokenBudget: cfg.Turn.RecentTokenBudget,
		TitleLength:       cfg.Turn.TitleLength,
	})

	if cfg.Binding.SweepSchedule != "" && cfg.Binding.IdleTTL > 0 {
		sw, err := newSweeper(cfg.Binding.SweepSchedule, cfg.Binding.IdleTTL, r)
		if err != nil {
			_ = r.closeResources()
			return nil, err
		}
		r.sweeper = sw
	}

	r.server = gateway.NewServer(gateway.Options{
		Gateway: cfg.Gateway,
		Metrics: cfg.Metrics,
		Version: cfg.Version,
		Turns:   r.coord,
		Store:   r.store,
		Gauges: map[string]func() int{
			"bound_sessions": r.binder.Len,
		},
	})

	return r, nil
}

// Coordinator returns the caller-facing coordinator.
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coord }

// Server returns the gateway server.
func (r *Runtime) Server() *gateway.Server { return r.server }

// Store returns the conversation store.
func (r *Runtime) Store() storage.Store { return r.store }

// Run serves the gateway, the binding sweep and the config watcher until
// ctx is done or one of them fails. On the way out active turns are
// cancelled, pending saves are flushed and resources are closed.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.server.Start(gctx)
	})
	if r.sweeper != nil {
		g.Go(func() error {
			r.sweeper.Run(gctx)
			return nil
		})
	}
	if r.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, r.configPath, r.applyConfig)
		})
	}

	err := g.Wait()
	if cerr := r.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// Close cancels active turns, flushes pending saves, stops the gateway and
// releases the sandbox and store. Later calls return the first result.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		// turns first so open turn streams end before the server drains
		if err := r.coord.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := r.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, r.closeResources())
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

func (r *Runtime) closeResources() error {
	var errs []error
	if err := r.sandbox.Close(); err != nil && !errors.Is(err, jsvm.ErrClosed) {
		errs = append(errs, err)
	}
	if r.ownsStore && r.store != nil {
		if err := r.store.Close(); err != nil && !errors.Is(err, storage.ErrStoreClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyConfig applies the settings that can change without a restart.
func (r *Runtime) applyConfig(cfg *config.Config) {
	if cfg.Log.Level != "" && cfg.Log.Level != r.cfg.Log.Level {
		logger.SetLevel(cfg.Log.Level)
		r.log.Info().Str("level", cfg.Log.Level).Msg("log level changed")
	}
	r.cfg.Log.Level = cfg.Log.Level
}
