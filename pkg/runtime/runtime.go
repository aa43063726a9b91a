// Package runtime is the composition root: it builds every component from
// configuration, wires them together, and owns their shutdown order.
package runtime

import (
	"context"
	"log/slog"

	"github.com/petitionlabs/gavel/pkg/agent"
	"github.com/petitionlabs/gavel/pkg/audit"
	"github.com/petitionlabs/gavel/pkg/cache"
	"github.com/petitionlabs/gavel/pkg/config"
	"github.com/petitionlabs/gavel/pkg/dispatch"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
	"github.com/petitionlabs/gavel/pkg/intake"
	"github.com/petitionlabs/gavel/pkg/logger"
	"github.com/petitionlabs/gavel/pkg/memory"
	"github.com/petitionlabs/gavel/pkg/model"
	"github.com/petitionlabs/gavel/pkg/observability"
	"github.com/petitionlabs/gavel/pkg/preview"
	"github.com/petitionlabs/gavel/pkg/state"
	"github.com/petitionlabs/gavel/pkg/workflow"
)

// Runtime holds the assembled system.
type Runtime struct {
	cfg *config.Config
	log *slog.Logger

	obs        *observability.Manager
	trail      *audit.Trail
	store      state.Store
	preview    *preview.Broadcaster
	memory     *memory.Manager
	cache      *cache.ResponseCache
	router     *model.Router
	engine     *workflow.Engine
	machine    *intake.Machine
	dispatcher *dispatch.Dispatcher

	closers []func() error
}

// New builds the runtime from configuration. Components come up in
// dependency order; a failure tears down whatever already started.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New(errors.KindInvalidState, "runtime", "New", "config is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindInvalidState, "runtime", "New", "invalid config", err)
	}
	logger.Init(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	r := &Runtime{cfg: cfg, log: logger.Get("runtime")}
	if err := r.build(ctx); err != nil {
		_ = r.Shutdown(context.Background())
		return nil, err
	}
	return r, nil
}

func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg
	clock := ident.SystemClock{}

	r.obs = observability.NewManager(cfg.Observability)
	if err := r.obs.Initialize(ctx); err != nil {
		return errors.Wrap(errors.KindInternal, "runtime", "build", "observability init failed", err)
	}
	r.closers = append(r.closers, func() error { return r.obs.Shutdown(context.Background()) })

	trail, err := buildTrail(cfg.Audit, clock)
	if err != nil {
		return err
	}
	r.trail = trail
	r.closers = append(r.closers, trail.Close)

	// The broadcaster is the state store's delta sink; it loads snapshots
	// back through the store, so the loader resolves after the store exists.
	loader := &deferredLoader{}
	r.preview = preview.New(loader, previewBufferSize)

	store, err := buildStateStore(cfg, r.preview, clock)
	if err != nil {
		return err
	}
	r.store = store
	loader.set(store)
	r.closers = append(r.closers, store.Close)

	mgr, err := buildMemory(cfg.Memory, trail, clock)
	if err != nil {
		return err
	}
	r.memory = mgr
	r.closers = append(r.closers, mgr.Close)

	r.cache, err = buildCache(cfg, clock)
	if err != nil {
		return err
	}

	r.router, err = buildRouter(cfg.Routing, r.cache)
	if err != nil {
		return err
	}

	r.engine, err = workflow.New(workflow.Options{
		Store:  store,
		Trail:  trail,
		Memory: mgr,
		Models: r.router,
		Clock:  clock,
		Config: cfg.Engine,
	})
	if err != nil {
		return err
	}
	petition, err := workflow.NewPetitionGraph()
	if err != nil {
		return err
	}
	if err := r.engine.RegisterGraph(petition); err != nil {
		return err
	}

	caseStore, err := buildCaseStore(cfg.Memory)
	if err != nil {
		return err
	}
	r.closers = append(r.closers, caseStore.Close)

	r.machine, err = intake.NewMachine(caseStore, mgr, trail, clock)
	if err != nil {
		return err
	}

	r.dispatcher = dispatch.New(cfg.Dispatch, trail, clock)
	for _, a := range []registrable{
		agent.NewCaseAgent(r.machine),
		agent.NewResearchAgent(mgr),
		agent.NewWriterAgent(r.engine, store, caseStore, clock),
		agent.NewValidatorAgent(store),
		agent.NewSupervisorAgent(r.dispatcher, r.router),
	} {
		if err := r.dispatcher.RegisterAgent(a, a.Kinds()...); err != nil {
			return err
		}
	}

	r.log.Info("runtime assembled",
		"state_backend", cfg.State.Backend,
		"providers", len(cfg.Routing.Providers),
		"cache_enabled", cfg.Cache.Enabled,
	)
	return nil
}

// Dispatcher is the command entrypoint.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher { return r.dispatcher }

// Engine exposes the workflow engine for gate resolution and inspection.
func (r *Runtime) Engine() *workflow.Engine { return r.engine }

// Preview exposes the live-preview broadcaster.
func (r *Runtime) Preview() *preview.Broadcaster { return r.preview }

// Memory exposes the memory facade.
func (r *Runtime) Memory() *memory.Manager { return r.memory }

// Trail exposes the audit trail.
func (r *Runtime) Trail() *audit.Trail { return r.trail }

// Observability exposes the metrics and tracing manager.
func (r *Runtime) Observability() *observability.Manager { return r.obs }

// Config returns the effective configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Shutdown drains running workflows, then closes components in reverse
// start order. The context bounds the drain.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var first error

	if r.engine != nil {
		active, err := r.engine.ListActive(ctx)
		if err == nil {
			for _, st := range active {
				if err := r.engine.Pause(ctx, st.ThreadID); err != nil {
					r.log.Warn("pause on shutdown failed", "thread_id", st.ThreadID, "error", err)
					continue
				}
				if err := r.engine.Wait(ctx, st.ThreadID); err != nil && first == nil {
					first = err
				}
			}
		} else if first == nil {
			first = err
		}
	}

	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.log.Warn("component close failed", "error", err)
			if first == nil {
				first = err
			}
		}
	}
	r.closers = nil
	return first
}
