package workflow

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/petitionlabs/gavel/pkg/audit"
	"github.com/petitionlabs/gavel/pkg/config"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
	"github.com/petitionlabs/gavel/pkg/logger"
	"github.com/petitionlabs/gavel/pkg/memory"
	"github.com/petitionlabs/gavel/pkg/state"
)

// Options collects the engine's collaborators. Store is required; the rest
// degrade gracefully when absent.
type Options struct {
	Store  state.Store
	Trail  *audit.Trail
	Memory *memory.Manager
	Models Generator
	Clock  ident.Clock
	Config config.EngineConfig
}

// Engine executes workflow graphs. Each thread is logically single-threaded,
// one node at a time; cross-thread parallelism is capped by a global
// semaphore.
type Engine struct {
	store  state.Store
	trail  *audit.Trail
	memory *memory.Manager
	models Generator
	clock  ident.Clock
	gen    *ident.Generator
	sem    *semaphore.Weighted
	cfg    config.EngineConfig
	gates  *gateRegistry
	log    *slog.Logger

	mu      sync.Mutex
	graphs  map[string]*Graph
	threads map[string]*threadHandle
}

type threadHandle struct {
	graph     *Graph
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
	reasonMu  sync.Mutex
	reason    string
}

func (h *threadHandle) requestCancel(reason string) {
	h.reasonMu.Lock()
	h.reason = reason
	h.reasonMu.Unlock()
	h.cancelled.Store(true)
}

func (h *threadHandle) cancelReason() string {
	h.reasonMu.Lock()
	defer h.reasonMu.Unlock()
	return h.reason
}

// New builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New(errors.KindInvalidState, "workflow", "New", "a state store is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = ident.SystemClock{}
	}
	cfg := opts.Config
	if cfg.MaxConcurrentThreads <= 0 {
		cfg.MaxConcurrentThreads = 16
	}
	if cfg.MaxRetriesPerNode <= 0 {
		cfg.MaxRetriesPerNode = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DefaultHumanGateTimeout <= 0 {
		cfg.DefaultHumanGateTimeout = 24 * time.Hour
	}

	return &Engine{
		store:   opts.Store,
		trail:   opts.Trail,
		memory:  opts.Memory,
		models:  opts.Models,
		clock:   clock,
		gen:     ident.NewGenerator(clock),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentThreads)),
		cfg:     cfg,
		gates:   newGateRegistry(),
		log:     logger.Get("workflow"),
		graphs:  make(map[string]*Graph),
		threads: make(map[string]*threadHandle),
	}, nil
}

// RegisterGraph makes a compiled graph startable and resumable by name.
func (e *Engine) RegisterGraph(g *Graph) error {
	if !g.compiled {
		return errors.Newf(errors.KindInvalidState, "workflow", "RegisterGraph", "graph %s is not compiled", g.name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.graphs[g.name]; dup {
		return errors.Newf(errors.KindConflict, "workflow", "RegisterGraph", "graph %s already registered", g.name)
	}
	e.graphs[g.name] = g
	return nil
}

// Start creates the thread state and begins execution. The returned thread
// id keys every later operation.
func (e *Engine) Start(ctx context.Context, graphName string, st *state.State) (string, error) {
	e.mu.Lock()
	graph, ok := e.graphs[graphName]
	e.mu.Unlock()
	if !ok {
		return "", errors.Newf(errors.KindNotFound, "workflow", "Start", "no graph named %q", graphName)
	}

	if st == nil {
		st = &state.State{}
	}
	if st.ThreadID == "" {
		st.ThreadID = e.gen.NewID("thread")
	}
	st.Status = state.StatusIdle
	st.StartedAt = e.clock.Now().UTC()
	st.CurrentNode = ""
	if st.Metadata == nil {
		st.Metadata = make(map[string]any)
	}
	st.Metadata["graph"] = graphName

	if err := e.store.Save(ctx, st); err != nil {
		return "", err
	}
	if err := e.store.SetStatus(ctx, st.ThreadID, state.StatusGenerating); err != nil {
		return "", err
	}
	e.audit(st.ThreadID, "workflow.started", map[string]string{"graph": graphName, "user_id": st.UserID})

	e.launch(graph, st.ThreadID)
	return st.ThreadID, nil
}

// Resume continues a paused thread from its last checkpoint. Routers are
// re-evaluated against the reloaded state.
func (e *Engine) Resume(ctx context.Context, threadID string) error {
	st, err := e.store.Load(ctx, threadID)
	if err != nil {
		return err
	}
	if st.Status != state.StatusPaused {
		return errors.Newf(errors.KindInvalidState, "workflow", "Resume",
			"thread %s is %s, not paused", threadID, st.Status)
	}

	graphName, _ := st.Metadata["graph"].(string)
	e.mu.Lock()
	graph, ok := e.graphs[graphName]
	running := e.threads[threadID] != nil
	e.mu.Unlock()
	if !ok {
		return errors.Newf(errors.KindNotFound, "workflow", "Resume", "no graph named %q", graphName)
	}
	if running {
		// The thread is suspended inside a gate; resolving the gate is the
		// resume path there.
		return errors.Newf(errors.KindInvalidState, "workflow", "Resume",
			"thread %s is awaiting a gate resolution", threadID)
	}

	if err := e.store.SetStatus(ctx, threadID, state.StatusGenerating); err != nil {
		return err
	}
	e.audit(threadID, "workflow.resumed", nil)
	e.launch(graph, threadID)
	return nil
}

// Pause asks a running thread to halt after its current node. The status
// flips immediately; execution stops at the next checkpoint.
func (e *Engine) Pause(ctx context.Context, threadID string) error {
	if err := e.store.SetStatus(ctx, threadID, state.StatusPaused); err != nil {
		return err
	}
	e.audit(threadID, "workflow.paused", nil)
	return nil
}

// Cancel stops a thread, runs its compensations in reverse declaration
// order, and finalizes it with error status.
func (e *Engine) Cancel(ctx context.Context, threadID, reason string) error {
	e.mu.Lock()
	handle := e.threads[threadID]
	e.mu.Unlock()

	if handle != nil {
		handle.requestCancel(reason)
		handle.cancel()
		select {
		case <-handle.done:
		case <-ctx.Done():
			return errors.Wrap(errors.KindCancelled, "workflow", "Cancel", "wait for thread interrupted", ctx.Err())
		}
		return nil
	}

	// Not running; finalize directly.
	st, err := e.store.Load(ctx, threadID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return errors.Newf(errors.KindInvalidState, "workflow", "Cancel",
			"thread %s is already %s", threadID, st.Status)
	}
	graphName, _ := st.Metadata["graph"].(string)
	e.mu.Lock()
	graph := e.graphs[graphName]
	e.mu.Unlock()
	return e.finalizeCancel(ctx, graph, threadID, reason)
}

// Wait blocks until the thread's run loop exits. Threads suspended at a
// pause are considered exited.
func (e *Engine) Wait(ctx context.Context, threadID string) error {
	e.mu.Lock()
	handle := e.threads[threadID]
	e.mu.Unlock()
	if handle == nil {
		return nil
	}
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListActive reports threads that are generating or paused.
func (e *Engine) ListActive(ctx context.Context) ([]*state.State, error) {
	return e.store.ListActive(ctx)
}

func (e *Engine) launch(graph *Graph, threadID string) {
	runCtx, cancel := context.WithCancel(context.Background())
	handle := &threadHandle{
		graph:  graph,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	e.threads[threadID] = handle
	e.mu.Unlock()

	go e.runThread(runCtx, graph, threadID, handle)
}

func (e *Engine) runThread(ctx context.Context, graph *Graph, threadID string, handle *threadHandle) {
	defer func() {
		e.mu.Lock()
		delete(e.threads, threadID)
		e.mu.Unlock()
		close(handle.done)
	}()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.finalizeCancelBestEffort(graph, threadID, handle.cancelReason())
		return
	}
	defer e.sem.Release(1)

	st, err := e.store.Load(ctx, threadID)
	if err != nil {
		e.log.Error("failed to load thread state", "thread_id", threadID, "error", err)
		return
	}

	current := graph.start
	if st.CurrentNode != "" {
		current = e.nextNode(graph, st.CurrentNode, st)
	}

	for current != End {
		node, ok := graph.nodes[current]
		if !ok {
			e.failThread(ctx, threadID, errors.Newf(errors.KindInternal, "workflow", "run",
				"router selected undeclared node %q", current))
			return
		}

		nodeErr := e.executeWithRetries(ctx, node, threadID)

		if handle.cancelled.Load() {
			e.finalizeCancelBestEffort(graph, threadID, handle.cancelReason())
			return
		}

		if err := e.commitCheckpoint(ctx, threadID, node.ID); err != nil {
			e.log.Error("checkpoint commit failed", "thread_id", threadID, "node", node.ID, "error", err)
			e.failThread(ctx, threadID, err)
			return
		}

		st, err = e.store.Load(ctx, threadID)
		if err != nil {
			e.log.Error("failed to reload thread state", "thread_id", threadID, "error", err)
			return
		}

		if nodeErr != nil {
			_ = e.store.AddLog(ctx, threadID, state.LogEntry{
				Timestamp: e.clock.Now().UTC(),
				Level:     "error",
				Message:   errors.UserMessage(nodeErr),
			})
			if graph.errorRouter != nil {
				if current = graph.errorRouter(st); current != End {
					continue
				}
			}
			e.failThread(ctx, threadID, nodeErr)
			return
		}

		if st.Status == state.StatusPaused {
			e.log.Info("thread halted at checkpoint", "thread_id", threadID, "node", node.ID)
			return
		}
		if st.Status.Terminal() {
			return
		}

		current = e.nextNode(graph, node.ID, st)
	}

	e.completeThread(ctx, threadID)
}

func (e *Engine) nextNode(graph *Graph, lastID string, st *state.State) string {
	node, ok := graph.nodes[lastID]
	if !ok {
		return End
	}
	if node.Router != nil {
		return node.Router(st)
	}
	if node.Next != "" {
		return node.Next
	}
	return End
}

func (e *Engine) executeWithRetries(ctx context.Context, node *Node, threadID string) error {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetriesPerNode; attempt++ {
		if attempt > 0 {
			if !e.sleep(ctx, e.backoff(attempt)) {
				return errors.Wrap(errors.KindCancelled, "workflow", "execute", "retry wait cancelled", ctx.Err())
			}
		}

		lastErr = e.runNode(ctx, node, threadID)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Wrap(errors.KindCancelled, "workflow", "execute", "node cancelled", ctx.Err())
		}
		if !retryable(lastErr) {
			return lastErr
		}
		e.log.Warn("node failed, retrying",
			"thread_id", threadID, "node", node.ID, "attempt", attempt+1, "error", lastErr)
	}
	return errors.Wrap(errors.KindRetryExhausted, "workflow", "execute",
		"node "+node.ID+" exhausted its retry budget", lastErr)
}

func (e *Engine) runNode(ctx context.Context, node *Node, threadID string) error {
	nc := &NodeContext{engine: e, threadID: threadID, nodeID: node.ID}
	if node.FanOut == nil {
		return node.Run(ctx, nc)
	}

	// Branches run concurrently; results join in declaration order.
	results := make([]BranchResult, len(node.FanOut.Branches))
	var g errgroup.Group
	for i, branch := range node.FanOut.Branches {
		g.Go(func() error {
			bc := &NodeContext{engine: e, threadID: threadID, nodeID: node.ID, branchID: branch.ID}
			value, err := branch.Run(ctx, bc)
			results[i] = BranchResult{ID: branch.ID, Value: value, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return node.FanOut.Reduce(ctx, nc, results)
}

// commitCheckpoint records the node transition: atomic state update, audit
// append, delta broadcast.
func (e *Engine) commitCheckpoint(ctx context.Context, threadID, nodeID string) error {
	_, err := e.store.Update(ctx, threadID, func(st *state.State) ([]state.Delta, error) {
		st.CurrentNode = nodeID
		return []state.Delta{{Type: state.DeltaWorkflowUpdate}}, nil
	})
	if err != nil {
		return err
	}
	e.audit(threadID, "workflow.checkpoint", map[string]string{"node": nodeID})
	return nil
}

func (e *Engine) completeThread(ctx context.Context, threadID string) {
	if err := e.store.SetStatus(ctx, threadID, state.StatusCompleted); err != nil {
		e.log.Error("failed to finalize thread", "thread_id", threadID, "error", err)
		return
	}
	e.audit(threadID, "workflow.completed", nil)
}

func (e *Engine) failThread(ctx context.Context, threadID string, cause error) {
	_, _ = e.store.Update(ctx, threadID, func(st *state.State) ([]state.Delta, error) {
		if st.Metadata == nil {
			st.Metadata = make(map[string]any)
		}
		st.Metadata["error_reason"] = errors.UserMessage(cause)
		return []state.Delta{{Type: state.DeltaError, Message: errors.UserMessage(cause)}}, nil
	})
	if err := e.store.SetStatus(ctx, threadID, state.StatusError); err != nil {
		e.log.Error("failed to mark thread error", "thread_id", threadID, "error", err)
	}
	e.audit(threadID, "workflow.failed", map[string]string{"reason": errors.UserMessage(cause)})
}

func (e *Engine) finalizeCancel(ctx context.Context, graph *Graph, threadID, reason string) error {
	if graph != nil {
		comps := graph.compensations()
		for i := len(comps) - 1; i >= 0; i-- {
			node := comps[i]
			nc := &NodeContext{engine: e, threadID: threadID, nodeID: node.ID}
			if err := node.Compensate(ctx, nc); err != nil {
				e.log.Warn("compensation failed", "thread_id", threadID, "node", node.ID, "error", err)
			}
		}
	}

	if reason == "" {
		reason = "cancelled"
	}
	_, _ = e.store.Update(ctx, threadID, func(st *state.State) ([]state.Delta, error) {
		if st.Metadata == nil {
			st.Metadata = make(map[string]any)
		}
		st.Metadata["cancel_reason"] = reason
		return []state.Delta{{Type: state.DeltaError, Message: reason}}, nil
	})
	if err := e.store.SetStatus(ctx, threadID, state.StatusError); err != nil {
		return err
	}
	e.audit(threadID, "workflow.cancelled", map[string]string{"reason": reason})
	return nil
}

func (e *Engine) finalizeCancelBestEffort(graph *Graph, threadID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.finalizeCancel(ctx, graph, threadID, reason); err != nil {
		e.log.Error("cancel finalization failed", "thread_id", threadID, "error", err)
	}
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBaseDelay << uint(attempt-1)
	if d > e.cfg.RetryMaxDelay {
		d = e.cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	d += jitter
	if d > e.cfg.RetryMaxDelay {
		d = e.cfg.RetryMaxDelay
	}
	return d
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) newTimer(d time.Duration) *time.Timer {
	return time.NewTimer(d)
}

func (e *Engine) audit(threadID, action string, payload any) {
	if e.trail == nil {
		return
	}
	body := map[string]any{"thread_id": threadID}
	if payload != nil {
		body["detail"] = payload
	}
	if _, err := e.trail.Append(audit.Entry{Source: "workflow", Action: action, Payload: body}); err != nil {
		e.log.Warn("audit append failed", "action", action, "error", err)
	}
}

func retryable(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindProviderUnavailable, errors.KindStoreUnavailable,
		errors.KindTimedOut, errors.KindConcurrentUpdate:
		return true
	}
	return false
}
