package workflow

import (
	"context"
	"sync"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/state"
)

// GateChoiceReject is the default resolution when a gate times out.
const GateChoiceReject = "reject"

// pendingGate is one in-flight approval request.
type pendingGate struct {
	prompt  string
	options []string
	choice  chan string
}

// gateRegistry tracks pending human gates per thread. A thread has at most
// one pending gate.
type gateRegistry struct {
	mu    sync.Mutex
	gates map[string]*pendingGate
}

func newGateRegistry() *gateRegistry {
	return &gateRegistry{gates: make(map[string]*pendingGate)}
}

func (r *gateRegistry) open(threadID, prompt string, options []string) (*pendingGate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.gates[threadID]; exists {
		return nil, errors.Newf(errors.KindConflict, "workflow", "AwaitHumanGate",
			"thread %s already has a pending gate", threadID)
	}
	g := &pendingGate{prompt: prompt, options: options, choice: make(chan string, 1)}
	r.gates[threadID] = g
	return g, nil
}

func (r *gateRegistry) resolve(threadID, choice string) error {
	r.mu.Lock()
	g, ok := r.gates[threadID]
	if ok {
		delete(r.gates, threadID)
	}
	r.mu.Unlock()

	if !ok {
		return errors.Newf(errors.KindNotFound, "workflow", "Resolve",
			"thread %s has no pending gate", threadID)
	}
	for _, opt := range g.options {
		if opt == choice {
			g.choice <- choice
			return nil
		}
	}
	// Put the gate back so a valid resolve can still land.
	r.mu.Lock()
	r.gates[threadID] = g
	r.mu.Unlock()
	return errors.Newf(errors.KindInvalidState, "workflow", "Resolve",
		"choice %q is not among the gate's options", choice)
}

func (r *gateRegistry) drop(threadID string) {
	r.mu.Lock()
	delete(r.gates, threadID)
	r.mu.Unlock()
}

func (r *gateRegistry) pending(threadID string) (prompt string, options []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[threadID]
	if !ok {
		return "", nil, false
	}
	return g.prompt, g.options, true
}

// awaitGate suspends the calling node until the gate resolves or times out.
func (e *Engine) awaitGate(ctx context.Context, threadID, prompt string, options []string) (string, error) {
	if len(options) == 0 {
		options = []string{"approve", GateChoiceReject}
	}

	gate, err := e.gates.open(threadID, prompt, options)
	if err != nil {
		return "", err
	}
	defer e.gates.drop(threadID)

	if err := e.store.SetStatus(ctx, threadID, state.StatusPaused); err != nil {
		return "", err
	}
	_, err = e.store.Update(ctx, threadID, func(st *state.State) ([]state.Delta, error) {
		if st.Metadata == nil {
			st.Metadata = make(map[string]any)
		}
		st.Metadata["pending_approval"] = map[string]any{"prompt": prompt, "options": options}
		return []state.Delta{{Type: state.DeltaWorkflowUpdate}}, nil
	})
	if err != nil {
		return "", err
	}
	e.audit(threadID, "workflow.gate_opened", map[string]any{"prompt": prompt, "options": options})

	timer := e.newTimer(e.cfg.DefaultHumanGateTimeout)
	defer timer.Stop()

	var choice string
	select {
	case choice = <-gate.choice:
	case <-timer.C:
		choice = GateChoiceReject
		e.log.Warn("human gate timed out", "thread_id", threadID, "prompt", prompt)
	case <-ctx.Done():
		return "", errors.Wrap(errors.KindCancelled, "workflow", "AwaitHumanGate", "gate wait cancelled", ctx.Err())
	}

	_, err = e.store.Update(ctx, threadID, func(st *state.State) ([]state.Delta, error) {
		delete(st.Metadata, "pending_approval")
		if st.Metadata == nil {
			st.Metadata = make(map[string]any)
		}
		st.Metadata["gate_choice"] = choice
		return []state.Delta{{Type: state.DeltaWorkflowUpdate}}, nil
	})
	if err != nil {
		return "", err
	}
	if err := e.store.SetStatus(ctx, threadID, state.StatusGenerating); err != nil {
		return "", err
	}
	e.audit(threadID, "workflow.gate_resolved", map[string]any{"choice": choice})
	return choice, nil
}

// Resolve answers a pending gate from outside the workflow.
func (e *Engine) Resolve(threadID, choice string) error {
	return e.gates.resolve(threadID, choice)
}

// PendingGate reports the pending approval for a thread, if any.
func (e *Engine) PendingGate(threadID string) (prompt string, options []string, ok bool) {
	return e.gates.pending(threadID)
}
