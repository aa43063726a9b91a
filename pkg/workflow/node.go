package workflow

import (
	"context"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/memory"
	"github.com/petitionlabs/gavel/pkg/model"
	"github.com/petitionlabs/gavel/pkg/state"
)

// Generator is the model surface nodes call. The model router satisfies it.
type Generator interface {
	Generate(ctx context.Context, req model.Request) (model.Response, error)
}

// NodeContext is a node's handle on the runtime. Every state mutation flows
// through the store so it commits atomically, broadcasts a delta, and
// respects per-thread concurrency control.
type NodeContext struct {
	engine   *Engine
	threadID string
	nodeID   string
	branchID string
}

// ThreadID identifies the executing workflow thread.
func (nc *NodeContext) ThreadID() string {
	return nc.threadID
}

// NodeID identifies the executing node.
func (nc *NodeContext) NodeID() string {
	return nc.nodeID
}

// State loads a fresh snapshot of the thread state.
func (nc *NodeContext) State(ctx context.Context) (*state.State, error) {
	return nc.engine.store.Load(ctx, nc.threadID)
}

// UpdateSection patches one section and broadcasts the change.
func (nc *NodeContext) UpdateSection(ctx context.Context, sectionID string, patch state.SectionPatch) (*state.State, error) {
	return nc.engine.store.UpdateSection(ctx, nc.threadID, sectionID, patch)
}

// AddLog appends a user-visible log line.
func (nc *NodeContext) AddLog(ctx context.Context, level, message string) error {
	return nc.engine.store.AddLog(ctx, nc.threadID, state.LogEntry{
		Timestamp: nc.engine.clock.Now().UTC(),
		Level:     level,
		Message:   message,
	})
}

// SetMetadata writes one metadata key on the thread state.
func (nc *NodeContext) SetMetadata(ctx context.Context, key string, value any) error {
	_, err := nc.engine.store.Update(ctx, nc.threadID, func(st *state.State) ([]state.Delta, error) {
		if st.Metadata == nil {
			st.Metadata = make(map[string]any)
		}
		st.Metadata[key] = value
		return []state.Delta{{Type: state.DeltaWorkflowUpdate}}, nil
	})
	return err
}

// SetSections replaces the section plan. Order values must be unique.
func (nc *NodeContext) SetSections(ctx context.Context, sections []state.Section) error {
	seen := make(map[int]bool, len(sections))
	for _, s := range sections {
		if seen[s.Order] {
			return errors.Newf(errors.KindInvalidState, "workflow", "SetSections",
				"duplicate section order %d", s.Order)
		}
		seen[s.Order] = true
	}
	_, err := nc.engine.store.Update(ctx, nc.threadID, func(st *state.State) ([]state.Delta, error) {
		st.Sections = sections
		return []state.Delta{{Type: state.DeltaWorkflowUpdate}}, nil
	})
	return err
}

// Generate calls the model router. It fails with InvalidState when the
// engine runs without a model surface.
func (nc *NodeContext) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if nc.engine.models == nil {
		return model.Response{}, errors.New(errors.KindInvalidState, "workflow", "Generate", "no model client configured")
	}
	return nc.engine.models.Generate(ctx, req)
}

// Memory exposes the memory manager, nil when the engine runs without one.
func (nc *NodeContext) Memory() *memory.Manager {
	return nc.engine.memory
}

// Checkpoint commits an explicit checkpoint barrier mid-node.
func (nc *NodeContext) Checkpoint(ctx context.Context) error {
	return nc.engine.commitCheckpoint(ctx, nc.threadID, nc.nodeID)
}

// AwaitHumanGate suspends the workflow pending an external approval. The
// thread pauses, subscribers see the pending request, and the call returns
// the resolved choice. A timeout resolves to the gate's default choice,
// reject.
func (nc *NodeContext) AwaitHumanGate(ctx context.Context, prompt string, options []string) (string, error) {
	return nc.engine.awaitGate(ctx, nc.threadID, prompt, options)
}
