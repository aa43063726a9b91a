package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitionlabs/gavel/pkg/audit"
	"github.com/petitionlabs/gavel/pkg/config"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/model"
	"github.com/petitionlabs/gavel/pkg/state"
)

// hookedGenerator wraps a mock client and runs a hook after each call.
type hookedGenerator struct {
	mock  *model.MockClient
	after func(call int)
	calls atomic.Int64
}

func (g *hookedGenerator) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	resp, err := g.mock.Generate(ctx, req)
	if g.after != nil {
		g.after(int(g.calls.Add(1)))
	}
	return resp, err
}

// recordingSink captures broadcast deltas in commit order.
type recordingSink struct {
	mu     sync.Mutex
	deltas []state.Delta
}

func (s *recordingSink) Publish(_ string, d state.Delta) {
	s.mu.Lock()
	s.deltas = append(s.deltas, d)
	s.mu.Unlock()
}

func (s *recordingSink) sectionEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.deltas {
		if d.Type == state.DeltaSectionUpdate {
			out = append(out, d.SectionID+":"+string(d.Section.Status))
		}
	}
	return out
}

func (s *recordingSink) statusEvents() []state.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []state.Status
	for _, d := range s.deltas {
		if d.Type == state.DeltaStatusChange {
			out = append(out, d.Status)
		}
	}
	return out
}

func fastConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxConcurrentThreads:    4,
		MaxRetriesPerNode:       3,
		RetryBaseDelay:          time.Millisecond,
		RetryMaxDelay:           5 * time.Millisecond,
		DefaultHumanGateTimeout: time.Hour,
	}
}

func newTestEngine(t *testing.T, sink state.DeltaSink, models Generator, cfg config.EngineConfig) (*Engine, state.Store, *audit.Trail) {
	t.Helper()
	store := state.NewMemoryStore(sink, nil, 0)
	trail, err := audit.NewTrail(audit.NewMemorySink(), nil)
	require.NoError(t, err)
	eng, err := New(Options{Store: store, Trail: trail, Models: models, Config: cfg})
	require.NoError(t, err)
	return eng, store, trail
}

func waitForStatus(t *testing.T, store state.Store, threadID string, want state.Status) *state.State {
	t.Helper()
	var got *state.State
	require.Eventually(t, func() bool {
		st, err := store.Load(context.Background(), threadID)
		if err != nil {
			return false
		}
		got = st
		return st.Status == want
	}, 5*time.Second, 5*time.Millisecond, "thread never reached %s", want)
	return got
}

func TestCompileValidation(t *testing.T) {
	g := NewGraph("bad")
	assert.Error(t, g.Compile(), "missing start")

	g = NewGraph("bad").
		AddNode("a", func(context.Context, *NodeContext) error { return nil }, WithNext("ghost")).
		SetStart("a")
	err := g.Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	g = NewGraph("ok").
		AddNode("a", func(context.Context, *NodeContext) error { return nil }, WithNext("b")).
		AddNode("b", func(context.Context, *NodeContext) error { return nil }).
		SetStart("a")
	assert.NoError(t, g.Compile())
}

func TestPetitionRunToCompletion(t *testing.T) {
	sink := &recordingSink{}
	gen := &hookedGenerator{mock: model.NewMockClient("m1", model.MockResponse{Text: "<p>draft</p>", TokensUsed: 50})}
	eng, store, trail := newTestEngine(t, sink, gen, fastConfig())

	graph, err := NewPetitionGraph()
	require.NoError(t, err)
	require.NoError(t, eng.RegisterGraph(graph))

	threadID, err := eng.Start(context.Background(), PetitionGraphName, &state.State{
		UserID:       "u1",
		CaseID:       "case_1",
		DocumentType: "letter",
	})
	require.NoError(t, err)

	st := waitForStatus(t, store, threadID, state.StatusCompleted)
	assert.Len(t, st.Sections, 3)
	for _, sec := range st.Sections {
		assert.Equal(t, state.SectionCompleted, sec.Status)
		assert.NotEmpty(t, sec.ContentHTML)
	}
	assert.NotEmpty(t, st.Metadata["document_html"])
	assert.Equal(t, []string{
		"sec_1:in_progress", "sec_1:completed",
		"sec_2:in_progress", "sec_2:completed",
		"sec_3:in_progress", "sec_3:completed",
	}, sink.sectionEvents())
	assert.True(t, trail.VerifyAll())
}

func TestPauseResumeEquivalence(t *testing.T) {
	run := func(pauseAfterFirstSection bool) (*state.State, []string) {
		const threadID = "t1"
		sink := &recordingSink{}
		gen := &hookedGenerator{mock: model.NewMockClient("m1", model.MockResponse{Text: "<p>draft</p>", TokensUsed: 50})}
		eng, store, _ := newTestEngine(t, sink, gen, fastConfig())
		if pauseAfterFirstSection {
			gen.after = func(call int) {
				if call == 1 {
					_ = eng.Pause(context.Background(), threadID)
				}
			}
		}

		graph, err := NewPetitionGraph()
		require.NoError(t, err)
		require.NoError(t, eng.RegisterGraph(graph))

		_, err = eng.Start(context.Background(), PetitionGraphName, &state.State{
			ThreadID: threadID, UserID: "u1", CaseID: "case_1", DocumentType: "letter",
		})
		require.NoError(t, err)

		if pauseAfterFirstSection {
			// The run loop halts at the checkpoint after the current node.
			waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, eng.Wait(waitCtx, threadID))

			st := waitForStatus(t, store, threadID, state.StatusPaused)
			assert.Contains(t, sink.statusEvents(), state.StatusPaused)
			assert.Equal(t, state.SectionCompleted, st.Sections[0].Status)
			assert.Equal(t, state.SectionPending, st.Sections[1].Status)
			require.NoError(t, eng.Resume(context.Background(), threadID))
		}
		st := waitForStatus(t, store, threadID, state.StatusCompleted)
		return st, sink.sectionEvents()
	}

	plain, plainSections := run(false)
	paused, pausedSections := run(true)

	// Identical final state aside from wall-clock bookkeeping.
	assert.Equal(t, plainSections, pausedSections)
	require.Len(t, paused.Sections, len(plain.Sections))
	for i := range plain.Sections {
		assert.Equal(t, plain.Sections[i].Status, paused.Sections[i].Status)
		assert.Equal(t, plain.Sections[i].ContentHTML, paused.Sections[i].ContentHTML)
	}
	assert.Equal(t, plain.Metadata["document_html"], paused.Metadata["document_html"])
}

func TestNodeRetryOnTransientError(t *testing.T) {
	var attempts atomic.Int64
	g := NewGraph("retry").
		AddNode("flaky", func(ctx context.Context, nc *NodeContext) error {
			if attempts.Add(1) < 3 {
				return errors.New(errors.KindStoreUnavailable, "test", "flaky", "transient")
			}
			return nil
		}).
		SetStart("flaky")
	require.NoError(t, g.Compile())

	eng, store, _ := newTestEngine(t, nil, nil, fastConfig())
	require.NoError(t, eng.RegisterGraph(g))

	threadID, err := eng.Start(context.Background(), "retry", &state.State{UserID: "u1"})
	require.NoError(t, err)

	waitForStatus(t, store, threadID, state.StatusCompleted)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestRetryExhaustionFailsThread(t *testing.T) {
	g := NewGraph("doomed").
		AddNode("always-fails", func(ctx context.Context, nc *NodeContext) error {
			return errors.New(errors.KindProviderUnavailable, "test", "fail", "down")
		}).
		SetStart("always-fails")
	require.NoError(t, g.Compile())

	eng, store, _ := newTestEngine(t, nil, nil, fastConfig())
	require.NoError(t, eng.RegisterGraph(g))

	threadID, err := eng.Start(context.Background(), "doomed", &state.State{UserID: "u1"})
	require.NoError(t, err)

	st := waitForStatus(t, store, threadID, state.StatusError)
	assert.NotEmpty(t, st.Metadata["error_reason"])
}

func TestBusinessErrorNotRetried(t *testing.T) {
	var attempts atomic.Int64
	g := NewGraph("strict").
		AddNode("invalid", func(ctx context.Context, nc *NodeContext) error {
			attempts.Add(1)
			return errors.New(errors.KindInvalidState, "test", "invalid", "bad input")
		}).
		SetStart("invalid")
	require.NoError(t, g.Compile())

	eng, store, _ := newTestEngine(t, nil, nil, fastConfig())
	require.NoError(t, eng.RegisterGraph(g))

	threadID, err := eng.Start(context.Background(), "strict", &state.State{UserID: "u1"})
	require.NoError(t, err)

	waitForStatus(t, store, threadID, state.StatusError)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestErrorRouterAbsorbsFailure(t *testing.T) {
	g := NewGraph("recoverable").
		AddNode("fragile", func(ctx context.Context, nc *NodeContext) error {
			return errors.New(errors.KindInvalidState, "test", "fragile", "expected")
		}, WithNext("never")).
		AddNode("never", func(ctx context.Context, nc *NodeContext) error { return nil }).
		AddNode("recover", func(ctx context.Context, nc *NodeContext) error {
			return nc.SetMetadata(ctx, "recovered", true)
		}).
		SetStart("fragile").
		SetErrorRouter(func(st *state.State) string {
			if recovered, _ := st.Metadata["recovered"].(bool); recovered {
				return End
			}
			return "recover"
		})
	require.NoError(t, g.Compile())

	eng, store, _ := newTestEngine(t, nil, nil, fastConfig())
	require.NoError(t, eng.RegisterGraph(g))

	threadID, err := eng.Start(context.Background(), "recoverable", &state.State{UserID: "u1"})
	require.NoError(t, err)

	st := waitForStatus(t, store, threadID, state.StatusCompleted)
	assert.Equal(t, true, st.Metadata["recovered"])
}

func TestCancelRunsCompensationsAndStopsWrites(t *testing.T) {
	started := make(chan struct{})
	var compensations []string
	var compMu sync.Mutex

	g := NewGraph("cancellable").
		AddNode("first", func(ctx context.Context, nc *NodeContext) error { return nil },
			WithNext("blocking"),
			WithCompensation(func(ctx context.Context, nc *NodeContext) error {
				compMu.Lock()
				compensations = append(compensations, "first")
				compMu.Unlock()
				return nil
			})).
		AddNode("blocking", func(ctx context.Context, nc *NodeContext) error {
			close(started)
			<-ctx.Done()
			return errors.Wrap(errors.KindCancelled, "test", "blocking", "interrupted", ctx.Err())
		}, WithCompensation(func(ctx context.Context, nc *NodeContext) error {
			compMu.Lock()
			compensations = append(compensations, "blocking")
			compMu.Unlock()
			return nil
		})).
		SetStart("first")
	require.NoError(t, g.Compile())

	eng, store, _ := newTestEngine(t, nil, nil, fastConfig())
	require.NoError(t, eng.RegisterGraph(g))

	threadID, err := eng.Start(context.Background(), "cancellable", &state.State{UserID: "u1"})
	require.NoError(t, err)
	<-started

	require.NoError(t, eng.Cancel(context.Background(), threadID, "user requested"))

	st, err := store.Load(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusError, st.Status)
	assert.Equal(t, "user requested", st.Metadata["cancel_reason"])

	// Compensations ran in reverse declaration order.
	compMu.Lock()
	assert.Equal(t, []string{"blocking", "first"}, compensations)
	compMu.Unlock()

	// No further writes land after Cancel returns.
	cursor := st.CheckpointCursor
	time.Sleep(50 * time.Millisecond)
	st, err = store.Load(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, cursor, st.CheckpointCursor)
}

func TestFanOutJoinsInDeclarationOrder(t *testing.T) {
	g := NewGraph("fan").
		AddFanOut("spread", FanOut{
			Branches: []Branch{
				{ID: "slow", Run: func(ctx context.Context, nc *NodeContext) (any, error) {
					time.Sleep(20 * time.Millisecond)
					return "slow done", nil
				}},
				{ID: "failing", Run: func(ctx context.Context, nc *NodeContext) (any, error) {
					return nil, errors.New(errors.KindProviderUnavailable, "test", "branch", "down")
				}},
				{ID: "fast", Run: func(ctx context.Context, nc *NodeContext) (any, error) {
					return "fast done", nil
				}},
			},
			Reduce: func(ctx context.Context, nc *NodeContext, results []BranchResult) error {
				order := make([]string, len(results))
				failures := 0
				for i, r := range results {
					order[i] = r.ID
					if r.Err != nil {
						failures++
					}
				}
				if err := nc.SetMetadata(ctx, "join_order", order); err != nil {
					return err
				}
				return nc.SetMetadata(ctx, "failures", failures)
			},
		}).
		SetStart("spread")
	require.NoError(t, g.Compile())

	eng, store, _ := newTestEngine(t, nil, nil, fastConfig())
	require.NoError(t, eng.RegisterGraph(g))

	threadID, err := eng.Start(context.Background(), "fan", &state.State{UserID: "u1"})
	require.NoError(t, err)

	st := waitForStatus(t, store, threadID, state.StatusCompleted)
	assert.Equal(t, []string{"slow", "failing", "fast"}, st.Metadata["join_order"])
	assert.Equal(t, 1, st.Metadata["failures"])
}

func TestHumanGateApprove(t *testing.T) {
	g := NewGraph("gated").
		AddNode("gate", func(ctx context.Context, nc *NodeContext) error {
			choice, err := nc.AwaitHumanGate(ctx, "proceed?", []string{"approve", "reject"})
			if err != nil {
				return err
			}
			return nc.SetMetadata(ctx, "choice", choice)
		}).
		SetStart("gate")
	require.NoError(t, g.Compile())

	eng, store, _ := newTestEngine(t, nil, nil, fastConfig())
	require.NoError(t, eng.RegisterGraph(g))

	threadID, err := eng.Start(context.Background(), "gated", &state.State{UserID: "u1"})
	require.NoError(t, err)

	waitForStatus(t, store, threadID, state.StatusPaused)
	prompt, options, ok := eng.PendingGate(threadID)
	require.True(t, ok)
	assert.Equal(t, "proceed?", prompt)
	assert.Equal(t, []string{"approve", "reject"}, options)

	assert.Error(t, eng.Resolve(threadID, "maybe"), "choices outside the option set are rejected")
	require.NoError(t, eng.Resolve(threadID, "approve"))

	st := waitForStatus(t, store, threadID, state.StatusCompleted)
	assert.Equal(t, "approve", st.Metadata["choice"])
	_, _, ok = eng.PendingGate(threadID)
	assert.False(t, ok)
}

func TestHumanGateTimeoutDefaultsToReject(t *testing.T) {
	g := NewGraph("gated").
		AddNode("gate", func(ctx context.Context, nc *NodeContext) error {
			choice, err := nc.AwaitHumanGate(ctx, "proceed?", nil)
			if err != nil {
				return err
			}
			return nc.SetMetadata(ctx, "choice", choice)
		}).
		SetStart("gate")
	require.NoError(t, g.Compile())

	cfg := fastConfig()
	cfg.DefaultHumanGateTimeout = 30 * time.Millisecond
	eng, store, _ := newTestEngine(t, nil, nil, cfg)
	require.NoError(t, eng.RegisterGraph(g))

	threadID, err := eng.Start(context.Background(), "gated", &state.State{UserID: "u1"})
	require.NoError(t, err)

	st := waitForStatus(t, store, threadID, state.StatusCompleted)
	assert.Equal(t, GateChoiceReject, st.Metadata["choice"])
}

func TestNodeIdempotentReexecution(t *testing.T) {
	// A crash between node completion and checkpoint re-executes the node;
	// the committed state must come out the same.
	eng, store, _ := newTestEngine(t, nil, nil, fastConfig())
	require.NoError(t, store.Save(context.Background(), &state.State{
		ThreadID: "t1", UserID: "u1", CaseID: "case_1", DocumentType: "letter",
	}))

	node := &Node{ID: nodePlanSections, Run: planSections}
	require.NoError(t, eng.runNode(context.Background(), node, "t1"))
	first, err := store.Load(context.Background(), "t1")
	require.NoError(t, err)

	require.NoError(t, eng.runNode(context.Background(), node, "t1"))
	second, err := store.Load(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, first.Sections, second.Sections)
}

func TestChainedAuditMatchesCommitOrder(t *testing.T) {
	gen := &hookedGenerator{mock: model.NewMockClient("m1", model.MockResponse{Text: "x", TokensUsed: 1})}
	eng, store, trail := newTestEngine(t, nil, gen, fastConfig())

	graph, err := NewPetitionGraph()
	require.NoError(t, err)
	require.NoError(t, eng.RegisterGraph(graph))

	threadID, err := eng.Start(context.Background(), PetitionGraphName, &state.State{
		UserID: "u1", CaseID: "case_1", DocumentType: "letter",
	})
	require.NoError(t, err)
	waitForStatus(t, store, threadID, state.StatusCompleted)

	require.True(t, trail.VerifyAll())
	events, err := trail.Read(0, trail.Len())
	require.NoError(t, err)

	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, "workflow.started", actions[0])
	assert.Equal(t, "workflow.completed", actions[len(actions)-1])
	assert.Contains(t, actions, "workflow.checkpoint")
}
