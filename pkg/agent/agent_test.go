package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitionlabs/gavel/pkg/audit"
	"github.com/petitionlabs/gavel/pkg/config"
	"github.com/petitionlabs/gavel/pkg/dispatch"
	"github.com/petitionlabs/gavel/pkg/embedder"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/intake"
	"github.com/petitionlabs/gavel/pkg/memory"
	"github.com/petitionlabs/gavel/pkg/model"
	"github.com/petitionlabs/gavel/pkg/state"
	"github.com/petitionlabs/gavel/pkg/vector"
	"github.com/petitionlabs/gavel/pkg/workflow"
)

const testDimension = 64

type testEnv struct {
	dispatcher *dispatch.Dispatcher
	machine    *intake.Machine
	memory     *memory.Manager
	store      state.Store
	engine     *workflow.Engine
	mock       *model.MockClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	trail, err := audit.NewTrail(audit.NewMemorySink(), nil)
	require.NoError(t, err)

	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	semantic, err := memory.NewSemanticStore(provider, testDimension, "agent_test")
	require.NoError(t, err)
	mgr, err := memory.NewManager(memory.ManagerOptions{
		Episodic: memory.NewMemoryEpisodicStore(),
		Semantic: semantic,
		Working:  memory.NewWorkingMemory(8, []string{"active_case_id", "intake_state"}, nil),
		Embedder: embedder.NewDeterministic(testDimension),
		Trail:    trail,
	})
	require.NoError(t, err)

	machine, err := intake.NewMachine(intake.NewMemoryCaseStore(), mgr, trail, nil)
	require.NoError(t, err)

	store := state.NewMemoryStore(nil, nil, 0)
	mock := model.NewMockClient("m1", model.MockResponse{Text: "<p>generated</p>", TokensUsed: 20})
	engine, err := workflow.New(workflow.Options{
		Store:  store,
		Trail:  trail,
		Models: mock,
		Config: config.EngineConfig{
			MaxConcurrentThreads: 4,
			MaxRetriesPerNode:    2,
			RetryBaseDelay:       time.Millisecond,
			RetryMaxDelay:        5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	graph, err := workflow.NewPetitionGraph()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterGraph(graph))

	d := dispatch.New(config.DispatchConfig{
		RolePermissionMatrix: map[string][]string{"applicant": {"*"}},
	}, trail, nil)

	caseAgent := NewCaseAgent(machine)
	require.NoError(t, d.RegisterAgent(caseAgent, caseAgent.Kinds()...))
	research := NewResearchAgent(mgr)
	require.NoError(t, d.RegisterAgent(research, research.Kinds()...))
	writer := NewWriterAgent(engine, store, machine.Store(), nil)
	require.NoError(t, d.RegisterAgent(writer, writer.Kinds()...))
	validator := NewValidatorAgent(store)
	require.NoError(t, d.RegisterAgent(validator, validator.Kinds()...))
	supervisor := NewSupervisorAgent(d, mock)
	require.NoError(t, d.RegisterAgent(supervisor, supervisor.Kinds()...))

	return &testEnv{dispatcher: d, machine: machine, memory: mgr, store: store, engine: engine, mock: mock}
}

func (e *testEnv) submit(t *testing.T, kind dispatch.CommandKind, payload any, metadata map[string]any) *dispatch.Response {
	t.Helper()
	resp, err := e.dispatcher.Submit(context.Background(), &dispatch.Command{
		UserID:   "u1",
		Role:     "applicant",
		Kind:     kind,
		Payload:  payload,
		Metadata: metadata,
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func (e *testEnv) waitForStatus(t *testing.T, threadID string, want state.Status) *state.State {
	t.Helper()
	var st *state.State
	require.Eventually(t, func() bool {
		loaded, err := e.store.Load(context.Background(), threadID)
		if err != nil {
			return false
		}
		st = loaded
		return loaded.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestCaseLifecycleThroughDispatch(t *testing.T) {
	env := newTestEnv(t)

	created := env.submit(t, dispatch.KindCaseCreate, dispatch.CaseCreatePayload{Title: "T1"}, nil)
	caseID := created.Data["case_id"].(string)
	require.NotEmpty(t, caseID)
	question := created.Data["question"].(map[string]any)
	assert.Equal(t, "name", question["id"])

	answered := env.submit(t, dispatch.KindIntakeAnswer, dispatch.IntakeAnswerPayload{Text: "Jane Doe"}, nil)
	next := answered.Data["question"].(map[string]any)
	assert.Equal(t, "country", next["id"])

	status := env.submit(t, dispatch.KindIntakeStatus, dispatch.IntakeStatusPayload{}, nil)
	assert.Equal(t, "basic_info", status.Data["current_block"])
	assert.Equal(t, 1, status.Data["current_step"])

	active := env.submit(t, dispatch.KindCaseActive, dispatch.CaseActivePayload{}, nil)
	assert.Equal(t, caseID, active.Data["case_id"])

	got := env.submit(t, dispatch.KindCaseGet, dispatch.CaseGetPayload{CaseID: caseID}, nil)
	assert.Equal(t, "T1", got.Data["title"])
}

func TestSupervisorDelegatesMemoryQuestions(t *testing.T) {
	env := newTestEnv(t)

	env.submit(t, dispatch.KindCaseCreate, dispatch.CaseCreatePayload{Title: "T1"}, nil)
	env.submit(t, dispatch.KindIntakeAnswer, dispatch.IntakeAnswerPayload{Text: "Jane Doe"}, nil)

	resp := env.submit(t, dispatch.KindAsk, dispatch.AskPayload{Text: "What did I answer for my name?"}, nil)
	results := resp.Data["results"].([]map[string]any)
	require.NotEmpty(t, results)
	assert.Equal(t, "Jane Doe", results[0]["text"])
	assert.Zero(t, env.mock.Calls(), "memory questions never reach the model")
}

func TestSupervisorAnswersDirectly(t *testing.T) {
	env := newTestEnv(t)

	resp := env.submit(t, dispatch.KindAsk, dispatch.AskPayload{Text: "Which criteria does an extraordinary ability petition require?"}, nil)
	assert.Equal(t, "<p>generated</p>", resp.Text)
	assert.Equal(t, "m1", resp.Data["model_id"])
	assert.EqualValues(t, 1, env.mock.Calls())
}

func TestGeneratePetitionToDownload(t *testing.T) {
	env := newTestEnv(t)

	created := env.submit(t, dispatch.KindCaseCreate, dispatch.CaseCreatePayload{Title: "T1"}, nil)
	caseID := created.Data["case_id"].(string)

	started := env.submit(t, dispatch.KindGeneratePetition,
		dispatch.GeneratePetitionPayload{CaseID: caseID, DocumentType: "letter"}, nil)
	threadID := started.Data["thread_id"].(string)
	require.NotEmpty(t, threadID)

	env.waitForStatus(t, threadID, state.StatusCompleted)

	preview := env.submit(t, dispatch.KindGetPreview, dispatch.GetPreviewPayload{ThreadID: threadID}, nil)
	assert.Equal(t, "completed", preview.Data["status"])
	assert.Equal(t, preview.Data["total"], preview.Data["completed"])

	download := env.submit(t, dispatch.KindDownloadPDF, dispatch.DownloadPDFPayload{ThreadID: threadID}, nil)
	doc := download.Data["document_html"].(string)
	assert.Contains(t, doc, "<section>")
}

func TestDownloadRequiresCompletedThread(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.Save(context.Background(), &state.State{
		ThreadID: "t1", UserID: "u1", Status: state.StatusGenerating,
	}))

	_, err := env.dispatcher.Submit(context.Background(), &dispatch.Command{
		UserID: "u1", Role: "applicant", Kind: dispatch.KindDownloadPDF,
		Payload: dispatch.DownloadPDFPayload{ThreadID: "t1"},
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidState, errors.KindOf(err))
}

func TestThreadOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.Save(context.Background(), &state.State{
		ThreadID: "t_other", UserID: "someone_else", Status: state.StatusGenerating,
	}))

	_, err := env.dispatcher.Submit(context.Background(), &dispatch.Command{
		UserID: "u1", Role: "applicant", Kind: dispatch.KindPause,
		Payload: dispatch.PausePayload{ThreadID: "t_other"},
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindForbidden, errors.KindOf(err))
}

func TestUploadExhibit(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.Save(context.Background(), &state.State{
		ThreadID: "t1", UserID: "u1", Status: state.StatusGenerating,
	}))

	resp := env.submit(t, dispatch.KindUploadExhibit, dispatch.UploadExhibitPayload{
		ThreadID:  "t1",
		ExhibitID: "ex1",
		Bytes:     []byte("pdf bytes"),
		Filename:  "award.pdf",
		MimeType:  "application/pdf",
	}, nil)
	assert.Equal(t, "exhibits/t1/ex1", resp.Data["storage_key"])

	st, err := env.store.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, st.Exhibits, 1)
	assert.Equal(t, "award.pdf", st.Exhibits[0].Filename)
	assert.EqualValues(t, len("pdf bytes"), st.Exhibits[0].Size)
}

func TestGenerateLetterNeedsActiveCase(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatcher.Submit(context.Background(), &dispatch.Command{
		UserID: "u1", Role: "applicant", Kind: dispatch.KindGenerateLetter,
		Payload: dispatch.GenerateLetterPayload{Title: "Recommendation"},
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestAgentStatsFlow(t *testing.T) {
	env := newTestEnv(t)

	env.submit(t, dispatch.KindCaseCreate, dispatch.CaseCreatePayload{Title: "T1"}, nil)
	env.submit(t, dispatch.KindIntakeStatus, dispatch.IntakeStatusPayload{}, nil)

	stats := env.dispatcher.Stats()
	agents := stats["agents"].(map[string]any)
	caseStats := agents["case"].(map[string]any)
	assert.EqualValues(t, 2, caseStats["handled"])
}
