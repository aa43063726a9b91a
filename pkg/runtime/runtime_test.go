package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitionlabs/gavel/pkg/config"
	"github.com/petitionlabs/gavel/pkg/dispatch"
)

func newTestRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	r, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, r.Shutdown(ctx))
	})
	return r
}

func submit(t *testing.T, r *Runtime, kind dispatch.CommandKind, payload any, metadata map[string]any) *dispatch.Response {
	t.Helper()
	resp, err := r.Dispatcher().Submit(context.Background(), &dispatch.Command{
		UserID:   "u1",
		Role:     "applicant",
		Kind:     kind,
		Payload:  payload,
		Metadata: metadata,
	})
	require.NoError(t, err)
	return resp
}

func TestRuntimeEndToEnd(t *testing.T) {
	r := newTestRuntime(t, nil)

	created := submit(t, r, dispatch.KindCaseCreate, dispatch.CaseCreatePayload{Title: "My petition"}, nil)
	caseID := created.Data["case_id"].(string)
	require.NotEmpty(t, caseID)

	submit(t, r, dispatch.KindIntakeAnswer, dispatch.IntakeAnswerPayload{Text: "Jane Doe"}, nil)

	asked := submit(t, r, dispatch.KindAsk, dispatch.AskPayload{Text: "Summarize the filing standard."}, nil)
	assert.Equal(t, "<p>mock response</p>", asked.Text)

	started := submit(t, r, dispatch.KindGeneratePetition,
		dispatch.GeneratePetitionPayload{CaseID: caseID, DocumentType: "letter"}, nil)
	threadID := started.Data["thread_id"].(string)

	require.NoError(t, r.Engine().Wait(context.Background(), threadID))
	require.Eventually(t, func() bool {
		resp, err := r.Dispatcher().Submit(context.Background(), &dispatch.Command{
			UserID: "u1", Role: "applicant", Kind: dispatch.KindDownloadPDF,
			Payload: dispatch.DownloadPDFPayload{ThreadID: threadID},
		})
		return err == nil && resp.Data["document_html"] != ""
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, r.Trail().VerifyAll())
}

func TestRuntimeRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.State.Backend = "redis"
	cfg.State.RedisAddr = mr.Addr()
	r := newTestRuntime(t, cfg)

	created := submit(t, r, dispatch.KindCaseCreate, dispatch.CaseCreatePayload{Title: "T"}, nil)
	assert.NotEmpty(t, created.Data["case_id"])
}

func TestRuntimeSQLBackedStores(t *testing.T) {
	cfg := &config.Config{}
	cfg.Memory.EpisodicStoreURL = filepath.Join(t.TempDir(), "gavel.db")
	r := newTestRuntime(t, cfg)

	created := submit(t, r, dispatch.KindCaseCreate, dispatch.CaseCreatePayload{Title: "Persisted"}, nil)
	got := submit(t, r, dispatch.KindCaseGet,
		dispatch.CaseGetPayload{CaseID: created.Data["case_id"].(string)}, nil)
	assert.Equal(t, "Persisted", got.Data["title"])
}

func TestRuntimeRejectsInvalidConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.State.Backend = "cassandra"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestSplitHostPort(t *testing.T) {
	for _, tc := range []struct {
		in   string
		host string
		port int
	}{
		{"localhost:6334", "localhost", 6334},
		{"qdrant.internal", "qdrant.internal", 6334},
		{"host:", "host", 6334},
		{"host:abc", "host", 6334},
	} {
		host, port := splitHostPort(tc.in, 6334)
		assert.Equal(t, tc.host, host, tc.in)
		assert.Equal(t, tc.port, port, tc.in)
	}
}
