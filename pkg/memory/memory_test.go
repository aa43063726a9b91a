package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitionlabs/gavel/pkg/embedder"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
	"github.com/petitionlabs/gavel/pkg/vector"
)

const testDimension = 64

func newTestSemanticStore(t *testing.T) *SemanticStore {
	t.Helper()
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	store, err := NewSemanticStore(provider, testDimension, "test_semantic")
	require.NoError(t, err)
	return store
}

func newTestManager(t *testing.T) (*Manager, *ident.FakeClock) {
	t.Helper()
	clock := ident.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	mgr, err := NewManager(ManagerOptions{
		Episodic: NewMemoryEpisodicStore(),
		Semantic: newTestSemanticStore(t),
		Working:  NewWorkingMemory(4, []string{"active_case_id", "intake_state"}, clock),
		Embedder: embedder.NewDeterministic(testDimension),
		Clock:    clock,
	})
	require.NoError(t, err)
	return mgr, clock
}

func TestEpisodicQueryOrdering(t *testing.T) {
	store := NewMemoryEpisodicStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Appended out of order; the same timestamp falls back to id order.
	records := []Record{
		{ID: "c", UserID: "u1", Type: TypeEpisodic, Text: "third", CreatedAt: base.Add(2 * time.Second)},
		{ID: "b", UserID: "u1", Type: TypeEpisodic, Text: "second", CreatedAt: base.Add(time.Second)},
		{ID: "a2", UserID: "u1", Type: TypeEpisodic, Text: "first-b", CreatedAt: base},
		{ID: "a1", UserID: "u1", Type: TypeEpisodic, Text: "first-a", CreatedAt: base},
		{ID: "x", UserID: "u2", Type: TypeEpisodic, Text: "other user", CreatedAt: base},
	}
	for _, r := range records {
		require.NoError(t, store.Append(ctx, r))
	}

	got, err := store.Query(ctx, EpisodicQuery{UserID: "u1"})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"a1", "a2", "b", "c"}, ids)

	limited, err := store.Query(ctx, EpisodicQuery{UserID: "u1", Since: base.Add(time.Second), Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "b", limited[0].ID)
}

func TestEpisodicRejectsSemanticRecords(t *testing.T) {
	store := NewMemoryEpisodicStore()
	err := store.Append(context.Background(), Record{ID: "s1", UserID: "u1", Type: TypeSemantic})
	assert.True(t, errors.Is(err, errors.KindInvalidState))
}

func TestSQLEpisodicStoreRoundTrip(t *testing.T) {
	store, err := OpenSQLEpisodicStore("sqlite3://" + t.TempDir() + "/episodic.db")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, Record{
		ID: "e1", UserID: "u1", CaseID: "c1", Type: TypeEpisodic,
		Text: "uploaded exhibit", Tags: []string{"exhibit"},
		Metadata:  map[string]any{"filename": "award.pdf"},
		CreatedAt: base,
	}))
	require.NoError(t, store.Append(ctx, Record{
		ID: "e2", UserID: "u1", Type: TypeEpisodic, Text: "asked a question",
		CreatedAt: base.Add(time.Minute),
	}))

	got, err := store.Query(ctx, EpisodicQuery{UserID: "u1", CaseID: "c1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, []string{"exhibit"}, got[0].Tags)
	assert.Equal(t, "award.pdf", got[0].Metadata["filename"])
	assert.Equal(t, TypeEpisodic, got[0].Type)
}

func TestSemanticStoreDimensionGuard(t *testing.T) {
	store := newTestSemanticStore(t)
	ctx := context.Background()

	err := store.Insert(ctx, []Record{{
		ID: "bad", UserID: "u1", Type: TypeSemantic, Text: "short vector",
		Embedding: make([]float32, testDimension-1),
	}})
	assert.True(t, errors.Is(err, errors.KindDimensionMismatch))

	_, err = store.Search(ctx, make([]float32, testDimension+1), 5, Filter{UserID: "u1"})
	assert.True(t, errors.Is(err, errors.KindDimensionMismatch))
}

func TestSemanticSearchScopesAndBounds(t *testing.T) {
	store := newTestSemanticStore(t)
	emb := embedder.NewDeterministic(testDimension)
	ctx := context.Background()

	texts := map[string]string{
		"u1": "Jane Doe won the Fields Medal",
		"u2": "John Smith published twelve papers",
	}
	var records []Record
	for user, text := range texts {
		vec, err := embedder.EmbedOne(ctx, emb, text)
		require.NoError(t, err)
		records = append(records, Record{
			ID: "rec_" + user, UserID: user, Type: TypeSemantic, Text: text,
			Embedding: vec, EmbeddingModel: emb.Model(),
		})
	}
	require.NoError(t, store.Insert(ctx, records))

	query, err := embedder.EmbedOne(ctx, emb, texts["u1"])
	require.NoError(t, err)

	// Scoped to u2, the u1 record must never surface even though it is the
	// nearest neighbor.
	got, err := store.Search(ctx, query, 10, Filter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].Record.UserID)

	got, err = store.Search(ctx, query, 1, Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, texts["u1"], got[0].Record.Text)
	assert.InDelta(t, 1.0, float64(got[0].Score), 1e-3)
}

func TestSemanticSearchTagAnyOf(t *testing.T) {
	store := newTestSemanticStore(t)
	emb := embedder.NewDeterministic(testDimension)
	ctx := context.Background()

	mk := func(id, text string, tags []string) Record {
		vec, err := embedder.EmbedOne(ctx, emb, text)
		require.NoError(t, err)
		return Record{ID: id, UserID: "u1", Type: TypeSemantic, Text: text, Tags: tags, Embedding: vec}
	}
	require.NoError(t, store.Insert(ctx, []Record{
		mk("r1", "applicant name is Jane Doe", []string{"intake", "basic_info", "name"}),
		mk("r2", "applicant holds a PhD", []string{"intake", "education"}),
		mk("r3", "workflow started", []string{"system"}),
	}))

	query, err := embedder.EmbedOne(ctx, emb, "who is the applicant")
	require.NoError(t, err)
	got, err := store.Search(ctx, query, 10, Filter{UserID: "u1", Tags: []string{"name", "education"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.NotEqual(t, "r3", r.Record.ID)
	}
}

func TestWorkingMemoryEvictsLRUButNotPinned(t *testing.T) {
	clock := ident.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	wm := NewWorkingMemory(3, []string{"intake_state"}, clock)

	wm.Set("t1", "intake_state", "block=basic_info")
	clock.Advance(time.Second)
	wm.Set("t1", "a", 1)
	clock.Advance(time.Second)
	wm.Set("t1", "b", 2)
	clock.Advance(time.Second)

	// Reading "a" makes "b" the least-recently-read unpinned slot.
	_, ok := wm.Get("t1", "a")
	require.True(t, ok)
	clock.Advance(time.Second)

	wm.Set("t1", "c", 3)

	_, ok = wm.Get("t1", "b")
	assert.False(t, ok, "least-recently-read slot should be evicted")
	_, ok = wm.Get("t1", "intake_state")
	assert.True(t, ok, "pinned slot must survive eviction")
	_, ok = wm.Get("t1", "a")
	assert.True(t, ok)
	_, ok = wm.Get("t1", "c")
	assert.True(t, ok)
}

func TestWorkingMemorySnapshotIsolated(t *testing.T) {
	wm := NewWorkingMemory(8, nil, nil)
	wm.Set("t1", "active_case_id", "case_1")

	snap := wm.Snapshot("t1")
	snap["active_case_id"] = "mutated"

	v, ok := wm.Get("t1", "active_case_id")
	require.True(t, ok)
	assert.Equal(t, "case_1", v)
	assert.Empty(t, wm.Snapshot("t2"))
}

func TestManagerLogEventReflectRetrieve(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	record, token, err := mgr.LogEvent(ctx, Event{
		UserID: "u1",
		CaseID: "case_1",
		Source: "dispatch",
		Action: "ask",
		Text:   "Jane Doe received the Turing Award in 2019. She has 40 publications.",
		Tags:   []string{"conversation"},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeEpisodic, record.Type)
	assert.Empty(t, record.Embedding)

	// Facts are only promised visible after the reflection token resolves.
	require.NoError(t, token.Wait(ctx))

	got, err := mgr.Retrieve(ctx, "Jane Doe received the Turing Award in 2019", Filter{UserID: "u1"}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "Jane Doe received the Turing Award in 2019", got[0].Record.Text)
	assert.Equal(t, "case_1", got[0].Record.CaseID)

	events, err := mgr.QueryEpisodic(ctx, EpisodicQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestManagerReflectDeduplicatesWithinCall(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	records, err := mgr.Reflect(ctx, Event{
		UserID: "u1",
		Facts:  []string{"fact one", "fact one", "  ", "fact two"},
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestManagerRetrieveRequiresUserScope(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Retrieve(context.Background(), "anything", Filter{}, 5)
	assert.True(t, errors.Is(err, errors.KindForbidden))
}

func TestManagerRetrieveBound(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	facts := []string{
		"applicant is a senior researcher",
		"applicant reviewed for Nature",
		"applicant chaired a program committee",
		"applicant holds two patents",
		"applicant gave a keynote in 2023",
	}
	_, err := mgr.Reflect(ctx, Event{UserID: "u1", Facts: facts})
	require.NoError(t, err)

	got, err := mgr.Retrieve(ctx, "what has the applicant done", Filter{UserID: "u1"}, 3)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 3)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestManagerRemember(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	record, err := mgr.Remember(ctx, "u1", "case_1", "Jane Doe",
		[]string{"intake", "basic_info", "name"}, map[string]any{"question_id": "name"})
	require.NoError(t, err)
	assert.Equal(t, TypeSemantic, record.Type)
	assert.Len(t, record.Embedding, testDimension)

	got, err := mgr.Retrieve(ctx, "Jane Doe", Filter{UserID: "u1", Tags: []string{"name"}}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Jane Doe", got[0].Record.Text)

	_, err = mgr.Remember(ctx, "u1", "", "   ", nil, nil)
	assert.True(t, errors.Is(err, errors.KindInvalidState))
}

func TestManagerRejectsDimensionDrift(t *testing.T) {
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	store, err := NewSemanticStore(provider, testDimension, "drift")
	require.NoError(t, err)

	_, err = NewManager(ManagerOptions{
		Episodic: NewMemoryEpisodicStore(),
		Semantic: store,
		Embedder: embedder.NewDeterministic(testDimension * 2),
	})
	assert.True(t, errors.Is(err, errors.KindDimensionMismatch))
}
