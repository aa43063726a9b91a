package vector

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitionlabs/gavel/pkg/embedder"
)

func newTestProvider(t *testing.T) *ChromemProvider {
	t.Helper()
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	return p
}

func TestChromemUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	emb := embedder.NewDeterministic(32)

	texts := []string{"award for research", "citations of work", "press coverage"}
	for i, text := range texts {
		vec, err := embedder.EmbedOne(ctx, emb, text)
		require.NoError(t, err)
		require.NoError(t, p.Upsert(ctx, "facts", fmt.Sprintf("doc-%d", i), vec, map[string]any{
			"content": text,
			"user_id": "u1",
		}))
	}

	query, err := embedder.EmbedOne(ctx, emb, "award for research")
	require.NoError(t, err)

	results, err := p.Search(ctx, "facts", query, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "doc-0", results[0].ID)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-4)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestChromemSearchFilter(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	emb := embedder.NewDeterministic(32)

	for i, user := range []string{"u1", "u2", "u1"} {
		vec, _ := embedder.EmbedOne(ctx, emb, fmt.Sprintf("fact %d", i))
		require.NoError(t, p.Upsert(ctx, "facts", fmt.Sprintf("doc-%d", i), vec, map[string]any{
			"user_id": user,
		}))
	}

	query, _ := embedder.EmbedOne(ctx, emb, "fact 0")
	results, err := p.Search(ctx, "facts", query, 10, map[string]any{"user_id": "u1"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "u1", r.Metadata["user_id"])
	}
}

func TestChromemSearchClampsTopK(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	emb := embedder.NewDeterministic(32)

	vec, _ := embedder.EmbedOne(ctx, emb, "only one")
	require.NoError(t, p.Upsert(ctx, "facts", "doc-0", vec, nil))

	results, err := p.Search(ctx, "facts", vec, 50, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestChromemBatchAndCount(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	emb := embedder.NewDeterministic(32)

	docs := make([]Document, 5)
	for i := range docs {
		vec, _ := embedder.EmbedOne(ctx, emb, fmt.Sprintf("batch %d", i))
		docs[i] = Document{ID: fmt.Sprintf("b-%d", i), Vector: vec}
	}
	require.NoError(t, p.UpsertBatch(ctx, "facts", docs))

	count, err := p.Count(ctx, "facts")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}
