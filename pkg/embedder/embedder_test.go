package embedder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitionlabs/gavel/pkg/errors"
)

func TestDeterministicStable(t *testing.T) {
	e := NewDeterministic(64)

	v1, err := EmbedOne(context.Background(), e, "extraordinary ability")
	require.NoError(t, err)
	v2, err := EmbedOne(context.Background(), e, "extraordinary ability")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 64)
}

func TestDeterministicUnitNorm(t *testing.T) {
	e := NewDeterministic(128)
	vec, err := EmbedOne(context.Background(), e, "some text")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestDeterministicDistinctTexts(t *testing.T) {
	e := NewDeterministic(64)
	v1, _ := EmbedOne(context.Background(), e, "alpha")
	v2, _ := EmbedOne(context.Background(), e, "beta")
	assert.NotEqual(t, v1, v2)
}

func TestRemoteEmbedBatching(t *testing.T) {
	var batches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batches.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 8, req.Dimensions)
		assert.LessOrEqual(t, len(req.Input), 2)

		resp := embedResponse{Model: req.Model}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: make([]float32, 8), Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e, err := NewRemote(RemoteConfig{
		Host:      srv.URL,
		APIKey:    "test-key",
		Dimension: 8,
		BatchSize: 2,
	})
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Equal(t, int32(3), batches.Load())
}

func TestRemoteEmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embedResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: make([]float32, 16), Index: 0})
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e, err := NewRemote(RemoteConfig{Host: srv.URL, APIKey: "k", Dimension: 8})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindDimensionMismatch))
}

func TestRemoteRequiresAPIKey(t *testing.T) {
	_, err := NewRemote(RemoteConfig{Dimension: 8})
	assert.Error(t, err)
}
