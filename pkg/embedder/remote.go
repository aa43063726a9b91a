package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/httpclient"
)

const (
	defaultBatchSize = 100
	defaultTimeout   = 30 * time.Second
)

// RemoteConfig configures the remote embedder.
type RemoteConfig struct {
	Host      string
	APIKey    string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

// Remote calls an OpenAI-shaped embeddings endpoint. Requests are batched,
// retried with exponential backoff, and always carry the configured
// dimensions parameter; a response of the wrong dimension is a configuration
// error, never silently accepted.
type Remote struct {
	client    *httpclient.Client
	baseURL   string
	apiKey    string
	model     string
	dimension int
	batchSize int
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

type embedErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewRemote creates a remote embedder.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.APIKey == "" {
		return nil, errors.New(errors.KindInvalidState, "embedder", "NewRemote", "API key is required")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.New(errors.KindInvalidState, "embedder", "NewRemote", "dimension must be positive")
	}

	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &Remote{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(500*time.Millisecond),
		),
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     model,
		dimension: cfg.Dimension,
		batchSize: batchSize,
	}, nil
}

func (r *Remote) Dimension() int {
	return r.dimension
}

func (r *Remote) Model() string {
	return r.model
}

func (r *Remote) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += r.batchSize {
		end := start + r.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := r.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (r *Remote) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{
		Model:      r.model,
		Input:      texts,
		Dimensions: r.dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindProviderUnavailable, "embedder", "Embed", "embedding request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindProviderUnavailable, "embedder", "Embed", "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr embedErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, errors.Newf(errors.KindProviderUnavailable, "embedder", "Embed",
				"provider returned %d: %s", resp.StatusCode, apiErr.Error.Type)
		}
		return nil, errors.Newf(errors.KindProviderUnavailable, "embedder", "Embed",
			"provider returned %d", resp.StatusCode)
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(errors.KindProviderUnavailable, "embedder", "Embed", "failed to decode response", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, errors.Newf(errors.KindProviderUnavailable, "embedder", "Embed",
			"expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}

	out := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, errors.Newf(errors.KindProviderUnavailable, "embedder", "Embed",
				"embedding index %d out of range", item.Index)
		}
		if len(item.Embedding) != r.dimension {
			return nil, errors.Newf(errors.KindDimensionMismatch, "embedder", "Embed",
				"provider returned dimension %d, configured %d", len(item.Embedding), r.dimension)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}
