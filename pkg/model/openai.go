package model

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

const defaultChatTimeout = 120 * time.Second

// OpenAIConfig configures an OpenAI-shaped chat provider.
type OpenAIConfig struct {
	ID      string
	Host    string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint with
// retrying transport.
type OpenAIClient struct {
	id      string
	client  *httpclient.Client
	baseURL string
	apiKey  string
	model   string
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIClient creates the client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.ID == "" {
		return nil, errors.New(errors.KindInvalidState, "model", "NewOpenAIClient", "provider id is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New(errors.KindInvalidState, "model", "NewOpenAIClient", "API key is required")
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultChatTimeout
	}

	return &OpenAIClient{
		id: cfg.ID,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(500*time.Millisecond),
		),
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
	}, nil
}

func (c *OpenAIClient) ID() string {
	return c.id
}

func (c *OpenAIClient) Generate(ctx context.Context, genReq Request) (Response, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: genReq.Prompt}},
		Temperature: genReq.Temperature,
		MaxTokens:   genReq.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, errors.Wrap(errors.KindProviderUnavailable, "model", "Generate", "chat request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, errors.Wrap(errors.KindProviderUnavailable, "model", "Generate", "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr chatErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return Response{}, errors.Newf(errors.KindProviderUnavailable, "model", "Generate",
				"provider returned %d: %s", resp.StatusCode, apiErr.Error.Type)
		}
		return Response{}, errors.Newf(errors.KindProviderUnavailable, "model", "Generate",
			"provider returned %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, errors.Wrap(errors.KindProviderUnavailable, "model", "Generate", "failed to decode response", err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, errors.New(errors.KindProviderUnavailable, "model", "Generate", "provider returned no choices")
	}

	return Response{
		Text:       parsed.Choices[0].Message.Content,
		ModelID:    c.id,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}

var _ Client = (*OpenAIClient)(nil)
