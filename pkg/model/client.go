// Package model implements the model-client abstraction, the cost-minimizing
// router over declared providers, and the budget tracker that gates every
// provider call.
package model

import (
	"context"
	"fmt"
	"sync"
)

// Capability names a provider feature.
const (
	CapabilityChat  = "chat"
	CapabilityEmbed = "embed"
)

// Request is one generation request.
type Request struct {
	Prompt      string
	Temperature float64
	MaxTokens   int

	// Essential requests keep working after the budget warning threshold;
	// non-essential ones are shed first.
	Essential bool
}

// Response is the provider's answer.
type Response struct {
	Text       string
	ModelID    string
	TokensUsed int
	Cost       float64
	Cached     bool
	CacheLayer string
}

// Client generates text. Implementations wrap one provider.
type Client interface {
	ID() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// MockClient is a scripted client for tests. Responses are served in order;
// an exhausted script repeats the last response.
type MockClient struct {
	id string

	mu        sync.Mutex
	responses []MockResponse
	calls     int
	prompts   []string
}

// MockResponse is one scripted reply.
type MockResponse struct {
	Text       string
	TokensUsed int
	Err        error
}

// NewMockClient builds a scripted client.
func NewMockClient(id string, responses ...MockResponse) *MockClient {
	return &MockClient{id: id, responses: responses}
}

func (m *MockClient) ID() string {
	return m.id
}

func (m *MockClient) Generate(_ context.Context, req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts = append(m.prompts, req.Prompt)
	if len(m.responses) == 0 {
		m.calls++
		return Response{Text: "ok", ModelID: m.id, TokensUsed: 10}, nil
	}
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	r := m.responses[idx]
	if r.Err != nil {
		return Response{}, r.Err
	}
	return Response{Text: r.Text, ModelID: m.id, TokensUsed: r.TokensUsed}, nil
}

// Calls reports how many times Generate ran.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prompts returns every prompt seen, in order.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

var _ Client = (*MockClient)(nil)

// Provider pairs a client with its declared pricing and capabilities.
type Provider struct {
	ID           string
	Client       Client
	CostPerToken float64
	TokenLimit   int
	Supports     []string
}

func (p Provider) supports(capability string) bool {
	for _, c := range p.Supports {
		if c == capability {
			return true
		}
	}
	return false
}

func (p Provider) String() string {
	return fmt.Sprintf("%s ($%g/token)", p.ID, p.CostPerToken)
}
