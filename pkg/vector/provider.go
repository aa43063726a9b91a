// Package vector abstracts the semantic index backends. The chromem provider
// is embedded and zero-config; the qdrant provider targets a shared server.
package vector

import (
	"context"
	"fmt"
)

// ProviderType identifies a vector provider implementation.
type ProviderType string

const (
	// ProviderChromem uses chromem-go for embedded vector storage.
	ProviderChromem ProviderType = "chromem"

	// ProviderQdrant uses a Qdrant server over gRPC.
	ProviderQdrant ProviderType = "qdrant"
)

// Result is a single similarity-search hit.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Provider is a vector index with metadata filtering.
//
// Filters are an AND of exact-match metadata conditions. Scores are cosine
// similarities in descending order.
type Provider interface {
	Name() string

	// Upsert adds or replaces a document with a pre-computed vector.
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error

	// UpsertBatch adds a batch atomically: either every document is indexed
	// or none is.
	UpsertBatch(ctx context.Context, collection string, docs []Document) error

	// Search returns up to topK hits sorted by descending similarity.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)

	// Delete removes a document by ID.
	Delete(ctx context.Context, collection string, id string) error

	// DeleteCollection removes a collection and all its documents.
	DeleteCollection(ctx context.Context, collection string) error

	// Count reports the number of documents in a collection.
	Count(ctx context.Context, collection string) (int, error)

	Close() error
}

// Document is one UpsertBatch entry.
type Document struct {
	ID       string
	Vector   []float32
	Content  string
	Metadata map[string]any
}

// Config selects and configures a provider.
type Config struct {
	Type    ProviderType  `yaml:"type" mapstructure:"type"`
	Chromem ChromemConfig `yaml:"chromem" mapstructure:"chromem"`
	Qdrant  QdrantConfig  `yaml:"qdrant" mapstructure:"qdrant"`
}

// New creates a provider from config.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case ProviderChromem, "":
		return NewChromemProvider(cfg.Chromem)
	case ProviderQdrant:
		return NewQdrantProvider(cfg.Qdrant)
	default:
		return nil, fmt.Errorf("unknown vector provider type: %s", cfg.Type)
	}
}
