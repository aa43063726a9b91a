// Package memory implements the tiered memory subsystem: the append-only
// episodic event log, the vector-indexed semantic fact store, the bounded
// per-thread working-slot buffer, and the Manager facade that couples them
// through the reflection and retrieval pipeline.
package memory

import (
	"time"
)

// Type distinguishes the two record classes.
type Type string

const (
	// TypeEpisodic records are raw events; they never carry embeddings.
	TypeEpisodic Type = "episodic"

	// TypeSemantic records are extracted facts; they always carry embeddings.
	TypeSemantic Type = "semantic"
)

// Record is a single memory record. Records are immutable once created.
type Record struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	CaseID         string         `json:"case_id,omitempty"`
	Type           Type           `json:"type"`
	Text           string         `json:"text"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Embedding      []float32      `json:"embedding,omitempty"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScoredRecord pairs a record with its similarity score.
type ScoredRecord struct {
	Record Record
	Score  float32
}

// Filter scopes queries. UserID and CaseID are exact matches; Tags matches
// records carrying any of the listed tags. All present conditions are ANDed.
type Filter struct {
	UserID string
	CaseID string
	Tags   []string
}

// EpisodicQuery selects episodic records.
type EpisodicQuery struct {
	UserID string
	CaseID string
	Since  time.Time
	Limit  int
}
