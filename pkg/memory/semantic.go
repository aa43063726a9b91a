package memory

import (
	"context"
	"strings"
	"time"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/vector"
)

const defaultCollection = "gavel_semantic_memory"

// SemanticStore is the vector-indexed fact store. Inserted records must carry
// embeddings of exactly the index dimension; a mismatch is a configuration
// error, not a data error.
type SemanticStore struct {
	provider   vector.Provider
	collection string
	dimension  int
}

// NewSemanticStore wraps a vector provider with the configured index
// dimension.
func NewSemanticStore(provider vector.Provider, dimension int, collection string) (*SemanticStore, error) {
	if provider == nil {
		return nil, errors.New(errors.KindInvalidState, "memory", "NewSemanticStore", "vector provider is required")
	}
	if dimension <= 0 {
		return nil, errors.New(errors.KindInvalidState, "memory", "NewSemanticStore", "dimension must be positive")
	}
	if collection == "" {
		collection = defaultCollection
	}
	return &SemanticStore{
		provider:   provider,
		collection: collection,
		dimension:  dimension,
	}, nil
}

// Dimension is the authoritative index dimension.
func (s *SemanticStore) Dimension() int {
	return s.dimension
}

// Insert indexes a batch of semantic records. The batch is atomic: a
// dimension mismatch on any record rejects the whole batch before anything is
// written, and the provider applies the write as one operation.
func (s *SemanticStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]vector.Document, 0, len(records))
	for _, r := range records {
		if r.Type != TypeSemantic {
			return errors.Newf(errors.KindInvalidState, "memory", "Insert",
				"semantic store rejects %s records", r.Type)
		}
		if len(r.Embedding) != s.dimension {
			return errors.Newf(errors.KindDimensionMismatch, "memory", "Insert",
				"record %s has dimension %d, index is %d", r.ID, len(r.Embedding), s.dimension)
		}
		docs = append(docs, vector.Document{
			ID:       r.ID,
			Vector:   r.Embedding,
			Content:  r.Text,
			Metadata: recordMetadata(r),
		})
	}

	if err := s.provider.UpsertBatch(ctx, s.collection, docs); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "memory", "Insert", "vector upsert failed", err)
	}
	return nil
}

// Search returns up to topK records matching the filter, sorted by descending
// cosine similarity.
func (s *SemanticStore) Search(ctx context.Context, queryEmbedding []float32, topK int, filter Filter) ([]ScoredRecord, error) {
	if len(queryEmbedding) != s.dimension {
		return nil, errors.Newf(errors.KindDimensionMismatch, "memory", "Search",
			"query has dimension %d, index is %d", len(queryEmbedding), s.dimension)
	}
	if topK <= 0 {
		return nil, nil
	}

	providerFilter := make(map[string]any)
	if filter.UserID != "" {
		providerFilter["user_id"] = filter.UserID
	}
	if filter.CaseID != "" {
		providerFilter["case_id"] = filter.CaseID
	}

	// Tag matching is any-of, which the exact-match provider filter cannot
	// express; over-fetch and narrow client-side.
	fetch := topK
	if len(filter.Tags) > 0 {
		fetch = topK * 4
	}

	results, err := s.provider.Search(ctx, s.collection, queryEmbedding, fetch, providerFilter)
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "memory", "Search", "vector search failed", err)
	}

	out := make([]ScoredRecord, 0, topK)
	for _, r := range results {
		record := recordFromResult(r)
		if len(filter.Tags) > 0 && !hasAnyTag(record.Tags, filter.Tags) {
			continue
		}
		out = append(out, ScoredRecord{Record: record, Score: r.Score})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Reset drops the backing collection. Test helper.
func (s *SemanticStore) Reset(ctx context.Context) error {
	return s.provider.DeleteCollection(ctx, s.collection)
}

func recordMetadata(r Record) map[string]any {
	md := map[string]any{
		"user_id":    r.UserID,
		"type":       string(r.Type),
		"model":      r.EmbeddingModel,
		"created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.CaseID != "" {
		md["case_id"] = r.CaseID
	}
	if len(r.Tags) > 0 {
		md["tags"] = strings.Join(r.Tags, ",")
	}
	for k, v := range r.Metadata {
		// Caller metadata is namespaced so it cannot shadow index fields.
		md["meta_"+k] = v
	}
	return md
}

func recordFromResult(r vector.Result) Record {
	record := Record{
		ID:   r.ID,
		Type: TypeSemantic,
		Text: r.Content,
	}
	if v, ok := r.Metadata["user_id"].(string); ok {
		record.UserID = v
	}
	if v, ok := r.Metadata["case_id"].(string); ok {
		record.CaseID = v
	}
	if v, ok := r.Metadata["model"].(string); ok {
		record.EmbeddingModel = v
	}
	if v, ok := r.Metadata["tags"].(string); ok && v != "" {
		record.Tags = strings.Split(v, ",")
	}
	if v, ok := r.Metadata["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			record.CreatedAt = t
		}
	}
	meta := make(map[string]any)
	for k, v := range r.Metadata {
		if strings.HasPrefix(k, "meta_") {
			meta[strings.TrimPrefix(k, "meta_")] = v
		}
	}
	if len(meta) > 0 {
		record.Metadata = meta
	}
	return record
}

func hasAnyTag(tags, wanted []string) bool {
	for _, t := range tags {
		for _, w := range wanted {
			if t == w {
				return true
			}
		}
	}
	return false
}
