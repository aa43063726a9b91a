package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/petitionlabs/gavel/pkg/errors"
)

// EpisodicStore is the append-only event log.
//
// Query returns records in non-decreasing created_at order with ties broken
// by id. Backend outages surface as StoreUnavailable; the caller decides
// whether to fail the enclosing operation or degrade.
type EpisodicStore interface {
	Append(ctx context.Context, record Record) error
	Query(ctx context.Context, q EpisodicQuery) ([]Record, error)
	Close() error
}

// MemoryEpisodicStore is the in-process store used for tests and single-node
// deployments.
type MemoryEpisodicStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryEpisodicStore() *MemoryEpisodicStore {
	return &MemoryEpisodicStore{}
}

func (s *MemoryEpisodicStore) Append(ctx context.Context, record Record) error {
	if record.Type != TypeEpisodic {
		return errors.Newf(errors.KindInvalidState, "memory", "Append",
			"episodic store rejects %s records", record.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *MemoryEpisodicStore) Query(ctx context.Context, q EpisodicQuery) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, 16)
	for _, r := range s.records {
		if q.UserID != "" && r.UserID != q.UserID {
			continue
		}
		if q.CaseID != "" && r.CaseID != q.CaseID {
			continue
		}
		if !q.Since.IsZero() && r.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryEpisodicStore) Close() error {
	return nil
}
