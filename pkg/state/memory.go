package state

import (
	"context"
	"sync"
	"time"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
)

// MemoryStore is the in-process backend for tests and single-node
// deployments. TTL is enforced lazily on read.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*State
	sink   DeltaSink
	clock  ident.Clock
	ttl    time.Duration
}

// NewMemoryStore builds the store. sink may be nil; ttl <= 0 disables expiry.
func NewMemoryStore(sink DeltaSink, clock ident.Clock, ttl time.Duration) *MemoryStore {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &MemoryStore{
		states: make(map[string]*State),
		sink:   sink,
		clock:  clock,
		ttl:    ttl,
	}
}

func (s *MemoryStore) Save(ctx context.Context, st *State) error {
	if st.ThreadID == "" {
		return errors.New(errors.KindInvalidState, "state", "Save", "state requires a thread id")
	}

	s.mu.Lock()
	stored := st.Clone()
	if stored.Status == "" {
		stored.Status = StatusIdle
	}
	if prev, ok := s.states[st.ThreadID]; ok {
		stored.CheckpointCursor = prev.CheckpointCursor
	}
	stored.CheckpointCursor++
	stored.UpdatedAt = s.clock.Now().UTC()
	s.states[st.ThreadID] = stored

	deltas := []Delta{{Type: DeltaWorkflowUpdate, State: stored.Clone()}}
	stampDeltas(deltas, st.ThreadID, stored.CheckpointCursor)
	s.mu.Unlock()

	s.publish(st.ThreadID, deltas)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, threadID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[threadID]
	if !ok || s.expiredLocked(st) {
		delete(s.states, threadID)
		return nil, errors.Newf(errors.KindNotFound, "state", "Load", "no state for thread %s", threadID)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, threadID string, mutate func(*State) ([]Delta, error)) (*State, error) {
	s.mu.Lock()
	st, ok := s.states[threadID]
	if !ok || s.expiredLocked(st) {
		delete(s.states, threadID)
		s.mu.Unlock()
		return nil, errors.Newf(errors.KindNotFound, "state", "Update", "no state for thread %s", threadID)
	}

	next := st.Clone()
	deltas, err := mutate(next)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if len(deltas) == 0 {
		s.mu.Unlock()
		return next, nil
	}

	next.CheckpointCursor++
	next.UpdatedAt = s.clock.Now().UTC()
	s.states[threadID] = next
	stampDeltas(deltas, threadID, next.CheckpointCursor)
	result := next.Clone()
	s.mu.Unlock()

	s.publish(threadID, deltas)
	return result, nil
}

func (s *MemoryStore) UpdateSection(ctx context.Context, threadID, sectionID string, patch SectionPatch) (*State, error) {
	return s.Update(ctx, threadID, sectionPatchMutation(sectionID, patch, s.clock.Now()))
}

func (s *MemoryStore) AddExhibit(ctx context.Context, threadID string, exhibit Exhibit) error {
	_, err := s.Update(ctx, threadID, exhibitMutation(exhibit))
	return err
}

func (s *MemoryStore) AddLog(ctx context.Context, threadID string, entry LogEntry) error {
	_, err := s.Update(ctx, threadID, logMutation(entry))
	return err
}

func (s *MemoryStore) SetStatus(ctx context.Context, threadID string, status Status) error {
	_, err := s.Update(ctx, threadID, statusMutation(status, s.clock.Now()))
	return err
}

func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, threadID)
	return nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*State
	for id, st := range s.states {
		if s.expiredLocked(st) {
			delete(s.states, id)
			continue
		}
		if st.Status == StatusGenerating || st.Status == StatusPaused {
			out = append(out, st.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) expiredLocked(st *State) bool {
	return s.ttl > 0 && s.clock.Since(st.UpdatedAt) > s.ttl
}

func (s *MemoryStore) publish(threadID string, deltas []Delta) {
	if s.sink == nil {
		return
	}
	for _, d := range deltas {
		s.sink.Publish(threadID, d)
	}
}
