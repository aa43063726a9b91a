package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
)

const (
	keyPrefix      = "document_workflow:"
	maxCASAttempts = 5
)

// RedisStore is the shared backend. Each thread's state lives as a JSON value
// under "document_workflow:<thread_id>" with a TTL; concurrent updates use
// WATCH-based compare-and-swap with bounded retries.
type RedisStore struct {
	client *redis.Client
	sink   DeltaSink
	clock  ident.Clock
	ttl    time.Duration
}

// NewRedisStore builds the store. ttl <= 0 falls back to 24 hours.
func NewRedisStore(client *redis.Client, sink DeltaSink, clock ident.Clock, ttl time.Duration) *RedisStore {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, sink: sink, clock: clock, ttl: ttl}
}

func threadKey(threadID string) string {
	return keyPrefix + threadID
}

func (s *RedisStore) Save(ctx context.Context, st *State) error {
	if st.ThreadID == "" {
		return errors.New(errors.KindInvalidState, "state", "Save", "state requires a thread id")
	}
	key := threadKey(st.ThreadID)

	var deltas []Delta
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			stored := st.Clone()
			if stored.Status == "" {
				stored.Status = StatusIdle
			}
			prev, err := s.read(ctx, tx, key)
			if err != nil {
				return err
			}
			if prev != nil {
				stored.CheckpointCursor = prev.CheckpointCursor
			}
			stored.CheckpointCursor++
			stored.UpdatedAt = s.clock.Now().UTC()

			b, err := json.Marshal(stored)
			if err != nil {
				return errors.Wrap(errors.KindInternal, "state", "Save", "failed to encode state", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, b, s.ttl)
				return nil
			})
			if err != nil {
				return err
			}
			deltas = []Delta{{Type: DeltaWorkflowUpdate, State: stored}}
			stampDeltas(deltas, st.ThreadID, stored.CheckpointCursor)
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return wrapRedisErr("Save", err)
		}
		s.publish(st.ThreadID, deltas)
		return nil
	}
	return errors.Newf(errors.KindConcurrentUpdate, "state", "Save",
		"save of thread %s lost %d races", st.ThreadID, maxCASAttempts)
}

func (s *RedisStore) Load(ctx context.Context, threadID string) (*State, error) {
	b, err := s.client.Get(ctx, threadKey(threadID)).Bytes()
	if err == redis.Nil {
		return nil, errors.Newf(errors.KindNotFound, "state", "Load", "no state for thread %s", threadID)
	}
	if err != nil {
		return nil, wrapRedisErr("Load", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "state", "Load", "failed to decode state", err)
	}
	return &st, nil
}

func (s *RedisStore) Update(ctx context.Context, threadID string, mutate func(*State) ([]Delta, error)) (*State, error) {
	key := threadKey(threadID)

	var result *State
	var deltas []Delta
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			st, err := s.read(ctx, tx, key)
			if err != nil {
				return err
			}
			if st == nil {
				return errors.Newf(errors.KindNotFound, "state", "Update", "no state for thread %s", threadID)
			}

			deltas, err = mutate(st)
			if err != nil {
				return err
			}
			if len(deltas) == 0 {
				result = st
				return nil
			}

			st.CheckpointCursor++
			st.UpdatedAt = s.clock.Now().UTC()
			b, err := json.Marshal(st)
			if err != nil {
				return errors.Wrap(errors.KindInternal, "state", "Update", "failed to encode state", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, b, s.ttl)
				return nil
			})
			if err != nil {
				return err
			}
			stampDeltas(deltas, threadID, st.CheckpointCursor)
			result = st
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, wrapRedisErr("Update", err)
		}
		s.publish(threadID, deltas)
		return result, nil
	}
	return nil, errors.Newf(errors.KindConcurrentUpdate, "state", "Update",
		"update of thread %s lost %d races", threadID, maxCASAttempts)
}

func (s *RedisStore) UpdateSection(ctx context.Context, threadID, sectionID string, patch SectionPatch) (*State, error) {
	return s.Update(ctx, threadID, sectionPatchMutation(sectionID, patch, s.clock.Now()))
}

func (s *RedisStore) AddExhibit(ctx context.Context, threadID string, exhibit Exhibit) error {
	_, err := s.Update(ctx, threadID, exhibitMutation(exhibit))
	return err
}

func (s *RedisStore) AddLog(ctx context.Context, threadID string, entry LogEntry) error {
	_, err := s.Update(ctx, threadID, logMutation(entry))
	return err
}

func (s *RedisStore) SetStatus(ctx context.Context, threadID string, status Status) error {
	_, err := s.Update(ctx, threadID, statusMutation(status, s.clock.Now()))
	return err
}

func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	if err := s.client.Del(ctx, threadKey(threadID)).Err(); err != nil {
		return wrapRedisErr("Delete", err)
	}
	return nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*State, error) {
	var out []*State
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		b, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, wrapRedisErr("ListActive", err)
		}
		var st State
		if err := json.Unmarshal(b, &st); err != nil {
			continue
		}
		if st.Status == StatusGenerating || st.Status == StatusPaused {
			out = append(out, &st)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedisErr("ListActive", err)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) read(ctx context.Context, tx *redis.Tx, key string) (*State, error) {
	b, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapRedisErr("read", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "state", "read", "failed to decode state", err)
	}
	return &st, nil
}

func (s *RedisStore) publish(threadID string, deltas []Delta) {
	if s.sink == nil {
		return
	}
	for _, d := range deltas {
		s.sink.Publish(threadID, d)
	}
}

func wrapRedisErr(action string, err error) error {
	if errors.KindOf(err) != "" {
		return err
	}
	return errors.Wrap(errors.KindStoreUnavailable, "state", action, "redis operation failed", err)
}
