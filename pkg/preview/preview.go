// Package preview implements the live-preview broadcaster: per-thread
// fan-out of workflow state deltas to subscribers, with a snapshot on
// subscribe and bounded buffers that drop slow consumers.
package preview

import (
	"context"
	"log/slog"
	"sync"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
	"github.com/petitionlabs/gavel/pkg/logger"
	"github.com/petitionlabs/gavel/pkg/state"
)

// Message types owned by the broadcaster itself; committed deltas reuse the
// discriminators defined in the state package.
const (
	MessageConnected    = "connected"
	MessageInitialState = "initial_state"
	MessagePong         = "pong"
	MessageSlowConsumer = "slow_consumer"
)

const defaultBufferSize = 64

// StateLoader reads the current state for the subscribe-time snapshot.
type StateLoader interface {
	Load(ctx context.Context, threadID string) (*state.State, error)
}

// Subscription is one consumer's view of a thread's delta stream.
type Subscription struct {
	id       string
	threadID string
	ch       chan state.Delta
	closed   chan struct{}
	once     sync.Once
}

// Events is the ordered stream of messages. The channel closes when the
// subscription ends, including a slow-consumer drop.
func (s *Subscription) Events() <-chan state.Delta {
	return s.ch
}

// ThreadID reports which thread the subscription follows.
func (s *Subscription) ThreadID() string {
	return s.threadID
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

// Broadcaster fans committed deltas out to subscribers. It implements the
// state store's DeltaSink.
type Broadcaster struct {
	mu      sync.Mutex
	threads map[string]map[string]*Subscription
	loader  StateLoader
	gen     *ident.Generator
	buffer  int
	log     *slog.Logger
}

// New builds a Broadcaster. loader may be nil, which skips snapshots.
func New(loader StateLoader, bufferSize int) *Broadcaster {
	// The buffer must at least hold the subscribe-time handshake.
	if bufferSize < 8 {
		bufferSize = defaultBufferSize
	}
	return &Broadcaster{
		threads: make(map[string]map[string]*Subscription),
		loader:  loader,
		gen:     ident.NewGenerator(nil),
		buffer:  bufferSize,
		log:     logger.Get("preview"),
	}
}

// Subscribe attaches a consumer to a thread. The subscriber first receives a
// connected message and a snapshot of the current state, then deltas in
// commit order.
func (b *Broadcaster) Subscribe(ctx context.Context, threadID string) (*Subscription, error) {
	var snapshot *state.State
	if b.loader != nil {
		st, err := b.loader.Load(ctx, threadID)
		if err != nil && !errors.Is(err, errors.KindNotFound) {
			return nil, err
		}
		snapshot = st
	}

	sub := &Subscription{
		id:       b.gen.NewID("sub"),
		threadID: threadID,
		ch:       make(chan state.Delta, b.buffer),
		closed:   make(chan struct{}),
	}

	b.mu.Lock()
	subs, ok := b.threads[threadID]
	if !ok {
		subs = make(map[string]*Subscription)
		b.threads[threadID] = subs
	}
	subs[sub.id] = sub

	sub.ch <- state.Delta{Type: MessageConnected, ThreadID: threadID}
	if snapshot != nil {
		sub.ch <- state.Delta{Type: MessageInitialState, ThreadID: threadID, State: snapshot, Seq: snapshot.CheckpointCursor}
	}
	b.mu.Unlock()

	return sub, nil
}

// Unsubscribe detaches a consumer. The per-thread channel set is torn down
// when the last subscriber leaves.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	b.removeLocked(sub)
	b.mu.Unlock()
	sub.close()
}

// Publish delivers a committed delta to every subscriber of the thread.
// Subscribers whose buffer is full are dropped with a slow_consumer message.
func (b *Broadcaster) Publish(threadID string, delta state.Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.threads[threadID] {
		select {
		case sub.ch <- delta:
		default:
			b.log.Warn("dropping slow subscriber", "thread_id", threadID, "subscriber", sub.id)
			b.removeLocked(sub)
			select {
			case sub.ch <- state.Delta{Type: MessageSlowConsumer, ThreadID: threadID}:
			default:
			}
			sub.close()
		}
	}
}

// Ping queues a pong for the subscriber, mirroring the client ping of the
// wire protocol.
func (b *Broadcaster) Ping(sub *Subscription) {
	select {
	case <-sub.closed:
	case sub.ch <- state.Delta{Type: MessagePong, ThreadID: sub.threadID}:
	default:
	}
}

// Resync re-sends a fresh snapshot so a subscriber that detected a sequence
// gap can realign without reconnecting.
func (b *Broadcaster) Resync(ctx context.Context, sub *Subscription) error {
	if b.loader == nil {
		return errors.New(errors.KindInvalidState, "preview", "Resync", "no state loader configured")
	}
	st, err := b.loader.Load(ctx, sub.threadID)
	if err != nil {
		return err
	}
	select {
	case <-sub.closed:
		return errors.New(errors.KindInvalidState, "preview", "Resync", "subscription is closed")
	case sub.ch <- state.Delta{Type: MessageInitialState, ThreadID: sub.threadID, State: st, Seq: st.CheckpointCursor}:
		return nil
	default:
		return errors.New(errors.KindInvalidState, "preview", "Resync", "subscriber buffer is full")
	}
}

// SubscriberCount reports live subscribers for a thread.
func (b *Broadcaster) SubscriberCount(threadID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.threads[threadID])
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	subs, ok := b.threads[sub.threadID]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.threads, sub.threadID)
	}
}
