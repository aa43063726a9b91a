// Package audit implements the hash-chained, append-only audit trail.
//
// Every event's hash covers the previous event's hash plus the canonical JSON
// encoding of the event itself, so any mutation of a stored record breaks
// verification of everything after it.
package audit

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
)

// GenesisHash anchors the chain; the first event links to it.
const GenesisHash = "gavel-audit-genesis"

// Event is one immutable audit record.
type Event struct {
	EventID   string          `json:"event_id"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	UserID    string          `json:"user_id,omitempty"`
	Source    string          `json:"source"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Entry is the caller-supplied portion of an event.
type Entry struct {
	UserID  string
	Source  string
	Action  string
	Payload any
}

// Sink persists committed events. Implementations must preserve append order.
type Sink interface {
	Append(event Event) error
	Read(from, to int) ([]Event, error)
	Len() (int, error)
	Close() error
}

// Trail is the hash-chained writer over a Sink.
type Trail struct {
	mu       sync.Mutex
	sink     Sink
	clock    ident.Clock
	gen      *ident.Generator
	lastHash string
	count    int
}

// NewTrail creates a Trail over the given sink. If the sink already holds
// events the chain continues from the last committed hash.
func NewTrail(sink Sink, clock ident.Clock) (*Trail, error) {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	t := &Trail{
		sink:     sink,
		clock:    clock,
		gen:      ident.NewGenerator(clock),
		lastHash: GenesisHash,
	}

	n, err := sink.Len()
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "audit", "NewTrail", "failed to read sink", err)
	}
	if n > 0 {
		events, err := sink.Read(n-1, n)
		if err != nil {
			return nil, errors.Wrap(errors.KindStoreUnavailable, "audit", "NewTrail", "failed to read tail", err)
		}
		t.lastHash = events[0].Hash
		t.count = n
	}
	return t, nil
}

// Append commits an entry to the chain and returns its hash.
func (t *Trail) Append(entry Entry) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload, err := marshalPayload(entry.Payload)
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, "audit", "Append", "failed to encode payload", err)
	}

	event := Event{
		EventID:   t.gen.NewID("audit"),
		PrevHash:  t.lastHash,
		UserID:    entry.UserID,
		Source:    entry.Source,
		Action:    entry.Action,
		Payload:   payload,
		Timestamp: t.clock.Now().UTC(),
	}
	event.Hash = hashEvent(event)

	if err := t.sink.Append(event); err != nil {
		return "", errors.Wrap(errors.KindStoreUnavailable, "audit", "Append", "sink append failed", err)
	}
	t.lastHash = event.Hash
	t.count++
	return event.Hash, nil
}

// Len reports the number of committed events.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Read returns events in [from, to).
func (t *Trail) Read(from, to int) ([]Event, error) {
	return t.sink.Read(from, to)
}

// Verify recomputes the chain over [from, to) and reports whether every link
// holds. Verification fails closed: any read error counts as a mismatch.
func (t *Trail) Verify(from, to int) bool {
	events, err := t.sink.Read(from, to)
	if err != nil {
		return false
	}

	prev := GenesisHash
	if from > 0 {
		before, err := t.sink.Read(from-1, from)
		if err != nil || len(before) != 1 {
			return false
		}
		prev = before[0].Hash
	}

	for _, event := range events {
		if event.PrevHash != prev {
			return false
		}
		if hashEvent(event) != event.Hash {
			return false
		}
		prev = event.Hash
	}
	return true
}

// VerifyAll verifies the whole chain.
func (t *Trail) VerifyAll() bool {
	n, err := t.sink.Len()
	if err != nil {
		return false
	}
	return t.Verify(0, n)
}

// Close flushes and closes the underlying sink.
func (t *Trail) Close() error {
	return t.sink.Close()
}

// hashEvent computes the chained hash: H(prev_hash || canonical(event minus hash)).
func hashEvent(event Event) string {
	canonical := canonicalEvent(event)
	return ident.Hash([]byte(event.PrevHash), canonical)
}

// canonicalEvent encodes the event minus its hash with sorted keys.
func canonicalEvent(event Event) []byte {
	fields := map[string]any{
		"event_id":  event.EventID,
		"prev_hash": event.PrevHash,
		"user_id":   event.UserID,
		"source":    event.Source,
		"action":    event.Action,
		"payload":   string(event.Payload),
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// encoding/json sorts map keys already, but building the byte string
	// explicitly keeps the canonical form independent of encoder behavior.
	buf := make([]byte, 0, 256)
	for _, k := range keys {
		b, _ := json.Marshal(fields[k])
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, b...)
		buf = append(buf, ';')
	}
	return buf
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b, nil
}
