// Package ident provides identifier generation, content-addressable hashing,
// and the Clock abstraction the rest of the runtime depends on for
// deterministic tests.
package ident

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Clock abstracts wall-clock and elapsed-time readings so components can be
// tested against a fixed time source.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// SystemClock reads the real time.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// FakeClock is a settable clock for tests. The zero value starts at the Unix
// epoch; use Set or Advance to move it.
type FakeClock struct {
	now atomic.Int64 // unix nanos
}

// NewFakeClock creates a FakeClock pinned at t.
func NewFakeClock(t time.Time) *FakeClock {
	c := &FakeClock{}
	c.now.Store(t.UnixNano())
	return c
}

func (c *FakeClock) Now() time.Time {
	return time.Unix(0, c.now.Load()).UTC()
}

func (c *FakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *FakeClock) Set(t time.Time) {
	c.now.Store(t.UnixNano())
}

func (c *FakeClock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}

// Generator produces opaque, monotonically ordered identifiers. IDs combine a
// timestamp, a per-process counter, and a random uuid suffix so ordering holds
// within a process and uniqueness holds across processes.
type Generator struct {
	clock   Clock
	counter atomic.Uint64
}

// NewGenerator creates a Generator backed by the given clock.
func NewGenerator(clock Clock) *Generator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Generator{clock: clock}
}

// NewID returns a new identifier with the given prefix, e.g. "mem_...".
// Lexicographic order of IDs from one generator matches creation order.
func (g *Generator) NewID(prefix string) string {
	seq := g.counter.Add(1)
	ts := g.clock.Now().UTC().UnixNano()
	suffix := uuid.NewString()[:8]
	if prefix == "" {
		return fmt.Sprintf("%016x-%08x-%s", ts, seq, suffix)
	}
	return fmt.Sprintf("%s_%016x-%08x-%s", prefix, ts, seq, suffix)
}

// Hash returns the hex BLAKE2b-256 digest of the concatenated parts.
// Used for cache keys and the audit hash chain.
func Hash(parts ...[]byte) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashString is a convenience wrapper over Hash for string inputs.
func HashString(parts ...string) string {
	raw := make([][]byte, len(parts))
	for i, p := range parts {
		raw[i] = []byte(p)
	}
	return Hash(raw...)
}
