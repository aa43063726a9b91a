package ident

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDMonotonic(t *testing.T) {
	gen := NewGenerator(SystemClock{})

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = gen.NewID("mem")
	}

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids, "IDs should sort in creation order")

	seen := make(map[string]bool)
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNewIDPrefix(t *testing.T) {
	gen := NewGenerator(nil)
	assert.Contains(t, gen.NewID("case"), "case_")
	assert.NotContains(t, gen.NewID(""), "_0")
}

func TestHashDeterministic(t *testing.T) {
	h1 := HashString("a", "b")
	h2 := HashString("a", "b")
	h3 := HashString("ab")

	assert.Equal(t, h1, h2)
	// Concatenation boundary does not matter for the digest, only content.
	assert.Equal(t, h1, h3)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, HashString("a", "c"))
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	assert.Equal(t, start, clock.Now())

	clock.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clock.Now())
	assert.Equal(t, 90*time.Second, clock.Since(start))

	later := start.Add(time.Hour)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}
