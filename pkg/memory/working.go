package memory

import (
	"sync"

	"github.com/petitionlabs/gavel/pkg/ident"
)

// WorkingMemory holds the per-thread recent-context buffer: a bounded map of
// named slots. Slot writes are atomic; when a thread exceeds the cap the
// least-recently-read unpinned slot is evicted. Pinned slots are never
// evicted and do not count toward recency ordering.
type WorkingMemory struct {
	mu       sync.Mutex
	threads  map[string]*slotBuffer
	capacity int
	pinned   map[string]bool
	clock    ident.Clock
}

type slotBuffer struct {
	slots    map[string]any
	lastRead map[string]int64
}

// NewWorkingMemory builds the buffer with the given slot cap per thread and
// pinned slot names.
func NewWorkingMemory(capacity int, pinnedSlots []string, clock ident.Clock) *WorkingMemory {
	if capacity <= 0 {
		capacity = 32
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	pinned := make(map[string]bool, len(pinnedSlots))
	for _, name := range pinnedSlots {
		pinned[name] = true
	}
	return &WorkingMemory{
		threads:  make(map[string]*slotBuffer),
		capacity: capacity,
		pinned:   pinned,
		clock:    clock,
	}
}

// Get returns the slot value and whether it exists. A hit refreshes the
// slot's read recency.
func (w *WorkingMemory) Get(threadID, slot string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.threads[threadID]
	if !ok {
		return nil, false
	}
	v, ok := buf.slots[slot]
	if !ok {
		return nil, false
	}
	buf.lastRead[slot] = w.clock.Now().UnixNano()
	return v, true
}

// Set writes a slot value, evicting the least-recently-read unpinned slot if
// the thread is at capacity.
func (w *WorkingMemory) Set(threadID, slot string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.threads[threadID]
	if !ok {
		buf = &slotBuffer{
			slots:    make(map[string]any),
			lastRead: make(map[string]int64),
		}
		w.threads[threadID] = buf
	}

	if _, exists := buf.slots[slot]; !exists && len(buf.slots) >= w.capacity {
		w.evictLocked(buf)
	}
	buf.slots[slot] = value
	buf.lastRead[slot] = w.clock.Now().UnixNano()
}

// Delete removes a slot. Deleting a pinned slot is allowed; pinning only
// protects against eviction.
func (w *WorkingMemory) Delete(threadID, slot string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if buf, ok := w.threads[threadID]; ok {
		delete(buf.slots, slot)
		delete(buf.lastRead, slot)
		if len(buf.slots) == 0 {
			delete(w.threads, threadID)
		}
	}
}

// Snapshot returns a copy of every slot for the thread. The copy does not
// refresh recency.
func (w *WorkingMemory) Snapshot(threadID string) map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]any)
	if buf, ok := w.threads[threadID]; ok {
		for k, v := range buf.slots {
			out[k] = v
		}
	}
	return out
}

// Drop discards all slots for a thread.
func (w *WorkingMemory) Drop(threadID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.threads, threadID)
}

func (w *WorkingMemory) evictLocked(buf *slotBuffer) {
	var victim string
	var oldest int64
	for name := range buf.slots {
		if w.pinned[name] {
			continue
		}
		ts := buf.lastRead[name]
		if victim == "" || ts < oldest || (ts == oldest && name < victim) {
			victim = name
			oldest = ts
		}
	}
	// Every slot pinned means nothing can go; the write proceeds over cap.
	if victim != "" {
		delete(buf.slots, victim)
		delete(buf.lastRead, victim)
	}
}
