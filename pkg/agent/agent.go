// Package agent implements the handlers behind the dispatch layer: case
// management, document generation, document validation, memory research, and
// a supervisor that delegates between them.
package agent

import (
	"sync"

	"github.com/petitionlabs/gavel/pkg/dispatch"
	"github.com/petitionlabs/gavel/pkg/errors"
)

// payloadAs asserts the command payload to the expected shape.
func payloadAs[T any](cmd *dispatch.Command) (T, error) {
	p, ok := cmd.Payload.(T)
	if !ok {
		var zero T
		return zero, errors.Newf(errors.KindInvalidState, "agent", "payload",
			"command %s carries a %T payload, want %T", cmd.Kind, cmd.Payload, zero)
	}
	return p, nil
}

// metaString reads an optional string out of command metadata.
func metaString(cmd *dispatch.Command, key string) string {
	v, _ := cmd.Metadata[key].(string)
	return v
}

// tally tracks per-kind handled counts and total failures for Stats.
type tally struct {
	mu      sync.Mutex
	handled map[string]int64
	failed  int64
}

func (t *tally) record(kind dispatch.CommandKind, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.failed++
		return
	}
	if t.handled == nil {
		t.handled = make(map[string]int64)
	}
	t.handled[string(kind)]++
}

func (t *tally) snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	handled := make(map[string]int64, len(t.handled))
	total := int64(0)
	for k, v := range t.handled {
		handled[k] = v
		total += v
	}
	return map[string]any{
		"handled":         total,
		"handled_by_kind": handled,
		"failed":          t.failed,
	}
}
