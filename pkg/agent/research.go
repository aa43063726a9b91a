package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/petitionlabs/gavel/pkg/dispatch"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/memory"
)

// defaultLookupTopK bounds memory_lookup result sets.
const defaultLookupTopK = 5

// ResearchAgent answers memory lookups scoped to the requesting user.
type ResearchAgent struct {
	memory *memory.Manager
	tally
}

func NewResearchAgent(mgr *memory.Manager) *ResearchAgent {
	return &ResearchAgent{memory: mgr}
}

func (a *ResearchAgent) Name() string { return "research" }

func (a *ResearchAgent) Kinds() []dispatch.CommandKind {
	return []dispatch.CommandKind{dispatch.KindMemoryLookup}
}

func (a *ResearchAgent) Handle(ctx context.Context, cmd *dispatch.Command) (resp *dispatch.Response, err error) {
	defer func() { a.record(cmd.Kind, err) }()

	p, err := payloadAs[dispatch.MemoryLookupPayload](cmd)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, errors.New(errors.KindInvalidState, "agent", "memory_lookup", "query cannot be empty")
	}

	filter := memory.Filter{UserID: cmd.UserID, CaseID: metaString(cmd, "case_id")}
	scored, err := a.memory.Retrieve(ctx, p.Query, filter, defaultLookupTopK)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, len(scored))
	var lines []string
	for i, s := range scored {
		results[i] = map[string]any{
			"text":  s.Record.Text,
			"score": s.Score,
			"tags":  s.Record.Tags,
		}
		lines = append(lines, "- "+s.Record.Text)
	}
	text := "no matching memories"
	if len(lines) > 0 {
		text = fmt.Sprintf("%d matching memories:\n%s", len(lines), strings.Join(lines, "\n"))
	}
	return dispatch.OKData(text, map[string]any{"results": results}), nil
}

func (a *ResearchAgent) Stats() map[string]any {
	return a.snapshot()
}
