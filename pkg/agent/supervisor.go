package agent

import (
	"context"
	"strings"

	"github.com/petitionlabs/gavel/pkg/dispatch"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/model"
)

// Submitter is the re-entry surface the supervisor uses to delegate; the
// dispatcher satisfies it. Re-dispatched commands run the full pipeline
// again, hop-counted.
type Submitter interface {
	Redispatch(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error)
}

// Generator is the model surface for direct answers.
type Generator interface {
	Generate(ctx context.Context, req model.Request) (model.Response, error)
}

// SupervisorAgent handles open questions: ones about the user's own history
// delegate to the research agent, the rest go to the model router.
type SupervisorAgent struct {
	submitter Submitter
	models    Generator
	tally
}

func NewSupervisorAgent(submitter Submitter, models Generator) *SupervisorAgent {
	return &SupervisorAgent{submitter: submitter, models: models}
}

func (a *SupervisorAgent) Name() string { return "supervisor" }

func (a *SupervisorAgent) Kinds() []dispatch.CommandKind {
	return []dispatch.CommandKind{dispatch.KindAsk}
}

func (a *SupervisorAgent) Handle(ctx context.Context, cmd *dispatch.Command) (resp *dispatch.Response, err error) {
	defer func() { a.record(cmd.Kind, err) }()

	p, err := payloadAs[dispatch.AskPayload](cmd)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, errors.New(errors.KindInvalidState, "agent", "ask", "question cannot be empty")
	}

	if isMemoryQuestion(text) {
		return a.submitter.Redispatch(ctx, &dispatch.Command{
			UserID:   cmd.UserID,
			Role:     cmd.Role,
			Kind:     dispatch.KindMemoryLookup,
			Payload:  dispatch.MemoryLookupPayload{Query: text},
			Metadata: cmd.Metadata,
		})
	}

	if a.models == nil {
		return nil, errors.New(errors.KindInvalidState, "agent", "ask", "no model surface configured")
	}
	out, err := a.models.Generate(ctx, model.Request{
		Prompt:      text,
		Temperature: 0.2,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}
	return dispatch.OKData(out.Text, map[string]any{
		"model_id":    out.ModelID,
		"tokens_used": out.TokensUsed,
		"cached":      out.Cached,
	}), nil
}

func (a *SupervisorAgent) Stats() map[string]any {
	return a.snapshot()
}

// isMemoryQuestion routes questions about the user's own record to the
// research agent.
func isMemoryQuestion(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{
		"what did i", "what have i", "my case", "my intake",
		"my answers", "do you remember", "what do you know about me",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
