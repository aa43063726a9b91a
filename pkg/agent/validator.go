package agent

import (
	"context"
	"fmt"

	"github.com/petitionlabs/gavel/pkg/dispatch"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/state"
)

// ValidatorAgent checks a finished document and releases it for download.
// Rendering to PDF happens outside the core; the agent hands back the
// assembled HTML.
type ValidatorAgent struct {
	store state.Store
	tally
}

func NewValidatorAgent(store state.Store) *ValidatorAgent {
	return &ValidatorAgent{store: store}
}

func (a *ValidatorAgent) Name() string { return "validator" }

func (a *ValidatorAgent) Kinds() []dispatch.CommandKind {
	return []dispatch.CommandKind{dispatch.KindDownloadPDF}
}

func (a *ValidatorAgent) Handle(ctx context.Context, cmd *dispatch.Command) (resp *dispatch.Response, err error) {
	defer func() { a.record(cmd.Kind, err) }()

	p, err := payloadAs[dispatch.DownloadPDFPayload](cmd)
	if err != nil {
		return nil, err
	}
	st, err := a.store.Load(ctx, p.ThreadID)
	if err != nil {
		return nil, err
	}
	if st.UserID != cmd.UserID {
		return nil, errors.Newf(errors.KindForbidden, "agent", "download_pdf",
			"thread %s does not belong to the requesting user", p.ThreadID)
	}
	if st.Status != state.StatusCompleted {
		return nil, errors.Newf(errors.KindInvalidState, "agent", "download_pdf",
			"thread %s is %s; only completed documents can be downloaded", p.ThreadID, st.Status)
	}
	for _, sec := range st.Sections {
		if sec.Status != state.SectionCompleted {
			return nil, errors.Newf(errors.KindInvalidState, "agent", "download_pdf",
				"section %s is %s", sec.SectionID, sec.Status)
		}
	}
	doc, _ := st.Metadata["document_html"].(string)
	if doc == "" {
		return nil, errors.Newf(errors.KindInvalidState, "agent", "download_pdf",
			"thread %s has no assembled document", p.ThreadID)
	}

	return dispatch.OKData(
		fmt.Sprintf("document ready, %d sections, %d exhibits", len(st.Sections), len(st.Exhibits)),
		map[string]any{
			"thread_id":     st.ThreadID,
			"document_html": doc,
			"sections":      len(st.Sections),
			"exhibits":      len(st.Exhibits),
		}), nil
}

func (a *ValidatorAgent) Stats() map[string]any {
	return a.snapshot()
}
