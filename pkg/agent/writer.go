package agent

import (
	"context"
	"fmt"

	"github.com/petitionlabs/gavel/pkg/dispatch"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
	"github.com/petitionlabs/gavel/pkg/intake"
	"github.com/petitionlabs/gavel/pkg/state"
	"github.com/petitionlabs/gavel/pkg/workflow"
)

// WriterAgent starts and steers document-generation workflows.
type WriterAgent struct {
	engine *workflow.Engine
	store  state.Store
	cases  intake.CaseStore
	clock  ident.Clock
	tally
}

// NewWriterAgent wires the agent. cases resolves the active case for
// commands that do not name one.
func NewWriterAgent(engine *workflow.Engine, store state.Store, cases intake.CaseStore, clock ident.Clock) *WriterAgent {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &WriterAgent{engine: engine, store: store, cases: cases, clock: clock}
}

func (a *WriterAgent) Name() string { return "writer" }

func (a *WriterAgent) Kinds() []dispatch.CommandKind {
	return []dispatch.CommandKind{
		dispatch.KindGenerateLetter, dispatch.KindGeneratePetition,
		dispatch.KindUploadExhibit, dispatch.KindPause, dispatch.KindResume,
		dispatch.KindGetPreview,
	}
}

func (a *WriterAgent) Handle(ctx context.Context, cmd *dispatch.Command) (resp *dispatch.Response, err error) {
	defer func() { a.record(cmd.Kind, err) }()

	switch cmd.Kind {
	case dispatch.KindGenerateLetter:
		return a.generateLetter(ctx, cmd)
	case dispatch.KindGeneratePetition:
		return a.generatePetition(ctx, cmd)
	case dispatch.KindUploadExhibit:
		return a.uploadExhibit(ctx, cmd)
	case dispatch.KindPause:
		return a.pause(ctx, cmd)
	case dispatch.KindResume:
		return a.resume(ctx, cmd)
	case dispatch.KindGetPreview:
		return a.preview(ctx, cmd)
	default:
		return nil, errors.Newf(errors.KindNotFound, "agent", "Handle",
			"writer agent does not handle %q", cmd.Kind)
	}
}

func (a *WriterAgent) Stats() map[string]any {
	return a.snapshot()
}

func (a *WriterAgent) generateLetter(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	p, err := payloadAs[dispatch.GenerateLetterPayload](cmd)
	if err != nil {
		return nil, err
	}
	c, err := a.cases.ActiveCase(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}
	return a.startWorkflow(ctx, cmd, c.CaseID, "letter", map[string]any{"title": p.Title})
}

func (a *WriterAgent) generatePetition(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	p, err := payloadAs[dispatch.GeneratePetitionPayload](cmd)
	if err != nil {
		return nil, err
	}
	if p.CaseID == "" {
		return nil, errors.New(errors.KindInvalidState, "agent", "generate_petition", "a case id is required")
	}
	if _, err := a.cases.GetCase(ctx, cmd.UserID, p.CaseID); err != nil {
		return nil, err
	}
	docType := p.DocumentType
	if docType == "" {
		docType = "petition"
	}
	return a.startWorkflow(ctx, cmd, p.CaseID, docType, nil)
}

func (a *WriterAgent) startWorkflow(ctx context.Context, cmd *dispatch.Command, caseID, docType string, metadata map[string]any) (*dispatch.Response, error) {
	st := &state.State{
		UserID:       cmd.UserID,
		CaseID:       caseID,
		DocumentType: docType,
		Metadata:     metadata,
	}
	threadID, err := a.engine.Start(ctx, workflow.PetitionGraphName, st)
	if err != nil {
		return nil, err
	}
	return dispatch.OKData(
		fmt.Sprintf("%s generation started", docType),
		map[string]any{"thread_id": threadID, "case_id": caseID}), nil
}

func (a *WriterAgent) uploadExhibit(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	p, err := payloadAs[dispatch.UploadExhibitPayload](cmd)
	if err != nil {
		return nil, err
	}
	if p.ThreadID == "" || p.ExhibitID == "" {
		return nil, errors.New(errors.KindInvalidState, "agent", "upload_exhibit",
			"thread id and exhibit id are required")
	}
	if err := a.authorizeThread(ctx, cmd.UserID, p.ThreadID); err != nil {
		return nil, err
	}

	exhibit := state.Exhibit{
		ExhibitID:  p.ExhibitID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		Size:       int64(len(p.Bytes)),
		UploadedAt: a.clock.Now().UTC(),
		StorageKey: fmt.Sprintf("exhibits/%s/%s", p.ThreadID, p.ExhibitID),
	}
	if err := a.store.AddExhibit(ctx, p.ThreadID, exhibit); err != nil {
		return nil, err
	}
	return dispatch.OKData("exhibit attached", map[string]any{
		"exhibit_id":  p.ExhibitID,
		"storage_key": exhibit.StorageKey,
	}), nil
}

func (a *WriterAgent) pause(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	p, err := payloadAs[dispatch.PausePayload](cmd)
	if err != nil {
		return nil, err
	}
	if err := a.authorizeThread(ctx, cmd.UserID, p.ThreadID); err != nil {
		return nil, err
	}
	if err := a.engine.Pause(ctx, p.ThreadID); err != nil {
		return nil, err
	}
	return dispatch.OK("workflow paused"), nil
}

func (a *WriterAgent) resume(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	p, err := payloadAs[dispatch.ResumePayload](cmd)
	if err != nil {
		return nil, err
	}
	if err := a.authorizeThread(ctx, cmd.UserID, p.ThreadID); err != nil {
		return nil, err
	}
	if err := a.engine.Resume(ctx, p.ThreadID); err != nil {
		return nil, err
	}
	return dispatch.OK("workflow resumed"), nil
}

func (a *WriterAgent) preview(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	p, err := payloadAs[dispatch.GetPreviewPayload](cmd)
	if err != nil {
		return nil, err
	}
	st, err := a.loadOwned(ctx, cmd.UserID, p.ThreadID)
	if err != nil {
		return nil, err
	}

	completed, total := st.Progress()
	sections := make([]map[string]any, len(st.Sections))
	for i, sec := range st.Sections {
		sections[i] = map[string]any{
			"section_id": sec.SectionID,
			"name":       sec.Name,
			"status":     string(sec.Status),
			"content":    sec.ContentHTML,
		}
	}
	return dispatch.OKData(
		fmt.Sprintf("%d of %d sections complete", completed, total),
		map[string]any{
			"thread_id": st.ThreadID,
			"status":    string(st.Status),
			"completed": completed,
			"total":     total,
			"sections":  sections,
		}), nil
}

// authorizeThread verifies the thread belongs to the requesting user.
func (a *WriterAgent) authorizeThread(ctx context.Context, userID, threadID string) error {
	_, err := a.loadOwned(ctx, userID, threadID)
	return err
}

func (a *WriterAgent) loadOwned(ctx context.Context, userID, threadID string) (*state.State, error) {
	st, err := a.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if st.UserID != userID {
		return nil, errors.Newf(errors.KindForbidden, "agent", "thread",
			"thread %s does not belong to the requesting user", threadID)
	}
	return st, nil
}
