package agent

import (
	"context"
	"fmt"

	"github.com/petitionlabs/gavel/pkg/dispatch"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/intake"
)

// CaseAgent owns case lifecycle and the intake questionnaire.
type CaseAgent struct {
	machine *intake.Machine
	tally
}

// NewCaseAgent wires the agent over the intake machine.
func NewCaseAgent(machine *intake.Machine) *CaseAgent {
	return &CaseAgent{machine: machine}
}

func (a *CaseAgent) Name() string { return "case" }

// Kinds lists the command kinds this agent should be registered for.
func (a *CaseAgent) Kinds() []dispatch.CommandKind {
	return []dispatch.CommandKind{
		dispatch.KindCaseCreate, dispatch.KindCaseGet, dispatch.KindCaseActive,
		dispatch.KindIntakeStart, dispatch.KindIntakeAnswer, dispatch.KindIntakeSkip,
		dispatch.KindIntakeStatus, dispatch.KindIntakeCancel, dispatch.KindIntakeResume,
	}
}

func (a *CaseAgent) Handle(ctx context.Context, cmd *dispatch.Command) (resp *dispatch.Response, err error) {
	defer func() { a.record(cmd.Kind, err) }()

	switch cmd.Kind {
	case dispatch.KindCaseCreate:
		return a.createCase(ctx, cmd)
	case dispatch.KindCaseGet:
		return a.getCase(ctx, cmd)
	case dispatch.KindCaseActive:
		return a.activeCase(ctx, cmd)
	case dispatch.KindIntakeStart:
		return a.intakeStart(ctx, cmd)
	case dispatch.KindIntakeAnswer:
		return a.intakeAnswer(ctx, cmd)
	case dispatch.KindIntakeSkip:
		return a.intakeSkip(ctx, cmd)
	case dispatch.KindIntakeStatus:
		return a.intakeStatus(ctx, cmd)
	case dispatch.KindIntakeCancel:
		return a.intakeCancel(ctx, cmd)
	case dispatch.KindIntakeResume:
		return a.intakeResume(ctx, cmd)
	default:
		return nil, errors.Newf(errors.KindNotFound, "agent", "Handle",
			"case agent does not handle %q", cmd.Kind)
	}
}

func (a *CaseAgent) Stats() map[string]any {
	return a.snapshot()
}

func (a *CaseAgent) createCase(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	p, err := payloadAs[dispatch.CaseCreatePayload](cmd)
	if err != nil {
		return nil, err
	}
	category := metaString(cmd, "category")

	c, q, err := a.machine.CreateCase(ctx, cmd.UserID, p.Title, p.Description, category)
	if err != nil {
		return nil, err
	}
	resp := dispatch.OKData(fmt.Sprintf("case %q created", c.Title), map[string]any{
		"case_id":   c.CaseID,
		"title":     c.Title,
		"status":    c.Status,
		"case_type": c.CaseType,
	})
	attachQuestion(resp, q)
	return resp, nil
}

func (a *CaseAgent) getCase(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	p, err := payloadAs[dispatch.CaseGetPayload](cmd)
	if err != nil {
		return nil, err
	}
	c, err := a.machine.Store().GetCase(ctx, cmd.UserID, p.CaseID)
	if err != nil {
		return nil, err
	}
	return dispatch.OKData(c.Title, caseData(c)), nil
}

func (a *CaseAgent) activeCase(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	c, err := a.machine.Store().ActiveCase(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}
	return dispatch.OKData(c.Title, caseData(c)), nil
}

func (a *CaseAgent) intakeStart(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	p, err := payloadAs[dispatch.IntakeStartPayload](cmd)
	if err != nil {
		return nil, err
	}
	caseID, err := a.resolveCase(ctx, cmd)
	if err != nil {
		return nil, err
	}
	q, err := a.machine.Start(ctx, cmd.UserID, caseID, p.Category)
	if err != nil {
		return nil, err
	}
	return questionResponse(q), nil
}

func (a *CaseAgent) intakeAnswer(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	p, err := payloadAs[dispatch.IntakeAnswerPayload](cmd)
	if err != nil {
		return nil, err
	}
	caseID, err := a.resolveCase(ctx, cmd)
	if err != nil {
		return nil, err
	}
	q, err := a.machine.Answer(ctx, cmd.UserID, caseID, p.Text)
	if err != nil {
		return nil, err
	}
	return questionResponse(q), nil
}

func (a *CaseAgent) intakeSkip(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	caseID, err := a.resolveCase(ctx, cmd)
	if err != nil {
		return nil, err
	}
	q, err := a.machine.Skip(ctx, cmd.UserID, caseID)
	if err != nil {
		return nil, err
	}
	return questionResponse(q), nil
}

func (a *CaseAgent) intakeStatus(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	caseID, err := a.resolveCase(ctx, cmd)
	if err != nil {
		return nil, err
	}
	report, err := a.machine.Status(ctx, cmd.UserID, caseID)
	if err != nil {
		return nil, err
	}
	return dispatch.OKData(
		fmt.Sprintf("intake %.0f%% complete", report.PercentComplete),
		map[string]any{
			"case_id":          report.CaseID,
			"category":         report.Category,
			"current_block":    report.CurrentBlock,
			"current_step":     report.CurrentStep,
			"completed_blocks": report.CompletedBlocks,
			"percent_complete": report.PercentComplete,
			"status":           report.Status,
		}), nil
}

func (a *CaseAgent) intakeCancel(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	caseID, err := a.resolveCase(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := a.machine.Cancel(ctx, cmd.UserID, caseID); err != nil {
		return nil, err
	}
	return dispatch.OK("intake cancelled"), nil
}

func (a *CaseAgent) intakeResume(ctx context.Context, cmd *dispatch.Command) (*dispatch.Response, error) {
	caseID, err := a.resolveCase(ctx, cmd)
	if err != nil {
		return nil, err
	}
	q, err := a.machine.Resume(ctx, cmd.UserID, caseID)
	if err != nil {
		return nil, err
	}
	return questionResponse(q), nil
}

// resolveCase picks the target case: explicit metadata wins, otherwise the
// user's most recent case.
func (a *CaseAgent) resolveCase(ctx context.Context, cmd *dispatch.Command) (string, error) {
	if caseID := metaString(cmd, "case_id"); caseID != "" {
		return caseID, nil
	}
	c, err := a.machine.Store().ActiveCase(ctx, cmd.UserID)
	if err != nil {
		return "", err
	}
	return c.CaseID, nil
}

func caseData(c *intake.Case) map[string]any {
	return map[string]any{
		"case_id":   c.CaseID,
		"title":     c.Title,
		"status":    c.Status,
		"case_type": c.CaseType,
		"data":      c.Data,
	}
}

func questionResponse(q *intake.Question) *dispatch.Response {
	if q == nil {
		return dispatch.OK("intake complete")
	}
	resp := dispatch.OK(q.Prompt)
	attachQuestion(resp, q)
	return resp
}

func attachQuestion(resp *dispatch.Response, q *intake.Question) {
	if q == nil {
		return
	}
	if resp.Data == nil {
		resp.Data = make(map[string]any)
	}
	resp.Data["question"] = map[string]any{
		"block":    q.BlockID,
		"id":       q.StepID,
		"prompt":   q.Prompt,
		"hint":     q.Hint,
		"required": q.Required,
		"position": q.Position,
		"total":    q.Total,
	}
}
