package intake

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/petitionlabs/gavel/pkg/audit"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
	"github.com/petitionlabs/gavel/pkg/logger"
	"github.com/petitionlabs/gavel/pkg/memory"
)

// intakeStateSlot is the pinned working-memory slot holding the machine's
// position for a user.
const intakeStateSlot = "intake_state"

// Question is the machine's prompt to the user.
type Question struct {
	BlockID  string
	StepID   string
	Prompt   string
	Hint     string
	Category string
	Required bool
	Position int
	Total    int
}

// StatusReport summarizes questionnaire progress.
type StatusReport struct {
	CaseID          string
	Category        string
	CurrentBlock    string
	CurrentStep     int
	CompletedBlocks []string
	PercentComplete float64
	Status          string
}

// Machine drives the questionnaire for (user_id, case_id) pairs. Every
// operation passes the ensureCase guard first, so progress can never outlive
// its case unnoticed.
type Machine struct {
	store  CaseStore
	memory *memory.Manager
	trail  *audit.Trail
	clock  ident.Clock
	gen    *ident.Generator
	log    *slog.Logger
}

// NewMachine wires the state machine. memory and trail are optional.
func NewMachine(store CaseStore, mem *memory.Manager, trail *audit.Trail, clock ident.Clock) (*Machine, error) {
	if store == nil {
		return nil, errors.New(errors.KindInvalidState, "intake", "NewMachine", "a case store is required")
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Machine{
		store:  store,
		memory: mem,
		trail:  trail,
		clock:  clock,
		gen:    ident.NewGenerator(clock),
		log:    logger.Get("intake"),
	}, nil
}

// Store exposes the underlying case store for read paths.
func (m *Machine) Store() CaseStore {
	return m.store
}

// CreateCase creates a case and its intake progress in one atomic write and
// returns the questionnaire's first question.
func (m *Machine) CreateCase(ctx context.Context, userID, title, description, category string) (*Case, *Question, error) {
	q, err := ForCategory(category)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(title) == "" {
		title = q.Title
	}

	now := m.clock.Now().UTC()
	c := &Case{
		CaseID:    m.gen.NewID("case"),
		UserID:    userID,
		Title:     title,
		Status:    CaseStatusDraft,
		CaseType:  q.Category,
		Data:      map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if description != "" {
		c.Data["description"] = description
	}
	p := newProgress(userID, c.CaseID, q, now)

	if err := m.store.CreateCaseWithProgress(ctx, c, p); err != nil {
		return nil, nil, err
	}
	m.rememberSlots(userID, c.CaseID, p)
	m.audit(userID, "case.created", map[string]string{"case_id": c.CaseID, "category": q.Category})
	return c, m.questionAt(q, p), nil
}

// Start begins or repairs intake for an existing case and returns the
// current question. When progress already exists it is verified, not reset.
func (m *Machine) Start(ctx context.Context, userID, caseID, category string) (*Question, error) {
	c, err := m.ensureCase(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	if category == "" {
		category = c.CaseType
	}
	q, err := ForCategory(category)
	if err != nil {
		return nil, err
	}

	p, err := m.store.GetProgress(ctx, userID, caseID)
	if errors.KindOf(err) == errors.KindNotFound {
		p = newProgress(userID, caseID, q, m.clock.Now().UTC())
		if err := m.store.SaveProgress(ctx, p); err != nil {
			return nil, err
		}
		m.audit(userID, "intake.started", map[string]string{"case_id": caseID, "category": q.Category})
	} else if err != nil {
		return nil, err
	}

	m.rememberSlots(userID, caseID, p)
	return m.questionAt(q, p), nil
}

// Answer records the response for the current step and advances. A required
// step rejects an empty answer and the machine stays put.
func (m *Machine) Answer(ctx context.Context, userID, caseID, text string) (*Question, error) {
	q, p, err := m.position(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	step, err := activeStep(q, p)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if step.Required && text == "" {
		return nil, errors.Newf(errors.KindInvalidState, "intake", "Answer",
			"question %q is required", step.ID)
	}

	if p.Responses == nil {
		p.Responses = make(map[string]string)
	}
	p.Responses[step.ID] = text
	blockID := p.CurrentBlock

	if m.memory != nil && text != "" {
		_, err := m.memory.Remember(ctx, userID, caseID, text,
			[]string{"intake", blockID, step.ID},
			map[string]any{"case_id": caseID, "question": step.Prompt})
		if err != nil {
			return nil, err
		}
	}

	m.advance(q, p)
	if err := m.saveProgress(ctx, p); err != nil {
		return nil, err
	}
	m.rememberSlots(userID, caseID, p)
	m.audit(userID, "intake.answered", map[string]string{
		"case_id": caseID, "block": blockID, "question_id": step.ID,
	})
	return m.questionAt(q, p), nil
}

// Skip advances past the current step. Only optional steps may be skipped.
func (m *Machine) Skip(ctx context.Context, userID, caseID string) (*Question, error) {
	q, p, err := m.position(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	step, err := activeStep(q, p)
	if err != nil {
		return nil, err
	}
	if step.Required {
		return nil, errors.Newf(errors.KindInvalidState, "intake", "Skip",
			"question %q is required and cannot be skipped", step.ID)
	}

	m.advance(q, p)
	if err := m.saveProgress(ctx, p); err != nil {
		return nil, err
	}
	m.rememberSlots(userID, caseID, p)
	return m.questionAt(q, p), nil
}

// Status reports the machine's position. The ensureCase guard runs first, so
// a deleted case is recovered (or surfaced) before anything is reported.
func (m *Machine) Status(ctx context.Context, userID, caseID string) (*StatusReport, error) {
	c, err := m.ensureCase(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	p, err := m.store.GetProgress(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	q, err := ForCategory(p.Category)
	if err != nil {
		return nil, err
	}

	done := q.stepsBefore(p.CurrentBlock) + p.CurrentStep
	if p.Status == ProgressCompleted {
		done = q.TotalSteps()
	}
	return &StatusReport{
		CaseID:          c.CaseID,
		Category:        p.Category,
		CurrentBlock:    p.CurrentBlock,
		CurrentStep:     p.CurrentStep,
		CompletedBlocks: p.CompletedBlocks,
		PercentComplete: 100 * float64(done) / float64(q.TotalSteps()),
		Status:          p.Status,
	}, nil
}

// Cancel suspends intake. Progress is kept; Resume picks it back up.
func (m *Machine) Cancel(ctx context.Context, userID, caseID string) error {
	_, p, err := m.position(ctx, userID, caseID)
	if errors.KindOf(err) == errors.KindInvalidState {
		// Already cancelled or completed; cancelling again is a no-op.
		return nil
	}
	if err != nil {
		return err
	}
	p.Status = ProgressCancelled
	if err := m.saveProgress(ctx, p); err != nil {
		return err
	}
	m.audit(userID, "intake.cancelled", map[string]string{"case_id": caseID})
	return nil
}

// Resume reactivates a cancelled intake and returns the current question.
func (m *Machine) Resume(ctx context.Context, userID, caseID string) (*Question, error) {
	if _, err := m.ensureCase(ctx, userID, caseID); err != nil {
		return nil, err
	}
	p, err := m.store.GetProgress(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	q, err := ForCategory(p.Category)
	if err != nil {
		return nil, err
	}

	if p.Status == ProgressCancelled {
		p.Status = ProgressActive
		if err := m.saveProgress(ctx, p); err != nil {
			return nil, err
		}
		m.audit(userID, "intake.resumed", map[string]string{"case_id": caseID})
	}
	m.rememberSlots(userID, caseID, p)
	return m.questionAt(q, p), nil
}

// ensureCase is the orphan guard: every operation verifies the case row
// before touching progress. A missing case with surviving progress is
// re-created from the progress metadata; if that recovery write fails the
// caller sees OrphanedIntake, never a silent pass.
func (m *Machine) ensureCase(ctx context.Context, userID, caseID string) (*Case, error) {
	c, err := m.store.GetCase(ctx, userID, caseID)
	if err == nil {
		return c, nil
	}
	if errors.KindOf(err) != errors.KindNotFound {
		return nil, err
	}

	p, perr := m.store.GetProgress(ctx, userID, caseID)
	if perr != nil {
		// No progress either; a plain unknown case.
		return nil, err
	}

	q, qerr := ForCategory(p.Category)
	if qerr != nil {
		return nil, errors.Wrap(errors.KindOrphanedIntake, "intake", "ensureCase",
			"progress references an unknown category", qerr)
	}
	now := m.clock.Now().UTC()
	recovered := &Case{
		CaseID:    caseID,
		UserID:    userID,
		Title:     q.Title,
		Status:    CaseStatusDraft,
		CaseType:  q.Category,
		Data:      map[string]any{"recovered": true},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if serr := m.store.SaveCase(ctx, recovered); serr != nil {
		return nil, errors.Wrap(errors.KindOrphanedIntake, "intake", "ensureCase",
			"progress for case "+caseID+" has no case row and recovery failed", serr)
	}

	m.log.Warn("recovered orphaned intake case", "user_id", userID, "case_id", caseID)
	m.audit(userID, "intake.case_recovered", map[string]string{
		"case_id": caseID, "category": p.Category,
	})
	return recovered, nil
}

// position loads the guard-checked active progress and its questionnaire.
func (m *Machine) position(ctx context.Context, userID, caseID string) (Questionnaire, *Progress, error) {
	if _, err := m.ensureCase(ctx, userID, caseID); err != nil {
		return Questionnaire{}, nil, err
	}
	p, err := m.store.GetProgress(ctx, userID, caseID)
	if err != nil {
		return Questionnaire{}, nil, err
	}
	q, err := ForCategory(p.Category)
	if err != nil {
		return Questionnaire{}, nil, err
	}
	switch p.Status {
	case ProgressCancelled:
		return Questionnaire{}, nil, errors.Newf(errors.KindInvalidState, "intake", "position",
			"intake for case %s is cancelled; resume it first", caseID)
	case ProgressCompleted:
		return Questionnaire{}, nil, errors.Newf(errors.KindInvalidState, "intake", "position",
			"intake for case %s is already complete", caseID)
	}
	return q, p, nil
}

func newProgress(userID, caseID string, q Questionnaire, now time.Time) *Progress {
	return &Progress{
		UserID:       userID,
		CaseID:       caseID,
		Category:     q.Category,
		CurrentBlock: q.Blocks[0].ID,
		CurrentStep:  0,
		Responses:    make(map[string]string),
		Status:       ProgressActive,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

func activeStep(q Questionnaire, p *Progress) (Step, error) {
	bi := q.blockIndex(p.CurrentBlock)
	if bi < 0 || p.CurrentStep >= len(q.Blocks[bi].Steps) {
		return Step{}, errors.Newf(errors.KindInternal, "intake", "activeStep",
			"progress points at %s/%d which does not exist", p.CurrentBlock, p.CurrentStep)
	}
	return q.Blocks[bi].Steps[p.CurrentStep], nil
}

// advance moves one step forward, rolling into the next block and marking
// completion at the end of the last one.
func (m *Machine) advance(q Questionnaire, p *Progress) {
	bi := q.blockIndex(p.CurrentBlock)
	p.CurrentStep++
	if p.CurrentStep < len(q.Blocks[bi].Steps) {
		return
	}
	p.CompletedBlocks = append(p.CompletedBlocks, p.CurrentBlock)
	if bi+1 < len(q.Blocks) {
		p.CurrentBlock = q.Blocks[bi+1].ID
		p.CurrentStep = 0
		return
	}
	p.CurrentStep = len(q.Blocks[bi].Steps)
	p.Status = ProgressCompleted
	now := m.clock.Now().UTC()
	p.CompletedAt = &now
}

// questionAt renders the current step, or nil when intake is complete.
func (m *Machine) questionAt(q Questionnaire, p *Progress) *Question {
	if p.Status == ProgressCompleted {
		return nil
	}
	step, err := activeStep(q, p)
	if err != nil {
		return nil
	}
	return &Question{
		BlockID:  p.CurrentBlock,
		StepID:   step.ID,
		Prompt:   step.Prompt,
		Hint:     step.Hint,
		Category: step.Category,
		Required: step.Required,
		Position: q.stepsBefore(p.CurrentBlock) + p.CurrentStep,
		Total:    q.TotalSteps(),
	}
}

func (m *Machine) saveProgress(ctx context.Context, p *Progress) error {
	p.UpdatedAt = m.clock.Now().UTC()
	return m.store.SaveProgress(ctx, p)
}

// rememberSlots mirrors the machine position into pinned working memory,
// keyed by user.
func (m *Machine) rememberSlots(userID, caseID string, p *Progress) {
	if m.memory == nil || m.memory.Working() == nil {
		return
	}
	w := m.memory.Working()
	w.Set(userID, "active_case_id", caseID)
	w.Set(userID, intakeStateSlot, map[string]any{
		"case_id":       caseID,
		"category":      p.Category,
		"current_block": p.CurrentBlock,
		"current_step":  p.CurrentStep,
		"status":        p.Status,
	})
}

func (m *Machine) audit(userID, action string, payload any) {
	if m.trail == nil {
		return
	}
	if _, err := m.trail.Append(audit.Entry{
		UserID:  userID,
		Source:  "intake",
		Action:  action,
		Payload: payload,
	}); err != nil {
		m.log.Warn("audit append failed", "action", action, "error", err)
	}
}
