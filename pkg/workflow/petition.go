package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/model"
	"github.com/petitionlabs/gavel/pkg/state"
)

// PetitionGraphName keys the document-generation graph in the engine.
const PetitionGraphName = "petition"

// Node ids of the petition graph.
const (
	nodeIntakeCheck  = "intake_check"
	nodePlanSections = "plan_sections"
	nodeDraftSection = "draft_section"
	nodeValidate     = "validate_sections"
	nodeReviewGate   = "review_gate"
	nodeFinalize     = "finalize"
)

// defaultSectionPlans maps a document type to its section plan.
var defaultSectionPlans = map[string][]string{
	"petition": {
		"Introduction",
		"Extraordinary Ability Evidence",
		"Sustained Acclaim",
		"Conclusion",
	},
	"letter": {
		"Opening",
		"Body",
		"Closing",
	},
}

// NewPetitionGraph builds the document-generation workflow: verify intake,
// plan sections, draft each section in order, validate the draft with
// concurrent checks, optionally hold for human review, then finalize.
func NewPetitionGraph() (*Graph, error) {
	g := NewGraph(PetitionGraphName)

	g.AddNode(nodeIntakeCheck, intakeCheck, WithNext(nodePlanSections))
	g.AddNode(nodePlanSections, planSections, WithNext(nodeDraftSection))
	g.AddNode(nodeDraftSection, draftNextSection, WithRouter(func(st *state.State) string {
		for _, sec := range st.Sections {
			if sec.Status == state.SectionPending || sec.Status == state.SectionInProgress {
				return nodeDraftSection
			}
		}
		return nodeValidate
	}))
	g.AddFanOut(nodeValidate, FanOut{
		Branches: []Branch{
			{ID: "completeness", Run: checkCompleteness},
			{ID: "consistency", Run: checkConsistency},
			{ID: "citations", Run: checkCitations},
		},
		Reduce: reduceValidation,
	}, WithRouter(func(st *state.State) string {
		if requireApproval(st) {
			return nodeReviewGate
		}
		return nodeFinalize
	}))
	g.AddNode(nodeReviewGate, reviewGate, WithNext(nodeFinalize))
	g.AddNode(nodeFinalize, finalize,
		WithCompensation(cleanupDraft))
	g.SetStart(nodeIntakeCheck)

	if err := g.Compile(); err != nil {
		return nil, err
	}
	return g, nil
}

func requireApproval(st *state.State) bool {
	v, _ := st.Metadata["require_approval"].(bool)
	return v
}

func intakeCheck(ctx context.Context, nc *NodeContext) error {
	st, err := nc.State(ctx)
	if err != nil {
		return err
	}
	if st.CaseID == "" {
		return errors.New(errors.KindInvalidState, "workflow", "intake_check", "workflow has no case attached")
	}
	return nc.AddLog(ctx, "info", "intake verified for case "+st.CaseID)
}

func planSections(ctx context.Context, nc *NodeContext) error {
	st, err := nc.State(ctx)
	if err != nil {
		return err
	}
	if len(st.Sections) > 0 {
		// A re-executed or resumed plan keeps the committed layout.
		return nil
	}

	names, ok := defaultSectionPlans[st.DocumentType]
	if !ok {
		names = defaultSectionPlans["petition"]
	}
	sections := make([]state.Section, len(names))
	for i, name := range names {
		sections[i] = state.Section{
			SectionID: fmt.Sprintf("sec_%d", i+1),
			Order:     i + 1,
			Name:      name,
			Status:    state.SectionPending,
			UpdatedAt: st.UpdatedAt,
		}
	}
	if err := nc.SetSections(ctx, sections); err != nil {
		return err
	}
	return nc.AddLog(ctx, "info", fmt.Sprintf("planned %d sections", len(sections)))
}

// draftNextSection drafts the first unfinished section. Its router loops
// back here until every section is terminal, so sections complete strictly
// in order.
func draftNextSection(ctx context.Context, nc *NodeContext) error {
	st, err := nc.State(ctx)
	if err != nil {
		return err
	}

	var target *state.Section
	for i := range st.Sections {
		if st.Sections[i].Status == state.SectionPending || st.Sections[i].Status == state.SectionInProgress {
			target = &st.Sections[i]
			break
		}
	}
	if target == nil {
		return nil
	}

	inProgress := state.SectionInProgress
	if _, err := nc.UpdateSection(ctx, target.SectionID, state.SectionPatch{Status: &inProgress}); err != nil {
		return err
	}

	prompt := fmt.Sprintf("Draft the %q section of an EB-1A %s for case %s.",
		target.Name, st.DocumentType, st.CaseID)
	resp, err := nc.Generate(ctx, model.Request{
		Prompt:      prompt,
		Temperature: 0.0,
		MaxTokens:   2048,
		Essential:   true,
	})
	if err != nil {
		failed := state.SectionError
		msg := errors.UserMessage(err)
		_, _ = nc.UpdateSection(ctx, target.SectionID, state.SectionPatch{Status: &failed, ErrorMessage: &msg})
		return err
	}

	done := state.SectionCompleted
	html := "<section><h2>" + target.Name + "</h2>" + resp.Text + "</section>"
	_, err = nc.UpdateSection(ctx, target.SectionID, state.SectionPatch{
		Status:      &done,
		ContentHTML: &html,
		TokensUsed:  &resp.TokensUsed,
	})
	return err
}

func checkCompleteness(ctx context.Context, nc *NodeContext) (any, error) {
	st, err := nc.State(ctx)
	if err != nil {
		return nil, err
	}
	for _, sec := range st.Sections {
		if sec.Status != state.SectionCompleted {
			return nil, errors.Newf(errors.KindInvalidState, "workflow", "validate",
				"section %s is %s", sec.SectionID, sec.Status)
		}
		if strings.TrimSpace(sec.ContentHTML) == "" {
			return nil, errors.Newf(errors.KindInvalidState, "workflow", "validate",
				"section %s is empty", sec.SectionID)
		}
	}
	return "complete", nil
}

func checkConsistency(ctx context.Context, nc *NodeContext) (any, error) {
	st, err := nc.State(ctx)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(st.Sections); i++ {
		if st.Sections[i].Order <= st.Sections[i-1].Order {
			return nil, errors.New(errors.KindInvalidState, "workflow", "validate", "section order is not strictly increasing")
		}
	}
	return "consistent", nil
}

func checkCitations(ctx context.Context, nc *NodeContext) (any, error) {
	st, err := nc.State(ctx)
	if err != nil {
		return nil, err
	}
	// Exhibits referenced by sections must exist on the thread.
	count := 0
	for _, sec := range st.Sections {
		count += strings.Count(sec.ContentHTML, "exhibit:")
	}
	if count > len(st.Exhibits) {
		return nil, errors.Newf(errors.KindInvalidState, "workflow", "validate",
			"%d exhibit references but %d exhibits attached", count, len(st.Exhibits))
	}
	return fmt.Sprintf("%d citations", count), nil
}

func reduceValidation(ctx context.Context, nc *NodeContext, results []BranchResult) error {
	summary := make(map[string]any, len(results))
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			summary[r.ID] = "failed: " + errors.UserMessage(r.Err)
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		summary[r.ID] = r.Value
	}
	if err := nc.SetMetadata(ctx, "validation", summary); err != nil {
		return err
	}
	return firstErr
}

func reviewGate(ctx context.Context, nc *NodeContext) error {
	choice, err := nc.AwaitHumanGate(ctx, "Approve the drafted document?", []string{"approve", GateChoiceReject})
	if err != nil {
		return err
	}
	if choice != "approve" {
		return errors.New(errors.KindInvalidState, "workflow", "review_gate", "document rejected by reviewer")
	}
	return nil
}

func finalize(ctx context.Context, nc *NodeContext) error {
	st, err := nc.State(ctx)
	if err != nil {
		return err
	}
	var doc strings.Builder
	for _, sec := range st.Sections {
		doc.WriteString(sec.ContentHTML)
	}
	if err := nc.SetMetadata(ctx, "document_html", doc.String()); err != nil {
		return err
	}
	return nc.AddLog(ctx, "info", "document assembled")
}

func cleanupDraft(ctx context.Context, nc *NodeContext) error {
	return nc.SetMetadata(ctx, "document_html", "")
}
