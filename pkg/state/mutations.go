package state

import (
	"time"

	"github.com/petitionlabs/gavel/pkg/errors"
)

// validTransitions encodes the monotonic status lifecycle. The one backward
// edge is resume, paused back to generating.
var validTransitions = map[Status][]Status{
	StatusIdle:       {StatusGenerating, StatusError},
	StatusGenerating: {StatusPaused, StatusCompleted, StatusError},
	StatusPaused:     {StatusGenerating, StatusError},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func statusMutation(status Status, now time.Time) func(*State) ([]Delta, error) {
	return func(st *State) ([]Delta, error) {
		if st.Status == status {
			return nil, nil
		}
		if !transitionAllowed(st.Status, status) {
			return nil, errors.Newf(errors.KindInvalidState, "state", "SetStatus",
				"cannot transition %s from %s to %s", st.ThreadID, st.Status, status)
		}
		st.Status = status
		if status.Terminal() {
			t := now.UTC()
			st.CompletedAt = &t
		}
		return []Delta{{Type: DeltaStatusChange, Status: status}}, nil
	}
}

func sectionPatchMutation(sectionID string, patch SectionPatch, now time.Time) func(*State) ([]Delta, error) {
	return func(st *State) ([]Delta, error) {
		sec := st.Section(sectionID)
		if sec == nil {
			return nil, errors.Newf(errors.KindNotFound, "state", "UpdateSection",
				"thread %s has no section %s", st.ThreadID, sectionID)
		}
		if patch.Status != nil {
			sec.Status = *patch.Status
		}
		if patch.ContentHTML != nil {
			sec.ContentHTML = *patch.ContentHTML
		}
		if patch.TokensUsed != nil {
			sec.TokensUsed = *patch.TokensUsed
		}
		if patch.ErrorMessage != nil {
			sec.ErrorMessage = *patch.ErrorMessage
		}
		sec.UpdatedAt = now.UTC()

		secCopy := *sec
		deltas := []Delta{{Type: DeltaSectionUpdate, SectionID: sectionID, Section: &secCopy}}
		if patch.Status != nil && *patch.Status == SectionCompleted {
			completed, total := st.Progress()
			deltas = append(deltas, progressDelta(completed, total))
		}
		return deltas, nil
	}
}

func exhibitMutation(exhibit Exhibit) func(*State) ([]Delta, error) {
	return func(st *State) ([]Delta, error) {
		for _, e := range st.Exhibits {
			if e.ExhibitID == exhibit.ExhibitID {
				return nil, errors.Newf(errors.KindConflict, "state", "AddExhibit",
					"exhibit %s already attached to thread %s", exhibit.ExhibitID, st.ThreadID)
			}
		}
		st.Exhibits = append(st.Exhibits, exhibit)
		return []Delta{{Type: DeltaWorkflowUpdate}}, nil
	}
}

func logMutation(entry LogEntry) func(*State) ([]Delta, error) {
	return func(st *State) ([]Delta, error) {
		st.Logs = append(st.Logs, entry)
		entryCopy := entry
		return []Delta{{Type: DeltaLogEntry, Log: &entryCopy}}, nil
	}
}

func progressDelta(completed, total int) Delta {
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	return Delta{Type: DeltaProgress, Completed: completed, Total: total, Percentage: pct}
}

// stampDeltas fills the commit bookkeeping on every delta of one commit. All
// deltas of a commit share its sequence number.
func stampDeltas(deltas []Delta, threadID string, seq int64) {
	for i := range deltas {
		deltas[i].ThreadID = threadID
		deltas[i].Seq = seq
	}
}
