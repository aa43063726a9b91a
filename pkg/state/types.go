// Package state implements the workflow-state store backing pause/resume and
// live preview. Two backends ship: an in-process map and a Redis-backed
// variant with TTL and optimistic concurrency.
package state

import (
	"context"
	"time"
)

// Status is the lifecycle phase of a workflow thread.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusGenerating Status = "generating"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// SectionStatus is the lifecycle phase of one document section.
type SectionStatus string

const (
	SectionPending    SectionStatus = "pending"
	SectionInProgress SectionStatus = "in_progress"
	SectionCompleted  SectionStatus = "completed"
	SectionError      SectionStatus = "error"
)

// Section is one unit of the generated document.
type Section struct {
	SectionID    string        `json:"section_id"`
	Order        int           `json:"order"`
	Name         string        `json:"name"`
	Status       SectionStatus `json:"status"`
	ContentHTML  string        `json:"content_html,omitempty"`
	TokensUsed   int           `json:"tokens_used,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Exhibit is a file attached to a workflow as supporting evidence.
type Exhibit struct {
	ExhibitID  string    `json:"exhibit_id"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
	StorageKey string    `json:"storage_key"`
}

// LogEntry is one line of the workflow's user-visible log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// State is the full persisted state of one workflow thread.
//
// CheckpointCursor is the monotonic commit sequence; every committed write
// increments it and the broadcast delta carries the new value.
type State struct {
	ThreadID         string         `json:"thread_id"`
	Status           Status         `json:"status"`
	CaseID           string         `json:"case_id,omitempty"`
	DocumentType     string         `json:"document_type,omitempty"`
	UserID           string         `json:"user_id"`
	Sections         []Section      `json:"sections,omitempty"`
	Exhibits         []Exhibit      `json:"exhibits,omitempty"`
	Logs             []LogEntry     `json:"logs,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CurrentNode      string         `json:"current_node,omitempty"`
	CheckpointCursor int64          `json:"checkpoint_cursor"`
}

// Section returns the section with the given id, or nil.
func (s *State) Section(sectionID string) *Section {
	for i := range s.Sections {
		if s.Sections[i].SectionID == sectionID {
			return &s.Sections[i]
		}
	}
	return nil
}

// Progress counts completed sections against the total.
func (s *State) Progress() (completed, total int) {
	for _, sec := range s.Sections {
		if sec.Status == SectionCompleted {
			completed++
		}
	}
	return completed, len(s.Sections)
}

// Clone deep-copies the state so readers never share mutable slices with the
// store.
func (s *State) Clone() *State {
	c := *s
	c.Sections = append([]Section(nil), s.Sections...)
	c.Exhibits = append([]Exhibit(nil), s.Exhibits...)
	c.Logs = append([]LogEntry(nil), s.Logs...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SectionPatch is a partial update of one section. Nil fields are left
// unchanged.
type SectionPatch struct {
	Status       *SectionStatus
	ContentHTML  *string
	TokensUsed   *int
	ErrorMessage *string
}

// Delta is one broadcast message describing a committed change. Type values
// mirror the live-preview wire protocol.
type Delta struct {
	Type       string    `json:"type"`
	Seq        int64     `json:"seq"`
	ThreadID   string    `json:"thread_id"`
	SectionID  string    `json:"section_id,omitempty"`
	Section    *Section  `json:"section,omitempty"`
	Log        *LogEntry `json:"log,omitempty"`
	Status     Status    `json:"status,omitempty"`
	State      *State    `json:"state,omitempty"`
	Completed  int       `json:"completed,omitempty"`
	Total      int       `json:"total,omitempty"`
	Percentage float64   `json:"percentage,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Delta type discriminators.
const (
	DeltaWorkflowUpdate = "workflow_update"
	DeltaSectionUpdate  = "section_update"
	DeltaLogEntry       = "log_entry"
	DeltaStatusChange   = "status_change"
	DeltaProgress       = "progress_update"
	DeltaError          = "error"
)

// DeltaSink receives committed deltas in commit order per thread. The
// live-preview broadcaster implements it.
type DeltaSink interface {
	Publish(threadID string, delta Delta)
}

// Store persists workflow state per thread id.
//
// Update applies a read-modify-write with optimistic concurrency; concurrent
// writers retry a bounded number of times before failing with
// ConcurrentUpdate. All committed writes emit a delta to the configured sink.
type Store interface {
	Save(ctx context.Context, st *State) error
	Load(ctx context.Context, threadID string) (*State, error)
	Update(ctx context.Context, threadID string, mutate func(*State) ([]Delta, error)) (*State, error)
	UpdateSection(ctx context.Context, threadID, sectionID string, patch SectionPatch) (*State, error)
	AddExhibit(ctx context.Context, threadID string, exhibit Exhibit) error
	AddLog(ctx context.Context, threadID string, entry LogEntry) error
	SetStatus(ctx context.Context, threadID string, status Status) error
	Delete(ctx context.Context, threadID string) error
	ListActive(ctx context.Context) ([]*State, error)
	Close() error
}
