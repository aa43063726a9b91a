package intake

import (
	"context"
	"sync"
	"time"

	"github.com/petitionlabs/gavel/pkg/errors"
)

// Case statuses.
const (
	CaseStatusDraft    = "draft"
	CaseStatusActive   = "active"
	CaseStatusArchived = "archived"
)

// Progress statuses.
const (
	ProgressActive    = "active"
	ProgressCancelled = "cancelled"
	ProgressCompleted = "completed"
)

// Case is the petition case record. Deletion is soft: DeletedAt marks the
// row, reads treat it as absent.
type Case struct {
	CaseID    string
	UserID    string
	Title     string
	Status    string
	CaseType  string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Progress is the questionnaire position for one (user, case) pair.
type Progress struct {
	UserID          string
	CaseID          string
	Category        string
	CurrentBlock    string
	CurrentStep     int
	CompletedBlocks []string
	Responses       map[string]string
	Status          string
	StartedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

func (p *Progress) clone() *Progress {
	out := *p
	out.CompletedBlocks = append([]string(nil), p.CompletedBlocks...)
	out.Responses = make(map[string]string, len(p.Responses))
	for k, v := range p.Responses {
		out.Responses[k] = v
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (c *Case) clone() *Case {
	out := *c
	out.Data = make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		out.Data[k] = v
	}
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// CaseStore persists cases and intake progress. Case-plus-progress creation
// is atomic; either both rows land or neither does.
type CaseStore interface {
	CreateCaseWithProgress(ctx context.Context, c *Case, p *Progress) error
	GetCase(ctx context.Context, userID, caseID string) (*Case, error)
	SaveCase(ctx context.Context, c *Case) error
	DeleteCase(ctx context.Context, userID, caseID string) error
	ActiveCase(ctx context.Context, userID string) (*Case, error)
	GetProgress(ctx context.Context, userID, caseID string) (*Progress, error)
	SaveProgress(ctx context.Context, p *Progress) error
	ListProgress(ctx context.Context, userID string) ([]*Progress, error)
	Close() error
}

// MemoryCaseStore is the in-process backend for tests and single-node runs.
type MemoryCaseStore struct {
	mu       sync.Mutex
	cases    map[string]*Case     // case id -> case
	progress map[string]*Progress // user id + "\x00" + case id -> progress
}

func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{
		cases:    make(map[string]*Case),
		progress: make(map[string]*Progress),
	}
}

func progressKey(userID, caseID string) string {
	return userID + "\x00" + caseID
}

func (s *MemoryCaseStore) CreateCaseWithProgress(ctx context.Context, c *Case, p *Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[c.CaseID]; exists {
		return errors.Newf(errors.KindConflict, "intake", "CreateCaseWithProgress",
			"case %s already exists", c.CaseID)
	}
	s.cases[c.CaseID] = c.clone()
	s.progress[progressKey(p.UserID, p.CaseID)] = p.clone()
	return nil
}

func (s *MemoryCaseStore) GetCase(ctx context.Context, userID, caseID string) (*Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[caseID]
	if !ok || c.UserID != userID || c.DeletedAt != nil {
		return nil, errors.Newf(errors.KindNotFound, "intake", "GetCase", "no case %s for user %s", caseID, userID)
	}
	return c.clone(), nil
}

func (s *MemoryCaseStore) SaveCase(ctx context.Context, c *Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.CaseID] = c.clone()
	return nil
}

func (s *MemoryCaseStore) DeleteCase(ctx context.Context, userID, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[caseID]
	if !ok || c.UserID != userID || c.DeletedAt != nil {
		return errors.Newf(errors.KindNotFound, "intake", "DeleteCase", "no case %s for user %s", caseID, userID)
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	return nil
}

func (s *MemoryCaseStore) ActiveCase(ctx context.Context, userID string) (*Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Case
	for _, c := range s.cases {
		if c.UserID != userID || c.DeletedAt != nil {
			continue
		}
		if latest == nil || c.UpdatedAt.After(latest.UpdatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, errors.Newf(errors.KindNotFound, "intake", "ActiveCase", "user %s has no active case", userID)
	}
	return latest.clone(), nil
}

func (s *MemoryCaseStore) GetProgress(ctx context.Context, userID, caseID string) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[progressKey(userID, caseID)]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "intake", "GetProgress",
			"no intake progress for user %s case %s", userID, caseID)
	}
	return p.clone(), nil
}

func (s *MemoryCaseStore) SaveProgress(ctx context.Context, p *Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[progressKey(p.UserID, p.CaseID)] = p.clone()
	return nil
}

func (s *MemoryCaseStore) ListProgress(ctx context.Context, userID string) ([]*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Progress
	for _, p := range s.progress {
		if userID == "" || p.UserID == userID {
			out = append(out, p.clone())
		}
	}
	return out, nil
}

func (s *MemoryCaseStore) Close() error {
	return nil
}
