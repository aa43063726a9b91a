package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/petitionlabs/gavel/pkg/audit"
	"github.com/petitionlabs/gavel/pkg/embedder"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
	"github.com/petitionlabs/gavel/pkg/logger"
)

// Event is the caller-facing input to LogEvent and Reflect.
//
// Facts, when set, are the pre-extracted candidate facts; otherwise Reflect
// splits Text into sentences.
type Event struct {
	UserID   string
	CaseID   string
	Source   string
	Action   string
	Text     string
	Facts    []string
	Tags     []string
	Metadata map[string]any
}

// ReflectionToken resolves when the reflection spawned by a LogEvent call has
// finished. Callers that need an event's facts visible to Retrieve must Wait
// on it; LogEvent itself does not promise read-your-write across tiers.
type ReflectionToken struct {
	done chan struct{}
	err  error
}

// Wait blocks until reflection completes or ctx is cancelled.
func (t *ReflectionToken) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return errors.Wrap(errors.KindCancelled, "memory", "Wait", "reflection wait cancelled", ctx.Err())
	}
}

// Manager is the facade over the three memory tiers. It owns its stores
// exclusively; nothing else writes to them.
type Manager struct {
	episodic EpisodicStore
	semantic *SemanticStore
	working  *WorkingMemory
	embedder embedder.Embedder
	trail    *audit.Trail
	gen      *ident.Generator
	clock    ident.Clock
	log      *slog.Logger

	// Writers are serialized per user; readers run concurrently.
	userMu sync.Map // user id -> *sync.Mutex
}

// ManagerOptions collects the Manager's collaborators.
type ManagerOptions struct {
	Episodic EpisodicStore
	Semantic *SemanticStore
	Working  *WorkingMemory
	Embedder embedder.Embedder
	Trail    *audit.Trail
	Clock    ident.Clock
}

// NewManager wires the facade. Episodic, Semantic, and Embedder are required;
// Working and Trail are optional collaborators.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Episodic == nil || opts.Semantic == nil || opts.Embedder == nil {
		return nil, errors.New(errors.KindInvalidState, "memory", "NewManager",
			"episodic store, semantic store, and embedder are required")
	}
	if opts.Embedder.Dimension() != opts.Semantic.Dimension() {
		return nil, errors.Newf(errors.KindDimensionMismatch, "memory", "NewManager",
			"embedder produces dimension %d, semantic index is %d",
			opts.Embedder.Dimension(), opts.Semantic.Dimension())
	}
	clock := opts.Clock
	if clock == nil {
		clock = ident.SystemClock{}
	}

	m := &Manager{
		episodic: opts.Episodic,
		semantic: opts.Semantic,
		working:  opts.Working,
		embedder: opts.Embedder,
		trail:    opts.Trail,
		gen:      ident.NewGenerator(clock),
		clock:    clock,
		log:      logger.Get("memory"),
	}
	m.log.Info("memory manager initialized",
		"embedding_model", opts.Embedder.Model(),
		"embedding_dimension", opts.Embedder.Dimension())
	return m, nil
}

// Working exposes the per-thread slot buffer.
func (m *Manager) Working() *WorkingMemory {
	return m.working
}

// LogEvent appends the event to the episodic log, emits an audit entry, and
// kicks off reflection in the background. The returned token resolves when
// the event's facts are searchable.
func (m *Manager) LogEvent(ctx context.Context, event Event) (Record, *ReflectionToken, error) {
	if event.UserID == "" {
		return Record{}, nil, errors.New(errors.KindInvalidState, "memory", "LogEvent", "event requires a user id")
	}

	mu := m.lockUser(event.UserID)
	defer mu.Unlock()

	record := Record{
		ID:        m.gen.NewID("mem"),
		UserID:    event.UserID,
		CaseID:    event.CaseID,
		Type:      TypeEpisodic,
		Text:      event.Text,
		Tags:      event.Tags,
		Metadata:  event.Metadata,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.episodic.Append(ctx, record); err != nil {
		return Record{}, nil, err
	}

	m.auditAppend(event.UserID, "memory.log_event", map[string]string{
		"record_id": record.ID,
		"source":    event.Source,
		"action":    event.Action,
	})

	token := &ReflectionToken{done: make(chan struct{})}
	go func() {
		// Reflection outlives the caller's request context.
		_, err := m.Reflect(context.WithoutCancel(ctx), event)
		token.err = err
		close(token.done)
	}()
	return record, token, nil
}

// Reflect extracts candidate facts from the event, embeds them, and inserts
// them into the semantic store as one atomic batch. Empty facts are skipped
// and exact duplicates within the call collapse to one record; near-duplicates
// across calls are left to the cosine index at query time.
func (m *Manager) Reflect(ctx context.Context, event Event) ([]Record, error) {
	facts := event.Facts
	if len(facts) == 0 {
		facts = extractFacts(event.Text)
	}

	seen := make(map[string]bool, len(facts))
	unique := make([]string, 0, len(facts))
	for _, f := range facts {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		unique = append(unique, f)
	}
	if len(unique) == 0 {
		return nil, nil
	}

	vectors, err := m.embedder.Embed(ctx, unique)
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(unique))
	for i, fact := range unique {
		records[i] = Record{
			ID:             m.gen.NewID("mem"),
			UserID:         event.UserID,
			CaseID:         event.CaseID,
			Type:           TypeSemantic,
			Text:           fact,
			Tags:           event.Tags,
			Metadata:       event.Metadata,
			Embedding:      vectors[i],
			EmbeddingModel: m.embedder.Model(),
			CreatedAt:      m.clock.Now().UTC(),
		}
	}
	if err := m.semantic.Insert(ctx, records); err != nil {
		return nil, err
	}
	m.log.Debug("reflected event into semantic store",
		"user_id", event.UserID, "facts", len(records))
	return records, nil
}

// Retrieve embeds the query and searches the semantic store. The filter's
// UserID is mandatory so callers can never read across users.
func (m *Manager) Retrieve(ctx context.Context, query string, filter Filter, topK int) ([]ScoredRecord, error) {
	if filter.UserID == "" {
		return nil, errors.New(errors.KindForbidden, "memory", "Retrieve", "retrieval requires a user scope")
	}
	vec, err := embedder.EmbedOne(ctx, m.embedder, query)
	if err != nil {
		return nil, err
	}
	return m.semantic.Search(ctx, vec, topK, filter)
}

// Remember inserts a single explicit fact, embedding it first. Used for
// direct writes such as intake answers.
func (m *Manager) Remember(ctx context.Context, userID, caseID, text string, tags []string, metadata map[string]any) (Record, error) {
	if userID == "" {
		return Record{}, errors.New(errors.KindInvalidState, "memory", "Remember", "a user id is required")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Record{}, errors.New(errors.KindInvalidState, "memory", "Remember", "cannot remember empty text")
	}

	vec, err := embedder.EmbedOne(ctx, m.embedder, text)
	if err != nil {
		return Record{}, err
	}
	record := Record{
		ID:             m.gen.NewID("mem"),
		UserID:         userID,
		CaseID:         caseID,
		Type:           TypeSemantic,
		Text:           text,
		Tags:           tags,
		Metadata:       metadata,
		Embedding:      vec,
		EmbeddingModel: m.embedder.Model(),
		CreatedAt:      m.clock.Now().UTC(),
	}
	return record, m.Write(ctx, record)
}

// Write inserts a fully-formed semantic record.
func (m *Manager) Write(ctx context.Context, record Record) error {
	mu := m.lockUser(record.UserID)
	defer mu.Unlock()
	return m.semantic.Insert(ctx, []Record{record})
}

// QueryEpisodic reads back raw events.
func (m *Manager) QueryEpisodic(ctx context.Context, q EpisodicQuery) ([]Record, error) {
	return m.episodic.Query(ctx, q)
}

// AuditLog appends an event to the audit trail on the caller's behalf.
func (m *Manager) AuditLog(userID, action string, payload any) error {
	if m.trail == nil {
		return nil
	}
	_, err := m.trail.Append(audit.Entry{
		UserID:  userID,
		Source:  "memory",
		Action:  action,
		Payload: payload,
	})
	return err
}

// Close releases the stores.
func (m *Manager) Close() error {
	return m.episodic.Close()
}

func (m *Manager) lockUser(userID string) *sync.Mutex {
	v, _ := m.userMu.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu
}

func (m *Manager) auditAppend(userID, action string, payload any) {
	if m.trail == nil {
		return
	}
	if _, err := m.trail.Append(audit.Entry{UserID: userID, Source: "memory", Action: action, Payload: payload}); err != nil {
		m.log.Warn("audit append failed", "action", action, "error", err)
	}
}

// extractFacts splits free text into sentence-level candidates.
func extractFacts(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '\n' || r == '!' || r == '?'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
