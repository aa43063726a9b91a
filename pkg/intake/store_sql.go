package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/petitionlabs/gavel/pkg/errors"
)

const createCaseSchemaSQL = `
CREATE TABLE IF NOT EXISTS cases (
    case_id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    title TEXT NOT NULL,
    status VARCHAR(32) NOT NULL,
    case_type VARCHAR(32) NOT NULL,
    data TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_cases_user ON cases(user_id, updated_at);

CREATE TABLE IF NOT EXISTS intake_progress (
    user_id VARCHAR(255) NOT NULL,
    case_id VARCHAR(255) NOT NULL,
    category VARCHAR(32) NOT NULL,
    current_block VARCHAR(64) NOT NULL,
    current_step INTEGER NOT NULL,
    completed_blocks TEXT,
    responses TEXT,
    status VARCHAR(32) NOT NULL,
    started_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    PRIMARY KEY (user_id, case_id)
);
`

// SQLCaseStore persists cases and intake progress relationally. sqlite3 and
// postgres share the schema; queries switch placeholder style by dialect.
type SQLCaseStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLCaseStore creates the store and its schema. dialect is "sqlite3" or
// "postgres".
func NewSQLCaseStore(db *sql.DB, dialect string) (*SQLCaseStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	if _, err := db.Exec(createCaseSchemaSQL); err != nil {
		return nil, fmt.Errorf("failed to create case schema: %w", err)
	}
	return &SQLCaseStore{db: db, dialect: dialect}, nil
}

func (s *SQLCaseStore) ph(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *SQLCaseStore) CreateCaseWithProgress(ctx context.Context, c *Case, p *Progress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "intake", "CreateCaseWithProgress", "begin failed", err)
	}
	defer tx.Rollback() //nolint:errcheck

	data, err := json.Marshal(c.Data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.ph(`INSERT INTO cases
(case_id, user_id, title, status, case_type, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.CaseID, c.UserID, c.Title, c.Status, c.CaseType, string(data),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrap(errors.KindConflict, "intake", "CreateCaseWithProgress", "case insert failed", err)
	}

	if err := insertProgress(ctx, tx, s, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "intake", "CreateCaseWithProgress", "commit failed", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertProgress(ctx context.Context, ex execer, s *SQLCaseStore, p *Progress) error {
	blocks, err := json.Marshal(p.CompletedBlocks)
	if err != nil {
		return err
	}
	responses, err := json.Marshal(p.Responses)
	if err != nil {
		return err
	}
	var completedAt any
	if p.CompletedAt != nil {
		completedAt = p.CompletedAt.UTC()
	}
	_, err = ex.ExecContext(ctx, s.ph(`INSERT INTO intake_progress
(user_id, case_id, category, current_block, current_step, completed_blocks, responses, status, started_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, case_id) DO UPDATE SET
category = excluded.category,
current_block = excluded.current_block,
current_step = excluded.current_step,
completed_blocks = excluded.completed_blocks,
responses = excluded.responses,
status = excluded.status,
updated_at = excluded.updated_at,
completed_at = excluded.completed_at`),
		p.UserID, p.CaseID, p.Category, p.CurrentBlock, p.CurrentStep,
		string(blocks), string(responses), p.Status,
		p.StartedAt.UTC(), p.UpdatedAt.UTC(), completedAt)
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "intake", "SaveProgress", "progress upsert failed", err)
	}
	return nil
}

func (s *SQLCaseStore) GetCase(ctx context.Context, userID, caseID string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, s.ph(`SELECT case_id, user_id, title, status, case_type, data, created_at, updated_at
FROM cases WHERE case_id = ? AND user_id = ? AND deleted_at IS NULL`), caseID, userID)
	return scanCase(row, userID, caseID)
}

func scanCase(row *sql.Row, userID, caseID string) (*Case, error) {
	var c Case
	var data sql.NullString
	var createdAt, updatedAt time.Time
	err := row.Scan(&c.CaseID, &c.UserID, &c.Title, &c.Status, &c.CaseType, &data, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.KindNotFound, "intake", "GetCase", "no case %s for user %s", caseID, userID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "intake", "GetCase", "case read failed", err)
	}
	c.CreatedAt = createdAt.UTC()
	c.UpdatedAt = updatedAt.UTC()
	if data.Valid && data.String != "" {
		_ = json.Unmarshal([]byte(data.String), &c.Data)
	}
	return &c, nil
}

func (s *SQLCaseStore) SaveCase(ctx context.Context, c *Case) error {
	data, err := json.Marshal(c.Data)
	if err != nil {
		return err
	}
	var deletedAt any
	if c.DeletedAt != nil {
		deletedAt = c.DeletedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, s.ph(`INSERT INTO cases
(case_id, user_id, title, status, case_type, data, created_at, updated_at, deleted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (case_id) DO UPDATE SET
title = excluded.title,
status = excluded.status,
case_type = excluded.case_type,
data = excluded.data,
updated_at = excluded.updated_at,
deleted_at = excluded.deleted_at`),
		c.CaseID, c.UserID, c.Title, c.Status, c.CaseType, string(data),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(), deletedAt)
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "intake", "SaveCase", "case upsert failed", err)
	}
	return nil
}

func (s *SQLCaseStore) DeleteCase(ctx context.Context, userID, caseID string) error {
	res, err := s.db.ExecContext(ctx, s.ph(`UPDATE cases SET deleted_at = ?
WHERE case_id = ? AND user_id = ? AND deleted_at IS NULL`),
		time.Now().UTC(), caseID, userID)
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "intake", "DeleteCase", "case delete failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "intake", "DeleteCase", "no case %s for user %s", caseID, userID)
	}
	return nil
}

func (s *SQLCaseStore) ActiveCase(ctx context.Context, userID string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, s.ph(`SELECT case_id, user_id, title, status, case_type, data, created_at, updated_at
FROM cases WHERE user_id = ? AND deleted_at IS NULL ORDER BY updated_at DESC LIMIT 1`), userID)
	c, err := scanCase(row, userID, "")
	if err != nil && errors.KindOf(err) == errors.KindNotFound {
		return nil, errors.Newf(errors.KindNotFound, "intake", "ActiveCase", "user %s has no active case", userID)
	}
	return c, err
}

func (s *SQLCaseStore) GetProgress(ctx context.Context, userID, caseID string) (*Progress, error) {
	row := s.db.QueryRowContext(ctx, s.ph(`SELECT user_id, case_id, category, current_block, current_step, completed_blocks, responses, status, started_at, updated_at, completed_at
FROM intake_progress WHERE user_id = ? AND case_id = ?`), userID, caseID)

	p, err := scanProgress(row.Scan)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.KindNotFound, "intake", "GetProgress",
			"no intake progress for user %s case %s", userID, caseID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "intake", "GetProgress", "progress read failed", err)
	}
	return p, nil
}

func scanProgress(scan func(dest ...any) error) (*Progress, error) {
	var p Progress
	var blocks, responses sql.NullString
	var startedAt, updatedAt time.Time
	var completedAt sql.NullTime
	err := scan(&p.UserID, &p.CaseID, &p.Category, &p.CurrentBlock, &p.CurrentStep,
		&blocks, &responses, &p.Status, &startedAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	p.StartedAt = startedAt.UTC()
	p.UpdatedAt = updatedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		p.CompletedAt = &t
	}
	if blocks.Valid && blocks.String != "" {
		_ = json.Unmarshal([]byte(blocks.String), &p.CompletedBlocks)
	}
	p.Responses = make(map[string]string)
	if responses.Valid && responses.String != "" {
		_ = json.Unmarshal([]byte(responses.String), &p.Responses)
	}
	return &p, nil
}

func (s *SQLCaseStore) SaveProgress(ctx context.Context, p *Progress) error {
	return insertProgress(ctx, s.db, s, p)
}

func (s *SQLCaseStore) ListProgress(ctx context.Context, userID string) ([]*Progress, error) {
	query := `SELECT user_id, case_id, category, current_block, current_step, completed_blocks, responses, status, started_at, updated_at, completed_at
FROM intake_progress`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}

	rows, err := s.db.QueryContext(ctx, s.ph(query), args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "intake", "ListProgress", "progress query failed", err)
	}
	defer rows.Close()

	var out []*Progress
	for rows.Next() {
		p, err := scanProgress(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(errors.KindStoreUnavailable, "intake", "ListProgress", "progress scan failed", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLCaseStore) Close() error {
	return s.db.Close()
}
