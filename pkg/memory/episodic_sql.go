package memory

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

const createEpisodicTableSQL = `
CREATE TABLE IF NOT EXISTS episodic_records (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    case_id VARCHAR(255),
    text TEXT NOT NULL,
    tags TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_episodic_user_time ON episodic_records(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_episodic_case ON episodic_records(case_id);
`

// SQLEpisodicStore persists episodic records in a relational table. Both
// sqlite3 (tests, single node) and postgres share the same schema; queries
// switch placeholder style by dialect.
type SQLEpisodicStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLEpisodicStore creates the store and its schema. dialect is "sqlite3"
// or "postgres".
func NewSQLEpisodicStore(db *sql.DB, dialect string) (*SQLEpisodicStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	if _, err := db.Exec(createEpisodicTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create episodic schema: %w", err)
	}
	return &SQLEpisodicStore{db: db, dialect: dialect}, nil
}

// OpenSQLEpisodicStore opens a connection from a URL of the form
// "sqlite3://path" or "postgres://...".
func OpenSQLEpisodicStore(url string) (*SQLEpisodicStore, error) {
	dialect, dsn, err := splitStoreURL(url)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open episodic store: %w", err)
	}
	return NewSQLEpisodicStore(db, dialect)
}

func splitStoreURL(url string) (dialect, dsn string, err error) {
	switch {
	case len(url) > 10 && url[:10] == "sqlite3://":
		return "sqlite3", url[10:], nil
	case len(url) > 11 && url[:11] == "postgres://":
		return "postgres", url, nil
	default:
		return "", "", fmt.Errorf("unsupported store url: %s", url)
	}
}

func (s *SQLEpisodicStore) Append(ctx context.Context, record Record) error {
	if record.Type != TypeEpisodic {
		return errors.Newf(errors.KindInvalidState, "memory", "Append",
			"episodic store rejects %s records", record.Type)
	}

	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO episodic_records (id, user_id, case_id, text, tags, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO episodic_records (id, user_id, case_id, text, tags, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	}

	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.UserID, record.CaseID, record.Text,
		string(tags), string(metadata), record.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "memory", "Append", "episodic insert failed", err)
	}
	return nil
}

func (s *SQLEpisodicStore) Query(ctx context.Context, q EpisodicQuery) ([]Record, error) {
	query := `SELECT id, user_id, case_id, text, tags, metadata, created_at
FROM episodic_records WHERE user_id = ?`
	args := []any{q.UserID}

	if s.dialect == "postgres" {
		query = `SELECT id, user_id, case_id, text, tags, metadata, created_at
FROM episodic_records WHERE user_id = $1`
	}

	next := 2
	if q.CaseID != "" {
		query += placeholderClause(s.dialect, " AND case_id = ", &next)
		args = append(args, q.CaseID)
	}
	if !q.Since.IsZero() {
		query += placeholderClause(s.dialect, " AND created_at >= ", &next)
		args = append(args, q.Since.UTC())
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if q.Limit > 0 {
		query += placeholderClause(s.dialect, " LIMIT ", &next)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "memory", "Query", "episodic query failed", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var caseID sql.NullString
		var tags, metadata sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.UserID, &caseID, &r.Text, &tags, &metadata, &createdAt); err != nil {
			return nil, errors.Wrap(errors.KindStoreUnavailable, "memory", "Query", "episodic scan failed", err)
		}
		r.Type = TypeEpisodic
		r.CaseID = caseID.String
		r.CreatedAt = createdAt.UTC()
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &r.Tags)
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLEpisodicStore) Close() error {
	return s.db.Close()
}

func placeholderClause(dialect, prefix string, next *int) string {
	if dialect == "postgres" {
		clause := fmt.Sprintf("%s$%d", prefix, *next)
		*next++
		return clause
	}
	return prefix + "?"
}
