package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id            TEXT NOT NULL UNIQUE,
	ts                TEXT NOT NULL,
	stage             TEXT NOT NULL,
	repo              TEXT,
	issue_number      INTEGER,
	requester_user_id TEXT,
	requester_role    TEXT,
	approval_status   TEXT NOT NULL,
	execution_result  TEXT NOT NULL,
	latency_ms        INTEGER NOT NULL,
	record_json       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_log_issue ON audit_log (repo, issue_number);
`

// #endregion schema

// #region store
// Store mirrors audit records into SQLite for querying.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts one record.
func (s *Store) Append(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (run_id, ts, stage, repo, issue_number, requester_user_id, requester_role,
		                        approval_status, execution_result, latency_ms, record_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Timestamp, rec.Stage,
		nullIfEmpty(rec.Repo), rec.IssueNumber,
		nullIfEmpty(rec.RequesterUserID), nullIfEmpty(rec.RequesterRole),
		rec.ApprovalStatus, rec.ExecutionResult, rec.LatencyMS, string(body),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Filter narrows List.
type Filter struct {
	Repo   string
	Issue  int
	Result string
	Limit  int
}

// List returns the newest records first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []any
	if f.Repo != "" {
		where = append(where, "repo = ?")
		args = append(args, f.Repo)
	}
	if f.Issue > 0 {
		where = append(where, "issue_number = ?")
		args = append(args, f.Issue)
	}
	if f.Result != "" {
		where = append(where, "execution_result = ?")
		args = append(args, f.Result)
	}
	q := "SELECT record_json FROM audit_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode audit row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion store

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("audit record not found")

// Get returns the record with the given run id.
func (s *Store) Get(ctx context.Context, runID string) (Record, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT record_json FROM audit_log WHERE run_id = ?", runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("query audit record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return Record{}, fmt.Errorf("decode audit row: %w", err)
	}
	return rec, nil
}
