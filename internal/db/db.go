// Package db is the embedded relational store backing the engine: runs,
// processed comments, executor sessions, and a read-through cache of
// watched project statuses.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kiln-daemon/kiln/internal/ticket"
)

// DB wraps the embedded sqlite connection.
type DB struct {
	conn *sql.DB
}

// Outcome is a Run's terminal (or in-flight) status.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Run is one invocation of the executor under a workflow, appended-only:
// a Run is written once with OutcomeRunning and updated exactly once with
// its terminal outcome.
type Run struct {
	ID           string
	IssueRef     ticket.IssueRef
	WorkflowName string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Outcome      Outcome
	LogPath      string
	SessionID    string
}

// ProcessedComment is the opaque dedup key recording that a comment has
// been acted on — written only on terminal outcome (success or failure) of
// the ProcessComments workflow that handled it.
type ProcessedComment struct {
	IssueRef  ticket.IssueRef
	CommentID int64
	Outcome   Outcome
	CreatedAt time.Time
}

// Session is the most recent executor session id for one (issue, stage)
// pair, used to pass a --resume equivalent into the next invocation of that
// stage.
type Session struct {
	IssueRef  ticket.IssueRef
	Stage     string
	SessionID string
	UpdatedAt time.Time
}

// ProjectCache is a read-through cache of which statuses a watched project
// triggers workflows for. Refreshed from config on daemon start; never a
// source of truth over the ticket system.
type ProjectCache struct {
	ProjectURL      string
	WatchedStatuses []string
	LastSyncedAt    time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	workflow_name TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	outcome TEXT NOT NULL DEFAULT 'running',
	log_path TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_issue ON runs(host, owner, repo, issue_number);

CREATE TABLE IF NOT EXISTS processed_comments (
	host TEXT NOT NULL,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	comment_id INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (host, owner, repo, issue_number, comment_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	host TEXT NOT NULL,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	stage TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (host, owner, repo, issue_number, stage)
);

CREATE TABLE IF NOT EXISTS projects (
	project_url TEXT PRIMARY KEY,
	watched_statuses TEXT NOT NULL DEFAULT '',
	last_synced_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// DefaultPath returns the conventional embedded-store location under the
// daemon's home directory, per spec.md's persistent state layout.
func DefaultPath(homeDir string) string {
	return filepath.Join(homeDir, ".kiln", "db.sqlite")
}

// Open creates (or reuses) the sqlite file at path, applying the schema.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer-task policy (spec.md §5)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Tx runs fn within a database transaction, rolling back on error.
func (db *DB) Tx(fn func(tx *sql.Tx) error) error {
	sqlTx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(sqlTx); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// StartRun inserts a new Run in OutcomeRunning, returning its generated id.
func (db *DB) StartRun(ref ticket.IssueRef, workflowName, logPath string) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.Exec(
		`INSERT INTO runs (id, host, owner, repo, issue_number, workflow_name, started_at, outcome, log_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ref.Host, ref.Owner, ref.Repo, ref.Number, workflowName, time.Now().UTC().Format(time.RFC3339), OutcomeRunning, logPath,
	)
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	return id, nil
}

// SettleRun records a Run's terminal outcome and, when the executor
// reported one, its session id.
func (db *DB) SettleRun(runID string, outcome Outcome, sessionID string) error {
	_, err := db.conn.Exec(
		`UPDATE runs SET outcome = ?, finished_at = ?, session_id = ? WHERE id = ?`,
		outcome, time.Now().UTC().Format(time.RFC3339), sessionID, runID,
	)
	if err != nil {
		return fmt.Errorf("settling run %s: %w", runID, err)
	}
	return nil
}

// RunningRuns returns every Run still in OutcomeRunning — the crash-recovery
// entry point the engine calls once on startup.
func (db *DB) RunningRuns() ([]Run, error) {
	rows, err := db.conn.Query(
		`SELECT id, host, owner, repo, issue_number, workflow_name, started_at, finished_at, outcome, log_path, session_id
		 FROM runs WHERE outcome = ?`, OutcomeRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("querying running runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RunsForIssue returns every Run recorded for ref, most recent first.
func (db *DB) RunsForIssue(ref ticket.IssueRef) ([]Run, error) {
	rows, err := db.conn.Query(
		`SELECT id, host, owner, repo, issue_number, workflow_name, started_at, finished_at, outcome, log_path, session_id
		 FROM runs WHERE host = ? AND owner = ? AND repo = ? AND issue_number = ?
		 ORDER BY started_at DESC`,
		ref.Host, ref.Owner, ref.Repo, ref.Number,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs for %s: %w", ref, err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var r Run
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.IssueRef.Host, &r.IssueRef.Owner, &r.IssueRef.Repo, &r.IssueRef.Number,
			&r.WorkflowName, &startedAt, &finishedAt, &r.Outcome, &r.LogPath, &r.SessionID); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if finishedAt.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAt.String)
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IsCommentProcessed reports whether commentID has already been acted on
// for ref — the invariant that a comment is processed at most once, ever.
func (db *DB) IsCommentProcessed(ref ticket.IssueRef, commentID int64) (bool, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM processed_comments WHERE host=? AND owner=? AND repo=? AND issue_number=? AND comment_id=?`,
		ref.Host, ref.Owner, ref.Repo, ref.Number, commentID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking processed comment: %w", err)
	}
	return n > 0, nil
}

// RecordProcessedComment writes a ProcessedComment row, called only on the
// terminal outcome of a ProcessComments workflow run.
func (db *DB) RecordProcessedComment(ref ticket.IssueRef, commentID int64, outcome Outcome) error {
	_, err := db.conn.Exec(
		`INSERT OR IGNORE INTO processed_comments (host, owner, repo, issue_number, comment_id, outcome)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ref.Host, ref.Owner, ref.Repo, ref.Number, commentID, outcome,
	)
	if err != nil {
		return fmt.Errorf("recording processed comment: %w", err)
	}
	return nil
}

// SessionFor returns the last recorded executor session id for (ref, stage),
// or an empty Session if none has been recorded yet.
func (db *DB) SessionFor(ref ticket.IssueRef, stage string) (Session, error) {
	var s Session
	s.IssueRef, s.Stage = ref, stage
	var updatedAt string
	err := db.conn.QueryRow(
		`SELECT session_id, updated_at FROM sessions WHERE host=? AND owner=? AND repo=? AND issue_number=? AND stage=?`,
		ref.Host, ref.Owner, ref.Repo, ref.Number, stage,
	).Scan(&s.SessionID, &updatedAt)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("reading session: %w", err)
	}
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return s, nil
}

// RecordSession upserts the session id for (ref, stage).
func (db *DB) RecordSession(ref ticket.IssueRef, stage, sessionID string) error {
	_, err := db.conn.Exec(
		`INSERT INTO sessions (host, owner, repo, issue_number, stage, session_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (host, owner, repo, issue_number, stage)
		 DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		ref.Host, ref.Owner, ref.Repo, ref.Number, stage, sessionID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording session: %w", err)
	}
	return nil
}

// RefreshProjectCache upserts the watched-statuses cache entry for a
// project, called from config reload on daemon start.
func (db *DB) RefreshProjectCache(projectURL string, watchedStatuses []string) error {
	_, err := db.conn.Exec(
		`INSERT INTO projects (project_url, watched_statuses, last_synced_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (project_url)
		 DO UPDATE SET watched_statuses = excluded.watched_statuses, last_synced_at = excluded.last_synced_at`,
		projectURL, strings.Join(watchedStatuses, ","), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("refreshing project cache: %w", err)
	}
	return nil
}

// ProjectCaches returns every cached project entry.
func (db *DB) ProjectCaches() ([]ProjectCache, error) {
	rows, err := db.conn.Query(`SELECT project_url, watched_statuses, last_synced_at FROM projects`)
	if err != nil {
		return nil, fmt.Errorf("querying project cache: %w", err)
	}
	defer rows.Close()

	var out []ProjectCache
	for rows.Next() {
		var pc ProjectCache
		var statuses, syncedAt string
		if err := rows.Scan(&pc.ProjectURL, &statuses, &syncedAt); err != nil {
			return nil, fmt.Errorf("scanning project cache: %w", err)
		}
		if statuses != "" {
			pc.WatchedStatuses = strings.Split(statuses, ",")
		}
		pc.LastSyncedAt, _ = time.Parse(time.RFC3339, syncedAt)
		out = append(out, pc)
	}
	return out, rows.Err()
}
