// Package audit persists turn outcomes, approval decisions and orphaned
// subprocess threads to a local sqlite database. The admin API reads from it;
// the metrics sqlite exporter flushes counters into it.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Store wraps the sqlite audit database. database/sql handles concurrent
// callers; WAL keeps readers off the writers' backs.
type Store struct {
	db *sql.DB
}

// Open opens the audit database at path, creating the file and schema as
// needed.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("audit db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_key TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			turn_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_turns_key_started ON turns(conversation_key, started_at);
		CREATE INDEX IF NOT EXISTS idx_turns_started ON turns(started_at);

		CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			approval_id TEXT NOT NULL,
			conversation_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			source TEXT NOT NULL,
			rule_name TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			requested_at TEXT NOT NULL,
			decided_at TEXT NOT NULL,
			response_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_approvals_key ON approvals(conversation_key);
		CREATE INDEX IF NOT EXISTS idx_approvals_decided ON approvals(decided_at);

		CREATE TABLE IF NOT EXISTS orphaned_threads (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			conversation_key TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			working_dir TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			orphaned_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orphans_channel ON orphaned_threads(channel_id);

		CREATE TABLE IF NOT EXISTS metrics (
			name TEXT NOT NULL,
			attrs TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (name, attrs)
		);
	`)
	return err
}

// TurnRecord is one completed (or failed, or interrupted) turn.
type TurnRecord struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	ChannelID       string    `json:"channel_id"`
	UserID          string    `json:"user_id"`
	ThreadID        string    `json:"thread_id"`
	TurnID          string    `json:"turn_id"`
	Model           string    `json:"model"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationMs      int64     `json:"duration_ms"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	TotalTokens     int64     `json:"total_tokens"`
	Error           string    `json:"error,omitempty"`
}

// RecordTurn inserts a turn row, assigning an id when the caller left it
// empty.
func (s *Store) RecordTurn(rec TurnRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DurationMs == 0 && rec.EndedAt.After(rec.StartedAt) {
		rec.DurationMs = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	}
	_, err := s.db.Exec(
		`INSERT INTO turns(id, conversation_key, channel_id, user_id, thread_id, turn_id, model, status,
			started_at, ended_at, duration_ms, input_tokens, output_tokens, total_tokens, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationKey, rec.ChannelID, rec.UserID, rec.ThreadID, rec.TurnID, rec.Model, rec.Status,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.EndedAt.UTC().Format(time.RFC3339Nano),
		rec.DurationMs, rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.Error,
	)
	return err
}

// RecentTurns returns up to limit turns, newest first.
func (s *Store) RecentTurns(limit int) ([]TurnRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, conversation_key, channel_id, user_id, thread_id, turn_id, model, status,
			started_at, ended_at, duration_ms, input_tokens, output_tokens, total_tokens, error
		 FROM turns ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		var started, ended string
		if err := rows.Scan(&rec.ID, &rec.ConversationKey, &rec.ChannelID, &rec.UserID, &rec.ThreadID,
			&rec.TurnID, &rec.Model, &rec.Status, &started, &ended, &rec.DurationMs,
			&rec.InputTokens, &rec.OutputTokens, &rec.TotalTokens, &rec.Error); err != nil {
			return nil, err
		}
		rec.StartedAt = parseTime(started)
		rec.EndedAt = parseTime(ended)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ApprovalRecord is one decided approval request.
type ApprovalRecord struct {
	ID              string    `json:"id"`
	ApprovalID      string    `json:"approval_id"`
	ConversationKey string    `json:"conversation_key"`
	Kind            string    `json:"kind"`
	Command         string    `json:"command,omitempty"`
	Cwd             string    `json:"cwd,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Decision        string    `json:"decision"`
	// Source records who decided: user, rule, expiry or api.
	Source      string    `json:"source"`
	RuleName    string    `json:"rule_name,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	DecidedAt   time.Time `json:"decided_at"`
	ResponseMs  int64     `json:"response_ms"`
}

// RecordApproval inserts an approval decision row.
func (s *Store) RecordApproval(rec ApprovalRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ResponseMs == 0 && rec.DecidedAt.After(rec.RequestedAt) {
		rec.ResponseMs = rec.DecidedAt.Sub(rec.RequestedAt).Milliseconds()
	}
	_, err := s.db.Exec(
		`INSERT INTO approvals(id, approval_id, conversation_key, kind, command, cwd, reason,
			decision, source, rule_name, user_id, requested_at, decided_at, response_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ApprovalID, rec.ConversationKey, rec.Kind, rec.Command, rec.Cwd, rec.Reason,
		rec.Decision, rec.Source, rec.RuleName, rec.UserID,
		rec.RequestedAt.UTC().Format(time.RFC3339Nano), rec.DecidedAt.UTC().Format(time.RFC3339Nano),
		rec.ResponseMs,
	)
	return err
}

// RecentApprovals returns up to limit approval decisions, newest first.
func (s *Store) RecentApprovals(limit int) ([]ApprovalRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, approval_id, conversation_key, kind, command, cwd, reason,
			decision, source, rule_name, user_id, requested_at, decided_at, response_ms
		 FROM approvals ORDER BY decided_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var rec ApprovalRecord
		var requested, decided string
		if err := rows.Scan(&rec.ID, &rec.ApprovalID, &rec.ConversationKey, &rec.Kind, &rec.Command,
			&rec.Cwd, &rec.Reason, &rec.Decision, &rec.Source, &rec.RuleName, &rec.UserID,
			&requested, &decided, &rec.ResponseMs); err != nil {
			return nil, err
		}
		rec.RequestedAt = parseTime(requested)
		rec.DecidedAt = parseTime(decided)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OrphanRecord marks a subprocess thread whose Slack channel disappeared.
// The thread's session files still exist on disk; the row is the pointer a
// human needs to find them.
type OrphanRecord struct {
	ID              string    `json:"id"`
	ChannelID       string    `json:"channel_id"`
	ConversationKey string    `json:"conversation_key"`
	ThreadID        string    `json:"thread_id"`
	WorkingDir      string    `json:"working_dir,omitempty"`
	Reason          string    `json:"reason"`
	OrphanedAt      time.Time `json:"orphaned_at"`
}

// RecordOrphan inserts an orphaned-thread row.
func (s *Store) RecordOrphan(rec OrphanRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OrphanedAt.IsZero() {
		rec.OrphanedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO orphaned_threads(id, channel_id, conversation_key, thread_id, working_dir, reason, orphaned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChannelID, rec.ConversationKey, rec.ThreadID, rec.WorkingDir, rec.Reason,
		rec.OrphanedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Orphans returns up to limit orphaned-thread rows, newest first.
func (s *Store) Orphans(limit int) ([]OrphanRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, channel_id, conversation_key, thread_id, working_dir, reason, orphaned_at
		 FROM orphaned_threads ORDER BY orphaned_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrphanRecord
	for rows.Next() {
		var rec OrphanRecord
		var orphaned string
		if err := rows.Scan(&rec.ID, &rec.ChannelID, &rec.ConversationKey, &rec.ThreadID,
			&rec.WorkingDir, &rec.Reason, &orphaned); err != nil {
			return nil, err
		}
		rec.OrphanedAt = parseTime(orphaned)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MetricValue is one exported counter value with its attribute set encoded
// as a stable string.
type MetricValue struct {
	Name      string    `json:"name"`
	Attrs     string    `json:"attrs,omitempty"`
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertMetrics writes cumulative counter values in one transaction. Each
// (name, attrs) pair keeps only its latest value.
func (s *Store) UpsertMetrics(values []MetricValue) error {
	if s == nil || s.db == nil || len(values) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, v := range values {
		at := v.UpdatedAt
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.Exec(
			`INSERT INTO metrics(name, attrs, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(name, attrs) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			v.Name, v.Attrs, v.Value, at.UTC().Format(time.RFC3339Nano),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Metrics returns all stored counter values ordered by name.
func (s *Store) Metrics() ([]MetricValue, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT name, attrs, value, updated_at FROM metrics ORDER BY name, attrs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricValue
	for rows.Next() {
		var v MetricValue
		var updated string
		if err := rows.Scan(&v.Name, &v.Attrs, &v.Value, &updated); err != nil {
			return nil, err
		}
		v.UpdatedAt = parseTime(updated)
		out = append(out, v)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes turn and approval rows older than the cutoff.
// Orphan rows are kept; they exist to be found later.
func (s *Store) PurgeOlderThan(cutoff time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	mark := cutoff.UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`DELETE FROM turns WHERE started_at < ?`, mark)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logrus.Infof("Purged %d audit turns older than %s", n, cutoff.Format(time.RFC3339))
	}
	res, err = s.db.Exec(`DELETE FROM approvals WHERE decided_at < ?`, mark)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logrus.Infof("Purged %d audit approvals older than %s", n, cutoff.Format(time.RFC3339))
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
