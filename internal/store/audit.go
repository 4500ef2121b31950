// Package store persists supervisor decisions to SQLite so interventions
// can be audited after the fact.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"
)

// DecisionRecord is one assess/intervene outcome.
type DecisionRecord struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	Situation    string    `json:"situation"`
	Intervention string    `json:"intervention"`
	Prompt       string    `json:"prompt,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Applied      bool      `json:"applied"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditLog writes decision records to a SQLite database.
type AuditLog struct {
	db *sql.DB
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	situation TEXT NOT NULL,
	intervention TEXT NOT NULL,
	prompt TEXT,
	reason TEXT,
	applied INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);
`

// OpenAuditLog opens (creating if needed) the audit database at dbPath.
func OpenAuditLog(ctx context.Context, dbPath string) (*AuditLog, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Infof("Audit log initialized (db: %s)", dbPath)
	return &AuditLog{db: db}, nil
}

// RecordDecision inserts a decision record. The record's ID is set on
// success.
func (a *AuditLog) RecordDecision(ctx context.Context, rec *DecisionRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
	INSERT INTO decisions (
		task_id, situation, intervention, prompt, reason, applied, error, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := a.db.ExecContext(ctx, query,
		rec.TaskID,
		rec.Situation,
		rec.Intervention,
		rec.Prompt,
		rec.Reason,
		boolToInt(rec.Applied),
		rec.Error,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// RecentDecisions returns the newest records for a task, most recent first.
// An empty taskID returns records across all tasks.
func (a *AuditLog) RecentDecisions(ctx context.Context, taskID string, limit int) ([]*DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
	SELECT id, task_id, situation, intervention, prompt, reason, applied, error, created_at
	FROM decisions
	WHERE (? = '' OR task_id = ?)
	ORDER BY created_at DESC, id DESC
	LIMIT ?
	`

	rows, err := a.db.QueryContext(ctx, query, taskID, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var records []*DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			log.Warnf("Failed to scan decision record: %v", err)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decision records: %w", err)
	}
	return records, nil
}

// CountByIntervention aggregates decision counts per intervention kind.
func (a *AuditLog) CountByIntervention(ctx context.Context) (map[string]int64, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT intervention, COUNT(*) FROM decisions GROUP BY intervention")
	if err != nil {
		return nil, fmt.Errorf("failed to query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			continue
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Close releases the database connection.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

func scanDecision(rows *sql.Rows) (*DecisionRecord, error) {
	var rec DecisionRecord
	var applied int
	var prompt, reason, errText sql.NullString

	err := rows.Scan(
		&rec.ID,
		&rec.TaskID,
		&rec.Situation,
		&rec.Intervention,
		&prompt,
		&reason,
		&applied,
		&errText,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Applied = applied == 1
	rec.Prompt = prompt.String
	rec.Reason = reason.String
	rec.Error = errText.String
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
