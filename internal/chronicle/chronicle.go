// Package chronicle archives triggers and feedback in SQLite so history
// survives JSONL rotation and stays queryable from the CLI.
package chronicle

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS triggers (
	id             TEXT PRIMARY KEY,
	timestamp      INTEGER NOT NULL,
	drive          TEXT NOT NULL,
	reason         TEXT,
	source         TEXT,
	status         TEXT NOT NULL,
	http_status    INTEGER,
	attempts       INTEGER,
	auth           TEXT,
	pressure       REAL,
	total_pressure REAL
);
CREATE INDEX IF NOT EXISTS idx_triggers_timestamp ON triggers(timestamp);

CREATE TABLE IF NOT EXISTS feedback (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	trigger_id TEXT,
	timestamp  INTEGER NOT NULL,
	outcome    TEXT NOT NULL,
	summary    TEXT
);
CREATE INDEX IF NOT EXISTS idx_feedback_timestamp ON feedback(timestamp);
`

// TriggerRecord is one archived trigger dispatch.
type TriggerRecord struct {
	ID            string  `json:"id"`
	Timestamp     int64   `json:"timestamp"`
	Drive         string  `json:"drive"`
	Reason        string  `json:"reason"`
	Source        string  `json:"source"`
	Status        string  `json:"status"`
	HTTPStatus    int     `json:"http_status,omitempty"`
	Attempts      int     `json:"attempts"`
	Auth          string  `json:"auth"`
	Pressure      float64 `json:"pressure"`
	TotalPressure float64 `json:"total_pressure"`
}

// FeedbackRecord is one archived turn outcome.
type FeedbackRecord struct {
	TriggerID string `json:"trigger_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Outcome   string `json:"outcome"`
	Summary   string `json:"summary,omitempty"`
}

// Chronicle is the SQLite-backed archive.
type Chronicle struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the archive at path. WAL keeps the daemon's
// writes from blocking CLI reads.
func Open(path string, logger *slog.Logger) (*Chronicle, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chronicle db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply chronicle schema: %w", err)
	}

	return &Chronicle{db: db, logger: logger.With("component", "chronicle")}, nil
}

// RecordTrigger archives a dispatch.
func (c *Chronicle) RecordTrigger(r TriggerRecord) error {
	_, err := c.db.Exec(`INSERT INTO triggers
		(id, timestamp, drive, reason, source, status, http_status, attempts, auth, pressure, total_pressure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp, r.Drive, r.Reason, r.Source, r.Status,
		r.HTTPStatus, r.Attempts, r.Auth, r.Pressure, r.TotalPressure)
	if err != nil {
		return fmt.Errorf("insert trigger record: %w", err)
	}
	return nil
}

// RecordFeedback archives a turn outcome.
func (c *Chronicle) RecordFeedback(r FeedbackRecord) error {
	_, err := c.db.Exec(`INSERT INTO feedback (trigger_id, timestamp, outcome, summary)
		VALUES (?, ?, ?, ?)`,
		r.TriggerID, r.Timestamp, r.Outcome, r.Summary)
	if err != nil {
		return fmt.Errorf("insert feedback record: %w", err)
	}
	return nil
}

// RecentTriggers returns the n most recent triggers, newest first.
func (c *Chronicle) RecentTriggers(n int) ([]TriggerRecord, error) {
	rows, err := c.db.Query(`SELECT id, timestamp, drive, reason, source, status,
		http_status, attempts, auth, pressure, total_pressure
		FROM triggers ORDER BY timestamp DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var out []TriggerRecord
	for rows.Next() {
		var r TriggerRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Drive, &r.Reason, &r.Source, &r.Status,
			&r.HTTPStatus, &r.Attempts, &r.Auth, &r.Pressure, &r.TotalPressure); err != nil {
			return nil, fmt.Errorf("scan trigger record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentFeedback returns the n most recent feedback records, newest first.
func (c *Chronicle) RecentFeedback(n int) ([]FeedbackRecord, error) {
	rows, err := c.db.Query(`SELECT trigger_id, timestamp, outcome, summary
		FROM feedback ORDER BY timestamp DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []FeedbackRecord
	for rows.Next() {
		var r FeedbackRecord
		if err := rows.Scan(&r.TriggerID, &r.Timestamp, &r.Outcome, &r.Summary); err != nil {
			return nil, fmt.Errorf("scan feedback record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes records older than the retention window.
func (c *Chronicle) Prune(retentionDays int, now time.Time) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -retentionDays).Unix()

	res, err := c.db.Exec(`DELETE FROM triggers WHERE timestamp < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune triggers: %w", err)
	}
	triggers, _ := res.RowsAffected()

	res, err = c.db.Exec(`DELETE FROM feedback WHERE timestamp < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune feedback: %w", err)
	}
	feedback, _ := res.RowsAffected()

	if triggers > 0 || feedback > 0 {
		c.logger.Debug("pruned chronicle", "triggers", triggers, "feedback", feedback)
	}
	return nil
}

// Close closes the database.
func (c *Chronicle) Close() error { return c.db.Close() }
