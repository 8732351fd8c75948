package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
)

// Outcome values for audit entries.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

// Entry records one self-modification attempt. Before/After hold the touched
// values only; Rule names the guardrail that rejected the attempt.
type Entry struct {
	Timestamp int64          `json:"timestamp"` // unix seconds
	Kind      string         `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Outcome   string         `json:"outcome"`
	Rule      string         `json:"rule,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// Trail is the mutation audit log (audit.jsonl under the state directory).
type Trail struct {
	log *Log
}

// NewTrail opens the audit trail in the given state directory.
func NewTrail(stateDir string, maxBytes int64, logger *slog.Logger) (*Trail, error) {
	log, err := NewLog(filepath.Join(stateDir, "audit.jsonl"), maxBytes, logger)
	if err != nil {
		return nil, err
	}
	return &Trail{log: log}, nil
}

// Record appends an entry. Audit failures must not abort the mutation that
// triggered them, so callers typically log the returned error and move on.
func (t *Trail) Record(e Entry) error {
	return t.log.Append(e)
}

// Recent returns up to n most-recent entries, oldest first.
func (t *Trail) Recent(n int) ([]Entry, error) {
	raws, err := t.log.Recent(n)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Summary counts applied and rejected entries among the n most recent.
func (t *Trail) Summary(n int) (applied, rejected int, err error) {
	entries, err := t.Recent(n)
	if err != nil {
		return 0, 0, fmt.Errorf("summarize audit trail: %w", err)
	}
	for _, e := range entries {
		switch e.Outcome {
		case OutcomeApplied:
			applied++
		case OutcomeRejected:
			rejected++
		}
	}
	return applied, rejected, nil
}

// Close closes the underlying log.
func (t *Trail) Close() error { return t.log.Close() }
