package chronicle

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTest(t *testing.T) *Chronicle {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "chronicle.db"), testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestChronicle_TriggerRoundTrip(t *testing.T) {
	c := openTest(t)

	records := []TriggerRecord{
		{ID: "01A", Timestamp: 1000, Drive: "goals", Reason: "over threshold",
			Source: "rules", Status: "delivered", HTTPStatus: 202, Attempts: 1,
			Auth: "bearer", Pressure: 5.2, TotalPressure: 7.9},
		{ID: "01B", Timestamp: 2000, Drive: "curiosity", Reason: "combined pressure",
			Source: "model", Status: "failed", Attempts: 3, Auth: "missing"},
	}
	for _, r := range records {
		if err := c.RecordTrigger(r); err != nil {
			t.Fatalf("RecordTrigger() error: %v", err)
		}
	}

	got, err := c.RecentTriggers(10)
	if err != nil {
		t.Fatalf("RecentTriggers() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentTriggers() = %d records, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "01B" || got[1].ID != "01A" {
		t.Errorf("order = %s, %s; want 01B, 01A", got[0].ID, got[1].ID)
	}
	if got[1] != records[0] {
		t.Errorf("record = %+v, want %+v", got[1], records[0])
	}

	// Limit applies.
	got, err = c.RecentTriggers(1)
	if err != nil || len(got) != 1 || got[0].ID != "01B" {
		t.Errorf("RecentTriggers(1) = %+v, err %v", got, err)
	}
}

func TestChronicle_FeedbackRoundTrip(t *testing.T) {
	c := openTest(t)

	if err := c.RecordFeedback(FeedbackRecord{
		TriggerID: "01A", Timestamp: 1500, Outcome: "success", Summary: "did the thing",
	}); err != nil {
		t.Fatalf("RecordFeedback() error: %v", err)
	}
	if err := c.RecordFeedback(FeedbackRecord{Timestamp: 1600, Outcome: "ignored"}); err != nil {
		t.Fatalf("RecordFeedback() error: %v", err)
	}

	got, err := c.RecentFeedback(10)
	if err != nil {
		t.Fatalf("RecentFeedback() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentFeedback() = %d records, want 2", len(got))
	}
	if got[0].Outcome != "ignored" || got[1].Outcome != "success" {
		t.Errorf("order = %q, %q", got[0].Outcome, got[1].Outcome)
	}
	if got[1].Summary != "did the thing" {
		t.Errorf("summary = %q", got[1].Summary)
	}
}

func TestChronicle_PruneRespectsRetention(t *testing.T) {
	c := openTest(t)
	now := time.Unix(1_700_000_000, 0)
	old := now.AddDate(0, 0, -40).Unix()
	fresh := now.AddDate(0, 0, -5).Unix()

	_ = c.RecordTrigger(TriggerRecord{ID: "old", Timestamp: old, Drive: "goals", Status: "delivered"})
	_ = c.RecordTrigger(TriggerRecord{ID: "fresh", Timestamp: fresh, Drive: "goals", Status: "delivered"})
	_ = c.RecordFeedback(FeedbackRecord{Timestamp: old, Outcome: "success"})
	_ = c.RecordFeedback(FeedbackRecord{Timestamp: fresh, Outcome: "success"})

	if err := c.Prune(30, now); err != nil {
		t.Fatalf("Prune() error: %v", err)
	}

	triggers, err := c.RecentTriggers(10)
	if err != nil {
		t.Fatalf("RecentTriggers() error: %v", err)
	}
	if len(triggers) != 1 || triggers[0].ID != "fresh" {
		t.Errorf("triggers after prune = %+v", triggers)
	}
	feedback, err := c.RecentFeedback(10)
	if err != nil {
		t.Fatalf("RecentFeedback() error: %v", err)
	}
	if len(feedback) != 1 {
		t.Errorf("feedback after prune = %d records, want 1", len(feedback))
	}

	// Zero retention disables pruning.
	if err := c.Prune(0, now); err != nil {
		t.Fatalf("Prune(0) error: %v", err)
	}
	feedback, _ = c.RecentFeedback(10)
	if len(feedback) != 1 {
		t.Errorf("Prune(0) deleted records")
	}
}

func TestChronicle_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chronicle.db")

	c, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := c.RecordTrigger(TriggerRecord{ID: "x", Timestamp: 1, Drive: "goals", Status: "delivered"}); err != nil {
		t.Fatalf("RecordTrigger() error: %v", err)
	}
	c.Close()

	c2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen Open() error: %v", err)
	}
	defer c2.Close()
	got, err := c2.RecentTriggers(10)
	if err != nil || len(got) != 1 {
		t.Errorf("RecentTriggers() after reopen = %d records, err %v", len(got), err)
	}
}
