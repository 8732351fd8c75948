package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLog_AppendAndRecent(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLog(filepath.Join(dir, "events.jsonl"), 1024*1024, testLogger())
	if err != nil {
		t.Fatalf("NewLog() error: %v", err)
	}
	defer log.Close()

	for i := 0; i < 5; i++ {
		if err := log.Append(map[string]int{"seq": i}); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}

	raws, err := log.Recent(3)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(raws) != 3 {
		t.Fatalf("Recent(3) returned %d entries", len(raws))
	}

	// Oldest first: 2, 3, 4.
	for i, raw := range raws {
		var e struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatalf("entry %d not valid JSON: %v", i, err)
		}
		if e.Seq != i+2 {
			t.Errorf("entry %d seq = %d, want %d", i, e.Seq, i+2)
		}
	}
}

func TestLog_RecentTailsLargeFile(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLog(filepath.Join(dir, "events.jsonl"), 64*1024*1024, testLogger())
	if err != nil {
		t.Fatalf("NewLog() error: %v", err)
	}
	defer log.Close()

	// Enough entries that the file spans several tail chunks.
	pad := strings.Repeat("x", 100)
	total := 2000
	for i := 0; i < total; i++ {
		if err := log.Append(map[string]any{"seq": i, "pad": pad}); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}

	raws, err := log.Recent(5)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(raws) != 5 {
		t.Fatalf("Recent(5) returned %d entries", len(raws))
	}
	for i, raw := range raws {
		var e struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatalf("entry %d not valid JSON: %v", i, err)
		}
		if want := total - 5 + i; e.Seq != want {
			t.Errorf("entry %d seq = %d, want %d", i, e.Seq, want)
		}
	}
}

func TestLog_RotationKeepsOneGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	// Cap small enough that a handful of entries forces rotation.
	log, err := NewLog(path, 200, testLogger())
	if err != nil {
		t.Fatalf("NewLog() error: %v", err)
	}
	defer log.Close()

	for i := 0; i < 20; i++ {
		if err := log.Append(map[string]any{"seq": i, "pad": strings.Repeat("x", 20)}); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}

	oldPath := filepath.Join(dir, "events.old")
	if _, err := os.Stat(oldPath); err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat active file: %v", err)
	}
	// Active file never grows past the cap plus one entry.
	if info.Size() > 240 {
		t.Errorf("active file size = %d, want <= 240", info.Size())
	}

	// Recent spans the rotation boundary.
	raws, err := log.Recent(5)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(raws) != 5 {
		t.Fatalf("Recent(5) returned %d entries", len(raws))
	}
	var last struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(raws[len(raws)-1], &last); err != nil {
		t.Fatalf("unmarshal last: %v", err)
	}
	if last.Seq != 19 {
		t.Errorf("last seq = %d, want 19", last.Seq)
	}
}

func TestLog_RecentSkipsGarbageLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	content := `{"seq":0}
not json at all
{"seq":1}

{"seq":2}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	log, err := NewLog(path, 1024, testLogger())
	if err != nil {
		t.Fatalf("NewLog() error: %v", err)
	}
	defer log.Close()

	raws, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(raws) != 3 {
		t.Errorf("Recent() returned %d entries, want 3", len(raws))
	}
}

func TestLog_AppendAfterReopenContinues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	log, err := NewLog(path, 1024*1024, testLogger())
	if err != nil {
		t.Fatalf("NewLog() error: %v", err)
	}
	if err := log.Append(map[string]int{"seq": 0}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	log.Close()

	log2, err := NewLog(path, 1024*1024, testLogger())
	if err != nil {
		t.Fatalf("reopen NewLog() error: %v", err)
	}
	defer log2.Close()
	if err := log2.Append(map[string]int{"seq": 1}); err != nil {
		t.Fatalf("Append() after reopen error: %v", err)
	}

	raws, err := log2.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(raws) != 2 {
		t.Errorf("Recent() returned %d entries, want 2", len(raws))
	}
}

func TestTrail_RecordAndSummary(t *testing.T) {
	dir := t.TempDir()
	trail, err := NewTrail(dir, 1024*1024, testLogger())
	if err != nil {
		t.Fatalf("NewTrail() error: %v", err)
	}
	defer trail.Close()

	entries := []Entry{
		{Timestamp: 1000, Kind: "adjust_weight", Outcome: OutcomeApplied,
			Params: map[string]any{"drive": "curiosity", "delta": 0.05},
			Before: map[string]any{"weight": 0.6},
			After:  map[string]any{"weight": 0.65}},
		{Timestamp: 1001, Kind: "remove_drive", Outcome: OutcomeRejected,
			Rule: "protected_drive", Reason: "drive \"goals\" is protected"},
		{Timestamp: 1002, Kind: "adjust_threshold", Outcome: OutcomeApplied},
	}
	for _, e := range entries {
		if err := trail.Record(e); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	got, err := trail.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d entries, want 3", len(got))
	}
	if got[1].Rule != "protected_drive" {
		t.Errorf("entry rule = %q, want \"protected_drive\"", got[1].Rule)
	}
	if got[0].After["weight"] != 0.65 {
		t.Errorf("entry after.weight = %v, want 0.65", got[0].After["weight"])
	}

	applied, rejected, err := trail.Summary(10)
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if applied != 2 || rejected != 1 {
		t.Errorf("Summary() = %d applied, %d rejected; want 2, 1", applied, rejected)
	}

	// Audit file name is fixed under the state dir.
	if _, err := os.Stat(filepath.Join(dir, "audit.jsonl")); err != nil {
		t.Errorf("audit.jsonl missing: %v", err)
	}
}

func TestTrail_TimestampsAreNumbers(t *testing.T) {
	dir := t.TempDir()
	trail, err := NewTrail(dir, 1024*1024, testLogger())
	if err != nil {
		t.Fatalf("NewTrail() error: %v", err)
	}
	defer trail.Close()

	if err := trail.Record(Entry{Timestamp: 1700000000, Kind: "spike_drive", Outcome: OutcomeApplied}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit.jsonl: %v", err)
	}
	want := fmt.Sprintf(`"timestamp":%d`, 1700000000)
	if !strings.Contains(string(data), want) {
		t.Errorf("audit line %q does not contain numeric %s", data, want)
	}
}
