package state

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pulsedaemon/pulse/internal/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStore_SetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))

	store, err := NewStore(dir, time.Minute, clk, testLogger())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	type drives struct {
		Pressure map[string]float64 `json:"pressure"`
	}
	in := drives{Pressure: map[string]float64{"goals": 3.5, "curiosity": 1.2}}
	if err := store.Set("drives", in); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	var out drives
	found, err := store.Get("drives", &out)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !found {
		t.Fatal("Get() found = false, want true")
	}
	if out.Pressure["goals"] != 3.5 {
		t.Errorf("pressure[goals] = %g, want 3.5", out.Pressure["goals"])
	}

	var missing drives
	found, err = store.Get("nope", &missing)
	if err != nil {
		t.Fatalf("Get(missing) error: %v", err)
	}
	if found {
		t.Error("Get(missing) found = true, want false")
	}
}

func TestStore_SaveSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))

	store, err := NewStore(dir, time.Minute, clk, testLogger())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	if err := store.Set("daemon", map[string]int{"loops": 42}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	reopened, err := NewStore(dir, time.Minute, clk, testLogger())
	if err != nil {
		t.Fatalf("reopen NewStore() error: %v", err)
	}
	var got map[string]int
	found, err := reopened.Get("daemon", &got)
	if err != nil || !found {
		t.Fatalf("Get() after reopen: found=%v err=%v", found, err)
	}
	if got["loops"] != 42 {
		t.Errorf("loops = %d, want 42", got["loops"])
	}
}

func TestStore_SavedAtIsEpochSeconds(t *testing.T) {
	dir := t.TempDir()
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewFake(start)

	store, err := NewStore(dir, time.Minute, clk, testLogger())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("read state.json: %v", err)
	}
	var doc struct {
		Version int   `json:"version"`
		SavedAt int64 `json:"saved_at"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("state.json is not valid JSON: %v", err)
	}
	if doc.SavedAt != start.Unix() {
		t.Errorf("saved_at = %d, want %d", doc.SavedAt, start.Unix())
	}
	if doc.Version != 1 {
		t.Errorf("version = %d, want 1", doc.Version)
	}
}

func TestStore_MaybeSaveRespectsCadence(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))

	store, err := NewStore(dir, time.Minute, clk, testLogger())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	if err := store.Set("k", "v"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	statePath := filepath.Join(dir, "state.json")

	// Too soon: nothing written.
	if err := store.MaybeSave(); err != nil {
		t.Fatalf("MaybeSave() error: %v", err)
	}
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Error("MaybeSave() wrote before interval elapsed")
	}

	clk.Advance(61 * time.Second)
	if err := store.MaybeSave(); err != nil {
		t.Fatalf("MaybeSave() error: %v", err)
	}
	if _, err := os.Stat(statePath); err != nil {
		t.Errorf("MaybeSave() did not write after interval: %v", err)
	}

	// Clean (not dirty): no rewrite even after interval.
	if err := os.Remove(statePath); err != nil {
		t.Fatalf("remove state.json: %v", err)
	}
	clk.Advance(61 * time.Second)
	if err := store.MaybeSave(); err != nil {
		t.Fatalf("MaybeSave() error: %v", err)
	}
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Error("MaybeSave() wrote with no pending changes")
	}
}

func TestStore_CorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	if err := os.WriteFile(statePath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	store, err := NewStore(dir, time.Minute, clk, testLogger())
	if err != nil {
		t.Fatalf("NewStore() with corrupt file error: %v", err)
	}

	var v string
	found, err := store.Get("anything", &v)
	if err != nil || found {
		t.Errorf("corrupt store should be empty: found=%v err=%v", found, err)
	}

	// Original preserved for inspection.
	if _, err := os.Stat(statePath + ".corrupt"); err != nil {
		t.Errorf("corrupt backup missing: %v", err)
	}
}

func TestAtomicWrite_ReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.json")

	if err := AtomicWrite(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("AtomicWrite() error: %v", err)
	}
	if err := AtomicWrite(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("AtomicWrite() overwrite error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "two" {
		t.Errorf("content = %q, want \"two\"", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1 (leftover temp files?)", len(entries))
	}
}

func TestAcquireLock_ExclusionAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() error: %v", err)
	}

	// Same-process reacquire hits a fresh fd; flock grants it for the same
	// process, so exclusion is only observable across processes. Verify the
	// pid file content instead.
	data, err := os.ReadFile(filepath.Join(dir, "pulse.pid"))
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	want := strconv.Itoa(os.Getpid()) + "\n"
	if got := string(data); got != want {
		t.Errorf("pid file = %q, want %q", got, want)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pulse.pid")); !os.IsNotExist(err) {
		t.Error("pid file not removed on release")
	}

	// Reacquire after release succeeds.
	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire AcquireLock() error: %v", err)
	}
	if err := lock2.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
}

func TestAcquireLock_StalePidFile(t *testing.T) {
	dir := t.TempDir()
	// Pid file from a dead process: no flock held, so acquisition succeeds.
	if err := os.WriteFile(filepath.Join(dir, "pulse.pid"), []byte("999999\n"), 0o644); err != nil {
		t.Fatalf("write stale pid file: %v", err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() with stale pid file error: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(filepath.Join(dir, "pulse.pid"))
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(data) == "999999\n" {
		t.Error("stale pid not overwritten")
	}
}
