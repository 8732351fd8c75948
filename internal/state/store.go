// Package state persists daemon state crash-safely under a single state
// directory. Writes go through a same-directory temp file that is fsynced and
// renamed over the target, so readers never observe a torn file.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pulsedaemon/pulse/internal/clock"
)

const stateVersion = 1

// Document is the on-disk shape of state.json. Component sections are kept
// as raw JSON so the store stays agnostic of their schemas.
type Document struct {
	Version  int                        `json:"version"`
	SavedAt  int64                      `json:"saved_at"` // unix seconds
	Sections map[string]json.RawMessage `json:"sections"`
}

// Store owns state.json inside the state directory.
type Store struct {
	mu        sync.Mutex
	dir       string
	path      string
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	lastSave  time.Time
	doc       Document
	dirty     bool
}

// NewStore opens (or initializes) the store in dir, creating the directory
// as needed. interval controls MaybeSave cadence.
func NewStore(dir string, interval time.Duration, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		path:     filepath.Join(dir, "state.json"),
		clock:    clk,
		logger:   logger.With("component", "state.Store"),
		interval: interval,
		doc: Document{
			Version:  stateVersion,
			Sections: map[string]json.RawMessage{},
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.lastSave = clk.Now()
	return s, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // fresh start
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt state file is recoverable: preserve it for inspection
		// and start fresh rather than refuse to boot.
		backup := s.path + ".corrupt"
		if renameErr := os.Rename(s.path, backup); renameErr == nil {
			s.logger.Warn("state file corrupt, starting fresh", "backup", backup, "error", err)
		} else {
			s.logger.Warn("state file corrupt and backup failed", "error", err, "backup_error", renameErr)
		}
		return nil
	}
	if doc.Sections == nil {
		doc.Sections = map[string]json.RawMessage{}
	}
	doc.Version = stateVersion
	s.doc = doc
	return nil
}

// Get decodes the named section into out. Returns false when the section is
// absent.
func (s *Store) Get(section string, out any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.doc.Sections[section]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode state section %q: %w", section, err)
	}
	return true, nil
}

// Set stores the named section. The change is held in memory until the next
// Save or MaybeSave.
func (s *Store) Set(section string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state section %q: %w", section, err)
	}
	s.mu.Lock()
	s.doc.Sections[section] = raw
	s.dirty = true
	s.mu.Unlock()
	return nil
}

// Save writes the document to disk atomically, regardless of cadence.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// MaybeSave writes only when dirty and the save interval has elapsed.
func (s *Store) MaybeSave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty || s.clock.Now().Sub(s.lastSave) < s.interval {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.doc.SavedAt = s.clock.Now().Unix()
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := AtomicWrite(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	s.lastSave = s.clock.Now()
	s.dirty = false
	return nil
}

// AtomicWrite writes data to path via a temp file in the same directory,
// fsyncing before the rename so a crash leaves either the old or the new
// content, never a mix.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
