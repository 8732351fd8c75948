package sensor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/pulsedaemon/pulse/internal/config"
)

// Filesystem watches configured paths with fsnotify and reports activity
// counts between reads. Daemon self-writes are filtered out so persistence
// does not masquerade as the world changing.
type Filesystem struct {
	cfg        config.FilesystemSensorConfig
	selfWrites *SelfWrites
	logger     *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu       sync.Mutex
	events   int
	lastPath string
}

// NewFilesystem creates the filesystem sensor.
func NewFilesystem(cfg config.FilesystemSensorConfig, selfWrites *SelfWrites, logger *slog.Logger) *Filesystem {
	return &Filesystem{
		cfg:        cfg,
		selfWrites: selfWrites,
		logger:     logger.With("component", "sensor.filesystem"),
		done:       make(chan struct{}),
	}
}

func (f *Filesystem) Name() string { return "filesystem" }

// Initialize sets up the recursive watch and starts the event pump.
func (f *Filesystem) Initialize(_ context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	f.watcher = watcher

	watched := 0
	for _, root := range f.cfg.WatchPaths {
		root = config.ExpandPath(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtree, skip
			}
			if !d.IsDir() {
				return nil
			}
			if f.ignored(d.Name()) {
				return filepath.SkipDir
			}
			if addErr := watcher.Add(path); addErr == nil {
				watched++
			}
			return nil
		})
		if err != nil {
			f.logger.Warn("watch path walk failed", "path", root, "error", err)
		}
	}
	if watched == 0 {
		watcher.Close()
		return fmt.Errorf("no watchable directories under %v", f.cfg.WatchPaths)
	}
	f.logger.Debug("watching directories", "count", watched)

	go f.pump()
	return nil
}

func (f *Filesystem) pump() {
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			f.handle(event)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Debug("watcher error", "error", err)
		}
	}
}

func (f *Filesystem) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if f.ignored(filepath.Base(event.Name)) {
		return
	}
	if f.cfg.IgnoreSelfWrites && f.selfWrites != nil && f.selfWrites.Contains(event.Name) {
		return
	}

	// New directories join the watch so activity under them counts too.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = f.watcher.Add(event.Name)
		}
	}

	f.mu.Lock()
	f.events++
	f.lastPath = event.Name
	f.mu.Unlock()
}

func (f *Filesystem) ignored(name string) bool {
	for _, pattern := range f.cfg.IgnorePatterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
		if !strings.ContainsAny(pattern, "*?[") && pattern == name {
			return true
		}
	}
	return false
}

// Read reports and resets the activity counter accumulated since the last
// read.
func (f *Filesystem) Read(_ context.Context) (Reading, error) {
	f.mu.Lock()
	events := f.events
	lastPath := f.lastPath
	f.events = 0
	f.mu.Unlock()

	return Reading{
		Payload: map[string]any{
			"events":    events,
			"last_path": lastPath,
		},
	}, nil
}

// Stop tears down the watcher.
func (f *Filesystem) Stop() error {
	close(f.done)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}
