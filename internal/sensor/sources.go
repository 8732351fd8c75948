package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pulsedaemon/pulse/internal/config"
)

// SourceLister supplies the current drive→sources mapping; the drive engine
// satisfies it via the daemon so new and removed drives are picked up
// between scans.
type SourceLister func() map[string][]string

// Sources scrapes the modification times of each drive's source files. A
// source that changed since the previous scan produces a spike directive
// for its drive: the world moved in an area the drive cares about.
type Sources struct {
	list        SourceLister
	spikeAmount float64
	selfWrites  *SelfWrites
	logger      *slog.Logger

	seen map[string]time.Time
}

// NewSources creates the source-scrape sensor. spikeAmount is the pressure
// added per changed source.
func NewSources(list SourceLister, spikeAmount float64, selfWrites *SelfWrites, logger *slog.Logger) *Sources {
	return &Sources{
		list:        list,
		spikeAmount: spikeAmount,
		selfWrites:  selfWrites,
		logger:      logger.With("component", "sensor.sources"),
		seen:        make(map[string]time.Time),
	}
}

func (s *Sources) Name() string { return "sources" }

// Initialize records current mtimes as the baseline so pre-existing files
// do not spike on the first loop.
func (s *Sources) Initialize(_ context.Context) error {
	for _, paths := range s.list() {
		for _, path := range paths {
			path = config.ExpandPath(path)
			if info, err := os.Stat(path); err == nil {
				s.seen[path] = info.ModTime()
			}
		}
	}
	return nil
}

func (s *Sources) Stop() error { return nil }

// Read compares source mtimes against the previous scan.
func (s *Sources) Read(_ context.Context) (Reading, error) {
	var spikes []SpikeDirective
	changed := 0

	for driveName, paths := range s.list() {
		for _, path := range paths {
			path = config.ExpandPath(path)
			info, err := os.Stat(path)
			if err != nil {
				continue // vanished or unreadable source
			}
			mtime := info.ModTime()
			prev, known := s.seen[path]
			s.seen[path] = mtime

			if !known || !mtime.After(prev) {
				continue
			}
			if s.selfWrites != nil && s.selfWrites.Contains(path) {
				continue
			}
			changed++
			spikes = append(spikes, SpikeDirective{
				Drive:  driveName,
				Amount: s.spikeAmount,
				Reason: fmt.Sprintf("source changed: %s", path),
			})
		}
	}

	return Reading{
		Payload: map[string]any{"changed_sources": changed},
		Spikes:  spikes,
	}, nil
}
