// Package sensor feeds the daemon's perception: filesystem activity,
// conversation liveness, system health, and per-drive source changes. Each
// sensor is read once per loop under a time budget; a sensor that fails or
// overruns serves its last good reading instead of stalling the loop.
package sensor

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/pulsedaemon/pulse/internal/clock"
)

// SpikeDirective asks the drive engine to add pressure to a drive.
type SpikeDirective struct {
	Drive  string  `json:"drive"`
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// Reading is one sensor observation.
type Reading struct {
	Timestamp int64            `json:"timestamp"` // unix seconds
	Payload   map[string]any   `json:"payload,omitempty"`
	Spikes    []SpikeDirective `json:"spikes,omitempty"`
	Alert     string           `json:"alert,omitempty"` // non-empty: critical condition
}

// Sensor is a perception source read once per daemon loop.
type Sensor interface {
	Name() string
	Initialize(ctx context.Context) error
	Read(ctx context.Context) (Reading, error)
	Stop() error
}

// SelfWrites tracks files the daemon itself writes so its own persistence
// never reads as external activity. Paths are resolved — absolute form,
// symlinks followed — so a watcher seeing the real path and a writer using
// a symlinked one still match.
type SelfWrites struct {
	mu    sync.Mutex
	paths map[string]bool
}

// NewSelfWrites creates an empty registry.
func NewSelfWrites() *SelfWrites {
	return &SelfWrites{paths: make(map[string]bool)}
}

// resolve normalizes a path for comparison. EvalSymlinks fails on paths
// that do not exist yet; the absolute form serves then.
func resolve(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	// The file may not exist yet; resolving the parent still canonicalizes
	// a symlinked directory.
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}
	return abs
}

// Mark registers a path as daemon-written.
func (s *SelfWrites) Mark(path string) {
	real := resolve(path)
	s.mu.Lock()
	s.paths[real] = true
	s.mu.Unlock()
}

// Contains reports whether path (or the directory holding it) was marked.
func (s *SelfWrites) Contains(path string) bool {
	real := resolve(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paths[real] {
		return true
	}
	return s.paths[filepath.Dir(real)]
}

// Manager reads all registered sensors under a shared per-sensor budget.
type Manager struct {
	sensors []Sensor
	budget  time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu   sync.Mutex
	last map[string]Reading
}

// NewManager creates a manager. budget bounds each sensor's Read call.
func NewManager(budget time.Duration, clk clock.Clock, logger *slog.Logger) *Manager {
	if budget <= 0 {
		budget = time.Second
	}
	return &Manager{
		budget: budget,
		clock:  clk,
		logger: logger.With("component", "sensor.Manager"),
		last:   make(map[string]Reading),
	}
}

// Register adds a sensor and initializes it. A sensor that fails to
// initialize is skipped with a warning; perception degrades, the daemon
// does not.
func (m *Manager) Register(ctx context.Context, s Sensor) {
	if err := s.Initialize(ctx); err != nil {
		m.logger.Warn("sensor failed to initialize, skipping", "sensor", s.Name(), "error", err)
		return
	}
	m.sensors = append(m.sensors, s)
}

// ReadAll reads every sensor, each under the budget. On failure or timeout
// the sensor's previous reading is reused.
func (m *Manager) ReadAll(ctx context.Context) map[string]Reading {
	out := make(map[string]Reading, len(m.sensors))
	for _, s := range m.sensors {
		readCtx, cancel := context.WithTimeout(ctx, m.budget)
		reading, err := s.Read(readCtx)
		cancel()

		if err != nil {
			m.logger.Warn("sensor read failed, using last reading", "sensor", s.Name(), "error", err)
			m.mu.Lock()
			reading = m.last[s.Name()]
			m.mu.Unlock()
		} else {
			if reading.Timestamp == 0 {
				reading.Timestamp = m.clock.Now().Unix()
			}
			m.mu.Lock()
			m.last[s.Name()] = reading
			m.mu.Unlock()
		}
		out[s.Name()] = reading
	}
	return out
}

// Stop stops all sensors.
func (m *Manager) Stop() {
	for _, s := range m.sensors {
		if err := s.Stop(); err != nil {
			m.logger.Warn("sensor stop failed", "sensor", s.Name(), "error", err)
		}
	}
}

// Spikes flattens all spike directives from a reading set.
func Spikes(readings map[string]Reading) []SpikeDirective {
	var out []SpikeDirective
	for _, r := range readings {
		out = append(out, r.Spikes...)
	}
	return out
}

// CriticalAlert returns the first alert found in a reading set, or "".
func CriticalAlert(readings map[string]Reading) string {
	for _, r := range readings {
		if r.Alert != "" {
			return r.Alert
		}
	}
	return ""
}
