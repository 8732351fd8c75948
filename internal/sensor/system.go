package sensor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/pulsedaemon/pulse/internal/config"
)

// System watches host health: watched processes, free disk under the state
// directory, free memory. Checks run in a background worker so a hung
// command never stalls the daemon loop; Read serves the cached snapshot.
type System struct {
	cfg      config.SystemSensorConfig
	stateDir string
	logger   *slog.Logger

	refresh chan struct{}
	done    chan struct{}

	mu   sync.Mutex
	snap systemSnapshot
}

type systemSnapshot struct {
	missingProcesses []string
	freeDiskMB       int
	freeMemMB        int
	checked          bool
}

// NewSystem creates the system sensor. stateDir is the disk whose free
// space matters — a full state disk means persistence is about to fail.
func NewSystem(cfg config.SystemSensorConfig, stateDir string, logger *slog.Logger) *System {
	return &System{
		cfg:      cfg,
		stateDir: stateDir,
		logger:   logger.With("component", "sensor.system"),
		refresh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *System) Name() string { return "system" }

// Initialize runs a first check synchronously, then starts the worker.
func (s *System) Initialize(ctx context.Context) error {
	s.snapshot(ctx)
	go s.worker()
	return nil
}

func (s *System) worker() {
	for {
		select {
		case <-s.done:
			return
		case <-s.refresh:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout.Std()*4)
			s.snapshot(ctx)
			cancel()
		}
	}
}

func (s *System) snapshot(ctx context.Context) {
	var snap systemSnapshot
	snap.checked = true

	for _, proc := range s.cfg.WatchProcesses {
		if !s.processRunning(ctx, proc) {
			snap.missingProcesses = append(snap.missingProcesses, proc)
		}
	}
	snap.freeDiskMB = freeDiskMB(s.stateDir)
	snap.freeMemMB = freeMemMB()

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *System) processRunning(ctx context.Context, name string) bool {
	cmdCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout.Std())
	defer cancel()
	err := exec.CommandContext(cmdCtx, "pgrep", "-x", name).Run()
	return err == nil
}

// Read serves the cached snapshot and kicks an async refresh for the next
// loop.
func (s *System) Read(_ context.Context) (Reading, error) {
	select {
	case s.refresh <- struct{}{}:
	default: // refresh already queued
	}

	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()

	if !snap.checked {
		return Reading{Payload: map[string]any{"checked": false}}, nil
	}

	reading := Reading{
		Payload: map[string]any{
			"checked":      true,
			"free_disk_mb": snap.freeDiskMB,
			"free_mem_mb":  snap.freeMemMB,
		},
	}

	switch {
	case len(snap.missingProcesses) > 0:
		reading.Alert = fmt.Sprintf("watched process down: %s", strings.Join(snap.missingProcesses, ", "))
	case snap.freeDiskMB >= 0 && snap.freeDiskMB < s.cfg.MinFreeDiskMB:
		reading.Alert = fmt.Sprintf("low disk: %d MB free under state dir", snap.freeDiskMB)
	}
	if snap.freeMemMB >= 0 && snap.freeMemMB < s.cfg.MinFreeMemMB {
		reading.Spikes = append(reading.Spikes, SpikeDirective{
			Drive:  "system",
			Amount: 1.0,
			Reason: fmt.Sprintf("low memory: %d MB free", snap.freeMemMB),
		})
	}
	return reading, nil
}

// Stop shuts down the worker.
func (s *System) Stop() error {
	close(s.done)
	return nil
}

// freeDiskMB returns free megabytes on the filesystem holding path, or -1.
func freeDiskMB(path string) int {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return -1
	}
	return int(uint64(st.Bavail) * uint64(st.Bsize) / (1024 * 1024))
}

// freeMemMB reads MemAvailable from /proc/meminfo, or -1 where unsupported.
func freeMemMB() int {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return -1
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return -1
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return -1
		}
		return kb / 1024
	}
	return -1
}
