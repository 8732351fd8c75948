// Package daemon owns the Pulse main loop: it ticks the drive engine,
// reads sensors, drains the mutation queue, evaluates trigger conditions,
// and wakes the agent. All mutable state is confined to the loop goroutine;
// the HTTP server talks to it through a snapshot and a command channel.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pulsedaemon/pulse/internal/audit"
	"github.com/pulsedaemon/pulse/internal/bus"
	"github.com/pulsedaemon/pulse/internal/chronicle"
	"github.com/pulsedaemon/pulse/internal/clock"
	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/guard"
	"github.com/pulsedaemon/pulse/internal/metrics"
	"github.com/pulsedaemon/pulse/internal/mutation"
	"github.com/pulsedaemon/pulse/internal/sensor"
	"github.com/pulsedaemon/pulse/internal/server"
	"github.com/pulsedaemon/pulse/internal/state"
	"github.com/pulsedaemon/pulse/internal/webhook"
)

const (
	// maxConsecutiveFailures aborts the daemon when the loop keeps dying.
	maxConsecutiveFailures = 5

	// pruneEveryLoops spaces out chronicle retention sweeps.
	pruneEveryLoops = 120

	// maxTrackedTriggers bounds the trigger→drive attribution map.
	maxTrackedTriggers = 64
)

// State section names in state.json.
const (
	sectionDrives = "drives"
	sectionDaemon = "daemon"
)

// daemonState is the persisted loop bookkeeping.
type daemonState struct {
	LoopCount       int64             `json:"loop_count"`
	EvolveCounter   int               `json:"evolve_counter"`
	SuppressedUntil int64             `json:"suppressed_until,omitempty"`
	LastTriggerAt   int64             `json:"last_trigger_at,omitempty"`
	LastActivityAt  int64             `json:"last_activity_at,omitempty"`
	MutationWindow  []int64           `json:"mutation_window,omitempty"`
	TurnWindow      []int64           `json:"turn_window,omitempty"`
	TriggerDrives   map[string]string `json:"trigger_drives,omitempty"`

	TriggerThreshold float64 `json:"trigger_threshold"`
	CooldownSeconds  float64 `json:"cooldown_seconds"`
	MaxTurnsPerHour  int     `json:"max_turns_per_hour"`
}

// Daemon is the assembled Pulse runtime.
type Daemon struct {
	cfg    *config.Config
	loader *config.Loader
	clk    clock.Clock
	logger *slog.Logger

	lock       *state.ProcessLock
	store      *state.Store
	engine     *drive.Engine
	guards     *guard.Guardrails
	turnLimit  *guard.RateLimiter
	tunables   *mutation.Tunables
	mutator    *mutation.Mutator
	queue      *mutation.Queue
	trail      *audit.Trail
	triggerLog *audit.Log
	sensors    *sensor.Manager
	selfWrites *sensor.SelfWrites
	eval       evaluator.Evaluator
	agent      *webhook.Client
	archive    *chronicle.Chronicle
	metrics    *metrics.Metrics
	events     *bus.Bus

	snapshot *server.SnapshotHolder
	commands chan server.Command
	api      *server.Server

	startedAt       time.Time
	loopCount       int64
	evolveCounter   int
	suppressedUntil time.Time
	lastTriggerAt   time.Time
	lastActivityAt  time.Time
	lastTrigger     *server.TriggerView
	triggerDrives   map[string]string // trigger id → drive, for feedback attribution
	triggerOrder    []string
	lastAlert       string
	persistFailing  bool
}

// New assembles the daemon from configuration. It acquires the state-dir
// lock, so a second instance fails here.
func New(loader *config.Loader, logger *slog.Logger) (*Daemon, error) {
	return newDaemon(loader, logger, clock.System{})
}

func newDaemon(loader *config.Loader, logger *slog.Logger, clk clock.Clock) (*Daemon, error) {
	cfg := loader.Get()

	stateDir := config.ExpandPath(cfg.State.Dir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	lock, err := state.AcquireLock(stateDir)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:           cfg,
		loader:        loader,
		clk:           clk,
		logger:        logger.With("component", "daemon"),
		lock:          lock,
		startedAt:     clk.Now(),
		triggerDrives: make(map[string]string),
		snapshot:      &server.SnapshotHolder{},
		commands:      make(chan server.Command, 16),
	}

	if err := d.build(stateDir); err != nil {
		lock.Release()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(stateDir string) error {
	cfg := d.cfg
	var err error

	d.store, err = state.NewStore(stateDir, cfg.State.SaveInterval.Std(), d.clk, d.logger)
	if err != nil {
		return err
	}

	d.engine = drive.NewEngine(cfg.Drives, d.clk, d.logger)

	d.guards, err = guard.New(cfg.Guardrails, d.logger)
	if err != nil {
		return err
	}

	d.trail, err = audit.NewTrail(stateDir, cfg.State.AuditMaxBytes, d.logger)
	if err != nil {
		return err
	}
	d.triggerLog, err = audit.NewLog(filepath.Join(stateDir, "triggers.jsonl"), cfg.State.HistoryMaxBytes, d.logger)
	if err != nil {
		return err
	}

	d.tunables = &mutation.Tunables{
		TriggerThreshold: cfg.Drives.TriggerThreshold,
		Cooldown:         cfg.Agent.MinTriggerInterval.Std(),
		MaxTurnsPerHour:  cfg.Agent.MaxTurnsPerHour,
	}
	mutationLimit := guard.NewRateLimiter(cfg.Guardrails.MaxMutationsPerHour)
	d.turnLimit = guard.NewRateLimiter(cfg.Agent.MaxTurnsPerHour)
	d.mutator = mutation.NewMutator(d.engine, d.tunables, d.guards, mutationLimit, d.trail, d.clk, d.logger)
	d.queue = mutation.NewQueue(filepath.Join(stateDir, "mutations.json"), d.logger)

	d.restore()

	d.selfWrites = sensor.NewSelfWrites()
	d.selfWrites.Mark(stateDir)
	d.sensors = sensor.NewManager(cfg.Sensors.ReadBudget.Std(), d.clk, d.logger)

	d.eval = d.newEvaluator()
	d.agent = webhook.NewClient(cfg.Agent, d.logger)

	d.archive, err = chronicle.Open(filepath.Join(stateDir, "chronicle.db"), d.logger)
	if err != nil {
		return err
	}

	d.metrics = metrics.New(d.startedAt)
	d.events = bus.New(64, d.logger)
	d.api = server.New(d.snapshot, d.commands, d.loader, d.trail, d.archive,
		d.metrics.Handler(), d.events, d.logger)
	return nil
}

func (d *Daemon) newEvaluator() evaluator.Evaluator {
	if d.cfg.Evaluator.Mode == "model" {
		return evaluator.NewModel(d.cfg.Evaluator, d.clk, d.logger)
	}
	return evaluator.NewRules(d.cfg.Evaluator, d.logger)
}

// restore rehydrates the engine and loop bookkeeping from state.json.
func (d *Daemon) restore() {
	var snap drive.Snapshot
	if found, err := d.store.Get(sectionDrives, &snap); err != nil {
		d.logger.Warn("drive state unreadable, starting fresh", "error", err)
	} else if found {
		d.engine.Restore(snap)
		d.logger.Info("restored drives", "count", d.engine.Count())
	}

	var ds daemonState
	found, err := d.store.Get(sectionDaemon, &ds)
	if err != nil {
		d.logger.Warn("daemon state unreadable, starting fresh", "error", err)
		return
	}
	if !found {
		return
	}

	now := d.clk.Now()
	d.loopCount = ds.LoopCount
	d.evolveCounter = ds.EvolveCounter
	if ds.SuppressedUntil > 0 {
		d.suppressedUntil = time.Unix(ds.SuppressedUntil, 0)
	}
	if ds.LastTriggerAt > 0 {
		d.lastTriggerAt = time.Unix(ds.LastTriggerAt, 0)
	}
	if ds.LastActivityAt > 0 {
		d.lastActivityAt = time.Unix(ds.LastActivityAt, 0)
	}
	d.mutator.RestoreWindow(ds.MutationWindow)
	d.turnLimit.Restore(ds.TurnWindow, now)
	for id, drv := range ds.TriggerDrives {
		d.triggerDrives[id] = drv
		d.triggerOrder = append(d.triggerOrder, id)
	}
	if ds.TriggerThreshold > 0 {
		d.tunables.TriggerThreshold = ds.TriggerThreshold
	}
	if ds.CooldownSeconds > 0 {
		d.tunables.Cooldown = time.Duration(ds.CooldownSeconds * float64(time.Second))
	}
	if ds.MaxTurnsPerHour > 0 {
		d.tunables.MaxTurnsPerHour = ds.MaxTurnsPerHour
	}
}

// registerSensors initializes the configured sensors. Called from Run so
// tests can build a Daemon without watching the real filesystem.
func (d *Daemon) registerSensors(ctx context.Context) {
	cfg := d.cfg
	if cfg.Sensors.Filesystem.Enabled {
		d.sensors.Register(ctx, sensor.NewFilesystem(cfg.Sensors.Filesystem, d.selfWrites, d.logger))
	}
	if len(cfg.Sensors.Conversation.SessionDirs) > 0 {
		d.sensors.Register(ctx, sensor.NewConversation(cfg.Sensors.Conversation, d.clk, d.logger))
	}
	if cfg.Sensors.System.Enabled {
		d.sensors.Register(ctx, sensor.NewSystem(cfg.Sensors.System, config.ExpandPath(cfg.State.Dir), d.logger))
	}
	d.sensors.Register(ctx, sensor.NewSources(d.listSources, cfg.Drives.SourceSpike, d.selfWrites, d.logger))
}

// listSources feeds the sources sensor. Only called from the loop goroutine
// (the manager reads sensors while the loop waits), so no locking.
func (d *Daemon) listSources() map[string][]string {
	out := make(map[string][]string)
	for _, drv := range d.engine.All() {
		if len(drv.Sources) > 0 {
			out[drv.Name] = drv.Sources
		}
	}
	return out
}

// Run executes the daemon until ctx is cancelled or the loop fails
// repeatedly. State is always saved on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	d.registerSensors(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- d.api.Start(d.cfg.Daemon.ListenAddr)
	}()

	d.logger.Info("pulse daemon started",
		"drives", d.engine.Count(),
		"evaluator", d.eval.Name(),
		"loop_interval", d.cfg.Daemon.LoopInterval.Std())

	// Connectivity check, not a gate: the agent host may come up later.
	if ping := d.agent.Ping(ctx); ping.Delivered() {
		d.logger.Info("agent webhook reachable")
	} else {
		d.logger.Warn("agent webhook unreachable", "status", ping.Status, "error", ping.Error)
	}

	d.publishSnapshot()

	ticker := time.NewTicker(d.cfg.Daemon.LoopInterval.Std())
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case err := <-serverErr:
			d.shutdown()
			return fmt.Errorf("api server: %w", err)
		case cmd := <-d.commands:
			d.handleCommand(ctx, cmd)
			d.publishSnapshot()
		case <-ticker.C:
			if err := d.safeLoop(ctx); err != nil {
				failures++
				d.metrics.ObserveLoopError()
				d.logger.Error("loop iteration failed", "error", err, "consecutive", failures)
				d.events.Publish(bus.Event{
					Type:      bus.EventError,
					Timestamp: d.clk.Now().Unix(),
					Data:      map[string]any{"error": err.Error()},
				})
				if failures >= maxConsecutiveFailures {
					d.shutdown()
					return fmt.Errorf("loop failed %d times in a row, giving up: %w", failures, err)
				}
			} else {
				failures = 0
			}
			d.publishSnapshot()
		}
	}
}

// safeLoop converts a panicking loop iteration into an error so one bad
// sensor or evaluator cannot kill the process outright.
func (d *Daemon) safeLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loop panic: %v", r)
		}
	}()
	return d.loopOnce(ctx)
}

func (d *Daemon) shutdown() {
	d.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Daemon.ShutdownTimeout.Std())
	defer cancel()
	if err := d.api.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("api shutdown", "error", err)
	}

	d.sensors.Stop()

	d.persist()
	if err := d.store.Save(); err != nil {
		d.logger.Error("final state save failed", "error", err)
	}

	d.archive.Close()
	d.trail.Close()
	d.triggerLog.Close()
	if err := d.lock.Release(); err != nil {
		d.logger.Warn("release lock", "error", err)
	}
}

// persist stages current state into the store. The caller decides whether
// to force a write or let MaybeSave batch it.
func (d *Daemon) persist() {
	if err := d.store.Set(sectionDrives, d.engine.Snapshot()); err != nil {
		d.logger.Error("stage drive state", "error", err)
	}
	ds := daemonState{
		LoopCount:        d.loopCount,
		EvolveCounter:    d.evolveCounter,
		MutationWindow:   d.mutator.WindowSnapshot(),
		TurnWindow:       d.turnLimit.Snapshot(),
		TriggerDrives:    d.triggerDrives,
		TriggerThreshold: d.tunables.TriggerThreshold,
		CooldownSeconds:  d.tunables.Cooldown.Seconds(),
		MaxTurnsPerHour:  d.tunables.MaxTurnsPerHour,
	}
	if !d.suppressedUntil.IsZero() {
		ds.SuppressedUntil = d.suppressedUntil.Unix()
	}
	if !d.lastTriggerAt.IsZero() {
		ds.LastTriggerAt = d.lastTriggerAt.Unix()
	}
	if !d.lastActivityAt.IsZero() {
		ds.LastActivityAt = d.lastActivityAt.Unix()
	}
	if err := d.store.Set(sectionDaemon, ds); err != nil {
		d.logger.Error("stage daemon state", "error", err)
	}
}

// publishSnapshot rebuilds the read model served on /state.
func (d *Daemon) publishSnapshot() {
	now := d.clk.Now()
	snap := &server.StateSnapshot{
		Timestamp:        now.Unix(),
		UptimeSeconds:    int64(now.Sub(d.startedAt).Seconds()),
		LoopCount:        d.loopCount,
		TotalPressure:    d.engine.TotalPressure(),
		TriggerThreshold: d.tunables.TriggerThreshold,
		CooldownSeconds:  d.tunables.Cooldown.Seconds(),
		MaxTurnsPerHour:  d.tunables.MaxTurnsPerHour,
		TurnsInWindow:    d.tunables.MaxTurnsPerHour - d.turnLimit.Remaining(now),
		LastTrigger:      d.lastTrigger,
		Alert:            d.lastAlert,
		Degraded:         d.persistFailing,
	}
	for _, drv := range d.engine.All() {
		view := server.DriveView{
			Name:      drv.Name,
			Pressure:  drv.Pressure,
			Weight:    drv.Weight,
			Weighted:  drv.WeightedPressure(),
			Sources:   drv.Sources,
			Triggers:  drv.Triggers,
			Successes: drv.Successes,
		}
		if !drv.LastAddressed.IsZero() {
			view.LastAddressed = drv.LastAddressed.Unix()
		}
		snap.Drives = append(snap.Drives, view)
	}
	snap.Evaluator.Mode = d.eval.Name()
	if m, ok := d.eval.(*evaluator.Model); ok {
		snap.Evaluator.Degraded = m.Degraded()
	}
	if d.suppressedUntil.After(now) {
		snap.Evaluator.SuppressedUntil = d.suppressedUntil.Unix()
	}
	snap.Guardrails.MaxMutationsPerHour = d.cfg.Guardrails.MaxMutationsPerHour
	snap.Guardrails.MaxWeightDelta = d.cfg.Guardrails.MaxWeightDelta
	snap.Guardrails.MaxDrives = d.cfg.Guardrails.MaxDrives
	snap.Guardrails.ProtectedDrives = d.cfg.Guardrails.ProtectedDrives
	snap.MutationBudgetRemaining = d.mutator.BudgetRemaining(now)
	snap.MutationWindow = d.mutator.WindowSnapshot()

	d.snapshot.Store(snap)
}
