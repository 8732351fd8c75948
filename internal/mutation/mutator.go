package mutation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pulsedaemon/pulse/internal/audit"
	"github.com/pulsedaemon/pulse/internal/clock"
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/guard"
)

// Tunables are the daemon parameters mutations may adjust that live outside
// the drive engine.
type Tunables struct {
	TriggerThreshold float64
	Cooldown         time.Duration
	MaxTurnsPerHour  int
}

// Result is the outcome of one mutation attempt.
type Result struct {
	Mutation Mutation
	Applied  bool
	Rule     string // violated guardrail when rejected
	Reason   string
	Before   map[string]any
	After    map[string]any
}

// Mutator validates and applies mutations. It is not goroutine-safe beyond
// its own lock; the daemon loop is the only caller of Apply.
type Mutator struct {
	mu       sync.Mutex
	engine   *drive.Engine
	tunables *Tunables
	guards   *guard.Guardrails
	limiter  *guard.RateLimiter
	trail    *audit.Trail
	clock    clock.Clock
	logger   *slog.Logger
}

// NewMutator wires the mutation pipeline.
func NewMutator(engine *drive.Engine, tunables *Tunables, guards *guard.Guardrails,
	limiter *guard.RateLimiter, trail *audit.Trail, clk clock.Clock, logger *slog.Logger) *Mutator {
	return &Mutator{
		engine:   engine,
		tunables: tunables,
		guards:   guards,
		limiter:  limiter,
		trail:    trail,
		clock:    clk,
		logger:   logger.With("component", "mutation"),
	}
}

// Apply runs one mutation through shape validation, the rate limiter,
// guardrails, and CEL constraints, then mutates state and records the
// attempt. It never returns an error for a rejection; rejections are
// Results.
func (mu *Mutator) Apply(m Mutation) Result {
	mu.mu.Lock()
	defer mu.mu.Unlock()

	now := mu.clock.Now()
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.RequestedAt == 0 {
		m.RequestedAt = now.Unix()
	}

	res := mu.applyLocked(m, now)
	mu.record(res, now)
	return res
}

func (mu *Mutator) applyLocked(m Mutation, now time.Time) Result {
	res := Result{Mutation: m}

	if err := validateShape(m); err != nil {
		res.Rule = "shape"
		res.Reason = err.Error()
		return res
	}

	if !mu.limiter.Allow(now) {
		res.Rule = "mutation_rate_limit"
		res.Reason = "hourly mutation budget exhausted"
		return res
	}

	if err := mu.guards.CheckConstraints(m.Kind, m.DriveName(), m.Params); err != nil {
		return rejected(res, err)
	}

	var err error
	switch m.Kind {
	case KindAdjustWeight:
		err = mu.adjustWeight(m, &res)
	case KindAdjustThreshold:
		err = mu.adjustThreshold(m, &res)
	case KindAdjustRate:
		err = mu.adjustRate(m, &res)
	case KindAdjustCooldown:
		err = mu.adjustCooldown(m, &res)
	case KindAdjustTurnsPerHour:
		err = mu.adjustTurnsPerHour(m, &res)
	case KindAddDrive:
		err = mu.addDrive(m, &res)
	case KindRemoveDrive:
		err = mu.removeDrive(m, &res)
	case KindSpikeDrive:
		err = mu.spikeDrive(m, &res)
	case KindDecayDrive:
		err = mu.decayDrive(m, &res)
	}
	if err != nil {
		return rejected(res, err)
	}

	res.Applied = true
	mu.limiter.Record(now)
	mu.logger.Info("mutation applied", "kind", m.Kind, "id", m.ID, "drive", m.DriveName())
	return res
}

func rejected(res Result, err error) Result {
	var v *guard.Violation
	if errors.As(err, &v) {
		res.Rule = v.Rule
		res.Reason = v.Message
	} else {
		res.Rule = "invalid"
		res.Reason = err.Error()
	}
	return res
}

func (mu *Mutator) record(res Result, now time.Time) {
	entry := audit.Entry{
		Timestamp: now.Unix(),
		Kind:      res.Mutation.Kind,
		Params:    res.Mutation.Params,
		Before:    res.Before,
		After:     res.After,
		Outcome:   audit.OutcomeApplied,
		Reason:    res.Mutation.Reason,
	}
	if !res.Applied {
		entry.Outcome = audit.OutcomeRejected
		entry.Rule = res.Rule
		entry.Reason = res.Reason
	}
	if err := mu.trail.Record(entry); err != nil {
		mu.logger.Error("failed to record audit entry", "error", err)
	}
}

func (mu *Mutator) adjustWeight(m Mutation, res *Result) error {
	name, err := stringParam(m.Params, "drive")
	if err != nil {
		return err
	}
	delta, err := floatParam(m.Params, "delta")
	if err != nil {
		return err
	}
	d := mu.engine.Get(name)
	if d == nil {
		return fmt.Errorf("drive %q not found", name)
	}
	if err := mu.guards.CheckWeightDelta(name, d.Weight, delta); err != nil {
		return err
	}
	res.Before = map[string]any{"weight": d.Weight}
	d.Weight += delta
	res.After = map[string]any{"weight": d.Weight}
	return nil
}

func (mu *Mutator) adjustThreshold(m Mutation, res *Result) error {
	value, err := floatParam(m.Params, "value")
	if err != nil {
		return err
	}
	if err := mu.guards.CheckThreshold(value); err != nil {
		return err
	}
	res.Before = map[string]any{"threshold": mu.tunables.TriggerThreshold}
	mu.tunables.TriggerThreshold = value
	res.After = map[string]any{"threshold": value}
	return nil
}

func (mu *Mutator) adjustRate(m Mutation, res *Result) error {
	value, err := floatParam(m.Params, "value")
	if err != nil {
		return err
	}
	if err := mu.guards.CheckRate(value); err != nil {
		return err
	}
	params := mu.engine.Params()
	res.Before = map[string]any{"pressure_rate": params.PressureRate}
	params.PressureRate = value
	mu.engine.SetParams(params)
	res.After = map[string]any{"pressure_rate": value}
	return nil
}

func (mu *Mutator) adjustCooldown(m Mutation, res *Result) error {
	seconds, err := floatParam(m.Params, "seconds")
	if err != nil {
		return err
	}
	value := durationFromSeconds(seconds)
	if err := mu.guards.CheckCooldown(value); err != nil {
		return err
	}
	res.Before = map[string]any{"cooldown_seconds": mu.tunables.Cooldown.Seconds()}
	mu.tunables.Cooldown = value
	res.After = map[string]any{"cooldown_seconds": value.Seconds()}
	return nil
}

func (mu *Mutator) adjustTurnsPerHour(m Mutation, res *Result) error {
	value, err := floatParam(m.Params, "value")
	if err != nil {
		return err
	}
	turns := int(value)
	if err := mu.guards.CheckTurnsPerHour(turns); err != nil {
		return err
	}
	res.Before = map[string]any{"max_turns_per_hour": mu.tunables.MaxTurnsPerHour}
	mu.tunables.MaxTurnsPerHour = turns
	res.After = map[string]any{"max_turns_per_hour": turns}
	return nil
}

func (mu *Mutator) addDrive(m Mutation, res *Result) error {
	name, err := stringParam(m.Params, "name")
	if err != nil {
		return err
	}
	weight, err := floatParam(m.Params, "weight")
	if err != nil {
		return err
	}
	if err := mu.guards.CheckAddDrive(name, weight, mu.engine.Count()); err != nil {
		return err
	}
	sources := stringSliceParam(m.Params, "sources")
	if err := mu.engine.Add(name, weight, sources); err != nil {
		return err
	}
	res.After = map[string]any{"name": name, "weight": weight}
	return nil
}

func (mu *Mutator) removeDrive(m Mutation, res *Result) error {
	name, err := stringParam(m.Params, "name")
	if err != nil {
		return err
	}
	if err := mu.guards.CheckRemoveDrive(name); err != nil {
		return err
	}
	d := mu.engine.Get(name)
	if d == nil {
		return fmt.Errorf("drive %q not found", name)
	}
	res.Before = map[string]any{"name": name, "weight": d.Weight, "pressure": d.Pressure}
	return mu.engine.Remove(name)
}

func (mu *Mutator) spikeDrive(m Mutation, res *Result) error {
	return mu.pressureDelta(m, res, false)
}

func (mu *Mutator) decayDrive(m Mutation, res *Result) error {
	return mu.pressureDelta(m, res, true)
}

func (mu *Mutator) pressureDelta(m Mutation, res *Result, decay bool) error {
	name, err := stringParam(m.Params, "drive")
	if err != nil {
		return err
	}
	amount, err := floatParam(m.Params, "amount")
	if err != nil {
		return err
	}
	if err := mu.guards.CheckManualPressure(amount); err != nil {
		return err
	}
	d := mu.engine.Get(name)
	if d == nil {
		return fmt.Errorf("drive %q not found", name)
	}
	res.Before = map[string]any{"pressure": d.Pressure}
	if decay {
		err = mu.engine.Decay(name, amount)
	} else {
		err = mu.engine.Spike(name, amount)
	}
	if err != nil {
		return err
	}
	res.After = map[string]any{"pressure": d.Pressure}
	return nil
}

// WindowSnapshot exposes the rate-limit window for persistence.
func (mu *Mutator) WindowSnapshot() []int64 { return mu.limiter.Snapshot() }

// RestoreWindow reloads a persisted rate-limit window.
func (mu *Mutator) RestoreWindow(window []int64) {
	mu.limiter.Restore(window, mu.clock.Now())
}

// BudgetRemaining reports how many mutations still fit the rolling hour.
func (mu *Mutator) BudgetRemaining(now time.Time) int {
	return mu.limiter.Remaining(now)
}
