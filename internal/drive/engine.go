// Package drive implements the pressure model: named drives accumulate
// pressure over time, sensors spike them, and trigger feedback relieves or
// boosts them. The engine is not goroutine-safe; the daemon loop owns it.
package drive

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pulsedaemon/pulse/internal/clock"
	"github.com/pulsedaemon/pulse/internal/config"
)

// Drive is one source of initiative pressure.
type Drive struct {
	Name      string
	Weight    float64
	Pressure  float64
	Sources   []string
	CreatedAt time.Time

	// LastAddressed is when successful feedback last named this drive.
	LastAddressed time.Time

	// Trigger performance feeding weight evolution.
	Triggers  int
	Successes int
}

// WeightedPressure is the drive's contribution to the trigger decision.
func (d *Drive) WeightedPressure() float64 { return d.Pressure * d.Weight }

// Params are the engine tunables that mutations may adjust at runtime.
type Params struct {
	PressureRate           float64
	MaxPressure            float64
	SuccessDecay           float64
	FailureBoost           float64
	ProportionalDecayScale float64
	AdaptiveDecay          bool
	MaxEvolveDelta         float64
}

// Engine owns the drive set. Drives keep insertion order so ties resolve
// deterministically.
type Engine struct {
	params   Params
	order    []string
	drives   map[string]*Drive
	clock    clock.Clock
	logger   *slog.Logger
	lastTick time.Time
}

// NewEngine creates an engine seeded from config.
func NewEngine(cfg config.DrivesConfig, clk clock.Clock, logger *slog.Logger) *Engine {
	e := &Engine{
		params: Params{
			PressureRate:           cfg.PressureRate,
			MaxPressure:            cfg.MaxPressure,
			SuccessDecay:           cfg.SuccessDecay,
			FailureBoost:           cfg.FailureBoost,
			ProportionalDecayScale: cfg.ProportionalDecayScale,
			AdaptiveDecay:          cfg.AdaptiveDecay,
			MaxEvolveDelta:         cfg.MaxEvolveDelta,
		},
		drives:   make(map[string]*Drive),
		clock:    clk,
		logger:   logger.With("component", "drive.Engine"),
		lastTick: clk.Now(),
	}
	for _, seed := range cfg.Seeds {
		_ = e.Add(seed.Name, seed.Weight, seed.Sources)
	}
	return e
}

// Params returns the current tunables.
func (e *Engine) Params() Params { return e.params }

// SetParams replaces the tunables. Guardrail validation happens upstream.
func (e *Engine) SetParams(p Params) { e.params = p }

// Add creates a drive. Adding an existing name is an error.
func (e *Engine) Add(name string, weight float64, sources []string) error {
	if _, exists := e.drives[name]; exists {
		return fmt.Errorf("drive %q already exists", name)
	}
	e.drives[name] = &Drive{
		Name:      name,
		Weight:    weight,
		Sources:   append([]string(nil), sources...),
		CreatedAt: e.clock.Now(),
	}
	e.order = append(e.order, name)
	return nil
}

// Remove deletes a drive. Protection is enforced upstream by guardrails.
func (e *Engine) Remove(name string) error {
	if _, exists := e.drives[name]; !exists {
		return fmt.Errorf("drive %q not found", name)
	}
	delete(e.drives, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the named drive, or nil.
func (e *Engine) Get(name string) *Drive { return e.drives[name] }

// All returns the drives in insertion order.
func (e *Engine) All() []*Drive {
	out := make([]*Drive, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.drives[name])
	}
	return out
}

// Count returns the number of drives.
func (e *Engine) Count() int { return len(e.order) }

// Tick accrues pressure for the time elapsed since the previous tick.
// PressureRate is per minute, so an idle hour at weight 1.0 adds 60x the
// rate.
func (e *Engine) Tick() {
	now := e.clock.Now()
	dt := now.Sub(e.lastTick)
	e.lastTick = now
	if dt <= 0 {
		return
	}

	minutes := dt.Minutes()
	for _, d := range e.drives {
		d.Pressure = clamp(d.Pressure+e.params.PressureRate*minutes*d.Weight, 0, e.params.MaxPressure)
	}
}

// Spike adds pressure to a drive immediately.
func (e *Engine) Spike(name string, amount float64) error {
	d, ok := e.drives[name]
	if !ok {
		return fmt.Errorf("drive %q not found", name)
	}
	d.Pressure = clamp(d.Pressure+amount, 0, e.params.MaxPressure)
	return nil
}

// Decay reduces a drive's pressure by an absolute amount.
func (e *Engine) Decay(name string, amount float64) error {
	d, ok := e.drives[name]
	if !ok {
		return fmt.Errorf("drive %q not found", name)
	}
	d.Pressure = clamp(d.Pressure-amount, 0, e.params.MaxPressure)
	return nil
}

// Top returns the drive with the highest weighted pressure. Ties resolve to
// the earlier-added drive. Returns nil when no drives exist.
func (e *Engine) Top() *Drive {
	var top *Drive
	for _, name := range e.order {
		d := e.drives[name]
		if top == nil || d.WeightedPressure() > top.WeightedPressure() {
			top = d
		}
	}
	return top
}

// TotalPressure sums weighted pressure across all drives.
func (e *Engine) TotalPressure() float64 {
	var total float64
	for _, d := range e.drives {
		total += d.WeightedPressure()
	}
	return total
}

// decayCap keeps relief factors below full wipe so pressure never snaps to
// exactly zero from a single success.
const decayCap = 0.95

// adaptiveMultiplierMax bounds how much adaptive decay can amplify relief.
const adaptiveMultiplierMax = 3.0

// RecordSuccess applies trigger-success relief. Each addressed drive decays
// by SuccessDecay; every other drive receives a share proportional to its
// fraction of total weighted pressure, amplified by the configured scale.
// Overrides replace the computed relief with absolute amounts per drive.
// Names not present in the engine no-op silently: the drive may have been
// removed while the turn was in flight.
func (e *Engine) RecordSuccess(addressed []string, threshold float64, overrides map[string]float64) {
	e.relieve(addressed, 1.0, threshold, overrides, true)
}

// RecordPartial applies half-strength relief for a turn that helped but did
// not resolve the need. Partial turns count toward trigger totals without
// counting as successes.
func (e *Engine) RecordPartial(addressed []string, threshold float64, overrides map[string]float64) {
	e.relieve(addressed, 0.5, threshold, overrides, false)
}

func (e *Engine) relieve(addressed []string, scale, threshold float64, overrides map[string]float64, success bool) {
	named := make(map[string]bool, len(addressed))
	for _, name := range addressed {
		d, ok := e.drives[name]
		if !ok {
			continue
		}
		named[name] = true
		d.Triggers++
		if success {
			d.Successes++
			d.LastAddressed = e.clock.Now()
		}
	}
	if len(named) == 0 {
		return
	}

	decay := e.params.SuccessDecay * scale
	if e.params.AdaptiveDecay && threshold > 0 {
		// Far above threshold, relief scales up so pressure cannot run away
		// while the agent keeps responding.
		multiplier := e.TotalPressure() / threshold
		if multiplier > adaptiveMultiplierMax {
			multiplier = adaptiveMultiplierMax
		}
		if multiplier > 1 {
			decay *= multiplier
		}
	}

	total := e.TotalPressure()
	for _, d := range e.drives {
		if amount, ok := overrides[d.Name]; ok {
			d.Pressure = clamp(d.Pressure-amount, 0, e.params.MaxPressure)
			continue
		}
		factor := 0.0
		if named[d.Name] {
			factor = decay
		} else if total > 0 {
			share := d.WeightedPressure() / total
			factor = decay * share * e.params.ProportionalDecayScale
		}
		if factor > decayCap {
			factor = decayCap
		}
		d.Pressure = clamp(d.Pressure*(1-factor), 0, e.params.MaxPressure)
	}
}

// RecordFailure boosts the addressed drive by FailureBoost: an ignored or
// failed turn leaves the need unmet and a little more urgent.
func (e *Engine) RecordFailure(addressed string) {
	d, ok := e.drives[addressed]
	if !ok {
		return
	}
	d.Triggers++
	d.Pressure = clamp(d.Pressure+e.params.FailureBoost, 0, e.params.MaxPressure)
}

// minEvolveSample is the trigger count below which a drive's success rate is
// too noisy to act on.
const minEvolveSample = 3

// EvolveWeights nudges weights toward drives whose triggers succeed and away
// from drives whose triggers fail, by at most MaxEvolveDelta per call.
// floorFor supplies the per-drive weight floor (protected drives sit
// higher); maxWeight caps the ceiling.
func (e *Engine) EvolveWeights(floorFor func(string) float64, maxWeight float64) {
	// Average success rate over drives with enough samples.
	var sum float64
	var n int
	for _, d := range e.drives {
		if d.Triggers >= minEvolveSample {
			sum += float64(d.Successes) / float64(d.Triggers)
			n++
		}
	}
	if n == 0 {
		return
	}
	avg := sum / float64(n)

	for _, d := range e.drives {
		if d.Triggers < minEvolveSample {
			continue
		}
		rate := float64(d.Successes) / float64(d.Triggers)
		delta := 0.0
		switch {
		case rate > avg:
			delta = e.params.MaxEvolveDelta
		case rate < avg:
			delta = -e.params.MaxEvolveDelta
		}
		if delta == 0 {
			continue
		}
		next := clamp(d.Weight+delta, floorFor(d.Name), maxWeight)
		if next != d.Weight {
			e.logger.Debug("evolved drive weight",
				"drive", d.Name, "from", d.Weight, "to", next, "success_rate", rate)
			d.Weight = next
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
