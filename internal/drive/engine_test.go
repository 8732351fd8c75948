package drive

import (
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/pulsedaemon/pulse/internal/clock"
	"github.com/pulsedaemon/pulse/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEngine(t *testing.T, clk clock.Clock) *Engine {
	t.Helper()
	cfg := config.DrivesConfig{
		PressureRate:           0.1,
		MaxPressure:            10.0,
		SuccessDecay:           0.7,
		FailureBoost:           0.2,
		SourceSpike:            1.5,
		ProportionalDecayScale: 2.0,
		MaxEvolveDelta:         0.05,
		Seeds: []config.DriveSeed{
			{Name: "goals", Weight: 1.0},
			{Name: "growth", Weight: 0.8},
			{Name: "curiosity", Weight: 0.5},
		},
	}
	return NewEngine(cfg, clk, testLogger())
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestEngine_TickAccruesByElapsedMinutesAndWeight(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	clk.Advance(10 * time.Minute)
	e.Tick()

	// pressure += rate * minutes * weight
	if got := e.Get("goals").Pressure; !almostEqual(got, 0.1*10*1.0) {
		t.Errorf("goals pressure = %g, want 1.0", got)
	}
	if got := e.Get("growth").Pressure; !almostEqual(got, 0.1*10*0.8) {
		t.Errorf("growth pressure = %g, want 0.8", got)
	}
	if got := e.Get("curiosity").Pressure; !almostEqual(got, 0.1*10*0.5) {
		t.Errorf("curiosity pressure = %g, want 0.5", got)
	}

	// A second tick with no elapsed time adds nothing.
	e.Tick()
	if got := e.Get("goals").Pressure; !almostEqual(got, 1.0) {
		t.Errorf("goals pressure after zero-dt tick = %g, want 1.0", got)
	}
}

func TestEngine_TickClampsAtMaxPressure(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	clk.Advance(48 * time.Hour)
	e.Tick()

	for _, d := range e.All() {
		if d.Pressure > 10.0 {
			t.Errorf("drive %q pressure = %g, want <= 10.0", d.Name, d.Pressure)
		}
	}
	if got := e.Get("goals").Pressure; !almostEqual(got, 10.0) {
		t.Errorf("goals pressure = %g, want clamped 10.0", got)
	}
}

func TestEngine_SpikeAndDecayClamp(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	if err := e.Spike("goals", 1.5); err != nil {
		t.Fatalf("Spike() error: %v", err)
	}
	if got := e.Get("goals").Pressure; !almostEqual(got, 1.5) {
		t.Errorf("pressure after spike = %g, want 1.5", got)
	}

	if err := e.Spike("goals", 100); err != nil {
		t.Fatalf("Spike() error: %v", err)
	}
	if got := e.Get("goals").Pressure; !almostEqual(got, 10.0) {
		t.Errorf("pressure after oversized spike = %g, want 10.0", got)
	}

	if err := e.Decay("goals", 100); err != nil {
		t.Fatalf("Decay() error: %v", err)
	}
	if got := e.Get("goals").Pressure; !almostEqual(got, 0) {
		t.Errorf("pressure after oversized decay = %g, want 0", got)
	}

	if err := e.Spike("nope", 1); err == nil {
		t.Error("Spike(unknown) = nil, want error")
	}
}

func TestEngine_TopUsesWeightedPressureWithStableTies(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	// curiosity has more raw pressure but goals wins on weighted.
	_ = e.Spike("goals", 3.0)     // weighted 3.0
	_ = e.Spike("curiosity", 5.0) // weighted 2.5
	if top := e.Top(); top.Name != "goals" {
		t.Errorf("Top() = %q, want \"goals\"", top.Name)
	}

	// Exact tie resolves to the earlier-added drive.
	_ = e.Spike("curiosity", 1.0) // weighted 3.0, tie with goals
	if top := e.Top(); top.Name != "goals" {
		t.Errorf("Top() on tie = %q, want earlier drive \"goals\"", top.Name)
	}
}

func TestEngine_RecordSuccessProportionalRelief(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	_ = e.Spike("goals", 4.0)     // weighted 4.0
	_ = e.Spike("growth", 2.5)    // weighted 2.0
	_ = e.Spike("curiosity", 2.0) // weighted 1.0

	total := e.TotalPressure() // 7.0
	e.RecordSuccess([]string{"goals"}, 0, nil)

	// Addressed drive: full decay factor.
	if got := e.Get("goals").Pressure; !almostEqual(got, 4.0*0.3) {
		t.Errorf("goals pressure = %g, want 1.2", got)
	}

	// Others: decay * share * scale.
	growthFactor := 0.7 * (2.0 / total) * 2.0
	if got := e.Get("growth").Pressure; !almostEqual(got, 2.5*(1-growthFactor)) {
		t.Errorf("growth pressure = %g, want %g", got, 2.5*(1-growthFactor))
	}
	curiosityFactor := 0.7 * (1.0 / total) * 2.0
	if got := e.Get("curiosity").Pressure; !almostEqual(got, 2.0*(1-curiosityFactor)) {
		t.Errorf("curiosity pressure = %g, want %g", got, 2.0*(1-curiosityFactor))
	}

	// Performance recorded on the addressed drive only.
	if d := e.Get("goals"); d.Triggers != 1 || d.Successes != 1 {
		t.Errorf("goals stats = %d/%d, want 1/1", d.Successes, d.Triggers)
	}
	if d := e.Get("growth"); d.Triggers != 0 {
		t.Errorf("growth triggers = %d, want 0", d.Triggers)
	}
}

func TestEngine_RecordPartialHalvesRelief(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	_ = e.Spike("goals", 4.0)

	e.RecordPartial([]string{"goals"}, 0, nil)

	// Half of the 0.7 success decay.
	if got := e.Get("goals").Pressure; !almostEqual(got, 4.0*(1-0.35)) {
		t.Errorf("goals pressure = %g, want %g", got, 4.0*0.65)
	}
	// Partial counts the trigger but not the success.
	if d := e.Get("goals"); d.Triggers != 1 || d.Successes != 0 {
		t.Errorf("goals stats = %d/%d, want 0/1", d.Successes, d.Triggers)
	}
}

func TestEngine_RecordSuccessMultipleAddressed(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	_ = e.Spike("goals", 3.0)
	_ = e.Spike("growth", 2.0) // weighted 1.6

	e.RecordSuccess([]string{"goals", "growth"}, 0, nil)

	// Both named drives take the full decay factor.
	if got := e.Get("goals").Pressure; !almostEqual(got, 3.0*0.3) {
		t.Errorf("goals pressure = %g, want 0.9", got)
	}
	if got := e.Get("growth").Pressure; !almostEqual(got, 2.0*0.3) {
		t.Errorf("growth pressure = %g, want 0.6", got)
	}
	if d := e.Get("growth"); d.Successes != 1 {
		t.Errorf("growth successes = %d, want 1", d.Successes)
	}
}

func TestEngine_RecordSuccessOverrides(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	_ = e.Spike("goals", 4.0)
	_ = e.Spike("growth", 3.0)

	e.RecordSuccess([]string{"goals"}, 0, map[string]float64{"growth": 2.5})

	// Override replaces the computed relief with an absolute amount.
	if got := e.Get("growth").Pressure; !almostEqual(got, 0.5) {
		t.Errorf("growth pressure = %g, want 0.5", got)
	}
	// Non-overridden drive still uses the factor.
	if got := e.Get("goals").Pressure; !almostEqual(got, 4.0*0.3) {
		t.Errorf("goals pressure = %g, want 1.2", got)
	}
}

func TestEngine_AdaptiveDecayAmplifiesWhenFarOverThreshold(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)
	p := e.Params()
	p.AdaptiveDecay = true
	p.SuccessDecay = 0.3
	e.SetParams(p)

	_ = e.Spike("goals", 10.0) // weighted 10.0, threshold 2.0 → multiplier capped at 3

	e.RecordSuccess([]string{"goals"}, 2.0, nil)

	// decay = 0.3 * 3 = 0.9 → pressure 10 * 0.1
	if got := e.Get("goals").Pressure; !almostEqual(got, 1.0) {
		t.Errorf("goals pressure = %g, want 1.0 (amplified decay)", got)
	}
}

func TestEngine_RecordFailureBoostsAddressedDrive(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	_ = e.Spike("goals", 3.0)
	e.RecordFailure("goals")

	if got := e.Get("goals").Pressure; !almostEqual(got, 3.2) {
		t.Errorf("goals pressure = %g, want 3.2", got)
	}
	if d := e.Get("goals"); d.Triggers != 1 || d.Successes != 0 {
		t.Errorf("goals stats = %d/%d, want 0/1", d.Successes, d.Triggers)
	}
}

func TestEngine_AddRemove(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	if err := e.Add("tinkering", 0.4, []string{"~/projects"}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := e.Add("tinkering", 0.4, nil); err == nil {
		t.Error("Add(duplicate) = nil, want error")
	}
	if e.Count() != 4 {
		t.Errorf("Count() = %d, want 4", e.Count())
	}

	if err := e.Remove("tinkering"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if err := e.Remove("tinkering"); err == nil {
		t.Error("Remove(missing) = nil, want error")
	}
	if e.Get("tinkering") != nil {
		t.Error("removed drive still present")
	}
}

func TestEngine_EvolveWeightsRewardsSuccessfulDrives(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	// goals: 4/4 succeeded; curiosity: 0/4; growth: too few samples.
	g := e.Get("goals")
	g.Triggers, g.Successes = 4, 4
	c := e.Get("curiosity")
	c.Triggers, c.Successes = 4, 0
	e.Get("growth").Triggers = 1

	floor := func(name string) float64 {
		if name == "goals" || name == "growth" {
			return 0.25
		}
		return 0.05
	}
	e.EvolveWeights(floor, 3.0)

	if got := e.Get("goals").Weight; !almostEqual(got, 1.05) {
		t.Errorf("goals weight = %g, want 1.05", got)
	}
	if got := e.Get("curiosity").Weight; !almostEqual(got, 0.45) {
		t.Errorf("curiosity weight = %g, want 0.45", got)
	}
	// Insufficient samples: unchanged.
	if got := e.Get("growth").Weight; !almostEqual(got, 0.8) {
		t.Errorf("growth weight = %g, want 0.8", got)
	}
}

func TestEngine_EvolveWeightsHonorsFloors(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	g := e.Get("growth")
	g.Weight = 0.25
	g.Triggers, g.Successes = 5, 0
	e.Get("goals").Triggers = 5
	e.Get("goals").Successes = 5

	floor := func(name string) float64 {
		if name == "goals" || name == "growth" {
			return 0.25
		}
		return 0.05
	}
	e.EvolveWeights(floor, 3.0)

	if got := e.Get("growth").Weight; !almostEqual(got, 0.25) {
		t.Errorf("growth weight = %g, want floor 0.25", got)
	}
}

func TestEngine_SnapshotRestoreRoundTrip(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	clk.Advance(20 * time.Minute)
	e.Tick()
	_ = e.Spike("curiosity", 2.0)
	e.Get("goals").Triggers = 3
	e.Get("goals").Successes = 2
	p := e.Params()
	p.PressureRate = 0.2 // as if mutated at runtime
	e.SetParams(p)

	snap := e.Snapshot()

	// Fresh engine from the same config, restored.
	e2 := testEngine(t, clk)
	e2.Restore(snap)

	if e2.Count() != e.Count() {
		t.Fatalf("restored count = %d, want %d", e2.Count(), e.Count())
	}
	for _, d := range e.All() {
		r := e2.Get(d.Name)
		if r == nil {
			t.Fatalf("restored engine missing drive %q", d.Name)
		}
		if !almostEqual(r.Pressure, d.Pressure) || !almostEqual(r.Weight, d.Weight) {
			t.Errorf("drive %q restored as %g/%g, want %g/%g",
				d.Name, r.Pressure, r.Weight, d.Pressure, d.Weight)
		}
		if r.Triggers != d.Triggers || r.Successes != d.Successes {
			t.Errorf("drive %q stats restored as %d/%d, want %d/%d",
				d.Name, r.Successes, r.Triggers, d.Successes, d.Triggers)
		}
	}
	if got := e2.Params().PressureRate; !almostEqual(got, 0.2) {
		t.Errorf("restored pressure rate = %g, want mutated 0.2", got)
	}

	// No time passed since snapshot: tick adds nothing.
	e2.Tick()
	if got := e2.Get("goals").Pressure; !almostEqual(got, e.Get("goals").Pressure) {
		t.Errorf("tick after restore changed pressure: %g", got)
	}

	// Tie order survives: equalize weighted pressure, earlier drive wins.
	for _, d := range e2.All() {
		d.Pressure = 1.0 / d.Weight
	}
	if top := e2.Top(); top.Name != "goals" {
		t.Errorf("Top() after restore tie = %q, want \"goals\"", top.Name)
	}
}

func TestEngine_RestoreKeepsSeedsMissingFromSnapshot(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	// A snapshot written before goals/growth existed in config.
	snap := Snapshot{
		Drives:   []DriveSnapshot{{Name: "curiosity", Weight: 0.5, Pressure: 2.0, CreatedAt: clk.Now().Unix()}},
		LastTick: clk.Now().Unix(),
	}
	e.Restore(snap)

	if got := e.Get("curiosity"); got == nil || !almostEqual(got.Pressure, 2.0) {
		t.Fatalf("curiosity not restored from snapshot: %+v", got)
	}
	for _, name := range []string{"goals", "growth"} {
		d := e.Get(name)
		if d == nil {
			t.Fatalf("config-seeded drive %q lost on restore", name)
		}
		if d.Pressure != 0 {
			t.Errorf("seed %q pressure = %g, want 0", name, d.Pressure)
		}
	}
	// Snapshot drives come first, seeds after.
	if names := e.order; names[0] != "curiosity" {
		t.Errorf("order after restore = %v, want curiosity first", names)
	}
}

func TestEngine_SuccessSetsLastAddressed(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := testEngine(t, clk)

	_ = e.Spike("goals", 4.0)
	clk.Advance(time.Minute)
	e.RecordSuccess([]string{"goals"}, 0, nil)

	if got := e.Get("goals").LastAddressed; !got.Equal(clk.Now()) {
		t.Errorf("goals LastAddressed = %v, want %v", got, clk.Now())
	}
	if !e.Get("growth").LastAddressed.IsZero() {
		t.Errorf("growth LastAddressed set without being addressed")
	}

	// Survives a snapshot round trip.
	e2 := testEngine(t, clk)
	e2.Restore(e.Snapshot())
	if got := e2.Get("goals").LastAddressed.Unix(); got != clk.Now().Unix() {
		t.Errorf("restored LastAddressed = %d, want %d", got, clk.Now().Unix())
	}
}
