// Package guard enforces the hard limits on self-modification. Every
// mutation passes through these checks before it touches the drive engine or
// config; a rejected mutation carries the name of the violated rule so the
// audit trail can cite it.
package guard

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pulsedaemon/pulse/internal/config"
)

// Violation is a guardrail rejection. Rule is a stable identifier; Message
// explains the rejection for humans.
type Violation struct {
	Rule    string
	Message string
}

func (v *Violation) Error() string { return fmt.Sprintf("%s: %s", v.Rule, v.Message) }

func violation(rule, format string, args ...any) *Violation {
	return &Violation{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// Guardrails bundles the static limits with the operator-defined CEL
// constraints.
type Guardrails struct {
	cfg         config.GuardrailsConfig
	protected   map[string]bool
	constraints []constraint
	logger      *slog.Logger
}

// New compiles the configured constraints and returns a ready Guardrails.
func New(cfg config.GuardrailsConfig, logger *slog.Logger) (*Guardrails, error) {
	protected := make(map[string]bool, len(cfg.ProtectedDrives))
	for _, name := range cfg.ProtectedDrives {
		protected[name] = true
	}

	g := &Guardrails{
		cfg:       cfg,
		protected: protected,
		logger:    logger.With("component", "guard"),
	}

	if len(cfg.Constraints) > 0 {
		compiled, err := compileConstraints(cfg.Constraints)
		if err != nil {
			return nil, err
		}
		g.constraints = compiled
	}
	return g, nil
}

// IsProtected reports whether the named drive is protected from removal and
// from weight floors below ProtectedMinWeight.
func (g *Guardrails) IsProtected(name string) bool { return g.protected[name] }

// MinWeightFor returns the weight floor applying to the named drive.
func (g *Guardrails) MinWeightFor(name string) float64 {
	if g.protected[name] {
		return g.cfg.ProtectedMinWeight
	}
	return g.cfg.MinWeight
}

// CheckWeightDelta validates a single weight adjustment. The resulting
// weight is clamped by the caller; here only the per-call delta and the
// drive's floor/ceiling are enforced.
func (g *Guardrails) CheckWeightDelta(drive string, current, delta float64) error {
	if abs(delta) > g.cfg.MaxWeightDelta {
		return violation("max_weight_delta", "weight delta %.3f exceeds per-call limit %.3f",
			delta, g.cfg.MaxWeightDelta)
	}
	next := current + delta
	if next > g.cfg.MaxWeight {
		return violation("max_weight", "weight %.3f would exceed ceiling %.3f", next, g.cfg.MaxWeight)
	}
	if floor := g.MinWeightFor(drive); next < floor {
		return violation("min_weight", "weight %.3f would fall below floor %.3f for %q",
			next, floor, drive)
	}
	return nil
}

// CheckThreshold validates a new trigger threshold.
func (g *Guardrails) CheckThreshold(value float64) error {
	if value < g.cfg.MinThreshold || value > g.cfg.MaxThreshold {
		return violation("threshold_range", "threshold %.3f outside [%.1f, %.1f]",
			value, g.cfg.MinThreshold, g.cfg.MaxThreshold)
	}
	return nil
}

// CheckRate validates a new pressure rate.
func (g *Guardrails) CheckRate(value float64) error {
	if value < g.cfg.MinRate || value > g.cfg.MaxRate {
		return violation("rate_range", "pressure rate %.4f outside [%.3f, %.1f]",
			value, g.cfg.MinRate, g.cfg.MaxRate)
	}
	return nil
}

// CheckCooldown validates a new trigger cooldown.
func (g *Guardrails) CheckCooldown(value time.Duration) error {
	if value < g.cfg.MinCooldown.Std() || value > g.cfg.MaxCooldown.Std() {
		return violation("cooldown_range", "cooldown %s outside [%s, %s]",
			value, g.cfg.MinCooldown.Std(), g.cfg.MaxCooldown.Std())
	}
	return nil
}

// CheckTurnsPerHour validates a new hourly turn cap.
func (g *Guardrails) CheckTurnsPerHour(value int) error {
	if value < g.cfg.MinTurnsPerHour || value > g.cfg.MaxTurnsPerHour {
		return violation("turns_per_hour_range", "turns/hour %d outside [%d, %d]",
			value, g.cfg.MinTurnsPerHour, g.cfg.MaxTurnsPerHour)
	}
	return nil
}

// CheckAddDrive validates creating a drive given the current count.
func (g *Guardrails) CheckAddDrive(name string, weight float64, currentCount int) error {
	if name == "" {
		return violation("drive_name", "drive name must not be empty")
	}
	if currentCount >= g.cfg.MaxDrives {
		return violation("max_drives", "drive count %d already at cap %d", currentCount, g.cfg.MaxDrives)
	}
	if weight < g.cfg.MinWeight || weight > g.cfg.MaxWeight {
		return violation("weight_range", "initial weight %.3f outside [%.2f, %.1f]",
			weight, g.cfg.MinWeight, g.cfg.MaxWeight)
	}
	return nil
}

// CheckRemoveDrive validates removing a drive. Protected drives are never
// removable.
func (g *Guardrails) CheckRemoveDrive(name string) error {
	if g.protected[name] {
		return violation("protected_drive", "drive %q is protected", name)
	}
	return nil
}

// CheckManualPressure validates a spike or decay amount requested by
// mutation rather than by a sensor.
func (g *Guardrails) CheckManualPressure(amount float64) error {
	if amount < 0 {
		return violation("pressure_delta", "amount %.3f must be non-negative", amount)
	}
	if amount > g.cfg.MaxManualDelta {
		return violation("max_manual_delta", "amount %.3f exceeds per-call limit %.1f",
			amount, g.cfg.MaxManualDelta)
	}
	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
