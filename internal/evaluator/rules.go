package evaluator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pulsedaemon/pulse/internal/config"
)

// Rules is the deterministic evaluator. It never returns an error.
type Rules struct {
	cfg    config.EvaluatorConfig
	logger *slog.Logger
}

// NewRules creates the rule evaluator.
func NewRules(cfg config.EvaluatorConfig, logger *slog.Logger) *Rules {
	return &Rules{cfg: cfg, logger: logger.With("component", "evaluator.rules")}
}

func (r *Rules) Name() string { return "rules" }

// Evaluate applies the rules in priority order: conversation suppression,
// critical alerts, single-drive threshold, combined threshold.
func (r *Rules) Evaluate(_ context.Context, in Input) (Decision, error) {
	// A live conversation means the agent is already engaged; interrupting
	// it is worse than waiting. Critical alerts are the one exception.
	if r.cfg.SuppressDuringConversation && in.CriticalAlert == "" {
		if in.ConversationActive {
			return Decision{Reason: "conversation active", Source: "rules"}, nil
		}
		if in.ConversationCoolingDown {
			return Decision{Reason: "conversation cooldown", Source: "rules"}, nil
		}
	}

	if in.CriticalAlert != "" {
		return Decision{
			Trigger: true,
			Drive:   r.alertDrive(in),
			Reason:  fmt.Sprintf("critical system alert: %s", in.CriticalAlert),
			Source:  "rules",
		}, nil
	}

	top, ok := in.Top()
	if !ok {
		return Decision{Reason: "no drives", Source: "rules"}, nil
	}

	// Drives below the floor never trigger on their own, whatever the
	// threshold says.
	if top.Weighted < r.cfg.MinDriveFloor {
		return Decision{
			Reason: fmt.Sprintf("top drive %q below floor (%.2f < %.2f)",
				top.Name, top.Weighted, r.cfg.MinDriveFloor),
			Source: "rules",
		}, nil
	}

	if top.Weighted >= in.Threshold {
		return Decision{
			Trigger: true,
			Drive:   top.Name,
			Reason: fmt.Sprintf("drive %q over threshold (%.2f >= %.2f)",
				top.Name, top.Weighted, in.Threshold),
			Source: "rules",
		}, nil
	}

	// Many drives simmering: no single drive is urgent, but together they
	// cross the threshold. The floor check above keeps a crowd of trivial
	// drives from summing their way in.
	if in.TotalPressure >= in.Threshold {
		return Decision{
			Trigger: true,
			Drive:   top.Name,
			Reason: fmt.Sprintf("combined pressure over threshold (%.2f >= %.2f)",
				in.TotalPressure, in.Threshold),
			Source: "rules",
		}, nil
	}

	return Decision{
		Reason: fmt.Sprintf("pressure below threshold (top %.2f, total %.2f)",
			top.Weighted, in.TotalPressure),
		Source: "rules",
	}, nil
}

// alertDrive attributes a critical alert to the system drive when one
// exists, otherwise to the top drive.
func (r *Rules) alertDrive(in Input) string {
	for _, d := range in.Drives {
		if d.Name == "system" {
			return d.Name
		}
	}
	top, ok := in.Top()
	if !ok {
		return "system"
	}
	r.logger.Debug("no system drive for critical alert, attributing to top", "top", top.Name)
	return top.Name
}
