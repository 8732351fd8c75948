package server

import (
	"sync/atomic"

	"github.com/pulsedaemon/pulse/internal/webhook"
)

// DriveView is one drive as reported on /state.
type DriveView struct {
	Name          string   `json:"name"`
	Pressure      float64  `json:"pressure"`
	Weight        float64  `json:"weight"`
	Weighted      float64  `json:"weighted"`
	Sources       []string `json:"sources,omitempty"`
	LastAddressed int64    `json:"last_addressed,omitempty"`
	Triggers      int      `json:"triggers"`
	Successes     int      `json:"successes"`
}

// TriggerView is the last dispatched trigger as reported on /state.
type TriggerView struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Drive     string `json:"drive"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
}

// StateSnapshot is the read model served to every GET endpoint. The daemon
// rebuilds it once per loop (and after every accepted command); handlers
// never touch live state.
type StateSnapshot struct {
	Timestamp     int64       `json:"timestamp"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	LoopCount     int64       `json:"loop_count"`
	Drives        []DriveView `json:"drives"`
	TotalPressure float64     `json:"total_pressure"`

	TriggerThreshold float64 `json:"trigger_threshold"`
	CooldownSeconds  float64 `json:"cooldown_seconds"`
	MaxTurnsPerHour  int     `json:"max_turns_per_hour"`
	TurnsInWindow    int     `json:"turns_in_window"`

	Evaluator struct {
		Mode            string `json:"mode"`
		Degraded        bool   `json:"degraded"`
		SuppressedUntil int64  `json:"suppressed_until,omitempty"`
	} `json:"evaluator"`

	Conversation struct {
		Active               bool  `json:"active"`
		CoolingDown          bool  `json:"cooling_down"`
		SecondsSinceActivity int64 `json:"seconds_since_activity,omitempty"`
	} `json:"conversation"`

	Guardrails struct {
		MaxMutationsPerHour int      `json:"max_mutations_per_hour"`
		MaxWeightDelta      float64  `json:"max_weight_delta"`
		MaxDrives           int      `json:"max_drives"`
		ProtectedDrives     []string `json:"protected_drives"`
	} `json:"guardrails"`

	MutationBudgetRemaining int          `json:"mutation_budget_remaining"`
	MutationWindow          []int64      `json:"mutation_window,omitempty"`
	LastTrigger             *TriggerView `json:"last_trigger,omitempty"`
	Alert                   string       `json:"alert,omitempty"`

	// Degraded is set while state persistence is failing.
	Degraded bool `json:"degraded"`
}

// SnapshotHolder double-buffers the snapshot: the daemon stores a fresh
// pointer, readers load whichever pointer is current. No locks on the read
// path.
type SnapshotHolder struct {
	ptr atomic.Pointer[StateSnapshot]
}

// Store publishes a new snapshot.
func (h *SnapshotHolder) Store(s *StateSnapshot) { h.ptr.Store(s) }

// Load returns the current snapshot, or an empty one before the first loop.
func (h *SnapshotHolder) Load() *StateSnapshot {
	if s := h.ptr.Load(); s != nil {
		return s
	}
	return &StateSnapshot{}
}

// Command kinds accepted by the daemon.
const (
	CmdTrigger  = "trigger"
	CmdFeedback = "feedback"
	CmdMutate   = "mutate"
	CmdConfig   = "config"
)

// FeedbackRequest is the body of POST /feedback. DrivesAddressed names the
// drives the turn worked on; when empty the daemon attributes the feedback
// through the trigger ID.
type FeedbackRequest struct {
	TriggerID       string             `json:"trigger_id,omitempty"`
	DrivesAddressed []string           `json:"drives_addressed,omitempty"`
	Outcome         string             `json:"outcome"`
	Summary         string             `json:"summary,omitempty"`
	DecayOverrides  map[string]float64 `json:"decay_overrides,omitempty"`
}

// TriggerRequest is the body of POST /trigger.
type TriggerRequest struct {
	Drive  string `json:"drive,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ConfigUpdate is the body of POST /config: runtime-adjustable tunables.
// Nil fields are left unchanged.
type ConfigUpdate struct {
	TriggerThreshold *float64 `json:"trigger_threshold,omitempty"`
	CooldownSeconds  *float64 `json:"cooldown_seconds,omitempty"`
	MaxTurnsPerHour  *int     `json:"max_turns_per_hour,omitempty"`
	PressureRate     *float64 `json:"pressure_rate,omitempty"`
}

// Reply is the daemon's answer to a command.
type Reply struct {
	Status int `json:"-"`
	Body   any `json:"-"`
}

// Command is one mutating request routed through the daemon loop. The
// daemon sends exactly one Reply on Reply and never closes it.
type Command struct {
	Kind     string
	Trigger  *TriggerRequest
	Feedback *FeedbackRequest
	Mutation map[string]any
	Config   *ConfigUpdate
	Reply    chan Reply
}

// TriggerResponse is the body of POST /trigger replies.
type TriggerResponse struct {
	Dispatched bool           `json:"dispatched"`
	Reason     string         `json:"reason,omitempty"`
	Result     webhook.Result `json:"result,omitzero"`
	ID         string         `json:"id,omitempty"`
}
