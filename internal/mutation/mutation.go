// Package mutation applies the agent's self-modification requests: queued in
// mutations.json or submitted over HTTP, validated against guardrails, then
// applied to the drive engine and runtime tunables with a full audit trail.
package mutation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mutation kinds.
const (
	KindAdjustWeight       = "adjust_weight"
	KindAdjustThreshold    = "adjust_threshold"
	KindAdjustRate         = "adjust_rate"
	KindAdjustCooldown     = "adjust_cooldown"
	KindAdjustTurnsPerHour = "adjust_turns_per_hour"
	KindAddDrive           = "add_drive"
	KindRemoveDrive        = "remove_drive"
	KindSpikeDrive         = "spike_drive"
	KindDecayDrive         = "decay_drive"
)

// requiredParams lists the parameters each kind must carry.
var requiredParams = map[string][]string{
	KindAdjustWeight:       {"drive", "delta"},
	KindAdjustThreshold:    {"value"},
	KindAdjustRate:         {"value"},
	KindAdjustCooldown:     {"seconds"},
	KindAdjustTurnsPerHour: {"value"},
	KindAddDrive:           {"name", "weight"},
	KindRemoveDrive:        {"name"},
	KindSpikeDrive:         {"drive", "amount"},
	KindDecayDrive:         {"drive", "amount"},
}

// Mutation is one self-modification request.
type Mutation struct {
	ID          string         `json:"id,omitempty"`
	Kind        string         `json:"kind"`
	Params      map[string]any `json:"params"`
	Reason      string         `json:"reason,omitempty"`
	RequestedAt int64          `json:"requested_at,omitempty"` // unix seconds
	Source      string         `json:"source,omitempty"`       // "file" or "http"
}

// UnmarshalJSON accepts "type" as an alias for "kind", the key some queue
// writers use.
func (m *Mutation) UnmarshalJSON(data []byte) error {
	type plain Mutation
	aux := struct {
		*plain
		Type string `json:"type,omitempty"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if m.Kind == "" {
		m.Kind = aux.Type
	}
	return nil
}

// DriveName extracts the drive the mutation targets, or "".
func (m Mutation) DriveName() string {
	for _, key := range []string{"drive", "name"} {
		if v, ok := m.Params[key].(string); ok {
			return v
		}
	}
	return ""
}

// validateShape checks the kind and required parameters before any guardrail
// runs.
func validateShape(m Mutation) error {
	required, ok := requiredParams[m.Kind]
	if !ok {
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	for _, key := range required {
		if _, present := m.Params[key]; !present {
			return fmt.Errorf("mutation %s missing required param %q", m.Kind, key)
		}
	}
	return nil
}

// floatParam reads a numeric parameter. JSON numbers arrive as float64;
// integers from Go callers are accepted too.
func floatParam(params map[string]any, key string) (float64, error) {
	switch v := params[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("param %q is %T, want number", key, params[key])
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok {
		return "", fmt.Errorf("param %q is %T, want string", key, params[key])
	}
	return v, nil
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func durationFromSeconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
