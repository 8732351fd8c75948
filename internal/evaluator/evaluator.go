// Package evaluator decides whether accumulated pressure justifies waking
// the agent. Two implementations exist: deterministic rules and an LLM gate
// that degrades back to rules when the model endpoint misbehaves.
package evaluator

import (
	"context"
	"time"
)

// DriveState is the evaluator's read-only view of one drive.
type DriveState struct {
	Name     string  `json:"name"`
	Pressure float64 `json:"pressure"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
}

// Input is everything a single evaluation sees.
type Input struct {
	Drives                  []DriveState
	TotalPressure           float64
	Threshold               float64
	IdleFor                 time.Duration
	ConversationActive      bool
	ConversationCoolingDown bool
	CriticalAlert           string // non-empty: high-severity system condition
}

// Top returns the drive with the highest weighted pressure, preserving input
// order on ties.
func (in Input) Top() (DriveState, bool) {
	var top DriveState
	found := false
	for _, d := range in.Drives {
		if !found || d.Weighted > top.Weighted {
			top = d
			found = true
		}
	}
	return top, found
}

// Decision is an evaluation outcome. SuppressFor asks the daemon to skip
// evaluations for that long; zero means no suppression.
type Decision struct {
	Trigger     bool
	Drive       string
	Reason      string
	SuppressFor time.Duration
	Source      string // "rules", "model", "override"
}

// Evaluator turns an Input into a Decision.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
	Name() string
}

// Override reports whether the high-pressure override applies: total
// weighted pressure beyond the override threshold with the agent idle past
// the idle window always triggers, regardless of what any evaluator said.
func Override(in Input, overrideThreshold float64, idleWindow time.Duration) (Decision, bool) {
	if in.TotalPressure <= overrideThreshold || in.IdleFor <= idleWindow {
		return Decision{}, false
	}
	top, ok := in.Top()
	if !ok {
		return Decision{}, false
	}
	return Decision{
		Trigger: true,
		Drive:   top.Name,
		Reason:  "high-pressure override: total pressure critical and agent idle",
		Source:  "override",
	}, true
}
