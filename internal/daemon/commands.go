package daemon

import (
	"context"
	"net/http"

	"github.com/pulsedaemon/pulse/internal/bus"
	"github.com/pulsedaemon/pulse/internal/chronicle"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/mutation"
	"github.com/pulsedaemon/pulse/internal/server"
)

// handleCommand applies one HTTP-submitted command inside the loop
// goroutine. Every path sends exactly one reply.
func (d *Daemon) handleCommand(ctx context.Context, cmd server.Command) {
	var reply server.Reply
	switch cmd.Kind {
	case server.CmdTrigger:
		reply = d.handleManualTrigger(ctx, cmd.Trigger)
	case server.CmdFeedback:
		reply = d.handleFeedback(cmd.Feedback)
	case server.CmdMutate:
		reply = d.handleMutation(cmd.Mutation)
	case server.CmdConfig:
		reply = d.handleConfigUpdate(cmd.Config)
	default:
		reply = server.Reply{Status: http.StatusBadRequest,
			Body: map[string]string{"error": "unknown command"}}
	}
	cmd.Reply <- reply
}

// handleManualTrigger forces a turn, still subject to cooldown and the
// hourly turn budget. 429 when budget-held, 503 when the webhook fails.
func (d *Daemon) handleManualTrigger(ctx context.Context, req *server.TriggerRequest) server.Reply {
	now := d.clk.Now()

	if !d.lastTriggerAt.IsZero() && now.Sub(d.lastTriggerAt) < d.tunables.Cooldown {
		d.metrics.ObserveTrigger("cooldown")
		return server.Reply{Status: http.StatusTooManyRequests, Body: server.TriggerResponse{
			Reason: "cooldown active",
		}}
	}
	d.turnLimit.SetMax(d.tunables.MaxTurnsPerHour)
	if !d.turnLimit.Allow(now) {
		d.metrics.ObserveTrigger("rate_limited")
		return server.Reply{Status: http.StatusTooManyRequests, Body: server.TriggerResponse{
			Reason: "hourly turn budget exhausted",
		}}
	}

	decision := evaluator.Decision{
		Trigger: true,
		Drive:   req.Drive,
		Reason:  req.Reason,
		Source:  "manual",
	}
	if decision.Drive == "" {
		if top := d.engine.Top(); top != nil {
			decision.Drive = top.Name
		}
	}
	if decision.Reason == "" {
		decision.Reason = "manual trigger"
	}

	result := d.dispatch(ctx, decision, now)
	if !result.Delivered() {
		return server.Reply{Status: http.StatusServiceUnavailable, Body: server.TriggerResponse{
			Reason: "webhook delivery failed",
			Result: result,
		}}
	}
	return server.Reply{Status: http.StatusOK, Body: server.TriggerResponse{
		Dispatched: true,
		Result:     result,
		ID:         d.lastTrigger.ID,
	}}
}

// handleFeedback closes the loop on a dispatched turn: success decays
// pressure (partial at half strength), failure boosts it, ignored just
// archives. The reply carries per-drive pressures before and after so the
// agent sees what its feedback did.
func (d *Daemon) handleFeedback(req *server.FeedbackRequest) server.Reply {
	now := d.clk.Now()
	addressed := req.DrivesAddressed
	if len(addressed) == 0 {
		if name := d.feedbackDrive(req.TriggerID); name != "" {
			addressed = []string{name}
		}
	}

	before := d.pressures()
	switch req.Outcome {
	case "success":
		d.engine.RecordSuccess(addressed, d.tunables.TriggerThreshold, req.DecayOverrides)
	case "partial":
		d.engine.RecordPartial(addressed, d.tunables.TriggerThreshold, req.DecayOverrides)
	case "failure":
		for _, name := range addressed {
			d.engine.RecordFailure(name)
		}
	case "ignored":
		// Archived only. An ignored turn neither relieves nor boosts.
	}
	after := d.pressures()

	d.metrics.ObserveFeedback(req.Outcome)
	if err := d.archive.RecordFeedback(chronicle.FeedbackRecord{
		TriggerID: req.TriggerID,
		Timestamp: now.Unix(),
		Outcome:   req.Outcome,
		Summary:   req.Summary,
	}); err != nil {
		d.logger.Warn("archive feedback", "error", err)
	}
	d.events.Publish(bus.Event{
		Type:      bus.EventFeedback,
		Timestamp: now.Unix(),
		Data: map[string]any{
			"trigger_id": req.TriggerID,
			"outcome":    req.Outcome,
			"drives":     addressed,
		},
	})

	return server.Reply{Status: http.StatusOK, Body: map[string]any{
		"status":           "recorded",
		"drives_addressed": addressed,
		"before":           before,
		"after":            after,
	}}
}

// pressures snapshots every drive's raw pressure.
func (d *Daemon) pressures() map[string]float64 {
	out := make(map[string]float64, d.engine.Count())
	for _, drv := range d.engine.All() {
		out[drv.Name] = drv.Pressure
	}
	return out
}

// feedbackDrive resolves which drive a piece of feedback addresses: the
// recorded trigger when known, the last trigger otherwise, the top drive
// as a final fallback.
func (d *Daemon) feedbackDrive(triggerID string) string {
	if triggerID != "" {
		if name, ok := d.triggerDrives[triggerID]; ok {
			return name
		}
	}
	if d.lastTrigger != nil {
		return d.lastTrigger.Drive
	}
	if top := d.engine.Top(); top != nil {
		return top.Name
	}
	return ""
}

func (d *Daemon) handleMutation(raw map[string]any) server.Reply {
	if !d.cfg.Mutations.Enabled {
		return server.Reply{Status: http.StatusForbidden,
			Body: map[string]string{"error": "mutations disabled"}}
	}

	m := mutation.Mutation{Source: "http"}
	if kind, ok := raw["kind"].(string); ok {
		m.Kind = kind
	} else if kind, ok := raw["type"].(string); ok {
		m.Kind = kind
	}
	if params, ok := raw["params"].(map[string]any); ok {
		m.Params = params
	}
	if reason, ok := raw["reason"].(string); ok {
		m.Reason = reason
	}

	res := d.mutator.Apply(m)
	d.observeMutation(res, d.clk.Now())

	status := http.StatusOK
	if !res.Applied {
		status = http.StatusBadRequest
	}
	return server.Reply{Status: status, Body: map[string]any{
		"id":      res.Mutation.ID,
		"applied": res.Applied,
		"rule":    res.Rule,
		"reason":  res.Reason,
		"before":  res.Before,
		"after":   res.After,
	}}
}

// handleConfigUpdate adjusts runtime tunables by translating each field into
// a mutation, so config changes share the audit trail, rate limit, and
// guardrails with every other mutation path.
func (d *Daemon) handleConfigUpdate(upd *server.ConfigUpdate) server.Reply {
	if !d.cfg.Mutations.Enabled {
		return server.Reply{Status: http.StatusForbidden,
			Body: map[string]string{"error": "mutations disabled"}}
	}

	var muts []mutation.Mutation
	if upd.TriggerThreshold != nil {
		muts = append(muts, mutation.Mutation{
			Kind:   mutation.KindAdjustThreshold,
			Params: map[string]any{"value": *upd.TriggerThreshold},
		})
	}
	if upd.CooldownSeconds != nil {
		muts = append(muts, mutation.Mutation{
			Kind:   mutation.KindAdjustCooldown,
			Params: map[string]any{"seconds": *upd.CooldownSeconds},
		})
	}
	if upd.MaxTurnsPerHour != nil {
		muts = append(muts, mutation.Mutation{
			Kind:   mutation.KindAdjustTurnsPerHour,
			Params: map[string]any{"value": float64(*upd.MaxTurnsPerHour)},
		})
	}
	if upd.PressureRate != nil {
		muts = append(muts, mutation.Mutation{
			Kind:   mutation.KindAdjustRate,
			Params: map[string]any{"value": *upd.PressureRate},
		})
	}
	if len(muts) == 0 {
		return server.Reply{Status: http.StatusBadRequest,
			Body: map[string]string{"error": "no recognized fields"}}
	}

	now := d.clk.Now()
	applied := map[string]any{}
	for _, m := range muts {
		m.Source = "config"
		m.Reason = "runtime config update"
		res := d.mutator.Apply(m)
		d.observeMutation(res, now)
		if !res.Applied {
			return server.Reply{Status: http.StatusBadRequest, Body: map[string]any{
				"error": res.Reason,
				"rule":  res.Rule,
			}}
		}
		for k, v := range res.After {
			applied[k] = v
		}
	}

	d.persist()
	d.logger.Info("runtime config updated", "fields", len(applied))
	return server.Reply{Status: http.StatusOK, Body: map[string]any{
		"status":  "applied",
		"applied": applied,
	}}
}
