package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pulsedaemon/pulse/internal/bus"
	"github.com/pulsedaemon/pulse/internal/chronicle"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/mutation"
	"github.com/pulsedaemon/pulse/internal/sensor"
	"github.com/pulsedaemon/pulse/internal/server"
	"github.com/pulsedaemon/pulse/internal/webhook"
)

// loopOnce is one full sense→tick→mutate→evaluate→act→persist cycle.
func (d *Daemon) loopOnce(ctx context.Context) error {
	d.loopCount++
	now := d.clk.Now()

	readings := d.sensors.ReadAll(ctx)
	d.lastAlert = sensor.CriticalAlert(readings)

	d.engine.Tick()
	d.applySpikes(readings, now)
	d.drainMutations(now)

	in := d.buildInput(readings, now)
	decision := d.evaluate(ctx, in, now)

	if decision.Trigger {
		d.attemptTrigger(ctx, decision, in, now)
	}

	d.maybeEvolve()
	d.updateMetrics()

	if d.loopCount%pruneEveryLoops == 0 {
		if err := d.archive.Prune(d.cfg.State.RetentionDays, now); err != nil {
			d.logger.Warn("chronicle prune failed", "error", err)
		}
	}

	d.events.Publish(bus.Event{
		Type:      bus.EventTick,
		Timestamp: now.Unix(),
		Data: map[string]any{
			"loop":           d.loopCount,
			"total_pressure": d.engine.TotalPressure(),
		},
	})

	d.persist()
	if err := d.store.MaybeSave(); err != nil {
		d.escalatePersistFailure(err)
		return fmt.Errorf("persist state: %w", err)
	}
	d.persistFailing = false
	return nil
}

func (d *Daemon) applySpikes(readings map[string]sensor.Reading, now time.Time) {
	for _, spike := range sensor.Spikes(readings) {
		if err := d.engine.Spike(spike.Drive, spike.Amount); err != nil {
			d.logger.Debug("spike for unknown drive", "drive", spike.Drive, "reason", spike.Reason)
			continue
		}
		d.logger.Info("drive spiked", "drive", spike.Drive, "amount", spike.Amount, "reason", spike.Reason)
		d.events.Publish(bus.Event{
			Type:      bus.EventSpike,
			Timestamp: now.Unix(),
			Data:      map[string]any{"drive": spike.Drive, "amount": spike.Amount, "reason": spike.Reason},
		})
	}
}

func (d *Daemon) drainMutations(now time.Time) {
	if !d.cfg.Mutations.Enabled {
		return
	}
	muts, err := d.queue.Drain()
	if err != nil {
		d.logger.Warn("mutation queue", "error", err)
		d.events.Publish(bus.Event{
			Type:      bus.EventError,
			Timestamp: now.Unix(),
			Data:      map[string]any{"error": err.Error()},
		})
	}
	for _, m := range muts {
		res := d.mutator.Apply(m)
		d.observeMutation(res, now)
	}
}

func (d *Daemon) observeMutation(res mutation.Result, now time.Time) {
	outcome := "applied"
	if !res.Applied {
		outcome = "rejected"
	}
	d.metrics.ObserveMutation(outcome)
	d.events.Publish(bus.Event{
		Type:      bus.EventMutation,
		Timestamp: now.Unix(),
		Data: map[string]any{
			"id":      res.Mutation.ID,
			"kind":    res.Mutation.Kind,
			"outcome": outcome,
			"rule":    res.Rule,
		},
	})
}

// buildInput assembles the evaluator's view of the world. Idle time counts
// from the last activity signal (persisted across restarts) or the last
// dispatched turn, whichever is later; daemon start only seeds the first
// ever run.
func (d *Daemon) buildInput(readings map[string]sensor.Reading, now time.Time) evaluator.Input {
	idleSince := d.startedAt
	if !d.lastActivityAt.IsZero() {
		idleSince = d.lastActivityAt
	}
	if d.lastTriggerAt.After(idleSince) {
		idleSince = d.lastTriggerAt
	}
	in := evaluator.Input{
		TotalPressure: d.engine.TotalPressure(),
		Threshold:     d.tunables.TriggerThreshold,
		CriticalAlert: d.lastAlert,
		IdleFor:       now.Sub(idleSince),
	}
	for _, drv := range d.engine.All() {
		in.Drives = append(in.Drives, evaluator.DriveState{
			Name:     drv.Name,
			Pressure: drv.Pressure,
			Weight:   drv.Weight,
			Weighted: drv.WeightedPressure(),
		})
	}

	if conv, ok := readings["conversation"]; ok {
		in.ConversationActive = sensor.Active(conv)
		if since, found := sensor.SinceActivity(conv); found {
			in.IdleFor = since
			d.lastActivityAt = now.Add(-since)
			cooldown := d.cfg.Evaluator.ConversationCooldown.Std()
			in.ConversationCoolingDown = !in.ConversationActive && since < cooldown
		}
	}
	return in
}

func (d *Daemon) evaluate(ctx context.Context, in evaluator.Input, now time.Time) evaluator.Decision {
	// Model-requested suppression windows skip evaluation entirely, unless
	// a critical alert needs through.
	if now.Before(d.suppressedUntil) && in.CriticalAlert == "" {
		return evaluator.Decision{Reason: "suppressed"}
	}

	decision, err := d.eval.Evaluate(ctx, in)
	if err != nil {
		d.logger.Warn("evaluation failed", "evaluator", d.eval.Name(), "error", err)
		decision = evaluator.Decision{Reason: fmt.Sprintf("evaluation error: %v", err)}
	}

	if !decision.Trigger {
		if od, ok := evaluator.Override(in, d.cfg.Evaluator.HighPressureThreshold, d.cfg.Evaluator.IdleWindow.Std()); ok {
			decision = od
		}
	}

	if decision.SuppressFor > 0 {
		d.suppressedUntil = now.Add(decision.SuppressFor)
		d.logger.Info("evaluation suppressed", "until", d.suppressedUntil, "reason", decision.Reason)
	}

	d.events.Publish(bus.Event{
		Type:      bus.EventEvaluator,
		Timestamp: now.Unix(),
		Data: map[string]any{
			"trigger": decision.Trigger,
			"drive":   decision.Drive,
			"reason":  decision.Reason,
			"source":  decision.Source,
		},
	})
	return decision
}

// attemptTrigger applies the cooldown and turn budget, then dispatches.
func (d *Daemon) attemptTrigger(ctx context.Context, decision evaluator.Decision, in evaluator.Input, now time.Time) {
	if !d.lastTriggerAt.IsZero() && now.Sub(d.lastTriggerAt) < d.tunables.Cooldown {
		d.logger.Debug("trigger held by cooldown", "drive", decision.Drive,
			"since_last", now.Sub(d.lastTriggerAt))
		d.metrics.ObserveTrigger("cooldown")
		return
	}

	d.turnLimit.SetMax(d.tunables.MaxTurnsPerHour)
	if !d.turnLimit.Allow(now) {
		d.logger.Info("trigger held by turn budget", "drive", decision.Drive,
			"max_per_hour", d.tunables.MaxTurnsPerHour)
		d.metrics.ObserveTrigger("rate_limited")
		return
	}

	d.dispatch(ctx, decision, now)
}

// dispatch wakes the agent and records the attempt everywhere it needs to
// be recorded: chronicle, triggers.jsonl, metrics, event bus.
func (d *Daemon) dispatch(ctx context.Context, decision evaluator.Decision, now time.Time) webhook.Result {
	id := ulid.Make().String()

	var pressure float64
	if drv := d.engine.Get(decision.Drive); drv != nil {
		pressure = drv.Pressure
	}
	payload := webhook.TriggerPayload{
		ID:            id,
		Drive:         decision.Drive,
		Reason:        decision.Reason,
		Pressure:      pressure,
		TotalPressure: d.engine.TotalPressure(),
		Timestamp:     now.Unix(),
	}

	result := d.agent.Wake(ctx, payload)
	d.metrics.ObserveWebhookDuration(result.Duration)
	d.metrics.ObserveTrigger(result.Status)

	if result.Delivered() {
		d.turnLimit.Record(now)
		d.lastTriggerAt = now
		d.trackTrigger(id, decision.Drive)
		d.logger.Info("agent woken", "trigger", id, "drive", decision.Drive,
			"reason", decision.Reason, "attempts", result.Attempts)
	} else {
		// Frustration: an undeliverable turn leaves the need unmet.
		d.engine.RecordFailure(decision.Drive)
		d.logger.Warn("trigger not delivered", "trigger", id, "status", result.Status,
			"http_status", result.HTTPStatus, "error", result.Error)
	}

	record := chronicle.TriggerRecord{
		ID:            id,
		Timestamp:     now.Unix(),
		Drive:         decision.Drive,
		Reason:        decision.Reason,
		Source:        decision.Source,
		Status:        result.Status,
		HTTPStatus:    result.HTTPStatus,
		Attempts:      result.Attempts,
		Auth:          result.Auth,
		Pressure:      pressure,
		TotalPressure: payload.TotalPressure,
	}
	if err := d.archive.RecordTrigger(record); err != nil {
		d.logger.Warn("archive trigger", "error", err)
	}
	if line, err := json.Marshal(record); err == nil {
		if err := d.triggerLog.Append(line); err != nil {
			d.logger.Warn("append trigger log", "error", err)
		}
	}

	d.lastTrigger = &server.TriggerView{
		ID:        id,
		Timestamp: now.Unix(),
		Drive:     decision.Drive,
		Reason:    decision.Reason,
		Status:    result.Status,
	}
	d.events.Publish(bus.Event{
		Type:      bus.EventTrigger,
		Timestamp: now.Unix(),
		Data: map[string]any{
			"id":     id,
			"drive":  decision.Drive,
			"reason": decision.Reason,
			"status": result.Status,
			"source": decision.Source,
		},
	})
	return result
}

// trackTrigger remembers which drive a trigger addressed so later feedback
// can be attributed. The map is bounded; oldest entries fall off.
func (d *Daemon) trackTrigger(id, driveName string) {
	d.triggerDrives[id] = driveName
	d.triggerOrder = append(d.triggerOrder, id)
	for len(d.triggerOrder) > maxTrackedTriggers {
		delete(d.triggerDrives, d.triggerOrder[0])
		d.triggerOrder = d.triggerOrder[1:]
	}
}

func (d *Daemon) maybeEvolve() {
	every := d.cfg.Drives.EvolveEveryLoops
	if every <= 0 {
		return
	}
	d.evolveCounter++
	if d.evolveCounter < every {
		return
	}
	d.evolveCounter = 0
	d.engine.EvolveWeights(d.guards.MinWeightFor, d.cfg.Guardrails.MaxWeight)
	d.logger.Debug("weights evolved", "drives", d.engine.Count())
}

func (d *Daemon) updateMetrics() {
	for _, drv := range d.engine.All() {
		d.metrics.SetDrive(drv.Name, drv.Pressure, drv.Weight)
	}
	d.metrics.SetTotalPressure(d.engine.TotalPressure())
}

// escalatePersistFailure spikes the system drive so a full disk becomes
// pressure the agent can act on, instead of a silent log line.
func (d *Daemon) escalatePersistFailure(err error) {
	d.persistFailing = true
	d.logger.Error("state persistence failing", "error", err)
	if d.engine.Get("system") == nil {
		if addErr := d.engine.Add("system", 1.0, nil); addErr != nil {
			return
		}
	}
	_ = d.engine.Spike("system", 2.0)
}
