// Package metrics exposes daemon health over Prometheus. A dedicated
// registry keeps the default Go collectors out of the scrape unless
// explicitly wanted.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all Pulse collectors.
type Metrics struct {
	registry *prometheus.Registry

	uptime          prometheus.GaugeFunc
	drivePressure   *prometheus.GaugeVec
	driveWeight     *prometheus.GaugeVec
	totalPressure   prometheus.Gauge
	triggers        *prometheus.CounterVec
	feedback        *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	loopErrors      prometheus.Counter
	webhookDuration prometheus.Histogram
}

// New creates and registers all collectors. start anchors the uptime gauge.
func New(start time.Time) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		uptime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pulse_uptime_seconds",
			Help: "Seconds since the daemon started.",
		}, func() float64 { return time.Since(start).Seconds() }),
		drivePressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulse_drive_pressure",
			Help: "Current raw pressure per drive.",
		}, []string{"drive"}),
		driveWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulse_drive_weight",
			Help: "Current weight per drive.",
		}, []string{"drive"}),
		totalPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_total_pressure",
			Help: "Sum of weighted pressure across all drives.",
		}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_triggers_total",
			Help: "Agent turn triggers by dispatch result.",
		}, []string{"result"}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_feedback_total",
			Help: "Turn feedback received, by outcome.",
		}, []string{"outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_mutations_total",
			Help: "Self-modification attempts by outcome.",
		}, []string{"outcome"}),
		loopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_loop_errors_total",
			Help: "Recovered daemon loop iteration failures.",
		}),
		webhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulse_webhook_duration_seconds",
			Help:    "Agent webhook round-trip time including retries.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.uptime,
		m.drivePressure,
		m.driveWeight,
		m.totalPressure,
		m.triggers,
		m.feedback,
		m.mutations,
		m.loopErrors,
		m.webhookDuration,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetDrive updates the per-drive gauges.
func (m *Metrics) SetDrive(name string, pressure, weight float64) {
	m.drivePressure.WithLabelValues(name).Set(pressure)
	m.driveWeight.WithLabelValues(name).Set(weight)
}

// RemoveDrive drops gauges for a removed drive.
func (m *Metrics) RemoveDrive(name string) {
	m.drivePressure.DeleteLabelValues(name)
	m.driveWeight.DeleteLabelValues(name)
}

// SetTotalPressure updates the weighted-total gauge.
func (m *Metrics) SetTotalPressure(v float64) { m.totalPressure.Set(v) }

// ObserveTrigger counts a dispatch attempt. result is "delivered", "failed",
// or "suppressed".
func (m *Metrics) ObserveTrigger(result string) { m.triggers.WithLabelValues(result).Inc() }

// ObserveFeedback counts a feedback report by outcome.
func (m *Metrics) ObserveFeedback(outcome string) { m.feedback.WithLabelValues(outcome).Inc() }

// ObserveMutation counts a mutation attempt ("applied" or "rejected").
func (m *Metrics) ObserveMutation(outcome string) { m.mutations.WithLabelValues(outcome).Inc() }

// ObserveLoopError counts a recovered loop failure.
func (m *Metrics) ObserveLoopError() { m.loopErrors.Inc() }

// ObserveWebhookDuration records one webhook round trip.
func (m *Metrics) ObserveWebhookDuration(d time.Duration) {
	m.webhookDuration.Observe(d.Seconds())
}
