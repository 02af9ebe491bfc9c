// Package metrics exposes the chase server's Prometheus instruments.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prediction outcomes recorded by ObservePrediction.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	FixesIngested      *prometheus.CounterVec
	FixesDropped       *prometheus.CounterVec
	BearingsAdded      prometheus.Counter
	BearingsEvicted    prometheus.Counter
	Predictions        *prometheus.CounterVec
	PredictionDuration prometheus.Histogram
	ActivePayloads     prometheus.Gauge
	HubSubscribers     prometheus.Gauge
	HubDropped         prometheus.Counter
	LogQueueDropped    prometheus.Counter
}

// New registers the chase metrics against reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{gatherer: gatherer}
	var err error

	if m.FixesIngested, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chase_fixes_ingested_total",
		Help: "Position fixes accepted, by entity kind.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if m.FixesDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chase_fixes_dropped_total",
		Help: "Position fixes rejected as malformed, by entity kind.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if m.BearingsAdded, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chase_bearings_added_total",
		Help: "Bearings stored.",
	})); err != nil {
		return nil, err
	}
	if m.BearingsEvicted, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chase_bearings_evicted_total",
		Help: "Bearings evicted by the count or age limit.",
	})); err != nil {
		return nil, err
	}
	if m.Predictions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chase_predictions_total",
		Help: "Predictor backend calls, by backend and outcome.",
	}, []string{"backend", "outcome"})); err != nil {
		return nil, err
	}
	if m.PredictionDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chase_prediction_duration_seconds",
		Help:    "Duration of predictor backend calls.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})); err != nil {
		return nil, err
	}
	if m.ActivePayloads, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chase_active_payloads",
		Help: "Payloads currently tracked.",
	})); err != nil {
		return nil, err
	}
	if m.HubSubscribers, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chase_hub_subscribers",
		Help: "Clients subscribed to the event hub.",
	})); err != nil {
		return nil, err
	}
	if m.HubDropped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chase_hub_dropped_events_total",
		Help: "Events dropped because a subscriber was too slow.",
	})); err != nil {
		return nil, err
	}
	if m.LogQueueDropped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chase_log_dropped_records_total",
		Help: "Chase log records dropped because the write queue was full.",
	})); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an already registered collector of the same type.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// Gatherer returns the gatherer backing the registerer passed to New.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

// IncFixIngested counts an accepted fix.
func (m *Metrics) IncFixIngested(kind string) {
	if m == nil {
		return
	}
	m.FixesIngested.WithLabelValues(kind).Inc()
}

// IncFixDropped counts a rejected fix.
func (m *Metrics) IncFixDropped(kind string) {
	if m == nil {
		return
	}
	m.FixesDropped.WithLabelValues(kind).Inc()
}

// ObserveBearing records one bearing store mutation.
func (m *Metrics) ObserveBearing(evicted int) {
	if m == nil {
		return
	}
	m.BearingsAdded.Inc()
	m.BearingsEvicted.Add(float64(evicted))
}

// ObserveBearingEviction records records evicted without an add, as when the
// store limits shrink.
func (m *Metrics) ObserveBearingEviction(evicted int) {
	if m == nil {
		return
	}
	m.BearingsEvicted.Add(float64(evicted))
}

// ObservePrediction records one backend call.
func (m *Metrics) ObservePrediction(backend string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.Predictions.WithLabelValues(backend, outcome).Inc()
	m.PredictionDuration.Observe(d.Seconds())
}

// SetActivePayloads sets the payload gauge.
func (m *Metrics) SetActivePayloads(n int) {
	if m == nil {
		return
	}
	m.ActivePayloads.Set(float64(n))
}

// SetHubSubscribers sets the subscriber gauge.
func (m *Metrics) SetHubSubscribers(n int) {
	if m == nil {
		return
	}
	m.HubSubscribers.Set(float64(n))
}

// IncHubDropped counts an event dropped for a slow subscriber.
func (m *Metrics) IncHubDropped() {
	if m == nil {
		return
	}
	m.HubDropped.Inc()
}

// IncLogQueueDropped counts a chase log record that could not be queued.
func (m *Metrics) IncLogQueueDropped() {
	if m == nil {
		return
	}
	m.LogQueueDropped.Inc()
}
