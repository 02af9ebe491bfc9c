// Package orchestrator runs periodic flight-path predictions for every
// active payload and publishes the results.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unklstewy/balloon-chase/internal/metrics"
	"github.com/unklstewy/balloon-chase/pkg/predictor"
	"github.com/unklstewy/balloon-chase/pkg/track"
)

const (
	// burstMargin is added to the current altitude when the payload is
	// already above the configured burst altitude.
	burstMargin = 100.0

	// abortMargin is the hypothetical burst height above the current altitude
	// used for the abort prediction.
	abortMargin = 200.0
)

// Config holds the orchestrator settings. All fields can be changed at
// runtime through UpdateSettings.
type Config struct {
	// Enabled turns prediction cycles on or off
	Enabled bool

	// UpdateInterval is the time between cycles (default: 15s)
	UpdateInterval time.Duration

	// DescentRate is the nominal sea-level descent rate in m/s (default: 6.0)
	DescentRate float64

	// BurstAltitude is the nominal burst altitude in meters (default: 28000)
	BurstAltitude float64

	// ShowAbort enables the abort prediction while ascending (default: true)
	ShowAbort bool

	// StaleAfter skips payloads with no fix for this long (default: 30s)
	StaleAfter time.Duration

	// CallTimeout bounds one backend call (default: 30s)
	CallTimeout time.Duration
}

// DefaultConfig returns the standard settings with prediction disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		UpdateInterval: 15 * time.Second,
		DescentRate:    6.0,
		BurstAltitude:  28000,
		ShowAbort:      true,
		StaleAfter:     30 * time.Second,
		CallTimeout:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = def.UpdateInterval
	}
	if c.DescentRate <= 0 {
		c.DescentRate = def.DescentRate
	}
	if c.BurstAltitude <= 0 {
		c.BurstAltitude = def.BurstAltitude
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	return c
}

// Target is a read-only snapshot of one active payload.
type Target struct {
	Callsign   string
	State      track.State
	LastUpdate time.Time
}

// Source supplies the payloads to predict and stores the results.
type Source interface {
	// Targets returns a snapshot of every active payload
	Targets() []Target

	// StoreResult replaces the stored prediction for r.Callsign
	StoreResult(r Result)
}

// Publisher delivers prediction results and failures to observers.
type Publisher interface {
	PublishPrediction(r Result)
	PublishStatus(callsign string, err error)
}

// Result is the complete prediction state for one payload. It is recomputed
// wholesale every cycle.
type Result struct {
	Callsign     string            `json:"callsign"`
	Path         []predictor.Point `json:"pred_path"`
	Landing      *predictor.Point  `json:"pred_landing"`
	Burst        *predictor.Point  `json:"burst"`
	AbortPath    []predictor.Point `json:"abort_path"`
	AbortLanding *predictor.Point  `json:"abort_landing"`
	Dataset      time.Time         `json:"dataset"`
	Updated      time.Time         `json:"updated"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics records backend calls.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTick sets the sleep granularity of Run (default: 1s).
func WithTick(d time.Duration) Option {
	return func(o *Orchestrator) { o.tick = d }
}

// WithBackend sets the initial backend (default: predictor.Disabled).
func WithBackend(b predictor.Backend) Option {
	return func(o *Orchestrator) { o.backend = b }
}

// Orchestrator drives prediction cycles.
//
// cycleMu is held for the whole of every cycle. Settings and backend changes
// take it too, so they block until an in-flight cycle finishes.
type Orchestrator struct {
	cycleMu sync.Mutex
	cfg     Config
	backend predictor.Backend

	src     Source
	pub     Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	tick    time.Duration
}

// New creates an Orchestrator. It does nothing until Run or RunCycle is called.
func New(cfg Config, src Source, pub Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg.withDefaults(),
		backend: predictor.Disabled{},
		src:     src,
		pub:     pub,
		log:     slog.Default(),
		now:     time.Now,
		tick:    time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.backend == nil {
		o.backend = predictor.Disabled{}
	}
	return o
}

// Run sleeps for the update interval in tick-sized steps, then runs a cycle,
// until ctx is cancelled. Cancellation is observed within one tick; a cycle
// already in progress runs to completion.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	o.log.Info("prediction worker started")
	var slept time.Duration
	for {
		select {
		case <-ctx.Done():
			o.log.Info("prediction worker stopped")
			return
		case <-ticker.C:
		}

		slept += o.tick
		if slept < o.interval() {
			continue
		}
		slept = 0
		o.runSafely(context.WithoutCancel(ctx))
	}
}

func (o *Orchestrator) interval() time.Duration {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	return o.cfg.UpdateInterval
}

// runSafely runs a cycle, recovering from a panic so the worker survives.
func (o *Orchestrator) runSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic in prediction cycle, will retry next cycle", slog.Any("panic", r))
		}
	}()
	o.RunCycle(ctx)
}

// RunCycle runs one prediction pass over every active payload. It returns
// immediately when prediction is disabled or no backend is configured.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	if !o.cfg.Enabled {
		return
	}
	p, ok := predictor.PredictorFor(o.backend)
	if !ok {
		return
	}

	now := o.now()
	for _, tgt := range o.src.Targets() {
		if now.Sub(tgt.LastUpdate) > o.cfg.StaleAfter {
			continue
		}
		if tgt.State.Samples < 2 {
			continue
		}
		o.predictTarget(ctx, p, tgt)
	}
}

func (o *Orchestrator) predictTarget(ctx context.Context, p predictor.Predictor, tgt Target) {
	st := tgt.State
	cfg := o.cfg

	descentRate := cfg.DescentRate
	if st.Descending {
		descentRate = st.LandingRate
	}
	burst := cfg.BurstAltitude
	if st.Altitude > burst {
		burst = st.Altitude + burstMargin
	}

	req := predictor.Request{
		LaunchTime:    st.Time,
		Latitude:      st.Latitude,
		Longitude:     st.Longitude,
		Altitude:      st.Altitude,
		AscentRate:    st.AscentRate,
		DescentRate:   descentRate,
		BurstAltitude: burst,
		Descending:    st.Descending,
	}
	current := predictor.Point{Time: st.Time, Latitude: st.Latitude, Longitude: st.Longitude, Altitude: st.Altitude}

	res := Result{Callsign: tgt.Callsign, Updated: o.now()}
	var failure error

	nominal, err := o.call(ctx, p, req)
	nominalOK := err == nil
	if nominalOK {
		res.Path = append([]predictor.Point{current}, nominal.Path...)
		res.Landing = pointPtr(res.Path[len(res.Path)-1])
		res.Dataset = nominal.Dataset
		if !st.Descending {
			res.Burst = burstPoint(res.Path)
		}
	} else {
		failure = err
		o.log.Warn("nominal prediction failed",
			slog.String("callsign", tgt.Callsign), slog.Any("error", err))
	}

	abortOK := false
	if cfg.ShowAbort && st.Altitude < cfg.BurstAltitude && !st.Descending {
		abortReq := req
		abortReq.BurstAltitude = st.Altitude + abortMargin
		abort, err := o.call(ctx, p, abortReq)
		abortOK = err == nil
		if abortOK {
			res.AbortPath = append([]predictor.Point{current}, abort.Path...)
			res.AbortLanding = pointPtr(res.AbortPath[len(res.AbortPath)-1])
		} else {
			failure = err
			o.log.Warn("abort prediction failed",
				slog.String("callsign", tgt.Callsign), slog.Any("error", err))
		}
	}

	o.src.StoreResult(res)

	if failure != nil {
		o.pub.PublishStatus(tgt.Callsign, failure)
	}
	if nominalOK || abortOK {
		o.pub.PublishPrediction(res)
	}
}

// call runs one bounded backend request. Trajectories with fewer than two
// points are treated as failures.
func (o *Orchestrator) call(ctx context.Context, p predictor.Predictor, req predictor.Request) (*predictor.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	pred, err := p.Predict(ctx, req)
	if err == nil && (pred == nil || len(pred.Path) < 2) {
		err = predictor.ErrNoPrediction
	}
	o.metrics.ObservePrediction(o.backend.Kind().String(), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s prediction: %w", o.backend.Kind(), err)
	}
	return pred, nil
}

// burstPoint returns the first point of maximum altitude, or nil for an
// empty path.
func burstPoint(path []predictor.Point) *predictor.Point {
	if len(path) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(path); i++ {
		if path[i].Altitude > path[best].Altitude {
			best = i
		}
	}
	return pointPtr(path[best])
}

func pointPtr(p predictor.Point) *predictor.Point { return &p }

// Exclusive runs fn while no prediction cycle is in progress. A cycle that
// is running when Exclusive is called finishes first.
func (o *Orchestrator) Exclusive(fn func()) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	fn()
}

// SetEnabled turns cycles on or off, waiting for any in-flight cycle.
func (o *Orchestrator) SetEnabled(enabled bool) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	o.cfg.Enabled = enabled
}

// SetBackend swaps the predictor backend, waiting for any in-flight cycle.
// A nil backend is replaced by predictor.Disabled.
func (o *Orchestrator) SetBackend(b predictor.Backend) {
	if b == nil {
		b = predictor.Disabled{}
	}
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	o.backend = b
	o.log.Info("predictor backend changed", slog.String("backend", b.Kind().String()))
}

// Backend returns the current backend.
func (o *Orchestrator) Backend() predictor.Backend {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	return o.backend
}

// UpdateSettings replaces the settings, waiting for any in-flight cycle.
// Zero durations and rates fall back to defaults.
func (o *Orchestrator) UpdateSettings(cfg Config) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	o.cfg = cfg.withDefaults()
}

// Settings returns the current settings.
func (o *Orchestrator) Settings() Config {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	return o.cfg
}
