// Package chase ties the payload registry, chase car track, bearing store and
// prediction orchestrator together and turns every accepted fix into events
// for live clients and records for the chase log.
package chase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unklstewy/balloon-chase/internal/db"
	"github.com/unklstewy/balloon-chase/internal/events"
	"github.com/unklstewy/balloon-chase/internal/metrics"
	"github.com/unklstewy/balloon-chase/internal/orchestrator"
	"github.com/unklstewy/balloon-chase/internal/registry"
	"github.com/unklstewy/balloon-chase/pkg/atmosphere"
	"github.com/unklstewy/balloon-chase/pkg/bearings"
	"github.com/unklstewy/balloon-chase/pkg/config"
	"github.com/unklstewy/balloon-chase/pkg/predictor"
	"github.com/unklstewy/balloon-chase/pkg/track"
)

// descentThreshold is the vertical rate below which a payload is treated as
// descending for time-to-landing. It keeps jitter on the ground from
// producing estimates.
const descentThreshold = -1.0

// DefaultCallsign is used for restored telemetry that carries no callsign.
const DefaultCallsign = "Payload"

// Fix source kinds used in metrics labels.
const (
	kindPayload = "payload"
	kindCar     = "car"
	kindBearing = "bearing"
)

// Option configures a Service.
type Option func(*Service)

// WithChaseLog records every accepted fix and prediction.
func WithChaseLog(cl *db.ChaseLog) Option {
	return func(s *Service) { s.chaseLog = cl }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock overrides the time source for server timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithOrchestratorOptions passes extra options to the prediction orchestrator.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(s *Service) { s.orchOpts = append(s.orchOpts, opts...) }
}

// Service is the chase server core. Ingestion methods are safe to call from
// several transport goroutines; writes are serialized by one mutex.
type Service struct {
	ingestMu sync.Mutex
	car      *track.Track

	registry *registry.Registry
	bearings *bearings.Store
	orch     *orchestrator.Orchestrator
	hub      *events.Hub

	telemMu sync.RWMutex
	telem   map[string]events.Telemetry

	cfgMu   sync.RWMutex
	cfg     config.Config
	model   string
	offline *predictor.Offline

	chaseLog *db.ChaseLog
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
	orchOpts []orchestrator.Option
}

// New creates a service from cfg, publishing events on hub. When cfg enables
// the predictor its backend is initialized immediately.
func New(cfg config.Config, hub *events.Hub, opts ...Option) *Service {
	s := &Service{
		hub:   hub,
		telem: make(map[string]events.Telemetry),
		cfg:   cfg,
		model: ModelDisabled,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.car = track.New(trackOptions(cfg.Track, s.log))
	s.registry = registry.New(trackOptions(cfg.Track, s.log),
		registry.WithClock(s.now), registry.WithLogger(s.log))
	s.bearings = bearings.New(bearingLimits(cfg.Bearings),
		bearings.WithClock(s.now), bearings.WithLogger(s.log))
	s.bearings.Subscribe(s.onBearingChange)

	orchCfg := orchestratorConfig(cfg.Predictor)
	orchCfg.Enabled = false
	orchOpts := append([]orchestrator.Option{
		orchestrator.WithLogger(s.log),
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithClock(s.now),
	}, s.orchOpts...)
	s.orch = orchestrator.New(orchCfg, s.registry, s, orchOpts...)

	if cfg.Predictor.Enabled {
		s.InitPredictor()
	}
	return s
}

// Registry returns the payload registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Orchestrator returns the prediction orchestrator.
func (s *Service) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Run drives the prediction orchestrator and the payload age monitor until
// ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.orch.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.monitorAges(ctx)
		return nil
	})
	return g.Wait()
}

func (s *Service) monitorAges(ctx context.Context) {
	interval := s.config().Payload.CheckInterval()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpirePayloads()
		}
	}
}

// ExpirePayloads removes payloads not heard from within the configured
// maximum age. Removal waits for any in-flight prediction cycle.
func (s *Service) ExpirePayloads() []string {
	maxAge := s.config().Payload.MaxAge()

	var removed []string
	s.orch.Exclusive(func() {
		removed = s.registry.Evict(maxAge)
	})
	s.metrics.SetActivePayloads(s.registry.Len())
	if len(removed) == 0 {
		return nil
	}

	s.telemMu.Lock()
	for _, name := range removed {
		delete(s.telem, name)
	}
	s.telemMu.Unlock()

	s.hub.Publish(events.TypePayloadsCleared, events.Cleared{Callsigns: removed, Reason: "expired"})
	return removed
}

// AddPayloadFix appends a payload position and publishes the resulting
// telemetry event.
func (s *Service) AddPayloadFix(callsign string, fix track.Fix) (events.Telemetry, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	return s.addPayloadLocked(callsign, fix, true)
}

func (s *Service) addPayloadLocked(callsign string, fix track.Fix, record bool) (events.Telemetry, error) {
	st, err := s.registry.Upsert(callsign, fix)
	if err != nil {
		s.metrics.IncFixDropped(kindPayload)
		s.log.Warn("discarding payload fix",
			slog.String("callsign", callsign), slog.Any("error", err))
		return events.Telemetry{}, fmt.Errorf("failed to add payload fix: %w", err)
	}
	s.metrics.IncFixIngested(kindPayload)
	s.metrics.SetActivePayloads(s.registry.Len())

	tel := events.Telemetry{
		Callsign:      callsign,
		Position:      [3]float64{fix.Latitude, fix.Longitude, fix.Altitude},
		Speed:         st.Speed,
		Heading:       st.Heading,
		HeadingValid:  st.HeadingValid,
		ShortTime:     fix.Time.UTC().Format("15:04:05"),
		TimeToLanding: s.timeToLanding(st),
		ServerTime:    s.now().UTC(),
	}
	if st.AscentRateValid {
		tel.VelV = st.AscentRate
	}

	s.telemMu.Lock()
	s.telem[callsign] = tel
	s.telemMu.Unlock()

	s.hub.Publish(events.TypeTelemetry, tel)
	if record {
		s.chaseLog.Add(db.Record{
			Type:      db.BalloonTelemetry,
			Callsign:  callsign,
			Time:      fix.Time,
			Latitude:  fix.Latitude,
			Longitude: fix.Longitude,
			Altitude:  fix.Altitude,
			Data:      tel,
		})
	}
	return tel, nil
}

// timeToLanding formats the landing estimate for a payload: "MM:SS" while
// descending, "LANDED" at or below ground, and empty otherwise. Ground is
// the chase car altitude when known. Callers hold ingestMu.
func (s *Service) timeToLanding(st track.State) string {
	if !st.AscentRateValid || st.AscentRate >= descentThreshold {
		return ""
	}
	ground := 0.0
	if car, ok := s.car.Latest(); ok {
		ground = car.Altitude
	}
	d, err := atmosphere.TimeToLanding(st.Altitude, st.AscentRate, ground)
	if err != nil {
		return ""
	}
	if d == 0 {
		return "LANDED"
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// AddCarFix appends a chase car position, refreshes the vehicle snapshot
// used to fuse relative bearings, and publishes the car telemetry event.
func (s *Service) AddCarFix(fix track.Fix) (events.Telemetry, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	st, err := s.car.Add(fix)
	if err != nil {
		s.metrics.IncFixDropped(kindCar)
		s.log.Warn("discarding car fix", slog.Any("error", err))
		return events.Telemetry{}, fmt.Errorf("failed to add car fix: %w", err)
	}
	s.metrics.IncFixIngested(kindCar)
	s.bearings.UpdateVehicle(st)

	tel := events.Telemetry{
		Callsign:     events.CarCallsign,
		Position:     [3]float64{fix.Latitude, fix.Longitude, fix.Altitude},
		Speed:        st.Speed,
		Heading:      st.Heading,
		HeadingValid: st.HeadingValid,
		ShortTime:    fix.Time.UTC().Format("15:04:05"),
		ServerTime:   s.now().UTC(),
	}
	s.hub.Publish(events.TypeTelemetry, tel)
	s.chaseLog.Add(db.Record{
		Type:      db.CarPosition,
		Callsign:  events.CarCallsign,
		Time:      fix.Time,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Altitude:  fix.Altitude,
		Data:      tel,
	})
	return tel, nil
}

// CarState returns the chase car's derived state.
func (s *Service) CarState() track.State {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	return s.car.State()
}

// AddBearing stores a bearing fix. Inputs that are not bearings are ignored.
func (s *Service) AddBearing(in bearings.Input) error {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	change, err := s.bearings.Add(in)
	if err != nil {
		s.metrics.IncFixDropped(kindBearing)
		s.log.Warn("discarding bearing", slog.String("source", in.Source), slog.Any("error", err))
		return fmt.Errorf("failed to add bearing: %w", err)
	}
	if change != nil {
		s.metrics.IncFixIngested(kindBearing)
	}
	return nil
}

func (s *Service) onBearingChange(c bearings.Change) {
	s.hub.Publish(events.TypeBearingChange, c)
	if !c.HasAdded() {
		s.metrics.ObserveBearingEviction(len(c.Removed))
		return
	}
	s.metrics.ObserveBearing(len(c.Removed))
	s.chaseLog.Add(db.Record{
		Type:      db.Bearing,
		Callsign:  c.Added.Source,
		Time:      c.Added.SourceTime,
		Latitude:  c.Added.Latitude,
		Longitude: c.Added.Longitude,
		Data:      c.Added,
	})
}

// BearingsView is the bearing store as served to clients.
type BearingsView struct {
	Bearings []bearings.Record     `json:"bearings"`
	Vehicle  bearings.VehicleState `json:"vehicle"`
}

// Bearings returns the stored bearings and the vehicle snapshot.
func (s *Service) Bearings() BearingsView {
	return BearingsView{Bearings: s.bearings.Snapshot(), Vehicle: s.bearings.Vehicle()}
}

// ArchiveEntry is one payload's latest telemetry, flight path and prediction.
type ArchiveEntry struct {
	Telem events.Telemetry `json:"telem"`
	Path  [][3]float64     `json:"path"`
	events.PredictorUpdate
}

// Archive returns every tracked payload keyed by callsign.
func (s *Service) Archive() map[string]ArchiveEntry {
	snaps := s.registry.Snapshot()

	s.telemMu.RLock()
	defer s.telemMu.RUnlock()
	out := make(map[string]ArchiveEntry, len(snaps))
	for name, snap := range snaps {
		upd := events.NewPredictorUpdate(snap.Prediction)
		upd.Callsign = name
		out[name] = ArchiveEntry{
			Telem:           s.telem[name],
			Path:            snap.Telemetry,
			PredictorUpdate: upd,
		}
	}
	return out
}

// Restore replays the most recent balloon position from the chase log so a
// restarted server resumes with the last known payload.
func (s *Service) Restore(ctx context.Context) error {
	if s.chaseLog == nil {
		return nil
	}
	rec, err := s.chaseLog.LastBalloonTelemetry(ctx)
	if errors.Is(err, db.ErrNoTelemetry) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore telemetry: %w", err)
	}

	callsign := rec.Callsign
	if callsign == "" {
		callsign = DefaultCallsign
	}
	fix := track.Fix{Sample: track.Sample{
		Time:      rec.Time,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
		Altitude:  rec.Altitude,
		Label:     callsign,
	}}
	if fix.Time.IsZero() {
		fix.Time = rec.LogTime
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	if _, err := s.addPayloadLocked(callsign, fix, false); err != nil {
		return err
	}
	s.log.Info("restored last payload position",
		slog.String("callsign", callsign), slog.Time("time", fix.Time))
	return nil
}

// PublishPrediction implements orchestrator.Publisher.
func (s *Service) PublishPrediction(res orchestrator.Result) {
	upd := events.NewPredictorUpdate(res)
	s.hub.Publish(events.TypePredictorUpdate, upd)

	rec := db.Record{Type: db.Prediction, Callsign: res.Callsign, Time: res.Updated, Data: upd}
	if res.Landing != nil {
		rec.Latitude, rec.Longitude, rec.Altitude = res.Landing.Latitude, res.Landing.Longitude, res.Landing.Altitude
	}
	s.chaseLog.Add(rec)
}

// PublishStatus implements orchestrator.Publisher.
func (s *Service) PublishStatus(callsign string, err error) {
	s.hub.Publish(events.TypePredictorStatus, events.Status{Callsign: callsign, Status: err.Error()})
}
