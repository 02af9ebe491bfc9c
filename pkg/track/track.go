// Package track maintains the rolling position history of a single moving
// entity (a balloon payload or the chase car) and the kinematic state derived
// from it.
package track

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/unklstewy/balloon-chase/pkg/atmosphere"
	"github.com/unklstewy/balloon-chase/pkg/geodesy"
)

// ErrInvalidFix is returned by Add when a fix is missing a timestamp or has
// coordinates outside the valid ranges. The fix is not appended.
var ErrInvalidFix = errors.New("track: invalid position fix")

// Default tuning values.
const (
	DefaultAscentAveraging   = 6
	DefaultLandingRate       = 5.0
	DefaultHeadingGate       = 0.0
	DefaultTurnRateThreshold = 4.0

	// initialTurnRate keeps a new track's heading invalid until a real turn
	// rate can be computed.
	initialTurnRate = 100.0
)

// Sample is a single time-stamped position. Samples are immutable once appended.
type Sample struct {
	// Time is when the position was measured (UTC)
	Time time.Time

	// Latitude in decimal degrees (-90 to +90)
	Latitude float64

	// Longitude in decimal degrees (-180 to +180)
	Longitude float64

	// Altitude in meters above mean sea level
	Altitude float64

	// Label is a free-form comment attached by the source
	Label string
}

// Point returns the sample position.
func (s Sample) Point() geodesy.Point {
	return geodesy.Point{Latitude: s.Latitude, Longitude: s.Longitude, Altitude: s.Altitude}
}

// Fix is a position report offered to a Track.
type Fix struct {
	Sample

	// Heading is an externally measured heading in degrees true (e.g. from a
	// compass). Nil when the source does not supply one.
	Heading *float64

	// HeadingStatus is an opaque status label passed through to State.
	HeadingStatus string
}

// Validate checks that the fix can be appended to a track.
func (f Fix) Validate() error {
	if f.Time.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidFix)
	}
	if !f.Point().Valid() {
		return fmt.Errorf("%w: position (%.5f, %.5f, %.1f) out of range",
			ErrInvalidFix, f.Latitude, f.Longitude, f.Altitude)
	}
	if f.Heading != nil && (math.IsNaN(*f.Heading) || math.IsInf(*f.Heading, 0)) {
		return fmt.Errorf("%w: non-finite heading", ErrInvalidFix)
	}
	return nil
}

// State is the kinematic state derived from a track's history.
type State struct {
	// Time, Latitude, Longitude and Altitude are copied from the latest sample
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  float64   `json:"alt"`

	// AscentRate is the smoothed vertical rate in m/s (positive = rising).
	// Only meaningful when AscentRateValid is true.
	AscentRate float64 `json:"ascent_rate"`

	// AscentRateValid is false until the track holds at least one sample
	AscentRateValid bool `json:"ascent_rate_valid"`

	// Descending is true when AscentRate < 0
	Descending bool `json:"is_descending"`

	// LandingRate is the sea-level equivalent descent rate magnitude in m/s
	LandingRate float64 `json:"landing_rate"`

	// Heading in degrees true (0-360)
	Heading float64 `json:"heading"`

	// HeadingValid reports whether Heading passed the speed and turn-rate gates
	HeadingValid bool `json:"heading_valid"`

	// HeadingStatus is passed through from the last fix that carried one
	HeadingStatus string `json:"heading_status,omitempty"`

	// TurnRate is the unsigned heading rate in degrees per second
	TurnRate float64 `json:"turn_rate"`

	// Speed is the ground speed in m/s between the last two samples
	Speed float64 `json:"speed"`

	// Samples is the number of samples in the track
	Samples int `json:"samples"`
}

// Point returns the position of the latest sample.
func (s State) Point() geodesy.Point {
	return geodesy.Point{Latitude: s.Latitude, Longitude: s.Longitude, Altitude: s.Altitude}
}

// Options configures a Track.
type Options struct {
	// AscentAveraging is the maximum number of consecutive altitude
	// differences averaged into the ascent rate
	AscentAveraging int

	// LandingRate is the landing rate reported before any descent is observed
	LandingRate float64

	// HeadingGateThreshold is the minimum speed in m/s for a derived heading to be valid
	HeadingGateThreshold float64

	// TurnRateThreshold is the turn rate in °/s at or above which heading is invalid
	TurnRateThreshold float64

	// MaxSamples bounds the history length; 0 keeps every sample
	MaxSamples int

	// Logger receives warnings about degenerate input. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		AscentAveraging:      DefaultAscentAveraging,
		LandingRate:          DefaultLandingRate,
		HeadingGateThreshold: DefaultHeadingGate,
		TurnRateThreshold:    DefaultTurnRateThreshold,
	}
}

// Track is a rolling history of samples for one entity.
//
// Add must only be called by a single writer. The read methods are safe to
// call concurrently with Add.
type Track struct {
	mu   sync.RWMutex
	opts Options
	log  *slog.Logger

	samples []Sample

	ascentRate      float64
	ascentRateValid bool
	heading         float64
	turnRate        float64
	headingValid    bool
	speed           float64
	descending      bool
	landingRate     float64

	suppliedHeading bool
	headingStatus   string

	prevHeading float64
	prevTime    time.Time
}

// New creates an empty Track. Zero values in opts are replaced by defaults,
// except HeadingGateThreshold where zero is the default.
func New(opts Options) *Track {
	if opts.AscentAveraging <= 0 {
		opts.AscentAveraging = DefaultAscentAveraging
	}
	if opts.LandingRate <= 0 {
		opts.LandingRate = DefaultLandingRate
	}
	if opts.TurnRateThreshold <= 0 {
		opts.TurnRateThreshold = DefaultTurnRateThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Track{
		opts:        opts,
		log:         logger,
		turnRate:    initialTurnRate,
		landingRate: opts.LandingRate,
	}
}

// SetTuning replaces the averaging window and heading thresholds. The new
// values apply from the next Add. Non-positive values are ignored.
func (t *Track) SetTuning(ascentAveraging int, headingGate, turnRateThreshold float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ascentAveraging > 0 {
		t.opts.AscentAveraging = ascentAveraging
	}
	if headingGate >= 0 {
		t.opts.HeadingGateThreshold = headingGate
	}
	if turnRateThreshold > 0 {
		t.opts.TurnRateThreshold = turnRateThreshold
	}
}

// Add appends a fix and recomputes the derived state.
// Invalid fixes return ErrInvalidFix and leave the track unchanged.
func (t *Track) Add(f Fix) (State, error) {
	if err := f.Validate(); err != nil {
		return t.State(), err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f.Time = f.Time.UTC()
	t.samples = append(t.samples, f.Sample)
	if t.opts.MaxSamples > 0 && len(t.samples) > t.opts.MaxSamples {
		// Copy so the dropped prefix can be collected
		t.samples = append([]Sample(nil), t.samples[len(t.samples)-t.opts.MaxSamples:]...)
	}

	if f.Heading != nil {
		if len(t.samples) >= 2 {
			t.prevTime = t.samples[len(t.samples)-2].Time
			t.prevHeading = t.heading
		}
		t.heading = geodesy.NormalizeAzimuth(*f.Heading)
		t.suppliedHeading = true
	}
	if f.HeadingStatus != "" {
		t.headingStatus = f.HeadingStatus
	}

	t.update()
	return t.stateLocked(), nil
}

// update recomputes every derived field. Callers hold t.mu.
func (t *Track) update() {
	t.updateAscentRate()
	t.updateSpeed()
	if !t.suppliedHeading {
		t.updateHeading()
	}
	t.updateTurnRate()

	if t.suppliedHeading {
		// A compass heading is trustworthy even when stationary
		t.headingValid = t.turnRate < t.opts.TurnRateThreshold
	} else {
		t.headingValid = t.speed > t.opts.HeadingGateThreshold && t.turnRate < t.opts.TurnRateThreshold
	}

	t.descending = t.ascentRateValid && t.ascentRate < 0
	if t.descending {
		latest := t.samples[len(t.samples)-1]
		t.landingRate = math.Abs(atmosphere.SeaLevelDescentRate(t.ascentRate, latest.Altitude))
	}
}

func (t *Track) updateAscentRate() {
	n := len(t.samples)
	switch {
	case n == 0:
		t.ascentRate, t.ascentRateValid = 0, false
		return
	case n == 1:
		t.ascentRate, t.ascentRateValid = 0, true
		return
	}

	pairs := min(n-1, t.opts.AscentAveraging)
	rates := make([]float64, 0, pairs)
	for i := n - pairs; i < n; i++ {
		prev, cur := t.samples[i-1], t.samples[i]
		dt := cur.Time.Sub(prev.Time).Seconds()
		if dt <= 0 {
			t.log.Warn("zero time step in ascent rate calculation, are multiple receivers reporting simultaneously?",
				slog.Time("time", cur.Time),
				slog.Float64("dt", dt))
			continue
		}
		rates = append(rates, (cur.Altitude-prev.Altitude)/dt)
	}

	if len(rates) == 0 {
		// Keep the previous estimate rather than inventing one
		return
	}
	t.ascentRate = stat.Mean(rates, nil)
	t.ascentRateValid = true
}

func (t *Track) updateSpeed() {
	n := len(t.samples)
	if n <= 1 {
		t.speed = 0
		return
	}
	prev, cur := t.samples[n-2], t.samples[n-1]
	dt := cur.Time.Sub(prev.Time).Seconds()
	if dt <= 0 {
		t.log.Warn("zero time step in speed calculation, are multiple receivers reporting simultaneously?",
			slog.Time("time", cur.Time),
			slog.Float64("dt", dt))
		t.speed = 0
		return
	}
	t.speed = geodesy.GreatCircleDistance(prev.Point(), cur.Point()) / dt
}

func (t *Track) updateHeading() {
	n := len(t.samples)
	if n <= 1 {
		t.heading = 0
		return
	}
	prev, cur := t.samples[n-2], t.samples[n-1]

	t.prevHeading = t.heading
	t.prevTime = prev.Time

	bearing, err := geodesy.InitialBearing(prev.Point(), cur.Point())
	if err != nil {
		t.log.Debug("heading unchanged for identical sequential positions", slog.Time("time", cur.Time))
		return
	}
	t.heading = bearing
}

func (t *Track) updateTurnRate() {
	n := len(t.samples)
	if n <= 2 {
		return
	}
	dt := t.samples[n-1].Time.Sub(t.prevTime).Seconds()
	if dt <= 0 {
		t.log.Warn("zero time step in turn rate calculation", slog.Time("time", t.samples[n-1].Time))
		return
	}
	t.turnRate = math.Abs(geodesy.AngleDifference(t.prevHeading, t.heading)) / dt
}

// State returns the current derived state.
func (t *Track) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stateLocked()
}

func (t *Track) stateLocked() State {
	s := State{
		AscentRate:      t.ascentRate,
		AscentRateValid: t.ascentRateValid,
		Descending:      t.descending,
		LandingRate:     t.landingRate,
		Heading:         t.heading,
		HeadingValid:    t.headingValid,
		HeadingStatus:   t.headingStatus,
		TurnRate:        t.turnRate,
		Speed:           t.speed,
		Samples:         len(t.samples),
	}
	if n := len(t.samples); n > 0 {
		latest := t.samples[n-1]
		s.Time = latest.Time
		s.Latitude = latest.Latitude
		s.Longitude = latest.Longitude
		s.Altitude = latest.Altitude
	}
	return s
}

// Latest returns the most recent sample, or false when the track is empty.
func (t *Track) Latest() (Sample, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.samples) == 0 {
		return Sample{}, false
	}
	return t.samples[len(t.samples)-1], true
}

// Len returns the number of samples held.
func (t *Track) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}

// Samples returns a copy of the history, oldest first.
func (t *Track) Samples() []Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Sample, len(t.samples))
	copy(out, t.samples)
	return out
}

// Polyline returns the history as [lat, lon, alt] triples for a map line.
// A single sample is duplicated because a line needs two points; an empty
// track returns an empty slice.
func (t *Track) Polyline() [][3]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.samples) == 0 {
		return [][3]float64{}
	}
	src := t.samples
	if len(src) == 1 {
		src = []Sample{src[0], src[0]}
	}
	out := make([][3]float64, len(src))
	for i, s := range src {
		out[i] = [3]float64{s.Latitude, s.Longitude, s.Altitude}
	}
	return out
}
