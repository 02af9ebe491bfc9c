// Package bearings stores radio direction-finding bearings, fusing relative
// bearings with the chase car's latest position and heading.
package bearings

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/brunoga/deep"

	"github.com/unklstewy/balloon-chase/pkg/geodesy"
	"github.com/unklstewy/balloon-chase/pkg/track"
)

// Bearing types accepted by Store.Add.
const (
	Relative = "relative"
	Absolute = "absolute"
)

// MessageType is the input type tag a bearing must carry.
const MessageType = "BEARING"

// Defaults applied to missing optional fields.
const (
	DefaultConfidence = 100.0
	UnknownPower      = -1.0
	UnknownSource     = "unknown"
)

var (
	// ErrMissingPosition is returned for an absolute bearing without a position.
	ErrMissingPosition = errors.New("bearings: absolute bearing requires latitude and longitude")

	// ErrUnknownBearingType is returned for bearing types other than relative or absolute.
	ErrUnknownBearingType = errors.New("bearings: unknown bearing type")

	// ErrInvalidBearing is returned for a non-finite bearing angle.
	ErrInvalidBearing = errors.New("bearings: invalid bearing angle")
)

// Input is a bearing report as received from a direction-finding source.
// Optional fields are pointers or empty values.
type Input struct {
	Type        string     `json:"type"`
	BearingType string     `json:"bearing_type"`
	Bearing     float64    `json:"bearing"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
	Power       *float64   `json:"power,omitempty"`
	Source      string     `json:"source,omitempty"`

	// Raw angular power data from the receiver, attached to the stored record
	RawBearingAngles []float64 `json:"raw_bearing_angles,omitempty"`
	RawDOA           []float64 `json:"raw_doa,omitempty"`
}

// Record is a stored bearing. Records are immutable once stored.
type Record struct {
	// Key orders records by arrival; unique within a Store
	Key int64 `json:"key"`

	ArrivalTime time.Time `json:"timestamp"`
	SourceTime  time.Time `json:"src_timestamp"`

	Latitude     float64 `json:"lat"`
	Longitude    float64 `json:"lon"`
	Speed        float64 `json:"speed"`
	Heading      float64 `json:"heading"`
	HeadingValid bool    `json:"heading_valid"`

	RawBearing  float64 `json:"raw_bearing"`
	TrueBearing float64 `json:"true_bearing"`
	Confidence  float64 `json:"confidence"`
	Power       float64 `json:"power"`
	Source      string  `json:"source"`

	RawBearingAngles []float64 `json:"raw_bearing_angles,omitempty"`
	RawDOA           []float64 `json:"raw_doa,omitempty"`
}

// VehicleState is the cached chase car snapshot used to fuse relative bearings.
type VehicleState struct {
	// Updated is the server time the snapshot was taken
	Updated time.Time

	// Time is the timestamp of the underlying position fix
	Time time.Time

	Latitude     float64
	Longitude    float64
	Altitude     float64
	Heading      float64
	HeadingValid bool
	Speed        float64

	// PositionValid is false until a non-(0,0) position is received
	PositionValid bool
}

// Change describes one store mutation: the record added and the keys evicted
// in the same operation. A Change produced by tightening the limits carries
// only evictions and a zero Added record.
type Change struct {
	Added      Record    `json:"add"`
	Removed    []int64   `json:"remove"`
	ServerTime time.Time `json:"server_timestamp"`
}

// HasAdded reports whether c carries a new record. Stored keys are always
// positive.
func (c Change) HasAdded() bool { return c.Added.Key > 0 }

// Config bounds the store.
type Config struct {
	// MaxBearings is the maximum number of records retained
	MaxBearings int

	// MaxAge is the maximum age of a retained record
	MaxAge time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxBearings: 300,
		MaxAge:      30 * time.Minute,
	}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store is a bounded, time-windowed bearing collection.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	cfg     Config
	records []Record // ordered by Key
	lastKey int64
	vehicle VehicleState

	// notifyMu is taken before mu is released so observers see changes in
	// mutation order without blocking readers.
	notifyMu  sync.Mutex
	observers []func(Change)

	now func() time.Time
	log *slog.Logger
}

// New creates an empty Store. Non-positive limits fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg: normalizeConfig(cfg),
		now: time.Now,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxBearings <= 0 {
		cfg.MaxBearings = def.MaxBearings
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	return cfg
}

// SetLimits replaces the count and age bounds and evicts whatever the new
// bounds exclude. Observers receive the evicted keys as one Change; the
// returned Change is nil when nothing was evicted.
func (s *Store) SetLimits(cfg Config) *Change {
	s.mu.Lock()
	s.cfg = normalizeConfig(cfg)
	now := s.now()
	removed := s.evictLocked(now)
	if len(removed) == 0 {
		s.mu.Unlock()
		return nil
	}
	change := Change{Removed: removed, ServerTime: now}

	s.notifyMu.Lock()
	s.mu.Unlock()
	for _, fn := range s.observers {
		fn(change)
	}
	s.notifyMu.Unlock()

	s.log.Debug("evicted bearings after limit change", slog.Int("count", len(removed)))
	return &change
}

// Limits returns the current bounds.
func (s *Store) Limits() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Subscribe registers fn to receive every Change. fn is called synchronously
// from the goroutine calling Add and must not call back into Add.
func (s *Store) Subscribe(fn func(Change)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.observers = append(s.observers, fn)
}

// UpdateVehicle replaces the cached vehicle snapshot with a copy of a chase
// car track state. The heading is only replaced when the state reports it
// valid; otherwise the previous heading is kept.
func (s *Store) UpdateVehicle(state track.State) {
	st := deep.MustCopy(state)

	s.mu.Lock()
	defer s.mu.Unlock()

	v := VehicleState{
		Updated:       s.now(),
		Time:          st.Time,
		Latitude:      st.Latitude,
		Longitude:     st.Longitude,
		Altitude:      st.Altitude,
		Heading:       s.vehicle.Heading,
		HeadingValid:  st.HeadingValid,
		Speed:         st.Speed,
		PositionValid: !(st.Latitude == 0 && st.Longitude == 0),
	}
	if st.HeadingValid {
		v.Heading = st.Heading
	}
	s.vehicle = v
}

// Vehicle returns the cached vehicle snapshot.
func (s *Store) Vehicle() VehicleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vehicle
}

// Add stores a bearing and evicts records over the count and age limits.
//
// Inputs whose Type is not "BEARING" are ignored and return (nil, nil).
// On success the returned Change is also delivered to every subscriber.
func (s *Store) Add(in Input) (*Change, error) {
	if in.Type != MessageType {
		return nil, nil
	}
	if math.IsNaN(in.Bearing) || math.IsInf(in.Bearing, 0) {
		return nil, ErrInvalidBearing
	}

	source := in.Source
	if source == "" {
		source = UnknownSource
	}
	if a, ok := adapterFor(source); ok {
		in = a.Adapt(in)
	}

	confidence := DefaultConfidence
	if in.Confidence != nil {
		confidence = *in.Confidence
	}
	power := UnknownPower
	if in.Power != nil {
		power = *in.Power
	}

	s.mu.Lock()

	arrival := s.now()
	srcTime := arrival
	if in.Timestamp != nil {
		srcTime = *in.Timestamp
	}

	rec := Record{
		ArrivalTime:      arrival,
		SourceTime:       srcTime,
		RawBearing:       in.Bearing,
		Confidence:       confidence,
		Power:            power,
		Source:           source,
		RawBearingAngles: slices.Clone(in.RawBearingAngles),
		RawDOA:           slices.Clone(in.RawDOA),
	}

	switch in.BearingType {
	case Relative:
		v := s.vehicle
		rec.Latitude = v.Latitude
		rec.Longitude = v.Longitude
		rec.Speed = v.Speed
		rec.Heading = v.Heading
		rec.HeadingValid = v.HeadingValid
		rec.TrueBearing = geodesy.NormalizeAzimuth(in.Bearing + v.Heading)
	case Absolute:
		if in.Latitude == nil || in.Longitude == nil {
			s.mu.Unlock()
			return nil, ErrMissingPosition
		}
		rec.Latitude = *in.Latitude
		rec.Longitude = *in.Longitude
		rec.HeadingValid = true
		rec.TrueBearing = in.Bearing
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownBearingType, in.BearingType)
	}

	key := arrival.UnixNano()
	if key <= s.lastKey {
		key = s.lastKey + 1
	}
	s.lastKey = key
	rec.Key = key
	s.records = append(s.records, rec)

	removed := s.evictLocked(arrival)

	change := Change{
		Added:      deep.MustCopy(rec),
		Removed:    removed,
		ServerTime: s.now(),
	}

	s.notifyMu.Lock()
	s.mu.Unlock()
	for _, fn := range s.observers {
		fn(change)
	}
	s.notifyMu.Unlock()

	if len(removed) > 0 {
		s.log.Debug("evicted bearings", slog.Int("count", len(removed)))
	}
	return &change, nil
}

// evictLocked drops records over the count limit, oldest first, then every
// record older than the age limit. Callers hold s.mu.
func (s *Store) evictLocked(now time.Time) []int64 {
	removed := []int64{}

	drop := 0
	if over := len(s.records) - s.cfg.MaxBearings; over > 0 {
		drop = over
	}
	cutoff := now.Add(-s.cfg.MaxAge)
	for drop < len(s.records) && s.records[drop].ArrivalTime.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return removed
	}

	for _, r := range s.records[:drop] {
		removed = append(removed, r.Key)
	}
	s.records = append([]Record(nil), s.records[drop:]...)
	return removed
}

// Flush removes every record.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Snapshot returns a copy of every record, oldest first, suitable for
// serializing to clients.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return []Record{}
	}
	return deep.MustCopy(s.records)
}
