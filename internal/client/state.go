package client

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/unklstewy/balloon-chase/internal/events"
	"github.com/unklstewy/balloon-chase/pkg/bearings"
	"github.com/unklstewy/balloon-chase/pkg/config"
	"github.com/unklstewy/balloon-chase/pkg/geodesy"
)

// MaxLogLines is the number of log_event lines kept.
const MaxLogLines = 200

// ArchiveEntry mirrors one entry of /get_telemetry_archive.
type ArchiveEntry struct {
	Telem events.Telemetry `json:"telem"`
	Path  [][3]float64     `json:"path"`
	events.PredictorUpdate
}

// Payload is the client view of one tracked payload.
type Payload struct {
	Telemetry  events.Telemetry
	Prediction *events.PredictorUpdate
	Status     string
}

// Range is the geometry from the chase car to a payload.
type Range struct {
	Distance  float64 // metres, line of sight
	Bearing   float64 // degrees true
	Elevation float64 // degrees
}

// State accumulates server events. It is safe for concurrent use.
type State struct {
	mu       sync.RWMutex
	payloads map[string]*Payload
	car      *events.Telemetry
	bearings []bearings.Record
	settings config.Settings
	model    string
	logs     []events.Log

	maxBearings int
}

// NewState returns an empty state keeping at most maxBearings bearings.
func NewState(maxBearings int) *State {
	if maxBearings <= 0 {
		maxBearings = bearings.DefaultConfig().MaxBearings
	}
	return &State{payloads: make(map[string]*Payload), maxBearings: maxBearings}
}

// LoadArchive seeds payloads from a telemetry archive.
func (s *State) LoadArchive(archive map[string]ArchiveEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, entry := range archive {
		p := &Payload{Telemetry: entry.Telem}
		if len(entry.PredLanding) == 3 {
			pred := entry.PredictorUpdate
			pred.Callsign = name
			p.Prediction = &pred
		}
		s.payloads[name] = p
	}
}

// Apply folds one event into the state. Unknown event types are ignored.
func (s *State) Apply(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case events.TypeTelemetry:
		var t events.Telemetry
		if err := decode(ev, &t); err != nil {
			return err
		}
		if t.Callsign == events.CarCallsign {
			s.car = &t
			return nil
		}
		s.payload(t.Callsign).Telemetry = t

	case events.TypePredictorUpdate:
		var u events.PredictorUpdate
		if err := decode(ev, &u); err != nil {
			return err
		}
		p := s.payload(u.Callsign)
		p.Prediction = &u
		p.Status = ""

	case events.TypePredictorStatus:
		var st events.Status
		if err := decode(ev, &st); err != nil {
			return err
		}
		if st.Callsign != "" {
			s.payload(st.Callsign).Status = st.Status
		}

	case events.TypePredictorModel:
		var m events.Model
		if err := decode(ev, &m); err != nil {
			return err
		}
		s.model = m.Model

	case events.TypeSettings:
		var st config.Settings
		if err := decode(ev, &st); err != nil {
			return err
		}
		s.settings = st
		s.model = st.PredictorModel
		if st.MaxBearings > 0 {
			s.maxBearings = st.MaxBearings
		}

	case events.TypeBearingChange:
		var c bearings.Change
		if err := decode(ev, &c); err != nil {
			return err
		}
		s.bearings = slices.DeleteFunc(s.bearings, func(r bearings.Record) bool {
			return slices.Contains(c.Removed, r.Key)
		})
		if c.HasAdded() {
			s.bearings = append(s.bearings, c.Added)
		}
		if over := len(s.bearings) - s.maxBearings; over > 0 {
			s.bearings = slices.Delete(s.bearings, 0, over)
		}

	case events.TypeBearingsCleared:
		s.bearings = nil

	case events.TypePayloadsCleared:
		var c events.Cleared
		if err := decode(ev, &c); err != nil {
			return err
		}
		if len(c.Callsigns) == 0 {
			clear(s.payloads)
		}
		for _, name := range c.Callsigns {
			delete(s.payloads, name)
		}

	case events.TypeCarCleared:
		s.car = nil

	case events.TypeLog:
		var l events.Log
		if err := decode(ev, &l); err != nil {
			return err
		}
		s.logs = append(s.logs, l)
		if over := len(s.logs) - MaxLogLines; over > 0 {
			s.logs = slices.Delete(s.logs, 0, over)
		}
	}
	return nil
}

func (s *State) payload(name string) *Payload {
	p, ok := s.payloads[name]
	if !ok {
		p = &Payload{}
		s.payloads[name] = p
	}
	return p
}

func decode(ev Event, v any) error {
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", ev.Type, err)
	}
	return nil
}

// Callsigns returns the tracked payload callsigns in sorted order.
func (s *State) Callsigns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.payloads))
	for name := range s.payloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Payload returns a copy of the named payload.
func (s *State) Payload(name string) (Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[name]
	if !ok {
		return Payload{}, false
	}
	return *p, true
}

// Car returns the latest chase car telemetry.
func (s *State) Car() (events.Telemetry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.car == nil {
		return events.Telemetry{}, false
	}
	return *s.car, true
}

// Bearings returns the stored bearings, oldest first.
func (s *State) Bearings() []bearings.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.bearings)
}

// Settings returns the last settings pushed by the server.
func (s *State) Settings() config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Model returns the predictor model status.
func (s *State) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Logs returns the retained server log lines.
func (s *State) Logs() []events.Log {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.logs)
}

// RangeTo returns the geometry from the chase car to the named payload.
// ok is false without a car position or when the positions coincide.
func (s *State) RangeTo(name string) (Range, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[name]
	if !ok || s.car == nil {
		return Range{}, false
	}
	info, err := geodesy.PositionInfo(pointOf(*s.car), pointOf(p.Telemetry))
	if err != nil {
		return Range{}, false
	}
	return Range{Distance: info.StraightDistance, Bearing: info.Bearing, Elevation: info.Elevation}, true
}

func pointOf(t events.Telemetry) geodesy.Point {
	return geodesy.Point{Latitude: t.Position[0], Longitude: t.Position[1], Altitude: t.Position[2]}
}
