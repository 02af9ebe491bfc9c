// Package registry holds the active payload tracks and their latest
// predictions behind a single lock.
package registry

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/unklstewy/balloon-chase/internal/orchestrator"
	"github.com/unklstewy/balloon-chase/pkg/track"
)

// Entry is one tracked payload.
type Entry struct {
	Track      *track.Track
	Result     orchestrator.Result
	LastUpdate time.Time
}

// Snapshot is a copy of an entry, safe to hand to other goroutines.
type Snapshot struct {
	Callsign   string              `json:"callsign"`
	State      track.State         `json:"state"`
	Telemetry  [][3]float64        `json:"telemetry"`
	Prediction orchestrator.Result `json:"prediction"`
	LastUpdate time.Time           `json:"last_update"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for LastUpdate and eviction.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// Registry maps callsigns to entries. It implements orchestrator.Source.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	trackOpts track.Options

	now func() time.Time
	log *slog.Logger
}

// New creates an empty registry. New tracks are created with trackOpts.
func New(trackOpts track.Options, opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*Entry),
		trackOpts: trackOpts,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert appends fix to the callsign's track, creating the entry on first
// use. An invalid fix leaves an existing entry untouched and does not create
// a new one.
func (r *Registry) Upsert(callsign string, fix track.Fix) (track.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[callsign]
	if !ok {
		if err := fix.Validate(); err != nil {
			return track.State{}, err
		}
		e = &Entry{Track: track.New(r.trackOpts)}
		r.entries[callsign] = e
		r.log.Info("new payload", slog.String("callsign", callsign))
	}

	st, err := e.Track.Add(fix)
	if err != nil {
		return st, err
	}
	e.LastUpdate = r.now()
	return st, nil
}

// Get returns a snapshot of one entry.
func (r *Registry) Get(callsign string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[callsign]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(callsign, e), true
}

// List returns the tracked callsigns in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of tracked payloads.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy of every entry keyed by callsign.
func (r *Registry) Snapshot() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.entries))
	for name, e := range r.entries {
		out[name] = snapshotOf(name, e)
	}
	return out
}

func snapshotOf(callsign string, e *Entry) Snapshot {
	return Snapshot{
		Callsign:   callsign,
		State:      e.Track.State(),
		Telemetry:  e.Track.Polyline(),
		Prediction: e.Result,
		LastUpdate: e.LastUpdate,
	}
}

// Evict removes every entry whose last update is older than maxAge and
// returns the removed callsigns.
func (r *Registry) Evict(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	var removed []string
	for name, e := range r.entries {
		if e.LastUpdate.Before(cutoff) {
			delete(r.entries, name)
			removed = append(removed, name)
		}
	}
	slices.Sort(removed)
	for _, name := range removed {
		r.log.Info("payload data expired", slog.String("callsign", name))
	}
	return removed
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
}

// SetTrackOptions changes the tuning of new tracks and retunes existing ones.
func (r *Registry) SetTrackOptions(opts track.Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackOpts = opts
	for _, e := range r.entries {
		e.Track.SetTuning(opts.AscentAveraging, opts.HeadingGateThreshold, opts.TurnRateThreshold)
	}
}

// Targets implements orchestrator.Source.
func (r *Registry) Targets() []orchestrator.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]orchestrator.Target, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, orchestrator.Target{
			Callsign:   name,
			State:      e.Track.State(),
			LastUpdate: e.LastUpdate,
		})
	}
	slices.SortFunc(out, func(a, b orchestrator.Target) int {
		if a.Callsign < b.Callsign {
			return -1
		}
		if a.Callsign > b.Callsign {
			return 1
		}
		return 0
	})
	return out
}

// StoreResult implements orchestrator.Source. Results for callsigns no
// longer tracked are discarded.
func (r *Registry) StoreResult(res orchestrator.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[res.Callsign]; ok {
		e.Result = res
	}
}
