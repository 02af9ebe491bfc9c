package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unklstewy/balloon-chase/pkg/predictor"
	"github.com/unklstewy/balloon-chase/pkg/track"
)

var testNow = time.Date(2024, 5, 13, 14, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	targets []Target
	results map[string]Result
}

func (f *fakeSource) Targets() []Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Target(nil), f.targets...)
}

func (f *fakeSource) StoreResult(r Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = map[string]Result{}
	}
	f.results[r.Callsign] = r
}

func (f *fakeSource) result(callsign string) (Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[callsign]
	return r, ok
}

type fakePublisher struct {
	mu          sync.Mutex
	predictions []Result
	statuses    []error
}

func (f *fakePublisher) PublishPrediction(r Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predictions = append(f.predictions, r)
}

func (f *fakePublisher) PublishStatus(_ string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, err)
}

func (f *fakePublisher) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.predictions), len(f.statuses)
}

// tawhiriServer answers with a trajectory rising to the requested burst
// altitude and landing at 0 m. Every request's query is recorded.
type tawhiriServer struct {
	mu      sync.Mutex
	queries []url.Values
	fail    bool
	block   chan struct{}
	entered chan struct{}
}

func (s *tawhiriServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.queries = append(s.queries, q)
	fail, block, entered := s.fail, s.block, s.entered
	s.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if fail {
		_, _ = w.Write([]byte(`{"error": {"type": "PredictionException", "description": "no dataset"}}`))
		return
	}

	burst, _ := strconv.ParseFloat(q.Get("burst_altitude"), 64)
	_, _ = fmt.Fprintf(w, `{"request": {"dataset": "2024-05-13T12:00:00Z"}, "prediction": [
	  {"stage": "ascent", "trajectory": [
	    {"datetime": "2024-05-13T14:30:00Z", "latitude": -34.9, "longitude": 138.6, "altitude": %[1]g},
	    {"datetime": "2024-05-13T15:00:00Z", "latitude": -34.8, "longitude": 138.7, "altitude": %[2]g}
	  ]},
	  {"stage": "descent", "trajectory": [
	    {"datetime": "2024-05-13T15:40:00Z", "latitude": -34.7, "longitude": 138.8, "altitude": 0}
	  ]}]}`, burst/2, burst)
}

func (s *tawhiriServer) requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.queries...)
}

func newBackend(t *testing.T, s *tawhiriServer) *predictor.Online {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return predictor.NewOnline(predictor.OnlineConfig{
		BaseURL:           srv.URL + "/api/v1/",
		RequestsPerMinute: 60000,
		Retry:             predictor.RetryConfig{Multiplier: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
}

func ascending(callsign string, alt float64) Target {
	return Target{
		Callsign: callsign,
		State: track.State{
			Time: testNow, Latitude: -34.95, Longitude: 138.52, Altitude: alt,
			AscentRate: 5, AscentRateValid: true, Samples: 10,
		},
		LastUpdate: testNow.Add(-5 * time.Second),
	}
}

func descending(callsign string, alt float64) Target {
	tgt := ascending(callsign, alt)
	tgt.State.AscentRate = -12
	tgt.State.Descending = true
	tgt.State.LandingRate = 7.5
	return tgt
}

func newTestOrchestrator(t *testing.T, src Source, pub Publisher, srv *tawhiriServer, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, src, pub,
		WithBackend(newBackend(t, srv)),
		WithClock(func() time.Time { return testNow }))
}

func TestRunCycle_Ascending(t *testing.T) {
	t.Parallel()

	srv := &tawhiriServer{}
	src := &fakeSource{targets: []Target{ascending("HORUS", 10000)}}
	pub := &fakePublisher{}
	o := newTestOrchestrator(t, src, pub, srv, nil)

	o.RunCycle(context.Background())

	reqs := srv.requests()
	require.Len(t, reqs, 2, "nominal and abort predictions")
	assert.Equal(t, "28000", reqs[0].Get("burst_altitude"))
	assert.Equal(t, "6", reqs[0].Get("descent_rate"))
	assert.Equal(t, "10200", reqs[1].Get("burst_altitude"))

	res, ok := src.result("HORUS")
	require.True(t, ok)
	require.Len(t, res.Path, 4, "current position is prepended")
	assert.Equal(t, 10000.0, res.Path[0].Altitude)
	require.NotNil(t, res.Burst)
	assert.Equal(t, 28000.0, res.Burst.Altitude)
	require.NotNil(t, res.Landing)
	assert.Equal(t, 0.0, res.Landing.Altitude)
	require.Len(t, res.AbortPath, 4)
	require.NotNil(t, res.AbortLanding)
	assert.Equal(t, time.Date(2024, 5, 13, 12, 0, 0, 0, time.UTC), res.Dataset)

	preds, statuses := pub.counts()
	assert.Equal(t, 1, preds, "one update per target")
	assert.Equal(t, 0, statuses)
}

func TestRunCycle_Descending(t *testing.T) {
	t.Parallel()

	srv := &tawhiriServer{}
	src := &fakeSource{targets: []Target{descending("HORUS", 12000)}}
	o := newTestOrchestrator(t, src, &fakePublisher{}, srv, nil)

	o.RunCycle(context.Background())

	reqs := srv.requests()
	require.Len(t, reqs, 1, "no abort prediction while descending")
	assert.Equal(t, "7.5", reqs[0].Get("descent_rate"))
	assert.Equal(t, "12001", reqs[0].Get("burst_altitude"))

	res, _ := src.result("HORUS")
	assert.Nil(t, res.Burst)
	assert.NotEmpty(t, res.Path)
	assert.Nil(t, res.AbortPath)
}

func TestRunCycle_AboveBurst(t *testing.T) {
	t.Parallel()

	srv := &tawhiriServer{}
	src := &fakeSource{targets: []Target{ascending("HORUS", 29000)}}
	o := newTestOrchestrator(t, src, &fakePublisher{}, srv, nil)

	o.RunCycle(context.Background())

	reqs := srv.requests()
	require.Len(t, reqs, 1, "no abort prediction above the configured burst")
	assert.Equal(t, "29100", reqs[0].Get("burst_altitude"))
}

func TestRunCycle_AbortDisabled(t *testing.T) {
	t.Parallel()

	srv := &tawhiriServer{}
	src := &fakeSource{targets: []Target{ascending("HORUS", 5000)}}
	o := newTestOrchestrator(t, src, &fakePublisher{}, srv, func(c *Config) { c.ShowAbort = false })

	o.RunCycle(context.Background())
	assert.Len(t, srv.requests(), 1)
}

func TestRunCycle_Skips(t *testing.T) {
	t.Parallel()

	stale := ascending("STALE", 5000)
	stale.LastUpdate = testNow.Add(-time.Minute)
	single := ascending("SINGLE", 5000)
	single.State.Samples = 1

	srv := &tawhiriServer{}
	src := &fakeSource{targets: []Target{stale, single}}
	src.StoreResult(Result{Callsign: "STALE", Path: []predictor.Point{{Altitude: 1}}})
	pub := &fakePublisher{}
	o := newTestOrchestrator(t, src, pub, srv, nil)

	o.RunCycle(context.Background())

	assert.Empty(t, srv.requests())
	res, ok := src.result("STALE")
	require.True(t, ok)
	assert.Len(t, res.Path, 1, "stale payloads keep their last result")
	_, ok = src.result("SINGLE")
	assert.False(t, ok)
	preds, _ := pub.counts()
	assert.Zero(t, preds)
}

func TestRunCycle_FailureClearsResult(t *testing.T) {
	t.Parallel()

	srv := &tawhiriServer{fail: true}
	src := &fakeSource{targets: []Target{ascending("HORUS", 5000)}}
	src.StoreResult(Result{Callsign: "HORUS", Path: []predictor.Point{{Altitude: 1}, {Altitude: 2}}})
	pub := &fakePublisher{}
	o := newTestOrchestrator(t, src, pub, srv, nil)

	o.RunCycle(context.Background())

	res, ok := src.result("HORUS")
	require.True(t, ok)
	assert.Nil(t, res.Path)
	assert.Nil(t, res.Landing)
	assert.Nil(t, res.Burst)
	assert.Nil(t, res.AbortPath)

	preds, statuses := pub.counts()
	assert.Zero(t, preds, "no update when every prediction failed")
	assert.Equal(t, 1, statuses)
	pub.mu.Lock()
	assert.True(t, errors.Is(pub.statuses[0], predictor.ErrNoPrediction))
	pub.mu.Unlock()
}

func TestRunCycle_DisabledMakesNoCalls(t *testing.T) {
	t.Parallel()

	srv := &tawhiriServer{}
	src := &fakeSource{targets: []Target{ascending("HORUS", 5000)}}
	pub := &fakePublisher{}

	o := newTestOrchestrator(t, src, pub, srv, func(c *Config) { c.Enabled = false })
	o.RunCycle(context.Background())
	assert.Empty(t, srv.requests())

	o.SetEnabled(true)
	o.SetBackend(predictor.Disabled{})
	o.RunCycle(context.Background())
	assert.Empty(t, srv.requests())
	assert.Equal(t, predictor.KindDisabled, o.Backend().Kind())

	preds, statuses := pub.counts()
	assert.Zero(t, preds)
	assert.Zero(t, statuses)
}

func TestSetEnabled_WaitsForCycle(t *testing.T) {
	t.Parallel()

	srv := &tawhiriServer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	src := &fakeSource{targets: []Target{ascending("HORUS", 5000)}}
	o := newTestOrchestrator(t, src, &fakePublisher{}, srv, func(c *Config) { c.ShowAbort = false })

	cycleDone := make(chan struct{})
	go func() {
		o.RunCycle(context.Background())
		close(cycleDone)
	}()

	select {
	case <-srv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("backend was never called")
	}

	disabled := make(chan struct{})
	go func() {
		o.SetEnabled(false)
		close(disabled)
	}()

	select {
	case <-disabled:
		t.Fatal("SetEnabled returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(srv.block)
	<-cycleDone
	select {
	case <-disabled:
	case <-time.After(5 * time.Second):
		t.Fatal("SetEnabled did not return after the cycle finished")
	}
	assert.False(t, o.Settings().Enabled)
}

func TestRun_CyclesUntilCancelled(t *testing.T) {
	t.Parallel()

	srv := &tawhiriServer{}
	src := &fakeSource{targets: []Target{ascending("HORUS", 5000)}}
	o := newTestOrchestrator(t, src, &fakePublisher{}, srv, func(c *Config) {
		c.UpdateInterval = 20 * time.Millisecond
		c.ShowAbort = false
	})
	o.tick = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(srv.requests()) >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestUpdateSettings(t *testing.T) {
	t.Parallel()

	o := New(DefaultConfig(), &fakeSource{}, &fakePublisher{})
	o.UpdateSettings(Config{Enabled: true, BurstAltitude: 31000})

	got := o.Settings()
	assert.True(t, got.Enabled)
	assert.Equal(t, 31000.0, got.BurstAltitude)
	assert.Equal(t, 15*time.Second, got.UpdateInterval, "zero fields take defaults")
	assert.Equal(t, 6.0, got.DescentRate)

	ran := false
	o.Exclusive(func() { ran = true })
	assert.True(t, ran)
}

func TestBurstPoint(t *testing.T) {
	t.Parallel()

	path := []predictor.Point{
		{Altitude: 100}, {Altitude: 900, Latitude: 1}, {Altitude: 900, Latitude: 2}, {Altitude: 10},
	}
	got := burstPoint(path)
	require.NotNil(t, got)
	assert.Equal(t, 1.0, got.Latitude, "first maximum wins")

	assert.Nil(t, burstPoint(nil))

	single := burstPoint([]predictor.Point{{Altitude: 0, Latitude: 3}})
	require.NotNil(t, single)
	assert.Equal(t, 3.0, single.Latitude)

	// Launch site below sea level
	below := []predictor.Point{
		{Altitude: -30, Latitude: 1}, {Altitude: -5, Latitude: 2}, {Altitude: -5, Latitude: 3}, {Altitude: -40},
	}
	got = burstPoint(below)
	require.NotNil(t, got)
	assert.Equal(t, 2.0, got.Latitude)
	assert.Equal(t, -5.0, got.Altitude)
}
