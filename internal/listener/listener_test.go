package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unklstewy/balloon-chase/internal/events"
	"github.com/unklstewy/balloon-chase/internal/logging"
	"github.com/unklstewy/balloon-chase/pkg/bearings"
	"github.com/unklstewy/balloon-chase/pkg/track"
)

var testNow = time.Date(2024, 5, 13, 14, 0, 30, 0, time.UTC)

type fixRecorder struct {
	mu       sync.Mutex
	payloads []track.Fix
	calls    []string
	cars     []track.Fix
	bearings []bearings.Input
	seen     chan struct{}
}

func newRecorder() *fixRecorder {
	return &fixRecorder{seen: make(chan struct{}, 16)}
}

func (r *fixRecorder) AddPayloadFix(callsign string, fix track.Fix) (events.Telemetry, error) {
	r.mu.Lock()
	r.calls = append(r.calls, callsign)
	r.payloads = append(r.payloads, fix)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return events.Telemetry{}, nil
}

func (r *fixRecorder) AddCarFix(fix track.Fix) (events.Telemetry, error) {
	r.mu.Lock()
	r.cars = append(r.cars, fix)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return events.Telemetry{}, nil
}

func (r *fixRecorder) AddBearing(in bearings.Input) error {
	r.mu.Lock()
	r.bearings = append(r.bearings, in)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func newTestListener(t *testing.T, h Handler) *Listener {
	t.Helper()
	l, err := Listen(Config{
		Address: "127.0.0.1:0",
		Handler: h,
		Logger:  logging.Discard(),
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestHandlePacket(t *testing.T) {
	rec := newRecorder()
	l := newTestListener(t, rec)

	t.Run("payload summary", func(t *testing.T) {
		err := l.HandlePacket([]byte(`{"type": "PAYLOAD_SUMMARY", "callsign": "HORUS",
			"latitude": -34.9, "longitude": 138.6, "altitude": 12000, "time": "13:59:58"}`))
		require.NoError(t, err)
		require.Len(t, rec.payloads, 1)
		assert.Equal(t, "HORUS", rec.calls[0])
		assert.Equal(t, time.Date(2024, 5, 13, 13, 59, 58, 0, time.UTC), rec.payloads[0].Time)
		assert.Equal(t, 12000.0, rec.payloads[0].Altitude)
	})

	t.Run("payload telemetry prefers time string", func(t *testing.T) {
		err := l.HandlePacket([]byte(`{"type": "PAYLOAD_TELEMETRY", "callsign": "HORUS",
			"latitude": -34.9, "longitude": 138.6, "altitude": 12100, "time": "junk", "time_string": "14:00:01"}`))
		require.NoError(t, err)
		require.Len(t, rec.payloads, 2)
		assert.Equal(t, time.Date(2024, 5, 13, 14, 0, 1, 0, time.UTC), rec.payloads[1].Time)
	})

	t.Run("payload without time uses now", func(t *testing.T) {
		err := l.HandlePacket([]byte(`{"type": "PAYLOAD_SUMMARY", "callsign": "HORUS",
			"latitude": -34.9, "longitude": 138.6, "altitude": 12200}`))
		require.NoError(t, err)
		assert.Equal(t, testNow, rec.payloads[2].Time)
	})

	t.Run("car position", func(t *testing.T) {
		err := l.HandlePacket([]byte(`{"type": "GPS", "latitude": -34.95, "longitude": 138.52, "altitude": 40, "heading": 90}`))
		require.NoError(t, err)
		require.Len(t, rec.cars, 1)
		require.NotNil(t, rec.cars[0].Heading)
		assert.Equal(t, 90.0, *rec.cars[0].Heading)
		assert.Equal(t, testNow, rec.cars[0].Time)
	})

	t.Run("bearing", func(t *testing.T) {
		err := l.HandlePacket([]byte(`{"type": "BEARING", "bearing_type": "relative", "bearing": 30,
			"source": "o_clock_entry", "timestamp": 1715608800.5}`))
		require.NoError(t, err)
		require.Len(t, rec.bearings, 1)
		b := rec.bearings[0]
		assert.Equal(t, bearings.Relative, b.BearingType)
		assert.Equal(t, 30.0, b.Bearing)
		require.NotNil(t, b.Timestamp)
		assert.Equal(t, time.Date(2024, 5, 13, 14, 0, 0, 500_000_000, time.UTC), *b.Timestamp)
	})

	t.Run("ignored and malformed", func(t *testing.T) {
		assert.NoError(t, l.HandlePacket([]byte(`{"type": "MODEM_STATS", "snr": 10}`)))
		assert.True(t, errors.Is(l.HandlePacket([]byte(`not json`)), ErrMalformedPacket))
		assert.True(t, errors.Is(l.HandlePacket([]byte(`{"type": "GPS", "altitude": 40}`)), ErrMalformedPacket))
		assert.True(t, errors.Is(l.HandlePacket([]byte(`{"type": "PAYLOAD_SUMMARY",
			"latitude": 1, "longitude": 2, "time": "25:99"}`)), ErrMalformedPacket))
	})
}

func TestFixDateTime(t *testing.T) {
	tests := []struct {
		name string
		in   string
		now  time.Time
		want time.Time
	}{
		{"Same day", "10:11:12", time.Date(2024, 5, 13, 10, 12, 0, 0, time.UTC), time.Date(2024, 5, 13, 10, 11, 12, 0, time.UTC)},
		{"Zulu suffix", "10:11:12Z", time.Date(2024, 5, 13, 10, 12, 0, 0, time.UTC), time.Date(2024, 5, 13, 10, 11, 12, 0, time.UTC)},
		{"Late packet after midnight", "23:59:58", time.Date(2024, 5, 14, 0, 0, 5, 0, time.UTC), time.Date(2024, 5, 13, 23, 59, 58, 0, time.UTC)},
		{"Early packet before midnight", "00:00:02", time.Date(2024, 5, 13, 23, 59, 59, 0, time.UTC), time.Date(2024, 5, 14, 0, 0, 2, 0, time.UTC)},
		{"Full timestamp", "2024-05-13T10:11:12Z", testNow, time.Date(2024, 5, 13, 10, 11, 12, 0, time.UTC)},
		{"Full timestamp without zone", "2024-05-13T10:11:12", testNow, time.Date(2024, 5, 13, 10, 11, 12, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FixDateTime(tt.in, tt.now)
			if err != nil {
				t.Fatalf("FixDateTime(%q) error: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("FixDateTime(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestServe(t *testing.T) {
	rec := newRecorder()
	l := newTestListener(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"type": "GPS", "latitude": -34.95, "longitude": 138.52, "altitude": 40}`))
	require.NoError(t, err)

	select {
	case <-rec.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("packet not handled")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
