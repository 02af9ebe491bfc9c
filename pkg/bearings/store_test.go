package bearings

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unklstewy/balloon-chase/pkg/track"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 9, 2, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(cfg Config, clk *fakeClock) *Store {
	return New(cfg,
		WithClock(clk.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func relative(bearing float64) Input {
	return Input{Type: MessageType, BearingType: Relative, Bearing: bearing}
}

func ptr[T any](v T) *T { return &v }

func carState(lat, lon, heading float64, valid bool) track.State {
	return track.State{
		Time:         time.Date(2024, 3, 9, 2, 0, 0, 0, time.UTC),
		Latitude:     lat,
		Longitude:    lon,
		Altitude:     40,
		Heading:      heading,
		HeadingValid: valid,
		Speed:        12.5,
	}
}

func TestAdd_IgnoresNonBearing(t *testing.T) {
	t.Parallel()
	s := newTestStore(DefaultConfig(), newFakeClock())

	change, err := s.Add(Input{Type: "PAYLOAD_SUMMARY", BearingType: Relative, Bearing: 10})
	assert.NoError(t, err)
	assert.Nil(t, change)
	assert.Equal(t, 0, s.Len())
}

func TestAdd_RelativeFusion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		heading  float64
		relative float64
		want     float64
	}{
		{"simple sum", 45, 90, 135},
		{"wraparound", 350, 30, 20},
		{"zero", 0, 0, 0},
		{"full circle", 180, 180, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestStore(DefaultConfig(), newFakeClock())
			s.UpdateVehicle(carState(-34.9, 138.6, tt.heading, true))

			change, err := s.Add(relative(tt.relative))
			require.NoError(t, err)
			require.NotNil(t, change)

			rec := change.Added
			assert.InDelta(t, tt.want, rec.TrueBearing, 1e-9)
			assert.Equal(t, tt.relative, rec.RawBearing)
			assert.Equal(t, -34.9, rec.Latitude)
			assert.Equal(t, 138.6, rec.Longitude)
			assert.Equal(t, 12.5, rec.Speed)
			assert.Equal(t, tt.heading, rec.Heading)
			assert.True(t, rec.HeadingValid)
		})
	}
}

func TestAdd_Defaults(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(DefaultConfig(), clk)

	change, err := s.Add(relative(10))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfidence, change.Added.Confidence)
	assert.Equal(t, UnknownPower, change.Added.Power)
	assert.Equal(t, UnknownSource, change.Added.Source)
	assert.Equal(t, clk.Now(), change.Added.SourceTime)
	assert.Empty(t, change.Removed)
}

func TestAdd_Absolute(t *testing.T) {
	t.Parallel()
	s := newTestStore(DefaultConfig(), newFakeClock())
	s.UpdateVehicle(carState(-34.9, 138.6, 90, true))

	src := time.Date(2024, 3, 9, 1, 59, 58, 0, time.UTC)
	change, err := s.Add(Input{
		Type:        MessageType,
		BearingType: Absolute,
		Bearing:     200,
		Latitude:    ptr(-35.1),
		Longitude:   ptr(138.4),
		Timestamp:   &src,
		Confidence:  ptr(55.0),
		Power:       ptr(12.0),
		Source:      "yagi-1",
	})
	require.NoError(t, err)

	rec := change.Added
	assert.Equal(t, 200.0, rec.TrueBearing)
	assert.Equal(t, 200.0, rec.RawBearing)
	assert.Equal(t, -35.1, rec.Latitude)
	assert.Equal(t, 138.4, rec.Longitude)
	assert.True(t, rec.HeadingValid)
	assert.Equal(t, 0.0, rec.Speed)
	assert.Equal(t, src, rec.SourceTime)
	assert.Equal(t, 55.0, rec.Confidence)
	assert.Equal(t, 12.0, rec.Power)
	assert.Equal(t, "yagi-1", rec.Source)
}

func TestAdd_Errors(t *testing.T) {
	t.Parallel()
	s := newTestStore(DefaultConfig(), newFakeClock())

	_, err := s.Add(Input{Type: MessageType, BearingType: Absolute, Bearing: 10})
	assert.ErrorIs(t, err, ErrMissingPosition)

	_, err = s.Add(Input{Type: MessageType, BearingType: "sideways", Bearing: 10})
	assert.ErrorIs(t, err, ErrUnknownBearingType)

	assert.Equal(t, 0, s.Len())
}

func TestAdd_KerberosMirroring(t *testing.T) {
	t.Parallel()
	s := newTestStore(DefaultConfig(), newFakeClock())
	s.UpdateVehicle(carState(-34.9, 138.6, 10, true))

	in := relative(30)
	in.Source = KerberosSDRSource
	in.RawBearingAngles = []float64{0, 120, 240}
	in.RawDOA = []float64{1, 2, 3}

	change, err := s.Add(in)
	require.NoError(t, err)

	rec := change.Added
	assert.Equal(t, 330.0, rec.RawBearing)
	assert.InDelta(t, 340.0, rec.TrueBearing, 1e-9)
	assert.Equal(t, []float64{3, 2, 1}, rec.RawDOA)
	assert.Equal(t, []float64{0, 120, 240}, rec.RawBearingAngles)

	// The caller's slice is not modified
	assert.Equal(t, []float64{1, 2, 3}, in.RawDOA)
}

func TestRegisterAdapter(t *testing.T) {
	RegisterAdapter("test-offset", AdapterFunc(func(in Input) Input {
		in.Bearing += 5
		return in
	}))
	t.Cleanup(func() { RegisterAdapter("test-offset", nil) })

	s := newTestStore(DefaultConfig(), newFakeClock())
	in := relative(10)
	in.Source = "test-offset"
	change, err := s.Add(in)
	require.NoError(t, err)
	assert.Equal(t, 15.0, change.Added.RawBearing)
}

func TestUpdateVehicle(t *testing.T) {
	t.Parallel()

	t.Run("invalid heading keeps previous", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(DefaultConfig(), newFakeClock())
		s.UpdateVehicle(carState(-34.9, 138.6, 45, true))
		s.UpdateVehicle(carState(-34.91, 138.61, 300, false))

		v := s.Vehicle()
		assert.Equal(t, 45.0, v.Heading)
		assert.False(t, v.HeadingValid)
		assert.Equal(t, -34.91, v.Latitude)
		assert.True(t, v.PositionValid)
	})

	t.Run("zero position is invalid", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(DefaultConfig(), newFakeClock())
		s.UpdateVehicle(carState(0, 0, 45, true))
		assert.False(t, s.Vehicle().PositionValid)
	})
}

func TestEviction_Count(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(Config{MaxBearings: 3, MaxAge: time.Hour}, clk)

	var keys []int64
	for i := 0; i < 3; i++ {
		c, err := s.Add(relative(float64(i)))
		require.NoError(t, err)
		assert.Empty(t, c.Removed)
		keys = append(keys, c.Added.Key)
		clk.Advance(time.Second)
	}

	c, err := s.Add(relative(99))
	require.NoError(t, err)
	assert.Equal(t, []int64{keys[0]}, c.Removed)
	assert.Equal(t, 3, s.Len())

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, keys[1], snap[0].Key)
	assert.Equal(t, 99.0, snap[2].RawBearing)
}

func TestEviction_Age(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(Config{MaxBearings: 100, MaxAge: 10 * time.Minute}, clk)

	old1, _ := s.Add(relative(1))
	clk.Advance(time.Minute)
	old2, _ := s.Add(relative(2))
	clk.Advance(5 * time.Minute)
	fresh, _ := s.Add(relative(3))

	clk.Advance(6 * time.Minute) // old1 and old2 now exceed 10 minutes
	c, err := s.Add(relative(4))
	require.NoError(t, err)

	assert.Equal(t, []int64{old1.Added.Key, old2.Added.Key}, c.Removed)
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, fresh.Added.Key, snap[0].Key)
}

func TestEviction_SizeInvariant(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(Config{MaxBearings: 5, MaxAge: time.Hour}, clk)

	for i := 0; i < 50; i++ {
		_, err := s.Add(relative(float64(i)))
		require.NoError(t, err)
		assert.LessOrEqual(t, s.Len(), 5)
	}

	// Shrinking the limit evicts the overage immediately
	c := s.SetLimits(Config{MaxBearings: 2, MaxAge: time.Hour})
	require.NotNil(t, c)
	assert.Len(t, c.Removed, 3)
	assert.Equal(t, 2, s.Len())

	c, err := s.Add(relative(0))
	require.NoError(t, err)
	assert.Len(t, c.Removed, 1)
	assert.Equal(t, 2, s.Len())
}

func TestSetLimits_EvictsImmediately(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(Config{MaxBearings: 10, MaxAge: time.Hour}, clk)

	var keys []int64
	for i := 0; i < 5; i++ {
		c, err := s.Add(relative(float64(i * 10)))
		require.NoError(t, err)
		keys = append(keys, c.Added.Key)
		clk.Advance(time.Minute)
	}

	var got []Change
	s.Subscribe(func(c Change) { got = append(got, c) })

	// Records sit at 0..4 min and the clock reads 5 min. The count cap drops
	// three and the 90 s age cap drops the 3 min record.
	c := s.SetLimits(Config{MaxBearings: 2, MaxAge: 90 * time.Second})
	require.NotNil(t, c)
	assert.Equal(t, keys[:4], c.Removed)
	assert.False(t, c.HasAdded())

	require.Len(t, got, 1)
	assert.Equal(t, keys[:4], got[0].Removed)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, keys[4], snap[0].Key)

	// Nothing left to evict
	assert.Nil(t, s.SetLimits(Config{MaxBearings: 2, MaxAge: 90 * time.Second}))
	assert.Len(t, got, 1)
}

func TestKeysUniqueWithFrozenClock(t *testing.T) {
	t.Parallel()
	s := newTestStore(DefaultConfig(), newFakeClock())

	seen := map[int64]bool{}
	var last int64
	for i := 0; i < 10; i++ {
		c, err := s.Add(relative(1))
		require.NoError(t, err)
		assert.False(t, seen[c.Added.Key])
		assert.Greater(t, c.Added.Key, last)
		seen[c.Added.Key] = true
		last = c.Added.Key
	}
	assert.Equal(t, 10, s.Len())
}

func TestSubscribe(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := newTestStore(Config{MaxBearings: 1, MaxAge: time.Hour}, clk)

	var got []Change
	s.Subscribe(func(c Change) { got = append(got, c) })

	first, err := s.Add(relative(1))
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = s.Add(relative(2))
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, []int64{first.Added.Key}, got[1].Removed)
	assert.Equal(t, 2.0, got[1].Added.RawBearing)
}

func TestFlush(t *testing.T) {
	t.Parallel()
	s := newTestStore(DefaultConfig(), newFakeClock())
	for i := 0; i < 5; i++ {
		_, _ = s.Add(relative(float64(i)))
	}
	s.Flush()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Snapshot())
}

func TestConcurrentAddAndSnapshot(t *testing.T) {
	t.Parallel()
	s := New(Config{MaxBearings: 20, MaxAge: time.Hour},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = s.Add(relative(float64(i)))
			}
		}()
	}
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := s.Snapshot()
				assert.LessOrEqual(t, len(snap), 20)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, s.Len())
}
