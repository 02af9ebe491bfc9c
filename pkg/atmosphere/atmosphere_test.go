package atmosphere

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDensity_SeaLevel(t *testing.T) {
	assert.Equal(t, SeaLevelDensity, Density(0))
	assert.Equal(t, 1.0, DensityRatio(0))
}

func TestDensity_KnownValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		altitude float64
		want     float64
		tol      float64
	}{
		{1000, 1.111643, 1e-5},
		{5000, 0.736116, 1e-5},
		{11000, 0.363918, 1e-5},
		{20000, 0.0880349, 1e-6},
		{30000, 0.0180119, 1e-6},
		{50000, 0.00097753, 1e-7},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Density(tt.altitude), tt.tol, "altitude %.0f", tt.altitude)
	}
}

func TestDensity_MonotonicNonIncreasing(t *testing.T) {
	t.Parallel()

	prev := Density(0)
	for alt := 10.0; alt <= MaxAltitude; alt += 10 {
		d := Density(alt)
		require.False(t, math.IsNaN(d), "density NaN at %.0f m", alt)
		require.LessOrEqual(t, d, prev, "density increased at %.0f m", alt)
		prev = d
	}
}

func TestDensity_ContinuousAtLayerBoundaries(t *testing.T) {
	t.Parallel()

	for _, l := range layers[1:] {
		below := Density(l.base - 0.01)
		above := Density(l.base + 0.01)
		assert.InEpsilon(t, below, above, 1e-4, "discontinuity at %.0f m", l.base)
	}
}

func TestDensity_OutOfRange(t *testing.T) {
	t.Parallel()

	assert.Greater(t, Density(-100), SeaLevelDensity)
	high := Density(100000)
	assert.False(t, math.IsNaN(high))
	assert.Less(t, high, Density(MaxAltitude))
}

func TestSeaLevelDescentRate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, -5.0, SeaLevelDescentRate(-5, 0))

	// Thinner air at altitude means the same observed rate is slower at sea level.
	sl := SeaLevelDescentRate(-20, 25000)
	assert.Less(t, sl, 0.0)
	assert.Greater(t, sl, -20.0)
	assert.InDelta(t, -20*math.Sqrt(Density(25000)/Density(0)), sl, 1e-12)
}

func TestTimeToLanding(t *testing.T) {
	t.Parallel()

	t.Run("at or below ground", func(t *testing.T) {
		t.Parallel()
		got, err := TimeToLanding(100, -5, 100)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), got)

		got, err = TimeToLanding(50, -5, 100)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), got)
	})

	t.Run("not descending", func(t *testing.T) {
		t.Parallel()
		_, err := TimeToLanding(1000, 0, 0)
		assert.ErrorIs(t, err, ErrNotDescending)
		_, err = TimeToLanding(1000, 5, 0)
		assert.ErrorIs(t, err, ErrNotDescending)
	})

	t.Run("not descending at or below ground", func(t *testing.T) {
		t.Parallel()
		_, err := TimeToLanding(0, 5, 0)
		assert.ErrorIs(t, err, ErrNotDescending)
		_, err = TimeToLanding(100, 0, 200)
		assert.ErrorIs(t, err, ErrNotDescending)
	})

	t.Run("low altitude", func(t *testing.T) {
		t.Parallel()
		got, err := TimeToLanding(1000, -5, 0)
		require.NoError(t, err)
		assert.InDelta(t, 205, got.Seconds(), 3)
	})

	t.Run("monotonic in altitude", func(t *testing.T) {
		t.Parallel()
		prev := time.Duration(0)
		for alt := 500.0; alt <= 30000; alt += 500 {
			got, err := TimeToLanding(alt, -10, 0)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, got, prev, "altitude %.0f", alt)
			prev = got
		}
	})

	t.Run("step budget exhausted", func(t *testing.T) {
		t.Parallel()
		_, err := TimeToLanding(30000, -0.001, 0, WithMaxSteps(10))
		assert.ErrorIs(t, err, ErrIndeterminate)
	})

	t.Run("NaN input", func(t *testing.T) {
		t.Parallel()
		_, err := TimeToLanding(math.NaN(), -5, 0)
		assert.ErrorIs(t, err, ErrIndeterminate)
	})

	t.Run("custom step", func(t *testing.T) {
		t.Parallel()
		coarse, err := TimeToLanding(5000, -8, 0, WithStep(10*time.Second))
		require.NoError(t, err)
		fine, err := TimeToLanding(5000, -8, 0)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), coarse%(10*time.Second))
		assert.InDelta(t, fine.Seconds(), coarse.Seconds(), 10)
	})
}
