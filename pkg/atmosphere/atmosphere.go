// Package atmosphere implements the 1976 International Standard Atmosphere
// density model up to 84,852 m and the descent-rate estimates built on it.
package atmosphere

import (
	"errors"
	"math"
	"time"
)

const (
	// SeaLevelDensity is the ISA air density at sea level in kg/m³.
	SeaLevelDensity = 1.225

	// SeaLevelTemperature is the ISA temperature at sea level in Kelvin.
	SeaLevelTemperature = 288.15

	// DragCoefficient is the empirical multiplier applied to the sea-level
	// descent rate when integrating a parachute descent.
	DragCoefficient = 1.1045

	// MaxAltitude is the top of the modelled atmosphere in meters.
	MaxAltitude = 84852.0

	// gmr is the hydrostatic constant g0*M/R* in K/km.
	gmr = 9.80665 * 28.9644 / 8.31432
)

var (
	// ErrNotDescending is returned by TimeToLanding when the vertical rate is
	// zero or positive.
	ErrNotDescending = errors.New("atmosphere: not descending")

	// ErrIndeterminate is returned by TimeToLanding when the integration does
	// not reach the ground within the step budget or produces a non-finite value.
	ErrIndeterminate = errors.New("atmosphere: time to landing indeterminate")
)

// layer describes one band of the standard atmosphere.
// Adjacent layers share their boundary values so Density is continuous.
type layer struct {
	base        float64 // base altitude (m)
	pressureRel float64 // pressure at base relative to sea level
	temperature float64 // temperature at base (K)
	gradient    float64 // temperature lapse (K/km)
}

var layers = [...]layer{
	{0, 1, 288.15, -6.5},
	{11000, 2.23361105092158e-1, 216.65, 0},
	{20000, 5.403295010784876e-2, 216.65, 1},
	{32000, 8.566678359291667e-3, 228.65, 2.8},
	{47000, 1.0945601337771144e-3, 270.65, 0},
	{51000, 6.606353132858367e-4, 270.65, -2.8},
	{71000, 3.904683373343926e-5, 214.65, -2},
	{MaxAltitude, 3.6850095235747942e-6, 186.946, 0},
}

// layerFor returns the layer containing altitude. Altitudes below sea level
// use the first layer and altitudes above MaxAltitude use the last.
func layerFor(altitude float64) layer {
	i := 0
	for i < len(layers)-1 && altitude > layers[i+1].base {
		i++
	}
	return layers[i]
}

// Density returns the air density in kg/m³ at the given geometric altitude in meters.
func Density(altitude float64) float64 {
	if altitude == 0 {
		return SeaLevelDensity
	}

	l := layerFor(altitude)
	dAlt := altitude - l.base
	temperature := l.temperature + l.gradient*dAlt/1000.0

	var pressureRel float64
	if math.Abs(l.gradient) < 1e-10 {
		pressureRel = l.pressureRel * math.Exp(-gmr*dAlt/1000.0/l.temperature)
	} else {
		pressureRel = l.pressureRel * math.Pow(l.temperature/temperature, gmr/l.gradient)
	}

	return SeaLevelDensity * pressureRel * SeaLevelTemperature / temperature
}

// DensityRatio returns Density(altitude) relative to sea level.
func DensityRatio(altitude float64) float64 {
	return Density(altitude) / SeaLevelDensity
}

// SeaLevelDescentRate converts a vertical rate observed at altitude into the
// equivalent rate at sea level, assuming the object is at terminal velocity.
// The sign of rate is preserved.
func SeaLevelDescentRate(rate, altitude float64) float64 {
	return math.Sqrt(DensityRatio(altitude)) * rate
}

// landingOptions holds the tunables for TimeToLanding.
type landingOptions struct {
	step     time.Duration
	maxSteps int
}

// Option configures TimeToLanding.
type Option func(*landingOptions)

// WithStep sets the integration step. Non-positive values are ignored.
func WithStep(step time.Duration) Option {
	return func(o *landingOptions) {
		if step > 0 {
			o.step = step
		}
	}
}

// WithMaxSteps caps the number of integration steps. Non-positive values are ignored.
func WithMaxSteps(n int) Option {
	return func(o *landingOptions) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// TimeToLanding estimates how long a descending payload will take to reach
// ground level.
//
// Returns ErrNotDescending when rate is zero or positive, 0 when a descending
// payload is already at or below ground, and ErrIndeterminate when the integration fails to
// converge within the step budget (one day of 1 s steps by default).
func TimeToLanding(altitude, rate, ground float64, opts ...Option) (time.Duration, error) {
	o := landingOptions{
		step:     time.Second,
		maxSteps: 86400,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if math.IsNaN(altitude) || math.IsNaN(rate) || math.IsNaN(ground) {
		return 0, ErrIndeterminate
	}
	if rate >= 0 {
		return 0, ErrNotDescending
	}
	if altitude <= ground {
		return 0, nil
	}

	drag := math.Abs(SeaLevelDescentRate(rate, altitude)) * DragCoefficient
	stepSeconds := o.step.Seconds()

	alt := altitude
	for n := 1; n <= o.maxSteps; n++ {
		alt -= stepSeconds * drag / math.Sqrt(Density(alt))
		if math.IsNaN(alt) || math.IsInf(alt, 0) {
			return 0, ErrIndeterminate
		}
		if alt < ground {
			return time.Duration(n) * o.step, nil
		}
	}

	return 0, ErrIndeterminate
}
