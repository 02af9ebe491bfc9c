// Package predictor runs balloon flight-path predictions, either through the
// online Tawhiri API or an offline CUSF predictor binary.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoPrediction is returned when a backend responds but produces no usable trajectory.
	ErrNoPrediction = errors.New("predictor: no prediction returned")

	// ErrDisabled is returned when a prediction is requested from the disabled backend.
	ErrDisabled = errors.New("predictor: disabled")
)

// Point is one position along a predicted trajectory.
type Point struct {
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  float64   `json:"alt"`
}

// Triple returns the point as [lat, lon, alt] for map rendering.
func (p Point) Triple() [3]float64 {
	return [3]float64{p.Latitude, p.Longitude, p.Altitude}
}

// Request describes a prediction starting from the payload's current state.
type Request struct {
	// LaunchTime is the time of the starting position
	LaunchTime time.Time

	// Latitude, Longitude and Altitude of the starting position
	Latitude  float64
	Longitude float64
	Altitude  float64

	// AscentRate in m/s (positive)
	AscentRate float64

	// DescentRate in m/s at sea level (positive)
	DescentRate float64

	// BurstAltitude in meters; must be above Altitude when ascending
	BurstAltitude float64

	// Descending starts the prediction in the descent phase
	Descending bool
}

// Validate checks the request is usable by a backend.
func (r Request) Validate() error {
	if r.LaunchTime.IsZero() {
		return fmt.Errorf("invalid prediction request: missing launch time")
	}
	if r.Latitude < -90 || r.Latitude > 90 || r.Longitude < -180 || r.Longitude > 360 {
		return fmt.Errorf("invalid prediction request: position (%.5f, %.5f) out of range", r.Latitude, r.Longitude)
	}
	if r.DescentRate <= 0 {
		return fmt.Errorf("invalid prediction request: descent rate %.2f must be positive", r.DescentRate)
	}
	if !r.Descending && r.BurstAltitude <= r.Altitude {
		return fmt.Errorf("invalid prediction request: burst altitude %.0f not above current altitude %.0f",
			r.BurstAltitude, r.Altitude)
	}
	return nil
}

// Prediction is a predicted trajectory.
type Prediction struct {
	// Dataset is the wind model run the prediction used, zero if unknown
	Dataset time.Time

	// Path is the trajectory from launch to landing
	Path []Point
}

// Predictor is implemented by every backend that can run predictions.
type Predictor interface {
	Predict(ctx context.Context, req Request) (*Prediction, error)
}

// Kind identifies a Backend variant.
type Kind int

const (
	KindDisabled Kind = iota
	KindOffline
	KindOnline
)

func (k Kind) String() string {
	switch k {
	case KindDisabled:
		return "disabled"
	case KindOffline:
		return "offline"
	case KindOnline:
		return "online"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "disabled", "none":
		return KindDisabled, nil
	case "offline":
		return KindOffline, nil
	case "online", "tawhiri":
		return KindOnline, nil
	default:
		return KindDisabled, fmt.Errorf("unknown predictor mode %q", s)
	}
}

// Backend is the closed set of predictor backends: Disabled, *Offline and
// *Online. The unexported method keeps other packages from adding variants.
type Backend interface {
	Kind() Kind
	backend()
}

// Disabled is the backend used when no predictor is available.
type Disabled struct{}

// Kind returns KindDisabled.
func (Disabled) Kind() Kind { return KindDisabled }
func (Disabled) backend()   {}

// Predict always returns ErrDisabled.
func (Disabled) Predict(context.Context, Request) (*Prediction, error) {
	return nil, ErrDisabled
}

// Kind returns KindOffline.
func (*Offline) Kind() Kind { return KindOffline }
func (*Offline) backend()   {}

// Kind returns KindOnline.
func (*Online) Kind() Kind { return KindOnline }
func (*Online) backend()   {}

// PredictorFor returns the Predictor behind a backend. It reports false for
// Disabled and for nil backends.
func PredictorFor(b Backend) (Predictor, bool) {
	switch v := b.(type) {
	case *Offline:
		if v == nil {
			return nil, false
		}
		return v, true
	case *Online:
		if v == nil {
			return nil, false
		}
		return v, true
	default:
		return nil, false
	}
}
