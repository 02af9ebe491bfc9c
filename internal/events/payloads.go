package events

import (
	"time"

	"github.com/unklstewy/balloon-chase/internal/orchestrator"
	"github.com/unklstewy/balloon-chase/pkg/predictor"
)

// CarCallsign is the callsign used for chase car telemetry.
const CarCallsign = "CAR"

// Telemetry is the telemetry_event payload, sent once per accepted fix.
type Telemetry struct {
	Callsign      string     `json:"callsign"`
	Position      [3]float64 `json:"position"`
	VelV          float64    `json:"vel_v"`
	Speed         float64    `json:"speed"`
	Heading       float64    `json:"heading"`
	HeadingValid  bool       `json:"heading_valid"`
	ShortTime     string     `json:"short_time"`
	TimeToLanding string     `json:"time_to_landing"`
	ServerTime    time.Time  `json:"server_time"`
}

// PredictorUpdate is the predictor_update payload. Missing points are sent
// as empty arrays.
type PredictorUpdate struct {
	Callsign     string       `json:"callsign"`
	PredPath     [][3]float64 `json:"pred_path"`
	PredLanding  []float64    `json:"pred_landing"`
	Burst        []float64    `json:"burst"`
	AbortPath    [][3]float64 `json:"abort_path"`
	AbortLanding []float64    `json:"abort_landing"`
	Dataset      string       `json:"dataset"`
}

// NewPredictorUpdate converts a prediction result to its event payload.
func NewPredictorUpdate(r orchestrator.Result) PredictorUpdate {
	return PredictorUpdate{
		Callsign:     r.Callsign,
		PredPath:     triples(r.Path),
		PredLanding:  pointSlice(r.Landing),
		Burst:        pointSlice(r.Burst),
		AbortPath:    triples(r.AbortPath),
		AbortLanding: pointSlice(r.AbortLanding),
		Dataset:      predictor.FormatDataset(r.Dataset),
	}
}

func triples(path []predictor.Point) [][3]float64 {
	out := make([][3]float64, 0, len(path))
	for _, p := range path {
		out = append(out, p.Triple())
	}
	return out
}

func pointSlice(p *predictor.Point) []float64 {
	if p == nil {
		return []float64{}
	}
	t := p.Triple()
	return t[:]
}

// Status is the predictor_status payload.
type Status struct {
	Callsign string `json:"callsign,omitempty"`
	Status   string `json:"status"`
}

// Model is the predictor_model_update payload.
type Model struct {
	Model string `json:"model"`
}

// Log is the log_event payload.
type Log struct {
	Level   string `json:"level"`
	Message string `json:"msg"`
}

// Cleared is the payloads_cleared payload. Callsigns lists the payloads
// removed; it is empty when every payload was cleared by a client.
type Cleared struct {
	Callsigns []string `json:"callsigns"`
	Reason    string   `json:"reason"`
}
