package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/unklstewy/balloon-chase/pkg/geodesy"
)

const (
	// DefaultTawhiriURL is the public CUSF Tawhiri API endpoint.
	DefaultTawhiriURL = "http://predict.cusf.co.uk/api/v1/"

	// nominalAscentRate is sent for descent-only predictions, where the API
	// still requires an ascent rate.
	nominalAscentRate = 5.0

	tawhiriProfile = "standard_profile"
)

// OnlineConfig configures the Tawhiri client.
type OnlineConfig struct {
	// BaseURL of the API (default: DefaultTawhiriURL)
	BaseURL string

	// Dataset pins a wind model run; empty uses the latest
	Dataset string

	// Timeout per HTTP request (default: 10s)
	Timeout time.Duration

	// RequestsPerMinute bounds the request rate (default: 30)
	RequestsPerMinute int

	Retry  RetryConfig
	Logger *slog.Logger
}

// Online runs predictions against a Tawhiri API server.
type Online struct {
	baseURL    string
	dataset    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
	log        *slog.Logger
}

// NewOnline creates a Tawhiri client. Zero fields take defaults.
func NewOnline(cfg OnlineConfig) *Online {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTawhiriURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Retry.Retryable = func(err error) bool {
		return !errors.Is(err, ErrNoPrediction)
	}
	cfg.Retry.Logger = cfg.Logger

	interval := time.Minute / time.Duration(cfg.RequestsPerMinute)
	return &Online{
		baseURL:    cfg.BaseURL,
		dataset:    cfg.Dataset,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		retry:      cfg.Retry,
		log:        cfg.Logger,
	}
}

// tawhiriResponse is the subset of the Tawhiri reply we use.
type tawhiriResponse struct {
	Error *struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"error"`
	Request struct {
		Dataset string `json:"dataset"`
	} `json:"request"`
	Prediction []struct {
		Stage      string `json:"stage"`
		Trajectory []struct {
			Datetime  string  `json:"datetime"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
			Altitude  float64 `json:"altitude"`
		} `json:"trajectory"`
	} `json:"prediction"`
}

// Predict requests a trajectory. API-reported errors and empty trajectories
// return ErrNoPrediction; transport errors and rate limiting are retried.
func (o *Online) Predict(ctx context.Context, req Request) (*Prediction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params := o.params(req)

	return RetryWithBackoff(ctx, o.retry, func(ctx context.Context) (*Prediction, error) {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}
		return o.fetch(ctx, params)
	})
}

func (o *Online) params(req Request) url.Values {
	ascent := req.AscentRate
	burst := req.BurstAltitude
	if req.Descending {
		ascent = nominalAscentRate
		burst = req.Altitude + 1
	}

	v := url.Values{}
	v.Set("launch_latitude", strconv.FormatFloat(req.Latitude, 'f', -1, 64))
	v.Set("launch_longitude", strconv.FormatFloat(geodesy.NormalizeAzimuth(req.Longitude), 'f', -1, 64))
	v.Set("launch_altitude", strconv.FormatFloat(req.Altitude, 'f', -1, 64))
	v.Set("launch_datetime", req.LaunchTime.UTC().Format(time.RFC3339))
	v.Set("ascent_rate", strconv.FormatFloat(ascent, 'f', -1, 64))
	v.Set("descent_rate", strconv.FormatFloat(req.DescentRate, 'f', -1, 64))
	v.Set("burst_altitude", strconv.FormatFloat(burst, 'f', -1, 64))
	v.Set("profile", tawhiriProfile)
	if o.dataset != "" {
		v.Set("dataset", o.dataset)
	}
	return v
}

func (o *Online) fetch(ctx context.Context, params url.Values) (*Prediction, error) {
	reqURL := o.baseURL + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	o.log.Debug("requesting tawhiri prediction", slog.String("url", reqURL))

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header),
			Message:    "tawhiri rate limit exceeded",
			Headers:    extractRateLimitHeaders(resp.Header),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var tr tawhiriResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("tawhiri returned status %d: %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if tr.Error != nil {
		o.log.Error("tawhiri error", slog.String("type", tr.Error.Type), slog.String("description", tr.Error.Description))
		return nil, fmt.Errorf("%w: %s: %s", ErrNoPrediction, tr.Error.Type, tr.Error.Description)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tawhiri returned status %d", resp.StatusCode)
	}

	return parseTawhiri(tr)
}

func parseTawhiri(tr tawhiriResponse) (*Prediction, error) {
	pred := &Prediction{Dataset: parseDataset(tr.Request.Dataset)}
	for _, stage := range tr.Prediction {
		for _, p := range stage.Trajectory {
			t, err := time.Parse(time.RFC3339Nano, p.Datetime)
			if err != nil {
				return nil, fmt.Errorf("failed to parse trajectory time %q: %w", p.Datetime, err)
			}
			pred.Path = append(pred.Path, Point{
				Time:      t.UTC(),
				Latitude:  p.Latitude,
				Longitude: geodesy.NormalizeLongitude(p.Longitude),
				Altitude:  p.Altitude,
			})
		}
	}
	if len(pred.Path) == 0 {
		return nil, fmt.Errorf("%w: empty trajectory", ErrNoPrediction)
	}
	return pred, nil
}

// parseDataset reads a Tawhiri dataset timestamp. Unknown formats yield the zero time.
func parseDataset(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "20060102T15:04:05Z", "2006010215"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// FormatDataset renders a model run time the way the map UI shows it, e.g. "2024051312z".
func FormatDataset(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006010215") + "z"
}
