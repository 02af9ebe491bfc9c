package predictor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Model status strings reported by CheckModel.
const (
	ModelMissing = "No GFS data."
	ModelOld     = "Old GFS data."
	ModelOK      = "GFS data OK"
)

// Status strings returned by DownloadModel.
const (
	DownloadOK       = "OK"
	DownloadRunning  = "Already Downloading."
	DownloadNoCmd    = "No model download cmd."
	downloadSeeLog   = "Error - See log."
	downloadExitCode = "Error: Ret Code %d"
)

// modelLookahead is how far past now the wind model must extend to be usable.
const modelLookahead = 4 * time.Hour

// OfflineConfig configures the local CUSF predictor.
type OfflineConfig struct {
	// Binary is the path to the pred executable
	Binary string

	// DataDir holds the downloaded GFS wind data
	DataDir string

	// Timeout bounds one predictor run (default: 60s)
	Timeout time.Duration

	// DownloadCommand is a shell command that refreshes DataDir; empty disables downloads
	DownloadCommand string

	Logger *slog.Logger
}

// Offline runs the CUSF predictor binary against locally stored wind data.
type Offline struct {
	cfg         OfflineConfig
	downloading atomic.Bool
	log         *slog.Logger
}

// NewOffline creates an offline predictor. It does not check the binary exists;
// use CheckModel to report the state of the wind data.
func NewOffline(cfg OfflineConfig) *Offline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Offline{cfg: cfg, log: cfg.Logger}
}

// Predict writes a scenario file, runs the binary and parses its CSV output.
func (o *Offline) Predict(ctx context.Context, req Request) (*Prediction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "balloon-pred-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	scenario := filepath.Join(dir, "scenario.ini")
	if err := os.WriteFile(scenario, []byte(scenarioINI(req)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write scenario: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	args := []string{"-i", o.cfg.DataDir}
	if req.Descending {
		args = append(args, "-d")
	}
	args = append(args, scenario)

	cmd := exec.CommandContext(ctx, o.cfg.Binary, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("predictor timed out after %v: %w", o.cfg.Timeout, ctx.Err())
		}
		return nil, fmt.Errorf("failed to run predictor: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	o.log.Debug("offline prediction complete", slog.Duration("elapsed", time.Since(start)))

	path, err := parseTrajectoryCSV(out)
	if err != nil {
		return nil, err
	}
	pred := &Prediction{Path: path}
	if st := o.CheckModel(time.Now()); st.OK {
		pred.Dataset = st.Start
	}
	return pred, nil
}

func scenarioINI(req Request) string {
	t := req.LaunchTime.UTC()
	burst := req.BurstAltitude
	if req.Descending {
		burst = req.Altitude + 1
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[launch-site]\nlatitude = %.6f\nlongitude = %.6f\naltitude = %.1f\n",
		req.Latitude, req.Longitude, req.Altitude)
	fmt.Fprintf(&b, "\n[atmosphere]\nwind-error = 0\n")
	fmt.Fprintf(&b, "\n[altitude-model]\nascent-rate = %.2f\ndescent-rate = %.2f\nburst-altitude = %.1f\n",
		req.AscentRate, req.DescentRate, burst)
	fmt.Fprintf(&b, "\n[launch-time]\nhour = %d\nminute = %d\nsecond = %d\nday = %d\nmonth = %d\nyear = %d\n",
		t.Hour(), t.Minute(), t.Second(), t.Day(), int(t.Month()), t.Year())
	return b.String()
}

// parseTrajectoryCSV reads "unix_time,lat,lon,alt" lines. Blank lines and
// lines starting with '#' are skipped.
func parseTrajectoryCSV(data []byte) ([]Point, error) {
	var path []Point
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) < 4 {
			return nil, fmt.Errorf("failed to parse predictor output line %d: expected 4 fields, got %d", line, len(fields))
		}
		var vals [4]float64
		for i := range vals {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse predictor output line %d: %w", line, err)
			}
			vals[i] = v
		}
		sec := int64(vals[0])
		path = append(path, Point{
			Time:      time.Unix(sec, int64((vals[0]-float64(sec))*1e9)).UTC(),
			Latitude:  vals[1],
			Longitude: vals[2],
			Altitude:  vals[3],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read predictor output: %w", err)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: predictor produced no output", ErrNoPrediction)
	}
	return path, nil
}

// ModelStatus describes the wind data available to the offline predictor.
type ModelStatus struct {
	Status string    `json:"model"`
	OK     bool      `json:"ok"`
	Start  time.Time `json:"start,omitempty"`
	End    time.Time `json:"end,omitempty"`
}

var modelStamp = regexp.MustCompile(`(\d{10})`)

// CheckModel scans DataDir for wind data files carrying a YYYYMMDDHH stamp
// in their name. The model is usable when it covers now plus four hours.
func (o *Offline) CheckModel(now time.Time) ModelStatus {
	entries, err := os.ReadDir(o.cfg.DataDir)
	if err != nil {
		return ModelStatus{Status: ModelMissing}
	}

	var start, end time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := modelStamp.FindString(e.Name())
		if m == "" {
			continue
		}
		t, err := time.Parse("2006010215", m)
		if err != nil {
			continue
		}
		if start.IsZero() || t.Before(start) {
			start = t
		}
		if t.After(end) {
			end = t
		}
	}
	if start.IsZero() {
		return ModelStatus{Status: ModelMissing}
	}

	st := ModelStatus{Start: start, End: end}
	target := now.UTC().Add(modelLookahead)
	if target.Before(start) || target.After(end) {
		st.Status = ModelOld
		return st
	}
	st.Status = ModelOK
	st.OK = true
	return st
}

// DownloadModel runs the configured download command. Only one download runs
// at a time; a concurrent call returns DownloadRunning immediately.
func (o *Offline) DownloadModel(ctx context.Context) (string, error) {
	if o.cfg.DownloadCommand == "" {
		return DownloadNoCmd, nil
	}
	if !o.downloading.CompareAndSwap(false, true) {
		return DownloadRunning, nil
	}
	defer o.downloading.Store(false)

	o.log.Info("starting model download", slog.String("command", o.cfg.DownloadCommand))
	cmd := exec.CommandContext(ctx, "sh", "-c", o.cfg.DownloadCommand)
	if out, err := cmd.CombinedOutput(); err != nil {
		o.log.Error("model download failed", slog.Any("error", err), slog.String("output", string(out)))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Sprintf(downloadExitCode, exitErr.ExitCode()), err
		}
		return downloadSeeLog, err
	}
	o.log.Info("model download completed")
	return DownloadOK, nil
}
