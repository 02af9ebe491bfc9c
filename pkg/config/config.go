package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config represents the complete chase server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Listener  ListenerConfig  `json:"listener"`
	Database  DatabaseConfig  `json:"database"`
	Predictor PredictorConfig `json:"predictor"`
	Track     TrackConfig     `json:"track"`
	Bearings  BearingsConfig  `json:"bearings"`
	Payload   PayloadConfig   `json:"payload"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Port is the HTTP server port (default: 5001)
	Port string `json:"port"`

	// Host is the server bind address (default: "0.0.0.0")
	Host string `json:"host"`

	// DefaultLatitude and DefaultLongitude centre client maps before any
	// telemetry arrives
	DefaultLatitude  float64 `json:"default_lat"`
	DefaultLongitude float64 `json:"default_lon"`
}

// ListenerConfig contains the UDP telemetry listener settings.
type ListenerConfig struct {
	// Host is the bind address (default: "0.0.0.0")
	Host string `json:"host"`

	// Port is the Horus UDP broadcast port (default: 55672)
	Port int `json:"port"`
}

// DatabaseConfig contains chase log database settings.
type DatabaseConfig struct {
	// Driver is the database driver (sqlite, postgres)
	Driver string `json:"driver"`

	// Path is the SQLite database file
	Path string `json:"path,omitempty"`

	// Host is the database server hostname
	Host string `json:"host,omitempty"`

	// Port is the database server port
	Port int `json:"port,omitempty"`

	// Database is the database name
	Database string `json:"database,omitempty"`

	// Username for database authentication
	Username string `json:"username,omitempty"`

	// Password for database authentication (should be loaded from environment)
	Password string `json:"password,omitempty"`

	// SSLMode for PostgreSQL connections (disable, require, verify-ca, verify-full)
	SSLMode string `json:"ssl_mode,omitempty"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `json:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `json:"max_idle_conns"`

	// QueueSize is the number of log records buffered ahead of the writer
	QueueSize int `json:"queue_size"`
}

// PredictorConfig contains flight path prediction settings.
type PredictorConfig struct {
	// Enabled turns periodic predictions on
	Enabled bool `json:"enabled"`

	// Mode selects the backend: "disabled", "offline" or "online"
	Mode string `json:"mode"`

	// UpdateRateSeconds is the time between prediction cycles
	UpdateRateSeconds int `json:"update_rate_seconds"`

	// DescentRate is the assumed sea-level descent rate in m/s before burst
	DescentRate float64 `json:"descent_rate"`

	// BurstAltitude is the expected burst altitude in meters
	BurstAltitude float64 `json:"burst_altitude"`

	// ShowAbort also predicts the path if the balloon burst now
	ShowAbort bool `json:"show_abort"`

	Online  OnlinePredictorConfig  `json:"online"`
	Offline OfflinePredictorConfig `json:"offline"`
}

// OnlinePredictorConfig configures the Tawhiri API client.
type OnlinePredictorConfig struct {
	// BaseURL is the API endpoint
	BaseURL string `json:"base_url"`

	// Dataset pins a wind model run (YYYYMMDDHHz); empty uses the latest
	Dataset string `json:"dataset,omitempty"`

	// TimeoutSeconds bounds one HTTP request
	TimeoutSeconds int `json:"timeout_seconds"`

	// RequestsPerMinute limits the API call rate
	RequestsPerMinute int `json:"requests_per_minute"`

	// MaxRetries is the number of retries after a transient failure
	MaxRetries int `json:"max_retries"`
}

// OfflinePredictorConfig configures the local pred binary.
type OfflinePredictorConfig struct {
	// Binary is the path to the pred executable
	Binary string `json:"binary"`

	// DataDir holds the downloaded GFS wind data
	DataDir string `json:"data_dir"`

	// TimeoutSeconds bounds one predictor run
	TimeoutSeconds int `json:"timeout_seconds"`

	// DownloadCommand refreshes DataDir; empty disables model downloads
	DownloadCommand string `json:"download_command,omitempty"`
}

// TrackConfig tunes the kinematic state derived from position fixes.
type TrackConfig struct {
	// AscentAveraging is the number of altitude differences averaged
	AscentAveraging int `json:"ascent_averaging"`

	// HeadingGateThreshold is the chase car speed in m/s below which
	// derived headings are not trusted
	HeadingGateThreshold float64 `json:"heading_gate_threshold"`

	// TurnRateThreshold is the turn rate in °/s above which headings are not trusted
	TurnRateThreshold float64 `json:"turn_rate_threshold"`

	// MaxSamples bounds each track's history; 0 keeps every sample
	MaxSamples int `json:"max_samples"`
}

// BearingsConfig bounds the radio direction finding bearing store.
type BearingsConfig struct {
	MaxBearings   int `json:"max_bearings"`
	MaxAgeSeconds int `json:"max_age_seconds"`
}

// PayloadConfig controls payload expiry.
type PayloadConfig struct {
	// MaxAgeMinutes removes payloads not heard from for this long
	MaxAgeMinutes int `json:"max_age_minutes"`

	// CheckIntervalSeconds is how often payload ages are checked
	CheckIntervalSeconds int `json:"check_interval_seconds"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level"`

	// Format is "text" or "json"
	Format string `json:"format"`

	// File enables a rotated log file in addition to stderr
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// UpdateInterval returns the prediction cycle interval.
func (p PredictorConfig) UpdateInterval() time.Duration {
	return time.Duration(p.UpdateRateSeconds) * time.Second
}

// Timeout returns the per-request timeout.
func (o OnlinePredictorConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// Timeout returns the per-run timeout.
func (o OfflinePredictorConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// MaxAge returns the bearing retention window.
func (b BearingsConfig) MaxAge() time.Duration {
	return time.Duration(b.MaxAgeSeconds) * time.Second
}

// MaxAge returns the payload expiry age.
func (p PayloadConfig) MaxAge() time.Duration {
	return time.Duration(p.MaxAgeMinutes) * time.Minute
}

// CheckInterval returns the payload age check period.
func (p PayloadConfig) CheckInterval() time.Duration {
	return time.Duration(p.CheckIntervalSeconds) * time.Second
}

// Load reads configuration from a JSON file.
// If the file doesn't exist, returns a default configuration.
// Fields missing from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg.applyEnvironmentOverrides()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             "5001",
			Host:             "0.0.0.0",
			DefaultLatitude:  -34.9,
			DefaultLongitude: 138.6,
		},
		Listener: ListenerConfig{
			Host: "0.0.0.0",
			Port: 55672,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			Path:         "log_files/chase.db",
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			QueueSize:    1024,
		},
		Predictor: PredictorConfig{
			Enabled:           false,
			Mode:              "online",
			UpdateRateSeconds: 15,
			DescentRate:       6.0,
			BurstAltitude:     28000,
			ShowAbort:         true,
			Online: OnlinePredictorConfig{
				BaseURL:           "http://predict.cusf.co.uk/api/v1/",
				TimeoutSeconds:    10,
				RequestsPerMinute: 30,
				MaxRetries:        2,
			},
			Offline: OfflinePredictorConfig{
				Binary:         "./pred",
				DataDir:        "./gfs",
				TimeoutSeconds: 60,
			},
		},
		Track: TrackConfig{
			AscentAveraging:      6,
			HeadingGateThreshold: 0,
			TurnRateThreshold:    4.0,
		},
		Bearings: BearingsConfig{
			MaxBearings:   300,
			MaxAgeSeconds: 30 * 60,
		},
		Payload: PayloadConfig{
			MaxAgeMinutes:        180,
			CheckIntervalSeconds: 2,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.Host == "" {
			errs = append(errs, errors.New("database.host is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Predictor.Mode {
	case "", "disabled", "none", "offline", "online", "tawhiri":
	default:
		errs = append(errs, fmt.Errorf("predictor.mode %q is not supported", c.Predictor.Mode))
	}
	if c.Predictor.UpdateRateSeconds <= 0 {
		errs = append(errs, errors.New("predictor.update_rate_seconds must be positive"))
	}
	if c.Predictor.DescentRate <= 0 {
		errs = append(errs, errors.New("predictor.descent_rate must be positive"))
	}
	if c.Predictor.BurstAltitude <= 0 {
		errs = append(errs, errors.New("predictor.burst_altitude must be positive"))
	}
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		errs = append(errs, fmt.Errorf("listener.port %d out of range", c.Listener.Port))
	}
	if c.Payload.MaxAgeMinutes <= 0 {
		errs = append(errs, errors.New("payload.max_age_minutes must be positive"))
	}
	return errors.Join(errs...)
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
// This allows sensitive data like passwords to be kept out of config files.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv("BALLOON_CHASE_PORT"); port != "" {
		c.Server.Port = port
	}
	if port := os.Getenv("BALLOON_CHASE_UDP_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Listener.Port = n
		}
	}
	if driver := os.Getenv("BALLOON_CHASE_DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if path := os.Getenv("BALLOON_CHASE_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if host := os.Getenv("BALLOON_CHASE_DB_HOST"); host != "" {
		c.Database.Host = host
	}
	if dbPassword := os.Getenv("BALLOON_CHASE_DB_PASSWORD"); dbPassword != "" {
		c.Database.Password = dbPassword
	}
	if url := os.Getenv("BALLOON_CHASE_TAWHIRI_URL"); url != "" {
		c.Predictor.Online.BaseURL = url
	}
	if level := os.Getenv("BALLOON_CHASE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Settings is the subset of the configuration clients can view and change
// at runtime. Keys follow the chase-mapper web client.
type Settings struct {
	PredictorEnabled  bool    `json:"pred_enabled"`
	PredictorModel    string  `json:"pred_model"`
	DescentRate       float64 `json:"pred_desc_rate"`
	BurstAltitude     float64 `json:"pred_burst"`
	ShowAbort         bool    `json:"show_abort"`
	UpdateRate        int     `json:"pred_update_rate"`
	PayloadMaxAge     int     `json:"payload_max_age"`
	DefaultLatitude   float64 `json:"default_lat"`
	DefaultLongitude  float64 `json:"default_lon"`
	AscentAveraging   int     `json:"ascent_rate_averaging"`
	CarSpeedGate      float64 `json:"car_speed_gate"`
	TurnRateThreshold float64 `json:"turn_rate_threshold"`
	MaxBearings       int     `json:"max_bearings"`
	// MaxBearingAge is in minutes and may be fractional
	MaxBearingAge float64 `json:"max_bearing_age"`
}

// Settings returns the runtime settings view of c. model is the current
// predictor model status string.
func (c *Config) Settings(model string) Settings {
	return Settings{
		PredictorEnabled:  c.Predictor.Enabled,
		PredictorModel:    model,
		DescentRate:       c.Predictor.DescentRate,
		BurstAltitude:     c.Predictor.BurstAltitude,
		ShowAbort:         c.Predictor.ShowAbort,
		UpdateRate:        c.Predictor.UpdateRateSeconds,
		PayloadMaxAge:     c.Payload.MaxAgeMinutes,
		DefaultLatitude:   c.Server.DefaultLatitude,
		DefaultLongitude:  c.Server.DefaultLongitude,
		AscentAveraging:   c.Track.AscentAveraging,
		CarSpeedGate:      c.Track.HeadingGateThreshold,
		TurnRateThreshold: c.Track.TurnRateThreshold,
		MaxBearings:       c.Bearings.MaxBearings,
		MaxBearingAge:     float64(c.Bearings.MaxAgeSeconds) / 60,
	}
}

// ApplySettings copies client settings into c. Non-positive numeric values
// keep the current setting; the speed gate may be zero.
func (c *Config) ApplySettings(s Settings) {
	c.Predictor.Enabled = s.PredictorEnabled
	c.Predictor.ShowAbort = s.ShowAbort
	if s.DescentRate > 0 {
		c.Predictor.DescentRate = s.DescentRate
	}
	if s.BurstAltitude > 0 {
		c.Predictor.BurstAltitude = s.BurstAltitude
	}
	if s.UpdateRate > 0 {
		c.Predictor.UpdateRateSeconds = s.UpdateRate
	}
	if s.PayloadMaxAge > 0 {
		c.Payload.MaxAgeMinutes = s.PayloadMaxAge
	}
	if s.AscentAveraging > 0 {
		c.Track.AscentAveraging = s.AscentAveraging
	}
	if s.CarSpeedGate >= 0 {
		c.Track.HeadingGateThreshold = s.CarSpeedGate
	}
	if s.TurnRateThreshold > 0 {
		c.Track.TurnRateThreshold = s.TurnRateThreshold
	}
	if s.MaxBearings > 0 {
		c.Bearings.MaxBearings = s.MaxBearings
	}
	if secs := int(math.Round(s.MaxBearingAge * 60)); secs > 0 {
		c.Bearings.MaxAgeSeconds = secs
	}
}
