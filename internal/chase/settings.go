package chase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/unklstewy/balloon-chase/internal/events"
	"github.com/unklstewy/balloon-chase/internal/orchestrator"
	"github.com/unklstewy/balloon-chase/pkg/bearings"
	"github.com/unklstewy/balloon-chase/pkg/config"
	"github.com/unklstewy/balloon-chase/pkg/predictor"
	"github.com/unklstewy/balloon-chase/pkg/track"
)

// Client commands accepted by HandleCommand. The second name of each pair is
// the one older chase-mapper clients send.
const (
	CmdClearPayloads    = "clear_payload_data"
	CmdClearBearings    = "clear_bearing_data"
	CmdClearCar         = "clear_car_data"
	CmdSettingsUpdate   = "server_settings_update"
	CmdDownloadModel    = "download_model"
	cmdClearPayloadsOld = "payload_data_clear"
	cmdClearBearingsOld = "bearing_store_clear"
	cmdClearCarOld      = "car_data_clear"
	cmdSettingsOld      = "client_settings_update"
)

// Predictor model status strings.
const (
	ModelDisabled    = "Disabled"
	ModelDownloading = "Downloading Model."
	ModelTawhiri     = "Tawhiri"
)

// modelDownloadTimeout bounds a client-triggered model download.
const modelDownloadTimeout = time.Hour

// ErrUnknownCommand is returned by HandleCommand for unrecognised commands.
var ErrUnknownCommand = errors.New("chase: unknown command")

func (s *Service) config() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Settings returns the runtime settings as shown to clients.
func (s *Service) Settings() config.Settings {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Settings(s.model)
}

// Model returns the predictor model status string.
func (s *Service) Model() string {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.model
}

// UpdateSettings applies client settings, retunes the tracks and bearing
// store, starts or stops the predictor when its enabled flag changes, and
// pushes the resulting settings to every client.
func (s *Service) UpdateSettings(in config.Settings) config.Settings {
	s.cfgMu.Lock()
	wasEnabled := s.cfg.Predictor.Enabled
	s.cfg.ApplySettings(in)
	cfg := s.cfg
	s.cfgMu.Unlock()

	opts := trackOptions(cfg.Track, s.log)
	s.registry.SetTrackOptions(opts)
	s.ingestMu.Lock()
	s.car.SetTuning(opts.AscentAveraging, opts.HeadingGateThreshold, opts.TurnRateThreshold)
	s.ingestMu.Unlock()
	s.bearings.SetLimits(bearingLimits(cfg.Bearings))

	switch {
	case cfg.Predictor.Enabled && !wasEnabled:
		s.InitPredictor()
	case !cfg.Predictor.Enabled && wasEnabled:
		s.stopPredictor()
	default:
		s.orch.UpdateSettings(orchestratorConfig(cfg.Predictor))
	}

	out := s.Settings()
	s.hub.Publish(events.TypeSettings, out)
	return out
}

// InitPredictor builds the configured predictor backend and enables
// prediction cycles. An offline predictor without current wind data leaves
// prediction disabled and reports why in the model status.
func (s *Service) InitPredictor() {
	cfg := s.config()
	backend, offline, model := newBackend(cfg.Predictor, s.now(), s.log)
	enabled := backend.Kind() != predictor.KindDisabled

	s.cfgMu.Lock()
	s.cfg.Predictor.Enabled = enabled
	s.model = model
	s.offline = offline
	cfg = s.cfg
	s.cfgMu.Unlock()

	s.orch.SetBackend(backend)
	s.orch.UpdateSettings(orchestratorConfig(cfg.Predictor))
	s.hub.Publish(events.TypePredictorModel, events.Model{Model: model})
	if enabled {
		s.log.Info("predictor started",
			slog.String("backend", backend.Kind().String()), slog.String("model", model))
	} else {
		s.log.Warn("predictor not started", slog.String("model", model))
	}
}

func (s *Service) stopPredictor() {
	s.cfgMu.Lock()
	s.model = ModelDisabled
	cfg := s.cfg
	s.cfgMu.Unlock()

	s.orch.UpdateSettings(orchestratorConfig(cfg.Predictor))
	s.orch.SetBackend(predictor.Disabled{})
	s.hub.Publish(events.TypePredictorModel, events.Model{Model: ModelDisabled})
}

// DownloadModel runs the offline predictor's model download command and
// restarts the predictor when it succeeds. Status strings are published as
// predictor_model_update events and returned.
func (s *Service) DownloadModel(ctx context.Context) (string, error) {
	cfg := s.config()
	s.cfgMu.Lock()
	offline := s.offline
	if offline == nil && isOffline(cfg.Predictor.Mode) {
		offline = predictor.NewOffline(offlineConfig(cfg.Predictor, s.log))
		s.offline = offline
	}
	s.cfgMu.Unlock()

	if offline == nil {
		status := predictor.DownloadNoCmd
		s.hub.Publish(events.TypePredictorModel, events.Model{Model: status})
		return status, nil
	}

	s.log.Info("client requested new predictor data")
	s.hub.Publish(events.TypePredictorModel, events.Model{Model: ModelDownloading})
	status, err := offline.DownloadModel(ctx)
	if status != predictor.DownloadOK {
		s.hub.Publish(events.TypePredictorModel, events.Model{Model: status})
		return status, err
	}

	s.cfgMu.Lock()
	s.cfg.Predictor.Enabled = true
	s.cfgMu.Unlock()
	s.InitPredictor()
	s.hub.Publish(events.TypeSettings, s.Settings())
	return status, nil
}

// ClearPayloads removes every payload, waiting for any in-flight prediction.
func (s *Service) ClearPayloads() {
	s.log.Warn("client requested all payload data be cleared")
	s.orch.Exclusive(s.registry.Clear)

	s.telemMu.Lock()
	clear(s.telem)
	s.telemMu.Unlock()

	s.metrics.SetActivePayloads(0)
	s.hub.Publish(events.TypePayloadsCleared, events.Cleared{Callsigns: []string{}, Reason: "client"})
}

// ClearBearings removes every stored bearing.
func (s *Service) ClearBearings() {
	s.log.Warn("client requested bearing data be cleared")
	s.bearings.Flush()
	s.hub.Publish(events.TypeBearingsCleared, struct{}{})
}

// ClearCar discards the chase car track.
func (s *Service) ClearCar() {
	s.log.Warn("client requested all chase car data be cleared")
	s.ingestMu.Lock()
	s.car = track.New(trackOptions(s.config().Track, s.log))
	s.ingestMu.Unlock()
	s.hub.Publish(events.TypeCarCleared, struct{}{})
}

// HandleCommand dispatches a client command. data is the command's JSON
// payload and may be empty. Model downloads run in the background.
func (s *Service) HandleCommand(ctx context.Context, name string, data json.RawMessage) error {
	switch name {
	case CmdClearPayloads, cmdClearPayloadsOld:
		s.ClearPayloads()
	case CmdClearBearings, cmdClearBearingsOld:
		s.ClearBearings()
	case CmdClearCar, cmdClearCarOld:
		s.ClearCar()
	case CmdSettingsUpdate, cmdSettingsOld:
		settings := s.Settings()
		if len(data) > 0 {
			if err := json.Unmarshal(data, &settings); err != nil {
				return fmt.Errorf("failed to parse settings: %w", err)
			}
		}
		s.UpdateSettings(settings)
	case CmdDownloadModel:
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), modelDownloadTimeout)
			defer cancel()
			if _, err := s.DownloadModel(ctx); err != nil {
				s.log.Error("model download failed", slog.Any("error", err))
			}
		}()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return nil
}

func trackOptions(c config.TrackConfig, logger *slog.Logger) track.Options {
	opts := track.DefaultOptions()
	if c.AscentAveraging > 0 {
		opts.AscentAveraging = c.AscentAveraging
	}
	if c.HeadingGateThreshold >= 0 {
		opts.HeadingGateThreshold = c.HeadingGateThreshold
	}
	if c.TurnRateThreshold > 0 {
		opts.TurnRateThreshold = c.TurnRateThreshold
	}
	opts.MaxSamples = c.MaxSamples
	opts.Logger = logger
	return opts
}

func bearingLimits(c config.BearingsConfig) bearings.Config {
	return bearings.Config{MaxBearings: c.MaxBearings, MaxAge: c.MaxAge()}
}

func orchestratorConfig(p config.PredictorConfig) orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.Enabled = p.Enabled
	cfg.UpdateInterval = p.UpdateInterval()
	cfg.DescentRate = p.DescentRate
	cfg.BurstAltitude = p.BurstAltitude
	cfg.ShowAbort = p.ShowAbort
	return cfg
}

func isOffline(mode string) bool {
	k, err := predictor.ParseKind(mode)
	return err == nil && k == predictor.KindOffline
}

func offlineConfig(p config.PredictorConfig, logger *slog.Logger) predictor.OfflineConfig {
	return predictor.OfflineConfig{
		Binary:          p.Offline.Binary,
		DataDir:         p.Offline.DataDir,
		Timeout:         p.Offline.Timeout(),
		DownloadCommand: p.Offline.DownloadCommand,
		Logger:          logger,
	}
}

// newBackend builds the backend selected by p.Mode. The offline backend is
// also returned on its own so model downloads can use it even when its wind
// data is unusable.
func newBackend(p config.PredictorConfig, now time.Time, logger *slog.Logger) (predictor.Backend, *predictor.Offline, string) {
	kind, err := predictor.ParseKind(p.Mode)
	if err != nil {
		logger.Error("invalid predictor mode", slog.Any("error", err))
		return predictor.Disabled{}, nil, ModelDisabled
	}

	switch kind {
	case predictor.KindOnline:
		retry := predictor.DefaultRetryConfig()
		retry.MaxRetries = p.Online.MaxRetries
		retry.Logger = logger
		online := predictor.NewOnline(predictor.OnlineConfig{
			BaseURL:           p.Online.BaseURL,
			Dataset:           p.Online.Dataset,
			Timeout:           p.Online.Timeout(),
			RequestsPerMinute: p.Online.RequestsPerMinute,
			Retry:             retry,
			Logger:            logger,
		})
		model := ModelTawhiri
		if p.Online.Dataset != "" {
			model += " " + p.Online.Dataset
		}
		return online, nil, model

	case predictor.KindOffline:
		offline := predictor.NewOffline(offlineConfig(p, logger))
		st := offline.CheckModel(now)
		if !st.OK {
			return predictor.Disabled{}, offline, st.Status
		}
		return offline, offline, fmt.Sprintf("%s (%s)", st.Status, predictor.FormatDataset(st.Start))

	default:
		return predictor.Disabled{}, nil, ModelDisabled
	}
}
