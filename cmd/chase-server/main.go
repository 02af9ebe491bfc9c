// Balloon Chase Server
// Ingests payload, chase car and bearing fixes from the Horus UDP broadcast,
// runs landing predictions and serves the chase state over HTTP + WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/unklstewy/balloon-chase/internal/chase"
	"github.com/unklstewy/balloon-chase/internal/db"
	"github.com/unklstewy/balloon-chase/internal/events"
	"github.com/unklstewy/balloon-chase/internal/listener"
	"github.com/unklstewy/balloon-chase/internal/logging"
	"github.com/unklstewy/balloon-chase/internal/metrics"
	"github.com/unklstewy/balloon-chase/internal/server"
	"github.com/unklstewy/balloon-chase/pkg/config"
)

var (
	configPath = flag.String("config", "configs/config.json", "Path to configuration file")
	port       = flag.Int("port", 0, "HTTP server port (overrides config)")
	udpPort    = flag.Int("udp-port", 0, "Horus UDP broadcast port (overrides config)")
	noRestore  = flag.Bool("no-restore", false, "Do not restore the last payload position from the chase log")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chase-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *port > 0 {
		cfg.Server.Port = strconv.Itoa(*port)
	}
	if *udpPort > 0 {
		cfg.Listener.Port = *udpPort
	}

	base, closer := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// The hub logs through the base logger; everything else is mirrored to
	// clients as log_event messages.
	hub := events.NewHub(events.WithLogger(base), events.WithMetrics(m))
	logger := slog.New(logging.Forward(base.Handler(), slog.LevelInfo, func(level slog.Level, msg string) {
		hub.Publish(events.TypeLog, events.Log{Level: level.String(), Message: msg})
	}))
	slog.SetDefault(logger)

	logger.Info("starting balloon chase server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Driver == db.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	database, err := db.ReconnectWithRetry(ctx, cfg.Database, 5, 2*time.Second, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := database.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if stats, err := database.GetStats(ctx); err != nil {
		logger.Warn("could not read chase log stats", slog.Any("error", err))
	} else {
		attrs := make([]any, 0, len(stats))
		for typ, n := range stats {
			attrs = append(attrs, slog.Int64(typ, n))
		}
		logger.Info("existing chase log records", attrs...)
	}

	chaseLog := db.NewChaseLog(database, cfg.Database.QueueSize, logger, m)
	logger.Info("chase log opened",
		slog.String("driver", database.Driver()), slog.String("session", chaseLog.Session().String()))

	svc := chase.New(*cfg, hub,
		chase.WithChaseLog(chaseLog),
		chase.WithMetrics(m),
		chase.WithLogger(logger),
	)
	if !*noRestore {
		if err := svc.Restore(ctx); err != nil {
			logger.Warn("could not restore last payload position", slog.Any("error", err))
		}
	}

	udp, err := listener.Listen(listener.Config{
		Address: net.JoinHostPort(cfg.Listener.Host, strconv.Itoa(cfg.Listener.Port)),
		RcvBuf:  1 << 20,
		Handler: svc,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithHealthCheck("database", func(ctx context.Context) error {
			return db.HealthCheck(ctx, database)
		}),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(cfg.Metrics.Path, m.Gatherer()))
	}
	srv := server.New(svc, hub, opts...)

	// The chase log outlives the producers so queued records are flushed
	logCtx, stopLog := context.WithCancel(context.WithoutCancel(ctx))
	logDone := make(chan error, 1)
	go func() { logDone <- chaseLog.Run(logCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return udp.Serve(gctx) })
	g.Go(func() error {
		return srv.Run(gctx, net.JoinHostPort(cfg.Server.Host, cfg.Server.Port))
	})

	err = g.Wait()
	stopLog()
	if logErr := <-logDone; logErr != nil && !errors.Is(logErr, context.Canceled) {
		logger.Error("chase log stopped with error", slog.Any("error", logErr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
