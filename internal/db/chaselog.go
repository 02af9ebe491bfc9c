package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/unklstewy/balloon-chase/internal/metrics"
)

// RecordType tags each chase log entry.
type RecordType string

// Chase log record types.
const (
	CarPosition      RecordType = "CAR POSITION"
	BalloonTelemetry RecordType = "BALLOON TELEMETRY"
	Prediction       RecordType = "PREDICTION"
	Bearing          RecordType = "BEARING"
)

// ErrNoTelemetry is returned when the log holds no balloon telemetry.
var ErrNoTelemetry = errors.New("chase log: no balloon telemetry")

// DefaultQueueSize is the number of records buffered ahead of the writer.
const DefaultQueueSize = 1024

// Record is one chase log entry. Data is stored as JSON.
type Record struct {
	Type      RecordType
	LogTime   time.Time
	Callsign  string
	Time      time.Time
	Latitude  float64
	Longitude float64
	Altitude  float64
	Data      any
}

// ChaseLog writes records to the database from a single background writer.
// Add never blocks; records are dropped when the queue is full.
type ChaseLog struct {
	db      *DB
	session uuid.UUID
	queue   chan Record
	stopped atomic.Bool

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewChaseLog creates a chase log for a new session. Call Run to start writing.
func NewChaseLog(db *DB, queueSize int, logger *slog.Logger, m *metrics.Metrics) *ChaseLog {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChaseLog{
		db:      db,
		session: uuid.New(),
		queue:   make(chan Record, queueSize),
		log:     logger,
		metrics: m,
		now:     time.Now,
	}
}

// Session returns the id stamped on every record written by this log.
func (c *ChaseLog) Session() uuid.UUID { return c.session }

// Add queues a record. It reports false when the record was dropped.
func (c *ChaseLog) Add(rec Record) bool {
	if c == nil || c.stopped.Load() {
		return false
	}
	if rec.LogTime.IsZero() {
		rec.LogTime = c.now()
	}
	select {
	case c.queue <- rec:
		return true
	default:
		c.metrics.IncLogQueueDropped()
		c.log.Warn("chase log queue full, discarding record", slog.String("type", string(rec.Type)))
		return false
	}
}

// Run writes queued records until ctx is done, then drains the queue and
// returns. Write failures are logged and do not stop the writer.
func (c *ChaseLog) Run(ctx context.Context) error {
	c.log.Info("chase log started", slog.String("session", c.session.String()))
	defer c.log.Info("chase log stopped")

	for {
		select {
		case <-ctx.Done():
			c.stopped.Store(true)
			c.drain(context.WithoutCancel(ctx))
			return nil
		case rec := <-c.queue:
			c.write(ctx, rec)
		}
	}
}

func (c *ChaseLog) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-c.queue:
			c.write(ctx, rec)
		default:
			return
		}
	}
}

func (c *ChaseLog) write(ctx context.Context, rec Record) {
	err := WithRetry(ctx, 2, 100*time.Millisecond, func(ctx context.Context) error {
		return c.insert(ctx, rec)
	})
	if err != nil {
		c.log.Error("failed to write chase log record",
			slog.String("type", string(rec.Type)), slog.Any("error", err))
	}
}

func (c *ChaseLog) insert(ctx context.Context, rec Record) error {
	data := []byte("{}")
	if rec.Data != nil {
		var err error
		if data, err = json.Marshal(rec.Data); err != nil {
			return fmt.Errorf("failed to marshal record data: %w", err)
		}
	}

	var fixTime int64
	if !rec.Time.IsZero() {
		fixTime = rec.Time.UnixNano()
	}

	_, err := c.db.ExecContext(ctx, c.db.Rebind(
		`INSERT INTO chase_log (session_id, log_type, log_time, callsign, fix_time, latitude, longitude, altitude, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.session.String(), string(rec.Type), rec.LogTime.UnixNano(), rec.Callsign,
		fixTime, rec.Latitude, rec.Longitude, rec.Altitude, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// LastBalloonTelemetry returns the most recently logged balloon position
// from any session. Data is returned as raw JSON.
func (c *ChaseLog) LastBalloonTelemetry(ctx context.Context) (Record, error) {
	var (
		rec     Record
		logTime int64
		fixTime int64
		data    string
	)
	err := c.db.QueryRowContext(ctx, c.db.Rebind(
		`SELECT log_time, callsign, fix_time, latitude, longitude, altitude, data
		 FROM chase_log WHERE log_type = ? ORDER BY log_time DESC, id DESC LIMIT 1`),
		string(BalloonTelemetry),
	).Scan(&logTime, &rec.Callsign, &fixTime, &rec.Latitude, &rec.Longitude, &rec.Altitude, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNoTelemetry
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to query last telemetry: %w", err)
	}

	rec.Type = BalloonTelemetry
	rec.LogTime = time.Unix(0, logTime).UTC()
	if fixTime != 0 {
		rec.Time = time.Unix(0, fixTime).UTC()
	}
	rec.Data = json.RawMessage(data)
	return rec, nil
}
