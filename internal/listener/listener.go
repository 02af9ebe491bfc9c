// Package listener receives Horus UDP broadcast packets and feeds payload,
// chase car and bearing fixes into the chase service.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/unklstewy/balloon-chase/internal/events"
	"github.com/unklstewy/balloon-chase/pkg/bearings"
	"github.com/unklstewy/balloon-chase/pkg/track"
)

// Packet types handled by the listener. Other types are ignored.
const (
	TypePayloadSummary   = "PAYLOAD_SUMMARY"
	TypePayloadTelemetry = "PAYLOAD_TELEMETRY"
	TypeGPS              = "GPS"
	TypeBearing          = bearings.MessageType
)

// MaxPacketSize is the largest JSON packet accepted.
const MaxPacketSize = 32768

// DefaultPort is the Horus UDP broadcast port.
const DefaultPort = 55672

// ErrMalformedPacket is returned by HandlePacket for packets that are not
// valid JSON or are missing required fields.
var ErrMalformedPacket = errors.New("listener: malformed packet")

// Handler receives decoded fixes.
type Handler interface {
	AddPayloadFix(callsign string, fix track.Fix) (events.Telemetry, error)
	AddCarFix(fix track.Fix) (events.Telemetry, error)
	AddBearing(in bearings.Input) error
}

// Config contains configuration options for the UDP listener.
type Config struct {
	// Address is the host:port to bind
	Address string

	// RcvBuf is the socket receive buffer size; 0 keeps the OS default
	RcvBuf int

	Handler Handler
	Logger  *slog.Logger

	// Now is the clock used to date packets without a timestamp
	Now func() time.Time
}

// Listener reads packets from a bound UDP socket.
type Listener struct {
	conn    *net.UDPConn
	handler Handler
	log     *slog.Logger
	now     func() time.Time
}

// Listen binds the UDP socket described by cfg.
func Listen(cfg Config) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(cfg.RcvBuf); err != nil {
			logger.Warn("failed to set UDP receive buffer", slog.Int("size", cfg.RcvBuf), slog.Any("error", err))
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Listener{conn: conn, handler: cfg.Handler, log: logger, now: now}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Serve handles packets until ctx is done, then closes the socket.
// Bad packets are logged and skipped.
func (l *Listener) Serve(ctx context.Context) error {
	defer l.conn.Close()
	l.log.Info("UDP listener started", slog.String("address", l.Addr().String()))

	buffer := make([]byte, MaxPacketSize)
	for {
		if ctx.Err() != nil {
			l.log.Info("UDP listener stopped")
			return nil
		}

		// Read deadline lets the loop notice cancellation
		_ = l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read UDP packet: %w", err)
		}

		if err := l.HandlePacket(buffer[:n]); err != nil {
			l.log.Warn("could not handle packet", slog.String("from", addr.String()), slog.Any("error", err))
		}
	}
}

// Close releases the socket. Serve returns after Close.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// positionPacket covers the fields of payload and GPS packets.
type positionPacket struct {
	Type       string   `json:"type"`
	Callsign   string   `json:"callsign"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Altitude   float64  `json:"altitude"`
	Time       string   `json:"time"`
	TimeString string   `json:"time_string"`
	Heading    *float64 `json:"heading"`
}

// bearingPacket accepts the source timestamp as epoch seconds or RFC 3339.
type bearingPacket struct {
	bearings.Input
	Timestamp any `json:"timestamp"`
}

// HandlePacket decodes one packet and passes it to the handler. Packets of
// other types are ignored.
func (l *Listener) HandlePacket(packet []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(packet, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	switch head.Type {
	case TypePayloadSummary, TypePayloadTelemetry:
		p, err := decodePosition(packet)
		if err != nil {
			return err
		}
		ts := p.Time
		if head.Type == TypePayloadTelemetry && p.TimeString != "" {
			ts = p.TimeString
		}
		fixTime := l.now().UTC()
		if ts != "" {
			if fixTime, err = FixDateTime(ts, l.now()); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
			}
		}
		l.log.Info("payload position",
			slog.String("callsign", p.Callsign),
			slog.Float64("lat", *p.Latitude), slog.Float64("lon", *p.Longitude), slog.Float64("alt", p.Altitude))
		_, err = l.handler.AddPayloadFix(p.Callsign, track.Fix{Sample: track.Sample{
			Time:      fixTime,
			Latitude:  *p.Latitude,
			Longitude: *p.Longitude,
			Altitude:  p.Altitude,
			Label:     p.Callsign,
		}})
		return err

	case TypeGPS:
		p, err := decodePosition(packet)
		if err != nil {
			return err
		}
		l.log.Debug("car position", slog.Float64("lat", *p.Latitude), slog.Float64("lon", *p.Longitude))
		_, err = l.handler.AddCarFix(track.Fix{
			Sample: track.Sample{
				Time:      l.now().UTC(),
				Latitude:  *p.Latitude,
				Longitude: *p.Longitude,
				Altitude:  p.Altitude,
				Label:     events.CarCallsign,
			},
			Heading: p.Heading,
		})
		return err

	case TypeBearing:
		var b bearingPacket
		if err := json.Unmarshal(packet, &b); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		in := b.Input
		if ts, ok := parseTimestamp(b.Timestamp); ok {
			in.Timestamp = &ts
		}
		return l.handler.AddBearing(in)

	default:
		return nil
	}
}

func decodePosition(packet []byte) (positionPacket, error) {
	var p positionPacket
	if err := json.Unmarshal(packet, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if p.Latitude == nil || p.Longitude == nil {
		return p, fmt.Errorf("%w: missing latitude or longitude", ErrMalformedPacket)
	}
	return p, nil
}

func parseTimestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case float64:
		sec := int64(ts)
		return time.Unix(sec, int64((ts-float64(sec))*1e9)).UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		return t.UTC(), err == nil
	default:
		return time.Time{}, false
	}
}

// FixDateTime completes a telemetry timestamp. Full RFC 3339 timestamps are
// parsed as given. A bare "HH:MM:SS" time takes its date from now (UTC),
// moved by a day when the time and now straddle midnight.
func FixDateTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "T-") {
		if !strings.HasSuffix(s, "Z") && !strings.Contains(s, "+") && strings.Count(s, "-") <= 2 {
			s += "Z"
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return t.UTC(), nil
	}

	s = strings.TrimSuffix(s, "Z")
	clock, err := time.Parse("15:04:05.999999999", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}

	now = now.UTC()
	t := time.Date(now.Year(), now.Month(), now.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), clock.Nanosecond(), time.UTC)
	switch {
	case t.Hour() == 23 && now.Hour() == 0:
		t = t.AddDate(0, 0, -1)
	case t.Hour() == 0 && now.Hour() == 23:
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}
