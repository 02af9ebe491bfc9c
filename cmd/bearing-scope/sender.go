package main

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/unklstewy/balloon-chase/pkg/bearings"
)

// DefaultSource tags bearings entered by clock position.
const DefaultSource = "o_clock_entry"

// OClockBearing converts a clock position (1-12) to a relative bearing in
// degrees, with 12 o'clock dead ahead.
func OClockBearing(hour int) float64 {
	return float64((hour%12+12)%12) * 30
}

// bearingPacket is the UDP packet the chase server's listener accepts.
type bearingPacket struct {
	Type            string  `json:"type"`
	Bearing         float64 `json:"bearing"`
	BearingType     string  `json:"bearing_type"`
	Source          string  `json:"source"`
	HeadingOverride bool    `json:"heading_override,omitempty"`
}

// Sender sends relative bearings to the chase server's UDP port.
type Sender struct {
	conn   net.Conn
	source string
}

// NewSender dials addr ("host:port").
func NewSender(addr, source string) (*Sender, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if source == "" {
		source = DefaultSource
	}
	return &Sender{conn: conn, source: source}, nil
}

// SendOClock sends the bearing for a clock position and returns it.
func (s *Sender) SendOClock(hour int) (float64, error) {
	bearing := OClockBearing(hour)
	data, err := json.Marshal(bearingPacket{
		Type:            bearings.MessageType,
		Bearing:         bearing,
		BearingType:     bearings.Relative,
		Source:          s.source,
		HeadingOverride: true,
	})
	if err != nil {
		return 0, err
	}
	if _, err := s.conn.Write(data); err != nil {
		return 0, fmt.Errorf("failed to send bearing: %w", err)
	}
	return bearing, nil
}

// Close releases the socket.
func (s *Sender) Close() error { return s.conn.Close() }
