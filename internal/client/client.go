// Package client connects terminal front ends to a chase server's WebSocket
// event stream and keeps a local copy of the chase state.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a server event with its payload left undecoded.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Time time.Time       `json:"time"`
}

// Client is a WebSocket connection to a chase server.
type Client struct {
	base url.URL
	conn *websocket.Conn
	http *http.Client
	log  *slog.Logger

	writeMu sync.Mutex
}

// Dial connects to the server at addr ("host:port").
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base := url.URL{Scheme: "http", Host: addr}
	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL.String(), err)
	}
	return &Client{
		base: base,
		conn: conn,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  logger,
	}, nil
}

// Run reads events and passes each to fn until the connection closes or ctx
// is done. A normal close returns nil.
func (c *Client) Run(ctx context.Context, fn func(Event)) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		_, r, err := c.conn.NextReader()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var cerr *websocket.CloseError
			if errors.As(err, &cerr) &&
				(cerr.Code == websocket.CloseNormalClosure || cerr.Code == websocket.CloseGoingAway) {
				c.log.Info("server closed connection", slog.String("reason", cerr.Text))
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}

		var ev Event
		if err := json.NewDecoder(r).Decode(&ev); err != nil {
			c.log.Warn("undecodable event", slog.Any("error", err))
			continue
		}
		fn(ev)
	}
}

// Send issues a command. data may be nil.
func (c *Client) Send(command string, data any) error {
	msg := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: command, Data: data}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", command, err)
	}
	return nil
}

// Archive fetches the telemetry archive over HTTP.
func (c *Client) Archive(ctx context.Context) (map[string]ArchiveEntry, error) {
	var out map[string]ArchiveEntry
	if err := c.getJSON(ctx, "/get_telemetry_archive", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	u := c.base
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
