// Package events fans chase events out to live subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unklstewy/balloon-chase/internal/metrics"
)

// Event types delivered to clients.
const (
	TypeTelemetry       = "telemetry_event"
	TypePredictorUpdate = "predictor_update"
	TypePredictorStatus = "predictor_status"
	TypePredictorModel  = "predictor_model_update"
	TypeBearingChange   = "bearing_change"
	TypeBearingsCleared = "bearings_cleared"
	TypePayloadsCleared = "payloads_cleared"
	TypeCarCleared      = "car_cleared"
	TypeSettings        = "server_settings_update"
	TypeLog             = "log_event"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Event is one message on the hub.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	Time time.Time `json:"time"`
}

// Subscription receives events until it is closed.
type Subscription struct {
	ID uuid.UUID

	ch   chan Event
	once sync.Once
}

// C returns the event channel. It is closed by Unsubscribe or Hub.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithMetrics records subscriber counts and drops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// Hub broadcasts events. Publish never blocks: a subscriber whose queue is
// full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool

	buffer  int
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[uuid.UUID]*Subscription),
		buffer: DefaultBuffer,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber. Subscribing to a closed hub returns
// a subscription whose channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{ID: uuid.New(), ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close()
		return s
	}
	h.subs[s.ID] = s
	h.metrics.SetHubSubscribers(len(h.subs))
	h.log.Debug("subscriber added", slog.String("id", s.ID.String()))
	return s
}

// Unsubscribe removes s and closes its channel.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; ok {
		delete(h.subs, s.ID)
		h.metrics.SetHubSubscribers(len(h.subs))
		h.log.Debug("subscriber removed", slog.String("id", s.ID.String()))
	}
	s.close()
}

// Publish sends an event of type typ to every subscriber.
func (h *Hub) Publish(typ string, data any) {
	ev := Event{Type: typ, Data: data, Time: h.now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.metrics.IncHubDropped()
			h.log.Debug("dropped event for slow subscriber",
				slog.String("id", s.ID.String()), slog.String("type", typ))
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		s.close()
		delete(h.subs, id)
	}
	h.metrics.SetHubSubscribers(0)
}
