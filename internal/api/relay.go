package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Dashboard event types.
const (
	EventOrderPlaced    = "ORDER_PLACED"
	EventOrderFilled    = "ORDER_FILLED"
	EventOrderCancelled = "ORDER_CANCELLED"
	EventPositionUpdate = "POSITION_UPDATE"
	EventMarketSwitch   = "MARKET_SWITCH"
	EventPriceUpdate    = "PRICE_UPDATE"
	EventLogMessage     = "LOG_MESSAGE"
)

// DashboardEvent is the wrapper for everything sent to the dashboard.
type DashboardEvent struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	MarketSlug string    `json:"market_slug,omitempty"`
	Data       any       `json:"data,omitempty"`
}

const relayQueueSize = 100

// Relay forwards events to an external dashboard. The dashboard is a
// convenience surface only: the queue is bounded, the oldest event is
// dropped when it fills, and delivery failures never reach the trading
// path.
type Relay struct {
	http    *resty.Client
	url     string
	logger  *slog.Logger
	queue   chan DashboardEvent
	stopped chan struct{}
	once    sync.Once
}

// NewRelay creates a relay posting to url. An empty url disables the
// relay; Publish becomes a no-op.
func NewRelay(url string, logger *slog.Logger) *Relay {
	r := &Relay{
		url:     url,
		logger:  logger.With("component", "dashboard_relay"),
		queue:   make(chan DashboardEvent, relayQueueSize),
		stopped: make(chan struct{}),
	}
	if url != "" {
		r.http = resty.New().SetTimeout(5 * time.Second)
	}
	return r
}

// Publish enqueues an event. Never blocks; when the queue is full the
// oldest event is dropped to make room.
func (r *Relay) Publish(eventType, marketSlug string, data any) {
	if r.url == "" {
		return
	}
	ev := DashboardEvent{
		Type:       eventType,
		Timestamp:  time.Now(),
		MarketSlug: marketSlug,
		Data:       data,
	}
	select {
	case r.queue <- ev:
	default:
		select {
		case <-r.queue:
		default:
		}
		select {
		case r.queue <- ev:
		default:
		}
	}
}

// Run drains the queue until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	defer r.once.Do(func() { close(r.stopped) })
	if r.url == "" {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			r.send(ctx, ev)
		}
	}
}

// send posts one event. Failures are logged at debug and dropped; the
// dashboard being down must not affect trading.
func (r *Relay) send(ctx context.Context, ev DashboardEvent) {
	resp, err := r.http.R().
		SetContext(ctx).
		SetBody(ev).
		Post(r.url)
	if err != nil {
		r.logger.Debug("dashboard post failed", "type", ev.Type, "error", err)
		return
	}
	if resp.StatusCode() >= 300 {
		r.logger.Debug("dashboard rejected event", "type", ev.Type, "status", resp.StatusCode())
	}
}
