// ws_user.go implements the authenticated user-channel feed.
//
// A venue "trade" event can match several of our resting orders at once; it
// fans out into one OrderFill per maker order, plus one for the taker order
// when that is ours. Events for one order ID arrive in venue order; no
// cross-order ordering is assumed anywhere downstream.
package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"polymarket-hedger/pkg/types"
)

// The user channel is far less chatty than the market channel, so staleness
// is only declared after 90s of silence.
const userStaleTimeout = 90 * time.Second

// UserFeed maintains the user-channel WebSocket.
type UserFeed struct {
	ws   *wsConn
	auth *Auth

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // condition IDs
	connectedOnce bool

	fillCh      chan types.OrderFill
	orderCh     chan types.OrderUpdate
	reconnectCh chan struct{}

	logger *slog.Logger
}

// NewUserFeed creates the authenticated feed.
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *UserFeed {
	f := &UserFeed{
		auth:        auth,
		subscribed:  make(map[string]bool),
		fillCh:      make(chan types.OrderFill, wsOrderBufferSize),
		orderCh:     make(chan types.OrderUpdate, wsOrderBufferSize),
		reconnectCh: make(chan struct{}, 1),
		logger:      logger.With("component", "ws_user"),
	}
	f.ws = &wsConn{
		url:          wsURL,
		channel:      "user",
		staleTimeout: userStaleTimeout,
		onConnect:    f.sendFullSubscription,
		onMessage:    f.dispatch,
		logger:       f.logger,
	}
	return f
}

// Run maintains the connection until ctx is cancelled.
func (f *UserFeed) Run(ctx context.Context) error {
	return f.ws.Run(ctx)
}

// Close force-closes the socket.
func (f *UserFeed) Close() error { return f.ws.Close() }

// Fills returns the per-order fill stream.
func (f *UserFeed) Fills() <-chan types.OrderFill { return f.fillCh }

// OrderUpdates returns the order lifecycle stream.
func (f *UserFeed) OrderUpdates() <-chan types.OrderUpdate { return f.orderCh }

// Reconnects signals each re-established connection after the first, so the
// strategy can reconcile open orders for fills missed during the gap.
func (f *UserFeed) Reconnects() <-chan struct{} { return f.reconnectCh }

// AddMarkets subscribes additional condition IDs, incrementally when
// already connected.
func (f *UserFeed) AddMarkets(conditionIDs []string) error {
	f.subscribedMu.Lock()
	var fresh []string
	for _, id := range conditionIDs {
		if id == "" || f.subscribed[id] {
			continue
		}
		f.subscribed[id] = true
		fresh = append(fresh, id)
	}
	f.subscribedMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := f.ws.writeJSON(types.WSUpdateMsg{Markets: fresh, Operation: "subscribe"}); err != nil {
		f.logger.Debug("incremental subscribe deferred", "markets", len(fresh), "error", err)
	}
	return nil
}

// RemoveMarkets unsubscribes condition IDs.
func (f *UserFeed) RemoveMarkets(conditionIDs []string) error {
	f.subscribedMu.Lock()
	for _, id := range conditionIDs {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()
	return f.ws.writeJSON(types.WSUpdateMsg{Markets: conditionIDs, Operation: "unsubscribe"})
}

func (f *UserFeed) sendFullSubscription() error {
	f.subscribedMu.Lock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	reconnect := f.connectedOnce
	f.connectedOnce = true
	f.subscribedMu.Unlock()

	err := f.ws.writeJSON(types.WSSubscribeMsg{
		Type:    "user",
		Auth:    f.auth.WSAuthPayload(),
		Markets: ids,
	})
	if err == nil && reconnect {
		select {
		case f.reconnectCh <- struct{}{}:
		default:
		}
	}
	return err
}

func (f *UserFeed) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "trade":
		var evt types.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		f.fanOutFills(evt)

	case "order":
		var evt types.WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		f.emitOrderUpdate(evt)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

// fanOutFills derives one OrderFill per matched maker order, plus one for
// the taker order when present.
func (f *UserFeed) fanOutFills(evt types.WSTradeEvent) {
	now := time.Now()
	tradePrice, _ := strconv.ParseFloat(evt.Price, 64)
	tradeSize, _ := strconv.ParseFloat(evt.Size, 64)

	for _, maker := range evt.MakerOrders {
		price, _ := strconv.ParseFloat(maker.Price, 64)
		size, _ := strconv.ParseFloat(maker.MatchedAmount, 64)
		f.emitFill(types.OrderFill{
			OrderID:   maker.OrderID,
			Market:    evt.Market,
			AssetID:   maker.AssetID,
			Side:      evt.Side,
			Price:     price,
			Size:      size,
			Status:    evt.Status,
			Timestamp: now,
		})
	}

	if evt.TakerOrderID != "" {
		f.emitFill(types.OrderFill{
			OrderID:   evt.TakerOrderID,
			Market:    evt.Market,
			AssetID:   evt.AssetID,
			Side:      evt.Side,
			Price:     tradePrice,
			Size:      tradeSize,
			Status:    evt.Status,
			Timestamp: now,
		})
	}
}

func (f *UserFeed) emitFill(fill types.OrderFill) {
	select {
	case f.fillCh <- fill:
	default:
		f.logger.Warn("fill channel full, dropping event", "order", fill.OrderID)
	}
}

func (f *UserFeed) emitOrderUpdate(evt types.WSOrderEvent) {
	price, _ := strconv.ParseFloat(evt.Price, 64)
	matched, _ := strconv.ParseFloat(evt.SizeMatched, 64)
	original, _ := strconv.ParseFloat(evt.OriginalSize, 64)
	update := types.OrderUpdate{
		OrderID:      evt.ID,
		Type:         evt.Type,
		Market:       evt.Market,
		AssetID:      evt.AssetID,
		Side:         evt.Side,
		Price:        price,
		SizeMatched:  matched,
		OriginalSize: original,
		Timestamp:    time.Now(),
	}
	select {
	case f.orderCh <- update:
	default:
		f.logger.Warn("order channel full, dropping event", "order", evt.ID)
	}
}
