// ws_market.go implements the public market-data feed.
//
// One connection multiplexes all subscribed token IDs. Incoming "book"
// snapshots and "price_change" deltas are applied to the local BookSet
// atomically before any derived BookUpdate or TradeTick is emitted, so
// consumers never observe a book mid-mutation.
package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"polymarket-hedger/internal/market"
	"polymarket-hedger/pkg/types"
)

const marketStaleTimeout = 60 * time.Second

// MarketFeed maintains the market-channel WebSocket and the local books.
type MarketFeed struct {
	ws    *wsConn
	books *market.BookSet

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // token IDs

	bookCh  chan types.BookUpdate
	tradeCh chan types.TradeTick

	logger *slog.Logger
}

// NewMarketFeed creates the feed. Books are owned here; other components
// read them through Books().
func NewMarketFeed(wsURL string, logger *slog.Logger) *MarketFeed {
	f := &MarketFeed{
		books:      market.NewBookSet(),
		subscribed: make(map[string]bool),
		bookCh:     make(chan types.BookUpdate, wsEventBufferSize),
		tradeCh:    make(chan types.TradeTick, wsEventBufferSize),
		logger:     logger.With("component", "ws_market"),
	}
	f.ws = &wsConn{
		url:          wsURL,
		channel:      "market",
		staleTimeout: marketStaleTimeout,
		onConnect:    f.sendFullSubscription,
		onMessage:    f.dispatch,
		logger:       f.logger,
	}
	return f
}

// Run maintains the connection until ctx is cancelled.
func (f *MarketFeed) Run(ctx context.Context) error {
	return f.ws.Run(ctx)
}

// Close force-closes the socket.
func (f *MarketFeed) Close() error { return f.ws.Close() }

// Books returns the local book index.
func (f *MarketFeed) Books() *market.BookSet { return f.books }

// BookUpdates returns the derived book-update stream.
func (f *MarketFeed) BookUpdates() <-chan types.BookUpdate { return f.bookCh }

// Trades returns the public trade-tick stream.
func (f *MarketFeed) Trades() <-chan types.TradeTick { return f.tradeCh }

// AddTokens subscribes additional token IDs. Already-subscribed IDs are
// dropped; new ones get an incremental subscribe without reconnecting.
func (f *MarketFeed) AddTokens(ids []string) error {
	f.subscribedMu.Lock()
	var fresh []string
	for _, id := range ids {
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
	err := f.ws.writeJSON(types.WSUpdateMsg{AssetIDs: fresh, Operation: "subscribe"})
	if err != nil {
		// Not connected yet: the full subscription on connect covers them.
		f.logger.Debug("incremental subscribe deferred", "tokens", len(fresh), "error", err)
		return nil
	}
	f.logger.Info("subscribed tokens", "count", len(fresh))
	return nil
}

// AvailableQtyAtOrBelow sums ask size at or below maxPrice (ceiled to the
// next cent) for a token. Zero when the book is unknown.
func (f *MarketFeed) AvailableQtyAtOrBelow(tokenID string, maxPrice float64) float64 {
	b, ok := f.books.Lookup(tokenID)
	if !ok {
		return 0
	}
	return b.AvailableQtyAtOrBelow(maxPrice)
}

func (f *MarketFeed) sendFullSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	return f.ws.writeJSON(types.WSSubscribeMsg{Type: "MARKET", AssetIDs: ids})
}

func (f *MarketFeed) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		f.applyBook(evt)

	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		f.applyPriceChanges(evt)

	case "last_trade_price":
		var evt types.WSLastTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal last_trade_price event", "error", err)
			return
		}
		f.applyTrade(evt)

	case "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

// applyBook replaces one token's book and emits the derived update.
func (f *MarketFeed) applyBook(evt types.WSBookEvent) {
	b := f.books.Get(evt.AssetID)
	b.ApplySnapshot(evt.BidLevels(), evt.AskLevels(), evt.Hash)
	f.emitBookUpdate(b)
}

// applyPriceChanges applies all deltas in the event, then emits one update
// per touched token.
func (f *MarketFeed) applyPriceChanges(evt types.WSPriceChangeEvent) {
	touched := make(map[string]*market.Book)
	for _, pc := range evt.PriceChanges {
		price, err1 := strconv.ParseFloat(pc.Price, 64)
		size, err2 := strconv.ParseFloat(pc.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		b := f.books.Get(pc.AssetID)
		b.ApplyChange(pc.Side, price, size)
		touched[pc.AssetID] = b
	}
	for _, b := range touched {
		f.emitBookUpdate(b)
	}
}

func (f *MarketFeed) emitBookUpdate(b *market.Book) {
	update := types.BookUpdate{
		TokenID:   b.TokenID(),
		BestBid:   b.BestBid(),
		BestAsk:   b.BestAsk(),
		Timestamp: time.Now(),
	}
	select {
	case f.bookCh <- update:
	default:
		f.logger.Warn("book channel full, dropping event", "token", update.TokenID)
	}
}

func (f *MarketFeed) applyTrade(evt types.WSLastTradeEvent) {
	price, _ := strconv.ParseFloat(evt.Price, 64)
	size, _ := strconv.ParseFloat(evt.Size, 64)
	b := f.books.Get(evt.AssetID)
	tick := types.TradeTick{
		TokenID:   evt.AssetID,
		Price:     price,
		Size:      size,
		Side:      evt.Side,
		BestBid:   b.BestBid(),
		BestAsk:   b.BestAsk(),
		Timestamp: time.Now(),
	}
	select {
	case f.tradeCh <- tick:
	default:
		f.logger.Warn("trade channel full, dropping event", "token", evt.AssetID)
	}
}
