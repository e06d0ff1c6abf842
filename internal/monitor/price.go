// Package monitor watches market prices and the operator's settlement
// balance, turning raw feed data into the triggers the strategy acts on.
//
// The price monitor caches both outcome slots per market. Triggers latch:
// a sell trigger fires once per side, game end exactly once per market, the
// stop loss once per market. Game-end confirmation never trusts the
// WebSocket alone; a fresh HTTP book probe must agree before the event is
// emitted, defending against a stale feed reporting a settled price.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"polymarket-hedger/pkg/types"
)

// BookProber fetches a fresh order book over HTTP, bypassing the WS cache.
type BookProber interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// PriceRecorder persists informational price samples. Optional.
type PriceRecorder interface {
	RecordPrice(ctx context.Context, tokenID string, price float64) error
}

// Config tunes trigger thresholds.
type Config struct {
	SellThresholds       map[string]float64 // per sport
	DefaultSellThreshold float64
	GameEndBid           float64       // 0.99
	StopLossThreshold    float64       // 0 disables
	FreshProbeTimeout    time.Duration // per-probe HTTP deadline
}

// freshProbeRate caps fresh HTTP probes at 10 per second across all markets.
const freshProbeRate = 10

// mismatchLogThreshold is the WS-vs-fresh gap worth logging.
const mismatchLogThreshold = 0.05

// winnerDropLevels are the informational price levels whose crossing is
// logged after the loser has been sold.
var winnerDropLevels = []float64{0.50, 0.40, 0.30}

type sideSlot struct {
	side       types.MarketSide
	tokenID    string
	bestBid    float64
	bestAsk    float64
	updatedAt  time.Time
	fired      bool // sell trigger latch
	sold       bool
	entryPrice float64

	dropLogged   bool            // >10% drop from entry logged
	levelsLogged map[float64]bool // crossed winnerDropLevels logged
}

type marketSlot struct {
	desc    types.MarketDescriptor
	up      *sideSlot
	down    *sideSlot
	ended   bool
	probing bool
	stopped bool // stop-loss latch
}

func (m *marketSlot) slotFor(tokenID string) *sideSlot {
	switch tokenID {
	case m.up.tokenID:
		return m.up
	case m.down.tokenID:
		return m.down
	}
	return nil
}

func (m *marketSlot) other(s *sideSlot) *sideSlot {
	if s == m.up {
		return m.down
	}
	return m.up
}

// PriceMonitor tracks registered markets and emits trigger events.
type PriceMonitor struct {
	cfg      Config
	prober   BookProber
	recorder PriceRecorder // may be nil
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu      sync.Mutex
	markets map[string]*marketSlot // keyed by slug
	byToken map[string]*marketSlot

	freshProbes atomic.Int64

	priceCh    chan types.PriceUpdate
	sellCh     chan types.SellTrigger
	gameEndCh  chan types.GameEnded
	stopLossCh chan types.StopLossTrigger
	winnerCh   chan types.WinnerPriceLog
}

// NewPriceMonitor creates a monitor. recorder may be nil.
func NewPriceMonitor(cfg Config, prober BookProber, recorder PriceRecorder, logger *slog.Logger) *PriceMonitor {
	if cfg.GameEndBid == 0 {
		cfg.GameEndBid = 0.99
	}
	if cfg.FreshProbeTimeout == 0 {
		cfg.FreshProbeTimeout = 5 * time.Second
	}
	return &PriceMonitor{
		cfg:      cfg,
		prober:   prober,
		recorder: recorder,
		limiter:  rate.NewLimiter(rate.Limit(freshProbeRate), freshProbeRate),
		logger:   logger.With("component", "price_monitor"),
		markets:  make(map[string]*marketSlot),
		byToken:  make(map[string]*marketSlot),

		priceCh:    make(chan types.PriceUpdate, 256),
		sellCh:     make(chan types.SellTrigger, 32),
		gameEndCh:  make(chan types.GameEnded, 32),
		stopLossCh: make(chan types.StopLossTrigger, 8),
		winnerCh:   make(chan types.WinnerPriceLog, 32),
	}
}

// PriceUpdates returns the per-change price stream.
func (p *PriceMonitor) PriceUpdates() <-chan types.PriceUpdate { return p.priceCh }

// SellTriggers returns the sell-trigger stream.
func (p *PriceMonitor) SellTriggers() <-chan types.SellTrigger { return p.sellCh }

// GameEndEvents returns the confirmed game-end stream.
func (p *PriceMonitor) GameEndEvents() <-chan types.GameEnded { return p.gameEndCh }

// StopLossTriggers returns the stop-loss stream.
func (p *PriceMonitor) StopLossTriggers() <-chan types.StopLossTrigger { return p.stopLossCh }

// WinnerLogs returns the informational winner-drop stream.
func (p *PriceMonitor) WinnerLogs() <-chan types.WinnerPriceLog { return p.winnerCh }

// FreshProbeCount returns how many fresh HTTP probes have been issued.
func (p *PriceMonitor) FreshProbeCount() int64 { return p.freshProbes.Load() }

// Track registers a market's two outcome slots.
func (p *PriceMonitor) Track(desc types.MarketDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.markets[desc.Slug]; ok {
		return
	}
	slot := &marketSlot{
		desc: desc,
		up:   &sideSlot{side: types.SideUp, tokenID: desc.UpTokenID, levelsLogged: make(map[float64]bool)},
		down: &sideSlot{side: types.SideDown, tokenID: desc.DownTokenID, levelsLogged: make(map[float64]bool)},
	}
	p.markets[desc.Slug] = slot
	p.byToken[desc.UpTokenID] = slot
	p.byToken[desc.DownTokenID] = slot
	p.logger.Info("tracking market", "slug", desc.Slug, "sport", desc.Sport)
}

// Untrack removes a market.
func (p *PriceMonitor) Untrack(slug string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.markets[slug]
	if !ok {
		return
	}
	delete(p.byToken, slot.up.tokenID)
	delete(p.byToken, slot.down.tokenID)
	delete(p.markets, slug)
}

// SetEntryPrice records the entry for a side, the reference for winner-drop
// logging.
func (p *PriceMonitor) SetEntryPrice(slug string, side types.MarketSide, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot, ok := p.markets[slug]; ok {
		if side == types.SideUp {
			slot.up.entryPrice = price
		} else {
			slot.down.entryPrice = price
		}
	}
}

// MarkSold marks a side as sold. Its sell trigger will not fire again and
// the remaining side becomes the logged winner.
func (p *PriceMonitor) MarkSold(slug string, side types.MarketSide) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot, ok := p.markets[slug]; ok {
		if side == types.SideUp {
			slot.up.sold = true
		} else {
			slot.down.sold = true
		}
	}
}

// sellThreshold resolves the per-sport threshold with the global fallback.
func (p *PriceMonitor) sellThreshold(sport string) float64 {
	if t, ok := p.cfg.SellThresholds[sport]; ok {
		return t
	}
	return p.cfg.DefaultSellThreshold
}

// OnBookUpdate feeds one market-data update into the monitor. The book has
// already been applied by the feed; this evaluates triggers on the new tops.
func (p *PriceMonitor) OnBookUpdate(ctx context.Context, update types.BookUpdate) {
	p.mu.Lock()
	slot, ok := p.byToken[update.TokenID]
	if !ok {
		p.mu.Unlock()
		return
	}
	side := slot.slotFor(update.TokenID)
	changed := side.bestBid != update.BestBid || side.bestAsk != update.BestAsk
	side.bestBid = update.BestBid
	side.bestAsk = update.BestAsk
	side.updatedAt = update.Timestamp

	var events []any
	if changed {
		events = append(events, types.PriceUpdate{
			MarketSlug: slot.desc.Slug,
			TokenID:    update.TokenID,
			Side:       side.side,
			BestBid:    update.BestBid,
			BestAsk:    update.BestAsk,
			Timestamp:  update.Timestamp,
		})
	}
	events = append(events, p.evaluateLocked(slot, side)...)
	probe := p.shouldProbeLocked(slot, side)
	p.mu.Unlock()

	for _, evt := range events {
		p.emit(evt)
	}
	if changed && p.recorder != nil {
		if err := p.recorder.RecordPrice(ctx, update.TokenID, update.BestBid); err != nil {
			p.logger.Debug("record price", "error", err)
		}
	}
	if probe {
		go p.confirmGameEnd(ctx, slot.desc.Slug, update.TokenID)
	}
}

// evaluateLocked checks sell, stop-loss, and winner-drop conditions.
// Caller holds mu.
func (p *PriceMonitor) evaluateLocked(slot *marketSlot, side *sideSlot) []any {
	var events []any
	now := time.Now()

	// Sell trigger: once per side, only while the market is live.
	threshold := p.sellThreshold(slot.desc.Sport)
	other := slot.other(side)
	if !slot.ended && !side.fired && !side.sold &&
		side.bestBid > 0 && side.bestBid < threshold {
		side.fired = true
		events = append(events, types.SellTrigger{
			MarketSlug:     slot.desc.Slug,
			LosingSide:     side.side,
			LosingTokenID:  side.tokenID,
			LosingBid:      side.bestBid,
			WinningSide:    other.side,
			WinningTokenID: other.tokenID,
			WinningBid:     other.bestBid,
			Timestamp:      now,
		})
	}

	// Stop loss: both bids below the configured threshold, once.
	if p.cfg.StopLossThreshold > 0 && !slot.stopped &&
		slot.up.bestBid > 0 && slot.up.bestBid < p.cfg.StopLossThreshold &&
		slot.down.bestBid > 0 && slot.down.bestBid < p.cfg.StopLossThreshold {
		slot.stopped = true
		events = append(events, types.StopLossTrigger{
			MarketSlug: slot.desc.Slug,
			Bid1:       slot.up.bestBid,
			Bid2:       slot.down.bestBid,
			Timestamp:  now,
		})
	}

	// Winner-drop logging: informational only, after the other side sold.
	if other.sold && !side.sold && side.entryPrice > 0 {
		if !side.dropLogged && side.bestBid > 0 &&
			side.bestBid < side.entryPrice*0.9 {
			side.dropLogged = true
			events = append(events, types.WinnerPriceLog{
				MarketSlug: slot.desc.Slug,
				TokenID:    side.tokenID,
				Price:      side.bestBid,
				EntryPrice: side.entryPrice,
				Reason:     "drop_from_entry",
				Timestamp:  now,
			})
		}
		for _, level := range winnerDropLevels {
			if side.bestBid > 0 && side.bestBid < level &&
				side.entryPrice >= level && !side.levelsLogged[level] {
				side.levelsLogged[level] = true
				events = append(events, types.WinnerPriceLog{
					MarketSlug: slot.desc.Slug,
					TokenID:    side.tokenID,
					Price:      side.bestBid,
					EntryPrice: side.entryPrice,
					Reason:     "crossed_level",
					Timestamp:  now,
				})
			}
		}
	}
	return events
}

// shouldProbeLocked reserves the game-end probe for this market when the
// side's bid has reached the threshold. Caller holds mu.
func (p *PriceMonitor) shouldProbeLocked(slot *marketSlot, side *sideSlot) bool {
	if slot.ended || slot.probing || side.bestBid < p.cfg.GameEndBid {
		return false
	}
	slot.probing = true
	return true
}

// confirmGameEnd issues the fresh HTTP probe and emits GameEnded only when
// the fresh bid agrees with the WebSocket.
func (p *PriceMonitor) confirmGameEnd(ctx context.Context, slug, winnerToken string) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.FreshProbeTimeout)
	defer cancel()

	fresh, err := p.FetchFreshPrice(probeCtx, winnerToken)

	p.mu.Lock()
	slot, ok := p.markets[slug]
	if !ok {
		p.mu.Unlock()
		return
	}
	slot.probing = false
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn("game-end probe failed", "slug", slug, "error", err)
		return
	}
	if fresh < p.cfg.GameEndBid {
		p.mu.Unlock()
		p.logger.Warn("stale websocket price, game end not confirmed",
			"slug", slug, "fresh_bid", fresh)
		return
	}
	if slot.ended {
		p.mu.Unlock()
		return
	}
	slot.ended = true
	winner := slot.slotFor(winnerToken)
	loser := slot.other(winner)
	evt := types.GameEnded{
		MarketSlug:    slug,
		Winner:        winner.side,
		WinnerTokenID: winner.tokenID,
		WinnerPrice:   fresh,
		Loser:         loser.side,
		LoserTokenID:  loser.tokenID,
		LoserPrice:    1 - fresh,
		Timestamp:     time.Now(),
	}
	p.mu.Unlock()

	p.logger.Info("game ended", "slug", slug, "winner", evt.Winner, "price", fresh)
	p.emit(evt)
}

// FetchFreshPrice reads the best bid for a token over HTTP, limited to 10
// calls per second process-wide. A gap of 5 cents or more against the cache
// is logged and the cache overwritten.
func (p *PriceMonitor) FetchFreshPrice(ctx context.Context, tokenID string) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	p.freshProbes.Add(1)

	book, err := p.prober.GetOrderBook(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	fresh := bestBidOf(book)

	p.mu.Lock()
	if slot, ok := p.byToken[tokenID]; ok {
		side := slot.slotFor(tokenID)
		if side.bestBid > 0 && math.Abs(side.bestBid-fresh) >= mismatchLogThreshold {
			p.logger.Warn("cached price diverges from fresh probe",
				"token", tokenID, "cached", side.bestBid, "fresh", fresh)
		}
		side.bestBid = fresh
		side.updatedAt = time.Now()
	}
	p.mu.Unlock()
	return fresh, nil
}

// CachedBid returns the cached best bid and its age for a token. When the
// cache reads zero or is older than a minute, callers should fall back to
// FetchFreshPrice.
func (p *PriceMonitor) CachedBid(tokenID string) (bid float64, age time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, found := p.byToken[tokenID]
	if !found {
		return 0, 0, false
	}
	side := slot.slotFor(tokenID)
	if side.updatedAt.IsZero() {
		return side.bestBid, 0, false
	}
	return side.bestBid, time.Since(side.updatedAt), true
}

// bestBidOf extracts the best bid from a REST book response. Levels arrive
// in arbitrary order; take the maximum.
func bestBidOf(book *types.BookResponse) float64 {
	var best float64
	for _, lv := range book.Bids {
		if price := parseFloat(lv.Price); price > best {
			best = price
		}
	}
	return best
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (p *PriceMonitor) emit(evt any) {
	switch e := evt.(type) {
	case types.PriceUpdate:
		select {
		case p.priceCh <- e:
		default:
		}
	case types.SellTrigger:
		select {
		case p.sellCh <- e:
		default:
			p.logger.Warn("sell trigger channel full, dropping", "slug", e.MarketSlug)
		}
	case types.GameEnded:
		select {
		case p.gameEndCh <- e:
		default:
			p.logger.Warn("game end channel full, dropping", "slug", e.MarketSlug)
		}
	case types.StopLossTrigger:
		select {
		case p.stopLossCh <- e:
		default:
			p.logger.Warn("stop loss channel full, dropping", "slug", e.MarketSlug)
		}
	case types.WinnerPriceLog:
		select {
		case p.winnerCh <- e:
		default:
		}
	}
}
