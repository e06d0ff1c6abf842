// Package executor is the single entry point for order placement.
//
// It layers fill tracking on top of the raw CLOB client: every buy
// registers a pending-fill slot before the HTTP request goes out, so a
// WS fill event racing ahead of the synchronous response still lands in
// the right slot instead of looking like a timeout.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"polymarket-hedger/internal/market"
	"polymarket-hedger/pkg/types"
)

// Status classifies the outcome of a buy attempt.
type Status string

const (
	StatusFilled      Status = "FILLED"
	StatusPartial     Status = "PARTIAL"
	StatusFailed      Status = "FAILED"
	StatusNoLiquidity Status = "NO_LIQUIDITY"
	StatusKilled      Status = "KILLED"
)

// Result reports what a buy actually achieved.
type Result struct {
	Success      bool
	FilledShares float64
	FilledPrice  float64 // limit price the order went out at
	AvgPrice     float64 // realized average, when the venue reports amounts
	TotalCost    float64
	OrderID      string
	Status       Status
}

// OrderPlacer is the slice of the CLOB client the executor needs.
type OrderPlacer interface {
	PostOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error)
	CancelMarketOrders(ctx context.Context, conditionID, tokenID string) (*types.CancelResponse, error)
	GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error)
}

// LiquiditySource reports ask-side depth, normally the market feed's books.
type LiquiditySource interface {
	AvailableQtyAtOrBelow(tokenID string, maxPrice float64) float64
}

// TradeRecorder persists executed trades. May be nil.
type TradeRecorder interface {
	LogTrade(ctx context.Context, slug, tokenID, side string, price, shares float64, intent, orderID string) error
	InsertScalpOrder(ctx context.Context, orderID, slug, tokenID, side string, price, shares float64) (int64, error)
}

// OnOrderFilled is invoked after a confirmed fill so the strategy can
// update its cycle state.
type OnOrderFilled func(orderID string, shares, price float64, side types.Side)

// ApprovalGuard restores sell approvals after the venue rejects an order
// for balance or allowance reasons. May be nil.
type ApprovalGuard interface {
	InvalidateOnError(err error) bool
	EnsureSellApprovals(ctx context.Context) error
}

// Config tunes chunking and waits. Zero values get sane defaults.
type Config struct {
	LiquidityRatio float64       // available/shares floor, default 1.5
	FillTimeout    time.Duration // WS fill wait, default 5s
	ChunkShares    float64       // flip-buy chunk size, default 20
	ChunkLoops     int           // flip-buy max loops, default 10
	ChunkPause     time.Duration // pause between chunks, default 500ms
	LiquidityWait  time.Duration // intra-chunk wait, default 15s
	SellDelayWait  time.Duration // "delayed" status post-wait, default 4s
}

func (c *Config) applyDefaults() {
	if c.LiquidityRatio <= 0 {
		c.LiquidityRatio = 1.5
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 5 * time.Second
	}
	if c.ChunkShares <= 0 {
		c.ChunkShares = 20
	}
	if c.ChunkLoops <= 0 {
		c.ChunkLoops = 10
	}
	if c.ChunkPause <= 0 {
		c.ChunkPause = 500 * time.Millisecond
	}
	if c.LiquidityWait <= 0 {
		c.LiquidityWait = 15 * time.Second
	}
	if c.SellDelayWait <= 0 {
		c.SellDelayWait = 4 * time.Second
	}
}

// pendingFill is a slot waiting for a WS fill. Until the synchronous
// response returns, the order ID is unknown; early fills match on
// token+side instead.
type pendingFill struct {
	tokenID string
	side    types.Side
	orderID string // set once the HTTP response arrives
	ch      chan types.OrderFill
}

// LockResult reports a GTC lock-order placement.
type LockResult struct {
	OrderID           string
	ImmediatelyFilled float64
	FillPrice         float64
	Resting           bool
}

// Executor places, waits on, and cancels orders for the strategies.
type Executor struct {
	client    OrderPlacer
	liquidity LiquiditySource
	recorder  TradeRecorder
	cfg       Config
	onFilled  OnOrderFilled
	guard     ApprovalGuard
	logger    *slog.Logger

	mu      sync.Mutex
	pending []*pendingFill

	liquidityPoll time.Duration // overridable in tests
}

// New creates an executor. recorder and onFilled may be nil.
func New(client OrderPlacer, liquidity LiquiditySource, recorder TradeRecorder, cfg Config, onFilled OnOrderFilled, logger *slog.Logger) *Executor {
	cfg.applyDefaults()
	return &Executor{
		client:        client,
		liquidity:     liquidity,
		recorder:      recorder,
		cfg:           cfg,
		onFilled:      onFilled,
		logger:        logger.With("component", "executor"),
		liquidityPoll: 500 * time.Millisecond,
	}
}

// SetApprovalGuard installs the approval cache consulted when a sell is
// rejected for allowance reasons. Call before any orders go out.
func (e *Executor) SetApprovalGuard(g ApprovalGuard) { e.guard = g }

// OnFill routes a user-channel fill event to its waiting buy, if any.
// Wire this to the user feed's fill stream.
func (e *Executor) OnFill(fill types.OrderFill) {
	e.mu.Lock()
	var slot *pendingFill
	for _, p := range e.pending {
		if p.orderID != "" && p.orderID == fill.OrderID {
			slot = p
			break
		}
	}
	if slot == nil {
		// Fill raced ahead of the HTTP response: match on token and side.
		for _, p := range e.pending {
			if p.orderID == "" && p.tokenID == fill.AssetID && string(p.side) == fill.Side {
				slot = p
				break
			}
		}
	}
	e.mu.Unlock()
	if slot == nil {
		return
	}
	select {
	case slot.ch <- fill:
	default:
	}
}

func (e *Executor) registerPending(tokenID string, side types.Side) *pendingFill {
	p := &pendingFill{tokenID: tokenID, side: side, ch: make(chan types.OrderFill, 1)}
	e.mu.Lock()
	e.pending = append(e.pending, p)
	e.mu.Unlock()
	return p
}

func (e *Executor) bindPending(p *pendingFill, orderID string) {
	e.mu.Lock()
	p.orderID = orderID
	e.mu.Unlock()
}

func (e *Executor) releasePending(p *pendingFill) {
	e.mu.Lock()
	for i, q := range e.pending {
		if q == p {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}

// PreciseBuy buys exactly shares at up to maxPrice using an IOC (FAK)
// order. The book must hold at least LiquidityRatio times the requested
// size at or below the limit, otherwise NO_LIQUIDITY without any order
// going out.
func (e *Executor) PreciseBuy(ctx context.Context, tokenID string, shares, maxPrice float64, negRisk bool) (*Result, error) {
	return e.preciseBuy(ctx, tokenID, shares, maxPrice, negRisk, types.IntentAccumulate)
}

func (e *Executor) preciseBuy(ctx context.Context, tokenID string, shares, maxPrice float64, negRisk bool, intent types.OrderIntent) (*Result, error) {
	price := market.CeilToCent(maxPrice)
	available := e.liquidity.AvailableQtyAtOrBelow(tokenID, price)
	if available/shares < e.cfg.LiquidityRatio {
		e.logger.Warn("insufficient liquidity for buy",
			"token", tokenID, "shares", shares, "price", price, "available", available)
		return &Result{Status: StatusNoLiquidity}, types.ErrNoLiquidity
	}

	pending := e.registerPending(tokenID, types.BUY)
	defer e.releasePending(pending)

	resp, err := e.client.PostOrder(ctx, types.OrderRequest{
		TokenID:   tokenID,
		Price:     price,
		Size:      shares,
		Side:      types.BUY,
		OrderType: types.OrderTypeFAK,
		NegRisk:   negRisk,
	})
	if err != nil {
		return &Result{Status: StatusFailed}, err
	}
	if !resp.Success {
		e.logger.Error("order rejected", "token", tokenID, "error", resp.ErrorMsg)
		return &Result{Status: StatusFailed, OrderID: resp.OrderID}, fmt.Errorf("order rejected: %s", resp.ErrorMsg)
	}
	e.bindPending(pending, resp.OrderID)

	return e.settleBuy(ctx, pending, resp, tokenID, price, shares, intent)
}

// settleBuy resolves a submitted buy: synchronous fill amounts win over
// the WS wait.
func (e *Executor) settleBuy(ctx context.Context, pending *pendingFill, resp *types.OrderResponse, tokenID string, price, shares float64, intent types.OrderIntent) (*Result, error) {
	if filled, avg, ok := syncFill(resp); ok {
		res := &Result{
			Success:      true,
			FilledShares: filled,
			FilledPrice:  price,
			AvgPrice:     avg,
			TotalCost:    filled * avg,
			OrderID:      resp.OrderID,
			Status:       buyStatus(filled, shares),
		}
		e.confirmFill(ctx, tokenID, intent, res)
		return res, nil
	}

	timer := time.NewTimer(e.cfg.FillTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &Result{Status: StatusFailed, OrderID: resp.OrderID}, ctx.Err()
	case fill := <-pending.ch:
		res := &Result{
			Success:      true,
			FilledShares: fill.Size,
			FilledPrice:  price,
			AvgPrice:     fill.Price,
			TotalCost:    fill.Size * fill.Price,
			OrderID:      resp.OrderID,
			Status:       buyStatus(fill.Size, shares),
		}
		e.confirmFill(ctx, tokenID, intent, res)
		return res, nil
	case <-timer.C:
		e.logger.Warn("no fill confirmation before timeout", "order", resp.OrderID, "status", resp.Status)
		if resp.Status == "unmatched" {
			return &Result{Status: StatusKilled, OrderID: resp.OrderID}, types.ErrOrderKilled
		}
		return &Result{Status: StatusFailed, OrderID: resp.OrderID}, types.ErrOrderTimeout
	}
}

func (e *Executor) confirmFill(ctx context.Context, tokenID string, intent types.OrderIntent, res *Result) {
	e.logger.Info("buy filled",
		"token", tokenID, "shares", res.FilledShares, "avg_price", res.AvgPrice, "order", res.OrderID)
	if e.recorder != nil {
		if err := e.recorder.LogTrade(ctx, "", tokenID, string(types.BUY), res.AvgPrice, res.FilledShares, string(intent), res.OrderID); err != nil {
			e.logger.Warn("trade log write failed", "error", err)
		}
	}
	if e.onFilled != nil {
		e.onFilled(res.OrderID, res.FilledShares, res.AvgPrice, types.BUY)
	}
}

// PreciseFlipBuy buys a large size that may exceed visible liquidity.
// Liquid books delegate to PreciseBuy; thin ones are worked in FOK
// chunks so no chunk ever partially fills.
func (e *Executor) PreciseFlipBuy(ctx context.Context, tokenID string, shares, maxPrice float64, negRisk bool) (*Result, error) {
	price := market.CeilToCent(maxPrice)
	if e.liquidity.AvailableQtyAtOrBelow(tokenID, price)/shares >= e.cfg.LiquidityRatio {
		return e.preciseBuy(ctx, tokenID, shares, maxPrice, negRisk, types.IntentFlip)
	}

	total := &Result{FilledPrice: price, Status: StatusFailed}
	remaining := shares
	for loop := 0; loop < e.cfg.ChunkLoops && remaining > 0.009; loop++ {
		chunk := math.Min(remaining, e.cfg.ChunkShares)
		if min := types.MinOrderShares(price); chunk < min {
			chunk = math.Min(remaining, min)
		}

		if !e.WaitForLiquidity(ctx, tokenID, chunk, price, e.cfg.LiquidityWait) {
			e.logger.Warn("liquidity never arrived for chunk",
				"token", tokenID, "chunk", chunk, "remaining", remaining)
			break
		}

		resp, err := e.client.PostOrder(ctx, types.OrderRequest{
			TokenID:   tokenID,
			Price:     price,
			Size:      chunk,
			Side:      types.BUY,
			OrderType: types.OrderTypeFOK,
			NegRisk:   negRisk,
		})
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			e.logger.Warn("chunk order failed", "error", err)
			continue
		}
		if filled, avg, ok := syncFill(resp); ok && resp.Success {
			total.FilledShares += filled
			total.TotalCost += filled * avg
			total.OrderID = resp.OrderID
			remaining -= filled
			e.confirmFill(ctx, tokenID, types.IntentFlip, &Result{
				FilledShares: filled, AvgPrice: avg, OrderID: resp.OrderID,
			})
		} else if resp.Success && resp.Status == "matched" {
			// FOK matched with no amounts echoed: assume the full chunk.
			total.FilledShares += chunk
			total.TotalCost += chunk * price
			total.OrderID = resp.OrderID
			remaining -= chunk
		}

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(e.cfg.ChunkPause):
		}
	}

	if total.FilledShares > 0 {
		total.Success = true
		total.AvgPrice = total.TotalCost / total.FilledShares
		total.Status = buyStatus(total.FilledShares, shares)
		return total, nil
	}
	return total, types.ErrNoLiquidity
}

// PlaceLockOrder places a GTC resting order on the hedge side. It never
// waits for fills; the caller hears about them on the user channel.
func (e *Executor) PlaceLockOrder(ctx context.Context, slug, tokenID string, shares, price float64, negRisk bool) (*LockResult, error) {
	if min := types.MinOrderShares(price); shares < min {
		shares = min
	}
	resp, err := e.client.PostOrder(ctx, types.OrderRequest{
		TokenID:   tokenID,
		Price:     price,
		Size:      shares,
		Side:      types.BUY,
		OrderType: types.OrderTypeGTC,
		NegRisk:   negRisk,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("lock order rejected: %s", resp.ErrorMsg)
	}

	res := &LockResult{OrderID: resp.OrderID, Resting: true}
	if filled, avg, ok := syncFill(resp); ok {
		res.ImmediatelyFilled = filled
		res.FillPrice = avg
		res.Resting = filled < shares-0.009
	}
	e.logger.Info("lock order placed",
		"token", tokenID, "shares", shares, "price", price,
		"immediate", res.ImmediatelyFilled, "resting", res.Resting)
	if e.recorder != nil {
		if res.Resting {
			if _, err := e.recorder.InsertScalpOrder(ctx, resp.OrderID, slug, tokenID, string(types.BUY), price, shares); err != nil {
				e.logger.Warn("scalp order record failed", "error", err)
			}
		}
		if res.ImmediatelyFilled > 0 {
			if err := e.recorder.LogTrade(ctx, slug, tokenID, string(types.BUY), res.FillPrice, res.ImmediatelyFilled, string(types.IntentLock), resp.OrderID); err != nil {
				e.logger.Warn("trade log write failed", "error", err)
			}
		}
	}
	return res, nil
}

// SellIOC sells shares at or above minPrice with an IOC order. Sizes
// below the venue minimum are bumped up to it. A "delayed" status means
// the venue accepted but has not matched yet; wait and re-read.
func (e *Executor) SellIOC(ctx context.Context, slug, tokenID string, shares, minPrice float64, negRisk bool) (*Result, error) {
	if min := types.MinOrderShares(minPrice); shares < min {
		e.logger.Info("bumping sell to venue minimum", "requested", shares, "min", min)
		shares = min
	}

	pending := e.registerPending(tokenID, types.SELL)
	defer e.releasePending(pending)

	req := types.OrderRequest{
		TokenID:   tokenID,
		Price:     minPrice,
		Size:      shares,
		Side:      types.SELL,
		OrderType: types.OrderTypeFAK,
		NegRisk:   negRisk,
	}
	resp, err := e.client.PostOrder(ctx, req)
	if err != nil {
		return &Result{Status: StatusFailed}, err
	}
	if !resp.Success {
		rejErr := fmt.Errorf("sell rejected: %s", resp.ErrorMsg)
		if e.guard == nil || !e.guard.InvalidateOnError(rejErr) {
			return &Result{Status: StatusFailed}, rejErr
		}
		if aerr := e.guard.EnsureSellApprovals(ctx); aerr != nil {
			return &Result{Status: StatusFailed}, fmt.Errorf("restore sell approvals: %w", aerr)
		}
		e.logger.Info("approvals restored, retrying sell", "token", tokenID)
		resp, err = e.client.PostOrder(ctx, req)
		if err != nil {
			return &Result{Status: StatusFailed}, err
		}
		if !resp.Success {
			return &Result{Status: StatusFailed}, fmt.Errorf("sell rejected after re-approval: %s", resp.ErrorMsg)
		}
	}
	e.bindPending(pending, resp.OrderID)

	if resp.Status == "delayed" {
		e.logger.Info("sell delayed by venue, re-reading", "order", resp.OrderID)
		select {
		case <-ctx.Done():
			return &Result{Status: StatusFailed, OrderID: resp.OrderID}, ctx.Err()
		case <-time.After(e.cfg.SellDelayWait):
		}
		return e.resolveDelayedSell(ctx, slug, tokenID, resp.OrderID, minPrice, shares)
	}

	if filled, avg, ok := syncSellFill(resp); ok {
		return e.finishSell(ctx, slug, tokenID, resp.OrderID, filled, avg, shares), nil
	}

	timer := time.NewTimer(e.cfg.FillTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &Result{Status: StatusFailed, OrderID: resp.OrderID}, ctx.Err()
	case fill := <-pending.ch:
		return e.finishSell(ctx, slug, tokenID, resp.OrderID, fill.Size, fill.Price, shares), nil
	case <-timer.C:
		if resp.Status == "unmatched" {
			return &Result{Status: StatusKilled, OrderID: resp.OrderID}, types.ErrOrderKilled
		}
		return &Result{Status: StatusFailed, OrderID: resp.OrderID}, types.ErrOrderTimeout
	}
}

// resolveDelayedSell re-reads the order after the post-delay wait and
// reconstructs the result from matched size.
func (e *Executor) resolveDelayedSell(ctx context.Context, slug, tokenID, orderID string, price, requested float64) (*Result, error) {
	order, err := e.client.GetOrder(ctx, orderID)
	if err != nil {
		return &Result{Status: StatusFailed, OrderID: orderID}, fmt.Errorf("re-read delayed sell: %w", err)
	}
	matched, _ := strconv.ParseFloat(order.SizeMatched, 64)
	if matched <= 0 {
		return &Result{Status: StatusKilled, OrderID: orderID}, types.ErrOrderKilled
	}
	fillPrice, err := strconv.ParseFloat(order.Price, 64)
	if err != nil || fillPrice <= 0 {
		fillPrice = price
	}
	return e.finishSell(ctx, slug, tokenID, orderID, matched, fillPrice, requested), nil
}

func (e *Executor) finishSell(ctx context.Context, slug, tokenID, orderID string, filled, avg, requested float64) *Result {
	res := &Result{
		Success:      true,
		FilledShares: filled,
		FilledPrice:  avg,
		AvgPrice:     avg,
		TotalCost:    filled * avg,
		OrderID:      orderID,
		Status:       buyStatus(filled, requested),
	}
	e.logger.Info("sell filled", "token", tokenID, "shares", filled, "price", avg, "order", orderID)
	if e.recorder != nil {
		if err := e.recorder.LogTrade(ctx, slug, tokenID, string(types.SELL), avg, filled, string(types.IntentExit), orderID); err != nil {
			e.logger.Warn("trade log write failed", "error", err)
		}
	}
	if e.onFilled != nil {
		e.onFilled(orderID, filled, avg, types.SELL)
	}
	return res
}

// CancelOrders cancels our orders on one market. A zero count means the
// orders had already filled, which is not an error.
func (e *Executor) CancelOrders(ctx context.Context, conditionID, tokenID string) (int, error) {
	resp, err := e.client.CancelMarketOrders(ctx, conditionID, tokenID)
	if err != nil {
		return 0, err
	}
	n := len(resp.Canceled)
	if n == 0 {
		e.logger.Info("nothing to cancel, orders already filled", "market", conditionID)
	}
	return n, nil
}

// CancelByID cancels specific orders.
func (e *Executor) CancelByID(ctx context.Context, orderIDs ...string) (int, error) {
	resp, err := e.client.CancelOrders(ctx, orderIDs)
	if err != nil {
		return 0, err
	}
	return len(resp.Canceled), nil
}

// CheckLiquidity reports whether the book holds required×LiquidityRatio
// at or below maxPrice right now.
func (e *Executor) CheckLiquidity(tokenID string, required, maxPrice float64) bool {
	return e.liquidity.AvailableQtyAtOrBelow(tokenID, market.CeilToCent(maxPrice)) >= required*e.cfg.LiquidityRatio
}

// WaitForLiquidity polls every 500ms until the book can absorb the order
// or the timeout passes.
func (e *Executor) WaitForLiquidity(ctx context.Context, tokenID string, required, maxPrice float64, timeout time.Duration) bool {
	if e.CheckLiquidity(tokenID, required, maxPrice) {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.liquidityPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			if e.CheckLiquidity(tokenID, required, maxPrice) {
				return true
			}
		}
	}
}

// syncFill extracts the filled size and average price from a synchronous
// buy response. takingAmount is tokens received, makingAmount USDC paid.
func syncFill(resp *types.OrderResponse) (shares, avg float64, ok bool) {
	taking, err1 := strconv.ParseFloat(resp.TakingAmount, 64)
	making, err2 := strconv.ParseFloat(resp.MakingAmount, 64)
	if err1 != nil || err2 != nil || taking <= 0 {
		return 0, 0, false
	}
	return taking, making / taking, true
}

// syncSellFill mirrors syncFill for sells: takingAmount is USDC
// received, makingAmount tokens given.
func syncSellFill(resp *types.OrderResponse) (shares, avg float64, ok bool) {
	taking, err1 := strconv.ParseFloat(resp.TakingAmount, 64)
	making, err2 := strconv.ParseFloat(resp.MakingAmount, 64)
	if err1 != nil || err2 != nil || making <= 0 {
		return 0, 0, false
	}
	return making, taking / making, true
}

func buyStatus(filled, requested float64) Status {
	if filled >= requested-0.009 {
		return StatusFilled
	}
	if filled > 0 {
		return StatusPartial
	}
	return StatusFailed
}

// ErrNotFilled reports whether the error is one of the no-fill outcomes.
func ErrNotFilled(err error) bool {
	return errors.Is(err, types.ErrOrderKilled) || errors.Is(err, types.ErrOrderTimeout) || errors.Is(err, types.ErrNoLiquidity)
}
