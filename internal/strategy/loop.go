// Package strategy runs the per-market event loops.
//
// One Loop per tracked market. All handling for a market is serialized
// through a single select loop: the engine fans venue and monitor events
// into the loop's channels, and every mutation of the market's cycle and
// position state happens on the loop goroutine. Cross-market state lives
// only in the store, the gateway, and the balance monitor.
//
// Lifecycle: on start the loop splits collateral into both outcome
// tokens and registers the market with the price monitor. From then on
// it reacts: a sell trigger dumps the losing side, a confirmed game end
// merges or schedules redemption, order fills feed the accumulation
// cycle and drive hedge lock placement, and a user-channel reconnect
// reconciles the resting lock order against the venue.
package strategy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"polymarket-hedger/internal/api"
	"polymarket-hedger/internal/collateral"
	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/cycle"
	"polymarket-hedger/internal/executor"
	"polymarket-hedger/internal/position"
	"polymarket-hedger/pkg/types"
)

// fillEpsilon absorbs float drift in share arithmetic.
const fillEpsilon = 1e-6

// OrderExecutor is the slice of the order executor the loop uses.
type OrderExecutor interface {
	SellIOC(ctx context.Context, slug, tokenID string, shares, minPrice float64, negRisk bool) (*executor.Result, error)
	PlaceLockOrder(ctx context.Context, slug, tokenID string, shares, price float64, negRisk bool) (*executor.LockResult, error)
	CancelOrders(ctx context.Context, conditionID, tokenID string) (int, error)
}

// CollateralOps is the slice of collateral operations the loop uses.
type CollateralOps interface {
	Split(ctx context.Context, conditionID string, amount float64, negRisk bool) (*collateral.OpResult, error)
	Merge(ctx context.Context, conditionID string, amount float64, negRisk bool) (*collateral.OpResult, error)
	Redeem(ctx context.Context, conditionID string, outcomeIndex int, negRisk bool, shares float64) (*collateral.OpResult, error)
}

// PositionBook is the slice of the position manager the loop uses.
type PositionBook interface {
	Open(desc types.MarketDescriptor, sport string, splitCost float64) (*position.Position, error)
	SplitConfirmed(slug string, shares float64) error
	SideSold(slug string, side types.MarketSide, shares, revenue float64) error
	GameEnded(slug string, merged bool, mergeRevenue float64) error
	Settled(slug string, settlementRevenue float64) error
	Get(slug string) (position.Position, bool)
}

// PriceTracker is the slice of the price monitor the loop uses.
type PriceTracker interface {
	Track(desc types.MarketDescriptor)
	Untrack(slug string)
	MarkSold(slug string, side types.MarketSide)
	SetEntryPrice(slug string, side types.MarketSide, price float64)
}

// OpenOrderLister reads the venue's open-orders snapshot, used after a
// user-channel reconnect.
type OpenOrderLister interface {
	GetOpenOrders(ctx context.Context, conditionID, tokenID string) ([]types.OpenOrder, error)
}

// EventSink receives dashboard events. May be nil.
type EventSink interface {
	Publish(eventType, marketSlug string, data any)
}

// Loop drives one market.
type Loop struct {
	desc   types.MarketDescriptor
	cfg    config.StrategyConfig
	exec   OrderExecutor
	coll   CollateralOps
	book   PositionBook
	prices PriceTracker
	orders OpenOrderLister
	relay  EventSink
	cycle  *cycle.Tracker
	logger *slog.Logger

	// Resting hedge order, if any. Only touched on the loop goroutine.
	lockOrderID string
	lockSide    types.MarketSide
	lockPrice   float64

	sellCh   chan types.SellTrigger
	endCh    chan types.GameEnded
	fillCh   chan types.OrderFill
	reconnCh chan struct{}
	done     chan struct{}
}

// NewLoop creates a loop for one market. relay may be nil.
func NewLoop(
	desc types.MarketDescriptor,
	cfg config.StrategyConfig,
	exec OrderExecutor,
	coll CollateralOps,
	book PositionBook,
	prices PriceTracker,
	orders OpenOrderLister,
	relay EventSink,
	logger *slog.Logger,
) *Loop {
	return &Loop{
		desc:   desc,
		cfg:    cfg,
		exec:   exec,
		coll:   coll,
		book:   book,
		prices: prices,
		orders: orders,
		relay:  relay,
		cycle:  cycle.NewTracker(cfg.PairCostTarget, logger),
		logger: logger.With("component", "strategy", "market", desc.Slug),

		sellCh:   make(chan types.SellTrigger, 4),
		endCh:    make(chan types.GameEnded, 2),
		fillCh:   make(chan types.OrderFill, 64),
		reconnCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Slug returns the market this loop owns.
func (l *Loop) Slug() string { return l.desc.Slug }

// Done is closed when the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// OfferSellTrigger hands the loop a sell trigger. Never blocks.
func (l *Loop) OfferSellTrigger(trig types.SellTrigger) {
	select {
	case l.sellCh <- trig:
	default:
		l.logger.Warn("sell trigger dropped, queue full")
	}
}

// OfferGameEnd hands the loop a confirmed game end. Never blocks.
func (l *Loop) OfferGameEnd(evt types.GameEnded) {
	select {
	case l.endCh <- evt:
	default:
		l.logger.Warn("game end dropped, queue full")
	}
}

// OfferFill hands the loop a user-channel fill. Never blocks.
func (l *Loop) OfferFill(fill types.OrderFill) {
	select {
	case l.fillCh <- fill:
	default:
		l.logger.Warn("fill dropped, queue full", "order", fill.OrderID)
	}
}

// NotifyReconnect asks the loop to reconcile open orders with the venue.
func (l *Loop) NotifyReconnect() {
	select {
	case l.reconnCh <- struct{}{}:
	default:
	}
}

// Run opens the position and serializes all event handling until ctx is
// cancelled. Blocks.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	if err := l.open(ctx); err != nil {
		l.logger.Error("market open failed", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("strategy stopped")
			return
		case trig := <-l.sellCh:
			l.handleSellTrigger(ctx, trig)
		case evt := <-l.endCh:
			l.handleGameEnd(ctx, evt)
		case fill := <-l.fillCh:
			l.handleFill(ctx, fill)
		case <-l.reconnCh:
			l.reconcile(ctx)
		}
	}
}

// open splits collateral into both outcome tokens and starts tracking.
// Splitting N USDC yields N shares of each side.
func (l *Loop) open(ctx context.Context) error {
	if _, err := l.book.Open(l.desc, l.desc.Sport, l.cfg.SplitAmountUSD); err != nil {
		return err
	}

	res, err := l.coll.Split(ctx, l.desc.ConditionID, l.cfg.SplitAmountUSD, l.desc.NegRisk)
	if err != nil {
		return err
	}
	if err := l.book.SplitConfirmed(l.desc.Slug, l.cfg.SplitAmountUSD); err != nil {
		return err
	}

	l.prices.Track(l.desc)
	l.logger.Info("market opened",
		"split_usd", l.cfg.SplitAmountUSD, "tx", res.TxHash, "sport", l.desc.Sport)
	l.publish(api.EventMarketSwitch, map[string]any{
		"condition_id": l.desc.ConditionID,
		"split_usd":    l.cfg.SplitAmountUSD,
	})
	return nil
}

// handleSellTrigger sells the remaining shares of the losing side IOC at
// the triggering bid.
func (l *Loop) handleSellTrigger(ctx context.Context, trig types.SellTrigger) {
	pos, ok := l.book.Get(l.desc.Slug)
	if !ok {
		return
	}
	leg := pos.Up
	if trig.LosingSide == types.SideDown {
		leg = pos.Down
	}
	if leg.Sold {
		return
	}
	shares := leg.Shares - leg.SoldShares
	if shares <= fillEpsilon {
		return
	}

	l.logger.Info("sell trigger",
		"side", trig.LosingSide, "bid", trig.LosingBid, "shares", shares)

	res, err := l.exec.SellIOC(ctx, l.desc.Slug, trig.LosingTokenID, shares, trig.LosingBid, l.desc.NegRisk)
	if err != nil {
		l.logger.Warn("losing side sell failed", "error", err)
		return
	}
	if res.FilledShares <= 0 {
		return
	}

	if err := l.book.SideSold(l.desc.Slug, trig.LosingSide, res.FilledShares, res.TotalCost); err != nil {
		l.logger.Error("record sale", "error", err)
		return
	}
	l.prices.MarkSold(l.desc.Slug, trig.LosingSide)
	l.prices.SetEntryPrice(l.desc.Slug, trig.WinningSide, trig.WinningBid)

	l.publish(api.EventOrderFilled, map[string]any{
		"side":    string(trig.LosingSide),
		"shares":  res.FilledShares,
		"price":   res.AvgPrice,
		"revenue": res.TotalCost,
	})
}

// handleGameEnd merges when both legs are still held, otherwise moves to
// pending settlement and redeems the winner.
func (l *Loop) handleGameEnd(ctx context.Context, evt types.GameEnded) {
	pos, ok := l.book.Get(l.desc.Slug)
	if !ok {
		return
	}
	defer l.prices.Untrack(l.desc.Slug)

	// Abandon the resting hedge; the market is over.
	if l.lockOrderID != "" {
		if _, err := l.exec.CancelOrders(ctx, l.desc.ConditionID, ""); err != nil {
			l.logger.Warn("cancel lock order", "error", err)
		}
		l.lockOrderID = ""
		l.cycle.ClearLockTarget()
	}

	if pos.State == position.StateHolding && !pos.Up.Sold && !pos.Down.Sold {
		l.mergeAndSettle(ctx, pos)
		return
	}
	l.redeemWinner(ctx, pos, evt)
}

// mergeAndSettle recombines equal held legs into collateral. Merging N
// share pairs returns N USDC immediately, so the position settles now.
func (l *Loop) mergeAndSettle(ctx context.Context, pos position.Position) {
	shares := pos.Up.Shares
	if pos.Down.Shares < shares {
		shares = pos.Down.Shares
	}

	if _, err := l.coll.Merge(ctx, l.desc.ConditionID, shares, l.desc.NegRisk); err != nil {
		l.logger.Error("merge failed, falling back to redemption", "error", err)
		if err := l.book.GameEnded(l.desc.Slug, false, 0); err != nil {
			l.logger.Error("record game end", "error", err)
		}
		return
	}

	if err := l.book.GameEnded(l.desc.Slug, true, shares); err != nil {
		l.logger.Error("record merge", "error", err)
		return
	}
	if err := l.book.Settled(l.desc.Slug, 0); err != nil {
		l.logger.Error("settle merged position", "error", err)
		return
	}
	l.logger.Info("merged and settled", "shares", shares)
	l.publish(api.EventPositionUpdate, map[string]any{"state": "settled", "merged": true})
}

// redeemWinner claims the winning leg's payout. Winning shares redeem at
// one dollar each.
func (l *Loop) redeemWinner(ctx context.Context, pos position.Position, evt types.GameEnded) {
	if pos.State == position.StateHolding || pos.State == position.StatePartialSold {
		if err := l.book.GameEnded(l.desc.Slug, false, 0); err != nil {
			l.logger.Error("record game end", "error", err)
			return
		}
	}

	leg := pos.Up
	outcomeIndex := 0
	if evt.Winner == types.SideDown {
		leg = pos.Down
		outcomeIndex = 1
	}
	shares := leg.Shares - leg.SoldShares
	if shares <= fillEpsilon {
		l.logger.Warn("game ended with no winning shares held", "winner", evt.Winner)
		return
	}

	_, err := l.coll.Redeem(ctx, l.desc.ConditionID, outcomeIndex, l.desc.NegRisk, shares)
	switch {
	case err == nil:
		if err := l.book.Settled(l.desc.Slug, shares); err != nil {
			l.logger.Error("settle redeemed position", "error", err)
			return
		}
		l.logger.Info("winner redeemed", "winner", evt.Winner, "shares", shares)
		l.publish(api.EventPositionUpdate, map[string]any{"state": "settled", "winner": string(evt.Winner)})
	case errors.Is(err, types.ErrAlreadyRedeemed):
		// Redeemed out of band; the balance monitor will have seen the
		// proceeds and marked holdings stale.
		if err := l.book.Settled(l.desc.Slug, 0); err != nil {
			l.logger.Error("settle redeemed position", "error", err)
		}
		l.logger.Warn("condition already redeemed", "winner", evt.Winner)
	default:
		l.logger.Error("redemption failed, position stays pending", "error", err)
	}
}

// handleFill feeds buy fills for this market into the cycle tracker.
// Fills on the resting lock order shrink or complete the hedge; all
// other buys are accumulations. Sell fills are settled synchronously by
// the executor and carry no cycle state.
func (l *Loop) handleFill(ctx context.Context, fill types.OrderFill) {
	var side types.MarketSide
	switch fill.AssetID {
	case l.desc.UpTokenID:
		side = types.SideUp
	case l.desc.DownTokenID:
		side = types.SideDown
	default:
		return
	}
	if fill.Side != string(types.BUY) || fill.Size <= 0 {
		return
	}

	if l.lockOrderID != "" && fill.OrderID == l.lockOrderID {
		l.cycle.RecordLockFill(side, fill.Price, fill.Size)
		remaining := l.cycle.LockRemaining() - fill.Size
		if remaining <= fillEpsilon {
			l.cycle.HandleLockComplete()
			l.lockOrderID = ""
		} else {
			l.cycle.UpdateLockTarget(remaining)
		}
	} else {
		l.cycle.RecordAccumulation(side, fill.Price, fill.Size)
	}

	l.evaluateLock(ctx)
}

// evaluateLock closes out a profitable cycle or places the hedge that
// would balance it.
func (l *Loop) evaluateLock(ctx context.Context) {
	if l.cycle.IsProfitLocked() {
		pairCost := l.cycle.GetPairCost()
		l.logger.Info("profit locked, starting new cycle", "pair_cost", pairCost)
		l.publish(api.EventPositionUpdate, map[string]any{"pair_cost": pairCost, "locked": true})
		l.cycle.StartNewCycle()
		return
	}
	if !l.cycle.NeedsLock() {
		return
	}

	params := l.cycle.GetLockParams()
	if params.Gap <= fillEpsilon {
		return
	}
	tokenID := l.desc.UpTokenID
	if params.Side == types.SideDown {
		tokenID = l.desc.DownTokenID
	}

	res, err := l.exec.PlaceLockOrder(ctx, l.desc.Slug, tokenID, params.Gap, params.Price, l.desc.NegRisk)
	if err != nil {
		l.logger.Warn("lock placement failed", "error", err)
		return
	}

	// Fills, immediate or resting, arrive on the user channel and are
	// recorded there; here we only register the target.
	l.lockOrderID = res.OrderID
	l.lockSide = params.Side
	l.lockPrice = params.Price
	l.cycle.SetLockTarget(params.Side, params.Gap, params.Price)

	l.logger.Info("lock order placed",
		"side", params.Side, "shares", params.Gap, "price", params.Price,
		"order", res.OrderID, "resting", res.Resting)
	l.publish(api.EventOrderPlaced, map[string]any{
		"side":   string(params.Side),
		"shares": params.Gap,
		"price":  params.Price,
	})
}

// reconcile runs after a user-channel reconnect. Fills that landed
// during the gap never reached handleFill, so the resting lock order is
// checked against the venue's open-orders snapshot.
func (l *Loop) reconcile(ctx context.Context) {
	if l.lockOrderID == "" {
		return
	}
	open, err := l.orders.GetOpenOrders(ctx, l.desc.ConditionID, "")
	if err != nil {
		l.logger.Warn("open-orders reconciliation failed", "error", err)
		return
	}

	for _, o := range open {
		if o.ID != l.lockOrderID {
			continue
		}
		remaining := parseSize(o.OriginalSize) - parseSize(o.SizeMatched)
		if remaining > fillEpsilon {
			matched := l.cycle.LockRemaining() - remaining
			if matched > fillEpsilon {
				l.cycle.RecordLockFill(l.lockSide, l.lockPrice, matched)
				l.cycle.UpdateLockTarget(remaining)
				l.logger.Info("reconciled partial lock fill",
					"matched", matched, "remaining", remaining)
			}
			return
		}
		break
	}

	// Gone from the book: the lock filled while we were disconnected.
	filled := l.cycle.LockRemaining()
	if filled > fillEpsilon {
		l.cycle.RecordLockFill(l.lockSide, l.lockPrice, filled)
	}
	l.cycle.HandleLockComplete()
	l.lockOrderID = ""
	l.logger.Info("reconciled completed lock fill", "shares", filled)
	l.evaluateLock(ctx)
}

func parseSize(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (l *Loop) publish(eventType string, data any) {
	if l.relay != nil {
		l.relay.Publish(eventType, l.desc.Slug, data)
	}
}
