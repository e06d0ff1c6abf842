package strategy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"polymarket-hedger/internal/collateral"
	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/executor"
	"polymarket-hedger/internal/position"
	"polymarket-hedger/pkg/types"
)

func testDescriptor() types.MarketDescriptor {
	return types.MarketDescriptor{
		Slug:        "nba-lal-bos",
		ConditionID: "0xcond",
		Question:    "Will the Lakers win?",
		UpTokenID:   "tok-up",
		DownTokenID: "tok-down",
		UpLabel:     "Lakers",
		DownLabel:   "Celtics",
		Sport:       "nba",
		EndTime:     time.Now().Add(2 * time.Hour),
	}
}

type fakeExec struct {
	sells      []string // token IDs sold
	sellShares float64
	sellPrice  float64
	sellErr    error

	locks     []executor.LockResult
	lockSide  string
	lockGap   float64
	lockPrice float64

	cancels int
}

func (f *fakeExec) SellIOC(ctx context.Context, slug, tokenID string, shares, minPrice float64, negRisk bool) (*executor.Result, error) {
	if f.sellErr != nil {
		return nil, f.sellErr
	}
	f.sells = append(f.sells, tokenID)
	f.sellShares = shares
	f.sellPrice = minPrice
	return &executor.Result{
		Success:      true,
		FilledShares: shares,
		AvgPrice:     minPrice,
		TotalCost:    shares * minPrice,
		OrderID:      "sell-1",
		Status:       executor.StatusFilled,
	}, nil
}

func (f *fakeExec) PlaceLockOrder(ctx context.Context, slug, tokenID string, shares, price float64, negRisk bool) (*executor.LockResult, error) {
	f.lockSide = tokenID
	f.lockGap = shares
	f.lockPrice = price
	res := executor.LockResult{OrderID: fmt.Sprintf("lock-%d", len(f.locks)+1), Resting: true}
	f.locks = append(f.locks, res)
	return &res, nil
}

func (f *fakeExec) CancelOrders(ctx context.Context, conditionID, tokenID string) (int, error) {
	f.cancels++
	return 1, nil
}

type fakeColl struct {
	splits    int
	merges    int
	redeems   int
	redeemIdx int
	shares    float64
	redeemErr error
}

func (f *fakeColl) Split(ctx context.Context, conditionID string, amount float64, negRisk bool) (*collateral.OpResult, error) {
	f.splits++
	return &collateral.OpResult{Success: true, TxHash: "0xsplit", Amount: amount}, nil
}

func (f *fakeColl) Merge(ctx context.Context, conditionID string, amount float64, negRisk bool) (*collateral.OpResult, error) {
	f.merges++
	f.shares = amount
	return &collateral.OpResult{Success: true, TxHash: "0xmerge", Amount: amount}, nil
}

func (f *fakeColl) Redeem(ctx context.Context, conditionID string, outcomeIndex int, negRisk bool, shares float64) (*collateral.OpResult, error) {
	if f.redeemErr != nil {
		return nil, f.redeemErr
	}
	f.redeems++
	f.redeemIdx = outcomeIndex
	f.shares = shares
	return &collateral.OpResult{Success: true, TxHash: "0xredeem", Amount: shares}, nil
}

type fakePrices struct {
	tracked   []string
	untracked []string
	sold      []types.MarketSide
	entrySide types.MarketSide
	entry     float64
}

func (f *fakePrices) Track(desc types.MarketDescriptor) { f.tracked = append(f.tracked, desc.Slug) }
func (f *fakePrices) Untrack(slug string)               { f.untracked = append(f.untracked, slug) }
func (f *fakePrices) MarkSold(slug string, side types.MarketSide) {
	f.sold = append(f.sold, side)
}
func (f *fakePrices) SetEntryPrice(slug string, side types.MarketSide, price float64) {
	f.entrySide = side
	f.entry = price
}

type fakeOrders struct {
	open []types.OpenOrder
	err  error
}

func (f *fakeOrders) GetOpenOrders(ctx context.Context, conditionID, tokenID string) ([]types.OpenOrder, error) {
	return f.open, f.err
}

type loopFixture struct {
	loop   *Loop
	exec   *fakeExec
	coll   *fakeColl
	book   *position.Manager
	prices *fakePrices
	orders *fakeOrders
}

func newFixture(t *testing.T) *loopFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &loopFixture{
		exec:   &fakeExec{},
		coll:   &fakeColl{},
		book:   position.NewManager(filepath.Join(t.TempDir(), "pos.json"), time.Hour, 0, logger),
		prices: &fakePrices{},
		orders: &fakeOrders{},
	}
	cfg := config.StrategyConfig{PairCostTarget: 0.98, SplitAmountUSD: 10}
	f.loop = NewLoop(testDescriptor(), cfg, f.exec, f.coll, f.book, f.prices, f.orders, nil, logger)
	return f
}

func openFixture(t *testing.T) *loopFixture {
	t.Helper()
	f := newFixture(t)
	if err := f.loop.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	return f
}

func buyFill(tokenID, orderID string, price, size float64) types.OrderFill {
	return types.OrderFill{
		OrderID: orderID, Market: "0xcond", AssetID: tokenID,
		Side: string(types.BUY), Price: price, Size: size,
		Timestamp: time.Now(),
	}
}

func TestOpenSplitsAndTracks(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	if f.coll.splits != 1 {
		t.Fatalf("splits = %d, want 1", f.coll.splits)
	}
	pos, ok := f.book.Get("nba-lal-bos")
	if !ok || pos.State != position.StateHolding {
		t.Fatalf("position = %+v", pos)
	}
	if pos.Up.Shares != 10 || pos.Down.Shares != 10 {
		t.Fatalf("legs = %v / %v, want 10 each", pos.Up.Shares, pos.Down.Shares)
	}
	if len(f.prices.tracked) != 1 || f.prices.tracked[0] != "nba-lal-bos" {
		t.Fatalf("tracked = %v", f.prices.tracked)
	}
}

func TestSellTriggerSellsLosingSide(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	f.loop.handleSellTrigger(context.Background(), types.SellTrigger{
		MarketSlug:     "nba-lal-bos",
		LosingSide:     types.SideDown,
		LosingTokenID:  "tok-down",
		LosingBid:      0.25,
		WinningSide:    types.SideUp,
		WinningTokenID: "tok-up",
		WinningBid:     0.75,
	})

	if len(f.exec.sells) != 1 || f.exec.sells[0] != "tok-down" {
		t.Fatalf("sells = %v", f.exec.sells)
	}
	if f.exec.sellShares != 10 || f.exec.sellPrice != 0.25 {
		t.Fatalf("sold %v @ %v", f.exec.sellShares, f.exec.sellPrice)
	}
	pos, _ := f.book.Get("nba-lal-bos")
	if pos.State != position.StatePartialSold {
		t.Fatalf("state = %s", pos.State)
	}
	if pos.Down.SoldRevenue != 2.5 {
		t.Fatalf("revenue = %v, want 2.5", pos.Down.SoldRevenue)
	}
	if len(f.prices.sold) != 1 || f.prices.sold[0] != types.SideDown {
		t.Fatalf("marked sold = %v", f.prices.sold)
	}
	if f.prices.entrySide != types.SideUp || f.prices.entry != 0.75 {
		t.Fatalf("entry = %s @ %v", f.prices.entrySide, f.prices.entry)
	}

	// Already sold: a second trigger for the same side is a no-op.
	f.loop.handleSellTrigger(context.Background(), types.SellTrigger{
		MarketSlug: "nba-lal-bos", LosingSide: types.SideDown,
		LosingTokenID: "tok-down", LosingBid: 0.10, WinningSide: types.SideUp,
	})
	if len(f.exec.sells) != 1 {
		t.Fatal("sold the same side twice")
	}
}

func TestGameEndMergesWhenBothHeld(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	f.loop.handleGameEnd(context.Background(), types.GameEnded{
		MarketSlug: "nba-lal-bos", Winner: types.SideUp, WinnerTokenID: "tok-up",
	})

	if f.coll.merges != 1 || f.coll.shares != 10 {
		t.Fatalf("merges = %d, shares = %v", f.coll.merges, f.coll.shares)
	}
	if f.coll.redeems != 0 {
		t.Fatal("merged market must not redeem")
	}
	pos, _ := f.book.Get("nba-lal-bos")
	if pos.State != position.StateSettled {
		t.Fatalf("state = %s", pos.State)
	}
	// Merge recovers the split exactly: zero realized P&L.
	if pos.RealizedPnL == nil || *pos.RealizedPnL != 0 {
		t.Fatalf("pnl = %v, want 0", pos.RealizedPnL)
	}
	if len(f.prices.untracked) != 1 {
		t.Fatalf("untracked = %v", f.prices.untracked)
	}
}

func TestGameEndRedeemsAfterPartialSale(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	f.loop.handleSellTrigger(context.Background(), types.SellTrigger{
		MarketSlug: "nba-lal-bos", LosingSide: types.SideDown,
		LosingTokenID: "tok-down", LosingBid: 0.25,
		WinningSide: types.SideUp, WinningBid: 0.75,
	})
	f.loop.handleGameEnd(context.Background(), types.GameEnded{
		MarketSlug: "nba-lal-bos", Winner: types.SideUp, WinnerTokenID: "tok-up",
	})

	if f.coll.merges != 0 {
		t.Fatal("partially sold market must not merge")
	}
	if f.coll.redeems != 1 || f.coll.redeemIdx != 0 || f.coll.shares != 10 {
		t.Fatalf("redeems = %d, idx = %d, shares = %v", f.coll.redeems, f.coll.redeemIdx, f.coll.shares)
	}
	pos, _ := f.book.Get("nba-lal-bos")
	if pos.State != position.StateSettled {
		t.Fatalf("state = %s", pos.State)
	}
	// 2.50 loser sale + 10 redemption - 10 split.
	if pos.RealizedPnL == nil || *pos.RealizedPnL != 2.5 {
		t.Fatalf("pnl = %v, want 2.5", pos.RealizedPnL)
	}
}

func TestGameEndRedemptionFailureStaysPending(t *testing.T) {
	t.Parallel()
	f := openFixture(t)
	f.coll.redeemErr = fmt.Errorf("relayer unavailable")

	f.loop.handleSellTrigger(context.Background(), types.SellTrigger{
		MarketSlug: "nba-lal-bos", LosingSide: types.SideDown,
		LosingTokenID: "tok-down", LosingBid: 0.25, WinningSide: types.SideUp,
	})
	f.loop.handleGameEnd(context.Background(), types.GameEnded{
		MarketSlug: "nba-lal-bos", Winner: types.SideUp,
	})

	pos, _ := f.book.Get("nba-lal-bos")
	if pos.State != position.StatePendingSettlement {
		t.Fatalf("state = %s, want pending_settlement", pos.State)
	}
}

func TestFillDrivesLockPlacementAndCycleClose(t *testing.T) {
	t.Parallel()
	f := openFixture(t)
	ctx := context.Background()

	// Accumulate 10 UP at 0.42: the cycle is imbalanced and hedges DOWN
	// at 0.98 - 0.42 = 0.56.
	f.loop.handleFill(ctx, buyFill("tok-up", "buy-1", 0.42, 10))

	if len(f.exec.locks) != 1 {
		t.Fatalf("locks placed = %d, want 1", len(f.exec.locks))
	}
	if f.exec.lockSide != "tok-down" || f.exec.lockGap != 10 || f.exec.lockPrice != 0.56 {
		t.Fatalf("lock = %s %v @ %v", f.exec.lockSide, f.exec.lockGap, f.exec.lockPrice)
	}
	if !f.loop.cycle.AwaitingLock() {
		t.Fatal("lock target not registered")
	}

	// The hedge fills in full: 10 DOWN at 0.56. min(10,10) = 10 pays more
	// than the 9.80 total cost, so the cycle closes and a new one starts.
	f.loop.handleFill(ctx, buyFill("tok-down", "lock-1", 0.56, 10))

	snap := f.loop.cycle.Snapshot()
	if snap.CycleNumber != 2 {
		t.Fatalf("cycle = %d, want 2 (profit locked)", snap.CycleNumber)
	}
	if snap.UpQty != 0 || snap.DownQty != 0 {
		t.Fatalf("new cycle not zeroed: %+v", snap)
	}
	if f.loop.lockOrderID != "" {
		t.Fatal("lock order id not cleared")
	}
}

func TestPartialLockFillShrinksTarget(t *testing.T) {
	t.Parallel()
	f := openFixture(t)
	ctx := context.Background()

	f.loop.handleFill(ctx, buyFill("tok-up", "buy-1", 0.42, 10))
	f.loop.handleFill(ctx, buyFill("tok-down", "lock-1", 0.56, 6))

	snap := f.loop.cycle.Snapshot()
	if snap.DownQty != 6 || !snap.AwaitingLock {
		t.Fatalf("snap = %+v, want 6 down awaiting lock", snap)
	}
	if got := f.loop.cycle.LockRemaining(); got != 4 {
		t.Fatalf("remaining = %v, want 4", got)
	}
	// No second lock while the first is in flight.
	if len(f.exec.locks) != 1 {
		t.Fatalf("locks = %d, want 1", len(f.exec.locks))
	}
}

func TestSellAndForeignFillsIgnoredByCycle(t *testing.T) {
	t.Parallel()
	f := openFixture(t)
	ctx := context.Background()

	sell := buyFill("tok-up", "sell-1", 0.42, 10)
	sell.Side = string(types.SELL)
	f.loop.handleFill(ctx, sell)
	f.loop.handleFill(ctx, buyFill("tok-other-market", "buy-9", 0.50, 5))

	if snap := f.loop.cycle.Snapshot(); snap.Accumulations != 0 {
		t.Fatalf("accumulations = %d, want 0", snap.Accumulations)
	}
}

func TestReconcileCompletesLockAfterGap(t *testing.T) {
	t.Parallel()
	f := openFixture(t)
	ctx := context.Background()

	f.loop.handleFill(ctx, buyFill("tok-up", "buy-1", 0.42, 10))

	// The venue no longer lists the lock order: it filled while the user
	// channel was down. Reconciliation records the whole fill at the
	// lock price and closes out the now-profitable cycle.
	f.orders.open = nil
	f.loop.reconcile(ctx)

	snap := f.loop.cycle.Snapshot()
	if snap.CycleNumber != 2 {
		t.Fatalf("cycle = %d, want 2", snap.CycleNumber)
	}
	if f.loop.lockOrderID != "" {
		t.Fatal("lock order id not cleared")
	}
}

func TestReconcileTrimsPartialLockFill(t *testing.T) {
	t.Parallel()
	f := openFixture(t)
	ctx := context.Background()

	f.loop.handleFill(ctx, buyFill("tok-up", "buy-1", 0.42, 10))
	f.orders.open = []types.OpenOrder{{
		ID: "lock-1", Market: "0xcond", AssetID: "tok-down",
		Side: "BUY", OriginalSize: "10", SizeMatched: "6", Price: "0.56",
	}}
	f.loop.reconcile(ctx)

	snap := f.loop.cycle.Snapshot()
	if snap.DownQty != 6 || !snap.AwaitingLock {
		t.Fatalf("snap = %+v, want 6 down still awaiting", snap)
	}
	if got := f.loop.cycle.LockRemaining(); got != 4 {
		t.Fatalf("remaining = %v, want 4", got)
	}
}

func TestRunSerializesEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	go f.loop.Run(ctx)

	f.loop.OfferFill(buyFill("tok-up", "buy-1", 0.42, 10))
	f.loop.OfferGameEnd(types.GameEnded{MarketSlug: "nba-lal-bos", Winner: types.SideUp})

	deadline := time.After(2 * time.Second)
	for {
		if pos, ok := f.book.Get("nba-lal-bos"); ok && pos.State == position.StateSettled {
			break
		}
		select {
		case <-deadline:
			t.Fatal("game end not processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-f.loop.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
