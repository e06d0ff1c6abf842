package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"polymarket-hedger/pkg/types"
)

type fakeLiquidity struct {
	depth atomic.Value // float64
}

func (f *fakeLiquidity) set(v float64) { f.depth.Store(v) }

func (f *fakeLiquidity) AvailableQtyAtOrBelow(tokenID string, maxPrice float64) float64 {
	v, _ := f.depth.Load().(float64)
	return v
}

type fakePlacer struct {
	mu       sync.Mutex
	requests []types.OrderRequest
	respond  func(req types.OrderRequest) (*types.OrderResponse, error)
	order    *types.OpenOrder
}

func (f *fakePlacer) PostOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakePlacer) CancelOrders(ctx context.Context, ids []string) (*types.CancelResponse, error) {
	return &types.CancelResponse{Canceled: ids}, nil
}

func (f *fakePlacer) CancelMarketOrders(ctx context.Context, conditionID, tokenID string) (*types.CancelResponse, error) {
	return &types.CancelResponse{}, nil
}

func (f *fakePlacer) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	if f.order == nil {
		return nil, errors.New("not found")
	}
	return f.order, nil
}

func (f *fakePlacer) posted() []types.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.OrderRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func testExecutor(t *testing.T, placer *fakePlacer, liq *fakeLiquidity, onFilled OnOrderFilled) *Executor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(placer, liq, nil, Config{
		FillTimeout:   200 * time.Millisecond,
		ChunkPause:    time.Millisecond,
		LiquidityWait: 100 * time.Millisecond,
		SellDelayWait: time.Millisecond,
	}, onFilled, logger)
	e.liquidityPoll = 5 * time.Millisecond
	return e
}

func TestPreciseBuyRejectsThinBook(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	liq.set(14) // 14/10 = 1.4 < 1.5
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		t.Error("order must not be posted on thin book")
		return nil, nil
	}}
	e := testExecutor(t, placer, liq, nil)

	res, err := e.PreciseBuy(context.Background(), "tok", 10, 0.42, false)
	if !errors.Is(err, types.ErrNoLiquidity) {
		t.Fatalf("err = %v, want ErrNoLiquidity", err)
	}
	if res.Status != StatusNoLiquidity {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestPreciseBuyTrustsSynchronousFill(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	liq.set(100)
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		return &types.OrderResponse{
			Success: true, OrderID: "ord-1", Status: "matched",
			TakingAmount: "10", MakingAmount: "4.20",
		}, nil
	}}

	var cbShares, cbPrice float64
	e := testExecutor(t, placer, liq, func(orderID string, shares, price float64, side types.Side) {
		cbShares, cbPrice = shares, price
	})

	res, err := e.PreciseBuy(context.Background(), "tok", 10, 0.413, false)
	if err != nil {
		t.Fatalf("PreciseBuy: %v", err)
	}
	if res.Status != StatusFilled || res.FilledShares != 10 {
		t.Fatalf("res = %+v", res)
	}
	if res.AvgPrice != 0.42 {
		t.Fatalf("avg = %v, want 0.42", res.AvgPrice)
	}
	if cbShares != 10 || cbPrice != 0.42 {
		t.Fatalf("callback got shares=%v price=%v", cbShares, cbPrice)
	}
	// Limit price ceiled to the next cent.
	if got := placer.posted()[0].Price; got != 0.42 {
		t.Fatalf("posted price = %v, want 0.42", got)
	}
}

func TestPreciseBuyAwaitsWSFill(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	liq.set(100)
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		return &types.OrderResponse{Success: true, OrderID: "ord-ws", Status: "live"}, nil
	}}
	e := testExecutor(t, placer, liq, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.OnFill(types.OrderFill{OrderID: "ord-ws", AssetID: "tok", Side: string(types.BUY), Price: 0.40, Size: 10})
	}()

	res, err := e.PreciseBuy(context.Background(), "tok", 10, 0.40, false)
	if err != nil {
		t.Fatalf("PreciseBuy: %v", err)
	}
	if res.Status != StatusFilled || res.AvgPrice != 0.40 {
		t.Fatalf("res = %+v", res)
	}
}

func TestPreciseBuyFillRacesAheadOfResponse(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	liq.set(100)
	var e *Executor
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		// Fill lands before the HTTP response returns an order ID.
		e.OnFill(types.OrderFill{OrderID: "ord-2", AssetID: "tok", Side: string(types.BUY), Price: 0.40, Size: 7})
		return &types.OrderResponse{Success: true, OrderID: "ord-2", Status: "live"}, nil
	}}
	e = testExecutor(t, placer, liq, nil)

	res, err := e.PreciseBuy(context.Background(), "tok", 7, 0.40, false)
	if err != nil {
		t.Fatalf("PreciseBuy: %v", err)
	}
	if res.FilledShares != 7 {
		t.Fatalf("res = %+v", res)
	}
}

func TestPreciseBuyTimeout(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	liq.set(100)
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		return &types.OrderResponse{Success: true, OrderID: "ord-3", Status: "live"}, nil
	}}
	e := testExecutor(t, placer, liq, nil)

	_, err := e.PreciseBuy(context.Background(), "tok", 10, 0.40, false)
	if !errors.Is(err, types.ErrOrderTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestPreciseBuyKilled(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	liq.set(100)
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		return &types.OrderResponse{Success: true, OrderID: "ord-4", Status: "unmatched"}, nil
	}}
	e := testExecutor(t, placer, liq, nil)

	res, err := e.PreciseBuy(context.Background(), "tok", 10, 0.40, false)
	if !errors.Is(err, types.ErrOrderKilled) {
		t.Fatalf("err = %v, want killed", err)
	}
	if res.Status != StatusKilled {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestPreciseFlipBuyChunksThinBook(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	liq.set(40) // 40/50 < 1.5 forces chunking, but each 20-share chunk fits
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		if req.OrderType != types.OrderTypeFOK {
			t.Errorf("chunk orderType = %s, want FOK", req.OrderType)
		}
		filled := req.Size
		return &types.OrderResponse{
			Success: true, OrderID: "chunk", Status: "matched",
			TakingAmount: formatF(filled), MakingAmount: formatF(filled * req.Price),
		}, nil
	}}
	e := testExecutor(t, placer, liq, nil)

	res, err := e.PreciseFlipBuy(context.Background(), "tok", 50, 0.56, false)
	if err != nil {
		t.Fatalf("PreciseFlipBuy: %v", err)
	}
	if res.Status != StatusFilled || res.FilledShares != 50 {
		t.Fatalf("res = %+v", res)
	}
	posts := placer.posted()
	if len(posts) != 3 { // 20 + 20 + 10
		t.Fatalf("posted %d chunks, want 3", len(posts))
	}
	if posts[0].Size != 20 || posts[2].Size != 10 {
		t.Fatalf("chunk sizes = %v, %v, %v", posts[0].Size, posts[1].Size, posts[2].Size)
	}
}

func TestPreciseFlipBuyDelegatesWhenLiquid(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	liq.set(200)
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		if req.OrderType != types.OrderTypeFAK {
			t.Errorf("orderType = %s, want FAK delegate", req.OrderType)
		}
		return &types.OrderResponse{
			Success: true, OrderID: "one-shot", Status: "matched",
			TakingAmount: "50", MakingAmount: "28",
		}, nil
	}}
	e := testExecutor(t, placer, liq, nil)

	res, err := e.PreciseFlipBuy(context.Background(), "tok", 50, 0.56, false)
	if err != nil {
		t.Fatalf("PreciseFlipBuy: %v", err)
	}
	if len(placer.posted()) != 1 || res.FilledShares != 50 {
		t.Fatalf("res = %+v, posts = %d", res, len(placer.posted()))
	}
}

func TestPlaceLockOrderBumpsToMinimum(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		if req.OrderType != types.OrderTypeGTC {
			t.Errorf("orderType = %s, want GTC", req.OrderType)
		}
		return &types.OrderResponse{Success: true, OrderID: "lock-1", Status: "live"}, nil
	}}
	e := testExecutor(t, placer, liq, nil)

	res, err := e.PlaceLockOrder(context.Background(), "slug", "tok", 2, 0.10, false)
	if err != nil {
		t.Fatalf("PlaceLockOrder: %v", err)
	}
	if !res.Resting || res.OrderID != "lock-1" {
		t.Fatalf("res = %+v", res)
	}
	// $1 at 0.10 needs 10 shares; 2 is below both floors.
	if got := placer.posted()[0].Size; got != 10 {
		t.Fatalf("size = %v, want bumped to 10", got)
	}
}

func TestSellDelayedStatusReReadsOrder(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	placer := &fakePlacer{
		respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
			return &types.OrderResponse{Success: true, OrderID: "sell-1", Status: "delayed"}, nil
		},
		order: &types.OpenOrder{ID: "sell-1", SizeMatched: "8", Price: "0.31"},
	}
	e := testExecutor(t, placer, liq, nil)

	res, err := e.SellIOC(context.Background(), "slug", "tok", 8, 0.30, false)
	if err != nil {
		t.Fatalf("SellIOC: %v", err)
	}
	if res.FilledShares != 8 || res.AvgPrice != 0.31 {
		t.Fatalf("res = %+v", res)
	}
}

func TestSellBelowMinimumIsBumped(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		return &types.OrderResponse{
			Success: true, OrderID: "sell-2", Status: "matched",
			TakingAmount: formatF(req.Size * req.Price), MakingAmount: formatF(req.Size),
		}, nil
	}}
	e := testExecutor(t, placer, liq, nil)

	res, err := e.SellIOC(context.Background(), "slug", "tok", 3, 0.25, false)
	if err != nil {
		t.Fatalf("SellIOC: %v", err)
	}
	if got := placer.posted()[0].Size; got != 5 {
		t.Fatalf("size = %v, want venue minimum 5", got)
	}
	if res.FilledShares != 5 {
		t.Fatalf("res = %+v", res)
	}
}

func TestCancelZeroIsNotAnError(t *testing.T) {
	t.Parallel()
	e := testExecutor(t, &fakePlacer{}, &fakeLiquidity{}, nil)
	n, err := e.CancelOrders(context.Background(), "0xcond", "")
	if err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
	if n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestWaitForLiquiditySeesLateDepth(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	liq.set(0)
	e := testExecutor(t, &fakePlacer{}, liq, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		liq.set(100)
	}()
	if !e.WaitForLiquidity(context.Background(), "tok", 10, 0.40, 200*time.Millisecond) {
		t.Fatal("liquidity arrival not observed")
	}

	liq.set(0)
	if e.WaitForLiquidity(context.Background(), "tok", 10, 0.40, 30*time.Millisecond) {
		t.Fatal("reported liquidity on an empty book")
	}
}

func formatF(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type fakeGuard struct {
	mu      sync.Mutex
	evicted int
	ensured int
}

func (g *fakeGuard) InvalidateOnError(err error) bool {
	if err == nil || !strings.Contains(strings.ToLower(err.Error()), "allowance") {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evicted++
	return true
}

func (g *fakeGuard) EnsureSellApprovals(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensured++
	return nil
}

func TestSellRetriesOnceAfterAllowanceRejection(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	var posts atomic.Int64
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		if posts.Add(1) == 1 {
			return &types.OrderResponse{Success: false, ErrorMsg: "not enough balance / allowance"}, nil
		}
		return &types.OrderResponse{
			Success: true, OrderID: "ord-sell", Status: "matched",
			TakingAmount: "2.5", MakingAmount: "10",
		}, nil
	}}
	guard := &fakeGuard{}
	e := testExecutor(t, placer, liq, nil)
	e.SetApprovalGuard(guard)

	res, err := e.SellIOC(context.Background(), "slug", "tok", 10, 0.25, false)
	if err != nil {
		t.Fatalf("SellIOC: %v", err)
	}
	if !res.Success || res.FilledShares != 10 {
		t.Fatalf("res = %+v", res)
	}
	if guard.evicted != 1 || guard.ensured != 1 {
		t.Fatalf("guard evicted/ensured = %d/%d, want 1/1", guard.evicted, guard.ensured)
	}
	if len(placer.posted()) != 2 {
		t.Fatalf("posts = %d, want rejection then retry", len(placer.posted()))
	}
}

func TestSellDoesNotRetryUnrelatedRejection(t *testing.T) {
	t.Parallel()
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		return &types.OrderResponse{Success: false, ErrorMsg: "market closed"}, nil
	}}
	guard := &fakeGuard{}
	e := testExecutor(t, placer, &fakeLiquidity{}, nil)
	e.SetApprovalGuard(guard)

	if _, err := e.SellIOC(context.Background(), "slug", "tok", 10, 0.25, false); err == nil {
		t.Fatal("expected rejection error")
	}
	if guard.ensured != 0 {
		t.Fatal("unrelated rejection must not re-approve")
	}
	if len(placer.posted()) != 1 {
		t.Fatalf("posts = %d, want 1", len(placer.posted()))
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	intents []string
}

func (f *fakeRecorder) LogTrade(ctx context.Context, slug, tokenID, side string, price, shares float64, intent, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, intent)
	return nil
}

func (f *fakeRecorder) InsertScalpOrder(ctx context.Context, orderID, slug, tokenID, side string, price, shares float64) (int64, error) {
	return 1, nil
}

func (f *fakeRecorder) logged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.intents))
	copy(out, f.intents)
	return out
}

func TestTradeLogCarriesIntent(t *testing.T) {
	t.Parallel()
	liq := &fakeLiquidity{}
	liq.set(100)
	placer := &fakePlacer{respond: func(req types.OrderRequest) (*types.OrderResponse, error) {
		if req.Side == types.BUY {
			return &types.OrderResponse{
				Success: true, OrderID: "ord-buy", Status: "matched",
				TakingAmount: "10", MakingAmount: "4.20",
			}, nil
		}
		return &types.OrderResponse{
			Success: true, OrderID: "ord-sell", Status: "matched",
			TakingAmount: "2.5", MakingAmount: "10",
		}, nil
	}}
	rec := &fakeRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(placer, liq, rec, Config{FillTimeout: 200 * time.Millisecond}, nil, logger)

	if _, err := e.PreciseBuy(context.Background(), "tok", 10, 0.42, false); err != nil {
		t.Fatalf("PreciseBuy: %v", err)
	}
	if _, err := e.SellIOC(context.Background(), "slug", "tok", 10, 0.25, false); err != nil {
		t.Fatalf("SellIOC: %v", err)
	}

	want := []string{string(types.IntentAccumulate), string(types.IntentExit)}
	got := rec.logged()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("intents = %v, want %v", got, want)
	}
}
