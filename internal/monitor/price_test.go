package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"polymarket-hedger/pkg/types"
)

type fakeProber struct {
	bid   atomic.Value // string price returned as the only bid level
	calls atomic.Int64
}

func (f *fakeProber) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	f.calls.Add(1)
	price, _ := f.bid.Load().(string)
	return &types.BookResponse{
		AssetID: tokenID,
		Bids:    []types.PriceLevel{{Price: price, Size: "100"}},
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func btcMarket() types.MarketDescriptor {
	return types.MarketDescriptor{
		Slug:        "btc-up-or-down",
		ConditionID: "0xc1",
		UpTokenID:   "tok-up",
		DownTokenID: "tok-down",
	}
}

func testMonitor(t *testing.T, prober BookProber) *PriceMonitor {
	t.Helper()
	return NewPriceMonitor(Config{
		DefaultSellThreshold: 0.25,
		GameEndBid:           0.99,
		FreshProbeTimeout:    time.Second,
	}, prober, nil, discardLogger())
}

func update(token string, bid, ask float64) types.BookUpdate {
	return types.BookUpdate{TokenID: token, BestBid: bid, BestAsk: ask, Timestamp: time.Now()}
}

func TestSellTriggerFiresOncePerSide(t *testing.T) {
	t.Parallel()
	p := testMonitor(t, &fakeProber{})
	p.Track(btcMarket())
	ctx := context.Background()

	// Above threshold: no trigger.
	p.OnBookUpdate(ctx, update("tok-up", 0.30, 0.32))
	p.OnBookUpdate(ctx, update("tok-down", 0.68, 0.70))
	select {
	case trig := <-p.SellTriggers():
		t.Fatalf("unexpected trigger %+v", trig)
	default:
	}

	// Drop below threshold: one trigger carrying both sides.
	p.OnBookUpdate(ctx, update("tok-up", 0.22, 0.24))
	select {
	case trig := <-p.SellTriggers():
		if trig.LosingSide != types.SideUp || trig.LosingTokenID != "tok-up" {
			t.Fatalf("trigger = %+v", trig)
		}
		if trig.WinningSide != types.SideDown || trig.WinningBid != 0.68 {
			t.Fatalf("winner fields = %+v", trig)
		}
	case <-time.After(time.Second):
		t.Fatal("no sell trigger")
	}

	// Further drops do not re-fire.
	p.OnBookUpdate(ctx, update("tok-up", 0.15, 0.18))
	select {
	case trig := <-p.SellTriggers():
		t.Fatalf("latch failed, second trigger %+v", trig)
	default:
	}
}

func TestSellTriggerIgnoresZeroBid(t *testing.T) {
	t.Parallel()
	p := testMonitor(t, &fakeProber{})
	p.Track(btcMarket())

	p.OnBookUpdate(context.Background(), update("tok-up", 0, 0.05))
	select {
	case trig := <-p.SellTriggers():
		t.Fatalf("triggered on empty book: %+v", trig)
	default:
	}
}

func TestGameEndedConfirmedByFreshProbe(t *testing.T) {
	t.Parallel()
	prober := &fakeProber{}
	prober.bid.Store("0.995")
	p := testMonitor(t, prober)
	p.Track(btcMarket())

	p.OnBookUpdate(context.Background(), update("tok-down", 0.995, 1.0))

	select {
	case evt := <-p.GameEndEvents():
		if evt.Winner != types.SideDown || evt.WinnerTokenID != "tok-down" {
			t.Fatalf("event = %+v", evt)
		}
		if evt.WinnerPrice != 0.995 {
			t.Fatalf("winner price = %v, want fresh 0.995", evt.WinnerPrice)
		}
		if evt.Loser != types.SideUp {
			t.Fatalf("loser = %v", evt.Loser)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no game end event")
	}
	if prober.calls.Load() == 0 {
		t.Fatal("fresh probe was never issued")
	}

	// A second crossing must not emit again.
	p.OnBookUpdate(context.Background(), update("tok-down", 0.996, 1.0))
	select {
	case evt := <-p.GameEndEvents():
		t.Fatalf("second game end emitted: %+v", evt)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestGameEndedRejectedWhenProbeDisagrees(t *testing.T) {
	t.Parallel()
	prober := &fakeProber{}
	prober.bid.Store("0.94") // fresh probe says the game is not over
	p := testMonitor(t, prober)
	p.Track(btcMarket())

	p.OnBookUpdate(context.Background(), update("tok-down", 0.995, 1.0))

	select {
	case evt := <-p.GameEndEvents():
		t.Fatalf("game end emitted on stale WS: %+v", evt)
	case <-time.After(500 * time.Millisecond):
	}

	// The probe reservation must be released so a later genuine end works.
	prober.bid.Store("0.995")
	p.OnBookUpdate(context.Background(), update("tok-down", 0.995, 1.0))
	select {
	case <-p.GameEndEvents():
	case <-time.After(2 * time.Second):
		t.Fatal("game end not emitted after probe recovered")
	}
}

func TestFetchFreshPriceOverwritesCacheAndCounts(t *testing.T) {
	t.Parallel()
	prober := &fakeProber{}
	prober.bid.Store("0.60")
	p := testMonitor(t, prober)
	p.Track(btcMarket())
	ctx := context.Background()

	p.OnBookUpdate(ctx, update("tok-up", 0.50, 0.52)) // cached 0.50, 10c off fresh

	fresh, err := p.FetchFreshPrice(ctx, "tok-up")
	if err != nil {
		t.Fatalf("FetchFreshPrice: %v", err)
	}
	if fresh != 0.60 {
		t.Fatalf("fresh = %v, want 0.60", fresh)
	}
	if bid, _, _ := p.CachedBid("tok-up"); bid != 0.60 {
		t.Fatalf("cache = %v, want overwritten to 0.60", bid)
	}
	if p.FreshProbeCount() != 1 {
		t.Fatalf("probe count = %d, want 1", p.FreshProbeCount())
	}
}

func TestStopLossFiresOnceWhenBothSidesCollapse(t *testing.T) {
	t.Parallel()
	p := NewPriceMonitor(Config{
		DefaultSellThreshold: 0.05, // keep sell triggers out of the way
		GameEndBid:           0.99,
		StopLossThreshold:    0.30,
	}, &fakeProber{}, nil, discardLogger())
	p.Track(btcMarket())
	ctx := context.Background()

	p.OnBookUpdate(ctx, update("tok-up", 0.28, 0.30))
	select {
	case trig := <-p.StopLossTriggers():
		t.Fatalf("fired with one side healthy: %+v", trig)
	default:
	}

	p.OnBookUpdate(ctx, update("tok-down", 0.25, 0.27))
	select {
	case <-p.StopLossTriggers():
	case <-time.After(time.Second):
		t.Fatal("no stop loss trigger")
	}

	p.OnBookUpdate(ctx, update("tok-down", 0.20, 0.22))
	select {
	case trig := <-p.StopLossTriggers():
		t.Fatalf("stop loss re-fired: %+v", trig)
	default:
	}
}

func TestWinnerDropLoggedAfterLoserSold(t *testing.T) {
	t.Parallel()
	p := testMonitor(t, &fakeProber{})
	p.Track(btcMarket())
	ctx := context.Background()

	p.SetEntryPrice("btc-up-or-down", types.SideDown, 0.60)
	p.MarkSold("btc-up-or-down", types.SideUp)

	// 0.52 is a >10% drop from the 0.60 entry.
	p.OnBookUpdate(ctx, update("tok-down", 0.52, 0.54))
	select {
	case log := <-p.WinnerLogs():
		if log.Reason != "drop_from_entry" {
			t.Fatalf("log = %+v", log)
		}
	case <-time.After(time.Second):
		t.Fatal("no winner drop log")
	}

	// Crossing 0.50 logs once more, then stays quiet.
	p.OnBookUpdate(ctx, update("tok-down", 0.49, 0.51))
	select {
	case log := <-p.WinnerLogs():
		if log.Reason != "crossed_level" {
			t.Fatalf("log = %+v", log)
		}
	case <-time.After(time.Second):
		t.Fatal("no level crossing log")
	}
	p.OnBookUpdate(ctx, update("tok-down", 0.48, 0.50))
	select {
	case log := <-p.WinnerLogs():
		t.Fatalf("level re-logged: %+v", log)
	default:
	}
}
