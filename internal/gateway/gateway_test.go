package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"polymarket-hedger/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDisabledPassesThrough(t *testing.T) {
	t.Parallel()
	gw := New(testLogger(), false, 3, time.Millisecond)
	defer gw.Close()

	called := false
	err := gw.Execute(context.Background(), CategoryGamma, func(ctx context.Context) error {
		called = true
		return nil
	}, "noop")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestFIFOWithinCategory(t *testing.T) {
	t.Parallel()
	gw := New(testLogger(), true, 3, time.Millisecond)
	defer gw.Close()
	gw.SetCategory("test", CategoryConfig{
		MaxRequests: 100, Window: time.Second, MinInterval: 0,
		MaxRetries: 0, BaseBackoff: time.Millisecond,
	})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stagger submissions so queue order is deterministic.
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			gw.Execute(context.Background(), "test", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			}, "ordered")
		}()
	}
	wg.Wait()

	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("dispatch out of submission order: %v", order)
		}
	}
}

func TestRateLimitRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	gw := New(testLogger(), true, 3, time.Millisecond)
	defer gw.Close()

	calls := 0
	err := gw.Execute(context.Background(), CategoryCLOBGeneral, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &types.RateLimitedError{}
		}
		return nil
	}, "flaky")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	stats := gw.StatsFor(CategoryCLOBGeneral)
	if stats.RateLimited != 2 || stats.Retries != 2 {
		t.Fatalf("stats = %+v, want 2 rate-limited, 2 retries", stats)
	}
	if stats.Requests != 3 {
		t.Fatalf("requests = %d, want 3", stats.Requests)
	}
}

func TestRateLimitExhaustionSurfaces(t *testing.T) {
	t.Parallel()
	gw := New(testLogger(), true, 2, time.Millisecond)
	defer gw.Close()

	calls := 0
	err := gw.Execute(context.Background(), CategoryCLOBGeneral, func(ctx context.Context) error {
		calls++
		return &types.RateLimitedError{}
	}, "always-limited")
	if !types.IsRateLimited(err) {
		t.Fatalf("err = %v, want rate-limited", err)
	}
	if calls != 3 { // initial + 2 retries
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestNonRateLimitErrorNotRetried(t *testing.T) {
	t.Parallel()
	gw := New(testLogger(), true, 3, time.Millisecond)
	defer gw.Close()

	boom := errors.New("boom")
	calls := 0
	err := gw.Execute(context.Background(), CategoryCLOBGeneral, func(ctx context.Context) error {
		calls++
		return boom
	}, "broken")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestWindowExhaustionQueuesUntilSlotAges(t *testing.T) {
	t.Parallel()
	gw := New(testLogger(), true, 3, time.Millisecond)
	defer gw.Close()
	// 3 slots per 200ms window: the 4th call must wait for the oldest slot.
	gw.SetCategory("tiny", CategoryConfig{
		MaxRequests: 3, Window: 200 * time.Millisecond, MinInterval: 0,
		MaxRetries: 0, BaseBackoff: time.Millisecond,
	})

	start := time.Now()
	for i := 0; i < 4; i++ {
		err := gw.Execute(context.Background(), "tiny", func(ctx context.Context) error {
			return nil
		}, "slot")
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Fatalf("4th request dispatched after %v, want >= window", elapsed)
	}
}

func TestMinIntervalPacing(t *testing.T) {
	t.Parallel()
	gw := New(testLogger(), true, 3, time.Millisecond)
	defer gw.Close()
	gw.SetCategory("paced", CategoryConfig{
		MaxRequests: 100, Window: time.Second, MinInterval: 30 * time.Millisecond,
		MaxRetries: 0, BaseBackoff: time.Millisecond,
	})

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := gw.Execute(context.Background(), "paced", func(ctx context.Context) error {
			return nil
		}, "tick"); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	// 4 requests need at least 3 full intervals.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 90ms", elapsed)
	}
}

func TestApproachingLimit(t *testing.T) {
	t.Parallel()
	gw := New(testLogger(), true, 3, time.Millisecond)
	defer gw.Close()
	gw.SetCategory("small", CategoryConfig{
		MaxRequests: 5, Window: time.Second, MinInterval: 0,
		MaxRetries: 0, BaseBackoff: time.Millisecond,
	})

	if gw.ApproachingLimit("small") {
		t.Fatal("approaching limit before any request")
	}
	for i := 0; i < 4; i++ {
		gw.Execute(context.Background(), "small", func(ctx context.Context) error { return nil }, "fill")
	}
	if !gw.ApproachingLimit("small") {
		t.Fatal("4/5 slots used, want approaching limit")
	}
}

func TestContextCancelledWhileQueued(t *testing.T) {
	t.Parallel()
	gw := New(testLogger(), true, 3, time.Millisecond)
	defer gw.Close()
	gw.SetCategory("slow", CategoryConfig{
		MaxRequests: 1, Window: time.Second, MinInterval: 0,
		MaxRetries: 0, BaseBackoff: time.Millisecond,
	})

	// Consume the only slot.
	gw.Execute(context.Background(), "slow", func(ctx context.Context) error { return nil }, "first")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := gw.Execute(ctx, "slow", func(ctx context.Context) error { return nil }, "queued")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRateLimitedHTTPHint(t *testing.T) {
	t.Parallel()
	err := RateLimitedHTTP(429, 2*time.Second)
	if !types.IsRateLimited(err) {
		t.Fatalf("err = %v, want rate-limited", err)
	}
	if got := resetHint(err); got != 2*time.Second {
		t.Fatalf("resetHint = %v, want 2s", got)
	}
}
