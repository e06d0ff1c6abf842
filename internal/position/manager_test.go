package position

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"polymarket-hedger/pkg/types"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	return NewManager(path, time.Minute, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func descriptor(slug string) types.MarketDescriptor {
	return types.MarketDescriptor{
		Slug:        slug,
		ConditionID: "0x" + slug,
		UpTokenID:   slug + "-up",
		DownTokenID: slug + "-down",
	}
}

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestLifecycleToSettled(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	if _, err := m.Open(descriptor("nba-lal-bos"), "nba", 10); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p, _ := m.Get("nba-lal-bos"); p.State != StatePendingSplit {
		t.Fatalf("state = %s", p.State)
	}

	if err := m.SplitConfirmed("nba-lal-bos", 10); err != nil {
		t.Fatalf("SplitConfirmed: %v", err)
	}
	if err := m.SideSold("nba-lal-bos", types.SideUp, 10, 2.20); err != nil {
		t.Fatalf("SideSold: %v", err)
	}
	if p, _ := m.Get("nba-lal-bos"); p.State != StatePartialSold {
		t.Fatalf("state = %s", p.State)
	}
	if err := m.GameEnded("nba-lal-bos", false, 0); err != nil {
		t.Fatalf("GameEnded: %v", err)
	}
	if err := m.Settled("nba-lal-bos", 10); err != nil {
		t.Fatalf("Settled: %v", err)
	}

	p, _ := m.Get("nba-lal-bos")
	if p.RealizedPnL == nil || !almost(*p.RealizedPnL, 2.20) { // 2.20 + 10 - 10
		t.Fatalf("pnl = %v", p.RealizedPnL)
	}
}

func TestGameEndWithoutSellGoesThroughMerge(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	m.Open(descriptor("mlb-nyy-tor"), "mlb", 10)
	m.SplitConfirmed("mlb-nyy-tor", 10)

	if err := m.GameEnded("mlb-nyy-tor", true, 10); err != nil {
		t.Fatalf("GameEnded: %v", err)
	}
	p, _ := m.Get("mlb-nyy-tor")
	if p.State != StatePendingSettlement || p.SettlementRevenue != 10 {
		t.Fatalf("position = %+v", p)
	}
}

func TestBothSidesSoldIsFullySold(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	m.Open(descriptor("nhl-pit-was"), "nhl", 10)
	m.SplitConfirmed("nhl-pit-was", 10)

	m.SideSold("nhl-pit-was", types.SideUp, 10, 3)
	if err := m.SideSold("nhl-pit-was", types.SideDown, 10, 6); err != nil {
		t.Fatalf("SideSold: %v", err)
	}
	p, _ := m.Get("nhl-pit-was")
	if p.State != StateFullySold {
		t.Fatalf("state = %s", p.State)
	}
	// Emergency exits settle without redemption proceeds.
	if err := m.Settled("nhl-pit-was", 0); err != nil {
		t.Fatalf("Settled: %v", err)
	}
	p, _ = m.Get("nhl-pit-was")
	if !almost(*p.RealizedPnL, -1) { // 3 + 6 - 10
		t.Fatalf("pnl = %v", *p.RealizedPnL)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	m.Open(descriptor("nba-gsw-den"), "nba", 10)

	// pending_split cannot jump straight to settlement.
	if err := m.GameEnded("nba-gsw-den", false, 0); err == nil {
		t.Fatal("transition from pending_split must fail")
	}
	if err := m.Settled("nba-gsw-den", 0); err == nil {
		t.Fatal("settling an unsplit position must fail")
	}
}

func TestOpenPositionCap(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	for i := 0; i < MaxOpenPositions; i++ {
		if _, err := m.Open(descriptor(fmt.Sprintf("m-%d", i)), "nba", 1); err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
	}
	if _, err := m.Open(descriptor("one-too-many"), "nba", 1); err == nil {
		t.Fatal("cap not enforced")
	}

	// Settling one frees a slot.
	m.SplitConfirmed("m-0", 1)
	m.GameEnded("m-0", true, 1)
	m.Settled("m-0", 0)
	if _, err := m.Open(descriptor("one-too-many"), "nba", 1); err != nil {
		t.Fatalf("Open after settle: %v", err)
	}
}

func TestOpenPositionCapConfigurable(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "positions.json")
	m := NewManager(path, time.Minute, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 2; i++ {
		if _, err := m.Open(descriptor(fmt.Sprintf("m-%d", i)), "nba", 1); err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
	}
	if _, err := m.Open(descriptor("one-too-many"), "nba", 1); err == nil {
		t.Fatal("configured cap of 2 not enforced")
	}
}

func TestUnrealizedPnL(t *testing.T) {
	t.Parallel()
	p := Position{
		SplitCost: 10,
		Up:        SidePosition{Shares: 10, Sold: true, SoldRevenue: 2.20},
		Down:      SidePosition{Shares: 10},
	}
	// 10 unsold DOWN at 0.95 + 2.20 sold - 10 split
	if got := p.UnrealizedPnL(0.30, 0.95); !almost(got, 1.70) {
		t.Fatalf("unrealized = %v, want 1.70", got)
	}
}

func TestSummaryPartitionsBySport(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	settle := func(slug, sport string, revenue float64) {
		m.Open(descriptor(slug), sport, 10)
		m.SplitConfirmed(slug, 10)
		m.GameEnded(slug, true, revenue)
		m.Settled(slug, 0)
	}
	settle("nba-1", "nba", 11) // +1
	settle("nba-2", "nba", 8)  // -2
	settle("mlb-1", "mlb", 12) // +2

	summaries := m.Summary()
	bySport := make(map[string]PnLSummary)
	for _, s := range summaries {
		bySport[s.Sport] = s
	}
	nba := bySport["nba"]
	if nba.Settled != 2 || nba.Wins != 1 || nba.Losses != 1 || nba.WinRate != 0.5 {
		t.Fatalf("nba = %+v", nba)
	}
	if !almost(nba.RealizedPnL, -1) {
		t.Fatalf("nba pnl = %v", nba.RealizedPnL)
	}
	if mlb := bySport["mlb"]; mlb.Settled != 1 || mlb.Wins != 1 {
		t.Fatalf("mlb = %+v", mlb)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "positions.json")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewManager(path, time.Minute, 0, logger)
	m.Open(descriptor("nba-okc-hou"), "nba", 10)
	m.SplitConfirmed("nba-okc-hou", 10)
	m.SideSold("nba-okc-hou", types.SideUp, 10, 2.50)
	if err := m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := NewManager(path, time.Minute, 0, logger)
	if err := fresh.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := fresh.Get("nba-okc-hou")
	if !ok {
		t.Fatal("position lost in round trip")
	}
	if p.State != StatePartialSold || !p.Up.Sold || p.Up.SoldRevenue != 2.50 {
		t.Fatalf("rehydrated = %+v", p)
	}
	if p.Up.SoldAt == nil || p.Up.SoldAt.IsZero() {
		t.Fatal("sold_at timestamp not re-parsed")
	}
}

func TestLoadMissingFileIsNoop(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestMarkStaleFlagsPendingSettlement(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	m.Open(descriptor("nba-a"), "nba", 10)
	m.SplitConfirmed("nba-a", 10)
	m.GameEnded("nba-a", false, 0)

	m.Open(descriptor("nba-b"), "nba", 10) // still pending_split, untouched

	if n := m.MarkStale(); n != 1 {
		t.Fatalf("stale count = %d, want 1", n)
	}
	if p, _ := m.Get("nba-a"); !p.Stale {
		t.Fatal("pending_settlement position not flagged")
	}
	if p, _ := m.Get("nba-b"); p.Stale {
		t.Fatal("pending_split position wrongly flagged")
	}
}
