package market

import (
	"testing"

	"polymarket-hedger/pkg/types"
)

func levels(pairs ...string) []types.PriceLevel {
	var out []types.PriceLevel
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, types.PriceLevel{Price: pairs[i], Size: pairs[i+1]})
	}
	return out
}

func TestSnapshotOrdering(t *testing.T) {
	t.Parallel()
	b := NewBook("tok")
	b.ApplySnapshot(
		levels("0.40", "100", "0.42", "50", "0.38", "25"),
		levels("0.45", "80", "0.43", "60", "0.50", "10"),
		"h1",
	)

	bids := b.Bids()
	for i := 1; i < len(bids); i++ {
		if bids[i].Price < bids[i-1].Price {
			t.Fatalf("bids not ascending: %+v", bids)
		}
	}
	asks := b.Asks()
	for i := 1; i < len(asks); i++ {
		if asks[i].Price > asks[i-1].Price {
			t.Fatalf("asks not descending: %+v", asks)
		}
	}

	if got := b.BestBid(); got != 0.42 {
		t.Fatalf("BestBid = %v, want 0.42", got)
	}
	if got := b.BestAsk(); got != 0.43 {
		t.Fatalf("BestAsk = %v, want 0.43", got)
	}
	if bid, ask, ok := b.BestBidAsk(); !ok || bid >= ask {
		t.Fatalf("best bid %v >= best ask %v", bid, ask)
	}
}

func TestSnapshotAppliedTwiceIsIdempotent(t *testing.T) {
	t.Parallel()
	b := NewBook("tok")
	bids := levels("0.40", "100", "0.42", "50")
	asks := levels("0.45", "80", "0.43", "60")

	b.ApplySnapshot(bids, asks, "h1")
	bid1, ask1, _ := b.BestBidAsk()
	b.ApplySnapshot(bids, asks, "h1")
	bid2, ask2, _ := b.BestBidAsk()

	if bid1 != bid2 || ask1 != ask2 {
		t.Fatalf("double apply changed book: (%v,%v) vs (%v,%v)", bid1, ask1, bid2, ask2)
	}
}

func TestApplyChangeInsertUpdateRemove(t *testing.T) {
	t.Parallel()
	b := NewBook("tok")
	b.ApplySnapshot(levels("0.40", "100"), levels("0.45", "80"), "h1")

	// Insert a new better bid.
	b.ApplyChange("BUY", 0.41, 30)
	if got := b.BestBid(); got != 0.41 {
		t.Fatalf("BestBid after insert = %v, want 0.41", got)
	}

	// Update an existing ask level.
	b.ApplyChange("SELL", 0.45, 5)
	asks := b.Asks()
	if len(asks) != 1 || asks[0].Size != 5 {
		t.Fatalf("ask update: %+v", asks)
	}

	// Size 0 removes the level.
	b.ApplyChange("BUY", 0.41, 0)
	if got := b.BestBid(); got != 0.40 {
		t.Fatalf("BestBid after remove = %v, want 0.40", got)
	}

	// Removing an absent level is a no-op.
	b.ApplyChange("SELL", 0.99, 0)
	if got := b.BestAsk(); got != 0.45 {
		t.Fatalf("BestAsk = %v, want 0.45", got)
	}
}

func TestAvailableQtyAtOrBelow(t *testing.T) {
	t.Parallel()
	b := NewBook("tok")
	b.ApplySnapshot(nil, levels("0.43", "60", "0.45", "80", "0.50", "10"), "h1")

	tests := []struct {
		maxPrice float64
		want     float64
	}{
		{0.42, 0},     // all asks above limit
		{0.43, 60},    // exactly at a level
		{0.449, 140},  // ceils to 0.45
		{0.4401, 140}, // ceils to 0.45
		{0.60, 150},   // all levels
	}
	for _, tt := range tests {
		if got := b.AvailableQtyAtOrBelow(tt.maxPrice); got != tt.want {
			t.Errorf("AvailableQtyAtOrBelow(%v) = %v, want %v", tt.maxPrice, got, tt.want)
		}
	}
}

func TestCeilToCent(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want float64 }{
		{0.55, 0.55},  // exact cent stays put
		{0.551, 0.56},
		{0.4401, 0.45},
		{0.01, 0.01},
	}
	for _, tt := range tests {
		if got := CeilToCent(tt.in); got != tt.want {
			t.Errorf("CeilToCent(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBookSetGetCreatesOnce(t *testing.T) {
	t.Parallel()
	s := NewBookSet()
	b1 := s.Get("tok")
	b2 := s.Get("tok")
	if b1 != b2 {
		t.Fatal("Get returned distinct books for the same token")
	}
	if _, ok := s.Lookup("other"); ok {
		t.Fatal("Lookup created a book")
	}
}
