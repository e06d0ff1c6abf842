// Package market provides local order book management and market discovery.
//
// Book mirrors the CLOB order book for a single outcome token. It is updated
// from REST snapshots (initial load) and WebSocket events (full snapshots and
// incremental price changes). All mutations are applied atomically under the
// lock before any derived value can be observed, so consumers never see an
// intermediate book state.
//
// Level ordering: bids are kept in ascending price order with the best bid
// as the last element; asks in descending order with the best ask last.
// Appending at the tail is the common case for top-of-book churn.
package market

import (
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"polymarket-hedger/pkg/types"
)

// Level is one parsed price level.
type Level struct {
	Price float64
	Size  float64
}

// Book maintains a local mirror of the order book for one token.
// Concurrency-safe.
type Book struct {
	mu      sync.RWMutex
	tokenID string
	bids    []Level // ascending, best = last
	asks    []Level // descending, best = last
	hash    string
	updated time.Time
}

// NewBook creates an empty book for a token.
func NewBook(tokenID string) *Book {
	return &Book{tokenID: tokenID}
}

// TokenID returns the token this book mirrors.
func (b *Book) TokenID() string {
	return b.tokenID
}

// ApplySnapshot replaces the entire book. Wire levels arrive in arbitrary
// order; they are normalized here. Applying the same snapshot twice yields
// the same book.
func (b *Book) ApplySnapshot(bids, asks []types.PriceLevel, hash string) {
	newBids := parseLevels(bids)
	newAsks := parseLevels(asks)
	sort.Slice(newBids, func(i, j int) bool { return newBids[i].Price < newBids[j].Price })
	sort.Slice(newAsks, func(i, j int) bool { return newAsks[i].Price > newAsks[j].Price })

	b.mu.Lock()
	b.bids = newBids
	b.asks = newAsks
	b.hash = hash
	b.updated = time.Now()
	b.mu.Unlock()
}

// ApplyChange sets the size at one price level, inserting or removing the
// level as needed. size 0 removes. The side string follows the wire format.
func (b *Book) ApplyChange(side string, price, size float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if side == string(types.BUY) {
		b.bids = applyLevel(b.bids, price, size, func(a, bp float64) bool { return a < bp })
	} else {
		b.asks = applyLevel(b.asks, price, size, func(a, bp float64) bool { return a > bp })
	}
	b.updated = time.Now()
}

// applyLevel updates levels kept sorted by less, preserving best-last order.
func applyLevel(levels []Level, price, size float64, less func(a, b float64) bool) []Level {
	for i, lv := range levels {
		if lv.Price == price {
			if size <= 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size <= 0 {
		return levels
	}
	i := sort.Search(len(levels), func(i int) bool { return !less(levels[i].Price, price) })
	levels = append(levels, Level{})
	copy(levels[i+1:], levels[i:])
	levels[i] = Level{Price: price, Size: size}
	return levels
}

// BestBid returns the highest bid, or 0 if the side is empty.
func (b *Book) BestBid() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return 0
	}
	return b.bids[len(b.bids)-1].Price
}

// BestAsk returns the lowest ask, or 0 if the side is empty.
func (b *Book) BestAsk() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return 0
	}
	return b.asks[len(b.asks)-1].Price
}

// BestBidAsk returns both tops of book; ok is false when either is empty.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, 0, false
	}
	return b.bids[len(b.bids)-1].Price, b.asks[len(b.asks)-1].Price, true
}

// AvailableQtyAtOrBelow sums ask size at prices up to maxPrice, after
// ceiling maxPrice to the next cent.
func (b *Book) AvailableQtyAtOrBelow(maxPrice float64) float64 {
	limit := CeilToCent(maxPrice)
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total float64
	for _, lv := range b.asks {
		if lv.Price <= limit {
			total += lv.Size
		}
	}
	return total
}

// Asks returns a copy of the ask levels (descending, best last).
func (b *Book) Asks() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Level, len(b.asks))
	copy(out, b.asks)
	return out
}

// Bids returns a copy of the bid levels (ascending, best last).
func (b *Book) Bids() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Level, len(b.bids))
	copy(out, b.bids)
	return out
}

// IsStale reports whether no data has arrived within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book mutation.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// CeilToCent rounds a price up to the next cent. A small epsilon guards
// against float noise pushing an exact cent up a whole cent.
func CeilToCent(p float64) float64 {
	return math.Ceil(p*100-1e-9) / 100
}

func parseLevels(in []types.PriceLevel) []Level {
	out := make([]Level, 0, len(in))
	for _, lv := range in {
		price, err1 := strconv.ParseFloat(lv.Price, 64)
		size, err2 := strconv.ParseFloat(lv.Size, 64)
		if err1 != nil || err2 != nil || size <= 0 {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out
}

// BookSet indexes one Book per subscribed token.
type BookSet struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewBookSet creates an empty index.
func NewBookSet() *BookSet {
	return &BookSet{books: make(map[string]*Book)}
}

// Get returns the book for a token, creating it on first use.
func (s *BookSet) Get(tokenID string) *Book {
	s.mu.RLock()
	b, ok := s.books[tokenID]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[tokenID]; ok {
		return b
	}
	b = NewBook(tokenID)
	s.books[tokenID] = b
	return b
}

// Lookup returns the book for a token without creating it.
func (s *BookSet) Lookup(tokenID string) (*Book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[tokenID]
	return b, ok
}
