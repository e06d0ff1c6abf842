package types

import "time"

// Derived events flowing between components. Each is a plain record copied
// to every subscriber; no event is shared mutable state.

// ————————————————————————————————————————————————————————————————————————
// Market-data events
// ————————————————————————————————————————————————————————————————————————

// BookUpdate is emitted after a book mutation has been applied atomically.
type BookUpdate struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// TradeTick is a public trade observed on the market channel. BestBid and
// BestAsk reflect the book after the trade was applied.
type TradeTick struct {
	TokenID   string
	Price     float64
	Size      float64
	Side      string // inferred aggressor side
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// User-channel events
// ————————————————————————————————————————————————————————————————————————

// OrderFill reports one filled order. A venue trade event fans out into one
// OrderFill per matched maker order, plus one for the taker order when ours.
type OrderFill struct {
	OrderID   string
	Market    string // condition ID
	AssetID   string // token ID
	Side      string
	Price     float64
	Size      float64
	Status    string
	Timestamp time.Time
}

// OrderUpdate reports an order lifecycle change.
type OrderUpdate struct {
	OrderID      string
	Type         string // PLACEMENT, UPDATE, CANCELLATION
	Market       string
	AssetID      string
	Side         string
	Price        float64
	SizeMatched  float64
	OriginalSize float64
	Timestamp    time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Balance events
// ————————————————————————————————————————————————————————————————————————

// BalanceChange is emitted whenever the settlement-token balance moves.
type BalanceChange struct {
	Prev      float64
	New       float64
	Delta     float64
	Direction string // "in" or "out"
	Timestamp time.Time
}

// BalanceIncrease is the subset of changes with positive delta. Unexpected
// increases mark inconsistent holdings stale for baseline exclusion.
type BalanceIncrease struct {
	Prev      float64
	New       float64
	Delta     float64
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Price-monitor events
// ————————————————————————————————————————————————————————————————————————

// PriceUpdate is emitted on every cached price change for a tracked token.
type PriceUpdate struct {
	MarketSlug string
	TokenID    string
	Side       MarketSide
	BestBid    float64
	BestAsk    float64
	Timestamp  time.Time
}

// SellTrigger fires once per side per market when that side's bid falls
// below the sport threshold. Carries both sides so handlers need no lookups.
type SellTrigger struct {
	MarketSlug     string
	LosingSide     MarketSide
	LosingTokenID  string
	LosingBid      float64
	WinningSide    MarketSide
	WinningTokenID string
	WinningBid     float64
	Timestamp      time.Time
}

// GameEnded fires exactly once per market after a fresh HTTP probe has
// confirmed the WS-observed bid at or above the game-end threshold.
type GameEnded struct {
	MarketSlug    string
	Winner        MarketSide
	WinnerTokenID string
	WinnerPrice   float64
	Loser         MarketSide
	LoserTokenID  string
	LoserPrice    float64
	Timestamp     time.Time
}

// StopLossTrigger fires once per market when both bids are below the
// configured stop-loss threshold. Disabled unless a threshold is set.
type StopLossTrigger struct {
	MarketSlug string
	Bid1       float64
	Bid2       float64
	Timestamp  time.Time
}

// WinnerPriceLog reports a significant drop of the remaining winner after
// the loser was sold. Informational only.
type WinnerPriceLog struct {
	MarketSlug string
	TokenID    string
	Price      float64
	EntryPrice float64
	Reason     string // "drop_from_entry" or the crossed threshold
	Timestamp  time.Time
}
