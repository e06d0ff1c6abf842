// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order types, market
// descriptors, order book snapshots, and WebSocket event payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"math"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported time-in-force modes.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // resting: stays on book until filled or cancelled
	OrderTypeFOK OrderType = "FOK" // all-or-nothing, immediate
	OrderTypeFAK OrderType = "FAK" // fill-any-kill-rest (the venue's IOC)
	OrderTypeGTD OrderType = "GTD" // good-til-date
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// AuthMode selects how collateral operations reach the chain.
type AuthMode string

const (
	AuthModeEOA   AuthMode = "EOA"   // direct signed transactions, operator pays gas
	AuthModeProxy AuthMode = "PROXY" // proxy wallet via relayer (or direct when configured)
)

// OrderIntent classifies why the strategy is placing an order. It selects
// the sizing and logging path in the executor but never changes wire format.
type OrderIntent string

const (
	IntentAccumulate OrderIntent = "ACCUMULATE" // building one side within the price ceiling
	IntentFlip       OrderIntent = "FLIP"       // large buy switching the active side
	IntentLock       OrderIntent = "LOCK"       // hedge order that locks the pair
	IntentExit       OrderIntent = "EXIT"       // selling a held side to realize value
)

// MarketSide distinguishes the two outcome slots of a binary market.
type MarketSide string

const (
	SideUp   MarketSide = "UP"
	SideDown MarketSide = "DOWN"
)

// Opposite returns the complementary outcome slot.
func (m MarketSide) Opposite() MarketSide {
	if m == SideUp {
		return SideDown
	}
	return SideUp
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketDescriptor identifies one binary market and both of its outcome
// tokens. Produced by the discovery poller and consumed by the engine; the
// strategy layer treats it as immutable.
type MarketDescriptor struct {
	Slug        string // human-readable market slug
	ConditionID string // CTF condition ID (cancels, user WS subscription, collateral ops)
	Question    string

	UpTokenID   string // CLOB token ID for the UP / YES outcome
	DownTokenID string // CLOB token ID for the DOWN / NO outcome
	UpLabel     string // outcome label, e.g. "Up" or the home team
	DownLabel   string

	Sport   string    // sport/category key for threshold lookup ("" for crypto binaries)
	EndTime time.Time // scheduled resolution time
	NegRisk bool      // selects the neg-risk adapter contract family

	BestBidUp   float64 // top of book at discovery time (informational)
	BestAskUp   float64
	BestBidDown float64
	BestAskDown float64
}

// TokenIDs returns both outcome token IDs, UP first.
func (m MarketDescriptor) TokenIDs() []string {
	return []string{m.UpTokenID, m.DownTokenID}
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Price and Size are strings on
// the wire because the CLOB API returns them as strings to preserve decimal
// precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the high-level order the executor submits.
type OrderRequest struct {
	TokenID    string
	Price      float64 // limit price, 0.0–1.0
	Size       float64 // quantity in outcome tokens
	Side       Side
	OrderType  OrderType
	NegRisk    bool
	Expiration int64 // unix seconds, 0 = no expiry (GTD only)
}

// OrderResponse is the venue's synchronous reply to an order submission.
// TakingAmount and MakingAmount are populated when the order crossed
// immediately; the executor trusts them over any later WS confirmation.
type OrderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`       // "live", "matched", "delayed", "unmatched"
	TakingAmount string `json:"takingAmount"` // what the maker received (filled)
	MakingAmount string `json:"makingAmount"` // what the maker gave
}

// OpenOrder represents a live resting order on the CLOB.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`   // condition ID
	AssetID      string `json:"asset_id"` // token ID
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// CancelResponse is returned by DELETE /orders and /cancel-market-orders.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// MinOrderShares returns the venue's minimum order size at a price:
// at least 5 shares and at least $1 of notional.
func MinOrderShares(price float64) float64 {
	if price <= 0 {
		return 5
	}
	byNotional := math.Ceil(1.0 / price)
	if byNotional > 5 {
		return byNotional
	}
	return 5
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the Polymarket WebSockets.
// Market channel: "book" (full snapshot), "price_change" (delta),
// "last_trade_price" (tick). User channel: "trade" (fill), "order"
// (placement/update/cancel lifecycle).

// WSBookEvent is a full order book snapshot from the market channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Buys      []PriceLevel `json:"buys"`  // legacy field name, some gateways still send it
	Sells     []PriceLevel `json:"sells"` // legacy field name
}

// BidLevels returns bid levels regardless of which field name the venue used.
func (e WSBookEvent) BidLevels() []PriceLevel {
	if len(e.Bids) > 0 {
		return e.Bids
	}
	return e.Buys
}

// AskLevels returns ask levels regardless of which field name the venue used.
func (e WSBookEvent) AskLevels() []PriceLevel {
	if len(e.Asks) > 0 {
		return e.Asks
	}
	return e.Sells
}

// WSPriceChange is a single level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // new size at that level, 0 = removed
	Side    string `json:"side"` // "BUY" or "SELL"
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is an incremental book update; all changes are applied
// atomically before any derived event is emitted.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSLastTradeEvent is a public trade tick from the market channel.
type WSLastTradeEvent struct {
	EventType string `json:"event_type"` // always "last_trade_price"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

// WSMakerOrder is one of our resting orders matched within a trade event.
type WSMakerOrder struct {
	OrderID       string `json:"order_id"`
	AssetID       string `json:"asset_id"`
	Price         string `json:"price"`
	MatchedAmount string `json:"matched_amount"`
	Outcome       string `json:"outcome"`
}

// WSTradeEvent is a fill notification from the user channel. One fill event
// is derived per maker order, plus one for the taker order if it is ours.
type WSTradeEvent struct {
	EventType    string         `json:"event_type"` // always "trade"
	ID           string         `json:"id"`
	Market       string         `json:"market"` // condition ID
	AssetID      string         `json:"asset_id"`
	Side         string         `json:"side"`
	Size         string         `json:"size"`
	Price        string         `json:"price"`
	Status       string         `json:"status"` // "MATCHED", "MINED", "CONFIRMED", ...
	Outcome      string         `json:"outcome"`
	MakerOrders  []WSMakerOrder `json:"maker_orders"`
	TakerOrderID string         `json:"taker_order_id"`
	Timestamp    string         `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user channel.
type WSOrderEvent struct {
	EventType    string `json:"event_type"` // always "order"
	ID           string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"` // cumulative filled
	Outcome      string `json:"outcome"`
	Timestamp    string `json:"timestamp"`
	Type         string `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
}

// WSSubscribeMsg is the initial subscription message sent on connect.
// For the user channel, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"`                 // "MARKET" or "user"
	Markets  []string `json:"markets,omitempty"`    // condition IDs (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (market channel)
}

// WSAuth contains the L2 API credentials for the user channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey,omitempty"`
	Secret     string `json:"secret,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// WSUpdateMsg subscribes or unsubscribes after the initial connection.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
