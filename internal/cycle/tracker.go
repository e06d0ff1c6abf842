// Package cycle tracks one accumulation-then-lock sequence per market.
//
// The tracker is pure state owned by a strategy loop; it never talks to
// the venue. Costs are kept in decimals so pair-cost comparisons around
// the profit threshold are exact.
package cycle

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"polymarket-hedger/pkg/types"
)

// Accumulation is one recorded buy within the current cycle.
type Accumulation struct {
	Side   types.MarketSide
	Price  decimal.Decimal
	Shares decimal.Decimal
}

// LockParams describe the hedge order that would balance the cycle.
type LockParams struct {
	Side  types.MarketSide
	Gap   float64 // shares needed on the opposite side
	Price float64 // limit that keeps pair cost at or below target
}

// lockTarget is an in-flight hedge attempt.
type lockTarget struct {
	side      types.MarketSide
	remaining decimal.Decimal
	price     decimal.Decimal
}

// Tracker holds the per-cycle accumulation state for one market.
type Tracker struct {
	mu sync.Mutex

	targetPairCost decimal.Decimal
	cycleNumber    int

	upQty    decimal.Decimal
	downQty  decimal.Decimal
	upCost   decimal.Decimal
	downCost decimal.Decimal

	// Set on the first accumulation of a cycle; a permanent price
	// ceiling until StartNewCycle.
	initialAccumPrice decimal.Decimal
	initialAccumSide  types.MarketSide
	hasInitial        bool

	activeAccumSide types.MarketSide
	history         []Accumulation

	locked bool
	lock   *lockTarget
	logger *slog.Logger
}

// minLockPrice is the floor for hedge limit prices.
var minLockPrice = decimal.NewFromFloat(0.01)

// NewTracker creates a tracker targeting the given pair cost (e.g. 0.98).
func NewTracker(targetPairCost float64, logger *slog.Logger) *Tracker {
	return &Tracker{
		targetPairCost: decimal.NewFromFloat(targetPairCost),
		cycleNumber:    1,
		logger:         logger.With("component", "cycle_tracker"),
	}
}

// RecordAccumulation registers a filled buy. The first call of a cycle
// pins the initial price and side.
func (t *Tracker) RecordAccumulation(side types.MarketSide, price, shares float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := decimal.NewFromFloat(price)
	s := decimal.NewFromFloat(shares)
	cost := p.Mul(s)

	if side == types.SideUp {
		t.upQty = t.upQty.Add(s)
		t.upCost = t.upCost.Add(cost)
	} else {
		t.downQty = t.downQty.Add(s)
		t.downCost = t.downCost.Add(cost)
	}
	t.activeAccumSide = side
	t.history = append(t.history, Accumulation{Side: side, Price: p, Shares: s})

	if !t.hasInitial {
		t.initialAccumPrice = p
		t.initialAccumSide = side
		t.hasInitial = true
		t.logger.Info("cycle opened",
			"cycle", t.cycleNumber, "side", side, "price", price, "shares", shares)
	}
}

// RecordLockFill registers a filled hedge buy. Unlike RecordAccumulation
// it leaves the active side and the price ceiling untouched, so a
// partially hedged cycle keeps aiming its next lock at the same side.
func (t *Tracker) RecordLockFill(side types.MarketSide, price, shares float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := decimal.NewFromFloat(price)
	s := decimal.NewFromFloat(shares)
	cost := p.Mul(s)

	if side == types.SideUp {
		t.upQty = t.upQty.Add(s)
		t.upCost = t.upCost.Add(cost)
	} else {
		t.downQty = t.downQty.Add(s)
		t.downCost = t.downCost.Add(cost)
	}
	t.history = append(t.history, Accumulation{Side: side, Price: p, Shares: s})
}

// CanAccumulate reports whether a buy at currentPrice stays under the
// cycle's initial-price ceiling.
func (t *Tracker) CanAccumulate(currentPrice float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasInitial {
		return true
	}
	return decimal.NewFromFloat(currentPrice).LessThanOrEqual(t.initialAccumPrice)
}

// NeedsLock reports whether the cycle is imbalanced with no lock placed
// or in flight.
func (t *Tracker) NeedsLock() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.imbalancedLocked() && !t.locked && t.lock == nil
}

func (t *Tracker) imbalancedLocked() bool {
	active, opposite := t.activeQtyLocked()
	return active.GreaterThan(opposite)
}

func (t *Tracker) activeQtyLocked() (active, opposite decimal.Decimal) {
	if t.activeAccumSide == types.SideDown {
		return t.downQty, t.upQty
	}
	return t.upQty, t.downQty
}

// GetLockParams computes the hedge that balances the cycle at the
// target pair cost. Size is clamped to the venue minimum by the
// executor, not here.
func (t *Tracker) GetLockParams() LockParams {
	t.mu.Lock()
	defer t.mu.Unlock()

	active, opposite := t.activeQtyLocked()
	gap := active.Sub(opposite)

	price := minLockPrice
	if active.IsPositive() {
		var activeCost decimal.Decimal
		if t.activeAccumSide == types.SideDown {
			activeCost = t.downCost
		} else {
			activeCost = t.upCost
		}
		avg := activeCost.Div(active)
		if p := t.targetPairCost.Sub(avg); p.GreaterThan(minLockPrice) {
			price = p
		}
	}

	gapF, _ := gap.Float64()
	priceF, _ := price.Float64()
	return LockParams{
		Side:  t.activeAccumSide.Opposite(),
		Gap:   gapF,
		Price: priceF,
	}
}

// SetLockTarget records an in-flight hedge attempt.
func (t *Tracker) SetLockTarget(side types.MarketSide, shares, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lock = &lockTarget{
		side:      side,
		remaining: decimal.NewFromFloat(shares),
		price:     decimal.NewFromFloat(price),
	}
}

// UpdateLockTarget shrinks the in-flight target after a partial fill.
func (t *Tracker) UpdateLockTarget(remaining float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lock != nil {
		t.lock.remaining = decimal.NewFromFloat(remaining)
	}
}

// ClearLockTarget abandons the in-flight attempt, re-enabling NeedsLock.
func (t *Tracker) ClearLockTarget() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lock = nil
}

// HandleLockComplete marks the cycle hedged and drops the target.
func (t *Tracker) HandleLockComplete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lock = nil
	t.locked = true
	t.logger.Info("cycle locked", "cycle", t.cycleNumber,
		"up_qty", t.upQty, "down_qty", t.downQty)
}

// AwaitingLock reports whether a hedge attempt is in flight.
func (t *Tracker) AwaitingLock() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lock != nil
}

// LockRemaining returns the in-flight target's remaining shares.
func (t *Tracker) LockRemaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lock == nil {
		return 0
	}
	f, _ := t.lock.remaining.Float64()
	return f
}

// IsProfitLocked reports whether the hedged pair already pays more than
// it cost: min(up, down) > up_cost + down_cost.
func (t *Tracker) IsProfitLocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return decimal.Min(t.upQty, t.downQty).GreaterThan(t.upCost.Add(t.downCost))
}

// GetPairCost returns (up_cost + down_cost) / min(up, down), 0 when
// nothing is hedged yet.
func (t *Tracker) GetPairCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := decimal.Min(t.upQty, t.downQty)
	if m.IsZero() {
		return 0
	}
	f, _ := t.upCost.Add(t.downCost).Div(m).Float64()
	return f
}

// StartNewCycle zeroes all per-cycle state and bumps the cycle number.
func (t *Tracker) StartNewCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycleNumber++
	t.upQty = decimal.Zero
	t.downQty = decimal.Zero
	t.upCost = decimal.Zero
	t.downCost = decimal.Zero
	t.initialAccumPrice = decimal.Zero
	t.initialAccumSide = ""
	t.hasInitial = false
	t.activeAccumSide = ""
	t.history = nil
	t.locked = false
	t.lock = nil
	t.logger.Info("new cycle started", "cycle", t.cycleNumber)
}

// Snapshot is a read-only copy of the tracker state for logging and the
// dashboard relay.
type Snapshot struct {
	CycleNumber       int
	UpQty             float64
	DownQty           float64
	UpCost            float64
	DownCost          float64
	InitialAccumPrice float64
	InitialAccumSide  types.MarketSide
	ActiveAccumSide   types.MarketSide
	Locked            bool
	AwaitingLock      bool
	Accumulations     int
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	upQty, _ := t.upQty.Float64()
	downQty, _ := t.downQty.Float64()
	upCost, _ := t.upCost.Float64()
	downCost, _ := t.downCost.Float64()
	initial, _ := t.initialAccumPrice.Float64()
	return Snapshot{
		CycleNumber:       t.cycleNumber,
		UpQty:             upQty,
		DownQty:           downQty,
		UpCost:            upCost,
		DownCost:          downCost,
		InitialAccumPrice: initial,
		InitialAccumSide:  t.initialAccumSide,
		ActiveAccumSide:   t.activeAccumSide,
		Locked:            t.locked,
		AwaitingLock:      t.lock != nil,
		Accumulations:     len(t.history),
	}
}
