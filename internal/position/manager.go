// Package position owns the multi-market position map.
//
// Positions move through a fixed state machine; every transition is
// timestamped. The whole map is snapshotted to disk on an interval and
// on shutdown, and rehydrated on startup, so a restart mid-game does
// not lose track of held tokens.
package position

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"polymarket-hedger/pkg/types"
)

// State is a position's place in its lifecycle.
type State string

const (
	StatePendingSplit      State = "pending_split"
	StateHolding           State = "holding"
	StatePartialSold       State = "partial_sold"
	StateFullySold         State = "fully_sold" // emergency exit of both sides
	StatePendingSettlement State = "pending_settlement"
	StateSettled           State = "settled"
)

// snapshotVersion guards rehydration across format changes.
const snapshotVersion = 2

// MaxOpenPositions is the default cap on concurrent non-settled positions.
const MaxOpenPositions = 50

// SidePosition is one outcome leg of a position.
type SidePosition struct {
	TokenID     string     `json:"token_id"`
	Shares      float64    `json:"shares"`
	Sold        bool       `json:"sold"`
	SoldShares  float64    `json:"sold_shares"`
	SoldRevenue float64    `json:"sold_revenue"`
	SoldAt      *time.Time `json:"sold_at,omitempty"`
}

// Position is one market's holding.
type Position struct {
	MarketSlug     string    `json:"market_slug"`
	ConditionID    string    `json:"condition_id"`
	Sport          string    `json:"sport"`
	NegRisk        bool      `json:"neg_risk"`
	State          State     `json:"state"`
	StateChangedAt time.Time `json:"state_changed_at"`
	CreatedAt      time.Time `json:"created_at"`

	SplitCost float64 `json:"split_cost"`

	Up   SidePosition `json:"up"`
	Down SidePosition `json:"down"`

	SettlementRevenue float64  `json:"settlement_revenue"`
	RealizedPnL       *float64 `json:"realized_pnl,omitempty"`
	Stale             bool     `json:"stale,omitempty"` // flagged on unexplained balance credit
}

// TotalSoldRevenue sums both legs' sale proceeds.
func (p *Position) TotalSoldRevenue() float64 {
	return p.Up.SoldRevenue + p.Down.SoldRevenue
}

// UnrealizedPnL values unsold shares at the given per-side prices.
func (p *Position) UnrealizedPnL(upPrice, downPrice float64) float64 {
	unsold := 0.0
	if !p.Up.Sold {
		unsold += p.Up.Shares * upPrice
	}
	if !p.Down.Sold {
		unsold += p.Down.Shares * downPrice
	}
	return unsold + p.TotalSoldRevenue() - p.SplitCost
}

// PnLSummary aggregates settled results for one sport.
type PnLSummary struct {
	Sport       string  `json:"sport"`
	Settled     int     `json:"settled"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// snapshotFile is the on-disk form.
type snapshotFile struct {
	Version   int                  `json:"version"`
	SavedAt   time.Time            `json:"saved_at"`
	Positions map[string]*Position `json:"positions"`
}

// Manager holds every tracked position, keyed by market slug.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*Position

	path     string
	interval time.Duration
	maxOpen  int
	logger   *slog.Logger
}

// NewManager creates a manager persisting to path every interval.
// maxOpen caps concurrent non-settled positions; non-positive values use
// the default.
func NewManager(path string, interval time.Duration, maxOpen int, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxOpen <= 0 {
		maxOpen = MaxOpenPositions
	}
	return &Manager{
		positions: make(map[string]*Position),
		path:      path,
		interval:  interval,
		maxOpen:   maxOpen,
		logger:    logger.With("component", "positions"),
	}
}

// Open adds a new position in pending_split. Fails when the open-position
// cap is reached or the slug is already tracked.
func (m *Manager) Open(desc types.MarketDescriptor, sport string, splitCost float64) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[desc.Slug]; exists {
		return nil, fmt.Errorf("position for %s already tracked", desc.Slug)
	}
	open := 0
	for _, p := range m.positions {
		if p.State != StateSettled {
			open++
		}
	}
	if open >= m.maxOpen {
		return nil, fmt.Errorf("open position cap (%d) reached", m.maxOpen)
	}

	now := time.Now()
	pos := &Position{
		MarketSlug:     desc.Slug,
		ConditionID:    desc.ConditionID,
		Sport:          sport,
		NegRisk:        desc.NegRisk,
		State:          StatePendingSplit,
		StateChangedAt: now,
		CreatedAt:      now,
		SplitCost:      splitCost,
		Up:             SidePosition{TokenID: desc.UpTokenID},
		Down:           SidePosition{TokenID: desc.DownTokenID},
	}
	m.positions[desc.Slug] = pos
	m.logger.Info("position opened", "market", desc.Slug, "split_cost", splitCost)
	return pos, nil
}

// Get returns a copy of the position, if tracked.
func (m *Manager) Get(slug string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[slug]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// transition moves a position to the next state with validation.
func (m *Manager) transition(slug string, from []State, to State) (*Position, error) {
	p, ok := m.positions[slug]
	if !ok {
		return nil, fmt.Errorf("unknown position %s", slug)
	}
	valid := false
	for _, s := range from {
		if p.State == s {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("position %s: cannot move %s -> %s", slug, p.State, to)
	}
	p.State = to
	p.StateChangedAt = time.Now()
	m.logger.Info("position state", "market", slug, "state", to)
	return p, nil
}

// SplitConfirmed records the minted shares and moves to holding.
func (m *Manager) SplitConfirmed(slug string, shares float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.transition(slug, []State{StatePendingSplit}, StateHolding)
	if err != nil {
		return err
	}
	p.Up.Shares = shares
	p.Down.Shares = shares
	return nil
}

// SideSold records a leg's sale. One sold leg means partial_sold; both
// legs sold is the emergency fully_sold exit.
func (m *Manager) SideSold(slug string, side types.MarketSide, shares, revenue float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[slug]
	if !ok {
		return fmt.Errorf("unknown position %s", slug)
	}
	leg := &p.Up
	if side == types.SideDown {
		leg = &p.Down
	}
	now := time.Now()
	leg.Sold = true
	leg.SoldShares += shares
	leg.SoldRevenue += revenue
	leg.SoldAt = &now

	to := StatePartialSold
	if p.Up.Sold && p.Down.Sold {
		to = StateFullySold
	}
	if _, err := m.transition(slug, []State{StateHolding, StatePartialSold}, to); err != nil {
		return err
	}
	return nil
}

// GameEnded moves the position toward settlement. merged indicates both
// legs were recombined into collateral via MERGE.
func (m *Manager) GameEnded(slug string, merged bool, mergeRevenue float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.transition(slug, []State{StateHolding, StatePartialSold}, StatePendingSettlement)
	if err != nil {
		return err
	}
	if merged {
		p.SettlementRevenue += mergeRevenue
	}
	return nil
}

// Settled records redemption proceeds and fixes realized P&L.
func (m *Manager) Settled(slug string, settlementRevenue float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.transition(slug, []State{StatePendingSettlement, StateFullySold}, StateSettled)
	if err != nil {
		return err
	}
	p.SettlementRevenue += settlementRevenue
	pnl := p.TotalSoldRevenue() + p.SettlementRevenue - p.SplitCost
	p.RealizedPnL = &pnl
	m.logger.Info("position settled", "market", slug, "pnl", pnl)
	return nil
}

// MarkStale flags non-settled positions after an unexpected balance
// increase, which usually means an out-of-band redemption.
func (m *Manager) MarkStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.positions {
		if p.State == StatePendingSettlement {
			p.Stale = true
			n++
		}
	}
	if n > 0 {
		m.logger.Warn("positions marked stale after balance credit", "count", n)
	}
	return n
}

// OpenCount returns the number of non-settled positions.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.positions {
		if p.State != StateSettled {
			n++
		}
	}
	return n
}

// All returns copies of every position.
func (m *Manager) All() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Summary aggregates settled P&L per sport.
func (m *Manager) Summary() []PnLSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bySport := make(map[string]*PnLSummary)
	for _, p := range m.positions {
		if p.State != StateSettled || p.RealizedPnL == nil {
			continue
		}
		s, ok := bySport[p.Sport]
		if !ok {
			s = &PnLSummary{Sport: p.Sport}
			bySport[p.Sport] = s
		}
		s.Settled++
		s.RealizedPnL += *p.RealizedPnL
		if *p.RealizedPnL >= 0 {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	out := make([]PnLSummary, 0, len(bySport))
	for _, s := range bySport {
		if s.Settled > 0 {
			s.WinRate = float64(s.Wins) / float64(s.Settled)
		}
		out = append(out, *s)
	}
	return out
}

// Run persists snapshots on the interval until ctx is done, then writes
// a final snapshot.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.Save(); err != nil {
				m.logger.Error("final snapshot failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := m.Save(); err != nil {
				m.logger.Error("snapshot failed", "error", err)
			}
		}
	}
}

// Save writes the snapshot atomically (tmp file + rename).
func (m *Manager) Save() error {
	m.mu.RLock()
	file := snapshotFile{
		Version:   snapshotVersion,
		SavedAt:   time.Now(),
		Positions: m.positions,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load rehydrates positions from disk. A missing file is not an error;
// a version mismatch discards the snapshot with a warning.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	if file.Version != snapshotVersion {
		m.logger.Warn("discarding snapshot with unknown version", "version", file.Version)
		return nil
	}

	m.mu.Lock()
	m.positions = file.Positions
	if m.positions == nil {
		m.positions = make(map[string]*Position)
	}
	m.mu.Unlock()
	m.logger.Info("positions rehydrated", "count", len(file.Positions), "saved_at", file.SavedAt)
	return nil
}
