package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Position is a single-sided binary-market holding.
type Position struct {
	ID            int64
	MarketSlug    string
	ConditionID   string
	TokenID       string
	EntryPrice    float64
	Shares        float64
	EntryTime     time.Time
	MarketEndTime time.Time
	ExitPrice     *float64
	ExitTime      *time.Time
	ExitReason    string
	PnL           *float64
	PnLSynced     bool
	Redeemed      bool
}

// InsertPosition records a new BUY and returns its row ID.
func (s *Store) InsertPosition(ctx context.Context, p *Position) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO positions
			(market_slug, condition_id, token_id, entry_price, shares, entry_time, market_end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.MarketSlug, p.ConditionID, p.TokenID, p.EntryPrice, p.Shares,
		p.EntryTime.UTC(), p.MarketEndTime.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert position: %w", err)
	}
	return res.LastInsertId()
}

// UpdatePositionExit closes a position. The exit always carries a realized
// pnl, keeping the exit-implies-pnl invariant true at the write boundary.
func (s *Store) UpdatePositionExit(ctx context.Context, id int64, exitPrice, pnl float64, exitTime time.Time, reason string) error {
	ok, err := s.execOne(ctx, `
		UPDATE positions
		SET exit_price = ?, exit_time = ?, exit_reason = ?, pnl = ?
		WHERE id = ?`,
		exitPrice, exitTime.UTC(), reason, pnl, id,
	)
	if err != nil {
		return fmt.Errorf("store: update position exit %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("store: update position exit %d: no such position", id)
	}
	return nil
}

// MarkPositionRedeemed flips the redeemed flag. Idempotent.
func (s *Store) MarkPositionRedeemed(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE positions SET redeemed = 1 WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("store: mark position redeemed %d: %w", id, err)
	}
	return nil
}

// MarkPnLSynced records that a position's realized pnl has been rolled into
// the capital baseline.
func (s *Store) MarkPnLSynced(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE positions SET pnl_synced = 1 WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("store: mark pnl synced %d: %w", id, err)
	}
	return nil
}

// UnsyncedExited returns closed positions whose pnl has not yet been rolled
// into the baseline. Consumed by the baseline-sync job.
func (s *Store) UnsyncedExited(ctx context.Context) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market_slug, condition_id, token_id, entry_price, shares,
		       entry_time, exit_price, exit_time, exit_reason, pnl, redeemed
		FROM positions
		WHERE exit_time IS NOT NULL AND pnl_synced = 0
		ORDER BY exit_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query unsynced: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		var reason sql.NullString
		var redeemed int
		if err := rows.Scan(&p.ID, &p.MarketSlug, &p.ConditionID, &p.TokenID,
			&p.EntryPrice, &p.Shares, &p.EntryTime,
			&p.ExitPrice, &p.ExitTime, &reason, &p.PnL, &redeemed,
		); err != nil {
			return nil, fmt.Errorf("store: scan unsynced: %w", err)
		}
		p.ExitReason = reason.String
		p.Redeemed = redeemed == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition fetches one position by row ID.
func (s *Store) GetPosition(ctx context.Context, id int64) (*Position, error) {
	var p Position
	var reason sql.NullString
	var synced, redeemed int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, market_slug, condition_id, token_id, entry_price, shares,
		       entry_time, exit_price, exit_time, exit_reason, pnl, pnl_synced, redeemed
		FROM positions WHERE id = ?`, id,
	).Scan(&p.ID, &p.MarketSlug, &p.ConditionID, &p.TokenID,
		&p.EntryPrice, &p.Shares, &p.EntryTime,
		&p.ExitPrice, &p.ExitTime, &reason, &p.PnL, &synced, &redeemed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get position %d: %w", id, err)
	}
	p.ExitReason = reason.String
	p.PnLSynced = synced == 1
	p.Redeemed = redeemed == 1
	return &p, nil
}

// ArbitragePosition is a paired UP/DOWN holding within one market.
type ArbitragePosition struct {
	ID               int64
	MarketSlug       string
	ConditionID      string
	UpTokenID        string
	DownTokenID      string
	QtyUp, QtyDown   float64
	CostUp, CostDown float64
	PairCost         *float64
	HedgedQty        *float64
	GuaranteedProfit *float64
	ProfitLocked     bool
	CreatedAt        time.Time
	SettledAt        *time.Time
	SettlementPnL    *float64
	UpRedeemed       bool
	DownRedeemed     bool
}

// InsertArbitragePosition opens a new pair record and returns its row ID.
func (s *Store) InsertArbitragePosition(ctx context.Context, a *ArbitragePosition) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO arbitrage_positions
			(market_slug, condition_id, up_token_id, down_token_id,
			 qty_up, qty_down, cost_up, cost_down, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.MarketSlug, a.ConditionID, a.UpTokenID, a.DownTokenID,
		a.QtyUp, a.QtyDown, a.CostUp, a.CostDown, a.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert arbitrage position: %w", err)
	}
	return res.LastInsertId()
}

// UpdateArbitrageQuantities refreshes the running per-side totals after a fill.
func (s *Store) UpdateArbitrageQuantities(ctx context.Context, id int64, qtyUp, qtyDown, costUp, costDown float64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE arbitrage_positions
		SET qty_up = ?, qty_down = ?, cost_up = ?, cost_down = ?
		WHERE id = ?`,
		qtyUp, qtyDown, costUp, costDown, id,
	); err != nil {
		return fmt.Errorf("store: update arbitrage quantities %d: %w", id, err)
	}
	return nil
}

// MarkArbitrageProfitLocked records the lock: hedged quantity, pair cost,
// and the profit guaranteed regardless of outcome.
func (s *Store) MarkArbitrageProfitLocked(ctx context.Context, id int64, hedgedQty, pairCost, guaranteedProfit float64) error {
	ok, err := s.execOne(ctx, `
		UPDATE arbitrage_positions
		SET profit_locked = 1, hedged_qty = ?, pair_cost = ?, guaranteed_profit = ?
		WHERE id = ?`,
		hedgedQty, pairCost, guaranteedProfit, id,
	)
	if err != nil {
		return fmt.Errorf("store: mark profit locked %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("store: mark profit locked %d: no such position", id)
	}
	return nil
}

// SettleArbitragePosition records settlement time and final pnl.
func (s *Store) SettleArbitragePosition(ctx context.Context, id int64, pnl float64, settledAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE arbitrage_positions SET settled_at = ?, settlement_pnl = ? WHERE id = ?`,
		settledAt.UTC(), pnl, id,
	); err != nil {
		return fmt.Errorf("store: settle arbitrage position %d: %w", id, err)
	}
	return nil
}

// MarkArbitrageRedeemed flips the per-side redemption flag. Idempotent.
func (s *Store) MarkArbitrageRedeemed(ctx context.Context, id int64, up bool) error {
	col := "down_redeemed"
	if up {
		col = "up_redeemed"
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE arbitrage_positions SET `+col+` = 1 WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("store: mark arbitrage redeemed %d: %w", id, err)
	}
	return nil
}

// InsertArbitrageTrade appends one execution to a pair's trade history.
func (s *Store) InsertArbitrageTrade(ctx context.Context, positionID int64, side string, price, shares, cost float64, intent string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO arbitrage_trades (position_id, side, price, shares, cost, intent, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		positionID, side, price, shares, cost, intent, at.UTC(),
	); err != nil {
		return fmt.Errorf("store: insert arbitrage trade: %w", err)
	}
	return nil
}
