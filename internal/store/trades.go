package store

import (
	"context"
	"fmt"
	"time"
)

// LogTrade appends one execution to the global trade log.
func (s *Store) LogTrade(ctx context.Context, slug, tokenID, side string, price, shares float64, intent, orderID string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_log (market_slug, token_id, side, price, shares, notional, intent, order_id, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slug, tokenID, side, price, shares, price*shares, intent, orderID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("store: log trade: %w", err)
	}
	return nil
}

// InsertScalpOrder records a resting lock order and returns its row ID.
func (s *Store) InsertScalpOrder(ctx context.Context, orderID, slug, tokenID, side string, price, shares float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scalp_orders (order_id, market_slug, token_id, side, price, shares, status, placed_at)
		VALUES (?, ?, ?, ?, ?, ?, 'resting', ?)`,
		orderID, slug, tokenID, side, price, shares, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert scalp order: %w", err)
	}
	return res.LastInsertId()
}

// ResolveScalpOrder marks a resting order filled or cancelled.
func (s *Store) ResolveScalpOrder(ctx context.Context, orderID, status string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE scalp_orders SET status = ?, resolved_at = ? WHERE order_id = ?`,
		status, time.Now().UTC(), orderID,
	); err != nil {
		return fmt.Errorf("store: resolve scalp order %s: %w", orderID, err)
	}
	return nil
}

// RecordPrice appends an informational price sample.
func (s *Store) RecordPrice(ctx context.Context, tokenID string, price float64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO price_history (token_id, price, recorded_at) VALUES (?, ?, ?)`,
		tokenID, price, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("store: record price: %w", err)
	}
	return nil
}

// RecordUserFill appends one confirmed fill from the user channel.
func (s *Store) RecordUserFill(ctx context.Context, orderID, market, assetID, side string, price, size float64, status string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_fills (order_id, market, asset_id, side, price, size, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		orderID, market, assetID, side, price, size, status, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("store: record user fill: %w", err)
	}
	return nil
}

// StartSimulationRun opens a simulation run record and returns its row ID.
func (s *Store) StartSimulationRun(ctx context.Context, label string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO simulation_runs (label, started_at) VALUES (?, ?)`,
		label, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: start simulation run: %w", err)
	}
	return res.LastInsertId()
}

// FinishSimulationRun closes a run with its final pnl.
func (s *Store) FinishSimulationRun(ctx context.Context, runID int64, finalPnL float64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE simulation_runs SET ended_at = ?, final_pnl = ? WHERE id = ?`,
		time.Now().UTC(), finalPnL, runID,
	); err != nil {
		return fmt.Errorf("store: finish simulation run %d: %w", runID, err)
	}
	return nil
}

// RecordSimulationTrade appends one simulated execution to a run.
func (s *Store) RecordSimulationTrade(ctx context.Context, runID int64, side string, price, shares float64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO simulation_trades (run_id, side, price, shares, traded_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, side, price, shares, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("store: record simulation trade: %w", err)
	}
	return nil
}
