package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// signalBucketMs is the market window size the signal API buckets into.
const signalBucketMs = 15 * 60 * 1000

// MarketStartFor maps a unix-seconds timestamp to the start of its 15-minute
// market window, in milliseconds.
func MarketStartFor(ts int64) int64 {
	ms := ts * 1000
	return (ms / signalBucketMs) * signalBucketMs
}

// Signal is an externally provided regime classification for one market window.
type Signal struct {
	Timestamp   int64
	State       string
	MarketStart int64
	ReceivedAt  time.Time
}

// InsertSignal buckets ts into its market window and upserts on the window
// start, so a later signal for the same window replaces the earlier one.
// Returns the computed market start.
func (s *Store) InsertSignal(ctx context.Context, ts int64, state string) (int64, error) {
	marketStart := MarketStartFor(ts)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_state (timestamp, state, market_start, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(market_start) DO UPDATE SET
			timestamp   = excluded.timestamp,
			state       = excluded.state,
			received_at = excluded.received_at`,
		ts, state, marketStart, time.Now().UTC(),
	); err != nil {
		return 0, fmt.Errorf("store: insert signal: %w", err)
	}
	return marketStart, nil
}

// GetSignalForMarket returns the signal stored for a market window, or nil.
func (s *Store) GetSignalForMarket(ctx context.Context, marketStart int64) (*Signal, error) {
	var sig Signal
	err := s.db.QueryRowContext(ctx, `
		SELECT timestamp, state, market_start, received_at
		FROM signal_state WHERE market_start = ?`, marketStart,
	).Scan(&sig.Timestamp, &sig.State, &sig.MarketStart, &sig.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get signal %d: %w", marketStart, err)
	}
	return &sig, nil
}

// GetLatestSignal returns the most recent signal by market window, or nil.
func (s *Store) GetLatestSignal(ctx context.Context) (*Signal, error) {
	var sig Signal
	err := s.db.QueryRowContext(ctx, `
		SELECT timestamp, state, market_start, received_at
		FROM signal_state ORDER BY market_start DESC LIMIT 1`,
	).Scan(&sig.Timestamp, &sig.State, &sig.MarketStart, &sig.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get latest signal: %w", err)
	}
	return &sig, nil
}

// defaultRedemptionAttempts is the default hard cap per condition. A
// condition that has failed twice needs operator attention, not more
// transactions.
const defaultRedemptionAttempts = 2

// SetRedemptionCap overrides the per-condition attempt cap. Non-positive
// values keep the default. Call before the store is shared.
func (s *Store) SetRedemptionCap(n int) {
	if n > 0 {
		s.redemptionCap = n
	}
}

// RedemptionStatus is the attempt record for one condition.
type RedemptionStatus struct {
	ConditionID   string
	AttemptCount  int
	LastAttemptAt *time.Time
	LastTxHash    string
	LastSuccess   bool
}

// CanAttemptRedemption reports whether the condition is still under the
// attempt cap.
func (s *Store) CanAttemptRedemption(ctx context.Context, conditionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT attempt_count FROM redemption_tracking WHERE condition_id = ?`, conditionID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check redemption cap %s: %w", conditionID, err)
	}
	return count < s.redemptionCap, nil
}

// RecordRedemptionAttempt increments the attempt counter and stores the
// outcome. The counter is never clamped; enforcement happens in
// CanAttemptRedemption before each submission, so an over-cap count in
// the table points at a caller that skipped the check.
func (s *Store) RecordRedemptionAttempt(ctx context.Context, conditionID, txHash string, success bool) error {
	ok := 0
	if success {
		ok = 1
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO redemption_tracking
			(condition_id, attempt_count, last_attempt_at, last_tx_hash, last_success)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(condition_id) DO UPDATE SET
			attempt_count   = attempt_count + 1,
			last_attempt_at = excluded.last_attempt_at,
			last_tx_hash    = excluded.last_tx_hash,
			last_success    = excluded.last_success`,
		conditionID, time.Now().UTC(), txHash, ok,
	); err != nil {
		return fmt.Errorf("store: record redemption attempt %s: %w", conditionID, err)
	}
	return nil
}

// GetRedemptionStatus returns the attempt record for a condition, or nil.
func (s *Store) GetRedemptionStatus(ctx context.Context, conditionID string) (*RedemptionStatus, error) {
	var r RedemptionStatus
	var hash sql.NullString
	var success int
	err := s.db.QueryRowContext(ctx, `
		SELECT condition_id, attempt_count, last_attempt_at, last_tx_hash, last_success
		FROM redemption_tracking WHERE condition_id = ?`, conditionID,
	).Scan(&r.ConditionID, &r.AttemptCount, &r.LastAttemptAt, &hash, &success)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get redemption status %s: %w", conditionID, err)
	}
	r.LastTxHash = hash.String
	r.LastSuccess = success == 1
	return &r, nil
}

// GetBaseline returns the capital baseline and its recovery attempt counter.
func (s *Store) GetBaseline(ctx context.Context) (baseline float64, recoveryAttempts int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT baseline, recovery_attempts FROM capital_baseline WHERE id = 1`,
	).Scan(&baseline, &recoveryAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("store: get baseline: %w", err)
	}
	return baseline, recoveryAttempts, nil
}

// SetBaseline writes the baseline high-water mark.
func (s *Store) SetBaseline(ctx context.Context, baseline float64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE capital_baseline SET baseline = ?, last_updated = ? WHERE id = 1`,
		baseline, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("store: set baseline: %w", err)
	}
	return nil
}

// IncrementRecoveryAttempts bumps the baseline-sync recovery counter and
// returns the new value.
func (s *Store) IncrementRecoveryAttempts(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE capital_baseline SET recovery_attempts = recovery_attempts + 1 WHERE id = 1`,
	); err != nil {
		return 0, fmt.Errorf("store: increment recovery attempts: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT recovery_attempts FROM capital_baseline WHERE id = 1`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: read recovery attempts: %w", err)
	}
	return n, nil
}

// SyncBaseline rolls the realized pnl of all unsynced exited positions into
// the baseline in one transaction, flipping pnl_synced on each. Returns how
// many positions were rolled in.
func (s *Store) SyncBaseline(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: sync baseline: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, pnl FROM positions WHERE exit_time IS NOT NULL AND pnl_synced = 0`)
	if err != nil {
		return 0, fmt.Errorf("store: sync baseline: query: %w", err)
	}
	var ids []int64
	var total float64
	for rows.Next() {
		var id int64
		var pnl sql.NullFloat64
		if err := rows.Scan(&id, &pnl); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: sync baseline: scan: %w", err)
		}
		ids = append(ids, id)
		total += pnl.Float64
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("store: sync baseline: rows: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE capital_baseline SET baseline = baseline + ?, last_updated = ? WHERE id = 1`,
		total, time.Now().UTC(),
	); err != nil {
		return 0, fmt.Errorf("store: sync baseline: update: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE positions SET pnl_synced = 1 WHERE id = ?`, id,
		); err != nil {
			return 0, fmt.Errorf("store: sync baseline: flip %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: sync baseline: commit: %w", err)
	}
	return len(ids), nil
}
