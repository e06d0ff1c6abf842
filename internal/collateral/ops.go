// Package collateral wraps the three CTF operations the engine needs:
// split collateral into outcome pairs, merge pairs back, and redeem
// settled tokens.
//
// The transaction path is polymorphic over the auth mode: an EOA signs
// and pays gas directly, a PROXY wallet goes through the relayer, and a
// fallback adapter tries the relayer first and the direct path second.
// The adapter is picked once at construction, never per call.
package collateral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"polymarket-hedger/internal/gateway"
	"polymarket-hedger/pkg/types"
)

// TxExecutor submits one prepared contract call and returns the tx hash.
type TxExecutor interface {
	Execute(ctx context.Context, call ContractCall) (string, error)
}

// DirectExecutor is the EOA path.
type DirectExecutor struct{ Chain *ChainClient }

func (d *DirectExecutor) Execute(ctx context.Context, call ContractCall) (string, error) {
	return d.Chain.Submit(ctx, call)
}

// RelayerExecutor is the gasless proxy path.
type RelayerExecutor struct{ Relayer *RelayerClient }

func (r *RelayerExecutor) Execute(ctx context.Context, call ContractCall) (string, error) {
	return r.Relayer.Submit(ctx, call)
}

// FallbackExecutor tries the relayer and falls back to paying gas when
// the relayer fails for a reason that is not a revert.
type FallbackExecutor struct {
	Primary   TxExecutor
	Secondary TxExecutor
	Logger    *slog.Logger
}

func (f *FallbackExecutor) Execute(ctx context.Context, call ContractCall) (string, error) {
	hash, err := f.Primary.Execute(ctx, call)
	if err == nil {
		return hash, nil
	}
	if errors.Is(err, types.ErrTransactionReverted) {
		// A revert would revert again on the direct path.
		return hash, err
	}
	f.Logger.Warn("primary executor failed, trying fallback", "op", call.Desc, "error", err)
	return f.Secondary.Execute(ctx, call)
}

// RedemptionStore is the slice of the store enforcing the attempt cap.
type RedemptionStore interface {
	CanAttemptRedemption(ctx context.Context, conditionID string) (bool, error)
	RecordRedemptionAttempt(ctx context.Context, conditionID, txHash string, success bool) error
}

// OpResult reports one collateral operation.
type OpResult struct {
	Success bool
	TxHash  string
	Amount  float64 // USD split/merged, or shares redeemed
}

// Config tunes redemption retry behavior.
type Config struct {
	RedeemRetries    int           // attempts per Redeem call, default 3
	RedeemRetryPause time.Duration // pause between attempts, default 30s
}

// Ops performs collateral operations through a fixed executor.
type Ops struct {
	exec   TxExecutor
	gw     *gateway.Gateway
	store  RedemptionStore
	cfg    Config
	dryRun bool
	logger *slog.Logger
}

// NewOps builds the operation layer. store may not be nil: the
// redemption cap lives there.
func NewOps(exec TxExecutor, gw *gateway.Gateway, store RedemptionStore, cfg Config, dryRun bool, logger *slog.Logger) *Ops {
	if cfg.RedeemRetries <= 0 {
		cfg.RedeemRetries = 3
	}
	if cfg.RedeemRetryPause <= 0 {
		cfg.RedeemRetryPause = 30 * time.Second
	}
	return &Ops{
		exec:   exec,
		gw:     gw,
		store:  store,
		cfg:    cfg,
		dryRun: dryRun,
		logger: logger.With("component", "collateral"),
	}
}

// Split converts amount USD of collateral into equal UP and DOWN shares.
func (o *Ops) Split(ctx context.Context, conditionID string, amount float64, negRisk bool) (*OpResult, error) {
	call, err := packSplit(conditionID, amount, negRisk)
	if err != nil {
		return nil, err
	}
	hash, err := o.submit(ctx, call)
	if err != nil {
		return nil, err
	}
	o.logger.Info("split executed", "condition", shortCond(conditionID), "amount", amount, "tx", hash)
	return &OpResult{Success: true, TxHash: hash, Amount: amount}, nil
}

// Merge recombines equal UP and DOWN quantities back into collateral.
func (o *Ops) Merge(ctx context.Context, conditionID string, amount float64, negRisk bool) (*OpResult, error) {
	call, err := packMerge(conditionID, amount, negRisk)
	if err != nil {
		return nil, err
	}
	hash, err := o.submit(ctx, call)
	if err != nil {
		return nil, err
	}
	o.logger.Info("merge executed", "condition", shortCond(conditionID), "amount", amount, "tx", hash)
	return &OpResult{Success: true, TxHash: hash, Amount: amount}, nil
}

// Redeem claims settlement proceeds for a resolved condition. Each call
// retries up to RedeemRetries times with a pause, re-checking the
// store-enforced attempt cap before every submission so the cap holds
// within a call, across calls, and across restarts. A rate-limit
// response returns immediately without consuming an attempt.
func (o *Ops) Redeem(ctx context.Context, conditionID string, outcomeIndex int, negRisk bool, shares float64) (*OpResult, error) {
	call, err := packRedeem(conditionID, outcomeIndex, negRisk, shares)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.RedeemRetries; attempt++ {
		allowed, err := o.store.CanAttemptRedemption(ctx, conditionID)
		if err != nil {
			return nil, fmt.Errorf("redemption cap check: %w", err)
		}
		if !allowed {
			if lastErr == nil {
				return nil, fmt.Errorf("condition %s: %w", shortCond(conditionID), types.ErrAlreadyRedeemed)
			}
			return nil, fmt.Errorf("redemption attempt cap reached for %s: %w", shortCond(conditionID), lastErr)
		}

		hash, err := o.submit(ctx, call)
		if err != nil && types.IsRateLimited(err) {
			return nil, err
		}
		if recErr := o.store.RecordRedemptionAttempt(ctx, conditionID, hash, err == nil); recErr != nil {
			o.logger.Error("redemption attempt not recorded", "error", recErr)
		}
		if err == nil {
			o.logger.Info("redeem executed",
				"condition", shortCond(conditionID), "shares", shares, "tx", hash, "attempt", attempt)
			return &OpResult{Success: true, TxHash: hash, Amount: shares}, nil
		}
		lastErr = err
		o.logger.Warn("redeem attempt failed",
			"condition", shortCond(conditionID), "attempt", attempt, "error", err)

		if attempt < o.cfg.RedeemRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.cfg.RedeemRetryPause):
			}
		}
	}
	return nil, fmt.Errorf("redeem exhausted %d attempts: %w", o.cfg.RedeemRetries, lastErr)
}

// submit routes the call through the gateway's general slot.
func (o *Ops) submit(ctx context.Context, call ContractCall) (string, error) {
	if o.dryRun {
		o.logger.Info("DRY-RUN: would submit transaction", "op", call.Desc)
		return "0xdryrun", nil
	}
	var hash string
	err := o.gw.Execute(ctx, gateway.CategoryCLOBGeneral, func(ctx context.Context) error {
		var err error
		hash, err = o.exec.Execute(ctx, call)
		return err
	}, call.Desc)
	return hash, err
}

func shortCond(conditionID string) string {
	if len(conditionID) > 12 {
		return conditionID[:12] + "..."
	}
	return conditionID
}
