package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the failure kinds that cross component boundaries.
// Components wrap these with context via fmt.Errorf("...: %w", err) so
// callers can branch on errors.Is.
var (
	ErrNoLiquidity         = errors.New("no liquidity at or below limit price")
	ErrInsufficientBalance = errors.New("insufficient settlement-token balance")
	ErrInsufficientGas     = errors.New("insufficient gas balance")
	ErrAlreadyRedeemed     = errors.New("position already redeemed")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrRelayerTimeout      = errors.New("relayer timed out")
	ErrNonce               = errors.New("nonce error")
	ErrApprovalRequired    = errors.New("token approval required")
	ErrWsStale             = errors.New("websocket stale")
	ErrWsDisconnected      = errors.New("websocket disconnected")
	ErrOrderKilled         = errors.New("order killed by venue")
	ErrOrderTimeout        = errors.New("order confirmation timed out")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyInProgress   = errors.New("operation already in progress")
)

// RateLimitedError reports a venue rate limit with the interval after which
// the caller may retry. The gateway retries these internally; above the
// gateway they surface so the scheduler can defer the whole operation.
type RateLimitedError struct {
	Reset time.Duration // how long until the limit resets (0 if unknown)
}

func (e *RateLimitedError) Error() string {
	if e.Reset > 0 {
		return fmt.Sprintf("rate limited, resets in %s", e.Reset)
	}
	return "rate limited"
}

// IsRateLimited reports whether err is (or wraps) a RateLimitedError.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
