// approvals.go caches exchange approvals for the session.
//
// Selling against the exchange requires ERC1155 operator approval on the
// CTF plus a USDC allowance on each exchange contract. Approvals survive
// across sessions on-chain, so the cache only avoids redundant RPC
// queries; it is evicted when the venue rejects an order for allowance
// reasons, forcing one fresh approval on the next use.
package collateral

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// sufficientAllowance is the USDC allowance floor below which we
// re-approve (1M USDC in 6-decimal units).
var sufficientAllowance = new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000))

// AllowanceReader answers on-chain approval queries.
type AllowanceReader interface {
	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
}

// ApprovalCache tracks which operators have been verified this session.
type ApprovalCache struct {
	reader AllowanceReader
	exec   TxExecutor
	owner  common.Address
	logger *slog.Logger

	mu       sync.Mutex
	verified map[common.Address]bool
}

// NewApprovalCache creates a cache for the token-owning wallet.
func NewApprovalCache(reader AllowanceReader, exec TxExecutor, owner common.Address, logger *slog.Logger) *ApprovalCache {
	return &ApprovalCache{
		reader:   reader,
		exec:     exec,
		owner:    owner,
		verified: make(map[common.Address]bool),
		logger:   logger.With("component", "approvals"),
	}
}

// EnsureSellApprovals verifies (and if needed establishes) the ERC1155
// and USDC approvals both exchanges require.
func (a *ApprovalCache) EnsureSellApprovals(ctx context.Context) error {
	operators := []common.Address{
		common.HexToAddress(ctfExchange),
		common.HexToAddress(negRiskExchange),
		common.HexToAddress(negRiskAdapter),
	}
	for _, op := range operators {
		if err := a.ensureOperator(ctx, op); err != nil {
			return err
		}
	}

	exchanges := []common.Address{
		common.HexToAddress(ctfExchange),
		common.HexToAddress(negRiskExchange),
	}
	for _, ex := range exchanges {
		if err := a.ensureAllowance(ctx, ex); err != nil {
			return err
		}
	}
	return nil
}

func (a *ApprovalCache) ensureOperator(ctx context.Context, operator common.Address) error {
	a.mu.Lock()
	done := a.verified[operator]
	a.mu.Unlock()
	if done {
		return nil
	}

	approved, err := a.reader.IsApprovedForAll(ctx, a.owner, operator)
	if err != nil {
		return fmt.Errorf("query operator approval: %w", err)
	}
	if !approved {
		call, err := SetApprovalCall(operator)
		if err != nil {
			return err
		}
		if _, err := a.exec.Execute(ctx, call); err != nil {
			return fmt.Errorf("set operator approval: %w", err)
		}
		a.logger.Info("operator approval set", "operator", operator.Hex())
	}

	a.mu.Lock()
	a.verified[operator] = true
	a.mu.Unlock()
	return nil
}

func (a *ApprovalCache) ensureAllowance(ctx context.Context, spender common.Address) error {
	a.mu.Lock()
	done := a.verified[allowanceKey(spender)]
	a.mu.Unlock()
	if done {
		return nil
	}

	allowance, err := a.reader.Allowance(ctx, a.owner, spender)
	if err != nil {
		return fmt.Errorf("query allowance: %w", err)
	}
	if allowance.Cmp(sufficientAllowance) < 0 {
		call, err := ApproveCall(spender)
		if err != nil {
			return err
		}
		if _, err := a.exec.Execute(ctx, call); err != nil {
			return fmt.Errorf("approve spender: %w", err)
		}
		a.logger.Info("allowance set", "spender", spender.Hex())
	}

	a.mu.Lock()
	a.verified[allowanceKey(spender)] = true
	a.mu.Unlock()
	return nil
}

// allowanceKey derives a separate cache address for allowance entries.
func allowanceKey(spender common.Address) common.Address {
	var k common.Address
	copy(k[:], spender[:])
	k[0] ^= 0xff
	return k
}

// InvalidateOnError evicts the cache when the error text points at a
// balance or allowance problem. Returns true when evicted, so the
// caller can re-run EnsureSellApprovals once before surfacing the error.
func (a *ApprovalCache) InvalidateOnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "not enough balance") && !strings.Contains(msg, "allowance") {
		return false
	}
	a.mu.Lock()
	a.verified = make(map[common.Address]bool)
	a.mu.Unlock()
	a.logger.Warn("approval cache evicted", "cause", err)
	return true
}
