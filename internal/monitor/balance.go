// balance.go tracks the operator's settlement-token (USDC) balance.
//
// The initial balance comes from an HTTP RPC read. After that, a WSS
// subscription on Transfer logs touching the wallet drives refreshes; each
// hit re-reads the balance over HTTP and emits change events. When the WSS
// endpoint is unavailable the monitor degrades to 5-second polling with a
// one-cent noise floor.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"polymarket-hedger/pkg/types"
)

// USDC (bridged) on Polygon.
const usdcAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

const erc20ABIJSON = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

const (
	balancePollInterval = 5 * time.Second
	balanceNoiseFloor   = 0.01 // ignore sub-cent polling jitter
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// BalanceMonitor tracks one wallet's USDC balance.
type BalanceMonitor struct {
	rpcURL string
	wssURL string
	wallet common.Address
	logger *slog.Logger

	erc20 abi.ABI

	// fetch is replaceable in tests; defaults to the on-chain read.
	fetch func(ctx context.Context) (float64, error)

	mu      sync.Mutex
	client  *ethclient.Client
	balance float64
	primed  bool

	changeCh   chan types.BalanceChange
	increaseCh chan types.BalanceIncrease
}

// NewBalanceMonitor creates a monitor for the wallet. wssURL may be empty,
// forcing the polling fallback.
func NewBalanceMonitor(rpcURL, wssURL string, wallet common.Address, logger *slog.Logger) (*BalanceMonitor, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	m := &BalanceMonitor{
		rpcURL:     rpcURL,
		wssURL:     wssURL,
		wallet:     wallet,
		logger:     logger.With("component", "balance_monitor"),
		erc20:      parsed,
		changeCh:   make(chan types.BalanceChange, 16),
		increaseCh: make(chan types.BalanceIncrease, 16),
	}
	m.fetch = m.readOnChain
	return m, nil
}

// Changes returns the balance-change stream.
func (m *BalanceMonitor) Changes() <-chan types.BalanceChange { return m.changeCh }

// Increases returns the positive-delta stream.
func (m *BalanceMonitor) Increases() <-chan types.BalanceIncrease { return m.increaseCh }

// Balance returns the last observed balance.
func (m *BalanceMonitor) Balance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// Run reads the initial balance, then watches Transfer logs (or polls)
// until ctx is cancelled.
func (m *BalanceMonitor) Run(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, m.rpcURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	defer client.Close()

	initial, err := m.fetch(ctx)
	if err != nil {
		return fmt.Errorf("initial balance read: %w", err)
	}
	m.apply(initial, false)
	m.logger.Info("balance monitor started", "wallet", m.wallet.Hex(), "balance", initial)

	if m.wssURL != "" {
		if err := m.watchTransfers(ctx); ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil {
			m.logger.Warn("transfer subscription unavailable, falling back to polling", "error", err)
		}
	}
	return m.poll(ctx)
}

// watchTransfers subscribes to USDC Transfer logs where the wallet is
// sender or recipient and refreshes the balance on every hit. Returns when
// the subscription fails; the caller falls back to polling.
func (m *BalanceMonitor) watchTransfers(ctx context.Context) error {
	wsClient, err := ethclient.DialContext(ctx, m.wssURL)
	if err != nil {
		return fmt.Errorf("dial wss: %w", err)
	}
	defer wsClient.Close()

	usdc := common.HexToAddress(usdcAddress)
	walletTopic := common.BytesToHash(common.LeftPadBytes(m.wallet.Bytes(), 32))

	logs := make(chan ethtypes.Log, 32)
	queries := []ethereum.FilterQuery{
		{Addresses: []common.Address{usdc}, Topics: [][]common.Hash{{transferTopic}, {walletTopic}}},          // outbound
		{Addresses: []common.Address{usdc}, Topics: [][]common.Hash{{transferTopic}, nil, {walletTopic}}},     // inbound
	}
	var subs []ethereum.Subscription
	for _, q := range queries {
		sub, err := wsClient.SubscribeFilterLogs(ctx, q, logs)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("subscribe transfer logs: %w", err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	m.logger.Info("watching transfer logs", "wallet", m.wallet.Hex())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-subs[0].Err():
			return fmt.Errorf("outbound subscription: %w", err)
		case err := <-subs[1].Err():
			return fmt.Errorf("inbound subscription: %w", err)
		case <-logs:
			fresh, err := m.fetch(ctx)
			if err != nil {
				m.logger.Warn("balance refresh failed", "error", err)
				continue
			}
			m.apply(fresh, false)
		}
	}
}

// poll reads the balance on a fixed interval, emitting only when the move
// clears the noise floor.
func (m *BalanceMonitor) poll(ctx context.Context) error {
	ticker := time.NewTicker(balancePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fresh, err := m.fetch(ctx)
			if err != nil {
				m.logger.Warn("balance poll failed", "error", err)
				continue
			}
			m.apply(fresh, true)
		}
	}
}

// apply records a new balance and emits change events. gated applies the
// polling noise floor.
func (m *BalanceMonitor) apply(fresh float64, gated bool) {
	m.mu.Lock()
	prev := m.balance
	primed := m.primed
	delta := fresh - prev
	if primed && gated && math.Abs(delta) <= balanceNoiseFloor {
		m.mu.Unlock()
		return
	}
	m.balance = fresh
	m.primed = true
	m.mu.Unlock()

	if !primed || delta == 0 {
		return
	}
	direction := "in"
	if delta < 0 {
		direction = "out"
	}
	now := time.Now()
	change := types.BalanceChange{Prev: prev, New: fresh, Delta: delta, Direction: direction, Timestamp: now}
	select {
	case m.changeCh <- change:
	default:
		m.logger.Warn("balance change channel full, dropping")
	}
	if delta > 0 {
		select {
		case m.increaseCh <- types.BalanceIncrease{Prev: prev, New: fresh, Delta: delta, Timestamp: now}:
		default:
		}
	}
	m.logger.Info("balance changed", "prev", prev, "new", fresh, "delta", delta)
}

// readOnChain reads balanceOf(wallet) and scales from 6 decimals.
func (m *BalanceMonitor) readOnChain(ctx context.Context) (float64, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return 0, fmt.Errorf("rpc client not connected")
	}

	data, err := m.erc20.Pack("balanceOf", m.wallet)
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}
	usdc := common.HexToAddress(usdcAddress)
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &usdc, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call balanceOf: %w", err)
	}
	out, err := m.erc20.Unpack("balanceOf", raw)
	if err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	units, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected balanceOf return type")
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(1e6)).Float64()
	return f, nil
}
