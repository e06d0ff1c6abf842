// Polymarket Hedger — an automated hedging bot for binary prediction
// markets on the Polymarket CLOB.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires discovery → strategy loops → exchange and chain
//	strategy/loop.go     — per-market event loop: split, sell trigger, game end, lock cycle
//	cycle/tracker.go     — accumulation/lock state machine with price-ceiling invariants
//	position/manager.go  — multi-market position lifecycle with JSON snapshot persistence
//	monitor/price.go     — per-side best bid/ask tracking, sell/game-end/stop-loss triggers
//	monitor/balance.go   — on-chain USDC balance with WS transfer subscription + HTTP fallback
//	executor/executor.go — liquidity-gated buys, chunked flips, GTC locks, IOC sells
//	collateral/          — split/merge/redeem via direct transactions or the relayer
//	exchange/            — CLOB REST client, L1/L2 auth, market and user WebSocket feeds
//	market/discovery.go  — polls the gamma API for tradable binary markets
//	gateway/gateway.go   — per-category FIFO rate limiting for all outbound venue calls
//	store/store.go       — SQLite record of positions, trades, signals, and redemptions
//	api/server.go        — inbound signal HTTP API
//
// How it makes money:
//
//	Splitting $N of USDC yields N shares of each outcome. The bot holds
//	both sides while the game runs, sells the losing side once its bid
//	collapses, and redeems the winning side at a dollar. The hedged
//	accumulation cycle does the same in miniature on price swings:
//	accumulate the falling side under a price ceiling, then place a lock
//	order on the other side priced so the pair costs less than it pays.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/engine"
)

func main() {
	port := flag.Int("port", 0, "signal API port (overrides config)")
	flag.Parse()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, *port, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE, no real orders or transactions")
	}
	logger.Info("polymarket hedger started",
		"pair_cost_target", cfg.Strategy.PairCostTarget,
		"split_usd", cfg.Strategy.SplitAmountUSD,
		"max_positions", cfg.Positions.MaxOpen,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
