// Package engine is the central orchestrator of the hedging bot.
//
// It wires together all subsystems:
//
//  1. Discovery finds tradable binary markets on the gamma API.
//  2. Engine starts a strategy loop per market; each loop serializes all
//     handling for its market.
//  3. Two WebSocket feeds (market data + user fills) dispatch events to
//     the price monitor, the order executor, and the owning loop.
//  4. The balance monitor watches settlement-token movements; unexpected
//     inflows mark open positions stale.
//  5. The signal HTTP API and the dashboard relay run alongside.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polymarket-hedger/internal/api"
	"polymarket-hedger/internal/collateral"
	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/exchange"
	"polymarket-hedger/internal/executor"
	"polymarket-hedger/internal/gateway"
	"polymarket-hedger/internal/market"
	"polymarket-hedger/internal/monitor"
	"polymarket-hedger/internal/position"
	"polymarket-hedger/internal/store"
	"polymarket-hedger/internal/strategy"
	"polymarket-hedger/pkg/types"
)

const baselineSyncInterval = time.Minute

// marketSlot is one actively traded market.
type marketSlot struct {
	desc   types.MarketDescriptor
	loop   *strategy.Loop
	cancel context.CancelFunc
}

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg       *config.Config
	gw        *gateway.Gateway
	st        *store.Store
	auth      *exchange.Auth
	client    *exchange.Client
	mktFeed   *exchange.MarketFeed
	usrFeed   *exchange.UserFeed
	discovery *market.Discovery
	priceMon  *monitor.PriceMonitor
	balance   *monitor.BalanceMonitor // nil without an RPC endpoint
	exec      *executor.Executor
	collOps   *collateral.Ops
	approvals *collateral.ApprovalCache // nil without a chain client
	positions *position.Manager
	relay     *api.Relay
	signalAPI *api.Server
	logger    *slog.Logger

	// slots maps market slug to its running loop. byToken and
	// byCondition let WS events, keyed differently, reach the owner.
	slotsMu     sync.RWMutex
	slots       map[string]*marketSlot
	byToken     map[string]*marketSlot
	byCondition map[string]*marketSlot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. port overrides the
// configured signal-API port when non-zero.
func New(cfg *config.Config, port int, logger *slog.Logger) (*Engine, error) {
	gw := gateway.New(logger, cfg.Gateway.Enabled, cfg.Gateway.MaxRetries,
		time.Duration(cfg.Gateway.BaseBackoff)*time.Millisecond)
	gateway.SetDefault(gw)

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	st.SetRedemptionCap(cfg.Collateral.MaxAttemptsPerID)

	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, err
	}
	client := exchange.NewClient(cfg, auth, gw, logger)
	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
		auth.SetCredentials(*creds)
	}

	mktFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	usrFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)
	discovery := market.NewDiscovery(cfg, gw, logger)

	priceMon := monitor.NewPriceMonitor(monitor.Config{
		SellThresholds:       cfg.Monitor.SellThresholds,
		DefaultSellThreshold: cfg.Monitor.DefaultSellThreshold,
		GameEndBid:           cfg.Monitor.GameEndBid,
		StopLossThreshold:    cfg.Monitor.StopLossThreshold,
		FreshProbeTimeout:    cfg.Monitor.FreshProbeTimeout,
	}, client, st, logger)

	var balance *monitor.BalanceMonitor
	if cfg.Chain.RPCURL != "" {
		balance, err = monitor.NewBalanceMonitor(cfg.Chain.RPCURL, cfg.Chain.WSSRPCURL,
			auth.FunderAddress(), logger)
		if err != nil {
			return nil, fmt.Errorf("balance monitor: %w", err)
		}
	}

	txExec, chain, err := buildTxExecutor(cfg, auth, logger)
	if err != nil {
		return nil, err
	}
	collOps := collateral.NewOps(txExec, gw, st, collateral.Config{
		RedeemRetries:    cfg.Collateral.RedeemRetries,
		RedeemRetryPause: cfg.Collateral.RedeemRetryPause,
	}, cfg.DryRun, logger)

	var approvals *collateral.ApprovalCache
	if chain != nil {
		approvals = collateral.NewApprovalCache(chain, txExec, auth.FunderAddress(), logger)
	}

	positions := position.NewManager(cfg.Positions.SnapshotPath, cfg.Positions.SnapshotInterval, cfg.Positions.MaxOpen, logger)
	if err := positions.Load(); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	relay := api.NewRelay(cfg.Dashboard.URL, logger)

	exec := executor.New(client, mktFeed, st, executor.Config{
		LiquidityRatio: cfg.Strategy.LiquidityRatio,
		FillTimeout:    cfg.Strategy.FillTimeout,
		ChunkShares:    cfg.Strategy.ChunkShares,
		ChunkLoops:     cfg.Strategy.ChunkLoops,
		ChunkPause:     cfg.Strategy.ChunkPause,
		LiquidityWait:  cfg.Strategy.LiquidityWait,
	}, func(orderID string, shares, price float64, side types.Side) {
		relay.Publish(api.EventOrderFilled, "", map[string]any{
			"order_id": orderID, "shares": shares, "price": price, "side": string(side),
		})
	}, logger)
	if approvals != nil {
		// A sell bounced for allowance reasons evicts the cache and
		// re-approves once before the retry.
		exec.SetApprovalGuard(approvals)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		gw:          gw,
		st:          st,
		auth:        auth,
		client:      client,
		mktFeed:     mktFeed,
		usrFeed:     usrFeed,
		discovery:   discovery,
		priceMon:    priceMon,
		balance:     balance,
		exec:        exec,
		collOps:     collOps,
		approvals:   approvals,
		positions:   positions,
		relay:       relay,
		signalAPI:   api.NewServer(cfg.Signal, st, port, logger),
		logger:      logger.With("component", "engine"),
		slots:       make(map[string]*marketSlot),
		byToken:     make(map[string]*marketSlot),
		byCondition: make(map[string]*marketSlot),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// buildTxExecutor selects how collateral operations reach the chain.
// EOA wallets sign directly. Proxy wallets go through the relayer; with
// direct execution enabled and the relayer configured, the direct path
// is tried first and transport failures fall back to the relayer.
func buildTxExecutor(cfg *config.Config, auth *exchange.Auth, logger *slog.Logger) (collateral.TxExecutor, *collateral.ChainClient, error) {
	var chain *collateral.ChainClient
	if cfg.Chain.RPCURL != "" {
		var err error
		chain, err = collateral.NewChainClient(cfg.Chain.RPCURL, cfg.Wallet.PrivateKey, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("chain client: %w", err)
		}
	}

	if cfg.Wallet.AuthMode == types.AuthModeEOA {
		if chain == nil {
			return nil, nil, fmt.Errorf("chain.rpc_url is required in EOA mode")
		}
		return &collateral.DirectExecutor{Chain: chain}, chain, nil
	}

	var relayer *collateral.RelayerClient
	if cfg.Chain.RelayerURL != "" {
		var err error
		relayer, err = collateral.NewRelayerClient(cfg.Chain.RelayerURL, cfg.Wallet.PrivateKey,
			auth.FunderAddress(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("relayer client: %w", err)
		}
	}

	switch {
	case cfg.Chain.UseDirectExecution && chain != nil && relayer != nil:
		return &collateral.FallbackExecutor{
			Primary:   &collateral.DirectExecutor{Chain: chain},
			Secondary: &collateral.RelayerExecutor{Relayer: relayer},
			Logger:    logger,
		}, chain, nil
	case cfg.Chain.UseDirectExecution && chain != nil:
		return &collateral.DirectExecutor{Chain: chain}, chain, nil
	case relayer != nil:
		return &collateral.RelayerExecutor{Relayer: relayer}, chain, nil
	default:
		return nil, nil, fmt.Errorf("proxy mode needs chain.relayer_url or use_direct_execution with chain.rpc_url")
	}
}

// Start launches every background goroutine.
func (e *Engine) Start() error {
	if e.approvals != nil {
		if err := e.approvals.EnsureSellApprovals(e.ctx); err != nil {
			e.logger.Warn("sell approvals incomplete", "error", err)
		}
	}

	e.spawn(func() {
		if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed error", "error", err)
		}
	})
	e.spawn(func() {
		if err := e.usrFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("user feed error", "error", err)
		}
	})
	if e.balance != nil {
		e.spawn(func() { e.balance.Run(e.ctx) })
		e.spawn(e.watchBalance)
	}
	if e.cfg.Discovery.Enabled {
		e.spawn(func() { e.discovery.Run(e.ctx) })
	}
	e.spawn(func() { e.positions.Run(e.ctx) })
	e.spawn(func() { e.relay.Run(e.ctx) })
	e.spawn(func() {
		if err := e.signalAPI.Start(); err != nil {
			e.logger.Error("signal api error", "error", err)
		}
	})

	e.spawn(e.dispatchMarketData)
	e.spawn(e.dispatchUserEvents)
	e.spawn(e.dispatchTriggers)
	e.spawn(e.syncBaseline)
	e.spawn(e.manageMarkets)

	e.logger.Info("engine started", "dry_run", e.cfg.DryRun, "auth_mode", string(e.cfg.Wallet.AuthMode))
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop shuts down gracefully: stop goroutines, snapshot positions, close
// the feeds and the store.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()

	if err := e.signalAPI.Stop(); err != nil {
		e.logger.Warn("signal api stop", "error", err)
	}
	e.wg.Wait()

	if err := e.positions.Save(); err != nil {
		e.logger.Error("final position snapshot failed", "error", err)
	}
	e.mktFeed.Close()
	e.usrFeed.Close()
	e.st.Close()
	e.gw.Close()
	e.logger.Info("shutdown complete")
}

// manageMarkets reacts to discovery results.
func (e *Engine) manageMarkets() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case descs := <-e.discovery.Results():
			for _, desc := range descs {
				e.maybeStartMarket(desc)
			}
		}
	}
}

// maybeStartMarket starts a loop for a newly discovered market.
// Discovery re-announces known markets every poll; already-running and
// already-positioned slugs are skipped.
func (e *Engine) maybeStartMarket(desc types.MarketDescriptor) {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	if _, ok := e.slots[desc.Slug]; ok {
		return
	}
	if _, ok := e.positions.Get(desc.Slug); ok {
		return
	}

	if e.cfg.TestBuy {
		// Connectivity probe instead of trading: one minimum-size buy at
		// the discovered ask.
		go e.runTestBuy(desc)
		return
	}

	if err := e.mktFeed.AddTokens([]string{desc.UpTokenID, desc.DownTokenID}); err != nil {
		e.logger.Warn("market feed subscribe failed", "slug", desc.Slug, "error", err)
	}
	if err := e.usrFeed.AddMarkets([]string{desc.ConditionID}); err != nil {
		e.logger.Warn("user feed subscribe failed", "slug", desc.Slug, "error", err)
	}

	loop := strategy.NewLoop(desc, e.cfg.Strategy, e.exec, e.collOps, e.positions,
		e.priceMon, e.client, e.relay, e.logger)

	ctx, cancel := context.WithCancel(e.ctx)
	slot := &marketSlot{desc: desc, loop: loop, cancel: cancel}
	e.slots[desc.Slug] = slot
	e.byToken[desc.UpTokenID] = slot
	e.byToken[desc.DownTokenID] = slot
	e.byCondition[desc.ConditionID] = slot

	e.spawn(func() {
		loop.Run(ctx)
		e.removeSlot(desc)
	})
	e.logger.Info("market started", "slug", desc.Slug, "sport", desc.Sport)
}

func (e *Engine) removeSlot(desc types.MarketDescriptor) {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()
	delete(e.slots, desc.Slug)
	delete(e.byToken, desc.UpTokenID)
	delete(e.byToken, desc.DownTokenID)
	delete(e.byCondition, desc.ConditionID)
}

// runTestBuy performs the TESTBUY connectivity check: a single
// minimum-size buy near the discovered ask, logged and never hedged.
func (e *Engine) runTestBuy(desc types.MarketDescriptor) {
	price := desc.BestAskUp
	if price <= 0 || price >= 1 {
		price = 0.50
	}
	shares := types.MinOrderShares(price)

	e.logger.Info("test buy", "slug", desc.Slug, "token", desc.UpTokenID,
		"shares", shares, "price", price)
	res, err := e.exec.PreciseBuy(e.ctx, desc.UpTokenID, shares, price, desc.NegRisk)
	if err != nil {
		e.logger.Error("test buy failed", "error", err)
		return
	}
	e.logger.Info("test buy result", "status", string(res.Status),
		"filled", res.FilledShares, "avg", res.AvgPrice)
}

// dispatchMarketData feeds applied book updates into the price monitor.
func (e *Engine) dispatchMarketData() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case update := <-e.mktFeed.BookUpdates():
			e.priceMon.OnBookUpdate(e.ctx, update)
		case tick := <-e.mktFeed.Trades():
			e.relay.Publish(api.EventPriceUpdate, "", map[string]any{
				"token": tick.TokenID, "price": tick.Price, "size": tick.Size,
			})
		}
	}
}

// dispatchUserEvents routes fills to the executor and the owning loop,
// and fans reconnects out to every loop for reconciliation.
func (e *Engine) dispatchUserEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case fill := <-e.usrFeed.Fills():
			e.exec.OnFill(fill)
			if err := e.st.RecordUserFill(e.ctx, fill.OrderID, fill.Market, fill.AssetID,
				fill.Side, fill.Price, fill.Size, fill.Status); err != nil {
				e.logger.Debug("record user fill", "error", err)
			}
			e.slotsMu.RLock()
			slot, ok := e.byCondition[fill.Market]
			e.slotsMu.RUnlock()
			if ok {
				slot.loop.OfferFill(fill)
			}
		case <-e.usrFeed.Reconnects():
			e.logger.Warn("user channel reconnected, reconciling open orders")
			e.slotsMu.RLock()
			for _, slot := range e.slots {
				slot.loop.NotifyReconnect()
			}
			e.slotsMu.RUnlock()
		}
	}
}

// dispatchTriggers routes price-monitor events to the owning loops.
func (e *Engine) dispatchTriggers() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case trig := <-e.priceMon.SellTriggers():
			if slot, ok := e.slotBySlug(trig.MarketSlug); ok {
				slot.loop.OfferSellTrigger(trig)
			}
		case evt := <-e.priceMon.GameEndEvents():
			if slot, ok := e.slotBySlug(evt.MarketSlug); ok {
				slot.loop.OfferGameEnd(evt)
			}
		case stop := <-e.priceMon.StopLossTriggers():
			e.handleStopLoss(stop)
		case w := <-e.priceMon.WinnerLogs():
			e.logger.Info("winner price drop", "slug", w.MarketSlug,
				"price", w.Price, "entry", w.EntryPrice, "reason", w.Reason)
		case upd := <-e.priceMon.PriceUpdates():
			e.relay.Publish(api.EventPriceUpdate, upd.MarketSlug, map[string]any{
				"side": string(upd.Side), "bid": upd.BestBid, "ask": upd.BestAsk,
			})
		}
	}
}

func (e *Engine) slotBySlug(slug string) (*marketSlot, bool) {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()
	slot, ok := e.slots[slug]
	return slot, ok
}

// handleStopLoss cancels the market's resting orders. Both bids under
// the threshold means the book is broken or the market is dying; holding
// resting orders open there is pure downside.
func (e *Engine) handleStopLoss(stop types.StopLossTrigger) {
	e.logger.Error("stop loss triggered", "slug", stop.MarketSlug,
		"bid1", stop.Bid1, "bid2", stop.Bid2)
	e.relay.Publish(api.EventLogMessage, stop.MarketSlug, map[string]any{
		"level": "error", "message": "stop loss triggered",
	})

	slot, ok := e.slotBySlug(stop.MarketSlug)
	if !ok {
		return
	}
	if _, err := e.exec.CancelOrders(e.ctx, slot.desc.ConditionID, ""); err != nil {
		e.logger.Error("stop loss cancel failed", "error", err)
	}
}

// watchBalance logs balance movements and marks holdings stale on
// unexpected inflows, which usually mean an out-of-band redemption.
func (e *Engine) watchBalance() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ch := <-e.balance.Changes():
			e.logger.Info("balance change", "prev", ch.Prev, "new", ch.New,
				"delta", ch.Delta, "direction", ch.Direction)
		case inc := <-e.balance.Increases():
			n := e.positions.MarkStale()
			if n > 0 {
				e.logger.Warn("unexpected balance increase, holdings marked stale",
					"delta", inc.Delta, "marked", n)
			}
		}
	}
}

// syncBaseline periodically rolls realized P&L of exited positions into
// the capital baseline.
func (e *Engine) syncBaseline() {
	ticker := time.NewTicker(baselineSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			n, err := e.st.SyncBaseline(e.ctx)
			if err != nil {
				e.logger.Error("baseline sync failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("baseline synced", "positions", n)
			}
		}
	}
}
