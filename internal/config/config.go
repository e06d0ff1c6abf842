// Package config defines all configuration for the hedging engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive and deployment fields overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polymarket-hedger/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	TestBuy    bool             `mapstructure:"test_buy"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	API        APIConfig        `mapstructure:"api"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Store      StoreConfig      `mapstructure:"store"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Positions  PositionsConfig  `mapstructure:"positions"`
	Collateral CollateralConfig `mapstructure:"collateral"`
	Signal     SignalConfig     `mapstructure:"signal"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// WalletConfig holds the wallet used for signing orders and transactions.
// PrivateKey signs L1 (EIP-712) auth, orders, and direct transactions.
// FunderAddress is the on-chain address that funds orders (differs from the
// signer when AuthMode is PROXY).
type WalletConfig struct {
	PrivateKey    string         `mapstructure:"private_key"`
	FunderAddress string         `mapstructure:"funder_address"`
	AuthMode      types.AuthMode `mapstructure:"auth_mode"` // EOA or PROXY
	SignatureType int            `mapstructure:"signature_type"`
	ChainID       int            `mapstructure:"chain_id"`
}

// APIConfig holds venue endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the engine derives them via L1 auth
// on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// ChainConfig holds RPC endpoints and execution preferences for collateral
// operations (split / merge / redeem).
type ChainConfig struct {
	RPCURL             string `mapstructure:"rpc_url"`
	WSSRPCURL          string `mapstructure:"wss_rpc_url"`
	RelayerURL         string `mapstructure:"relayer_url"`
	UseDirectExecution bool   `mapstructure:"use_direct_execution"` // sign and send txs ourselves
	PayOwnGas          bool   `mapstructure:"pay_own_gas"`
}

// StrategyConfig tunes the accumulate-then-lock cycle.
//
//   - PairCostTarget: break-even pair cost the lock price is derived from
//     (lock price = target − avg accumulation price).
//   - MaxAccumulationUSD: cap on one side's accumulated cost per cycle.
//   - SplitAmountUSD: collateral split per newly discovered market.
//   - ChunkShares / ChunkLoops / ChunkPause: flip-buy chunking parameters.
//   - LiquidityRatio: required available/requested ask depth before a buy.
type StrategyConfig struct {
	PairCostTarget     float64       `mapstructure:"pair_cost_target"`
	MaxAccumulationUSD float64       `mapstructure:"max_accumulation_usd"`
	SplitAmountUSD     float64       `mapstructure:"split_amount_usd"`
	LiquidityRatio     float64       `mapstructure:"liquidity_ratio"`
	ChunkShares        float64       `mapstructure:"chunk_shares"`
	ChunkLoops         int           `mapstructure:"chunk_loops"`
	ChunkPause         time.Duration `mapstructure:"chunk_pause"`
	FillTimeout        time.Duration `mapstructure:"fill_timeout"`
	LiquidityWait      time.Duration `mapstructure:"liquidity_wait"`
}

// MonitorConfig tunes the price monitor's trigger thresholds.
//
//   - SellThresholds: per-sport best-bid threshold below which the losing
//     side is sold; DefaultSellThreshold applies when the sport is absent.
//   - GameEndBid: bid at or above which a market is probed for game end.
//   - StopLossThreshold: 0 disables the catastrophic stop loss.
type MonitorConfig struct {
	SellThresholds       map[string]float64 `mapstructure:"sell_thresholds"`
	DefaultSellThreshold float64            `mapstructure:"default_sell_threshold"`
	GameEndBid           float64            `mapstructure:"game_end_bid"`
	StopLossThreshold    float64            `mapstructure:"stop_loss_threshold"`
	FreshProbeTimeout    time.Duration      `mapstructure:"fresh_probe_timeout"`
}

// GatewayConfig enables or disables outbound request rate limiting.
// Category windows are fixed at 80% of venue-advertised limits; see the
// gateway package for the per-category table.
type GatewayConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MaxRetries  int  `mapstructure:"max_retries"`
	BaseBackoff int  `mapstructure:"base_backoff_ms"`
}

// StoreConfig sets where the operational database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite file, default ./data/trading.db
}

// DiscoveryConfig controls gamma market discovery. IncludeKeywords and
// IncludeSlugs narrow discovery to specific games; empty filters accept
// every tradable binary market within the end-date horizon.
type DiscoveryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	IncludeKeywords []string      `mapstructure:"include_keywords"`
	ExcludeKeywords []string      `mapstructure:"exclude_keywords"`
	IncludeSlugs    []string      `mapstructure:"include_slugs"`
	MinLiquidity    float64       `mapstructure:"min_liquidity"`
	MaxEndDateDays  int           `mapstructure:"max_end_date_days"`
}

// PositionsConfig controls the position-manager snapshot.
type PositionsConfig struct {
	SnapshotPath     string        `mapstructure:"snapshot_path"` // default ./sss_positions.json
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	MaxOpen          int           `mapstructure:"max_open"`
}

// CollateralConfig tunes split/merge/redeem behavior.
type CollateralConfig struct {
	RedeemRetries    int           `mapstructure:"redeem_retries"`
	RedeemRetryPause time.Duration `mapstructure:"redeem_retry_pause"`
	MaxAttemptsPerID int           `mapstructure:"max_attempts_per_id"` // hard cap per condition
}

// SignalConfig configures the inbound signal HTTP API.
type SignalConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"` // empty disables auth
}

// DashboardConfig points at the external dashboard relay.
type DashboardConfig struct {
	URL string `mapstructure:"url"` // empty disables the relay
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. The env names
// match the operational CLI contract: API_KEY, RPC_URL, WSS_RPC_URL,
// AUTH_MODE, USE_DIRECT_EXECUTION, PAY_OWN_GAS, DASHBOARD_URL,
// POLYMARKET_HOST, POLYMARKET_PRIVATE_KEY, POLYMARKET_FUNDER, TESTBUY,
// PAIR_COST_TARGET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is tolerated; env vars can carry everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.ws_user_url", "wss://ws-subscriptions-clob.polymarket.com/ws/user")
	v.SetDefault("wallet.auth_mode", string(types.AuthModeEOA))
	v.SetDefault("wallet.chain_id", 137)
	v.SetDefault("strategy.pair_cost_target", 0.98)
	v.SetDefault("strategy.liquidity_ratio", 1.5)
	v.SetDefault("strategy.chunk_shares", 20.0)
	v.SetDefault("strategy.chunk_loops", 10)
	v.SetDefault("strategy.chunk_pause", 500*time.Millisecond)
	v.SetDefault("strategy.fill_timeout", 5*time.Second)
	v.SetDefault("strategy.liquidity_wait", 15*time.Second)
	v.SetDefault("monitor.default_sell_threshold", 0.25)
	v.SetDefault("monitor.game_end_bid", 0.99)
	v.SetDefault("monitor.fresh_probe_timeout", 5*time.Second)
	v.SetDefault("gateway.enabled", true)
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.base_backoff_ms", 1000)
	v.SetDefault("store.path", "./data/trading.db")
	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.poll_interval", time.Minute)
	v.SetDefault("discovery.min_liquidity", 1000.0)
	v.SetDefault("discovery.max_end_date_days", 2)
	v.SetDefault("positions.snapshot_path", "./sss_positions.json")
	v.SetDefault("positions.snapshot_interval", 30*time.Second)
	v.SetDefault("positions.max_open", 50)
	v.SetDefault("collateral.redeem_retries", 3)
	v.SetDefault("collateral.redeem_retry_pause", 30*time.Second)
	v.SetDefault("collateral.max_attempts_per_id", 2)
	v.SetDefault("signal.port", 8787)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("POLYMARKET_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if funder := os.Getenv("POLYMARKET_FUNDER"); funder != "" {
		cfg.Wallet.FunderAddress = funder
	}
	if mode := os.Getenv("AUTH_MODE"); mode != "" {
		cfg.Wallet.AuthMode = types.AuthMode(mode)
	}
	if host := os.Getenv("POLYMARKET_HOST"); host != "" {
		cfg.API.CLOBBaseURL = host
	}
	if key := os.Getenv("API_KEY"); key != "" {
		cfg.Signal.APIKey = key
	}
	if rpc := os.Getenv("RPC_URL"); rpc != "" {
		cfg.Chain.RPCURL = rpc
	}
	if wss := os.Getenv("WSS_RPC_URL"); wss != "" {
		cfg.Chain.WSSRPCURL = wss
	}
	if url := os.Getenv("DASHBOARD_URL"); url != "" {
		cfg.Dashboard.URL = url
	}
	if isTrue(os.Getenv("USE_DIRECT_EXECUTION")) {
		cfg.Chain.UseDirectExecution = true
	}
	if isTrue(os.Getenv("PAY_OWN_GAS")) {
		cfg.Chain.PayOwnGas = true
	}
	if isTrue(os.Getenv("TESTBUY")) {
		cfg.TestBuy = true
	}
	if target := os.Getenv("PAIR_COST_TARGET"); target != "" {
		var f float64
		if _, err := fmt.Sscanf(target, "%f", &f); err == nil && f > 0 {
			cfg.Strategy.PairCostTarget = f
		}
	}
}

func isTrue(s string) bool {
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks all required fields and value ranges. Failures here abort
// startup with a non-zero exit.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLYMARKET_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for Polygon mainnet)")
	}
	switch c.Wallet.AuthMode {
	case types.AuthModeEOA, types.AuthModeProxy:
	default:
		return fmt.Errorf("wallet.auth_mode must be EOA or PROXY, got %q", c.Wallet.AuthMode)
	}
	if c.Wallet.AuthMode == types.AuthModeProxy && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required in PROXY mode (set POLYMARKET_FUNDER)")
	}
	if c.Chain.UseDirectExecution && c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required for direct execution (set RPC_URL)")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Strategy.PairCostTarget <= 0 || c.Strategy.PairCostTarget >= 1.0 {
		return fmt.Errorf("strategy.pair_cost_target must be in (0, 1), got %v", c.Strategy.PairCostTarget)
	}
	if c.Strategy.LiquidityRatio < 1.0 {
		return fmt.Errorf("strategy.liquidity_ratio must be >= 1.0")
	}
	if c.Positions.MaxOpen <= 0 {
		return fmt.Errorf("positions.max_open must be > 0")
	}
	if c.Collateral.MaxAttemptsPerID <= 0 {
		return fmt.Errorf("collateral.max_attempts_per_id must be > 0")
	}
	return nil
}
