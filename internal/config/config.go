// Package config defines all configuration for the copy-trading engine.
// Config is loaded from a YAML file with sensitive fields overridable via
// POLY_* environment variables. Credential fields may also use "env:NAME"
// values to pull from the environment at load time.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun        bool             `mapstructure:"dry_run"`
	YourAccount   AccountConfig    `mapstructure:"your_account"`
	API           APIConfig        `mapstructure:"api"`
	Traders       []TraderConfig   `mapstructure:"traders"`
	Risk          RiskConfig       `mapstructure:"risk_management"`
	Monitoring    MonitoringConfig `mapstructure:"monitoring"`
	Logging       LoggingConfig    `mapstructure:"logging"`
	TradeTracking TrackingConfig   `mapstructure:"trade_tracking"`
	StateDir      string           `mapstructure:"state_dir"`
	ControlAddr   string           `mapstructure:"control_addr"`
}

// AccountConfig holds the follower's wallet and venue credentials.
// PrivateKey signs L1 (EIP-712) auth, order signatures, and derives L2 API
// keys when the api_* fields are empty. FunderAddress is the on-chain wallet
// that funds orders (the Polymarket proxy for signature_type 1).
type AccountConfig struct {
	PrivateKey    string  `mapstructure:"private_key"`
	FunderAddress string  `mapstructure:"funder_address"`
	SignatureType int     `mapstructure:"signature_type"`
	ChainID       int     `mapstructure:"chain_id"`
	APIKey        string  `mapstructure:"api_key"`
	APISecret     string  `mapstructure:"api_secret"`
	APIPassphrase string  `mapstructure:"api_passphrase"`
	TotalCapital  float64 `mapstructure:"total_capital"`
}

// APIConfig holds the Polymarket API endpoints.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
}

// TraderConfig describes one leader wallet to mirror.
type TraderConfig struct {
	Name             string  `mapstructure:"name"`
	WalletAddress    string  `mapstructure:"wallet_address"`
	AllocatedCapital float64 `mapstructure:"allocated_capital"`
	Enabled          bool    `mapstructure:"enabled"`
}

// RiskConfig groups the three layers of risk controls.
type RiskConfig struct {
	Global        GlobalRiskConfig   `mapstructure:"global"`
	PerTrader     PerTraderConfig    `mapstructure:"per_trader"`
	MarketFilters MarketFilterConfig `mapstructure:"market_filters"`
}

// GlobalRiskConfig sets account-wide hard limits.
//
//   - MaxTotalExposure: cap on combined USD exposure across all leaders.
//   - MaxSingleBet:     cap on any single mirrored order's notional.
//   - ReserveCapital:   capital that must never be allocated to leaders.
type GlobalRiskConfig struct {
	MaxTotalExposure float64 `mapstructure:"max_total_exposure"`
	MaxSingleBet     float64 `mapstructure:"max_single_bet"`
	ReserveCapital   float64 `mapstructure:"reserve_capital"`
}

// PerTraderConfig tunes how leader fills translate into mirror sizes.
//
//   - MinPortfolioValue: skip leaders whose portfolio is below this (or unknown).
//   - MaxPositionPct:    cap per mirrored position as a fraction of the
//     leader's allocated capital.
//   - UsePortfolioProportion: size mirrors by the leader's own conviction
//     (trade notional ÷ portfolio value) instead of copying full allocation.
type PerTraderConfig struct {
	MinPortfolioValue      float64 `mapstructure:"min_portfolio_value"`
	MaxPositionPct         float64 `mapstructure:"max_position_pct"`
	UsePortfolioProportion bool    `mapstructure:"use_portfolio_proportion"`
}

// MarketFilterConfig gates which markets are eligible for mirroring.
// An empty whitelist admits every category not blacklisted.
type MarketFilterConfig struct {
	WhitelistCategories []string `mapstructure:"whitelist_categories"`
	BlacklistCategories []string `mapstructure:"blacklist_categories"`
	MinLiquidity        float64  `mapstructure:"min_liquidity"`
}

// MonitoringConfig controls the polling cadence.
//
//   - PollInterval:           fast loop, leader trade polling.
//   - PortfolioSyncInterval:  slow loop, leader portfolio snapshots.
//   - OverlapWindow:          how far behind the cursor each poll reaches to
//     absorb Data API indexing lag. Must be at least 2× PollInterval.
//   - LiveFeed:               subscribe the public market WebSocket channel and
//     trigger an immediate poll when a leader fill is seen on the tape.
type MonitoringConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	PortfolioSyncInterval time.Duration `mapstructure:"portfolio_sync_interval"`
	OverlapWindow         time.Duration `mapstructure:"overlap_window"`
	LiveFeed              bool          `mapstructure:"live_feed"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	TradesFile string `mapstructure:"trades_file"`
}

// TrackingConfig controls the standalone leader trade recorder (track-trades).
type TrackingConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	OutputDir    string        `mapstructure:"output_dir"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("your_account.chain_id", 137)
	v.SetDefault("your_account.signature_type", 1)
	v.SetDefault("monitoring.poll_interval", "5s")
	v.SetDefault("monitoring.portfolio_sync_interval", "60s")
	v.SetDefault("trade_tracking.poll_interval", "15s")
	v.SetDefault("trade_tracking.output_dir", "state/trader_trades")
	v.SetDefault("state_dir", "state")
	v.SetDefault("control_addr", "127.0.0.1:7801")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Resolve env:NAME references in credential fields
	cfg.YourAccount.PrivateKey = resolveEnvRef(cfg.YourAccount.PrivateKey)
	cfg.YourAccount.APIKey = resolveEnvRef(cfg.YourAccount.APIKey)
	cfg.YourAccount.APISecret = resolveEnvRef(cfg.YourAccount.APISecret)
	cfg.YourAccount.APIPassphrase = resolveEnvRef(cfg.YourAccount.APIPassphrase)

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.YourAccount.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.YourAccount.APIKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.YourAccount.APISecret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.YourAccount.APIPassphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	// Default the overlap window off the poll interval when unset
	if cfg.Monitoring.OverlapWindow == 0 {
		cfg.Monitoring.OverlapWindow = 2 * cfg.Monitoring.PollInterval
	}

	return &cfg, nil
}

// resolveEnvRef expands "env:NAME" values to the named environment variable.
// Any other value passes through unchanged; a missing variable resolves to "".
func resolveEnvRef(value string) string {
	if strings.HasPrefix(value, "env:") {
		return os.Getenv(strings.TrimPrefix(value, "env:"))
	}
	return value
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.YourAccount.PrivateKey == "" {
		return fmt.Errorf("your_account.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.YourAccount.ChainID == 0 {
		return fmt.Errorf("your_account.chain_id is required (137 for mainnet)")
	}
	switch c.YourAccount.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("your_account.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.YourAccount.SignatureType != 0 && c.YourAccount.FunderAddress == "" {
		return fmt.Errorf("your_account.funder_address is required when signature_type is 1 or 2")
	}
	if c.YourAccount.FunderAddress != "" && !common.IsHexAddress(c.YourAccount.FunderAddress) {
		return fmt.Errorf("your_account.funder_address %q is not a valid address", c.YourAccount.FunderAddress)
	}
	if c.YourAccount.TotalCapital <= 0 {
		return fmt.Errorf("your_account.total_capital must be > 0")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.DataBaseURL == "" {
		return fmt.Errorf("api.data_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}

	if len(c.Traders) == 0 {
		return fmt.Errorf("at least one trader is required")
	}
	enabled := 0
	seenNames := make(map[string]bool)
	var allocated float64
	for i, tr := range c.Traders {
		if tr.Name == "" {
			return fmt.Errorf("traders[%d].name is required", i)
		}
		if seenNames[tr.Name] {
			return fmt.Errorf("traders[%d].name %q is duplicated", i, tr.Name)
		}
		seenNames[tr.Name] = true
		if !common.IsHexAddress(tr.WalletAddress) {
			return fmt.Errorf("traders[%d].wallet_address %q is not a valid address", i, tr.WalletAddress)
		}
		if tr.AllocatedCapital <= 0 {
			return fmt.Errorf("traders[%d].allocated_capital must be > 0", i)
		}
		if tr.Enabled {
			enabled++
			allocated += tr.AllocatedCapital
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one trader must be enabled")
	}
	if investable := c.YourAccount.TotalCapital - c.Risk.Global.ReserveCapital; allocated > investable {
		return fmt.Errorf("allocated capital %.2f exceeds investable capital %.2f (total_capital - reserve_capital)",
			allocated, investable)
	}

	if c.Risk.Global.MaxTotalExposure <= 0 {
		return fmt.Errorf("risk_management.global.max_total_exposure must be > 0")
	}
	if c.Risk.Global.MaxSingleBet <= 0 {
		return fmt.Errorf("risk_management.global.max_single_bet must be > 0")
	}
	if c.Risk.Global.ReserveCapital < 0 {
		return fmt.Errorf("risk_management.global.reserve_capital must be >= 0")
	}
	if c.Risk.PerTrader.MaxPositionPct <= 0 || c.Risk.PerTrader.MaxPositionPct > 1 {
		return fmt.Errorf("risk_management.per_trader.max_position_pct must be in (0, 1]")
	}
	for _, white := range c.Risk.MarketFilters.WhitelistCategories {
		for _, black := range c.Risk.MarketFilters.BlacklistCategories {
			if strings.EqualFold(white, black) {
				return fmt.Errorf("category %q appears in both whitelist and blacklist", white)
			}
		}
	}

	if c.Monitoring.PollInterval <= 0 {
		return fmt.Errorf("monitoring.poll_interval must be > 0")
	}
	if c.Monitoring.PortfolioSyncInterval <= 0 {
		return fmt.Errorf("monitoring.portfolio_sync_interval must be > 0")
	}
	if c.Monitoring.OverlapWindow < 2*c.Monitoring.PollInterval {
		return fmt.Errorf("monitoring.overlap_window must be at least 2x poll_interval")
	}
	if c.TradeTracking.PollInterval <= 0 {
		return fmt.Errorf("trade_tracking.poll_interval must be > 0")
	}
	return nil
}

// EnabledTraders returns the traders with enabled: true, in config order.
func (c *Config) EnabledTraders() []TraderConfig {
	out := make([]TraderConfig, 0, len(c.Traders))
	for _, tr := range c.Traders {
		if tr.Enabled {
			out = append(out, tr)
		}
	}
	return out
}

// TraderByName looks a trader up by its configured name.
func (c *Config) TraderByName(name string) (TraderConfig, bool) {
	for _, tr := range c.Traders {
		if tr.Name == name {
			return tr, true
		}
	}
	return TraderConfig{}, false
}
