// Package config loads and validates the YAML configuration and the secrets
// taken from the environment.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"github.com/quaylabs/flasharb/gas"
	"github.com/quaylabs/flasharb/risk"
	"github.com/quaylabs/flasharb/types"
	"github.com/quaylabs/flasharb/venue"
)

type Config struct {
	Network    NetworkConfig    `yaml:"network"`
	Settlement SettlementConfig `yaml:"settlement"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Gas        GasConfig        `yaml:"gas"`
	Risk       RiskConfig       `yaml:"risk"`
	Relay      RelayConfig      `yaml:"relay"`
	Sink       SinkConfig       `yaml:"sink"`
	Pools      []PoolConfig     `yaml:"pools"`
}

type NetworkConfig struct {
	RPCEndpoint string `yaml:"rpc_endpoint"`
	ChainID     uint64 `yaml:"chain_id"`
}

type SettlementConfig struct {
	Contract    string            `yaml:"contract"`
	Operator    string            `yaml:"operator"`
	Authorized  []string          `yaml:"authorized"`
	LoanFeeBps  uint32            `yaml:"loan_fee_bps"`
	SlippageBps uint32            `yaml:"slippage_bps"`
	Reserves    map[string]string `yaml:"reserves"` // dry-run lending liquidity per asset
}

type ExecutorConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	RetryMultiplier     float64       `yaml:"retry_multiplier"`
	Confirmations       uint64        `yaml:"confirmations"`
	ConfirmPollInterval time.Duration `yaml:"confirm_poll_interval"`
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`
	SimulateTimeout     time.Duration `yaml:"simulate_timeout"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	DedupSize           int           `yaml:"dedup_size"`
	SubmitRate          float64       `yaml:"submit_rate"`
	SubmitBurst         int           `yaml:"submit_burst"`
	NonceTTL            time.Duration `yaml:"nonce_ttl"`
}

type GasConfig struct {
	Strategy            string `yaml:"strategy"`
	HistoryBlocks       uint64 `yaml:"history_blocks"`
	CongestionThreshold uint   `yaml:"congestion_threshold"`
	MaxCongestionBps    uint32 `yaml:"max_congestion_bps"`
	BaseFeeHeadroom     int64  `yaml:"base_fee_headroom"`
	GasMarginBps        uint32 `yaml:"gas_margin_bps"`
}

type RiskConfig struct {
	MaxNetworkFee    string            `yaml:"max_network_fee"`
	DailyLossCeiling string            `yaml:"daily_loss_ceiling"`
	MinProfit        string            `yaml:"min_profit"`
	AssetCaps        map[string]string `yaml:"asset_caps"`
	WindowHours      int               `yaml:"window_hours"`
}

type RelayConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	TargetOffset uint64 `yaml:"target_offset"`
}

type SinkConfig struct {
	Postgres bool `yaml:"postgres"` // DSN comes from FLASHARB_POSTGRES_DSN
}

type PoolConfig struct {
	Address  string `yaml:"address"`
	Venue    string `yaml:"venue"`
	Token0   string `yaml:"token0"`
	Token1   string `yaml:"token1"`
	Reserve0 string `yaml:"reserve0"`
	Reserve1 string `yaml:"reserve1"`
	FeeBps   uint32 `yaml:"fee_bps"`
}

// Load reads and validates the YAML config at path, defaulting to
// ~/.flasharb.yaml.
func Load(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, ".flasharb.yaml")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate collects every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Network.RPCEndpoint == "" {
		errs = append(errs, "network.rpc_endpoint must be specified")
	}
	if c.Network.ChainID == 0 {
		errs = append(errs, "network.chain_id must be specified")
	}
	if c.Settlement.Contract == "" {
		errs = append(errs, "settlement.contract must be specified")
	}
	if c.Executor.MaxAttempts < 0 {
		errs = append(errs, "executor.max_attempts must not be negative")
	}
	if c.Executor.RetryMultiplier != 0 && c.Executor.RetryMultiplier < 1 {
		errs = append(errs, "executor.retry_multiplier must be at least 1")
	}
	if _, err := gas.ParseStrategy(c.Gas.Strategy); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		errs = append(errs, "relay.url must be specified when relay is enabled")
	}
	for field, v := range map[string]string{
		"risk.max_network_fee":    c.Risk.MaxNetworkFee,
		"risk.daily_loss_ceiling": c.Risk.DailyLossCeiling,
		"risk.min_profit":         c.Risk.MinProfit,
	} {
		if v == "" {
			continue
		}
		if _, ok := new(big.Int).SetString(v, 10); !ok {
			errs = append(errs, fmt.Sprintf("%s is not a base-10 integer", field))
		}
	}
	for asset, v := range c.Risk.AssetCaps {
		if _, ok := new(big.Int).SetString(v, 10); !ok {
			errs = append(errs, fmt.Sprintf("risk.asset_caps[%s] is not a base-10 integer", asset))
		}
	}
	for i, p := range c.Pools {
		if _, err := types.ParseVenueID(p.Venue); err != nil {
			errs = append(errs, fmt.Sprintf("pools[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// GateConfig converts the risk section into the gate's initial state.
func (c *Config) GateConfig() risk.Config {
	gc := risk.Config{
		Operator:  common.HexToAddress(c.Settlement.Operator),
		AssetCaps: make(map[common.Address]*big.Int, len(c.Risk.AssetCaps)),
		Window:    time.Duration(c.Risk.WindowHours) * time.Hour,
	}
	for _, a := range c.Settlement.Authorized {
		gc.Authorized = append(gc.Authorized, common.HexToAddress(a))
	}
	for asset, v := range c.Risk.AssetCaps {
		gc.AssetCaps[common.HexToAddress(asset)] = mustBig(v)
	}
	if c.Risk.MaxNetworkFee != "" {
		gc.MaxNetworkFee = mustBig(c.Risk.MaxNetworkFee)
	}
	if c.Risk.DailyLossCeiling != "" {
		gc.DailyLossCeiling = mustBig(c.Risk.DailyLossCeiling)
	}
	if c.Risk.MinProfit != "" {
		gc.MinProfit = mustBig(c.Risk.MinProfit)
	}
	return gc
}

// PricerConfig converts the gas section.
func (c *Config) PricerConfig() gas.Config {
	pc := gas.DefaultConfig()
	if c.Gas.CongestionThreshold > 0 {
		pc.CongestionThreshold = c.Gas.CongestionThreshold
	}
	if c.Gas.MaxCongestionBps > 0 {
		pc.MaxCongestionBps = c.Gas.MaxCongestionBps
	}
	if c.Gas.BaseFeeHeadroom > 0 {
		pc.BaseFeeHeadroom = c.Gas.BaseFeeHeadroom
	}
	return pc
}

// ToPool converts a pool entry. Validate has already checked the venue name.
func (p *PoolConfig) ToPool() (*venue.Pool, error) {
	id, err := types.ParseVenueID(p.Venue)
	if err != nil {
		return nil, err
	}
	r0, ok := new(big.Int).SetString(p.Reserve0, 10)
	if !ok {
		return nil, fmt.Errorf("pool %s: reserve0 is not a base-10 integer", p.Address)
	}
	r1, ok := new(big.Int).SetString(p.Reserve1, 10)
	if !ok {
		return nil, fmt.Errorf("pool %s: reserve1 is not a base-10 integer", p.Address)
	}
	fee := p.FeeBps
	if fee == 0 {
		fee = 30
	}
	return &venue.Pool{
		Address:  common.HexToAddress(p.Address),
		Venue:    id,
		Token0:   common.HexToAddress(p.Token0),
		Token1:   common.HexToAddress(p.Token1),
		Reserve0: r0,
		Reserve1: r1,
		FeeBps:   fee,
	}, nil
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(fmt.Sprintf("unvalidated big integer %q", s))
	}
	return v
}
