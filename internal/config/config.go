// Package config loads the root YAML configuration. Environment variables in
// the file are expanded before parsing, so secrets stay out of the file
// itself (endpoint URLs with API keys, the signer key path).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meridian-trading/meridian/internal/clickhouse"
	"github.com/meridian-trading/meridian/internal/coordinator"
	"github.com/meridian-trading/meridian/internal/detect"
	"github.com/meridian-trading/meridian/internal/execution"
	"github.com/meridian-trading/meridian/internal/gates"
	"github.com/meridian-trading/meridian/internal/journal"
	"github.com/meridian-trading/meridian/internal/jupiter"
	"github.com/meridian-trading/meridian/internal/liquidity"
	"github.com/meridian-trading/meridian/internal/market"
	"github.com/meridian-trading/meridian/internal/observability"
	"github.com/meridian-trading/meridian/internal/orchestrator"
	"github.com/meridian-trading/meridian/internal/position"
	"github.com/meridian-trading/meridian/internal/solana"
)

// Config is the root configuration structure.
type Config struct {
	General     GeneralConfig        `yaml:"general"`
	RPC         solana.QueuedConfig  `yaml:"rpc"`
	Bundles     solana.BundleConfig  `yaml:"bundles"`
	Jupiter     jupiter.APIConfig    `yaml:"jupiter"`
	Market      market.Config        `yaml:"market"`
	Detect      DetectConfig         `yaml:"detect"`
	Coordinator coordinator.Config   `yaml:"coordinator"`
	Liquidity   liquidity.Config     `yaml:"liquidity"`
	Gates       gates.Config         `yaml:"gates"`
	Execution   execution.Config     `yaml:"execution"`
	Position    position.Config      `yaml:"position"`
	Trading     orchestrator.Config  `yaml:"trading"`
	Journal     journal.Config       `yaml:"journal"`
	ClickHouse  clickhouse.Config    `yaml:"clickhouse"`
	Debug       observability.Config `yaml:"debug"`
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id"`
	DryRun     bool   `yaml:"dry_run"` // stub client + signer, no real sends
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json|console
}

// DetectConfig groups the four detection sources.
type DetectConfig struct {
	WS          detect.WSConfig          `yaml:"ws"`
	History     detect.PollerConfig      `yaml:"history"`
	Pairs       detect.PairsPollerConfig `yaml:"pairs"`
	EventBuffer int                      `yaml:"event_buffer"`
}

// Default returns a fully populated configuration with mainnet defaults.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			InstanceID: "sniper-1",
			LogLevel:   "info",
			LogFormat:  "json",
		},
		RPC:     solana.DefaultQueuedConfig(),
		Bundles: solana.DefaultBundleConfig(),
		Jupiter: jupiter.DefaultAPIConfig(),
		Market:  market.DefaultConfig(),
		Detect: DetectConfig{
			WS:          detect.DefaultWSConfig(),
			History:     detect.DefaultPollerConfig(),
			Pairs:       detect.DefaultPairsPollerConfig(),
			EventBuffer: 256,
		},
		Coordinator: coordinator.DefaultConfig(),
		Liquidity:   liquidity.DefaultConfig(),
		Gates:       gates.DefaultConfig(),
		Execution:   execution.DefaultConfig(),
		Position:    position.DefaultConfig(),
		Trading:     orchestrator.DefaultConfig(),
		Journal:     journal.DefaultConfig(),
		ClickHouse:  clickhouse.DefaultConfig(),
		Debug:       observability.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. Values present in the file win;
// everything else keeps its default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would trade nonsense.
func (c *Config) Validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("config: rpc.endpoint is required")
	}
	if !c.Trading.BuySOL.IsPositive() {
		return fmt.Errorf("config: trading.buy_sol must be positive")
	}
	if c.Trading.MaxPositions <= 0 {
		return fmt.Errorf("config: trading.max_positions must be positive")
	}
	if !c.Gates.MinLiquiditySOL.IsPositive() {
		return fmt.Errorf("config: gates.min_liquidity_sol must be positive")
	}
	if c.Bundles.Enabled && c.Bundles.BlockEngineURL == "" {
		return fmt.Errorf("config: bundles.block_engine_url is required when bundles are enabled")
	}
	if c.Position.StopLossPct <= 0 || c.Position.StopLossPct >= 100 {
		return fmt.Errorf("config: position.stop_loss_pct must be in (0, 100)")
	}
	return nil
}
