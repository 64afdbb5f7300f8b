package config

import (
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, yaml string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "sniper-config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(yaml)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTemp(t, `
general:
  instance_id: sniper-test
  log_level: debug
rpc:
  endpoint: https://rpc.example.com
  max_requeues: 7
trading:
  buy_sol: "0.25"
  max_positions: 5
gates:
  min_liquidity_sol: "20"
  mint_authority_mode: warning
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sniper-test", cfg.General.InstanceID)
	assert.Equal(t, "https://rpc.example.com", cfg.RPC.Endpoint)
	assert.Equal(t, 7, cfg.RPC.MaxRequeues)
	assert.True(t, cfg.Trading.BuySOL.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 5, cfg.Trading.MaxPositions)
	assert.True(t, cfg.Gates.MinLiquiditySOL.Equal(decimal.NewFromInt(20)))

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Execution.DirectRetries)
	assert.Positive(t, cfg.Position.StopLossPct)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_RPC_KEY", "secret-key-123")

	path := writeTemp(t, `
rpc:
  endpoint: https://rpc.example.com/?api-key=${TEST_RPC_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.example.com/?api-key=secret-key-123", cfg.RPC.Endpoint)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Trading.BuySOL = decimal.Zero
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Bundles.Enabled = true
	cfg.Bundles.BlockEngineURL = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Position.StopLossPct = 120
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}
