package liquidity

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-trading/meridian/internal/retry"
	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Liquidity measurement — how much SOL actually sits in a new pool. Vault
// accounts are not always readable in the first seconds after pool creation,
// so measurement distinguishes "no liquidity" from "could not tell yet".
// ---------------------------------------------------------------------------

// Status classifies one measurement.
type Status int

const (
	StatusOK      Status = iota // measured a real value
	StatusUnknown               // accounts not readable yet, worth retrying
	StatusFail                  // permanent failure for this pool
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknown:
		return "unknown"
	case StatusFail:
		return "fail"
	default:
		return "invalid"
	}
}

// Reading is one liquidity measurement.
type Reading struct {
	Status   Status
	ValueSOL decimal.Decimal
	Source   string // "quote_vault" or "pool_balance"
	Took     time.Duration
}

// Config configures settling.
type Config struct {
	SettleAttempts int           `yaml:"settle_attempts"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	MeasureTimeout time.Duration `yaml:"measure_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SettleAttempts: 5,
		SettleDelay:    2 * time.Second,
		MeasureTimeout: 8 * time.Second,
	}
}

// Measurer reads pool liquidity through the RPC client.
type Measurer struct {
	client solana.Client
	config Config
}

// NewMeasurer creates a measurer.
func NewMeasurer(client solana.Client, config Config) *Measurer {
	if config.SettleAttempts == 0 {
		config.SettleAttempts = 5
	}
	if config.SettleDelay == 0 {
		config.SettleDelay = 2 * time.Second
	}
	if config.MeasureTimeout == 0 {
		config.MeasureTimeout = 8 * time.Second
	}
	return &Measurer{client: client, config: config}
}

// Measure takes one reading. The quote vault's token balance is the primary
// source; when vault accounts are not resolvable yet it falls back to the
// pool account's raw SOL balance.
func (m *Measurer) Measure(ctx context.Context, pool solana.Pubkey) Reading {
	start := time.Now()
	measureCtx, cancel := context.WithTimeout(ctx, m.config.MeasureTimeout)
	defer cancel()

	vaults, err := m.client.GetPoolVaults(measureCtx, pool)
	if err == nil {
		quoteVault := vaults.QuoteVault
		if vaults.QuoteMint != solana.SOLMint && vaults.BaseMint == solana.SOLMint {
			quoteVault = vaults.BaseVault
		}
		balance, balErr := m.client.GetTokenAccountBalance(measureCtx, quoteVault)
		if balErr == nil {
			return Reading{
				Status:   StatusOK,
				ValueSOL: balance,
				Source:   "quote_vault",
				Took:     time.Since(start),
			}
		}
		log.Debug().Err(balErr).Str("pool", string(pool)).Msg("liquidity: vault balance unreadable")
	} else {
		log.Debug().Err(err).Str("pool", string(pool)).Msg("liquidity: vaults unresolvable")
	}

	// Fallback: the pool account's own SOL holdings. Crude but available
	// before the vault accounts settle.
	balance, err := m.client.GetBalanceSOL(measureCtx, pool)
	if err != nil {
		return Reading{Status: StatusUnknown, Source: "pool_balance", Took: time.Since(start)}
	}
	if balance.IsZero() {
		// A zero fallback reading can mean either an empty pool or accounts
		// that have not settled. Report unknown so the caller retries.
		return Reading{Status: StatusUnknown, ValueSOL: balance, Source: "pool_balance", Took: time.Since(start)}
	}
	return Reading{
		Status:   StatusOK,
		ValueSOL: balance,
		Source:   "pool_balance",
		Took:     time.Since(start),
	}
}

// Settle measures repeatedly until the first positive OK reading or the
// attempt budget runs out. A readable vault holding zero is not settled:
// deposits often land seconds after pool creation, so a zero reading keeps
// the window open the same way an unreadable account does. The final reading
// is returned either way; callers decide what an exhausted window means for
// the candidate.
func (m *Measurer) Settle(ctx context.Context, pool solana.Pubkey) Reading {
	var last Reading
	policy := retry.Fixed(m.config.SettleAttempts, m.config.SettleDelay)

	_ = policy.Do(ctx, func(attempt int) (bool, error) {
		last = m.Measure(ctx, pool)
		if last.Status == StatusOK && last.ValueSOL.IsPositive() {
			return false, nil
		}
		if last.Status == StatusFail {
			return false, fmt.Errorf("liquidity: measurement failed for %s", pool)
		}
		log.Debug().
			Str("pool", string(pool)).
			Int("attempt", attempt).
			Msg("liquidity: not settled, retrying")
		return true, fmt.Errorf("liquidity: %s not settled", pool)
	})
	return last
}
