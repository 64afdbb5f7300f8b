package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/meridian-trading/meridian/internal/jupiter"
	"github.com/meridian-trading/meridian/internal/retry"
	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Execution Engine — quote, build, sign, submit. The bundle path pairs the
// swap with a tip transfer for atomic front-running-resistant inclusion; on
// any bundle failure it falls back to direct submission exactly once.
// ---------------------------------------------------------------------------

// Signer is the injected wallet capability. Key derivation and custody live
// outside this module.
type Signer interface {
	// Pubkey returns the wallet's public key.
	Pubkey() solana.Pubkey
	// SignBase64 signs an unsigned base64-encoded transaction.
	SignBase64(txBase64 string) (string, error)
	// BuildTransfer builds and signs a plain lamport transfer, used for the
	// bundle tip transaction.
	BuildTransfer(to solana.Pubkey, lamports uint64) (string, error)
}

// FeeLevel selects a static compute-unit price tier.
type FeeLevel string

const (
	FeeLow    FeeLevel = "low"
	FeeMedium FeeLevel = "medium"
	FeeHigh   FeeLevel = "high"
	FeeTurbo  FeeLevel = "turbo"
)

// Micro-lamports per compute unit per tier.
var feeLevels = map[FeeLevel]uint64{
	FeeLow:    1_000,
	FeeMedium: 10_000,
	FeeHigh:   100_000,
	FeeTurbo:  1_000_000,
}

// Config configures the engine.
type Config struct {
	BuySlippageBps       int           `yaml:"buy_slippage_bps"`
	SellSlippageBps      int           `yaml:"sell_slippage_bps"`
	EmergencySlippageBps int           `yaml:"emergency_slippage_bps"`
	PriorityFee          FeeLevel      `yaml:"priority_fee"`
	DirectRetries        int           `yaml:"direct_retries"`
	DirectRetryDelay     time.Duration `yaml:"direct_retry_delay"`
	StatusPollInterval   time.Duration `yaml:"status_poll_interval"`
	ConfirmTimeout       time.Duration `yaml:"confirm_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BuySlippageBps:       300,
		SellSlippageBps:      300,
		EmergencySlippageBps: 2_000,
		PriorityFee:          FeeHigh,
		DirectRetries:        3,
		DirectRetryDelay:     1 * time.Second,
		StatusPollInterval:   2 * time.Second,
		ConfirmTimeout:       30 * time.Second,
	}
}

// Result is the outcome of one submitted swap.
type Result struct {
	Success        bool
	Signature      solana.Signature
	BundleID       string
	InRaw          decimal.Decimal
	OutRaw         decimal.Decimal
	PriceImpactPct float64
	ViaBundle      bool
	Err            error
}

// Engine executes buys and sells.
type Engine struct {
	client  solana.Client
	jup     jupiter.Client
	bundles *solana.BundleClient // nil disables the bundle path
	signer  Signer
	config  Config

	// Stats.
	buys           atomic.Int64
	sells          atomic.Int64
	bundleAttempts atomic.Int64
	bundleLanded   atomic.Int64
	bundleFailed   atomic.Int64
	directSends    atomic.Int64
	fallbacks      atomic.Int64
}

// New creates an engine. bundles may be nil when bundles are disabled.
func New(client solana.Client, jup jupiter.Client, bundles *solana.BundleClient, signer Signer, config Config) *Engine {
	if config.DirectRetries == 0 {
		config.DirectRetries = 3
	}
	if config.DirectRetryDelay == 0 {
		config.DirectRetryDelay = time.Second
	}
	if config.StatusPollInterval == 0 {
		config.StatusPollInterval = 2 * time.Second
	}
	if config.ConfirmTimeout == 0 {
		config.ConfirmTimeout = 30 * time.Second
	}
	if _, ok := feeLevels[config.PriorityFee]; !ok {
		config.PriorityFee = FeeMedium
	}
	return &Engine{client: client, jup: jup, bundles: bundles, signer: signer, config: config}
}

// ExecuteBuy swaps SOL into the mint.
func (e *Engine) ExecuteBuy(ctx context.Context, mint solana.Pubkey, amountSOL decimal.Decimal) *Result {
	e.buys.Add(1)
	amountRaw := amountSOL.Mul(decimal.NewFromInt(solana.LamportsPerSOL))
	return e.swap(ctx, solana.SOLMint, mint, amountRaw, e.config.BuySlippageBps)
}

// ExecuteSell swaps raw token units back into SOL.
func (e *Engine) ExecuteSell(ctx context.Context, mint solana.Pubkey, amountRaw decimal.Decimal) *Result {
	e.sells.Add(1)
	return e.swap(ctx, mint, solana.SOLMint, amountRaw, e.config.SellSlippageBps)
}

// EmergencySell exits with wide slippage bounds for urgent unwinds.
func (e *Engine) EmergencySell(ctx context.Context, mint solana.Pubkey, amountRaw decimal.Decimal) *Result {
	e.sells.Add(1)
	log.Warn().Str("mint", string(mint)).Msg("execution: emergency sell")
	return e.swap(ctx, mint, solana.SOLMint, amountRaw, e.config.EmergencySlippageBps)
}

func failResult(in decimal.Decimal, err error) *Result {
	return &Result{InRaw: in, Err: err}
}

// swap runs the full quote -> build -> sign -> submit sequence.
func (e *Engine) swap(ctx context.Context, in, out solana.Pubkey, amountRaw decimal.Decimal, slippageBps int) *Result {
	quote, err := e.jup.GetQuote(ctx, jupiter.QuoteParams{
		InputMint:   in,
		OutputMint:  out,
		AmountRaw:   amountRaw,
		SlippageBps: slippageBps,
	})
	if err != nil {
		return failResult(amountRaw, fmt.Errorf("execution: quote: %w", err))
	}

	swapTx, err := e.jup.BuildSwap(ctx, quote, feeLevels[e.config.PriorityFee])
	if err != nil {
		return failResult(amountRaw, fmt.Errorf("execution: build swap: %w", err))
	}

	signed, err := e.signer.SignBase64(swapTx.TxBase64)
	if err != nil {
		return failResult(amountRaw, fmt.Errorf("execution: sign: %w", err))
	}

	res := &Result{
		InRaw:          amountRaw,
		OutRaw:         quote.OutAmountRaw,
		PriceImpactPct: quote.PriceImpactPct,
	}

	if e.bundles != nil && e.bundles.Enabled() {
		if bundleID, ok := e.submitBundle(ctx, signed); ok {
			res.Success = true
			res.ViaBundle = true
			res.BundleID = bundleID
			return res
		}
		// Exactly one direct fallback; the bundle path is never retried.
		e.fallbacks.Add(1)
		log.Warn().Str("out", string(out)).Msg("execution: bundle failed, direct fallback")
	}

	sig, err := e.submitDirect(ctx, signed)
	if err != nil {
		res.Err = err
		return res
	}
	res.Success = true
	res.Signature = sig
	return res
}

// submitBundle sends the swap plus a tip transfer and waits for landing.
func (e *Engine) submitBundle(ctx context.Context, signedSwap string) (string, bool) {
	e.bundleAttempts.Add(1)

	tipTx, err := e.signer.BuildTransfer(e.bundles.NextTipAccount(), e.bundles.TipLamports())
	if err != nil {
		e.bundleFailed.Add(1)
		log.Error().Err(err).Msg("execution: tip transfer build failed")
		return "", false
	}

	status, err := e.bundles.SendBundle(ctx, []string{signedSwap, tipTx})
	if err != nil {
		e.bundleFailed.Add(1)
		log.Error().Err(err).Msg("execution: bundle send failed")
		return "", false
	}

	final, err := e.bundles.WaitForBundle(ctx, status.BundleID)
	if err != nil || !final.Landed() {
		e.bundleFailed.Add(1)
		return status.BundleID, false
	}

	e.bundleLanded.Add(1)
	log.Info().Str("bundle_id", final.BundleID).Uint64("slot", final.Slot).Msg("execution: bundle landed")
	return final.BundleID, true
}

// submitDirect sends through the RPC queue with bounded linear backoff, then
// polls signature status until confirmed or the window closes.
func (e *Engine) submitDirect(ctx context.Context, signed string) (solana.Signature, error) {
	var sig solana.Signature
	policy := retry.Linear(e.config.DirectRetries, e.config.DirectRetryDelay)
	err := retry.Do(ctx, policy, func(attempt int) (bool, error) {
		s, sendErr := e.client.SendTransaction(ctx, signed)
		if sendErr != nil {
			log.Debug().Err(sendErr).Int("attempt", attempt).Msg("execution: direct send failed")
			return true, sendErr
		}
		sig = s
		e.directSends.Add(1)
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("execution: direct send: %w", err)
	}

	if err := e.awaitConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	log.Info().Str("sig", string(sig)).Msg("execution: transaction confirmed")
	return sig, nil
}

func (e *Engine) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	deadline := time.Now().Add(e.config.ConfirmTimeout)
	ticker := time.NewTicker(e.config.StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := e.client.GetSignatureStatus(ctx, sig)
			if err == nil {
				switch status {
				case "confirmed", "finalized":
					return nil
				case "failed":
					return fmt.Errorf("execution: transaction %s failed on chain", sig)
				}
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("execution: confirmation timeout for %s", sig)
			}
		}
	}
}

// Stats is a counter snapshot.
type Stats struct {
	Buys           int64 `json:"buys"`
	Sells          int64 `json:"sells"`
	BundleAttempts int64 `json:"bundle_attempts"`
	BundleLanded   int64 `json:"bundle_landed"`
	BundleFailed   int64 `json:"bundle_failed"`
	DirectSends    int64 `json:"direct_sends"`
	Fallbacks      int64 `json:"fallbacks"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Buys:           e.buys.Load(),
		Sells:          e.sells.Load(),
		BundleAttempts: e.bundleAttempts.Load(),
		BundleLanded:   e.bundleLanded.Load(),
		BundleFailed:   e.bundleFailed.Load(),
		DirectSends:    e.directSends.Load(),
		Fallbacks:      e.fallbacks.Load(),
	}
}
