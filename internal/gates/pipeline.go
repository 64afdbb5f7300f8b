package gates

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-trading/meridian/internal/jupiter"
	"github.com/meridian-trading/meridian/internal/retry"
	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Pipeline — runs the eight gates in fixed order against a settled candidate.
// A hard failure halts immediately; warnings record and continue; the
// launch-source gate reports but never blocks.
// ---------------------------------------------------------------------------

// Outcome is the pipeline verdict handed to the execution engine.
type Outcome struct {
	Passed     bool
	FailedGate string
	Reason     string
	Results    []Result

	// Populated on success for the execution engine.
	BuyQuote         *jupiter.Quote
	SimReturnSOL     decimal.Decimal
	RoundTripLossPct float64
}

// Recorder receives each gate result as it lands. The coordinator's
// RecordGateResult is the production implementation.
type Recorder func(pool solana.Pubkey, res Result)

// Pipeline evaluates gates using the RPC client and the quote aggregator.
type Pipeline struct {
	client solana.Client
	jup    jupiter.Client
	config Config
	record Recorder
}

// New creates a pipeline. A nil recorder disables recording.
func New(client solana.Client, jup jupiter.Client, config Config, record Recorder) *Pipeline {
	if record == nil {
		record = func(solana.Pubkey, Result) {}
	}
	if config.HolderLimit == 0 {
		config.HolderLimit = 10
	}
	if config.FlowMaxTxFetch == 0 {
		config.FlowMaxTxFetch = 30
	}
	return &Pipeline{client: client, jup: jup, config: config, record: record}
}

// run executes one gate with timing, logging, and recording.
func (p *Pipeline) run(view View, name string, check func() Result) Result {
	start := time.Now()
	res := check()
	res.Took = time.Since(start)

	evt := log.Debug()
	if !res.Passed {
		evt = log.Info()
	}
	evt.Str("pool", string(view.Pool)).
		Str("gate", name).
		Bool("passed", res.Passed).
		Bool("warning", res.Warning).
		Str("reason", res.Reason).
		Dur("took", res.Took).
		Msg("gates: evaluated")

	p.record(view.Pool, res)
	return res
}

// Run evaluates all gates in order. The returned outcome carries every result
// produced before the halt (if any).
func (p *Pipeline) Run(ctx context.Context, view View) *Outcome {
	out := &Outcome{}

	halt := func(res Result) *Outcome {
		out.FailedGate = res.Gate
		out.Reason = res.Reason
		return out
	}
	// keep records a passing (or warning) result and reports whether to go on.
	keep := func(res Result) bool {
		out.Results = append(out.Results, res)
		return res.Passed
	}

	// 1. Liquidity floor + pool age.
	if res := p.run(view, GateLiquidity, func() Result {
		return checkLiquidity(view, time.Now(), p.config)
	}); !keep(res) {
		return halt(res)
	}

	// 2–3. Authority revocation. One metadata fetch serves both.
	meta, err := p.client.GetTokenMeta(ctx, view.Mint)
	if err != nil {
		res := p.run(view, GateMintAuthority, func() Result {
			return fail(GateMintAuthority, "token metadata unavailable: %v", err)
		})
		keep(res)
		return halt(res)
	}
	if res := p.run(view, GateMintAuthority, func() Result {
		return checkAuthority(GateMintAuthority, meta.MintRevoked(), meta.MintAuthority, p.config.MintAuthorityMode)
	}); !keep(res) {
		return halt(res)
	}
	if res := p.run(view, GateFreezeAuthority, func() Result {
		return checkAuthority(GateFreezeAuthority, meta.FreezeRevoked(), meta.FreezeAuthority, p.config.FreezeAuthorityMode)
	}); !keep(res) {
		return halt(res)
	}

	// 4. Route sanity. Brand-new pools take a while to index in the
	// aggregator, so the quote itself is retried on a fixed cadence.
	buyRaw := view.BuySOL.Mul(decimal.NewFromInt(solana.LamportsPerSOL))
	var buyQuote *jupiter.Quote
	routePolicy := retry.Fixed(p.config.RouteAttempts, p.config.RouteDelay)
	quoteErr := retry.Do(ctx, routePolicy, func(attempt int) (bool, error) {
		q, qErr := p.jup.GetQuote(ctx, jupiter.QuoteParams{
			InputMint:   solana.SOLMint,
			OutputMint:  view.Mint,
			AmountRaw:   buyRaw,
			SlippageBps: p.config.SlippageBps,
		})
		if qErr != nil {
			log.Debug().
				Str("pool", string(view.Pool)).
				Int("attempt", attempt).
				Err(qErr).
				Msg("gates: route quote not available yet")
			return true, qErr
		}
		buyQuote = q
		return false, nil
	})
	if res := p.run(view, GateRoute, func() Result {
		if quoteErr != nil {
			return fail(GateRoute, "no route after %d attempts: %v", p.config.RouteAttempts, quoteErr)
		}
		return checkRoute(buyQuote, p.config)
	}); !keep(res) {
		return halt(res)
	}

	// 5. Round trip: quote selling the exact quoted out-amount back to SOL.
	// A sell-side quote failure is a rejection in itself; transfer-blocking
	// tokens quote fine on the way in and refuse on the way out.
	sellQuote, sellErr := p.jup.GetQuote(ctx, jupiter.QuoteParams{
		InputMint:   view.Mint,
		OutputMint:  solana.SOLMint,
		AmountRaw:   buyQuote.OutAmountRaw,
		SlippageBps: p.config.SlippageBps,
	})
	if res := p.run(view, GateRoundTrip, func() Result {
		if sellErr != nil {
			return fail(GateRoundTrip, "sell quote failed (possible honeypot): %v", sellErr)
		}
		r, lossPct := checkRoundTrip(buyRaw, sellQuote.OutAmountRaw, p.config)
		out.RoundTripLossPct = lossPct
		return r
	}); !keep(res) {
		return halt(res)
	}
	out.SimReturnSOL = sellQuote.OutAmountRaw.Div(decimal.NewFromInt(solana.LamportsPerSOL))

	// 6. Organic flow over the pool's first trading window.
	flow, flowErr := p.sampleFlow(ctx, view)
	if res := p.run(view, GateOrganicFlow, func() Result {
		if flowErr != nil {
			return fail(GateOrganicFlow, "flow history unavailable: %v", flowErr)
		}
		return checkFlow(flow, p.config)
	}); !keep(res) {
		return halt(res)
	}

	// 7. Holder concentration.
	holders, holdErr := p.client.GetTopHolders(ctx, view.Mint, p.config.HolderLimit)
	if res := p.run(view, GateHolderConcentration, func() Result {
		if holdErr != nil {
			return fail(GateHolderConcentration, "holders unavailable: %v", holdErr)
		}
		return checkConcentration(holders, p.config)
	}); !keep(res) {
		return halt(res)
	}

	// 8. Launch source. Reported, never blocking.
	out.Results = append(out.Results, p.run(view, GateLaunchSource, func() Result {
		return describeLaunchSource(view)
	}))

	out.Passed = true
	out.BuyQuote = buyQuote
	return out
}

// sampleFlow reconstructs the pool's early trading window from transaction
// history: swap count, unique fee payers, and the dominant wallet's share.
func (p *Pipeline) sampleFlow(ctx context.Context, view View) (FlowSample, error) {
	sigs, err := p.client.GetSignaturesForAddress(ctx, view.Pool, p.config.FlowMaxTxFetch)
	if err != nil {
		return FlowSample{}, fmt.Errorf("gates: pool history: %w", err)
	}
	if len(sigs) == 0 {
		return FlowSample{}, nil
	}

	// The window opens at the oldest observed transaction.
	var windowStart int64
	for _, s := range sigs {
		if windowStart == 0 || s.BlockTime < windowStart {
			windowStart = s.BlockTime
		}
	}
	windowEnd := windowStart + int64(p.config.FlowWindow.Seconds())

	wallets := make(map[solana.Pubkey]int)
	sample := FlowSample{}
	for _, s := range sigs {
		if s.Failed || s.BlockTime > windowEnd {
			continue
		}
		tx, txErr := p.client.GetTransaction(ctx, s.Signature)
		if txErr != nil {
			// One unreadable tx does not void the sample.
			log.Debug().Err(txErr).Str("sig", string(s.Signature)).Msg("gates: flow tx unreadable")
			continue
		}
		if tx.Failed {
			continue
		}
		sample.Swaps++
		wallets[tx.FeePayer]++
	}

	sample.Wallets = len(wallets)
	if sample.Swaps > 0 {
		for w, n := range wallets {
			share := float64(n) / float64(sample.Swaps) * 100.0
			if share > sample.TopSharePct {
				sample.TopSharePct = share
				sample.TopWallet = w
			}
		}
	}
	return sample, nil
}
