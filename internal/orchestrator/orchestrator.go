// Package orchestrator drives candidates through the pipeline: detection
// events in, settled and validated positions out. One goroutine per
// candidate, fanned out under a concurrency cap.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/meridian-trading/meridian/internal/clickhouse"
	"github.com/meridian-trading/meridian/internal/coordinator"
	"github.com/meridian-trading/meridian/internal/detect"
	"github.com/meridian-trading/meridian/internal/execution"
	"github.com/meridian-trading/meridian/internal/gates"
	"github.com/meridian-trading/meridian/internal/journal"
	"github.com/meridian-trading/meridian/internal/liquidity"
	"github.com/meridian-trading/meridian/internal/position"
	"github.com/meridian-trading/meridian/internal/solana"
)

// Config controls the pipeline driver.
type Config struct {
	BuySOL        decimal.Decimal `yaml:"buy_sol"`
	MaxPositions  int             `yaml:"max_positions"`  // soft cap, checked before execution
	MaxConcurrent int             `yaml:"max_concurrent"` // candidates processed in parallel
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BuySOL:        decimal.NewFromFloat(0.5),
		MaxPositions:  3,
		MaxConcurrent: 8,
	}
}

// Orchestrator connects the detection stream to the trading pipeline.
type Orchestrator struct {
	config    Config
	client    solana.Client
	coord     *coordinator.Coordinator
	measurer  *liquidity.Measurer
	pipeline  *gates.Pipeline
	engine    *execution.Engine
	positions *position.Manager
	journal   *journal.Writer
	analytics *clickhouse.BatchWriter // nil disables analytics

	sem chan struct{}
	wg  sync.WaitGroup

	processed atomic.Int64
	opened    atomic.Int64
	capSkips  atomic.Int64
}

// New wires the pipeline driver. analytics may be nil.
func New(
	config Config,
	client solana.Client,
	coord *coordinator.Coordinator,
	measurer *liquidity.Measurer,
	pipeline *gates.Pipeline,
	engine *execution.Engine,
	positions *position.Manager,
	jw *journal.Writer,
	analytics *clickhouse.BatchWriter,
) *Orchestrator {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}
	if config.MaxPositions <= 0 {
		config.MaxPositions = 3
	}
	if config.BuySOL.IsZero() {
		config.BuySOL = decimal.NewFromFloat(0.5)
	}
	return &Orchestrator{
		config:    config,
		client:    client,
		coord:     coord,
		measurer:  measurer,
		pipeline:  pipeline,
		engine:    engine,
		positions: positions,
		journal:   jw,
		analytics: analytics,
		sem:       make(chan struct{}, config.MaxConcurrent),
	}
}

// Run consumes detection events until the channel closes or the context
// ends, then waits for in-flight candidates to finish.
func (o *Orchestrator) Run(ctx context.Context, events <-chan detect.Event) {
	log.Info().
		Str("buy_sol", o.config.BuySOL.String()).
		Int("max_positions", o.config.MaxPositions).
		Msg("orchestrator: started")

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return
		case evt, ok := <-events:
			if !ok {
				o.wg.Wait()
				return
			}
			o.dispatch(ctx, evt)
		}
	}
}

// dispatch claims the pool and hands the candidate to a worker goroutine.
// Duplicate events lose the race here and are dropped silently.
func (o *Orchestrator) dispatch(ctx context.Context, evt detect.Event) {
	if !o.coord.ShouldProcess(evt.Pool, evt.Signature) {
		return
	}

	cand := o.coord.Register(evt.Pool, evt.Mint, evt.Signature, evt.Slot, evt.Layer)
	if cand == nil {
		return // another layer won between ShouldProcess and Register
	}
	o.processed.Add(1)

	log.Info().
		Str("candidate", cand.ID).
		Str("pool", string(evt.Pool)).
		Str("layer", evt.Layer).
		Str("dex", evt.DEX).
		Msg("orchestrator: NEW CANDIDATE")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-ctx.Done():
			o.coord.MarkFailed(evt.Pool, coordinator.NewError(
				coordinator.ErrRPCTimeout, "dispatch", false, ctx.Err()))
			return
		}

		o.process(ctx, cand.ID, evt)
	}()
}

// process runs one candidate end to end.
func (o *Orchestrator) process(ctx context.Context, candID string, evt detect.Event) {
	pool := evt.Pool

	// Settling — wait for liquidity to stabilize and become measurable.
	if err := o.coord.StartSettling(pool); err != nil {
		log.Warn().Err(err).Str("pool", string(pool)).Msg("orchestrator: settling transition refused")
		return
	}

	reading := o.measurer.Settle(ctx, pool)
	if reading.Status != liquidity.StatusOK || !reading.ValueSOL.IsPositive() {
		o.fail(candID, evt, coordinator.NewError(
			coordinator.ErrLiquidityUnknown, "settling", false,
			fmt.Errorf("liquidity unresolved after settle window (status=%s value=%s)",
				reading.Status, reading.ValueSOL.StringFixed(4))))
		return
	}
	o.coord.UpdateLiquidity(pool, reading.ValueSOL)

	// Account-layer events arrive without a mint; resolve it from the pool
	// state now that the account is readable.
	mint := evt.Mint
	var openTime time.Time
	if vaults, err := o.client.GetPoolVaults(ctx, pool); err == nil {
		openTime = vaults.OpenTime
		if mint == "" {
			mint = vaults.BaseMint
			if mint == solana.SOLMint {
				mint = vaults.QuoteMint
			}
		}
	} else if mint == "" {
		o.fail(candID, evt, coordinator.NewError(
			coordinator.ErrMissingAccounts, "settling", false,
			fmt.Errorf("mint unresolvable: %w", err)))
		return
	}

	// Validation — the eight gates.
	if err := o.coord.StartValidation(pool); err != nil {
		log.Warn().Err(err).Str("pool", string(pool)).Msg("orchestrator: validation transition refused")
		return
	}

	outcome := o.pipeline.Run(ctx, gates.View{
		Pool:         pool,
		Mint:         mint,
		Layer:        evt.Layer,
		DetectedAt:   evt.DetectedAt,
		PoolOpenTime: openTime,
		Liquidity:    reading,
		BuySOL:       o.config.BuySOL,
	})
	if !outcome.Passed {
		o.reject(candID, evt, mint, outcome)
		return
	}

	// Soft position cap. Validated but skipped candidates stay deduplicated
	// so a later duplicate event cannot sneak them back in.
	if o.positions.ActiveCount() >= o.config.MaxPositions {
		o.capSkips.Add(1)
		o.coord.Reject(pool, coordinator.NewError(
			coordinator.ErrGateReject, "capacity", false,
			fmt.Errorf("position cap %d reached", o.config.MaxPositions)))
		o.record(journal.Entry{
			Event:       journal.EventRejected,
			CandidateID: candID,
			Pool:        pool,
			Mint:        mint,
			Layer:       evt.Layer,
			Gate:        "capacity",
			Reason:      fmt.Sprintf("position cap %d reached", o.config.MaxPositions),
		}, evt, "FAILED", "capacity", string(coordinator.ErrGateReject), reading.ValueSOL, len(outcome.Results))
		return
	}

	// Execution.
	if err := o.coord.StartExecution(pool); err != nil {
		log.Warn().Err(err).Str("pool", string(pool)).Msg("orchestrator: execution transition refused")
		return
	}

	res := o.engine.ExecuteBuy(ctx, mint, o.config.BuySOL)
	if !res.Success {
		o.fail(candID, evt, coordinator.NewError(
			coordinator.ErrExecutionFail, "execution", false, res.Err))
		return
	}

	if err := o.coord.MarkTraded(pool); err != nil {
		log.Error().Err(err).Str("pool", string(pool)).Msg("orchestrator: traded transition refused")
	}
	o.opened.Add(1)

	o.positions.Open(pool, mint, o.config.BuySOL, res)
	o.record(journal.Entry{
		Event:       journal.EventTraded,
		CandidateID: candID,
		Pool:        pool,
		Mint:        mint,
		Layer:       evt.Layer,
		Reason:      fmt.Sprintf("bought for %s SOL", o.config.BuySOL),
	}, evt, "MONITORING", "", "", reading.ValueSOL, len(outcome.Results))

	if o.analytics != nil {
		buySOL, _ := o.config.BuySOL.Float64()
		if err := o.analytics.WriteTrade(clickhouse.TradeRow{
			CandidateID: candID,
			Mint:        string(mint),
			Pool:        string(pool),
			Side:        "buy",
			Trigger:     "entry",
			SOLAmount:   buySOL,
			TokenRaw:    uint64(res.OutRaw.IntPart()),
			PriceImpact: res.PriceImpactPct,
			ViaBundle:   res.ViaBundle,
			Signature:   string(res.Signature),
			BundleID:    res.BundleID,
			Timestamp:   time.Now(),
		}); err != nil {
			log.Debug().Err(err).Msg("orchestrator: trade row dropped")
		}
	}
}

// fail terminates a candidate with a classified error and journals it.
func (o *Orchestrator) fail(candID string, evt detect.Event, perr *coordinator.ProcessingError) {
	o.coord.MarkFailed(evt.Pool, perr)
	o.record(journal.Entry{
		Event:       journal.EventFailed,
		CandidateID: candID,
		Pool:        evt.Pool,
		Mint:        evt.Mint,
		Layer:       evt.Layer,
		ErrorCode:   string(perr.Code),
		Reason:      perr.Error(),
	}, evt, "FAILED", "", string(perr.Code), decimal.Zero, 0)
}

// reject terminates a candidate on a gate verdict and journals it.
func (o *Orchestrator) reject(candID string, evt detect.Event, mint solana.Pubkey, outcome *gates.Outcome) {
	o.coord.Reject(evt.Pool, coordinator.NewError(
		coordinator.ErrGateReject, outcome.FailedGate, false,
		fmt.Errorf("%s", outcome.Reason)))

	liq := decimal.Zero
	if cand, ok := o.coord.Candidate(evt.Pool); ok {
		liq = cand.LiquiditySOL
	}
	o.record(journal.Entry{
		Event:       journal.EventRejected,
		CandidateID: candID,
		Pool:        evt.Pool,
		Mint:        mint,
		Layer:       evt.Layer,
		Gate:        outcome.FailedGate,
		Reason:      outcome.Reason,
	}, evt, "FAILED", outcome.FailedGate, string(coordinator.ErrGateReject), liq, len(outcome.Results))
}

// record writes the journal entry and the analytics outcome row.
func (o *Orchestrator) record(e journal.Entry, evt detect.Event, phase, failedGate, errCode string, liq decimal.Decimal, gatesPassed int) {
	if o.journal != nil {
		o.journal.Record(e)
	}
	if o.analytics == nil {
		return
	}
	liqF, _ := liq.Float64()
	if err := o.analytics.WriteOutcome(clickhouse.OutcomeRow{
		CandidateID:  e.CandidateID,
		Pool:         string(e.Pool),
		Mint:         string(e.Mint),
		Layer:        evt.Layer,
		DetectedAt:   evt.DetectedAt,
		FinalPhase:   phase,
		FailedGate:   failedGate,
		ErrorCode:    errCode,
		Reason:       e.Reason,
		LiquiditySOL: liqF,
		GatesPassed:  uint8(gatesPassed),
		LatencyMs:    float64(time.Since(evt.DetectedAt).Milliseconds()),
	}); err != nil {
		log.Debug().Err(err).Msg("orchestrator: outcome row dropped")
	}
}

// PositionClosed is the position manager's close hook: frees the pool claim
// and journals the exit.
func (o *Orchestrator) PositionClosed(p position.Position) {
	o.coord.Release(p.Pool, p.ExitReason)

	if o.journal != nil {
		o.journal.Record(journal.Entry{
			Event:       journal.EventClosed,
			Pool:        p.Pool,
			Mint:        p.Mint,
			Reason:      p.ExitReason,
			PnLSOL:      p.RealizedSOL.Sub(p.InvestedSOL).StringFixed(4),
			HoldSeconds: p.ClosedAt.Sub(p.OpenedAt).Seconds(),
		})
	}
	if o.analytics != nil {
		realized, _ := p.RealizedSOL.Float64()
		if err := o.analytics.WriteTrade(clickhouse.TradeRow{
			Mint:      string(p.Mint),
			Pool:      string(p.Pool),
			Side:      "sell",
			Trigger:   p.ExitReason,
			SOLAmount: realized,
			TokenRaw:  uint64(p.TotalRaw.IntPart()),
			Timestamp: p.ClosedAt,
		}); err != nil {
			log.Debug().Err(err).Msg("orchestrator: close row dropped")
		}
	}
}

// Stats is a counter snapshot.
type Stats struct {
	Processed int64 `json:"processed"`
	Opened    int64 `json:"opened"`
	CapSkips  int64 `json:"cap_skips"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Processed: o.processed.Load(),
		Opened:    o.opened.Load(),
		CapSkips:  o.capSkips.Load(),
	}
}
