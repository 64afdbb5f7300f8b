package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// OutcomeRow records the terminal fate of one pool candidate.
type OutcomeRow struct {
	CandidateID  string
	Pool         string
	Mint         string
	Layer        string
	DetectedAt   time.Time
	FinalPhase   string
	FailedGate   string // empty unless rejected by validation
	ErrorCode    string // empty unless a processing error terminated it
	Reason       string
	LiquiditySOL float64
	GatesPassed  uint8
	LatencyMs    float64 // detection to terminal phase
}

// TradeRow records one executed swap leg.
type TradeRow struct {
	CandidateID string
	Mint        string
	Pool        string
	Side        string // buy|sell
	Trigger     string // entry|take_profit_1|take_profit_2|stop_loss|trailing_stop|time_stop|shutdown
	SOLAmount   float64
	TokenRaw    uint64
	PriceImpact float64
	ViaBundle   bool
	Signature   string
	BundleID    string
	Timestamp   time.Time
}

// BatchWriter batches outcome and trade rows and flushes to ClickHouse
// periodically or when a buffer fills.
type BatchWriter struct {
	client        *Client
	batchSize     int
	flushInterval time.Duration

	mu         sync.Mutex
	outcomeBuf []OutcomeRow
	tradeBuf   []TradeRow
	closed     bool
	flushCount int64
	errorCount int64

	flushHook func(ctx context.Context, table string, rows [][]any) error
}

// SetFlushHook replaces the ClickHouse insert with fn. Test seam.
func (w *BatchWriter) SetFlushHook(fn func(ctx context.Context, table string, rows [][]any) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushHook = fn
}

// NewBatchWriter creates a batch writer that flushes on size or interval.
func NewBatchWriter(client *Client, batchSize int, flushInterval time.Duration) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	return &BatchWriter{
		client:        client,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		outcomeBuf:    make([]OutcomeRow, 0, batchSize),
		tradeBuf:      make([]TradeRow, 0, batchSize),
	}
}

// WriteOutcome adds a candidate outcome to the batch buffer.
func (w *BatchWriter) WriteOutcome(row OutcomeRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("clickhouse: writer is closed")
	}

	w.outcomeBuf = append(w.outcomeBuf, row)
	return nil
}

// WriteTrade adds an executed swap leg to the batch buffer.
func (w *BatchWriter) WriteTrade(row TradeRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("clickhouse: writer is closed")
	}

	w.tradeBuf = append(w.tradeBuf, row)
	return nil
}

// Start begins the background flush loop. Blocks until context is cancelled.
func (w *BatchWriter) Start(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	log.Info().
		Int("batch_size", w.batchSize).
		Dur("flush_interval", w.flushInterval).
		Msg("clickhouse: batch writer started")

	for {
		select {
		case <-ctx.Done():
			// Final flush on shutdown.
			if err := w.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("clickhouse: final flush failed")
			}
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("clickhouse: periodic flush failed")
			}
		}
	}
}

// Flush writes all buffered rows to ClickHouse.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	outcomes := w.outcomeBuf
	trades := w.tradeBuf
	w.outcomeBuf = make([]OutcomeRow, 0, w.batchSize)
	w.tradeBuf = make([]TradeRow, 0, w.batchSize)
	w.mu.Unlock()

	if len(outcomes) == 0 && len(trades) == 0 {
		return nil
	}

	var firstErr error
	var errs int64

	if len(outcomes) > 0 {
		if err := w.flushOutcomes(ctx, outcomes); err != nil {
			log.Error().Err(err).Int("count", len(outcomes)).Msg("clickhouse: outcome flush failed")
			errs++
			firstErr = err
		}
	}

	if len(trades) > 0 {
		if err := w.flushTrades(ctx, trades); err != nil {
			log.Error().Err(err).Int("count", len(trades)).Msg("clickhouse: trade flush failed")
			errs++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	w.mu.Lock()
	w.errorCount += errs
	w.flushCount++
	total := w.flushCount
	w.mu.Unlock()

	log.Debug().
		Int("outcomes", len(outcomes)).
		Int("trades", len(trades)).
		Int64("total_flushes", total).
		Msg("clickhouse: batch flushed")

	return firstErr
}

func (w *BatchWriter) flushOutcomes(ctx context.Context, rows []OutcomeRow) error {
	if w.flushHook != nil {
		out := make([][]any, len(rows))
		for i, r := range rows {
			out[i] = []any{r.CandidateID, r.Pool, r.Mint, r.Layer, r.DetectedAt, r.FinalPhase,
				r.FailedGate, r.ErrorCode, r.Reason, r.LiquiditySOL, r.GatesPassed, r.LatencyMs}
		}
		return w.flushHook(ctx, "candidate_outcomes", out)
	}

	batch, err := w.client.Conn().PrepareBatch(ctx,
		"INSERT INTO candidate_outcomes (candidate_id, pool, mint, layer, detected_at, final_phase, failed_gate, error_code, reason, liquidity_sol, gates_passed, latency_ms)")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare outcome batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.CandidateID,
			r.Pool,
			r.Mint,
			r.Layer,
			r.DetectedAt,
			r.FinalPhase,
			r.FailedGate,
			r.ErrorCode,
			r.Reason,
			r.LiquiditySOL,
			r.GatesPassed,
			r.LatencyMs,
		); err != nil {
			return fmt.Errorf("clickhouse: append outcome: %w", err)
		}
	}

	return batch.Send()
}

func (w *BatchWriter) flushTrades(ctx context.Context, rows []TradeRow) error {
	if w.flushHook != nil {
		out := make([][]any, len(rows))
		for i, r := range rows {
			out[i] = []any{r.CandidateID, r.Mint, r.Pool, r.Side, r.Trigger, r.SOLAmount,
				r.TokenRaw, r.PriceImpact, r.ViaBundle, r.Signature, r.BundleID, r.Timestamp}
		}
		return w.flushHook(ctx, "trades", out)
	}

	batch, err := w.client.Conn().PrepareBatch(ctx,
		"INSERT INTO trades (candidate_id, mint, pool, side, trigger, sol_amount, token_raw, price_impact, via_bundle, signature, bundle_id, ts)")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare trade batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.CandidateID,
			r.Mint,
			r.Pool,
			r.Side,
			r.Trigger,
			r.SOLAmount,
			r.TokenRaw,
			r.PriceImpact,
			r.ViaBundle,
			r.Signature,
			r.BundleID,
			r.Timestamp,
		); err != nil {
			return fmt.Errorf("clickhouse: append trade: %w", err)
		}
	}

	return batch.Send()
}

// Close marks the writer as closed.
func (w *BatchWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	log.Info().
		Int64("total_flushes", w.flushCount).
		Int64("errors", w.errorCount).
		Msg("clickhouse: batch writer closed")
	return nil
}

// Stats returns writer statistics.
func (w *BatchWriter) Stats() (flushCount, errorCount int64, pendingOutcomes, pendingTrades int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushCount, w.errorCount, len(w.outcomeBuf), len(w.tradeBuf)
}
