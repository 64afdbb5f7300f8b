package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-trading/meridian/internal/execution"
	"github.com/meridian-trading/meridian/internal/jupiter"
	"github.com/meridian-trading/meridian/internal/liquidity"
	"github.com/meridian-trading/meridian/internal/market"
	"github.com/meridian-trading/meridian/internal/solana"
)

const testMint = solana.Pubkey("9xQeWvG816bUx56ZCy4oCCW5c5cTPSuWbzsWeEKjiABC")
const testPool = solana.Pubkey("7Yq3mP1vTrHq9cW2xZdKfBnRj4sLgUeAo8iN6hD5tVXk")

// harness holds the manager plus the stubs backing it.
type harness struct {
	m      *Manager
	jup    *jupiter.StubClient
	client *solana.StubClient
	closed []Position
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		jup:    jupiter.NewStubClient(),
		client: solana.NewStubClient(),
	}
	engine := execution.New(h.client, h.jup, nil, execution.NewStubSigner("test-wallet"), execution.Config{
		DirectRetries:      2,
		DirectRetryDelay:   time.Millisecond,
		StatusPollInterval: time.Millisecond,
		ConfirmTimeout:     time.Second,
		PriorityFee:        execution.FeeMedium,
	})
	h.m = NewManager(engine, h.jup, market.NewStubService(), DefaultConfig(), func(p Position) {
		h.closed = append(h.closed, p)
	})
	return h
}

// openStandard opens a 1 SOL position holding 1,000,000 raw token units,
// giving an entry price of 1e-6 SOL per unit.
func (h *harness) openStandard() *Position {
	return h.m.Open(testPool, testMint, decimal.NewFromInt(1), &execution.Result{
		Success:   true,
		Signature: "entry-sig",
		OutRaw:    decimal.NewFromInt(1_000_000),
	})
}

// setGain registers a sell quote that values the remaining size at the given
// multiple of entry. lamportsOut = entry * mult * remaining * 1e9.
func (h *harness) setGain(remaining int64, mult float64) {
	out := decimal.NewFromFloat(mult).
		Mul(decimal.New(1, -6)). // entry price
		Mul(decimal.NewFromInt(remaining)).
		Mul(decimal.NewFromInt(solana.LamportsPerSOL))
	h.jup.SetQuote(testMint, solana.SOLMint, &jupiter.Quote{OutAmountRaw: out})
}

func TestOpenTracksEntryState(t *testing.T) {
	h := newHarness(t)
	p := h.openStandard()

	assert.True(t, p.Active)
	assert.True(t, p.EntryPrice.Equal(decimal.New(1, -6)))
	assert.True(t, p.RemainingRaw.Equal(decimal.NewFromInt(1_000_000)))
	assert.Equal(t, 1, h.m.ActiveCount())

	got, ok := h.m.Get(testMint)
	require.True(t, ok)
	assert.Equal(t, p.ID, got.ID)
}

func TestTakeProfit1SellsHalfOnce(t *testing.T) {
	h := newHarness(t)
	h.openStandard()
	h.setGain(1_000_000, 1.5) // +50%, past the +40% TP1 trigger

	h.m.tick(context.Background())

	p, ok := h.m.Get(testMint)
	require.True(t, ok)
	assert.True(t, p.TP1Done)
	assert.False(t, p.TP2Done)
	assert.True(t, p.Active)
	assert.True(t, p.RemainingRaw.Equal(decimal.NewFromInt(500_000)), "got %s", p.RemainingRaw)
	assert.Equal(t, int64(1), h.m.Stats().PartialSells)

	// Same gain on the next tick: TP1 must not re-fire and TP2 is not reached.
	h.setGain(500_000, 1.5)
	h.m.tick(context.Background())

	p, _ = h.m.Get(testMint)
	assert.True(t, p.RemainingRaw.Equal(decimal.NewFromInt(500_000)))
	assert.Equal(t, int64(1), h.m.Stats().PartialSells)
}

func TestTakeProfit2RequiresTP1First(t *testing.T) {
	h := newHarness(t)
	h.openStandard()
	h.setGain(1_000_000, 2.5) // +150%, past both triggers

	// First tick fires TP1 only; levels are staged, never skipped.
	h.m.tick(context.Background())
	p, _ := h.m.Get(testMint)
	assert.True(t, p.TP1Done)
	assert.False(t, p.TP2Done)

	h.setGain(500_000, 2.5)
	h.m.tick(context.Background())
	p, _ = h.m.Get(testMint)
	assert.True(t, p.TP2Done)
	assert.True(t, p.RemainingRaw.Equal(decimal.NewFromInt(250_000)))
	assert.Equal(t, int64(2), h.m.Stats().PartialSells)
}

func TestStopLossClosesPosition(t *testing.T) {
	h := newHarness(t)
	h.openStandard()
	h.setGain(1_000_000, 0.6) // -40%, past the -30% stop

	h.m.tick(context.Background())

	p, ok := h.m.Get(testMint)
	require.True(t, ok)
	assert.False(t, p.Active)
	assert.Equal(t, "stop_loss", p.ExitReason)
	assert.True(t, p.RemainingRaw.IsZero())
	assert.Equal(t, 0, h.m.ActiveCount())

	require.Len(t, h.closed, 1)
	assert.Equal(t, "stop_loss", h.closed[0].ExitReason)
	assert.False(t, h.closed[0].ClosedAt.IsZero())
}

func TestTimeStopExitsStalePosition(t *testing.T) {
	h := newHarness(t)
	p := h.openStandard()
	h.setGain(1_000_000, 1.05) // +5%, under the 10% keep threshold

	h.m.mu.Lock()
	p.OpenedAt = time.Now().Add(-time.Hour) // past the 30m hold limit
	h.m.mu.Unlock()

	h.m.tick(context.Background())

	got, _ := h.m.Get(testMint)
	assert.False(t, got.Active)
	assert.Equal(t, "time_stop", got.ExitReason)
}

func TestTimeStopSparesWinners(t *testing.T) {
	h := newHarness(t)
	p := h.openStandard()
	h.setGain(1_000_000, 1.2) // +20%, above the keep threshold

	h.m.mu.Lock()
	p.OpenedAt = time.Now().Add(-time.Hour)
	h.m.mu.Unlock()

	h.m.tick(context.Background())

	got, _ := h.m.Get(testMint)
	assert.True(t, got.Active)
}

func TestTrailingStopArmsOnlyAfterBothTPs(t *testing.T) {
	h := newHarness(t)
	p := h.openStandard()

	// Price 30% off its high, but TPs have not both fired: no exit.
	h.m.mu.Lock()
	p.HighestPrice = decimal.New(2, -6)
	p.TP1Done = true
	h.m.mu.Unlock()
	h.setGain(1_000_000, 1.39) // under TP2, 30.5% below the high

	h.m.tick(context.Background())
	got, _ := h.m.Get(testMint)
	assert.True(t, got.Active)

	// With both TPs done the same drawdown triggers the trail.
	h.m.mu.Lock()
	p.TP2Done = true
	h.m.mu.Unlock()

	h.m.tick(context.Background())
	got, _ = h.m.Get(testMint)
	assert.False(t, got.Active)
	assert.Equal(t, "trailing_stop", got.ExitReason)
}

func TestFailedSellKeepsSize(t *testing.T) {
	h := newHarness(t)
	h.openStandard()
	h.setGain(1_000_000, 1.5)
	h.client.FailNext(100) // every direct send bounces

	h.m.tick(context.Background())

	p, _ := h.m.Get(testMint)
	assert.True(t, p.Active)
	assert.False(t, p.TP1Done)
	assert.True(t, p.RemainingRaw.Equal(decimal.NewFromInt(1_000_000)))
	assert.Equal(t, int64(1), h.m.Stats().SellFailures)
}

func TestPriceRefreshFallsBackToMarketData(t *testing.T) {
	h := newHarness(t)

	mkt := market.NewStubService()
	// Pair valued 10% below entry in native lamport terms. Not enough to
	// trigger any exit, so the tick becomes a pure price refresh.
	mkt.SetTokenPairs(testMint, []market.Pair{{
		BaseMint:    testMint,
		QuoteMint:   solana.SOLMint,
		PriceNative: decimal.New(9, -7).Mul(decimal.NewFromInt(solana.LamportsPerSOL)),
	}})
	h.m.mkt = mkt

	h.openStandard()
	// No aggregator quote registered: the manager must fall back to pairs.

	h.m.tick(context.Background())

	p, _ := h.m.Get(testMint)
	assert.True(t, p.Active)
	assert.True(t, p.CurrentPrice.Equal(decimal.New(9, -7)), "got %s", p.CurrentPrice)
}

// Races the read side of a price refresh against partial sells shrinking the
// position. Meaningful under the race detector.
func TestPriceRefreshRacesPartialSell(t *testing.T) {
	h := newHarness(t)
	p := h.openStandard()
	h.setGain(1_000_000, 1.0)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h.m.refreshPrice(ctx, p)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			h.m.partialSell(ctx, p, 5, "take_profit_1")
		}
	}()
	wg.Wait()

	got, ok := h.m.Get(testMint)
	require.True(t, ok)
	assert.True(t, got.RemainingRaw.LessThan(decimal.NewFromInt(1_000_000)))
}

func TestCloseAllEmergencyExits(t *testing.T) {
	h := newHarness(t)
	h.openStandard()
	h.setGain(1_000_000, 1.0)

	h.m.CloseAll(context.Background())

	p, _ := h.m.Get(testMint)
	assert.False(t, p.Active)
	assert.Equal(t, "shutdown", p.ExitReason)
	assert.Equal(t, 0, h.m.ActiveCount())
	require.Len(t, h.closed, 1)
}

func TestRunHonorsContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor loop did not stop")
	}
}

func TestLiquidityDrainForcesEmergencyExit(t *testing.T) {
	h := newHarness(t)
	vault := solana.Pubkey("5KKsLVU6TcbVDK4BS6K1DGDxnh4Q9xjYJ8XaDCG5t8ht")
	h.client.SetVaults(solana.PoolVaults{
		Pool:       testPool,
		QuoteVault: vault,
		QuoteMint:  solana.SOLMint,
	})
	h.m.SetLiquidityGuard(
		liquidity.NewMeasurer(h.client, liquidity.Config{SettleAttempts: 1, SettleDelay: time.Millisecond}),
		liquidity.NewTrendTracker(liquidity.DefaultTrendConfig()),
	)
	h.openStandard()
	h.setGain(1_000_000, 1.0)

	// First tick records a healthy reading.
	h.client.SetTokenBalance(vault, decimal.NewFromInt(50))
	h.m.tick(context.Background())
	p, _ := h.m.Get(testMint)
	require.True(t, p.Active)

	// 40% of the pool gone: emergency exit, price rules never consulted.
	h.client.SetTokenBalance(vault, decimal.NewFromInt(30))
	h.m.tick(context.Background())

	p, _ = h.m.Get(testMint)
	assert.False(t, p.Active)
	assert.Equal(t, "liquidity_drain", p.ExitReason)
	assert.Equal(t, int64(1), h.m.Stats().RugExits)
	require.Len(t, h.closed, 1)
}
