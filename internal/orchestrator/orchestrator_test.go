package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-trading/meridian/internal/coordinator"
	"github.com/meridian-trading/meridian/internal/detect"
	"github.com/meridian-trading/meridian/internal/execution"
	"github.com/meridian-trading/meridian/internal/gates"
	"github.com/meridian-trading/meridian/internal/journal"
	"github.com/meridian-trading/meridian/internal/jupiter"
	"github.com/meridian-trading/meridian/internal/liquidity"
	"github.com/meridian-trading/meridian/internal/market"
	"github.com/meridian-trading/meridian/internal/position"
	"github.com/meridian-trading/meridian/internal/solana"
)

const (
	testPool  = solana.Pubkey("7Yq3mP1vTrHq9cW2xZdKfBnRj4sLgUeAo8iN6hD5tVXk")
	testMint  = solana.Pubkey("9xQeWvG816bUx56ZCy4oCCW5c5cTPSuWbzsWeEKjiABC")
	testVault = solana.Pubkey("5KKsLVU6TcbVDK4BS6K1DGDxnh4Q9xjYJ8XaDCG5t8ht")
)

type harness struct {
	orch   *Orchestrator
	coord  *coordinator.Coordinator
	pos    *position.Manager
	client *solana.StubClient
	jup    *jupiter.StubClient
	signer *execution.StubSigner
}

// newHarness wires the full pipeline over stubs, configured so the standard
// candidate passes every gate and the buy lands on the direct path.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	client := solana.NewStubClient()
	jup := jupiter.NewStubClient()

	coord := coordinator.New(coordinator.DefaultConfig())

	gateCfg := gates.DefaultConfig()
	gateCfg.RouteAttempts = 2
	gateCfg.RouteDelay = time.Millisecond
	pipeline := gates.New(client, jup, gateCfg, func(pool solana.Pubkey, res gates.Result) {
		coord.RecordGateResult(pool, coordinator.GateRecord{
			Gate:    res.Gate,
			Passed:  res.Passed,
			Warning: res.Warning,
			Reason:  res.Reason,
			Took:    res.Took,
		})
	})

	measurer := liquidity.NewMeasurer(client, liquidity.Config{
		SettleAttempts: 2,
		SettleDelay:    time.Millisecond,
		MeasureTimeout: time.Second,
	})

	signer := execution.NewStubSigner("test-wallet")
	engine := execution.New(client, jup, nil, signer, execution.Config{
		DirectRetries:      2,
		DirectRetryDelay:   time.Millisecond,
		StatusPollInterval: time.Millisecond,
		ConfirmTimeout:     time.Second,
		PriorityFee:        execution.FeeMedium,
	})

	jw := journal.NewWriter(journal.Config{
		Path:       filepath.Join(t.TempDir(), "candidates.jsonl"),
		MaxSizeMB:  10,
		MaxBackups: 1,
		MaxAgeDays: 1,
	})
	t.Cleanup(func() { jw.Close() })

	h := &harness{coord: coord, client: client, jup: jup, signer: signer}
	var orch *Orchestrator
	h.pos = position.NewManager(engine, jup, market.NewStubService(), position.DefaultConfig(), func(p position.Position) {
		orch.PositionClosed(p)
	})
	orch = New(cfg, client, coord, measurer, pipeline, engine, h.pos, jw, nil)
	h.orch = orch
	return h
}

// primeHealthy configures the stubs so the standard candidate is tradeable.
func (h *harness) primeHealthy() {
	h.client.SetVaults(solana.PoolVaults{
		Pool:       testPool,
		BaseVault:  "base-vault",
		QuoteVault: testVault,
		BaseMint:   testMint,
		QuoteMint:  solana.SOLMint,
		OpenTime:   time.Now().Add(-5 * time.Minute),
	})
	h.client.SetTokenBalance(testVault, decimal.NewFromInt(50))
	h.client.SetToken(solana.TokenMeta{Mint: testMint, Decimals: 9, Supply: decimal.NewFromInt(1_000_000_000)})
	h.client.SetHolders(testMint, []solana.Holder{
		{Address: "h1", SharePct: 8}, {Address: "h2", SharePct: 6},
		{Address: "h3", SharePct: 5}, {Address: "h4", SharePct: 4},
		{Address: "h5", SharePct: 3},
	})

	now := time.Now().Unix()
	var sigs []solana.SignatureInfo
	for i := 0; i < 12; i++ {
		sig := solana.Signature(fmt.Sprintf("flow-%d", i))
		sigs = append(sigs, solana.SignatureInfo{Signature: sig, BlockTime: now + int64(i)})
		h.client.SetTransaction(solana.TxSummary{
			Signature: sig,
			BlockTime: now + int64(i),
			FeePayer:  solana.Pubkey(fmt.Sprintf("wallet-%d", i%10)),
		})
	}
	h.client.SetSignatures(testPool, sigs)

	buyRaw := decimal.NewFromFloat(0.5).Mul(decimal.NewFromInt(solana.LamportsPerSOL))
	h.jup.SetQuote(solana.SOLMint, testMint, &jupiter.Quote{
		OutAmountRaw:   decimal.NewFromInt(500_000_000),
		PriceImpactPct: 2.0,
		Hops:           []jupiter.Hop{{Label: "Raydium"}},
	})
	h.jup.SetQuote(testMint, solana.SOLMint, &jupiter.Quote{
		OutAmountRaw:   buyRaw.Mul(decimal.NewFromFloat(0.97)),
		PriceImpactPct: 2.0,
		Hops:           []jupiter.Hop{{Label: "Raydium"}},
	})
}

func standardEvent() detect.Event {
	return detect.Event{
		Pool:       testPool,
		Mint:       testMint,
		Signature:  "init-sig",
		Slot:       1000,
		DEX:        "raydium",
		Layer:      detect.LayerWSLogs,
		DetectedAt: time.Now(),
	}
}

// drive feeds events through Run and waits for the pipeline to drain.
func (h *harness) drive(t *testing.T, events ...detect.Event) {
	t.Helper()
	ch := make(chan detect.Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		h.orch.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain")
	}
}

func TestHappyPathOpensPosition(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.primeHealthy()

	h.drive(t, standardEvent())

	st := h.orch.Stats()
	assert.Equal(t, int64(1), st.Processed)
	assert.Equal(t, int64(1), st.Opened)
	assert.Equal(t, 1, h.pos.ActiveCount())

	cand, ok := h.coord.Candidate(testPool)
	require.True(t, ok)
	assert.Equal(t, coordinator.PhaseMonitoring, cand.Phase)
	assert.Len(t, cand.Gates, 8)
	assert.True(t, cand.LiquiditySOL.Equal(decimal.NewFromInt(50)))

	// The traded pool stays claimed while the position is open.
	assert.False(t, h.coord.ShouldProcess(testPool, "later-sig"))
}

func TestDuplicateEventsCollapseToOneCandidate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.primeHealthy()

	dup := standardEvent()
	dup.Layer = detect.LayerWSAccount
	dup.Signature = "other-sig"
	h.drive(t, standardEvent(), dup)

	st := h.orch.Stats()
	assert.Equal(t, int64(1), st.Processed)
	assert.Equal(t, int64(1), st.Opened)
	assert.Equal(t, 1, h.pos.ActiveCount())
}

func TestUnsettledLiquidityFailsCandidate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	// No vaults, no pool balance: every measurement stays unknown.

	h.drive(t, standardEvent())

	assert.Equal(t, 0, h.pos.ActiveCount())
	cand, ok := h.coord.Candidate(testPool)
	require.True(t, ok)
	assert.Equal(t, coordinator.PhaseFailed, cand.Phase)
	require.NotNil(t, cand.Err)
	assert.Equal(t, coordinator.ErrLiquidityUnknown, cand.Err.Code)
}

func TestEmptyVaultFailsCandidateAsUnsettled(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.primeHealthy()
	// The vault account is readable but the deposit never lands. That is an
	// unsettled pool, not a measured zero: the candidate must fail instead
	// of reaching the gates and being rejected on liquidity.
	h.client.SetTokenBalance(testVault, decimal.Zero)
	h.client.SetBalanceSOL(testPool, decimal.Zero)

	h.drive(t, standardEvent())

	assert.Equal(t, 0, h.pos.ActiveCount())
	cand, ok := h.coord.Candidate(testPool)
	require.True(t, ok)
	assert.Equal(t, coordinator.PhaseFailed, cand.Phase)
	require.NotNil(t, cand.Err)
	assert.Equal(t, coordinator.ErrLiquidityUnknown, cand.Err.Code)
	assert.Empty(t, cand.Gates)
}

func TestGateRejectionStopsBeforeExecution(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.primeHealthy()
	h.client.SetToken(solana.TokenMeta{
		Mint:          testMint,
		Decimals:      9,
		MintAuthority: "AttackerAuthority11111111111111111111111111",
	})

	h.drive(t, standardEvent())

	assert.Equal(t, 0, h.pos.ActiveCount())
	assert.Equal(t, int64(0), h.orch.Stats().Opened)

	cand, ok := h.coord.Candidate(testPool)
	require.True(t, ok)
	assert.Equal(t, coordinator.PhaseFailed, cand.Phase)
	require.NotNil(t, cand.Err)
	assert.Equal(t, coordinator.ErrGateReject, cand.Err.Code)
	assert.Equal(t, "mint_authority", cand.Err.Stage)
}

func TestMintResolvedFromVaultsWhenEventOmitsIt(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.primeHealthy()

	evt := standardEvent()
	evt.Mint = "" // account-layer events carry no mint
	evt.Layer = detect.LayerWSAccount
	h.drive(t, evt)

	assert.Equal(t, 1, h.pos.ActiveCount())
	p, ok := h.pos.Get(testMint)
	require.True(t, ok)
	assert.Equal(t, testMint, p.Mint)
}

func TestPositionCapSkipsValidatedCandidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositions = 1
	h := newHarness(t, cfg)
	h.primeHealthy()

	h.drive(t, standardEvent())
	require.Equal(t, 1, h.pos.ActiveCount())

	// A second pool with identical healthy state.
	otherPool := solana.Pubkey("3nWhBvJEkCzGnM9dUqxTfA7pYrK2oLgX5sD8eR6mQjVu")
	h.client.SetVaults(solana.PoolVaults{
		Pool:       otherPool,
		BaseVault:  "base-vault-2",
		QuoteVault: testVault,
		BaseMint:   testMint,
		QuoteMint:  solana.SOLMint,
		OpenTime:   time.Now().Add(-5 * time.Minute),
	})
	h.client.SetSignatures(otherPool, mustSigs(h))

	evt := standardEvent()
	evt.Pool = otherPool
	evt.Signature = "init-sig-2"
	h.drive(t, evt)

	st := h.orch.Stats()
	assert.Equal(t, int64(1), st.CapSkips)
	assert.Equal(t, int64(1), st.Opened)
	assert.Equal(t, 1, h.pos.ActiveCount())

	cand, ok := h.coord.Candidate(otherPool)
	require.True(t, ok)
	assert.Equal(t, coordinator.PhaseFailed, cand.Phase)
	assert.Equal(t, "capacity", cand.Err.Stage)
}

// mustSigs mirrors the flow history primed for the standard pool.
func mustSigs(h *harness) []solana.SignatureInfo {
	now := time.Now().Unix()
	var sigs []solana.SignatureInfo
	for i := 0; i < 12; i++ {
		sig := solana.Signature(fmt.Sprintf("flow2-%d", i))
		sigs = append(sigs, solana.SignatureInfo{Signature: sig, BlockTime: now + int64(i)})
		h.client.SetTransaction(solana.TxSummary{
			Signature: sig,
			BlockTime: now + int64(i),
			FeePayer:  solana.Pubkey(fmt.Sprintf("wallet-%d", i%10)),
		})
	}
	return sigs
}

func TestExecutionFailureMarksCandidateFailed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.primeHealthy()
	h.signer.FailNext(1) // gates pass, the buy dies at signing

	h.drive(t, standardEvent())

	assert.Equal(t, 0, h.pos.ActiveCount())
	cand, ok := h.coord.Candidate(testPool)
	require.True(t, ok)
	assert.Equal(t, coordinator.PhaseFailed, cand.Phase)
	require.NotNil(t, cand.Err)
	assert.Equal(t, coordinator.ErrExecutionFail, cand.Err.Code)
}

func TestPositionClosedReleasesPoolClaim(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.primeHealthy()
	h.drive(t, standardEvent())
	require.Equal(t, 1, h.pos.ActiveCount())

	p, ok := h.pos.Get(testMint)
	require.True(t, ok)
	p.ExitReason = "take_profit_2"
	p.ClosedAt = time.Now()
	h.orch.PositionClosed(p)

	cand, ok := h.coord.Candidate(testPool)
	require.True(t, ok)
	assert.Equal(t, coordinator.PhaseClosed, cand.Phase)
	assert.Equal(t, 0, h.coord.InFlight())
}
