package coordinator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-trading/meridian/internal/solana"
)

const (
	testPool = solana.Pubkey("7Yq3mP1vTrHq9cW2xZdKfBnRj4sLgUeAo8iN6hD5tVXk")
	testMint = solana.Pubkey("9xQeWvG816bUx56ZCy4oCCW5c5cTPSuWbzsWeEKjiABC")
)

func TestRegisterClaimsOnce(t *testing.T) {
	c := New(DefaultConfig())

	first := c.Register(testPool, testMint, "sig-1", 100, "ws-logs")
	require.NotNil(t, first)
	assert.Equal(t, PhaseDetected, first.Phase)
	assert.Len(t, first.ID, 12)

	// Same pool from another layer with a different signature loses.
	second := c.Register(testPool, testMint, "sig-2", 101, "ws-account")
	assert.Nil(t, second)

	// Same signature on a different pool also loses.
	third := c.Register("OtherPool1111111111111111111111111111111111", testMint, "sig-1", 100, "history")
	assert.Nil(t, third)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Registered)
	assert.Equal(t, int64(1), stats.DuplicatePool)
	assert.Equal(t, int64(1), stats.DuplicateSig)
}

func TestRegisterRaceHasOneWinner(t *testing.T) {
	c := New(DefaultConfig())

	const racers = 16
	var wg sync.WaitGroup
	winners := make(chan *Candidate, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sig := solana.Signature(fmt.Sprintf("sig-%d", n))
			if cand := c.Register(testPool, testMint, sig, 100, "ws-logs"); cand != nil {
				winners <- cand
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, c.InFlight())
}

func TestPhaseTransitionsForwardOnly(t *testing.T) {
	c := New(DefaultConfig())
	c.Register(testPool, testMint, "sig-1", 100, "ws-logs")

	require.NoError(t, c.StartSettling(testPool))
	require.NoError(t, c.StartValidation(testPool))

	// Backwards is refused.
	assert.Error(t, c.StartSettling(testPool))

	require.NoError(t, c.StartExecution(testPool))
	require.NoError(t, c.MarkTraded(testPool))

	cand, ok := c.Candidate(testPool)
	require.True(t, ok)
	assert.Equal(t, PhaseMonitoring, cand.Phase)
}

func TestTerminalPhaseIsFinal(t *testing.T) {
	c := New(DefaultConfig())
	c.Register(testPool, testMint, "sig-1", 100, "ws-logs")
	require.NoError(t, c.StartSettling(testPool))

	c.MarkFailed(testPool, NewError(ErrLiquidityUnknown, "settling", false, fmt.Errorf("no reading")))

	cand, ok := c.Candidate(testPool)
	require.True(t, ok)
	assert.Equal(t, PhaseFailed, cand.Phase)
	require.NotNil(t, cand.Err)
	assert.Equal(t, ErrLiquidityUnknown, cand.Err.Code)

	// No transition out of a terminal phase.
	assert.Error(t, c.StartValidation(testPool))
	assert.Error(t, c.MarkTraded(testPool))

	// Claim released, but the pool stays deduplicated for its TTL.
	assert.Equal(t, 0, c.InFlight())
	assert.False(t, c.ShouldProcess(testPool, "sig-new"))
}

func TestFailureCarriesCandidateContext(t *testing.T) {
	c := New(DefaultConfig())
	c.Register(testPool, testMint, "sig-1", 4242, "ws-logs")
	require.NoError(t, c.StartSettling(testPool))

	c.MarkFailed(testPool, NewError(ErrRPCTimeout, "settling", true, fmt.Errorf("deadline exceeded")))

	cand, ok := c.Candidate(testPool)
	require.True(t, ok)
	require.NotNil(t, cand.Err)

	perr := cand.Err
	assert.Equal(t, testPool, perr.Pool)
	assert.Equal(t, testMint, perr.Mint)
	assert.Equal(t, solana.Signature("sig-1"), perr.Signature)
	assert.Equal(t, uint64(4242), perr.Slot)
	assert.Equal(t, "ws-logs", perr.Layer)
	// The phase recorded is the one the candidate failed in, not the
	// terminal phase it moved to.
	assert.Equal(t, PhaseSettling, perr.Phase)
	assert.False(t, perr.At.IsZero())
	assert.Contains(t, perr.Error(), "pool="+string(testPool))
}

func TestTradedPoolHeldUntilRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolTTL = 10 * time.Millisecond
	cfg.SignatureTTL = 10 * time.Millisecond
	c := New(cfg)

	c.Register(testPool, testMint, "sig-1", 100, "ws-logs")
	require.NoError(t, c.StartSettling(testPool))
	require.NoError(t, c.StartValidation(testPool))
	require.NoError(t, c.StartExecution(testPool))
	require.NoError(t, c.MarkTraded(testPool))

	// TTL elapses and the sweeper runs, but the open position keeps the
	// pool claimed.
	time.Sleep(20 * time.Millisecond)
	c.sweep()
	assert.False(t, c.ShouldProcess(testPool, "sig-late"))
	assert.Equal(t, 1, c.InFlight())

	c.Release(testPool, "take_profit_2")
	assert.Equal(t, 0, c.InFlight())

	cand, ok := c.Candidate(testPool)
	require.True(t, ok)
	assert.Equal(t, PhaseClosed, cand.Phase)
	assert.Equal(t, "take_profit_2", cand.Reason)
}

func TestSweepPurgesExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolTTL = 5 * time.Millisecond
	cfg.SignatureTTL = 5 * time.Millisecond
	cfg.CandidateTTL = 5 * time.Millisecond
	c := New(cfg)

	c.Register(testPool, testMint, "sig-1", 100, "ws-logs")
	c.Reject(testPool, NewError(ErrGateReject, "roundtrip", false, fmt.Errorf("loss too high")))

	time.Sleep(10 * time.Millisecond)
	c.sweep()

	stats := c.Stats()
	assert.Equal(t, 0, stats.TrackedPools)
	assert.Equal(t, 0, stats.TrackedSigs)
	assert.Equal(t, 0, stats.CandidateCount)

	// The pool may be processed again after its TTL.
	assert.True(t, c.ShouldProcess(testPool, "sig-2"))
}

func TestGateRecordsAndLiquidityAttach(t *testing.T) {
	c := New(DefaultConfig())
	c.Register(testPool, testMint, "sig-1", 100, "ws-logs")

	c.UpdateLiquidity(testPool, decimal.NewFromInt(42))
	c.RecordGateResult(testPool, GateRecord{Gate: "liquidity", Passed: true})
	c.RecordGateResult(testPool, GateRecord{Gate: "mint_authority", Passed: false, Reason: "authority retained"})

	cand, ok := c.Candidate(testPool)
	require.True(t, ok)
	assert.True(t, cand.LiquiditySOL.Equal(decimal.NewFromInt(42)))
	require.Len(t, cand.Gates, 2)
	assert.Equal(t, "mint_authority", cand.Gates[1].Gate)
	assert.False(t, cand.Gates[1].Passed)
}
