package liquidity

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trendPool = "7Yq3mP1vTrHq9cW2xZdKfBnRj4sLgUeAo8iN6hD5tVXk"

func record(t *TrendTracker, values ...float64) {
	for _, v := range values {
		t.Record(trendPool, decimal.NewFromFloat(v))
	}
}

func TestTrendFlatWithFewReadings(t *testing.T) {
	tracker := NewTrendTracker(TrendConfig{MinReadings: 3})
	record(tracker, 50, 20) // a 60% drop, but below the reading floor

	report := tracker.Assess(trendPool)
	assert.Equal(t, TrendFlat, report.Trend)
	assert.False(t, report.Drained())
	assert.Equal(t, 2, report.Readings)
}

func TestTrendDrainDetected(t *testing.T) {
	tracker := NewTrendTracker(DefaultTrendConfig())
	record(tracker, 50, 48, 30) // -40% vs peak

	report := tracker.Assess(trendPool)
	require.Equal(t, TrendDraining, report.Trend)
	assert.True(t, report.Drained())
	assert.True(t, report.PeakSOL.Equal(decimal.NewFromInt(50)))
	assert.InDelta(t, -40.0, report.ChangePct, 0.1)
	assert.Equal(t, int64(1), tracker.Stats().Drains)
}

func TestTrendDrainMeasuredAgainstPeak(t *testing.T) {
	tracker := NewTrendTracker(DefaultTrendConfig())
	// Still above the first reading, but 40% off the peak.
	record(tracker, 10, 50, 30)

	report := tracker.Assess(trendPool)
	assert.Equal(t, TrendDraining, report.Trend)
}

func TestTrendRising(t *testing.T) {
	tracker := NewTrendTracker(DefaultTrendConfig())
	record(tracker, 10, 11, 12)

	report := tracker.Assess(trendPool)
	assert.Equal(t, TrendRising, report.Trend)
	assert.False(t, report.Drained())
}

func TestTrendSmallMovesStayFlat(t *testing.T) {
	tracker := NewTrendTracker(DefaultTrendConfig())
	record(tracker, 10, 10.5, 10.2)

	report := tracker.Assess(trendPool)
	assert.Equal(t, TrendFlat, report.Trend)
}

func TestTrendRingBufferBoundsSeries(t *testing.T) {
	tracker := NewTrendTracker(TrendConfig{MaxReadings: 5})
	record(tracker, 1, 2, 3, 4, 5, 6, 7)

	stats := tracker.Stats()
	assert.Equal(t, 1, stats.TrackedPools)
	assert.Equal(t, 5, stats.TotalPoints)
}

func TestTrendForgetAndCleanup(t *testing.T) {
	tracker := NewTrendTracker(DefaultTrendConfig())
	record(tracker, 10, 12)

	tracker.Forget(trendPool)
	assert.Equal(t, 0, tracker.Stats().TrackedPools)

	record(tracker, 10, 12)
	assert.Equal(t, 0, tracker.Cleanup(time.Minute)) // fresh series survives
	assert.Equal(t, 1, tracker.Cleanup(0))
	assert.Equal(t, 0, tracker.Stats().TrackedPools)
}
