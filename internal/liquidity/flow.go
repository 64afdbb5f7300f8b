package liquidity

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/meridian-trading/meridian/internal/solana"
)

// ---------------------------------------------------------------------------
// Liquidity trend tracking. Repeated readings of the same pool form a series;
// a sharp drop against the series peak while a position is open is the
// clearest rug signal there is, and worth an emergency exit long before the
// token price reflects it.
// ---------------------------------------------------------------------------

// Trend classifies how a pool's liquidity moved across recent readings.
type Trend int

const (
	TrendFlat Trend = iota
	TrendRising
	TrendDraining
)

func (t Trend) String() string {
	switch t {
	case TrendRising:
		return "rising"
	case TrendDraining:
		return "draining"
	default:
		return "flat"
	}
}

// TrendPoint is one reading in a pool's series.
type TrendPoint struct {
	ValueSOL decimal.Decimal
	At       time.Time
}

// TrendConfig configures trend classification.
type TrendConfig struct {
	DrainPct    float64 `yaml:"drain_pct"`    // drop vs series peak that counts as a drain
	RisePct     float64 `yaml:"rise_pct"`     // gain vs first reading that counts as rising
	MinReadings int     `yaml:"min_readings"` // below this the trend is always flat
	MaxReadings int     `yaml:"max_readings"` // ring buffer size per pool
}

// DefaultTrendConfig returns production defaults.
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		DrainPct:    0.35,
		RisePct:     0.15,
		MinReadings: 2,
		MaxReadings: 120,
	}
}

// TrendReport is the classification for one pool.
type TrendReport struct {
	Pool      solana.Pubkey   `json:"pool"`
	Trend     Trend           `json:"trend"`
	Readings  int             `json:"readings"`
	PeakSOL   decimal.Decimal `json:"peak_sol"`
	LastSOL   decimal.Decimal `json:"last_sol"`
	ChangePct float64         `json:"change_pct"` // last vs peak, negative on a drop
}

// Drained reports whether the pool lost enough liquidity to treat as a rug.
func (r TrendReport) Drained() bool { return r.Trend == TrendDraining }

// TrendTracker keeps a bounded series of liquidity readings per pool.
// Safe for concurrent use.
type TrendTracker struct {
	config TrendConfig

	mu     sync.RWMutex
	series map[solana.Pubkey][]TrendPoint

	drains atomic.Int64
}

// NewTrendTracker creates a tracker.
func NewTrendTracker(config TrendConfig) *TrendTracker {
	if config.DrainPct == 0 {
		config.DrainPct = 0.35
	}
	if config.RisePct == 0 {
		config.RisePct = 0.15
	}
	if config.MinReadings == 0 {
		config.MinReadings = 2
	}
	if config.MaxReadings == 0 {
		config.MaxReadings = 120
	}
	return &TrendTracker{
		config: config,
		series: make(map[solana.Pubkey][]TrendPoint),
	}
}

// Record appends one reading to the pool's series.
func (t *TrendTracker) Record(pool solana.Pubkey, valueSOL decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	points := t.series[pool]
	if len(points) >= t.config.MaxReadings {
		points = points[1:]
	}
	t.series[pool] = append(points, TrendPoint{ValueSOL: valueSOL, At: time.Now()})
}

// Assess classifies the pool's series. Pools with fewer than MinReadings
// readings are always flat.
func (t *TrendTracker) Assess(pool solana.Pubkey) TrendReport {
	t.mu.RLock()
	points := t.series[pool]
	copied := make([]TrendPoint, len(points))
	copy(copied, points)
	t.mu.RUnlock()

	report := TrendReport{Pool: pool, Trend: TrendFlat, Readings: len(copied)}
	if len(copied) == 0 {
		return report
	}

	peak := copied[0].ValueSOL
	for _, p := range copied[1:] {
		if p.ValueSOL.GreaterThan(peak) {
			peak = p.ValueSOL
		}
	}
	last := copied[len(copied)-1].ValueSOL
	report.PeakSOL = peak
	report.LastSOL = last

	if peak.IsPositive() {
		change, _ := last.Sub(peak).Div(peak).Float64()
		report.ChangePct = change * 100
	}
	if len(copied) < t.config.MinReadings {
		return report
	}

	if peak.IsPositive() {
		drop, _ := peak.Sub(last).Div(peak).Float64()
		if drop >= t.config.DrainPct {
			report.Trend = TrendDraining
			t.drains.Add(1)
			log.Warn().
				Str("pool", string(pool)).
				Str("peak_sol", peak.StringFixed(4)).
				Str("last_sol", last.StringFixed(4)).
				Msg("liquidity: pool draining")
			return report
		}
	}

	first := copied[0].ValueSOL
	if first.IsPositive() {
		rise, _ := last.Sub(first).Div(first).Float64()
		if rise >= t.config.RisePct {
			report.Trend = TrendRising
		}
	}
	return report
}

// Forget drops the pool's series, typically after its position closes.
func (t *TrendTracker) Forget(pool solana.Pubkey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.series, pool)
}

// Cleanup drops series whose newest reading is older than maxAge.
func (t *TrendTracker) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for pool, points := range t.series {
		if len(points) == 0 || points[len(points)-1].At.Before(cutoff) {
			delete(t.series, pool)
			removed++
		}
	}
	return removed
}

// TrendStats is a counter snapshot.
type TrendStats struct {
	TrackedPools int   `json:"tracked_pools"`
	TotalPoints  int   `json:"total_points"`
	Drains       int64 `json:"drains"`
}

func (t *TrendTracker) Stats() TrendStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0
	for _, points := range t.series {
		total += len(points)
	}
	return TrendStats{
		TrackedPools: len(t.series),
		TotalPoints:  total,
		Drains:       t.drains.Load(),
	}
}
