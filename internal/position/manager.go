package position

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-trading/meridian/internal/execution"
	"github.com/meridian-trading/meridian/internal/jupiter"
	"github.com/meridian-trading/meridian/internal/liquidity"
	"github.com/meridian-trading/meridian/internal/market"
	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Position Manager — staged exits on a fixed-interval monitoring loop.
// Priority per tick: stop-loss, time-stop, TP1, TP2, trailing stop (armed
// only after both TP levels have fired).
// ---------------------------------------------------------------------------

// Position is one open or closed holding.
type Position struct {
	ID            string
	Mint          solana.Pubkey
	Pool          solana.Pubkey
	EntryPrice    decimal.Decimal // SOL per raw token unit
	TotalRaw      decimal.Decimal
	RemainingRaw  decimal.Decimal
	InvestedSOL   decimal.Decimal
	RealizedSOL   decimal.Decimal
	CurrentPrice  decimal.Decimal
	HighestPrice  decimal.Decimal
	TP1Done       bool
	TP2Done       bool
	OpenedAt      time.Time
	ClosedAt      time.Time
	Active        bool
	ExitReason    string
	EntrySig      solana.Signature
	EntryBundleID string
}

// GainPct is the unrealized gain relative to entry, in percent.
func (p *Position) GainPct() float64 {
	if !p.EntryPrice.IsPositive() {
		return 0
	}
	gain, _ := p.CurrentPrice.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
	return gain
}

// Config configures exits.
type Config struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	StopLossPct        float64       `yaml:"stop_loss_pct"`         // loss % triggering full exit
	TP1GainPct         float64       `yaml:"tp1_gain_pct"`          // gain % arming TP1
	TP1SellPct         float64       `yaml:"tp1_sell_pct"`          // % of remaining sold at TP1
	TP2GainPct         float64       `yaml:"tp2_gain_pct"`
	TP2SellPct         float64       `yaml:"tp2_sell_pct"`
	TrailingStopPct    float64       `yaml:"trailing_stop_pct"`     // % off the high, active after both TPs
	MaxHold            time.Duration `yaml:"max_hold"`
	TimeStopMinGainPct float64       `yaml:"time_stop_min_gain_pct"` // below this at MaxHold, exit
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      5 * time.Second,
		StopLossPct:        30,
		TP1GainPct:         40,
		TP1SellPct:         50,
		TP2GainPct:         100,
		TP2SellPct:         50,
		TrailingStopPct:    20,
		MaxHold:            30 * time.Minute,
		TimeStopMinGainPct: 10,
	}
}

// CloseHook is notified when a position fully exits. The orchestrator wires
// this to coordinator.Release plus the journal.
type CloseHook func(p Position)

// Manager owns all positions, keyed by mint.
type Manager struct {
	engine  *execution.Engine
	jup     jupiter.Client
	mkt     market.Service
	config  Config
	onClose CloseHook

	// Optional rug guard, armed via SetLiquidityGuard.
	guard   *liquidity.Measurer
	tracker *liquidity.TrendTracker

	mu        sync.RWMutex
	positions map[solana.Pubkey]*Position

	// Stats.
	opened       atomic.Int64
	closed       atomic.Int64
	partialSells atomic.Int64
	sellFailures atomic.Int64
	rugExits     atomic.Int64
}

// NewManager creates a manager. onClose may be nil.
func NewManager(engine *execution.Engine, jup jupiter.Client, mkt market.Service, config Config, onClose CloseHook) *Manager {
	if config.CheckInterval == 0 {
		config.CheckInterval = 5 * time.Second
	}
	if onClose == nil {
		onClose = func(Position) {}
	}
	return &Manager{
		engine:    engine,
		jup:       jup,
		mkt:       mkt,
		config:    config,
		onClose:   onClose,
		positions: make(map[solana.Pubkey]*Position),
	}
}

// SetLiquidityGuard arms drain detection. Each monitoring tick then measures
// the position's pool; a drain against the series peak forces an emergency
// exit ahead of every price-based rule. Call before Run.
func (m *Manager) SetLiquidityGuard(guard *liquidity.Measurer, tracker *liquidity.TrendTracker) {
	m.guard = guard
	m.tracker = tracker
}

// Open records a successful buy as a new position.
func (m *Manager) Open(pool, mint solana.Pubkey, investedSOL decimal.Decimal, res *execution.Result) *Position {
	entry := decimal.Zero
	if res.OutRaw.IsPositive() {
		entry = investedSOL.Div(res.OutRaw)
	}

	p := &Position{
		ID:            uuid.New().String()[:12],
		Mint:          mint,
		Pool:          pool,
		EntryPrice:    entry,
		TotalRaw:      res.OutRaw,
		RemainingRaw:  res.OutRaw,
		InvestedSOL:   investedSOL,
		CurrentPrice:  entry,
		HighestPrice:  entry,
		OpenedAt:      time.Now(),
		Active:        true,
		EntrySig:      res.Signature,
		EntryBundleID: res.BundleID,
	}

	m.mu.Lock()
	m.positions[mint] = p
	m.mu.Unlock()
	m.opened.Add(1)

	log.Info().
		Str("id", p.ID).
		Str("mint", string(mint)).
		Str("invested_sol", investedSOL.StringFixed(4)).
		Str("tokens", res.OutRaw.StringFixed(0)).
		Msg("position: OPENED")

	return p
}

// Run drives the monitoring loop until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// ActiveCount counts open positions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.positions {
		if p.Active {
			n++
		}
	}
	return n
}

// Get returns a copy of the position for a mint.
func (m *Manager) Get(mint solana.Pubkey) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[mint]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// CloseAll force-exits every active position, used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	mints := make([]solana.Pubkey, 0, len(m.positions))
	for mint, p := range m.positions {
		if p.Active {
			mints = append(mints, mint)
		}
	}
	m.mu.RUnlock()

	for _, mint := range mints {
		m.exit(ctx, mint, "shutdown", true)
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.RLock()
	active := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Active {
			active = append(active, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range active {
		m.check(ctx, p)
	}
}

// refreshPrice updates current and highest price. A fresh sell quote is the
// primary valuation; market data is the fallback when the aggregator fails.
func (m *Manager) refreshPrice(ctx context.Context, p *Position) bool {
	// Snapshot under the lock: a concurrent partial sell may shrink the
	// remaining size while we are quoting.
	m.mu.RLock()
	remaining := p.RemainingRaw
	m.mu.RUnlock()
	if !remaining.IsPositive() {
		return false
	}

	var price decimal.Decimal
	quote, err := m.jup.GetQuote(ctx, jupiter.QuoteParams{
		InputMint:   p.Mint,
		OutputMint:  solana.SOLMint,
		AmountRaw:   remaining,
		SlippageBps: 100,
	})
	if err == nil && quote.OutAmountRaw.IsPositive() {
		price = quote.OutAmountRaw.Div(decimal.NewFromInt(solana.LamportsPerSOL)).Div(remaining)
	} else {
		pairs, mErr := m.mkt.TokenPairs(ctx, p.Mint)
		if mErr != nil || len(pairs) == 0 {
			log.Debug().Err(err).Str("mint", string(p.Mint)).Msg("position: price refresh failed")
			return false
		}
		price = pairs[0].PriceNative.Div(decimal.NewFromInt(solana.LamportsPerSOL))
	}

	if !price.IsPositive() {
		return false
	}

	m.mu.Lock()
	p.CurrentPrice = price
	if price.GreaterThan(p.HighestPrice) {
		p.HighestPrice = price
	}
	m.mu.Unlock()
	return true
}

// checkDrain feeds one liquidity reading into the tracker and force-exits on
// a drain. A pool losing a third of its SOL rugs faster than any price rule
// can react.
func (m *Manager) checkDrain(ctx context.Context, p *Position) bool {
	if m.guard == nil || m.tracker == nil {
		return false
	}
	reading := m.guard.Measure(ctx, p.Pool)
	if reading.Status != liquidity.StatusOK {
		return false
	}
	m.tracker.Record(p.Pool, reading.ValueSOL)
	report := m.tracker.Assess(p.Pool)
	if !report.Drained() {
		return false
	}

	m.rugExits.Add(1)
	log.Warn().
		Str("id", p.ID).
		Str("pool", string(p.Pool)).
		Str("peak_sol", report.PeakSOL.StringFixed(4)).
		Str("last_sol", report.LastSOL.StringFixed(4)).
		Msg("position: liquidity drain, emergency exit")
	m.exit(ctx, p.Mint, "liquidity_drain", true)
	return true
}

// check evaluates exit conditions for one position, in priority order.
func (m *Manager) check(ctx context.Context, p *Position) {
	if m.checkDrain(ctx, p) {
		return
	}
	if !m.refreshPrice(ctx, p) {
		return
	}

	m.mu.RLock()
	gain := p.GainPct()
	highest := p.HighestPrice
	current := p.CurrentPrice
	tp1, tp2 := p.TP1Done, p.TP2Done
	age := time.Since(p.OpenedAt)
	m.mu.RUnlock()

	switch {
	case gain <= -m.config.StopLossPct:
		m.exit(ctx, p.Mint, "stop_loss", false)

	case age > m.config.MaxHold && gain < m.config.TimeStopMinGainPct:
		m.exit(ctx, p.Mint, "time_stop", false)

	case !tp1 && gain >= m.config.TP1GainPct:
		if m.partialSell(ctx, p, m.config.TP1SellPct, "tp1") {
			m.mu.Lock()
			p.TP1Done = true
			m.mu.Unlock()
		}

	case !tp2 && tp1 && gain >= m.config.TP2GainPct:
		if m.partialSell(ctx, p, m.config.TP2SellPct, "tp2") {
			m.mu.Lock()
			p.TP2Done = true
			m.mu.Unlock()
		}

	case tp1 && tp2 && m.config.TrailingStopPct > 0:
		floor := highest.Mul(decimal.NewFromFloat(1 - m.config.TrailingStopPct/100))
		if current.LessThanOrEqual(floor) {
			m.exit(ctx, p.Mint, "trailing_stop", false)
		}
	}
}

// partialSell sells pct% of the remaining size. The remaining amount only
// decrements after the sell succeeds.
func (m *Manager) partialSell(ctx context.Context, p *Position, pct float64, reason string) bool {
	m.mu.RLock()
	amount := p.RemainingRaw.Mul(decimal.NewFromFloat(pct / 100)).Floor()
	m.mu.RUnlock()
	if !amount.IsPositive() {
		return false
	}

	res := m.engine.ExecuteSell(ctx, p.Mint, amount)
	if !res.Success {
		m.sellFailures.Add(1)
		log.Warn().Err(res.Err).Str("mint", string(p.Mint)).Str("trigger", reason).Msg("position: partial sell failed")
		return false
	}

	m.partialSells.Add(1)
	m.mu.Lock()
	p.RemainingRaw = p.RemainingRaw.Sub(amount)
	p.RealizedSOL = p.RealizedSOL.Add(res.OutRaw.Div(decimal.NewFromInt(solana.LamportsPerSOL)))
	remaining := p.RemainingRaw
	m.mu.Unlock()

	log.Info().
		Str("id", p.ID).
		Str("mint", string(p.Mint)).
		Str("trigger", reason).
		Str("sold", amount.StringFixed(0)).
		Str("remaining", remaining.StringFixed(0)).
		Msg("position: partial exit")

	if !remaining.IsPositive() {
		m.close(p, reason)
	}
	return true
}

// exit sells the full remaining size and closes the position.
func (m *Manager) exit(ctx context.Context, mint solana.Pubkey, reason string, emergency bool) {
	m.mu.RLock()
	p, ok := m.positions[mint]
	if !ok || !p.Active {
		m.mu.RUnlock()
		return
	}
	amount := p.RemainingRaw
	m.mu.RUnlock()

	if amount.IsPositive() {
		var res *execution.Result
		if emergency {
			res = m.engine.EmergencySell(ctx, mint, amount)
		} else {
			res = m.engine.ExecuteSell(ctx, mint, amount)
		}
		if !res.Success {
			m.sellFailures.Add(1)
			log.Error().Err(res.Err).Str("mint", string(mint)).Str("trigger", reason).Msg("position: exit sell failed")
			return
		}
		m.mu.Lock()
		p.RemainingRaw = p.RemainingRaw.Sub(amount)
		p.RealizedSOL = p.RealizedSOL.Add(res.OutRaw.Div(decimal.NewFromInt(solana.LamportsPerSOL)))
		m.mu.Unlock()
	}

	m.close(p, reason)
}

// close marks the position inactive and fires the hook.
func (m *Manager) close(p *Position, reason string) {
	m.mu.Lock()
	if !p.Active {
		m.mu.Unlock()
		return
	}
	p.Active = false
	p.ExitReason = reason
	p.ClosedAt = time.Now()
	snapshot := *p
	m.mu.Unlock()

	if m.tracker != nil {
		m.tracker.Forget(snapshot.Pool)
	}
	m.closed.Add(1)
	pnl := snapshot.RealizedSOL.Sub(snapshot.InvestedSOL)
	log.Info().
		Str("id", snapshot.ID).
		Str("mint", string(snapshot.Mint)).
		Str("reason", reason).
		Str("realized_sol", snapshot.RealizedSOL.StringFixed(4)).
		Str("pnl_sol", pnl.StringFixed(4)).
		Msg("position: CLOSED")

	m.onClose(snapshot)
}

// Stats is a counter snapshot.
type Stats struct {
	Opened       int64 `json:"opened"`
	Closed       int64 `json:"closed"`
	Active       int   `json:"active"`
	PartialSells int64 `json:"partial_sells"`
	SellFailures int64 `json:"sell_failures"`
	RugExits     int64 `json:"rug_exits"`
}

func (m *Manager) Stats() Stats {
	return Stats{
		Opened:       m.opened.Load(),
		Closed:       m.closed.Load(),
		Active:       m.ActiveCount(),
		PartialSells: m.partialSells.Load(),
		SellFailures: m.sellFailures.Load(),
		RugExits:     m.rugExits.Load(),
	}
}
