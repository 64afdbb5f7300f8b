package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Coordinator — single-flight dedup across detection sources plus the
// candidate phase machine. Multiple sources report the same pool within
// milliseconds of each other; exactly one wins the right to process it.
// ---------------------------------------------------------------------------

// Phase is a candidate's position in the pipeline. Transitions are forward
// only: a candidate never returns to an earlier phase.
type Phase int

const (
	PhaseDetected Phase = iota
	PhaseSettling
	PhaseValidating
	PhaseExecuting
	PhaseMonitoring
	PhaseClosed
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseDetected:   "DETECTED",
	PhaseSettling:   "SETTLING",
	PhaseValidating: "VALIDATING",
	PhaseExecuting:  "EXECUTING",
	PhaseMonitoring: "MONITORING",
	PhaseClosed:     "CLOSED",
	PhaseFailed:     "FAILED",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(p))
}

// Terminal reports whether the phase ends processing.
func (p Phase) Terminal() bool { return p == PhaseClosed || p == PhaseFailed }

// GateRecord is one recorded gate outcome.
type GateRecord struct {
	Gate    string
	Passed  bool
	Warning bool
	Reason  string
	Took    time.Duration
}

// Candidate is one pool moving through the pipeline.
type Candidate struct {
	ID           string
	Pool         solana.Pubkey
	Mint         solana.Pubkey
	Signature    solana.Signature
	Slot         uint64
	Layer        string // detection layer that won the race
	DetectedAt   time.Time
	Phase        Phase
	UpdatedAt    time.Time
	LiquiditySOL decimal.Decimal
	Gates        []GateRecord
	Err          *ProcessingError // set before a terminal phase on failure
	Reason       string
}

// Config configures the coordinator.
type Config struct {
	PoolTTL       time.Duration `yaml:"pool_ttl"`      // how long a pool stays deduplicated
	SignatureTTL  time.Duration `yaml:"signature_ttl"` // how long a tx signature stays deduplicated
	CandidateTTL  time.Duration `yaml:"candidate_ttl"` // terminal candidates older than this are purged
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PoolTTL:       5 * time.Minute,
		SignatureTTL:  1 * time.Minute,
		CandidateTTL:  1 * time.Hour,
		SweepInterval: 30 * time.Second,
	}
}

// Coordinator deduplicates detections and tracks candidate phases. A single
// mutex guards all four tables so check-and-set is atomic.
type Coordinator struct {
	config Config

	mu         sync.Mutex
	seenPools  map[solana.Pubkey]time.Time    // expiry
	seenSigs   map[solana.Signature]time.Time // expiry
	inflight   map[solana.Pubkey]struct{}
	candidates map[solana.Pubkey]*Candidate

	// Stats.
	registered atomic.Int64
	dupPool    atomic.Int64
	dupSig     atomic.Int64
	rejected   atomic.Int64
	failedN    atomic.Int64
	traded     atomic.Int64
}

// New creates a coordinator.
func New(config Config) *Coordinator {
	if config.PoolTTL == 0 {
		config.PoolTTL = 5 * time.Minute
	}
	if config.SignatureTTL == 0 {
		config.SignatureTTL = 1 * time.Minute
	}
	if config.CandidateTTL == 0 {
		config.CandidateTTL = 1 * time.Hour
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = 30 * time.Second
	}
	return &Coordinator{
		config:     config,
		seenPools:  make(map[solana.Pubkey]time.Time),
		seenSigs:   make(map[solana.Signature]time.Time),
		inflight:   make(map[solana.Pubkey]struct{}),
		candidates: make(map[solana.Pubkey]*Candidate),
	}
}

// Run sweeps expired entries until the context ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// suppressed must be called with the lock held.
func (c *Coordinator) suppressed(pool solana.Pubkey, sig solana.Signature, now time.Time) bool {
	if exp, ok := c.seenSigs[sig]; ok && now.Before(exp) {
		c.dupSig.Add(1)
		return true
	}
	if _, ok := c.inflight[pool]; ok {
		c.dupPool.Add(1)
		return true
	}
	if exp, ok := c.seenPools[pool]; ok && now.Before(exp) {
		c.dupPool.Add(1)
		return true
	}
	return false
}

// ShouldProcess reports whether a detection would be accepted right now,
// without claiming anything. Register remains the authoritative check.
func (c *Coordinator) ShouldProcess(pool solana.Pubkey, sig solana.Signature) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.suppressed(pool, sig, time.Now())
}

// Register attempts to claim a detection. It returns the new candidate when
// this caller wins, or nil when the pool or signature was already seen or the
// pool is in flight. The check and the claim happen under one lock so two
// sources reporting the same pool concurrently cannot both win.
func (c *Coordinator) Register(pool, mint solana.Pubkey, sig solana.Signature, slot uint64, layer string) *Candidate {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suppressed(pool, sig, now) {
		return nil
	}

	c.seenPools[pool] = now.Add(c.config.PoolTTL)
	c.seenSigs[sig] = now.Add(c.config.SignatureTTL)
	c.inflight[pool] = struct{}{}

	cand := &Candidate{
		ID:         uuid.New().String()[:12],
		Pool:       pool,
		Mint:       mint,
		Signature:  sig,
		Slot:       slot,
		Layer:      layer,
		DetectedAt: now,
		Phase:      PhaseDetected,
		UpdatedAt:  now,
	}
	c.candidates[pool] = cand
	c.registered.Add(1)

	log.Info().
		Str("id", cand.ID).
		Str("pool", string(pool)).
		Str("mint", string(mint)).
		Str("layer", layer).
		Uint64("slot", slot).
		Msg("coordinator: candidate registered")

	snapshot := *cand
	return &snapshot
}

// advance must be called with the lock held.
func (c *Coordinator) advance(pool solana.Pubkey, next Phase) error {
	cand, ok := c.candidates[pool]
	if !ok {
		return fmt.Errorf("coordinator: unknown candidate %s", pool)
	}
	if cand.Phase.Terminal() {
		return fmt.Errorf("coordinator: candidate %s already terminal (%s)", pool, cand.Phase)
	}
	if next <= cand.Phase {
		return fmt.Errorf("coordinator: refusing %s -> %s for %s", cand.Phase, next, pool)
	}

	log.Debug().
		Str("id", cand.ID).
		Str("pool", string(pool)).
		Str("from", cand.Phase.String()).
		Str("to", next.String()).
		Msg("coordinator: phase transition")

	cand.Phase = next
	cand.UpdatedAt = time.Now()
	return nil
}

// StartSettling moves DETECTED -> SETTLING.
func (c *Coordinator) StartSettling(pool solana.Pubkey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advance(pool, PhaseSettling)
}

// UpdateLiquidity records the settled liquidity reading.
func (c *Coordinator) UpdateLiquidity(pool solana.Pubkey, valueSOL decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cand, ok := c.candidates[pool]; ok {
		cand.LiquiditySOL = valueSOL
		cand.UpdatedAt = time.Now()
	}
}

// StartValidation moves SETTLING -> VALIDATING.
func (c *Coordinator) StartValidation(pool solana.Pubkey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advance(pool, PhaseValidating)
}

// RecordGateResult appends one gate outcome to the candidate.
func (c *Coordinator) RecordGateResult(pool solana.Pubkey, rec GateRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cand, ok := c.candidates[pool]; ok {
		cand.Gates = append(cand.Gates, rec)
		cand.UpdatedAt = time.Now()
	}
}

// StartExecution moves VALIDATING -> EXECUTING.
func (c *Coordinator) StartExecution(pool solana.Pubkey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advance(pool, PhaseExecuting)
}

// Reject ends a candidate that failed validation. The in-flight claim is
// released immediately; the pool stays deduplicated for the rest of its TTL
// so the other sources' late reports do not restart it.
func (c *Coordinator) Reject(pool solana.Pubkey, perr *ProcessingError) {
	c.terminate(pool, PhaseFailed, perr)
	c.rejected.Add(1)
}

// MarkFailed ends a candidate that errored out of the pipeline.
func (c *Coordinator) MarkFailed(pool solana.Pubkey, perr *ProcessingError) {
	c.terminate(pool, PhaseFailed, perr)
	c.failedN.Add(1)
}

func (c *Coordinator) terminate(pool solana.Pubkey, phase Phase, perr *ProcessingError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inflight, pool)
	cand, ok := c.candidates[pool]
	if !ok || cand.Phase.Terminal() {
		return
	}
	if perr != nil {
		perr.Pool = cand.Pool
		perr.Mint = cand.Mint
		perr.Signature = cand.Signature
		perr.Slot = cand.Slot
		perr.Layer = cand.Layer
		perr.Phase = cand.Phase
		perr.At = time.Now()
	}
	cand.Phase = phase
	cand.Err = perr
	if perr != nil {
		cand.Reason = perr.Error()
	}
	cand.UpdatedAt = time.Now()

	evt := log.Info()
	if perr != nil {
		evt = evt.Str("code", string(perr.Code)).Str("stage", perr.Stage)
	}
	evt.Str("id", cand.ID).
		Str("pool", string(pool)).
		Str("phase", phase.String()).
		Msg("coordinator: candidate terminated")
}

// MarkTraded moves a candidate to MONITORING after a successful buy. The
// in-flight claim is kept for the position's whole lifetime so the pool
// cannot be re-entered while a position is open.
func (c *Coordinator) MarkTraded(pool solana.Pubkey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cand, ok := c.candidates[pool]
	if !ok {
		return fmt.Errorf("coordinator: unknown candidate %s", pool)
	}
	if cand.Phase.Terminal() {
		return fmt.Errorf("coordinator: candidate %s already terminal (%s)", pool, cand.Phase)
	}

	cand.Phase = PhaseMonitoring
	cand.UpdatedAt = time.Now()
	c.traded.Add(1)
	return nil
}

// Release closes a traded candidate and frees its in-flight claim. Called by
// the position manager when the position is fully exited.
func (c *Coordinator) Release(pool solana.Pubkey, reason string) {
	c.mu.Lock()
	delete(c.inflight, pool)
	if cand, ok := c.candidates[pool]; ok && !cand.Phase.Terminal() {
		cand.Phase = PhaseClosed
		cand.Reason = reason
		cand.UpdatedAt = time.Now()
	}
	c.mu.Unlock()

	log.Info().Str("pool", string(pool)).Str("reason", reason).Msg("coordinator: candidate closed")
}

// Candidate returns a copy of a tracked candidate.
func (c *Coordinator) Candidate(pool solana.Pubkey) (Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cand, ok := c.candidates[pool]
	if !ok {
		return Candidate{}, false
	}
	return *cand, true
}

// InFlight counts claimed pools.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// sweep purges expired dedup entries and stale terminal candidates. In-flight
// pools are never purged from seenPools even when their TTL lapses.
func (c *Coordinator) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for pool, exp := range c.seenPools {
		if now.After(exp) {
			if _, busy := c.inflight[pool]; busy {
				continue
			}
			delete(c.seenPools, pool)
		}
	}
	for sig, exp := range c.seenSigs {
		if now.After(exp) {
			delete(c.seenSigs, sig)
		}
	}
	for pool, cand := range c.candidates {
		if cand.Phase.Terminal() && now.Sub(cand.UpdatedAt) > c.config.CandidateTTL {
			delete(c.candidates, pool)
		}
	}
}

// Stats is a counter snapshot.
type Stats struct {
	Registered     int64 `json:"registered"`
	DuplicatePool  int64 `json:"duplicate_pool"`
	DuplicateSig   int64 `json:"duplicate_sig"`
	Rejected       int64 `json:"rejected"`
	Failed         int64 `json:"failed"`
	Traded         int64 `json:"traded"`
	InFlight       int   `json:"in_flight"`
	TrackedPools   int   `json:"tracked_pools"`
	TrackedSigs    int   `json:"tracked_sigs"`
	CandidateCount int   `json:"candidates"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Registered:     c.registered.Load(),
		DuplicatePool:  c.dupPool.Load(),
		DuplicateSig:   c.dupSig.Load(),
		Rejected:       c.rejected.Load(),
		Failed:         c.failedN.Load(),
		Traded:         c.traded.Load(),
		InFlight:       len(c.inflight),
		TrackedPools:   len(c.seenPools),
		TrackedSigs:    len(c.seenSigs),
		CandidateCount: len(c.candidates),
	}
}
