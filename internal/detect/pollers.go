package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-trading/meridian/internal/market"
	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Pull backstops — timer-driven sources that catch whatever the push
// watchers missed. Higher latency, last resort.
// ---------------------------------------------------------------------------

// PollerConfig configures the pull sources.
type PollerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Lookback   time.Duration `yaml:"lookback"`    // how far back a poll reaches
	FetchLimit int           `yaml:"fetch_limit"` // signatures per program per poll
	ProgramIDs []string      `yaml:"program_ids"`
}

// DefaultPollerConfig returns production defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:   20 * time.Second,
		Lookback:   3 * time.Minute,
		FetchLimit: 25,
		ProgramIDs: []string{
			solana.DEXProgramID("raydium"),
			solana.DEXProgramID("pumpfun"),
		},
	}
}

// HistoryPoller walks recent DEX program transactions looking for pool-init
// markers the watchers missed.
type HistoryPoller struct {
	client solana.Client
	config PollerConfig
	out    chan<- Event

	mu      sync.Mutex
	scanned map[solana.Signature]time.Time // recently examined signatures

	polls   atomic.Int64
	emitted atomic.Int64
}

// NewHistoryPoller creates a history backstop emitting on out.
func NewHistoryPoller(client solana.Client, config PollerConfig, out chan<- Event) *HistoryPoller {
	return &HistoryPoller{
		client:  client,
		config:  config,
		out:     out,
		scanned: make(map[solana.Signature]time.Time),
	}
}

func (h *HistoryPoller) Name() string { return LayerHistory }

// Run polls on a fixed interval until the context ends.
func (h *HistoryPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.poll(ctx)
		}
	}
}

// alreadyScanned marks and checks in one step, pruning old entries as it goes.
func (h *HistoryPoller) alreadyScanned(sig solana.Signature) bool {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()

	for s, t := range h.scanned {
		if now.Sub(t) > 2*h.config.Lookback {
			delete(h.scanned, s)
		}
	}
	if _, ok := h.scanned[sig]; ok {
		return true
	}
	h.scanned[sig] = now
	return false
}

func (h *HistoryPoller) poll(ctx context.Context) {
	h.polls.Add(1)
	cutoff := time.Now().Add(-h.config.Lookback).Unix()

	for _, pid := range h.config.ProgramIDs {
		sigs, err := h.client.GetSignaturesForAddress(ctx, solana.Pubkey(pid), h.config.FetchLimit)
		if err != nil {
			log.Debug().Err(err).Str("program", short(pid)).Msg("detect: history poll failed")
			continue
		}

		for _, s := range sigs {
			if s.Failed || s.BlockTime < cutoff || h.alreadyScanned(s.Signature) {
				continue
			}

			tx, err := h.client.GetTransaction(ctx, s.Signature)
			if err != nil {
				log.Debug().Err(err).Str("sig", short(string(s.Signature))).Msg("detect: history tx fetch failed")
				continue
			}
			if tx.Failed || !isPoolInitLogs(tx.LogMessages) {
				continue
			}
			pool, mint, err := resolveInitAccounts(tx)
			if err != nil {
				log.Debug().Err(err).Msg("detect: history init accounts unresolvable")
				continue
			}

			evt := Event{
				Pool:       pool,
				Mint:       mint,
				Signature:  s.Signature,
				Slot:       s.Slot,
				DEX:        solana.DEXForProgram(pid),
				Layer:      LayerHistory,
				DetectedAt: time.Now(),
			}
			select {
			case h.out <- evt:
				h.emitted.Add(1)
			default:
				log.Warn().Msg("detect: history channel full, event dropped")
			}
		}
	}
}

// PollerStats is a counter snapshot.
type PollerStats struct {
	Polls   int64 `json:"polls"`
	Emitted int64 `json:"emitted"`
}

func (h *HistoryPoller) Stats() PollerStats {
	return PollerStats{Polls: h.polls.Load(), Emitted: h.emitted.Load()}
}

// ---------------------------------------------------------------------------
// PairsPoller — market-data backstop over pair listings.
// ---------------------------------------------------------------------------

// PairsPollerConfig configures the market-data backstop.
type PairsPollerConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"` // only pairs created within this window
	Query    string        `yaml:"query"`
}

// DefaultPairsPollerConfig returns production defaults.
func DefaultPairsPollerConfig() PairsPollerConfig {
	return PairsPollerConfig{
		Interval: 30 * time.Second,
		MaxAge:   5 * time.Minute,
		Query:    "SOL",
	}
}

// PairsPoller reports freshly listed pairs from the market-data API. The
// slowest source: by the time an aggregator indexes a pair, the pushers have
// usually long won the race.
type PairsPoller struct {
	mkt    market.Service
	config PairsPollerConfig
	out    chan<- Event

	polls   atomic.Int64
	emitted atomic.Int64
}

// NewPairsPoller creates a pairs backstop emitting on out.
func NewPairsPoller(mkt market.Service, config PairsPollerConfig, out chan<- Event) *PairsPoller {
	return &PairsPoller{mkt: mkt, config: config, out: out}
}

func (p *PairsPoller) Name() string { return LayerPairs }

// Run polls on a fixed interval until the context ends.
func (p *PairsPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *PairsPoller) poll(ctx context.Context) {
	p.polls.Add(1)

	pairs, err := p.mkt.Search(ctx, p.config.Query)
	if err != nil {
		log.Debug().Err(err).Msg("detect: pairs poll failed")
		return
	}

	cutoff := time.Now().Add(-p.config.MaxAge)
	for _, pair := range pairs {
		if pair.CreatedAt.Before(cutoff) {
			continue
		}
		mint := pair.BaseMint
		if mint == solana.SOLMint {
			mint = pair.QuoteMint
		}
		if !validPubkey(pair.PairAddress) || !validPubkey(mint) {
			continue
		}

		evt := Event{
			Pool: pair.PairAddress,
			Mint: mint,
			// Listings carry no transaction; synthesize a dedup key.
			Signature:  solana.Signature("pair:" + string(pair.PairAddress)),
			DEX:        pair.DexID,
			Layer:      LayerPairs,
			DetectedAt: time.Now(),
		}
		select {
		case p.out <- evt:
			p.emitted.Add(1)
		default:
			log.Warn().Msg("detect: pairs channel full, event dropped")
		}
	}
}

func (p *PairsPoller) Stats() PollerStats {
	return PollerStats{Polls: p.polls.Load(), Emitted: p.emitted.Load()}
}
