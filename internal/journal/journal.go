// Package journal writes an append-only JSON-lines record of every candidate
// outcome: rejections with the gate that fired, execution failures, opened
// trades, and closed positions. The file is the postmortem trail for tuning
// gate thresholds.
package journal

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/meridian-trading/meridian/internal/solana"
)

// Entry event types.
const (
	EventRejected = "rejected"
	EventFailed   = "failed"
	EventTraded   = "traded"
	EventClosed   = "closed"
	EventSummary  = "session_summary"
)

// Config controls the journal file and its rotation.
type Config struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:       "journal/candidates.jsonl",
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Compress:   true,
	}
}

// Entry is one journalled candidate outcome.
type Entry struct {
	Event       string        `json:"event"`
	Timestamp   time.Time     `json:"ts"`
	CandidateID string        `json:"candidate_id,omitempty"`
	Pool        solana.Pubkey `json:"pool,omitempty"`
	Mint        solana.Pubkey `json:"mint,omitempty"`
	Layer       string        `json:"layer,omitempty"`
	Gate        string        `json:"gate,omitempty"`       // failing gate for rejections
	ErrorCode   string        `json:"error_code,omitempty"` // processing error for failures
	Reason      string        `json:"reason,omitempty"`
	PnLSOL      string        `json:"pnl_sol,omitempty"`
	HoldSeconds float64       `json:"hold_seconds,omitempty"`
}

// Writer appends entries to a size-rotated file. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	sink *lumberjack.Logger

	started     time.Time
	byEvent     map[string]int
	byGate      map[string]int // rejection tallies per failing gate
	byErrorCode map[string]int
}

// NewWriter opens a journal at cfg.Path. The file is created lazily on the
// first entry.
func NewWriter(cfg Config) *Writer {
	if cfg.Path == "" {
		cfg = DefaultConfig()
	}
	return &Writer{
		sink: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		},
		started:     time.Now(),
		byEvent:     make(map[string]int),
		byGate:      make(map[string]int),
		byErrorCode: make(map[string]int),
	}
}

// Record appends one entry. Write failures are logged and swallowed; the
// journal must never stall the trading path.
func (w *Writer) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.byEvent[e.Event]++
	if e.Event == EventRejected && e.Gate != "" {
		w.byGate[e.Gate]++
	}
	if e.Event == EventFailed && e.ErrorCode != "" {
		w.byErrorCode[e.ErrorCode]++
	}

	w.write(e)
}

func (w *Writer) write(e Entry) {
	buf, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("journal: marshal failed")
		return
	}
	if _, err := w.sink.Write(append(buf, '\n')); err != nil {
		log.Error().Err(err).Msg("journal: write failed")
	}
}

// Summary is the per-session tally written on shutdown.
type Summary struct {
	Started  time.Time      `json:"started"`
	Duration string         `json:"duration"`
	ByEvent  map[string]int `json:"by_event"`
	ByGate   map[string]int `json:"rejections_by_gate"`
	ByError  map[string]int `json:"failures_by_error"`
}

// Close writes the session summary and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sum := Summary{
		Started:  w.started,
		Duration: time.Since(w.started).Round(time.Second).String(),
		ByEvent:  w.byEvent,
		ByGate:   w.byGate,
		ByError:  w.byErrorCode,
	}
	buf, err := json.Marshal(struct {
		Event string `json:"event"`
		Summary
	}{Event: EventSummary, Summary: sum})
	if err == nil {
		if _, werr := w.sink.Write(append(buf, '\n')); werr != nil {
			log.Error().Err(werr).Msg("journal: summary write failed")
		}
	}

	log.Info().
		Interface("by_event", w.byEvent).
		Interface("rejections_by_gate", w.byGate).
		Msg("journal: session summary")

	if cerr := w.sink.Close(); cerr != nil {
		return fmt.Errorf("journal: close: %w", cerr)
	}
	return nil
}
