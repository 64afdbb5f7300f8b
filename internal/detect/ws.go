package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// WebSocket watchers — push sources at low commitment. Both share one
// reconnect/read loop; they differ only in what they subscribe to and how
// they turn a notification into an Event.
// ---------------------------------------------------------------------------

// WSConfig configures a push watcher.
type WSConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	ProgramIDs     []string      `yaml:"program_ids"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

// DefaultWSConfig returns mainnet defaults watching Raydium and Pump.fun.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		Endpoint: "wss://api.mainnet-beta.solana.com",
		ProgramIDs: []string{
			solana.DEXProgramID("raydium"),
			solana.DEXProgramID("pumpfun"),
		},
		ReconnectDelay: time.Second,
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
}

// wsWatcher is the shared connection machinery.
type wsWatcher struct {
	name      string
	config    WSConfig
	out       chan<- Event
	subscribe func(conn *websocket.Conn, programID string, id int64) error
	handle    func(data []byte)

	mu   sync.Mutex
	conn *websocket.Conn

	nextSubID atomic.Int64

	// Stats.
	messages   atomic.Int64
	emitted    atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
}

func (w *wsWatcher) Name() string { return w.name }

// Run dials, subscribes, and reads until ctx ends, reconnecting with capped
// exponential backoff on any failure.
func (w *wsWatcher) Run(ctx context.Context) error {
	delay := w.config.ReconnectDelay
	const maxDelay = 30 * time.Second

	for {
		if ctx.Err() != nil {
			w.disconnect()
			return ctx.Err()
		}

		if err := w.connect(ctx); err != nil {
			w.reconnects.Add(1)
			log.Warn().Err(err).Str("source", w.name).Msg("detect: ws connect failed")
			select {
			case <-time.After(delay):
				if delay *= 2; delay > maxDelay {
					delay = maxDelay
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		delay = w.config.ReconnectDelay

		for _, pid := range w.config.ProgramIDs {
			if err := w.subscribe(w.conn, pid, w.nextSubID.Add(1)); err != nil {
				log.Warn().Err(err).Str("source", w.name).Str("program", short(pid)).Msg("detect: subscribe failed")
			}
		}

		w.readLoop(ctx)
		w.disconnect()
	}
}

func (w *wsWatcher) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.config.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("detect: dial %s: %w", w.config.Endpoint, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.connected.Store(true)

	log.Info().Str("source", w.name).Str("endpoint", w.config.Endpoint).Msg("detect: ws connected")
	return nil
}

func (w *wsWatcher) disconnect() {
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()
	w.connected.Store(false)
}

func (w *wsWatcher) readLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("source", w.name).Msg("detect: read loop panic recovered")
		}
	}()

	pingTicker := time.NewTicker(w.config.PingInterval)
	defer pingTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				w.mu.Lock()
				conn := w.conn
				w.mu.Unlock()
				if conn == nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("source", w.name).Msg("detect: ws read error, reconnecting")
			}
			w.reconnects.Add(1)
			return
		}

		w.messages.Add(1)
		w.handle(message)
	}
}

// emit sends without blocking; a full channel drops the event.
func (w *wsWatcher) emit(evt Event) {
	select {
	case w.out <- evt:
		w.emitted.Add(1)
	default:
		w.dropped.Add(1)
		log.Warn().Str("source", w.name).Msg("detect: channel full, event dropped")
	}
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// WSStats is a watcher counter snapshot.
type WSStats struct {
	Connected  bool  `json:"connected"`
	Messages   int64 `json:"messages"`
	Emitted    int64 `json:"emitted"`
	Dropped    int64 `json:"dropped"`
	Reconnects int64 `json:"reconnects"`
}

func (w *wsWatcher) Stats() WSStats {
	return WSStats{
		Connected:  w.connected.Load(),
		Messages:   w.messages.Load(),
		Emitted:    w.emitted.Load(),
		Dropped:    w.dropped.Load(),
		Reconnects: w.reconnects.Load(),
	}
}

// ---------------------------------------------------------------------------
// LogWatcher — logsSubscribe on DEX programs, matching pool-init markers.
// ---------------------------------------------------------------------------

// LogWatcher reports pool creations seen in program logs. Because the log
// notification carries only the signature, the transaction is fetched to
// recover the pool and mint accounts.
type LogWatcher struct {
	*wsWatcher
	client solana.Client
	ctx    context.Context
}

// NewLogWatcher creates a log watcher emitting on out.
func NewLogWatcher(config WSConfig, client solana.Client, out chan<- Event) *LogWatcher {
	lw := &LogWatcher{client: client}
	lw.wsWatcher = &wsWatcher{
		name:   LayerWSLogs,
		config: config,
		out:    out,
		subscribe: func(conn *websocket.Conn, programID string, id int64) error {
			return conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"id":      id,
				"method":  "logsSubscribe",
				"params": []any{
					map[string]any{"mentions": []string{programID}},
					map[string]any{"commitment": solana.CommitmentProcessed},
				},
			})
		},
		handle: lw.handleMessage,
	}
	return lw
}

// Run wires the context through to the transaction fetches in handleMessage.
func (lw *LogWatcher) Run(ctx context.Context) error {
	lw.ctx = ctx
	return lw.wsWatcher.Run(ctx)
}

func (lw *LogWatcher) handleMessage(data []byte) {
	var notification struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Value struct {
					Signature string   `json:"signature"`
					Logs      []string `json:"logs"`
					Err       any      `json:"err"`
				} `json:"value"`
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &notification); err != nil || notification.Method != "logsNotification" {
		return
	}

	value := notification.Params.Result.Value
	if value.Err != nil || !isPoolInitLogs(value.Logs) {
		return
	}

	sig := solana.Signature(value.Signature)
	tx, err := lw.client.GetTransaction(lw.ctx, sig)
	if err != nil {
		log.Debug().Err(err).Str("sig", short(value.Signature)).Msg("detect: init tx fetch failed")
		return
	}
	pool, mint, err := resolveInitAccounts(tx)
	if err != nil {
		log.Debug().Err(err).Msg("detect: init accounts unresolvable")
		return
	}

	log.Info().
		Str("pool", short(string(pool))).
		Str("sig", short(value.Signature)).
		Uint64("slot", notification.Params.Result.Context.Slot).
		Msg("detect: NEW POOL (logs)")

	lw.emit(Event{
		Pool:       pool,
		Mint:       mint,
		Signature:  sig,
		Slot:       notification.Params.Result.Context.Slot,
		Layer:      LayerWSLogs,
		DetectedAt: time.Now(),
	})
}

// ---------------------------------------------------------------------------
// AccountWatcher — programSubscribe filtered to AMM pool-state accounts.
// ---------------------------------------------------------------------------

// Raydium V4 pool-state account size, used as a subscription filter.
const raydiumPoolAccountSize = 752

// AccountWatcher reports brand-new pool-state accounts. It sees unfinalized
// state and carries no originating signature, so its events are hints: the
// pool address with a synthetic signature, mint left for settling to fill.
type AccountWatcher struct {
	*wsWatcher
	ctx context.Context
}

// NewAccountWatcher creates an account watcher emitting on out.
func NewAccountWatcher(config WSConfig, out chan<- Event) *AccountWatcher {
	aw := &AccountWatcher{}
	aw.wsWatcher = &wsWatcher{
		name:   LayerWSAccount,
		config: config,
		out:    out,
		subscribe: func(conn *websocket.Conn, programID string, id int64) error {
			return conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"id":      id,
				"method":  "programSubscribe",
				"params": []any{
					programID,
					map[string]any{
						"commitment": solana.CommitmentProcessed,
						"encoding":   "base64",
						"filters": []any{
							map[string]any{"dataSize": raydiumPoolAccountSize},
						},
					},
				},
			})
		},
		handle: aw.handleMessage,
	}
	return aw
}

func (aw *AccountWatcher) Run(ctx context.Context) error {
	aw.ctx = ctx
	return aw.wsWatcher.Run(ctx)
}

func (aw *AccountWatcher) handleMessage(data []byte) {
	var notification struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Value struct {
					Pubkey string `json:"pubkey"`
				} `json:"value"`
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &notification); err != nil || notification.Method != "programNotification" {
		return
	}

	pool := solana.Pubkey(notification.Params.Result.Value.Pubkey)
	if !validPubkey(pool) {
		return
	}
	slot := notification.Params.Result.Context.Slot

	aw.emit(Event{
		Pool: pool,
		// Account notifications carry no transaction; the synthetic signature
		// still participates in signature dedup.
		Signature:  solana.Signature(fmt.Sprintf("acct:%s:%d", pool, slot)),
		Slot:       slot,
		Layer:      LayerWSAccount,
		DetectedAt: time.Now(),
	})
}
