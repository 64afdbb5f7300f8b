package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Queued RPC Client — single serialized dispatch queue with a minimum
// inter-call gap. Rate-limited calls are re-queued with exponential backoff
// instead of dropped; all other failures reject immediately. Idempotent
// mint-metadata reads are cached for a short TTL.
// ---------------------------------------------------------------------------

// QueuedConfig configures the rate-limited RPC client.
type QueuedConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	PrivateKey   string        `yaml:"private_key"` // base58 wallet key, usually ${WALLET_PRIVATE_KEY}
	Timeout      time.Duration `yaml:"timeout"`
	MinCallGap   time.Duration `yaml:"min_call_gap"`   // minimum delay between dispatches
	MaxRequeues  int           `yaml:"max_requeues"`   // re-queue budget per rate-limited call
	BaseBackoff  time.Duration `yaml:"base_backoff"`   // first re-queue delay
	MaxBackoff   time.Duration `yaml:"max_backoff"`    // backoff cap
	MetaCacheTTL time.Duration `yaml:"meta_cache_ttl"` // idempotent read cache TTL
	QueueSize    int           `yaml:"queue_size"`
}

// DefaultQueuedConfig returns mainnet defaults.
func DefaultQueuedConfig() QueuedConfig {
	return QueuedConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		MinCallGap:   100 * time.Millisecond,
		MaxRequeues:  5,
		BaseBackoff:  500 * time.Millisecond,
		MaxBackoff:   8 * time.Second,
		MetaCacheTTL: 10 * time.Second,
		QueueSize:    256,
	}
}

type callResult struct {
	raw json.RawMessage
	err error
}

type pendingCall struct {
	ctx     context.Context
	method  string
	params  []any
	attempt int
	reply   chan callResult
}

type metaEntry struct {
	meta    TokenMeta
	expires time.Time
}

// QueuedClient is the live Client implementation.
type QueuedClient struct {
	config     QueuedConfig
	httpClient *http.Client

	queue  chan *pendingCall
	cancel context.CancelFunc

	nextID atomic.Int64

	cacheMu   sync.RWMutex
	metaCache map[Pubkey]metaEntry

	// Stats.
	dispatched  atomic.Int64
	requeues    atomic.Int64
	errors      atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// NewQueuedClient creates the client and starts its dispatch loop.
func NewQueuedClient(config QueuedConfig) *QueuedClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MinCallGap == 0 {
		config.MinCallGap = 100 * time.Millisecond
	}
	if config.BaseBackoff == 0 {
		config.BaseBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 8 * time.Second
	}
	if config.QueueSize == 0 {
		config.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &QueuedClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		queue:      make(chan *pendingCall, config.QueueSize),
		cancel:     cancel,
		metaCache:  make(map[Pubkey]metaEntry),
	}
	go c.dispatchLoop(ctx)
	return c
}

// Close stops the dispatch loop.
func (c *QueuedClient) Close() { c.cancel() }

// dispatchLoop serializes all RPC traffic and enforces the inter-call gap.
func (c *QueuedClient) dispatchLoop(ctx context.Context) {
	var lastDispatch time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case call := <-c.queue:
			if call.ctx.Err() != nil {
				call.reply <- callResult{err: call.ctx.Err()}
				continue
			}

			if wait := c.config.MinCallGap - time.Since(lastDispatch); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					call.reply <- callResult{err: ctx.Err()}
					return
				}
			}
			lastDispatch = time.Now()
			c.dispatched.Add(1)

			raw, err := c.doHTTP(call.ctx, call.method, call.params)
			if err != nil && isRateLimit(err) && call.attempt < c.config.MaxRequeues {
				// Same logical call goes back on the queue after backoff;
				// other callers keep dispatching in the meantime.
				call.attempt++
				c.requeues.Add(1)
				backoff := c.config.BaseBackoff << uint(call.attempt-1)
				if backoff > c.config.MaxBackoff {
					backoff = c.config.MaxBackoff
				}
				log.Debug().
					Str("method", call.method).
					Int("attempt", call.attempt).
					Dur("backoff", backoff).
					Msg("rpc: rate limited, re-queueing")
				go func(pc *pendingCall, d time.Duration) {
					select {
					case <-time.After(d):
						select {
						case c.queue <- pc:
						case <-pc.ctx.Done():
							pc.reply <- callResult{err: pc.ctx.Err()}
						}
					case <-pc.ctx.Done():
						pc.reply <- callResult{err: pc.ctx.Err()}
					}
				}(call, backoff)
				continue
			}

			if err != nil {
				c.errors.Add(1)
			}
			call.reply <- callResult{raw: raw, err: err}
		}
	}
}

// call enqueues one JSON-RPC call and waits for its result.
func (c *QueuedClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	pc := &pendingCall{
		ctx:     ctx,
		method:  method,
		params:  params,
		attempt: 0,
		reply:   make(chan callResult, 1),
	}

	select {
	case c.queue <- pc:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-pc.reply:
		return res.raw, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rateLimitError marks failures that must be re-queued, not rejected.
type rateLimitError struct{ method string }

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rpc: %s rate limited", e.method)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *QueuedClient) doHTTP(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc: create %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s http: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s read response: %w", method, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{method: method}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("rpc: %s unmarshal: %w", method, err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == -32429 || strings.Contains(strings.ToLower(rpcResp.Error.Message), "rate") {
			return nil, &rateLimitError{method: method}
		}
		return nil, fmt.Errorf("rpc: %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	return rpcResp.Result, nil
}

// ---------------------------------------------------------------------------
// Client interface implementation
// ---------------------------------------------------------------------------

// GetTokenMeta fetches mint state, served from the short-TTL cache when warm.
func (c *QueuedClient) GetTokenMeta(ctx context.Context, mint Pubkey) (*TokenMeta, error) {
	if c.config.MetaCacheTTL > 0 {
		c.cacheMu.RLock()
		entry, ok := c.metaCache[mint]
		c.cacheMu.RUnlock()
		if ok && time.Now().Before(entry.expires) {
			c.cacheHits.Add(1)
			meta := entry.meta
			return &meta, nil
		}
	}
	c.cacheMisses.Add(1)

	result, err := c.call(ctx, "getAccountInfo", []any{
		string(mint),
		map[string]any{"encoding": "jsonParsed", "commitment": CommitmentConfirmed},
	})
	if err != nil {
		return nil, err
	}

	var accountResp struct {
		Value *struct {
			Data struct {
				Parsed struct {
					Info struct {
						Decimals        uint8  `json:"decimals"`
						Supply          string `json:"supply"`
						MintAuthority   string `json:"mintAuthority"`
						FreezeAuthority string `json:"freezeAuthority"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &accountResp); err != nil {
		return nil, fmt.Errorf("rpc: parse token meta: %w", err)
	}
	if accountResp.Value == nil {
		return nil, fmt.Errorf("rpc: mint %s not found", mint)
	}

	info := accountResp.Value.Data.Parsed.Info
	supply, _ := decimal.NewFromString(info.Supply)
	meta := TokenMeta{
		Mint:            mint,
		Decimals:        info.Decimals,
		Supply:          supply,
		MintAuthority:   Pubkey(info.MintAuthority),
		FreezeAuthority: Pubkey(info.FreezeAuthority),
	}

	if c.config.MetaCacheTTL > 0 {
		c.cacheMu.Lock()
		c.metaCache[mint] = metaEntry{meta: meta, expires: time.Now().Add(c.config.MetaCacheTTL)}
		c.cacheMu.Unlock()
	}

	return &meta, nil
}

// GetTopHolders returns the largest token accounts with supply shares.
func (c *QueuedClient) GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]Holder, error) {
	result, err := c.call(ctx, "getTokenLargestAccounts", []any{string(mint)})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			Address string `json:"address"`
			Amount  string `json:"amount"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse holders: %w", err)
	}

	totalSupply := decimal.Zero
	if meta, metaErr := c.GetTokenMeta(ctx, mint); metaErr == nil && meta.Supply.IsPositive() {
		totalSupply = meta.Supply
	}

	holders := make([]Holder, 0, limit)
	for i, h := range resp.Value {
		if i >= limit {
			break
		}
		balance, _ := decimal.NewFromString(h.Amount)
		pct := 0.0
		if totalSupply.IsPositive() {
			pct, _ = balance.Div(totalSupply).Mul(decimal.NewFromInt(100)).Float64()
		}
		holders = append(holders, Holder{
			Address:  Pubkey(h.Address),
			Balance:  balance,
			SharePct: pct,
		})
	}
	return holders, nil
}

// GetTokenAccountBalance returns a token account's UI amount.
func (c *QueuedClient) GetTokenAccountBalance(ctx context.Context, account Pubkey) (decimal.Decimal, error) {
	result, err := c.call(ctx, "getTokenAccountBalance", []any{string(account)})
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		Value struct {
			UIAmountString string `json:"uiAmountString"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("rpc: parse token balance: %w", err)
	}

	amount, err := decimal.NewFromString(resp.Value.UIAmountString)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rpc: parse token amount %q: %w", resp.Value.UIAmountString, err)
	}
	return amount, nil
}

// GetBalanceSOL returns an account's lamport balance converted to SOL.
func (c *QueuedClient) GetBalanceSOL(ctx context.Context, account Pubkey) (decimal.Decimal, error) {
	result, err := c.call(ctx, "getBalance", []any{string(account)})
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("rpc: parse balance: %w", err)
	}
	return decimal.NewFromUint64(resp.Value).Div(decimal.NewFromInt(LamportsPerSOL)), nil
}

// Raydium AMM V4 pool state byte offsets.
const (
	raydiumOpenTimeOffset   = 224
	raydiumBaseVaultOffset  = 336
	raydiumQuoteVaultOffset = 368
	raydiumBaseMintOffset   = 400
	raydiumQuoteMintOffset  = 432
	raydiumMinAccountLen    = 464
)

// GetPoolVaults reads the pool account and extracts its vault addresses.
func (c *QueuedClient) GetPoolVaults(ctx context.Context, pool Pubkey) (*PoolVaults, error) {
	result, err := c.call(ctx, "getAccountInfo", []any{
		string(pool),
		map[string]any{"encoding": "base64", "commitment": CommitmentConfirmed},
	})
	if err != nil {
		return nil, err
	}

	var accountResp struct {
		Value *struct {
			Data  []string `json:"data"` // [base64, "base64"]
			Owner string   `json:"owner"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &accountResp); err != nil {
		return nil, fmt.Errorf("rpc: parse pool account: %w", err)
	}
	if accountResp.Value == nil || len(accountResp.Value.Data) == 0 {
		return nil, fmt.Errorf("rpc: pool %s not found", pool)
	}

	raw, err := base64.StdEncoding.DecodeString(accountResp.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("rpc: decode pool data: %w", err)
	}
	if len(raw) < raydiumMinAccountLen {
		return nil, fmt.Errorf("rpc: pool %s data too short (%d bytes)", pool, len(raw))
	}

	openTime := binary.LittleEndian.Uint64(raw[raydiumOpenTimeOffset : raydiumOpenTimeOffset+8])

	return &PoolVaults{
		Pool:       pool,
		BaseVault:  Pubkey(base58.Encode(raw[raydiumBaseVaultOffset : raydiumBaseVaultOffset+32])),
		QuoteVault: Pubkey(base58.Encode(raw[raydiumQuoteVaultOffset : raydiumQuoteVaultOffset+32])),
		BaseMint:   Pubkey(base58.Encode(raw[raydiumBaseMintOffset : raydiumBaseMintOffset+32])),
		QuoteMint:  Pubkey(base58.Encode(raw[raydiumQuoteMintOffset : raydiumQuoteMintOffset+32])),
		OpenTime:   time.Unix(int64(openTime), 0),
	}, nil
}

// GetSignaturesForAddress lists recent transactions for an address.
func (c *QueuedClient) GetSignaturesForAddress(ctx context.Context, addr Pubkey, limit int) ([]SignatureInfo, error) {
	result, err := c.call(ctx, "getSignaturesForAddress", []any{
		string(addr),
		map[string]any{"limit": limit},
	})
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Signature string `json:"signature"`
		Slot      uint64 `json:"slot"`
		BlockTime int64  `json:"blockTime"`
		Err       any    `json:"err"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse signatures: %w", err)
	}

	infos := make([]SignatureInfo, 0, len(resp))
	for _, s := range resp {
		infos = append(infos, SignatureInfo{
			Signature: Signature(s.Signature),
			Slot:      s.Slot,
			BlockTime: s.BlockTime,
			Failed:    s.Err != nil,
		})
	}
	return infos, nil
}

// GetTransaction fetches a decoded transaction summary. The fee payer is
// always the first account key.
func (c *QueuedClient) GetTransaction(ctx context.Context, sig Signature) (*TxSummary, error) {
	result, err := c.call(ctx, "getTransaction", []any{
		string(sig),
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     CommitmentConfirmed,
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Slot        uint64 `json:"slot"`
		BlockTime   int64  `json:"blockTime"`
		Transaction struct {
			Message struct {
				AccountKeys []struct {
					Pubkey string `json:"pubkey"`
					Signer bool   `json:"signer"`
				} `json:"accountKeys"`
				Instructions []struct {
					ProgramID string   `json:"programId"`
					Accounts  []string `json:"accounts"`
				} `json:"instructions"`
			} `json:"message"`
		} `json:"transaction"`
		Meta *struct {
			Err         any      `json:"err"`
			LogMessages []string `json:"logMessages"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse transaction: %w", err)
	}
	if len(resp.Transaction.Message.AccountKeys) == 0 {
		return nil, fmt.Errorf("rpc: transaction %s not found", sig)
	}

	summary := &TxSummary{
		Signature: sig,
		Slot:      resp.Slot,
		BlockTime: resp.BlockTime,
		FeePayer:  Pubkey(resp.Transaction.Message.AccountKeys[0].Pubkey),
	}
	if resp.Meta != nil {
		summary.Failed = resp.Meta.Err != nil
		summary.LogMessages = resp.Meta.LogMessages
	}
	for _, inst := range resp.Transaction.Message.Instructions {
		accounts := make([]Pubkey, 0, len(inst.Accounts))
		for _, a := range inst.Accounts {
			accounts = append(accounts, Pubkey(a))
		}
		summary.Instructions = append(summary.Instructions, TxInstruction{
			ProgramID: Pubkey(inst.ProgramID),
			Accounts:  accounts,
		})
	}
	return summary, nil
}

// GetLatestBlockhash returns a recent blockhash at confirmed commitment.
func (c *QueuedClient) GetLatestBlockhash(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "getLatestBlockhash", []any{
		map[string]any{"commitment": CommitmentConfirmed},
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("rpc: parse blockhash: %w", err)
	}
	if resp.Value.Blockhash == "" {
		return "", fmt.Errorf("rpc: empty blockhash")
	}
	return resp.Value.Blockhash, nil
}

// SendTransaction submits a signed transaction.
func (c *QueuedClient) SendTransaction(ctx context.Context, txBase64 string) (Signature, error) {
	result, err := c.call(ctx, "sendTransaction", []any{
		txBase64,
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       true,
			"preflightCommitment": CommitmentConfirmed,
		},
	})
	if err != nil {
		return "", err
	}

	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("rpc: parse signature: %w", err)
	}
	return Signature(sig), nil
}

// GetSignatureStatus returns pending|confirmed|finalized|failed.
func (c *QueuedClient) GetSignatureStatus(ctx context.Context, sig Signature) (string, error) {
	result, err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{string(sig)},
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		Value []struct {
			ConfirmationStatus string `json:"confirmationStatus"`
			Err                any    `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("rpc: parse status: %w", err)
	}

	if len(resp.Value) == 0 || resp.Value[0].ConfirmationStatus == "" {
		return "pending", nil
	}
	if resp.Value[0].Err != nil {
		return "failed", nil
	}
	return resp.Value[0].ConfirmationStatus, nil
}

// Health checks the endpoint.
func (c *QueuedClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(healthCtx, "getHealth", nil)
	return err
}

// QueuedStats is a snapshot of client counters.
type QueuedStats struct {
	Dispatched  int64 `json:"dispatched"`
	Requeues    int64 `json:"requeues"`
	Errors      int64 `json:"errors"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
}

func (c *QueuedClient) Stats() QueuedStats {
	return QueuedStats{
		Dispatched:  c.dispatched.Load(),
		Requeues:    c.requeues.Load(),
		Errors:      c.errors.Load(),
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMisses.Load(),
	}
}
