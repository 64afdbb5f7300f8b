package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Bundle Client — atomic multi-transaction submission through a Jito block
// engine. A bundle either lands whole or not at all, which is what makes the
// tip transaction safe to attach.
// ---------------------------------------------------------------------------

const (
	blockEngineMainnetURL = "https://mainnet.block-engine.jito.wtf/api/v1"
	bundlePath            = "/bundles"
)

// Mainnet tip accounts published by the block engine operator.
var tipAccounts = []Pubkey{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4bVqkfRtQ7NmXwkiY8X9W5E",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
	"ADaUMid9yfUytqMBgopwjb2DTLSLuiv3Jhqzsg1dbE7B",
	"DfXygSm4jCyNCzbzYYR18MFJkvDVwVS7s3d7rZmLhRDd",
	"ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt",
	"DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL",
	"3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT",
}

// BundleConfig configures the bundle client.
type BundleConfig struct {
	Enabled        bool            `yaml:"enabled"`
	BlockEngineURL string          `yaml:"block_engine_url"`
	TipSOL         decimal.Decimal `yaml:"tip_sol"`
	TimeoutMs      int             `yaml:"timeout_ms"`
	ConfirmTimeout time.Duration   `yaml:"confirm_timeout"` // how long WaitForBundle polls
	PollInterval   time.Duration   `yaml:"poll_interval"`
}

// DefaultBundleConfig returns mainnet defaults.
func DefaultBundleConfig() BundleConfig {
	return BundleConfig{
		Enabled:        true,
		BlockEngineURL: blockEngineMainnetURL,
		TipSOL:         decimal.NewFromFloat(0.001),
		TimeoutMs:      5000,
		ConfirmTimeout: 30 * time.Second,
		PollInterval:   2 * time.Second,
	}
}

// BundleClient submits signed transaction bundles to a block engine.
type BundleClient struct {
	config     BundleConfig
	httpClient *http.Client
	tipIdx     atomic.Uint32

	// Stats.
	sent        atomic.Int64
	landed      atomic.Int64
	failed      atomic.Int64
	tipLamports atomic.Int64
}

// NewBundleClient creates a bundle client.
func NewBundleClient(config BundleConfig) *BundleClient {
	timeout := time.Duration(config.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if config.BlockEngineURL == "" {
		config.BlockEngineURL = blockEngineMainnetURL
	}
	if config.ConfirmTimeout == 0 {
		config.ConfirmTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}

	return &BundleClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BundleStatus tracks a submitted bundle.
type BundleStatus struct {
	BundleID  string `json:"bundle_id"`
	Status    string `json:"status"` // pending|landed|failed
	Slot      uint64 `json:"slot,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (s *BundleStatus) Landed() bool { return s.Status == "landed" }

// post sends one JSON-RPC request to the block engine.
func (c *BundleClient) post(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bundle: marshal %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.BlockEngineURL+bundlePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bundle: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bundle: %s http: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bundle: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bundle: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("bundle: parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("bundle: error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// SendBundle submits base64-encoded signed transactions as one bundle.
func (c *BundleClient) SendBundle(ctx context.Context, transactions []string) (*BundleStatus, error) {
	if !c.config.Enabled {
		return nil, fmt.Errorf("bundle: client disabled")
	}
	if len(transactions) == 0 {
		return nil, fmt.Errorf("bundle: empty bundle")
	}

	result, err := c.post(ctx, "sendBundle", []any{transactions, map[string]string{"encoding": "base64"}})
	if err != nil {
		c.failed.Add(1)
		return nil, err
	}

	var bundleID string
	if err := json.Unmarshal(result, &bundleID); err != nil {
		c.failed.Add(1)
		return nil, fmt.Errorf("bundle: parse bundle id: %w", err)
	}

	c.sent.Add(1)
	c.tipLamports.Add(c.config.TipSOL.Mul(decimal.NewFromInt(LamportsPerSOL)).IntPart())

	log.Info().
		Str("bundle_id", bundleID).
		Str("tip_sol", c.config.TipSOL.String()).
		Int("tx_count", len(transactions)).
		Msg("bundle: submitted")

	return &BundleStatus{
		BundleID:  bundleID,
		Status:    "pending",
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// GetBundleStatus checks one bundle's confirmation state.
func (c *BundleClient) GetBundleStatus(ctx context.Context, bundleID string) (*BundleStatus, error) {
	result, err := c.post(ctx, "getBundleStatuses", []any{[]string{bundleID}})
	if err != nil {
		return nil, err
	}

	var statusResp struct {
		Value []struct {
			BundleID           string `json:"bundle_id"`
			ConfirmationStatus string `json:"confirmation_status"`
			Slot               uint64 `json:"slot"`
			Err                any    `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &statusResp); err != nil {
		return nil, fmt.Errorf("bundle: parse status: %w", err)
	}

	status := &BundleStatus{BundleID: bundleID, Status: "pending", Timestamp: time.Now().UnixMilli()}
	if len(statusResp.Value) == 0 {
		return status, nil
	}

	entry := statusResp.Value[0]
	status.Slot = entry.Slot
	switch {
	case entry.Err != nil:
		status.Status = "failed"
	case entry.ConfirmationStatus == "confirmed" || entry.ConfirmationStatus == "finalized":
		status.Status = "landed"
	}
	return status, nil
}

// WaitForBundle polls until the bundle lands, fails, or the confirm window
// expires. A window expiry returns a "failed" status so callers can treat
// timed-out bundles as not landed.
func (c *BundleClient) WaitForBundle(ctx context.Context, bundleID string) (*BundleStatus, error) {
	deadline := time.Now().Add(c.config.ConfirmTimeout)
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			status, err := c.GetBundleStatus(ctx, bundleID)
			if err != nil {
				log.Debug().Err(err).Str("bundle_id", bundleID).Msg("bundle: status poll failed")
			} else if status.Status != "pending" {
				if status.Landed() {
					c.landed.Add(1)
				} else {
					c.failed.Add(1)
				}
				return status, nil
			}

			if time.Now().After(deadline) {
				c.failed.Add(1)
				return &BundleStatus{
					BundleID:  bundleID,
					Status:    "failed",
					Timestamp: time.Now().UnixMilli(),
				}, nil
			}
		}
	}
}

// NextTipAccount rotates through the published tip accounts.
func (c *BundleClient) NextTipAccount() Pubkey {
	idx := c.tipIdx.Add(1) - 1
	return tipAccounts[idx%uint32(len(tipAccounts))]
}

// TipLamports is the configured tip converted to lamports.
func (c *BundleClient) TipLamports() uint64 {
	return uint64(c.config.TipSOL.Mul(decimal.NewFromInt(LamportsPerSOL)).IntPart())
}

// Enabled reports whether bundle submission is configured on.
func (c *BundleClient) Enabled() bool { return c.config.Enabled }

// BundleStats is a snapshot of bundle counters.
type BundleStats struct {
	Enabled     bool    `json:"enabled"`
	Sent        int64   `json:"sent"`
	Landed      int64   `json:"landed"`
	Failed      int64   `json:"failed"`
	LandRate    float64 `json:"land_rate_pct"`
	TotalTipSOL string  `json:"total_tip_sol"`
}

func (c *BundleClient) Stats() BundleStats {
	sent := c.sent.Load()
	landed := c.landed.Load()
	landRate := 0.0
	if sent > 0 {
		landRate = float64(landed) / float64(sent) * 100.0
	}
	tip := decimal.NewFromInt(c.tipLamports.Load()).Div(decimal.NewFromInt(LamportsPerSOL))

	return BundleStats{
		Enabled:     c.config.Enabled,
		Sent:        sent,
		Landed:      landed,
		Failed:      c.failed.Load(),
		LandRate:    landRate,
		TotalTipSOL: tip.String(),
	}
}
