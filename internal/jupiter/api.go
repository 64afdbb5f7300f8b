package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/meridian-trading/meridian/internal/retry"
	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Jupiter V6 API Client
// https://station.jup.ag/docs/apis/swap-api
// ---------------------------------------------------------------------------

const (
	defaultBaseURL  = "https://quote-api.jup.ag/v6"
	defaultPriceURL = "https://price.jup.ag/v6"

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// APIConfig configures the live client.
type APIConfig struct {
	// BaseURL overrides the quote/swap endpoint, mainly for self-hosted
	// Jupiter instances. Empty means the public V6 API.
	BaseURL      string        `yaml:"base_url"`
	PriceURL     string        `yaml:"price_url"`
	WalletPubkey string        `yaml:"wallet_pubkey"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultAPIConfig returns production defaults.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		Timeout:      10 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// APIClient is the live Jupiter V6 client.
type APIClient struct {
	config     APIConfig
	httpClient *http.Client
	policy     retry.Policy

	quoteCount  atomic.Int64
	swapCount   atomic.Int64
	errorCount  atomic.Int64
	lastLatency atomic.Int64

	consecutiveErrors atomic.Int64
	breakerOpen       atomic.Bool
}

// NewAPIClient creates a live client.
func NewAPIClient(config APIConfig) *APIClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.PriceURL == "" {
		config.PriceURL = defaultPriceURL
	}
	return &APIClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		policy:     retry.Exponential(config.MaxRetries+1, config.RetryBackoff, 4*time.Second),
	}
}

// quoteResponse mirrors the /quote wire format.
type quoteResponse struct {
	InputMint      string `json:"inputMint"`
	OutputMint     string `json:"outputMint"`
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	SlippageBps    int    `json:"slippageBps"`
	RoutePlan      []struct {
		Percent  int `json:"percent"`
		SwapInfo struct {
			AmmKey string `json:"ammKey"`
			Label  string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
	ContextSlot uint64 `json:"contextSlot"`
}

// GetQuote fetches the best route for a swap leg.
func (c *APIClient) GetQuote(ctx context.Context, params QuoteParams) (*Quote, error) {
	if c.breakerOpen.Load() {
		return nil, fmt.Errorf("jupiter: circuit breaker open")
	}

	start := time.Now()

	queryURL, err := url.Parse(c.config.BaseURL + "/quote")
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("inputMint", string(params.InputMint))
	q.Set("outputMint", string(params.OutputMint))
	q.Set("amount", params.AmountRaw.StringFixed(0))
	q.Set("slippageBps", fmt.Sprintf("%d", params.SlippageBps))
	q.Set("onlyDirectRoutes", "false")
	queryURL.RawQuery = q.Encode()

	var body []byte
	err = retry.Do(ctx, c.policy, func(int) (bool, error) {
		b, reqErr := c.get(ctx, queryURL.String())
		if reqErr != nil {
			c.errorCount.Add(1)
			c.recordError()
			return true, reqErr
		}
		body = b
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jupiter: quote %s -> %s: %w", params.InputMint, params.OutputMint, err)
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("jupiter: parse quote: %w", err)
	}
	if resp.OutAmount == "" {
		return nil, fmt.Errorf("jupiter: empty quote for %s", params.OutputMint)
	}

	c.resetErrors()
	c.quoteCount.Add(1)
	c.lastLatency.Store(time.Since(start).Milliseconds())

	inAmount, _ := decimal.NewFromString(resp.InAmount)
	outAmount, _ := decimal.NewFromString(resp.OutAmount)
	impact, _ := decimal.NewFromString(resp.PriceImpactPct)
	impactPct, _ := impact.Mul(decimal.NewFromInt(100)).Float64()

	hops := make([]Hop, 0, len(resp.RoutePlan))
	for _, rp := range resp.RoutePlan {
		hops = append(hops, Hop{
			AMM:     solana.Pubkey(rp.SwapInfo.AmmKey),
			Label:   rp.SwapInfo.Label,
			Percent: rp.Percent,
		})
	}

	log.Debug().
		Str("out_mint", truncate(resp.OutputMint)).
		Str("out_amount", resp.OutAmount).
		Float64("impact_pct", impactPct).
		Int("hops", len(hops)).
		Msg("jupiter: quote received")

	return &Quote{
		InputMint:      params.InputMint,
		OutputMint:     params.OutputMint,
		InAmountRaw:    inAmount,
		OutAmountRaw:   outAmount,
		PriceImpactPct: impactPct,
		SlippageBps:    resp.SlippageBps,
		Hops:           hops,
		ContextSlot:    resp.ContextSlot,
		raw:            body,
	}, nil
}

type swapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSOL              bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool            `json:"useSharedAccounts"`
	ComputeUnitPriceMicroLamports uint64          `json:"computeUnitPriceMicroLamports,omitempty"`
	DynamicComputeUnitLimit       bool            `json:"dynamicComputeUnitLimit"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// BuildSwap turns a quote into an unsigned transaction. The quote's original
// response body is sent back verbatim so route details survive the round trip.
func (c *APIClient) BuildSwap(ctx context.Context, quote *Quote, priorityFee uint64) (*SwapTx, error) {
	if c.breakerOpen.Load() {
		return nil, fmt.Errorf("jupiter: circuit breaker open")
	}
	if len(quote.raw) == 0 {
		return nil, fmt.Errorf("jupiter: quote has no raw body")
	}

	reqBody, err := json.Marshal(swapRequest{
		QuoteResponse:                 quote.raw,
		UserPublicKey:                 c.config.WalletPubkey,
		WrapAndUnwrapSOL:              true,
		UseSharedAccounts:             true,
		ComputeUnitPriceMicroLamports: priorityFee,
		DynamicComputeUnitLimit:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	var body []byte
	err = retry.Do(ctx, c.policy, func(int) (bool, error) {
		b, reqErr := c.post(ctx, c.config.BaseURL+"/swap", reqBody)
		if reqErr != nil {
			c.errorCount.Add(1)
			c.recordError()
			return true, reqErr
		}
		body = b
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jupiter: build swap: %w", err)
	}

	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("jupiter: parse swap response: %w", err)
	}
	if resp.SwapTransaction == "" {
		return nil, fmt.Errorf("jupiter: empty swap transaction")
	}

	c.resetErrors()
	c.swapCount.Add(1)
	return &SwapTx{
		TxBase64:             resp.SwapTransaction,
		LastValidBlockHeight: resp.LastValidBlockHeight,
	}, nil
}

// GetPriceUSD fetches a mint's USDC price.
func (c *APIClient) GetPriceUSD(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error) {
	queryURL, err := url.Parse(c.config.PriceURL + "/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("ids", string(mint))
	q.Set("vsToken", string(solana.USDCMint))
	queryURL.RawQuery = q.Encode()

	body, err := c.get(ctx, queryURL.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: price: %w", err)
	}

	var resp struct {
		Data map[string]struct {
			Price float64 `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse price: %w", err)
	}

	data, ok := resp.Data[string(mint)]
	if !ok {
		return decimal.Zero, fmt.Errorf("jupiter: price not found for %s", mint)
	}
	price := decimal.NewFromFloat(data.Price)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("jupiter: non-positive price for %s", mint)
	}
	return price, nil
}

func (c *APIClient) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *APIClient) post(ctx context.Context, u string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *APIClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *APIClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= breakerThreshold && c.breakerOpen.CompareAndSwap(false, true) {
		log.Error().Int64("errors", count).Msg("jupiter: circuit breaker open")
		go func() {
			time.Sleep(breakerCooldown)
			c.breakerOpen.Store(false)
			c.consecutiveErrors.Store(0)
			log.Info().Msg("jupiter: circuit breaker reset")
		}()
	}
}

func (c *APIClient) resetErrors() { c.consecutiveErrors.Store(0) }

func truncate(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// APIStats is a counter snapshot.
type APIStats struct {
	QuoteCount    int64 `json:"quote_count"`
	SwapCount     int64 `json:"swap_count"`
	ErrorCount    int64 `json:"error_count"`
	LastLatencyMs int64 `json:"last_latency_ms"`
	BreakerOpen   bool  `json:"breaker_open"`
}

func (c *APIClient) Stats() APIStats {
	return APIStats{
		QuoteCount:    c.quoteCount.Load(),
		SwapCount:     c.swapCount.Load(),
		ErrorCount:    c.errorCount.Load(),
		LastLatencyMs: c.lastLatency.Load(),
		BreakerOpen:   c.breakerOpen.Load(),
	}
}
