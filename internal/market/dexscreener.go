package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// DexScreener Client — pair discovery and market data
// https://docs.dexscreener.com/api/reference
// ---------------------------------------------------------------------------

const (
	defaultBaseURL = "https://api.dexscreener.com/latest/dex"

	chainSolana = "solana"
)

// Pair is a normalized trading pair snapshot.
type Pair struct {
	PairAddress  solana.Pubkey
	DexID        string
	BaseMint     solana.Pubkey
	QuoteMint    solana.Pubkey
	PriceUSD     decimal.Decimal
	PriceNative  decimal.Decimal
	LiquidityUSD decimal.Decimal
	Volume24hUSD decimal.Decimal
	Buys5m       int
	Sells5m      int
	CreatedAt    time.Time
}

// Service is the market-data surface consumers depend on.
type Service interface {
	// TokenPairs lists the pairs trading a mint.
	TokenPairs(ctx context.Context, mint solana.Pubkey) ([]Pair, error)
	// Search finds Solana pairs matching a query, newest first.
	Search(ctx context.Context, query string) ([]Pair, error)
}

// Config configures the DexScreener client.
type Config struct {
	// BaseURL overrides the API endpoint. Empty means the public API.
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Client is the live DexScreener client.
type Client struct {
	baseURL    string
	httpClient *http.Client

	requests atomic.Int64
	errors   atomic.Int64
}

// NewClient creates a DexScreener client.
func NewClient(config Config) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// wirePair mirrors the API response shape. Timestamps are milliseconds.
type wirePair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
	} `json:"baseToken"`
	QuoteToken struct {
		Address string `json:"address"`
	} `json:"quoteToken"`
	PriceNative string `json:"priceNative"`
	PriceUsd    string `json:"priceUsd"`
	Txns        struct {
		M5 struct {
			Buys  int `json:"buys"`
			Sells int `json:"sells"`
		} `json:"m5"`
	} `json:"txns"`
	Volume struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	PairCreatedAt int64 `json:"pairCreatedAt"`
}

func (w *wirePair) normalize() Pair {
	priceUSD, _ := decimal.NewFromString(w.PriceUsd)
	priceNative, _ := decimal.NewFromString(w.PriceNative)
	return Pair{
		PairAddress:  solana.Pubkey(w.PairAddress),
		DexID:        w.DexID,
		BaseMint:     solana.Pubkey(w.BaseToken.Address),
		QuoteMint:    solana.Pubkey(w.QuoteToken.Address),
		PriceUSD:     priceUSD,
		PriceNative:  priceNative,
		LiquidityUSD: decimal.NewFromFloat(w.Liquidity.USD),
		Volume24hUSD: decimal.NewFromFloat(w.Volume.H24),
		Buys5m:       w.Txns.M5.Buys,
		Sells5m:      w.Txns.M5.Sells,
		CreatedAt:    time.Unix(w.PairCreatedAt/1000, 0),
	}
}

func (c *Client) fetch(ctx context.Context, u string) ([]Pair, error) {
	c.requests.Add(1)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("market: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("market: http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("market: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.errors.Add(1)
		return nil, fmt.Errorf("market: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var apiResp struct {
		Pairs []wirePair `json:"pairs"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("market: parse response: %w", err)
	}

	pairs := make([]Pair, 0, len(apiResp.Pairs))
	for i := range apiResp.Pairs {
		if apiResp.Pairs[i].ChainID != chainSolana {
			continue
		}
		pairs = append(pairs, apiResp.Pairs[i].normalize())
	}
	return pairs, nil
}

// TokenPairs lists the pairs trading a mint.
func (c *Client) TokenPairs(ctx context.Context, mint solana.Pubkey) ([]Pair, error) {
	return c.fetch(ctx, c.baseURL+"/tokens/"+url.PathEscape(string(mint)))
}

// Search finds Solana pairs matching a query.
func (c *Client) Search(ctx context.Context, query string) ([]Pair, error) {
	u, err := url.Parse(c.baseURL + "/search")
	if err != nil {
		return nil, fmt.Errorf("market: parse URL: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()
	return c.fetch(ctx, u.String())
}

// Stats is a counter snapshot.
type Stats struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

func (c *Client) Stats() Stats {
	return Stats{Requests: c.requests.Load(), Errors: c.errors.Load()}
}

// ---------------------------------------------------------------------------
// Stub service for tests
// ---------------------------------------------------------------------------

// StubService returns canned pairs.
type StubService struct {
	mu     sync.Mutex
	byMint map[solana.Pubkey][]Pair
	search []Pair
	failN  int
}

func NewStubService() *StubService {
	return &StubService{byMint: make(map[solana.Pubkey][]Pair)}
}

func (s *StubService) SetTokenPairs(mint solana.Pubkey, pairs []Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byMint[mint] = pairs
}

func (s *StubService) SetSearchResults(pairs []Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.search = pairs
}

func (s *StubService) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
}

func (s *StubService) shouldFail() bool {
	if s.failN > 0 {
		s.failN--
		return true
	}
	return false
}

func (s *StubService) TokenPairs(_ context.Context, mint solana.Pubkey) ([]Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return nil, fmt.Errorf("market: stub failure")
	}
	return s.byMint[mint], nil
}

func (s *StubService) Search(_ context.Context, _ string) ([]Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return nil, fmt.Errorf("market: stub failure")
	}
	return s.search, nil
}
