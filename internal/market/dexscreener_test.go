package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMint = "HFqU5x63VTqvQss8hp11i4bVqkfRtQ7NmXwkiY8X9W5E"

const pairsBody = `{
	"pairs": [
		{
			"chainId": "solana",
			"dexId": "raydium",
			"pairAddress": "96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
			"baseToken": {"address": "HFqU5x63VTqvQss8hp11i4bVqkfRtQ7NmXwkiY8X9W5E"},
			"quoteToken": {"address": "So11111111111111111111111111111111111111112"},
			"priceNative": "0.00000125",
			"priceUsd": "0.00021",
			"txns": {"m5": {"buys": 14, "sells": 6}},
			"volume": {"h24": 52000.5},
			"liquidity": {"usd": 18000.25},
			"pairCreatedAt": 1756166400000
		},
		{
			"chainId": "ethereum",
			"dexId": "uniswap",
			"pairAddress": "0xdeadbeef",
			"baseToken": {"address": "0xdeadbeef"},
			"quoteToken": {"address": "0xdeadbeef"},
			"priceNative": "1",
			"priceUsd": "1",
			"pairCreatedAt": 1756166400000
		}
	]
}`

func TestTokenPairsParsesAndFiltersChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tokens/"+testMint, r.URL.Path)
		w.Write([]byte(pairsBody))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	pairs, err := client.TokenPairs(context.Background(), solana.Pubkey(testMint))
	require.NoError(t, err)

	// The Ethereum pair is dropped.
	require.Len(t, pairs, 1)
	p := pairs[0]
	assert.Equal(t, "raydium", p.DexID)
	assert.Equal(t, solana.Pubkey(testMint), p.BaseMint)
	assert.Equal(t, solana.SOLMint, p.QuoteMint)
	assert.True(t, p.PriceNative.Equal(decimal.RequireFromString("0.00000125")))
	assert.True(t, p.PriceUSD.Equal(decimal.RequireFromString("0.00021")))
	assert.True(t, p.LiquidityUSD.Equal(decimal.NewFromFloat(18000.25)))
	assert.Equal(t, 14, p.Buys5m)
	assert.Equal(t, 6, p.Sells5m)
	assert.Equal(t, time.Unix(1756166400, 0), p.CreatedAt)

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(0), stats.Errors)
}

func TestSearchPassesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "raydium SOL", r.URL.Query().Get("q"))
		w.Write([]byte(pairsBody))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	pairs, err := client.Search(context.Background(), "raydium SOL")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
}

func TestFetchCountsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.TokenPairs(context.Background(), solana.Pubkey(testMint))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 429")
	assert.Equal(t, int64(1), client.Stats().Errors)
}

func TestFetchRejectsMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs": [`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.Search(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse response")
}

func TestStubServiceFailNext(t *testing.T) {
	stub := NewStubService()
	stub.SetTokenPairs(solana.Pubkey(testMint), []Pair{{DexID: "raydium"}})
	stub.FailNext(1)

	_, err := stub.TokenPairs(context.Background(), solana.Pubkey(testMint))
	require.Error(t, err)

	pairs, err := stub.TokenPairs(context.Background(), solana.Pubkey(testMint))
	require.NoError(t, err)
	require.Len(t, pairs, 1)
}
