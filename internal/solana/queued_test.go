package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcServer routes JSON-RPC methods to canned result payloads.
func rpcServer(t *testing.T, results map[string]string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Method string `json:"method"`
			ID     int64  `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, ok := results[req.Method]
		if !ok {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result)
	}))
	return srv, &calls
}

func fastClient(endpoint string) *QueuedClient {
	return NewQueuedClient(QueuedConfig{
		Endpoint:     endpoint,
		Timeout:      2 * time.Second,
		MinCallGap:   time.Millisecond,
		MaxRequeues:  3,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   10 * time.Millisecond,
		MetaCacheTTL: time.Minute,
		QueueSize:    16,
	})
}

func TestGetTokenMetaParsesAndCaches(t *testing.T) {
	srv, calls := rpcServer(t, map[string]string{
		"getAccountInfo": `{"value":{"data":{"parsed":{"info":{
			"decimals":9,"supply":"1000000000",
			"mintAuthority":null,"freezeAuthority":"FrzAuth111"}}}}}`,
	})
	defer srv.Close()

	c := fastClient(srv.URL)
	defer c.Close()

	meta, err := c.GetTokenMeta(context.Background(), "mint-a")
	require.NoError(t, err)
	assert.Equal(t, uint8(9), meta.Decimals)
	assert.True(t, meta.Supply.Equal(decimal.NewFromInt(1_000_000_000)))
	assert.True(t, meta.MintRevoked())
	assert.False(t, meta.FreezeRevoked())

	// Second read is served from the cache.
	before := calls.Load()
	_, err = c.GetTokenMeta(context.Background(), "mint-a")
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load())
	assert.Equal(t, int64(1), c.Stats().CacheHits)
}

func TestRateLimitedCallIsRequeuedUntilSuccess(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID int64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"value":12345}}`, req.ID)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	defer c.Close()

	bal, err := c.GetBalanceSOL(context.Background(), "some-account")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromFloat(0.000012345)), "got %s", bal)

	st := c.Stats()
	assert.Equal(t, int64(2), st.Requeues)
	assert.Equal(t, int64(3), st.Dispatched)
}

func TestRequeueBudgetExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	defer c.Close()

	_, err := c.GetBalanceSOL(context.Background(), "some-account")
	require.Error(t, err)
	assert.True(t, isRateLimit(err))
	assert.Equal(t, int64(3), c.Stats().Requeues)
}

func TestRPCErrorRejectsImmediately(t *testing.T) {
	srv, calls := rpcServer(t, nil) // every method answers "method not found"
	defer srv.Close()

	c := fastClient(srv.URL)
	defer c.Close()

	_, err := c.GetBalanceSOL(context.Background(), "some-account")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetPoolVaultsDecodesRaydiumLayout(t *testing.T) {
	raw := make([]byte, raydiumMinAccountLen)
	binary.LittleEndian.PutUint64(raw[raydiumOpenTimeOffset:], 1_700_000_000)

	fill := func(offset int, seed byte) Pubkey {
		key := make([]byte, 32)
		for i := range key {
			key[i] = seed
		}
		copy(raw[offset:], key)
		return Pubkey(base58.Encode(key))
	}
	baseVault := fill(raydiumBaseVaultOffset, 1)
	quoteVault := fill(raydiumQuoteVaultOffset, 2)
	baseMint := fill(raydiumBaseMintOffset, 3)
	quoteMint := fill(raydiumQuoteMintOffset, 4)

	srv, _ := rpcServer(t, map[string]string{
		"getAccountInfo": fmt.Sprintf(`{"value":{"data":["%s","base64"],"owner":"x"}}`,
			base64.StdEncoding.EncodeToString(raw)),
	})
	defer srv.Close()

	c := fastClient(srv.URL)
	defer c.Close()

	vaults, err := c.GetPoolVaults(context.Background(), "pool-x")
	require.NoError(t, err)
	assert.Equal(t, baseVault, vaults.BaseVault)
	assert.Equal(t, quoteVault, vaults.QuoteVault)
	assert.Equal(t, baseMint, vaults.BaseMint)
	assert.Equal(t, quoteMint, vaults.QuoteMint)
	assert.Equal(t, int64(1_700_000_000), vaults.OpenTime.Unix())
}

func TestGetSignatureStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		result string
		want   string
	}{
		{"confirmed", `{"value":[{"confirmationStatus":"confirmed","err":null}]}`, "confirmed"},
		{"failed on chain", `{"value":[{"confirmationStatus":"confirmed","err":{"InstructionError":[0,"Custom"]}}]}`, "failed"},
		{"not yet seen", `{"value":[null]}`, "pending"},
		{"empty", `{"value":[]}`, "pending"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := rpcServer(t, map[string]string{"getSignatureStatuses": tc.result})
			defer srv.Close()
			c := fastClient(srv.URL)
			defer c.Close()

			status, err := c.GetSignatureStatus(context.Background(), "sig-x")
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
		})
	}
}

func TestSendTransactionReturnsSignature(t *testing.T) {
	srv, _ := rpcServer(t, map[string]string{
		"sendTransaction": `"5wHu1qwD4kVd6CFK3FwmQaL2aQB3sksfJ3nWC9Nmi5Nt"`,
	})
	defer srv.Close()

	c := fastClient(srv.URL)
	defer c.Close()

	sig, err := c.SendTransaction(context.Background(), "AQID")
	require.NoError(t, err)
	assert.Equal(t, Signature("5wHu1qwD4kVd6CFK3FwmQaL2aQB3sksfJ3nWC9Nmi5Nt"), sig)
}

func TestGetLatestBlockhash(t *testing.T) {
	srv, _ := rpcServer(t, map[string]string{
		"getLatestBlockhash": `{"value":{"blockhash":"EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"}}`,
	})
	defer srv.Close()

	c := fastClient(srv.URL)
	defer c.Close()

	hash, err := c.GetLatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N", hash)
}

func TestCallHonorsCallerContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := fastClient(srv.URL)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GetBalanceSOL(ctx, "some-account")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchPacedByMinCallGap(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		var req struct {
			ID int64 `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"value":12345}}`, req.ID)
	}))
	defer srv.Close()

	const gap = 20 * time.Millisecond
	c := NewQueuedClient(QueuedConfig{
		Endpoint:    srv.URL,
		Timeout:     2 * time.Second,
		MinCallGap:  gap,
		MaxRequeues: 1,
		QueueSize:   16,
	})
	defer c.Close()

	// Saturate the queue from several goroutines; only the dispatch loop's
	// pacing separates the requests.
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetBalanceSOL(context.Background(), "pacing-account")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Four calls need at least three full gaps end to end.
	assert.GreaterOrEqual(t, time.Since(start), 3*gap)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, arrivals, 4)
	sort.Slice(arrivals, func(i, j int) bool { return arrivals[i].Before(arrivals[j]) })
	for i := 1; i < len(arrivals); i++ {
		spacing := arrivals[i].Sub(arrivals[i-1])
		assert.GreaterOrEqual(t, spacing, gap-5*time.Millisecond,
			"calls %d and %d only %s apart", i-1, i, spacing)
	}
}
