package jupiter

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Jupiter aggregator types — quotes, routes, swap transactions
// ---------------------------------------------------------------------------

// QuoteParams describes one requested swap leg.
type QuoteParams struct {
	InputMint   solana.Pubkey
	OutputMint  solana.Pubkey
	AmountRaw   decimal.Decimal // smallest unit of the input mint
	SlippageBps int
}

// Hop is one AMM traversal in a route.
type Hop struct {
	AMM     solana.Pubkey
	Label   string
	Percent int
}

// Quote is a parsed aggregator quote.
type Quote struct {
	InputMint      solana.Pubkey
	OutputMint     solana.Pubkey
	InAmountRaw    decimal.Decimal
	OutAmountRaw   decimal.Decimal
	PriceImpactPct float64
	SlippageBps    int
	Hops           []Hop
	ContextSlot    uint64

	raw []byte // original response body, replayed verbatim into /swap
}

// SwapTx is a built, unsigned swap transaction.
type SwapTx struct {
	TxBase64             string
	LastValidBlockHeight uint64
}

// Client is the aggregator surface the pipeline depends on.
type Client interface {
	// GetQuote fetches the best route for a swap leg.
	GetQuote(ctx context.Context, params QuoteParams) (*Quote, error)
	// BuildSwap turns a quote into an unsigned transaction for the wallet.
	BuildSwap(ctx context.Context, quote *Quote, priorityFee uint64) (*SwapTx, error)
	// GetPriceUSD returns the current USDC price of a mint.
	GetPriceUSD(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error)
}

// ---------------------------------------------------------------------------
// Stub client for tests
// ---------------------------------------------------------------------------

// StubClient returns canned quotes and prices.
type StubClient struct {
	mu      sync.Mutex
	quotes  map[string]*Quote // keyed by inputMint|outputMint
	prices  map[solana.Pubkey]decimal.Decimal
	failN   int
	swapTxs int
}

func NewStubClient() *StubClient {
	return &StubClient{
		quotes: make(map[string]*Quote),
		prices: make(map[solana.Pubkey]decimal.Decimal),
	}
}

func quoteKey(in, out solana.Pubkey) string { return string(in) + "|" + string(out) }

// SetQuote registers the quote returned for an input/output mint pair.
func (s *StubClient) SetQuote(in, out solana.Pubkey, q *Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.InputMint, q.OutputMint = in, out
	s.quotes[quoteKey(in, out)] = q
}

// SetPrice registers a token's USD price.
func (s *StubClient) SetPrice(mint solana.Pubkey, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[mint] = price
}

// FailNext makes the next n calls fail.
func (s *StubClient) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
}

// SwapCount reports how many swap transactions were built.
func (s *StubClient) SwapCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapTxs
}

func (s *StubClient) shouldFail() bool {
	if s.failN > 0 {
		s.failN--
		return true
	}
	return false
}

func (s *StubClient) GetQuote(_ context.Context, params QuoteParams) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return nil, fmt.Errorf("jupiter: stub failure")
	}
	q, ok := s.quotes[quoteKey(params.InputMint, params.OutputMint)]
	if !ok {
		return nil, fmt.Errorf("jupiter: no route %s -> %s", params.InputMint, params.OutputMint)
	}
	out := *q
	out.InAmountRaw = params.AmountRaw
	return &out, nil
}

func (s *StubClient) BuildSwap(_ context.Context, quote *Quote, _ uint64) (*SwapTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return nil, fmt.Errorf("jupiter: stub failure")
	}
	s.swapTxs++
	return &SwapTx{
		TxBase64: fmt.Sprintf("c3R1Yi1zd2FwLSVzLSVz|%s|%s", quote.InputMint, quote.OutputMint),
	}, nil
}

func (s *StubClient) GetPriceUSD(_ context.Context, mint solana.Pubkey) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return decimal.Zero, fmt.Errorf("jupiter: stub failure")
	}
	price, ok := s.prices[mint]
	if !ok {
		return decimal.Zero, fmt.Errorf("jupiter: no price for %s", mint)
	}
	return price, nil
}
