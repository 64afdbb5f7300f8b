package solana

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Client interface
// All ledger reads and writes used by the settling service, the gate
// pipeline, and the execution engine go through this interface.
// Implementations: QueuedClient (live, rate limited), StubClient (tests).
// ---------------------------------------------------------------------------

// Client is the ledger RPC surface consumed by the sniper pipeline.
type Client interface {
	// GetTokenMeta fetches mint account state (decimals, supply, authorities).
	// Idempotent; live implementations may cache it for a short TTL.
	GetTokenMeta(ctx context.Context, mint Pubkey) (*TokenMeta, error)

	// GetTopHolders returns the largest token accounts for a mint.
	GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]Holder, error)

	// GetTokenAccountBalance returns the UI amount held by a token account.
	GetTokenAccountBalance(ctx context.Context, account Pubkey) (decimal.Decimal, error)

	// GetBalanceSOL returns an account's lamport balance in SOL.
	GetBalanceSOL(ctx context.Context, account Pubkey) (decimal.Decimal, error)

	// GetPoolVaults locates the reserve vault accounts of an AMM pool.
	GetPoolVaults(ctx context.Context, pool Pubkey) (*PoolVaults, error)

	// GetSignaturesForAddress lists recent transactions touching an address.
	GetSignaturesForAddress(ctx context.Context, addr Pubkey, limit int) ([]SignatureInfo, error)

	// GetTransaction fetches a decoded transaction summary.
	GetTransaction(ctx context.Context, sig Signature) (*TxSummary, error)

	// GetLatestBlockhash returns a recent blockhash for transaction building.
	GetLatestBlockhash(ctx context.Context) (string, error)

	// SendTransaction submits a signed, base64-encoded transaction.
	SendTransaction(ctx context.Context, txBase64 string) (Signature, error)

	// GetSignatureStatus returns pending|confirmed|finalized|failed.
	GetSignatureStatus(ctx context.Context, sig Signature) (string, error)

	// Health checks the endpoint.
	Health(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// Stub client (tests and -stub mode)
// ---------------------------------------------------------------------------

// StubClient is an in-memory Client for tests and dry development runs.
type StubClient struct {
	mu        sync.RWMutex
	tokens    map[Pubkey]*TokenMeta
	holders   map[Pubkey][]Holder
	balances  map[Pubkey]decimal.Decimal // token account -> UI amount
	lamports  map[Pubkey]decimal.Decimal // account -> SOL
	vaults    map[Pubkey]*PoolVaults
	sigs      map[Pubkey][]SignatureInfo
	txs       map[Signature]*TxSummary
	statuses  map[Signature]string
	failNext  int
	sendCount int
}

// NewStubClient creates an empty stub.
func NewStubClient() *StubClient {
	return &StubClient{
		tokens:   make(map[Pubkey]*TokenMeta),
		holders:  make(map[Pubkey][]Holder),
		balances: make(map[Pubkey]decimal.Decimal),
		lamports: make(map[Pubkey]decimal.Decimal),
		vaults:   make(map[Pubkey]*PoolVaults),
		sigs:     make(map[Pubkey][]SignatureInfo),
		txs:      make(map[Signature]*TxSummary),
		statuses: make(map[Signature]string),
	}
}

// SetToken registers mint state for the stub to return.
func (s *StubClient) SetToken(meta TokenMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[meta.Mint] = &meta
}

// SetHolders registers top holders for a mint.
func (s *StubClient) SetHolders(mint Pubkey, holders []Holder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[mint] = holders
}

// SetTokenBalance sets a token account's UI balance.
func (s *StubClient) SetTokenBalance(account Pubkey, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = amount
}

// SetBalanceSOL sets an account's SOL balance.
func (s *StubClient) SetBalanceSOL(account Pubkey, sol decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lamports[account] = sol
}

// SetVaults registers vault accounts for a pool.
func (s *StubClient) SetVaults(v PoolVaults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vaults[v.Pool] = &v
}

// SetSignatures registers transaction history for an address.
func (s *StubClient) SetSignatures(addr Pubkey, infos []SignatureInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs[addr] = infos
}

// SetTransaction registers a decoded transaction.
func (s *StubClient) SetTransaction(tx TxSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.Signature] = &tx
}

// SetStatus sets the confirmation status returned for a signature.
func (s *StubClient) SetStatus(sig Signature, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sig] = status
}

// FailNext makes the next n calls fail.
func (s *StubClient) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SendCount returns how many transactions were submitted.
func (s *StubClient) SendCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sendCount
}

func (s *StubClient) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return true
	}
	return false
}

func (s *StubClient) GetTokenMeta(_ context.Context, mint Pubkey) (*TokenMeta, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.tokens[mint]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, fmt.Errorf("stub: mint %s not found", mint)
}

func (s *StubClient) GetTopHolders(_ context.Context, mint Pubkey, limit int) ([]Holder, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.holders[mint]
	if len(h) > limit {
		h = h[:limit]
	}
	return h, nil
}

func (s *StubClient) GetTokenAccountBalance(_ context.Context, account Pubkey) (decimal.Decimal, error) {
	if s.shouldFail() {
		return decimal.Zero, fmt.Errorf("stub: simulated failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bal, ok := s.balances[account]
	if !ok {
		return decimal.Zero, fmt.Errorf("stub: token account %s not found", account)
	}
	return bal, nil
}

func (s *StubClient) GetBalanceSOL(_ context.Context, account Pubkey) (decimal.Decimal, error) {
	if s.shouldFail() {
		return decimal.Zero, fmt.Errorf("stub: simulated failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lamports[account], nil
}

func (s *StubClient) GetPoolVaults(_ context.Context, pool Pubkey) (*PoolVaults, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.vaults[pool]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, fmt.Errorf("stub: pool %s has no vaults", pool)
}

func (s *StubClient) GetSignaturesForAddress(_ context.Context, addr Pubkey, limit int) ([]SignatureInfo, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := s.sigs[addr]
	if len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

func (s *StubClient) GetTransaction(_ context.Context, sig Signature) (*TxSummary, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tx, ok := s.txs[sig]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, fmt.Errorf("stub: transaction %s not found", sig)
}

func (s *StubClient) GetLatestBlockhash(_ context.Context) (string, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated failure")
	}
	return "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N", nil
}

func (s *StubClient) SendTransaction(_ context.Context, _ string) (Signature, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated failure")
	}
	s.mu.Lock()
	s.sendCount++
	n := s.sendCount
	s.mu.Unlock()
	return Signature(fmt.Sprintf("stub-sig-%d-%d", n, time.Now().UnixNano())), nil
}

func (s *StubClient) GetSignatureStatus(_ context.Context, sig Signature) (string, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[sig]; ok {
		return st, nil
	}
	return "confirmed", nil
}

func (s *StubClient) Health(_ context.Context) error {
	if s.shouldFail() {
		return fmt.Errorf("stub: simulated failure")
	}
	return nil
}
