package execution

import (
	"fmt"
	"sync/atomic"

	"github.com/meridian-trading/meridian/internal/solana"
)

// StubSigner is a Signer for tests and dry runs. It marks transactions as
// signed without touching key material.
type StubSigner struct {
	Wallet   solana.Pubkey
	failNext atomic.Int32
	signed   atomic.Int64
}

// NewStubSigner creates a stub wallet.
func NewStubSigner(wallet solana.Pubkey) *StubSigner {
	return &StubSigner{Wallet: wallet}
}

// FailNext makes the next n signing operations fail.
func (s *StubSigner) FailNext(n int) { s.failNext.Store(int32(n)) }

// Signed reports how many transactions were signed.
func (s *StubSigner) Signed() int64 { return s.signed.Load() }

func (s *StubSigner) shouldFail() bool {
	for {
		n := s.failNext.Load()
		if n <= 0 {
			return false
		}
		if s.failNext.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (s *StubSigner) Pubkey() solana.Pubkey { return s.Wallet }

func (s *StubSigner) SignBase64(txBase64 string) (string, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("signer: stub failure")
	}
	s.signed.Add(1)
	return "signed:" + txBase64, nil
}

func (s *StubSigner) BuildTransfer(to solana.Pubkey, lamports uint64) (string, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("signer: stub failure")
	}
	s.signed.Add(1)
	return fmt.Sprintf("signed:transfer:%s:%d", to, lamports), nil
}
