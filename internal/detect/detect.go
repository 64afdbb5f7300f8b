package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/mr-tron/base58"
)

// ---------------------------------------------------------------------------
// Detection layer — four independent sources racing to report new pools.
// Every source emits the same minimal tuple; deduplication happens in the
// coordinator, never here.
// ---------------------------------------------------------------------------

// Layer tags.
const (
	LayerWSAccount = "ws-account"
	LayerWSLogs    = "ws-logs"
	LayerHistory   = "history"
	LayerPairs     = "pairs"
)

// Event is one possible-new-pool observation. Mint may be empty when the
// source cannot resolve it; the settling phase fills it in from vault state.
type Event struct {
	Pool       solana.Pubkey
	Mint       solana.Pubkey
	Signature  solana.Signature
	Slot       uint64
	DEX        string
	Layer      string
	DetectedAt time.Time
}

// Source is one detection producer. Run blocks until the context ends,
// emitting events on the channel it was constructed with.
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

// validPubkey reports whether s decodes to a 32-byte key.
func validPubkey(s solana.Pubkey) bool {
	raw, err := base58.Decode(string(s))
	return err == nil && len(raw) == 32
}

// Pool-initialization log markers per DEX.
func isPoolInitLogs(logs []string) bool {
	hasCreate := false
	hasInitMint := false
	for _, l := range logs {
		// Raydium AMM V4.
		if strings.Contains(l, "InitializeInstruction2") || strings.Contains(l, "initialize2") {
			return true
		}
		// Orca Whirlpool.
		if strings.Contains(l, "InitializePool") {
			return true
		}
		// Meteora DLMM.
		if strings.Contains(l, "InitializeLbPair") {
			return true
		}
		// Pump.fun needs both markers, possibly on separate lines.
		if strings.Contains(l, "Create") {
			hasCreate = true
		}
		if strings.Contains(l, "InitializeMint2") {
			hasInitMint = true
		}
	}
	return hasCreate && hasInitMint
}

// Raydium initialize2 account positions.
const (
	raydiumInitPoolIdx      = 4
	raydiumInitBaseMintIdx  = 8
	raydiumInitQuoteMintIdx = 9
)

// resolveInitAccounts extracts the pool and token mint from a decoded
// pool-creation transaction. Unknown layouts return an error; callers drop
// the event.
func resolveInitAccounts(tx *solana.TxSummary) (pool, mint solana.Pubkey, err error) {
	for _, inst := range tx.Instructions {
		if solana.DEXForProgram(string(inst.ProgramID)) == "unknown" {
			continue
		}
		if len(inst.Accounts) <= raydiumInitQuoteMintIdx {
			continue
		}
		pool = inst.Accounts[raydiumInitPoolIdx]
		base := inst.Accounts[raydiumInitBaseMintIdx]
		quote := inst.Accounts[raydiumInitQuoteMintIdx]

		mint = base
		if mint == solana.SOLMint {
			mint = quote
		}
		if !validPubkey(pool) || !validPubkey(mint) {
			return "", "", fmt.Errorf("detect: malformed init accounts in %s", tx.Signature)
		}
		return pool, mint, nil
	}
	return "", "", fmt.Errorf("detect: no pool-init instruction in %s", tx.Signature)
}
