package solana

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// Well-known mints and programs.
const (
	SOLMint      Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint     Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	TokenProgram Pubkey = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

// LamportsPerSOL converts between lamports and SOL.
const LamportsPerSOL = 1_000_000_000

// Commitment levels for reads and subscriptions.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// ---------------------------------------------------------------------------
// Account & token types
// ---------------------------------------------------------------------------

// TokenMeta is the on-chain mint account state for an SPL token.
type TokenMeta struct {
	Mint            Pubkey          `json:"mint"`
	Decimals        uint8           `json:"decimals"`
	Supply          decimal.Decimal `json:"supply"`
	MintAuthority   Pubkey          `json:"mint_authority"`   // empty = revoked
	FreezeAuthority Pubkey          `json:"freeze_authority"` // empty = revoked
}

// MintRevoked reports whether new supply can no longer be created.
func (t TokenMeta) MintRevoked() bool { return t.MintAuthority == "" }

// FreezeRevoked reports whether holder accounts can no longer be frozen.
func (t TokenMeta) FreezeRevoked() bool { return t.FreezeAuthority == "" }

// Holder is one entry from getTokenLargestAccounts.
type Holder struct {
	Address  Pubkey          `json:"address"`
	Balance  decimal.Decimal `json:"balance"`
	SharePct float64         `json:"share_pct"` // % of total supply
}

// PoolVaults are the reserve-holding accounts of an AMM pool.
type PoolVaults struct {
	Pool       Pubkey    `json:"pool"`
	BaseVault  Pubkey    `json:"base_vault"`  // token side
	QuoteVault Pubkey    `json:"quote_vault"` // SOL/USDC side
	BaseMint   Pubkey    `json:"base_mint"`
	QuoteMint  Pubkey    `json:"quote_mint"`
	OpenTime   time.Time `json:"open_time"`
}

// SignatureInfo is one entry from getSignaturesForAddress.
type SignatureInfo struct {
	Signature Signature `json:"signature"`
	Slot      uint64    `json:"slot"`
	BlockTime int64     `json:"block_time"`
	Failed    bool      `json:"failed"`
}

// TxInstruction is one top-level instruction with its resolved accounts.
type TxInstruction struct {
	ProgramID Pubkey   `json:"program_id"`
	Accounts  []Pubkey `json:"accounts"`
}

// TxSummary is the decoded subset of getTransaction the pipeline needs:
// enough to attribute a swap to a wallet and to recover pool-init accounts.
type TxSummary struct {
	Signature    Signature       `json:"signature"`
	Slot         uint64          `json:"slot"`
	BlockTime    int64           `json:"block_time"`
	FeePayer     Pubkey          `json:"fee_payer"`
	Failed       bool            `json:"failed"`
	LogMessages  []string        `json:"log_messages"`
	Instructions []TxInstruction `json:"instructions"`
}

// ---------------------------------------------------------------------------
// DEX program registry
// ---------------------------------------------------------------------------

// Known DEX program IDs on Solana mainnet.
var dexPrograms = map[string]string{
	"raydium": "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", // Raydium AMM V4
	"pumpfun": "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P",  // Pump.fun
	"orca":    "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc",  // Orca Whirlpool
	"meteora": "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo",  // Meteora DLMM
}

var programToDEX = func() map[string]string {
	m := make(map[string]string, len(dexPrograms))
	for dex, pid := range dexPrograms {
		m[pid] = dex
	}
	return m
}()

// DEXProgramID returns the program ID for a known DEX name, or "".
func DEXProgramID(dex string) string { return dexPrograms[dex] }

// DEXForProgram returns the DEX name owning a program ID, or "unknown".
func DEXForProgram(programID string) string {
	if dex, ok := programToDEX[programID]; ok {
		return dex
	}
	return "unknown"
}
