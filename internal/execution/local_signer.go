package execution

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	sgo "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/meridian-trading/meridian/internal/solana"
)

// LocalSigner signs with an in-process ed25519 keypair. The swap transaction
// arrives fully built from the quote aggregator; tip transfers are built
// from scratch against a fresh blockhash.
type LocalSigner struct {
	key    sgo.PrivateKey
	client solana.Client
}

// NewLocalSigner parses a base58-encoded private key. The client is used to
// fetch blockhashes for tip transfers.
func NewLocalSigner(privateKeyBase58 string, client solana.Client) (*LocalSigner, error) {
	key, err := sgo.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}
	return &LocalSigner{key: key, client: client}, nil
}

func (s *LocalSigner) Pubkey() solana.Pubkey {
	return solana.Pubkey(s.key.PublicKey().String())
}

func (s *LocalSigner) SignBase64(txBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("signer: decode transaction: %w", err)
	}

	tx, err := sgo.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("signer: parse transaction: %w", err)
	}

	if _, err := tx.Sign(s.resolve); err != nil {
		return "", fmt.Errorf("signer: sign: %w", err)
	}

	signed, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("signer: marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signed), nil
}

func (s *LocalSigner) BuildTransfer(to solana.Pubkey, lamports uint64) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blockhash, err := s.client.GetLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("signer: blockhash: %w", err)
	}
	hash, err := sgo.HashFromBase58(blockhash)
	if err != nil {
		return "", fmt.Errorf("signer: parse blockhash: %w", err)
	}
	dest, err := sgo.PublicKeyFromBase58(string(to))
	if err != nil {
		return "", fmt.Errorf("signer: parse destination: %w", err)
	}

	tx, err := sgo.NewTransaction(
		[]sgo.Instruction{
			system.NewTransferInstruction(lamports, s.key.PublicKey(), dest).Build(),
		},
		hash,
		sgo.TransactionPayer(s.key.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("signer: build transfer: %w", err)
	}

	if _, err := tx.Sign(s.resolve); err != nil {
		return "", fmt.Errorf("signer: sign transfer: %w", err)
	}

	signed, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("signer: marshal transfer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signed), nil
}

func (s *LocalSigner) resolve(pub sgo.PublicKey) *sgo.PrivateKey {
	if pub.Equals(s.key.PublicKey()) {
		return &s.key
	}
	return nil
}
