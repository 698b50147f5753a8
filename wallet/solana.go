// Package wallet reads public account data from Solana. It backs the metered
// wallet endpoints and MCP tools.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

const (
	DefaultSignatureLimit = 10
	MaxSignatureLimit     = 100
)

// ErrInvalidAddress is returned for strings that are not base58 public keys.
var ErrInvalidAddress = errors.New("invalid solana address")

// Balance is the native balance of an account.
type Balance struct {
	Address  string          `json:"address"`
	Lamports uint64          `json:"lamports"`
	SOL      decimal.Decimal `json:"sol"`
	Slot     uint64          `json:"slot"`
}

// Activity is one transaction touching an account.
type Activity struct {
	Signature string     `json:"signature"`
	Slot      uint64     `json:"slot"`
	BlockTime *time.Time `json:"blockTime,omitempty"`
	Failed    bool       `json:"failed"`
	Memo      string     `json:"memo,omitempty"`
}

// Reader is the read side used by handlers.
type Reader interface {
	Balance(ctx context.Context, address string) (*Balance, error)
	RecentActivity(ctx context.Context, address string, limit int) ([]Activity, error)
}

type solanaRPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
}

// SolanaReader implements Reader over a JSON-RPC endpoint.
type SolanaReader struct {
	client     solanaRPC
	commitment rpc.CommitmentType
}

func NewSolanaReader(url string) *SolanaReader {
	return &SolanaReader{client: rpc.New(url), commitment: rpc.CommitmentConfirmed}
}

func (r *SolanaReader) Balance(ctx context.Context, address string) (*Balance, error) {
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	res, err := r.client.GetBalance(ctx, key, r.commitment)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &Balance{
		Address:  key.String(),
		Lamports: res.Value,
		SOL:      decimal.NewFromBigInt(new(big.Int).SetUint64(res.Value), -9),
		Slot:     res.Context.Slot,
	}, nil
}

// RecentActivity lists the newest signatures for address. limit is clamped to
// [1, MaxSignatureLimit]; zero means DefaultSignatureLimit.
func (r *SolanaReader) RecentActivity(ctx context.Context, address string, limit int) ([]Activity, error) {
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	limit = clampLimit(limit)
	sigs, err := r.client.GetSignaturesForAddressWithOpts(ctx, key, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: r.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("get signatures: %w", err)
	}

	out := make([]Activity, 0, len(sigs))
	for _, s := range sigs {
		if s == nil {
			continue
		}
		a := Activity{
			Signature: s.Signature.String(),
			Slot:      s.Slot,
			Failed:    s.Err != nil,
		}
		if s.BlockTime != nil {
			t := s.BlockTime.Time().UTC()
			a.BlockTime = &t
		}
		if s.Memo != nil {
			a.Memo = *s.Memo
		}
		out = append(out, a)
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultSignatureLimit
	case limit > MaxSignatureLimit:
		return MaxSignatureLimit
	}
	return limit
}
