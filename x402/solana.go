package x402

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SPL token instruction tags.
const (
	splTransfer        = 3
	splTransferChecked = 12
)

// solanaRPC is the subset of *rpc.Client the fetcher needs.
type solanaRPC interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// SolanaFetcher reads confirmed transactions from a Solana RPC node.
type SolanaFetcher struct {
	client     solanaRPC
	commitment rpc.CommitmentType
}

// NewSolanaFetcher builds a fetcher over the RPC endpoint at url.
func NewSolanaFetcher(url string) *SolanaFetcher {
	return &SolanaFetcher{client: rpc.New(url), commitment: rpc.CommitmentConfirmed}
}

// FetchTransaction implements TransactionFetcher.
func (f *SolanaFetcher) FetchTransaction(ctx context.Context, reference string) (*ChainTransaction, error) {
	sig, err := solana.SignatureFromBase58(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	maxVersion := uint64(0)
	res, err := f.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     f.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if res.Transaction == nil || res.Meta == nil {
		return nil, ErrTransactionNotFound
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	out, err := parseSolanaTransaction(tx, res.Meta)
	if err != nil {
		return nil, err
	}
	out.Reference = reference
	if res.BlockTime != nil {
		out.BlockTime = res.BlockTime.Time().UTC()
	}
	return out, nil
}

// parseSolanaTransaction extracts SPL token transfers from top-level and inner
// instructions. Owners and mints come from the post token balances, since the
// instruction itself only names token accounts.
func parseSolanaTransaction(tx *solana.Transaction, meta *rpc.TransactionMeta) (*ChainTransaction, error) {
	if tx == nil || meta == nil {
		return nil, ErrTransactionNotFound
	}

	keys := make(solana.PublicKeySlice, 0, len(tx.Message.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, meta.LoadedAddresses.Writable...)
	keys = append(keys, meta.LoadedAddresses.ReadOnly...)

	owners := make(map[uint16]solana.PublicKey)
	mints := make(map[uint16]solana.PublicKey)
	for _, bal := range append(append([]rpc.TokenBalance{}, meta.PreTokenBalances...), meta.PostTokenBalances...) {
		mints[bal.AccountIndex] = bal.Mint
		if bal.Owner != nil {
			owners[bal.AccountIndex] = *bal.Owner
		}
	}

	out := &ChainTransaction{Failed: meta.Err != nil}
	signers := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < signers && i < len(keys); i++ {
		out.Signers = append(out.Signers, keys[i].String())
	}

	p := splParser{keys: keys, owners: owners, mints: mints}
	for _, ix := range tx.Message.Instructions {
		p.parse(ix.ProgramIDIndex, ix.Accounts, ix.Data)
	}
	for _, inner := range meta.InnerInstructions {
		for _, ix := range inner.Instructions {
			p.parse(ix.ProgramIDIndex, ix.Accounts, ix.Data)
		}
	}
	out.Transfers = p.transfers
	return out, nil
}

type splParser struct {
	keys      solana.PublicKeySlice
	owners    map[uint16]solana.PublicKey
	mints     map[uint16]solana.PublicKey
	transfers []TokenTransfer
}

func (p *splParser) key(idx uint16) (solana.PublicKey, bool) {
	if int(idx) >= len(p.keys) {
		return solana.PublicKey{}, false
	}
	return p.keys[idx], true
}

func (p *splParser) parse(programIdx uint16, accounts []uint16, data []byte) {
	program, ok := p.key(programIdx)
	if !ok || (!program.Equals(solana.TokenProgramID) && !program.Equals(solana.Token2022ProgramID)) {
		return
	}
	if len(data) < 9 {
		return
	}
	amount := new(big.Int).SetUint64(binary.LittleEndian.Uint64(data[1:9]))

	var source, destination, authority uint16
	var mint solana.PublicKey
	switch data[0] {
	case splTransferChecked:
		// source, mint, destination, owner
		if len(data) < 10 || len(accounts) < 4 {
			return
		}
		source, destination, authority = accounts[0], accounts[2], accounts[3]
		if mint, ok = p.key(accounts[1]); !ok {
			return
		}
	case splTransfer:
		// source, destination, owner
		if len(accounts) < 3 {
			return
		}
		source, destination, authority = accounts[0], accounts[1], accounts[2]
		if mint, ok = p.mints[destination]; !ok {
			return
		}
	default:
		return
	}

	to, ok := p.owners[destination]
	if !ok {
		if to, ok = p.key(destination); !ok {
			return
		}
	}
	from, ok := p.key(authority)
	if !ok {
		if from, ok = p.owners[source]; !ok {
			return
		}
	}
	p.transfers = append(p.transfers, TokenTransfer{
		Asset:  mint.String(),
		From:   from.String(),
		To:     to.String(),
		Amount: amount,
	})
}
