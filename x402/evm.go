package x402

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)").
var erc20TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMClient is the subset of *ethclient.Client the fetcher needs.
type EVMClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
}

// NewEVMClient dials an EVM JSON-RPC endpoint. Tests override it.
var NewEVMClient = func(ctx context.Context, rpcURL string) (EVMClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// EVMFetcher reads ERC-20 transfers from mined transactions.
type EVMFetcher struct {
	client EVMClient
}

// NewEVMFetcher wraps an EVM client.
func NewEVMFetcher(client EVMClient) *EVMFetcher {
	return &EVMFetcher{client: client}
}

// FetchTransaction implements TransactionFetcher.
func (f *EVMFetcher) FetchTransaction(ctx context.Context, reference string) (*ChainTransaction, error) {
	raw, err := hexutil.Decode(reference)
	if err != nil || len(raw) != common.HashLength {
		return nil, fmt.Errorf("%w: expected a 32-byte transaction hash", ErrInvalidReference)
	}
	hash := common.BytesToHash(raw)

	tx, pending, err := f.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && pending) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	receipt, err := f.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	header, err := f.client.HeaderByHash(ctx, receipt.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("get block header: %w", err)
	}

	out := &ChainTransaction{
		Reference: hash.Hex(),
		Failed:    receipt.Status == types.ReceiptStatusFailed,
		BlockTime: time.Unix(int64(header.Time), 0).UTC(),
	}
	if from, err := txSender(tx); err == nil {
		out.Signers = []string{from.Hex()}
	}
	out.Transfers = erc20Transfers(receipt.Logs)
	return out, nil
}

func txSender(tx *types.Transaction) (common.Address, error) {
	var signer types.Signer = types.HomesteadSigner{}
	if tx.Protected() {
		signer = types.LatestSignerForChainID(tx.ChainId())
	}
	return types.Sender(signer, tx)
}

func erc20Transfers(logs []*types.Log) []TokenTransfer {
	var out []TokenTransfer
	for _, l := range logs {
		if l == nil || len(l.Topics) != 3 || l.Topics[0] != erc20TransferTopic || len(l.Data) != 32 {
			continue
		}
		out = append(out, TokenTransfer{
			Asset:  l.Address.Hex(),
			From:   common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			To:     common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
			Amount: new(big.Int).SetBytes(l.Data),
		})
	}
	return out
}
