package x402

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultOnChainAttempts      = 10
	DefaultOnChainRetryInterval = 2 * time.Second
)

// ErrTransactionNotFound is returned by a TransactionFetcher when the ledger has
// not indexed the reference (yet).
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrInvalidReference is returned by a TransactionFetcher for references that can
// never resolve on its network. It is not retried.
var ErrInvalidReference = errors.New("invalid transaction reference")

// TokenTransfer is one fungible-asset movement inside a transaction.
// To is the owner of the receiving account, not the token account.
type TokenTransfer struct {
	Asset  string
	From   string
	To     string
	Amount *big.Int
}

// ChainTransaction is the chain-neutral view of a confirmed transaction.
type ChainTransaction struct {
	Reference string
	Failed    bool
	BlockTime time.Time
	Signers   []string
	Transfers []TokenTransfer
}

// TransactionFetcher loads a transaction by reference from a ledger network.
type TransactionFetcher interface {
	FetchTransaction(ctx context.Context, reference string) (*ChainTransaction, error)
}

// OnChainOptions configures an OnChainStrategy.
type OnChainOptions struct {
	PayTo         string
	Network       Network
	Currency      Currency
	Freshness     time.Duration
	CacheTTL      time.Duration
	Attempts      int
	RetryInterval time.Duration
}

// OnChainStrategy verifies a payment by reading the transaction from the ledger itself.
type OnChainStrategy struct {
	fetcher TransactionFetcher
	opts    OnChainOptions
	asset   AssetInfo
	logger  *zap.Logger

	now   clock
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOnChainStrategy builds a direct on-chain strategy over fetcher.
func NewOnChainStrategy(fetcher TransactionFetcher, opts OnChainOptions, logger *zap.Logger) (*OnChainStrategy, error) {
	if fetcher == nil {
		return nil, errors.New("transaction fetcher is required")
	}
	if opts.PayTo == "" {
		return nil, errors.New("pay-to address is required")
	}
	asset, err := Asset(opts.Network, opts.Currency)
	if err != nil {
		return nil, err
	}
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultProofFreshness
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultValidationCacheTTL
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultOnChainAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultOnChainRetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OnChainStrategy{
		fetcher: fetcher,
		opts:    opts,
		asset:   asset,
		logger:  logger,
		sleep:   sleepContext,
	}, nil
}

func (s *OnChainStrategy) Mode() Mode { return ModeOnChain }

// Validate fetches the referenced transaction and checks it against the requirement.
func (s *OnChainStrategy) Validate(ctx context.Context, proof *PaymentProof, expected decimal.Decimal, resource string) (*ValidatedPayment, error) {
	result := baseResult(proof, resource, s.now.now(), s.opts.CacheTTL)
	result.NetworkID = string(s.opts.Network.CAIP2ID())

	if !amountMatches(proof.Amount, expected) {
		return reject(result, NewError(KindAmountMismatch,
			fmt.Sprintf("expected %s, got %s", expected.String(), proof.Amount.String())))
	}
	if proof.Network != s.opts.Network {
		return reject(result, NewError(KindNoTransferFound,
			fmt.Sprintf("payments are accepted on %s only", s.opts.Network)))
	}
	reference := strings.TrimSpace(proof.Signature)
	if reference == "" {
		return reject(result, NewError(KindTransactionNotFound, "missing transaction reference"))
	}

	tx, err := s.fetch(ctx, reference)
	if err != nil {
		return reject(result, err)
	}
	result.Transaction = tx.Reference

	// The clock is read after the fetch so retry time counts toward the transaction's age.
	now := s.now.now()
	if tx.Failed {
		return reject(result, NewError(KindTransactionFailed, ""))
	}
	if tx.BlockTime.IsZero() || now.Sub(tx.BlockTime) > s.opts.Freshness {
		return reject(result, NewError(KindTransactionTooOld,
			fmt.Sprintf("limit is %s", s.opts.Freshness)))
	}
	if tx.BlockTime.Sub(now) > MaxClockSkew {
		return reject(result, NewError(KindTransactionTooOld, "block time is in the future"))
	}

	transfer, err := s.matchTransfer(tx)
	if err != nil {
		return reject(result, err)
	}
	required := s.asset.ToAtomic(expected)
	if transfer.Amount.Cmp(required) < 0 {
		return reject(result, NewError(KindInsufficientAmount,
			fmt.Sprintf("required %s, transferred %s", expected.String(), s.asset.FromAtomic(transfer.Amount).String())))
	}
	if !s.isSigner(tx, proof.Payer) {
		return reject(result, NewError(KindSenderMismatch, ""))
	}

	result.Valid = true
	result.Amount = s.asset.FromAtomic(transfer.Amount)
	result.BlockTime = tx.BlockTime.UTC()
	return result, nil
}

// fetch retries at a fixed interval; the lag it waits out is ledger indexing, not load.
func (s *OnChainStrategy) fetch(ctx context.Context, reference string) (*ChainTransaction, *Error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		tx, err := s.fetcher.FetchTransaction(ctx, reference)
		if err == nil && tx != nil {
			return tx, nil
		}
		if err == nil {
			err = ErrTransactionNotFound
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ErrInvalidReference) {
			break
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			s.logger.Warn("transaction fetch failed",
				zap.String("reference", reference),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		if attempt == s.opts.Attempts {
			break
		}
		if err := s.sleep(ctx, s.opts.RetryInterval); err != nil {
			lastErr = err
			break
		}
	}

	switch {
	case errors.Is(lastErr, ErrInvalidReference):
		return nil, NewError(KindTransactionNotFound, "invalid transaction reference")
	case errors.Is(lastErr, ErrTransactionNotFound):
		return nil, NewError(KindTransactionNotFound, "")
	case ctx.Err() != nil:
		return nil, &Error{Kind: KindTransactionNotFound, Detail: "lookup was cancelled", Err: ctx.Err()}
	default:
		return nil, WrapError(KindLedgerUnavailable, lastErr)
	}
}

func (s *OnChainStrategy) matchTransfer(tx *ChainTransaction) (TokenTransfer, *Error) {
	var matches []TokenTransfer
	for _, t := range tx.Transfers {
		if t.Amount == nil {
			continue
		}
		if sameAddress(s.opts.Network, t.Asset, s.asset.Address) && sameAddress(s.opts.Network, t.To, s.opts.PayTo) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return TokenTransfer{}, NewError(KindNoTransferFound, "")
	default:
		return TokenTransfer{}, NewError(KindNoTransferFound, "transaction contains more than one matching transfer")
	}
}

func (s *OnChainStrategy) isSigner(tx *ChainTransaction, payer string) bool {
	for _, signer := range tx.Signers {
		if sameAddress(s.opts.Network, signer, payer) {
			return true
		}
	}
	return false
}

// sameAddress compares addresses the way the network spells them: EVM hex is
// case-insensitive, base58 is not.
func sameAddress(network Network, a, b string) bool {
	if network.Family() == FamilyEVM {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
