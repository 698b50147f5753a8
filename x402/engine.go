package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// DefaultValidateTimeout covers the on-chain retry ceiling plus a margin.
	DefaultValidateTimeout = 25 * time.Second
	// DefaultLedgerRetention is how long settlement rows are kept before a sweep may delete them.
	DefaultLedgerRetention = 7 * 24 * time.Hour

	nonceIssueAttempts = 3
)

// EngineConfig holds the payment requirement and the engine's time windows.
type EngineConfig struct {
	PayTo    string
	Network  Network
	Currency Currency

	ChallengeTTL    time.Duration
	CacheTTL        time.Duration
	ValidateTimeout time.Duration
	LedgerRetention time.Duration
}

// EngineDeps are the collaborators an Engine orchestrates. Nonces and Cache may be
// nil only when the strategy is simulated.
type EngineDeps struct {
	Strategy Strategy
	Nonces   NonceStore
	Cache    ValidationCache
	Ledger   Ledger
	Metrics  *Metrics
	Logger   *zap.Logger
}

// Engine issues challenges and validates proofs against them.
type Engine struct {
	cfg      EngineConfig
	strategy Strategy
	nonces   NonceStore
	cache    ValidationCache
	ledger   Ledger
	metrics  *Metrics
	logger   *zap.Logger

	now      clock
	newNonce func() (string, error)
}

// NewEngine validates deps and fills in default windows.
func NewEngine(deps EngineDeps, cfg EngineConfig) (*Engine, error) {
	if deps.Strategy == nil {
		return nil, errors.New("verification strategy is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("settlement ledger is required")
	}
	if deps.Strategy.Mode() != ModeSimulated && (deps.Nonces == nil || deps.Cache == nil) {
		return nil, fmt.Errorf("%s mode requires a nonce store and a validation cache", deps.Strategy.Mode())
	}
	if cfg.PayTo == "" {
		return nil, errors.New("pay-to address is required")
	}
	if _, err := Asset(cfg.Network, cfg.Currency); err != nil {
		return nil, err
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultValidationCacheTTL
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = DefaultValidateTimeout
	}
	if cfg.LedgerRetention <= 0 {
		cfg.LedgerRetention = DefaultLedgerRetention
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		strategy: deps.Strategy,
		nonces:   deps.Nonces,
		cache:    deps.Cache,
		ledger:   deps.Ledger,
		metrics:  deps.Metrics,
		logger:   logger.Named("x402"),
		newNonce: newNonce,
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Requirement describes the payment expected for resource at price.
func (e *Engine) Requirement(price decimal.Decimal, resource string) Requirement {
	return BuildRequirement(e.cfg.Network, e.cfg.Currency, e.cfg.PayTo, price, resource, e.cfg.ChallengeTTL)
}

// Mode returns the verification mode in use.
func (e *Engine) Mode() Mode { return e.strategy.Mode() }

// newNonce derives a nonce from time and random bits (UUIDv7).
func newNonce() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// CreateChallenge issues a single-use nonce for resource at price.
func (e *Engine) CreateChallenge(ctx context.Context, resource string, price decimal.Decimal) (*PaymentChallenge, error) {
	if !price.IsPositive() || price.GreaterThan(MaxAmount) {
		return nil, fmt.Errorf("price %s for %s is out of range", price.String(), resource)
	}

	issuedAt := e.now.now()
	challenge := &PaymentChallenge{
		Protocol:  ProtocolTag,
		Amount:    price,
		Currency:  e.cfg.Currency,
		Network:   e.cfg.Network,
		PayTo:     e.cfg.PayTo,
		Resource:  resource,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(e.cfg.ChallengeTTL),
	}
	meta := NonceMetadata{
		Resource:  resource,
		Amount:    price,
		Currency:  e.cfg.Currency,
		Network:   e.cfg.Network,
		IssuedAt:  challenge.IssuedAt,
		ExpiresAt: challenge.ExpiresAt,
	}

	for attempt := 1; ; attempt++ {
		nonce, err := e.newNonce()
		if err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
		challenge.Nonce = nonce
		if e.nonces == nil {
			break
		}
		err = e.nonces.Issue(ctx, nonce, meta, e.cfg.ChallengeTTL)
		if err == nil {
			break
		}
		if errors.Is(err, ErrNonceExists) && attempt < nonceIssueAttempts {
			continue
		}
		e.metrics.dependencyError("cache")
		e.logger.Error("nonce issue failed", zap.String("resource", resource), zap.Error(err))
		return nil, WrapError(KindCacheUnavailable, err)
	}

	e.metrics.challengeIssued()
	e.logger.Debug("challenge issued",
		zap.String("nonce", challenge.Nonce),
		zap.String("resource", resource),
		zap.String("amount", price.String()))
	return challenge, nil
}

// Validate decides whether proof pays expected for resource. It always returns a
// result; err is a *Error exactly when the result is invalid.
func (e *Engine) Validate(ctx context.Context, proof *PaymentProof, expected decimal.Decimal, resource string) (*ValidatedPayment, error) {
	if proof == nil {
		return nil, NewError(KindMalformedProof, "missing proof")
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ValidateTimeout)
	defer cancel()

	start := time.Now()
	result, err := e.validate(ctx, proof, expected, resource)
	elapsed := time.Since(start)

	fields := []zap.Field{
		zap.String("nonce", proof.Nonce),
		zap.String("resource", resource),
		zap.String("payer", proof.Payer),
		zap.Duration("elapsed", elapsed),
	}
	if err == nil {
		e.metrics.observeValidation(e.Mode(), "valid", elapsed)
		e.logger.Info("payment validated", append(fields, zap.String("transaction", result.Transaction))...)
		return result, nil
	}

	kind, _ := KindOf(err)
	e.metrics.observeValidation(e.Mode(), string(kind), elapsed)
	fields = append(fields, zap.String("kind", string(kind)), zap.Error(err))
	if kind.Dependency() {
		e.logger.Error("payment validation unavailable", fields...)
	} else {
		e.logger.Warn("payment rejected", fields...)
	}
	return result, err
}

func (e *Engine) validate(ctx context.Context, proof *PaymentProof, expected decimal.Decimal, resource string) (*ValidatedPayment, error) {
	result := baseResult(proof, resource, e.now.now(), e.cfg.CacheTTL)

	// 1. Idempotent retry of the same proof on the same resource. A different
	// proof under a cached nonce goes through the full checks.
	if e.cache != nil {
		cached, err := e.cache.Get(ctx, proof.Nonce, resource)
		if err != nil {
			e.metrics.dependencyError("cache")
			return reject(result, WrapError(KindCacheUnavailable, err))
		}
		if cached != nil && sameProof(&cached.Proof, proof) {
			return cached, cached.Err()
		}
	}

	// 2. The nonce must still be outstanding, and for this resource.
	if e.strategy.Mode() != ModeSimulated {
		meta, err := e.nonces.Peek(ctx, proof.Nonce)
		if err != nil {
			e.metrics.dependencyError("cache")
			return reject(result, WrapError(KindCacheUnavailable, err))
		}
		if meta == nil {
			return reject(result, NewError(KindUnknownOrExpiredNonce, ""))
		}
		if meta.Resource != resource {
			return reject(result, NewError(KindUnknownOrExpiredNonce, "nonce was issued for another resource"))
		}
	}

	// 3. The ledger is the record of consumed proofs.
	exists, err := e.ledger.Exists(ctx, proof.Nonce)
	if err != nil {
		e.metrics.dependencyError("ledger")
		return reject(result, WrapError(KindLedgerUnavailable, err))
	}
	if exists {
		return reject(result, NewError(KindReplayDetected, ""))
	}

	// 4. Strategy verdict.
	verdict, verr := e.strategy.Validate(ctx, proof, expected, resource)
	if verr != nil {
		kind, _ := KindOf(verr)
		if kind.Dependency() {
			e.metrics.dependencyError(dependencyLabel(kind))
			return verdict, verr
		}
		e.remember(ctx, verdict)
		return verdict, verr
	}

	// 5. Only one concurrent validation of a nonce can insert.
	if rerr := e.settle(ctx, verdict); rerr != nil {
		return reject(verdict, rerr)
	}

	// 6. A failed consume leaves a stale nonce that the ledger still rejects.
	if e.nonces != nil {
		if err := e.nonces.Consume(ctx, proof.Nonce); err != nil {
			e.metrics.dependencyError("cache")
			e.logger.Warn("nonce consume failed", zap.String("nonce", proof.Nonce), zap.Error(err))
		}
	}

	// 7.
	e.remember(ctx, verdict)
	return verdict, nil
}

// settle writes the ledger row. Losing a race is ReplayDetected; an insert error
// is re-checked against the ledger before being reported as an outage.
func (e *Engine) settle(ctx context.Context, verdict *ValidatedPayment) *Error {
	proofJSON, err := json.Marshal(verdict.Proof)
	if err != nil {
		return &Error{Kind: KindMalformedProof, Detail: "proof cannot be recorded", Err: err}
	}
	row := &SettlementRow{
		Nonce:       verdict.Proof.Nonce,
		Payer:       verdict.Payer,
		Amount:      verdict.Amount,
		Currency:    verdict.Currency,
		Network:     verdict.Proof.Network,
		Resource:    verdict.Resource,
		Proof:       proofJSON,
		Transaction: verdict.Transaction,
		VerifiedAt:  verdict.VerifiedAt,
		ExpiresAt:   verdict.VerifiedAt.Add(e.cfg.LedgerRetention),
	}

	res, err := e.ledger.TryInsert(ctx, row)
	if err != nil {
		e.metrics.dependencyError("ledger")
		exists, xerr := e.ledger.Exists(ctx, row.Nonce)
		if xerr == nil && exists {
			return NewError(KindReplayDetected, "")
		}
		if verdict.Transaction != "" {
			// Settlement already happened upstream; keep enough to reconcile by hand.
			e.logger.Error("settled payment could not be recorded",
				zap.String("nonce", row.Nonce),
				zap.String("payer", row.Payer),
				zap.String("transaction", row.Transaction),
				zap.Error(err))
		}
		return WrapError(KindLedgerUnavailable, err)
	}
	if res == AlreadyExists {
		return NewError(KindReplayDetected, "")
	}
	return nil
}

// remember caches a strategy verdict for retries. Failures are logged only.
func (e *Engine) remember(ctx context.Context, verdict *ValidatedPayment) {
	if e.cache == nil || verdict == nil {
		return
	}
	if err := e.cache.Put(ctx, verdict, e.cfg.CacheTTL); err != nil {
		e.metrics.dependencyError("cache")
		e.logger.Warn("validation cache write failed",
			zap.String("nonce", verdict.Proof.Nonce),
			zap.String("resource", verdict.Resource),
			zap.Error(err))
	}
}

// sameProof reports whether two proofs carry the same payment claim.
func sameProof(a, b *PaymentProof) bool {
	return a.Nonce == b.Nonce &&
		a.Signature == b.Signature &&
		a.Payer == b.Payer &&
		a.Amount.Equal(b.Amount) &&
		a.Currency == b.Currency &&
		a.Network == b.Network &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.FacilitatorSignature == b.FacilitatorSignature
}

func dependencyLabel(kind Kind) string {
	switch kind {
	case KindFacilitatorUnavailable:
		return "facilitator"
	case KindLedgerUnavailable:
		return "ledger"
	default:
		return "cache"
	}
}
