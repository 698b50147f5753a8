package x402

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MinSignatureLength is the shortest signature the simulated strategy accepts.
const MinSignatureLength = 10

// SimulatedStrategy checks business rules only and never calls out.
type SimulatedStrategy struct {
	Freshness time.Duration
	CacheTTL  time.Duration

	now clock
}

// NewSimulatedStrategy builds a simulated strategy. Zero windows fall back to the defaults.
func NewSimulatedStrategy(freshness, cacheTTL time.Duration) *SimulatedStrategy {
	if freshness <= 0 {
		freshness = DefaultProofFreshness
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultValidationCacheTTL
	}
	return &SimulatedStrategy{Freshness: freshness, CacheTTL: cacheTTL}
}

func (s *SimulatedStrategy) Mode() Mode { return ModeSimulated }

// Validate runs every check and reports the first failure in the order
// amount, freshness, signature.
func (s *SimulatedStrategy) Validate(_ context.Context, proof *PaymentProof, expected decimal.Decimal, resource string) (*ValidatedPayment, error) {
	now := s.now.now()
	result := baseResult(proof, resource, now, s.CacheTTL)

	var failures []*Error
	if !amountMatches(proof.Amount, expected) {
		failures = append(failures, NewError(KindAmountMismatch,
			fmt.Sprintf("expected %s, got %s", expected.String(), proof.Amount.String())))
	}
	switch age := now.Sub(proof.Timestamp); {
	case age > s.Freshness:
		failures = append(failures, NewError(KindProofExpired,
			fmt.Sprintf("proof is %s old, limit is %s", age.Truncate(time.Second), s.Freshness)))
	case age < -MaxClockSkew:
		failures = append(failures, NewError(KindProofExpired, "proof is dated in the future"))
	}
	if len(proof.Signature) < MinSignatureLength {
		failures = append(failures, NewError(KindInvalidSignature, ""))
	}
	if len(failures) > 0 {
		return reject(result, failures[0])
	}

	result.Valid = true
	result.NetworkID = string(proof.Network.CAIP2ID())
	return result, nil
}
