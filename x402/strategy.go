package x402

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects the verification strategy. The set is closed and chosen once at startup.
type Mode string

const (
	ModeSimulated   Mode = "simulated"
	ModeFacilitator Mode = "facilitator"
	ModeOnChain     Mode = "onchain"
)

// ParseMode validates a verification mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSimulated, ModeFacilitator, ModeOnChain:
		return m, nil
	}
	return "", fmt.Errorf("unknown payment mode %q", s)
}

// Strategy decides whether a proof is acceptable. Implementations never touch the
// Nonce Store or the Settlement Ledger.
//
// Validate always returns a result; err is a *Error exactly when the result is invalid.
type Strategy interface {
	Mode() Mode
	Validate(ctx context.Context, proof *PaymentProof, expected decimal.Decimal, resource string) (*ValidatedPayment, error)
}

// clock is shared by the engine and strategies so tests can pin time.
type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// amountMatches applies the declared-amount policy used by every strategy.
func amountMatches(declared, expected decimal.Decimal) bool {
	return declared.Sub(expected).Abs().LessThanOrEqual(AmountEpsilon)
}

func baseResult(proof *PaymentProof, resource string, now time.Time, cacheTTL time.Duration) *ValidatedPayment {
	return &ValidatedPayment{
		Proof:      *proof,
		Payer:      proof.Payer,
		Amount:     proof.Amount,
		Currency:   proof.Currency,
		Resource:   resource,
		VerifiedAt: now,
		ExpiresAt:  now.Add(cacheTTL),
	}
}

// reject marks result invalid with err and returns both for the caller's convenience.
func reject(result *ValidatedPayment, err *Error) (*ValidatedPayment, error) {
	result.Valid = false
	result.ErrorKind = err.Kind
	result.ErrorReason = err.Message()
	result.ErrorDetail = err.Detail
	return result, err
}
