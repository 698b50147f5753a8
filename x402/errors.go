package x402

import (
	"errors"
	"net/http"
)

// Kind classifies every way a payment can be refused.
type Kind string

const (
	KindMalformedProof         Kind = "malformed_proof"
	KindUnknownOrExpiredNonce  Kind = "unknown_or_expired_nonce"
	KindReplayDetected         Kind = "replay_detected"
	KindAmountMismatch         Kind = "amount_mismatch"
	KindProofExpired           Kind = "proof_expired"
	KindInvalidSignature       Kind = "invalid_signature"
	KindFacilitatorRejected    Kind = "facilitator_rejected"
	KindTransactionNotFound    Kind = "transaction_not_found"
	KindTransactionFailed      Kind = "transaction_failed"
	KindTransactionTooOld      Kind = "transaction_too_old"
	KindNoTransferFound        Kind = "no_transfer_found"
	KindInsufficientAmount     Kind = "insufficient_amount"
	KindSenderMismatch         Kind = "sender_mismatch"
	KindFacilitatorUnavailable Kind = "facilitator_unavailable"
	KindLedgerUnavailable      Kind = "ledger_unavailable"
	KindCacheUnavailable       Kind = "cache_unavailable"
)

var reasons = map[Kind]string{
	KindMalformedProof:         "Malformed payment proof",
	KindUnknownOrExpiredNonce:  "Unknown or expired nonce",
	KindReplayDetected:         "Payment proof replay detected",
	KindAmountMismatch:         "Amount mismatch",
	KindProofExpired:           "Payment proof expired",
	KindInvalidSignature:       "Invalid payment signature",
	KindFacilitatorRejected:    "Payment rejected by facilitator",
	KindTransactionNotFound:    "Transaction not found",
	KindTransactionFailed:      "Transaction failed on-chain",
	KindTransactionTooOld:      "Transaction too old",
	KindNoTransferFound:        "No matching token transfer found",
	KindInsufficientAmount:     "Insufficient payment amount",
	KindSenderMismatch:         "Payer is not a transaction signer",
	KindFacilitatorUnavailable: "Payment facilitator unavailable",
	KindLedgerUnavailable:      "Settlement ledger unavailable",
	KindCacheUnavailable:       "Payment cache unavailable",
}

// Reason returns the fixed client-visible reason string.
func (k Kind) Reason() string {
	if r, ok := reasons[k]; ok {
		return r
	}
	return "Payment invalid"
}

// Status returns the HTTP status code the gate responds with.
func (k Kind) Status() int {
	switch k {
	case KindMalformedProof:
		return http.StatusBadRequest
	case KindFacilitatorUnavailable:
		return http.StatusBadGateway
	case KindLedgerUnavailable, KindCacheUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

// Dependency reports whether the kind is an infrastructure failure rather than a bad payment.
func (k Kind) Dependency() bool {
	switch k {
	case KindFacilitatorUnavailable, KindLedgerUnavailable, KindCacheUnavailable:
		return true
	}
	return false
}

// Error is the typed failure returned across the engine boundary.
//
// Detail is safe to show to clients; Err is internal and only reaches logs.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// NewError creates an Error of the given kind with a client-safe detail.
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WrapError attaches an internal cause to an Error of the given kind.
func WrapError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Message is the client-visible text: the fixed reason plus an optional detail.
func (e *Error) Message() string {
	if e.Detail == "" {
		return e.Kind.Reason()
	}
	return e.Kind.Reason() + ": " + e.Detail
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message()
	}
	return e.Message() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for the error kind.
func (e *Error) Status() int {
	return e.Kind.Status()
}

// KindOf extracts the Kind from err. The second result is false for untyped errors.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
