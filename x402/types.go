package x402

// Payment challenge/proof types for metered resources.
// Facilitator wire types come from the official github.com/coinbase/x402/go module.

import (
	"time"

	x402sdk "github.com/coinbase/x402/go"
	"github.com/shopspring/decimal"
)

const (
	// ProtocolTag identifies challenges and proofs produced by this gateway.
	ProtocolTag = "x402"
	// X402Version is the facilitator protocol version used for verify/settle.
	X402Version = 2

	MetaKeyPayment         = "x402/payment"
	MetaKeyPaymentResponse = "x402/payment-response"
	MetaKeyPaymentRequired = "x402/payment-required"

	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentV2       = "PAYMENT-SIGNATURE"
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// The three windows below are independent. Never substitute one for another.
const (
	// DefaultChallengeTTL bounds how long an issued nonce stays in the Nonce Store.
	DefaultChallengeTTL = 5 * time.Minute
	// DefaultProofFreshness bounds the age of a proof timestamp (and of an on-chain transaction).
	DefaultProofFreshness = 5 * time.Minute
	// DefaultValidationCacheTTL bounds how long a validation result is replayed to retries on the same path.
	DefaultValidationCacheTTL = 5 * time.Minute
)

// MaxClockSkew is how far ahead of the verifier's clock a proof timestamp or a
// block time may be. Anything later is treated as outside the validity window.
const MaxClockSkew = 30 * time.Second

// AmountEpsilon is the tolerance between a declared amount and the expected price.
var AmountEpsilon = decimal.RequireFromString("0.001")

// Re-export official types for convenience
type (
	// VerifyResponse is the official x402 facilitator verify response
	VerifyResponse = x402sdk.VerifyResponse

	// SettleResponse is the official x402 facilitator settle response
	SettleResponse = x402sdk.SettleResponse

	// CAIP2 is the official x402 network identifier (CAIP-2 format)
	CAIP2 = x402sdk.Network
)

// Currency is a supported quote asset.
type Currency string

const (
	CurrencyUSDC Currency = "USDC"
	CurrencyUSDT Currency = "USDT"
)

// Network is a supported ledger network.
type Network string

const (
	NetworkSolana       Network = "solana"
	NetworkSolanaDevnet Network = "solana-devnet"
	NetworkBase         Network = "base"
	NetworkBaseSepolia  Network = "base-sepolia"
)

// PaymentChallenge is issued when a protected resource is requested without proof.
type PaymentChallenge struct {
	Protocol  string          `json:"protocol"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"currency"`
	Network   Network         `json:"network"`
	PayTo     string          `json:"payTo"`
	Nonce     string          `json:"nonce"`
	Resource  string          `json:"resource"`
	IssuedAt  time.Time       `json:"issuedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// PaymentProof is submitted by the client as evidence of payment.
type PaymentProof struct {
	Protocol             string          `json:"protocol"`
	Nonce                string          `json:"nonce"`
	Signature            string          `json:"signature"`
	Payer                string          `json:"payer"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             Currency        `json:"currency"`
	Network              Network         `json:"network"`
	Timestamp            time.Time       `json:"timestamp"`
	FacilitatorSignature string          `json:"facilitatorSignature,omitempty"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
}

// ValidatedPayment is the outcome of one validation attempt.
type ValidatedPayment struct {
	Valid       bool            `json:"valid"`
	Proof       PaymentProof    `json:"proof"`
	Payer       string          `json:"payer"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency"`
	Resource    string          `json:"resource"`
	VerifiedAt  time.Time       `json:"verifiedAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	ErrorKind   Kind            `json:"errorKind,omitempty"`
	ErrorReason string          `json:"error,omitempty"`
	ErrorDetail string          `json:"errorDetail,omitempty"`
	Transaction string          `json:"transaction,omitempty"`
	NetworkID   string          `json:"networkId,omitempty"`
	BlockTime   time.Time       `json:"blockTime,omitzero"`
}

// Err returns the typed error for an invalid result, or nil.
func (v *ValidatedPayment) Err() error {
	if v == nil || v.Valid {
		return nil
	}
	return &Error{Kind: v.ErrorKind, Detail: v.ErrorDetail}
}

// PaymentContext is handed to downstream handlers once a payment is verified.
type PaymentContext struct {
	Payer       string          `json:"payer"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency"`
	Resource    string          `json:"resource"`
	VerifiedAt  time.Time       `json:"verifiedAt"`
	Transaction string          `json:"transaction,omitempty"`
	NetworkID   string          `json:"networkId,omitempty"`
	BlockTime   time.Time       `json:"blockTime,omitzero"`
}

// Context builds the handler-facing summary of a successful validation.
func (v *ValidatedPayment) Context() PaymentContext {
	return PaymentContext{
		Payer:       v.Payer,
		Amount:      v.Amount,
		Currency:    v.Currency,
		Resource:    v.Resource,
		VerifiedAt:  v.VerifiedAt,
		Transaction: v.Transaction,
		NetworkID:   v.NetworkID,
		BlockTime:   v.BlockTime,
	}
}

// NonceMetadata is stored alongside an issued nonce.
type NonceMetadata struct {
	Resource  string          `json:"resource"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"currency"`
	Network   Network         `json:"network"`
	IssuedAt  time.Time       `json:"issuedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// SettlementRow is the durable audit record of a consumed proof.
type SettlementRow struct {
	ID          int64           `json:"id"`
	Nonce       string          `json:"nonce"`
	Payer       string          `json:"payer"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency"`
	Network     Network         `json:"network"`
	Resource    string          `json:"resource"`
	Proof       []byte          `json:"proof"`
	Transaction string          `json:"transaction,omitempty"`
	VerifiedAt  time.Time       `json:"verifiedAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	CreatedAt   time.Time       `json:"createdAt"`
}
