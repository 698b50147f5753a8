package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	solana "github.com/gagliardetto/solana-go"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	maxTokenLength = 16 << 10
	maxMetadataLen = 4 << 10
)

// MaxAmount bounds any amount carried by a challenge or proof.
var MaxAmount = decimal.NewFromInt(1_000_000)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// wireProof mirrors PaymentProof with the shape/bounds rules of the wire format.
type wireProof struct {
	Protocol             string          `json:"protocol" validate:"required,eq=x402"`
	Nonce                string          `json:"nonce" validate:"required,min=16,max=128,printascii"`
	Signature            string          `json:"signature" validate:"max=4096"`
	Payer                string          `json:"payer" validate:"required,min=20,max=128,printascii"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency" validate:"required,oneof=USDC USDT"`
	Network              string          `json:"network" validate:"required,oneof=solana solana-devnet base base-sepolia"`
	Timestamp            json.RawMessage `json:"timestamp" validate:"required"`
	FacilitatorSignature string          `json:"facilitatorSignature,omitempty" validate:"max=1024"`
	Metadata             map[string]any  `json:"metadata,omitempty" validate:"max=32"`
}

// EncodeChallenge serializes a challenge into a transport-safe token.
func EncodeChallenge(c *PaymentChallenge) (string, error) {
	return encodeToken(c)
}

// DecodeChallenge parses a challenge token.
func DecodeChallenge(token string) (*PaymentChallenge, error) {
	raw, err := decodeTransport(token)
	if err != nil {
		return nil, err
	}
	var c PaymentChallenge
	if err := unmarshalObject(raw, &c, false); err != nil {
		return nil, err
	}
	if c.Protocol != ProtocolTag {
		return nil, malformed("unsupported protocol tag")
	}
	if c.Nonce == "" {
		return nil, malformed("nonce is required")
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return nil, malformed("challenge expires before it is issued")
	}
	if err := checkAmount(c.Amount); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeProof serializes a proof into the token clients send in the payment header.
func EncodeProof(p *PaymentProof) (string, error) {
	return encodeToken(p)
}

// DecodeProof parses and validates a proof token. All failures are KindMalformedProof.
func DecodeProof(token string) (*PaymentProof, error) {
	raw, err := decodeTransport(token)
	if err != nil {
		return nil, err
	}

	var w wireProof
	if err := unmarshalObject(raw, &w, true); err != nil {
		return nil, err
	}
	if w.Protocol != "" && w.Protocol != ProtocolTag {
		return nil, malformed("unsupported protocol tag")
	}
	if err := validate.Struct(&w); err != nil {
		return nil, malformed(describeValidation(err))
	}
	if err := checkAmount(w.Amount); err != nil {
		return nil, err
	}
	if len(w.Metadata) > 0 {
		encoded, err := json.Marshal(w.Metadata)
		if err != nil || len(encoded) > maxMetadataLen {
			return nil, malformed("metadata is too large")
		}
	}

	proof := PaymentProof{
		Protocol:             w.Protocol,
		Nonce:                w.Nonce,
		Signature:            w.Signature,
		Payer:                w.Payer,
		Amount:               w.Amount,
		Currency:             Currency(w.Currency),
		Network:              Network(w.Network),
		FacilitatorSignature: w.FacilitatorSignature,
		Metadata:             w.Metadata,
	}
	if err := json.Unmarshal(w.Timestamp, &proof.Timestamp); err != nil || proof.Timestamp.IsZero() {
		return nil, malformed("timestamp must be an RFC 3339 time")
	}
	if !validPayer(proof.Network, proof.Payer) {
		return nil, malformed("payer is not a valid address for " + string(proof.Network))
	}
	return &proof, nil
}

func encodeToken(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

func decodeTransport(token string) ([]byte, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, malformed("empty token")
	}
	if len(token) > maxTokenLength {
		return nil, malformed("token is too large")
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
		if err != nil {
			return nil, malformed("token is not valid base64")
		}
	}
	return raw, nil
}

// unmarshalObject decodes exactly one JSON object. Proofs are decoded with
// disallowUnknown; challenges stay lenient so older clients can read newer ones.
func unmarshalObject(raw []byte, v any, disallowUnknown bool) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if disallowUnknown {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
			return malformed("unknown field " + field)
		}
		return malformed("token does not contain a valid JSON object")
	}
	if dec.More() {
		return malformed("unexpected data after JSON object")
	}
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return malformed("amount must be positive")
	}
	if amount.GreaterThan(MaxAmount) {
		return malformed("amount exceeds the maximum of " + MaxAmount.String())
	}
	return nil
}

func validPayer(network Network, payer string) bool {
	switch network.Family() {
	case FamilyEVM:
		return common.IsHexAddress(payer)
	case FamilySVM:
		_, err := solana.PublicKeyFromBase58(payer)
		return err == nil
	}
	return false
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "proof failed validation"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "eq", "oneof":
		return fe.Field() + " has an unsupported value"
	case "min", "max":
		return fe.Field() + " is out of bounds"
	default:
		return fe.Field() + " is invalid"
	}
}

func malformed(detail string) *Error {
	return NewError(KindMalformedProof, detail)
}
