package x402

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPayTo     = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	testPayer     = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
	testEVMPayer  = "0x1111111111111111111111111111111111111111"
	testNonce     = "01890a5d-ac96-774b-bcce-b302099a8057"
	testSignature = "5sig-of-sufficient-length"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testProof() *PaymentProof {
	return &PaymentProof{
		Protocol:  ProtocolTag,
		Nonce:     testNonce,
		Signature: testSignature,
		Payer:     testPayer,
		Amount:    decimal.RequireFromString("0.01"),
		Currency:  CurrencyUSDC,
		Network:   NetworkSolana,
		Timestamp: testTime,
	}
}

// rawToken encodes an arbitrary JSON object the way a client would.
func rawToken(t *testing.T, v any) string {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(payload)
}

func proofFields() map[string]any {
	return map[string]any{
		"protocol":  "x402",
		"nonce":     testNonce,
		"signature": testSignature,
		"payer":     testPayer,
		"amount":    "0.01",
		"currency":  "USDC",
		"network":   "solana",
		"timestamp": testTime.Format(time.RFC3339),
	}
}

func TestProofRoundTrip(t *testing.T) {
	t.Parallel()

	proof := testProof()
	proof.Metadata = map[string]any{"client": "cli"}
	token, err := EncodeProof(proof)
	require.NoError(t, err)

	decoded, err := DecodeProof(token)
	require.NoError(t, err)
	assert.Equal(t, proof.Nonce, decoded.Nonce)
	assert.Equal(t, proof.Payer, decoded.Payer)
	assert.True(t, proof.Amount.Equal(decoded.Amount))
	assert.Equal(t, proof.Currency, decoded.Currency)
	assert.Equal(t, proof.Network, decoded.Network)
	assert.True(t, proof.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, "cli", decoded.Metadata["client"])
}

func TestChallengeRoundTrip(t *testing.T) {
	t.Parallel()

	challenge := &PaymentChallenge{
		Protocol:  ProtocolTag,
		Amount:    decimal.RequireFromString("0.005"),
		Currency:  CurrencyUSDC,
		Network:   NetworkSolana,
		PayTo:     testPayTo,
		Nonce:     testNonce,
		Resource:  "/wallet/:address/balance",
		IssuedAt:  testTime,
		ExpiresAt: testTime.Add(DefaultChallengeTTL),
	}
	token, err := EncodeChallenge(challenge)
	require.NoError(t, err)

	decoded, err := DecodeChallenge(token)
	require.NoError(t, err)
	assert.Equal(t, challenge.Nonce, decoded.Nonce)
	assert.Equal(t, challenge.Resource, decoded.Resource)
	assert.True(t, challenge.Amount.Equal(decoded.Amount))
	assert.True(t, challenge.ExpiresAt.Equal(decoded.ExpiresAt))

	challenge.ExpiresAt = challenge.IssuedAt
	token, err = EncodeChallenge(challenge)
	require.NoError(t, err)
	_, err = DecodeChallenge(token)
	assertKind(t, err, KindMalformedProof)
}

func TestDecodeProofAcceptsEVMPayerAndURLEncoding(t *testing.T) {
	t.Parallel()

	fields := proofFields()
	fields["network"] = "base"
	fields["payer"] = testEVMPayer
	payload, err := json.Marshal(fields)
	require.NoError(t, err)

	decoded, err := DecodeProof(base64.RawURLEncoding.EncodeToString(payload))
	require.NoError(t, err)
	assert.Equal(t, NetworkBase, decoded.Network)
	assert.Equal(t, testEVMPayer, decoded.Payer)
}

func TestDecodeProofRejects(t *testing.T) {
	t.Parallel()

	with := func(key string, value any) string {
		fields := proofFields()
		if value == nil {
			delete(fields, key)
		} else {
			fields[key] = value
		}
		return rawToken(t, fields)
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: "   "},
		{name: "not base64", token: "***"},
		{name: "not json", token: base64.StdEncoding.EncodeToString([]byte("nope"))},
		{name: "trailing data", token: base64.StdEncoding.EncodeToString([]byte(`{"nonce":"a"} {}`))},
		{name: "oversized", token: strings.Repeat("A", maxTokenLength+4)},
		{name: "wrong protocol", token: with("protocol", "l402")},
		{name: "missing nonce", token: with("nonce", nil)},
		{name: "short nonce", token: with("nonce", "abc")},
		{name: "missing payer", token: with("payer", nil)},
		{name: "payer not on network", token: with("payer", testEVMPayer)},
		{name: "unknown currency", token: with("currency", "DAI")},
		{name: "unknown network", token: with("network", "ethereum")},
		{name: "zero amount", token: with("amount", "0")},
		{name: "negative amount", token: with("amount", "-1")},
		{name: "amount over maximum", token: with("amount", "1000000.01")},
		{name: "missing timestamp", token: with("timestamp", nil)},
		{name: "bad timestamp", token: with("timestamp", "yesterday")},
		{name: "long signature", token: with("signature", strings.Repeat("s", 5000))},
		{name: "large metadata", token: with("metadata", map[string]any{"blob": strings.Repeat("x", maxMetadataLen)})},
		{name: "unknown field", token: with("txHash", "5abc")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			proof, err := DecodeProof(tt.token)
			assert.Nil(t, proof)
			assertKind(t, err, KindMalformedProof)
		})
	}
}

func TestDecodeProofNamesField(t *testing.T) {
	t.Parallel()

	fields := proofFields()
	delete(fields, "payer")
	_, err := DecodeProof(rawToken(t, fields))

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "payer is required", perr.Detail)
	assert.Equal(t, "Malformed payment proof: payer is required", perr.Message())
}

func TestDecodeProofNamesUnknownField(t *testing.T) {
	t.Parallel()

	fields := proofFields()
	fields["payTo"] = testPayTo
	_, err := DecodeProof(rawToken(t, fields))

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, `unknown field "payTo"`, perr.Detail)
}

func TestDecodeChallengeIgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	token := rawToken(t, map[string]any{
		"protocol":  ProtocolTag,
		"amount":    "0.01",
		"currency":  "USDC",
		"network":   "solana",
		"payTo":     testPayTo,
		"nonce":     testNonce,
		"resource":  "/r",
		"issuedAt":  testTime.Format(time.RFC3339),
		"expiresAt": testTime.Add(time.Minute).Format(time.RFC3339),
		"scheme":    "exact",
	})
	challenge, err := DecodeChallenge(token)
	require.NoError(t, err)
	assert.Equal(t, "/r", challenge.Resource)
}

func assertKind(t *testing.T, err error, want Kind) {
	t.Helper()
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok, "untyped error: %v", err)
	assert.Equal(t, want, kind, "error: %v", err)
}
