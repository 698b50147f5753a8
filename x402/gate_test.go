package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newGateRouter(f *engineFixture) *gin.Engine {
	gate := NewGate(f.engine, PriceTable{balancePath: price}, nil)

	r := gin.New()
	r.GET(balancePath, gate.Protect(func(c *gin.Context, pc PaymentContext) {
		c.JSON(http.StatusOK, gin.H{"payer": pc.Payer, "address": c.Param("address")})
	}))
	r.GET("/free", gate.Protect(func(c *gin.Context, pc PaymentContext) {
		c.JSON(http.StatusOK, gin.H{"paid": pc.Payer != ""})
	}))
	return r
}

func serve(r http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// payChallenge turns a 402 response into an encoded proof.
func payChallenge(t *testing.T, f *engineFixture, w *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	challenge, err := DecodeChallenge(w.Header().Get(HeaderPaymentRequired))
	require.NoError(t, err)

	proof := testProof()
	proof.Nonce = challenge.Nonce
	proof.Amount = challenge.Amount
	proof.Timestamp = f.clock.Now()
	token, err := EncodeProof(proof)
	require.NoError(t, err)
	return token
}

func TestGateChallengesUnpaidRequest(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, ModeFacilitator)
	r := newGateRouter(f)

	w := serve(r, "/wallet/abc/balance", nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	challenge, err := DecodeChallenge(w.Header().Get(HeaderPaymentRequired))
	require.NoError(t, err)
	assert.Equal(t, "/wallet/abc/balance", challenge.Resource)

	var body PaymentRequiredBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, X402Version, body.X402Version)
	assert.Equal(t, "0.01", body.Price)
	assert.Equal(t, "USDC", body.Currency)
	assert.Equal(t, "solana", body.Network)
	assert.Equal(t, testPayTo, body.PayTo)
	assert.Equal(t, challenge.Nonce, body.Nonce)
	assert.Equal(t, w.Header().Get(HeaderPaymentRequired), body.Challenge)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "10000", body.Accepts[0].Amount)
	assert.Equal(t, "/wallet/abc/balance", body.Accepts[0].Resource)
}

func TestGateServesPaidRequest(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, ModeFacilitator)
	r := newGateRouter(f)

	token := payChallenge(t, f, serve(r, "/wallet/abc/balance", nil))
	w := serve(r, "/wallet/abc/balance", http.Header{HeaderPayment: {token}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"payer":"`+testPayer+`","address":"abc"}`, w.Body.String())

	raw, err := base64.StdEncoding.DecodeString(w.Header().Get(HeaderPaymentResponse))
	require.NoError(t, err)
	var pc PaymentContext
	require.NoError(t, json.Unmarshal(raw, &pc))
	assert.Equal(t, testPayer, pc.Payer)
	assert.Equal(t, "/wallet/abc/balance", pc.Resource)
	assert.Equal(t, "5txsig", pc.Transaction)

	// A retry on the same path is answered from the validation cache.
	w = serve(r, "/wallet/abc/balance", http.Header{HeaderPayment: {token}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, f.strategy.calls.Load())

	// The same proof cannot buy a different resource.
	w = serve(r, "/wallet/xyz/balance", http.Header{HeaderPayment: {token}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), string(KindUnknownOrExpiredNonce))
}

func TestGateAcceptsV2Header(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, ModeFacilitator)
	r := newGateRouter(f)

	token := payChallenge(t, f, serve(r, "/wallet/abc/balance", nil))
	w := serve(r, "/wallet/abc/balance", http.Header{HeaderPaymentV2: {token}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGateErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		setup  func(f *engineFixture)
		header func(t *testing.T, f *engineFixture, r http.Handler) string
		status int
		code   Kind
	}{
		{
			name:   "malformed proof",
			header: func(*testing.T, *engineFixture, http.Handler) string { return "not-a-proof" },
			status: http.StatusBadRequest,
			code:   KindMalformedProof,
		},
		{
			name: "unknown nonce",
			header: func(t *testing.T, _ *engineFixture, _ http.Handler) string {
				token, err := EncodeProof(testProof())
				require.NoError(t, err)
				return token
			},
			status: http.StatusForbidden,
			code:   KindUnknownOrExpiredNonce,
		},
		{
			name:  "facilitator rejects",
			setup: func(f *engineFixture) { f.strategy.fail = NewError(KindFacilitatorRejected, "insufficient_funds") },
			header: func(t *testing.T, f *engineFixture, r http.Handler) string {
				return payChallenge(t, f, serve(r, "/wallet/abc/balance", nil))
			},
			status: http.StatusForbidden,
			code:   KindFacilitatorRejected,
		},
		{
			name:  "facilitator down",
			setup: func(f *engineFixture) { f.strategy.fail = WrapError(KindFacilitatorUnavailable, errors.New("timeout")) },
			header: func(t *testing.T, f *engineFixture, r http.Handler) string {
				return payChallenge(t, f, serve(r, "/wallet/abc/balance", nil))
			},
			status: http.StatusBadGateway,
			code:   KindFacilitatorUnavailable,
		},
		{
			name:  "ledger down",
			setup: func(f *engineFixture) { f.ledger.existsErr = errors.New("pool closed") },
			header: func(t *testing.T, f *engineFixture, r http.Handler) string {
				return payChallenge(t, f, serve(r, "/wallet/abc/balance", nil))
			},
			status: http.StatusServiceUnavailable,
			code:   KindLedgerUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newEngineFixture(t, ModeFacilitator)
			r := newGateRouter(f)
			if tt.setup != nil {
				tt.setup(f)
			}

			w := serve(r, "/wallet/abc/balance", http.Header{HeaderPayment: {tt.header(t, f, r)}})
			require.Equal(t, tt.status, w.Code, w.Body.String())

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tt.code), body["code"])
			assert.True(t, strings.HasPrefix(body["error"], tt.code.Reason()), body["error"])
			assert.NotContains(t, body["error"], "timeout")
			assert.NotContains(t, body["error"], "pool closed")
		})
	}
}

func TestGateChallengeWithCacheDown(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, ModeFacilitator)
	f.nonces.issueErr = errors.New("redis down")

	w := serve(newGateRouter(f), "/wallet/abc/balance", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, w.Header().Get(HeaderPaymentRequired))
}

func TestGatePassesFreeRoutes(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, ModeFacilitator)

	w := serve(newGateRouter(f), "/free", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"paid":false}`, w.Body.String())
}

func TestPriceTable(t *testing.T) {
	t.Parallel()

	table := PriceTable{"/b": price, "/a": price}
	assert.Equal(t, []string{"/a", "/b"}, table.Paths())
	_, ok := table.Price("/c")
	assert.False(t, ok)
}
