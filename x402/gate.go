package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceTable maps resource paths to their current price in the quote currency.
type PriceTable map[string]decimal.Decimal

// Price returns the price for path and whether the path is metered.
func (p PriceTable) Price(path string) (decimal.Decimal, bool) {
	price, ok := p[path]
	return price, ok
}

// Paths returns the metered paths in lexical order.
func (p PriceTable) Paths() []string {
	paths := make([]string, 0, len(p))
	for path := range p {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// PaymentRequiredBody is the JSON body of a 402 response.
type PaymentRequiredBody struct {
	X402Version int           `json:"x402Version"`
	Error       string        `json:"error"`
	Challenge   string        `json:"challenge"`
	Price       string        `json:"price"`
	Currency    string        `json:"currency"`
	Network     string        `json:"network"`
	PayTo       string        `json:"payTo"`
	Nonce       string        `json:"nonce"`
	ExpiresAt   string        `json:"expiresAt"`
	Message     string        `json:"message"`
	Accepts     []Requirement `json:"accepts"`
}

// PaidHandler serves a metered resource. pc is the zero value for unmetered paths.
type PaidHandler func(c *gin.Context, pc PaymentContext)

// Gate decides, per request, whether payment is needed and enforces it.
type Gate struct {
	engine *Engine
	prices PriceTable
	logger *zap.Logger
}

// NewGate builds a gate over engine for the metered paths in prices.
func NewGate(engine *Engine, prices PriceTable, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{engine: engine, prices: prices, logger: logger.Named("gate")}
}

// Prices exposes the gate's price table.
func (g *Gate) Prices() PriceTable { return g.prices }

// Protect wraps handler so it only runs once the request is paid for.
func (g *Gate) Protect(handler PaidHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := c.Request.URL.Path
		price, ok := g.prices.Price(c.FullPath())
		if !ok {
			price, ok = g.prices.Price(resource)
		}
		if !ok {
			handler(c, PaymentContext{})
			return
		}

		pc, paid := g.authorize(c, resource, price)
		if !paid {
			return
		}
		handler(c, pc)
	}
}

func (g *Gate) authorize(c *gin.Context, resource string, price decimal.Decimal) (PaymentContext, bool) {
	token := paymentToken(c.Request.Header)
	if token == "" {
		g.challenge(c, resource, price)
		return PaymentContext{}, false
	}

	proof, err := DecodeProof(token)
	if err != nil {
		g.reject(c, err)
		return PaymentContext{}, false
	}

	result, err := g.engine.Validate(c.Request.Context(), proof, price, resource)
	if err != nil {
		g.reject(c, err)
		return PaymentContext{}, false
	}

	pc := result.Context()
	if header, err := encodePaymentResponse(pc); err == nil {
		c.Header(HeaderPaymentResponse, header)
	}
	return pc, true
}

func (g *Gate) challenge(c *gin.Context, resource string, price decimal.Decimal) {
	challenge, err := g.engine.CreateChallenge(c.Request.Context(), resource, price)
	if err != nil {
		g.reject(c, err)
		return
	}
	token, err := EncodeChallenge(challenge)
	if err != nil {
		g.logger.Error("encode challenge", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Header(HeaderPaymentRequired, token)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, newPaymentRequiredBody(g.engine, challenge, token))
}

func newPaymentRequiredBody(engine *Engine, challenge *PaymentChallenge, token string) PaymentRequiredBody {
	return PaymentRequiredBody{
		X402Version: X402Version,
		Error:       "Payment required",
		Challenge:   token,
		Price:       challenge.Amount.String(),
		Currency:    string(challenge.Currency),
		Network:     string(challenge.Network),
		PayTo:       challenge.PayTo,
		Nonce:       challenge.Nonce,
		ExpiresAt:   challenge.ExpiresAt.Format(time.RFC3339),
		Message: fmt.Sprintf("Send %s %s on %s to %s, then retry with the %s header",
			challenge.Amount.String(), challenge.Currency, challenge.Network, challenge.PayTo, HeaderPayment),
		Accepts: []Requirement{engine.Requirement(challenge.Amount, challenge.Resource)},
	}
}

// reject writes the mapped status with the client-safe message only.
func (g *Gate) reject(c *gin.Context, err error) {
	var e *Error
	if !errors.As(err, &e) {
		g.logger.Error("untyped payment error", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(e.Status(), gin.H{
		"error": e.Message(),
		"code":  string(e.Kind),
	})
}

// paymentToken reads the proof from either supported header name.
func paymentToken(h http.Header) string {
	if v := h.Get(HeaderPayment); v != "" {
		return v
	}
	return h.Get(HeaderPaymentV2)
}

func encodePaymentResponse(pc PaymentContext) (string, error) {
	raw, err := json.Marshal(pc)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
