package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402http "github.com/coinbase/x402/go/http"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// SchemeExact is the only payment scheme the gateway asks facilitators for.
	SchemeExact = "exact"

	defaultFacilitatorTimeout = 10 * time.Second
	maxFacilitatorBody        = 1 << 20
)

// Requirement is the descriptor sent to the facilitator alongside the payment header.
type Requirement struct {
	Scheme            string         `json:"scheme"`
	Network           CAIP2          `json:"network"`
	Asset             string         `json:"asset"`
	Amount            string         `json:"amount"`
	PayTo             string         `json:"payTo"`
	Resource          string         `json:"resource,omitempty"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// BuildRequirement describes an exact payment of price to payTo.
func BuildRequirement(network Network, currency Currency, payTo string, price decimal.Decimal, resource string, maxTimeout time.Duration) Requirement {
	asset, _ := Asset(network, currency)
	return Requirement{
		Scheme:            SchemeExact,
		Network:           network.CAIP2ID(),
		Asset:             asset.Address,
		Amount:            asset.ToAtomic(price).String(),
		PayTo:             payTo,
		Resource:          resource,
		MaxTimeoutSeconds: int(maxTimeout / time.Second),
		Extra: map[string]any{
			"name":     string(currency),
			"decimals": asset.Decimals,
		},
	}
}

// facilitatorPayload is the x402 v2 payment payload built from a proof.
type facilitatorPayload struct {
	X402Version int            `json:"x402Version"`
	Accepted    Requirement    `json:"accepted"`
	Payload     map[string]any `json:"payload"`
}

type facilitatorRequest struct {
	X402Version         int                `json:"x402Version"`
	PaymentHeader       string             `json:"paymentHeader"`
	PaymentPayload      facilitatorPayload `json:"paymentPayload"`
	PaymentRequirements Requirement        `json:"paymentRequirements"`
}

// FacilitatorClient speaks the facilitator verify/settle RPC pair.
type FacilitatorClient struct {
	url        string
	httpClient *http.Client
	auth       x402http.AuthProvider
}

// NewFacilitatorClient builds a client for the facilitator rooted at baseURL.
// auth may be nil for facilitators that do not authenticate.
func NewFacilitatorClient(baseURL string, httpClient *http.Client, auth x402http.AuthProvider) *FacilitatorClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFacilitatorTimeout}
	}
	return &FacilitatorClient{
		url:        strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		auth:       auth,
	}
}

// Verify asks the facilitator whether the payment is acceptable.
func (c *FacilitatorClient) Verify(ctx context.Context, header string, payload facilitatorPayload, req Requirement) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", header, payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to finalize the payment on-chain.
func (c *FacilitatorClient) Settle(ctx context.Context, header string, payload facilitatorPayload, req Requirement) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "/settle", header, payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path, header string, payload facilitatorPayload, req Requirement, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         X402Version,
		PaymentHeader:       header,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.auth != nil {
		headers, err := c.auth.GetAuthHeaders(ctx)
		if err != nil {
			return fmt.Errorf("get auth headers: %w", err)
		}
		extra := headers.Verify
		if path == "/settle" {
			extra = headers.Settle
		}
		for k, v := range extra {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	// Facilitators answer a negative verdict with 400 and a JSON body; anything
	// else outside 2xx is an outage.
	if resp.StatusCode >= 500 || (resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest) {
		return fmt.Errorf("facilitator %s failed (%d): %s", path, resp.StatusCode, truncate(string(raw), 256))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// FacilitatorStrategy delegates verification and settlement to a facilitator.
type FacilitatorStrategy struct {
	client   *FacilitatorClient
	payTo    string
	network  Network
	currency Currency
	cacheTTL time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	now clock
}

// FacilitatorOptions configures a FacilitatorStrategy.
type FacilitatorOptions struct {
	PayTo    string
	Network  Network
	Currency Currency
	CacheTTL time.Duration
	// MaxTimeout is advertised to the facilitator as maxTimeoutSeconds.
	MaxTimeout time.Duration
}

// NewFacilitatorStrategy builds a facilitator-mediated strategy.
func NewFacilitatorStrategy(client *FacilitatorClient, opts FacilitatorOptions, logger *zap.Logger) (*FacilitatorStrategy, error) {
	if client == nil {
		return nil, errors.New("facilitator client is required")
	}
	if opts.PayTo == "" {
		return nil, errors.New("pay-to address is required")
	}
	if _, err := Asset(opts.Network, opts.Currency); err != nil {
		return nil, err
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultValidationCacheTTL
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = DefaultChallengeTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FacilitatorStrategy{
		client:   client,
		payTo:    opts.PayTo,
		network:  opts.Network,
		currency: opts.Currency,
		cacheTTL: opts.CacheTTL,
		timeout:  opts.MaxTimeout,
		logger:   logger,
	}, nil
}

func (s *FacilitatorStrategy) Mode() Mode { return ModeFacilitator }

// Requirement builds the descriptor for a price on resource.
func (s *FacilitatorStrategy) Requirement(price decimal.Decimal, resource string) Requirement {
	return BuildRequirement(s.network, s.currency, s.payTo, price, resource, s.timeout)
}

// Validate verifies then settles. A transport failure on either call is
// FacilitatorUnavailable and is not retried here.
func (s *FacilitatorStrategy) Validate(ctx context.Context, proof *PaymentProof, expected decimal.Decimal, resource string) (*ValidatedPayment, error) {
	result := baseResult(proof, resource, s.now.now(), s.cacheTTL)

	if !amountMatches(proof.Amount, expected) {
		return reject(result, NewError(KindAmountMismatch,
			fmt.Sprintf("expected %s, got %s", expected.String(), proof.Amount.String())))
	}
	if proof.Network != s.network || proof.Currency != s.currency {
		return reject(result, NewError(KindFacilitatorRejected, "unsupported network or currency"))
	}

	req := s.Requirement(expected, resource)
	payload := facilitatorPayload{
		X402Version: X402Version,
		Accepted:    req,
		Payload:     proofPayload(proof),
	}
	header, err := encodeFacilitatorHeader(payload)
	if err != nil {
		return reject(result, &Error{Kind: KindMalformedProof, Detail: "proof cannot be forwarded", Err: err})
	}

	verdict, err := s.client.Verify(ctx, header, payload, req)
	if err != nil {
		return reject(result, WrapError(KindFacilitatorUnavailable, err))
	}
	if !verdict.IsValid {
		return reject(result, NewError(KindFacilitatorRejected, verdict.InvalidReason))
	}

	settled, err := s.client.Settle(ctx, header, payload, req)
	if err != nil {
		return reject(result, WrapError(KindFacilitatorUnavailable, err))
	}
	if !settled.Success {
		return reject(result, NewError(KindFacilitatorRejected, settled.ErrorReason))
	}

	if payer := firstNonEmpty(settled.Payer, verdict.Payer); payer != "" && payer != proof.Payer {
		s.logger.Warn("facilitator reported a different payer",
			zap.String("claimed", proof.Payer),
			zap.String("reported", payer))
		result.Payer = payer
	}
	result.Valid = true
	result.Transaction = settled.Transaction
	result.NetworkID = firstNonEmpty(string(settled.Network), string(req.Network))
	return result, nil
}

// proofPayload maps a proof onto the scheme payload. Solana proofs carry a
// signed transaction; EVM proofs carry a signature plus an authorization in metadata.
func proofPayload(proof *PaymentProof) map[string]any {
	payload := make(map[string]any, 2)
	switch proof.Network.Family() {
	case FamilySVM:
		payload["transaction"] = proof.Signature
	default:
		payload["signature"] = proof.Signature
	}
	if auth, ok := proof.Metadata["authorization"]; ok {
		payload["authorization"] = auth
	}
	if proof.FacilitatorSignature != "" {
		payload["facilitatorSignature"] = proof.FacilitatorSignature
	}
	return payload
}

func encodeFacilitatorHeader(payload facilitatorPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
