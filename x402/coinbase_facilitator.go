package x402

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	cdpjwt "github.com/coinbase/cdp-sdk/go/auth"
	x402http "github.com/coinbase/x402/go/http"
)

const (
	CoinbaseFacilitatorBaseURL = "https://api.cdp.coinbase.com"
	CoinbaseFacilitatorV2Route = "/platform/v2/x402"

	X402SDKVersion = "0.7.3"
	CDPSDKVersion  = "1.29.0"
)

// CoinbaseAuthProvider signs facilitator requests with CDP API key JWTs.
type CoinbaseAuthProvider struct {
	apiKeyID     string
	apiKeySecret string
	requestHost  string
	routePrefix  string
}

// NewCoinbaseAuthProvider builds a provider for the CDP facilitator at facilitatorURL.
func NewCoinbaseAuthProvider(apiKeyID, apiKeySecret, facilitatorURL string) *CoinbaseAuthProvider {
	host, prefix := splitFacilitatorURL(facilitatorURL)
	return &CoinbaseAuthProvider{
		apiKeyID:     apiKeyID,
		apiKeySecret: apiKeySecret,
		requestHost:  host,
		routePrefix:  prefix,
	}
}

// GetAuthHeaders implements x402http.AuthProvider.
func (p *CoinbaseAuthProvider) GetAuthHeaders(ctx context.Context) (x402http.AuthHeaders, error) {
	verify, err := p.endpointHeaders(http.MethodPost, "/verify")
	if err != nil {
		return x402http.AuthHeaders{}, err
	}
	settle, err := p.endpointHeaders(http.MethodPost, "/settle")
	if err != nil {
		return x402http.AuthHeaders{}, err
	}
	supported, err := p.endpointHeaders(http.MethodGet, "/supported")
	if err != nil {
		return x402http.AuthHeaders{}, err
	}
	return x402http.AuthHeaders{Verify: verify, Settle: settle, Supported: supported}, nil
}

// endpointHeaders returns the correlation header, plus a JWT when credentials are set.
func (p *CoinbaseAuthProvider) endpointHeaders(method, path string) (map[string]string, error) {
	headers := map[string]string{"Correlation-Context": correlationHeader()}
	if p.apiKeyID == "" || p.apiKeySecret == "" {
		return headers, nil
	}
	token, err := p.bearer(method, p.routePrefix+path)
	if err != nil {
		return nil, err
	}
	headers["Authorization"] = token
	return headers, nil
}

func (p *CoinbaseAuthProvider) bearer(method, path string) (string, error) {
	jwt, err := cdpjwt.GenerateJWT(cdpjwt.JwtOptions{
		KeyID:         p.apiKeyID,
		KeySecret:     p.apiKeySecret,
		RequestMethod: method,
		RequestHost:   p.requestHost,
		RequestPath:   path,
	})
	if err != nil {
		return "", fmt.Errorf("generate JWT: %w", err)
	}
	return "Bearer " + jwt, nil
}

// FacilitatorURL resolves the facilitator base URL. CDP credentials without an
// explicit URL select the Coinbase facilitator.
func FacilitatorURL(configured, apiKeyID, apiKeySecret string) string {
	if u := strings.TrimSpace(configured); u != "" {
		return u
	}
	if apiKeyID != "" || apiKeySecret != "" {
		return CoinbaseFacilitatorBaseURL + CoinbaseFacilitatorV2Route
	}
	return ""
}

// NewFacilitatorClientFromCredentials wires CDP auth when the URL points at Coinbase
// and credentials are present.
func NewFacilitatorClientFromCredentials(facilitatorURL, apiKeyID, apiKeySecret string, httpClient *http.Client) *FacilitatorClient {
	var auth x402http.AuthProvider
	if strings.Contains(facilitatorURL, "coinbase") && apiKeyID != "" && apiKeySecret != "" {
		auth = NewCoinbaseAuthProvider(apiKeyID, apiKeySecret, facilitatorURL)
	}
	return NewFacilitatorClient(facilitatorURL, httpClient, auth)
}

func correlationHeader() string {
	data := map[string]string{
		"sdk_version":    CDPSDKVersion,
		"sdk_language":   "go",
		"source":         "x402",
		"source_version": X402SDKVersion,
	}

	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, url.QueryEscape(data[key])))
	}
	return strings.Join(parts, ",")
}

func splitFacilitatorURL(raw string) (host, prefix string) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse(CoinbaseFacilitatorBaseURL + CoinbaseFacilitatorV2Route)
	}
	return parsed.Host, strings.TrimRight(parsed.Path, "/")
}
