package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/andrewreder/paygate/go-api/x402"
)

// Resource represents a discoverable priced resource.
type Resource struct {
	Path        string `json:"path"`
	URI         string `json:"uri"`
	Type        string `json:"type"`
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	Network     string `json:"network"`
	PayTo       string `json:"payTo"`
	Description string `json:"description"`
}

// X402EndpointEntry is one entry of the x402 discovery listing.
type X402EndpointEntry struct {
	Accepts     []x402.Requirement `json:"accepts"`
	LastUpdated string             `json:"lastUpdated"`
	Resource    string             `json:"resource"`
	Type        string             `json:"type"`
	X402Version int                `json:"x402Version"`
}

var descriptions = map[string]string{
	"/wallet/:address/balance":      "Native SOL balance of a Solana account",
	"/wallet/:address/transactions": "Recent transaction signatures of a Solana account",
	"/tools/wallet_balance":         "MCP Tool: wallet_balance",
	"/tools/wallet_transactions":    "MCP Tool: wallet_transactions",
}

func describe(path string) string {
	if d, ok := descriptions[path]; ok {
		return d
	}
	return "Metered resource " + path
}

func resourceType(path string) string {
	if strings.HasPrefix(path, "/tools/") {
		return "mcp"
	}
	return "http"
}

// pricedResources lists every metered path in the gate's price table.
func pricedResources(gate *x402.Gate, engine *x402.Engine, baseURL string) []Resource {
	cfg := engine.Config()
	prices := gate.Prices()
	out := make([]Resource, 0, len(prices))
	for _, path := range prices.Paths() {
		price, _ := prices.Price(path)
		out = append(out, Resource{
			Path:        path,
			URI:         baseURL + path,
			Type:        resourceType(path),
			Price:       price.String(),
			Currency:    string(cfg.Currency),
			Network:     string(cfg.Network),
			PayTo:       cfg.PayTo,
			Description: describe(path),
		})
	}
	return out
}

func registerDiscoveryRoutes(r *gin.Engine, gate *x402.Gate, engine *x402.Engine, baseURL string) {
	// GET /discovery/resources - Returns list of priced resources
	r.GET("/discovery/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"mode":      engine.Mode(),
			"resources": pricedResources(gate, engine, baseURL),
		})
	})

	// GET /discovery/x402 - Returns x402 entries for priced endpoints
	r.GET("/discovery/x402", func(c *gin.Context) {
		lastUpdated := time.Now().UTC().Format(time.RFC3339Nano)
		prices := gate.Prices()
		entries := make([]X402EndpointEntry, 0, len(prices))
		for _, path := range prices.Paths() {
			price, _ := prices.Price(path)
			entries = append(entries, X402EndpointEntry{
				Accepts:     []x402.Requirement{engine.Requirement(price, path)},
				LastUpdated: lastUpdated,
				Resource:    baseURL + path,
				Type:        resourceType(path),
				X402Version: x402.X402Version,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"entries": entries,
		})
	})
}
