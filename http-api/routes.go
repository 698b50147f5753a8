package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/andrewreder/paygate/go-api/wallet"
	"github.com/andrewreder/paygate/go-api/x402"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck checks one dependency for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies are the collaborators the router serves.
type Dependencies struct {
	Engine   *x402.Engine
	Gate     *x402.Gate
	Wallet   wallet.Reader
	MCP      http.Handler
	Health   []HealthCheck
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	BaseURL  string
}

// NewRouter builds the Gin router with all HTTP routes registered.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Engine == nil || deps.Gate == nil {
		return nil, errors.New("payment engine and gate are required")
	}
	if deps.Wallet == nil {
		return nil, errors.New("wallet reader is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery())
	attachRequestLogging(r, deps.Logger)

	registerHealthRoutes(r, deps.Health, deps.Gatherer)
	registerDiscoveryRoutes(r, deps.Gate, deps.Engine, deps.BaseURL)
	registerWalletRoutes(r, deps.Gate, deps.Wallet, deps.Logger)
	if deps.MCP != nil {
		registerMCPRoute(r, deps.MCP)
	}

	return r, nil
}

func attachRequestLogging(r *gin.Engine, logger *zap.Logger) {
	logger = logger.Named("http")
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Bool("payment_header", c.GetHeader(x402.HeaderPayment) != "" || c.GetHeader(x402.HeaderPaymentV2) != ""),
		)
	})
}

func registerHealthRoutes(r *gin.Engine, checks []HealthCheck, gatherer prometheus.Gatherer) {
	// GET /healthz - Reports reachability of the cache and the ledger
	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[hc.Name] = "unavailable"
				continue
			}
			results[hc.Name] = "ok"
		}
		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		c.JSON(status, gin.H{"status": overall, "checks": results})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func registerWalletRoutes(r *gin.Engine, gate *x402.Gate, reader wallet.Reader, logger *zap.Logger) {
	// GET /wallet/:address/balance - Native balance of an account (metered)
	r.GET("/wallet/:address/balance", gate.Protect(func(c *gin.Context, pc x402.PaymentContext) {
		balance, err := reader.Balance(c.Request.Context(), c.Param("address"))
		if err != nil {
			walletError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance": balance,
			"payment": pc,
		})
	}))

	// GET /wallet/:address/transactions?limit=N - Recent signatures (metered)
	r.GET("/wallet/:address/transactions", gate.Protect(func(c *gin.Context, pc x402.PaymentContext) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
				return
			}
			limit = n
		}
		activity, err := reader.RecentActivity(c.Request.Context(), c.Param("address"), limit)
		if err != nil {
			walletError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"address":      c.Param("address"),
			"transactions": activity,
			"payment":      pc,
		})
	}))
}

func walletError(c *gin.Context, logger *zap.Logger, err error) {
	if errors.Is(err, wallet.ErrInvalidAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	logger.Warn("wallet lookup failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": "ledger lookup failed"})
}

func registerMCPRoute(r *gin.Engine, handler http.Handler) {
	// MCP streamable HTTP endpoint
	r.Any("/discovery/mcp", gin.WrapH(handler))
}
