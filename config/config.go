// Package config reads gateway settings from the environment.
//
// A .env file in the working directory is loaded first when present; real
// environment variables take precedence over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/andrewreder/paygate/go-api/x402"
)

// Ledger drivers.
const (
	LedgerPostgres = "postgres"
	LedgerBolt     = "bolt"
	LedgerMemory   = "memory"
)

const (
	defaultPort           = "8080"
	defaultBoltPath       = "paygate.db"
	defaultSweepInterval  = time.Hour
	defaultSolanaRPC      = "https://api.mainnet-beta.solana.com"
	defaultFacilitatorURL = "http://localhost:8003/v2/x402"
	defaultPricing        = "/wallet/:address/balance=0.001,/wallet/:address/transactions=0.005," +
		"/tools/wallet_balance=0.001,/tools/wallet_transactions=0.005"
)

// Config is the complete process configuration.
type Config struct {
	Port      string
	PublicURL string
	Env       string
	LogLevel  string

	Mode     x402.Mode
	PayTo    string
	Network  x402.Network
	Currency x402.Currency
	Pricing  x402.PriceTable

	ChallengeTTL         time.Duration
	ProofFreshness       time.Duration
	ValidationCacheTTL   time.Duration
	ValidateTimeout      time.Duration
	OnChainAttempts      int
	OnChainRetryInterval time.Duration

	RedisURL            string
	DatabaseURL         string
	LedgerDriver        string
	BoltPath            string
	LedgerRetention     time.Duration
	LedgerSweepInterval time.Duration

	SolanaRPCURL string
	EVMRPCURL    string

	FacilitatorURL  string
	CDPAPIKeyID     string
	CDPAPIKeySecret string
}

// Load reads .env (if any) and the environment, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv and validates it.
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}

	cfg := &Config{
		Port:     r.str("PORT", defaultPort),
		Env:      r.str("APP_ENV", "development"),
		LogLevel: r.str("LOG_LEVEL", "info"),
		PayTo:    strings.TrimSpace(getenv("PAY_TO_ADDRESS")),

		ChallengeTTL:         r.duration("CHALLENGE_TTL", x402.DefaultChallengeTTL),
		ProofFreshness:       r.duration("PROOF_FRESHNESS_WINDOW", x402.DefaultProofFreshness),
		ValidationCacheTTL:   r.duration("VALIDATION_CACHE_TTL", x402.DefaultValidationCacheTTL),
		ValidateTimeout:      r.duration("VALIDATE_TIMEOUT", x402.DefaultValidateTimeout),
		OnChainAttempts:      r.integer("ONCHAIN_ATTEMPTS", x402.DefaultOnChainAttempts),
		OnChainRetryInterval: r.duration("ONCHAIN_RETRY_INTERVAL", x402.DefaultOnChainRetryInterval),

		RedisURL:            getenv("REDIS_URL"),
		DatabaseURL:         getenv("DATABASE_URL"),
		LedgerDriver:        strings.ToLower(r.str("LEDGER_DRIVER", "")),
		BoltPath:            r.str("BOLT_PATH", defaultBoltPath),
		LedgerRetention:     r.duration("LEDGER_RETENTION", x402.DefaultLedgerRetention),
		LedgerSweepInterval: r.duration("LEDGER_SWEEP_INTERVAL", defaultSweepInterval),

		SolanaRPCURL: r.str("SOLANA_RPC_URL", defaultSolanaRPC),
		EVMRPCURL:    getenv("EVM_RPC_URL"),

		CDPAPIKeyID:     getenv("CDP_API_KEY"),
		CDPAPIKeySecret: getenv("CDP_API_KEY_SECRET"),
	}
	cfg.PublicURL = strings.TrimRight(r.str("PUBLIC_URL", "http://localhost:"+cfg.Port), "/")
	cfg.FacilitatorURL = x402.FacilitatorURL(getenv("FACILITATOR_URL"), cfg.CDPAPIKeyID, cfg.CDPAPIKeySecret)
	if cfg.FacilitatorURL == "" {
		cfg.FacilitatorURL = defaultFacilitatorURL
	}

	if mode, err := x402.ParseMode(r.str("PAYMENT_MODE", string(x402.ModeSimulated))); err != nil {
		r.fail(err)
	} else {
		cfg.Mode = mode
	}
	if network, err := x402.ParseNetwork(r.str("PAYMENT_NETWORK", string(x402.NetworkSolana))); err != nil {
		r.fail(err)
	} else {
		cfg.Network = network
	}
	if currency, err := x402.ParseCurrency(r.str("PAYMENT_CURRENCY", string(x402.CurrencyUSDC))); err != nil {
		r.fail(err)
	} else {
		cfg.Currency = currency
	}
	if pricing, err := ParsePricing(r.str("PRICING", defaultPricing)); err != nil {
		r.fail(err)
	} else {
		cfg.Pricing = pricing
	}
	if cfg.LedgerDriver == "" {
		cfg.LedgerDriver = LedgerMemory
		if cfg.DatabaseURL != "" {
			cfg.LedgerDriver = LedgerPostgres
		}
	}

	if err := errors.Join(append(r.errs, cfg.Validate())...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	windows := []struct {
		name string
		d    time.Duration
	}{
		{"CHALLENGE_TTL", c.ChallengeTTL},
		{"PROOF_FRESHNESS_WINDOW", c.ProofFreshness},
		{"VALIDATION_CACHE_TTL", c.ValidationCacheTTL},
		{"VALIDATE_TIMEOUT", c.ValidateTimeout},
		{"ONCHAIN_RETRY_INTERVAL", c.OnChainRetryInterval},
		{"LEDGER_RETENTION", c.LedgerRetention},
		{"LEDGER_SWEEP_INTERVAL", c.LedgerSweepInterval},
	}
	for _, w := range windows {
		if w.d <= 0 {
			fail("%s must be positive, got %s", w.name, w.d)
		}
	}
	if c.OnChainAttempts <= 0 {
		fail("ONCHAIN_ATTEMPTS must be positive, got %d", c.OnChainAttempts)
	}
	if c.LedgerRetention <= c.ProofFreshness {
		fail("LEDGER_RETENTION (%s) must exceed PROOF_FRESHNESS_WINDOW (%s)", c.LedgerRetention, c.ProofFreshness)
	}

	if c.PayTo == "" {
		fail("PAY_TO_ADDRESS is required")
	}
	if c.Network != "" && c.Currency != "" {
		if _, err := x402.Asset(c.Network, c.Currency); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Mode != "" && c.Mode != x402.ModeSimulated && c.RedisURL == "" {
		fail("REDIS_URL is required in %s mode", c.Mode)
	}
	if c.Mode == x402.ModeOnChain {
		ceiling := time.Duration(c.OnChainAttempts) * c.OnChainRetryInterval
		if ceiling > c.ValidateTimeout {
			fail("on-chain retry ceiling %s exceeds VALIDATE_TIMEOUT %s", ceiling, c.ValidateTimeout)
		}
		if c.Network.Family() == x402.FamilyEVM && c.EVMRPCURL == "" {
			fail("EVM_RPC_URL is required for on-chain verification on %s", c.Network)
		}
	}

	switch c.LedgerDriver {
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			fail("DATABASE_URL is required for the postgres ledger")
		}
	case LedgerBolt:
		if c.BoltPath == "" {
			fail("BOLT_PATH is required for the bolt ledger")
		}
	case LedgerMemory:
		if c.Mode != "" && c.Mode != x402.ModeSimulated {
			fail("the memory ledger is only allowed in simulated mode; set DATABASE_URL or LEDGER_DRIVER=bolt for %s mode", c.Mode)
		}
	default:
		fail("unknown LEDGER_DRIVER %q", c.LedgerDriver)
	}

	return errors.Join(errs...)
}

// ParsePricing parses "/path=0.01,/other=0.05" into a price table. Paths may be
// gin route patterns; /tools/<name> entries price MCP tools.
func ParsePricing(raw string) (x402.PriceTable, error) {
	table := x402.PriceTable{}
	if strings.TrimSpace(raw) == "" {
		return table, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		path, price, ok := strings.Cut(entry, "=")
		path = strings.TrimSpace(path)
		if !ok || !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("PRICING entry %q: want /path=amount", entry)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil {
			return nil, fmt.Errorf("PRICING entry %q: %w", entry, err)
		}
		if !amount.IsPositive() {
			return nil, fmt.Errorf("PRICING entry %q: price must be positive", entry)
		}
		if _, dup := table[path]; dup {
			return nil, fmt.Errorf("PRICING lists %s twice", path)
		}
		table[path] = amount
	}
	return table, nil
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) fail(err error) {
	r.errs = append(r.errs, err)
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}
