// Package config handles application configuration from environment variables
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/navsahu/x402-deploy/internal/validation"
)

// SubscriptionPricing configures the subscription plan catalogue.
type SubscriptionPricing struct {
	Monthly   string `json:"monthly"`
	Yearly    string `json:"yearly"`
	Trial     string `json:"trial"`
	TrialDays int    `json:"trialDays"`
}

// CreditPackage is one entry of the credit package catalogue. Discount is a
// fraction in [0,1) applied to the base per-credit price.
type CreditPackage struct {
	Credits  int     `json:"credits"`
	Discount float64 `json:"discount"`
}

// PriceTier is a volume discount threshold inside a dynamic route price.
type PriceTier struct {
	MinRequests int    `json:"minRequests"`
	Price       string `json:"price"`
}

// DynamicPricing declares a load- and volume-sensitive route price.
type DynamicPricing struct {
	BasePrice      string      `json:"basePrice"`
	LoadMultiplier float64     `json:"loadMultiplier"`
	Tiers          []PriceTier `json:"tiers,omitempty"`
}

// RoutePricing is one X402_ROUTES entry: either a flat price string
// ("0.001") or a dynamic pricing object. Exactly one of the two is set.
type RoutePricing struct {
	Price   string
	Dynamic *DynamicPricing
}

func (rp *RoutePricing) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &rp.Price)
	}
	var dyn DynamicPricing
	if err := json.Unmarshal(trimmed, &dyn); err != nil {
		return err
	}
	rp.Dynamic = &dyn
	return nil
}

func (rp RoutePricing) MarshalJSON() ([]byte, error) {
	if rp.Dynamic != nil {
		return json.Marshal(rp.Dynamic)
	}
	return json.Marshal(rp.Price)
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Tracing
	OTLPEndpoint string

	// Payment settings
	WalletAddress  string // payTo address for route payments
	Network        string // CAIP-2 network identifier, e.g. "eip155:8453"
	FacilitatorURL string
	DefaultPrice   string // applied to priced routes without an override
	TestMode       bool   // verification always succeeds, no facilitator call

	// Route pricing overrides: "METHOD /path" or "/path" -> flat price
	// string or dynamic pricing object. Wildcard suffixes ("GET /api/*")
	// are supported.
	Routes map[string]RoutePricing

	// Routes that require an active subscription regardless of price.
	SubscriptionRoutes []string

	// Subscription and credit catalogues
	Subscriptions   SubscriptionPricing
	CreditBasePrice string // base price per credit
	CreditPackages  []CreditPackage

	// Verifier resilience
	VerifyTimeout   time.Duration
	VerifyAttempts  int
	BreakerTrips    int // consecutive failures before the circuit opens
	BreakerCooldown time.Duration

	// Rate limiting (per payer, sliding window)
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultNetwork        = "eip155:8453" // Base
	DefaultFacilitatorURL = "https://facilitator.x402.dev"
	DefaultPrice          = "0.001"
	DefaultCreditPrice    = "0.001"
)

var defaultCreditPackages = []CreditPackage{
	{Credits: 100, Discount: 0},
	{Credits: 1000, Discount: 0.10},
	{Credits: 10000, Discount: 0.20},
}

var defaultSubscriptionPricing = SubscriptionPricing{
	Monthly:   "10",
	Yearly:    "100",
	Trial:     "0",
	TrialDays: 7,
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WalletAddress:   validation.NormalizePayer(os.Getenv("WALLET_ADDRESS")),
		Network:         getEnv("NETWORK", DefaultNetwork),
		FacilitatorURL:  getEnv("FACILITATOR_URL", DefaultFacilitatorURL),
		DefaultPrice:    getEnv("DEFAULT_PRICE", DefaultPrice),
		TestMode:        getEnvBool("TEST_MODE", false),
		CreditBasePrice: getEnv("CREDIT_BASE_PRICE", DefaultCreditPrice),
		VerifyTimeout:   getEnvDuration("VERIFY_TIMEOUT", 10*time.Second),
		VerifyAttempts:  int(getEnvInt64("VERIFY_ATTEMPTS", 3)),
		BreakerTrips:    int(getEnvInt64("BREAKER_TRIPS", 5)),
		BreakerCooldown: getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		RateLimitMax:    int(getEnvInt64("RATE_LIMIT_MAX", 100)),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	if err := getEnvJSON("X402_ROUTES", &cfg.Routes); err != nil {
		return nil, fmt.Errorf("invalid X402_ROUTES: %w", err)
	}
	if err := getEnvJSON("X402_SUBSCRIPTION_ROUTES", &cfg.SubscriptionRoutes); err != nil {
		return nil, fmt.Errorf("invalid X402_SUBSCRIPTION_ROUTES: %w", err)
	}

	cfg.Subscriptions = defaultSubscriptionPricing
	if err := getEnvJSON("X402_SUBSCRIPTION_PRICING", &cfg.Subscriptions); err != nil {
		return nil, fmt.Errorf("invalid X402_SUBSCRIPTION_PRICING: %w", err)
	}

	cfg.CreditPackages = defaultCreditPackages
	var packages []CreditPackage
	if err := getEnvJSON("X402_CREDIT_PACKAGES", &packages); err != nil {
		return nil, fmt.Errorf("invalid X402_CREDIT_PACKAGES: %w", err)
	}
	if packages != nil {
		cfg.CreditPackages = packages
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if !c.TestMode {
		if c.WalletAddress == "" {
			return fmt.Errorf("WALLET_ADDRESS is required")
		}
		if !validation.IsValidPayer(c.WalletAddress) {
			return fmt.Errorf("WALLET_ADDRESS must be a 40-hex-char address")
		}
		if c.FacilitatorURL == "" {
			return fmt.Errorf("FACILITATOR_URL is required")
		}
	}
	for route, rp := range c.Routes {
		if rp.Dynamic == nil {
			continue
		}
		if rp.Dynamic.BasePrice == "" {
			return fmt.Errorf("route %q: dynamic pricing requires basePrice", route)
		}
		if rp.Dynamic.LoadMultiplier < 0 {
			return fmt.Errorf("route %q: loadMultiplier must not be negative", route)
		}
		for _, tier := range rp.Dynamic.Tiers {
			if tier.MinRequests < 1 {
				return fmt.Errorf("route %q: tier minRequests must be at least 1, got %d", route, tier.MinRequests)
			}
			if tier.Price == "" {
				return fmt.Errorf("route %q: tier price is required", route)
			}
		}
	}
	for _, p := range c.CreditPackages {
		if p.Credits <= 0 {
			return fmt.Errorf("credit package size must be positive, got %d", p.Credits)
		}
		if p.Discount < 0 || p.Discount >= 1 {
			return fmt.Errorf("credit package discount must be in [0,1), got %v", p.Discount)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration parses either a Go duration ("30s") or a number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvJSON unmarshals a JSON env payload into out. Unset vars leave out
// untouched; malformed payloads fail loudly rather than silently pricing
// routes wrong.
func getEnvJSON(key string, out any) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	return json.Unmarshal([]byte(value), out)
}
