// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Supply settings
	TotalSupply int64  // Sellable brick units provisioned once at startup
	UnitPrice   string // Price per brick in the sale currency, e.g. "500" (NGN)

	// Payment provider (Paystack-style)
	ProviderBaseURL   string
	ProviderSecretKey string
	SaleCurrency      string // Currency the sale checkout is denominated in

	// Conversion settings
	RateSourceURL string  // External exchange-rate endpoint
	FallbackRate  float64 // Static NGN->USDC rate used when the source is down
	FeePercent    float64 // Conversion fee as a fraction, e.g. 0.02
	RateTTLSecs   int64   // Cached-rate lifetime in seconds

	// Rate cache (optional shared cache across instances)
	RedisAddr     string
	RedisPassword string

	// Settlement / custody
	RPCURL         string
	ChainID        int64
	CustodyAddress string
	PrivateKey     string // Hex-encoded custody signer key
	USDCContract   string

	// Notifications
	NotifyURL    string // Outbound notification sink (email/telegram bridge)
	NotifySecret string // HMAC secret for signing notification payloads

	// Tracing
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultChainID         = 84532                                        // Base Sepolia
	DefaultUSDCContract    = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultProviderBaseURL = "https://api.paystack.co"
	DefaultSaleCurrency    = "NGN"
	DefaultTotalSupply     = 1_000_000
	DefaultUnitPrice       = "500"
	DefaultFallbackRate    = 1465.0 // NGN per USDC
	DefaultFeePercent      = 0.02
	DefaultRateTTLSecs     = 300
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		TotalSupply:       getEnvInt64("TOTAL_SUPPLY", DefaultTotalSupply),
		UnitPrice:         getEnv("UNIT_PRICE", DefaultUnitPrice),
		ProviderBaseURL:   getEnv("PROVIDER_BASE_URL", DefaultProviderBaseURL),
		ProviderSecretKey: os.Getenv("PROVIDER_SECRET_KEY"),
		SaleCurrency:      getEnv("SALE_CURRENCY", DefaultSaleCurrency),
		RateSourceURL:     os.Getenv("RATE_SOURCE_URL"),
		FallbackRate:      getEnvFloat("FALLBACK_RATE", DefaultFallbackRate),
		FeePercent:        getEnvFloat("FEE_PERCENT", DefaultFeePercent),
		RateTTLSecs:       getEnvInt64("RATE_TTL_SECS", DefaultRateTTLSecs),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		CustodyAddress:    os.Getenv("CUSTODY_ADDRESS"),
		PrivateKey:        os.Getenv("PRIVATE_KEY"),
		USDCContract:      getEnv("USDC_CONTRACT", DefaultUSDCContract),
		NotifyURL:         os.Getenv("NOTIFY_URL"),
		NotifySecret:      os.Getenv("NOTIFY_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.TotalSupply <= 0 {
		return fmt.Errorf("TOTAL_SUPPLY must be positive")
	}

	price, err := strconv.ParseFloat(c.UnitPrice, 64)
	if err != nil || price <= 0 {
		return fmt.Errorf("UNIT_PRICE must be a positive decimal")
	}

	if c.FeePercent < 0 || c.FeePercent >= 1 {
		return fmt.Errorf("FEE_PERCENT must be in [0, 1)")
	}

	if c.FallbackRate <= 0 {
		return fmt.Errorf("FALLBACK_RATE must be positive")
	}

	if c.PrivateKey != "" {
		// Allow both with and without 0x prefix
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	return nil
}

// UnitPriceFloat returns the configured unit price as a float64.
// Validate guarantees it parses.
func (c *Config) UnitPriceFloat() float64 {
	price, _ := strconv.ParseFloat(c.UnitPrice, 64)
	return price
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
