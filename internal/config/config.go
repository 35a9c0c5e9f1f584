// Package config handles sentinel configuration from environment variables
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mishablank/treasury-sentinel/internal/usdc"
	"github.com/mishablank/treasury-sentinel/internal/validation"
)

// ChainConfig describes one EVM chain whose treasury is monitored.
type ChainConfig struct {
	ChainID         int64    `json:"chain_id"`
	RPCURL          string   `json:"rpc_url"`
	TreasuryAddress string   `json:"treasury_address"`
	TrackedTokens   []string `json:"tracked_token_addresses"`
}

// Config holds all sentinel configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Budget
	BudgetLimit        usdc.Micro
	MinimumOperational usdc.Micro

	// Scheduler
	CronExpression string
	RunTimeout     time.Duration

	// Payment pipeline
	InvoiceTTL             time.Duration
	SettlementPollInterval time.Duration
	ConfirmationBlocks     uint64

	// Escalation
	Cooldown time.Duration

	// Base chain settlement rail
	BaseRPCURL       string
	PrivateKey       string // Hex-encoded signing key, with or without 0x prefix
	USDCBaseAddress  string
	GatewayRecipient string

	// Market data gateway
	GatewayBaseURL string

	// Monitored treasuries
	Chains []ChainConfig

	// Observability
	OTLPEndpoint string
}

// Base mainnet defaults
const (
	DefaultBaseRPCURL      = "https://mainnet.base.org"
	DefaultBaseChainID     = 8453
	DefaultUSDCBaseAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCron            = "*/15 * * * *"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	budgetLimit, ok := usdc.Parse(getEnv("BUDGET_LIMIT_USDC", "10"))
	if !ok {
		return nil, fmt.Errorf("BUDGET_LIMIT_USDC is not a valid USDC amount")
	}
	minOperational, ok := usdc.Parse(getEnv("MINIMUM_OPERATIONAL_USDC", "0.05"))
	if !ok {
		return nil, fmt.Errorf("MINIMUM_OPERATIONAL_USDC is not a valid USDC amount")
	}

	chains, err := parseChains(os.Getenv("CHAINS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		BudgetLimit:        budgetLimit,
		MinimumOperational: minOperational,

		CronExpression: getEnv("CRON_EXPRESSION", DefaultCron),
		RunTimeout:     time.Duration(getEnvInt64("RUN_TIMEOUT_MS", 300_000)) * time.Millisecond,

		InvoiceTTL:             time.Duration(getEnvInt64("INVOICE_TTL_SECONDS", 900)) * time.Second,
		SettlementPollInterval: time.Duration(getEnvInt64("SETTLEMENT_POLL_INTERVAL_MS", 5000)) * time.Millisecond,
		ConfirmationBlocks:     uint64(getEnvInt64("CONFIRMATION_BLOCKS", 3)), //nolint:gosec

		Cooldown: time.Duration(getEnvInt64("COOLDOWN_MINUTES", 5)) * time.Minute,

		BaseRPCURL:       getEnv("BASE_RPC_URL", DefaultBaseRPCURL),
		PrivateKey:       os.Getenv("PRIVATE_KEY"), // Required, no default
		USDCBaseAddress:  getEnv("USDC_BASE_ADDRESS", DefaultUSDCBaseAddress),
		GatewayRecipient: os.Getenv("GATEWAY_RECIPIENT_ADDRESS"),

		GatewayBaseURL: os.Getenv("GATEWAY_BASE_URL"),

		Chains: chains,

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseChains decodes the CHAINS JSON array.
func parseChains(raw string) ([]ChainConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var chains []ChainConfig
	if err := json.Unmarshal([]byte(raw), &chains); err != nil {
		return nil, fmt.Errorf("CHAINS is not valid JSON: %w", err)
	}
	return chains, nil
}

// Validate checks that all required configuration is present. Config
// errors are fail-fast at startup.
func (c *Config) Validate() error {
	if c.BudgetLimit <= 0 {
		return fmt.Errorf("BUDGET_LIMIT_USDC must be positive")
	}
	if c.MinimumOperational <= 0 || c.MinimumOperational >= c.BudgetLimit {
		return fmt.Errorf("MINIMUM_OPERATIONAL_USDC must be positive and below the budget limit")
	}

	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 || !validation.IsValidHex(key) {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.GatewayBaseURL == "" {
		return fmt.Errorf("GATEWAY_BASE_URL is required")
	}
	if err := validateAddress("GATEWAY_RECIPIENT_ADDRESS", c.GatewayRecipient); err != nil {
		return err
	}
	if err := validateAddress("USDC_BASE_ADDRESS", c.USDCBaseAddress); err != nil {
		return err
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("CHAINS must list at least one treasury chain")
	}
	for i, ch := range c.Chains {
		if ch.ChainID == 0 {
			return fmt.Errorf("CHAINS[%d]: chain_id is required", i)
		}
		if ch.RPCURL == "" {
			return fmt.Errorf("CHAINS[%d]: rpc_url is required", i)
		}
		if err := validateAddress(fmt.Sprintf("CHAINS[%d].treasury_address", i), ch.TreasuryAddress); err != nil {
			return err
		}
	}

	if c.CronExpression == "" {
		return fmt.Errorf("CRON_EXPRESSION must not be empty")
	}
	return nil
}

func validateAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", name)
	}
	if !validation.IsValidEthAddress(addr) {
		return fmt.Errorf("%s must be a 20-byte 0x-prefixed hex address", name)
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
