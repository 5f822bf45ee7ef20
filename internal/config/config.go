package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Provider modes
const (
	ModeTest       = "test"
	ModeProduction = "production"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration for the service
type Config struct {
	Env          string
	Server       ServerConfig
	Database     DatabaseConfig
	Provider     ProviderConfig
	Token        TokenConfig
	MasterWallet MasterWalletConfig
	Security     SecurityConfig
	Sweep        SweepConfig
	Retry        RetryConfig
	Poller       PollerConfig
	Reconciler   ReconcilerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          int
	MigrationPath string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Driver   string // "postgres" or "memory"
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// ProviderConfig describes the chain provider and the accepted network family
type ProviderConfig struct {
	Mode           string
	RPCEndpoint    string
	NetworkFamily  string
	NetworkAliases []string
	Timeout        time.Duration
}

// TokenConfig describes the single accepted deposit asset
type TokenConfig struct {
	Symbol   string
	Contract string // optional; when set the payload contract must match
	Decimals int32
}

// MasterWalletConfig holds the treasury identity
type MasterWalletConfig struct {
	Address    string
	PrivateKey string
}

// SecurityConfig holds secrets for webhook auth, key storage and admin routes
type SecurityConfig struct {
	WebhookSecret    string
	KeyEncryptionKey []byte // 32 bytes, AES-256
	AdminAPIToken    string
}

// SweepConfig holds the amount policy for sweeping
type SweepConfig struct {
	Threshold            decimal.Decimal
	MinDepositProduction decimal.Decimal
	MinDepositTest       decimal.Decimal
	GasFundingAmount     decimal.Decimal
	DustThreshold        decimal.Decimal
}

// RetryConfig holds the retry scheduler settings
type RetryConfig struct {
	Interval   time.Duration
	MaxRetries int
	StaleAfter time.Duration
	BatchSize  int
}

// PollerConfig holds the explorer polling settings (test mode only)
type PollerConfig struct {
	Interval        time.Duration
	ExplorerURL     string
	ExplorerAPIKey  string
	ExplorerRateLim float64 // requests per second
}

// ReconcilerConfig holds reconciliation settings
type ReconcilerConfig struct {
	StartupDelay time.Duration
	Concurrency  int
}

// IsProduction reports whether the provider runs against real funds
func (c *Config) IsProduction() bool {
	return c.Provider.Mode == ModeProduction
}

// MinDeposit returns the absolute minimum for the active mode
func (c *Config) MinDeposit() decimal.Decimal {
	if c.IsProduction() {
		return c.Sweep.MinDepositProduction
	}
	return c.Sweep.MinDepositTest
}

// AcceptsChain reports whether a payload chain name belongs to the configured network family
func (c *Config) AcceptsChain(chain string) bool {
	chain = strings.TrimSpace(chain)
	if strings.EqualFold(chain, c.Provider.NetworkFamily) {
		return true
	}
	for _, alias := range c.Provider.NetworkAliases {
		if strings.EqualFold(chain, alias) {
			return true
		}
	}
	return false
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			Port:          getEnvInt("SERVER_PORT", 8080),
			MigrationPath: getEnv("MIGRATION_PATH", "internal/database/migrations/001_schema.sql"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", DriverPostgres),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "depositd"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),

			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnectTimeout:  getEnvDuration("DB_CONNECT_TIMEOUT", 10*time.Second),
		},
		Provider: ProviderConfig{
			Mode:           strings.ToLower(getEnv("PROVIDER_MODE", ModeTest)),
			RPCEndpoint:    getEnv("CHAIN_RPC_ENDPOINT", ""),
			NetworkFamily:  getEnv("CHAIN_NETWORK_FAMILY", "ethereum"),
			NetworkAliases: splitAndTrim(getEnv("CHAIN_NETWORK_ALIASES", "eth"), ","),
			Timeout:        getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),
		},
		Token: TokenConfig{
			Symbol:   getEnv("TOKEN_SYMBOL", "USDT"),
			Contract: getEnv("TOKEN_CONTRACT", ""),
			Decimals: int32(getEnvInt("TOKEN_DECIMALS", 6)),
		},
		MasterWallet: MasterWalletConfig{
			Address:    getEnv("MASTER_WALLET_ADDRESS", ""),
			PrivateKey: getEnv("MASTER_WALLET_PRIVATE_KEY", ""),
		},
		Security: SecurityConfig{
			WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
		Sweep: SweepConfig{
			Threshold:            getEnvDecimal("SWEEP_THRESHOLD", decimal.NewFromInt(100)),
			MinDepositProduction: getEnvDecimal("MIN_DEPOSIT_PRODUCTION", decimal.NewFromInt(1)),
			MinDepositTest:       getEnvDecimal("MIN_DEPOSIT_TEST", decimal.RequireFromString("0.000001")),
			GasFundingAmount:     getEnvDecimal("GAS_FUNDING_AMOUNT", decimal.RequireFromString("0.003")),
			DustThreshold:        getEnvDecimal("DUST_THRESHOLD", decimal.RequireFromString("0.0005")),
		},
		Retry: RetryConfig{
			Interval:   getEnvDuration("RETRY_INTERVAL", 5*time.Minute),
			MaxRetries: getEnvInt("RETRY_MAX", 10),
			StaleAfter: getEnvDuration("RETRY_STALE_AFTER", 5*time.Minute),
			BatchSize:  getEnvInt("RETRY_BATCH_SIZE", 20),
		},
		Poller: PollerConfig{
			Interval:        getEnvDuration("POLL_INTERVAL", time.Minute),
			ExplorerURL:     getEnv("EXPLORER_API_URL", ""),
			ExplorerAPIKey:  getEnv("EXPLORER_API_KEY", ""),
			ExplorerRateLim: getEnvFloat("EXPLORER_RATE_LIMIT", 4),
		},
		Reconciler: ReconcilerConfig{
			StartupDelay: getEnvDuration("RECONCILE_STARTUP_DELAY", 10*time.Second),
			Concurrency:  getEnvInt("RECONCILE_CONCURRENCY", 4),
		},
	}

	if raw := getEnv("KEY_ENCRYPTION_KEY", ""); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("KEY_ENCRYPTION_KEY must be base64: %w", err)
		}
		cfg.Security.KeyEncryptionKey = key
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Provider.Mode {
	case ModeTest, ModeProduction:
	default:
		return fmt.Errorf("invalid provider mode: %q", c.Provider.Mode)
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxOpenConns < c.Reconciler.Concurrency+2 {
			return fmt.Errorf("DB_MAX_OPEN_CONNS (%d) must exceed RECONCILE_CONCURRENCY (%d) by at least 2",
				c.Database.MaxOpenConns, c.Reconciler.Concurrency)
		}
		if c.Database.MaxIdleConns < 0 || c.Database.MaxIdleConns > c.Database.MaxOpenConns {
			return fmt.Errorf("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS")
		}
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory database driver is not allowed in production mode")
		}
	default:
		return fmt.Errorf("invalid database driver: %q", c.Database.Driver)
	}

	if c.Provider.RPCEndpoint == "" {
		return fmt.Errorf("CHAIN_RPC_ENDPOINT is required")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider timeout must be positive")
	}

	if c.MasterWallet.Address == "" || c.MasterWallet.PrivateKey == "" {
		return fmt.Errorf("master wallet address and private key are required")
	}

	if len(c.Security.KeyEncryptionKey) != 32 {
		return fmt.Errorf("KEY_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(c.Security.KeyEncryptionKey))
	}

	if c.IsProduction() && c.Security.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production mode")
	}

	if c.Token.Decimals < 0 || c.Token.Decimals > 36 {
		return fmt.Errorf("invalid token decimals: %d", c.Token.Decimals)
	}

	for name, v := range map[string]decimal.Decimal{
		"SWEEP_THRESHOLD":        c.Sweep.Threshold,
		"MIN_DEPOSIT_PRODUCTION": c.Sweep.MinDepositProduction,
		"MIN_DEPOSIT_TEST":       c.Sweep.MinDepositTest,
		"GAS_FUNDING_AMOUNT":     c.Sweep.GasFundingAmount,
		"DUST_THRESHOLD":         c.Sweep.DustThreshold,
	} {
		if !v.IsPositive() {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Sweep.MinDepositProduction.GreaterThan(c.Sweep.Threshold) ||
		c.Sweep.MinDepositTest.GreaterThan(c.Sweep.Threshold) {
		return fmt.Errorf("minimum deposit must not exceed SWEEP_THRESHOLD")
	}

	if c.Retry.Interval <= 0 || c.Retry.MaxRetries <= 0 || c.Retry.BatchSize <= 0 {
		return fmt.Errorf("retry interval, max and batch size must be positive")
	}

	if c.Reconciler.Concurrency <= 0 {
		c.Reconciler.Concurrency = 1
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitAndTrim splits a separated string and drops empty parts
func splitAndTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
