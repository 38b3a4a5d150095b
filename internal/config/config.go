package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server           ServerConfig
	Database         DatabaseConfig
	Redis            RedisConfig
	IdentityProvider IdentityProviderConfig
	Token            TokenConfig
	Cache            CacheConfig
	Policy           PolicyConfig
	Exchange         ExchangeConfig
	Observability    ObservabilityConfig
	RateLimit        RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the shared cache/registry connection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// IdentityProviderConfig describes the external issuer of identity
// assertions. The core never authenticates end users itself.
type IdentityProviderConfig struct {
	Issuer   string
	JWKSURL  string
	Audience string
	JWKSTTL  time.Duration
}

// TokenConfig controls minted credentials
type TokenConfig struct {
	Issuer string
	// SigningKeyPath points at a PEM RSA private key. Empty generates an
	// ephemeral development key.
	SigningKeyPath string
	MaxLifetime    time.Duration
}

// CacheConfig controls the snapshot cache
type CacheConfig struct {
	SnapshotTTL time.Duration
}

// PolicyConfig feeds the policy engine
type PolicyConfig struct {
	PlatformAdminEmails []string
	PlatformTenantID    string
}

// ExchangeConfig tunes the exchange pipeline
type ExchangeConfig struct {
	RequestTimeout time.Duration
	RevocationTTL  time.Duration
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "trustgate"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "trustgate"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       parseInt("REDIS_DB", 0),
		},
		IdentityProvider: IdentityProviderConfig{
			Issuer:   getEnv("IDP_ISSUER", ""),
			JWKSURL:  getEnv("IDP_JWKS_URL", ""),
			Audience: getEnv("IDP_AUDIENCE", "trustgate"),
			JWKSTTL:  parseDuration("IDP_JWKS_TTL", "5m"),
		},
		Token: TokenConfig{
			Issuer:         getEnv("TOKEN_ISSUER", "https://trustgate.local"),
			SigningKeyPath: getEnv("TOKEN_SIGNING_KEY_PATH", ""),
			MaxLifetime:    parseDuration("TOKEN_MAX_LIFETIME", "15m"),
		},
		Cache: CacheConfig{
			SnapshotTTL: parseDuration("CACHE_SNAPSHOT_TTL", "5m"),
		},
		Policy: PolicyConfig{
			PlatformAdminEmails: parseList("POLICY_PLATFORM_ADMIN_EMAILS"),
			PlatformTenantID:    getEnv("POLICY_PLATFORM_TENANT_ID", ""),
		},
		Exchange: ExchangeConfig{
			RequestTimeout: parseDuration("EXCHANGE_REQUEST_TIMEOUT", "10s"),
			RevocationTTL:  parseDuration("EXCHANGE_REVOCATION_TTL", "24h"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "trustgate"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.IdentityProvider.Issuer == "" {
		return fmt.Errorf("IDP_ISSUER is required")
	}
	if c.IdentityProvider.JWKSURL == "" {
		return fmt.Errorf("IDP_JWKS_URL is required")
	}
	if c.Token.MaxLifetime <= 0 {
		return fmt.Errorf("TOKEN_MAX_LIFETIME must be positive")
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

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

func parseList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
