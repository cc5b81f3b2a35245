package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL string `mapstructure:"REDIS_URL"`

	AuthServiceURL string `mapstructure:"AUTH_SERVICE_URL"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	// ABDMBaseURL is the Gateway's base URL for consent and health-information
	// exchange calls (spec.md §1, §4.A).
	ABDMBaseURL     string `mapstructure:"ABDM_BASE_URL"`
	ABDMAuthURL     string `mapstructure:"ABDM_AUTH_URL"`
	ABDMClientID    string `mapstructure:"ABDM_CLIENT_ID"`
	ABDMClientSecret string `mapstructure:"ABDM_CLIENT_SECRET"`

	ConsentCallbackURL      string `mapstructure:"CONSENT_CALLBACK_URL"`
	HealthRecordCallbackURL string `mapstructure:"HEALTH_RECORD_CALLBACK_URL"`

	// WebhookSecret authenticates inbound ABDM callbacks (spec.md §4.F);
	// WebhookAllowedCIDRs additionally restricts the source IPs accepted,
	// comma-separated (empty means no restriction — development only).
	WebhookSecret       string   `mapstructure:"ABDM_WEBHOOK_SECRET"`
	WebhookAllowedCIDRs []string `mapstructure:"WEBHOOK_ALLOWED_CIDRS"`

	RequestTimeoutMS  int `mapstructure:"REQUEST_TIMEOUT_MS"`
	MaxRetryAttempts  int `mapstructure:"MAX_RETRY_ATTEMPTS"`
	CacheTTLSeconds   int `mapstructure:"CACHE_TTL_SECONDS"`

	// TokenEncryptionKey is validated (required in production) but no
	// component reads it: the Gateway session token is cached in memory only
	// and is not encrypted. DataEncryptionKey is the root key from which per-consent record keys
	// are derived (spec.md §4.D, §5 Open Question on key derivation).
	TokenEncryptionKey string `mapstructure:"TOKEN_ENCRYPTION_KEY"`
	DataEncryptionKey  string `mapstructure:"DATA_ENCRYPTION_KEY"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT_MS", 10000)
	v.SetDefault("MAX_RETRY_ATTEMPTS", 3)
	v.SetDefault("CACHE_TTL_SECONDS", 3300) // ABDM session tokens are valid ~1h; refresh early

	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL",
		"AUTH_SERVICE_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
		"ABDM_BASE_URL", "ABDM_AUTH_URL", "ABDM_CLIENT_ID", "ABDM_CLIENT_SECRET",
		"CONSENT_CALLBACK_URL", "HEALTH_RECORD_CALLBACK_URL",
		"ABDM_WEBHOOK_SECRET", "WEBHOOK_ALLOWED_CIDRS",
		"REQUEST_TIMEOUT_MS", "MAX_RETRY_ATTEMPTS", "CACHE_TTL_SECONDS",
		"TOKEN_ENCRYPTION_KEY", "DATA_ENCRYPTION_KEY",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	// ErrorUnused catches a typo'd mapstructure tag or a renamed field that
	// silently stops reading its env var — fail startup instead of serving
	// on stale defaults.
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.ErrorUnused = true }); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.WebhookAllowedCIDRs == nil {
		cidrs := v.GetString("WEBHOOK_ALLOWED_CIDRS")
		if cidrs != "" {
			cfg.WebhookAllowedCIDRs = strings.Split(cidrs, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RequestTimeout is the per-call Gateway Client timeout (spec.md §4.A).
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// CacheTTL is how long a cached Gateway session token is trusted before
// a fresh one is requested (spec.md §4.A token cache).
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. Gateway
// credentials and callback URLs are always required: this service cannot
// function without a Consent Manager/Gateway relationship. In production,
// DATA_ENCRYPTION_KEY and TOKEN_ENCRYPTION_KEY are required and must be
// valid 64-character hex strings (32 bytes when decoded).
func (c *Config) Validate() error {
	if c.ABDMBaseURL == "" {
		return fmt.Errorf("ABDM_BASE_URL is required")
	}
	if c.ABDMAuthURL == "" {
		return fmt.Errorf("ABDM_AUTH_URL is required")
	}
	if c.ABDMClientID == "" || c.ABDMClientSecret == "" {
		return fmt.Errorf("ABDM_CLIENT_ID and ABDM_CLIENT_SECRET are required")
	}
	if c.ConsentCallbackURL == "" {
		return fmt.Errorf("CONSENT_CALLBACK_URL is required")
	}
	if c.HealthRecordCallbackURL == "" {
		return fmt.Errorf("HEALTH_RECORD_CALLBACK_URL is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("ABDM_WEBHOOK_SECRET is required")
	}

	if c.IsProduction() {
		if c.DataEncryptionKey == "" {
			return fmt.Errorf("DATA_ENCRYPTION_KEY is required in production")
		}
		if c.TokenEncryptionKey == "" {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required in production")
		}
	}
	for name, val := range map[string]string{
		"DATA_ENCRYPTION_KEY":  c.DataEncryptionKey,
		"TOKEN_ENCRYPTION_KEY": c.TokenEncryptionKey,
	} {
		if val == "" {
			continue
		}
		keyBytes, err := hex.DecodeString(val)
		if err != nil {
			return fmt.Errorf("%s is not valid hex: %w", name, err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(keyBytes))
		}
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
