// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KickoutPolicy values accepted by KICKOUT_POLICY.
const (
	KickoutPolicyOldest = "kickout_oldest"
	KickoutPolicyReject = "reject_new"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTSecretKey is the shared HMAC key used to sign and verify both token kinds. Required to issue tokens.
	JWTSecretKey string `mapstructure:"JWT_SECRET_KEY"`
	// JWTIssuer is the iss claim; validated on every token check.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim; validated on every token check.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTLMinutes is the access token lifetime in minutes (default 10080, i.e. 7 days).
	JWTAccessTTLMinutes int `mapstructure:"JWT_ACCESS_TTL_MINUTES"`
	// JWTRefreshTTLDays is the refresh token lifetime in days (default 30).
	JWTRefreshTTLDays int `mapstructure:"JWT_REFRESH_TTL_DAYS"`
	// DeviceLimitEnabled toggles per-account device quota enforcement.
	DeviceLimitEnabled bool `mapstructure:"DEVICE_LIMIT_ENABLED"`
	// MaxDeviceCount is the default per-account active device quota (a positive per-user allowance overrides it).
	MaxDeviceCount int `mapstructure:"MAX_DEVICE_COUNT"`
	// KickoutPolicy is kickout_oldest or reject_new; applied when a user at quota binds another device.
	KickoutPolicy string `mapstructure:"KICKOUT_POLICY"`
	// DeviceTokenExpirationDays is the default expiry window for a newly bound device (default 30).
	DeviceTokenExpirationDays int `mapstructure:"DEVICE_TOKEN_EXPIRATION_DAYS"`
	// SessionTokenMaxLength is the longest token stored verbatim as a session lookup key; longer
	// token-kind tokens get a synthesized compact key (default 450, the storage column's practical width).
	SessionTokenMaxLength int `mapstructure:"SESSION_TOKEN_MAX_LENGTH"`
	// CleanupInterval is the sweep loop interval (e.g. "1h").
	CleanupInterval string `mapstructure:"CLEANUP_INTERVAL"`
	// CleanupRetryInterval is the shortened delay after a failed sweep cycle (e.g. "5m").
	CleanupRetryInterval string `mapstructure:"CLEANUP_RETRY_INTERVAL"`
	// BcryptCost is the bcrypt cost factor (4-31) for hashing stored verification codes; default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g. http://localhost:4317). Empty disables export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_SECRET_KEY", "")
	v.SetDefault("JWT_ISSUER", "trust-plane")
	v.SetDefault("JWT_AUDIENCE", "trust-plane-clients")
	v.SetDefault("JWT_ACCESS_TTL_MINUTES", 10080) // 7d
	v.SetDefault("JWT_REFRESH_TTL_DAYS", 30)
	v.SetDefault("DEVICE_LIMIT_ENABLED", true)
	v.SetDefault("MAX_DEVICE_COUNT", 3)
	v.SetDefault("KICKOUT_POLICY", KickoutPolicyOldest)
	v.SetDefault("DEVICE_TOKEN_EXPIRATION_DAYS", 30)
	v.SetDefault("SESSION_TOKEN_MAX_LENGTH", 450)
	v.SetDefault("CLEANUP_INTERVAL", "1h")
	v.SetDefault("CLEANUP_RETRY_INTERVAL", "5m")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}

	policy := strings.ToLower(strings.TrimSpace(cfg.KickoutPolicy))
	switch policy {
	case KickoutPolicyOldest, KickoutPolicyReject:
		cfg.KickoutPolicy = policy
	default:
		return nil, errors.New("config: KICKOUT_POLICY must be kickout_oldest or reject_new")
	}

	if cfg.MaxDeviceCount < 1 {
		return nil, errors.New("config: MAX_DEVICE_COUNT must be at least 1")
	}
	if cfg.DeviceTokenExpirationDays < 1 {
		return nil, errors.New("config: DEVICE_TOKEN_EXPIRATION_DAYS must be at least 1")
	}
	if cfg.SessionTokenMaxLength < 64 {
		return nil, errors.New("config: SESSION_TOKEN_MAX_LENGTH must be at least 64")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	return &cfg, nil
}

// AccessTTL returns the access token lifetime. Returns 7 days if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	if c.JWTAccessTTLMinutes <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.JWTAccessTTLMinutes) * time.Minute
}

// RefreshTTL returns the refresh token lifetime. Returns 30 days if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	if c.JWTRefreshTTLDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(c.JWTRefreshTTLDays) * 24 * time.Hour
}

// SweepInterval parses CleanupInterval as a time.Duration. Returns 1h if unset or invalid.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.CleanupInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// SweepRetryInterval parses CleanupRetryInterval. Returns 5m if unset or invalid,
// and never more than SweepInterval.
func (c *Config) SweepRetryInterval() time.Duration {
	d, err := time.ParseDuration(c.CleanupRetryInterval)
	if err != nil || d <= 0 {
		d = 5 * time.Minute
	}
	if s := c.SweepInterval(); d > s {
		return s
	}
	return d
}
