// Package config provides TOML configuration file loading for tokengate.
// The configuration file lives at ~/.tokengate/config.toml by default, but can be
// overridden with the --config flag. Environment variables (optionally loaded
// from a .env file) override file values, and CLI flags override both.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-version"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment override, e.g.
// TOKENGATE_ACCESS_TOKEN_SECRET.
const EnvPrefix = "TOKENGATE"

// MinSecretLength is the minimum accepted length of a signing secret in bytes.
const MinSecretLength = 32

// Config represents the tokengate configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the HTTP API.
	// Default: 127.0.0.1:8440
	Addr string `toml:"addr" envconfig:"ADDR"`

	// Database is the path to the SQLite credential store.
	// Default: ~/.tokengate/tokengate.db
	Database string `toml:"database" envconfig:"DATABASE"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level" envconfig:"LOG_LEVEL"`

	// LogFormat is json or console. Default: console
	LogFormat string `toml:"log_format" envconfig:"LOG_FORMAT"`

	// LogFile sends logs to a rotated file instead of stderr when set.
	LogFile string `toml:"log_file" envconfig:"LOG_FILE"`

	// TLS serves the API over HTTPS. When TLSCert/TLSKey are empty a
	// self-signed certificate is generated under ~/.tokengate/certs.
	TLS     bool   `toml:"tls" envconfig:"TLS"`
	TLSCert string `toml:"tls_cert" envconfig:"TLS_CERT"`
	TLSKey  string `toml:"tls_key" envconfig:"TLS_KEY"`

	// Advertise announces the API on the local network via mDNS so devices
	// can find the exchange endpoint. Default: false
	Advertise bool `toml:"advertise" envconfig:"ADVERTISE"`

	// AccessTokenSecret signs admin session tokens and device access tokens.
	// Required, at least 32 bytes.
	AccessTokenSecret string `toml:"access_token_secret" envconfig:"ACCESS_TOKEN_SECRET"`

	// RefreshTokenSecret signs device refresh tokens. Required, at least
	// 32 bytes, and must differ from AccessTokenSecret.
	RefreshTokenSecret string `toml:"refresh_token_secret" envconfig:"REFRESH_TOKEN_SECRET"`

	// Issuer and Audience are stamped into and required on every session token.
	Issuer   string `toml:"issuer" envconfig:"ISSUER"`
	Audience string `toml:"audience" envconfig:"AUDIENCE"`

	// Token lifetimes. Defaults: 8h, 15m, 720h (30 days).
	AdminSessionTTL  time.Duration `toml:"admin_session_ttl" envconfig:"ADMIN_SESSION_TTL"`
	DeviceAccessTTL  time.Duration `toml:"device_access_ttl" envconfig:"DEVICE_ACCESS_TTL"`
	DeviceRefreshTTL time.Duration `toml:"device_refresh_ttl" envconfig:"DEVICE_REFRESH_TTL"`

	// StoreTimeout bounds every individual store call. Default: 5s
	StoreTimeout time.Duration `toml:"store_timeout" envconfig:"STORE_TIMEOUT"`

	// LockoutMaxAttempts failed logins lock the account for LockoutDuration.
	// Defaults: 5 attempts, 2h.
	LockoutMaxAttempts int           `toml:"lockout_max_attempts" envconfig:"LOCKOUT_MAX_ATTEMPTS"`
	LockoutDuration    time.Duration `toml:"lockout_duration" envconfig:"LOCKOUT_DURATION"`

	// BcryptCost is the password hashing cost. Default: 12
	BcryptCost int `toml:"bcrypt_cost" envconfig:"BCRYPT_COST"`

	// RefreshRevalidatesIdentity re-checks the app identity's active flag on
	// every refresh. Default: false (refresh trusts the original exchange).
	RefreshRevalidatesIdentity bool `toml:"refresh_revalidates_identity" envconfig:"REFRESH_REVALIDATES_IDENTITY"`

	// MinAppVersion rejects device exchanges from older app versions when set.
	MinAppVersion string `toml:"min_app_version" envconfig:"MIN_APP_VERSION"`

	// RateLimitPerMinute and RateLimitBurst throttle login, exchange and
	// refresh per client address. Defaults: 30/min, burst 10. Negative disables.
	RateLimitPerMinute int `toml:"rate_limit_per_minute" envconfig:"RATE_LIMIT_PER_MINUTE"`
	RateLimitBurst     int `toml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
}

// DefaultConfigPath returns the default config file location: ~/.tokengate/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tokengate", "config.toml"), nil
}

// DefaultDatabasePath returns the default store location: ~/.tokengate/tokengate.db.
func DefaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tokengate", "tokengate.db"), nil
}

// WriteDefault creates a config file with freshly generated signing secrets.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	accessSecret, err := randomSecret()
	if err != nil {
		return err
	}
	refreshSecret, err := randomSecret()
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`# tokengate configuration
# Created by 'tokengate init'. Keep this file private.

addr = %q

# Signing secrets. Rotating either one invalidates every token it signed.
access_token_secret = %q
refresh_token_secret = %q

admin_session_ttl = "8h"
device_access_ttl = "15m"
device_refresh_ttl = "720h"

lockout_max_attempts = 5
lockout_duration = "2h"
`, DefaultAddr, accessSecret, refreshSecret)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
// Environment overrides and defaults are applied on top of the file.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.tokengate/config.toml).
//     A missing default file is not an error.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				path = defaultPath
			}
		}
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(""); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// ApplyEnv loads dotenvPath (or ./.env when empty) into the process
// environment without overriding variables that are already set, then copies
// TOKENGATE_* variables onto cfg. A missing .env file is not an error.
func (c *Config) ApplyEnv(dotenvPath string) error {
	if dotenvPath == "" {
		dotenvPath = ".env"
	}
	if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", dotenvPath, err)
	}

	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}
	return nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Database == "" {
		if p, err := DefaultDatabasePath(); err == nil {
			c.Database = p
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.Audience == "" {
		c.Audience = DefaultAudience
	}
	if c.AdminSessionTTL == 0 {
		c.AdminSessionTTL = DefaultAdminSessionTTL
	}
	if c.DeviceAccessTTL == 0 {
		c.DeviceAccessTTL = DefaultDeviceAccessTTL
	}
	if c.DeviceRefreshTTL == 0 {
		c.DeviceRefreshTTL = DefaultDeviceRefreshTTL
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.LockoutMaxAttempts == 0 {
		c.LockoutMaxAttempts = DefaultLockoutMaxAttempts
	}
	if c.LockoutDuration == 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = DefaultBcryptCost
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
}

// Validate reports the first problem that would make the server unsafe to run.
func (c *Config) Validate() error {
	if len(c.AccessTokenSecret) < MinSecretLength {
		return fmt.Errorf("access_token_secret must be at least %d bytes (run 'tokengate init' or set %s_ACCESS_TOKEN_SECRET)", MinSecretLength, EnvPrefix)
	}
	if len(c.RefreshTokenSecret) < MinSecretLength {
		return fmt.Errorf("refresh_token_secret must be at least %d bytes (run 'tokengate init' or set %s_REFRESH_TOKEN_SECRET)", MinSecretLength, EnvPrefix)
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return errors.New("access_token_secret and refresh_token_secret must differ")
	}
	if c.DeviceAccessTTL >= c.DeviceRefreshTTL {
		return fmt.Errorf("device_access_ttl (%s) must be shorter than device_refresh_ttl (%s)", c.DeviceAccessTTL, c.DeviceRefreshTTL)
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("bcrypt_cost %d out of range [4,31]", c.BcryptCost)
	}
	if c.LockoutMaxAttempts < 1 {
		return fmt.Errorf("lockout_max_attempts must be positive, got %d", c.LockoutMaxAttempts)
	}
	if c.MinAppVersion != "" {
		if _, err := version.NewSemver(c.MinAppVersion); err != nil {
			return fmt.Errorf("min_app_version %q: %w", c.MinAppVersion, err)
		}
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
