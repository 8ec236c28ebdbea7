package config

import "time"

// DefaultAddr is the default listen address for the HTTP API.
const DefaultAddr = "127.0.0.1:8440"

const (
	DefaultLogLevel = "info"
	DefaultIssuer   = "tokengate"
	DefaultAudience = "tokengate-api"

	DefaultAdminSessionTTL  = 8 * time.Hour
	DefaultDeviceAccessTTL  = 15 * time.Minute
	DefaultDeviceRefreshTTL = 30 * 24 * time.Hour

	DefaultStoreTimeout = 5 * time.Second

	DefaultLockoutMaxAttempts = 5
	DefaultLockoutDuration    = 2 * time.Hour

	DefaultBcryptCost = 12

	DefaultRateLimitPerMinute = 30
	DefaultRateLimitBurst     = 10
)
