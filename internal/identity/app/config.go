package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/midgarde/keygate/pkg/jwtx"
)

type Config struct {
	Issuer   string   // Required: issuer claim for tokens
	Audience []string // Optional: extra audience values for access tokens

	Algorithm      string // Optional: JWT signing algorithm (EdDSA, ES256) (default: EdDSA)
	SigningKeyFile string // Optional: PKCS8 PEM signing key; empty generates an ephemeral key
	DatabaseFile   string // Optional: path to SQLite database file (default: ./keygate.db)
	PepperFile     string // Optional: path to the password pepper file (default: ./pepper)

	AccessTokenTTL   time.Duration // Access token lifetime (default: 30m)
	RefreshTokenTTL  time.Duration // Refresh token lifetime (default: 168h)
	IdentityTokenTTL time.Duration // Identity token lifetime (default: 5m)

	MaxFailedAttempts int           // Failed logins before lockout (default: 5)
	LockoutDuration   time.Duration // Lockout window (default: 15m)
	LoginRateLimit    int           // Login attempts per email per minute (default: 10)

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:         os.Getenv("KEYGATE_ISSUER"),
		Algorithm:      getEnvOrDefault("KEYGATE_ALGORITHM", jwtx.AlgorithmEdDSA),
		SigningKeyFile: os.Getenv("KEYGATE_SIGNING_KEY_FILE"),
		DatabaseFile:   getEnvOrDefault("KEYGATE_DATABASE_FILE", "keygate.db"),
		PepperFile:     getEnvOrDefault("KEYGATE_PEPPER_FILE", "pepper"),

		AccessTokenTTL:   getEnvDurationOrDefault("KEYGATE_ACCESS_TOKEN_TTL", jwtx.DefaultAccessTokenTTL),
		RefreshTokenTTL:  getEnvDurationOrDefault("KEYGATE_REFRESH_TOKEN_TTL", jwtx.DefaultRefreshTokenTTL),
		IdentityTokenTTL: getEnvDurationOrDefault("KEYGATE_IDENTITY_TOKEN_TTL", jwtx.DefaultIdentityTokenTTL),

		MaxFailedAttempts: getEnvIntOrDefault("KEYGATE_MAX_FAILED_ATTEMPTS", 5),
		LockoutDuration:   getEnvDurationOrDefault("KEYGATE_LOCKOUT_DURATION", 15*time.Minute),
		LoginRateLimit:    getEnvIntOrDefault("KEYGATE_LOGIN_RATE_LIMIT", 10),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}

	if aud := os.Getenv("KEYGATE_AUDIENCE"); aud != "" {
		cfg.Audience = splitAndTrim(aud)
	}

	if cfg.Issuer == "" {
		cfg.Issuer = "keygate"
	}

	return cfg
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Integer values are taken as minutes.
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
