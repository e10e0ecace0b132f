package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	PostgresDSN string
	LogLevel    string

	UpstreamURL            string
	UpstreamTimeoutSeconds int
	UpstreamMaxConns       int

	TokenTTLSeconds   int
	SessionRefreshTTL bool

	PolicyPath       string
	PolicyBundlePath string

	LoginRateLimitAttempts      int
	LoginRateLimitWindowSeconds int
	RateLimitFailClosed         bool
	RateLimitMaxKeys            int

	OwnershipCacheTTLSeconds int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:                    addr,
		PostgresDSN:                 os.Getenv("POSTGRES_DSN"),
		LogLevel:                    envDefault("LOG_LEVEL", "info"),
		UpstreamURL:                 os.Getenv("UPSTREAM_URL"),
		UpstreamTimeoutSeconds:      envIntDefault("UPSTREAM_TIMEOUT_SECONDS", 30),
		UpstreamMaxConns:            envIntDefault("UPSTREAM_MAX_CONNS", 64),
		TokenTTLSeconds:             envIntDefault("TOKEN_TTL_SECONDS", 3600),
		SessionRefreshTTL:           envBoolDefault("SESSION_REFRESH_TTL", false),
		PolicyPath:                  os.Getenv("POLICY_PATH"),
		PolicyBundlePath:            os.Getenv("POLICY_BUNDLE_PATH"),
		LoginRateLimitAttempts:      envIntDefault("LOGIN_RATE_LIMIT_ATTEMPTS", 0),
		LoginRateLimitWindowSeconds: envIntDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:         envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMaxKeys:            envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),
		OwnershipCacheTTLSeconds:    envIntDefault("OWNERSHIP_CACHE_TTL_SECONDS", 300),
		RedisAddr:                   os.Getenv("REDIS_ADDR"),
		RedisPassword:               os.Getenv("REDIS_PASSWORD"),
		RedisDB:                     envIntDefault("REDIS_DB", 0),
	}
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// envIntDefault falls back only when the variable is unset or malformed;
// an explicit 0 is a valid setting (it disables the feature it sizes).
func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

func (c Config) LoginRateLimitWindow() time.Duration {
	return time.Duration(c.LoginRateLimitWindowSeconds) * time.Second
}

func (c Config) OwnershipCacheTTL() time.Duration {
	return time.Duration(c.OwnershipCacheTTLSeconds) * time.Second
}
