package api

import (
	"os"
	"strconv"
	"strings"
)

// Config controls stage API behavior.
type Config struct {
	MaxBodyBytes int64
	TrustProxy   bool
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	return Config{
		MaxBodyBytes: envInt64("ENTANGLE_API_MAX_BODY_BYTES", 64<<10),
		TrustProxy:   envBool("ENTANGLE_API_TRUST_PROXY", false),
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
