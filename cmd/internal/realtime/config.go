package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const watchDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"

// WatchConfig controls the status watch gateway.
type WatchConfig struct {
	Interval     time.Duration
	WriteTimeout time.Duration

	OriginRequired bool
	AllowedOrigins []string

	RefreshEvents int
	RefreshWindow time.Duration
}

// LoadWatchConfigFromEnv loads gateway config from environment variables with safe defaults.
//
// Optional:
//   - ENTANGLE_WS_WATCH_INTERVAL (default 1s)
//   - ENTANGLE_WS_WRITE_TIMEOUT (default 5s)
//   - ENTANGLE_WS_ORIGIN_REQUIRED (default true)
//   - ENTANGLE_WS_ALLOWED_ORIGINS (default localhost only)
//   - ENTANGLE_WS_REFRESH_EVENTS, ENTANGLE_WS_REFRESH_WINDOW
func LoadWatchConfigFromEnv() WatchConfig {
	return WatchConfig{
		Interval:       envDuration("ENTANGLE_WS_WATCH_INTERVAL", watchDefaultInterval),
		WriteTimeout:   envDuration("ENTANGLE_WS_WRITE_TIMEOUT", watchDefaultWriteTimeout),
		OriginRequired: envBool("ENTANGLE_WS_ORIGIN_REQUIRED", true),
		AllowedOrigins: envCSV("ENTANGLE_WS_ALLOWED_ORIGINS", watchDefaultAllowedOrigins),
		RefreshEvents:  envInt("ENTANGLE_WS_REFRESH_EVENTS", refreshLimitEvents),
		RefreshWindow:  envDuration("ENTANGLE_WS_REFRESH_WINDOW", refreshLimitWindow),
	}
}

func (c WatchConfig) normalized() WatchConfig {
	if c.Interval < watchMinInterval {
		c.Interval = watchDefaultInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = watchDefaultWriteTimeout
	}
	if c.RefreshEvents <= 0 {
		c.RefreshEvents = refreshLimitEvents
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = refreshLimitWindow
	}
	return c
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

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
