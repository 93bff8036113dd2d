// Package config assembles runtime settings from a .env file and GOSCRAPE_*
// environment variables, with documented defaults for everything optional.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for everything the environment leaves unset.
const (
	DefaultListenAddr    = ":8089"
	DefaultStorageRoot   = "./goscrape-data"
	DefaultPruneInterval = 60 * time.Minute
	DefaultMaxStorageMB  = 500
	DefaultStaleLock     = 3600 * time.Second
)

// Config holds every runtime option the server and maintenance commands use.
type Config struct {
	ListenAddr  string
	StorageRoot string
	ProfilesDir string

	PruneInterval  time.Duration
	MaxStorageMB   int64
	StaleLockAfter time.Duration

	LogSinkURL    string
	LogSinkAPIKey string
	PublicBaseURL string
	JWTSecret     string

	Verbose bool
}

// MaxStorageBytes converts the MB budget into bytes.
func (c Config) MaxStorageBytes() int64 {
	return c.MaxStorageMB * 1024 * 1024
}

// Load reads .env (when present) and the GOSCRAPE_* environment. Env values
// layered over defaults; flags applied by the caller stay highest.
func Load() (Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:     DefaultListenAddr,
		StorageRoot:    DefaultStorageRoot,
		PruneInterval:  DefaultPruneInterval,
		MaxStorageMB:   DefaultMaxStorageMB,
		StaleLockAfter: DefaultStaleLock,
	}

	if v := os.Getenv("GOSCRAPE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GOSCRAPE_STORAGE_ROOT"); v != "" {
		cfg.StorageRoot = v
	}
	if v := os.Getenv("GOSCRAPE_PROFILES_DIR"); v != "" {
		cfg.ProfilesDir = v
	}
	if v := os.Getenv("GOSCRAPE_PRUNE_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("GOSCRAPE_PRUNE_INTERVAL_MINUTES %q: want integer >= 1", v)
		}
		cfg.PruneInterval = time.Duration(n) * time.Minute
	}
	if v := os.Getenv("GOSCRAPE_MAX_STORAGE_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("GOSCRAPE_MAX_STORAGE_MB %q: want integer >= 1", v)
		}
		cfg.MaxStorageMB = n
	}
	if v := os.Getenv("GOSCRAPE_PRUNE_STALE_LOCK_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("GOSCRAPE_PRUNE_STALE_LOCK_SECONDS %q: want integer >= 1", v)
		}
		cfg.StaleLockAfter = time.Duration(n) * time.Second
	}

	cfg.LogSinkURL = os.Getenv("GOSCRAPE_LOG_SINK_URL")
	cfg.LogSinkAPIKey = os.Getenv("GOSCRAPE_LOG_SINK_API_KEY")
	cfg.PublicBaseURL = strings.TrimSuffix(os.Getenv("GOSCRAPE_PUBLIC_BASE_URL"), "/")
	cfg.JWTSecret = os.Getenv("GOSCRAPE_JWT_SECRET")

	switch strings.ToLower(strings.TrimSpace(os.Getenv("GOSCRAPE_VERBOSE"))) {
	case "1", "true", "yes", "on":
		cfg.Verbose = true
	}
	return cfg, nil
}
