// Package config loads the service configuration from RELATR_* environment
// variables, with a best-effort .env file pass first.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ContextVM/relatr-sub002/internal/graph"
	"github.com/ContextVM/relatr-sub002/internal/pubkey"
)

const envPrefix = "RELATR_"

// Recognized environment keys. Anything else with the RELATR_ prefix is
// ignored with a warning.
const (
	EnvDefaultSourcePubkey    = envPrefix + "DEFAULT_SOURCE_PUBKEY"
	EnvDatabasePath           = envPrefix + "DATABASE_PATH"
	EnvNostrRelays            = envPrefix + "NOSTR_RELAYS"
	EnvServerSecretKey        = envPrefix + "SERVER_SECRET_KEY"
	EnvServerRelays           = envPrefix + "SERVER_RELAYS"
	EnvDecayFactor            = envPrefix + "DECAY_FACTOR"
	EnvCacheTTLSeconds        = envPrefix + "CACHE_TTL_SECONDS"
	EnvNumberOfHops           = envPrefix + "NUMBER_OF_HOPS"
	EnvRateLimitTokens        = envPrefix + "RATE_LIMIT_TOKENS"
	EnvRateLimitRefillRate    = envPrefix + "RATE_LIMIT_REFILL_RATE"
	EnvWeightingScheme        = envPrefix + "WEIGHTING_SCHEME"
	EnvSyncInterval           = envPrefix + "SYNC_INTERVAL"
	EnvCleanupInterval        = envPrefix + "CLEANUP_INTERVAL"
	EnvValidationSyncInterval = envPrefix + "VALIDATION_SYNC_INTERVAL"
	EnvMaxCacheEntries        = envPrefix + "MAX_CACHE_ENTRIES"
)

const (
	DefaultDatabasePath           = "./data/relatr.db"
	DefaultDecayFactor            = 0.1
	DefaultCacheTTL               = 604800 * time.Second
	DefaultNumberOfHops           = 1
	DefaultRateLimitTokens        = 10
	DefaultRateLimitRefillRate    = 200
	DefaultWeightingScheme        = "default"
	DefaultSyncInterval           = time.Hour
	DefaultCleanupInterval        = time.Hour
	DefaultValidationSyncInterval = 6 * time.Hour
	DefaultMaxCacheEntries        = 10000
)

// Config is the service configuration after validation. Pubkeys are
// canonical hex.
type Config struct {
	DefaultSourcePubkey string
	DatabasePath        string
	NostrRelays         []string
	ServerSecretKey     string
	ServerRelays        []string

	DecayFactor         float64
	CacheTTL            time.Duration
	NumberOfHops        int
	RateLimitTokens     int
	RateLimitRefillRate int // tokens per second
	WeightingScheme     string
	MaxCacheEntries     int

	SyncInterval           time.Duration
	CleanupInterval        time.Duration
	ValidationSyncInterval time.Duration
}

// SnapshotPath is where the social-graph snapshot lives: next to the
// database file.
func (c *Config) SnapshotPath() string {
	return filepath.Join(filepath.Dir(c.DatabasePath), "graph-snapshot.json")
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; real environment
// variables win over it.
func Load(log *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("config: skipping unreadable .env file", "error", err)
	}
	return load(log, os.Getenv, os.Environ)
}

func load(log *slog.Logger, getenv func(string) string, environ func() []string) (*Config, error) {
	warnUnknownKeys(log, environ)

	cfg := &Config{
		DatabasePath:           stringOr(getenv, EnvDatabasePath, DefaultDatabasePath),
		WeightingScheme:        stringOr(getenv, EnvWeightingScheme, DefaultWeightingScheme),
		DecayFactor:            DefaultDecayFactor,
		CacheTTL:               DefaultCacheTTL,
		NumberOfHops:           DefaultNumberOfHops,
		RateLimitTokens:        DefaultRateLimitTokens,
		RateLimitRefillRate:    DefaultRateLimitRefillRate,
		MaxCacheEntries:        DefaultMaxCacheEntries,
		SyncInterval:           DefaultSyncInterval,
		CleanupInterval:        DefaultCleanupInterval,
		ValidationSyncInterval: DefaultValidationSyncInterval,
	}

	source := getenv(EnvDefaultSourcePubkey)
	if source == "" {
		return nil, fmt.Errorf("%s is required", EnvDefaultSourcePubkey)
	}
	canonical, err := pubkey.Normalize(source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvDefaultSourcePubkey, err)
	}
	cfg.DefaultSourcePubkey = canonical

	cfg.NostrRelays, err = relayList(getenv(EnvNostrRelays))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvNostrRelays, err)
	}
	if len(cfg.NostrRelays) == 0 {
		return nil, fmt.Errorf("%s is required", EnvNostrRelays)
	}

	secret := strings.ToLower(strings.TrimSpace(getenv(EnvServerSecretKey)))
	if secret == "" {
		return nil, fmt.Errorf("%s is required", EnvServerSecretKey)
	}
	if !isHex64(secret) {
		return nil, fmt.Errorf("%s must be 64 hex characters", EnvServerSecretKey)
	}
	cfg.ServerSecretKey = secret

	cfg.ServerRelays, err = relayList(getenv(EnvServerRelays))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvServerRelays, err)
	}
	if len(cfg.ServerRelays) == 0 {
		cfg.ServerRelays = cfg.NostrRelays
	}

	if err := parseFloat(getenv, EnvDecayFactor, &cfg.DecayFactor); err != nil {
		return nil, err
	}
	if cfg.DecayFactor <= 0 {
		return nil, fmt.Errorf("%s must be positive", EnvDecayFactor)
	}

	if err := parseSeconds(getenv, EnvCacheTTLSeconds, &cfg.CacheTTL); err != nil {
		return nil, err
	}
	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("%s must be positive", EnvCacheTTLSeconds)
	}

	if err := parseInt(getenv, EnvNumberOfHops, &cfg.NumberOfHops); err != nil {
		return nil, err
	}
	if cfg.NumberOfHops < 0 || cfg.NumberOfHops > graph.MaxSyncHops {
		return nil, fmt.Errorf("%s must be in [0,%d]", EnvNumberOfHops, graph.MaxSyncHops)
	}

	if err := parseInt(getenv, EnvRateLimitTokens, &cfg.RateLimitTokens); err != nil {
		return nil, err
	}
	if cfg.RateLimitTokens <= 0 {
		return nil, fmt.Errorf("%s must be positive", EnvRateLimitTokens)
	}

	if err := parseInt(getenv, EnvRateLimitRefillRate, &cfg.RateLimitRefillRate); err != nil {
		return nil, err
	}
	if cfg.RateLimitRefillRate <= 0 {
		return nil, fmt.Errorf("%s must be positive", EnvRateLimitRefillRate)
	}

	if err := parseInt(getenv, EnvMaxCacheEntries, &cfg.MaxCacheEntries); err != nil {
		return nil, err
	}
	if cfg.MaxCacheEntries <= 0 {
		return nil, fmt.Errorf("%s must be positive", EnvMaxCacheEntries)
	}

	for _, iv := range []struct {
		key string
		dst *time.Duration
	}{
		{EnvSyncInterval, &cfg.SyncInterval},
		{EnvCleanupInterval, &cfg.CleanupInterval},
		{EnvValidationSyncInterval, &cfg.ValidationSyncInterval},
	} {
		if err := parseDuration(getenv, iv.key, iv.dst); err != nil {
			return nil, err
		}
		if *iv.dst <= 0 {
			return nil, fmt.Errorf("%s must be positive", iv.key)
		}
	}

	return cfg, nil
}

var recognized = map[string]struct{}{
	EnvDefaultSourcePubkey:    {},
	EnvDatabasePath:           {},
	EnvNostrRelays:            {},
	EnvServerSecretKey:        {},
	EnvServerRelays:           {},
	EnvDecayFactor:            {},
	EnvCacheTTLSeconds:        {},
	EnvNumberOfHops:           {},
	EnvRateLimitTokens:        {},
	EnvRateLimitRefillRate:    {},
	EnvWeightingScheme:        {},
	EnvSyncInterval:           {},
	EnvCleanupInterval:        {},
	EnvValidationSyncInterval: {},
	EnvMaxCacheEntries:        {},
}

func warnUnknownKeys(log *slog.Logger, environ func() []string) {
	for _, kv := range environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if _, known := recognized[key]; !known {
			log.Warn("config: ignoring unknown option", "key", key)
		}
	}
}

func relayList(raw string) ([]string, error) {
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		url := strings.TrimSpace(part)
		if url == "" {
			continue
		}
		if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
			return nil, fmt.Errorf("relay %q must be a ws:// or wss:// URL", url)
		}
		out = append(out, url)
	}
	return out, nil
}

func stringOr(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseFloat(getenv func(string) string, key string, dst *float64) error {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func parseInt(getenv func(string) string, key string, dst *int) error {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func parseSeconds(getenv func(string) string, key string, dst *time.Duration) error {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = time.Duration(v) * time.Second
	return nil
}

// parseDuration accepts Go duration syntax ("90m") or a bare second count.
func parseDuration(getenv func(string) string, key string, dst *time.Duration) error {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
