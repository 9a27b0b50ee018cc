// Package config loads node settings from the environment and the committee
// definition from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/lockchain/pkg/archive"
	"github.com/Mindburn-Labs/lockchain/pkg/store"
)

// Config holds node configuration.
type Config struct {
	Port     string
	LogLevel string

	NodeID string
	// SigningSeed is the hex Ed25519 seed. Empty generates an ephemeral key.
	SigningSeed   string
	CommitteeFile string

	ConsensusTimeout time.Duration
	// QuorumThreshold overrides the committee file and the 2f+1 default when > 0.
	QuorumThreshold int
	RecentTrees     int

	StoreBackend   string
	StorePath      string
	DatabaseURL    string
	RedisAddr      string
	CacheTTL       time.Duration
	EvidenceStream string

	ArchiveType     string
	ArchiveDir      string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
	ArchivePrefix   string

	JWTSecret      string
	JWTIssuer      string
	RateLimitRPS   float64
	RateLimitBurst int

	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getenv("PORT", "8080"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		NodeID:          getenv("LOCKCHAIN_NODE_ID", hostname()),
		SigningSeed:     os.Getenv("LOCKCHAIN_SIGNING_SEED"),
		CommitteeFile:   os.Getenv("LOCKCHAIN_COMMITTEE_FILE"),
		StoreBackend:    getenv("LOCKCHAIN_STORE", store.BackendPebble),
		StorePath:       getenv("LOCKCHAIN_STORE_PATH", "data/lockchain"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		EvidenceStream:  os.Getenv("LOCKCHAIN_EVIDENCE_STREAM"),
		ArchiveType:     os.Getenv("ARCHIVE_STORAGE_TYPE"),
		ArchiveDir:      getenv("ARCHIVE_DIR", "data/archive"),
		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:   getenv("ARCHIVE_REGION", os.Getenv("AWS_REGION")),
		ArchiveEndpoint: os.Getenv("ARCHIVE_ENDPOINT"),
		ArchivePrefix:   os.Getenv("ARCHIVE_PREFIX"),
		JWTSecret:       os.Getenv("LOCKCHAIN_JWT_SECRET"),
		JWTIssuer:       os.Getenv("LOCKCHAIN_JWT_ISSUER"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.TelemetryEnabled = cfg.OTLPEndpoint != ""

	var err error
	if cfg.ConsensusTimeout, err = durationEnv("LOCKCHAIN_CONSENSUS_TIMEOUT", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = durationEnv("LOCKCHAIN_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.QuorumThreshold, err = intEnv("LOCKCHAIN_QUORUM_THRESHOLD", 0); err != nil {
		return nil, err
	}
	if cfg.RecentTrees, err = intEnv("LOCKCHAIN_RECENT_TREES", 64); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = intEnv("RATE_LIMIT_BURST", 50); err != nil {
		return nil, err
	}
	rps := getenv("RATE_LIMIT_RPS", "20")
	if cfg.RateLimitRPS, err = strconv.ParseFloat(rps, 64); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
	}
	return cfg, nil
}

// StoreConfig maps the store settings onto store.Open.
func (c *Config) StoreConfig() store.Config {
	path := c.StorePath
	dsn := c.DatabaseURL
	if c.StoreBackend == store.BackendSQLite && strings.HasPrefix(dsn, "file:") {
		path = dsn
	}
	return store.Config{
		Backend:   c.StoreBackend,
		Path:      path,
		DSN:       dsn,
		RedisAddr: c.RedisAddr,
		CacheTTL:  c.CacheTTL,
	}
}

// ArchiveConfig maps the archive settings onto archive.NewSinkFromConfig.
func (c *Config) ArchiveConfig() archive.Config {
	return archive.Config{
		Type:     archive.SinkType(c.ArchiveType),
		Dir:      c.ArchiveDir,
		Bucket:   c.ArchiveBucket,
		Region:   c.ArchiveRegion,
		Endpoint: c.ArchiveEndpoint,
		Prefix:   c.ArchivePrefix,
	}
}

// SlogLevel parses LogLevel, falling back to Info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "lockchain-node"
	}
	return h
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
