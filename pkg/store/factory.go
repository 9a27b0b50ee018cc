package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/lockchain/pkg/observability"
)

// Backend names accepted by Open.
const (
	BackendPebble   = "pebble"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects and configures a Store backend.
type Config struct {
	Backend string
	// Path is the pebble directory or sqlite file.
	Path string
	// DSN is the Postgres connection string.
	DSN string
	// RedisAddr, when set, wraps the backend in a CachedStore.
	RedisAddr string
	CacheTTL  time.Duration
	// Telemetry, when set, wraps the store in an InstrumentedStore.
	Telemetry *observability.Provider
}

// Open builds the configured store and verifies its format version.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case BackendPebble, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: pebble backend requires a path")
		}
		s, err = OpenPebble(cfg.Path, false)
	case BackendMemory:
		s, err = OpenPebble("lockchain-mem", true)
	case BackendSQLite:
		s, err = openSQL(ctx, "sqlite", cfg.Path, SQLiteDialect)
	case BackendPostgres:
		s, err = openSQL(ctx, "postgres", cfg.DSN, PostgresDialect)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s = NewCachedStore(s, client, cfg.CacheTTL)
	}
	if cfg.Telemetry != nil {
		s = NewInstrumentedStore(s, cfg.Telemetry, cfg.Backend)
	}
	return s, nil
}

func openSQL(ctx context.Context, driver, dsn string, dialect Dialect) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: %s backend requires a data source", dialect.Name)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, ioErr("sql open", err)
	}
	if driver == "sqlite" {
		// SQLite allows one writer; a single connection also keeps :memory: coherent.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ioErr("sql ping", err)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
