package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
)

// Dialect captures the differences between the SQL engines SQLStore runs on.
type Dialect struct {
	Name string
	// Bind rewrites '?' placeholders into the engine's form.
	Bind func(query string) string
	// Pragmas run once at Init, before the schema.
	Pragmas []string
}

// SQLiteDialect runs with synchronous=FULL so a committed insert survives power loss.
var SQLiteDialect = Dialect{
	Name: "sqlite",
	Bind: func(q string) string { return q },
	Pragmas: []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
	},
}

var PostgresDialect = Dialect{
	Name: "postgres",
	Bind: dollarPlaceholders,
}

func dollarPlaceholders(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS lockchain_commitments (
	cycle_key TEXT PRIMARY KEY,
	root TEXT NOT NULL,
	entry TEXT NOT NULL,
	persisted_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lockchain_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLStore implements Store using database/sql. Keys are CycleKey strings so
// that ORDER BY cycle_key is cycle order on every engine.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	mu      sync.Mutex
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "store", "backend", dialect.Name),
	}
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Bind(query)
}

// Init applies pragmas and the schema, then records or checks the format version.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, p := range s.dialect.Pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return ioErr("pragma", err)
		}
	}
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return ioErr("migrate", err)
		}
	}

	var stored string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM lockchain_meta WHERE key = ?`), metaFormatKey).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, s.q(`INSERT INTO lockchain_meta (key, value) VALUES (?, ?)`), metaFormatKey, FormatVersion); err != nil {
			return ioErr("write format", err)
		}
		return nil
	case err != nil:
		return ioErr("read format", err)
	default:
		return checkFormat(stored)
	}
}

func (s *SQLStore) Persist(ctx context.Context, entry *contracts.CommitmentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found, err := s.Get(ctx, entry.CycleID)
	if err != nil {
		return err
	}
	if found {
		if existing.Root != entry.Root {
			return mismatch(existing, entry)
		}
		return nil
	}

	stamped := stamp(entry)
	value, err := encodeEntry(stamped)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO lockchain_commitments (cycle_key, root, entry, persisted_at) VALUES (?, ?, ?, ?)`),
		CycleKey(entry.CycleID), entry.Root.String(), string(value), stamped.PersistedAt.Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	if err != nil {
		// Lost a race with another writer: settle it by comparing roots.
		if existing, found, gerr := s.Get(ctx, entry.CycleID); gerr == nil && found {
			if existing.Root != entry.Root {
				return mismatch(existing, entry)
			}
			return nil
		}
		return ioErr("insert commitment", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, cycleID uint64) (*contracts.CommitmentEntry, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT entry FROM lockchain_commitments WHERE cycle_key = ?`),
		CycleKey(cycleID),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr("select commitment", err)
	}
	entry, err := decodeEntry([]byte(raw))
	if err != nil {
		return nil, false, ioErr("decode commitment", err)
	}
	return entry, true, nil
}

func (s *SQLStore) Range(ctx context.Context, start, end uint64) iter.Seq2[*contracts.CommitmentEntry, error] {
	if start > end {
		return errSeq(ErrInvalidRange)
	}
	return func(yield func(*contracts.CommitmentEntry, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			s.q(`SELECT entry FROM lockchain_commitments WHERE cycle_key >= ? AND cycle_key <= ? ORDER BY cycle_key`),
			CycleKey(start), CycleKey(end),
		)
		if err != nil {
			yield(nil, ioErr("range commitments", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				yield(nil, ioErr("scan commitment", err))
				return
			}
			entry, err := decodeEntry([]byte(raw))
			if err != nil {
				yield(nil, ioErr("decode commitment", err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, ioErr("range commitments", err))
		}
	}
}

func (s *SQLStore) VerifyContinuity(ctx context.Context, start, end uint64) error {
	return checkContinuity(s.Range(ctx, start, end), start, end)
}

func (s *SQLStore) Latest(ctx context.Context) (*contracts.CommitmentEntry, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT entry FROM lockchain_commitments ORDER BY cycle_key DESC LIMIT 1`,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr("select latest", err)
	}
	entry, err := decodeEntry([]byte(raw))
	if err != nil {
		return nil, false, ioErr("decode commitment", err)
	}
	return entry, true, nil
}

func (s *SQLStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lockchain_commitments`).Scan(&n); err != nil {
		return 0, ioErr("count commitments", err)
	}
	return uint64(n), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
