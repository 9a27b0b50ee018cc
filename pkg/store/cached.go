package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
)

const defaultCacheTTL = 10 * time.Minute

// CachedStore puts a Redis read-through cache in front of a Store. Entries
// never change once persisted, so cached values are never invalidated; the
// TTL only bounds memory. Redis failures are logged and fall through.
type CachedStore struct {
	Store
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedStore(inner Store, client redis.UniversalClient, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedStore{
		Store:  inner,
		client: client,
		prefix: "lockchain:entry:",
		ttl:    ttl,
		logger: slog.Default().With("component", "store", "backend", "redis-cache"),
	}
}

func (c *CachedStore) key(cycleID uint64) string {
	return fmt.Sprintf("%s%020d", c.prefix, cycleID)
}

func (c *CachedStore) Persist(ctx context.Context, entry *contracts.CommitmentEntry) error {
	if err := c.Store.Persist(ctx, entry); err != nil {
		return err
	}
	// Warm the cache from the stored copy so PersistedAt matches.
	if _, _, err := c.Get(ctx, entry.CycleID); err != nil {
		c.logger.WarnContext(ctx, "cache warm failed", "cycle_id", entry.CycleID, "error", err)
	}
	return nil
}

func (c *CachedStore) Get(ctx context.Context, cycleID uint64) (*contracts.CommitmentEntry, bool, error) {
	raw, err := c.client.Get(ctx, c.key(cycleID)).Bytes()
	switch {
	case err == nil:
		if entry, derr := decodeEntry(raw); derr == nil {
			return entry, true, nil
		}
		c.logger.WarnContext(ctx, "dropping undecodable cache entry", "cycle_id", cycleID)
	case !errors.Is(err, redis.Nil):
		c.logger.WarnContext(ctx, "cache read failed", "cycle_id", cycleID, "error", err)
	}

	entry, found, err := c.Store.Get(ctx, cycleID)
	if err != nil || !found {
		return entry, found, err
	}
	if value, err := encodeEntry(entry); err == nil {
		if err := c.client.Set(ctx, c.key(cycleID), value, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "cache write failed", "cycle_id", cycleID, "error", err)
		}
	}
	return entry, true, nil
}

func (c *CachedStore) Range(ctx context.Context, start, end uint64) iter.Seq2[*contracts.CommitmentEntry, error] {
	return c.Store.Range(ctx, start, end)
}

func (c *CachedStore) Close() error {
	err := c.Store.Close()
	if cerr := c.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
