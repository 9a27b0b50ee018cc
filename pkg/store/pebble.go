package store

import (
	"context"
	"encoding/binary"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
)

// PebbleStore keeps commitments in an embedded Pebble LSM. Every write is
// synced before Persist returns.
type PebbleStore struct {
	db     *pebble.DB
	wo     *pebble.WriteOptions
	logger *slog.Logger

	mu     sync.Mutex // serializes Persist's read-compare-write
	closed atomic.Bool
}

// OpenPebble opens (or creates) a store in dir. With inMem the data lives in a
// memory filesystem and dir only names it.
func OpenPebble(dir string, inMem bool) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if inMem {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, ioErr("pebble open", err)
	}

	s := &PebbleStore{
		db:     db,
		wo:     &pebble.WriteOptions{Sync: true},
		logger: slog.Default().With("component", "store", "backend", "pebble"),
	}
	if err := s.initFormat(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) initFormat() error {
	stored, found, err := s.getRaw([]byte(metaFormatKey))
	if err != nil {
		return err
	}
	if found {
		return checkFormat(string(stored))
	}
	if err := s.db.Set([]byte(metaFormatKey), []byte(FormatVersion), s.wo); err != nil {
		return ioErr("pebble set format", err)
	}
	return nil
}

func (s *PebbleStore) getRaw(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr("pebble get", err)
	}
	ret := make([]byte, len(val))
	copy(ret, val)
	_ = closer.Close()
	return ret, true, nil
}

func (s *PebbleStore) Persist(ctx context.Context, entry *contracts.CommitmentEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	key := []byte(CycleKey(entry.CycleID))
	raw, found, err := s.getRaw(key)
	if err != nil {
		return err
	}
	if found {
		existing, err := decodeEntry(raw)
		if err != nil {
			return ioErr("pebble decode", err)
		}
		if existing.Root != entry.Root {
			return mismatch(existing, entry)
		}
		s.logger.DebugContext(ctx, "cycle already committed", "cycle_id", entry.CycleID)
		return nil
	}

	value, err := encodeEntry(stamp(entry))
	if err != nil {
		return err
	}
	count, err := s.count()
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.Set(key, value, nil); err != nil {
		return ioErr("pebble batch set", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], count+1)
	if err := batch.Set([]byte(metaCountKey), buf[:], nil); err != nil {
		return ioErr("pebble batch set", err)
	}
	if err := batch.Commit(s.wo); err != nil {
		return ioErr("pebble commit", err)
	}
	return nil
}

func (s *PebbleStore) Get(ctx context.Context, cycleID uint64) (*contracts.CommitmentEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	raw, found, err := s.getRaw([]byte(CycleKey(cycleID)))
	if err != nil || !found {
		return nil, false, err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return nil, false, ioErr("pebble decode", err)
	}
	return entry, true, nil
}

func (s *PebbleStore) Range(ctx context.Context, start, end uint64) iter.Seq2[*contracts.CommitmentEntry, error] {
	if start > end {
		return errSeq(ErrInvalidRange)
	}
	lower := []byte(CycleKey(start))
	upper := append([]byte(CycleKey(end)), 0x00)

	return func(yield func(*contracts.CommitmentEntry, error) bool) {
		if s.closed.Load() {
			yield(nil, ErrClosed)
			return
		}
		it := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		defer func() { _ = it.Close() }()

		for valid := it.First(); valid; valid = it.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			entry, err := decodeEntry(it.Value())
			if err != nil {
				yield(nil, ioErr("pebble decode", err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(nil, ioErr("pebble iterate", err))
		}
	}
}

func (s *PebbleStore) VerifyContinuity(ctx context.Context, start, end uint64) error {
	return checkContinuity(s.Range(ctx, start, end), start, end)
}

func (s *PebbleStore) Latest(ctx context.Context) (*contracts.CommitmentEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	// ';' sorts immediately after ':', bounding every cycle key.
	it := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(cycleKeyPrefix),
		UpperBound: []byte("root;"),
	})
	defer func() { _ = it.Close() }()

	if !it.Last() {
		if err := it.Error(); err != nil {
			return nil, false, ioErr("pebble iterate", err)
		}
		return nil, false, nil
	}
	entry, err := decodeEntry(it.Value())
	if err != nil {
		return nil, false, ioErr("pebble decode", err)
	}
	return entry, true, nil
}

func (s *PebbleStore) Count(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.count()
}

func (s *PebbleStore) count() (uint64, error) {
	raw, found, err := s.getRaw([]byte(metaCountKey))
	if err != nil || !found {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, ioErr("pebble count", errors.New("corrupt counter"))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
