// Package store is the append-only commitment store: one entry per certified
// cycle, keyed so that key order equals cycle order, never rewritten.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
)

var (
	// ErrIO wraps any failure of the underlying storage. The cycle is not committed.
	ErrIO = errors.New("commitment store i/o failure")

	// ErrDuplicateMismatch means a different root was offered for a cycle that is
	// already committed. It indicates upstream non-determinism.
	ErrDuplicateMismatch = errors.New("duplicate cycle with mismatched root")

	// ErrGapDetected is matched by every *GapError.
	ErrGapDetected = errors.New("continuity gap detected")

	ErrInvalidRange = errors.New("invalid cycle range")
	ErrClosed       = errors.New("store closed")
)

// GapError names the first missing cycle in a continuity check.
type GapError struct {
	Start, End uint64
	Missing    uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("continuity gap: cycle %d missing in [%d, %d]", e.Missing, e.Start, e.End)
}

func (e *GapError) Unwrap() error {
	return ErrGapDetected
}

// Store persists commitment entries. The coordinator is its only writer;
// readers may run concurrently with it.
type Store interface {
	// Persist durably writes entry before returning. Persisting the same
	// (cycle, root) again is a no-op; a different root is ErrDuplicateMismatch.
	Persist(ctx context.Context, entry *contracts.CommitmentEntry) error

	// Get returns the entry for cycleID. A missing entry is (nil, false, nil).
	Get(ctx context.Context, cycleID uint64) (*contracts.CommitmentEntry, bool, error)

	// Range yields entries in [start, end] by ascending cycle. Each call to the
	// returned sequence starts a fresh scan.
	Range(ctx context.Context, start, end uint64) iter.Seq2[*contracts.CommitmentEntry, error]

	// VerifyContinuity returns a *GapError for the first cycle in [start, end]
	// with no entry.
	VerifyContinuity(ctx context.Context, start, end uint64) error

	Latest(ctx context.Context) (*contracts.CommitmentEntry, bool, error)
	Count(ctx context.Context) (uint64, error)
	Close() error
}

// checkContinuity walks an ordered range scan and reports the first hole.
func checkContinuity(seq iter.Seq2[*contracts.CommitmentEntry, error], start, end uint64) error {
	if start > end {
		return fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, start, end)
	}
	next := start
	for entry, err := range seq {
		if err != nil {
			return err
		}
		if entry.CycleID != next {
			return &GapError{Start: start, End: end, Missing: next}
		}
		if next == end {
			return nil
		}
		next++
	}
	return &GapError{Start: start, End: end, Missing: next}
}

// Collect drains a range into a slice.
func Collect(seq iter.Seq2[*contracts.CommitmentEntry, error]) ([]*contracts.CommitmentEntry, error) {
	var out []*contracts.CommitmentEntry
	for entry, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func errSeq(err error) iter.Seq2[*contracts.CommitmentEntry, error] {
	return func(yield func(*contracts.CommitmentEntry, error) bool) {
		yield(nil, err)
	}
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

func mismatch(existing, offered *contracts.CommitmentEntry) error {
	return fmt.Errorf("%w: cycle %d committed %s, offered %s",
		ErrDuplicateMismatch, existing.CycleID, existing.Root, offered.Root)
}
