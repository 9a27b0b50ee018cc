package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
)

// FormatVersion is the on-disk entry format written by this build. 2.x
// stores cycle and round numbers as decimal strings.
const FormatVersion = "2.0.0"

// formatConstraint accepts any store written by a compatible format.
const formatConstraint = "^2.0.0"

const (
	cycleKeyPrefix = "root:"
	metaFormatKey  = "meta:format"
	metaCountKey   = "meta:count"
)

// CycleKey is the order-preserving key for a cycle: zero-padded to 20 digits,
// so lexicographic order equals numeric order across the whole uint64 range.
func CycleKey(cycleID uint64) string {
	return fmt.Sprintf("%s%020d", cycleKeyPrefix, cycleID)
}

// ParseCycleKey inverts CycleKey.
func ParseCycleKey(key string) (uint64, error) {
	if len(key) != len(cycleKeyPrefix)+20 || key[:len(cycleKeyPrefix)] != cycleKeyPrefix {
		return 0, fmt.Errorf("malformed cycle key %q", key)
	}
	return strconv.ParseUint(key[len(cycleKeyPrefix):], 10, 64)
}

// encodeEntry serializes an entry as RFC 8785 canonical JSON so that the same
// entry always has the same bytes, whichever node wrote it. Cycle and round
// numbers are strings in the contract types, so the whole uint64 range
// survives canonicalization.
func encodeEntry(entry *contracts.CommitmentEntry) ([]byte, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry %d: %w", entry.CycleID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize entry %d: %w", entry.CycleID, err)
	}
	return canonical, nil
}

func decodeEntry(data []byte) (*contracts.CommitmentEntry, error) {
	var entry contracts.CommitmentEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

// stamp returns a copy of entry with PersistedAt set.
func stamp(entry *contracts.CommitmentEntry) *contracts.CommitmentEntry {
	e := *entry
	if e.PersistedAt.IsZero() {
		e.PersistedAt = time.Now().UTC()
	}
	return &e
}

// checkFormat rejects a store written by an incompatible format version.
func checkFormat(stored string) error {
	v, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("store format %q: %w", stored, err)
	}
	c, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("store format %s does not satisfy %s", v, formatConstraint)
	}
	return nil
}
