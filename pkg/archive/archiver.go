package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/store"
)

// Key returns the archive object key for a cycle.
func Key(cycleID uint64) string {
	return fmt.Sprintf("cycles/%020d.json", cycleID)
}

// Archiver writes committed entries to a Sink as canonical JSON.
type Archiver struct {
	sink   Sink
	logger *slog.Logger
}

func NewArchiver(sink Sink) *Archiver {
	return &Archiver{
		sink:   sink,
		logger: slog.Default().With("component", "archive"),
	}
}

// Archive writes one entry. Re-archiving an identical entry is a no-op.
func (a *Archiver) Archive(ctx context.Context, entry *contracts.CommitmentEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry %d: %w", entry.CycleID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("canonicalize entry %d: %w", entry.CycleID, err)
	}
	if err := a.sink.Put(ctx, Key(entry.CycleID), canonical); err != nil {
		return fmt.Errorf("archive cycle %d: %w", entry.CycleID, err)
	}
	return nil
}

// Fetch reads an archived entry back.
func (a *Archiver) Fetch(ctx context.Context, cycleID uint64) (*contracts.CommitmentEntry, error) {
	raw, err := a.sink.Get(ctx, Key(cycleID))
	if err != nil {
		return nil, err
	}
	var entry contracts.CommitmentEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode archived cycle %d: %w", cycleID, err)
	}
	return &entry, nil
}

// Export archives every entry in [start, end] after checking the range has no
// gaps. It returns the number of entries written.
func (a *Archiver) Export(ctx context.Context, src store.Store, start, end uint64) (int, error) {
	if err := src.VerifyContinuity(ctx, start, end); err != nil {
		return 0, fmt.Errorf("export [%d, %d]: %w", start, end, err)
	}
	n := 0
	for entry, err := range src.Range(ctx, start, end) {
		if err != nil {
			return n, err
		}
		if err := a.Archive(ctx, entry); err != nil {
			return n, err
		}
		n++
	}
	a.logger.InfoContext(ctx, "exported cycles", "start", start, "end", end, "count", n)
	return n, nil
}

// IsConflict reports whether err means the archive already holds a different entry.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
