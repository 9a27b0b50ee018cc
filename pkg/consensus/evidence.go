package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
)

// EquivocationEvidence is a pair of validly signed votes from one voter for
// different roots in the same (cycle, round).
type EquivocationEvidence struct {
	VoterID    string         `json:"voter_id"`
	CycleID    uint64         `json:"cycle_id"`
	Round      uint64         `json:"round"`
	First      contracts.Vote `json:"first"`
	Second     contracts.Vote `json:"second"`
	DetectedAt time.Time      `json:"detected_at"`
}

// EvidenceSink records equivocation evidence for upstream reputation tracking.
type EvidenceSink interface {
	Record(ctx context.Context, ev EquivocationEvidence) error
}

// MemoryEvidenceSink keeps evidence in process memory.
type MemoryEvidenceSink struct {
	mu       sync.Mutex
	evidence []EquivocationEvidence
}

func NewMemoryEvidenceSink() *MemoryEvidenceSink {
	return &MemoryEvidenceSink{}
}

func (s *MemoryEvidenceSink) Record(_ context.Context, ev EquivocationEvidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence = append(s.evidence, ev)
	return nil
}

// All returns a snapshot of the recorded evidence.
func (s *MemoryEvidenceSink) All() []EquivocationEvidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EquivocationEvidence, len(s.evidence))
	copy(out, s.evidence)
	return out
}

// ByVoter returns the evidence recorded against one voter.
func (s *MemoryEvidenceSink) ByVoter(voterID string) []EquivocationEvidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EquivocationEvidence
	for _, ev := range s.evidence {
		if ev.VoterID == voterID {
			out = append(out, ev)
		}
	}
	return out
}
