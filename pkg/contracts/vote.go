package contracts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Vote is one peer's signed endorsement of a root for a (cycle, round).
type Vote struct {
	VoterID   string    `json:"voter_id"`
	CycleID   uint64    `json:"cycle_id,string"`
	Round     uint64    `json:"round,string"`
	Root      Hash      `json:"root"`
	Signature []byte    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// VotePayload is the message a voter signs: cycle_id || round || root || voter_id.
// Integers are big-endian so the payload is identical on every peer.
func VotePayload(cycleID, round uint64, root Hash, voterID string) []byte {
	buf := make([]byte, 0, 16+HashSize+len(voterID))
	buf = binary.BigEndian.AppendUint64(buf, cycleID)
	buf = binary.BigEndian.AppendUint64(buf, round)
	buf = append(buf, root[:]...)
	buf = append(buf, voterID...)
	return buf
}

// Payload returns the signed message for this vote.
func (v *Vote) Payload() []byte {
	return VotePayload(v.CycleID, v.Round, v.Root, v.VoterID)
}

// SameBallot reports whether two votes endorse the same (cycle, round, root).
func (v *Vote) SameBallot(other *Vote) bool {
	return v.CycleID == other.CycleID && v.Round == other.Round && v.Root == other.Root
}

// QuorumCertificate is a root plus enough matching votes to be accepted as the cycle's commitment.
// It is immutable once formed.
type QuorumCertificate struct {
	CycleID   uint64    `json:"cycle_id,string"`
	Round     uint64    `json:"round,string"`
	Root      Hash      `json:"root"`
	Threshold int       `json:"threshold"`
	Votes     []Vote    `json:"votes"`
	FormedAt  time.Time `json:"formed_at"`
}

var ErrInvalidCertificate = errors.New("invalid quorum certificate")

func (qc *QuorumCertificate) VoteCount() int {
	return len(qc.Votes)
}

// Signers returns voter IDs in certificate order.
func (qc *QuorumCertificate) Signers() []string {
	ids := make([]string, len(qc.Votes))
	for i := range qc.Votes {
		ids[i] = qc.Votes[i].VoterID
	}
	return ids
}

// Validate checks the structural invariants: every vote agrees on (cycle, round, root),
// no voter appears twice and the vote count reaches the threshold.
// Signatures are checked separately against a key ring.
func (qc *QuorumCertificate) Validate() error {
	if qc.Threshold <= 0 {
		return fmt.Errorf("%w: threshold %d", ErrInvalidCertificate, qc.Threshold)
	}
	if len(qc.Votes) < qc.Threshold {
		return fmt.Errorf("%w: %d votes below threshold %d", ErrInvalidCertificate, len(qc.Votes), qc.Threshold)
	}
	seen := make(map[string]struct{}, len(qc.Votes))
	for i := range qc.Votes {
		v := &qc.Votes[i]
		if v.CycleID != qc.CycleID || v.Round != qc.Round || v.Root != qc.Root {
			return fmt.Errorf("%w: vote from %s disagrees with certificate", ErrInvalidCertificate, v.VoterID)
		}
		if _, dup := seen[v.VoterID]; dup {
			return fmt.Errorf("%w: duplicate voter %s", ErrInvalidCertificate, v.VoterID)
		}
		seen[v.VoterID] = struct{}{}
	}
	return nil
}
