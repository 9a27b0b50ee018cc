package contracts

import "time"

// CommitmentEntry is what the commitment store persists: one per cycle, never rewritten.
type CommitmentEntry struct {
	CycleID      uint64            `json:"cycle_id,string"`
	Root         Hash              `json:"root"`
	Certificate  QuorumCertificate `json:"certificate"`
	ReceiptCount int               `json:"receipt_count"`
	PersistedAt  time.Time         `json:"persisted_at"`
}

// NewCommitmentEntry builds an entry from a formed certificate.
// PersistedAt is stamped by the store.
func NewCommitmentEntry(qc *QuorumCertificate, receiptCount int) *CommitmentEntry {
	return &CommitmentEntry{
		CycleID:      qc.CycleID,
		Root:         qc.Root,
		Certificate:  *qc,
		ReceiptCount: receiptCount,
	}
}
