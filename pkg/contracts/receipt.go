package contracts

import "encoding/binary"

// ReceiptEncodedSize is the length of Receipt.CanonicalBytes.
const ReceiptEncodedSize = 8 + 4 + 4 + 8 + 8

// Receipt is the evidence one execution unit emits per beat.
// It is produced by the scheduler and consumed read-only by the lockchain.
type Receipt struct {
	CycleID    uint64 `json:"cycle_id"`
	ShardID    uint32 `json:"shard_id"`
	HookID     uint32 `json:"hook_id"`
	ActualCost uint64 `json:"actual_cost"` // ticks
	ActionHash uint64 `json:"action_hash"`
}

// CanonicalBytes is the fixed-order, fixed-width encoding hashed into a Merkle leaf:
// cycle_id || shard_id || hook_id || actual_cost || action_hash, all big-endian.
func (r Receipt) CanonicalBytes() []byte {
	buf := make([]byte, ReceiptEncodedSize)
	binary.BigEndian.PutUint64(buf[0:8], r.CycleID)
	binary.BigEndian.PutUint32(buf[8:12], r.ShardID)
	binary.BigEndian.PutUint32(buf[12:16], r.HookID)
	binary.BigEndian.PutUint64(buf[16:24], r.ActualCost)
	binary.BigEndian.PutUint64(buf[24:32], r.ActionHash)
	return buf
}
