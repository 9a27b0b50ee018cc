package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Lockchain semantic convention attributes.
var (
	AttrNodeID          = attribute.Key("lockchain.node.id")
	AttrOperation       = attribute.Key("lockchain.operation")
	AttrCycleID         = attribute.Key("lockchain.cycle.id")
	AttrRound           = attribute.Key("lockchain.consensus.round")
	AttrRoot            = attribute.Key("lockchain.merkle.root")
	AttrOutcome         = attribute.Key("lockchain.consensus.outcome")
	AttrVoteDisposition = attribute.Key("lockchain.vote.disposition")
	AttrStoreBackend    = attribute.Key("lockchain.store.backend")
)

// Round outcomes.
const (
	OutcomeCertified = "certified"
	OutcomeTimedOut  = "timed_out"
	OutcomeCanceled  = "canceled"
)

// Vote dispositions.
const (
	VoteAccepted     = "accepted"
	VoteDuplicate    = "duplicate"
	VoteInvalid      = "invalid"
	VoteEquivocation = "equivocation"
)

// CycleOperation creates attributes for a per-cycle operation.
func CycleOperation(cycleID uint64, root string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCycleID.Int64(int64(cycleID)),
		AttrRoot.String(root),
	}
}

// RoundOperation creates attributes for a consensus round.
func RoundOperation(cycleID, round uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCycleID.Int64(int64(cycleID)),
		AttrRound.Int64(int64(round)),
	}
}

// StoreOperation creates attributes for a commitment store call.
func StoreOperation(backend string, cycleID uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStoreBackend.String(backend),
		AttrCycleID.Int64(int64(cycleID)),
	}
}
