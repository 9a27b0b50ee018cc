package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means no root reached threshold before the round deadline.
	// The cycle can be re-proposed in a fresh round.
	ErrTimeout = errors.New("consensus timeout")

	// ErrInvalidVote covers bad signatures, unknown voters and votes for a
	// different cycle or round. Invalid votes are discarded; the round continues.
	ErrInvalidVote = errors.New("invalid vote")

	// ErrEquivocation means a voter signed two different roots in one round.
	ErrEquivocation = errors.New("equivocation detected")

	// ErrInsufficientPeers means the committee is too small to ever reach threshold.
	ErrInsufficientPeers = errors.New("insufficient peers for threshold")

	// ErrNoOpenRound is returned when a vote arrives for a cycle with no round in progress.
	ErrNoOpenRound = errors.New("no open round for cycle")

	// ErrRoundInProgress is returned when a cycle is proposed while its previous round is still collecting.
	ErrRoundInProgress = errors.New("round already in progress")
)

// TimeoutError reports how far a round got before its deadline.
type TimeoutError struct {
	CycleID   uint64
	Round     uint64
	Votes     int // valid votes for the best-supported root
	Threshold int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("consensus timeout: cycle %d round %d: %d/%d votes", e.CycleID, e.Round, e.Votes, e.Threshold)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
