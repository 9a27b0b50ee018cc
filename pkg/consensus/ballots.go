package consensus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/crypto"
)

const (
	// ballotRetention is how many cycles below the newest certified one keep
	// their binding. Requests for older cycles are refused.
	ballotRetention = statusRetention

	// maxBallots caps bindings held for unsettled cycles.
	maxBallots = 1 << 16
)

var (
	ErrBallotExpired = errors.New("cycle is below the ballot retention window")
	ErrBallotsFull   = errors.New("too many unsettled cycles")
)

// Ballots binds one signer to a single root per cycle. The first root it
// signs for a cycle is the only root it will ever sign for that cycle; later
// rounds re-sign the same root. A node's Voter and Engine share one Ballots
// so answering another proposer and proposing itself draw on the same binding.
type Ballots struct {
	signer crypto.Signer

	mu    sync.Mutex
	bound map[uint64]contracts.Hash
	floor uint64
}

func NewBallots(signer crypto.Signer) *Ballots {
	return &Ballots{signer: signer, bound: make(map[uint64]contracts.Hash)}
}

func (b *Ballots) ID() string { return b.signer.ID() }

// Sign returns a signed vote for (cycleID, round). root is used only when the
// cycle has no binding yet; otherwise the vote carries the bound root.
func (b *Ballots) Sign(cycleID, round uint64, root contracts.Hash) (*contracts.Vote, error) {
	b.mu.Lock()
	if cycleID < b.floor {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: cycle %d, oldest open cycle is %d", ErrBallotExpired, cycleID, b.floor)
	}
	if bound, ok := b.bound[cycleID]; ok {
		root = bound
	} else {
		if len(b.bound) >= maxBallots {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrBallotsFull, len(b.bound))
		}
		b.bound[cycleID] = root
	}
	b.mu.Unlock()

	vote := &contracts.Vote{CycleID: cycleID, Round: round, Root: root}
	if err := crypto.SignVote(b.signer, vote); err != nil {
		return nil, fmt.Errorf("voter %s: %w", b.signer.ID(), err)
	}
	return vote, nil
}

// Settle records that cycleID is certified and drops bindings that fell out
// of the retention window.
func (b *Ballots) Settle(cycleID uint64) {
	if cycleID < ballotRetention {
		return
	}
	floor := cycleID - ballotRetention
	b.mu.Lock()
	defer b.mu.Unlock()
	if floor <= b.floor {
		return
	}
	b.floor = floor
	for id := range b.bound {
		if id < floor {
			delete(b.bound, id)
		}
	}
}
