package consensus

import (
	"sort"
	"time"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
)

type addResult int

const (
	voteAccepted addResult = iota
	voteDuplicate
	voteEquivocation
	voteExcluded
	voteClosed
)

// tally is the vote set for one (cycle, round). It holds one slot per voter.
// A voter caught equivocating loses its slot and is excluded from every root
// for the rest of the round.
type tally struct {
	cycleID   uint64
	round     uint64
	threshold int

	slots    map[string]*contracts.Vote
	excluded map[string]struct{}
	byRoot   map[contracts.Hash]map[string]*contracts.Vote

	cert *contracts.QuorumCertificate
}

func newTally(cycleID, round uint64, threshold int) *tally {
	return &tally{
		cycleID:   cycleID,
		round:     round,
		threshold: threshold,
		slots:     make(map[string]*contracts.Vote),
		excluded:  make(map[string]struct{}),
		byRoot:    make(map[contracts.Hash]map[string]*contracts.Vote),
	}
}

// add records v, which must already be verified for this cycle and round.
// On equivocation the returned vote is the voter's earlier, conflicting vote.
func (t *tally) add(v *contracts.Vote) (addResult, *contracts.Vote) {
	if t.cert != nil {
		return voteClosed, nil
	}
	if _, out := t.excluded[v.VoterID]; out {
		return voteExcluded, nil
	}

	prev, seen := t.slots[v.VoterID]
	if seen {
		if prev.SameBallot(v) {
			return voteDuplicate, nil
		}
		t.excluded[v.VoterID] = struct{}{}
		delete(t.slots, v.VoterID)
		delete(t.byRoot[prev.Root], v.VoterID)
		return voteEquivocation, prev
	}

	t.slots[v.VoterID] = v
	voters := t.byRoot[v.Root]
	if voters == nil {
		voters = make(map[string]*contracts.Vote)
		t.byRoot[v.Root] = voters
	}
	voters[v.VoterID] = v

	if len(voters) >= t.threshold {
		t.cert = t.certify(v.Root, voters)
	}
	return voteAccepted, nil
}

// certify freezes the votes for root into a certificate, ordered by voter ID.
func (t *tally) certify(root contracts.Hash, voters map[string]*contracts.Vote) *contracts.QuorumCertificate {
	ids := make([]string, 0, len(voters))
	for id := range voters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	votes := make([]contracts.Vote, len(ids))
	for i, id := range ids {
		votes[i] = *voters[id]
	}
	return &contracts.QuorumCertificate{
		CycleID:   t.cycleID,
		Round:     t.round,
		Root:      root,
		Threshold: t.threshold,
		Votes:     votes,
		FormedAt:  time.Now().UTC(),
	}
}

func (t *tally) certificate() *contracts.QuorumCertificate {
	return t.cert
}

// leading returns the vote count of the best-supported root.
func (t *tally) leading() int {
	best := 0
	for _, voters := range t.byRoot {
		if len(voters) > best {
			best = len(voters)
		}
	}
	return best
}

func (t *tally) size() int {
	return len(t.slots)
}
