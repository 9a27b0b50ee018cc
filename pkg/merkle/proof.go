package merkle

import "github.com/Mindburn-Labs/lockchain/pkg/contracts"

// Proof is an inclusion proof for one leaf, ordered leaf to root.
type Proof struct {
	LeafIndex int            `json:"leaf_index"`
	LeafHash  contracts.Hash `json:"leaf_hash"`
	Path      []ProofStep    `json:"path"`
}

// ProofStep is the sibling at one level.
type ProofStep struct {
	Sibling contracts.Hash `json:"sibling"`
	Left    bool           `json:"left"` // sibling is the left child
}

// SiblingPath returns just the sibling hashes, leaf to root.
func (p *Proof) SiblingPath() []contracts.Hash {
	out := make([]contracts.Hash, len(p.Path))
	for i, step := range p.Path {
		out[i] = step.Sibling
	}
	return out
}

// GenerateProof returns the inclusion proof for the leaf at index, or false
// if index is out of range for the current leaf count.
func (a *Aggregator) GenerateProof(index int) (*Proof, bool) {
	if index < 0 || index >= len(a.leaves) {
		return nil, false
	}

	proof := &Proof{LeafIndex: index, LeafHash: a.leaves[index]}
	level := make([]contracts.Hash, len(a.leaves))
	copy(level, a.leaves)
	idx := index

	for len(level) > 1 {
		var step ProofStep
		if idx%2 == 0 {
			if idx+1 < len(level) {
				step.Sibling = level[idx+1]
			} else {
				step.Sibling = level[idx] // odd node out pairs with itself
			}
		} else {
			step.Sibling = level[idx-1]
			step.Left = true
		}
		proof.Path = append(proof.Path, step)

		level = buildNextLevel(level)
		idx /= 2
	}
	return proof, true
}

// VerifyProof recomputes the path from leaf using the proof's recorded sibling
// order and compares the result with claimedRoot. It needs no tree state.
func VerifyProof(leaf contracts.Hash, proof *Proof, claimedRoot contracts.Hash) bool {
	if proof == nil || proof.LeafHash != leaf {
		return false
	}
	current := leaf
	for _, step := range proof.Path {
		if step.Left {
			current = hashNode(step.Sibling, current)
		} else {
			current = hashNode(current, step.Sibling)
		}
	}
	return current == claimedRoot
}
