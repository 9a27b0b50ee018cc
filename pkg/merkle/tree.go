// Package merkle aggregates a cycle's receipts into a single root and
// produces inclusion proofs that verify against that root alone.
//
// Leaf  = BLAKE2b-256(receipt.CanonicalBytes())
// Node  = BLAKE2b-256(left || right)
// Empty = BLAKE2b-256("")
//
// A level with an odd node count pairs its last node with itself, so every
// level of n nodes reduces to exactly ceil(n/2) parents.
package merkle

import (
	"golang.org/x/crypto/blake2b"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
)

// Aggregator accumulates leaves for one cycle. It is not safe for concurrent
// mutation; the coordinator owns it exclusively for the cycle's duration.
type Aggregator struct {
	leaves []contracts.Hash
	root   *contracts.Hash // cached until the next append
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// AddReceipt appends the hash of the receipt's canonical encoding as a new leaf.
func (a *Aggregator) AddReceipt(r contracts.Receipt) {
	a.AddLeaf(HashReceipt(r))
}

// AddLeaf appends a precomputed leaf hash.
func (a *Aggregator) AddLeaf(leaf contracts.Hash) {
	a.leaves = append(a.leaves, leaf)
	a.root = nil
}

func (a *Aggregator) LeafCount() int {
	return len(a.leaves)
}

// Leaves returns a copy of the leaf sequence in insertion order.
func (a *Aggregator) Leaves() []contracts.Hash {
	out := make([]contracts.Hash, len(a.leaves))
	copy(out, a.leaves)
	return out
}

// Leaf returns the leaf at index i.
func (a *Aggregator) Leaf(i int) (contracts.Hash, bool) {
	if i < 0 || i >= len(a.leaves) {
		return contracts.Hash{}, false
	}
	return a.leaves[i], true
}

// ComputeRoot builds the tree bottom-up and returns its root.
// Zero leaves yield EmptyRoot().
func (a *Aggregator) ComputeRoot() contracts.Hash {
	if a.root != nil {
		return *a.root
	}
	root := computeRoot(a.leaves)
	a.root = &root
	return root
}

// Reset drops all leaves so the aggregator can be reused for another cycle.
func (a *Aggregator) Reset() {
	a.leaves = nil
	a.root = nil
}

// BuildFromReceipts is a convenience for building a whole cycle at once.
func BuildFromReceipts(receipts []contracts.Receipt) *Aggregator {
	a := &Aggregator{leaves: make([]contracts.Hash, 0, len(receipts))}
	for _, r := range receipts {
		a.AddReceipt(r)
	}
	return a
}

// HashReceipt is the leaf hash for a receipt.
func HashReceipt(r contracts.Receipt) contracts.Hash {
	return contracts.Hash(blake2b.Sum256(r.CanonicalBytes()))
}

// EmptyRoot is the root of a tree with no leaves: the hash of empty input.
func EmptyRoot() contracts.Hash {
	return contracts.Hash(blake2b.Sum256(nil))
}

func computeRoot(leaves []contracts.Hash) contracts.Hash {
	if len(leaves) == 0 {
		return EmptyRoot()
	}
	level := make([]contracts.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		level = buildNextLevel(level)
	}
	return level[0]
}

func buildNextLevel(level []contracts.Hash) []contracts.Hash {
	next := make([]contracts.Hash, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left // duplicate last
		if i+1 < len(level) {
			right = level[i+1]
		}
		next[i/2] = hashNode(left, right)
	}
	return next
}

func hashNode(left, right contracts.Hash) contracts.Hash {
	var buf [2 * contracts.HashSize]byte
	copy(buf[:contracts.HashSize], left[:])
	copy(buf[contracts.HashSize:], right[:])
	return contracts.Hash(blake2b.Sum256(buf[:]))
}
