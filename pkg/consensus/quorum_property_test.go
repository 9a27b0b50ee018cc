package consensus

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/crypto"
)

// byzantinePeer answers with an arbitrary root, stays silent, or both signs
// and pushes a conflicting vote, chosen by its random source.
type byzantinePeer struct {
	signer crypto.Signer
	rng    *rand.Rand
	target *Engine
}

func (p *byzantinePeer) ID() string { return p.signer.ID() }

func (p *byzantinePeer) RequestVote(ctx context.Context, req VoteRequest) (*contracts.Vote, error) {
	evil := contracts.Hash{0xEE, byte(p.rng.Intn(4))}
	switch p.rng.Intn(3) {
	case 0:
		<-ctx.Done()
		return nil, ctx.Err()
	case 1:
		v := &contracts.Vote{CycleID: req.CycleID, Round: req.Round, Root: evil}
		if err := crypto.SignVote(p.signer, v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		push := &contracts.Vote{CycleID: req.CycleID, Round: req.Round, Root: evil}
		if err := crypto.SignVote(p.signer, push); err != nil {
			return nil, err
		}
		_ = p.target.SubmitVote(ctx, push)
		v := &contracts.Vote{CycleID: req.CycleID, Round: req.Round, Root: req.Root}
		if err := crypto.SignVote(p.signer, v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// runHonestNode builds the engine for committee member self, with the last f
// members Byzantine, and runs one round for root.
func runHonestNode(signers []*crypto.Ed25519Signer, keys *crypto.KeyRing, self, f int, seed int64, root contracts.Hash) (*contracts.QuorumCertificate, error) {
	n := len(signers)
	var byz []*byzantinePeer
	var peers []Peer
	for i, s := range signers {
		if i == self {
			continue
		}
		if i >= n-f {
			bp := &byzantinePeer{signer: s, rng: rand.New(rand.NewSource(seed + int64(i*31+self)))}
			byz = append(byz, bp)
			peers = append(peers, bp)
			continue
		}
		peers = append(peers, NewLocalPeer(NewVoter(s, nil)))
	}

	e, err := NewEngine(signers[self], peers, keys, Config{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	for _, bp := range byz {
		bp.target = e
	}
	return e.AchieveConsensus(context.Background(), root, 1)
}

// Property: with n = 3f+1 and at most f Byzantine members, two honest nodes that
// both certify cycle 1 certify the same root, and an honest quorum always certifies.
func TestProperty_QuorumSafetyAndLiveness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("honest certificates agree", prop.ForAll(
		func(f int, seed int64) bool {
			n := 3*f + 1
			keys := crypto.NewKeyRing()
			signers := make([]*crypto.Ed25519Signer, n)
			for i := range signers {
				s, err := crypto.NewEd25519Signer(fmt.Sprintf("node-%d", i))
				if err != nil {
					return false
				}
				signers[i] = s
				if err := keys.AddSigner(s); err != nil {
					return false
				}
			}

			honestRoot := contracts.Hash{0x11}
			qcA, errA := runHonestNode(signers, keys, 0, f, seed, honestRoot)
			qcB, errB := runHonestNode(signers, keys, 1, f, seed, honestRoot)
			if errA != nil || errB != nil {
				return false
			}
			return qcA.CycleID == qcB.CycleID && qcA.Root == qcB.Root && qcA.Root == honestRoot
		},
		gen.IntRange(1, 3),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// Property: a Byzantine proposer that runs its own round for a conflicting root
// against the same honest voters as an honest proposer never gets two roots
// certified for one cycle, whichever proposer goes first.
func TestProperty_ByzantineProposerSafety(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one root certifies per cycle", prop.ForAll(
		func(f int, byzantineFirst bool) bool {
			n := 3*f + 1
			keys := crypto.NewKeyRing()
			signers := make([]*crypto.Ed25519Signer, n)
			for i := range signers {
				s, err := crypto.NewEd25519Signer(fmt.Sprintf("node-%d", i))
				if err != nil {
					return false
				}
				signers[i] = s
				if err := keys.AddSigner(s); err != nil {
					return false
				}
			}

			// node-0 proposes honestly; the last f members are Byzantine and
			// the first of them also proposes.
			honestVoters := make([]*Voter, n-f)
			for i := 1; i < n-f; i++ {
				honestVoters[i] = NewVoter(signers[i], nil)
			}
			cfg := Config{Timeout: 80 * time.Millisecond}

			var honestPeers []Peer
			for i := 1; i < n; i++ {
				if i < n-f {
					honestPeers = append(honestPeers, NewLocalPeer(honestVoters[i]))
				} else {
					honestPeers = append(honestPeers, roguePeer{signers[i]})
				}
			}
			honest, err := NewEngine(signers[0], honestPeers, keys, cfg)
			if err != nil {
				return false
			}

			proposer := n - f
			var byzPeers []Peer
			for i := 0; i < n; i++ {
				switch {
				case i == proposer:
				case i == 0:
					byzPeers = append(byzPeers, NewLocalPeer(honest.Voter(nil)))
				case i < n-f:
					byzPeers = append(byzPeers, NewLocalPeer(honestVoters[i]))
				default:
					byzPeers = append(byzPeers, roguePeer{signers[i]})
				}
			}
			byzantine, err := NewEngine(signers[proposer], byzPeers, keys, cfg)
			if err != nil {
				return false
			}

			ctx := context.Background()
			runs := []func() (*contracts.QuorumCertificate, error){
				func() (*contracts.QuorumCertificate, error) {
					return honest.AchieveConsensus(ctx, contracts.Hash{0x11}, 1)
				},
				func() (*contracts.QuorumCertificate, error) {
					return byzantine.AchieveConsensus(ctx, contracts.Hash{0xEE}, 1)
				},
			}
			if byzantineFirst {
				runs[0], runs[1] = runs[1], runs[0]
			}

			certified := map[contracts.Hash]bool{}
			for _, run := range runs {
				qc, err := run()
				if err != nil {
					continue
				}
				if keys.VerifyCertificate(qc) != nil {
					return false
				}
				certified[qc.Root] = true
			}
			return len(certified) <= 1
		},
		gen.IntRange(1, 3),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
