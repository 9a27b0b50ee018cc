package consensus

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/crypto"
)

// VoteRequest asks a peer to sign its view of a cycle's root.
type VoteRequest struct {
	CycleID    uint64         `json:"cycle_id"`
	Round      uint64         `json:"round"`
	Root       contracts.Hash `json:"root"`
	ProposerID string         `json:"proposer_id"`
}

// Peer is a committee member that can be asked for a vote.
// RequestVote must return promptly once ctx is done.
type Peer interface {
	ID() string
	RequestVote(ctx context.Context, req VoteRequest) (*contracts.Vote, error)
}

// RootSource reports the root a node computed itself for a cycle, if any.
type RootSource interface {
	LocalRoot(cycleID uint64) (contracts.Hash, bool)
}

// RootSourceFunc adapts a function to RootSource.
type RootSourceFunc func(cycleID uint64) (contracts.Hash, bool)

func (f RootSourceFunc) LocalRoot(cycleID uint64) (contracts.Hash, bool) {
	return f(cycleID)
}

// Voter answers vote requests for one node. When the node has its own root for
// the cycle it signs that root, so a disagreeing peer shows up as a vote for a
// different root. Without a local view it endorses the proposal. Either way the
// vote goes through the node's Ballots, so it never signs two roots for a cycle.
type Voter struct {
	ballots *Ballots
	roots   RootSource
	logger  *slog.Logger
}

// NewVoter creates a voter with its own ballots. roots may be nil. A node that
// also proposes should use Engine.Voter so both sides share one binding.
func NewVoter(signer crypto.Signer, roots RootSource) *Voter {
	return newVoter(NewBallots(signer), roots)
}

func newVoter(ballots *Ballots, roots RootSource) *Voter {
	return &Voter{
		ballots: ballots,
		roots:   roots,
		logger:  slog.Default().With("component", "voter", "voter_id", ballots.ID()),
	}
}

func (v *Voter) ID() string {
	return v.ballots.ID()
}

// HandleVoteRequest signs a vote for the request's (cycle, round).
func (v *Voter) HandleVoteRequest(ctx context.Context, req VoteRequest) (*contracts.Vote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := req.Root
	if v.roots != nil {
		if local, ok := v.roots.LocalRoot(req.CycleID); ok {
			if local != req.Root {
				v.logger.WarnContext(ctx, "proposed root differs from local root",
					"cycle_id", req.CycleID,
					"proposed", req.Root.String(),
					"local", local.String(),
				)
			}
			root = local
		}
	}

	vote, err := v.ballots.Sign(req.CycleID, req.Round, root)
	if err != nil {
		return nil, err
	}
	if vote.Root != root {
		v.logger.WarnContext(ctx, "cycle already bound to another root",
			"cycle_id", req.CycleID,
			"proposer", req.ProposerID,
			"requested", root.String(),
			"bound", vote.Root.String(),
		)
	}
	return vote, nil
}

// LocalPeer is an in-process Peer backed by a Voter.
type LocalPeer struct {
	voter *Voter
}

func NewLocalPeer(voter *Voter) *LocalPeer {
	return &LocalPeer{voter: voter}
}

func (p *LocalPeer) ID() string {
	return p.voter.ID()
}

func (p *LocalPeer) RequestVote(ctx context.Context, req VoteRequest) (*contracts.Vote, error) {
	return p.voter.HandleVoteRequest(ctx, req)
}
