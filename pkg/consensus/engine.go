// Package consensus certifies a cycle's Merkle root with a Byzantine quorum.
//
// A round runs Idle → Proposing → Collecting → {Certified | TimedOut}. The
// proposer signs its own vote, fans a vote request out to every peer under a
// single deadline, and certifies the first root to collect threshold votes.
// Rounds are numbered per cycle so votes from an abandoned attempt can never
// count toward a retry.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/crypto"
	"github.com/Mindburn-Labs/lockchain/pkg/observability"
)

// DefaultTimeout bounds one round's vote collection.
const DefaultTimeout = 500 * time.Millisecond

// statusRetention caps how many finished cycles Status remembers.
const statusRetention = 1024

// State is a round's position in the state machine.
type State string

const (
	StateIdle       State = "idle"
	StateProposing  State = "proposing"
	StateCollecting State = "collecting"
	StateCertified  State = "certified"
	StateTimedOut   State = "timed_out"
)

// RoundStatus is a snapshot of the latest round for a cycle.
type RoundStatus struct {
	CycleID   uint64          `json:"cycle_id"`
	Round     uint64          `json:"round"`
	State     State           `json:"state"`
	Votes     int             `json:"votes"`
	Threshold int             `json:"threshold"`
	Root      *contracts.Hash `json:"root,omitempty"`
}

// Config tunes an Engine. Zero values select defaults.
type Config struct {
	// Threshold overrides floor(2n/3)+1 for a committee of n.
	Threshold int
	Timeout   time.Duration
}

// DefaultThreshold is the smallest quorum any two of which share an honest
// member when n >= 3f+1.
func DefaultThreshold(n int) int {
	return 2*n/3 + 1
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

func WithEvidenceSink(sink EvidenceSink) Option {
	return func(e *Engine) { e.evidence = sink }
}

func WithTelemetry(p *observability.Provider) Option {
	return func(e *Engine) { e.telemetry = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine runs consensus rounds for one node.
type Engine struct {
	self      crypto.Signer
	ballots   *Ballots
	peers     []Peer
	keys      *crypto.KeyRing
	members   map[string]struct{}
	threshold int
	timeout   time.Duration

	evidence  EvidenceSink
	telemetry *observability.Provider
	logger    *slog.Logger

	mu        sync.Mutex
	nextRound map[uint64]uint64
	open      map[uint64]*round
	status    map[uint64]RoundStatus
}

type round struct {
	mu    sync.Mutex
	tally *tally
	state State
	done  chan struct{}
}

func (r *round) certificate() *contracts.QuorumCertificate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tally.certificate()
}

func (r *round) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCertified {
		r.state = s
	}
}

func (r *round) snapshot() RoundStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RoundStatus{
		CycleID:   r.tally.cycleID,
		Round:     r.tally.round,
		State:     r.state,
		Votes:     r.tally.size(),
		Threshold: r.tally.threshold,
	}
	if qc := r.tally.certificate(); qc != nil {
		root := qc.Root
		st.Root = &root
		st.Votes = qc.VoteCount()
	}
	return st
}

// NewEngine builds an engine for the committee formed by self and peers.
// Every member's public key must be in keys; self's is added if missing.
func NewEngine(self crypto.Signer, peers []Peer, keys *crypto.KeyRing, cfg Config, opts ...Option) (*Engine, error) {
	members := map[string]struct{}{self.ID(): {}}
	for _, p := range peers {
		if _, dup := members[p.ID()]; dup {
			return nil, fmt.Errorf("duplicate committee member %q", p.ID())
		}
		members[p.ID()] = struct{}{}
	}

	n := len(members)
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold(n)
	}
	if threshold < 1 || threshold > n {
		return nil, fmt.Errorf("%w: threshold %d with committee of %d", ErrInsufficientPeers, threshold, n)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if keys == nil {
		keys = crypto.NewKeyRing()
	}
	if !keys.Has(self.ID()) {
		if err := keys.AddSigner(self); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		self:      self,
		ballots:   NewBallots(self),
		peers:     peers,
		keys:      keys,
		members:   members,
		threshold: threshold,
		timeout:   timeout,
		nextRound: make(map[uint64]uint64),
		open:      make(map[uint64]*round),
		status:    make(map[uint64]RoundStatus),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evidence == nil {
		e.evidence = NewMemoryEvidenceSink()
	}
	if e.telemetry == nil {
		e.telemetry = observability.Disabled()
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "consensus", "node_id", self.ID())
	}
	return e, nil
}

func (e *Engine) NodeID() string { return e.self.ID() }

// Voter returns the responder for this node's inbound vote requests. It
// shares the engine's ballots, so the node signs at most one root per cycle
// whether it is proposing or answering.
func (e *Engine) Voter(roots RootSource) *Voter {
	return newVoter(e.ballots, roots)
}

func (e *Engine) Threshold() int { return e.threshold }

func (e *Engine) CommitteeSize() int { return len(e.members) }

// Members returns the committee's voter IDs, sorted.
func (e *Engine) Members() []string {
	ids := make([]string, 0, len(e.members))
	for id := range e.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status reports the open or most recently finished round for a cycle.
func (e *Engine) Status(cycleID uint64) (RoundStatus, bool) {
	e.mu.Lock()
	r, open := e.open[cycleID]
	st, done := e.status[cycleID]
	e.mu.Unlock()

	if open {
		return r.snapshot(), true
	}
	if done {
		return st, true
	}
	return RoundStatus{CycleID: cycleID, State: StateIdle, Threshold: e.threshold}, false
}

// AchieveConsensus proposes root for cycleID and blocks until some root is
// certified, the round deadline passes or ctx is done. The first root to
// reach threshold wins, even if it differs from the proposed one.
func (e *Engine) AchieveConsensus(ctx context.Context, root contracts.Hash, cycleID uint64) (*contracts.QuorumCertificate, error) {
	r, err := e.openRound(cycleID)
	if err != nil {
		return nil, err
	}

	ctx, finish := e.telemetry.TrackOperation(ctx, "consensus.round",
		observability.RoundOperation(cycleID, r.tally.round)...)

	qc, err := e.runRound(ctx, r, root)
	e.closeRound(ctx, r, err)
	finish(err)
	return qc, err
}

func (e *Engine) openRound(cycleID uint64) (*round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.open[cycleID]; busy {
		return nil, fmt.Errorf("%w: cycle %d", ErrRoundInProgress, cycleID)
	}
	n := e.nextRound[cycleID]
	e.nextRound[cycleID] = n + 1

	r := &round{
		tally: newTally(cycleID, n, e.threshold),
		state: StateProposing,
		done:  make(chan struct{}),
	}
	e.open[cycleID] = r
	return r, nil
}

func (e *Engine) closeRound(ctx context.Context, r *round, err error) {
	outcome := observability.OutcomeCertified
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = observability.OutcomeTimedOut
		r.setState(StateTimedOut)
	case err != nil:
		outcome = observability.OutcomeCanceled
		r.setState(StateTimedOut)
	}
	e.telemetry.RecordRound(ctx, outcome)

	st := r.snapshot()
	cycleID := r.tally.cycleID

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.open, cycleID)
	e.status[cycleID] = st
	if len(e.status) > statusRetention {
		oldest := cycleID
		for id := range e.status {
			if id < oldest {
				oldest = id
			}
		}
		delete(e.status, oldest)
		delete(e.nextRound, oldest)
	}
}

func (e *Engine) runRound(ctx context.Context, r *round, root contracts.Hash) (*contracts.QuorumCertificate, error) {
	cycleID, roundNo := r.tally.cycleID, r.tally.round
	logger := e.logger.With("cycle_id", cycleID, "round", roundNo)

	own, err := e.ballots.Sign(cycleID, roundNo, root)
	if err != nil {
		return nil, err
	}
	if own.Root != root {
		logger.WarnContext(ctx, "already voted for another root this cycle",
			"proposed", root.String(), "bound", own.Root.String())
	}
	if err := e.accept(ctx, r, own); err != nil {
		return nil, fmt.Errorf("own vote rejected: %w", err)
	}
	r.setState(StateCollecting)

	if qc := r.certificate(); qc != nil {
		e.ballots.Settle(cycleID)
		return qc, nil
	}

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := VoteRequest{CycleID: cycleID, Round: roundNo, Root: root, ProposerID: e.self.ID()}
	g, gctx := errgroup.WithContext(rctx)
	for _, p := range e.peers {
		g.Go(func() error {
			vote, err := p.RequestVote(gctx, req)
			if err != nil {
				if gctx.Err() == nil {
					logger.WarnContext(gctx, "vote request failed", "peer", p.ID(), "error", err)
				}
				return nil
			}
			if err := e.accept(gctx, r, vote); err != nil {
				logger.WarnContext(gctx, "vote discarded", "peer", p.ID(), "error", err)
			}
			return nil
		})
	}

	select {
	case <-r.done:
	case <-rctx.Done():
	}
	cancel()
	_ = g.Wait()

	if qc := r.certificate(); qc != nil {
		if qc.Root != root {
			logger.WarnContext(ctx, "quorum certified a root other than the proposal",
				"proposed", root.String(),
				"certified", qc.Root.String(),
			)
		}
		logger.InfoContext(ctx, "quorum reached", "root", qc.Root.String(), "votes", qc.VoteCount())
		e.ballots.Settle(cycleID)
		return qc, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("consensus cycle %d round %d: %w", cycleID, roundNo, err)
	}

	r.mu.Lock()
	best := r.tally.leading()
	r.mu.Unlock()
	return nil, &TimeoutError{CycleID: cycleID, Round: roundNo, Votes: best, Threshold: e.threshold}
}

// SubmitVote feeds an unsolicited vote into the cycle's open round.
func (e *Engine) SubmitVote(ctx context.Context, v *contracts.Vote) error {
	if v == nil {
		return fmt.Errorf("%w: nil vote", ErrInvalidVote)
	}
	e.mu.Lock()
	r := e.open[v.CycleID]
	e.mu.Unlock()

	if r == nil {
		return fmt.Errorf("%w: %d", ErrNoOpenRound, v.CycleID)
	}
	return e.accept(ctx, r, v)
}

// accept verifies v against the round and adds it to the tally.
func (e *Engine) accept(ctx context.Context, r *round, v *contracts.Vote) error {
	if err := e.verify(r, v); err != nil {
		e.telemetry.RecordVote(ctx, observability.VoteInvalid)
		return err
	}

	r.mu.Lock()
	res, prev := r.tally.add(v)
	if res == voteAccepted && r.tally.certificate() != nil && r.state != StateCertified {
		r.state = StateCertified
		close(r.done)
	}
	r.mu.Unlock()

	switch res {
	case voteAccepted:
		e.telemetry.RecordVote(ctx, observability.VoteAccepted)
	case voteDuplicate, voteExcluded:
		e.telemetry.RecordVote(ctx, observability.VoteDuplicate)
	case voteEquivocation:
		e.telemetry.RecordVote(ctx, observability.VoteEquivocation)
		ev := EquivocationEvidence{
			VoterID:    v.VoterID,
			CycleID:    v.CycleID,
			Round:      v.Round,
			First:      *prev,
			Second:     *v,
			DetectedAt: time.Now().UTC(),
		}
		e.logger.WarnContext(ctx, "equivocation detected",
			"voter_id", v.VoterID,
			"cycle_id", v.CycleID,
			"round", v.Round,
			"first_root", prev.Root.String(),
			"second_root", v.Root.String(),
		)
		if err := e.evidence.Record(context.WithoutCancel(ctx), ev); err != nil {
			e.logger.ErrorContext(ctx, "failed to record equivocation evidence", "error", err)
		}
		return fmt.Errorf("%w: voter %s cycle %d round %d", ErrEquivocation, v.VoterID, v.CycleID, v.Round)
	}
	return nil
}

func (e *Engine) verify(r *round, v *contracts.Vote) error {
	if v == nil {
		return fmt.Errorf("%w: nil vote", ErrInvalidVote)
	}
	if v.CycleID != r.tally.cycleID || v.Round != r.tally.round {
		return fmt.Errorf("%w: vote for cycle %d round %d, open round is cycle %d round %d",
			ErrInvalidVote, v.CycleID, v.Round, r.tally.cycleID, r.tally.round)
	}
	if _, ok := e.members[v.VoterID]; !ok {
		return fmt.Errorf("%w: %s is not a committee member", ErrInvalidVote, v.VoterID)
	}
	if err := e.keys.VerifyVote(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidVote, err)
	}
	return nil
}
