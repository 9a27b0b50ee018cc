// Package coordinator drives one node through the commit pipeline at every
// pulse: aggregate the cycle's receipts, certify the root with the quorum,
// persist the entry, then start the next cycle from an empty tree.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Mindburn-Labs/lockchain/pkg/archive"
	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/merkle"
	"github.com/Mindburn-Labs/lockchain/pkg/observability"
	"github.com/Mindburn-Labs/lockchain/pkg/store"
)

// DefaultRecentTrees is how many committed trees are kept for proofs.
const DefaultRecentTrees = 64

var (
	ErrCycleMismatch   = errors.New("receipt does not belong to the open cycle")
	ErrRetryPending    = errors.New("a failed cycle is waiting for retry")
	ErrNothingPending  = errors.New("no failed cycle to retry")
	ErrTreeNotRetained = errors.New("tree for cycle not retained")
	ErrLeafOutOfRange  = errors.New("leaf index out of range")
	// ErrEntryUnreadable means the entry was persisted but could not be read
	// back. The cycle is committed; only its proofs are unavailable.
	ErrEntryUnreadable = errors.New("committed entry unreadable")
)

// Consensus certifies a root for a cycle.
type Consensus interface {
	AchieveConsensus(ctx context.Context, root contracts.Hash, cycleID uint64) (*contracts.QuorumCertificate, error)
}

// batch is one sealed cycle. Its tree no longer accepts receipts and its
// root is computed once at seal time.
type batch struct {
	cycleID uint64
	tree    *merkle.Aggregator
	root    contracts.Hash
}

// Coordinator owns the open cycle's tree. Receipts are added sequentially;
// Pulse, Retry and Abandon are serialized with each other.
type Coordinator struct {
	consensus Consensus
	store     store.Store
	archiver  *archive.Archiver
	telemetry *observability.Provider
	logger    *slog.Logger

	pulseMu sync.Mutex

	mu       sync.Mutex
	cycleID  uint64
	open     bool
	tree     *merkle.Aggregator
	pending  *batch
	inflight *batch

	// Highest cycle ever sealed. It and everything below is read-only.
	sealed     bool
	lastSealed uint64

	recent *lru.Cache // cycleID -> *batch
}

type Option func(*Coordinator)

// WithArchiver copies every committed entry to an audit archive.
func WithArchiver(a *archive.Archiver) Option {
	return func(c *Coordinator) { c.archiver = a }
}

func WithTelemetry(p *observability.Provider) Option {
	return func(c *Coordinator) { c.telemetry = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithRecentTrees sets how many committed trees stay available for proofs.
func WithRecentTrees(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.recent, _ = lru.New(n)
		}
	}
}

func New(cons Consensus, st store.Store, opts ...Option) *Coordinator {
	recent, _ := lru.New(DefaultRecentTrees)
	c := &Coordinator{
		consensus: cons,
		store:     st,
		telemetry: observability.Disabled(),
		logger:    slog.Default().With("component", "coordinator"),
		tree:      merkle.NewAggregator(),
		recent:    recent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resume marks every cycle up to the store's latest entry as sealed, so a
// restarted node never reopens a committed cycle.
func (c *Coordinator) Resume(ctx context.Context) error {
	latest, found, err := c.store.Latest(ctx)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if !found {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markSealed(latest.CycleID)
	return nil
}

func (c *Coordinator) markSealed(cycleID uint64) {
	if !c.sealed || cycleID > c.lastSealed {
		c.sealed = true
		c.lastSealed = cycleID
	}
}

func (c *Coordinator) isSealed(cycleID uint64) bool {
	return c.sealed && cycleID <= c.lastSealed
}

// AddReceipt appends r to the open cycle. The first receipt after a pulse
// opens its cycle; receipts for any other cycle, and for cycles already
// sealed, are rejected.
func (c *Coordinator) AddReceipt(r contracts.Receipt) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isSealed(r.CycleID) {
		return fmt.Errorf("%w: cycle %d is sealed", ErrCycleMismatch, r.CycleID)
	}
	if !c.open {
		c.cycleID = r.CycleID
		c.open = true
	} else if r.CycleID != c.cycleID {
		return fmt.Errorf("%w: got cycle %d, open cycle is %d", ErrCycleMismatch, r.CycleID, c.cycleID)
	}
	c.tree.AddReceipt(r)
	return nil
}

// OpenCycle reports the cycle currently accepting receipts and its size.
func (c *Coordinator) OpenCycle() (cycleID uint64, receipts int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycleID, c.tree.LeafCount(), c.open
}

// PendingCycle reports the cycle whose commit failed and awaits Retry or Abandon.
func (c *Coordinator) PendingCycle() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0, false
	}
	return c.pending.cycleID, true
}

// Pulse seals cycleID and commits it. A cycle with no receipts commits the
// empty root so the chain stays continuous. On failure the sealed cycle is
// kept for Retry and the error is returned; nothing is persisted.
func (c *Coordinator) Pulse(ctx context.Context, cycleID uint64) (*contracts.CommitmentEntry, error) {
	c.pulseMu.Lock()
	defer c.pulseMu.Unlock()

	b, err := c.seal(cycleID)
	if err != nil {
		return nil, err
	}
	return c.commit(ctx, b)
}

func (c *Coordinator) seal(cycleID uint64) (*batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		return nil, fmt.Errorf("%w: cycle %d", ErrRetryPending, c.pending.cycleID)
	}
	if c.isSealed(cycleID) {
		return nil, fmt.Errorf("%w: cycle %d is sealed, last sealed is %d", ErrCycleMismatch, cycleID, c.lastSealed)
	}
	tree := merkle.NewAggregator()
	if c.open {
		if c.cycleID != cycleID {
			return nil, fmt.Errorf("%w: pulse for cycle %d, open cycle is %d", ErrCycleMismatch, cycleID, c.cycleID)
		}
		tree = c.tree
		c.tree = merkle.NewAggregator()
		c.open = false
	}
	c.markSealed(cycleID)
	return &batch{cycleID: cycleID, tree: tree, root: tree.ComputeRoot()}, nil
}

// Retry re-proposes the pending cycle with the same receipts. The engine
// numbers it as a fresh round.
func (c *Coordinator) Retry(ctx context.Context) (*contracts.CommitmentEntry, error) {
	c.pulseMu.Lock()
	defer c.pulseMu.Unlock()

	c.mu.Lock()
	b := c.pending
	c.pending = nil
	c.mu.Unlock()
	if b == nil {
		return nil, ErrNothingPending
	}
	return c.commit(ctx, b)
}

// Abandon drops the pending cycle. The caller decides how to record the hole.
func (c *Coordinator) Abandon() (uint64, bool) {
	c.pulseMu.Lock()
	defer c.pulseMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0, false
	}
	id := c.pending.cycleID
	c.pending = nil
	c.logger.Warn("abandoned cycle", "cycle_id", id)
	return id, true
}

func (c *Coordinator) commit(ctx context.Context, b *batch) (entry *contracts.CommitmentEntry, err error) {
	ctx, finish := c.telemetry.TrackOperation(ctx, "cycle.commit",
		observability.CycleOperation(b.cycleID, b.root.String())...)
	defer func() { finish(err) }()

	c.setInflight(b)
	defer c.setInflight(nil)

	fail := func(stage string, err error) (*contracts.CommitmentEntry, error) {
		c.mu.Lock()
		c.pending = b
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "cycle not committed",
			"cycle_id", b.cycleID, "stage", stage, "error", err)
		return nil, fmt.Errorf("commit cycle %d: %s: %w", b.cycleID, stage, err)
	}

	qc, err := c.consensus.AchieveConsensus(ctx, b.root, b.cycleID)
	if err != nil {
		return fail("consensus", err)
	}
	if qc.Root != b.root {
		c.logger.WarnContext(ctx, "quorum certified a different root",
			"cycle_id", b.cycleID, "local", b.root.String(), "certified", qc.Root.String())
	}

	if err := c.store.Persist(ctx, contracts.NewCommitmentEntry(qc, b.tree.LeafCount())); err != nil {
		return fail("persist", err)
	}
	// Persisted: from here on the cycle is committed and never retried.
	stored, found, err := c.store.Get(ctx, b.cycleID)
	if err == nil && !found {
		err = ErrEntryUnreadable
	} else if err != nil {
		err = fmt.Errorf("%w: %w", ErrEntryUnreadable, err)
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "committed entry not readable", "cycle_id", b.cycleID, "error", err)
		return nil, fmt.Errorf("commit cycle %d: read back: %w", b.cycleID, err)
	}

	// Proofs are only meaningful against the root we hold leaves for.
	if stored.Root == b.root {
		c.recent.Add(b.cycleID, b)
	}
	c.telemetry.RecordCommit(ctx, b.tree.LeafCount())
	c.logger.InfoContext(ctx, "cycle committed",
		"cycle_id", b.cycleID,
		"root", stored.Root.String(),
		"round", qc.Round,
		"votes", qc.VoteCount(),
		"receipts", b.tree.LeafCount(),
	)

	if c.archiver != nil {
		if err := c.archiver.Archive(ctx, stored); err != nil {
			c.logger.WarnContext(ctx, "archive failed", "cycle_id", b.cycleID, "error", err)
		}
	}
	return stored, nil
}

func (c *Coordinator) setInflight(b *batch) {
	c.mu.Lock()
	c.inflight = b
	c.mu.Unlock()
}

// LocalRoot makes the coordinator a consensus.RootSource: the root of the
// cycle being committed, or of a recently committed tree.
func (c *Coordinator) LocalRoot(cycleID uint64) (contracts.Hash, bool) {
	c.mu.Lock()
	for _, b := range []*batch{c.inflight, c.pending} {
		if b != nil && b.cycleID == cycleID {
			c.mu.Unlock()
			return b.root, true
		}
	}
	c.mu.Unlock()

	if v, ok := c.recent.Get(cycleID); ok {
		return v.(*batch).root, true
	}
	return contracts.Hash{}, false
}

// Proof returns an inclusion proof for leaf index of a recently committed
// cycle together with the root it verifies against.
func (c *Coordinator) Proof(cycleID uint64, index int) (*merkle.Proof, contracts.Hash, error) {
	v, ok := c.recent.Get(cycleID)
	if !ok {
		return nil, contracts.Hash{}, fmt.Errorf("%w: %d", ErrTreeNotRetained, cycleID)
	}
	b := v.(*batch)
	proof, ok := b.tree.GenerateProof(index)
	if !ok {
		return nil, contracts.Hash{}, fmt.Errorf("%w: %d of %d", ErrLeafOutOfRange, index, b.tree.LeafCount())
	}
	return proof, b.root, nil
}
