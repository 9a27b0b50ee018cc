package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/lockchain/pkg/archive"
	"github.com/Mindburn-Labs/lockchain/pkg/consensus"
	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/crypto"
	"github.com/Mindburn-Labs/lockchain/pkg/merkle"
	"github.com/Mindburn-Labs/lockchain/pkg/store"
)

// newCommittee builds an engine for node-0 with n-1 in-process peers.
func newCommittee(t *testing.T, n int) (*consensus.Engine, *crypto.KeyRing) {
	t.Helper()
	keys := crypto.NewKeyRing()
	signers := make([]*crypto.Ed25519Signer, n)
	for i := range signers {
		s, err := crypto.NewEd25519Signer(fmt.Sprintf("node-%d", i))
		require.NoError(t, err)
		require.NoError(t, keys.AddSigner(s))
		signers[i] = s
	}
	var peers []consensus.Peer
	for _, s := range signers[1:] {
		peers = append(peers, consensus.NewLocalPeer(consensus.NewVoter(s, nil)))
	}
	e, err := consensus.NewEngine(signers[0], peers, keys, consensus.Config{Timeout: time.Second})
	require.NoError(t, err)
	return e, keys
}

func memStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenPebble(t.Name(), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func receipt(cycle uint64, i int) contracts.Receipt {
	return contracts.Receipt{
		CycleID:    cycle,
		ShardID:    uint32(i % 2),
		HookID:     uint32(i),
		ActualCost: uint64(3 + i),
		ActionHash: uint64(0xABCD0000 + i),
	}
}

// scriptedConsensus returns the queued errors first, then certifies the proposal.
type scriptedConsensus struct {
	errs  []error
	calls int
}

func (s *scriptedConsensus) AchieveConsensus(_ context.Context, root contracts.Hash, cycleID uint64) (*contracts.QuorumCertificate, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &contracts.QuorumCertificate{
		CycleID:   cycleID,
		Round:     uint64(s.calls - 1),
		Root:      root,
		Threshold: 1,
		Votes:     []contracts.Vote{{VoterID: "solo", CycleID: cycleID, Round: uint64(s.calls - 1), Root: root}},
		FormedAt:  time.Now().UTC(),
	}, nil
}

func TestEndToEnd_FiveReceiptsFourMembers(t *testing.T) {
	ctx := context.Background()
	engine, keys := newCommittee(t, 4)
	require.Equal(t, 3, engine.Threshold())

	st := memStore(t)
	c := New(engine, st)

	const cycle = 42
	want := merkle.NewAggregator()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.AddReceipt(receipt(cycle, i)))
		want.AddReceipt(receipt(cycle, i))
	}

	entry, err := c.Pulse(ctx, cycle)
	require.NoError(t, err)
	assert.Equal(t, want.ComputeRoot(), entry.Root)
	assert.Equal(t, 5, entry.ReceiptCount)
	assert.GreaterOrEqual(t, entry.Certificate.VoteCount(), 3)
	require.NoError(t, keys.VerifyCertificate(&entry.Certificate))

	got, found, err := st.Get(ctx, cycle)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entry.Root, got.Root)
	assert.Equal(t, entry.Certificate.Signers(), got.Certificate.Signers())
	assert.True(t, entry.PersistedAt.Equal(got.PersistedAt))

	require.NoError(t, st.VerifyContinuity(ctx, cycle, cycle))

	for i := 0; i < 5; i++ {
		proof, root, err := c.Proof(cycle, i)
		require.NoError(t, err)
		assert.Equal(t, entry.Root, root)
		assert.True(t, merkle.VerifyProof(merkle.HashReceipt(receipt(cycle, i)), proof, root))
	}
	_, _, err = c.Proof(cycle, 5)
	assert.ErrorIs(t, err, ErrLeafOutOfRange)
	_, _, err = c.Proof(cycle+1, 0)
	assert.ErrorIs(t, err, ErrTreeNotRetained)
}

func TestAddReceipt_RejectsOtherCycles(t *testing.T) {
	c := New(&scriptedConsensus{}, memStore(t))

	require.NoError(t, c.AddReceipt(receipt(1, 0)))
	err := c.AddReceipt(receipt(2, 0))
	assert.ErrorIs(t, err, ErrCycleMismatch)

	id, n, open := c.OpenCycle()
	assert.True(t, open)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, 1, n)

	_, err = c.Pulse(context.Background(), 2)
	assert.ErrorIs(t, err, ErrCycleMismatch)
}

func TestPulse_EmptyCycleCommitsEmptyRoot(t *testing.T) {
	ctx := context.Background()
	st := memStore(t)
	c := New(&scriptedConsensus{}, st)

	entry, err := c.Pulse(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, merkle.EmptyRoot(), entry.Root)
	assert.Equal(t, 0, entry.ReceiptCount)

	require.NoError(t, c.AddReceipt(receipt(2, 0)))
	_, err = c.Pulse(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, st.VerifyContinuity(ctx, 1, 2))
}

func TestPulse_TimeoutLeavesCycleRetryable(t *testing.T) {
	ctx := context.Background()
	st := memStore(t)
	cons := &scriptedConsensus{errs: []error{&consensus.TimeoutError{CycleID: 7, Votes: 1, Threshold: 3}}}
	c := New(cons, st)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.AddReceipt(receipt(7, i)))
	}
	_, err := c.Pulse(ctx, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, consensus.ErrTimeout)

	_, found, err := st.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, found)

	pending, ok := c.PendingCycle()
	require.True(t, ok)
	assert.Equal(t, uint64(7), pending)

	// Sealed: late receipts for 7 are refused, the next cycle may fill.
	assert.ErrorIs(t, c.AddReceipt(receipt(7, 9)), ErrCycleMismatch)
	require.NoError(t, c.AddReceipt(receipt(8, 0)))

	_, err = c.Pulse(ctx, 8)
	assert.ErrorIs(t, err, ErrRetryPending)

	entry, err := c.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, entry.ReceiptCount)
	assert.Equal(t, uint64(1), entry.Certificate.Round)

	_, ok = c.PendingCycle()
	assert.False(t, ok)
	_, err = c.Retry(ctx)
	assert.ErrorIs(t, err, ErrNothingPending)

	_, err = c.Pulse(ctx, 8)
	require.NoError(t, err)
	require.NoError(t, st.VerifyContinuity(ctx, 7, 8))
}

func TestAbandon(t *testing.T) {
	c := New(&scriptedConsensus{errs: []error{errors.New("partition")}}, memStore(t))

	_, ok := c.Abandon()
	assert.False(t, ok)

	_, err := c.Pulse(context.Background(), 3)
	require.Error(t, err)

	id, ok := c.Abandon()
	require.True(t, ok)
	assert.Equal(t, uint64(3), id)
	_, ok = c.PendingCycle()
	assert.False(t, ok)
}

func TestPulse_PersistMismatchIsSurfaced(t *testing.T) {
	ctx := context.Background()
	st := memStore(t)
	require.NoError(t, st.Persist(ctx, contracts.NewCommitmentEntry(&contracts.QuorumCertificate{
		CycleID: 5, Root: contracts.Hash{0xFF}, Threshold: 1,
	}, 0)))

	c := New(&scriptedConsensus{}, st)
	_, err := c.Pulse(ctx, 5)
	assert.ErrorIs(t, err, store.ErrDuplicateMismatch)

	_, ok := c.PendingCycle()
	assert.True(t, ok)
}

func TestLocalRoot_ServesVoters(t *testing.T) {
	ctx := context.Background()
	c := New(&scriptedConsensus{}, memStore(t))
	require.NoError(t, c.AddReceipt(receipt(1, 0)))
	entry, err := c.Pulse(ctx, 1)
	require.NoError(t, err)

	root, ok := c.LocalRoot(1)
	require.True(t, ok)
	assert.Equal(t, entry.Root, root)
	_, ok = c.LocalRoot(2)
	assert.False(t, ok)

	signer, err := crypto.NewEd25519Signer("peer")
	require.NoError(t, err)
	voter := consensus.NewVoter(signer, c)
	v, err := voter.HandleVoteRequest(ctx, consensus.VoteRequest{CycleID: 1, Root: contracts.Hash{0x01}})
	require.NoError(t, err)
	assert.Equal(t, entry.Root, v.Root)
}

func TestPulse_ArchivesCommittedEntry(t *testing.T) {
	ctx := context.Background()
	sink, err := archive.NewFileSink(t.TempDir())
	require.NoError(t, err)
	arch := archive.NewArchiver(sink)
	c := New(&scriptedConsensus{}, memStore(t), WithArchiver(arch), WithRecentTrees(2))

	for cycle := uint64(1); cycle <= 3; cycle++ {
		require.NoError(t, c.AddReceipt(receipt(cycle, 0)))
		_, err := c.Pulse(ctx, cycle)
		require.NoError(t, err)
	}

	got, err := arch.Fetch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.CycleID)

	// Only the two most recent trees are kept.
	_, _, err = c.Proof(1, 0)
	assert.ErrorIs(t, err, ErrTreeNotRetained)
	_, _, err = c.Proof(3, 0)
	assert.NoError(t, err)
}

func TestAddReceipt_LateReceiptForCommittedCycle(t *testing.T) {
	ctx := context.Background()
	cons := &scriptedConsensus{}
	c := New(cons, memStore(t))

	require.NoError(t, c.AddReceipt(receipt(5, 0)))
	committed, err := c.Pulse(ctx, 5)
	require.NoError(t, err)

	err = c.AddReceipt(receipt(5, 9))
	assert.ErrorIs(t, err, ErrCycleMismatch)
	_, _, open := c.OpenCycle()
	assert.False(t, open, "a late receipt must not reopen a committed cycle")

	_, err = c.Pulse(ctx, 5)
	assert.ErrorIs(t, err, ErrCycleMismatch)
	assert.Equal(t, 1, cons.calls, "no second round for a committed cycle")
	_, pending := c.PendingCycle()
	assert.False(t, pending)

	_, err = c.Pulse(ctx, 3)
	assert.ErrorIs(t, err, ErrCycleMismatch)

	require.NoError(t, c.AddReceipt(receipt(6, 0)))
	next, err := c.Pulse(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), next.CycleID)

	root, ok := c.LocalRoot(5)
	require.True(t, ok)
	assert.Equal(t, committed.Root, root)
}

func TestAddReceipt_PendingCycleIsSealed(t *testing.T) {
	ctx := context.Background()
	c := New(&scriptedConsensus{errs: []error{&consensus.TimeoutError{CycleID: 2}}}, memStore(t))

	require.NoError(t, c.AddReceipt(receipt(2, 0)))
	_, err := c.Pulse(ctx, 2)
	require.Error(t, err)

	assert.ErrorIs(t, c.AddReceipt(receipt(2, 1)), ErrCycleMismatch)
	_, err = c.Retry(ctx)
	require.NoError(t, err)
}

func TestResume_SealsStoredCycles(t *testing.T) {
	ctx := context.Background()
	st := memStore(t)
	first := New(&scriptedConsensus{}, st)
	for cycle := uint64(1); cycle <= 4; cycle++ {
		_, err := first.Pulse(ctx, cycle)
		require.NoError(t, err)
	}

	restarted := New(&scriptedConsensus{}, st)
	require.NoError(t, restarted.Resume(ctx))
	assert.ErrorIs(t, restarted.AddReceipt(receipt(4, 0)), ErrCycleMismatch)
	_, err := restarted.Pulse(ctx, 2)
	assert.ErrorIs(t, err, ErrCycleMismatch)

	require.NoError(t, restarted.AddReceipt(receipt(5, 0)))
	_, err = restarted.Pulse(ctx, 5)
	require.NoError(t, err)

	empty := New(&scriptedConsensus{}, memStore(t))
	require.NoError(t, empty.Resume(ctx))
	require.NoError(t, empty.AddReceipt(receipt(1, 0)))
}

// forgetfulStore accepts writes but never finds them again.
type forgetfulStore struct {
	store.Store
}

func (forgetfulStore) Get(context.Context, uint64) (*contracts.CommitmentEntry, bool, error) {
	return nil, false, nil
}

func TestPulse_UnreadableEntryIsNotRetried(t *testing.T) {
	ctx := context.Background()
	c := New(&scriptedConsensus{}, forgetfulStore{memStore(t)})

	_, err := c.Pulse(ctx, 1)
	require.ErrorIs(t, err, ErrEntryUnreadable)
	assert.NotContains(t, err.Error(), "%!w")

	_, pending := c.PendingCycle()
	assert.False(t, pending, "a persisted cycle is never pending")
	_, err = c.Retry(ctx)
	assert.ErrorIs(t, err, ErrNothingPending)
}
