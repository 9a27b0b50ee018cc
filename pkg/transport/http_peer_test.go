package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/lockchain/pkg/consensus"
	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/crypto"
)

func voterServer(t *testing.T, voter *consensus.Voter) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/votes", func(w http.ResponseWriter, r *http.Request) {
		var req consensus.VoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, err := voter.HandleVoteRequest(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(v)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPPeer_RequestVoteRoundTrip(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("remote")
	require.NoError(t, err)
	keys := crypto.NewKeyRing()
	require.NoError(t, keys.AddSigner(signer))

	srv := voterServer(t, consensus.NewVoter(signer, nil))
	peer := NewHTTPPeer("remote", srv.URL+"/")
	assert.Equal(t, "remote", peer.ID())

	req := consensus.VoteRequest{CycleID: 9, Round: 2, Root: contracts.Hash{0x42}, ProposerID: "me"}
	v, err := peer.RequestVote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v.CycleID)
	assert.Equal(t, uint64(2), v.Round)
	assert.Equal(t, req.Root, v.Root)
	require.NoError(t, keys.VerifyVote(v))
}

func TestHTTPPeer_EngineOverHTTP(t *testing.T) {
	keys := crypto.NewKeyRing()
	self, err := crypto.NewEd25519Signer("self")
	require.NoError(t, err)
	require.NoError(t, keys.AddSigner(self))

	var peers []consensus.Peer
	for _, id := range []string{"p1", "p2", "p3"} {
		s, err := crypto.NewEd25519Signer(id)
		require.NoError(t, err)
		require.NoError(t, keys.AddSigner(s))
		srv := voterServer(t, consensus.NewVoter(s, nil))
		peers = append(peers, NewHTTPPeer(id, srv.URL))
	}

	e, err := consensus.NewEngine(self, peers, keys, consensus.Config{Timeout: 2 * time.Second})
	require.NoError(t, err)

	qc, err := e.AchieveConsensus(context.Background(), contracts.Hash{0x07}, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, qc.VoteCount(), 3)
	require.NoError(t, keys.VerifyCertificate(qc))
}

func TestHTTPPeer_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no round", http.StatusConflict)
	}))
	defer srv.Close()

	peer := NewHTTPPeer("x", srv.URL)
	_, err := peer.RequestVote(context.Background(), consensus.VoteRequest{CycleID: 1})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Contains(t, se.Body, "no round")
}

func TestHTTPPeer_HonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewHTTPPeer("slow", srv.URL).RequestVote(ctx, consensus.VoteRequest{CycleID: 1})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPPeer_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	peer := NewHTTPPeer("flaky", srv.URL, WithBreaker(2, time.Hour))
	ctx := context.Background()
	for range 2 {
		_, err := peer.RequestVote(ctx, consensus.VoteRequest{CycleID: 1})
		var se *StatusError
		require.ErrorAs(t, err, &se)
	}
	assert.False(t, peer.Available())

	_, err := peer.RequestVote(ctx, consensus.VoteRequest{CycleID: 1})
	assert.ErrorIs(t, err, ErrPeerUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPPeer_ClientErrorsKeepBreakerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no round", http.StatusConflict)
	}))
	defer srv.Close()

	peer := NewHTTPPeer("x", srv.URL, WithBreaker(1, time.Hour))
	for range 3 {
		_, err := peer.RequestVote(context.Background(), consensus.VoteRequest{CycleID: 1})
		require.Error(t, err)
	}
	assert.True(t, peer.Available())
}

func TestHTTPPeer_DeadlineCutoffDoesNotResetFailures(t *testing.T) {
	var hang atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hang.Load() {
			<-r.Context().Done()
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	peer := NewHTTPPeer("hung", srv.URL, WithBreaker(2, time.Hour))
	req := consensus.VoteRequest{CycleID: 1}

	_, err := peer.RequestVote(context.Background(), req)
	require.Error(t, err)

	hang.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err = peer.RequestVote(ctx, req)
	cancel()
	require.Error(t, err)
	assert.True(t, peer.Available())

	hang.Store(false)
	_, err = peer.RequestVote(context.Background(), req)
	require.Error(t, err)
	assert.False(t, peer.Available(), "cut-off call must not clear the earlier failure")
}

func TestBreaker_AbandonedTrialReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	b.failure()
	now = now.Add(2 * time.Second)
	require.True(t, b.allow())
	b.abandon()
	assert.True(t, b.isOpen())
	require.True(t, b.allow(), "abandoned trial must not wedge the breaker half-open")
	b.success()
	assert.False(t, b.isOpen())

	b.abandon()
	assert.False(t, b.isOpen())
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	require.True(t, b.allow())
	b.failure()
	assert.False(t, b.allow())

	now = now.Add(2 * time.Second)
	require.True(t, b.allow())
	assert.False(t, b.allow(), "only one trial call while half-open")
	b.failure()
	assert.False(t, b.allow())

	now = now.Add(2 * time.Second)
	require.True(t, b.allow())
	b.success()
	assert.True(t, b.allow())
	assert.True(t, b.allow())
}
