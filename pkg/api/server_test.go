package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/lockchain/pkg/consensus"
	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/coordinator"
	"github.com/Mindburn-Labs/lockchain/pkg/crypto"
	"github.com/Mindburn-Labs/lockchain/pkg/merkle"
	"github.com/Mindburn-Labs/lockchain/pkg/store"
)

type node struct {
	srv  *httptest.Server
	keys *crypto.KeyRing
}

// newNode runs node-0 of a four-member in-process committee behind the API.
func newNode(t *testing.T, auth *Authenticator) *node {
	t.Helper()
	keys := crypto.NewKeyRing()
	signers := make([]*crypto.Ed25519Signer, 4)
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
	engine, err := consensus.NewEngine(signers[0], peers, keys, consensus.Config{Timeout: time.Second})
	require.NoError(t, err)

	st, err := store.OpenPebble(t.Name(), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	coord := coordinator.New(engine, st)
	server := NewServer(Deps{
		Store:       st,
		Coordinator: coord,
		Engine:      engine,
		Voter:       engine.Voter(coord),
		Auth:        auth,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &node{srv: srv, keys: keys}
}

func (n *node) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, n.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := n.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func receipts(cycle uint64, n int) []contracts.Receipt {
	out := make([]contracts.Receipt, n)
	for i := range out {
		out[i] = contracts.Receipt{CycleID: cycle, ShardID: 1, HookID: uint32(i), ActualCost: 2, ActionHash: uint64(100 + i)}
	}
	return out
}

func TestServer_IngestPulseAndQuery(t *testing.T) {
	n := newNode(t, nil)

	resp := n.do(t, "POST", "/v1/receipts", map[string]any{"receipts": receipts(1, 5)}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 5, decode[receiptsResponse](t, resp).Accepted)

	resp = n.do(t, "POST", "/v1/pulse", pulseRequest{CycleID: 1}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	committed := decode[contracts.CommitmentEntry](t, resp)
	assert.Equal(t, merkle.BuildFromReceipts(receipts(1, 5)).ComputeRoot(), committed.Root)
	require.NoError(t, n.keys.VerifyCertificate(&committed.Certificate))

	resp = n.do(t, "POST", "/v1/pulse", pulseRequest{CycleID: 2}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = n.do(t, "GET", "/v1/cycles/1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, committed.Root, decode[contracts.CommitmentEntry](t, resp).Root)

	resp = n.do(t, "GET", "/v1/cycles/latest", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(2), decode[contracts.CommitmentEntry](t, resp).CycleID)

	resp = n.do(t, "GET", "/v1/cycles?start=1&end=3", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[rangeResponse](t, resp).Entries, 2)

	resp = n.do(t, "GET", "/v1/continuity?start=1&end=2", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[continuityResponse](t, resp).Continuous)

	resp = n.do(t, "GET", "/v1/continuity?start=1&end=3", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cont := decode[continuityResponse](t, resp)
	assert.False(t, cont.Continuous)
	require.NotNil(t, cont.Missing)
	assert.Equal(t, uint64(3), *cont.Missing)

	resp = n.do(t, "GET", "/v1/cycles/1/proofs/3", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pr := decode[proofResponse](t, resp)
	assert.True(t, merkle.VerifyProof(merkle.HashReceipt(receipts(1, 5)[3]), pr.Proof, committed.Root))

	resp = n.do(t, "GET", "/v1/cycles/1/round", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, consensus.StateCertified, decode[consensus.RoundStatus](t, resp).State)
}

func TestServer_ContinuitySpansBeyondRangeCap(t *testing.T) {
	n := newNode(t, nil)

	resp := n.do(t, "POST", "/v1/receipts", map[string]any{"receipts": receipts(1, 2)}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = n.do(t, "POST", "/v1/pulse", pulseRequest{CycleID: 1}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = n.do(t, "GET", "/v1/continuity?start=1&end=50000", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cont := decode[continuityResponse](t, resp)
	assert.False(t, cont.Continuous)
	require.NotNil(t, cont.Missing)
	assert.Equal(t, uint64(2), *cont.Missing)

	resp = n.do(t, "GET", fmt.Sprintf("/v1/continuity?start=0&end=%d", MaxContinuitySpan), nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = n.do(t, "GET", "/v1/cycles?start=1&end=50000", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Errors(t *testing.T) {
	n := newNode(t, nil)

	resp := n.do(t, "GET", "/v1/cycles/99", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "/v1/cycles/99", problem.Instance)
	assert.Equal(t, resp.Header.Get("X-Request-ID"), problem.TraceID)

	resp = n.do(t, "GET", "/v1/cycles/latest", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = n.do(t, "GET", "/v1/cycles/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = n.do(t, "GET", "/v1/cycles?start=5&end=1", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = n.do(t, "GET", "/v1/cycles?start=0&end=5000", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = n.do(t, "GET", "/v1/cycles/1/proofs/0", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = n.do(t, "POST", "/v1/receipts", map[string]any{"receipts": append(receipts(4, 1), receipts(5, 1)...)}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = n.do(t, "POST", "/v1/pulse", pulseRequest{CycleID: 7}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = n.do(t, "POST", "/v1/retry", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = n.do(t, "POST", "/v1/abandon", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = n.do(t, "POST", "/v1/pulse", map[string]any{"cycle": 1}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_VoteEndpoints(t *testing.T) {
	n := newNode(t, nil)

	req := consensus.VoteRequest{CycleID: 3, Round: 0, Root: contracts.Hash{0x09}, ProposerID: "node-1"}
	resp := n.do(t, "POST", "/v1/votes", req, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vote := decode[contracts.Vote](t, resp)
	assert.Equal(t, "node-0", vote.VoterID)
	assert.Equal(t, req.Root, vote.Root)
	require.NoError(t, n.keys.VerifyVote(&vote))

	// No round open on this node for cycle 3.
	resp = n.do(t, "POST", "/v1/votes/submit", vote, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_AuthScopes(t *testing.T) {
	auth := NewAuthenticator([]byte("s3cret"), "")
	n := newNode(t, auth)

	reader, err := auth.Issue("auditor", []string{"read"}, time.Minute)
	require.NoError(t, err)
	writer, err := auth.Issue("scheduler", []string{"write"}, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, n.do(t, "GET", "/health", nil, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, n.do(t, "GET", "/v1/cycles/latest", nil, "").StatusCode)
	assert.Equal(t, http.StatusForbidden, n.do(t, "POST", "/v1/pulse", pulseRequest{CycleID: 1}, reader).StatusCode)
	assert.Equal(t, http.StatusOK, n.do(t, "POST", "/v1/pulse", pulseRequest{CycleID: 1}, writer).StatusCode)
	assert.Equal(t, http.StatusOK, n.do(t, "GET", "/v1/cycles/latest", nil, reader).StatusCode)

	// Peer vote endpoint is authenticated by signatures, not tokens.
	req := consensus.VoteRequest{CycleID: 9, Root: contracts.Hash{0x01}}
	assert.Equal(t, http.StatusOK, n.do(t, "POST", "/v1/votes", req, "").StatusCode)
}

func TestServer_HealthReportsPending(t *testing.T) {
	n := newNode(t, nil)
	_ = n.do(t, "POST", "/v1/receipts", map[string]any{"receipts": receipts(6, 2)}, "")

	resp := n.do(t, "GET", "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 6, health["open_cycle"])
	assert.EqualValues(t, 2, health["open_receipts"])
}

func TestWriteDomainError_Timeout(t *testing.T) {
	s := NewServer(Deps{})
	w := httptest.NewRecorder()
	s.writeDomainError(w, fmt.Errorf("commit: %w", &consensus.TimeoutError{CycleID: 1, Votes: 1, Threshold: 3}))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	w = httptest.NewRecorder()
	s.writeDomainError(w, fmt.Errorf("%w: bad sig", consensus.ErrInvalidVote))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = httptest.NewRecorder()
	s.writeDomainError(w, context.Canceled)
	assert.Equal(t, 499, w.Code)
}
