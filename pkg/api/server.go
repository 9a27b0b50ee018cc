package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/lockchain/pkg/consensus"
	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/coordinator"
	"github.com/Mindburn-Labs/lockchain/pkg/merkle"
	"github.com/Mindburn-Labs/lockchain/pkg/observability"
	"github.com/Mindburn-Labs/lockchain/pkg/store"
)

// MaxRangeSpan bounds how many cycles one range query may return.
const MaxRangeSpan = 1000

// MaxContinuitySpan bounds one continuity check. The check streams the store
// and returns only the first gap, so it may cover far more than a range query.
const MaxContinuitySpan = 1_000_000

const maxBodyBytes = 1 << 20

// Committer is the coordinator surface the API drives.
type Committer interface {
	AddReceipt(r contracts.Receipt) error
	Pulse(ctx context.Context, cycleID uint64) (*contracts.CommitmentEntry, error)
	Retry(ctx context.Context) (*contracts.CommitmentEntry, error)
	Abandon() (uint64, bool)
	Proof(cycleID uint64, index int) (*merkle.Proof, contracts.Hash, error)
	OpenCycle() (uint64, int, bool)
	PendingCycle() (uint64, bool)
}

// Rounds is the engine surface: pushed votes and round status.
type Rounds interface {
	SubmitVote(ctx context.Context, v *contracts.Vote) error
	Status(cycleID uint64) (consensus.RoundStatus, bool)
}

// Responder answers a proposer's vote request.
type Responder interface {
	HandleVoteRequest(ctx context.Context, req consensus.VoteRequest) (*contracts.Vote, error)
}

// Deps wires the server to the node. Store and Voter are required; a nil
// Coordinator or Engine disables the routes that need them.
type Deps struct {
	Store       store.Store
	Coordinator Committer
	Engine      Rounds
	Voter       Responder
	Auth        *Authenticator
	Limiter     *RateLimiter
	Telemetry   *observability.Provider
	Logger      *slog.Logger
}

type Server struct {
	Deps
}

func NewServer(deps Deps) *Server {
	if deps.Telemetry == nil {
		deps.Telemetry = observability.Disabled()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "api")
	}
	return &Server{Deps: deps}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	read := func(h http.HandlerFunc) http.Handler { return s.Auth.Require("read", h) }
	write := func(h http.HandlerFunc) http.Handler { return s.Auth.Require("write", h) }

	s.route(mux, "GET /health", http.HandlerFunc(s.handleHealth))

	s.route(mux, "GET /v1/cycles", read(s.handleRange))
	s.route(mux, "GET /v1/cycles/latest", read(s.handleLatest))
	s.route(mux, "GET /v1/cycles/{id}", read(s.handleGet))
	s.route(mux, "GET /v1/cycles/{id}/round", read(s.handleRoundStatus))
	s.route(mux, "GET /v1/cycles/{id}/proofs/{index}", read(s.handleProof))
	s.route(mux, "GET /v1/continuity", read(s.handleContinuity))

	s.route(mux, "POST /v1/receipts", write(s.handleReceipts))
	s.route(mux, "POST /v1/pulse", write(s.handlePulse))
	s.route(mux, "POST /v1/retry", write(s.handleRetry))
	s.route(mux, "POST /v1/abandon", write(s.handleAbandon))

	// Peer endpoints carry signed votes; the signature is the authentication.
	s.route(mux, "POST /v1/votes", http.HandlerFunc(s.handleVoteRequest))
	s.route(mux, "POST /v1/votes/submit", http.HandlerFunc(s.handleSubmitVote))

	var h http.Handler = mux
	if s.Limiter != nil {
		h = s.Limiter.Middleware(h)
	}
	return RequestIDMiddleware(h)
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, s.instrument(pattern, h))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, finish := s.Telemetry.TrackOperation(r.Context(), "http "+name)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		var err error
		if rec.status >= 500 {
			err = fmt.Errorf("http %d", rec.status)
		}
		finish(err)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.Coordinator != nil {
		if id, n, open := s.Coordinator.OpenCycle(); open {
			resp["open_cycle"] = id
			resp["open_receipts"] = n
		}
		if id, pending := s.Coordinator.PendingCycle(); pending {
			resp["pending_cycle"] = id
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	entry, found, err := s.Store.Get(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !found {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", fmt.Sprintf("cycle %d not committed", id))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	entry, found, err := s.Store.Latest(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !found {
		WriteNotFound(w, "no cycles committed")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type rangeResponse struct {
	Start   uint64                       `json:"start"`
	End     uint64                       `json:"end"`
	Entries []*contracts.CommitmentEntry `json:"entries"`
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	start, end, ok := queryRange(w, r, MaxRangeSpan)
	if !ok {
		return
	}
	entries, err := store.Collect(s.Store.Range(r.Context(), start, end))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if entries == nil {
		entries = []*contracts.CommitmentEntry{}
	}
	writeJSON(w, http.StatusOK, rangeResponse{Start: start, End: end, Entries: entries})
}

type continuityResponse struct {
	Start      uint64  `json:"start"`
	End        uint64  `json:"end"`
	Continuous bool    `json:"continuous"`
	Missing    *uint64 `json:"missing,omitempty"`
}

func (s *Server) handleContinuity(w http.ResponseWriter, r *http.Request) {
	start, end, ok := queryRange(w, r, MaxContinuitySpan)
	if !ok {
		return
	}
	resp := continuityResponse{Start: start, End: end, Continuous: true}
	err := s.Store.VerifyContinuity(r.Context(), start, end)
	var gap *store.GapError
	switch {
	case errors.As(err, &gap):
		resp.Continuous = false
		resp.Missing = &gap.Missing
	case err != nil:
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type proofResponse struct {
	CycleID uint64         `json:"cycle_id"`
	Root    contracts.Hash `json:"root"`
	Proof   *merkle.Proof  `json:"proof"`
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		WriteNotFound(w, "proofs are not served by this node")
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		WriteBadRequest(w, "index must be a non-negative integer")
		return
	}
	proof, root, err := s.Coordinator.Proof(id, index)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proofResponse{CycleID: id, Root: root, Proof: proof})
}

func (s *Server) handleRoundStatus(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil {
		WriteNotFound(w, "consensus is not run by this node")
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	st, _ := s.Engine.Status(id)
	writeJSON(w, http.StatusOK, st)
}

type receiptsRequest struct {
	Receipts []contracts.Receipt `json:"receipts"`
}

type receiptsResponse struct {
	Accepted int `json:"accepted"`
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		WriteNotFound(w, "ingest is not enabled on this node")
		return
	}
	var req receiptsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for i, rc := range req.Receipts {
		if err := s.Coordinator.AddReceipt(rc); err != nil {
			WriteConflict(w, fmt.Sprintf("receipt %d rejected after %d accepted: %v", i, i, err))
			return
		}
	}
	writeJSON(w, http.StatusAccepted, receiptsResponse{Accepted: len(req.Receipts)})
}

type pulseRequest struct {
	CycleID uint64 `json:"cycle_id"`
}

func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		WriteNotFound(w, "ingest is not enabled on this node")
		return
	}
	var req pulseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := s.Coordinator.Pulse(r.Context(), req.CycleID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		WriteNotFound(w, "ingest is not enabled on this node")
		return
	}
	entry, err := s.Coordinator.Retry(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		WriteNotFound(w, "ingest is not enabled on this node")
		return
	}
	id, ok := s.Coordinator.Abandon()
	if !ok {
		WriteConflict(w, coordinator.ErrNothingPending.Error())
		return
	}
	writeJSON(w, http.StatusOK, pulseRequest{CycleID: id})
}

func (s *Server) handleVoteRequest(w http.ResponseWriter, r *http.Request) {
	var req consensus.VoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	vote, err := s.Voter.HandleVoteRequest(r.Context(), req)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vote)
}

func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil {
		WriteNotFound(w, "consensus is not run by this node")
		return
	}
	var vote contracts.Vote
	if !decodeBody(w, r, &vote) {
		return
	}
	if err := s.Engine.SubmitVote(r.Context(), &vote); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// writeDomainError maps the node's sentinel errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consensus.ErrTimeout):
		WriteGatewayTimeout(w, err.Error())
	case errors.Is(err, consensus.ErrInvalidVote), errors.Is(err, consensus.ErrEquivocation):
		WriteUnprocessable(w, err.Error())
	case errors.Is(err, coordinator.ErrTreeNotRetained), errors.Is(err, coordinator.ErrLeafOutOfRange):
		WriteNotFound(w, err.Error())
	case errors.Is(err, coordinator.ErrCycleMismatch),
		errors.Is(err, coordinator.ErrRetryPending),
		errors.Is(err, coordinator.ErrNothingPending),
		errors.Is(err, consensus.ErrNoOpenRound),
		errors.Is(err, consensus.ErrRoundInProgress),
		errors.Is(err, store.ErrDuplicateMismatch):
		WriteConflict(w, err.Error())
	case errors.Is(err, context.Canceled):
		WriteError(w, 499, "Client Closed Request", err.Error())
	default:
		WriteInternal(w, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		WriteBadRequest(w, fmt.Sprintf("%s must be an unsigned integer", name))
		return 0, false
	}
	return v, true
}

func queryRange(w http.ResponseWriter, r *http.Request, maxSpan uint64) (uint64, uint64, bool) {
	q := r.URL.Query()
	start, err1 := strconv.ParseUint(q.Get("start"), 10, 64)
	end, err2 := strconv.ParseUint(q.Get("end"), 10, 64)
	if err1 != nil || err2 != nil {
		WriteBadRequest(w, "start and end must be unsigned integers")
		return 0, 0, false
	}
	if start > end {
		WriteBadRequest(w, "start must not exceed end")
		return 0, 0, false
	}
	if end-start >= maxSpan {
		WriteBadRequest(w, fmt.Sprintf("range spans more than %d cycles", maxSpan))
		return 0, 0, false
	}
	return start, end, true
}
