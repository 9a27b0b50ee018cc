// Package transport carries consensus traffic between nodes as JSON over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/lockchain/pkg/consensus"
	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
)

// DefaultClientTimeout caps a single request when the caller's context has no
// earlier deadline.
const DefaultClientTimeout = 2 * time.Second

// HTTPPeer is a consensus.Peer reached through another node's API.
type HTTPPeer struct {
	id      string
	baseURL string
	client  *http.Client
	breaker *breaker
}

type PeerOption func(*HTTPPeer)

// WithHTTPClient replaces the default client, e.g. with one carrying mTLS.
func WithHTTPClient(c *http.Client) PeerOption {
	return func(p *HTTPPeer) { p.client = c }
}

// WithBreaker sets how many consecutive failures open the peer's breaker
// and how long it stays open before a trial call.
func WithBreaker(threshold int, reset time.Duration) PeerOption {
	return func(p *HTTPPeer) { p.breaker = newBreaker(threshold, reset) }
}

func NewHTTPPeer(id, baseURL string, opts ...PeerOption) *HTTPPeer {
	p := &HTTPPeer{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultClientTimeout},
		breaker: newBreaker(DefaultBreakerThreshold, DefaultBreakerReset),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPPeer) ID() string { return p.id }

// Available reports whether requests to the peer are currently attempted.
func (p *HTTPPeer) Available() bool { return !p.breaker.isOpen() }

// RequestVote posts req to the peer's /v1/votes and returns its signed vote.
// The vote is checked by the engine, not here.
func (p *HTTPPeer) RequestVote(ctx context.Context, req consensus.VoteRequest) (*contracts.Vote, error) {
	var vote contracts.Vote
	if err := p.post(ctx, "/v1/votes", req, http.StatusOK, &vote); err != nil {
		return nil, err
	}
	return &vote, nil
}

func (p *HTTPPeer) post(ctx context.Context, path string, body any, want int, out any) error {
	if !p.breaker.allow() {
		return fmt.Errorf("peer %s: %w", p.id, ErrPeerUnavailable)
	}
	err := p.do(ctx, path, body, want, out)
	switch {
	case err == nil:
		p.breaker.success()
	case ctx.Err() != nil:
		p.breaker.abandon()
	default:
		var se *StatusError
		if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
			p.breaker.success()
		} else {
			p.breaker.failure()
		}
	}
	return err
}

func (p *HTTPPeer) do(ctx context.Context, path string, body any, want int, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("peer %s: encode: %w", p.id, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("peer %s: %w", p.id, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s: %w", p.id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{PeerID: p.id, Code: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("peer %s: decode: %w", p.id, err)
	}
	return nil
}

// StatusError is a non-success response from a peer.
type StatusError struct {
	PeerID string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer %s: http %d: %s", e.PeerID, e.Code, e.Body)
}
