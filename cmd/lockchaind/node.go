package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/lockchain/pkg/api"
	"github.com/Mindburn-Labs/lockchain/pkg/archive"
	"github.com/Mindburn-Labs/lockchain/pkg/config"
	"github.com/Mindburn-Labs/lockchain/pkg/consensus"
	"github.com/Mindburn-Labs/lockchain/pkg/coordinator"
	"github.com/Mindburn-Labs/lockchain/pkg/crypto"
	"github.com/Mindburn-Labs/lockchain/pkg/observability"
	"github.com/Mindburn-Labs/lockchain/pkg/store"
	"github.com/Mindburn-Labs/lockchain/pkg/transport"
)

const evidenceStreamMaxLen = 10000

// node is one fully wired committee member.
type node struct {
	store       store.Store
	engine      *consensus.Engine
	coordinator *coordinator.Coordinator
	handler     http.Handler
	telemetry   *observability.Provider
	closers     []func() error
}

func (n *node) Close(ctx context.Context) error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	errs = append(errs, n.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

// loadSigner restores the node key from its seed, or generates a throwaway
// key when none is configured.
func loadSigner(cfg *config.Config, logger *slog.Logger) (*crypto.Ed25519Signer, error) {
	if cfg.SigningSeed != "" {
		s, err := crypto.NewEd25519SignerFromSeed(cfg.NodeID, cfg.SigningSeed)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		return s, nil
	}
	s, err := crypto.NewEd25519Signer(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	logger.Warn("no signing seed configured, using ephemeral key", "public_key", s.PublicKey())
	return s, nil
}

// loadCommittee returns the configured committee, or a committee of one.
func loadCommittee(cfg *config.Config, self *crypto.Ed25519Signer) (*config.Committee, error) {
	if cfg.CommitteeFile == "" {
		return &config.Committee{Members: []config.Member{{ID: self.ID(), PublicKey: self.PublicKey()}}}, nil
	}
	c, err := config.LoadCommittee(cfg.CommitteeFile)
	if err != nil {
		return nil, err
	}
	me, ok := c.Self(self.ID())
	if !ok {
		return nil, fmt.Errorf("node %q is not a committee member", self.ID())
	}
	if me.PublicKey != self.PublicKey() {
		return nil, fmt.Errorf("node %q: signing key does not match committee public key", self.ID())
	}
	return c, nil
}

func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *node, err error) {
	n := &node{telemetry: observability.Disabled()}
	defer func() {
		if err != nil {
			_ = n.Close(context.Background())
		}
	}()

	if cfg.TelemetryEnabled {
		oc := observability.DefaultConfig()
		oc.NodeID = cfg.NodeID
		oc.OTLPEndpoint = cfg.OTLPEndpoint
		oc.Insecure = true
		p, err := observability.New(ctx, oc)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		n.telemetry = p
	}

	storeCfg := cfg.StoreConfig()
	storeCfg.Telemetry = n.telemetry
	st, err := store.Open(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	n.store = st
	n.closers = append(n.closers, st.Close)

	signer, err := loadSigner(cfg, logger)
	if err != nil {
		return nil, err
	}
	committee, err := loadCommittee(cfg, signer)
	if err != nil {
		return nil, err
	}
	keys, err := committee.KeyRing()
	if err != nil {
		return nil, err
	}

	var peers []consensus.Peer
	for _, m := range committee.Peers(signer.ID()) {
		peers = append(peers, transport.NewHTTPPeer(m.ID, m.URL))
	}

	threshold := committee.Threshold
	if cfg.QuorumThreshold > 0 {
		threshold = cfg.QuorumThreshold
	}
	timeout := cfg.ConsensusTimeout
	if committee.Timeout() > 0 {
		timeout = committee.Timeout()
	}

	engineOpts := []consensus.Option{
		consensus.WithTelemetry(n.telemetry),
		consensus.WithLogger(logger.With("component", "consensus")),
	}
	if cfg.RedisAddr != "" && cfg.EvidenceStream != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		n.closers = append(n.closers, client.Close)
		engineOpts = append(engineOpts, consensus.WithEvidenceSink(
			consensus.NewRedisEvidenceSink(client, cfg.EvidenceStream, evidenceStreamMaxLen)))
	}
	engine, err := consensus.NewEngine(signer, peers, keys,
		consensus.Config{Threshold: threshold, Timeout: timeout}, engineOpts...)
	if err != nil {
		return nil, err
	}
	n.engine = engine

	coordOpts := []coordinator.Option{
		coordinator.WithTelemetry(n.telemetry),
		coordinator.WithLogger(logger.With("component", "coordinator")),
		coordinator.WithRecentTrees(cfg.RecentTrees),
	}
	sink, err := archive.NewSinkFromConfig(ctx, cfg.ArchiveConfig())
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if sink != nil {
		coordOpts = append(coordOpts, coordinator.WithArchiver(archive.NewArchiver(sink)))
	}
	n.coordinator = coordinator.New(engine, st, coordOpts...)
	if err := n.coordinator.Resume(ctx); err != nil {
		return nil, err
	}

	var auth *api.Authenticator
	if cfg.JWTSecret != "" {
		auth = api.NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	}
	var limiter *api.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	server := api.NewServer(api.Deps{
		Store:       st,
		Coordinator: n.coordinator,
		Engine:      engine,
		Voter:       engine.Voter(n.coordinator),
		Auth:        auth,
		Limiter:     limiter,
		Telemetry:   n.telemetry,
		Logger:      logger.With("component", "api"),
	})
	n.handler = server.Handler()

	logger.Info("node ready",
		"node_id", signer.ID(),
		"committee", engine.CommitteeSize(),
		"threshold", engine.Threshold(),
		"store", cfg.StoreBackend,
		"archive", cfg.ArchiveType)
	return n, nil
}
