package store

import (
	"context"

	"github.com/Mindburn-Labs/lockchain/pkg/contracts"
	"github.com/Mindburn-Labs/lockchain/pkg/observability"
)

// InstrumentedStore records RED metrics for writes and point reads of the
// wrapped Store.
type InstrumentedStore struct {
	Store
	telemetry *observability.Provider
	backend   string
}

func NewInstrumentedStore(inner Store, telemetry *observability.Provider, backend string) *InstrumentedStore {
	if telemetry == nil {
		telemetry = observability.Disabled()
	}
	if backend == "" {
		backend = BackendPebble
	}
	return &InstrumentedStore{Store: inner, telemetry: telemetry, backend: backend}
}

func (s *InstrumentedStore) Persist(ctx context.Context, entry *contracts.CommitmentEntry) (err error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "store.persist", observability.StoreOperation(s.backend, entry.CycleID)...)
	defer func() { finish(err) }()
	return s.Store.Persist(ctx, entry)
}

func (s *InstrumentedStore) Get(ctx context.Context, cycleID uint64) (entry *contracts.CommitmentEntry, found bool, err error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "store.get", observability.StoreOperation(s.backend, cycleID)...)
	defer func() { finish(err) }()
	return s.Store.Get(ctx, cycleID)
}
