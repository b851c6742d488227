// Package store keeps the open-lot set in memory, mirrored write-through to
// the lot repository. All mutations go through this package so the in-memory
// view and Postgres can never disagree for longer than one failed write.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/metrics"
)

// PositionStore is the single mutation entry point for lots.
type PositionStore struct {
	repo lot.Repository

	mu   sync.RWMutex
	lots map[uuid.UUID]*lot.Lot
}

// New creates an empty store. Call Rebuild before serving reads.
func New(repo lot.Repository) *PositionStore {
	return &PositionStore{
		repo: repo,
		lots: map[uuid.UUID]*lot.Lot{},
	}
}

// Rebuild replaces the in-memory set with the repository's open lots.
// Called at startup and after any suspected divergence.
func (s *PositionStore) Rebuild(ctx context.Context) error {
	lots, err := s.repo.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("rebuild position store: %w", err)
	}

	fresh := make(map[uuid.UUID]*lot.Lot, len(lots))
	for _, l := range lots {
		fresh[l.LotID] = l
	}

	s.mu.Lock()
	s.lots = fresh
	s.mu.Unlock()

	metrics.OpenLots.Set(float64(len(fresh)))
	log.Info().Int("lots", len(fresh)).Msg("Position store rebuilt")
	return nil
}

// Get returns a copy of the lot, or lot.ErrLotNotFound.
func (s *PositionStore) Get(lotID uuid.UUID) (*lot.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lots[lotID]
	if !ok {
		return nil, lot.ErrLotNotFound
	}
	cp := *l
	return &cp, nil
}

// List returns copies of all tracked lots.
func (s *PositionStore) List() []*lot.Lot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*lot.Lot, 0, len(s.lots))
	for _, l := range s.lots {
		cp := *l
		out = append(out, &cp)
	}
	return out
}

// ListByPair returns copies of the tracked lots for one pair.
func (s *PositionStore) ListByPair(pair string) []*lot.Lot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*lot.Lot
	for _, l := range s.lots {
		if l.Pair == pair {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}

// Save writes the lot through to the repository and then to memory.
func (s *PositionStore) Save(ctx context.Context, l *lot.Lot) error {
	if err := s.repo.SaveLot(ctx, l); err != nil {
		return fmt.Errorf("save lot %s: %w", l.LotID, err)
	}

	s.mu.Lock()
	cp := *l
	s.lots[l.LotID] = &cp
	count := len(s.lots)
	s.mu.Unlock()

	metrics.OpenLots.Set(float64(count))
	return nil
}

// Mutate loads the lot, applies fn to a private copy, and writes the result
// through. fn returning an error aborts with no change.
func (s *PositionStore) Mutate(ctx context.Context, lotID uuid.UUID, fn func(l *lot.Lot) error) (*lot.Lot, error) {
	s.mu.RLock()
	cur, ok := s.lots[lotID]
	var cp lot.Lot
	if ok {
		cp = *cur
	}
	s.mu.RUnlock()

	if !ok {
		return nil, lot.ErrLotNotFound
	}

	if err := fn(&cp); err != nil {
		return nil, err
	}

	if err := s.Save(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Delete removes the lot from the repository and memory.
func (s *PositionStore) Delete(ctx context.Context, lotID uuid.UUID) error {
	if err := s.repo.DeleteLot(ctx, lotID); err != nil {
		return fmt.Errorf("delete lot %s: %w", lotID, err)
	}

	s.mu.Lock()
	delete(s.lots, lotID)
	count := len(s.lots)
	s.mu.Unlock()

	metrics.OpenLots.Set(float64(count))
	return nil
}

// UpdateHighestPrice raises the lot's high-water mark. Lower prices are
// ignored, both here and by the repository's GREATEST write.
func (s *PositionStore) UpdateHighestPrice(ctx context.Context, lotID uuid.UUID, price decimal.Decimal) error {
	s.mu.RLock()
	cur, ok := s.lots[lotID]
	var needsWrite bool
	if ok {
		needsWrite = price.GreaterThan(cur.HighestPrice)
	}
	s.mu.RUnlock()

	if !ok {
		return lot.ErrLotNotFound
	}
	if !needsWrite {
		return nil
	}

	if err := s.repo.UpdateHighestPrice(ctx, lotID, price); err != nil {
		return fmt.Errorf("update highest price %s: %w", lotID, err)
	}

	s.mu.Lock()
	if l, ok := s.lots[lotID]; ok && price.GreaterThan(l.HighestPrice) {
		l.HighestPrice = price
	}
	s.mu.Unlock()
	return nil
}
