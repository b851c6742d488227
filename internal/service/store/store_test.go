package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
)

type fakeRepo struct {
	lots map[uuid.UUID]*lot.Lot

	saveErr error
}

func newFakeRepo(lots ...*lot.Lot) *fakeRepo {
	r := &fakeRepo{lots: map[uuid.UUID]*lot.Lot{}}
	for _, l := range lots {
		r.lots[l.LotID] = l
	}
	return r
}

func (r *fakeRepo) GetLot(ctx context.Context, id uuid.UUID) (*lot.Lot, error) {
	l, ok := r.lots[id]
	if !ok {
		return nil, lot.ErrLotNotFound
	}
	return l, nil
}

func (r *fakeRepo) ListOpen(ctx context.Context) ([]*lot.Lot, error) {
	var out []*lot.Lot
	for _, l := range r.lots {
		out = append(out, l)
	}
	return out, nil
}

func (r *fakeRepo) ListOpenByPair(ctx context.Context, pair string) ([]*lot.Lot, error) {
	var out []*lot.Lot
	for _, l := range r.lots {
		if l.Pair == pair {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *fakeRepo) SaveLot(ctx context.Context, l *lot.Lot) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	cp := *l
	r.lots[l.LotID] = &cp
	return nil
}

func (r *fakeRepo) DeleteLot(ctx context.Context, id uuid.UUID) error {
	delete(r.lots, id)
	return nil
}

func (r *fakeRepo) UpdateHighestPrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) error {
	l, ok := r.lots[id]
	if !ok {
		return lot.ErrLotNotFound
	}
	if price.GreaterThan(l.HighestPrice) {
		l.HighestPrice = price
	}
	return nil
}

func testLot(pair string) *lot.Lot {
	return &lot.Lot{
		LotID:        uuid.New(),
		Pair:         pair,
		Exchange:     "kraken",
		Amount:       decimal.NewFromFloat(1),
		EntryPrice:   decimal.NewFromFloat(100),
		HighestPrice: decimal.NewFromFloat(100),
		OpenedAt:     time.Now(),
		Status:       lot.StatusOpen,
	}
}

func TestRebuildRestoresOpenSet(t *testing.T) {
	ctx := context.Background()
	a, b := testLot("XBT/USD"), testLot("ETH/USD")
	s := New(newFakeRepo(a, b))

	require.NoError(t, s.Rebuild(ctx))

	assert.Len(t, s.List(), 2)
	got, err := s.Get(a.LotID)
	require.NoError(t, err)
	assert.Equal(t, a.LotID, got.LotID)

	byPair := s.ListByPair("ETH/USD")
	require.Len(t, byPair, 1)
	assert.Equal(t, b.LotID, byPair[0].LotID)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	a := testLot("XBT/USD")
	s := New(newFakeRepo(a))
	require.NoError(t, s.Rebuild(ctx))

	got, err := s.Get(a.LotID)
	require.NoError(t, err)
	got.Status = lot.StatusFailed

	again, err := s.Get(a.LotID)
	require.NoError(t, err)
	assert.Equal(t, lot.StatusOpen, again.Status, "caller mutation must not leak into the store")
}

func TestSaveWritesThrough(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	s := New(repo)
	require.NoError(t, s.Rebuild(ctx))

	a := testLot("XBT/USD")
	require.NoError(t, s.Save(ctx, a))

	assert.Contains(t, repo.lots, a.LotID)
	_, err := s.Get(a.LotID)
	assert.NoError(t, err)
}

func TestSaveRepoFailureLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.saveErr = errors.New("db down")
	s := New(repo)

	a := testLot("XBT/USD")
	err := s.Save(ctx, a)
	require.Error(t, err)

	_, err = s.Get(a.LotID)
	assert.ErrorIs(t, err, lot.ErrLotNotFound)
}

func TestMutateSingleEntryPoint(t *testing.T) {
	ctx := context.Background()
	a := testLot("XBT/USD")
	repo := newFakeRepo(a)
	s := New(repo)
	require.NoError(t, s.Rebuild(ctx))

	updated, err := s.Mutate(ctx, a.LotID, func(l *lot.Lot) error {
		l.QtyFilled = decimal.NewFromFloat(0.5)
		l.Status = lot.StatusOpen
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.QtyFilled.Equal(decimal.NewFromFloat(0.5)))

	// Both memory and repo see the mutation.
	got, err := s.Get(a.LotID)
	require.NoError(t, err)
	assert.True(t, got.QtyFilled.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, repo.lots[a.LotID].QtyFilled.Equal(decimal.NewFromFloat(0.5)))
}

func TestMutateFnErrorAborts(t *testing.T) {
	ctx := context.Background()
	a := testLot("XBT/USD")
	s := New(newFakeRepo(a))
	require.NoError(t, s.Rebuild(ctx))

	boom := errors.New("invalid transition")
	_, err := s.Mutate(ctx, a.LotID, func(l *lot.Lot) error {
		l.Status = lot.StatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := s.Get(a.LotID)
	assert.Equal(t, lot.StatusOpen, got.Status)
}

func TestUpdateHighestPriceMonotonic(t *testing.T) {
	ctx := context.Background()
	a := testLot("XBT/USD")
	s := New(newFakeRepo(a))
	require.NoError(t, s.Rebuild(ctx))

	require.NoError(t, s.UpdateHighestPrice(ctx, a.LotID, decimal.NewFromFloat(120)))
	got, _ := s.Get(a.LotID)
	assert.True(t, got.HighestPrice.Equal(decimal.NewFromFloat(120)))

	// Lower price is a no-op.
	require.NoError(t, s.UpdateHighestPrice(ctx, a.LotID, decimal.NewFromFloat(90)))
	got, _ = s.Get(a.LotID)
	assert.True(t, got.HighestPrice.Equal(decimal.NewFromFloat(120)))
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	a := testLot("XBT/USD")
	repo := newFakeRepo(a)
	s := New(repo)
	require.NoError(t, s.Rebuild(ctx))

	require.NoError(t, s.Delete(ctx, a.LotID))
	_, err := s.Get(a.LotID)
	assert.ErrorIs(t, err, lot.ErrLotNotFound)
	assert.NotContains(t, repo.lots, a.LotID)
}
