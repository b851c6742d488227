package fillwatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/alert"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/store"
)

const (
	testPoll    = 5 * time.Millisecond
	testTimeout = 60 * time.Millisecond
)

type fakeExchange struct {
	mu sync.Mutex

	fills        []*exchange.Fill
	orderFillErr bool // force fallback from the order-id lookup
	order        *exchange.Order
	orderErr     error
}

func (e *fakeExchange) GetFills(ctx context.Context, f exchange.FillFilter) ([]*exchange.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f.OrderID != "" && e.orderFillErr {
		return nil, errors.New("order fills endpoint unavailable")
	}
	return e.fills, nil
}

func (e *fakeExchange) GetOrder(ctx context.Context, orderID string) (*exchange.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.orderErr != nil {
		return nil, e.orderErr
	}
	if e.order != nil {
		return e.order, nil
	}
	return &exchange.Order{OrderID: orderID, Status: exchange.OrderStatusOpen}, nil
}

func (e *fakeExchange) GetTicker(ctx context.Context, pair string) (*exchange.Ticker, error) {
	return nil, errors.New("not implemented")
}

func (e *fakeExchange) GetBalance(ctx context.Context) (exchange.Balance, error) {
	return nil, errors.New("not implemented")
}

func (e *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	return nil, errors.New("not implemented")
}

func (e *fakeExchange) MinOrderSize(ctx context.Context, pair string) (decimal.Decimal, error) {
	return decimal.NewFromFloat(0.0001), nil
}

func (e *fakeExchange) BaseAsset(pair string) string { return "XBT" }
func (e *fakeExchange) Name() string                 { return "kraken" }

type fakeFillRepo struct {
	mu   sync.Mutex
	rows map[string]int
}

func newFakeFillRepo() *fakeFillRepo {
	return &fakeFillRepo{rows: map[string]int{}}
}

func (r *fakeFillRepo) InsertFill(ctx context.Context, exch string, f *lot.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := exch + "|" + f.TxID
	if r.rows[key] > 0 {
		return lot.ErrFillExists
	}
	r.rows[key]++
	return nil
}

func (r *fakeFillRepo) ListFillsByOrder(ctx context.Context, orderID string) ([]*lot.Fill, error) {
	return nil, nil
}

func (r *fakeFillRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// fakeLotRepo backs the position store in these tests.
type fakeLotRepo struct {
	mu   sync.Mutex
	lots map[uuid.UUID]*lot.Lot
}

func newFakeLotRepo(lots ...*lot.Lot) *fakeLotRepo {
	r := &fakeLotRepo{lots: map[uuid.UUID]*lot.Lot{}}
	for _, l := range lots {
		r.lots[l.LotID] = l
	}
	return r
}

func (r *fakeLotRepo) GetLot(ctx context.Context, id uuid.UUID) (*lot.Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.lots[id]; ok {
		return l, nil
	}
	return nil, lot.ErrLotNotFound
}

func (r *fakeLotRepo) ListOpen(ctx context.Context) ([]*lot.Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*lot.Lot
	for _, l := range r.lots {
		out = append(out, l)
	}
	return out, nil
}

func (r *fakeLotRepo) ListOpenByPair(ctx context.Context, pair string) ([]*lot.Lot, error) {
	return nil, nil
}

func (r *fakeLotRepo) SaveLot(ctx context.Context, l *lot.Lot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *l
	r.lots[l.LotID] = &cp
	return nil
}

func (r *fakeLotRepo) DeleteLot(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lots, id)
	return nil
}

func (r *fakeLotRepo) UpdateHighestPrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) error {
	return nil
}

func pendingLot() *lot.Lot {
	return &lot.Lot{
		LotID:    uuid.New(),
		Pair:     "XBT/USD",
		Exchange: "kraken",
		OpenedAt: time.Now(),
		Status:   lot.StatusPendingFill,
	}
}

func newTestManager(t *testing.T, ex *fakeExchange, l *lot.Lot) (*Manager, *store.PositionStore, *fakeFillRepo) {
	t.Helper()
	positions := store.New(newFakeLotRepo(l))
	require.NoError(t, positions.Rebuild(context.Background()))
	fills := newFakeFillRepo()
	m := NewManager(ex, positions, fills, alert.NewNoOpNotifier(), testPoll, testTimeout)
	return m, positions, fills
}

func buyFill(txid string, price, amount float64, at time.Time) *exchange.Fill {
	p := decimal.NewFromFloat(price)
	a := decimal.NewFromFloat(amount)
	return &exchange.Fill{
		TxID:       txid,
		OrderID:    "ORDER-1",
		Pair:       "XBT/USD",
		Side:       "buy",
		Price:      p,
		Amount:     a,
		Cost:       p.Mul(a),
		Fee:        p.Mul(a).Mul(decimal.NewFromFloat(0.001)),
		ExecutedAt: at,
	}
}

func orderCtx(l *lot.Lot, expected float64) OrderContext {
	return OrderContext{
		OrderID:        "ORDER-1",
		Pair:           "XBT/USD",
		LotID:          l.LotID,
		ExpectedAmount: decimal.NewFromFloat(expected),
		PlacedAt:       time.Now(),
	}
}

func TestWatcherAppliesFillsAndOpens(t *testing.T) {
	l := pendingLot()
	now := time.Now()
	ex := &fakeExchange{fills: []*exchange.Fill{
		buyFill("TX-1", 100, 0.5, now),
		buyFill("TX-2", 110, 0.5, now),
	}}
	m, positions, fills := newTestManager(t, ex, l)

	require.True(t, m.Start(context.Background(), orderCtx(l, 1.0)))
	m.Wait()

	got, err := positions.Get(l.LotID)
	require.NoError(t, err)
	assert.Equal(t, lot.StatusOpen, got.Status)
	assert.True(t, got.Amount.Equal(decimal.NewFromFloat(1.0)))
	// Weighted average of 0.5@100 and 0.5@110.
	assert.True(t, got.EntryPrice.Equal(decimal.NewFromInt(105)), "entry = %s", got.EntryPrice)
	assert.Equal(t, 2, fills.count())
}

func TestWatcherDeduplicatesRepeatedFills(t *testing.T) {
	l := pendingLot()
	// The same partial fill comes back on every poll; expected amount is
	// never reached so the watcher runs to its deadline.
	ex := &fakeExchange{fills: []*exchange.Fill{buyFill("TX-1", 100, 0.5, time.Now())}}
	m, positions, fills := newTestManager(t, ex, l)

	require.True(t, m.Start(context.Background(), orderCtx(l, 1.0)))
	m.Wait()

	got, err := positions.Get(l.LotID)
	require.NoError(t, err)
	// Applied exactly once despite being returned on every poll, and the
	// partial quantity is kept at timeout.
	assert.True(t, got.Amount.Equal(decimal.NewFromFloat(0.5)), "amount = %s", got.Amount)
	assert.Equal(t, lot.StatusOpen, got.Status)
	assert.Equal(t, 1, fills.count())
}

func TestWatcherRejectsCorruptFill(t *testing.T) {
	l := pendingLot()
	corrupt := buyFill("TX-BAD", 0, 0.5, time.Now())
	ex := &fakeExchange{fills: []*exchange.Fill{corrupt}}
	m, positions, fills := newTestManager(t, ex, l)

	require.True(t, m.Start(context.Background(), orderCtx(l, 1.0)))
	m.Wait()

	got, err := positions.Get(l.LotID)
	require.NoError(t, err)
	assert.True(t, got.Amount.IsZero(), "corrupt fill must not change the position")
	assert.Equal(t, lot.StatusFailed, got.Status)
	assert.Equal(t, 0, fills.count())
}

func TestWatcherLateFillSynthesis(t *testing.T) {
	// No fills ever show up through polling, but the direct order check
	// finds executed volume. The position must open, not fail.
	l := pendingLot()
	ex := &fakeExchange{
		order: &exchange.Order{
			OrderID:    "ORDER-1",
			Pair:       "XBT/USD",
			Side:       "buy",
			Status:     exchange.OrderStatusClosed,
			VolumeExec: decimal.NewFromFloat(1.0),
			Cost:       decimal.NewFromInt(100000),
			Fee:        decimal.NewFromInt(100),
			// AvgPrice deliberately zero: price derives from cost/size.
		},
	}
	m, positions, fills := newTestManager(t, ex, l)

	require.True(t, m.Start(context.Background(), orderCtx(l, 1.0)))
	m.Wait()

	got, err := positions.Get(l.LotID)
	require.NoError(t, err)
	assert.Equal(t, lot.StatusOpen, got.Status)
	assert.True(t, got.Amount.Equal(decimal.NewFromFloat(1.0)))
	assert.True(t, got.EntryPrice.Equal(decimal.NewFromInt(100000)), "entry = %s", got.EntryPrice)
	assert.Equal(t, 1, fills.count())
}

func TestWatcherTimeoutNoFillsFails(t *testing.T) {
	l := pendingLot()
	ex := &fakeExchange{} // no fills, order reports zero executed volume
	m, positions, _ := newTestManager(t, ex, l)

	require.True(t, m.Start(context.Background(), orderCtx(l, 1.0)))
	m.Wait()

	got, err := positions.Get(l.LotID)
	require.NoError(t, err)
	assert.Equal(t, lot.StatusFailed, got.Status)
}

func TestWatcherStartIdempotent(t *testing.T) {
	l := pendingLot()
	ex := &fakeExchange{}
	m, _, _ := newTestManager(t, ex, l)

	oc := orderCtx(l, 1.0)
	assert.True(t, m.Start(context.Background(), oc))
	assert.False(t, m.Start(context.Background(), oc), "duplicate start must be a no-op")
	m.Wait()
}

func TestWatcherStopCancelsWithoutUndoingFills(t *testing.T) {
	l := pendingLot()
	ex := &fakeExchange{fills: []*exchange.Fill{buyFill("TX-1", 100, 0.5, time.Now())}}
	positions := store.New(newFakeLotRepo(l))
	require.NoError(t, positions.Rebuild(context.Background()))
	fills := newFakeFillRepo()
	m := NewManager(ex, positions, fills, alert.NewNoOpNotifier(), testPoll, time.Hour)

	require.True(t, m.Start(context.Background(), orderCtx(l, 1.0)))

	// Let at least one poll land, then cancel.
	require.Eventually(t, func() bool { return fills.count() == 1 }, 2*time.Second, testPoll)
	m.Stop("ORDER-1")
	m.Wait()

	got, err := positions.Get(l.LotID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromFloat(0.5)), "recorded fills survive cancellation")
	assert.Equal(t, lot.StatusPendingFill, got.Status)
}

func TestWatcherResumeDoesNotRefoldFills(t *testing.T) {
	// A restart re-attaches a watcher to a pending order. Fills the previous
	// process already folded into the position come back from the exchange
	// and must count toward the filled total without doubling the quantity,
	// the fee or the entry average.
	l := pendingLot()
	ex := &fakeExchange{fills: []*exchange.Fill{buyFill("TX-1", 100, 0.5, time.Now())}}
	repo := newFakeLotRepo(l)
	positions := store.New(repo)
	require.NoError(t, positions.Rebuild(context.Background()))
	fills := newFakeFillRepo()

	first := NewManager(ex, positions, fills, alert.NewNoOpNotifier(), testPoll, time.Hour)
	require.True(t, first.Start(context.Background(), orderCtx(l, 1.0)))
	require.Eventually(t, func() bool { return fills.count() == 1 }, 2*time.Second, testPoll)
	first.Stop("ORDER-1")
	first.Wait()

	// Fresh manager over the same repositories, as after a process restart.
	resumed := store.New(repo)
	require.NoError(t, resumed.Rebuild(context.Background()))
	second := NewManager(ex, resumed, fills, alert.NewNoOpNotifier(), testPoll, testTimeout)
	require.True(t, second.Start(context.Background(), orderCtx(l, 0.5)))
	second.Wait()

	got, err := resumed.Get(l.LotID)
	require.NoError(t, err)
	assert.Equal(t, lot.StatusOpen, got.Status)
	assert.True(t, got.Amount.Equal(decimal.NewFromFloat(0.5)), "amount = %s", got.Amount)
	assert.True(t, got.EntryPrice.Equal(decimal.NewFromInt(100)), "entry = %s", got.EntryPrice)
	assert.True(t, got.EntryFee.Equal(decimal.NewFromFloat(0.05)), "fee = %s", got.EntryFee)
	assert.Equal(t, 1, fills.count())
}

func TestWatcherFallsBackPastOrderLookup(t *testing.T) {
	l := pendingLot()
	ex := &fakeExchange{
		orderFillErr: true,
		fills:        []*exchange.Fill{buyFill("TX-1", 100, 1.0, time.Now())},
	}
	m, positions, _ := newTestManager(t, ex, l)

	require.True(t, m.Start(context.Background(), orderCtx(l, 1.0)))
	m.Wait()

	got, err := positions.Get(l.LotID)
	require.NoError(t, err)
	assert.Equal(t, lot.StatusOpen, got.Status)
	assert.True(t, got.Amount.Equal(decimal.NewFromFloat(1.0)))
}
