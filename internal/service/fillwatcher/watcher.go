// Package fillwatcher reconciles exchange-side fills into position records.
// One watcher polls one pending buy order until it is filled, fails, or
// times out; multiple watchers run concurrently.
package fillwatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/alert"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/metrics"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/store"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultTimeout      = 120 * time.Second

	// broadWindow bounds the fallback fills query when neither an order
	// lookup nor a pair+window query is answerable.
	broadWindow = 10 * time.Minute
)

// fillTolerance: the order counts as filled at >= 99% of the expected
// amount, absorbing exchange-side rounding.
var fillTolerance = decimal.NewFromFloat(0.99)

// OrderContext describes one pending buy order to watch.
type OrderContext struct {
	OrderID        string
	Pair           string
	LotID          uuid.UUID
	ExpectedAmount decimal.Decimal
	PlacedAt       time.Time
}

// Manager runs one polling loop per pending order. Start is idempotent per
// order id.
type Manager struct {
	ex        exchange.Exchange
	positions *store.PositionStore
	fills     lot.FillRepository
	notifier  alert.Notifier

	pollInterval time.Duration
	timeout      time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewManager creates a watcher manager. Zero durations take the defaults
// (3s poll, 120s timeout).
func NewManager(ex exchange.Exchange, positions *store.PositionStore, fills lot.FillRepository, notifier alert.Notifier, pollInterval, timeout time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Manager{
		ex:           ex,
		positions:    positions,
		fills:        fills,
		notifier:     notifier,
		pollInterval: pollInterval,
		timeout:      timeout,
		active:       map[string]context.CancelFunc{},
	}
}

// Start begins watching an order. A duplicate call for an order already
// being watched is a no-op and returns false.
func (m *Manager) Start(ctx context.Context, oc OrderContext) bool {
	m.mu.Lock()
	if _, running := m.active[oc.OrderID]; running {
		m.mu.Unlock()
		log.Debug().Str("order_id", oc.OrderID).Msg("Fill watcher already running")
		return false
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.active[oc.OrderID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.finish(oc.OrderID)
		m.run(watchCtx, oc)
	}()

	log.Info().
		Str("order_id", oc.OrderID).
		Str("pair", oc.Pair).
		Str("lot_id", oc.LotID.String()).
		Str("expected", oc.ExpectedAmount.String()).
		Msg("Fill watcher started")
	return true
}

// Stop cancels the watcher for an order. Fills already recorded stay
// recorded; fills are facts, not reversible.
func (m *Manager) Stop(orderID string) {
	m.mu.Lock()
	cancel, ok := m.active[orderID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until all watchers have finished. Used on shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) finish(orderID string) {
	m.mu.Lock()
	if cancel, ok := m.active[orderID]; ok {
		cancel()
		delete(m.active, orderID)
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, oc OrderContext) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()

	// Per-watcher fill dedupe. Only a fast-path filter for repeated polls;
	// the durable (exchange, txid) key on the fill record is what keeps a
	// fill from being folded into the position twice across restarts.
	seen := map[string]struct{}{}

	filled := decimal.Zero
	anyFill := false

	for {
		select {
		case <-ctx.Done():
			metrics.WatcherOutcomes.WithLabelValues("cancelled").Inc()
			log.Info().Str("order_id", oc.OrderID).Msg("Fill watcher cancelled")
			return

		case <-deadline.C:
			m.handleTimeout(ctx, oc, seen, filled, anyFill)
			return

		case <-ticker.C:
			applied, err := m.poll(ctx, oc, seen)
			if err != nil {
				// Transient fetch failure, retry next poll.
				log.Warn().Err(err).Str("order_id", oc.OrderID).Msg("Fill poll failed")
				continue
			}
			if applied.IsPositive() {
				anyFill = true
				filled = filled.Add(applied)
			}

			if m.filledEnough(filled, oc.ExpectedAmount) {
				m.resolveOpen(ctx, oc, filled, "open")
				return
			}
		}
	}
}

// poll fetches, dedupes, guards and applies one round of fills. Returns the
// amount newly accounted for, including fills a previous process already
// recorded and folded in.
func (m *Manager) poll(ctx context.Context, oc OrderContext, seen map[string]struct{}) (decimal.Decimal, error) {
	fills, source, err := m.fetchFills(ctx, oc)
	if err != nil {
		return decimal.Zero, err
	}

	applied := decimal.Zero
	for _, f := range fills {
		if !m.markSeen(seen, f.TxID) {
			continue
		}
		if !f.Price.IsPositive() || !f.Amount.IsPositive() {
			// A corrupt fill must never corrupt the running average.
			metrics.FillsRejected.Inc()
			log.Error().
				Str("order_id", oc.OrderID).
				Str("txid", f.TxID).
				Str("price", f.Price.String()).
				Str("amount", f.Amount.String()).
				Msg("Fill rejected by corruption guard")
			continue
		}

		if err := m.applyFill(ctx, oc, f, source); err != nil {
			log.Error().Err(err).Str("order_id", oc.OrderID).Str("txid", f.TxID).Msg("Failed to apply fill")
			continue
		}
		applied = applied.Add(f.Amount)
	}
	return applied, nil
}

// fetchFills tries fill sources cheapest/most precise first: a direct order
// lookup, then fills by pair and time window, then a broad recent list
// filtered down.
func (m *Manager) fetchFills(ctx context.Context, oc OrderContext) ([]*exchange.Fill, string, error) {
	fills, err := m.ex.GetFills(ctx, exchange.FillFilter{OrderID: oc.OrderID})
	if err == nil {
		return fills, "order", nil
	}
	firstErr := err

	since := oc.PlacedAt.Add(-time.Minute)
	fills, err = m.ex.GetFills(ctx, exchange.FillFilter{Pair: oc.Pair, Since: since})
	if err == nil {
		return filterForOrder(fills, oc), "pair_window", nil
	}

	fills, err = m.ex.GetFills(ctx, exchange.FillFilter{Since: time.Now().Add(-broadWindow)})
	if err == nil {
		return filterForOrder(fills, oc), "broad", nil
	}

	return nil, "", firstErr
}

// filterForOrder keeps fills plausibly belonging to the watched order: the
// right order id when reported, else the right pair and not older than the
// order itself.
func filterForOrder(fills []*exchange.Fill, oc OrderContext) []*exchange.Fill {
	var out []*exchange.Fill
	for _, f := range fills {
		if f.OrderID != "" && f.OrderID != oc.OrderID {
			continue
		}
		if f.OrderID == "" {
			if f.Pair != oc.Pair || f.ExecutedAt.Before(oc.PlacedAt.Add(-time.Minute)) {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// markSeen records a fill id in the watcher's dedupe set. Returns false if
// it was already present.
func (m *Manager) markSeen(seen map[string]struct{}, txid string) bool {
	key := m.ex.Name() + "|" + txid
	if _, ok := seen[key]; ok {
		return false
	}
	seen[key] = struct{}{}
	return true
}

// applyFill records the immutable trade record and folds the fill into the
// position (weighted average entry price, accumulated quantity and fee).
// The insert goes first: its (exchange, txid) key is the durable dedupe, so
// a fill replayed after a restart is counted toward the order's filled
// total without being folded into the position a second time.
func (m *Manager) applyFill(ctx context.Context, oc OrderContext, f *exchange.Fill, source string) error {
	record := &lot.Fill{
		TxID:       f.TxID,
		OrderID:    oc.OrderID,
		Pair:       oc.Pair,
		Side:       lot.SideBuy,
		Price:      f.Price,
		Amount:     f.Amount,
		Cost:       f.Cost,
		Fee:        f.Fee,
		ExecutedAt: f.ExecutedAt,
	}
	if err := m.fills.InsertFill(ctx, m.ex.Name(), record); err != nil {
		if !errors.Is(err, lot.ErrFillExists) {
			return err
		}
		log.Debug().
			Str("order_id", oc.OrderID).
			Str("txid", f.TxID).
			Msg("Fill already recorded by an earlier run, fold skipped")
		return nil
	}

	_, err := m.positions.Mutate(ctx, oc.LotID, func(l *lot.Lot) error {
		prev := l.Amount
		next := prev.Add(f.Amount)

		if prev.IsPositive() {
			l.EntryPrice = l.EntryPrice.Mul(prev).Add(f.Price.Mul(f.Amount)).Div(next)
		} else {
			l.EntryPrice = f.Price
		}
		l.Amount = next
		l.QtyRemaining = next
		l.EntryFee = l.EntryFee.Add(f.Fee)
		if f.Price.GreaterThan(l.HighestPrice) {
			l.HighestPrice = f.Price
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.FillsApplied.WithLabelValues(oc.Pair, source).Inc()
	log.Info().
		Str("order_id", oc.OrderID).
		Str("txid", f.TxID).
		Str("pair", oc.Pair).
		Str("price", f.Price.String()).
		Str("amount", f.Amount.String()).
		Str("source", source).
		Msg("Fill applied")
	return nil
}

func (m *Manager) filledEnough(filled, expected decimal.Decimal) bool {
	if !expected.IsPositive() {
		return filled.IsPositive()
	}
	return filled.GreaterThanOrEqual(expected.Mul(fillTolerance))
}

// handleTimeout runs the two-step timeout: with zero polled fills, verify
// order status directly before declaring failure. A fill can exist
// server-side without being visible through the fills endpoints yet, and
// marking a position failed while money has moved is the worse mistake.
func (m *Manager) handleTimeout(ctx context.Context, oc OrderContext, seen map[string]struct{}, filled decimal.Decimal, anyFill bool) {
	if anyFill {
		// Partially filled at the deadline. The quantity is real, keep it.
		log.Warn().
			Str("order_id", oc.OrderID).
			Str("filled", filled.String()).
			Str("expected", oc.ExpectedAmount.String()).
			Msg("Fill watcher timed out partially filled, opening with filled amount")
		m.resolveOpen(ctx, oc, filled, "open")
		return
	}

	order, err := m.ex.GetOrder(ctx, oc.OrderID)
	if err == nil && order.VolumeExec.IsPositive() {
		late := synthesizeFill(order)
		log.Warn().
			Str("order_id", oc.OrderID).
			Str("txid", late.TxID).
			Str("amount", late.Amount.String()).
			Msg("Late fill found by order verification, applying")

		if m.markSeen(seen, late.TxID) {
			if err := m.applyFill(ctx, oc, late, "order_verify"); err != nil {
				log.Error().Err(err).Str("order_id", oc.OrderID).Msg("Failed to apply late fill")
			}
		}
		m.resolveOpen(ctx, oc, late.Amount, "late_fill")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("order_id", oc.OrderID).Msg("Order verification failed at timeout")
	}

	m.resolveFailed(ctx, oc)
}

// synthesizeFill builds a fill record from an order's aggregate fields.
// Price falls back to executed value over executed size when the exchange
// reports no average price.
func synthesizeFill(order *exchange.Order) *exchange.Fill {
	price := order.AvgPrice
	if !price.IsPositive() && order.VolumeExec.IsPositive() {
		price = order.Cost.Div(order.VolumeExec)
	}
	return &exchange.Fill{
		TxID:       "SYN-" + order.OrderID,
		OrderID:    order.OrderID,
		Pair:       order.Pair,
		Side:       order.Side,
		Price:      price,
		Amount:     order.VolumeExec,
		Cost:       order.Cost,
		Fee:        order.Fee,
		ExecutedAt: time.Now(),
	}
}

func (m *Manager) resolveOpen(ctx context.Context, oc OrderContext, filled decimal.Decimal, outcome string) {
	_, err := m.positions.Mutate(ctx, oc.LotID, func(l *lot.Lot) error {
		l.Status = lot.StatusOpen
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", oc.OrderID).Msg("Failed to mark position open")
		return
	}

	metrics.WatcherOutcomes.WithLabelValues(outcome).Inc()
	log.Info().
		Str("order_id", oc.OrderID).
		Str("pair", oc.Pair).
		Str("lot_id", oc.LotID.String()).
		Str("filled", filled.String()).
		Msg("Position opened")
}

func (m *Manager) resolveFailed(ctx context.Context, oc OrderContext) {
	_, err := m.positions.Mutate(ctx, oc.LotID, func(l *lot.Lot) error {
		l.Status = lot.StatusFailed
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", oc.OrderID).Msg("Failed to mark position failed")
	}

	metrics.WatcherOutcomes.WithLabelValues("failed").Inc()
	m.notifier.Notify(alert.Event{
		Severity: alert.SeverityWarning,
		Kind:     "FILL_TIMEOUT",
		Pair:     oc.Pair,
		LotID:    oc.LotID,
		Reason:   "timeout, no fills",
		Message:  "Buy order timed out with no fills, position marked failed",
		Fields: map[string]string{
			"order_id": oc.OrderID,
			"expected": oc.ExpectedAmount.String(),
		},
	})
	log.Warn().
		Str("order_id", oc.OrderID).
		Str("pair", oc.Pair).
		Msg("Fill watcher timed out, no fills")
}
