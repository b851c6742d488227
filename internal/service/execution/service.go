// Package execution turns exit decisions into exchange orders and settles
// the resulting fills through FIFO matching.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/metrics"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/fifo"
)

// Settlement polling after a market sell. Market orders normally report
// fills on the first poll; the backoff covers exchange lag and rate limiting.
var (
	settleBaseBackoff = 500 * time.Millisecond
	settleMaxBackoff  = 8 * time.Second
)

const settleMaxAttempts = 6

// settleTolerance treats an order as fully settled once reported fills
// reach this fraction of the requested volume.
var settleTolerance = decimal.NewFromFloat(0.999)

// PnlSink receives realized P&L from settled sells.
type PnlSink interface {
	RecordRealizedPnl(pnl decimal.Decimal)
}

// Service places sell orders and settles them: record the fills, match them
// FIFO against open lots, report the realized P&L.
type Service struct {
	ex      exchange.Exchange
	fills   lot.FillRepository
	matcher *fifo.Matcher
	pnl     PnlSink
}

// NewService creates a new execution service. The P&L sink may be nil.
func NewService(ex exchange.Exchange, fills lot.FillRepository, matcher *fifo.Matcher, pnl PnlSink) *Service {
	return &Service{
		ex:      ex,
		fills:   fills,
		matcher: matcher,
		pnl:     pnl,
	}
}

// SetPnlSink replaces the P&L sink. The exit manager is built with this
// service as its trader, so the sink is wired after both exist.
func (s *Service) SetPnlSink(pnl PnlSink) { s.pnl = pnl }

// ExecuteSell places a market sell and settles it. Returns (false, err) when
// the order was rejected outright, (false, nil) when the order went out but
// no execution could be confirmed. The lot argument carries entry context
// for logging only; lot state changes happen inside the FIFO matcher.
func (s *Service) ExecuteSell(ctx context.Context, pair string, volume, price decimal.Decimal, reason string, l *lot.Lot) (bool, error) {
	order, err := s.ex.PlaceOrder(ctx, exchange.OrderRequest{
		Pair:   pair,
		Side:   exchange.SideSell,
		Type:   exchange.OrderTypeMarket,
		Volume: volume,
	})
	if err != nil {
		return false, fmt.Errorf("place sell order: %w", err)
	}
	metrics.OrdersPlaced.WithLabelValues(pair, exchange.SideSell).Inc()

	log.Info().
		Str("pair", pair).
		Str("order_id", order.OrderID).
		Str("volume", volume.String()).
		Str("reason", reason).
		Msg("Sell order placed")

	fills, err := s.collectFills(ctx, order.OrderID, volume)
	if err != nil {
		return false, err
	}
	if len(fills) == 0 {
		// The order went out but nothing executed and verification
		// found no volume. The caller alerts; the position stays open
		// and the next tick retries.
		log.Error().
			Str("pair", pair).
			Str("order_id", order.OrderID).
			Msg("Sell order placed but no execution confirmed")
		return false, nil
	}

	if err := s.settle(ctx, pair, fills); err != nil {
		return false, err
	}
	return true, nil
}

// collectFills polls the exchange for the order's fills with exponential
// backoff, falling back to order verification when the fills endpoint lags
// behind the execution.
func (s *Service) collectFills(ctx context.Context, orderID string, volume decimal.Decimal) ([]*exchange.Fill, error) {
	target := volume.Mul(settleTolerance)
	backoff := settleBaseBackoff

	for attempt := 1; attempt <= settleMaxAttempts; attempt++ {
		fills, err := s.ex.GetFills(ctx, exchange.FillFilter{OrderID: orderID})
		if err != nil {
			log.Warn().
				Err(err).
				Str("order_id", orderID).
				Int("attempt", attempt).
				Msg("Fills fetch failed during settlement")
		} else {
			total := decimal.Zero
			for _, f := range fills {
				total = total.Add(f.Amount)
			}
			if total.GreaterThanOrEqual(target) {
				return fills, nil
			}
			if attempt == settleMaxAttempts && len(fills) > 0 {
				// Partial execution is still money moved; settle
				// what we have.
				log.Warn().
					Str("order_id", orderID).
					Str("reported", total.String()).
					Str("requested", volume.String()).
					Msg("Settling partially reported sell")
				return fills, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > settleMaxBackoff {
			backoff = settleMaxBackoff
		}
	}

	return s.verifyOrder(ctx, orderID)
}

// verifyOrder asks the exchange for the order itself and synthesizes a fill
// from its executed volume when the fills endpoint never caught up.
func (s *Service) verifyOrder(ctx context.Context, orderID string) ([]*exchange.Fill, error) {
	order, err := s.ex.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("verify sell order %s: %w", orderID, err)
	}
	if !order.VolumeExec.IsPositive() {
		return nil, nil
	}

	price := order.AvgPrice
	if !price.IsPositive() && order.VolumeExec.IsPositive() {
		price = order.Cost.Div(order.VolumeExec)
	}
	log.Warn().
		Str("order_id", orderID).
		Str("volume_exec", order.VolumeExec.String()).
		Str("price", price.String()).
		Msg("Fills endpoint lagged, synthesized fill from order state")

	return []*exchange.Fill{{
		TxID:       "SYN-" + orderID,
		OrderID:    orderID,
		Pair:       order.Pair,
		Side:       exchange.SideSell,
		Price:      price,
		Amount:     order.VolumeExec,
		Cost:       order.Cost,
		Fee:        order.Fee,
		ExecutedAt: time.Now(),
	}}, nil
}

// settle records each fill and matches it FIFO against the open lots.
// Matching is idempotent, so a fill already recorded by a previous crash or
// retry is safe to run through again.
func (s *Service) settle(ctx context.Context, pair string, fills []*exchange.Fill) error {
	totalPnl := decimal.Zero

	for _, f := range fills {
		rec := &lot.Fill{
			TxID:       f.TxID,
			OrderID:    f.OrderID,
			Pair:       pair,
			Side:       lot.SideSell,
			Price:      f.Price,
			Amount:     f.Amount,
			Cost:       f.Cost,
			Fee:        f.Fee,
			ExecutedAt: f.ExecutedAt,
		}
		if err := s.fills.InsertFill(ctx, s.ex.Name(), rec); err != nil && !errors.Is(err, lot.ErrFillExists) {
			return fmt.Errorf("record sell fill %s: %w", f.TxID, err)
		}

		result, err := s.matcher.MatchSellFill(ctx, rec)
		if err != nil {
			return fmt.Errorf("match sell fill %s: %w", f.TxID, err)
		}
		totalPnl = totalPnl.Add(result.PnlNet)

		log.Info().
			Str("pair", pair).
			Str("txid", f.TxID).
			Str("amount", f.Amount.String()).
			Int("matches", len(result.Matches)).
			Str("orphan_qty", result.OrphanQty.String()).
			Str("pnl_net", result.PnlNet.String()).
			Msg("Sell fill settled")
	}

	if s.pnl != nil {
		s.pnl.RecordRealizedPnl(totalPnl)
	}
	return nil
}
