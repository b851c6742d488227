package exitmanager

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/alert"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/metrics"
)

// executeTrigger runs the pre-sell safety checks and hands the sell to the
// trader. Never fail silently when money is at stake: every path that leaves
// the position open despite a trigger raises an alert or is retried.
func (m *Manager) executeTrigger(ctx context.Context, l *lot.Lot, trigger *Trigger, price, pnlPct decimal.Decimal) error {
	minSize, err := m.ex.MinOrderSize(ctx, l.Pair)
	if err != nil {
		log.Warn().Err(err).Str("pair", l.Pair).Msg("Min order size fetch failed, retrying next tick")
		return nil
	}

	proceed, err := m.reconcileBalance(ctx, l, price, minSize)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	qty := trigger.Qty
	if !trigger.Partial {
		// Full close sells the reconciled amount.
		qty = l.Amount
	}
	if qty.GreaterThan(l.Amount) {
		qty = l.Amount
	}

	if qty.LessThan(minSize) {
		metrics.ExitsBlocked.WithLabelValues(l.Pair, "below_minimum").Inc()
		m.notifier.Notify(alert.Event{
			Severity: alert.SeverityCritical,
			Kind:     "SELL_BELOW_MINIMUM",
			Pair:     l.Pair,
			LotID:    l.LotID,
			Reason:   trigger.Reason,
			Message:  "Computed sell quantity below exchange minimum, position left open",
			Fields: map[string]string{
				"qty":      qty.String(),
				"min_size": minSize.String(),
			},
		})
		log.Error().
			Str("pair", l.Pair).
			Str("lot_id", l.LotID.String()).
			Str("qty", qty.String()).
			Str("min_size", minSize.String()).
			Msg("Sell below exchange minimum, aborted")
		return nil
	}

	if trigger.Partial {
		// Ratchet before sending so a scale-out can never fire twice.
		if _, err := m.positions.Mutate(ctx, l.LotID, func(cur *lot.Lot) error {
			cur.ScaleOutDone = true
			return nil
		}); err != nil {
			return fmt.Errorf("mark scale-out: %w", err)
		}
	}

	ok, err := m.trader.ExecuteSell(ctx, l.Pair, qty, price, trigger.Reason, l)
	if err != nil || !ok {
		metrics.SellFailures.WithLabelValues(l.Pair).Inc()
		m.notifier.Notify(alert.Event{
			Severity: alert.SeverityCritical,
			Kind:     "SELL_REJECTED",
			Pair:     l.Pair,
			LotID:    l.LotID,
			Reason:   trigger.Reason,
			Message:  "Exchange rejected the sell, position left open",
			Fields: map[string]string{
				"qty":   qty.String(),
				"price": price.String(),
			},
		})
		log.Error().
			Err(err).
			Str("pair", l.Pair).
			Str("lot_id", l.LotID.String()).
			Str("reason", trigger.Reason).
			Msg("Sell execution failed")
		return nil
	}

	metrics.ExitsTriggered.WithLabelValues(l.Pair, trigger.Reason).Inc()
	m.notifier.Notify(alert.Event{
		Severity: alert.SeverityInfo,
		Kind:     "EXIT_TRIGGERED",
		Pair:     l.Pair,
		LotID:    l.LotID,
		Reason:   trigger.Reason,
		Message:  "Exit executed",
		Fields: map[string]string{
			"qty":     qty.String(),
			"price":   price.String(),
			"pnl_pct": pnlPct.StringFixed(2),
		},
	})
	log.Info().
		Str("pair", l.Pair).
		Str("lot_id", l.LotID.String()).
		Str("reason", trigger.Reason).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Str("pnl_pct", pnlPct.StringFixed(2)).
		Msg("Exit executed")

	if trigger.Risk && pnlPct.IsNegative() {
		m.cooldowns.Set(l.Pair, lossCooldown)
	}

	// The trader's fill matching updated lot rows directly; resync the
	// in-memory mirror from storage.
	if err := m.positions.Rebuild(ctx); err != nil {
		log.Error().Err(err).Msg("Position store rebuild after exit failed")
	}
	return nil
}

// reconcileBalance compares the real exchange balance for the lot's asset
// against the registered amount before committing a sell. Returns false when
// the sell must not proceed this tick.
func (m *Manager) reconcileBalance(ctx context.Context, l *lot.Lot, price, minSize decimal.Decimal) (bool, error) {
	balances, err := m.ex.GetBalance(ctx)
	if err != nil {
		log.Warn().Err(err).Str("pair", l.Pair).Msg("Balance fetch failed, retrying next tick")
		return false, nil
	}

	asset := m.ex.BaseAsset(l.Pair)
	real := balances[asset]
	registered := l.Amount
	if !registered.IsPositive() {
		return false, nil
	}

	tolerance := decimal.NewFromFloat(m.driftPct / 100)
	upper := registered.Mul(decimal.NewFromInt(1).Add(tolerance))
	lower := registered.Mul(decimal.NewFromInt(1).Sub(tolerance))

	switch {
	case real.GreaterThan(upper):
		excess := real.Sub(registered)
		excessUSD := excess.Mul(price)
		if excessUSD.LessThan(decimal.NewFromFloat(m.dustUSD)) {
			// Small excess is exchange dust, absorb it into the lot.
			if _, err := m.positions.Mutate(ctx, l.LotID, func(cur *lot.Lot) error {
				cur.Amount = real
				cur.QtyRemaining = real
				return nil
			}); err != nil {
				return false, fmt.Errorf("absorb drift: %w", err)
			}
			l.Amount = real
			l.QtyRemaining = real
			metrics.ReconcileOutcomes.WithLabelValues("absorbed").Inc()
			log.Info().
				Str("pair", l.Pair).
				Str("lot_id", l.LotID.String()).
				Str("excess", excess.String()).
				Str("excess_usd", excessUSD.StringFixed(2)).
				Msg("Balance drift absorbed as dust")
			return true, nil
		}
		// A large excess is assumed to be an externally held balance.
		metrics.ReconcileOutcomes.WithLabelValues("external").Inc()
		log.Info().
			Str("pair", l.Pair).
			Str("lot_id", l.LotID.String()).
			Str("excess_usd", excessUSD.StringFixed(2)).
			Msg("Balance above registered amount left untouched")
		return true, nil

	case real.LessThan(lower):
		if real.GreaterThanOrEqual(minSize) {
			// Shrink to what is actually there and proceed.
			if _, err := m.positions.Mutate(ctx, l.LotID, func(cur *lot.Lot) error {
				cur.Amount = real
				cur.QtyRemaining = real
				return nil
			}); err != nil {
				return false, fmt.Errorf("shrink to real balance: %w", err)
			}
			l.Amount = real
			l.QtyRemaining = real
			metrics.ReconcileOutcomes.WithLabelValues("shrunk").Inc()
			log.Warn().
				Str("pair", l.Pair).
				Str("lot_id", l.LotID.String()).
				Str("registered", registered.String()).
				Str("real", real.String()).
				Msg("Position shrunk to real exchange balance")
			return true, nil
		}

		// Below the exchange minimum the position is economically
		// unclosable: an orphan. Delete it and clear the pair's
		// cooldowns so trading can resume.
		if err := m.positions.Delete(ctx, l.LotID); err != nil {
			return false, fmt.Errorf("delete orphan lot: %w", err)
		}
		m.cooldowns.Clear(l.Pair)
		metrics.ReconcileOutcomes.WithLabelValues("orphan_deleted").Inc()
		m.notifier.Notify(alert.Event{
			Severity: alert.SeverityWarning,
			Kind:     "ORPHAN_DELETED",
			Pair:     l.Pair,
			LotID:    l.LotID,
			Reason:   "balance below exchange minimum",
			Message:  "Orphan position deleted, pair cooldowns cleared",
			Fields: map[string]string{
				"registered": registered.String(),
				"real":       real.String(),
				"min_size":   minSize.String(),
			},
		})
		log.Warn().
			Str("pair", l.Pair).
			Str("lot_id", l.LotID.String()).
			Str("registered", registered.String()).
			Str("real", real.String()).
			Msg("Orphan position deleted")
		return false, nil
	}

	return true, nil
}
