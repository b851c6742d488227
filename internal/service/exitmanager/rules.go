package exitmanager

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
)

// evaluateTriggers evaluates the exit rules in strict priority order and
// returns the first applicable trigger, or nil. It mutates l's exit-state
// flags (one-way ratchets); the caller persists them when changed is true.
//
// Priority (high -> low):
//  1. Ultimate stop-loss (risk, bypasses everything)
//  2. Fixed take-profit
//  3. Break-even activation (one-shot)
//  4. Trailing activation (one-shot, independent of BE)
//  5. Trailing update (hysteresis band)
//  6. Stop-hit check
//  7. Scale-out (at most once per lot)
//
// Control mode: PAUSE_PROFIT blocks 2, 3-5 arming/updating and 7, but never
// a stop. PAUSE_ALL is handled by the caller before evaluation.
func (m *Manager) evaluateTriggers(l *lot.Lot, price, pnlPct decimal.Decimal, mode string) (trigger *Trigger, changed bool) {
	// Priority 1: ultimate stop-loss.
	if t := evaluateUltimateStop(l, pnlPct); t != nil {
		return t, false
	}

	profitAllowed := mode != ControlPauseProfit

	// Priority 2: fixed take-profit.
	if profitAllowed {
		if t := evaluateTakeProfit(l, pnlPct); t != nil {
			return t, false
		}
	}

	// Priorities 3-5: stop maintenance. Doesn't trigger a sell by itself.
	if profitAllowed {
		if l.EntryMode == lot.EntryModeSmartGuard || l.EntryMode == lot.EntryModeTest {
			if armBreakEven(l, pnlPct) {
				changed = true
			}
			if updateTrailing(l, price, pnlPct) {
				changed = true
			}
		} else {
			// Legacy lots use the progressive ladder instead.
			if advanceProgressiveStop(l, price, pnlPct) {
				changed = true
			}
		}
	}

	// Priority 6: stop-hit.
	if t := evaluateStopHit(l, price); t != nil {
		return t, changed
	}

	// Priority 7: scale-out.
	if profitAllowed {
		if t := evaluateScaleOut(l, price, pnlPct); t != nil {
			return t, changed
		}
	}

	return nil, changed
}

func evaluateUltimateStop(l *lot.Lot, pnlPct decimal.Decimal) *Trigger {
	threshold := decimal.NewFromFloat(-l.Snapshot.StopLossPct)
	if pnlPct.GreaterThan(threshold) {
		return nil
	}

	log.Info().
		Str("pair", l.Pair).
		Str("lot_id", l.LotID.String()).
		Str("pnl_pct", pnlPct.StringFixed(2)).
		Str("threshold", threshold.StringFixed(2)).
		Msg("Ultimate stop-loss hit")

	return &Trigger{Reason: ReasonUltimateStop, Qty: l.Amount, Risk: true}
}

func evaluateTakeProfit(l *lot.Lot, pnlPct decimal.Decimal) *Trigger {
	if l.Snapshot.TakeProfitPct <= 0 {
		return nil // fixed TP disabled
	}
	threshold := decimal.NewFromFloat(l.Snapshot.TakeProfitPct)
	if pnlPct.LessThan(threshold) {
		return nil
	}

	log.Info().
		Str("pair", l.Pair).
		Str("lot_id", l.LotID.String()).
		Str("pnl_pct", pnlPct.StringFixed(2)).
		Str("threshold", threshold.StringFixed(2)).
		Msg("Fixed take-profit hit")

	return &Trigger{Reason: ReasonTakeProfit, Qty: l.Amount}
}

// armBreakEven sets the break-even stop once, on the first tick profit
// clears the activation threshold. The stop sits a fee cushion above entry
// so a break-even close nets zero, not a fee-sized loss.
func armBreakEven(l *lot.Lot, pnlPct decimal.Decimal) bool {
	if l.BreakEvenActivated {
		return false
	}
	if pnlPct.LessThan(decimal.NewFromFloat(l.Snapshot.BreakEvenAtPct)) {
		return false
	}

	cushion := decimal.NewFromFloat(l.Snapshot.FeeCushionPct / 100)
	stop := l.EntryPrice.Mul(decimal.NewFromInt(1).Add(cushion))

	l.BreakEvenActivated = true
	if l.CurrentStopPrice == nil || stop.GreaterThan(*l.CurrentStopPrice) {
		l.CurrentStopPrice = &stop
	}

	log.Info().
		Str("pair", l.Pair).
		Str("lot_id", l.LotID.String()).
		Str("pnl_pct", pnlPct.StringFixed(2)).
		Str("stop", stop.String()).
		Msg("Break-even stop armed")
	return true
}

// updateTrailing arms the trailing stop at the activation threshold and then
// raises it on subsequent ticks. An update only lands when the candidate
// clears the hysteresis band over the old stop, so noise never thrashes the
// stored stop. Stops are monotonic within a lifecycle: never lowered.
func updateTrailing(l *lot.Lot, price, pnlPct decimal.Decimal) bool {
	distance := decimal.NewFromFloat(l.Snapshot.TrailDistancePct / 100)
	candidate := price.Mul(decimal.NewFromInt(1).Sub(distance))

	if !l.TrailingActivated {
		if pnlPct.LessThan(decimal.NewFromFloat(l.Snapshot.TrailStartPct)) {
			return false
		}
		l.TrailingActivated = true
		if l.CurrentStopPrice == nil || candidate.GreaterThan(*l.CurrentStopPrice) {
			l.CurrentStopPrice = &candidate
		}
		log.Info().
			Str("pair", l.Pair).
			Str("lot_id", l.LotID.String()).
			Str("pnl_pct", pnlPct.StringFixed(2)).
			Str("stop", l.CurrentStopPrice.String()).
			Msg("Trailing stop armed")
		return true
	}

	if l.CurrentStopPrice == nil {
		l.CurrentStopPrice = &candidate
		return true
	}

	step := decimal.NewFromFloat(l.Snapshot.TrailStepPct / 100)
	band := l.CurrentStopPrice.Mul(decimal.NewFromInt(1).Add(step))
	if candidate.GreaterThan(band) {
		log.Debug().
			Str("pair", l.Pair).
			Str("lot_id", l.LotID.String()).
			Str("old_stop", l.CurrentStopPrice.String()).
			Str("new_stop", candidate.String()).
			Msg("Trailing stop raised")
		l.CurrentStopPrice = &candidate
		return true
	}

	return false
}

func evaluateStopHit(l *lot.Lot, price decimal.Decimal) *Trigger {
	if l.CurrentStopPrice == nil {
		return nil
	}
	if price.GreaterThan(*l.CurrentStopPrice) {
		return nil
	}

	reason := ReasonBreakEvenStop
	if l.TrailingActivated {
		reason = ReasonTrailingStop
	}

	log.Info().
		Str("pair", l.Pair).
		Str("lot_id", l.LotID.String()).
		Str("price", price.String()).
		Str("stop", l.CurrentStopPrice.String()).
		Str("reason", reason).
		Msg("Stop hit")

	return &Trigger{Reason: reason, Qty: l.Amount, Risk: isRiskReason(reason)}
}

// evaluateScaleOut sells a configured fraction of the remaining amount once
// per lot. The gate on entry confidence fails closed: a lot whose entry
// signal reported no confidence never scales out.
func evaluateScaleOut(l *lot.Lot, price, pnlPct decimal.Decimal) *Trigger {
	snap := l.Snapshot
	if !snap.ScaleOutEnabled || l.ScaleOutDone {
		return nil
	}
	if snap.EntryConfidence == nil || *snap.EntryConfidence < snap.ScaleOutMinConf {
		return nil
	}
	if pnlPct.LessThan(decimal.NewFromFloat(snap.TrailStartPct)) {
		return nil
	}

	part := l.Amount.Mul(decimal.NewFromFloat(snap.ScaleOutPct))
	notional := part.Mul(price)
	if notional.LessThan(decimal.NewFromFloat(snap.MinPartUSD)) {
		log.Debug().
			Str("pair", l.Pair).
			Str("lot_id", l.LotID.String()).
			Str("notional", notional.StringFixed(2)).
			Float64("min_part_usd", snap.MinPartUSD).
			Msg("Scale-out part below minimum notional, skipped")
		return nil
	}

	log.Info().
		Str("pair", l.Pair).
		Str("lot_id", l.LotID.String()).
		Str("pnl_pct", pnlPct.StringFixed(2)).
		Str("part", part.String()).
		Msg("Scale-out triggered")

	return &Trigger{Reason: ReasonScaleOut, Qty: part, Partial: true}
}
