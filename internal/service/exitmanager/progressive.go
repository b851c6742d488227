package exitmanager

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
)

// Progressive break-even ladder for legacy (non-SMART_GUARD) lots. Each
// profit threshold raises the stop to an increasingly favorable level; a
// level is never revisited once passed.
var progressiveLevels = []struct {
	atPct float64
	// stopMarkup(snapshot) returns the stop markup over entry, in percent.
	stopMarkup func(snap lot.ConfigSnapshot) float64
}{
	{1.5, func(s lot.ConfigSnapshot) float64 { return s.EntryFeePct + s.ExitFeePct }},
	{3.0, func(s lot.ConfigSnapshot) float64 { return s.EntryFeePct + s.ExitFeePct + s.ProfitBufferPct/2 }},
	{5.0, func(s lot.ConfigSnapshot) float64 { return s.EntryFeePct + s.ExitFeePct + s.ProfitBufferPct }},
}

// advanceProgressiveStop walks the ladder for a legacy lot and raises the
// stop when a new level is reached. Returns true when the lot changed.
//
// A computed stop above the current price is discarded: it would self-trigger
// as an artifact of the formula, not a real market condition.
func advanceProgressiveStop(l *lot.Lot, price, pnlPct decimal.Decimal) bool {
	changed := false

	for i, level := range progressiveLevels {
		levelNum := i + 1
		if l.ProgressiveLevel >= levelNum {
			continue // one-way, never revisited
		}
		if pnlPct.LessThan(decimal.NewFromFloat(level.atPct)) {
			break
		}

		markup := decimal.NewFromFloat(level.stopMarkup(l.Snapshot) / 100)
		stop := l.EntryPrice.Mul(decimal.NewFromInt(1).Add(markup))

		l.ProgressiveLevel = levelNum
		changed = true

		if stop.GreaterThanOrEqual(price) {
			log.Debug().
				Str("pair", l.Pair).
				Str("lot_id", l.LotID.String()).
				Int("level", levelNum).
				Str("stop", stop.String()).
				Str("price", price.String()).
				Msg("Progressive stop above current price, discarded")
			continue
		}

		if l.CurrentStopPrice == nil || stop.GreaterThan(*l.CurrentStopPrice) {
			l.CurrentStopPrice = &stop
			l.BreakEvenActivated = true
			log.Info().
				Str("pair", l.Pair).
				Str("lot_id", l.LotID.String()).
				Int("level", levelNum).
				Str("stop", stop.String()).
				Str("pnl_pct", pnlPct.StringFixed(2)).
				Msg("Progressive break-even stop raised")
		}
	}

	return changed
}
