package exitmanager

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/metrics"
)

// minCloseNetPct is the gross profit a non-risk exit must clear so the close
// nets positive after round-trip fees plus the configured buffer.
func minCloseNetPct(snap lot.ConfigSnapshot) decimal.Decimal {
	return decimal.NewFromFloat(snap.EntryFeePct + snap.ExitFeePct + snap.ProfitBufferPct)
}

// passesFeeGate reports whether a trigger may proceed at the given gross
// P&L percentage. Risk exits always pass.
func (m *Manager) passesFeeGate(l *lot.Lot, trigger *Trigger, pnlPct decimal.Decimal) bool {
	if trigger.Risk {
		return true
	}
	if !l.Snapshot.AdaptiveFeeGate {
		return true
	}

	minNet := minCloseNetPct(l.Snapshot)
	if pnlPct.GreaterThanOrEqual(minNet) {
		return true
	}

	metrics.ExitsBlocked.WithLabelValues(l.Pair, trigger.Reason).Inc()
	log.Info().
		Str("pair", l.Pair).
		Str("lot_id", l.LotID.String()).
		Str("reason", trigger.Reason).
		Str("pnl_pct", pnlPct.StringFixed(2)).
		Str("min_close_net_pct", minNet.StringFixed(2)).
		Msg("Exit blocked by fee gate")
	return false
}
