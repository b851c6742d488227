package exitmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/alert"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
	ts "github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/timestop"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/metrics"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/pkg/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/store"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/timestop"
)

// expiryAlertInterval throttles soft time-stop notifications per lot.
const expiryAlertInterval = time.Hour

// lossCooldown is the pair cooldown started after a loss exit.
const lossCooldown = 4 * time.Hour

// Trader executes a sell on behalf of the manager. The lot carries entry
// price, fee and amount for P&L bookkeeping on the execution side.
type Trader interface {
	ExecuteSell(ctx context.Context, pair string, volume, price decimal.Decimal, reason string, l *lot.Lot) (bool, error)
}

// RegimeSource reports the current market regime for a pair.
type RegimeSource interface {
	Regime(pair string) string
}

// StaticRegime always reports the same regime. The default source until a
// regime classifier is wired.
type StaticRegime string

// Regime returns the configured regime.
func (r StaticRegime) Regime(pair string) string { return string(r) }

// Manager evaluates every open position once per tick.
type Manager struct {
	positions *store.PositionStore
	ex        exchange.Exchange
	ttl       *timestop.Service
	trader    Trader
	notifier  alert.Notifier
	cooldowns *Cooldowns
	regime    RegimeSource
	market    string

	driftPct       float64
	dustUSD        float64
	dailyLossLimit float64
	defaults       lot.ConfigSnapshot // thresholds for lots without a snapshot

	emergencyStop atomic.Bool
	mode          atomic.Value // control mode string

	mu           sync.Mutex
	expiryAlerts map[uuid.UUID]time.Time // last soft time-stop alert per lot
	day          string
	dayLoss      decimal.Decimal
}

// NewManager wires an exit manager. The market defaults to "spot" and the
// regime source to TRANSITION until replaced.
func NewManager(positions *store.PositionStore, ex exchange.Exchange, ttl *timestop.Service, trader Trader, notifier alert.Notifier, cfg config.EngineConfig, exit config.ExitDefaults) *Manager {
	m := &Manager{
		positions:      positions,
		ex:             ex,
		ttl:            ttl,
		trader:         trader,
		notifier:       notifier,
		cooldowns:      NewCooldowns(),
		regime:         StaticRegime(ts.RegimeTransition),
		market:         "spot",
		driftPct:       cfg.ReconcileDriftPct,
		dustUSD:        cfg.ReconcileDustUSD,
		dailyLossLimit: cfg.DailyLossLimitUSD,
		defaults:       snapshotFromDefaults(exit),
		expiryAlerts:   map[uuid.UUID]time.Time{},
		dayLoss:        decimal.Zero,
	}
	m.mode.Store(ControlRunning)
	m.emergencyStop.Store(cfg.EmergencyStop)
	return m
}

// snapshotFromDefaults builds the threshold snapshot used for lots that
// arrive without one, e.g. rows inserted by an external entry process.
func snapshotFromDefaults(d config.ExitDefaults) lot.ConfigSnapshot {
	return lot.ConfigSnapshot{
		StopLossPct:      d.StopLossPct,
		TakeProfitPct:    d.TakeProfitPct,
		BreakEvenAtPct:   d.BreakEvenAtPct,
		FeeCushionPct:    d.FeeCushionPct,
		TrailStartPct:    d.TrailStartPct,
		TrailDistancePct: d.TrailDistancePct,
		TrailStepPct:     d.TrailStepPct,
		ScaleOutEnabled:  d.ScaleOutEnabled,
		ScaleOutPct:      d.ScaleOutPct,
		ScaleOutMinConf:  d.ScaleOutMinConf,
		MinPartUSD:       d.MinPartUSD,
		ProfitBufferPct:  d.ProfitBufferPct,
		EntryFeePct:      d.EntryFeePct,
		ExitFeePct:       d.ExitFeePct,
		AdaptiveFeeGate:  d.AdaptiveFeeGate,
	}
}

// SetRegimeSource replaces the regime source.
func (m *Manager) SetRegimeSource(src RegimeSource) { m.regime = src }

// SetMarket sets the market used for time-stop resolution.
func (m *Manager) SetMarket(market string) { m.market = market }

// Cooldowns exposes the pair cooldown registry.
func (m *Manager) Cooldowns() *Cooldowns { return m.cooldowns }

// Mode returns the current control mode.
func (m *Manager) Mode() string { return m.mode.Load().(string) }

// SetMode changes the control mode (kill switch).
func (m *Manager) SetMode(mode string) {
	m.mode.Store(mode)
	log.Warn().Str("mode", mode).Msg("Control mode changed")
}

// SetEmergencyStop toggles the emergency force-close flag.
func (m *Manager) SetEmergencyStop(on bool) {
	m.emergencyStop.Store(on)
	log.Warn().Bool("on", on).Msg("Emergency stop toggled")
}

// RecordRealizedPnl feeds realized P&L into the daily loss accounting.
func (m *Manager) RecordRealizedPnl(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if m.day != today {
		m.day = today
		m.dayLoss = decimal.Zero
	}
	if pnl.IsNegative() {
		m.dayLoss = m.dayLoss.Add(pnl.Neg())
	}
}

func (m *Manager) dailyLossExceeded() bool {
	if m.dailyLossLimit <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.day != time.Now().Format("2006-01-02") {
		return false
	}
	return m.dayLoss.GreaterThanOrEqual(decimal.NewFromFloat(m.dailyLossLimit))
}

// Tick evaluates every open position once. A failure on one position never
// blocks the others.
func (m *Manager) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	mode := m.Mode()
	if mode == ControlPauseAll {
		log.Debug().Msg("PAUSE_ALL mode, skipping tick")
		return
	}

	live := map[uuid.UUID]struct{}{}
	for _, l := range m.positions.List() {
		live[l.LotID] = struct{}{}
		if l.Status != lot.StatusOpen {
			continue
		}
		if err := m.evaluatePosition(ctx, l, mode); err != nil {
			log.Error().
				Err(err).
				Str("pair", l.Pair).
				Str("lot_id", l.LotID.String()).
				Msg("Position evaluation failed")
		}
	}

	m.pruneExpiryAlerts(live)
}

// pruneExpiryAlerts drops throttle entries for lots no longer in the store,
// keeping the map bounded by the open position count.
func (m *Manager) pruneExpiryAlerts(live map[uuid.UUID]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.expiryAlerts {
		if _, ok := live[id]; !ok {
			delete(m.expiryAlerts, id)
		}
	}
}

// evaluatePosition runs one position through the rule chain and executes any
// resulting trigger. Transient fetch failures leave the position untouched
// for the next tick.
func (m *Manager) evaluatePosition(ctx context.Context, l *lot.Lot, mode string) error {
	ticker, err := m.ex.GetTicker(ctx, l.Pair)
	if err != nil {
		log.Warn().Err(err).Str("pair", l.Pair).Msg("Ticker fetch failed, retrying next tick")
		return nil
	}

	price := ticker.Bid // conservative: exits value at the bid
	if !price.IsPositive() {
		price = ticker.Last
	}
	if !price.IsPositive() || !l.EntryPrice.IsPositive() {
		log.Warn().
			Str("pair", l.Pair).
			Str("price", price.String()).
			Str("entry", l.EntryPrice.String()).
			Msg("Unusable price, skipping position")
		return nil
	}

	if l.Snapshot.StopLossPct <= 0 {
		// No threshold snapshot on the lot; evaluate with the configured
		// defaults. The snapshot itself stays as stored.
		l.Snapshot = m.defaults
	}

	if err := m.positions.UpdateHighestPrice(ctx, l.LotID, price); err != nil {
		log.Warn().Err(err).Str("lot_id", l.LotID.String()).Msg("Failed to update high-water mark")
	}
	if price.GreaterThan(l.HighestPrice) {
		l.HighestPrice = price
	}

	pnlPct := price.Sub(l.EntryPrice).Div(l.EntryPrice).Mul(decimal.NewFromInt(100))

	var trigger *Trigger
	var changed bool
	switch {
	case m.emergencyStop.Load():
		trigger = &Trigger{Reason: ReasonEmergencyStop, Qty: l.Amount, Risk: true}
	case m.dailyLossExceeded():
		trigger = &Trigger{Reason: ReasonDailyLoss, Qty: l.Amount, Risk: true}
	default:
		trigger, changed = m.evaluateTriggers(l, price, pnlPct, mode)
		if trigger == nil {
			var tsChanged bool
			trigger, tsChanged = m.evaluateTimeStop(ctx, l, pnlPct)
			changed = changed || tsChanged
		}
	}

	if changed {
		if err := m.persistExitState(ctx, l); err != nil {
			return err
		}
	}

	if trigger == nil {
		return nil
	}
	if !m.passesFeeGate(l, trigger, pnlPct) {
		return nil
	}

	return m.executeTrigger(ctx, l, trigger, price, pnlPct)
}

// persistExitState writes the evaluated copy's exit-state flags back through
// the position store.
func (m *Manager) persistExitState(ctx context.Context, l *lot.Lot) error {
	_, err := m.positions.Mutate(ctx, l.LotID, func(cur *lot.Lot) error {
		cur.BreakEvenActivated = l.BreakEvenActivated
		cur.CurrentStopPrice = l.CurrentStopPrice
		cur.TrailingActivated = l.TrailingActivated
		cur.ProgressiveLevel = l.ProgressiveLevel
		cur.TimeStopExpiredAt = l.TimeStopExpiredAt
		return nil
	})
	return err
}

// evaluateTimeStop checks the position's age against its resolved TTL.
// Hard policy forces a close. Soft policy closes only past the fee gate;
// otherwise the expiry is recorded once and a throttled alert goes out.
func (m *Manager) evaluateTimeStop(ctx context.Context, l *lot.Lot, pnlPct decimal.Decimal) (*Trigger, bool) {
	decision, err := m.ttl.Resolve(ctx, l.Pair, m.market, m.regime.Regime(l.Pair))
	if err != nil {
		log.Warn().Err(err).Str("pair", l.Pair).Msg("Time-stop resolution failed, retrying next tick")
		return nil, false
	}

	ageHours := time.Since(l.OpenedAt).Hours()
	if ageHours < decision.TTLHours {
		return nil, false
	}

	if l.TimeStopDisabled {
		if decision.LogExpiryEvenIfDisabled {
			log.Info().
				Str("pair", l.Pair).
				Str("lot_id", l.LotID.String()).
				Float64("age_hours", ageHours).
				Float64("ttl_hours", decision.TTLHours).
				Msg("Time stop expired but disabled for this lot")
		}
		return nil, false
	}

	if decision.ClosePolicy == ts.PolicyHard {
		log.Info().
			Str("pair", l.Pair).
			Str("lot_id", l.LotID.String()).
			Float64("age_hours", ageHours).
			Float64("ttl_hours", decision.TTLHours).
			Str("source", decision.Source).
			Msg("Hard time stop hit")
		return &Trigger{Reason: ReasonTimeStopHard, Qty: l.Amount, Risk: true}, false
	}

	// Soft policy: close only once profit clears the fee gate.
	if pnlPct.GreaterThanOrEqual(minCloseNetPct(l.Snapshot)) {
		log.Info().
			Str("pair", l.Pair).
			Str("lot_id", l.LotID.String()).
			Str("pnl_pct", pnlPct.StringFixed(2)).
			Msg("Soft time stop hit in profit")
		return &Trigger{Reason: ReasonTimeStopSoft, Qty: l.Amount}, false
	}

	changed := false
	if l.TimeStopExpiredAt == nil {
		now := time.Now()
		l.TimeStopExpiredAt = &now
		changed = true
		log.Info().
			Str("pair", l.Pair).
			Str("lot_id", l.LotID.String()).
			Float64("age_hours", ageHours).
			Msg("Soft time stop expired, holding for profit or manual action")
	}

	if decision.AlertEnabled && m.shouldAlertExpiry(l.LotID) {
		m.notifier.Notify(alert.Event{
			Severity: alert.SeverityWarning,
			Kind:     "TIME_STOP_EXPIRED",
			Pair:     l.Pair,
			LotID:    l.LotID,
			Reason:   ReasonTimeStopSoft,
			Message:  "Position past its TTL, below the fee gate, left open",
			Fields: map[string]string{
				"age_hours": decimal.NewFromFloat(ageHours).StringFixed(1),
				"ttl_hours": decimal.NewFromFloat(decision.TTLHours).StringFixed(1),
				"pnl_pct":   pnlPct.StringFixed(2),
			},
		})
	}

	return nil, changed
}

// shouldAlertExpiry rate-limits soft expiry alerts to one per hour per lot.
// The throttle map is process-local and starts empty after a restart.
func (m *Manager) shouldAlertExpiry(lotID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.expiryAlerts[lotID]; ok && time.Since(last) < expiryAlertInterval {
		return false
	}
	m.expiryAlerts[lotID] = time.Now()
	return true
}
