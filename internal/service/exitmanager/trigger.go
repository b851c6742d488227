// Package exitmanager decides, per open position on every engine tick,
// whether to fully or partially close it, and executes that decision exactly
// once per trigger.
package exitmanager

import "github.com/shopspring/decimal"

// Exit reasons.
const (
	ReasonUltimateStop  = "ULTIMATE_STOP_LOSS"
	ReasonTakeProfit    = "TAKE_PROFIT"
	ReasonBreakEvenStop = "BREAK_EVEN_STOP"
	ReasonTrailingStop  = "TRAILING_STOP"
	ReasonScaleOut      = "SCALE_OUT"
	ReasonTimeStopHard  = "TIME_STOP_HARD"
	ReasonTimeStopSoft  = "TIME_STOP_SOFT"
	ReasonEmergencyStop = "EMERGENCY_STOP"
	ReasonDailyLoss     = "DAILY_LOSS_LIMIT"
)

// Control modes for the engine-level kill switch.
const (
	ControlRunning     = "RUNNING"
	ControlPauseProfit = "PAUSE_PROFIT" // profit exits blocked, risk exits still run
	ControlPauseAll    = "PAUSE_ALL"    // nothing runs
)

// Trigger is one exit decision for one lot.
type Trigger struct {
	Reason string
	Qty    decimal.Decimal
	// Risk marks a loss-capping exit. Risk exits bypass the fee gate: a
	// loss-capping exit must never be blocked by a profitability check.
	Risk bool
	// Partial marks a scale-out: the lot stays open with a reduced amount.
	Partial bool
}

// riskReasons: stop-loss, emergency stop, daily loss limit, hard time stop
// and the armed break-even stop always proceed. Take-profit, trailing and
// soft time stop go through the fee gate.
func isRiskReason(reason string) bool {
	switch reason {
	case ReasonUltimateStop, ReasonEmergencyStop, ReasonDailyLoss, ReasonTimeStopHard, ReasonBreakEvenStop:
		return true
	}
	return false
}
