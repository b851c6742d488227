package lot

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ====================
// Lot (trade.lots)
// ====================

// Lot represents one purchased, still-open quantity of a pair.
// Storage is authoritative; the engine keeps a write-through in-memory mirror.
type Lot struct {
	LotID    uuid.UUID `json:"lot_id"`
	Pair     string    `json:"pair"`
	Exchange string    `json:"exchange"`

	// EntryOrderID is the exchange order that opened the lot. Lets a
	// restart resume fill watching for PENDING_FILL lots.
	EntryOrderID string `json:"entry_order_id"`

	Amount       decimal.Decimal `json:"amount"`        // remaining quantity
	EntryPrice   decimal.Decimal `json:"entry_price"`   // weighted average entry
	EntryFee     decimal.Decimal `json:"entry_fee"`     // total entry fee paid
	HighestPrice decimal.Decimal `json:"highest_price"` // high-water mark since open

	OpenedAt  time.Time `json:"opened_at"`
	EntryMode string    `json:"entry_mode"`
	Status    string    `json:"status"`

	// Exit-state flags, mutated only by the exit manager. One-way ratchets
	// for the life of the lot.
	BreakEvenActivated bool             `json:"be_activated"`
	CurrentStopPrice   *decimal.Decimal `json:"current_stop_price"`
	TrailingActivated  bool             `json:"trailing_activated"`
	ScaleOutDone       bool             `json:"scale_out_done"`
	ProgressiveLevel   int              `json:"progressive_level"` // progressive break-even level passed (0..3)
	TimeStopDisabled   bool             `json:"time_stop_disabled"`
	TimeStopExpiredAt  *time.Time       `json:"time_stop_expired_at"`

	// FIFO accounting. QtyRemaining defaults to Amount when absent.
	QtyFilled    decimal.Decimal `json:"qty_filled"`
	QtyRemaining decimal.Decimal `json:"qty_remaining"`

	// Snapshot of all exit-relevant thresholds captured when the lot was
	// opened. Global config changes never apply retroactively.
	Snapshot ConfigSnapshot `json:"config_snapshot"`

	UpdatedTS time.Time `json:"updated_ts"`
}

// Lot Status
const (
	StatusPendingFill = "PENDING_FILL"
	StatusOpen        = "OPEN"
	StatusFailed      = "FAILED"
	StatusCancelled   = "CANCELLED"
)

// Entry Modes
const (
	EntryModeSmartGuard = "SMART_GUARD"
	EntryModeTest       = "TEST"
	EntryModeLegacy     = "LEGACY"
)

// RemainingQty returns QtyRemaining, falling back to Amount for lots written
// before FIFO accounting existed.
func (l *Lot) RemainingQty() decimal.Decimal {
	if l.QtyRemaining.IsZero() && l.Amount.IsPositive() && l.QtyFilled.IsZero() {
		return l.Amount
	}
	return l.QtyRemaining
}

// ====================
// ConfigSnapshot
// ====================

// ConfigSnapshot is the immutable per-lot copy of the exit thresholds.
type ConfigSnapshot struct {
	StopLossPct      float64 `json:"stop_loss_pct"`
	TakeProfitPct    float64 `json:"take_profit_pct"` // 0 disables fixed TP
	BreakEvenAtPct   float64 `json:"break_even_at_pct"`
	FeeCushionPct    float64 `json:"fee_cushion_pct"`
	TrailStartPct    float64 `json:"trail_start_pct"`
	TrailDistancePct float64 `json:"trail_distance_pct"`
	TrailStepPct     float64 `json:"trail_step_pct"`

	ScaleOutEnabled bool    `json:"scale_out_enabled"`
	ScaleOutPct     float64 `json:"scale_out_pct"`
	ScaleOutMinConf float64 `json:"scale_out_min_conf"`
	MinPartUSD      float64 `json:"min_part_usd"`

	ProfitBufferPct float64 `json:"profit_buffer_pct"`
	EntryFeePct     float64 `json:"entry_fee_pct"`
	ExitFeePct      float64 `json:"exit_fee_pct"`
	AdaptiveFeeGate bool    `json:"adaptive_fee_gate"`

	// EntryConfidence is the typed confidence of the entry signal, 0-100.
	// Nil means the signal did not report one; gates that depend on it
	// fail closed.
	EntryConfidence *float64 `json:"entry_confidence"`
}

// ====================
// Fill (trade.fills)
// ====================

// Fill is one exchange-reported execution event. Fills are immutable facts;
// a lot's amount and average price are derived by folding fills.
type Fill struct {
	TxID       string          `json:"txid"` // unique per exchange
	OrderID    string          `json:"order_id"`
	Pair       string          `json:"pair"`
	Side       string          `json:"side"` // buy | sell
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Cost       decimal.Decimal `json:"cost"`
	Fee        decimal.Decimal `json:"fee"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Fill sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// ====================
// LotMatch (trade.lot_matches)
// ====================

// LotMatch is an immutable ledger row produced when a sell fill is matched
// against one lot. (SellFillTxID, LotID) is the idempotency key.
type LotMatch struct {
	SellFillTxID     string          `json:"sell_fill_txid"`
	LotID            uuid.UUID       `json:"lot_id"`
	Pair             string          `json:"pair"`
	MatchedQty       decimal.Decimal `json:"matched_qty"`
	BuyPrice         decimal.Decimal `json:"buy_price"`
	SellPrice        decimal.Decimal `json:"sell_price"`
	BuyFeeAllocated  decimal.Decimal `json:"buy_fee_allocated"`
	SellFeeAllocated decimal.Decimal `json:"sell_fee_allocated"`
	PnlNet           decimal.Decimal `json:"pnl_net"`
	CreatedTS        time.Time       `json:"created_ts"`
}

// MatchResult is the outcome of matching one sell fill against the open lots.
type MatchResult struct {
	Matches   []*LotMatch     `json:"matches"`
	OrphanQty decimal.Decimal `json:"orphan_qty"` // sold quantity with no matching entry cost
	PnlNet    decimal.Decimal `json:"pnl_net"`    // sum over matches
}
