// Package fifo converts sell fills into realized P&L by consuming the
// oldest open lots first.
package fifo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/metrics"
)

// dustEpsilon is the residual below which a lot is considered fully consumed.
var dustEpsilon = decimal.New(1, -10)

// Matcher matches sell fills against open lots, exactly once per
// (sell_fill_txid, lot_id) pair.
type Matcher struct {
	store lot.MatchStore
}

// NewMatcher creates a new FIFO matcher
func NewMatcher(store lot.MatchStore) *Matcher {
	return &Matcher{store: store}
}

// MatchSellFill converts one sell fill into realized P&L against the oldest
// open lots for its pair. The whole match runs inside a storage transaction
// holding row locks on the pair's open lots. Calling it twice with the same
// fill is an idempotent replay: existing match rows are reconciled, not
// duplicated.
//
// Guarantee: sum(matchedQty) + orphanQty == fill.Amount, exactly.
func (m *Matcher) MatchSellFill(ctx context.Context, fill *lot.Fill) (*lot.MatchResult, error) {
	if fill.Side != lot.SideSell {
		return nil, fmt.Errorf("fifo match requires a sell fill, got %q", fill.Side)
	}
	if !fill.Amount.IsPositive() || !fill.Price.IsPositive() {
		return nil, fmt.Errorf("fifo match requires positive price/amount (txid=%s)", fill.TxID)
	}

	var result *lot.MatchResult

	err := m.store.WithTx(ctx, func(tx lot.MatchTx) error {
		lots, err := tx.LockOpenLots(ctx, fill.Pair)
		if err != nil {
			return fmt.Errorf("lock open lots: %w", err)
		}

		res, err := m.walkLots(ctx, tx, fill, lots)
		if err != nil {
			return err
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LotMatchesRecorded.Add(float64(len(result.Matches)))
	if result.OrphanQty.IsPositive() {
		orphan, _ := result.OrphanQty.Float64()
		metrics.OrphanQtyTotal.Add(orphan)
	}
	if pnl, _ := result.PnlNet.Float64(); pnl >= 0 {
		metrics.RealizedPnl.WithLabelValues(fill.Pair, "gain").Add(pnl)
	} else {
		metrics.RealizedPnl.WithLabelValues(fill.Pair, "loss").Add(-pnl)
	}

	log.Info().
		Str("pair", fill.Pair).
		Str("sell_fill_txid", fill.TxID).
		Int("matches", len(result.Matches)).
		Str("orphan_qty", result.OrphanQty.String()).
		Str("pnl_net", result.PnlNet.String()).
		Msg("Sell fill matched")

	return result, nil
}

// walkLots walks the locked lot queue head-first, consuming
// min(remaining, lot remaining) per lot.
func (m *Matcher) walkLots(ctx context.Context, tx lot.MatchTx, fill *lot.Fill, lots []*lot.Lot) (*lot.MatchResult, error) {
	result := &lot.MatchResult{
		OrphanQty: decimal.Zero,
		PnlNet:    decimal.Zero,
	}

	// Replay check before walking anything. Existing matches may reference
	// lots already fully consumed and deleted from the open-lot table; their
	// quantity still belongs to this fill and must never be re-matched
	// against younger lots.
	existing, err := tx.ListMatchesByFill(ctx, fill.TxID)
	if err != nil {
		return nil, err
	}
	matched := make(map[uuid.UUID]struct{}, len(existing))
	remaining := fill.Amount
	for _, em := range existing {
		remaining = remaining.Sub(em.MatchedQty)
		if remaining.IsNegative() {
			return nil, fmt.Errorf("%w: replay for lot %s (txid=%s)", lot.ErrQtyExceedsFill, em.LotID, fill.TxID)
		}
		matched[em.LotID] = struct{}{}
		result.Matches = append(result.Matches, em)
		result.PnlNet = result.PnlNet.Add(em.PnlNet)
	}

	for _, l := range lots {
		if !remaining.IsPositive() {
			break
		}
		if _, ok := matched[l.LotID]; ok {
			continue
		}

		lotRemaining := l.RemainingQty()
		if !lotRemaining.IsPositive() {
			continue
		}

		consume := decimal.Min(remaining, lotRemaining)
		match := buildMatch(fill, l, consume)

		if err := tx.InsertMatch(ctx, match); err != nil {
			if errors.Is(err, lot.ErrMatchExists) {
				// A concurrent caller won the race. Reconcile quantities
				// from the row it inserted instead of erroring.
				won, getErr := tx.GetMatch(ctx, fill.TxID, l.LotID)
				if getErr != nil {
					return nil, getErr
				}
				if won == nil {
					return nil, fmt.Errorf("match vanished after conflict (txid=%s lot=%s)", fill.TxID, l.LotID)
				}
				remaining = remaining.Sub(won.MatchedQty)
				if remaining.IsNegative() {
					return nil, fmt.Errorf("%w: conflict replay for lot %s (txid=%s)", lot.ErrQtyExceedsFill, l.LotID, fill.TxID)
				}
				result.Matches = append(result.Matches, won)
				result.PnlNet = result.PnlNet.Add(won.PnlNet)
				continue
			}
			return nil, err
		}

		newRemaining := lotRemaining.Sub(consume)
		newFilled := l.QtyFilled.Add(consume)
		if newRemaining.LessThanOrEqual(dustEpsilon) {
			// Fully consumed, remove from the open-lot table.
			if err := tx.DeleteLot(ctx, l.LotID); err != nil {
				return nil, err
			}
		} else {
			if err := tx.UpdateLotQty(ctx, l.LotID, newRemaining, newFilled); err != nil {
				return nil, err
			}
		}

		remaining = remaining.Sub(consume)
		result.Matches = append(result.Matches, match)
		result.PnlNet = result.PnlNet.Add(match.PnlNet)
	}

	// Sold quantity with no matching entry cost, e.g. externally deposited
	// assets. An accounting fact, not an error.
	result.OrphanQty = remaining
	if result.OrphanQty.IsNegative() {
		return nil, fmt.Errorf("%w: txid=%s", lot.ErrQtyExceedsFill, fill.TxID)
	}

	return result, nil
}

// buildMatch computes one match row with fees prorated by the fraction of
// the lot and of the fill consumed.
func buildMatch(fill *lot.Fill, l *lot.Lot, consume decimal.Decimal) *lot.LotMatch {
	lotTotal := l.QtyFilled.Add(l.RemainingQty())

	buyFeeAlloc := decimal.Zero
	if lotTotal.IsPositive() {
		buyFeeAlloc = l.EntryFee.Mul(consume).Div(lotTotal)
	}

	sellFeeAlloc := decimal.Zero
	if fill.Amount.IsPositive() {
		sellFeeAlloc = fill.Fee.Mul(consume).Div(fill.Amount)
	}

	pnlNet := fill.Price.Sub(l.EntryPrice).Mul(consume).Sub(buyFeeAlloc).Sub(sellFeeAlloc)

	return &lot.LotMatch{
		SellFillTxID:     fill.TxID,
		LotID:            l.LotID,
		Pair:             fill.Pair,
		MatchedQty:       consume,
		BuyPrice:         l.EntryPrice,
		SellPrice:        fill.Price,
		BuyFeeAllocated:  buyFeeAlloc,
		SellFeeAllocated: sellFeeAlloc,
		PnlNet:           pnlNet,
		CreatedTS:        time.Now(),
	}
}
