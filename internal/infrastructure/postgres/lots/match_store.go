package lots

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
)

// MatchStore implements lot.MatchStore on trade.lots / trade.lot_matches.
// The transaction row-locks the pair's open lots for its whole duration,
// which is the one place true mutual exclusion is required.
type MatchStore struct {
	db *pgxpool.Pool
}

// NewMatchStore creates a new match store
func NewMatchStore(db *pgxpool.Pool) *MatchStore {
	return &MatchStore{db: db}
}

// WithTx runs fn inside a transaction; rollback on error, commit otherwise
func (s *MatchStore) WithTx(ctx context.Context, fn func(tx lot.MatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&matchTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

type matchTx struct {
	tx pgx.Tx
}

// LockOpenLots loads and row-locks the open lots for a pair, oldest first
func (t *matchTx) LockOpenLots(ctx context.Context, pair string) ([]*lot.Lot, error) {
	query := `
		SELECT ` + lotColumns + `
		FROM trade.lots
		WHERE pair = $1 AND status = $2
		ORDER BY opened_at ASC
		FOR UPDATE
	`

	rows, err := t.tx.Query(ctx, query, pair, lot.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("lock open lots: %w", err)
	}
	defer rows.Close()

	return collectLots(rows)
}

// GetMatch retrieves an existing match for the idempotency key, (nil, nil) when absent
func (t *matchTx) GetMatch(ctx context.Context, sellFillTxID string, lotID uuid.UUID) (*lot.LotMatch, error) {
	query := `
		SELECT sell_fill_txid, lot_id, pair, matched_qty, buy_price, sell_price,
		       buy_fee_allocated, sell_fee_allocated, pnl_net, created_ts
		FROM trade.lot_matches
		WHERE sell_fill_txid = $1 AND lot_id = $2
	`

	var m lot.LotMatch
	err := t.tx.QueryRow(ctx, query, sellFillTxID, lotID).Scan(
		&m.SellFillTxID, &m.LotID, &m.Pair, &m.MatchedQty, &m.BuyPrice, &m.SellPrice,
		&m.BuyFeeAllocated, &m.SellFeeAllocated, &m.PnlNet, &m.CreatedTS,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query match: %w", err)
	}

	return &m, nil
}

// ListMatchesByFill retrieves every match recorded for a sell fill
func (t *matchTx) ListMatchesByFill(ctx context.Context, sellFillTxID string) ([]*lot.LotMatch, error) {
	query := `
		SELECT sell_fill_txid, lot_id, pair, matched_qty, buy_price, sell_price,
		       buy_fee_allocated, sell_fee_allocated, pnl_net, created_ts
		FROM trade.lot_matches
		WHERE sell_fill_txid = $1
		ORDER BY created_ts ASC
	`

	rows, err := t.tx.Query(ctx, query, sellFillTxID)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var matches []*lot.LotMatch
	for rows.Next() {
		var m lot.LotMatch
		if err := rows.Scan(
			&m.SellFillTxID, &m.LotID, &m.Pair, &m.MatchedQty, &m.BuyPrice, &m.SellPrice,
			&m.BuyFeeAllocated, &m.SellFeeAllocated, &m.PnlNet, &m.CreatedTS,
		); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}

	return matches, nil
}

// InsertMatch inserts a match row; lot.ErrMatchExists on unique violation
func (t *matchTx) InsertMatch(ctx context.Context, m *lot.LotMatch) error {
	query := `
		INSERT INTO trade.lot_matches (
			sell_fill_txid, lot_id, pair, matched_qty, buy_price, sell_price,
			buy_fee_allocated, sell_fee_allocated, pnl_net, created_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`

	_, err := t.tx.Exec(ctx, query,
		m.SellFillTxID, m.LotID, m.Pair, m.MatchedQty, m.BuyPrice, m.SellPrice,
		m.BuyFeeAllocated, m.SellFeeAllocated, m.PnlNet,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return lot.ErrMatchExists
		}
		return fmt.Errorf("insert match: %w", err)
	}

	return nil
}

// UpdateLotQty updates a lot's FIFO accounting fields
func (t *matchTx) UpdateLotQty(ctx context.Context, lotID uuid.UUID, qtyRemaining, qtyFilled decimal.Decimal) error {
	query := `
		UPDATE trade.lots
		SET qty_remaining = $2, qty_filled = $3, amount = $2, updated_ts = NOW()
		WHERE lot_id = $1
	`

	_, err := t.tx.Exec(ctx, query, lotID, qtyRemaining, qtyFilled)
	if err != nil {
		return fmt.Errorf("update lot qty: %w", err)
	}
	return nil
}

// DeleteLot removes a fully consumed lot
func (t *matchTx) DeleteLot(ctx context.Context, lotID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM trade.lots WHERE lot_id = $1`, lotID)
	if err != nil {
		return fmt.Errorf("delete lot: %w", err)
	}
	return nil
}
