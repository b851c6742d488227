package lots

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
)

const lotColumns = `
	lot_id, pair, exchange, entry_order_id, amount, entry_price, entry_fee, highest_price,
	opened_at, entry_mode, status,
	be_activated, current_stop_price, trailing_activated, scale_out_done,
	progressive_level, time_stop_disabled, time_stop_expired_at,
	qty_filled, qty_remaining, config_snapshot, updated_ts`

// LotRepository implements lot.Repository on trade.lots.
type LotRepository struct {
	db *pgxpool.Pool
}

// NewLotRepository creates a new lot repository
func NewLotRepository(db *pgxpool.Pool) *LotRepository {
	return &LotRepository{db: db}
}

// GetLot retrieves a lot by ID
func (r *LotRepository) GetLot(ctx context.Context, lotID uuid.UUID) (*lot.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM trade.lots WHERE lot_id = $1`

	row := r.db.QueryRow(ctx, query, lotID)
	l, err := scanLot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lot.ErrLotNotFound
		}
		return nil, fmt.Errorf("query lot: %w", err)
	}

	return l, nil
}

// ListOpen retrieves all OPEN and PENDING_FILL lots
func (r *LotRepository) ListOpen(ctx context.Context) ([]*lot.Lot, error) {
	query := `
		SELECT ` + lotColumns + `
		FROM trade.lots
		WHERE status IN ($1, $2)
		ORDER BY opened_at ASC
	`

	rows, err := r.db.Query(ctx, query, lot.StatusOpen, lot.StatusPendingFill)
	if err != nil {
		return nil, fmt.Errorf("query open lots: %w", err)
	}
	defer rows.Close()

	return collectLots(rows)
}

// ListOpenByPair retrieves all OPEN lots for a pair, oldest first
func (r *LotRepository) ListOpenByPair(ctx context.Context, pair string) ([]*lot.Lot, error) {
	query := `
		SELECT ` + lotColumns + `
		FROM trade.lots
		WHERE pair = $1 AND status = $2
		ORDER BY opened_at ASC
	`

	rows, err := r.db.Query(ctx, query, pair, lot.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("query open lots for pair: %w", err)
	}
	defer rows.Close()

	return collectLots(rows)
}

// SaveLot creates or fully replaces a lot row
func (r *LotRepository) SaveLot(ctx context.Context, l *lot.Lot) error {
	query := `
		INSERT INTO trade.lots (` + lotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, NOW())
		ON CONFLICT (lot_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			entry_price = EXCLUDED.entry_price,
			entry_fee = EXCLUDED.entry_fee,
			highest_price = EXCLUDED.highest_price,
			status = EXCLUDED.status,
			be_activated = EXCLUDED.be_activated,
			current_stop_price = EXCLUDED.current_stop_price,
			trailing_activated = EXCLUDED.trailing_activated,
			scale_out_done = EXCLUDED.scale_out_done,
			progressive_level = EXCLUDED.progressive_level,
			time_stop_disabled = EXCLUDED.time_stop_disabled,
			time_stop_expired_at = EXCLUDED.time_stop_expired_at,
			qty_filled = EXCLUDED.qty_filled,
			qty_remaining = EXCLUDED.qty_remaining,
			config_snapshot = EXCLUDED.config_snapshot,
			updated_ts = NOW()
	`

	_, err := r.db.Exec(ctx, query,
		l.LotID, l.Pair, l.Exchange, l.EntryOrderID, l.Amount, l.EntryPrice, l.EntryFee, l.HighestPrice,
		l.OpenedAt, l.EntryMode, l.Status,
		l.BreakEvenActivated, l.CurrentStopPrice, l.TrailingActivated, l.ScaleOutDone,
		l.ProgressiveLevel, l.TimeStopDisabled, l.TimeStopExpiredAt,
		l.QtyFilled, l.QtyRemaining, l.Snapshot,
	)
	if err != nil {
		return fmt.Errorf("save lot: %w", err)
	}

	return nil
}

// DeleteLot removes a lot row
func (r *LotRepository) DeleteLot(ctx context.Context, lotID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM trade.lots WHERE lot_id = $1`, lotID)
	if err != nil {
		return fmt.Errorf("delete lot: %w", err)
	}
	return nil
}

// UpdateHighestPrice raises the high-water mark. Never lowers it.
func (r *LotRepository) UpdateHighestPrice(ctx context.Context, lotID uuid.UUID, price decimal.Decimal) error {
	query := `
		UPDATE trade.lots
		SET highest_price = GREATEST(highest_price, $2), updated_ts = NOW()
		WHERE lot_id = $1
	`

	_, err := r.db.Exec(ctx, query, lotID, price)
	if err != nil {
		return fmt.Errorf("update highest price: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLot(row rowScanner) (*lot.Lot, error) {
	var l lot.Lot

	err := row.Scan(
		&l.LotID, &l.Pair, &l.Exchange, &l.EntryOrderID, &l.Amount, &l.EntryPrice, &l.EntryFee, &l.HighestPrice,
		&l.OpenedAt, &l.EntryMode, &l.Status,
		&l.BreakEvenActivated, &l.CurrentStopPrice, &l.TrailingActivated, &l.ScaleOutDone,
		&l.ProgressiveLevel, &l.TimeStopDisabled, &l.TimeStopExpiredAt,
		&l.QtyFilled, &l.QtyRemaining, &l.Snapshot, &l.UpdatedTS,
	)
	if err != nil {
		return nil, err
	}

	return &l, nil
}

func collectLots(rows pgx.Rows) ([]*lot.Lot, error) {
	var result []*lot.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		result = append(result, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return result, nil
}
