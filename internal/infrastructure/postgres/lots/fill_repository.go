package lots

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
)

// FillRepository implements lot.FillRepository on trade.fills.
type FillRepository struct {
	db *pgxpool.Pool
}

// NewFillRepository creates a new fill repository
func NewFillRepository(db *pgxpool.Pool) *FillRepository {
	return &FillRepository{db: db}
}

// InsertFill records a fill, idempotent by (exchange, txid).
// Returns lot.ErrFillExists when the record is already present.
func (r *FillRepository) InsertFill(ctx context.Context, exchange string, f *lot.Fill) error {
	query := `
		INSERT INTO trade.fills (
			exchange, txid, order_id, pair, side, price, amount, cost, fee, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (exchange, txid) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query,
		exchange, f.TxID, f.OrderID, f.Pair, f.Side,
		f.Price, f.Amount, f.Cost, f.Fee, f.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return lot.ErrFillExists
	}

	return nil
}

// ListFillsByOrder retrieves recorded fills for an order, oldest first
func (r *FillRepository) ListFillsByOrder(ctx context.Context, orderID string) ([]*lot.Fill, error) {
	query := `
		SELECT txid, order_id, pair, side, price, amount, cost, fee, executed_at
		FROM trade.fills
		WHERE order_id = $1
		ORDER BY executed_at ASC
	`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []*lot.Fill
	for rows.Next() {
		var f lot.Fill

		err := rows.Scan(
			&f.TxID, &f.OrderID, &f.Pair, &f.Side,
			&f.Price, &f.Amount, &f.Cost, &f.Fee, &f.ExecutedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}

		fills = append(fills, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return fills, nil
}
