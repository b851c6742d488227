package lot

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository manages lot persistence. All engine-side mutations go through
// the position store, which keeps the in-memory mirror write-through with
// these methods.
type Repository interface {
	// GetLot retrieves a lot by ID.
	GetLot(ctx context.Context, lotID uuid.UUID) (*Lot, error)

	// ListOpen retrieves all OPEN and PENDING_FILL lots.
	ListOpen(ctx context.Context) ([]*Lot, error)

	// ListOpenByPair retrieves all OPEN lots for a pair, oldest first.
	ListOpenByPair(ctx context.Context, pair string) ([]*Lot, error)

	// SaveLot creates or fully replaces a lot row.
	SaveLot(ctx context.Context, l *Lot) error

	// DeleteLot removes a lot row.
	DeleteLot(ctx context.Context, lotID uuid.UUID) error

	// UpdateHighestPrice raises the high-water mark. Never lowers it.
	UpdateHighestPrice(ctx context.Context, lotID uuid.UUID, price decimal.Decimal) error
}

// FillRepository stores exchange fills as immutable trade records.
type FillRepository interface {
	// InsertFill records a fill, idempotent by (exchange, txid).
	// Returns ErrFillExists when the record is already present.
	InsertFill(ctx context.Context, exchange string, f *Fill) error

	// ListFillsByOrder retrieves recorded fills for an order, oldest first.
	ListFillsByOrder(ctx context.Context, orderID string) ([]*Fill, error)
}

// MatchStore runs FIFO matching inside a storage transaction. The transaction
// must hold row locks on the pair's open lots for its whole duration; a fill
// reconciliation sync and an engine-triggered exit can race to match against
// the same lots.
type MatchStore interface {
	// WithTx runs fn inside a transaction; rollback on error, commit otherwise.
	WithTx(ctx context.Context, fn func(tx MatchTx) error) error
}

// MatchTx is the transactional view used by the FIFO matcher.
type MatchTx interface {
	// LockOpenLots loads and row-locks the open lots for a pair,
	// ordered by opened_at ascending.
	LockOpenLots(ctx context.Context, pair string) ([]*Lot, error)

	// GetMatch retrieves an existing match for the idempotency key.
	// Returns (nil, nil) when absent.
	GetMatch(ctx context.Context, sellFillTxID string, lotID uuid.UUID) (*LotMatch, error)

	// ListMatchesByFill retrieves every match recorded for a sell fill,
	// including matches whose lot has since been fully consumed and
	// deleted, in insertion order.
	ListMatchesByFill(ctx context.Context, sellFillTxID string) ([]*LotMatch, error)

	// InsertMatch inserts a match row. Returns ErrMatchExists when a
	// concurrent caller already inserted the same key.
	InsertMatch(ctx context.Context, m *LotMatch) error

	// UpdateLotQty updates a lot's FIFO accounting fields.
	UpdateLotQty(ctx context.Context, lotID uuid.UUID, qtyRemaining, qtyFilled decimal.Decimal) error

	// DeleteLot removes a fully consumed lot.
	DeleteLot(ctx context.Context, lotID uuid.UUID) error
}
