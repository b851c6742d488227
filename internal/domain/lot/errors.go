package lot

import "errors"

var (
	// ErrLotNotFound is returned when a lot does not exist in storage.
	ErrLotNotFound = errors.New("lot not found")

	// ErrMatchExists is returned when a lot match already exists for the
	// (sell_fill_txid, lot_id) pair. Callers treat it as an idempotent replay.
	ErrMatchExists = errors.New("lot match already exists")

	// ErrFillExists is returned when a trade record already exists for the
	// (exchange, txid) pair. Duplicate inserts are swallowed by callers.
	ErrFillExists = errors.New("fill already recorded")

	// ErrQtyExceedsFill indicates matched quantity exceeding the sell fill
	// amount. This is an invariant violation: the transaction is aborted,
	// other pairs are unaffected.
	ErrQtyExceedsFill = errors.New("matched quantity exceeds sell fill amount")
)
