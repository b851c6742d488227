package timestop

import "context"

// Repository manages time-stop configuration rows.
type Repository interface {
	// GetConfig retrieves the config row for an exact (pair, market) key.
	// Returns (nil, nil) when no row exists.
	GetConfig(ctx context.Context, pair, market string) (*Config, error)

	// ListActive retrieves all active config rows (for the read cache).
	ListActive(ctx context.Context) ([]*Config, error)

	// UpsertConfig creates or updates a config row (admin action).
	UpsertConfig(ctx context.Context, cfg *Config) error

	// DeleteConfig removes a config row.
	DeleteConfig(ctx context.Context, pair, market string) error
}
