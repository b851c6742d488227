package timestop

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/timestop"
)

const configColumns = `
	pair, market, ttl_base_hours, factor_trend, factor_range, factor_transition,
	min_ttl_hours, max_ttl_hours, close_policy, close_order_type,
	limit_fallback_seconds, telegram_alert_enabled, log_expiry_even_if_disabled,
	is_active, updated_ts`

// ConfigRepository implements timestop.Repository on trade.time_stop_configs.
type ConfigRepository struct {
	db *pgxpool.Pool
}

// NewConfigRepository creates a new time-stop config repository
func NewConfigRepository(db *pgxpool.Pool) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// GetConfig retrieves the config row for an exact (pair, market) key
func (r *ConfigRepository) GetConfig(ctx context.Context, pair, market string) (*timestop.Config, error) {
	query := `SELECT ` + configColumns + ` FROM trade.time_stop_configs WHERE pair = $1 AND market = $2`

	var cfg timestop.Config
	err := r.db.QueryRow(ctx, query, pair, market).Scan(
		&cfg.Pair, &cfg.Market, &cfg.TTLBaseHours, &cfg.FactorTrend, &cfg.FactorRange, &cfg.FactorTransition,
		&cfg.MinTTLHours, &cfg.MaxTTLHours, &cfg.ClosePolicy, &cfg.CloseOrderType,
		&cfg.LimitFallbackSeconds, &cfg.TelegramAlertEnabled, &cfg.LogExpiryEvenIfDisabled,
		&cfg.IsActive, &cfg.UpdatedTS,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query time stop config: %w", err)
	}

	return &cfg, nil
}

// ListActive retrieves all active config rows
func (r *ConfigRepository) ListActive(ctx context.Context) ([]*timestop.Config, error) {
	query := `SELECT ` + configColumns + ` FROM trade.time_stop_configs WHERE is_active = TRUE`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query time stop configs: %w", err)
	}
	defer rows.Close()

	var configs []*timestop.Config
	for rows.Next() {
		var cfg timestop.Config

		err := rows.Scan(
			&cfg.Pair, &cfg.Market, &cfg.TTLBaseHours, &cfg.FactorTrend, &cfg.FactorRange, &cfg.FactorTransition,
			&cfg.MinTTLHours, &cfg.MaxTTLHours, &cfg.ClosePolicy, &cfg.CloseOrderType,
			&cfg.LimitFallbackSeconds, &cfg.TelegramAlertEnabled, &cfg.LogExpiryEvenIfDisabled,
			&cfg.IsActive, &cfg.UpdatedTS,
		)
		if err != nil {
			return nil, fmt.Errorf("scan time stop config: %w", err)
		}

		configs = append(configs, &cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return configs, nil
}

// UpsertConfig creates or updates a config row (admin action)
func (r *ConfigRepository) UpsertConfig(ctx context.Context, cfg *timestop.Config) error {
	query := `
		INSERT INTO trade.time_stop_configs (` + configColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (pair, market) DO UPDATE SET
			ttl_base_hours = EXCLUDED.ttl_base_hours,
			factor_trend = EXCLUDED.factor_trend,
			factor_range = EXCLUDED.factor_range,
			factor_transition = EXCLUDED.factor_transition,
			min_ttl_hours = EXCLUDED.min_ttl_hours,
			max_ttl_hours = EXCLUDED.max_ttl_hours,
			close_policy = EXCLUDED.close_policy,
			close_order_type = EXCLUDED.close_order_type,
			limit_fallback_seconds = EXCLUDED.limit_fallback_seconds,
			telegram_alert_enabled = EXCLUDED.telegram_alert_enabled,
			log_expiry_even_if_disabled = EXCLUDED.log_expiry_even_if_disabled,
			is_active = EXCLUDED.is_active,
			updated_ts = NOW()
	`

	_, err := r.db.Exec(ctx, query,
		cfg.Pair, cfg.Market, cfg.TTLBaseHours, cfg.FactorTrend, cfg.FactorRange, cfg.FactorTransition,
		cfg.MinTTLHours, cfg.MaxTTLHours, cfg.ClosePolicy, cfg.CloseOrderType,
		cfg.LimitFallbackSeconds, cfg.TelegramAlertEnabled, cfg.LogExpiryEvenIfDisabled, cfg.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert time stop config: %w", err)
	}

	return nil
}

// DeleteConfig removes a config row
func (r *ConfigRepository) DeleteConfig(ctx context.Context, pair, market string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM trade.time_stop_configs WHERE pair = $1 AND market = $2`, pair, market)
	if err != nil {
		return fmt.Errorf("delete time stop config: %w", err)
	}
	return nil
}
