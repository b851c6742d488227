package timestop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/timestop"
)

type fakeRepo struct {
	configs   []*timestop.Config
	listCalls int
}

func (r *fakeRepo) GetConfig(ctx context.Context, pair, market string) (*timestop.Config, error) {
	for _, c := range r.configs {
		if c.Pair == pair && c.Market == market {
			return c, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) ListActive(ctx context.Context) ([]*timestop.Config, error) {
	r.listCalls++
	return r.configs, nil
}

func (r *fakeRepo) UpsertConfig(ctx context.Context, cfg *timestop.Config) error {
	for i, c := range r.configs {
		if c.Pair == cfg.Pair && c.Market == cfg.Market {
			r.configs[i] = cfg
			return nil
		}
	}
	r.configs = append(r.configs, cfg)
	return nil
}

func (r *fakeRepo) DeleteConfig(ctx context.Context, pair, market string) error {
	return nil
}

func TestCalculateSmartTTL(t *testing.T) {
	t.Run("scales by regime factor", func(t *testing.T) {
		assert.InDelta(t, 43.2, CalculateSmartTTL(36, 1.2, 4, 168), 1e-9)
	})

	t.Run("clamps to min", func(t *testing.T) {
		assert.Equal(t, 4.0, CalculateSmartTTL(36, 0.05, 4, 168))
	})

	t.Run("clamps to max", func(t *testing.T) {
		assert.Equal(t, 168.0, CalculateSmartTTL(200, 1.5, 4, 168))
	})

	t.Run("stays within bounds for a grid of inputs", func(t *testing.T) {
		bases := []float64{0, 1, 12, 36, 72, 500}
		factors := []float64{0, 0.3, 0.8, 1.0, 1.2, 3.0}
		for _, base := range bases {
			for _, factor := range factors {
				ttl := CalculateSmartTTL(base, factor, 4, 168)
				assert.GreaterOrEqual(t, ttl, 4.0)
				assert.LessOrEqual(t, ttl, 168.0)
			}
		}
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	exact := &timestop.Config{
		Pair: "XBT/USD", Market: "crypto",
		TTLBaseHours: 36, FactorTrend: 1.2, FactorRange: 0.8, FactorTransition: 1.0,
		MinTTLHours: 4, MaxTTLHours: 168,
		ClosePolicy: timestop.PolicySoft, IsActive: true,
	}
	wildcard := &timestop.Config{
		Pair: timestop.WildcardPair, Market: "crypto",
		TTLBaseHours: 24, FactorTrend: 1.5, FactorRange: 0.5, FactorTransition: 1.0,
		MinTTLHours: 6, MaxTTLHours: 96,
		ClosePolicy: timestop.PolicyHard, IsActive: true,
	}

	t.Run("exact row wins over wildcard", func(t *testing.T) {
		svc := NewService(&fakeRepo{configs: []*timestop.Config{exact, wildcard}}, 48)

		d, err := svc.Resolve(ctx, "XBT/USD", "crypto", timestop.RegimeTrend)
		require.NoError(t, err)
		assert.Equal(t, timestop.SourceExact, d.Source)
		assert.InDelta(t, 43.2, d.TTLHours, 1e-9)
		assert.Equal(t, timestop.PolicySoft, d.ClosePolicy)
	})

	t.Run("wildcard row used when no exact row", func(t *testing.T) {
		svc := NewService(&fakeRepo{configs: []*timestop.Config{wildcard}}, 48)

		d, err := svc.Resolve(ctx, "ETH/USD", "crypto", timestop.RegimeRange)
		require.NoError(t, err)
		assert.Equal(t, timestop.SourceWildcard, d.Source)
		assert.Equal(t, 12.0, d.TTLHours) // 24 * 0.5
		assert.Equal(t, timestop.PolicyHard, d.ClosePolicy)
	})

	t.Run("legacy global fallback when no rows at all", func(t *testing.T) {
		svc := NewService(&fakeRepo{}, 48)

		d, err := svc.Resolve(ctx, "ETH/USD", "crypto", timestop.RegimeTransition)
		require.NoError(t, err)
		assert.Equal(t, timestop.SourceLegacy, d.Source)
		assert.Equal(t, 48.0, d.TTLHours)
		assert.Equal(t, timestop.PolicySoft, d.ClosePolicy)
	})

	t.Run("unknown regime uses transition factor", func(t *testing.T) {
		svc := NewService(&fakeRepo{configs: []*timestop.Config{exact}}, 48)

		d, err := svc.Resolve(ctx, "XBT/USD", "crypto", "SIDEWAYS")
		require.NoError(t, err)
		assert.Equal(t, 36.0, d.TTLHours)
	})
}

func TestCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{}
	svc := NewService(repo, 48)

	// First resolve loads the (empty) cache and falls back to legacy.
	d, err := svc.Resolve(ctx, "XBT/USD", "crypto", timestop.RegimeTrend)
	require.NoError(t, err)
	assert.Equal(t, timestop.SourceLegacy, d.Source)
	assert.Equal(t, 1, repo.listCalls)

	// Second resolve within the refresh window does not hit storage.
	_, err = svc.Resolve(ctx, "XBT/USD", "crypto", timestop.RegimeTrend)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.listCalls)

	// A write invalidates: the writer's next read sees the new row.
	err = svc.UpsertConfig(ctx, &timestop.Config{
		Pair: "XBT/USD", Market: "crypto",
		TTLBaseHours: 10, FactorTrend: 1, FactorRange: 1, FactorTransition: 1,
		MinTTLHours: 1, MaxTTLHours: 100,
		ClosePolicy: timestop.PolicyHard, IsActive: true,
	})
	require.NoError(t, err)

	d, err = svc.Resolve(ctx, "XBT/USD", "crypto", timestop.RegimeTrend)
	require.NoError(t, err)
	assert.Equal(t, timestop.SourceExact, d.Source)
	assert.Equal(t, 10.0, d.TTLHours)
	assert.Equal(t, 2, repo.listCalls)
}
