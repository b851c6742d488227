// Package timestop resolves per-asset time-to-live for open lots.
// Pure computation over configuration plus a short-lived read cache.
package timestop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/timestop"
)

const cacheRefreshInterval = 5 * time.Minute

// Service resolves (pair, market, regime) to a clamped TTL and close policy.
type Service struct {
	repo timestop.Repository

	// Legacy single global TTL, used only when no per-asset config exists
	// at all. Preserves behavior of lots opened before per-asset configs.
	legacyTTLHours float64

	mu       sync.RWMutex
	cache    map[string]*timestop.Config // key: pair|market
	cachedAt time.Time
}

// NewService creates a new time-stop service
func NewService(repo timestop.Repository, legacyTTLHours float64) *Service {
	return &Service{
		repo:           repo,
		legacyTTLHours: legacyTTLHours,
		cache:          map[string]*timestop.Config{},
	}
}

// CalculateSmartTTL applies the regime factor and clamps to [minHours, maxHours].
func CalculateSmartTTL(baseHours, factor, minHours, maxHours float64) float64 {
	ttl := baseHours * factor
	if ttl < minHours {
		return minHours
	}
	if ttl > maxHours {
		return maxHours
	}
	return ttl
}

// Resolve resolves the TTL decision for a lot. Resolution order:
// exact (pair, market) row, wildcard (*, market) row, legacy global TTL.
func (s *Service) Resolve(ctx context.Context, pair, market, regime string) (*timestop.Decision, error) {
	if err := s.ensureCache(ctx); err != nil {
		return nil, fmt.Errorf("refresh time stop cache: %w", err)
	}

	s.mu.RLock()
	cfg := s.cache[cacheKey(pair, market)]
	if cfg == nil {
		cfg = s.cache[cacheKey(timestop.WildcardPair, market)]
	}
	s.mu.RUnlock()

	if cfg == nil {
		// No DB-side per-asset config at all for this market.
		return &timestop.Decision{
			TTLHours:     s.legacyTTLHours,
			ClosePolicy:  timestop.PolicySoft,
			AlertEnabled: true,
			Source:       timestop.SourceLegacy,
		}, nil
	}

	decision := &timestop.Decision{
		TTLHours:                CalculateSmartTTL(cfg.TTLBaseHours, cfg.RegimeFactor(regime), cfg.MinTTLHours, cfg.MaxTTLHours),
		ClosePolicy:             cfg.ClosePolicy,
		CloseOrderType:          cfg.CloseOrderType,
		LimitFallbackSeconds:    cfg.LimitFallbackSeconds,
		AlertEnabled:            cfg.TelegramAlertEnabled,
		LogExpiryEvenIfDisabled: cfg.LogExpiryEvenIfDisabled,
		Source:                  timestop.SourceWildcard,
	}
	if cfg.Pair == pair {
		decision.Source = timestop.SourceExact
	}

	return decision, nil
}

// UpsertConfig writes a config row and invalidates the cache, so the write
// is visible on the next read.
func (s *Service) UpsertConfig(ctx context.Context, cfg *timestop.Config) error {
	if err := s.repo.UpsertConfig(ctx, cfg); err != nil {
		return err
	}
	s.Invalidate()

	log.Info().
		Str("pair", cfg.Pair).
		Str("market", cfg.Market).
		Float64("ttl_base_hours", cfg.TTLBaseHours).
		Msg("Time stop config updated")

	return nil
}

// Invalidate drops the read cache. The next Resolve reloads from storage.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cachedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Service) ensureCache(ctx context.Context) error {
	s.mu.RLock()
	fresh := time.Since(s.cachedAt) < cacheRefreshInterval
	s.mu.RUnlock()

	if fresh {
		return nil
	}

	configs, err := s.repo.ListActive(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]*timestop.Config, len(configs))
	for _, cfg := range configs {
		next[cacheKey(cfg.Pair, cfg.Market)] = cfg
	}

	s.mu.Lock()
	s.cache = next
	s.cachedAt = time.Now()
	s.mu.Unlock()

	log.Debug().Int("count", len(configs)).Msg("Time stop config cache refreshed")

	return nil
}

func cacheKey(pair, market string) string {
	return pair + "|" + market
}
