package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pharmapos/internal/domain"
)

type TierStore interface {
	ListActiveTiers(ctx context.Context) ([]domain.LoyaltyTier, error)
	CreateTier(ctx context.Context, tier domain.LoyaltyTier) (*domain.LoyaltyTier, error)
}

// CachedTierSource reads tiers through a TierCache. Cache failures are logged
// and never surface to the caller; the store stays the source of truth.
type CachedTierSource struct {
	store  TierStore
	cache  TierCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedTierSource(store TierStore, cache TierCache, ttl time.Duration, logger *zap.Logger) *CachedTierSource {
	if cache == nil {
		cache = NoopTierCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedTierSource{store: store, cache: cache, ttl: ttl, logger: logger}
}

func (s *CachedTierSource) ListActiveTiers(ctx context.Context) ([]domain.LoyaltyTier, error) {
	tiers, ok, err := s.cache.Get(ctx)
	if err != nil {
		s.logger.Warn("tier cache read failed", zap.Error(err))
	}
	if ok {
		return tiers, nil
	}

	tiers, err = s.store.ListActiveTiers(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, tiers, s.ttl); err != nil {
		s.logger.Warn("tier cache write failed", zap.Error(err))
	}
	return tiers, nil
}

func (s *CachedTierSource) CreateTier(ctx context.Context, tier domain.LoyaltyTier) (*domain.LoyaltyTier, error) {
	created, err := s.store.CreateTier(ctx, tier)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("tier cache invalidation failed", zap.Error(err))
	}
	return created, nil
}
