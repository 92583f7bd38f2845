package cache

import (
	"context"
	"time"

	"pharmapos/internal/domain"
)

// TierCache holds the active loyalty tier list between store reads.
type TierCache interface {
	Get(ctx context.Context) ([]domain.LoyaltyTier, bool, error)
	Set(ctx context.Context, tiers []domain.LoyaltyTier, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopTierCache struct{}

func (NoopTierCache) Get(_ context.Context) ([]domain.LoyaltyTier, bool, error) {
	return nil, false, nil
}

func (NoopTierCache) Set(_ context.Context, _ []domain.LoyaltyTier, _ time.Duration) error {
	return nil
}

func (NoopTierCache) Invalidate(_ context.Context) error {
	return nil
}
