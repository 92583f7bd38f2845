package loyalty

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/internal/domain"
)

type staticTiers []domain.LoyaltyTier

func (s staticTiers) ListActiveTiers(context.Context) ([]domain.LoyaltyTier, error) {
	return s, nil
}

type failingTiers struct{}

func (failingTiers) ListActiveTiers(context.Context) ([]domain.LoyaltyTier, error) {
	return nil, errors.New("tiers offline")
}

func pct(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func testTiers() staticTiers {
	return staticTiers{
		{ID: 4, Name: "Platine", MinPoints: 1000, DiscountPercentage: pct("12"), Active: true},
		{ID: 1, Name: "Bronze", MinPoints: 100, DiscountPercentage: pct("2"), Active: true},
		{ID: 3, Name: "Or", MinPoints: 600, DiscountPercentage: pct("8"), Active: true},
		{ID: 2, Name: "Argent", MinPoints: 300, DiscountPercentage: pct("5"), Active: true},
	}
}

func newTestEngine() *Engine {
	return NewEngine(DefaultConfig(), testTiers())
}

func TestTierForPicksHighestQualifyingTier(t *testing.T) {
	engine := newTestEngine()
	ctx := context.Background()

	cases := map[int]string{
		0:    "",
		99:   "",
		100:  "Bronze",
		599:  "Argent",
		600:  "Or",
		5000: "Platine",
	}
	for points, want := range cases {
		tier, err := engine.TierFor(ctx, points)
		require.NoError(t, err)
		if want == "" {
			assert.Nil(t, tier, "points %d", points)
			continue
		}
		require.NotNil(t, tier, "points %d", points)
		assert.Equal(t, want, tier.Name, "points %d", points)
	}
}

func TestTierSelectionIsMonotonic(t *testing.T) {
	tiers := SortTiers(testTiers())
	for points := 0; points <= 1200; points += 7 {
		tier := SelectTier(tiers, points)
		if tier == nil {
			for _, candidate := range tiers {
				assert.Greater(t, candidate.MinPoints, points)
			}
			continue
		}
		assert.LessOrEqual(t, tier.MinPoints, points)
		for _, candidate := range tiers {
			if candidate.MinPoints <= points {
				assert.LessOrEqual(t, candidate.MinPoints, tier.MinPoints, "skipped tier %s at %d points", candidate.Name, points)
			}
		}
	}
}

func TestSelectTierIgnoresInactiveAndBreaksTiesByLaterID(t *testing.T) {
	tiers := SortTiers([]domain.LoyaltyTier{
		{ID: 1, Name: "Old", MinPoints: 100, DiscountPercentage: pct("1"), Active: true},
		{ID: 2, Name: "New", MinPoints: 100, DiscountPercentage: pct("3"), Active: true},
		{ID: 3, Name: "Hidden", MinPoints: 150, DiscountPercentage: pct("9"), Active: false},
	})

	tier := SelectTier(tiers, 200)
	require.NotNil(t, tier)
	assert.Equal(t, "New", tier.Name)
}

func TestApplyDiscountGoldCustomer(t *testing.T) {
	engine := newTestEngine()
	customer := &domain.Customer{ID: 1, LoyaltyPoints: 600}

	discount, err := engine.ApplyDiscount(context.Background(), decimal.NewFromInt(1000), customer)
	require.NoError(t, err)
	assert.True(t, discount.Percentage.Equal(pct("8")))
	assert.True(t, discount.Amount.Equal(decimal.NewFromInt(80)))
	assert.True(t, discount.Final.Equal(decimal.NewFromInt(920)))
	assert.Equal(t, 92, engine.PointsEarned(discount.Final))
}

func TestApplyDiscountWithoutCustomerOrAmount(t *testing.T) {
	engine := newTestEngine()
	ctx := context.Background()

	discount, err := engine.ApplyDiscount(ctx, decimal.NewFromInt(500), nil)
	require.NoError(t, err)
	assert.True(t, discount.Final.Equal(decimal.NewFromInt(500)))
	assert.True(t, discount.Amount.IsZero())

	discount, err = engine.ApplyDiscount(ctx, decimal.Zero, &domain.Customer{LoyaltyPoints: 5000})
	require.NoError(t, err)
	assert.True(t, discount.Percentage.IsZero())

	discount, err = engine.ApplyDiscount(ctx, decimal.NewFromInt(500), &domain.Customer{LoyaltyPoints: 10})
	require.NoError(t, err)
	assert.True(t, discount.Final.Equal(decimal.NewFromInt(500)))
}

func TestApplyRoundsOnce(t *testing.T) {
	d := Apply(pct("33.35"), pct("5"))
	assert.Equal(t, "1.67", d.Amount.StringFixed(2))
	assert.Equal(t, "31.68", d.Final.StringFixed(2))
}

func TestApplyDiscountPropagatesTierErrors(t *testing.T) {
	engine := NewEngine(DefaultConfig(), failingTiers{})
	_, err := engine.ApplyDiscount(context.Background(), decimal.NewFromInt(10), &domain.Customer{LoyaltyPoints: 700})
	assert.Error(t, err)
}

func TestPointsEarned(t *testing.T) {
	assert.Equal(t, 0, PointsEarned(decimal.NewFromInt(9), decimal.NewFromInt(10)))
	assert.Equal(t, 1, PointsEarned(decimal.RequireFromString("19.99"), decimal.NewFromInt(10)))
	assert.Equal(t, 0, PointsEarned(decimal.NewFromInt(-50), decimal.NewFromInt(10)))
	assert.Equal(t, 0, PointsEarned(decimal.NewFromInt(500), decimal.Zero))
}

func TestPointsValue(t *testing.T) {
	engine := newTestEngine()
	assert.Equal(t, "9.20", engine.PointsValue(92).StringFixed(2))
}

func TestNextTier(t *testing.T) {
	engine := newTestEngine()
	ctx := context.Background()

	next, needed, err := engine.NextTier(ctx, &domain.Customer{LoyaltyPoints: 450})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "Or", next.Name)
	assert.Equal(t, 150, needed)

	next, needed, err = engine.NextTier(ctx, &domain.Customer{LoyaltyPoints: 1500})
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, 0, needed)
}

func TestInfoForStandardCustomer(t *testing.T) {
	engine := newTestEngine()
	info, err := engine.Info(context.Background(), domain.Customer{ID: 9, FirstName: "Awa", LastName: "Diallo", LoyaltyPoints: 40})
	require.NoError(t, err)
	assert.Equal(t, StandardTierName, info.CurrentTier)
	assert.Equal(t, "Bronze", info.NextTier)
	assert.Equal(t, 60, info.PointsToNext)
	assert.Equal(t, "Awa Diallo", info.CustomerName)
}
