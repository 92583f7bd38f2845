package loyalty

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"pharmapos/internal/domain"
)

const StandardTierName = "Standard"

type TierSource interface {
	ListActiveTiers(ctx context.Context) ([]domain.LoyaltyTier, error)
}

type Config struct {
	// PointsPerUnit is the amount of currency that earns one point.
	PointsPerUnit decimal.Decimal
	// PointValue is the currency value of one point.
	PointValue decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		PointsPerUnit: decimal.NewFromInt(10),
		PointValue:    decimal.RequireFromString("0.1"),
	}
}

type Discount struct {
	Final      decimal.Decimal
	Percentage decimal.Decimal
	Amount     decimal.Decimal
}

type Engine struct {
	cfg   Config
	tiers TierSource
}

func NewEngine(cfg Config, tiers TierSource) *Engine {
	return &Engine{cfg: cfg, tiers: tiers}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Tiers returns the active tiers ordered by minimum points, ties by id.
func (e *Engine) Tiers(ctx context.Context) ([]domain.LoyaltyTier, error) {
	if e.tiers == nil {
		return nil, nil
	}
	tiers, err := e.tiers.ListActiveTiers(ctx)
	if err != nil {
		return nil, err
	}
	return SortTiers(tiers), nil
}

func (e *Engine) TierFor(ctx context.Context, points int) (*domain.LoyaltyTier, error) {
	tiers, err := e.Tiers(ctx)
	if err != nil {
		return nil, err
	}
	return SelectTier(tiers, points), nil
}

// ApplyDiscount returns the customer's tier discount on amount. Without a
// customer, or for a non-positive amount, the amount comes back unchanged.
func (e *Engine) ApplyDiscount(ctx context.Context, amount decimal.Decimal, customer *domain.Customer) (Discount, error) {
	none := Discount{Final: amount, Percentage: decimal.Zero, Amount: decimal.Zero}
	if customer == nil || !amount.IsPositive() {
		return none, nil
	}
	tier, err := e.TierFor(ctx, customer.LoyaltyPoints)
	if err != nil {
		return Discount{}, err
	}
	if tier == nil || !tier.DiscountPercentage.IsPositive() {
		return none, nil
	}
	return Apply(amount, tier.DiscountPercentage), nil
}

func (e *Engine) PointsEarned(amount decimal.Decimal) int {
	return PointsEarned(amount, e.cfg.PointsPerUnit)
}

func (e *Engine) PointsValue(points int) decimal.Decimal {
	return domain.Round(e.cfg.PointValue.Mul(decimal.NewFromInt(int64(points))))
}

// NextTier returns the first tier above the customer's balance and the points
// still missing. A nil tier means the customer is already at the top.
func (e *Engine) NextTier(ctx context.Context, customer *domain.Customer) (*domain.LoyaltyTier, int, error) {
	if customer == nil {
		return nil, 0, nil
	}
	tiers, err := e.Tiers(ctx)
	if err != nil {
		return nil, 0, err
	}
	for i := range tiers {
		if tiers[i].MinPoints > customer.LoyaltyPoints {
			tier := tiers[i]
			return &tier, tier.MinPoints - customer.LoyaltyPoints, nil
		}
	}
	return nil, 0, nil
}

func (e *Engine) Info(ctx context.Context, customer domain.Customer) (domain.LoyaltyInfo, error) {
	current, err := e.TierFor(ctx, customer.LoyaltyPoints)
	if err != nil {
		return domain.LoyaltyInfo{}, err
	}
	next, needed, err := e.NextTier(ctx, &customer)
	if err != nil {
		return domain.LoyaltyInfo{}, err
	}

	info := domain.LoyaltyInfo{
		CustomerID:      customer.ID,
		CustomerName:    customer.FullName(),
		CurrentPoints:   customer.LoyaltyPoints,
		PointsValue:     e.PointsValue(customer.LoyaltyPoints),
		CurrentTier:     StandardTierName,
		CurrentDiscount: decimal.Zero,
		PointsToNext:    needed,
		TotalSpent:      customer.TotalSpent,
	}
	if current != nil {
		info.CurrentTier = current.Name
		info.CurrentDiscount = current.DiscountPercentage
	}
	if next != nil {
		info.NextTier = next.Name
	}
	return info, nil
}

// SelectTier picks the highest-threshold active tier whose minimum is at most
// points. tiers must be sorted with SortTiers; among equal minimums the last
// one wins.
func SelectTier(tiers []domain.LoyaltyTier, points int) *domain.LoyaltyTier {
	if points <= 0 {
		return nil
	}
	var selected *domain.LoyaltyTier
	for i := range tiers {
		if !tiers[i].Active || tiers[i].MinPoints > points {
			continue
		}
		if selected == nil || tiers[i].MinPoints >= selected.MinPoints {
			tier := tiers[i]
			selected = &tier
		}
	}
	return selected
}

func SortTiers(tiers []domain.LoyaltyTier) []domain.LoyaltyTier {
	sorted := make([]domain.LoyaltyTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MinPoints != sorted[j].MinPoints {
			return sorted[i].MinPoints < sorted[j].MinPoints
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// Apply computes discount = round(amount * pct / 100) and final =
// round(amount - discount).
func Apply(amount decimal.Decimal, pct decimal.Decimal) Discount {
	discount := domain.PercentOf(amount, pct)
	return Discount{
		Final:      domain.Round(amount.Sub(discount)),
		Percentage: pct,
		Amount:     discount,
	}
}

func PointsEarned(amount decimal.Decimal, perUnit decimal.Decimal) int {
	if !amount.IsPositive() || !perUnit.IsPositive() {
		return 0
	}
	return int(amount.Div(perUnit).Floor().IntPart())
}
