package sale

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/internal/apperr"
	"pharmapos/internal/cart"
	"pharmapos/internal/domain"
	"pharmapos/internal/loyalty"
	"pharmapos/internal/metrics"
	"pharmapos/internal/seed"
	"pharmapos/internal/store/memory"
)

var cashier = domain.Actor{Username: "vendeur", Role: domain.RoleSeller, SessionID: "sess-1"}

type fixture struct {
	store   *memory.Store
	engine  *Engine
	loyalty *loyalty.Engine
	para    *domain.Medicament
	regular *domain.Customer
	gold    *domain.Customer
	clock   time.Time
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	for _, tier := range seed.Tiers() {
		_, err := s.CreateTier(ctx, tier)
		require.NoError(t, err)
	}

	para, err := s.CreateMedicament(ctx, domain.Medicament{
		Code: "PARA500", Name: "Paracetamol 500mg", SellingPrice: decimal.NewFromInt(1000),
		QuantityInStock: 20, StockThreshold: 10, Active: true,
	})
	require.NoError(t, err)
	regular, err := s.CreateCustomer(ctx, domain.Customer{FirstName: "Sekou", LastName: "Conde", TotalSpent: decimal.Zero, Active: true})
	require.NoError(t, err)
	gold, err := s.CreateCustomer(ctx, domain.Customer{FirstName: "Mariama", LastName: "Bah", LoyaltyPoints: 600, TotalSpent: decimal.Zero, Active: true})
	require.NoError(t, err)

	f := &fixture{
		store:   s,
		loyalty: loyalty.NewEngine(loyalty.DefaultConfig(), s),
		para:    para,
		regular: regular,
		gold:    gold,
		clock:   time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
		metrics: metrics.New(),
	}
	f.engine = NewEngine(s, DefaultConfig(), WithClock(func() time.Time { return f.clock }), WithMetrics(f.metrics))
	return f
}

func (f *fixture) cart() *cart.Cart {
	return cart.New(f.store, f.store, f.loyalty)
}

func (f *fixture) stockOf(t *testing.T, id int64) int {
	t.Helper()
	med, err := f.store.GetMedicament(context.Background(), id)
	require.NoError(t, err)
	return med.QuantityInStock
}

func TestCommitWithoutDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.cart()
	require.NoError(t, c.AddItem(ctx, f.para.ID, 1))
	require.NoError(t, c.SetCustomer(ctx, f.regular.ID))

	sale, err := f.engine.Commit(ctx, cashier, c)
	require.NoError(t, err)
	assert.Equal(t, "VNT-20250314-001", sale.Number)
	assert.Equal(t, domain.SaleStatusCompleted, sale.Status)
	assert.True(t, sale.Total.Equal(decimal.NewFromInt(1000)))
	assert.True(t, sale.DiscountAmount.IsZero())
	assert.Equal(t, 100, sale.PointsEarned)
	assert.Equal(t, "vendeur", sale.CashierUsername)
	require.Len(t, sale.Lines, 1)
	assert.Equal(t, "PARA500", sale.Lines[0].MedicamentCode)

	assert.Equal(t, 19, f.stockOf(t, f.para.ID))
	assert.True(t, c.IsEmpty(), "cart is cleared after commit")
	assert.Nil(t, c.Customer())

	movements, err := f.store.ListMovements(ctx, domain.MovementFilter{MedicamentID: &f.para.ID})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, domain.MovementExit, movements[0].Type)
	assert.Equal(t, -1, movements[0].Quantity)
	require.NotNil(t, movements[0].ReferenceID)
	assert.Equal(t, sale.ID, *movements[0].ReferenceID)
}

func TestCommitAppliesTierDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.cart()
	require.NoError(t, c.AddItem(ctx, f.para.ID, 1))
	require.NoError(t, c.SetCustomer(ctx, f.gold.ID))

	sale, err := f.engine.Commit(ctx, cashier, c)
	require.NoError(t, err)
	assert.True(t, sale.Subtotal.Equal(decimal.NewFromInt(1000)))
	assert.True(t, sale.DiscountPercentage.Equal(decimal.NewFromInt(8)))
	assert.True(t, sale.DiscountAmount.Equal(decimal.NewFromInt(80)))
	assert.True(t, sale.Total.Equal(decimal.NewFromInt(920)))
	assert.Equal(t, 92, sale.PointsEarned)

	customer, err := f.store.GetCustomer(ctx, f.gold.ID)
	require.NoError(t, err)
	assert.Equal(t, 692, customer.LoyaltyPoints)
	assert.True(t, customer.TotalSpent.Equal(decimal.NewFromInt(920)))
}

func TestCommitPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Commit(ctx, cashier, f.cart())
	assert.ErrorIs(t, err, apperr.EmptyCart)

	c := f.cart()
	require.NoError(t, c.AddItem(ctx, f.para.ID, 1))
	_, err = f.engine.Commit(ctx, domain.Actor{}, c)
	assert.ErrorIs(t, err, apperr.NotAuthenticated)
	assert.False(t, c.IsEmpty(), "refused commit keeps the cart")
	assert.Equal(t, 20, f.stockOf(t, f.para.ID))
}

func TestCommitRechecksLiveStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scarce, err := f.store.CreateMedicament(ctx, domain.Medicament{
		Code: "AMOX1G", Name: "Amoxicilline 1g", SellingPrice: decimal.NewFromInt(2500), QuantityInStock: 1, Active: true,
	})
	require.NoError(t, err)

	first, second := f.cart(), f.cart()
	require.NoError(t, first.AddItem(ctx, scarce.ID, 1))
	require.NoError(t, second.AddItem(ctx, scarce.ID, 1))

	_, err = f.engine.Commit(ctx, cashier, first)
	require.NoError(t, err)

	_, err = f.engine.Commit(ctx, domain.Actor{Username: "pharmacien"}, second)
	require.ErrorIs(t, err, apperr.InsufficientStock)
	available, ok := apperr.AvailableFrom(err)
	require.True(t, ok)
	assert.Equal(t, 0, available)
	assert.Equal(t, 0, f.stockOf(t, scarce.ID))
	assert.False(t, second.IsEmpty())
}

func TestSaleNumbersFollowTheClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	numbers := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		if i == 2 {
			f.clock = f.clock.AddDate(0, 0, 1)
		}
		c := f.cart()
		require.NoError(t, c.AddItem(ctx, f.para.ID, 1))
		sale, err := f.engine.Commit(ctx, cashier, c)
		require.NoError(t, err)
		numbers = append(numbers, sale.Number)
	}
	assert.Equal(t, []string{"VNT-20250314-001", "VNT-20250314-002", "VNT-20250315-001"}, numbers)
}

func TestCommitThenCancelRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.cart()
	require.NoError(t, c.AddItem(ctx, f.para.ID, 3))
	require.NoError(t, c.SetCustomer(ctx, f.gold.ID))

	sale, err := f.engine.Commit(ctx, cashier, c)
	require.NoError(t, err)
	assert.Equal(t, 17, f.stockOf(t, f.para.ID))

	f.clock = f.clock.Add(time.Hour)
	pharmacist := domain.Actor{Username: "pharmacien", Role: domain.RolePharmacist}
	cancelled, err := f.engine.Cancel(ctx, pharmacist, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, cancelled.Status)
	assert.Equal(t, "pharmacien", cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancelledAt)
	assert.True(t, cancelled.CancelledAt.Equal(f.clock))
	assert.True(t, cancelled.Total.Equal(sale.Total), "monetary fields are never edited")

	assert.Equal(t, 20, f.stockOf(t, f.para.ID))
	customer, err := f.store.GetCustomer(ctx, f.gold.ID)
	require.NoError(t, err)
	assert.Equal(t, 600, customer.LoyaltyPoints)
	assert.True(t, customer.TotalSpent.Equal(sale.Total), "lifetime spend is kept")

	movements, err := f.store.ListMovements(ctx, domain.MovementFilter{MedicamentID: &f.para.ID})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, domain.MovementEntry, movements[0].Type)
	assert.Equal(t, 3, movements[0].Quantity)

	_, err = f.engine.Cancel(ctx, pharmacist, sale.ID)
	assert.ErrorIs(t, err, apperr.AlreadyCancelled)
	assert.Equal(t, 20, f.stockOf(t, f.para.ID))

	_, err = f.engine.Cancel(ctx, pharmacist, 9999)
	assert.ErrorIs(t, err, apperr.NotFound)
	_, err = f.engine.Cancel(ctx, domain.Actor{}, sale.ID)
	assert.ErrorIs(t, err, apperr.NotAuthenticated)
}

func TestTotalsUseCustomerSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Both carts attach the customer at 0 points. The first commit lifts the
	// balance into Bronze but the second cart keeps its attach-time snapshot.
	first, second := f.cart(), f.cart()
	require.NoError(t, first.AddItem(ctx, f.para.ID, 1))
	require.NoError(t, first.SetCustomer(ctx, f.regular.ID))
	require.NoError(t, second.AddItem(ctx, f.para.ID, 1))
	require.NoError(t, second.SetCustomer(ctx, f.regular.ID))

	_, err := f.engine.Commit(ctx, cashier, first)
	require.NoError(t, err)
	sale, err := f.engine.Commit(ctx, cashier, second)
	require.NoError(t, err)
	assert.True(t, sale.DiscountAmount.IsZero())

	customer, err := f.store.GetCustomer(ctx, f.regular.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, customer.LoyaltyPoints, "points land on the live record")
}

func TestMetricsFollowOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.cart()
	require.NoError(t, c.AddItem(ctx, f.para.ID, 1))
	sale, err := f.engine.Commit(ctx, cashier, c)
	require.NoError(t, err)
	_, _ = f.engine.Commit(ctx, cashier, f.cart())
	_, err = f.engine.Cancel(ctx, cashier, sale.ID)
	require.NoError(t, err)

	families, err := f.metrics.Registry().Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, family := range families {
		found[family.GetName()] = true
	}
	assert.True(t, found["pharmapos_sales_total"])
	assert.True(t, found["pharmapos_sale_failures_total"])
}
