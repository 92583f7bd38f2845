package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
	"pharmapos/internal/store"
)

var _ store.Repository = (*Store)(nil)

func newTestStore(t *testing.T) (*Store, *domain.Medicament, *domain.Customer) {
	t.Helper()
	s := New()
	ctx := context.Background()
	med, err := s.CreateMedicament(ctx, domain.Medicament{
		Code:            "para500",
		Name:            "Paracetamol 500mg",
		Category:        "Antalgique",
		SellingPrice:    decimal.NewFromInt(1000),
		QuantityInStock: 5,
		StockThreshold:  10,
		Active:          true,
	})
	require.NoError(t, err)
	customer, err := s.CreateCustomer(ctx, domain.Customer{FirstName: "Mariama", LastName: "Bah", LoyaltyPoints: 600, TotalSpent: decimal.Zero, Active: true})
	require.NoError(t, err)
	return s, med, customer
}

func draftFor(med *domain.Medicament, qty int, customerID *int64, at time.Time) domain.SaleDraft {
	total := domain.LineTotal(qty, med.SellingPrice)
	return domain.SaleDraft{
		NumberPrefix:       "VNT",
		CustomerID:         customerID,
		CashierUsername:    "vendeur",
		SoldAt:             at,
		Subtotal:           total,
		DiscountPercentage: decimal.Zero,
		DiscountAmount:     decimal.Zero,
		Total:              total,
		PointsEarned:       int(total.Div(decimal.NewFromInt(10)).IntPart()),
		Lines: []domain.SaleLine{{
			MedicamentID:   med.ID,
			MedicamentCode: med.Code,
			MedicamentName: med.Name,
			Quantity:       qty,
			UnitPrice:      med.SellingPrice,
			LineTotal:      total,
		}},
	}
}

func TestCreateMedicamentNormalisesCode(t *testing.T) {
	s, med, _ := newTestStore(t)
	assert.Equal(t, "PARA500", med.Code)

	found, err := s.GetMedicamentByCode(context.Background(), " para500 ")
	require.NoError(t, err)
	assert.Equal(t, med.ID, found.ID)

	_, err = s.CreateMedicament(context.Background(), domain.Medicament{Code: "PARA500", Name: "Dup"})
	assert.ErrorIs(t, err, apperr.Validation)
}

func TestCommitSaleAppliesEverySideEffect(t *testing.T) {
	s, med, customer := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

	sale, err := s.CommitSale(ctx, draftFor(med, 2, &customer.ID, at))
	require.NoError(t, err)
	assert.Equal(t, "VNT-20250115-001", sale.Number)
	assert.Equal(t, domain.SaleStatusCompleted, sale.Status)
	assert.Equal(t, "Mariama Bah", sale.CustomerName)
	require.Len(t, sale.Lines, 1)
	assert.Equal(t, sale.ID, sale.Lines[0].SaleID)

	stocked, err := s.GetMedicament(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stocked.QuantityInStock)

	movements, err := s.ListMovements(ctx, domain.MovementFilter{MedicamentID: &med.ID})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, domain.MovementExit, movements[0].Type)
	assert.Equal(t, -2, movements[0].Quantity)
	assert.Equal(t, store.SaleReason, movements[0].Reason)
	require.NotNil(t, movements[0].ReferenceID)
	assert.Equal(t, sale.ID, *movements[0].ReferenceID)

	updated, err := s.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 800, updated.LoyaltyPoints)
	assert.True(t, updated.TotalSpent.Equal(decimal.NewFromInt(2000)))
}

func TestCommitSaleRefusesToOversell(t *testing.T) {
	s, med, customer := newTestStore(t)
	ctx := context.Background()

	_, err := s.CommitSale(ctx, draftFor(med, 6, &customer.ID, time.Now()))
	require.ErrorIs(t, err, apperr.InsufficientStock)
	available, ok := apperr.AvailableFrom(err)
	require.True(t, ok)
	assert.Equal(t, 5, available)

	stocked, _ := s.GetMedicament(ctx, med.ID)
	assert.Equal(t, 5, stocked.QuantityInStock)
	movements, _ := s.ListMovements(ctx, domain.MovementFilter{})
	assert.Empty(t, movements)
	untouched, _ := s.GetCustomer(ctx, customer.ID)
	assert.Equal(t, 600, untouched.LoyaltyPoints)
}

func TestConcurrentCommitsNeverDriveStockNegative(t *testing.T) {
	s, med, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CommitSale(ctx, draftFor(med, 1, nil, time.Now()))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.InsufficientStock)
	}
	assert.Equal(t, 5, succeeded)

	stocked, _ := s.GetMedicament(ctx, med.ID)
	assert.Equal(t, 0, stocked.QuantityInStock)
}

func TestSaleNumbersFollowDailySequence(t *testing.T) {
	s, med, _ := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

	first, err := s.CommitSale(ctx, draftFor(med, 1, nil, day))
	require.NoError(t, err)
	second, err := s.CommitSale(ctx, draftFor(med, 1, nil, day.Add(time.Hour)))
	require.NoError(t, err)
	nextDay, err := s.CommitSale(ctx, draftFor(med, 1, nil, day.AddDate(0, 0, 1)))
	require.NoError(t, err)

	assert.Equal(t, "VNT-20250115-001", first.Number)
	assert.Equal(t, "VNT-20250115-002", second.Number)
	assert.Equal(t, "VNT-20250116-001", nextDay.Number)

	byNumber, err := s.GetSaleByNumber(ctx, "VNT-20250115-002")
	require.NoError(t, err)
	assert.Equal(t, second.ID, byNumber.ID)
}

func TestCancelSaleRestoresStockAndClampsPoints(t *testing.T) {
	s, med, customer := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	sale, err := s.CommitSale(ctx, draftFor(med, 2, &customer.ID, at))
	require.NoError(t, err)

	s.mu.Lock()
	spent := s.customers[customer.ID]
	spent.LoyaltyPoints = 50
	s.customers[customer.ID] = spent
	s.mu.Unlock()

	cancelled, err := s.CancelSale(ctx, sale.ID, "pharmacien", at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, cancelled.Status)
	assert.Equal(t, "pharmacien", cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancelledAt)

	stocked, _ := s.GetMedicament(ctx, med.ID)
	assert.Equal(t, 5, stocked.QuantityInStock)

	reverted, _ := s.GetCustomer(ctx, customer.ID)
	assert.Equal(t, 0, reverted.LoyaltyPoints)
	assert.True(t, reverted.TotalSpent.Equal(decimal.NewFromInt(2000)), "lifetime spend is kept")

	movements, _ := s.ListMovements(ctx, domain.MovementFilter{MedicamentID: &med.ID})
	require.Len(t, movements, 2)
	assert.Equal(t, domain.MovementEntry, movements[0].Type)
	assert.Equal(t, 2, movements[0].Quantity)
	assert.Equal(t, store.CancellationReason(sale.Number), movements[0].Reason)

	_, err = s.CancelSale(ctx, sale.ID, "pharmacien", at.Add(2*time.Hour))
	assert.ErrorIs(t, err, apperr.AlreadyCancelled)
	again, _ := s.GetMedicament(ctx, med.ID)
	assert.Equal(t, 5, again.QuantityInStock)

	_, err = s.CancelSale(ctx, 404, "pharmacien", at)
	assert.ErrorIs(t, err, apperr.NotFound)
}

func TestApplyStockMovementFloorGuard(t *testing.T) {
	s, med, _ := newTestStore(t)
	ctx := context.Background()

	movement, qty, err := s.ApplyStockMovement(ctx, domain.StockMovement{
		MedicamentID: med.ID, Username: "pharmacien", Type: domain.MovementEntry, Quantity: 10, Reason: "Livraison",
	})
	require.NoError(t, err)
	assert.Equal(t, 15, qty)
	assert.NotZero(t, movement.ID)

	_, _, err = s.ApplyStockMovement(ctx, domain.StockMovement{
		MedicamentID: med.ID, Username: "pharmacien", Type: domain.MovementExit, Quantity: -16,
	})
	assert.ErrorIs(t, err, apperr.InsufficientStock)

	_, _, err = s.ApplyStockMovement(ctx, domain.StockMovement{MedicamentID: med.ID, Type: domain.MovementExit})
	assert.ErrorIs(t, err, apperr.Validation)

	stocked, _ := s.GetMedicament(ctx, med.ID)
	assert.Equal(t, 15, stocked.QuantityInStock)
}

func TestDailySummaryCountsCompletedSalesOnly(t *testing.T) {
	s, med, _ := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

	_, err := s.CommitSale(ctx, draftFor(med, 1, nil, day))
	require.NoError(t, err)
	cancelled, err := s.CommitSale(ctx, draftFor(med, 2, nil, day.Add(time.Hour)))
	require.NoError(t, err)
	_, err = s.CancelSale(ctx, cancelled.ID, "admin", day.Add(2*time.Hour))
	require.NoError(t, err)

	summary, err := s.DailySummary(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-15", summary.Date)
	assert.Equal(t, 1, summary.SalesCount)
	assert.True(t, summary.Total.Equal(decimal.NewFromInt(1000)))

	sales, err := s.ListSales(ctx, domain.DateOf(day), domain.DateOf(day).AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, cancelled.ID, sales[0].ID, "newest first")
}

func TestNewSeededLoadsDemoData(t *testing.T) {
	s, err := NewSeeded(nil)
	require.NoError(t, err)
	ctx := context.Background()

	meds, err := s.ListMedicaments(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, meds)

	tiers, err := s.ListActiveTiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 4)
	assert.Equal(t, "Bronze", tiers[0].Name)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

func TestSetStockLevelDiffsAgainstCurrentCount(t *testing.T) {
	s, med, _ := newTestStore(t)
	ctx := context.Background()

	// A sale lands after the counter read the shelf at 5.
	_, _, err := s.ApplyStockMovement(ctx, domain.StockMovement{
		MedicamentID: med.ID, Username: "vendeur", Type: domain.MovementExit, Quantity: -2,
	})
	require.NoError(t, err)

	movement, qty, err := s.SetStockLevel(ctx, domain.StockMovement{
		MedicamentID: med.ID, Username: "pharmacien", Reason: "Inventaire",
	}, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, qty)
	require.NotNil(t, movement)
	assert.Equal(t, domain.MovementAdjustment, movement.Type)
	assert.Equal(t, 1, movement.Quantity)

	movement, qty, err = s.SetStockLevel(ctx, domain.StockMovement{MedicamentID: med.ID, Username: "pharmacien"}, 4)
	require.NoError(t, err)
	assert.Nil(t, movement)
	assert.Equal(t, 4, qty)

	_, _, err = s.SetStockLevel(ctx, domain.StockMovement{MedicamentID: med.ID}, -1)
	assert.ErrorIs(t, err, apperr.Validation)
	_, _, err = s.SetStockLevel(ctx, domain.StockMovement{MedicamentID: 404}, 3)
	assert.ErrorIs(t, err, apperr.NotFound)

	stocked, _ := s.GetMedicament(ctx, med.ID)
	assert.Equal(t, 4, stocked.QuantityInStock)
	movements, _ := s.ListMovements(ctx, domain.MovementFilter{MedicamentID: &med.ID})
	assert.Len(t, movements, 2)
}
