package service

import (
	"context"
	"sync"
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
	"pharmapos/internal/sale"
	"pharmapos/internal/seed"
	"pharmapos/internal/store/memory"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	store   *memory.Store
	para    *domain.Medicament
	amox    *domain.Medicament
	vitC    *domain.Medicament
	gold    *domain.Customer
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvAt(t, testNow)
}

func newTestEnvAt(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	for _, tier := range seed.Tiers() {
		_, err := repo.CreateTier(ctx, tier)
		require.NoError(t, err)
	}

	soon := now.AddDate(0, 0, 10)
	past := now.AddDate(0, 0, -3)
	para, err := repo.CreateMedicament(ctx, domain.Medicament{
		Code: "PARA500", Name: "Paracetamol 500mg", Category: "Antalgique",
		SellingPrice: decimal.NewFromInt(1000), QuantityInStock: 20, StockThreshold: 10, Active: true,
	})
	require.NoError(t, err)
	amox, err := repo.CreateMedicament(ctx, domain.Medicament{
		Code: "AMOX1G", Name: "Amoxicilline 1g", Category: "Antibiotique",
		SellingPrice: decimal.NewFromInt(2500), QuantityInStock: 4, StockThreshold: 5, ExpirationDate: &soon, Active: true,
	})
	require.NoError(t, err)
	vitC, err := repo.CreateMedicament(ctx, domain.Medicament{
		Code: "VITC", Name: "Vitamine C", Category: "Vitamine",
		SellingPrice: decimal.NewFromInt(500), QuantityInStock: 50, ExpirationDate: &past, Active: true,
	})
	require.NoError(t, err)
	gold, err := repo.CreateCustomer(ctx, domain.Customer{
		FirstName: "Mariama", LastName: "Bah", LoyaltyPoints: 600, TotalSpent: decimal.Zero, Active: true,
	})
	require.NoError(t, err)

	m := metrics.New()
	clock := func() time.Time { return now }
	engine := loyalty.NewEngine(loyalty.DefaultConfig(), repo)
	sales := sale.NewEngine(repo, sale.DefaultConfig(), sale.WithClock(clock), sale.WithMetrics(m))
	svc := New(repo, engine, sales, Config{StockDefaultThreshold: 10, ExpiryAlertDays: 30}, WithClock(clock), WithMetrics(m))
	return &testEnv{svc: svc, store: repo, para: para, amox: amox, vitC: vitC, gold: gold, metrics: m}
}

func actorCtx(username string, role domain.Role, sessionID string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: role, SessionID: sessionID})
}

func TestCartRequiresSignedInSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Cart(context.Background())
	assert.ErrorIs(t, err, apperr.NotAuthenticated)

	_, err = env.svc.AddToCart(WithActor(context.Background(), domain.Actor{Username: "vendeur"}), domain.CartItemAddRequest{MedicamentID: env.para.ID, Quantity: 1})
	assert.ErrorIs(t, err, apperr.NotAuthenticated, "a session id is required")
}

func TestCartsAreIsolatedPerSession(t *testing.T) {
	env := newTestEnv(t)
	first := actorCtx("vendeur", domain.RoleSeller, "sess-a")
	second := actorCtx("vendeur", domain.RoleSeller, "sess-b")

	view, err := env.svc.AddToCart(first, domain.CartItemAddRequest{MedicamentID: env.para.ID, Quantity: 2})
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.True(t, view.Totals.Subtotal.Equal(decimal.NewFromInt(2000)))

	other, err := env.svc.Cart(second)
	require.NoError(t, err)
	assert.Empty(t, other.Lines)
	assert.Equal(t, 2, env.svc.Sessions().Len())
}

func TestCartOperationsThroughSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := actorCtx("vendeur", domain.RoleSeller, "sess-1")

	_, err := env.svc.AddToCart(ctx, domain.CartItemAddRequest{MedicamentID: env.para.ID, Quantity: 1})
	require.NoError(t, err)
	_, err = env.svc.AddToCart(ctx, domain.CartItemAddRequest{MedicamentID: env.amox.ID, Quantity: 1})
	require.NoError(t, err)

	view, err := env.svc.SetCartQuantity(ctx, env.para.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, view.Totals.ItemsCount)

	_, err = env.svc.SetCartQuantity(ctx, env.amox.ID, 5)
	require.ErrorIs(t, err, apperr.InsufficientStock)
	available, ok := apperr.AvailableFrom(err)
	require.True(t, ok)
	assert.Equal(t, 4, available)

	view, err = env.svc.SetCartCustomer(ctx, env.gold.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Customer)
	assert.True(t, view.Totals.DiscountPercentage.Equal(decimal.NewFromInt(8)))
	assert.True(t, view.Totals.Total.Equal(decimal.NewFromInt(5060)))

	view, err = env.svc.ClearCartCustomer(ctx)
	require.NoError(t, err)
	assert.Nil(t, view.Customer)
	assert.True(t, view.Totals.Total.Equal(decimal.NewFromInt(5500)))

	view, err = env.svc.RemoveFromCart(ctx, env.amox.ID)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)

	_, err = env.svc.RemoveFromCart(ctx, env.amox.ID)
	assert.ErrorIs(t, err, apperr.NotFound)

	view, err = env.svc.NewSale(ctx)
	require.NoError(t, err)
	assert.Empty(t, view.Lines)
}

func TestCommitSaleFromSessionCart(t *testing.T) {
	env := newTestEnv(t)
	ctx := actorCtx("vendeur", domain.RoleSeller, "sess-1")

	_, err := env.svc.CommitSale(ctx)
	require.ErrorIs(t, err, apperr.EmptyCart)

	_, err = env.svc.AddToCart(ctx, domain.CartItemAddRequest{MedicamentID: env.para.ID, Quantity: 2})
	require.NoError(t, err)
	_, err = env.svc.SetCartCustomer(ctx, env.gold.ID)
	require.NoError(t, err)

	committed, err := env.svc.CommitSale(ctx)
	require.NoError(t, err)
	assert.Equal(t, "VNT-20250314-001", committed.Number)
	assert.Equal(t, "vendeur", committed.CashierUsername)
	assert.True(t, committed.Total.Equal(decimal.NewFromInt(1840)))

	view, err := env.svc.Cart(ctx)
	require.NoError(t, err)
	assert.Empty(t, view.Lines, "cart is empty after commit")

	byNumber, err := env.svc.GetSaleByNumber(ctx, committed.Number)
	require.NoError(t, err)
	assert.Equal(t, committed.ID, byNumber.ID)

	today, err := env.svc.TodaySales(ctx)
	require.NoError(t, err)
	assert.Len(t, today, 1)

	history, err := env.svc.CustomerSales(ctx, env.gold.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	receipt, err := env.svc.Receipt(ctx, committed.ID)
	require.NoError(t, err)
	assert.Equal(t, committed.Number, receipt.SaleNumber)

	summary, err := env.svc.DailySummary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SalesCount)
	assert.True(t, summary.Total.Equal(decimal.NewFromInt(1840)))

	cancelled, err := env.svc.CancelSale(actorCtx("pharmacien", domain.RolePharmacist, "sess-2"), committed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, cancelled.Status)

	summary, err = env.svc.DailySummary(ctx, "2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.SalesCount, "cancelled sales leave the summary")
}

func TestConcurrentAddsOnOneSessionDoNotInterleave(t *testing.T) {
	env := newTestEnv(t)
	ctx := actorCtx("vendeur", domain.RoleSeller, "sess-1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.svc.AddToCart(ctx, domain.CartItemAddRequest{MedicamentID: env.para.ID, Quantity: 1})
		}()
	}
	wg.Wait()

	view, err := env.svc.Cart(ctx)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, 10, view.Lines[0].Quantity)
}

func TestDailySummaryRejectsBadDate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.DailySummary(context.Background(), "14/03/2025")
	assert.ErrorIs(t, err, apperr.Validation)
}

func TestDailySummaryUsesClockZone(t *testing.T) {
	evening := time.Date(2025, 3, 14, 21, 0, 0, 0, time.FixedZone("UTC-5", -5*3600))
	env := newTestEnvAt(t, evening)
	ctx := actorCtx("vendeur", domain.RoleSeller, "sess-1")

	_, err := env.svc.AddToCart(ctx, domain.CartItemAddRequest{MedicamentID: env.para.ID, Quantity: 1})
	require.NoError(t, err)
	committed, err := env.svc.CommitSale(ctx)
	require.NoError(t, err)
	assert.Equal(t, "VNT-20250314-001", committed.Number)

	today, err := env.svc.DailySummary(ctx, "")
	require.NoError(t, err)
	explicit, err := env.svc.DailySummary(ctx, "2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, today, explicit)
	assert.Equal(t, 1, explicit.SalesCount)
	assert.True(t, explicit.Total.Equal(decimal.NewFromInt(1000)))

	next, err := env.svc.DailySummary(ctx, "2025-03-15")
	require.NoError(t, err)
	assert.Zero(t, next.SalesCount)
}

func TestStockEntryExitAndAdjustment(t *testing.T) {
	env := newTestEnv(t)
	ctx := actorCtx("pharmacien", domain.RolePharmacist, "sess-1")

	resp, err := env.svc.AddStock(ctx, env.para.ID, domain.StockChangeRequest{Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, 25, resp.QuantityInStock)
	require.NotNil(t, resp.Movement)
	assert.Equal(t, domain.MovementEntry, resp.Movement.Type)
	assert.Equal(t, "Réapprovisionnement", resp.Movement.Reason)
	assert.Equal(t, "pharmacien", resp.Movement.Username)

	resp, err = env.svc.RemoveStock(ctx, env.para.ID, domain.StockChangeRequest{Quantity: 4, Reason: "Casse"})
	require.NoError(t, err)
	assert.Equal(t, 21, resp.QuantityInStock)
	assert.Equal(t, -4, resp.Movement.Quantity)
	assert.Equal(t, "Casse", resp.Movement.Reason)

	_, err = env.svc.RemoveStock(ctx, env.para.ID, domain.StockChangeRequest{Quantity: 100})
	require.ErrorIs(t, err, apperr.InsufficientStock)

	_, err = env.svc.AddStock(ctx, env.para.ID, domain.StockChangeRequest{Quantity: 0})
	assert.ErrorIs(t, err, apperr.Validation)

	resp, err = env.svc.AdjustStock(ctx, env.para.ID, domain.StockAdjustRequest{NewQuantity: 18})
	require.NoError(t, err)
	assert.Equal(t, 18, resp.QuantityInStock)
	assert.Equal(t, -3, resp.Movement.Quantity)
	assert.Equal(t, domain.MovementAdjustment, resp.Movement.Type)
	assert.Equal(t, "Ajustement inventaire", resp.Movement.Reason)

	resp, err = env.svc.AdjustStock(ctx, env.para.ID, domain.StockAdjustRequest{NewQuantity: 18})
	require.NoError(t, err)
	assert.Nil(t, resp.Movement, "unchanged count records nothing")

	_, err = env.svc.AdjustStock(ctx, env.para.ID, domain.StockAdjustRequest{NewQuantity: -1})
	assert.ErrorIs(t, err, apperr.Validation)

	movements, err := env.svc.ListMovements(ctx, domain.MovementFilter{MedicamentID: &env.para.ID})
	require.NoError(t, err)
	assert.Len(t, movements, 3)

	_, err = env.svc.AddStock(context.Background(), env.para.ID, domain.StockChangeRequest{Quantity: 1})
	assert.ErrorIs(t, err, apperr.NotAuthenticated)
}

func TestListMovementsRejectsInvertedRange(t *testing.T) {
	env := newTestEnv(t)
	from := testNow
	to := testNow.Add(-time.Hour)
	_, err := env.svc.ListMovements(context.Background(), domain.MovementFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, apperr.Validation)
}

func TestStockAlerts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	low, err := env.svc.LowStock(ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "AMOX1G", low[0].Code)

	expiring, err := env.svc.ExpiringSoon(ctx, 0)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "AMOX1G", expiring[0].Code)

	expiring, err = env.svc.ExpiringSoon(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, expiring)

	expired, err := env.svc.Expired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "VITC", expired[0].Code)

	alerts, err := env.svc.StockAlerts(ctx)
	require.NoError(t, err)
	assert.Len(t, alerts.LowStock, 1)
	assert.Len(t, alerts.ExpiringSoon, 1)
	assert.Len(t, alerts.Expired, 1)
	assert.True(t, alerts.GeneratedAt.Equal(testNow))
}

func TestDefaultThresholdAppliesToUnsetMedicaments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created, err := env.store.CreateMedicament(ctx, domain.Medicament{
		Code: "IBU400", Name: "Ibuprofene 400mg", SellingPrice: decimal.NewFromInt(1500), QuantityInStock: 7, Active: true,
	})
	require.NoError(t, err)

	med, err := env.svc.GetMedicament(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, med.StockThreshold)
	assert.True(t, med.IsLowStock())
}

func TestCatalogAndCustomerLookups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	med, err := env.svc.GetMedicamentByCode(ctx, "para500")
	require.NoError(t, err)
	assert.Equal(t, env.para.ID, med.ID)

	found, err := env.svc.SearchMedicaments(ctx, "amox", "", false)
	require.NoError(t, err)
	require.Len(t, found, 1)

	categories, err := env.svc.Categories(ctx)
	require.NoError(t, err)
	assert.Contains(t, categories, "Antibiotique")

	customers, err := env.svc.SearchCustomers(ctx, "bah")
	require.NoError(t, err)
	require.Len(t, customers, 1)

	info, err := env.svc.CustomerLoyaltyInfo(ctx, env.gold.ID)
	require.NoError(t, err)
	assert.Equal(t, "Or", info.CurrentTier)
	assert.Equal(t, "Platine", info.NextTier)
	assert.Equal(t, 400, info.PointsToNext)

	tiers, err := env.svc.ListTiers(ctx)
	require.NoError(t, err)
	assert.Len(t, tiers, 4)

	_, err = env.svc.CustomerSales(ctx, 9999)
	assert.ErrorIs(t, err, apperr.NotFound)
}

func TestSessionsDropIdle(t *testing.T) {
	env := newTestEnv(t)
	sessions := env.svc.Sessions()
	now := testNow
	sessions.now = func() time.Time { return now }

	require.NoError(t, sessions.With("old", func(*cart.Cart) error { return nil }))
	now = now.Add(2 * time.Hour)
	require.NoError(t, sessions.With("fresh", func(*cart.Cart) error { return nil }))

	assert.Equal(t, 1, sessions.DropIdle(time.Hour))
	assert.Equal(t, 1, sessions.Len())

	sessions.Drop("fresh")
	assert.Equal(t, 0, sessions.Len())
}
