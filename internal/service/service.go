package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"pharmapos/internal/apperr"
	"pharmapos/internal/cart"
	"pharmapos/internal/domain"
	"pharmapos/internal/loyalty"
	"pharmapos/internal/metrics"
	"pharmapos/internal/sale"
	"pharmapos/internal/store"
)

const (
	defaultEntryReason      = "Réapprovisionnement"
	defaultExitReason       = "Sortie manuelle"
	defaultAdjustmentReason = "Ajustement inventaire"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Config struct {
	// StockDefaultThreshold applies to medicaments stored without a
	// threshold of their own.
	StockDefaultThreshold int
	ExpiryAlertDays       int
}

type Service struct {
	repo     store.Repository
	loyalty  *loyalty.Engine
	sales    *sale.Engine
	sessions *Sessions
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.Named("service")
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(repo store.Repository, loyaltyEngine *loyalty.Engine, sales *sale.Engine, cfg Config, opts ...Option) *Service {
	if cfg.StockDefaultThreshold < 0 {
		cfg.StockDefaultThreshold = 10
	}
	if cfg.ExpiryAlertDays < 1 {
		cfg.ExpiryAlertDays = 30
	}

	s := &Service{
		repo:    repo,
		loyalty: loyaltyEngine,
		sales:   sales,
		cfg:     cfg,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = NewSessions(func() *cart.Cart {
		return cart.New(repo, repo, loyaltyEngine)
	})
	s.sessions.now = s.now
	return s
}

func (s *Service) Sessions() *Sessions {
	return s.sessions
}

func actorOf(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" || actor.SessionID == "" {
		return domain.Actor{}, apperr.New(apperr.NotAuthenticated, "no user is signed in")
	}
	return actor, nil
}

// withCart runs fn on the caller's session cart and returns the cart view
// afterwards, also when fn fails.
func (s *Service) withCart(ctx context.Context, fn func(c *cart.Cart) error) (domain.CartView, error) {
	actor, err := actorOf(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	var view domain.CartView
	err = s.sessions.With(actor.SessionID, func(c *cart.Cart) error {
		if err := fn(c); err != nil {
			return err
		}
		var viewErr error
		view, viewErr = c.View(ctx)
		return viewErr
	})
	if err != nil {
		return domain.CartView{}, err
	}
	return view, nil
}

func (s *Service) Cart(ctx context.Context) (domain.CartView, error) {
	return s.withCart(ctx, func(*cart.Cart) error { return nil })
}

// NewSale discards whatever the session's cart held.
func (s *Service) NewSale(ctx context.Context) (domain.CartView, error) {
	actor, err := actorOf(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	s.sessions.Reset(actor.SessionID)
	return s.Cart(ctx)
}

func (s *Service) AddToCart(ctx context.Context, req domain.CartItemAddRequest) (domain.CartView, error) {
	return s.withCart(ctx, func(c *cart.Cart) error {
		return c.AddItem(ctx, req.MedicamentID, req.Quantity)
	})
}

func (s *Service) SetCartQuantity(ctx context.Context, medicamentID int64, quantity int) (domain.CartView, error) {
	return s.withCart(ctx, func(c *cart.Cart) error {
		return c.SetItemQuantity(ctx, medicamentID, quantity)
	})
}

func (s *Service) RemoveFromCart(ctx context.Context, medicamentID int64) (domain.CartView, error) {
	return s.withCart(ctx, func(c *cart.Cart) error {
		return c.RemoveItem(medicamentID)
	})
}

func (s *Service) SetCartCustomer(ctx context.Context, customerID int64) (domain.CartView, error) {
	return s.withCart(ctx, func(c *cart.Cart) error {
		return c.SetCustomer(ctx, customerID)
	})
}

func (s *Service) ClearCartCustomer(ctx context.Context) (domain.CartView, error) {
	return s.withCart(ctx, func(c *cart.Cart) error {
		c.ClearCustomer()
		return nil
	})
}

// CommitSale commits the session cart under the session lock.
func (s *Service) CommitSale(ctx context.Context) (*domain.Sale, error) {
	actor, err := actorOf(ctx)
	if err != nil {
		return nil, err
	}
	var committed *domain.Sale
	err = s.sessions.With(actor.SessionID, func(c *cart.Cart) error {
		var commitErr error
		committed, commitErr = s.sales.Commit(ctx, actor, c)
		return commitErr
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (s *Service) CancelSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, apperr.New(apperr.NotAuthenticated, "no user is signed in")
	}
	return s.sales.Cancel(ctx, actor, saleID)
}

func (s *Service) Receipt(ctx context.Context, saleID int64) (sale.Receipt, error) {
	return s.sales.Receipt(ctx, saleID)
}

func (s *Service) GetSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, saleID)
}

func (s *Service) GetSaleByNumber(ctx context.Context, number string) (*domain.Sale, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, apperr.New(apperr.Validation, "sale number is required")
	}
	return s.repo.GetSaleByNumber(ctx, number)
}

func (s *Service) TodaySales(ctx context.Context) ([]domain.Sale, error) {
	from := domain.DateOf(s.now())
	return s.repo.ListSales(ctx, from, from.AddDate(0, 0, 1))
}

func (s *Service) CustomerSales(ctx context.Context, customerID int64) ([]domain.Sale, error) {
	if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListSalesByCustomer(ctx, customerID)
}

// DailySummary counts completed sales of the given YYYY-MM-DD day, today when
// date is empty.
func (s *Service) DailySummary(ctx context.Context, date string) (domain.DailySummary, error) {
	now := s.now()
	day := domain.DateOf(now)
	if strings.TrimSpace(date) != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(date), now.Location())
		if err != nil {
			return domain.DailySummary{}, apperr.New(apperr.Validation, "invalid date %q, expected YYYY-MM-DD", date)
		}
		day = parsed
	}
	return s.repo.DailySummary(ctx, day)
}

func (s *Service) GetMedicament(ctx context.Context, id int64) (*domain.Medicament, error) {
	med, err := s.repo.GetMedicament(ctx, id)
	if err != nil {
		return nil, err
	}
	s.applyDefaultThreshold(med)
	return med, nil
}

func (s *Service) GetMedicamentByCode(ctx context.Context, code string) (*domain.Medicament, error) {
	med, err := s.repo.GetMedicamentByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.applyDefaultThreshold(med)
	return med, nil
}

func (s *Service) SearchMedicaments(ctx context.Context, keyword string, category string, inStockOnly bool) ([]domain.Medicament, error) {
	meds, err := s.repo.SearchMedicaments(ctx, keyword, category, inStockOnly)
	if err != nil {
		return nil, err
	}
	for i := range meds {
		s.applyDefaultThreshold(&meds[i])
	}
	return meds, nil
}

func (s *Service) Categories(ctx context.Context) ([]string, error) {
	return s.repo.Categories(ctx)
}

func (s *Service) applyDefaultThreshold(med *domain.Medicament) {
	if med.StockThreshold <= 0 {
		med.StockThreshold = s.cfg.StockDefaultThreshold
	}
}

func (s *Service) AddStock(ctx context.Context, medicamentID int64, req domain.StockChangeRequest) (domain.StockChangeResponse, error) {
	if req.Quantity <= 0 {
		return domain.StockChangeResponse{}, apperr.New(apperr.Validation, "quantity must be positive")
	}
	return s.applyMovement(ctx, medicamentID, domain.MovementEntry, req.Quantity, reasonOr(req.Reason, defaultEntryReason))
}

func (s *Service) RemoveStock(ctx context.Context, medicamentID int64, req domain.StockChangeRequest) (domain.StockChangeResponse, error) {
	if req.Quantity <= 0 {
		return domain.StockChangeResponse{}, apperr.New(apperr.Validation, "quantity must be positive")
	}
	return s.applyMovement(ctx, medicamentID, domain.MovementExit, -req.Quantity, reasonOr(req.Reason, defaultExitReason))
}

// AdjustStock sets the stock to an absolute count and records the signed
// difference against the count the store holds at that moment. An unchanged
// count records nothing.
func (s *Service) AdjustStock(ctx context.Context, medicamentID int64, req domain.StockAdjustRequest) (domain.StockChangeResponse, error) {
	if req.NewQuantity < 0 {
		return domain.StockChangeResponse{}, apperr.New(apperr.Validation, "stock cannot be set below zero")
	}
	actor, err := actorOf(ctx)
	if err != nil {
		return domain.StockChangeResponse{}, err
	}
	movement, stock, err := s.repo.SetStockLevel(ctx, domain.StockMovement{
		MedicamentID: medicamentID,
		Username:     actor.Username,
		Type:         domain.MovementAdjustment,
		Reason:       reasonOr(req.Reason, defaultAdjustmentReason),
		CreatedAt:    s.now().UTC(),
	}, req.NewQuantity)
	if err != nil {
		return domain.StockChangeResponse{}, err
	}
	if movement != nil {
		s.recordMovement(*movement, stock, actor)
	}
	return domain.StockChangeResponse{MedicamentID: medicamentID, QuantityInStock: stock, Movement: movement}, nil
}

func (s *Service) applyMovement(ctx context.Context, medicamentID int64, movementType string, quantity int, reason string) (domain.StockChangeResponse, error) {
	actor, err := actorOf(ctx)
	if err != nil {
		return domain.StockChangeResponse{}, err
	}
	movement, stock, err := s.repo.ApplyStockMovement(ctx, domain.StockMovement{
		MedicamentID: medicamentID,
		Username:     actor.Username,
		Type:         movementType,
		Quantity:     quantity,
		Reason:       reason,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.InsufficientStock {
			s.logger.Warn("stock movement refused", zap.Int64("medicament_id", medicamentID), zap.Int("quantity", quantity), zap.Error(err))
		}
		return domain.StockChangeResponse{}, err
	}

	s.recordMovement(*movement, stock, actor)
	return domain.StockChangeResponse{MedicamentID: medicamentID, QuantityInStock: stock, Movement: movement}, nil
}

func (s *Service) recordMovement(movement domain.StockMovement, stock int, actor domain.Actor) {
	s.metrics.RecordStockMovement(movement.Type)
	s.logger.Info("stock movement recorded",
		zap.Int64("medicament_id", movement.MedicamentID),
		zap.String("type", movement.Type),
		zap.Int("quantity", movement.Quantity),
		zap.Int("stock", stock),
		zap.String("by", actor.Username))
}

func (s *Service) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, apperr.New(apperr.Validation, "movement range ends before it starts")
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 200
	}
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) LowStock(ctx context.Context) ([]domain.Medicament, error) {
	return s.filterCatalog(ctx, func(med domain.Medicament) bool {
		return med.IsLowStock()
	}, byQuantity)
}

// ExpiringSoon lists medicaments expiring within days, using the configured
// window when days is not positive. Already expired ones are left to Expired.
func (s *Service) ExpiringSoon(ctx context.Context, days int) ([]domain.Medicament, error) {
	if days <= 0 {
		days = s.cfg.ExpiryAlertDays
	}
	now := s.now()
	return s.filterCatalog(ctx, func(med domain.Medicament) bool {
		return med.ExpiresWithin(now, days)
	}, byExpiry)
}

func (s *Service) Expired(ctx context.Context) ([]domain.Medicament, error) {
	now := s.now()
	return s.filterCatalog(ctx, func(med domain.Medicament) bool {
		return med.IsExpired(now)
	}, byExpiry)
}

func (s *Service) StockAlerts(ctx context.Context) (domain.StockAlerts, error) {
	low, err := s.LowStock(ctx)
	if err != nil {
		return domain.StockAlerts{}, err
	}
	expiring, err := s.ExpiringSoon(ctx, 0)
	if err != nil {
		return domain.StockAlerts{}, err
	}
	expired, err := s.Expired(ctx)
	if err != nil {
		return domain.StockAlerts{}, err
	}
	return domain.StockAlerts{
		LowStock:     low,
		ExpiringSoon: expiring,
		Expired:      expired,
		GeneratedAt:  s.now().UTC(),
	}, nil
}

func (s *Service) filterCatalog(ctx context.Context, keep func(domain.Medicament) bool, less func(a, b domain.Medicament) bool) ([]domain.Medicament, error) {
	meds, err := s.repo.ListMedicaments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Medicament, 0, len(meds))
	for _, med := range meds {
		if !med.Active {
			continue
		}
		s.applyDefaultThreshold(&med)
		if keep(med) {
			out = append(out, med)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func byQuantity(a, b domain.Medicament) bool {
	return a.QuantityInStock < b.QuantityInStock
}

func byExpiry(a, b domain.Medicament) bool {
	return a.ExpirationDate.Before(*b.ExpirationDate)
}

func (s *Service) GetCustomer(ctx context.Context, id int64) (*domain.Customer, error) {
	return s.repo.GetCustomer(ctx, id)
}

func (s *Service) SearchCustomers(ctx context.Context, keyword string) ([]domain.Customer, error) {
	return s.repo.SearchCustomers(ctx, keyword)
}

func (s *Service) CustomerLoyaltyInfo(ctx context.Context, customerID int64) (domain.LoyaltyInfo, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.LoyaltyInfo{}, err
	}
	return s.loyalty.Info(ctx, *customer)
}

func (s *Service) ListTiers(ctx context.Context) ([]domain.LoyaltyTier, error) {
	return s.loyalty.Tiers(ctx)
}

func reasonOr(reason string, fallback string) string {
	if reason = strings.TrimSpace(reason); reason != "" {
		return reason
	}
	return fallback
}
