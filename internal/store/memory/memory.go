package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
	"pharmapos/internal/seed"
	"pharmapos/internal/store"
)

// Store keeps everything in maps behind a single RWMutex. CommitSale and
// CancelSale hold the write lock for their whole duration, which makes them
// as atomic as a database transaction.
type Store struct {
	mu          sync.RWMutex
	lastID      map[string]int64
	medicaments map[int64]domain.Medicament
	customers   map[int64]domain.Customer
	tiers       map[int64]domain.LoyaltyTier
	sales       map[int64]*domain.Sale
	movements   []domain.StockMovement
	users       map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		lastID:      make(map[string]int64),
		medicaments: make(map[int64]domain.Medicament),
		customers:   make(map[int64]domain.Customer),
		tiers:       make(map[int64]domain.LoyaltyTier),
		sales:       make(map[int64]*domain.Sale),
		movements:   make([]domain.StockMovement, 0, 128),
		users:       make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store loaded with the demo catalog, tiers, customers and
// accounts.
func NewSeeded(logger *zap.Logger) (*Store, error) {
	s := New()
	if err := seed.Apply(context.Background(), s, logger); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) nextID(kind string) int64 {
	s.lastID[kind]++
	return s.lastID[kind]
}

func (s *Store) GetMedicament(_ context.Context, id int64) (*domain.Medicament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	med, ok := s.medicaments[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "medicament %d not found", id)
	}
	dup := cloneMedicament(med)
	return &dup, nil
}

func (s *Store) GetMedicamentByCode(_ context.Context, code string) (*domain.Medicament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code = strings.ToUpper(strings.TrimSpace(code))
	for _, med := range s.medicaments {
		if med.Code == code {
			dup := cloneMedicament(med)
			return &dup, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "medicament %s not found", code)
}

func (s *Store) SearchMedicaments(_ context.Context, keyword string, category string, inStockOnly bool) ([]domain.Medicament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keyword = strings.ToLower(strings.TrimSpace(keyword))
	category = strings.TrimSpace(category)
	result := make([]domain.Medicament, 0, len(s.medicaments))
	for _, med := range s.medicaments {
		if !med.Active {
			continue
		}
		if category != "" && !strings.EqualFold(med.Category, category) {
			continue
		}
		if inStockOnly && med.QuantityInStock <= 0 {
			continue
		}
		if keyword != "" && !containsAny(keyword, med.Name, med.Code, med.Description) {
			continue
		}
		result = append(result, cloneMedicament(med))
	}
	sortMedicaments(result)
	return result, nil
}

func (s *Store) ListMedicaments(ctx context.Context) ([]domain.Medicament, error) {
	return s.SearchMedicaments(ctx, "", "", false)
}

func (s *Store) Categories(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	categories := make([]string, 0, 8)
	for _, med := range s.medicaments {
		if !med.Active || med.Category == "" {
			continue
		}
		if _, ok := seen[med.Category]; ok {
			continue
		}
		seen[med.Category] = struct{}{}
		categories = append(categories, med.Category)
	}
	slices.Sort(categories)
	return categories, nil
}

func (s *Store) CreateMedicament(_ context.Context, med domain.Medicament) (*domain.Medicament, error) {
	med.Code = strings.ToUpper(strings.TrimSpace(med.Code))
	med.Name = strings.TrimSpace(med.Name)
	if med.Code == "" || med.Name == "" {
		return nil, apperr.New(apperr.Validation, "medicament code and name are required")
	}
	if med.SellingPrice.IsNegative() || med.PurchasePrice.IsNegative() || med.QuantityInStock < 0 {
		return nil, apperr.New(apperr.Validation, "medicament %s has negative price or quantity", med.Code)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.medicaments {
		if existing.Code == med.Code {
			return nil, apperr.New(apperr.Validation, "medicament code %s already exists", med.Code)
		}
	}
	med.ID = s.nextID("medicament")
	s.medicaments[med.ID] = cloneMedicament(med)
	created := cloneMedicament(med)
	return &created, nil
}

func (s *Store) ApplyStockMovement(_ context.Context, movement domain.StockMovement) (*domain.StockMovement, int, error) {
	if movement.Quantity == 0 {
		return nil, 0, apperr.New(apperr.Validation, "stock movement quantity must not be zero")
	}
	switch movement.Type {
	case domain.MovementEntry, domain.MovementExit, domain.MovementAdjustment:
	default:
		return nil, 0, apperr.New(apperr.Validation, "unknown movement type %q", movement.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	med, ok := s.medicaments[movement.MedicamentID]
	if !ok {
		return nil, 0, apperr.New(apperr.NotFound, "medicament %d not found", movement.MedicamentID)
	}
	next := med.QuantityInStock + movement.Quantity
	if next < 0 {
		return nil, 0, apperr.Insufficient(med.Name, med.QuantityInStock)
	}
	med.QuantityInStock = next
	s.medicaments[med.ID] = med

	recorded := s.appendMovement(movement, time.Now().UTC())
	return &recorded, next, nil
}

func (s *Store) SetStockLevel(_ context.Context, movement domain.StockMovement, level int) (*domain.StockMovement, int, error) {
	if level < 0 {
		return nil, 0, apperr.New(apperr.Validation, "stock cannot be set below zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	med, ok := s.medicaments[movement.MedicamentID]
	if !ok {
		return nil, 0, apperr.New(apperr.NotFound, "medicament %d not found", movement.MedicamentID)
	}
	delta := level - med.QuantityInStock
	if delta == 0 {
		return nil, level, nil
	}
	med.QuantityInStock = level
	s.medicaments[med.ID] = med

	movement.Type = domain.MovementAdjustment
	movement.Quantity = delta
	recorded := s.appendMovement(movement, time.Now().UTC())
	return &recorded, level, nil
}

func (s *Store) ListMovements(_ context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 64)
	for _, movement := range s.movements {
		if filter.MedicamentID != nil && movement.MedicamentID != *filter.MedicamentID {
			continue
		}
		if filter.From != nil && movement.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !movement.CreatedAt.Before(*filter.To) {
			continue
		}
		result = append(result, cloneMovement(movement))
	}
	slices.SortFunc(result, func(a, b domain.StockMovement) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return compareInt64(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, id int64) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "customer %d not found", id)
	}
	return &customer, nil
}

func (s *Store) SearchCustomers(_ context.Context, keyword string) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keyword = strings.ToLower(strings.TrimSpace(keyword))
	result := make([]domain.Customer, 0, len(s.customers))
	for _, customer := range s.customers {
		if !customer.Active {
			continue
		}
		if keyword != "" && !containsAny(keyword, customer.Code, customer.FirstName, customer.LastName, customer.Phone) {
			continue
		}
		result = append(result, customer)
	}
	slices.SortFunc(result, func(a, b domain.Customer) int {
		if a.LastName == b.LastName {
			return strings.Compare(a.FirstName, b.FirstName)
		}
		return strings.Compare(a.LastName, b.LastName)
	})
	return result, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.FirstName = strings.TrimSpace(customer.FirstName)
	customer.LastName = strings.TrimSpace(customer.LastName)
	if customer.FirstName == "" && customer.LastName == "" {
		return nil, apperr.New(apperr.Validation, "customer name is required")
	}
	if customer.LoyaltyPoints < 0 || customer.TotalSpent.IsNegative() {
		return nil, apperr.New(apperr.Validation, "customer balances must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer.ID = s.nextID("customer")
	if strings.TrimSpace(customer.Code) == "" {
		customer.Code = defaultCustomerCode(customer.ID)
	}
	s.customers[customer.ID] = customer
	return &customer, nil
}

func (s *Store) ListActiveTiers(_ context.Context) ([]domain.LoyaltyTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tiers := make([]domain.LoyaltyTier, 0, len(s.tiers))
	for _, tier := range s.tiers {
		if tier.Active {
			tiers = append(tiers, tier)
		}
	}
	slices.SortFunc(tiers, func(a, b domain.LoyaltyTier) int {
		if a.MinPoints == b.MinPoints {
			return compareInt64(a.ID, b.ID)
		}
		return a.MinPoints - b.MinPoints
	})
	return tiers, nil
}

func (s *Store) CreateTier(_ context.Context, tier domain.LoyaltyTier) (*domain.LoyaltyTier, error) {
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Name == "" || tier.MinPoints < 0 {
		return nil, apperr.New(apperr.Validation, "tier needs a name and a non-negative minimum")
	}
	if tier.DiscountPercentage.IsNegative() || tier.DiscountPercentage.GreaterThan(decimal.NewFromInt(100)) {
		return nil, apperr.New(apperr.Validation, "tier discount must be between 0 and 100")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tier.ID = s.nextID("tier")
	s.tiers[tier.ID] = tier
	return &tier, nil
}

func (s *Store) CommitSale(_ context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	if len(draft.Lines) == 0 {
		return nil, apperr.New(apperr.EmptyCart, "sale has no lines")
	}
	if strings.TrimSpace(draft.CashierUsername) == "" {
		return nil, apperr.New(apperr.NotAuthenticated, "sale has no cashier")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[int64]int, len(draft.Lines))
	for _, line := range draft.Lines {
		if line.Quantity <= 0 {
			return nil, apperr.New(apperr.Validation, "line quantity must be positive")
		}
		wanted[line.MedicamentID] += line.Quantity
	}
	for id, qty := range wanted {
		med, ok := s.medicaments[id]
		if !ok {
			return nil, apperr.New(apperr.NotFound, "medicament %d not found", id)
		}
		if med.QuantityInStock < qty {
			return nil, apperr.Insufficient(med.Name, med.QuantityInStock)
		}
	}

	var customer domain.Customer
	if draft.CustomerID != nil {
		found, ok := s.customers[*draft.CustomerID]
		if !ok {
			return nil, apperr.New(apperr.NotFound, "customer %d not found", *draft.CustomerID)
		}
		customer = found
	}

	sale := &domain.Sale{
		ID:                 s.nextID("sale"),
		Number:             s.allocateNumber(draft.NumberPrefix, draft.SoldAt),
		CashierUsername:    draft.CashierUsername,
		SoldAt:             draft.SoldAt,
		Subtotal:           draft.Subtotal,
		DiscountPercentage: draft.DiscountPercentage,
		DiscountAmount:     draft.DiscountAmount,
		Total:              draft.Total,
		PointsEarned:       draft.PointsEarned,
		Status:             domain.SaleStatusCompleted,
		Lines:              make([]domain.SaleLine, 0, len(draft.Lines)),
	}
	if draft.CustomerID != nil {
		id := *draft.CustomerID
		sale.CustomerID = &id
		sale.CustomerName = customer.FullName()
	}

	for _, line := range draft.Lines {
		line.ID = s.nextID("sale_line")
		line.SaleID = sale.ID
		sale.Lines = append(sale.Lines, line)

		med := s.medicaments[line.MedicamentID]
		med.QuantityInStock -= line.Quantity
		s.medicaments[med.ID] = med

		ref := sale.ID
		s.appendMovement(domain.StockMovement{
			MedicamentID: line.MedicamentID,
			Username:     draft.CashierUsername,
			Type:         domain.MovementExit,
			Quantity:     -line.Quantity,
			ReferenceID:  &ref,
			Reason:       store.SaleReason,
		}, draft.SoldAt)
	}

	if draft.CustomerID != nil {
		customer.LoyaltyPoints += draft.PointsEarned
		customer.TotalSpent = customer.TotalSpent.Add(draft.Total)
		s.customers[customer.ID] = customer
	}

	s.sales[sale.ID] = sale
	return cloneSale(sale), nil
}

func (s *Store) CancelSale(_ context.Context, id int64, username string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "sale %d not found", id)
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, apperr.New(apperr.AlreadyCancelled, "sale %s is already cancelled", sale.Number)
	}

	for _, line := range sale.Lines {
		if med, ok := s.medicaments[line.MedicamentID]; ok {
			med.QuantityInStock += line.Quantity
			s.medicaments[med.ID] = med
		}
		ref := sale.ID
		s.appendMovement(domain.StockMovement{
			MedicamentID: line.MedicamentID,
			Username:     username,
			Type:         domain.MovementEntry,
			Quantity:     line.Quantity,
			ReferenceID:  &ref,
			Reason:       store.CancellationReason(sale.Number),
		}, at)
	}

	if sale.CustomerID != nil && sale.PointsEarned > 0 {
		if customer, ok := s.customers[*sale.CustomerID]; ok {
			customer.LoyaltyPoints -= sale.PointsEarned
			if customer.LoyaltyPoints < 0 {
				customer.LoyaltyPoints = 0
			}
			s.customers[customer.ID] = customer
		}
	}

	cancelledAt := at
	sale.Status = domain.SaleStatusCancelled
	sale.CancelledAt = &cancelledAt
	sale.CancelledBy = username
	return cloneSale(sale), nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "sale %d not found", id)
	}
	return cloneSale(sale), nil
}

func (s *Store) GetSaleByNumber(_ context.Context, number string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	number = strings.TrimSpace(number)
	for _, sale := range s.sales {
		if sale.Number == number {
			return cloneSale(sale), nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "sale %s not found", number)
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	return s.collectSales(func(sale *domain.Sale) bool {
		return !sale.SoldAt.Before(from) && sale.SoldAt.Before(to)
	}), nil
}

func (s *Store) ListSalesByCustomer(_ context.Context, customerID int64) ([]domain.Sale, error) {
	return s.collectSales(func(sale *domain.Sale) bool {
		return sale.CustomerID != nil && *sale.CustomerID == customerID
	}), nil
}

func (s *Store) DailySummary(_ context.Context, day time.Time) (domain.DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := domain.DateOf(day)
	end := start.AddDate(0, 0, 1)
	summary := domain.DailySummary{Date: start.Format(time.DateOnly), Total: decimal.Zero}
	for _, sale := range s.sales {
		if sale.Status != domain.SaleStatusCompleted {
			continue
		}
		if sale.SoldAt.Before(start) || !sale.SoldAt.Before(end) {
			continue
		}
		summary.SalesCount++
		summary.Total = summary.Total.Add(sale.Total)
	}
	return summary, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return apperr.New(apperr.Validation, "username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if !user.Role.Valid() {
		return apperr.New(apperr.Validation, "unknown role %q", user.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return apperr.New(apperr.Validation, "user %s already exists", username)
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return apperr.New(apperr.Validation, "username and password are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[username]
	if !exists {
		return apperr.New(apperr.NotFound, "user %s not found", username)
	}
	user.Password = password
	s.users[username] = user
	return nil
}

// allocateNumber must be called with the write lock held.
func (s *Store) allocateNumber(prefix string, soldAt time.Time) string {
	dayPrefix := store.SaleNumberDayPrefix(prefix, soldAt)
	last := 0
	for _, sale := range s.sales {
		if seq := store.ParseSaleSequence(sale.Number, dayPrefix); seq > last {
			last = seq
		}
	}
	return store.SaleNumber(prefix, soldAt, last+1)
}

// appendMovement must be called with the write lock held.
func (s *Store) appendMovement(movement domain.StockMovement, at time.Time) domain.StockMovement {
	movement.ID = s.nextID("movement")
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = at
	}
	s.movements = append(s.movements, movement)
	return cloneMovement(movement)
}

func (s *Store) collectSales(keep func(*domain.Sale) bool) []domain.Sale {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 32)
	for _, sale := range s.sales {
		if keep(sale) {
			result = append(result, *cloneSale(sale))
		}
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.SoldAt.Equal(b.SoldAt) {
			return compareInt64(b.ID, a.ID)
		}
		if a.SoldAt.After(b.SoldAt) {
			return -1
		}
		return 1
	})
	return result
}

func containsAny(needle string, fields ...string) bool {
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func sortMedicaments(meds []domain.Medicament) {
	slices.SortFunc(meds, func(a, b domain.Medicament) int {
		if a.Name == b.Name {
			return strings.Compare(a.Code, b.Code)
		}
		return strings.Compare(a.Name, b.Name)
	})
}

func defaultCustomerCode(id int64) string {
	return fmt.Sprintf("CLI%03d", id)
}

func compareInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cloneMedicament(src domain.Medicament) domain.Medicament {
	dup := src
	if src.ExpirationDate != nil {
		expiry := *src.ExpirationDate
		dup.ExpirationDate = &expiry
	}
	return dup
}

func cloneMovement(src domain.StockMovement) domain.StockMovement {
	dup := src
	if src.ReferenceID != nil {
		ref := *src.ReferenceID
		dup.ReferenceID = &ref
	}
	return dup
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.SaleLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	if src.CustomerID != nil {
		id := *src.CustomerID
		dup.CustomerID = &id
	}
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dup.CancelledAt = &at
	}
	return &dup
}
