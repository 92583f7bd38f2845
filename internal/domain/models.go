package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
)

const (
	MovementEntry      = "entry"
	MovementExit       = "exit"
	MovementAdjustment = "adjustment"
)

type Medicament struct {
	ID              int64           `json:"id"`
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Category        string          `json:"category,omitempty"`
	PurchasePrice   decimal.Decimal `json:"purchase_price"`
	SellingPrice    decimal.Decimal `json:"selling_price"`
	QuantityInStock int             `json:"quantity_in_stock"`
	StockThreshold  int             `json:"stock_threshold"`
	ExpirationDate  *time.Time      `json:"expiration_date,omitempty"`
	Manufacturer    string          `json:"manufacturer,omitempty"`
	Active          bool            `json:"active"`
}

func (m Medicament) IsLowStock() bool {
	return m.QuantityInStock <= m.StockThreshold
}

func (m Medicament) IsExpired(at time.Time) bool {
	if m.ExpirationDate == nil {
		return false
	}
	return DateOf(*m.ExpirationDate).Before(DateOf(at))
}

// ExpiresWithin reports whether the medicament is not yet expired but will be
// within the given number of days from at.
func (m Medicament) ExpiresWithin(at time.Time, days int) bool {
	if m.ExpirationDate == nil || m.IsExpired(at) {
		return false
	}
	limit := DateOf(at).AddDate(0, 0, days)
	return !DateOf(*m.ExpirationDate).After(limit)
}

type Customer struct {
	ID            int64           `json:"id"`
	Code          string          `json:"code"`
	FirstName     string          `json:"first_name"`
	LastName      string          `json:"last_name"`
	Phone         string          `json:"phone,omitempty"`
	Email         string          `json:"email,omitempty"`
	LoyaltyPoints int             `json:"loyalty_points"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	Active        bool            `json:"active"`
}

func (c Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

type LoyaltyTier struct {
	ID                 int64           `json:"id"`
	Name               string          `json:"name"`
	MinPoints          int             `json:"min_points"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	Description        string          `json:"description,omitempty"`
	Active             bool            `json:"active"`
}

type Sale struct {
	ID                 int64           `json:"id"`
	Number             string          `json:"sale_number"`
	CustomerID         *int64          `json:"customer_id,omitempty"`
	CustomerName       string          `json:"customer_name,omitempty"`
	CashierUsername    string          `json:"cashier"`
	SoldAt             time.Time       `json:"sale_date"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	Total              decimal.Decimal `json:"total"`
	PointsEarned       int             `json:"loyalty_points_earned"`
	PointsUsed         int             `json:"loyalty_points_used"`
	Status             string          `json:"status"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy        string          `json:"cancelled_by,omitempty"`
	Lines              []SaleLine      `json:"lines"`
}

func (s Sale) ItemsCount() int {
	count := 0
	for _, line := range s.Lines {
		count += line.Quantity
	}
	return count
}

type SaleLine struct {
	ID             int64           `json:"id,omitempty"`
	SaleID         int64           `json:"sale_id,omitempty"`
	MedicamentID   int64           `json:"medicament_id"`
	MedicamentCode string          `json:"medicament_code"`
	MedicamentName string          `json:"medicament_name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	LineTotal      decimal.Decimal `json:"line_total"`
}

// SaleDraft is everything a store needs to persist a completed sale. The
// store allocates the number and the ids.
type SaleDraft struct {
	NumberPrefix       string
	CustomerID         *int64
	CashierUsername    string
	SoldAt             time.Time
	Subtotal           decimal.Decimal
	DiscountPercentage decimal.Decimal
	DiscountAmount     decimal.Decimal
	Total              decimal.Decimal
	PointsEarned       int
	Lines              []SaleLine
}

type StockMovement struct {
	ID           int64     `json:"id"`
	MedicamentID int64     `json:"medicament_id"`
	Username     string    `json:"username"`
	Type         string    `json:"movement_type"`
	Quantity     int       `json:"quantity"`
	ReferenceID  *int64    `json:"reference_id,omitempty"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

type MovementFilter struct {
	MedicamentID *int64
	From         *time.Time
	To           *time.Time
	Limit        int
}

type DailySummary struct {
	Date       string          `json:"date"`
	SalesCount int             `json:"sales_count"`
	Total      decimal.Decimal `json:"total"`
}

type Actor struct {
	Username  string
	Role      Role
	SessionID string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	FullName  string
	Role      Role
	Active    bool
	CreatedAt time.Time
}
