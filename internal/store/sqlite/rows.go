package sqlite

import (
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pharmapos/internal/domain"
)

// Timestamps are stored as fixed-width UTC text so that lexical order is
// chronological order.
const timeLayout = "2006-01-02 15:04:05.000000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.ParseInLocation(timeLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

const medicamentColumns = `id, code, name, description, category, purchase_price, selling_price,
	quantity_in_stock, stock_threshold, expiration_date, manufacturer, active`

type medicamentRow struct {
	ID              int64           `db:"id"`
	Code            string          `db:"code"`
	Name            string          `db:"name"`
	Description     string          `db:"description"`
	Category        string          `db:"category"`
	PurchasePrice   decimal.Decimal `db:"purchase_price"`
	SellingPrice    decimal.Decimal `db:"selling_price"`
	QuantityInStock int             `db:"quantity_in_stock"`
	StockThreshold  int             `db:"stock_threshold"`
	ExpirationDate  sql.NullString  `db:"expiration_date"`
	Manufacturer    string          `db:"manufacturer"`
	Active          bool            `db:"active"`
}

func (r medicamentRow) toDomain() domain.Medicament {
	med := domain.Medicament{
		ID:              r.ID,
		Code:            r.Code,
		Name:            r.Name,
		Description:     r.Description,
		Category:        r.Category,
		PurchasePrice:   r.PurchasePrice,
		SellingPrice:    r.SellingPrice,
		QuantityInStock: r.QuantityInStock,
		StockThreshold:  r.StockThreshold,
		Manufacturer:    r.Manufacturer,
		Active:          r.Active,
	}
	if r.ExpirationDate.Valid && r.ExpirationDate.String != "" {
		if expiry, err := time.Parse(time.DateOnly, r.ExpirationDate.String); err == nil {
			med.ExpirationDate = &expiry
		}
	}
	return med
}

func expirationValue(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.DateOnly), Valid: true}
}

const customerColumns = `id, code, first_name, last_name, phone, email, loyalty_points, total_spent, active`

type customerRow struct {
	ID            int64           `db:"id"`
	Code          sql.NullString  `db:"code"`
	FirstName     string          `db:"first_name"`
	LastName      string          `db:"last_name"`
	Phone         string          `db:"phone"`
	Email         string          `db:"email"`
	LoyaltyPoints int             `db:"loyalty_points"`
	TotalSpent    decimal.Decimal `db:"total_spent"`
	Active        bool            `db:"active"`
}

func (r customerRow) toDomain() domain.Customer {
	return domain.Customer{
		ID:            r.ID,
		Code:          r.Code.String,
		FirstName:     r.FirstName,
		LastName:      r.LastName,
		Phone:         r.Phone,
		Email:         r.Email,
		LoyaltyPoints: r.LoyaltyPoints,
		TotalSpent:    r.TotalSpent,
		Active:        r.Active,
	}
}

type tierRow struct {
	ID                 int64           `db:"id"`
	Name               string          `db:"name"`
	MinPoints          int             `db:"min_points"`
	DiscountPercentage decimal.Decimal `db:"discount_percentage"`
	Description        string          `db:"description"`
	Active             bool            `db:"active"`
}

func (r tierRow) toDomain() domain.LoyaltyTier {
	return domain.LoyaltyTier{
		ID:                 r.ID,
		Name:               r.Name,
		MinPoints:          r.MinPoints,
		DiscountPercentage: r.DiscountPercentage,
		Description:        r.Description,
		Active:             r.Active,
	}
}

const saleSelect = `SELECT s.id, s.sale_number, s.customer_id,
	COALESCE(TRIM(c.first_name || ' ' || c.last_name), '') AS customer_name,
	s.cashier, s.sale_date, s.subtotal, s.discount_percentage, s.discount_amount, s.total,
	s.points_earned, s.points_used, s.status, s.cancelled_at, s.cancelled_by
	FROM sales s LEFT JOIN customers c ON c.id = s.customer_id`

type saleRow struct {
	ID                 int64           `db:"id"`
	Number             string          `db:"sale_number"`
	CustomerID         sql.NullInt64   `db:"customer_id"`
	CustomerName       string          `db:"customer_name"`
	Cashier            string          `db:"cashier"`
	SaleDate           string          `db:"sale_date"`
	Subtotal           decimal.Decimal `db:"subtotal"`
	DiscountPercentage decimal.Decimal `db:"discount_percentage"`
	DiscountAmount     decimal.Decimal `db:"discount_amount"`
	Total              decimal.Decimal `db:"total"`
	PointsEarned       int             `db:"points_earned"`
	PointsUsed         int             `db:"points_used"`
	Status             string          `db:"status"`
	CancelledAt        sql.NullString  `db:"cancelled_at"`
	CancelledBy        string          `db:"cancelled_by"`
}

func (r saleRow) toDomain() domain.Sale {
	sale := domain.Sale{
		ID:                 r.ID,
		Number:             r.Number,
		CustomerID:         int64Ptr(r.CustomerID),
		CustomerName:       strings.TrimSpace(r.CustomerName),
		CashierUsername:    r.Cashier,
		SoldAt:             parseTime(r.SaleDate),
		Subtotal:           r.Subtotal,
		DiscountPercentage: r.DiscountPercentage,
		DiscountAmount:     r.DiscountAmount,
		Total:              r.Total,
		PointsEarned:       r.PointsEarned,
		PointsUsed:         r.PointsUsed,
		Status:             r.Status,
		CancelledBy:        r.CancelledBy,
		Lines:              []domain.SaleLine{},
	}
	if r.CancelledAt.Valid {
		at := parseTime(r.CancelledAt.String)
		sale.CancelledAt = &at
	}
	return sale
}

type saleLineRow struct {
	ID             int64           `db:"id"`
	SaleID         int64           `db:"sale_id"`
	MedicamentID   int64           `db:"medicament_id"`
	MedicamentCode string          `db:"medicament_code"`
	MedicamentName string          `db:"medicament_name"`
	Quantity       int             `db:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price"`
	LineTotal      decimal.Decimal `db:"line_total"`
}

func (r saleLineRow) toDomain() domain.SaleLine {
	return domain.SaleLine{
		ID:             r.ID,
		SaleID:         r.SaleID,
		MedicamentID:   r.MedicamentID,
		MedicamentCode: r.MedicamentCode,
		MedicamentName: r.MedicamentName,
		Quantity:       r.Quantity,
		UnitPrice:      r.UnitPrice,
		LineTotal:      r.LineTotal,
	}
}

type movementRow struct {
	ID           int64         `db:"id"`
	MedicamentID int64         `db:"medicament_id"`
	Username     string        `db:"username"`
	Type         string        `db:"movement_type"`
	Quantity     int           `db:"quantity"`
	ReferenceID  sql.NullInt64 `db:"reference_id"`
	Reason       string        `db:"reason"`
	CreatedAt    string        `db:"created_at"`
}

func (r movementRow) toDomain() domain.StockMovement {
	return domain.StockMovement{
		ID:           r.ID,
		MedicamentID: r.MedicamentID,
		Username:     r.Username,
		Type:         r.Type,
		Quantity:     r.Quantity,
		ReferenceID:  int64Ptr(r.ReferenceID),
		Reason:       r.Reason,
		CreatedAt:    parseTime(r.CreatedAt),
	}
}

type userRow struct {
	Username  string `db:"username"`
	Password  string `db:"password"`
	FullName  string `db:"full_name"`
	Role      string `db:"role"`
	Active    bool   `db:"active"`
	CreatedAt string `db:"created_at"`
}

func (r userRow) toDomain() domain.UserAccount {
	return domain.UserAccount{
		Username:  r.Username,
		Password:  r.Password,
		FullName:  r.FullName,
		Role:      domain.Role(r.Role),
		Active:    r.Active,
		CreatedAt: parseTime(r.CreatedAt),
	}
}
