package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        Role   `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CartItemAddRequest struct {
	MedicamentID int64 `json:"medicament_id" validate:"required,gt=0"`
	Quantity     int   `json:"quantity"`
}

type CartItemQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type CartCustomerRequest struct {
	CustomerID int64 `json:"customer_id" validate:"required,gt=0"`
}

type StockChangeRequest struct {
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason" validate:"max=200"`
}

type StockAdjustRequest struct {
	NewQuantity int    `json:"new_quantity" validate:"gte=0"`
	Reason      string `json:"reason" validate:"max=200"`
}

type CartLineView struct {
	MedicamentID int64           `json:"medicament_id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineTotal    decimal.Decimal `json:"line_total"`
}

type CartTotals struct {
	Subtotal           decimal.Decimal `json:"subtotal"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	Total              decimal.Decimal `json:"total"`
	PointsEarned       int             `json:"points_earned"`
	ItemsCount         int             `json:"items_count"`
}

type CartView struct {
	Lines    []CartLineView `json:"lines"`
	Customer *Customer      `json:"customer,omitempty"`
	Totals   CartTotals     `json:"totals"`
}

type StockAlerts struct {
	LowStock     []Medicament `json:"low_stock"`
	ExpiringSoon []Medicament `json:"expiring_soon"`
	Expired      []Medicament `json:"expired"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

type LoyaltyInfo struct {
	CustomerID      int64           `json:"customer_id"`
	CustomerName    string          `json:"customer_name"`
	CurrentPoints   int             `json:"current_points"`
	PointsValue     decimal.Decimal `json:"points_value"`
	CurrentTier     string          `json:"current_tier"`
	CurrentDiscount decimal.Decimal `json:"current_discount"`
	NextTier        string          `json:"next_tier,omitempty"`
	PointsToNext    int             `json:"points_to_next"`
	TotalSpent      decimal.Decimal `json:"total_spent"`
}

type StockChangeResponse struct {
	MedicamentID    int64          `json:"medicament_id"`
	QuantityInStock int            `json:"quantity_in_stock"`
	Movement        *StockMovement `json:"movement,omitempty"`
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	FullName string `json:"full_name" validate:"max=120"`
	Role     Role   `json:"role" validate:"required,oneof=admin pharmacist seller"`
}

type UserView struct {
	Username  string    `json:"username"`
	FullName  string    `json:"full_name,omitempty"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
