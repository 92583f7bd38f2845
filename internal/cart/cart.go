// Package cart holds the staging area of one in-progress sale. A Cart is
// owned by a single session and is not safe for concurrent use.
package cart

import (
	"context"

	"github.com/shopspring/decimal"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
	"pharmapos/internal/loyalty"
)

type Catalog interface {
	GetMedicament(ctx context.Context, id int64) (*domain.Medicament, error)
}

type Customers interface {
	GetCustomer(ctx context.Context, id int64) (*domain.Customer, error)
}

// Item is one cart line. UnitPrice is captured when the medicament is first
// added and never follows later catalog changes.
type Item struct {
	MedicamentID int64
	Code         string
	Name         string
	Quantity     int
	UnitPrice    decimal.Decimal
}

func (i Item) LineTotal() decimal.Decimal {
	return domain.LineTotal(i.Quantity, i.UnitPrice)
}

type Cart struct {
	catalog   Catalog
	customers Customers
	loyalty   *loyalty.Engine

	items    []Item
	customer *domain.Customer
}

func New(catalog Catalog, customers Customers, engine *loyalty.Engine) *Cart {
	return &Cart{catalog: catalog, customers: customers, loyalty: engine}
}

func (c *Cart) AddItem(ctx context.Context, medicamentID int64, quantity int) error {
	if quantity <= 0 {
		return apperr.New(apperr.Validation, "quantity must be positive")
	}
	med, err := c.activeMedicament(ctx, medicamentID)
	if err != nil {
		return err
	}

	idx := c.indexOf(medicamentID)
	inCart := 0
	if idx >= 0 {
		inCart = c.items[idx].Quantity
	}
	if quantity > med.QuantityInStock-inCart {
		return apperr.Insufficient(med.Name, med.QuantityInStock-inCart)
	}

	if idx >= 0 {
		c.items[idx].Quantity += quantity
		return nil
	}
	c.items = append(c.items, Item{
		MedicamentID: med.ID,
		Code:         med.Code,
		Name:         med.Name,
		Quantity:     quantity,
		UnitPrice:    med.SellingPrice,
	})
	return nil
}

func (c *Cart) RemoveItem(medicamentID int64) error {
	idx := c.indexOf(medicamentID)
	if idx < 0 {
		return apperr.New(apperr.NotFound, "medicament %d is not in the cart", medicamentID)
	}
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	return nil
}

// SetItemQuantity overwrites a line's quantity after checking live stock. A
// quantity of zero or less removes the line.
func (c *Cart) SetItemQuantity(ctx context.Context, medicamentID int64, quantity int) error {
	if quantity <= 0 {
		return c.RemoveItem(medicamentID)
	}
	idx := c.indexOf(medicamentID)
	if idx < 0 {
		return apperr.New(apperr.NotFound, "medicament %d is not in the cart", medicamentID)
	}
	med, err := c.activeMedicament(ctx, medicamentID)
	if err != nil {
		return err
	}
	if quantity > med.QuantityInStock {
		return apperr.Insufficient(med.Name, med.QuantityInStock)
	}
	c.items[idx].Quantity = quantity
	return nil
}

func (c *Cart) SetCustomer(ctx context.Context, customerID int64) error {
	customer, err := c.customers.GetCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	if !customer.Active {
		return apperr.New(apperr.Inactive, "customer %s is inactive", customer.FullName())
	}
	c.customer = customer
	return nil
}

func (c *Cart) ClearCustomer() {
	c.customer = nil
}

func (c *Cart) Customer() *domain.Customer {
	if c.customer == nil {
		return nil
	}
	dup := *c.customer
	return &dup
}

func (c *Cart) Items() []Item {
	items := make([]Item, len(c.items))
	copy(items, c.items)
	return items
}

func (c *Cart) IsEmpty() bool {
	return len(c.items) == 0
}

func (c *Cart) ItemsCount() int {
	count := 0
	for _, item := range c.items {
		count += item.Quantity
	}
	return count
}

func (c *Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range c.items {
		sum = sum.Add(item.LineTotal())
	}
	return domain.Round(sum)
}

// ComputeTotals has no side effects; calling it repeatedly without mutating
// the cart yields the same result.
func (c *Cart) ComputeTotals(ctx context.Context) (domain.CartTotals, error) {
	subtotal := c.Subtotal()
	totals := domain.CartTotals{
		Subtotal:           subtotal,
		DiscountPercentage: decimal.Zero,
		DiscountAmount:     decimal.Zero,
		Total:              subtotal,
		ItemsCount:         c.ItemsCount(),
	}
	if c.customer == nil || c.loyalty == nil {
		return totals, nil
	}

	discount, err := c.loyalty.ApplyDiscount(ctx, subtotal, c.customer)
	if err != nil {
		return domain.CartTotals{}, err
	}
	totals.DiscountPercentage = discount.Percentage
	totals.DiscountAmount = discount.Amount
	totals.Total = domain.Round(discount.Final)
	totals.PointsEarned = c.loyalty.PointsEarned(totals.Total)
	return totals, nil
}

func (c *Cart) View(ctx context.Context) (domain.CartView, error) {
	totals, err := c.ComputeTotals(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	lines := make([]domain.CartLineView, 0, len(c.items))
	for _, item := range c.items {
		lines = append(lines, domain.CartLineView{
			MedicamentID: item.MedicamentID,
			Code:         item.Code,
			Name:         item.Name,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			LineTotal:    item.LineTotal(),
		})
	}
	return domain.CartView{Lines: lines, Customer: c.Customer(), Totals: totals}, nil
}

func (c *Cart) Clear() {
	c.items = nil
	c.customer = nil
}

func (c *Cart) activeMedicament(ctx context.Context, id int64) (*domain.Medicament, error) {
	med, err := c.catalog.GetMedicament(ctx, id)
	if err != nil {
		return nil, err
	}
	if !med.Active {
		return nil, apperr.New(apperr.NotFound, "medicament %s is no longer available", med.Name)
	}
	return med, nil
}

func (c *Cart) indexOf(medicamentID int64) int {
	for i, item := range c.items {
		if item.MedicamentID == medicamentID {
			return i
		}
	}
	return -1
}
