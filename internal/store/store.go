package store

import (
	"context"
	"fmt"
	"time"

	"pharmapos/internal/domain"
)

// Catalog is the read side of the medicament store.
type Catalog interface {
	GetMedicament(ctx context.Context, id int64) (*domain.Medicament, error)
	GetMedicamentByCode(ctx context.Context, code string) (*domain.Medicament, error)
	SearchMedicaments(ctx context.Context, keyword string, category string, inStockOnly bool) ([]domain.Medicament, error)
	ListMedicaments(ctx context.Context) ([]domain.Medicament, error)
	Categories(ctx context.Context) ([]string, error)
	CreateMedicament(ctx context.Context, m domain.Medicament) (*domain.Medicament, error)
}

// StockStore owns the quantity-in-stock column and the append-only ledger.
// ApplyStockMovement adjusts the quantity by movement.Quantity and appends the
// movement as one indivisible operation. A change that would drive the
// quantity below zero is refused with apperr.InsufficientStock, never clamped.
// SetStockLevel reads the quantity, sets it to level and records the signed
// difference as movement.Quantity in the same unit, so no sale can land in
// between. An unchanged level records nothing and returns a nil movement.
type StockStore interface {
	ApplyStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, int, error)
	SetStockLevel(ctx context.Context, movement domain.StockMovement, level int) (*domain.StockMovement, int, error)
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error)
}

type CustomerStore interface {
	GetCustomer(ctx context.Context, id int64) (*domain.Customer, error)
	SearchCustomers(ctx context.Context, keyword string) ([]domain.Customer, error)
	CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error)
}

type TierStore interface {
	ListActiveTiers(ctx context.Context) ([]domain.LoyaltyTier, error)
	CreateTier(ctx context.Context, tier domain.LoyaltyTier) (*domain.LoyaltyTier, error)
}

// SaleStore persists sales. CommitSale and CancelSale each run as a single
// storage transaction covering the sale rows, the stock quantities, the
// ledger entries and the customer balance.
type SaleStore interface {
	CommitSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error)
	CancelSale(ctx context.Context, id int64, username string, at time.Time) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	GetSaleByNumber(ctx context.Context, number string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error)
	ListSalesByCustomer(ctx context.Context, customerID int64) ([]domain.Sale, error)
	DailySummary(ctx context.Context, day time.Time) (domain.DailySummary, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Catalog
	StockStore
	CustomerStore
	TierStore
	SaleStore
	UserStore
}

// SaleReason is the ledger reason of the exit movements written by a sale.
const SaleReason = "Sale"

// CancellationReason is the ledger reason of the entry movements that return a
// cancelled sale's stock.
func CancellationReason(number string) string {
	return "Cancellation of sale " + number
}

// SaleNumber formats prefix-YYYYMMDD-NNN.
func SaleNumber(prefix string, day time.Time, seq int) string {
	if prefix == "" {
		prefix = "VNT"
	}
	return fmt.Sprintf("%s%03d", SaleNumberDayPrefix(prefix, day), seq)
}

// SaleNumberDayPrefix is the part of a sale number shared by every sale of
// the given day.
func SaleNumberDayPrefix(prefix string, day time.Time) string {
	if prefix == "" {
		prefix = "VNT"
	}
	return prefix + "-" + day.Format("20060102") + "-"
}

// ParseSaleSequence extracts the trailing sequence of a sale number that
// starts with dayPrefix. It returns 0 when the number does not match.
func ParseSaleSequence(number string, dayPrefix string) int {
	if len(number) <= len(dayPrefix) || number[:len(dayPrefix)] != dayPrefix {
		return 0
	}
	seq := 0
	for _, r := range number[len(dayPrefix):] {
		if r < '0' || r > '9' {
			return 0
		}
		seq = seq*10 + int(r-'0')
	}
	return seq
}
