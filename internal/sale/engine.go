// Package sale turns a cart into a persisted sale and reverses it on
// cancellation.
//
// States of a sale are completed and cancelled. A cart becomes a completed
// sale through Commit; Cancel moves it to cancelled exactly once. Monetary
// fields are never edited after commit.
package sale

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"pharmapos/internal/apperr"
	"pharmapos/internal/cart"
	"pharmapos/internal/domain"
	"pharmapos/internal/metrics"
)

type Repository interface {
	GetMedicament(ctx context.Context, id int64) (*domain.Medicament, error)
	GetCustomer(ctx context.Context, id int64) (*domain.Customer, error)
	CommitSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error)
	CancelSale(ctx context.Context, id int64, username string, at time.Time) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
}

type Config struct {
	NumberPrefix   string
	ReceiptTitle   string
	CurrencySymbol string
}

func DefaultConfig() Config {
	return Config{NumberPrefix: "VNT", ReceiptTitle: "PHARMACIE", CurrencySymbol: "GNF"}
}

type Engine struct {
	repo    Repository
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Engine)

// WithClock replaces time.Now. The clock decides the sale timestamp and so
// the calendar day of the sale number.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.Named("sale")
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(repo Repository, cfg Config, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.NumberPrefix) == "" {
		cfg.NumberPrefix = defaults.NumberPrefix
	}
	if strings.TrimSpace(cfg.ReceiptTitle) == "" {
		cfg.ReceiptTitle = defaults.ReceiptTitle
	}
	if strings.TrimSpace(cfg.CurrencySymbol) == "" {
		cfg.CurrencySymbol = defaults.CurrencySymbol
	}

	e := &Engine{repo: repo, cfg: cfg, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Commit validates the cart against live stock and persists it as one
// completed sale. The store applies the sale, its lines, the stock exits and
// the customer credit atomically, so any error leaves nothing behind. The cart
// is cleared only on success.
func (e *Engine) Commit(ctx context.Context, actor domain.Actor, c *cart.Cart) (*domain.Sale, error) {
	started := e.now()
	sale, err := e.commit(ctx, actor, c)
	if err != nil {
		e.recordFailure("commit", err)
		return nil, err
	}

	c.Clear()
	e.metrics.RecordSaleCommitted(sale.Total.InexactFloat64(), e.now().Sub(started))
	e.logger.Info("sale committed",
		zap.String("sale_number", sale.Number),
		zap.String("total", sale.Total.StringFixed(2)),
		zap.Int("lines", len(sale.Lines)),
		zap.String("cashier", sale.CashierUsername))
	return sale, nil
}

func (e *Engine) commit(ctx context.Context, actor domain.Actor, c *cart.Cart) (*domain.Sale, error) {
	if strings.TrimSpace(actor.Username) == "" {
		return nil, apperr.New(apperr.NotAuthenticated, "no cashier is signed in")
	}
	if c == nil || c.IsEmpty() {
		return nil, apperr.New(apperr.EmptyCart, "the cart is empty")
	}

	items := c.Items()
	for _, item := range items {
		med, err := e.repo.GetMedicament(ctx, item.MedicamentID)
		if err != nil {
			return nil, err
		}
		if !med.Active {
			return nil, apperr.New(apperr.NotFound, "medicament %s is no longer available", med.Name)
		}
		if item.Quantity > med.QuantityInStock {
			return nil, apperr.Insufficient(med.Name, med.QuantityInStock)
		}
	}

	totals, err := c.ComputeTotals(ctx)
	if err != nil {
		return nil, err
	}

	draft := domain.SaleDraft{
		NumberPrefix:       e.cfg.NumberPrefix,
		CashierUsername:    actor.Username,
		SoldAt:             e.now(),
		Subtotal:           totals.Subtotal,
		DiscountPercentage: totals.DiscountPercentage,
		DiscountAmount:     totals.DiscountAmount,
		Total:              totals.Total,
		PointsEarned:       totals.PointsEarned,
		Lines:              make([]domain.SaleLine, 0, len(items)),
	}
	if customer := c.Customer(); customer != nil {
		id := customer.ID
		draft.CustomerID = &id
	}
	for _, item := range items {
		draft.Lines = append(draft.Lines, domain.SaleLine{
			MedicamentID:   item.MedicamentID,
			MedicamentCode: item.Code,
			MedicamentName: item.Name,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			LineTotal:      item.LineTotal(),
		})
	}

	return e.repo.CommitSale(ctx, draft)
}

// Cancel restores stock for every line and takes back the points the sale
// earned, clamped at zero. Lifetime spend is left as is. A sale that is not
// completed yields AlreadyCancelled and nothing changes.
func (e *Engine) Cancel(ctx context.Context, actor domain.Actor, saleID int64) (*domain.Sale, error) {
	if strings.TrimSpace(actor.Username) == "" {
		err := apperr.New(apperr.NotAuthenticated, "no user is signed in")
		e.recordFailure("cancel", err)
		return nil, err
	}

	sale, err := e.repo.CancelSale(ctx, saleID, actor.Username, e.now())
	if err != nil {
		e.recordFailure("cancel", err)
		return nil, err
	}

	e.metrics.RecordSaleCancelled()
	e.logger.Info("sale cancelled",
		zap.String("sale_number", sale.Number),
		zap.String("by", actor.Username),
		zap.Int("points_reversed", sale.PointsEarned))
	return sale, nil
}

func (e *Engine) recordFailure(operation string, err error) {
	kind := apperr.KindOf(err)
	e.metrics.RecordSaleFailure(operation, string(kind))

	switch kind {
	case apperr.InsufficientStock:
		available, _ := apperr.AvailableFrom(err)
		e.logger.Warn("sale refused on stock", zap.String("operation", operation), zap.Int("available", available), zap.Error(err))
	case apperr.Persistence:
		e.logger.Error("sale persistence failure", zap.String("operation", operation), zap.Error(err))
	default:
		e.logger.Debug("sale refused", zap.String("operation", operation), zap.String("kind", string(kind)), zap.Error(err))
	}
}
