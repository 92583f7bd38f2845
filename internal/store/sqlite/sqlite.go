// Package sqlite is the embedded relational store used by a single pharmacy
// install. It runs on modernc.org/sqlite through sqlx with one open
// connection, so every transaction is serialized.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
	"pharmapos/internal/store"
)

type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to the database file at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sqlite store ready", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, err, "begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Persistence, err, "commit transaction")
	}
	return nil
}

// persistence passes classified errors through and wraps driver errors.
func persistence(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Wrap(apperr.Persistence, err, message)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) GetMedicament(ctx context.Context, id int64) (*domain.Medicament, error) {
	var row medicamentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+medicamentColumns+` FROM medicaments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "medicament %d not found", id)
	}
	if err != nil {
		return nil, persistence(err, "get medicament")
	}
	med := row.toDomain()
	return &med, nil
}

func (s *Store) GetMedicamentByCode(ctx context.Context, code string) (*domain.Medicament, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var row medicamentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+medicamentColumns+` FROM medicaments WHERE code = ?`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "medicament %s not found", code)
	}
	if err != nil {
		return nil, persistence(err, "get medicament by code")
	}
	med := row.toDomain()
	return &med, nil
}

func (s *Store) SearchMedicaments(ctx context.Context, keyword string, category string, inStockOnly bool) ([]domain.Medicament, error) {
	query := `SELECT ` + medicamentColumns + ` FROM medicaments WHERE active = 1`
	args := make([]any, 0, 4)
	if category = strings.TrimSpace(category); category != "" {
		query += ` AND category = ? COLLATE NOCASE`
		args = append(args, category)
	}
	if inStockOnly {
		query += ` AND quantity_in_stock > 0`
	}
	if keyword = strings.TrimSpace(keyword); keyword != "" {
		like := "%" + keyword + "%"
		query += ` AND (name LIKE ? OR code LIKE ? OR description LIKE ?)`
		args = append(args, like, like, like)
	}
	query += ` ORDER BY name, code`

	var rows []medicamentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, persistence(err, "search medicaments")
	}
	meds := make([]domain.Medicament, 0, len(rows))
	for _, row := range rows {
		meds = append(meds, row.toDomain())
	}
	return meds, nil
}

func (s *Store) ListMedicaments(ctx context.Context) ([]domain.Medicament, error) {
	return s.SearchMedicaments(ctx, "", "", false)
}

func (s *Store) Categories(ctx context.Context) ([]string, error) {
	categories := []string{}
	err := s.db.SelectContext(ctx, &categories,
		`SELECT DISTINCT category FROM medicaments WHERE active = 1 AND category <> '' ORDER BY category`)
	if err != nil {
		return nil, persistence(err, "list categories")
	}
	return categories, nil
}

func (s *Store) CreateMedicament(ctx context.Context, med domain.Medicament) (*domain.Medicament, error) {
	med.Code = strings.ToUpper(strings.TrimSpace(med.Code))
	med.Name = strings.TrimSpace(med.Name)
	if med.Code == "" || med.Name == "" {
		return nil, apperr.New(apperr.Validation, "medicament code and name are required")
	}
	if med.SellingPrice.IsNegative() || med.PurchasePrice.IsNegative() || med.QuantityInStock < 0 {
		return nil, apperr.New(apperr.Validation, "medicament %s has negative price or quantity", med.Code)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO medicaments
		(code, name, description, category, purchase_price, selling_price, quantity_in_stock,
		 stock_threshold, expiration_date, manufacturer, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		med.Code, med.Name, med.Description, med.Category, med.PurchasePrice, med.SellingPrice,
		med.QuantityInStock, med.StockThreshold, expirationValue(med.ExpirationDate), med.Manufacturer, med.Active)
	if isUniqueViolation(err) {
		return nil, apperr.New(apperr.Validation, "medicament code %s already exists", med.Code)
	}
	if err != nil {
		return nil, persistence(err, "create medicament")
	}
	if med.ID, err = res.LastInsertId(); err != nil {
		return nil, persistence(err, "create medicament")
	}
	return &med, nil
}

func (s *Store) ApplyStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, int, error) {
	if movement.Quantity == 0 {
		return nil, 0, apperr.New(apperr.Validation, "stock movement quantity must not be zero")
	}
	switch movement.Type {
	case domain.MovementEntry, domain.MovementExit, domain.MovementAdjustment:
	default:
		return nil, 0, apperr.New(apperr.Validation, "unknown movement type %q", movement.Type)
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	var quantity int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if quantity, err = adjustStock(ctx, tx, movement.MedicamentID, movement.Quantity); err != nil {
			return err
		}
		movement.ID, err = insertMovement(ctx, tx, movement)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return &movement, quantity, nil
}

func (s *Store) SetStockLevel(ctx context.Context, movement domain.StockMovement, level int) (*domain.StockMovement, int, error) {
	if level < 0 {
		return nil, 0, apperr.New(apperr.Validation, "stock cannot be set below zero")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	movement.Type = domain.MovementAdjustment

	var recorded *domain.StockMovement
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current int
		err := tx.GetContext(ctx, &current, `SELECT quantity_in_stock FROM medicaments WHERE id = ?`, movement.MedicamentID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.NotFound, "medicament %d not found", movement.MedicamentID)
		}
		if err != nil {
			return persistence(err, "read stock level")
		}
		if current == level {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE medicaments SET quantity_in_stock = ? WHERE id = ?`, level, movement.MedicamentID); err != nil {
			return persistence(err, "set stock level")
		}
		movement.Quantity = level - current
		if movement.ID, err = insertMovement(ctx, tx, movement); err != nil {
			return err
		}
		recorded = &movement
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return recorded, level, nil
}

// adjustStock applies delta only if the result stays at or above zero.
func adjustStock(ctx context.Context, tx *sqlx.Tx, medicamentID int64, delta int) (int, error) {
	var quantity int
	err := tx.QueryRowxContext(ctx, `UPDATE medicaments SET quantity_in_stock = quantity_in_stock + ?
		WHERE id = ? AND quantity_in_stock + ? >= 0 RETURNING quantity_in_stock`,
		delta, medicamentID, delta).Scan(&quantity)
	if err == nil {
		return quantity, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, persistence(err, "adjust stock")
	}

	var current struct {
		Name     string `db:"name"`
		Quantity int    `db:"quantity_in_stock"`
	}
	err = tx.GetContext(ctx, &current, `SELECT name, quantity_in_stock FROM medicaments WHERE id = ?`, medicamentID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.New(apperr.NotFound, "medicament %d not found", medicamentID)
	}
	if err != nil {
		return 0, persistence(err, "adjust stock")
	}
	return 0, apperr.Insufficient(current.Name, current.Quantity)
}

func insertMovement(ctx context.Context, tx *sqlx.Tx, movement domain.StockMovement) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO stock_movements
		(medicament_id, username, movement_type, quantity, reference_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		movement.MedicamentID, movement.Username, movement.Type, movement.Quantity,
		nullInt64(movement.ReferenceID), movement.Reason, formatTime(movement.CreatedAt))
	if err != nil {
		return 0, persistence(err, "append stock movement")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, persistence(err, "append stock movement")
	}
	return id, nil
}

func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	query := `SELECT id, medicament_id, username, movement_type, quantity, reference_id, reason, created_at
		FROM stock_movements WHERE 1 = 1`
	args := make([]any, 0, 4)
	if filter.MedicamentID != nil {
		query += ` AND medicament_id = ?`
		args = append(args, *filter.MedicamentID)
	}
	if filter.From != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		query += ` AND created_at < ?`
		args = append(args, formatTime(*filter.To))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []movementRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, persistence(err, "list stock movements")
	}
	movements := make([]domain.StockMovement, 0, len(rows))
	for _, row := range rows {
		movements = append(movements, row.toDomain())
	}
	return movements, nil
}

func (s *Store) GetCustomer(ctx context.Context, id int64) (*domain.Customer, error) {
	return getCustomer(ctx, s.db, id)
}

func getCustomer(ctx context.Context, q sqlx.QueryerContext, id int64) (*domain.Customer, error) {
	var row customerRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "customer %d not found", id)
	}
	if err != nil {
		return nil, persistence(err, "get customer")
	}
	customer := row.toDomain()
	return &customer, nil
}

func (s *Store) SearchCustomers(ctx context.Context, keyword string) ([]domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE active = 1`
	args := make([]any, 0, 4)
	if keyword = strings.TrimSpace(keyword); keyword != "" {
		like := "%" + keyword + "%"
		query += ` AND (code LIKE ? OR first_name LIKE ? OR last_name LIKE ? OR phone LIKE ?)`
		args = append(args, like, like, like, like)
	}
	query += ` ORDER BY last_name, first_name`

	var rows []customerRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, persistence(err, "search customers")
	}
	customers := make([]domain.Customer, 0, len(rows))
	for _, row := range rows {
		customers = append(customers, row.toDomain())
	}
	return customers, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.FirstName = strings.TrimSpace(customer.FirstName)
	customer.LastName = strings.TrimSpace(customer.LastName)
	if customer.FirstName == "" && customer.LastName == "" {
		return nil, apperr.New(apperr.Validation, "customer name is required")
	}
	if customer.LoyaltyPoints < 0 || customer.TotalSpent.IsNegative() {
		return nil, apperr.New(apperr.Validation, "customer balances must not be negative")
	}
	code := sql.NullString{String: strings.TrimSpace(customer.Code), Valid: strings.TrimSpace(customer.Code) != ""}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO customers
			(code, first_name, last_name, phone, email, loyalty_points, total_spent, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			code, customer.FirstName, customer.LastName, customer.Phone, customer.Email,
			customer.LoyaltyPoints, customer.TotalSpent, customer.Active)
		if isUniqueViolation(err) {
			return apperr.New(apperr.Validation, "customer code %s already exists", code.String)
		}
		if err != nil {
			return persistence(err, "create customer")
		}
		if customer.ID, err = res.LastInsertId(); err != nil {
			return persistence(err, "create customer")
		}
		if code.Valid {
			customer.Code = code.String
			return nil
		}
		customer.Code = fmt.Sprintf("CLI%03d", customer.ID)
		_, err = tx.ExecContext(ctx, `UPDATE customers SET code = ? WHERE id = ?`, customer.Code, customer.ID)
		return persistence(err, "create customer")
	})
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (s *Store) ListActiveTiers(ctx context.Context) ([]domain.LoyaltyTier, error) {
	var rows []tierRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, name, min_points, discount_percentage, description, active
		FROM loyalty_tiers WHERE active = 1 ORDER BY min_points, id`)
	if err != nil {
		return nil, persistence(err, "list tiers")
	}
	tiers := make([]domain.LoyaltyTier, 0, len(rows))
	for _, row := range rows {
		tiers = append(tiers, row.toDomain())
	}
	return tiers, nil
}

func (s *Store) CreateTier(ctx context.Context, tier domain.LoyaltyTier) (*domain.LoyaltyTier, error) {
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Name == "" || tier.MinPoints < 0 {
		return nil, apperr.New(apperr.Validation, "tier needs a name and a non-negative minimum")
	}
	if tier.DiscountPercentage.IsNegative() || tier.DiscountPercentage.GreaterThan(decimal.NewFromInt(100)) {
		return nil, apperr.New(apperr.Validation, "tier discount must be between 0 and 100")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO loyalty_tiers (name, min_points, discount_percentage, description, active)
		VALUES (?, ?, ?, ?, ?)`, tier.Name, tier.MinPoints, tier.DiscountPercentage, tier.Description, tier.Active)
	if err != nil {
		return nil, persistence(err, "create tier")
	}
	if tier.ID, err = res.LastInsertId(); err != nil {
		return nil, persistence(err, "create tier")
	}
	return &tier, nil
}

func (s *Store) CommitSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	if len(draft.Lines) == 0 {
		return nil, apperr.New(apperr.EmptyCart, "sale has no lines")
	}
	if strings.TrimSpace(draft.CashierUsername) == "" {
		return nil, apperr.New(apperr.NotAuthenticated, "sale has no cashier")
	}
	for _, line := range draft.Lines {
		if line.Quantity <= 0 {
			return nil, apperr.New(apperr.Validation, "line quantity must be positive")
		}
	}

	var sale *domain.Sale
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var customer *domain.Customer
		if draft.CustomerID != nil {
			var err error
			if customer, err = getCustomer(ctx, tx, *draft.CustomerID); err != nil {
				return err
			}
		}

		number, err := nextSaleNumber(ctx, tx, draft.NumberPrefix, draft.SoldAt)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO sales
			(sale_number, customer_id, cashier, sale_date, subtotal, discount_percentage, discount_amount,
			 total, points_earned, points_used, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			number, nullInt64(draft.CustomerID), draft.CashierUsername, formatTime(draft.SoldAt),
			draft.Subtotal, draft.DiscountPercentage, draft.DiscountAmount, draft.Total,
			draft.PointsEarned, domain.SaleStatusCompleted)
		if err != nil {
			return persistence(err, "insert sale")
		}
		saleID, err := res.LastInsertId()
		if err != nil {
			return persistence(err, "insert sale")
		}

		for _, line := range draft.Lines {
			if _, err := adjustStock(ctx, tx, line.MedicamentID, -line.Quantity); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO sale_lines
				(sale_id, medicament_id, medicament_code, medicament_name, quantity, unit_price, line_total)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				saleID, line.MedicamentID, line.MedicamentCode, line.MedicamentName,
				line.Quantity, line.UnitPrice, line.LineTotal); err != nil {
				return persistence(err, "insert sale line")
			}
			ref := saleID
			if _, err := insertMovement(ctx, tx, domain.StockMovement{
				MedicamentID: line.MedicamentID,
				Username:     draft.CashierUsername,
				Type:         domain.MovementExit,
				Quantity:     -line.Quantity,
				ReferenceID:  &ref,
				Reason:       store.SaleReason,
				CreatedAt:    draft.SoldAt,
			}); err != nil {
				return err
			}
		}

		if customer != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE customers SET loyalty_points = loyalty_points + ?, total_spent = ?
				WHERE id = ?`, draft.PointsEarned, customer.TotalSpent.Add(draft.Total), customer.ID); err != nil {
				return persistence(err, "update customer balance")
			}
		}

		sale, err = getSale(ctx, tx, saleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func nextSaleNumber(ctx context.Context, tx *sqlx.Tx, prefix string, soldAt time.Time) (string, error) {
	dayPrefix := store.SaleNumberDayPrefix(prefix, soldAt)
	var numbers []string
	err := tx.SelectContext(ctx, &numbers, `SELECT sale_number FROM sales WHERE substr(sale_number, 1, ?) = ?`,
		len(dayPrefix), dayPrefix)
	if err != nil {
		return "", persistence(err, "allocate sale number")
	}
	last := 0
	for _, number := range numbers {
		if seq := store.ParseSaleSequence(number, dayPrefix); seq > last {
			last = seq
		}
	}
	return store.SaleNumber(prefix, soldAt, last+1), nil
}

func (s *Store) CancelSale(ctx context.Context, id int64, username string, at time.Time) (*domain.Sale, error) {
	var sale *domain.Sale
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getSale(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != domain.SaleStatusCompleted {
			return apperr.New(apperr.AlreadyCancelled, "sale %s is already cancelled", current.Number)
		}

		for _, line := range current.Lines {
			if _, err := adjustStock(ctx, tx, line.MedicamentID, line.Quantity); err != nil {
				return err
			}
			ref := current.ID
			if _, err := insertMovement(ctx, tx, domain.StockMovement{
				MedicamentID: line.MedicamentID,
				Username:     username,
				Type:         domain.MovementEntry,
				Quantity:     line.Quantity,
				ReferenceID:  &ref,
				Reason:       store.CancellationReason(current.Number),
				CreatedAt:    at,
			}); err != nil {
				return err
			}
		}

		if current.CustomerID != nil && current.PointsEarned > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE customers SET loyalty_points = MAX(loyalty_points - ?, 0) WHERE id = ?`,
				current.PointsEarned, *current.CustomerID); err != nil {
				return persistence(err, "revert loyalty points")
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE sales SET status = ?, cancelled_at = ?, cancelled_by = ?
			WHERE id = ? AND status = ?`,
			domain.SaleStatusCancelled, formatTime(at), username, id, domain.SaleStatusCompleted); err != nil {
			return persistence(err, "cancel sale")
		}

		sale, err = getSale(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	return getSale(ctx, s.db, id)
}

func getSale(ctx context.Context, q sqlx.QueryerContext, id int64) (*domain.Sale, error) {
	var row saleRow
	err := sqlx.GetContext(ctx, q, &row, saleSelect+` WHERE s.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "sale %d not found", id)
	}
	if err != nil {
		return nil, persistence(err, "get sale")
	}
	sales, err := attachLines(ctx, q, []saleRow{row})
	if err != nil {
		return nil, err
	}
	return &sales[0], nil
}

func (s *Store) GetSaleByNumber(ctx context.Context, number string) (*domain.Sale, error) {
	number = strings.TrimSpace(number)
	var row saleRow
	err := s.db.GetContext(ctx, &row, saleSelect+` WHERE s.sale_number = ?`, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "sale %s not found", number)
	}
	if err != nil {
		return nil, persistence(err, "get sale by number")
	}
	sales, err := attachLines(ctx, s.db, []saleRow{row})
	if err != nil {
		return nil, err
	}
	return &sales[0], nil
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	return s.selectSales(ctx, saleSelect+` WHERE s.sale_date >= ? AND s.sale_date < ? ORDER BY s.sale_date DESC, s.id DESC`,
		formatTime(from), formatTime(to))
}

func (s *Store) ListSalesByCustomer(ctx context.Context, customerID int64) ([]domain.Sale, error) {
	return s.selectSales(ctx, saleSelect+` WHERE s.customer_id = ? ORDER BY s.sale_date DESC, s.id DESC`, customerID)
}

func (s *Store) selectSales(ctx context.Context, query string, args ...any) ([]domain.Sale, error) {
	var rows []saleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, persistence(err, "list sales")
	}
	return attachLines(ctx, s.db, rows)
}

// attachLines loads the lines of every sale in one query.
func attachLines(ctx context.Context, q sqlx.QueryerContext, rows []saleRow) ([]domain.Sale, error) {
	sales := make([]domain.Sale, 0, len(rows))
	if len(rows) == 0 {
		return sales, nil
	}
	ids := make([]int64, 0, len(rows))
	index := make(map[int64]int, len(rows))
	for i, row := range rows {
		sales = append(sales, row.toDomain())
		ids = append(ids, row.ID)
		index[row.ID] = i
	}

	query, args, err := sqlx.In(`SELECT id, sale_id, medicament_id, medicament_code, medicament_name, quantity,
		unit_price, line_total FROM sale_lines WHERE sale_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, persistence(err, "load sale lines")
	}
	var lines []saleLineRow
	if err := sqlx.SelectContext(ctx, q, &lines, query, args...); err != nil {
		return nil, persistence(err, "load sale lines")
	}
	for _, line := range lines {
		i := index[line.SaleID]
		sales[i].Lines = append(sales[i].Lines, line.toDomain())
	}
	return sales, nil
}

func (s *Store) DailySummary(ctx context.Context, day time.Time) (domain.DailySummary, error) {
	start := domain.DateOf(day)
	end := start.AddDate(0, 0, 1)
	var totals []decimal.Decimal
	err := s.db.SelectContext(ctx, &totals, `SELECT total FROM sales WHERE status = ? AND sale_date >= ? AND sale_date < ?`,
		domain.SaleStatusCompleted, formatTime(start), formatTime(end))
	if err != nil {
		return domain.DailySummary{}, persistence(err, "daily summary")
	}
	summary := domain.DailySummary{Date: start.Format(time.DateOnly), SalesCount: len(totals), Total: decimal.Zero}
	for _, total := range totals {
		summary.Total = summary.Total.Add(total)
	}
	return summary, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
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
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (username, password, full_name, role, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`, username, user.Password, user.FullName, string(user.Role), formatTime(user.CreatedAt))
	if isUniqueViolation(err) {
		return apperr.New(apperr.Validation, "user %s already exists", username)
	}
	if err != nil {
		return persistence(err, "create user")
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows, `SELECT username, password, full_name, role, active, created_at
		FROM users ORDER BY username`)
	if err != nil {
		return nil, persistence(err, "list users")
	}
	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toDomain())
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return apperr.New(apperr.Validation, "username and password are required")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = ? WHERE username = ?`, password, username)
	if err != nil {
		return persistence(err, "update user password")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.New(apperr.NotFound, "user %s not found", username)
	}
	return nil
}
