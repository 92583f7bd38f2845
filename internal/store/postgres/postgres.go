package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
	"pharmapos/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// maxTxAttempts bounds the retries of a serializable transaction that lost a
// conflict with a concurrent one.
const maxTxAttempts = 3

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing table or index.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a serializable transaction and replays it when postgres
// reports a serialization failure, a deadlock or a sale number collision.
func (s *Store) withTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return persistence(err, name)
		}
		s.logger.Warn("retrying transaction", zap.String("tx", name), zap.Int("attempt", attempt), zap.Error(err))
	}
	return persistence(err, name)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const medicamentColumns = `id, code, name, description, category, purchase_price, selling_price,
	quantity_in_stock, stock_threshold, expiration_date, manufacturer, active`

func scanMedicament(row rowScanner) (domain.Medicament, error) {
	var med domain.Medicament
	var expiry sql.NullTime
	err := row.Scan(&med.ID, &med.Code, &med.Name, &med.Description, &med.Category, &med.PurchasePrice,
		&med.SellingPrice, &med.QuantityInStock, &med.StockThreshold, &expiry, &med.Manufacturer, &med.Active)
	if err != nil {
		return domain.Medicament{}, err
	}
	if expiry.Valid {
		date := domain.DateOf(expiry.Time.UTC())
		med.ExpirationDate = &date
	}
	return med, nil
}

func (s *Store) GetMedicament(ctx context.Context, id int64) (*domain.Medicament, error) {
	med, err := scanMedicament(s.db.QueryRowContext(ctx, `SELECT `+medicamentColumns+` FROM medicaments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "medicament %d not found", id)
	}
	if err != nil {
		return nil, persistence(err, "get medicament")
	}
	return &med, nil
}

func (s *Store) GetMedicamentByCode(ctx context.Context, code string) (*domain.Medicament, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	med, err := scanMedicament(s.db.QueryRowContext(ctx, `SELECT `+medicamentColumns+` FROM medicaments WHERE code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "medicament %s not found", code)
	}
	if err != nil {
		return nil, persistence(err, "get medicament by code")
	}
	return &med, nil
}

func (s *Store) SearchMedicaments(ctx context.Context, keyword string, category string, inStockOnly bool) ([]domain.Medicament, error) {
	query := `SELECT ` + medicamentColumns + ` FROM medicaments WHERE active = true`
	args := make([]any, 0, 2)
	if category = strings.TrimSpace(category); category != "" {
		args = append(args, category)
		query += fmt.Sprintf(` AND lower(category) = lower($%d)`, len(args))
	}
	if inStockOnly {
		query += ` AND quantity_in_stock > 0`
	}
	if keyword = strings.TrimSpace(keyword); keyword != "" {
		args = append(args, "%"+keyword+"%")
		n := len(args)
		query += fmt.Sprintf(` AND (name ILIKE $%d OR code ILIKE $%d OR description ILIKE $%d)`, n, n, n)
	}
	query += ` ORDER BY name, code`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence(err, "search medicaments")
	}
	defer rows.Close()

	meds := make([]domain.Medicament, 0, 64)
	for rows.Next() {
		med, err := scanMedicament(rows)
		if err != nil {
			return nil, persistence(err, "search medicaments")
		}
		meds = append(meds, med)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(err, "search medicaments")
	}
	return meds, nil
}

func (s *Store) ListMedicaments(ctx context.Context) ([]domain.Medicament, error) {
	return s.SearchMedicaments(ctx, "", "", false)
}

func (s *Store) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT category FROM medicaments
		WHERE active = true AND category <> ''
		ORDER BY category
	`)
	if err != nil {
		return nil, persistence(err, "list categories")
	}
	defer rows.Close()

	categories := make([]string, 0, 16)
	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			return nil, persistence(err, "list categories")
		}
		categories = append(categories, category)
	}
	if err := rows.Err(); err != nil {
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

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO medicaments (code, name, description, category, purchase_price, selling_price,
			quantity_in_stock, stock_threshold, expiration_date, manufacturer, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id
	`, med.Code, med.Name, med.Description, med.Category, med.PurchasePrice, med.SellingPrice,
		med.QuantityInStock, med.StockThreshold, nullDate(med.ExpirationDate), med.Manufacturer, med.Active).Scan(&med.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.Validation, "medicament code %s already exists", med.Code)
		}
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
	err := s.withTx(ctx, "apply stock movement", func(tx *sql.Tx) error {
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
	err := s.withTx(ctx, "set stock level", func(tx *sql.Tx) error {
		recorded = nil
		var current int
		err := tx.QueryRowContext(ctx, `SELECT quantity_in_stock FROM medicaments WHERE id = $1 FOR UPDATE`, movement.MedicamentID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.NotFound, "medicament %d not found", movement.MedicamentID)
		}
		if err != nil {
			return err
		}
		if current == level {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE medicaments SET quantity_in_stock = $1 WHERE id = $2`, level, movement.MedicamentID); err != nil {
			return err
		}
		adjusted := movement
		adjusted.Quantity = level - current
		if adjusted.ID, err = insertMovement(ctx, tx, adjusted); err != nil {
			return err
		}
		recorded = &adjusted
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return recorded, level, nil
}

// adjustStock applies delta only if the result stays at or above zero.
func adjustStock(ctx context.Context, tx *sql.Tx, medicamentID int64, delta int) (int, error) {
	var quantity int
	err := tx.QueryRowContext(ctx, `
		UPDATE medicaments SET quantity_in_stock = quantity_in_stock + $1
		WHERE id = $2 AND quantity_in_stock + $1 >= 0
		RETURNING quantity_in_stock
	`, delta, medicamentID).Scan(&quantity)
	if err == nil {
		return quantity, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var name string
	var current int
	err = tx.QueryRowContext(ctx, `SELECT name, quantity_in_stock FROM medicaments WHERE id = $1`, medicamentID).Scan(&name, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.New(apperr.NotFound, "medicament %d not found", medicamentID)
	}
	if err != nil {
		return 0, err
	}
	return 0, apperr.Insufficient(name, current)
}

func insertMovement(ctx context.Context, tx *sql.Tx, movement domain.StockMovement) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO stock_movements (medicament_id, username, movement_type, quantity, reference_id, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, movement.MedicamentID, movement.Username, movement.Type, movement.Quantity,
		nullInt64(movement.ReferenceID), movement.Reason, movement.CreatedAt).Scan(&id)
	return id, err
}

func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	query := `SELECT id, medicament_id, username, movement_type, quantity, reference_id, reason, created_at
		FROM stock_movements WHERE true`
	args := make([]any, 0, 4)
	if filter.MedicamentID != nil {
		args = append(args, *filter.MedicamentID)
		query += fmt.Sprintf(` AND medicament_id = $%d`, len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence(err, "list stock movements")
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 64)
	for rows.Next() {
		var m domain.StockMovement
		var ref sql.NullInt64
		if err := rows.Scan(&m.ID, &m.MedicamentID, &m.Username, &m.Type, &m.Quantity, &ref, &m.Reason, &m.CreatedAt); err != nil {
			return nil, persistence(err, "list stock movements")
		}
		m.ReferenceID = int64Ptr(ref)
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(err, "list stock movements")
	}
	return movements, nil
}

const customerColumns = `id, COALESCE(code, ''), first_name, last_name, phone, email, loyalty_points, total_spent, active`

func scanCustomer(row rowScanner) (domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.Code, &c.FirstName, &c.LastName, &c.Phone, &c.Email, &c.LoyaltyPoints, &c.TotalSpent, &c.Active)
	return c, err
}

func (s *Store) GetCustomer(ctx context.Context, id int64) (*domain.Customer, error) {
	return getCustomer(ctx, s.db, id, false)
}

func getCustomer(ctx context.Context, q queryer, id int64, forUpdate bool) (*domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	customer, err := scanCustomer(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "customer %d not found", id)
	}
	if err != nil {
		return nil, persistence(err, "get customer")
	}
	return &customer, nil
}

func (s *Store) SearchCustomers(ctx context.Context, keyword string) ([]domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE active = true`
	args := make([]any, 0, 1)
	if keyword = strings.TrimSpace(keyword); keyword != "" {
		args = append(args, "%"+keyword+"%")
		query += ` AND (code ILIKE $1 OR first_name ILIKE $1 OR last_name ILIKE $1 OR phone ILIKE $1)`
	}
	query += ` ORDER BY last_name, first_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence(err, "search customers")
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 32)
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, persistence(err, "search customers")
		}
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(err, "search customers")
	}
	return customers, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.FirstName = strings.TrimSpace(customer.FirstName)
	customer.LastName = strings.TrimSpace(customer.LastName)
	customer.Code = strings.TrimSpace(customer.Code)
	if customer.FirstName == "" && customer.LastName == "" {
		return nil, apperr.New(apperr.Validation, "customer name is required")
	}
	if customer.LoyaltyPoints < 0 || customer.TotalSpent.IsNegative() {
		return nil, apperr.New(apperr.Validation, "customer balances must not be negative")
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (code, first_name, last_name, phone, email, loyalty_points, total_spent, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, nullIfEmpty(customer.Code), customer.FirstName, customer.LastName, customer.Phone, customer.Email,
		customer.LoyaltyPoints, customer.TotalSpent, customer.Active).Scan(&customer.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.Validation, "customer code %s already exists", customer.Code)
		}
		return nil, persistence(err, "create customer")
	}
	if customer.Code != "" {
		return &customer, nil
	}
	customer.Code = fmt.Sprintf("CLI%03d", customer.ID)
	if _, err := s.db.ExecContext(ctx, `UPDATE customers SET code = $1 WHERE id = $2`, customer.Code, customer.ID); err != nil {
		return nil, persistence(err, "create customer")
	}
	return &customer, nil
}

func (s *Store) ListActiveTiers(ctx context.Context) ([]domain.LoyaltyTier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, min_points, discount_percentage, description, active
		FROM loyalty_tiers
		WHERE active = true
		ORDER BY min_points, id
	`)
	if err != nil {
		return nil, persistence(err, "list tiers")
	}
	defer rows.Close()

	tiers := make([]domain.LoyaltyTier, 0, 8)
	for rows.Next() {
		var tier domain.LoyaltyTier
		if err := rows.Scan(&tier.ID, &tier.Name, &tier.MinPoints, &tier.DiscountPercentage, &tier.Description, &tier.Active); err != nil {
			return nil, persistence(err, "list tiers")
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(err, "list tiers")
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
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO loyalty_tiers (name, min_points, discount_percentage, description, active)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, tier.Name, tier.MinPoints, tier.DiscountPercentage, tier.Description, tier.Active).Scan(&tier.ID)
	if err != nil {
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
	ids := make([]int64, 0, len(draft.Lines))
	for _, line := range draft.Lines {
		if line.Quantity <= 0 {
			return nil, apperr.New(apperr.Validation, "line quantity must be positive")
		}
		ids = append(ids, line.MedicamentID)
	}

	var sale *domain.Sale
	err := s.withTx(ctx, "commit sale", func(tx *sql.Tx) error {
		// Row locks in id order keep two overlapping sales from deadlocking.
		if _, err := tx.ExecContext(ctx, `
			SELECT id FROM medicaments WHERE id = ANY($1) ORDER BY id FOR UPDATE
		`, ids); err != nil {
			return err
		}

		var customer *domain.Customer
		if draft.CustomerID != nil {
			var err error
			if customer, err = getCustomer(ctx, tx, *draft.CustomerID, true); err != nil {
				return err
			}
		}

		number, err := nextSaleNumber(ctx, tx, draft.NumberPrefix, draft.SoldAt)
		if err != nil {
			return err
		}
		var saleID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO sales (sale_number, customer_id, cashier, sale_date, subtotal, discount_percentage,
				discount_amount, total, points_earned, points_used, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10)
			RETURNING id
		`, number, nullInt64(draft.CustomerID), draft.CashierUsername, draft.SoldAt, draft.Subtotal,
			draft.DiscountPercentage, draft.DiscountAmount, draft.Total, draft.PointsEarned,
			domain.SaleStatusCompleted).Scan(&saleID)
		if err != nil {
			return err
		}

		for _, line := range draft.Lines {
			if _, err := adjustStock(ctx, tx, line.MedicamentID, -line.Quantity); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sale_lines (sale_id, medicament_id, medicament_code, medicament_name, quantity, unit_price, line_total)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, saleID, line.MedicamentID, line.MedicamentCode, line.MedicamentName, line.Quantity,
				line.UnitPrice, line.LineTotal); err != nil {
				return err
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
			if _, err := tx.ExecContext(ctx, `
				UPDATE customers SET loyalty_points = loyalty_points + $1, total_spent = total_spent + $2
				WHERE id = $3
			`, draft.PointsEarned, draft.Total, customer.ID); err != nil {
				return err
			}
		}

		sale, err = getSale(ctx, tx, `s.id = $1`, saleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func nextSaleNumber(ctx context.Context, tx *sql.Tx, prefix string, soldAt time.Time) (string, error) {
	dayPrefix := store.SaleNumberDayPrefix(prefix, soldAt)
	rows, err := tx.QueryContext(ctx, `SELECT sale_number FROM sales WHERE left(sale_number, $1) = $2`,
		len(dayPrefix), dayPrefix)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	last := 0
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return "", err
		}
		if seq := store.ParseSaleSequence(number, dayPrefix); seq > last {
			last = seq
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return store.SaleNumber(prefix, soldAt, last+1), nil
}

func (s *Store) CancelSale(ctx context.Context, id int64, username string, at time.Time) (*domain.Sale, error) {
	var sale *domain.Sale
	err := s.withTx(ctx, "cancel sale", func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.NotFound, "sale %d not found", id)
		}
		if err != nil {
			return err
		}
		current, err := getSale(ctx, tx, `s.id = $1`, id)
		if err != nil {
			return err
		}
		if status != domain.SaleStatusCompleted {
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
			if _, err := tx.ExecContext(ctx, `
				UPDATE customers SET loyalty_points = GREATEST(loyalty_points - $1, 0) WHERE id = $2
			`, current.PointsEarned, *current.CustomerID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sales SET status = $1, cancelled_at = $2, cancelled_by = $3 WHERE id = $4
		`, domain.SaleStatusCancelled, at, username, id); err != nil {
			return err
		}

		sale, err = getSale(ctx, tx, `s.id = $1`, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

const saleSelect = `
	SELECT s.id, s.sale_number, s.customer_id,
		COALESCE(TRIM(c.first_name || ' ' || c.last_name), ''),
		s.cashier, s.sale_date, s.subtotal, s.discount_percentage, s.discount_amount, s.total,
		s.points_earned, s.points_used, s.status, s.cancelled_at, s.cancelled_by
	FROM sales s
	LEFT JOIN customers c ON c.id = s.customer_id`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullInt64
	var cancelledAt sql.NullTime
	err := row.Scan(&sale.ID, &sale.Number, &customerID, &sale.CustomerName, &sale.CashierUsername, &sale.SoldAt,
		&sale.Subtotal, &sale.DiscountPercentage, &sale.DiscountAmount, &sale.Total, &sale.PointsEarned,
		&sale.PointsUsed, &sale.Status, &cancelledAt, &sale.CancelledBy)
	if err != nil {
		return domain.Sale{}, err
	}
	sale.CustomerID = int64Ptr(customerID)
	if cancelledAt.Valid {
		at := cancelledAt.Time
		sale.CancelledAt = &at
	}
	sale.Lines = []domain.SaleLine{}
	return sale, nil
}

func getSale(ctx context.Context, q queryer, where string, arg any) (*domain.Sale, error) {
	sales, err := selectSales(ctx, q, saleSelect+` WHERE `+where, arg)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, apperr.New(apperr.NotFound, "sale %v not found", arg)
	}
	return &sales[0], nil
}

func selectSales(ctx context.Context, q queryer, query string, args ...any) ([]domain.Sale, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, 32)
	index := map[int64]int{}
	ids := make([]int64, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		index[sale.ID] = len(sales)
		ids = append(ids, sale.ID)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(ids) == 0 {
		return sales, nil
	}

	lineRows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, medicament_id, medicament_code, medicament_name, quantity, unit_price, line_total
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var line domain.SaleLine
		if err := lineRows.Scan(&line.ID, &line.SaleID, &line.MedicamentID, &line.MedicamentCode, &line.MedicamentName,
			&line.Quantity, &line.UnitPrice, &line.LineTotal); err != nil {
			return nil, err
		}
		i := index[line.SaleID]
		sales[i].Lines = append(sales[i].Lines, line)
	}
	return sales, lineRows.Err()
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	sale, err := getSale(ctx, s.db, `s.id = $1`, id)
	if err != nil {
		return nil, persistence(err, "get sale")
	}
	return sale, nil
}

func (s *Store) GetSaleByNumber(ctx context.Context, number string) (*domain.Sale, error) {
	sale, err := getSale(ctx, s.db, `s.sale_number = $1`, strings.TrimSpace(number))
	if err != nil {
		return nil, persistence(err, "get sale by number")
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	sales, err := selectSales(ctx, s.db, saleSelect+`
		WHERE s.sale_date >= $1 AND s.sale_date < $2
		ORDER BY s.sale_date DESC, s.id DESC
	`, from, to)
	if err != nil {
		return nil, persistence(err, "list sales")
	}
	return sales, nil
}

func (s *Store) ListSalesByCustomer(ctx context.Context, customerID int64) ([]domain.Sale, error) {
	sales, err := selectSales(ctx, s.db, saleSelect+`
		WHERE s.customer_id = $1
		ORDER BY s.sale_date DESC, s.id DESC
	`, customerID)
	if err != nil {
		return nil, persistence(err, "list customer sales")
	}
	return sales, nil
}

func (s *Store) DailySummary(ctx context.Context, day time.Time) (domain.DailySummary, error) {
	start := domain.DateOf(day)
	end := start.AddDate(0, 0, 1)
	summary := domain.DailySummary{Date: start.Format(time.DateOnly)}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total), 0)
		FROM sales
		WHERE status = $1 AND sale_date >= $2 AND sale_date < $3
	`, domain.SaleStatusCompleted, start, end).Scan(&summary.SalesCount, &summary.Total)
	if err != nil {
		return domain.DailySummary{}, persistence(err, "daily summary")
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, full_name, role, active, created_at)
		VALUES ($1,$2,$3,$4,true,$5)
	`, username, user.Password, user.FullName, string(user.Role), user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.Validation, "user %s already exists", username)
		}
		return persistence(err, "create user")
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, full_name, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, persistence(err, "list users")
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		var role string
		if err := rows.Scan(&user.Username, &user.Password, &user.FullName, &role, &user.Active, &user.CreatedAt); err != nil {
			return nil, persistence(err, "list users")
		}
		user.Role = domain.Role(role)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(err, "list users")
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return apperr.New(apperr.Validation, "username and password are required")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $1 WHERE username = $2`, password, username)
	if err != nil {
		return persistence(err, "update user password")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return persistence(err, "update user password")
	}
	if affected == 0 {
		return apperr.New(apperr.NotFound, "user %s not found", username)
	}
	return nil
}

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
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isRetryable covers serialization_failure, deadlock_detected and the sale
// number unique index losing a race.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.Format(time.DateOnly)
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
