package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS medicaments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		purchase_price TEXT NOT NULL DEFAULT '0',
		selling_price TEXT NOT NULL,
		quantity_in_stock INTEGER NOT NULL DEFAULT 0 CHECK (quantity_in_stock >= 0),
		stock_threshold INTEGER NOT NULL DEFAULT 10,
		expiration_date TEXT,
		manufacturer TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS customers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT UNIQUE,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		loyalty_points INTEGER NOT NULL DEFAULT 0 CHECK (loyalty_points >= 0),
		total_spent TEXT NOT NULL DEFAULT '0',
		active INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS loyalty_tiers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		min_points INTEGER NOT NULL CHECK (min_points >= 0),
		discount_percentage TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sale_number TEXT NOT NULL UNIQUE,
		customer_id INTEGER REFERENCES customers(id),
		cashier TEXT NOT NULL,
		sale_date TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		discount_percentage TEXT NOT NULL,
		discount_amount TEXT NOT NULL,
		total TEXT NOT NULL,
		points_earned INTEGER NOT NULL DEFAULT 0,
		points_used INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		cancelled_at TEXT,
		cancelled_by TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sales_sale_date ON sales(sale_date);`,
	`CREATE TABLE IF NOT EXISTS sale_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sale_id INTEGER NOT NULL REFERENCES sales(id),
		medicament_id INTEGER NOT NULL REFERENCES medicaments(id),
		medicament_code TEXT NOT NULL,
		medicament_name TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		line_total TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sale_lines_sale ON sale_lines(sale_id);`,
	`CREATE TABLE IF NOT EXISTS stock_movements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		medicament_id INTEGER NOT NULL REFERENCES medicaments(id),
		username TEXT NOT NULL DEFAULT '',
		movement_type TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity <> 0),
		reference_id INTEGER,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_stock_movements_medicament ON stock_movements(medicament_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);`,
}

// migrate creates the schema. Every statement is idempotent.
func migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
