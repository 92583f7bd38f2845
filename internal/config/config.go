package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port          string
	Env           string
	LogLevel      string
	AllowedOrigin string

	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	TierCacheTTLSeconds int

	AuthSecret            string
	AccessTokenTTLMinutes int
	LoginRate             string

	LoyaltyPointsPerUnit decimal.Decimal
	LoyaltyPointValue    decimal.Decimal

	SaleNumberPrefix string
	ReceiptTitle     string
	CurrencySymbol   string

	StockDefaultThreshold int
	StockExpiryAlertDays  int

	SeedDemoData bool
}

// LoadDotEnv loads the given .env files, or ./.env when none is given. A
// missing file is not an error; variables already set in the process win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func Load() Config {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	defaultDriver := DriverMemory
	if databaseURL != "" {
		defaultDriver = DriverPostgres
	}

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("APP_ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", defaultDriver)),
		SQLitePath:  getEnv("SQLITE_PATH", "pharmapos.db"),
		DatabaseURL: databaseURL,

		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getInt("REDIS_DB", 0, 0),
		TierCacheTTLSeconds: getInt("TIER_CACHE_TTL_SECONDS", 300, 1),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		LoginRate:             getEnv("LOGIN_RATE", "10-M"),

		LoyaltyPointsPerUnit: getDecimal("LOYALTY_POINTS_PER_UNIT", decimal.NewFromInt(10)),
		LoyaltyPointValue:    getDecimal("LOYALTY_POINT_VALUE", decimal.RequireFromString("0.1")),

		SaleNumberPrefix: getEnv("SALE_NUMBER_PREFIX", "VNT"),
		ReceiptTitle:     getEnv("RECEIPT_TITLE", "PHARMACIE"),
		CurrencySymbol:   getEnv("CURRENCY_SYMBOL", "GNF"),

		StockDefaultThreshold: getInt("STOCK_DEFAULT_THRESHOLD", 10, 0),
		StockExpiryAlertDays:  getInt("STOCK_EXPIRY_ALERT_DAYS", 30, 1),

		SeedDemoData: getBool("SEED_DEMO_DATA", true),
	}
	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Validate reports settings the server must not start with.
func (c Config) Validate() error {
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if !c.LoyaltyPointsPerUnit.IsPositive() {
		return fmt.Errorf("LOYALTY_POINTS_PER_UNIT must be positive")
	}
	if c.LoyaltyPointValue.IsNegative() {
		return fmt.Errorf("LOYALTY_POINT_VALUE must not be negative")
	}
	return nil
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < min {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fallback
	}
	return d
}
