// Package seed provides the demo catalog, loyalty tiers, customers and user
// accounts loaded into an empty store.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pharmapos/internal/domain"
	"pharmapos/internal/store"
)

//go:embed medicaments.csv
var medicamentsCSV []byte

type Target interface {
	store.Catalog
	store.TierStore
	store.CustomerStore
	store.UserStore
}

// Medicaments parses the embedded catalog. Rows with a missing code or name
// are skipped.
func Medicaments() ([]domain.Medicament, error) {
	reader := csv.NewReader(bytes.NewReader(medicamentsCSV))
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("read medicament header: %w", err)
	}

	meds := make([]domain.Medicament, 0, 16)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read medicament row: %w", err)
		}
		if len(record) < 9 {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(record[0]))
		name := strings.TrimSpace(record[1])
		if code == "" || name == "" {
			continue
		}

		purchase, err := decimal.NewFromString(record[3])
		if err != nil {
			return nil, fmt.Errorf("medicament %s purchase price: %w", code, err)
		}
		selling, err := decimal.NewFromString(record[4])
		if err != nil {
			return nil, fmt.Errorf("medicament %s selling price: %w", code, err)
		}
		qty, err := strconv.Atoi(record[5])
		if err != nil {
			return nil, fmt.Errorf("medicament %s quantity: %w", code, err)
		}
		threshold, err := strconv.Atoi(record[6])
		if err != nil {
			return nil, fmt.Errorf("medicament %s threshold: %w", code, err)
		}

		med := domain.Medicament{
			Code:            code,
			Name:            name,
			Category:        strings.TrimSpace(record[2]),
			PurchasePrice:   purchase,
			SellingPrice:    selling,
			QuantityInStock: qty,
			StockThreshold:  threshold,
			Manufacturer:    strings.TrimSpace(record[8]),
			Active:          true,
		}
		if raw := strings.TrimSpace(record[7]); raw != "" {
			expiry, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				return nil, fmt.Errorf("medicament %s expiration: %w", code, err)
			}
			med.ExpirationDate = &expiry
		}
		meds = append(meds, med)
	}
	return meds, nil
}

func Tiers() []domain.LoyaltyTier {
	return []domain.LoyaltyTier{
		{Name: "Bronze", MinPoints: 100, DiscountPercentage: decimal.NewFromInt(2), Description: "Remise de bienvenue", Active: true},
		{Name: "Argent", MinPoints: 250, DiscountPercentage: decimal.NewFromInt(5), Description: "Client régulier", Active: true},
		{Name: "Or", MinPoints: 500, DiscountPercentage: decimal.NewFromInt(8), Description: "Client fidèle", Active: true},
		{Name: "Platine", MinPoints: 1000, DiscountPercentage: decimal.NewFromInt(10), Description: "Meilleurs clients", Active: true},
	}
}

func Customers() []domain.Customer {
	return []domain.Customer{
		{Code: "CLI001", FirstName: "Mariama", LastName: "Bah", Phone: "620000001", LoyaltyPoints: 600, TotalSpent: decimal.NewFromInt(60000), Active: true},
		{Code: "CLI002", FirstName: "Sekou", LastName: "Conde", Phone: "620000002", TotalSpent: decimal.Zero, Active: true},
		{Code: "CLI003", FirstName: "Fatoumata", LastName: "Diallo", Phone: "620000003", LoyaltyPoints: 320, TotalSpent: decimal.NewFromInt(32000), Active: true},
	}
}

// Users builds the demo accounts. Passwords come from SEED_ADMIN_PASSWORD,
// SEED_PHARMACIST_PASSWORD and SEED_SELLER_PASSWORD, with dev defaults.
func Users(logger *zap.Logger) ([]domain.UserAccount, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accounts := []struct {
		username string
		fullName string
		envKey   string
		fallback string
		role     domain.Role
	}{
		{"admin", "Administrateur", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"pharmacien", "Pharmacien titulaire", "SEED_PHARMACIST_PASSWORD", "pharma123", domain.RolePharmacist},
		{"vendeur", "Vendeur comptoir", "SEED_SELLER_PASSWORD", "vendeur123", domain.RoleSeller},
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, len(accounts))
	for _, acct := range accounts {
		password := os.Getenv(acct.envKey)
		if password == "" {
			logger.Warn("using default dev credentials", zap.String("username", acct.username), zap.String("env", acct.envKey))
			password = acct.fallback
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", acct.username, err)
		}
		users = append(users, domain.UserAccount{
			Username:  acct.username,
			Password:  string(hash),
			FullName:  acct.fullName,
			Role:      acct.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users, nil
}

// Apply fills every empty collection of target with the demo data and leaves
// populated ones alone.
func Apply(ctx context.Context, target Target, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	existing, err := target.ListMedicaments(ctx)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		meds, err := Medicaments()
		if err != nil {
			return err
		}
		for _, med := range meds {
			if _, err := target.CreateMedicament(ctx, med); err != nil {
				return fmt.Errorf("seed medicament %s: %w", med.Code, err)
			}
		}
		logger.Info("seeded medicament catalog", zap.Int("rows", len(meds)))
	}

	tiers, err := target.ListActiveTiers(ctx)
	if err != nil {
		return err
	}
	if len(tiers) == 0 {
		for _, tier := range Tiers() {
			if _, err := target.CreateTier(ctx, tier); err != nil {
				return fmt.Errorf("seed tier %s: %w", tier.Name, err)
			}
		}
	}

	customers, err := target.SearchCustomers(ctx, "")
	if err != nil {
		return err
	}
	if len(customers) == 0 {
		for _, customer := range Customers() {
			if _, err := target.CreateCustomer(ctx, customer); err != nil {
				return fmt.Errorf("seed customer %s: %w", customer.Code, err)
			}
		}
	}

	users, err := target.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		accounts, err := Users(logger)
		if err != nil {
			return err
		}
		for _, account := range accounts {
			if err := target.CreateUser(ctx, account); err != nil {
				return fmt.Errorf("seed user %s: %w", account.Username, err)
			}
		}
	}
	return nil
}
