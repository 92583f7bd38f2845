package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func legacyStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
			"pharmacien": {
				Username:  "pharmacien",
				Password:  "pharma123",
				Role:      "pharmacien",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := legacyStore()

	manager := NewAuthManager(context.Background(), testSecret, time.Hour, store, nil)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	for _, user := range users {
		if !strings.HasPrefix(user.Password, "$2") {
			t.Fatalf("expected bcrypt hash for %s, got %s", user.Username, user.Password)
		}
	}
	if store.updates != 2 {
		t.Fatalf("expected 2 password upgrades, got %d", store.updates)
	}
}

func TestLegacyRoleNamesMapToRoleEnum(t *testing.T) {
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, legacyStore(), nil)
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "pharmacien", Password: "pharma123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RolePharmacist {
		t.Fatalf("expected pharmacist role, got %s", resp.Role)
	}
}

func TestTokenCarriesSessionID(t *testing.T) {
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, legacyStore(), nil)
	first, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	second, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	a, err := manager.ParseToken(first.AccessToken)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	b, err := manager.ParseToken(second.AccessToken)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if a.Username != "admin" || a.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v", a)
	}
	if !strings.HasPrefix(a.SessionID, "sess-") {
		t.Fatalf("expected a session id, got %q", a.SessionID)
	}
	if a.SessionID == b.SessionID {
		t.Fatalf("expected each login to open its own session")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, legacyStore(), nil)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "wrong"})
	if !errors.Is(err, apperr.NotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "admin123"})
	if !errors.Is(err, apperr.NotAuthenticated) {
		t.Fatalf("expected not authenticated for unknown user, got %v", err)
	}
}

func TestExpiredAndForeignTokensAreRejected(t *testing.T) {
	issuer := NewAuthManager(context.Background(), testSecret, time.Hour, legacyStore(), nil)
	resp, err := issuer.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	later := NewAuthManager(context.Background(), testSecret, time.Hour, legacyStore(), nil)
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := later.ParseToken(resp.AccessToken); !errors.Is(err, apperr.NotAuthenticated) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other := NewAuthManager(context.Background(), "another-secret-that-is-long-enough!!", time.Hour, legacyStore(), nil)
	if _, err := other.ParseToken(resp.AccessToken); !errors.Is(err, apperr.NotAuthenticated) {
		t.Fatalf("expected token signed by another secret to be rejected, got %v", err)
	}
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	store := legacyStore()
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, store, nil)

	created, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "Caisse2",
		Password: "pass1234",
		Role:     domain.RoleSeller,
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if created.Username != "caisse2" {
		t.Fatalf("expected lower-cased username, got %s", created.Username)
	}

	saved, ok := store.users["caisse2"]
	if !ok {
		t.Fatalf("expected user to be saved")
	}
	if saved.Password == "pass1234" || !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected bcrypt hash, got %s", saved.Password)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "caisse2", Password: "pass1234"}); err != nil {
		t.Fatalf("login with new user failed: %v", err)
	}
	if _, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{Username: "caisse2", Password: "pass1234", Role: domain.RoleSeller}); !errors.Is(err, apperr.Validation) {
		t.Fatalf("expected duplicate to be refused, got %v", err)
	}
}
