package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/ulule/limiter/v3"
	limitermemory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
	"pharmapos/internal/metrics"
	"pharmapos/internal/service"
)

const defaultLoginRate = "10-M"

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginRate     string
	loginLimiter  *limiter.Limiter
	validate      *validator.Validate
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

type Option func(*API)

func WithLogger(logger *zap.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger.Named("http")
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// WithLoginRate sets the login throttle in limiter notation, e.g. "10-M".
func WithLoginRate(rate string) Option {
	return func(a *API) {
		if strings.TrimSpace(rate) != "" {
			a.loginRate = strings.TrimSpace(rate)
		}
	}
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, opts ...Option) (*API, error) {
	a := &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginRate:     defaultLoginRate,
		validate:      newValidator(),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	rate, err := limiter.NewRateFromFormatted(a.loginRate)
	if err != nil {
		return nil, fmt.Errorf("parse login rate %q: %w", a.loginRate, err)
	}
	a.loginLimiter = limiter.New(limitermemory.NewStore(), rate)
	return a, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders)

	r.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)

			r.Post("/auth/logout", a.handleLogout)

			r.Group(func(r chi.Router) {
				r.Use(requireCapability(domain.CapSell))
				r.Get("/medicaments", a.handleSearchMedicaments)
				r.Get("/medicaments/categories", a.handleCategories)
				r.Get("/medicaments/{id}", a.handleGetMedicament)

				r.Get("/cart", a.handleCart)
				r.Post("/cart/new", a.handleNewSale)
				r.Post("/cart/items", a.handleAddCartItem)
				r.Put("/cart/items/{medicamentID}", a.handleSetCartItemQuantity)
				r.Delete("/cart/items/{medicamentID}", a.handleRemoveCartItem)
				r.Put("/cart/customer", a.handleSetCartCustomer)
				r.Delete("/cart/customer", a.handleClearCartCustomer)
				r.Post("/sales", a.handleCommitSale)

				r.Get("/customers", a.handleSearchCustomers)
				r.Get("/customers/{id}", a.handleGetCustomer)
				r.Get("/customers/{id}/loyalty", a.handleCustomerLoyalty)
				r.Get("/loyalty/tiers", a.handleListTiers)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireCapability(domain.CapViewSales))
				r.Get("/sales/today", a.handleTodaySales)
				r.Get("/sales/by-number/{number}", a.handleGetSaleByNumber)
				r.Get("/sales/{id}", a.handleGetSale)
				r.Get("/sales/{id}/receipt", a.handleReceipt)
				r.Get("/customers/{id}/sales", a.handleCustomerSales)
			})

			r.With(requireCapability(domain.CapCancelSale)).Post("/sales/{id}/cancel", a.handleCancelSale)

			r.Route("/stock", func(r chi.Router) {
				r.Use(requireCapability(domain.CapManageStock))
				r.Get("/movements", a.handleListMovements)
				r.Get("/alerts", a.handleStockAlerts)
				r.Get("/alerts/low", a.handleLowStock)
				r.Get("/alerts/expiring", a.handleExpiringSoon)
				r.Get("/alerts/expired", a.handleExpired)
				r.Post("/{medicamentID}/entries", a.handleAddStock)
				r.Post("/{medicamentID}/exits", a.handleRemoveStock)
				r.Post("/{medicamentID}/adjustments", a.handleAdjustStock)
			})

			r.With(requireCapability(domain.CapViewReports)).Get("/reports/daily", a.handleDailyReport)

			r.Route("/users", func(r chi.Router) {
				r.Use(requireCapability(domain.CapManageUsers))
				r.Get("/", a.handleListUsers)
				r.Post("/", a.handleCreateUser)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "route not found", "kind": apperr.NotFound})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed", "kind": apperr.Validation})
	})
	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, r, apperr.New(apperr.NotAuthenticated, "missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

// requireCapability must run after requireAuth.
func requireCapability(capability domain.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := service.ActorFromContext(r.Context())
			if !ok {
				writeAppError(w, apperr.New(apperr.NotAuthenticated, "no user is signed in"))
				return
			}
			if !domain.Can(actor.Role, capability) {
				writeAppError(w, apperr.New(apperr.Permission, "role %s may not %s", actor.Role, capability))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cache-Control", "no-store")
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(startedAt)
		a.metrics.RecordHTTPRequest(r.Method, route, status, elapsed)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// decodeJSON decodes a single JSON object and runs the struct's validate
// tags. Both failures are reported as validation errors.
func (a *API) decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return apperr.Wrap(apperr.Validation, err, "invalid request body")
	}
	if err := a.validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperr.New(apperr.Validation, "field %s failed %s", fe.Field(), fe.Tag())
		}
		return apperr.Wrap(apperr.Validation, err, "invalid request")
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.Validation, "invalid %s %q", name, raw)
	}
	return id, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

// writeError never leaks the message of a 5xx. Those are logged instead.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if status := apperr.HTTPStatus(err); status >= 500 {
		a.logger.Error("internal error",
			zap.Int("status", status),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeAppError(w, err)
}

func writeAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	payload := map[string]any{
		"error": msg,
		"kind":  kind,
	}
	if available, ok := apperr.AvailableFrom(err); ok {
		payload["available"] = available
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
