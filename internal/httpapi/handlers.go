package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
	"pharmapos/internal/service"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	limit, err := a.loginLimiter.Get(r.Context(), clientKey(r))
	if err != nil {
		a.writeError(w, r, apperr.Wrap(apperr.Persistence, err, "login limiter"))
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(limit.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(limit.Reset, 10))
	if limit.Reached {
		a.logger.Warn("login throttled", zap.String("client", clientKey(r)))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many login attempts", "kind": "rate_limited"})
		return
	}

	var req domain.LoginRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.logger.Info("login refused", zap.String("username", req.Username))
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLogout forgets the session's cart. The token itself stays valid
// until it expires but now maps to a fresh empty cart.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	a.service.Sessions().Drop(actor.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSearchMedicaments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	inStock := false
	if raw := strings.TrimSpace(query.Get("in_stock")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			a.writeError(w, r, apperr.New(apperr.Validation, "in_stock must be a boolean"))
			return
		}
		inStock = parsed
	}

	meds, err := a.service.SearchMedicaments(r.Context(), query.Get("q"), query.Get("category"), inStock)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"medicaments": meds})
}

func (a *API) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := a.service.Categories(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (a *API) handleGetMedicament(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	med, err := a.service.GetMedicament(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.Cart(r.Context())
	a.writeCart(w, r, view, err)
}

func (a *API) handleNewSale(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.NewSale(r.Context())
	a.writeCart(w, r, view, err)
}

func (a *API) handleAddCartItem(w http.ResponseWriter, r *http.Request) {
	var req domain.CartItemAddRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	view, err := a.service.AddToCart(r.Context(), req)
	a.writeCart(w, r, view, err)
}

func (a *API) handleSetCartItemQuantity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "medicamentID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req domain.CartItemQuantityRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	view, err := a.service.SetCartQuantity(r.Context(), id, req.Quantity)
	a.writeCart(w, r, view, err)
}

func (a *API) handleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "medicamentID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	view, err := a.service.RemoveFromCart(r.Context(), id)
	a.writeCart(w, r, view, err)
}

func (a *API) handleSetCartCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CartCustomerRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	view, err := a.service.SetCartCustomer(r.Context(), req.CustomerID)
	a.writeCart(w, r, view, err)
}

func (a *API) handleClearCartCustomer(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ClearCartCustomer(r.Context())
	a.writeCart(w, r, view, err)
}

func (a *API) writeCart(w http.ResponseWriter, r *http.Request, view domain.CartView, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCommitSale(w http.ResponseWriter, r *http.Request) {
	committed, err := a.service.CommitSale(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, committed)
}

func (a *API) handleTodaySales(w http.ResponseWriter, r *http.Request) {
	sales, err := a.service.TodaySales(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	found, err := a.service.GetSale(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (a *API) handleGetSaleByNumber(w http.ResponseWriter, r *http.Request) {
	found, err := a.service.GetSaleByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (a *API) handleReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	receipt, err := a.service.Receipt(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (a *API) handleCancelSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	cancelled, err := a.service.CancelSale(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

func (a *API) handleSearchCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := a.service.SearchCustomers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	customer, err := a.service.GetCustomer(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

func (a *API) handleCustomerLoyalty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	info, err := a.service.CustomerLoyaltyInfo(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleCustomerSales(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	sales, err := a.service.CustomerSales(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := a.service.ListTiers(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": tiers})
}

func (a *API) handleAddStock(w http.ResponseWriter, r *http.Request) {
	id, req, ok := a.stockChange(w, r)
	if !ok {
		return
	}
	resp, err := a.service.AddStock(r.Context(), id, req)
	a.writeStockChange(w, r, resp, err)
}

func (a *API) handleRemoveStock(w http.ResponseWriter, r *http.Request) {
	id, req, ok := a.stockChange(w, r)
	if !ok {
		return
	}
	resp, err := a.service.RemoveStock(r.Context(), id, req)
	a.writeStockChange(w, r, resp, err)
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "medicamentID")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req domain.StockAdjustRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	resp, err := a.service.AdjustStock(r.Context(), id, req)
	a.writeStockChange(w, r, resp, err)
}

func (a *API) stockChange(w http.ResponseWriter, r *http.Request) (int64, domain.StockChangeRequest, bool) {
	var req domain.StockChangeRequest
	id, err := pathID(r, "medicamentID")
	if err == nil {
		err = a.decodeJSON(r, &req)
	}
	if err != nil {
		a.writeError(w, r, err)
		return 0, req, false
	}
	return id, req, true
}

func (a *API) writeStockChange(w http.ResponseWriter, r *http.Request, resp domain.StockChangeResponse, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.MovementFilter{Limit: parsePositiveLimit(query.Get("limit"), 200, 500)}

	if raw := strings.TrimSpace(query.Get("medicament_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			a.writeError(w, r, apperr.New(apperr.Validation, "invalid medicament_id %q", raw))
			return
		}
		filter.MedicamentID = &id
	}
	from, err := parseDateBound(query.Get("from"), false)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	to, err := parseDateBound(query.Get("to"), true)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	filter.From, filter.To = from, to

	movements, err := a.service.ListMovements(r.Context(), filter)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

// parseDateBound accepts YYYY-MM-DD or RFC3339. A bare date used as an upper
// bound covers the whole day.
func parseDateBound(raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if day, err := time.ParseInLocation(time.DateOnly, raw, time.Local); err == nil {
		if upper {
			day = day.AddDate(0, 0, 1)
		}
		return &day, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.New(apperr.Validation, "invalid date %q", raw)
	}
	return &at, nil
}

func (a *API) handleStockAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := a.service.StockAlerts(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	meds, err := a.service.LowStock(r.Context())
	a.writeMedicaments(w, r, meds, err)
}

func (a *API) handleExpiringSoon(w http.ResponseWriter, r *http.Request) {
	days := parsePositiveLimit(r.URL.Query().Get("days"), 0, 3650)
	meds, err := a.service.ExpiringSoon(r.Context(), days)
	a.writeMedicaments(w, r, meds, err)
}

func (a *API) handleExpired(w http.ResponseWriter, r *http.Request) {
	meds, err := a.service.Expired(r.Context())
	a.writeMedicaments(w, r, meds, err)
}

func (a *API) writeMedicaments(w http.ResponseWriter, r *http.Request, meds []domain.Medicament, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"medicaments": meds})
}

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.DailySummary(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers(r.Context())})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserCreateRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	user, err := a.auth.CreateUser(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}
