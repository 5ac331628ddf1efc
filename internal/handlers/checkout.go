package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/narrata/backend/internal/middleware"
	"github.com/narrata/backend/internal/models"
	"github.com/narrata/backend/internal/pricing"
	"github.com/narrata/backend/internal/services"
)

// CheckoutStarter opens a purchase for an account.
type CheckoutStarter interface {
	Start(ctx context.Context, acc *models.UserAccount, priceID string) (*services.CheckoutResult, error)
}

// CheckoutHandler serves POST /v1/checkout and GET /v1/pricing.
type CheckoutHandler struct {
	Accounts AccountLookup
	Checkout CheckoutStarter
	Pricing  *pricing.Catalog
	Logger   *slog.Logger
}

type checkoutRequest struct {
	PriceID string `json:"priceId"`
}

// Create handles POST /v1/checkout.
func (h *CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	authUserID := middleware.AuthUserFromCtx(r.Context())
	if authUserID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.PriceID == "" {
		http.Error(w, `{"error":"priceId is required"}`, http.StatusBadRequest)
		return
	}

	acc, err := h.Accounts.GetByAuthUserID(r.Context(), authUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "account not provisioned", "requiresAuth": true})
		return
	}
	if err != nil {
		h.Logger.Error("load account", "auth_user_id", authUserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if acc.DeletedAt != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "account deleted", "requiresAuth": true})
		return
	}

	result, err := h.Checkout.Start(r.Context(), acc, req.PriceID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownPrice):
			http.Error(w, `{"error":"unknown priceId"}`, http.StatusBadRequest)
		case errors.Is(err, services.ErrEmailRequired):
			http.Error(w, `{"error":"account has no email"}`, http.StatusBadRequest)
		default:
			h.Logger.Error("start checkout", "auth_user_id", authUserID, "error", err)
			http.Error(w, `{"error":"checkout failed"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListPricing handles GET /v1/pricing (public).
func (h *CheckoutHandler) ListPricing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Pricing.Tiers())
}
