package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/narrata/backend/internal/middleware"
	"github.com/narrata/backend/internal/models"
)

// OrderStore lists a user's orders.
type OrderStore interface {
	ListByAuthUserID(ctx context.Context, authUserID string, limit, offset int) ([]*models.Order, error)
}

// OrdersHandler serves GET /v1/orders.
type OrdersHandler struct {
	Orders OrderStore
	Logger *slog.Logger
}

func (h *OrdersHandler) List(w http.ResponseWriter, r *http.Request) {
	authUserID := middleware.AuthUserFromCtx(r.Context())
	if authUserID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	limit, offset := pageParams(r)
	orders, err := h.Orders.ListByAuthUserID(r.Context(), authUserID, limit, offset)
	if err != nil {
		h.Logger.Error("list orders", "auth_user_id", authUserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}
