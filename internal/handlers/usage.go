package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/narrata/backend/internal/middleware"
	"github.com/narrata/backend/internal/models"
)

// UsageStore is the usage history interface for the handler.
type UsageStore interface {
	ListByAuthUserID(ctx context.Context, authUserID string, limit, offset int) ([]*models.UsageRecord, int64, error)
	SoftDelete(ctx context.Context, id int64, authUserID string) (bool, error)
}

// UsageHandler serves the narration history endpoints.
type UsageHandler struct {
	Usage  UsageStore
	Logger *slog.Logger
}

// List handles GET /v1/usage.
func (h *UsageHandler) List(w http.ResponseWriter, r *http.Request) {
	authUserID := middleware.AuthUserFromCtx(r.Context())
	if authUserID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	limit, offset := pageParams(r)
	records, total, err := h.Usage.ListByAuthUserID(r.Context(), authUserID, limit, offset)
	if err != nil {
		h.Logger.Error("list usage", "auth_user_id", authUserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Delete handles DELETE /v1/usage/{id}. Owner-checked soft delete.
func (h *UsageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	authUserID := middleware.AuthUserFromCtx(r.Context())
	if authUserID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"invalid record id"}`, http.StatusBadRequest)
		return
	}

	ok, err := h.Usage.SoftDelete(r.Context(), id, authUserID)
	if err != nil {
		h.Logger.Error("delete usage record", "auth_user_id", authUserID, "record_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"record not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
