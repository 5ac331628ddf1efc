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
)

// AccountEnsurer creates the account row for a first-time user.
type AccountEnsurer interface {
	GetOrCreate(ctx context.Context, authUserID string, email, displayName *string) (*models.UserAccount, error)
	GetByAuthUserID(ctx context.Context, authUserID string) (*models.UserAccount, error)
}

// AccountHandler serves the per-user account read endpoints.
type AccountHandler struct {
	Accounts AccountEnsurer
	Logger   *slog.Logger
}

// GetCredits handles GET /v1/credits. An unprovisioned user reads as zero
// balance rather than an error: the client treats both the same way.
func (h *AccountHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	authUserID := middleware.AuthUserFromCtx(r.Context())
	if authUserID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	acc, err := h.Accounts.GetByAuthUserID(r.Context(), authUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusOK, map[string]any{"balance": 0})
		return
	}
	if err != nil {
		h.Logger.Error("load account", "auth_user_id", authUserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balance":   acc.Balance,
		"expiresAt": acc.ExpiresAt,
	})
}

type ensureRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Ensure handles POST /v1/users/ensure, the fallback creation path for when
// the provisioning webhook was missed. Concurrent calls are safe.
func (h *AccountHandler) Ensure(w http.ResponseWriter, r *http.Request) {
	authUserID := middleware.AuthUserFromCtx(r.Context())
	if authUserID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req ensureRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	acc, err := h.Accounts.GetOrCreate(r.Context(), authUserID, optionalStr(req.Email), optionalStr(req.DisplayName))
	if err != nil {
		h.Logger.Error("ensure account", "auth_user_id", authUserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, acc)
}

func optionalStr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
