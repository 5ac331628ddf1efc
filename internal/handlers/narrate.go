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
	"github.com/narrata/backend/internal/services"
)

const anonCookieName = "anon_id"

// AccountLookup resolves the session user's account.
type AccountLookup interface {
	GetByAuthUserID(ctx context.Context, authUserID string) (*models.UserAccount, error)
}

// NarrationRunner runs both generation flows.
type NarrationRunner interface {
	GenerateForUser(ctx context.Context, acc *models.UserAccount, imageURL, prompt string) (*services.NarrationResult, error)
	GenerateForAnon(ctx context.Context, anonID, imageURL, prompt string) (*services.NarrationResult, error)
}

// TrialIdentity derives and persists anonymous visitor identities.
type TrialIdentity interface {
	Fingerprint(ip, userAgent, acceptLanguage, timezone string) (*services.Fingerprint, error)
	Ensure(ctx context.Context, fp *services.Fingerprint) (*models.AnonUsage, error)
}

// NarrateHandler serves POST /v1/narrations for both registered users and
// anonymous trial visitors.
type NarrateHandler struct {
	Accounts  AccountLookup
	Narration NarrationRunner
	Trial     TrialIdentity
	Logger    *slog.Logger
}

type narrateRequest struct {
	ImageURL string `json:"imageUrl"`
	Prompt   string `json:"prompt"`
	Timezone string `json:"timezone"`
}

type narrateResponse struct {
	Text      string `json:"text"`
	RequestID string `json:"requestId"`
	Balance   *int64 `json:"balance,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

// Create handles POST /v1/narrations.
func (h *NarrateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req narrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ImageURL == "" {
		http.Error(w, `{"error":"imageUrl is required"}`, http.StatusBadRequest)
		return
	}

	if authUserID := middleware.AuthUserFromCtx(r.Context()); authUserID != "" {
		h.serveUser(w, r, authUserID, req)
		return
	}
	h.serveAnon(w, r, req)
}

func (h *NarrateHandler) serveUser(w http.ResponseWriter, r *http.Request, authUserID string, req narrateRequest) {
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

	res, err := h.Narration.GenerateForUser(r.Context(), acc, req.ImageURL, req.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCreditsExpired):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": "credits expired", "requiresPayment": true, "balance": 0})
		case errors.Is(err, services.ErrInsufficientCredits):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": "insufficient credits", "requiresPayment": true, "balance": acc.Balance})
		case errors.Is(err, services.ErrPromptTooLong):
			http.Error(w, `{"error":"prompt too long"}`, http.StatusBadRequest)
		case errors.Is(err, services.ErrAITimeout):
			http.Error(w, `{"error":"AI model request timeout"}`, http.StatusGatewayTimeout)
		default:
			h.Logger.Error("generate narration", "auth_user_id", authUserID, "error", err)
			http.Error(w, `{"error":"generation failed"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, narrateResponse{Text: res.Text, RequestID: res.RequestID, Balance: &res.Balance})
}

func (h *NarrateHandler) serveAnon(w http.ResponseWriter, r *http.Request, req narrateRequest) {
	anonID := ""
	if c, err := r.Cookie(anonCookieName); err == nil && c.Value != "" {
		anonID = c.Value
	}
	if anonID == "" {
		fp, err := h.Trial.Fingerprint(clientIP(r), r.UserAgent(), r.Header.Get("Accept-Language"), req.Timezone)
		if err != nil {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "sign in required", "requiresAuth": true})
			return
		}
		if _, err := h.Trial.Ensure(r.Context(), fp); err != nil {
			h.Logger.Error("ensure anon visitor", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		setAnonCookie(w, fp.AnonID)
		anonID = fp.AnonID
	}

	res, err := h.Narration.GenerateForAnon(r.Context(), anonID, req.ImageURL, req.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrRateLimited):
			http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
		case errors.Is(err, services.ErrTrialExhausted):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": "free trial used", "requiresAuth": true})
		case errors.Is(err, services.ErrPromptTooLong):
			http.Error(w, `{"error":"prompt too long"}`, http.StatusBadRequest)
		case errors.Is(err, services.ErrAITimeout):
			http.Error(w, `{"error":"AI model request timeout"}`, http.StatusGatewayTimeout)
		default:
			h.Logger.Error("generate trial narration", "anon_id", anonID, "error", err)
			http.Error(w, `{"error":"generation failed"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, narrateResponse{Text: res.Text, RequestID: res.RequestID, Remaining: &res.Remaining})
}

func setAnonCookie(w http.ResponseWriter, anonID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     anonCookieName,
		Value:    anonID,
		Path:     "/",
		MaxAge:   180 * 24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
