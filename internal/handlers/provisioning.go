package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/narrata/backend/internal/models"
)

const signatureTolerance = 5 * time.Minute

// ProvisioningAccounts is the account lifecycle interface for the handler.
type ProvisioningAccounts interface {
	GetOrCreate(ctx context.Context, authUserID string, email, displayName *string) (*models.UserAccount, error)
	UpdateProfile(ctx context.Context, authUserID string, email, displayName *string) (bool, error)
	SoftDelete(ctx context.Context, authUserID string) (bool, error)
}

// ProvisioningHandler serves POST /v1/auth/webhook: user lifecycle events
// from the identity collaborator. Deliveries are at-least-once, so every
// branch is idempotent; a 5xx asks for redelivery.
type ProvisioningHandler struct {
	Accounts ProvisioningAccounts
	Secret   string
	Logger   *slog.Logger
}

type provisioningEvent struct {
	Type string `json:"type"`
	Data struct {
		ID             string `json:"id"`
		EmailAddresses []struct {
			EmailAddress string `json:"email_address"`
		} `json:"email_addresses"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Username  string `json:"username"`
	} `json:"data"`
}

func (h *ProvisioningHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"cannot read body"}`, http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r, payload) {
		h.Logger.Warn("provisioning webhook signature verification failed")
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	var event provisioningEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if event.Data.ID == "" {
		http.Error(w, `{"error":"event has no user id"}`, http.StatusBadRequest)
		return
	}

	email, displayName := eventProfile(&event)

	switch event.Type {
	case "user.created":
		if _, err := h.Accounts.GetOrCreate(r.Context(), event.Data.ID, email, displayName); err != nil {
			h.Logger.Error("provision account", "auth_user_id", event.Data.ID, "error", err)
			http.Error(w, `{"error":"provisioning failed"}`, http.StatusInternalServerError)
			return
		}

	case "user.updated":
		ok, err := h.Accounts.UpdateProfile(r.Context(), event.Data.ID, email, displayName)
		if err != nil {
			h.Logger.Error("update account profile", "auth_user_id", event.Data.ID, "error", err)
			http.Error(w, `{"error":"update failed"}`, http.StatusInternalServerError)
			return
		}
		if !ok {
			// Update arrived before create; provision instead.
			if _, err := h.Accounts.GetOrCreate(r.Context(), event.Data.ID, email, displayName); err != nil {
				h.Logger.Error("provision account on update", "auth_user_id", event.Data.ID, "error", err)
				http.Error(w, `{"error":"provisioning failed"}`, http.StatusInternalServerError)
				return
			}
		}

	case "user.deleted":
		if _, err := h.Accounts.SoftDelete(r.Context(), event.Data.ID); err != nil {
			h.Logger.Error("soft delete account", "auth_user_id", event.Data.ID, "error", err)
			http.Error(w, `{"error":"delete failed"}`, http.StatusInternalServerError)
			return
		}

	default:
		h.Logger.Info("unhandled provisioning event", "type", event.Type)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// verifySignature checks the svix-style signed content: HMAC-SHA256 over
// "{id}.{timestamp}.{body}", base64, delivered as space-separated
// "v1,<sig>" candidates. Timestamps outside the tolerance are rejected.
func (h *ProvisioningHandler) verifySignature(r *http.Request, payload []byte) bool {
	if h.Secret == "" {
		return false
	}
	msgID := r.Header.Get("webhook-id")
	msgTS := r.Header.Get("webhook-timestamp")
	msgSig := r.Header.Get("webhook-signature")
	if msgID == "" || msgTS == "" || msgSig == "" {
		return false
	}

	ts, err := strconv.ParseInt(msgTS, 10, 64)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return false
	}

	key := []byte(h.Secret)
	if trimmed, ok := strings.CutPrefix(h.Secret, "whsec_"); ok {
		if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
			key = decoded
		}
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msgID + "." + msgTS + "."))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, candidate := range strings.Fields(msgSig) {
		sig, ok := strings.CutPrefix(candidate, "v1,")
		if !ok {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

func eventProfile(event *provisioningEvent) (email, displayName *string) {
	if len(event.Data.EmailAddresses) > 0 && event.Data.EmailAddresses[0].EmailAddress != "" {
		email = &event.Data.EmailAddresses[0].EmailAddress
	}
	name := strings.TrimSpace(event.Data.FirstName + " " + event.Data.LastName)
	if name == "" {
		name = event.Data.Username
	}
	if name != "" {
		displayName = &name
	}
	return email, displayName
}
