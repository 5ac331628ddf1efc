package handlers

import (
	"log/slog"
	"net/http"
)

// TrialHandler serves GET /v1/trial, the anonymous quota probe.
type TrialHandler struct {
	Trial    TrialIdentity
	FreeUses int
	Logger   *slog.Logger
}

func (h *TrialHandler) Status(w http.ResponseWriter, r *http.Request) {
	fp, err := h.Trial.Fingerprint(clientIP(r), r.UserAgent(), r.Header.Get("Accept-Language"), r.URL.Query().Get("timezone"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"used": 0, "remaining": 0, "requiresAuth": true})
		return
	}

	u, err := h.Trial.Ensure(r.Context(), fp)
	if err != nil {
		h.Logger.Error("ensure anon visitor", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	setAnonCookie(w, fp.AnonID)

	remaining := h.FreeUses - u.UsageCount
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"used":      u.UsageCount,
		"remaining": remaining,
	})
}
