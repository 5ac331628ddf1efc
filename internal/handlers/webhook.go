package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/narrata/backend/internal/models"
	"github.com/narrata/backend/internal/services"
)

const maxWebhookBody = 1 << 20

// WebhookReconciler resolves completed-checkout deliveries.
type WebhookReconciler interface {
	HandleCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession, eventTime time.Time) (*services.ReconcileResult, error)
}

// WebhookEventRepo logs raw deliveries.
type WebhookEventRepo interface {
	Create(ctx context.Context, e *models.PaymentEvent) error
}

// PaymentWebhookHandler serves POST /v1/payments/webhook.
type PaymentWebhookHandler struct {
	Reconciler WebhookReconciler
	Events     WebhookEventRepo
	Secret     string
	Logger     *slog.Logger
}

// Handle verifies the signature, logs the raw event, and dispatches by type.
// 2xx acknowledges the delivery; 5xx asks the provider to redeliver.
func (h *PaymentWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"cannot read body"}`, http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.Secret)
	if err != nil {
		h.Logger.Warn("webhook signature verification failed", "error", err)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusBadRequest)
		return
	}

	eventTime := time.Unix(event.Created, 0)
	h.recordEvent(r.Context(), &event, payload, eventTime)

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			h.Logger.Error("decode checkout session", "event_id", event.ID, "error", err)
			http.Error(w, `{"error":"malformed event payload"}`, http.StatusBadRequest)
			return
		}
		if _, err := h.Reconciler.HandleCheckoutCompleted(r.Context(), &sess, eventTime); err != nil {
			h.Logger.Error("reconcile checkout", "event_id", event.ID, "session_id", sess.ID, "error", err)
			http.Error(w, `{"error":"reconciliation failed"}`, http.StatusInternalServerError)
			return
		}

	case "payment_intent.payment_failed", "payment_intent.requires_action":
		h.Logger.Info("payment intent update", "type", event.Type, "event_id", event.ID)

	case "charge.dispute.created":
		var d stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &d); err != nil {
			h.Logger.Error("decode dispute", "event_id", event.ID, "error", err)
		} else {
			h.Logger.Error("charge dispute opened",
				"alert", "charge_dispute", "dispute_id", d.ID,
				"amount", d.Amount, "reason", string(d.Reason))
		}

	default:
		h.Logger.Info("unhandled payment event", "type", event.Type, "event_id", event.ID)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// recordEvent keeps the raw notification regardless of what happens next.
// Logging failures must not reject the delivery.
func (h *PaymentWebhookHandler) recordEvent(ctx context.Context, event *stripe.Event, payload []byte, eventTime time.Time) {
	e := &models.PaymentEvent{
		EventID:        event.ID,
		EventType:      string(event.Type),
		Payload:        payload,
		EventCreatedAt: &eventTime,
	}
	if err := h.Events.Create(ctx, e); err != nil {
		h.Logger.Error("record payment event", "event_id", event.ID, "error", err)
	}
}
