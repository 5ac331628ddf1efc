package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/narrata/backend/internal/models"
	"github.com/narrata/backend/internal/services"
)

const webhookTestSecret = "whsec_test_secret"

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockReconciler struct {
	res         *services.ReconcileResult
	err         error
	calls       int
	lastSession string
}

func (m *mockReconciler) HandleCheckoutCompleted(_ context.Context, sess *stripe.CheckoutSession, _ time.Time) (*services.ReconcileResult, error) {
	m.calls++
	m.lastSession = sess.ID
	if m.err != nil {
		return nil, m.err
	}
	return m.res, nil
}

type mockEventRepo struct {
	mu     sync.Mutex
	events []*models.PaymentEvent
}

func (m *mockEventRepo) Create(_ context.Context, e *models.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *mockEventRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newWebhookHandler() (*PaymentWebhookHandler, *mockReconciler, *mockEventRepo) {
	rec := &mockReconciler{res: &services.ReconcileResult{Granted: true}}
	events := &mockEventRepo{}
	h := &PaymentWebhookHandler{Reconciler: rec, Events: events, Secret: webhookTestSecret, Logger: slog.Default()}
	return h, rec, events
}

// stripeSignature builds the provider's signed header for the payload:
// "t=<unix>,v1=<hex hmac-sha256 over '<unix>.<payload>'>".
func stripeSignature(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func checkoutCompletedPayload(created time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"api_version": %q,
		"created": %d,
		"data": {
			"object": {
				"id": "cs_1",
				"payment_status": "paid",
				"amount_total": 500,
				"currency": "usd"
			}
		}
	}`, stripe.APIVersion, created.Unix()))
}

func postWebhook(h *PaymentWebhookHandler, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// POST /v1/payments/webhook
// ---------------------------------------------------------------------------

func TestWebhook_CheckoutCompleted(t *testing.T) {
	h, reconciler, events := newWebhookHandler()

	now := time.Now()
	payload := checkoutCompletedPayload(now)
	rec := postWebhook(h, payload, stripeSignature(webhookTestSecret, payload, now))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if reconciler.calls != 1 {
		t.Errorf("reconciler calls: got %d, want 1", reconciler.calls)
	}
	if reconciler.lastSession != "cs_1" {
		t.Errorf("session id: got %q, want cs_1", reconciler.lastSession)
	}
	if events.count() != 1 {
		t.Errorf("recorded events: got %d, want 1", events.count())
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	h, reconciler, events := newWebhookHandler()

	now := time.Now()
	payload := checkoutCompletedPayload(now)
	rec := postWebhook(h, payload, stripeSignature("whsec_wrong", payload, now))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if reconciler.calls != 0 {
		t.Error("unverified delivery must not be reconciled")
	}
	if events.count() != 0 {
		t.Error("unverified delivery must not be recorded")
	}
}

func TestWebhook_TamperedPayload(t *testing.T) {
	h, reconciler, _ := newWebhookHandler()

	now := time.Now()
	payload := checkoutCompletedPayload(now)
	signature := stripeSignature(webhookTestSecret, payload, now)
	tampered := []byte(strings.Replace(string(payload), `"amount_total": 500`, `"amount_total": 1`, 1))
	rec := postWebhook(h, tampered, signature)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if reconciler.calls != 0 {
		t.Error("tampered delivery must not be reconciled")
	}
}

// A transient reconciliation failure returns 5xx so the provider redelivers.
func TestWebhook_TransientFailureAsksForRedelivery(t *testing.T) {
	h, reconciler, _ := newWebhookHandler()
	reconciler.err = errors.New("db down")

	now := time.Now()
	payload := checkoutCompletedPayload(now)
	rec := postWebhook(h, payload, stripeSignature(webhookTestSecret, payload, now))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_UnhandledTypeAcknowledged(t *testing.T) {
	h, reconciler, events := newWebhookHandler()

	now := time.Now()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_2",
		"type": "invoice.paid",
		"api_version": %q,
		"created": %d,
		"data": {"object": {}}
	}`, stripe.APIVersion, now.Unix()))
	rec := postWebhook(h, payload, stripeSignature(webhookTestSecret, payload, now))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if reconciler.calls != 0 {
		t.Error("unhandled type must not be reconciled")
	}
	if events.count() != 1 {
		t.Errorf("raw event should still be recorded: got %d", events.count())
	}
}
