package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v82"

	"github.com/narrata/backend/internal/models"
	"github.com/narrata/backend/internal/pricing"
)

// ErrOrderUnrecoverable is returned when no local order exists and the
// session metadata is too thin to rebuild one.
var ErrOrderUnrecoverable = errors.New("order missing and not reconstructable")

// ReconcileOrderRepo is the minimal order repository interface for reconciliation.
type ReconcileOrderRepo interface {
	GetBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	CreateIdempotent(ctx context.Context, o *models.Order) (bool, error)
	MarkPaid(ctx context.Context, sessionID string, patch []byte) (bool, error)
	SetState(ctx context.Context, sessionID, state string, patch []byte) (bool, error)
	AppendExtra(ctx context.Context, sessionID string, patch []byte) error
}

// CreditGranter grants purchased credits idempotently.
type CreditGranter interface {
	Add(ctx context.Context, accountID, amount int64, refID string, metadata map[string]any, eventTime time.Time) (bool, error)
}

// ReconcileAccountRepo resolves accounts for reconstructed orders.
type ReconcileAccountRepo interface {
	GetByAuthUserID(ctx context.Context, authUserID string) (*models.UserAccount, error)
}

// ReconcileService turns checkout.session.completed deliveries into paid
// orders and granted credits. Every path is safe to replay: the provider
// retries until it sees 2xx, and nothing here assumes first delivery.
type ReconcileService struct {
	Orders   ReconcileOrderRepo
	Accounts ReconcileAccountRepo
	Credits  CreditGranter
	Pricing  *pricing.Catalog
	Logger   *slog.Logger
}

func NewReconcileService(orders ReconcileOrderRepo, accounts ReconcileAccountRepo, credits CreditGranter, catalog *pricing.Catalog, logger *slog.Logger) *ReconcileService {
	return &ReconcileService{Orders: orders, Accounts: accounts, Credits: credits, Pricing: catalog, Logger: logger}
}

// ReconcileResult reports how a delivery was resolved. Exactly one of the
// fields is meaningful: Granted for a fresh grant, AlreadyPaid for a replay,
// Rejected (with the reason) for a terminal rejection.
type ReconcileResult struct {
	Granted     bool
	AlreadyPaid bool
	Rejected    string
}

// HandleCheckoutCompleted reconciles one completed-checkout notification.
// A non-nil error means the failure was transient: the order stays pending
// and the caller should return 5xx so the provider redelivers.
func (s *ReconcileService) HandleCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession, eventTime time.Time) (*ReconcileResult, error) {
	order, err := s.Orders.GetBySessionID(ctx, sess.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		order, err = s.reconstruct(ctx, sess)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	// Replay gate: a paid order means this delivery already succeeded.
	if order.State == models.OrderStatePaid {
		s.Logger.Info("duplicate delivery for paid order", "session_id", sess.ID)
		return &ReconcileResult{AlreadyPaid: true}, nil
	}
	if order.State != models.OrderStatePending {
		s.Logger.Warn("delivery for terminal order ignored", "session_id", sess.ID, "state", order.State)
		return &ReconcileResult{Rejected: order.State}, nil
	}

	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		s.setTerminal(ctx, sess.ID, models.OrderStateFailed, map[string]any{
			"failure_reason": "payment_status:" + string(sess.PaymentStatus),
		})
		return &ReconcileResult{Rejected: "payment_incomplete"}, nil
	}

	if sess.AmountTotal != order.AmountCents {
		s.Logger.Error("payment amount mismatch",
			"alert", "amount_mismatch", "session_id", sess.ID,
			"expected_cents", order.AmountCents, "received_cents", sess.AmountTotal)
		s.setTerminal(ctx, sess.ID, models.OrderStateDisputed, map[string]any{
			"dispute_reason": "amount_mismatch",
			"expected_cents": order.AmountCents,
			"received_cents": sess.AmountTotal,
		})
		return &ReconcileResult{Rejected: "amount_mismatch"}, nil
	}
	if !strings.EqualFold(string(sess.Currency), order.Currency) {
		s.Logger.Error("payment currency mismatch",
			"alert", "currency_mismatch", "session_id", sess.ID,
			"expected", order.Currency, "received", string(sess.Currency))
		s.setTerminal(ctx, sess.ID, models.OrderStateDisputed, map[string]any{
			"dispute_reason":    "currency_mismatch",
			"expected_currency": order.Currency,
			"received_currency": string(sess.Currency),
		})
		return &ReconcileResult{Rejected: "currency_mismatch"}, nil
	}

	accountID, err := s.resolveAccount(ctx, order)
	if err != nil {
		s.noteTransient(ctx, sess.ID, err)
		return nil, err
	}

	// Grant before the state flip. The grant is keyed by session id, so a
	// redelivery after a crash between these two steps re-runs harmlessly.
	meta := map[string]any{"session_id": sess.ID}
	if order.Tier != nil {
		meta["tier"] = *order.Tier
	}
	granted, err := s.Credits.Add(ctx, accountID, order.Credits, sess.ID, meta, eventTime)
	if err != nil {
		s.noteTransient(ctx, sess.ID, err)
		return nil, fmt.Errorf("grant credits: %w", err)
	}

	paidPatch := map[string]any{"paid_event_at": eventTime.UTC().Format(time.RFC3339)}
	if sess.PaymentIntent != nil {
		paidPatch["payment_intent"] = sess.PaymentIntent.ID
	}
	ok, err := s.Orders.MarkPaid(ctx, sess.ID, mustPatch(paidPatch))
	if err != nil {
		s.noteTransient(ctx, sess.ID, err)
		return nil, fmt.Errorf("mark order paid: %w", err)
	}
	if !ok {
		// Lost the CAS. If a concurrent delivery won, this one is a replay.
		cur, readErr := s.Orders.GetBySessionID(ctx, sess.ID)
		if readErr == nil && cur.State == models.OrderStatePaid {
			return &ReconcileResult{AlreadyPaid: true}, nil
		}
		err := fmt.Errorf("order %s left pending concurrently", sess.ID)
		s.noteTransient(ctx, sess.ID, err)
		return nil, err
	}

	s.Logger.Info("order reconciled", "session_id", sess.ID, "credits", order.Credits, "granted", granted)
	return &ReconcileResult{Granted: granted}, nil
}

// reconstruct rebuilds a missing order from the metadata stashed on the
// session at checkout time. The expected amount comes from the pricing
// catalog when the price id is known, so amount verification still bites.
func (s *ReconcileService) reconstruct(ctx context.Context, sess *stripe.CheckoutSession) (*models.Order, error) {
	md := sess.Metadata
	authUserID := md["auth_user_id"]
	priceID := md["price_id"]
	creditsStr := md["credits"]
	if authUserID == "" || priceID == "" || creditsStr == "" {
		s.Logger.Error("cannot reconstruct order, metadata incomplete",
			"alert", "order_unrecoverable", "session_id", sess.ID)
		return nil, ErrOrderUnrecoverable
	}
	credits, err := strconv.ParseInt(creditsStr, 10, 64)
	if err != nil || credits <= 0 {
		s.Logger.Error("cannot reconstruct order, bad credits metadata",
			"alert", "order_unrecoverable", "session_id", sess.ID, "credits", creditsStr)
		return nil, ErrOrderUnrecoverable
	}

	order := &models.Order{
		SessionID:   sess.ID,
		AuthUserID:  &authUserID,
		PriceID:     priceID,
		Credits:     credits,
		AmountCents: sess.AmountTotal,
		Currency:    strings.ToLower(string(sess.Currency)),
		State:       models.OrderStatePending,
		Extra:       []byte(`{"reconstructed":true}`),
	}
	if v := md["tier"]; v != "" {
		order.Tier = &v
	}
	if v := md["account_id"]; v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			order.AccountID = &id
		}
	}
	if s.Pricing != nil {
		if tier, ok := s.Pricing.ByPriceID(priceID); ok {
			order.Credits = tier.Credits
			order.AmountCents = tier.AmountCents
			order.Currency = tier.Currency
		}
	}

	inserted, err := s.Orders.CreateIdempotent(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("insert reconstructed order: %w", err)
	}
	if !inserted {
		// Concurrent delivery reconstructed it first.
		return s.Orders.GetBySessionID(ctx, sess.ID)
	}
	s.Logger.Warn("order reconstructed from session metadata", "session_id", sess.ID)
	return order, nil
}

func (s *ReconcileService) resolveAccount(ctx context.Context, order *models.Order) (int64, error) {
	if order.AccountID != nil {
		return *order.AccountID, nil
	}
	if order.AuthUserID == nil {
		return 0, fmt.Errorf("order %s has no account reference", order.SessionID)
	}
	acc, err := s.Accounts.GetByAuthUserID(ctx, *order.AuthUserID)
	if err != nil {
		return 0, fmt.Errorf("resolve account for %s: %w", *order.AuthUserID, err)
	}
	return acc.ID, nil
}

// setTerminal moves a pending order to a terminal state, logging rather than
// failing if the write is lost: the provider will redeliver and retry it.
func (s *ReconcileService) setTerminal(ctx context.Context, sessionID, state string, patch map[string]any) {
	ok, err := s.Orders.SetState(ctx, sessionID, state, mustPatch(patch))
	if err != nil {
		s.Logger.Error("set order state", "session_id", sessionID, "state", state, "error", err)
		return
	}
	if !ok {
		s.Logger.Warn("order state transition lost race", "session_id", sessionID, "state", state)
	}
}

// noteTransient appends the failure to the pending order's audit trail so a
// stuck order is debuggable from its own row.
func (s *ReconcileService) noteTransient(ctx context.Context, sessionID string, cause error) {
	patch := mustPatch(map[string]any{
		"last_error":    cause.Error(),
		"last_error_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := s.Orders.AppendExtra(ctx, sessionID, patch); err != nil {
		s.Logger.Error("append order error note", "session_id", sessionID, "error", err)
	}
}

func mustPatch(v map[string]any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
