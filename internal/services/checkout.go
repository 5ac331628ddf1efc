package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/narrata/backend/internal/models"
	"github.com/narrata/backend/internal/pricing"
)

var (
	// ErrUnknownPrice is returned for price ids outside the catalog.
	ErrUnknownPrice = errors.New("unknown price id")
	// ErrEmailRequired is returned when the account has no email on file.
	ErrEmailRequired = errors.New("account email required")
)

// CheckoutSessionParams is what the payment provider needs to open a session.
type CheckoutSessionParams struct {
	PriceID    string
	Email      string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSessionCreator opens a hosted checkout session with the provider.
type CheckoutSessionCreator interface {
	CreateSession(ctx context.Context, p CheckoutSessionParams) (sessionID, url string, err error)
}

// CheckoutOrderRepo persists the pending order for a new session.
type CheckoutOrderRepo interface {
	Create(ctx context.Context, o *models.Order) error
}

// CheckoutService starts a purchase: provider session first, pending order
// second. The metadata bag on the session carries everything reconciliation
// needs to rebuild the order if the local insert is lost.
type CheckoutService struct {
	Sessions   CheckoutSessionCreator
	Orders     CheckoutOrderRepo
	Pricing    *pricing.Catalog
	BaseURL    string
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func NewCheckoutService(sessions CheckoutSessionCreator, orders CheckoutOrderRepo, catalog *pricing.Catalog, baseURL string, logger *slog.Logger) *CheckoutService {
	return &CheckoutService{
		Sessions:   sessions,
		Orders:     orders,
		Pricing:    catalog,
		BaseURL:    baseURL,
		RetryDelay: time.Second,
		Logger:     logger,
	}
}

// CheckoutResult is the hosted checkout the client should redirect to.
type CheckoutResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Start validates the tier, opens the provider session, and records the
// pending order. A failed order insert is retried once; if it still fails the
// session proceeds anyway and reconciliation will reconstruct from metadata.
func (s *CheckoutService) Start(ctx context.Context, acc *models.UserAccount, priceID string) (*CheckoutResult, error) {
	tier, ok := s.Pricing.ByPriceID(priceID)
	if !ok {
		return nil, ErrUnknownPrice
	}
	if acc.Email == nil || *acc.Email == "" {
		return nil, ErrEmailRequired
	}

	metadata := map[string]string{
		"account_id":   strconv.FormatInt(acc.ID, 10),
		"auth_user_id": acc.AuthUserID,
		"credits":      strconv.FormatInt(tier.Credits, 10),
		"tier":         tier.Name,
		"price_id":     tier.PriceID,
	}
	sessionID, url, err := s.Sessions.CreateSession(ctx, CheckoutSessionParams{
		PriceID:    tier.PriceID,
		Email:      *acc.Email,
		SuccessURL: s.BaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.BaseURL + "/billing",
		Metadata:   metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	order := &models.Order{
		SessionID:   sessionID,
		AccountID:   &acc.ID,
		AuthUserID:  &acc.AuthUserID,
		Email:       acc.Email,
		PriceID:     tier.PriceID,
		Tier:        &tier.Name,
		Credits:     tier.Credits,
		AmountCents: tier.AmountCents,
		Currency:    tier.Currency,
		State:       models.OrderStatePending,
	}
	var createErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if createErr = s.Orders.Create(ctx, order); createErr == nil {
			break
		}
		s.Logger.Warn("order insert failed", "session_id", sessionID, "attempt", attempt, "error", createErr)
		time.Sleep(s.RetryDelay)
	}
	if createErr != nil {
		s.Logger.Error("order insert failed after retries, relying on reconstruction",
			"session_id", sessionID, "error", createErr)
	}

	return &CheckoutResult{SessionID: sessionID, URL: url}, nil
}
