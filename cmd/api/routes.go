package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/narrata/backend/internal/config"
	"github.com/narrata/backend/internal/handlers"
	"github.com/narrata/backend/internal/middleware"
	"github.com/narrata/backend/internal/pricing"
	"github.com/narrata/backend/internal/repository"
	"github.com/narrata/backend/internal/services"
)

// RegisterRoutes wires the /v1/ endpoints onto the mux.
// Middleware: SessionAuth on user endpoints, OptionalSessionAuth on the
// narration endpoint (it also serves anonymous trials), none on webhooks.
func RegisterRoutes(
	mux *http.ServeMux,
	cfg *config.Config,
	pool *pgxpool.Pool,
	accountRepo *repository.AccountRepo,
	creditRepo *repository.CreditRepo,
	orderRepo *repository.OrderRepo,
	anonRepo *repository.AnonRepo,
	eventRepo *repository.EventRepo,
	usageRepo *repository.UsageRepo,
	creditSvc *services.CreditService,
	logger *slog.Logger,
) {
	catalog := pricing.Default()

	trialSvc := services.NewTrialService(anonRepo, creditRepo, []byte(cfg.AnonSecret), cfg.TrialFreeUses, cfg.TrialHourlyLimit, logger)
	aiClient := services.NewAIClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, cfg.AITimeout, logger)
	narrationSvc := services.NewNarrationService(creditSvc, trialSvc, aiClient, usageRepo, logger)
	reconcileSvc := services.NewReconcileService(orderRepo, accountRepo, creditSvc, catalog, logger)
	checkoutSvc := services.NewCheckoutService(services.NewStripeCheckout(cfg.StripeSecretKey), orderRepo, catalog, cfg.CheckoutBaseURL, logger)

	narrateHandler := &handlers.NarrateHandler{Accounts: accountRepo, Narration: narrationSvc, Trial: trialSvc, Logger: logger}
	webhookHandler := &handlers.PaymentWebhookHandler{Reconciler: reconcileSvc, Events: eventRepo, Secret: cfg.StripeWebhookSecret, Logger: logger}
	checkoutHandler := &handlers.CheckoutHandler{Accounts: accountRepo, Checkout: checkoutSvc, Pricing: catalog, Logger: logger}
	accountHandler := &handlers.AccountHandler{Accounts: accountRepo, Logger: logger}
	usageHandler := &handlers.UsageHandler{Usage: usageRepo, Logger: logger}
	ordersHandler := &handlers.OrdersHandler{Orders: orderRepo, Logger: logger}
	trialHandler := &handlers.TrialHandler{Trial: trialSvc, FreeUses: cfg.TrialFreeUses, Logger: logger}
	provisioningHandler := &handlers.ProvisioningHandler{Accounts: accountRepo, Secret: cfg.ProvisioningSecret, Logger: logger}

	auth := middleware.SessionAuth([]byte(cfg.SessionSecret))
	optionalAuth := middleware.OptionalSessionAuth([]byte(cfg.SessionSecret))

	mux.Handle("POST /v1/narrations", optionalAuth(http.HandlerFunc(narrateHandler.Create)))

	mux.Handle("GET /v1/credits", auth(http.HandlerFunc(accountHandler.GetCredits)))
	mux.Handle("POST /v1/users/ensure", auth(http.HandlerFunc(accountHandler.Ensure)))
	mux.Handle("POST /v1/checkout", auth(http.HandlerFunc(checkoutHandler.Create)))
	mux.Handle("GET /v1/usage", auth(http.HandlerFunc(usageHandler.List)))
	mux.Handle("DELETE /v1/usage/{id}", auth(http.HandlerFunc(usageHandler.Delete)))
	mux.Handle("GET /v1/orders", auth(http.HandlerFunc(ordersHandler.List)))

	mux.HandleFunc("GET /v1/pricing", checkoutHandler.ListPricing)
	mux.HandleFunc("GET /v1/trial", trialHandler.Status)

	mux.HandleFunc("POST /v1/payments/webhook", webhookHandler.Handle)
	mux.HandleFunc("POST /v1/auth/webhook", provisioningHandler.Handle)
}
