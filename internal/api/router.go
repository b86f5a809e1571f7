/**
 * @description
 * This file sets up the HTTP router for the billing service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware. The webhook endpoint stays outside the internal-auth
 * group: the provider authenticates with its signature, not our API key.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// BillingRoutes creates and returns the router for the billing service.
func BillingRoutes(h *Handler, webhook *WebhookHandler, internalKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key", "X-Actor-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider webhooks authenticate via HMAC signature.
	r.Post("/billing/webhooks/provider", webhook.ServeHTTP)

	// Internal, server-to-server API.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Use(ActorMiddleware)

		r.Route("/billing/usage/{userID}/{periodKey}", func(r chi.Router) {
			r.Get("/", h.handleGetUsage)
			r.Post("/trips", h.handleRecordUsage)
			r.Post("/close", h.handleClosePeriod)
			r.Post("/adjustments", h.handleAppendAdjustment)
		})

		r.Route("/billing/invoices", func(r chi.Router) {
			r.Post("/", h.handleGenerateInvoice)
			r.Get("/{invoiceID}", h.handleGetInvoice)
			r.Post("/{invoiceID}/send", h.handleSendInvoice)
			r.Post("/{invoiceID}/cancel", h.handleCancelInvoice)
			r.Post("/{invoiceID}/charge", h.handleCharge)
			r.Post("/{invoiceID}/reinstate", h.handleReinstateInvoice)
			r.Get("/{invoiceID}/dunning", h.handleGetDunningStatus)
		})

		r.Get("/billing/review-flags", h.handleListReviewFlags)
	})

	return r
}
