/**
 * @description
 * HTTP handlers for the billing service API. Handlers parse requests, call
 * the application service and translate its sentinel errors to status codes.
 * Charge responses deserve a note: a provider timeout or a still-processing
 * charge is reported as 202 with the pending attempt, because the outcome is
 * genuinely unknown and the reconciler or webhook will finish the story.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: Service logic, models and errors.
 */
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ridepool/billing-service/internal/app"
	"github.com/ridepool/billing-service/internal/domain"
	"github.com/ridepool/billing-service/internal/store"
)

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service *app.Service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service *app.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	userID, periodKey, ok := usagePath(w, r)
	if !ok {
		return
	}

	var cost domain.TripCost
	if err := json.NewDecoder(r.Body).Decode(&cost); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := h.service.RecordUsage(r.Context(), userID, periodKey, cost)
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleClosePeriod(w http.ResponseWriter, r *http.Request) {
	userID, periodKey, ok := usagePath(w, r)
	if !ok {
		return
	}

	entry, err := h.service.ClosePeriod(r.Context(), userID, periodKey, actorOrSystem(r))
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	userID, periodKey, ok := usagePath(w, r)
	if !ok {
		return
	}

	entry, err := h.service.GetUsage(r.Context(), userID, periodKey)
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, entry)
}

type adjustmentRequest struct {
	Reason string `json:"reason"`
	Amount int64  `json:"amount"`
}

func (h *Handler) handleAppendAdjustment(w http.ResponseWriter, r *http.Request) {
	userID, periodKey, ok := usagePath(w, r)
	if !ok {
		return
	}

	actor, ok := ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "X-Actor-ID header is required", http.StatusBadRequest)
		return
	}

	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := h.service.AppendAdjustment(r.Context(), userID, periodKey, actor, req.Reason, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, entry)
}

type generateInvoiceRequest struct {
	UserID      string `json:"user_id"`
	PeriodKey   string `json:"period_key"`
	CustomerRef string `json:"customer_ref"`
}

func (h *Handler) handleGenerateInvoice(w http.ResponseWriter, r *http.Request) {
	var req generateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	invoice, err := h.service.GenerateInvoice(r.Context(), userID, req.PeriodKey, req.CustomerRef)
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, invoice)
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := invoicePath(w, r)
	if !ok {
		return
	}

	invoice, err := h.service.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, invoice)
}

type sendInvoiceRequest struct {
	DueAt *time.Time `json:"due_at,omitempty"`
}

func (h *Handler) handleSendInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := invoicePath(w, r)
	if !ok {
		return
	}

	var req sendInvoiceRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	var dueAt time.Time
	if req.DueAt != nil {
		dueAt = *req.DueAt
	}

	invoice, err := h.service.SendInvoice(r.Context(), invoiceID, dueAt, actorOrSystem(r))
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, invoice)
}

func (h *Handler) handleCancelInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := invoicePath(w, r)
	if !ok {
		return
	}

	invoice, err := h.service.CancelInvoice(r.Context(), invoiceID, actorOrSystem(r))
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, invoice)
}

type chargeRequest struct {
	PaymentMethodRef string `json:"payment_method_ref"`
	IdempotencyKey   string `json:"idempotency_key"`
}

func (h *Handler) handleCharge(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := invoicePath(w, r)
	if !ok {
		return
	}

	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := h.service.Charge(r.Context(), invoiceID, req.PaymentMethodRef, req.IdempotencyKey)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, outcome)
	case errors.Is(err, domain.ErrProviderTimeout), errors.Is(err, domain.ErrChargePending):
		respondWithJSON(w, http.StatusAccepted, outcome)
	case errors.Is(err, domain.ErrChargeFailed):
		respondWithJSON(w, http.StatusPaymentRequired, outcome)
	default:
		writeError(w, err)
	}
}

func (h *Handler) handleReinstateInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := invoicePath(w, r)
	if !ok {
		return
	}

	actor, hasActor := ActorFromContext(r.Context())
	if !hasActor {
		http.Error(w, "X-Actor-ID header is required", http.StatusBadRequest)
		return
	}

	invoice, err := h.service.ReinstateInvoice(r.Context(), invoiceID, actor)
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, invoice)
}

func (h *Handler) handleGetDunningStatus(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := invoicePath(w, r)
	if !ok {
		return
	}

	status, err := h.service.GetDunningStatus(r.Context(), invoiceID)
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, status)
}

func (h *Handler) handleListReviewFlags(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	flags, err := h.service.ListReviewFlags(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, flags)
}

func usagePath(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return uuid.Nil, "", false
	}
	periodKey := chi.URLParam(r, "periodKey")
	if periodKey == "" {
		http.Error(w, "Period key is required", http.StatusBadRequest)
		return uuid.Nil, "", false
	}
	return userID, periodKey, true
}

func invoicePath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	invoiceID, err := uuid.Parse(chi.URLParam(r, "invoiceID"))
	if err != nil {
		http.Error(w, "Invalid invoice ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return invoiceID, true
}

func actorOrSystem(r *http.Request) string {
	if actor, ok := ActorFromContext(r.Context()); ok {
		return actor
	}
	return domain.ActorSystem
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrLedgerEntryNotFound),
		errors.Is(err, store.ErrInvoiceNotFound),
		errors.Is(err, store.ErrAttemptNotFound),
		errors.Is(err, store.ErrScheduleNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrPeriodFrozen),
		errors.Is(err, domain.ErrPeriodAlreadyInvoiced),
		errors.Is(err, store.ErrStateConflict),
		errors.Is(err, store.ErrDuplicateInvoice):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrProviderUnavailable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		log.Printf("ERROR: unhandled API error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: failed to marshal JSON response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
