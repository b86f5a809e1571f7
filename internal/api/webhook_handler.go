/**
 * @description
 * HTTP entry point for payment provider webhooks. Verification happens in a
 * fixed order before any business logic runs:
 *
 *  1. HMAC-SHA256 signature over "<timestamp>.<body>" compared with
 *     hmac.Equal, so verification time does not depend on where the
 *     signatures diverge.
 *  2. Timestamp freshness inside the configured tolerance. Stale AND future
 *     timestamps are rejected; an attacker replaying a captured payload does
 *     not get to pick the clock.
 *  3. Event-id dedup. Duplicates are acknowledged with 200 and dropped, the
 *     provider must not keep redelivering them.
 *
 * Signature and timestamp failures are 400s. Processing failures after
 * verification are 500s so the provider redelivers.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex: Signature verification.
 * - internal/app: Event application and dedup store.
 */
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ridepool/billing-service/internal/app"
	"github.com/ridepool/billing-service/internal/domain"
)

// SignatureHeader carries the webhook signature, formatted
// "t=<unix>,v1=<hex hmac>".
const SignatureHeader = "X-Billing-Signature"

// WebhookHandler processes incoming webhooks from the payment provider.
type WebhookHandler struct {
	service   *app.Service
	processed app.ProcessedEventStore
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(service *app.Service, processed app.ProcessedEventStore, secret string, tolerance time.Duration) *WebhookHandler {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &WebhookHandler{
		service:   service,
		processed: processed,
		secret:    secret,
		tolerance: tolerance,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	timestamp, err := h.verifySignature(r.Header.Get(SignatureHeader), body)
	if err != nil {
		log.Printf("WARN: webhook rejected: %v", err)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	age := h.now().Sub(timestamp)
	if age > h.tolerance || age < -h.tolerance {
		log.Printf("WARN: webhook rejected: timestamp outside tolerance (age %s)", age)
		http.Error(w, "Timestamp outside tolerance", http.StatusBadRequest)
		return
	}

	var event domain.ProviderWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if event.ID == "" {
		http.Error(w, "Event ID is required", http.StatusBadRequest)
		return
	}

	first, err := h.processed.MarkProcessed(r.Context(), event.ID)
	if err != nil {
		log.Printf("ERROR: webhook dedup store unavailable: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !first {
		log.Printf("INFO: duplicate webhook event %s acknowledged", event.ID)
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := h.service.ApplyWebhookEvent(r.Context(), event); err != nil {
		log.Printf("ERROR: failed to apply webhook event %s: %v", event.ID, err)
		// Release the dedup claim so the provider's redelivery is processed.
		if forgetErr := h.processed.Forget(r.Context(), event.ID); forgetErr != nil {
			log.Printf("WARN: failed to release dedup claim for event %s: %v", event.ID, forgetErr)
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// verifySignature parses the signature header and checks the HMAC. It returns
// the signed timestamp for the freshness check.
func (h *WebhookHandler) verifySignature(header string, body []byte) (time.Time, error) {
	if header == "" {
		return time.Time{}, fmt.Errorf("%w: missing signature header", domain.ErrSignatureInvalid)
	}

	var rawTimestamp, rawSignature string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			rawTimestamp = value
		case "v1":
			rawSignature = value
		}
	}
	if rawTimestamp == "" || rawSignature == "" {
		return time.Time{}, fmt.Errorf("%w: malformed signature header", domain.ErrSignatureInvalid)
	}

	unix, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed timestamp", domain.ErrSignatureInvalid)
	}

	provided, err := hex.DecodeString(rawSignature)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed signature", domain.ErrSignatureInvalid)
	}

	expected := ComputeSignature(h.secret, rawTimestamp, body)
	if !hmac.Equal(provided, expected) {
		return time.Time{}, domain.ErrSignatureInvalid
	}

	return time.Unix(unix, 0).UTC(), nil
}

// ComputeSignature returns the HMAC-SHA256 of "<timestamp>.<body>". Exported
// so provider stubs and tests sign payloads the same way the verifier checks
// them.
func ComputeSignature(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignPayload builds a complete signature header value for a payload.
func SignPayload(secret string, at time.Time, body []byte) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	signature := hex.EncodeToString(ComputeSignature(secret, timestamp, body))
	return fmt.Sprintf("t=%s,v1=%s", timestamp, signature)
}
