// Package webhook is the asynchronous backstop: billing-provider lifecycle
// events are verified, deduplicated, and reconciled into entitlement writes.
package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jordankimberg/paywall/internal/metrics"
	"github.com/jordankimberg/paywall/internal/registry"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Handler handles incoming billing-provider webhook events on the per-tenant
// endpoint. Signature verification uses the tenant's own signing secret.
type Handler struct {
	registry   *registry.Registry
	reconciler *Reconciler
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// NewHandler creates a webhook HTTP handler.
func NewHandler(reg *registry.Registry, reconciler *Reconciler) *Handler {
	return &Handler{registry: reg, reconciler: reconciler}
}

// ServeHTTP verifies the event signature, short-circuits duplicates, and
// dispatches the event to the reconciler. The audit record is written only
// after successful processing so provider retries re-run failed events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}

	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	tenant, err := h.registry.GetTenant(tenantID)
	if err != nil {
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "tenant lookup failed"})
		return
	}
	if tenant == nil {
		status = http.StatusNotFound
		writeJSON(w, status, errorResponse{Error: "unknown tenant"})
		return
	}
	secret := strings.TrimSpace(tenant.StripeWebhookSecret)
	if secret == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		// Rejected before any processing; no audit record for unverifiable
		// events.
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if !handledEventType(event.Type) {
		log.Info().
			Str("tenant_id", tenant.ID).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook ignored (unhandled type)")
		writeJSON(w, http.StatusOK, receivedResponse{Received: true})
		return
	}

	duplicate, err := h.registry.HasProcessedEvent(tenant.ID, event.ID)
	if err != nil {
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "event audit lookup failed"})
		return
	}
	if duplicate {
		log.Info().
			Str("tenant_id", tenant.ID).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook duplicate delivery; skipping")
		writeJSON(w, http.StatusOK, receivedResponse{Received: true, Duplicate: true})
		return
	}

	if err := h.reconciler.HandleEvent(r.Context(), tenant, &event); err != nil {
		log.Error().Err(err).
			Str("tenant_id", tenant.ID).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	if err := h.registry.RecordProcessedEvent(tenant.ID, event.ID, eventType); err != nil {
		// Processing succeeded; a lost audit record only risks one extra
		// reprocessing, which the overwrite semantics tolerate.
		log.Warn().Err(err).
			Str("tenant_id", tenant.ID).
			Str("event_id", event.ID).
			Msg("Webhook audit record write failed")
	}

	writeJSON(w, http.StatusOK, receivedResponse{Received: true})
}

func handledEventType(t stripelib.EventType) bool {
	switch t {
	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.deleted", "invoice.payment_failed":
		return true
	default:
		return false
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}
