package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jordankimberg/paywall/internal/billing"
	"github.com/jordankimberg/paywall/internal/checkout"
	"github.com/jordankimberg/paywall/internal/entitlement"
	"github.com/rs/zerolog/log"
)

type checkRequest struct {
	ProductID string `json:"product_id"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
}

type checkResponse struct {
	entitlement.Decision
	TenantID    string `json:"tenant_id"`
	ProductID   string `json:"product_id"`
	CheckoutURL string `json:"checkout_url,omitempty"`
}

// handleCheck answers "does this user have access to this product" for the
// authenticated tenant. Product-scoped keys pin the product; tenant-wide keys
// supply it per request.
func (d *Deps) handleCheck(w http.ResponseWriter, r *http.Request) {
	scope, ok := ScopeFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key scope")
		return
	}

	var req checkRequest
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		req = checkRequest{
			ProductID: q.Get("product_id"),
			UserID:    q.Get("user_id"),
			Email:     q.Get("email"),
		}
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
		return
	}

	productID := strings.TrimSpace(req.ProductID)
	if scope.ProductID != "" {
		if productID != "" && productID != scope.ProductID {
			writeError(w, http.StatusForbidden, "forbidden", "API key is scoped to a different product")
			return
		}
		productID = scope.ProductID
	}
	if productID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "product_id is required")
		return
	}

	userID := strings.TrimSpace(req.UserID)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if userID == "" && email == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id or email is required")
		return
	}

	product, err := d.Registry.GetProduct(scope.Tenant.ID, productID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "product lookup failed")
		return
	}
	if product == nil {
		writeError(w, http.StatusNotFound, "product_not_found", "unknown product")
		return
	}

	decision, err := d.Resolver.CheckAccess(r.Context(), scope.Tenant, productID, userID, email)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "billing_not_configured", "tenant has no billing credentials")
		case errors.Is(err, billing.ErrProviderUnavailable):
			log.Warn().Err(err).Str("tenant_id", scope.Tenant.ID).Msg("Check: billing provider unavailable")
			writeError(w, http.StatusBadGateway, "provider_unavailable", "billing provider request failed")
		default:
			log.Error().Err(err).Str("tenant_id", scope.Tenant.ID).Msg("Check failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "entitlement check failed")
		}
		return
	}

	resp := checkResponse{
		Decision:  decision,
		TenantID:  scope.Tenant.ID,
		ProductID: productID,
	}
	if !decision.HasAccess {
		resp.CheckoutURL = checkout.CheckoutURL(d.Config.BaseURL, scope.Tenant.ID, productID, email)
	}
	writeJSON(w, http.StatusOK, resp)
}

type checkoutRequest struct {
	ProductID       string `json:"product_id"`
	UserID          string `json:"user_id"`
	Email           string `json:"email"`
	PriceID         string `json:"price_id"`
	PaymentMethodID string `json:"payment_method_id"`
	ReturnURL       string `json:"return_url"`
}

// handleCheckout completes a checkout: the subscription is created with the
// billing provider and the entitlement row is written before the response is
// sent, so the very next check is a cache hit.
func (d *Deps) handleCheckout(w http.ResponseWriter, r *http.Request) {
	scope, ok := ScopeFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key scope")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	productID := strings.TrimSpace(req.ProductID)
	if scope.ProductID != "" {
		if productID != "" && productID != scope.ProductID {
			writeError(w, http.StatusForbidden, "forbidden", "API key is scoped to a different product")
			return
		}
		productID = scope.ProductID
	}
	if productID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "product_id is required")
		return
	}

	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "email is required")
		return
	}
	if strings.TrimSpace(req.PriceID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "price_id is required")
		return
	}

	result, err := d.Finalizer.Finalize(r.Context(), scope.Tenant, checkout.Params{
		ProductID:       productID,
		UserID:          req.UserID,
		Email:           req.Email,
		PriceID:         req.PriceID,
		PaymentMethodID: req.PaymentMethodID,
		ReturnURL:       req.ReturnURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrProductNotFound):
			writeError(w, http.StatusNotFound, "product_not_found", "unknown product")
		case errors.Is(err, billing.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "billing_not_configured", "tenant has no billing credentials")
		case errors.Is(err, billing.ErrProviderUnavailable):
			log.Warn().Err(err).Str("tenant_id", scope.Tenant.ID).Msg("Checkout: billing provider unavailable")
			writeError(w, http.StatusBadGateway, "provider_unavailable", "billing provider request failed")
		case errors.Is(err, entitlement.ErrStoreWrite):
			// The subscription exists upstream but access was not recorded;
			// the caller must surface this instead of promising instant access.
			writeError(w, http.StatusInternalServerError, "entitlement_write_failed", "subscription created but access not recorded")
		default:
			log.Error().Err(err).Str("tenant_id", scope.Tenant.ID).Msg("Checkout finalize failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "checkout failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}
