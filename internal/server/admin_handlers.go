package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jordankimberg/paywall/internal/registry"
	"github.com/rs/zerolog/log"
)

type tenantPayload struct {
	Name                string  `json:"name"`
	Email               string  `json:"email"`
	StripeAPIKey        *string `json:"stripe_api_key"`
	StripeWebhookSecret *string `json:"stripe_webhook_secret"`
}

type tenantResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Configured bool      `json:"configured"`
	WebhookURL string    `json:"webhook_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (d *Deps) tenantResponse(t *registry.Tenant) tenantResponse {
	return tenantResponse{
		ID:         t.ID,
		Name:       t.Name,
		Email:      t.Email,
		Configured: t.Configured(),
		WebhookURL: strings.TrimRight(d.Config.BaseURL, "/") + "/api/v1/tenants/" + t.ID + "/webhook",
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

// handleCreateTenant registers a new tenant. Billing credentials may be
// provided now or patched in later.
func (d *Deps) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	id, err := registry.GenerateTenantID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate tenant id")
		return
	}

	tenant := &registry.Tenant{
		ID:    id,
		Name:  strings.TrimSpace(req.Name),
		Email: strings.TrimSpace(req.Email),
	}
	if req.StripeAPIKey != nil {
		tenant.StripeAPIKey = strings.TrimSpace(*req.StripeAPIKey)
	}
	if req.StripeWebhookSecret != nil {
		tenant.StripeWebhookSecret = strings.TrimSpace(*req.StripeWebhookSecret)
	}

	if err := d.Registry.CreateTenant(tenant); err != nil {
		log.Error().Err(err).Msg("Create tenant failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create tenant")
		return
	}

	log.Info().Str("tenant_id", tenant.ID).Str("name", tenant.Name).Msg("Tenant created")
	writeJSON(w, http.StatusCreated, d.tenantResponse(tenant))
}

func (d *Deps) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := d.Registry.ListTenants()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tenants")
		return
	}
	out := make([]tenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, d.tenantResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Deps) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := d.tenantFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.tenantResponse(tenant))
}

// handleUpdateTenant patches tenant fields. A credential change invalidates
// the cached billing client so the next provider call uses the new key.
func (d *Deps) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := d.tenantFromPath(w, r)
	if !ok {
		return
	}

	var req tenantPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	credentialsChanged := false
	if v := strings.TrimSpace(req.Name); v != "" {
		tenant.Name = v
	}
	if v := strings.TrimSpace(req.Email); v != "" {
		tenant.Email = v
	}
	if req.StripeAPIKey != nil {
		tenant.StripeAPIKey = strings.TrimSpace(*req.StripeAPIKey)
		credentialsChanged = true
	}
	if req.StripeWebhookSecret != nil {
		tenant.StripeWebhookSecret = strings.TrimSpace(*req.StripeWebhookSecret)
	}

	if err := d.Registry.UpdateTenant(tenant); err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Update tenant failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update tenant")
		return
	}
	if credentialsChanged {
		d.Clients.Invalidate(tenant.ID)
	}

	log.Info().Str("tenant_id", tenant.ID).Bool("credentials_changed", credentialsChanged).Msg("Tenant updated")
	writeJSON(w, http.StatusOK, d.tenantResponse(tenant))
}

type productPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (d *Deps) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	tenant, ok := d.tenantFromPath(w, r)
	if !ok {
		return
	}

	var req productPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	productID := strings.TrimSpace(req.ID)
	if !registry.ValidProductID(productID) {
		writeError(w, http.StatusBadRequest, "bad_request", "product id must be 1-64 chars of [a-z0-9_-]")
		return
	}

	existing, err := d.Registry.GetProduct(tenant.ID, productID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "product lookup failed")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "conflict", "product already exists")
		return
	}

	product := &registry.Product{
		TenantID: tenant.ID,
		ID:       productID,
		Name:     strings.TrimSpace(req.Name),
	}
	if err := d.Registry.CreateProduct(product); err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Create product failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create product")
		return
	}

	log.Info().Str("tenant_id", tenant.ID).Str("product_id", product.ID).Msg("Product created")
	writeJSON(w, http.StatusCreated, product)
}

func (d *Deps) handleListProducts(w http.ResponseWriter, r *http.Request) {
	tenant, ok := d.tenantFromPath(w, r)
	if !ok {
		return
	}
	products, err := d.Registry.ListProducts(tenant.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list products")
		return
	}
	if products == nil {
		products = []*registry.Product{}
	}
	writeJSON(w, http.StatusOK, products)
}

type issueKeyRequest struct {
	ProductID string `json:"product_id"`
}

type issueKeyResponse struct {
	APIKey    string `json:"api_key"`
	TenantID  string `json:"tenant_id"`
	ProductID string `json:"product_id,omitempty"`
}

// handleIssueAPIKey mints an API key for a tenant. The plaintext secret
// appears only in this response; the registry keeps a hash.
func (d *Deps) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	tenant, ok := d.tenantFromPath(w, r)
	if !ok {
		return
	}

	var req issueKeyRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}

	productID := strings.TrimSpace(req.ProductID)
	if productID != "" {
		product, err := d.Registry.GetProduct(tenant.ID, productID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "product lookup failed")
			return
		}
		if product == nil {
			writeError(w, http.StatusNotFound, "product_not_found", "unknown product")
			return
		}
	}

	secret, err := d.Registry.IssueAPIKey(tenant.ID, productID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Issue API key failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to issue API key")
		return
	}

	log.Info().Str("tenant_id", tenant.ID).Str("product_id", productID).Msg("API key issued")
	writeJSON(w, http.StatusCreated, issueKeyResponse{
		APIKey:    secret,
		TenantID:  tenant.ID,
		ProductID: productID,
	})
}

func (d *Deps) tenantFromPath(w http.ResponseWriter, r *http.Request) (*registry.Tenant, bool) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	tenant, err := d.Registry.GetTenant(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "tenant lookup failed")
		return nil, false
	}
	if tenant == nil {
		writeError(w, http.StatusNotFound, "tenant_not_found", "unknown tenant")
		return nil, false
	}
	return tenant, true
}
