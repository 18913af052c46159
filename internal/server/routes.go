package server

import (
	"context"
	"net/http"
	"time"

	"github.com/jordankimberg/paywall/internal/billing"
	"github.com/jordankimberg/paywall/internal/checkout"
	"github.com/jordankimberg/paywall/internal/config"
	"github.com/jordankimberg/paywall/internal/entitlement"
	"github.com/jordankimberg/paywall/internal/registry"
	"github.com/jordankimberg/paywall/internal/webhook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// storePinger is satisfied by the entitlement store adapters that can report
// backend connectivity.
type storePinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the dependencies shared by all HTTP handlers.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Registry
	Store     storePinger
	Clients   *billing.ClientCache
	Resolver  *entitlement.Resolver
	Finalizer *checkout.Finalizer
	Webhook   *webhook.Handler
	Version   string
	StartTime time.Time
}

type statusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Tenants int    `json:"tenants"`
}

func (d *Deps) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: both the registry and the entitlement store
// must answer.
func (d *Deps) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := d.Registry.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": "registry"})
		return
	}
	if d.Store != nil {
		if err := d.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": "entitlement store"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (d *Deps) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenants, err := d.Registry.ListTenants()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "status query failed")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "ok",
		Version: d.Version,
		Uptime:  time.Since(d.StartTime).Round(time.Second).String(),
		Tenants: len(tenants),
	})
}

// RegisterRoutes wires all endpoints onto the mux.
func RegisterRoutes(mux *http.ServeMux, d *Deps) {
	publicLimiter := NewRateLimiter(defaultRateLimit, defaultRateWindow)
	if d.Config.TrustProxy {
		publicLimiter.TrustProxyHeaders()
	}

	mux.HandleFunc("GET /healthz", d.handleHealthz)
	mux.HandleFunc("GET /readyz", d.handleReadyz)

	statusHandler := http.HandlerFunc(d.handleStatus)
	if d.Config.PublicStatus {
		mux.Handle("GET /status", statusHandler)
	} else {
		mux.Handle("GET /status", AdminKeyMiddleware(d.Config.AdminKey, statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if d.Config.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", AdminKeyMiddleware(d.Config.AdminKey, metricsHandler))
	}

	// Check/checkout surface, authenticated by issued API keys. Checks run on
	// the callers' hot path and are not rate limited; checkout is.
	checkHandler := requireAPIKey(d.Registry, http.HandlerFunc(d.handleCheck))
	mux.Handle("GET /api/v1/check", checkHandler)
	mux.Handle("POST /api/v1/check", checkHandler)
	mux.Handle("POST /api/v1/checkout", publicLimiter.Middleware(requireAPIKey(d.Registry, http.HandlerFunc(d.handleCheckout))))

	// Per-tenant webhook endpoint; Stripe signs, we do not rate limit it.
	mux.Handle("POST /api/v1/tenants/{tenant_id}/webhook", d.Webhook)

	// Admin surface.
	admin := func(h http.HandlerFunc) http.Handler {
		return publicLimiter.Middleware(AdminKeyMiddleware(d.Config.AdminKey, h))
	}
	mux.Handle("POST /admin/tenants", admin(d.handleCreateTenant))
	mux.Handle("GET /admin/tenants", admin(d.handleListTenants))
	mux.Handle("GET /admin/tenants/{tenant_id}", admin(d.handleGetTenant))
	mux.Handle("PATCH /admin/tenants/{tenant_id}", admin(d.handleUpdateTenant))
	mux.Handle("POST /admin/tenants/{tenant_id}/products", admin(d.handleCreateProduct))
	mux.Handle("GET /admin/tenants/{tenant_id}/products", admin(d.handleListProducts))
	mux.Handle("POST /admin/tenants/{tenant_id}/keys", admin(d.handleIssueAPIKey))
}
