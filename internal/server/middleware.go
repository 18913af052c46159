package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jordankimberg/paywall/internal/registry"
)

// Scope is the authenticated reach of an API key: the owning tenant and,
// for product-scoped keys, the product the key is pinned to.
type Scope struct {
	Tenant    *registry.Tenant
	ProductID string
}

type scopeContextKey struct{}

// ScopeFromContext returns the authenticated scope set by requireAPIKey.
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeContextKey{}).(*Scope)
	return s, ok
}

// AdminKeyMiddleware requires a valid admin key via X-Admin-Key or a bearer
// token.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || key != adminKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAPIKey authenticates the bearer token as an issued API key and puts
// the resolved tenant/product scope on the request context.
func requireAPIKey(reg *registry.Registry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key")
			return
		}
		secret := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

		key, err := reg.ResolveAPIKey(secret)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "API key lookup failed")
			return
		}
		if key == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unknown API key")
			return
		}

		tenant, err := reg.GetTenant(key.TenantID)
		if err != nil || tenant == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "API key tenant no longer exists")
			return
		}

		scope := &Scope{Tenant: tenant, ProductID: key.ProductID}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeContextKey{}, scope)))
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
