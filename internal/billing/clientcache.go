package billing

import (
	"fmt"
	"sync"
	"time"

	"github.com/jordankimberg/paywall/internal/metrics"
	"github.com/jordankimberg/paywall/internal/registry"
)

// ClientCache holds a per-tenant billing provider client with its own short
// TTL, independent of the entitlement freshness windows. It is an explicit
// dependency with an invalidation hook; there is no ambient/static client
// state anywhere in the process.
type ClientCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]clientEntry

	// build is swapped out by tests.
	build func(apiKey string) Provider
}

type clientEntry struct {
	provider Provider
	apiKey   string
	expires  time.Time
}

// NewClientCache creates a client cache with the given reuse TTL.
func NewClientCache(ttl time.Duration) *ClientCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ClientCache{
		ttl:     ttl,
		entries: make(map[string]clientEntry),
		build:   NewStripeProvider,
	}
}

// ProviderFor returns the cached provider client for a tenant, constructing
// one from the tenant's credentials on first use or after expiry.
func (c *ClientCache) ProviderFor(tenant *registry.Tenant) (Provider, error) {
	if !tenant.Configured() {
		return nil, fmt.Errorf("tenant %q: %w", tenantID(tenant), ErrNotConfigured)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[tenant.ID]; ok && now.Before(entry.expires) && entry.apiKey == tenant.StripeAPIKey {
		return entry.provider, nil
	}

	provider := c.build(tenant.StripeAPIKey)
	c.entries[tenant.ID] = clientEntry{
		provider: provider,
		apiKey:   tenant.StripeAPIKey,
		expires:  now.Add(c.ttl),
	}
	c.pruneLocked(now)
	metrics.ClientCacheSize.Set(float64(len(c.entries)))
	return provider, nil
}

// Invalidate drops a tenant's cached client. Fired when the tenant's billing
// credentials change so the next call picks up the new key immediately.
func (c *ClientCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
	metrics.ClientCacheSize.Set(float64(len(c.entries)))
}

// SetBuilder replaces the provider constructor. Test hook.
func (c *ClientCache) SetBuilder(build func(apiKey string) Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.build = build
}

func (c *ClientCache) pruneLocked(now time.Time) {
	for id, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, id)
		}
	}
}

func tenantID(t *registry.Tenant) string {
	if t == nil {
		return ""
	}
	return t.ID
}
