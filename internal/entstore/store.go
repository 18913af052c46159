// Package entstore holds the cached entitlement rows that front the billing
// provider. The store is deliberately dumb: point read, unconditional point
// overwrite, and time-based expiry. All reconciliation between the three
// writers (finalize, webhook, read-through refresh) happens by TTL ordering,
// not by store-level coordination.
package entstore

import (
	"context"
	"time"
)

// ProductWildcard is the sentinel product ID meaning "applies regardless of
// product". Written by the webhook reconciler when a subscription carries no
// product metadata; read by the resolver as a fallback.
const ProductWildcard = "*"

// Row is the last known access decision for a (tenant, product, user) key.
// Every write fully replaces the row; last writer wins.
type Row struct {
	TenantID  string `json:"tenant_id"`
	ProductID string `json:"product_id"`
	UserID    string `json:"user_id"`

	HasAccess        bool       `json:"has_access"`
	SubscriptionID   string     `json:"subscription_id,omitempty"`
	PlanCode         string     `json:"plan_code,omitempty"`
	Status           string     `json:"status,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	UserEmail        string     `json:"user_email,omitempty"`

	// ExpiresAt is absolute. The row is trusted iff now < ExpiresAt; stores
	// may also physically delete rows past expiry, which reads treat as a miss.
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fresh reports whether the row is still inside its freshness window.
func (r *Row) Fresh(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// Store is the entitlement cache. Get returns (nil, nil) for missing keys and
// may return an expired row; callers must check Fresh themselves rather than
// trusting absence.
type Store interface {
	Get(ctx context.Context, tenantID, productID, userID string) (*Row, error)
	Put(ctx context.Context, row *Row) error
}
