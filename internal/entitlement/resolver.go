package entitlement

import (
	"context"
	"strings"
	"time"

	"github.com/jordankimberg/paywall/internal/billing"
	"github.com/jordankimberg/paywall/internal/entstore"
	"github.com/jordankimberg/paywall/internal/metrics"
	"github.com/jordankimberg/paywall/internal/registry"
	"github.com/rs/zerolog/log"
)

// Source is the authoritative fallback consulted on a cache miss.
// *billing.Query implements it.
type Source interface {
	Resolve(ctx context.Context, tenant *registry.Tenant, email, productID string) (billing.RawDecision, error)
}

// SubscriptionDetail is the supporting subscription state returned alongside
// a positive decision.
type SubscriptionDetail struct {
	ID               string     `json:"id,omitempty"`
	Status           string     `json:"status,omitempty"`
	PlanCode         string     `json:"plan_code,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

// Decision is the answer to an entitlement check.
type Decision struct {
	HasAccess    bool                `json:"has_access"`
	Subscription *SubscriptionDetail `json:"subscription,omitempty"`
}

// Resolver orchestrates the read-through/write-through cache. Requests are
// unsynchronized: two concurrent misses may both hit the provider and both
// write; the writes are idempotent-equivalent full overwrites, so the row
// converges either way.
type Resolver struct {
	store  entstore.Store
	source Source
	writer *Writer
	now    func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(store entstore.Store, source Source, writer *Writer) *Resolver {
	return &Resolver{store: store, source: source, writer: writer, now: time.Now}
}

// CheckAccess returns the entitlement decision for (tenant, product, user).
// Fresh rows are returned verbatim without touching the provider. On a miss
// or stale row the billing provider is consulted and the result written back
// with the window matching the outcome. Provider failures propagate and are
// never cached as negative decisions.
func (r *Resolver) CheckAccess(ctx context.Context, tenant *registry.Tenant, productID, userID, email string) (Decision, error) {
	userKey := strings.TrimSpace(userID)
	if userKey == "" {
		// Callers without their own subject IDs key rows by email, matching
		// the webhook reconciler's email fallback.
		userKey = strings.ToLower(strings.TrimSpace(email))
	}

	now := r.now().UTC()
	row, err := r.store.Get(ctx, tenant.ID, productID, userKey)
	if err != nil {
		log.Warn().Err(err).
			Str("tenant_id", tenant.ID).
			Str("product_id", productID).
			Msg("Entitlement read failed; falling through to provider")
	}
	if row.Fresh(now) {
		metrics.CheckRequestsTotal.WithLabelValues("cache", outcome(row.HasAccess)).Inc()
		return decisionFromRow(row), nil
	}

	// A reconciler write without product metadata lands on the wildcard
	// sentinel; honor it before paying for a provider round trip.
	if productID != entstore.ProductWildcard {
		wrow, werr := r.store.Get(ctx, tenant.ID, entstore.ProductWildcard, userKey)
		if werr == nil && wrow.Fresh(now) {
			metrics.CheckRequestsTotal.WithLabelValues("cache", outcome(wrow.HasAccess)).Inc()
			return decisionFromRow(wrow), nil
		}
	}

	raw, err := r.source.Resolve(ctx, tenant, email, productID)
	if err != nil {
		metrics.CheckRequestsTotal.WithLabelValues("provider", "error").Inc()
		return Decision{}, err
	}

	if _, err := r.writer.Record(ctx, "resolver", tenant.ID, productID, userKey, email, raw); err != nil {
		// The write-back is an optimization, not a precondition of a correct
		// answer. The next request just takes the slow path again.
		log.Warn().Err(err).
			Str("tenant_id", tenant.ID).
			Str("product_id", productID).
			Msg("Entitlement write-back failed; returning computed decision")
	}

	metrics.CheckRequestsTotal.WithLabelValues("provider", outcome(raw.HasAccess)).Inc()
	return decisionFromRaw(raw), nil
}

func outcome(hasAccess bool) string {
	if hasAccess {
		return "grant"
	}
	return "deny"
}

func decisionFromRow(row *entstore.Row) Decision {
	d := Decision{HasAccess: row.HasAccess}
	if row.HasAccess {
		d.Subscription = &SubscriptionDetail{
			ID:               row.SubscriptionID,
			Status:           row.Status,
			PlanCode:         row.PlanCode,
			CurrentPeriodEnd: row.CurrentPeriodEnd,
		}
	}
	return d
}

func decisionFromRaw(raw billing.RawDecision) Decision {
	d := Decision{HasAccess: raw.HasAccess}
	if raw.HasAccess {
		d.Subscription = &SubscriptionDetail{
			ID:               raw.SubscriptionID,
			Status:           raw.Status,
			PlanCode:         raw.PlanCode,
			CurrentPeriodEnd: raw.CurrentPeriodEnd,
		}
	}
	return d
}
