package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jordankimberg/paywall/internal/metrics"
	"github.com/jordankimberg/paywall/internal/registry"
)

// RawDecision is the authoritative answer computed from provider state. It is
// what the resolver caches; a provider failure never becomes a RawDecision.
type RawDecision struct {
	HasAccess        bool
	SubscriptionID   string
	PlanCode         string
	Status           string
	CurrentPeriodEnd *time.Time
}

// Query resolves entitlement decisions against per-tenant provider clients.
type Query struct {
	clients *ClientCache
}

// NewQuery creates a Query over the given client cache.
func NewQuery(clients *ClientCache) *Query {
	return &Query{clients: clients}
}

// Resolve looks up the tenant's billing customer by email and finds the first
// subscription/line-item whose plan audience grants the product.
func (q *Query) Resolve(ctx context.Context, tenant *registry.Tenant, email, productID string) (RawDecision, error) {
	provider, err := q.clients.ProviderFor(tenant)
	if err != nil {
		return RawDecision{}, err
	}
	return ResolveWith(ctx, provider, email, productID)
}

// ResolveWith runs the audience-matching resolution against an explicit
// provider. Iteration order is the provider's return order; the first match
// wins with no further tie-break.
func ResolveWith(ctx context.Context, provider Provider, email, productID string) (RawDecision, error) {
	start := time.Now()
	defer func() {
		metrics.ProviderLookupDuration.Observe(time.Since(start).Seconds())
	}()

	customer, err := provider.FindCustomerByEmail(ctx, email)
	if err != nil {
		return RawDecision{}, fmt.Errorf("find customer: %w", err)
	}
	if customer == nil {
		return RawDecision{}, nil
	}

	subs, err := provider.ListSubscriptions(ctx, customer.ID)
	if err != nil {
		return RawDecision{}, fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !AccessGrantingStatus(sub.Status) {
			continue
		}
		for _, item := range sub.Items {
			if !AudienceMatches(item.Audience, productID) {
				continue
			}
			return RawDecision{
				HasAccess:        true,
				SubscriptionID:   sub.ID,
				PlanCode:         PlanCode(item),
				Status:           sub.Status,
				CurrentPeriodEnd: sub.CurrentPeriodEnd,
			}, nil
		}
	}
	return RawDecision{}, nil
}

// DecisionFromSubscription derives a RawDecision from a subscription object
// already in hand (finalize path and webhook payloads), without re-querying
// the provider.
func DecisionFromSubscription(sub *Subscription, productID string) RawDecision {
	if sub == nil {
		return RawDecision{}
	}
	d := RawDecision{
		SubscriptionID:   sub.ID,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	}
	if !AccessGrantingStatus(sub.Status) {
		return d
	}
	for _, item := range sub.Items {
		// The wildcard target applies regardless of audience.
		if productID == "" || productID == "*" || AudienceMatches(item.Audience, productID) {
			d.HasAccess = true
			d.PlanCode = PlanCode(item)
			return d
		}
	}
	return d
}
