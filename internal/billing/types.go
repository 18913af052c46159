// Package billing is the slow, authoritative path: it queries the external
// billing provider for a customer's subscriptions and resolves which one, if
// any, grants access to a product.
package billing

import (
	"context"
	"time"
)

// Metadata keys the provider-side objects are expected to carry. Audience and
// plan code live on the price (plan) metadata; user and product targeting live
// on the subscription metadata.
const (
	MetadataAudience  = "audience"
	MetadataPlanCode  = "plan_code"
	MetadataUserID    = "user_id"
	MetadataProductID = "product_id"
)

// Customer is the provider-side billing customer.
type Customer struct {
	ID    string
	Email string
}

// Item is one subscription line item with the plan attributes entitlement
// resolution cares about.
type Item struct {
	PriceID string
	// PlanCode is the tenant-defined short code from plan metadata; empty when
	// the tenant never set one.
	PlanCode string
	// Audience is the raw comma-separated product list from plan metadata;
	// empty means the plan matches any product.
	Audience string
	// ProductID is the provider's internal product identifier, used as the
	// plan code fallback.
	ProductID string
}

// Subscription is the provider-side subscription, reduced to the fields the
// entitlement paths read.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	Metadata          map[string]string
	Items             []Item
}

// CreateSubscriptionParams are the inputs to provider-side subscription
// creation on the finalize path.
type CreateSubscriptionParams struct {
	CustomerID string
	PriceID    string
	// DefaultPaymentMethod may be empty for zero-amount prices; the free plan
	// bypass creates the subscription without a payment element round trip.
	DefaultPaymentMethod string
	Metadata             map[string]string
}

// Provider is the billing provider capability consumed by the resolver, the
// finalize path, and the webhook reconciler. Lookups return (nil, nil) when
// the referenced object does not exist.
type Provider interface {
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)

	CreateCustomer(ctx context.Context, email string) (*Customer, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)
}
