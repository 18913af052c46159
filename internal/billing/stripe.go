package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// stripeProvider implements Provider against the Stripe API with a dedicated
// per-tenant client.
type stripeProvider struct {
	sc *client.API
}

// NewStripeProvider builds a Provider backed by a Stripe client for the given
// secret key.
func NewStripeProvider(apiKey string) Provider {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &stripeProvider{sc: sc}
}

func (p *stripeProvider) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := p.sc.Customers.List(params)
	// First match only.
	if iter.Next() {
		return mapCustomer(iter.Customer()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeErr("list customers", err)
	}
	return nil, nil
}

func (p *stripeProvider) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cus, err := p.sc.Customers.Get(id, params)
	if err != nil {
		if stripeNotFound(err) {
			return nil, nil
		}
		return nil, wrapStripeErr("get customer", err)
	}
	return mapCustomer(cus), nil
}

func (p *stripeProvider) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.AddExpand("data.items.data.price.product")

	var subs []Subscription
	iter := p.sc.Subscriptions.List(params)
	for iter.Next() {
		subs = append(subs, mapSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeErr("list subscriptions", err)
	}
	return subs, nil
}

func (p *stripeProvider) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price.product")

	sub, err := p.sc.Subscriptions.Get(id, params)
	if err != nil {
		if stripeNotFound(err) {
			return nil, nil
		}
		return nil, wrapStripeErr("retrieve subscription", err)
	}
	mapped := mapSubscription(sub)
	return &mapped, nil
}

func (p *stripeProvider) CreateCustomer(ctx context.Context, email string) (*Customer, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	cus, err := p.sc.Customers.New(params)
	if err != nil {
		return nil, wrapStripeErr("create customer", err)
	}
	return mapCustomer(cus), nil
}

func (p *stripeProvider) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	attachParams := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	attachParams.Context = ctx
	if _, err := p.sc.PaymentMethods.Attach(paymentMethodID, attachParams); err != nil {
		return wrapStripeErr("attach payment method", err)
	}

	updateParams := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	updateParams.Context = ctx
	if _, err := p.sc.Customers.Update(customerID, updateParams); err != nil {
		return wrapStripeErr("set default payment method", err)
	}
	return nil
}

func (p *stripeProvider) CreateSubscription(ctx context.Context, cp CreateSubscriptionParams) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(cp.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(cp.PriceID)},
		},
	}
	params.Context = ctx
	params.AddExpand("items.data.price.product")
	params.SetIdempotencyKey(uuid.NewString())
	if cp.DefaultPaymentMethod != "" {
		params.DefaultPaymentMethod = stripe.String(cp.DefaultPaymentMethod)
	}
	for k, v := range cp.Metadata {
		params.AddMetadata(k, v)
	}

	sub, err := p.sc.Subscriptions.New(params)
	if err != nil {
		return nil, wrapStripeErr("create subscription", err)
	}
	mapped := mapSubscription(sub)
	return &mapped, nil
}

func mapCustomer(c *stripe.Customer) *Customer {
	if c == nil {
		return nil
	}
	return &Customer{ID: c.ID, Email: strings.ToLower(strings.TrimSpace(c.Email))}
}

func mapSubscription(s *stripe.Subscription) Subscription {
	sub := Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		sub.CustomerID = s.Customer.ID
	}
	if s.Items == nil {
		return sub
	}
	for _, item := range s.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		mapped := Item{PriceID: item.Price.ID}
		mapped.PlanCode = strings.TrimSpace(item.Price.Metadata[MetadataPlanCode])
		mapped.Audience = strings.TrimSpace(item.Price.Metadata[MetadataAudience])
		if item.Price.Product != nil {
			mapped.ProductID = item.Price.Product.ID
			// Plan-level metadata may live on the product rather than the price.
			if mapped.PlanCode == "" {
				mapped.PlanCode = strings.TrimSpace(item.Price.Product.Metadata[MetadataPlanCode])
			}
			if mapped.Audience == "" {
				mapped.Audience = strings.TrimSpace(item.Price.Product.Metadata[MetadataAudience])
			}
		}
		if item.CurrentPeriodEnd > 0 && sub.CurrentPeriodEnd == nil {
			ts := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			sub.CurrentPeriodEnd = &ts
		}
		sub.Items = append(sub.Items, mapped)
	}
	return sub
}

func stripeNotFound(err error) bool {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return sErr.Code == stripe.ErrorCodeResourceMissing || sErr.HTTPStatusCode == 404
	}
	return false
}

func wrapStripeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
}
