// Package checkout implements the finalize surface: provider-side
// subscription creation followed by a synchronous entitlement write, so the
// cache reflects payment before the response leaves the server.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jordankimberg/paywall/internal/billing"
	"github.com/jordankimberg/paywall/internal/entitlement"
	"github.com/jordankimberg/paywall/internal/entstore"
	"github.com/jordankimberg/paywall/internal/metrics"
	"github.com/jordankimberg/paywall/internal/registry"
	"github.com/rs/zerolog/log"
)

// ErrProductNotFound means the finalize request referenced a product the
// tenant never registered.
var ErrProductNotFound = errors.New("checkout: product not found")

// Finalizer creates subscriptions and records access in the same request.
type Finalizer struct {
	registry *registry.Registry
	clients  *billing.ClientCache
	writer   *entitlement.Writer
	baseURL  string
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(reg *registry.Registry, clients *billing.ClientCache, writer *entitlement.Writer, baseURL string) *Finalizer {
	return &Finalizer{registry: reg, clients: clients, writer: writer, baseURL: strings.TrimSpace(baseURL)}
}

// Params are the checkout-completion inputs.
type Params struct {
	ProductID string
	UserID    string
	Email     string
	PriceID   string
	// PaymentMethodID may be empty for zero-amount prices: the free plan
	// bypass still produces a has_access=true row without a payment element
	// round trip.
	PaymentMethodID string
	ReturnURL       string
}

// Result is returned to the caller driving the hosted checkout flow.
type Result struct {
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	PlanCode       string `json:"plan_code,omitempty"`
	RedirectURL    string `json:"redirect_url"`
}

// Finalize creates the subscription with the billing provider, then writes a
// fresh has_access=true row from the subscription object already in hand. The
// write happens before this function returns; webhook delivery latency and the
// provider's own propagation lag play no part in the guarantee.
//
// A failed entitlement write fails the whole call: the subscription is not
// rolled back (the webhook backstop reconciles it eventually) but the caller
// must know that instant access was not recorded.
func (f *Finalizer) Finalize(ctx context.Context, tenant *registry.Tenant, p Params) (result *Result, err error) {
	metrics.FinalizeTotal.WithLabelValues("attempt").Inc()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.FinalizeTotal.WithLabelValues(outcome).Inc()
	}()

	email := strings.ToLower(strings.TrimSpace(p.Email))
	if email == "" {
		return nil, fmt.Errorf("finalize: missing email")
	}
	if strings.TrimSpace(p.PriceID) == "" {
		return nil, fmt.Errorf("finalize: missing price id")
	}

	productID := strings.TrimSpace(p.ProductID)
	if productID != "" {
		product, perr := f.registry.GetProduct(tenant.ID, productID)
		if perr != nil {
			return nil, fmt.Errorf("lookup product: %w", perr)
		}
		if product == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrProductNotFound, tenant.ID, productID)
		}
	}

	provider, err := f.clients.ProviderFor(tenant)
	if err != nil {
		return nil, err
	}

	customer, err := provider.FindCustomerByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("find customer: %w", err)
	}
	if customer == nil {
		customer, err = provider.CreateCustomer(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("create customer: %w", err)
		}
	}

	if pm := strings.TrimSpace(p.PaymentMethodID); pm != "" {
		if err := provider.AttachPaymentMethod(ctx, customer.ID, pm); err != nil {
			return nil, fmt.Errorf("attach payment method: %w", err)
		}
	}

	userKey := strings.TrimSpace(p.UserID)
	if userKey == "" {
		userKey = email
	}
	meta := map[string]string{billing.MetadataUserID: userKey}
	if productID != "" {
		meta[billing.MetadataProductID] = productID
	}

	sub, err := provider.CreateSubscription(ctx, billing.CreateSubscriptionParams{
		CustomerID:           customer.ID,
		PriceID:              strings.TrimSpace(p.PriceID),
		DefaultPaymentMethod: strings.TrimSpace(p.PaymentMethodID),
		Metadata:             meta,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	// The row is written from the subscription object we already hold, with
	// has_access=true and the long window. This is the zero-delay guarantee.
	decision := billing.RawDecision{
		HasAccess:        true,
		SubscriptionID:   sub.ID,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	}
	if len(sub.Items) > 0 {
		decision.PlanCode = billing.PlanCode(sub.Items[0])
	}
	// A product-less finalize keys the row by the wildcard sentinel; the
	// resolver's fallback read finds it there, so the next check is still a
	// store hit.
	rowProduct := productID
	if rowProduct == "" {
		rowProduct = entstore.ProductWildcard
	}
	if _, err := f.writer.Record(ctx, "finalize", tenant.ID, rowProduct, userKey, email, decision); err != nil {
		log.Error().Err(err).
			Str("tenant_id", tenant.ID).
			Str("subscription_id", sub.ID).
			Msg("Finalize: subscription created but entitlement write failed")
		return nil, err
	}

	log.Info().
		Str("tenant_id", tenant.ID).
		Str("product_id", rowProduct).
		Str("subscription_id", sub.ID).
		Str("status", sub.Status).
		Msg("Checkout finalized")

	return &Result{
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		PlanCode:       decision.PlanCode,
		RedirectURL:    f.redirectURL(tenant.ID, productID, p.ReturnURL),
	}, nil
}

func (f *Finalizer) redirectURL(tenantID, productID, returnURL string) string {
	if u := strings.TrimSpace(returnURL); u != "" {
		return u
	}
	return buildURL(f.baseURL, "/checkout/complete", url.Values{
		"tenant":  {tenantID},
		"product": {productID},
	})
}

// CheckoutURL builds the hosted checkout redirect target returned by the
// check surface on a no-access decision.
func CheckoutURL(baseURL, tenantID, productID, email string) string {
	return buildURL(baseURL, "/checkout", url.Values{
		"tenant":  {tenantID},
		"product": {productID},
		"email":   {email},
	})
}

func buildURL(baseURL, path string, query url.Values) string {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	q := parsed.Query()
	for k, vs := range query {
		for _, v := range vs {
			if strings.TrimSpace(v) != "" {
				q.Set(k, v)
			}
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}
