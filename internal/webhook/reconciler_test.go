package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jordankimberg/paywall/internal/billing"
	"github.com/jordankimberg/paywall/internal/entitlement"
	"github.com/jordankimberg/paywall/internal/entstore"
	"github.com/jordankimberg/paywall/internal/registry"
	stripelib "github.com/stripe/stripe-go/v82"
)

type fakeProvider struct {
	customers     map[string]*billing.Customer // keyed by customer ID
	subscriptions map[string]*billing.Subscription

	retrieveCalls int
}

func (f *fakeProvider) FindCustomerByEmail(context.Context, string) (*billing.Customer, error) {
	return nil, nil
}

func (f *fakeProvider) GetCustomer(_ context.Context, id string) (*billing.Customer, error) {
	return f.customers[id], nil
}

func (f *fakeProvider) ListSubscriptions(context.Context, string) ([]billing.Subscription, error) {
	return nil, nil
}

func (f *fakeProvider) RetrieveSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	f.retrieveCalls++
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeProvider) CreateCustomer(context.Context, string) (*billing.Customer, error) {
	return nil, nil
}

func (f *fakeProvider) AttachPaymentMethod(context.Context, string, string) error { return nil }

func (f *fakeProvider) CreateSubscription(context.Context, billing.CreateSubscriptionParams) (*billing.Subscription, error) {
	return nil, nil
}

func newTestReconciler(provider *fakeProvider, store entstore.Store) *Reconciler {
	clients := billing.NewClientCache(time.Minute)
	clients.SetBuilder(func(string) billing.Provider { return provider })
	writer := entitlement.NewWriter(store, entitlement.Windows{Access: 5 * time.Minute, Negative: time.Minute})
	return NewReconciler(clients, writer)
}

func webhookTenant() *registry.Tenant {
	return &registry.Tenant{ID: "t-wh", StripeAPIKey: "sk_test", StripeWebhookSecret: "whsec_test"}
}

func subscriptionEvent(t *testing.T, eventType, object string) *stripelib.Event {
	t.Helper()
	return &stripelib.Event{
		ID:   "evt_" + eventType,
		Type: stripelib.EventType(eventType),
		Data: &stripelib.EventData{Raw: json.RawMessage(object)},
	}
}

func TestReconcileSubscriptionUpdatedWritesRow(t *testing.T) {
	store := entstore.NewMemoryStore()
	r := newTestReconciler(&fakeProvider{}, store)

	end := time.Now().Add(30 * 24 * time.Hour).Unix()
	object := fmt.Sprintf(`{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"metadata": {"user_id": "u-1", "product_id": "blog"},
		"items": {"data": [{
			"current_period_end": %d,
			"price": {"id": "price_1", "product": "prod_1", "metadata": {"plan_code": "pro", "audience": "blog"}}
		}]}
	}`, end)

	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "customer.subscription.updated", object))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	row, err := store.Get(context.Background(), "t-wh", "blog", "u-1")
	if err != nil || row == nil {
		t.Fatalf("row after reconcile: %v, %v", row, err)
	}
	if !row.HasAccess || row.SubscriptionID != "sub_1" || row.PlanCode != "pro" {
		t.Fatalf("row = %+v", row)
	}
	if row.CurrentPeriodEnd == nil || row.CurrentPeriodEnd.Unix() != end {
		t.Fatalf("CurrentPeriodEnd = %v, want unix %d", row.CurrentPeriodEnd, end)
	}
}

func TestReconcilePastDueWritesDeny(t *testing.T) {
	store := entstore.NewMemoryStore()
	r := newTestReconciler(&fakeProvider{}, store)

	object := `{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "past_due",
		"metadata": {"user_id": "u-1", "product_id": "blog"},
		"items": {"data": [{"price": {"id": "price_1", "metadata": {"audience": "blog"}}}]}
	}`

	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "customer.subscription.updated", object))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	row, _ := store.Get(context.Background(), "t-wh", "blog", "u-1")
	if row == nil || row.HasAccess {
		t.Fatalf("past_due must write a deny row, got %+v", row)
	}
	// Deny rows take the short window.
	if ttl := time.Until(row.ExpiresAt); ttl > time.Minute+5*time.Second {
		t.Fatalf("deny row window %v, want about 1m", ttl)
	}
}

func TestReconcileDeletedUsesShortWindow(t *testing.T) {
	store := entstore.NewMemoryStore()
	r := newTestReconciler(&fakeProvider{}, store)

	object := `{
		"id": "sub_1",
		"customer": "cus_1",
		"metadata": {"user_id": "u-1", "product_id": "blog"}
	}`

	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "customer.subscription.deleted", object))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	row, _ := store.Get(context.Background(), "t-wh", "blog", "u-1")
	if row == nil {
		t.Fatal("deleted event must write a row")
	}
	if row.HasAccess {
		t.Fatal("deleted subscription must revoke access")
	}
	if row.Status != "canceled" {
		t.Fatalf("Status = %q, want canceled", row.Status)
	}
	if ttl := time.Until(row.ExpiresAt); ttl > time.Minute+5*time.Second {
		t.Fatalf("deleted row window %v, want about 1m", ttl)
	}
}

func TestReconcileRefetchesWhenPayloadLacksDetail(t *testing.T) {
	store := entstore.NewMemoryStore()
	end := time.Now().Add(30 * 24 * time.Hour).UTC()
	provider := &fakeProvider{
		subscriptions: map[string]*billing.Subscription{
			"sub_1": {
				ID:               "sub_1",
				CustomerID:       "cus_1",
				Status:           "active",
				CurrentPeriodEnd: &end,
				Metadata:         map[string]string{"user_id": "u-1", "product_id": "blog"},
				Items:            []billing.Item{{PriceID: "price_1", PlanCode: "pro", Audience: "blog"}},
			},
		},
	}
	r := newTestReconciler(provider, store)

	// Thin payload: no metadata, no plan attributes.
	object := `{"id": "sub_1", "customer": "cus_1", "status": "active"}`
	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "customer.subscription.updated", object))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if provider.retrieveCalls != 1 {
		t.Fatalf("retrieveCalls = %d, want 1", provider.retrieveCalls)
	}
	row, _ := store.Get(context.Background(), "t-wh", "blog", "u-1")
	if row == nil || !row.HasAccess || row.PlanCode != "pro" {
		t.Fatalf("row = %+v", row)
	}
}

func TestReconcileFallsBackToCustomerEmail(t *testing.T) {
	store := entstore.NewMemoryStore()
	provider := &fakeProvider{
		customers: map[string]*billing.Customer{
			"cus_1": {ID: "cus_1", Email: "payer@example.com"},
		},
	}
	r := newTestReconciler(provider, store)

	object := `{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"metadata": {"product_id": "blog"},
		"items": {"data": [{"price": {"id": "price_1", "metadata": {"audience": "blog"}}}]}
	}`
	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "customer.subscription.updated", object))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	// Without user metadata the row keys by the customer's email.
	row, _ := store.Get(context.Background(), "t-wh", "blog", "payer@example.com")
	if row == nil || !row.HasAccess {
		t.Fatalf("row under email key = %+v", row)
	}
	if row.UserEmail != "payer@example.com" {
		t.Fatalf("UserEmail = %q", row.UserEmail)
	}
}

func TestReconcileMetadataUserCarriesCustomerEmail(t *testing.T) {
	store := entstore.NewMemoryStore()
	provider := &fakeProvider{
		customers: map[string]*billing.Customer{
			"cus_1": {ID: "cus_1", Email: "payer@example.com"},
		},
	}
	r := newTestReconciler(provider, store)

	object := `{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"metadata": {"user_id": "u-1", "product_id": "blog"},
		"items": {"data": [{"price": {"id": "price_1", "metadata": {"audience": "blog"}}}]}
	}`
	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "customer.subscription.updated", object))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	row, _ := store.Get(context.Background(), "t-wh", "blog", "u-1")
	if row == nil || !row.HasAccess {
		t.Fatalf("row = %+v", row)
	}
	// The key comes from metadata, the email from the customer record.
	if row.UserID != "u-1" {
		t.Fatalf("UserID = %q", row.UserID)
	}
	if row.UserEmail != "payer@example.com" {
		t.Fatalf("UserEmail = %q, want the customer email", row.UserEmail)
	}
}

func TestReconcileWildcardProduct(t *testing.T) {
	store := entstore.NewMemoryStore()
	r := newTestReconciler(&fakeProvider{}, store)

	// No product metadata and two audience entries: no single product to pin.
	object := `{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"metadata": {"user_id": "u-1"},
		"items": {"data": [{"price": {"id": "price_1", "metadata": {"audience": "blog,app", "plan_code": "pro"}}}]}
	}`
	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "customer.subscription.updated", object))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	row, _ := store.Get(context.Background(), "t-wh", entstore.ProductWildcard, "u-1")
	if row == nil || !row.HasAccess {
		t.Fatalf("wildcard row = %+v", row)
	}
}

func TestReconcileSoleAudienceEntryPinsProduct(t *testing.T) {
	store := entstore.NewMemoryStore()
	r := newTestReconciler(&fakeProvider{}, store)

	object := `{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"metadata": {"user_id": "u-1"},
		"items": {"data": [{"price": {"id": "price_1", "metadata": {"audience": "blog", "plan_code": "pro"}}}]}
	}`
	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "customer.subscription.updated", object))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	row, _ := store.Get(context.Background(), "t-wh", "blog", "u-1")
	if row == nil || !row.HasAccess {
		t.Fatalf("row = %+v", row)
	}
}

func TestReconcilePaymentFailedRefetchesSubscription(t *testing.T) {
	store := entstore.NewMemoryStore()
	provider := &fakeProvider{
		subscriptions: map[string]*billing.Subscription{
			"sub_1": {
				ID:         "sub_1",
				CustomerID: "cus_1",
				Status:     "past_due",
				Metadata:   map[string]string{"user_id": "u-1", "product_id": "blog"},
				Items:      []billing.Item{{PriceID: "price_1", Audience: "blog"}},
			},
		},
	}
	r := newTestReconciler(provider, store)

	// Subscription reference under parent.subscription_details (newer API shape).
	object := `{"id": "in_1", "customer": "cus_1", "parent": {"subscription_details": {"subscription": "sub_1"}}}`
	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "invoice.payment_failed", object))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	row, _ := store.Get(context.Background(), "t-wh", "blog", "u-1")
	if row == nil {
		t.Fatal("payment_failed must write the recomputed row")
	}
	if row.HasAccess {
		t.Fatal("past_due after payment failure must deny")
	}
	if row.Status != "past_due" {
		t.Fatalf("Status = %q, want past_due", row.Status)
	}
}

func TestReconcilePaymentFailedWithoutSubscriptionSkips(t *testing.T) {
	store := entstore.NewMemoryStore()
	r := newTestReconciler(&fakeProvider{}, store)

	object := `{"id": "in_1", "customer": "cus_1"}`
	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "invoice.payment_failed", object))
	if err != nil {
		t.Fatalf("one-off invoice failures are not an error: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("no row should be written, store has %d", store.Len())
	}
}

func TestHandleEventIgnoresUnknownTypes(t *testing.T) {
	store := entstore.NewMemoryStore()
	r := newTestReconciler(&fakeProvider{}, store)

	err := r.HandleEvent(context.Background(), webhookTenant(), subscriptionEvent(t, "charge.succeeded", `{}`))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("unknown event type wrote %d rows", store.Len())
	}
}
