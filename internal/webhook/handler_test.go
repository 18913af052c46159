package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jordankimberg/paywall/internal/billing"
	"github.com/jordankimberg/paywall/internal/entitlement"
	"github.com/jordankimberg/paywall/internal/entstore"
	"github.com/jordankimberg/paywall/internal/registry"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_123"

type handlerEnv struct {
	mux      *http.ServeMux
	registry *registry.Registry
	store    *entstore.MemoryStore
	tenant   *registry.Tenant
}

func newHandlerEnv(t *testing.T) handlerEnv {
	t.Helper()

	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	tenant := &registry.Tenant{
		ID:                  "t-wh",
		StripeAPIKey:        "sk_test",
		StripeWebhookSecret: testWebhookSecret,
	}
	if err := reg.CreateTenant(tenant); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	store := entstore.NewMemoryStore()
	clients := billing.NewClientCache(time.Minute)
	clients.SetBuilder(func(string) billing.Provider { return &fakeProvider{} })
	writer := entitlement.NewWriter(store, entitlement.DefaultWindows())
	handler := NewHandler(reg, NewReconciler(clients, writer))

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/tenants/{tenant_id}/webhook", handler)

	return handlerEnv{mux: mux, registry: reg, store: store, tenant: tenant}
}

func eventJSON(eventID string) []byte {
	object := `{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"metadata": {"user_id": "u-1", "product_id": "blog"},
		"items": {"data": [{"price": {"id": "price_1", "metadata": {"plan_code": "pro", "audience": "blog"}}}]}
	}`
	return []byte(fmt.Sprintf(`{"id":%q,"type":"customer.subscription.updated","data":{"object":%s}}`, eventID, object))
}

func (e handlerEnv) post(t *testing.T, tenantID, secret string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tenants/"+tenantID+"/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
			Payload:   payload,
			Secret:    secret,
			Timestamp: time.Now(),
			Scheme:    "v1",
		})
		req.Header.Set("Stripe-Signature", signed.Header)
	}

	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func TestWebhookProcessesSignedEvent(t *testing.T) {
	env := newHandlerEnv(t)

	rr := env.post(t, env.tenant.ID, testWebhookSecret, eventJSON("evt_1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp receivedResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Received || resp.Duplicate {
		t.Fatalf("response = %+v", resp)
	}

	row, _ := env.store.Get(t.Context(), env.tenant.ID, "blog", "u-1")
	if row == nil || !row.HasAccess {
		t.Fatalf("row after webhook = %+v", row)
	}

	seen, err := env.registry.HasProcessedEvent(env.tenant.ID, "evt_1")
	if err != nil || !seen {
		t.Fatalf("audit record missing: %v, %v", seen, err)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	env := newHandlerEnv(t)
	payload := eventJSON("evt_dup")

	if rr := env.post(t, env.tenant.ID, testWebhookSecret, payload); rr.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", rr.Code)
	}
	first, _ := env.store.Get(t.Context(), env.tenant.ID, "blog", "u-1")
	if first == nil {
		t.Fatal("first delivery wrote no row")
	}

	rr := env.post(t, env.tenant.ID, testWebhookSecret, payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicate delivery status = %d", rr.Code)
	}
	var resp receivedResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Duplicate {
		t.Fatal("duplicate delivery must be flagged")
	}

	// The duplicate is not reprocessed.
	second, _ := env.store.Get(t.Context(), env.tenant.ID, "blog", "u-1")
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatal("duplicate delivery rewrote the row")
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	env := newHandlerEnv(t)

	rr := env.post(t, env.tenant.ID, "whsec_wrong", eventJSON("evt_bad"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}

	// Unverifiable events leave no trace: no row, no audit record.
	if env.store.Len() != 0 {
		t.Fatalf("store has %d rows after rejected event", env.store.Len())
	}
	seen, _ := env.registry.HasProcessedEvent(env.tenant.ID, "evt_bad")
	if seen {
		t.Fatal("rejected event must not be audited")
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	env := newHandlerEnv(t)
	rr := env.post(t, env.tenant.ID, "", eventJSON("evt_nosig"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestWebhookUnknownTenant(t *testing.T) {
	env := newHandlerEnv(t)
	rr := env.post(t, "t-nobody", testWebhookSecret, eventJSON("evt_1"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestWebhookTenantWithoutSecret(t *testing.T) {
	env := newHandlerEnv(t)

	bare := &registry.Tenant{ID: "t-nosecret", StripeAPIKey: "sk_test"}
	if err := env.registry.CreateTenant(bare); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	rr := env.post(t, bare.ID, testWebhookSecret, eventJSON("evt_1"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestWebhookUnhandledTypeNotAudited(t *testing.T) {
	env := newHandlerEnv(t)

	payload := []byte(`{"id":"evt_charge","type":"charge.succeeded","data":{"object":{}}}`)
	rr := env.post(t, env.tenant.ID, testWebhookSecret, payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	seen, _ := env.registry.HasProcessedEvent(env.tenant.ID, "evt_charge")
	if seen {
		t.Fatal("unhandled event types are acknowledged but not audited")
	}
	if env.store.Len() != 0 {
		t.Fatalf("unhandled event wrote %d rows", env.store.Len())
	}
}

func TestWebhookDeletedEventRevokes(t *testing.T) {
	env := newHandlerEnv(t)

	object := `{"id": "sub_1", "customer": "cus_1", "metadata": {"user_id": "u-1", "product_id": "blog"}}`
	payload := []byte(fmt.Sprintf(`{"id":"evt_del","type":"customer.subscription.deleted","data":{"object":%s}}`, object))

	rr := env.post(t, env.tenant.ID, testWebhookSecret, payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	row, _ := env.store.Get(t.Context(), env.tenant.ID, "blog", "u-1")
	if row == nil || row.HasAccess {
		t.Fatalf("row after deletion = %+v", row)
	}
}
