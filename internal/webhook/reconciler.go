package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jordankimberg/paywall/internal/billing"
	"github.com/jordankimberg/paywall/internal/entitlement"
	"github.com/jordankimberg/paywall/internal/entstore"
	"github.com/jordankimberg/paywall/internal/metrics"
	"github.com/jordankimberg/paywall/internal/registry"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
)

// Reconciler maps billing lifecycle events onto entitlement writes. It is the
// backstop for everything the synchronous finalize path does not cover: plan
// changes, involuntary churn, payment failures, out-of-band cancellations.
type Reconciler struct {
	clients *billing.ClientCache
	writer  *entitlement.Writer
}

// NewReconciler creates a Reconciler.
func NewReconciler(clients *billing.ClientCache, writer *entitlement.Writer) *Reconciler {
	return &Reconciler{clients: clients, writer: writer}
}

// HandleEvent recomputes and writes the entitlement row the event refers to.
// Signature verification and dedup happen in the handler before this runs.
func (r *Reconciler) HandleEvent(ctx context.Context, tenant *registry.Tenant, event *stripelib.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		sub, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return err
		}
		return r.reconcileSubscription(ctx, tenant, sub)

	case "customer.subscription.deleted":
		sub, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return err
		}
		return r.reconcileDeleted(ctx, tenant, sub)

	case "invoice.payment_failed":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return r.reconcilePaymentFailed(ctx, tenant, inv)

	default:
		return nil
	}
}

// reconcileSubscription writes the row derived from a created/updated event.
// The event payload is a partial view; plan detail is re-fetched when the
// payload carries no usable metadata.
func (r *Reconciler) reconcileSubscription(ctx context.Context, tenant *registry.Tenant, sub billing.Subscription) error {
	if needsDetail(sub) {
		provider, err := r.clients.ProviderFor(tenant)
		if err != nil {
			return err
		}
		full, err := provider.RetrieveSubscription(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("refetch subscription: %w", err)
		}
		if full != nil {
			sub = *full
		}
	}

	userID, email, err := r.resolveUser(ctx, tenant, sub)
	if err != nil {
		return err
	}
	productID := r.resolveProduct(tenant, sub)

	decision := billing.DecisionFromSubscription(&sub, productID)
	if _, err := r.writer.Record(ctx, "webhook", tenant.ID, productID, userID, email, decision); err != nil {
		return err
	}

	log.Info().
		Str("tenant_id", tenant.ID).
		Str("product_id", productID).
		Str("subscription_id", sub.ID).
		Str("status", sub.Status).
		Bool("has_access", decision.HasAccess).
		Msg("Subscription reconciled")
	return nil
}

// reconcileDeleted writes has_access=false. The negative window applies, so a
// canceled subscription is re-verified soon and an accidental cancel-then-
// resubscribe self-heals within that window.
func (r *Reconciler) reconcileDeleted(ctx context.Context, tenant *registry.Tenant, sub billing.Subscription) error {
	userID, email, err := r.resolveUser(ctx, tenant, sub)
	if err != nil {
		return err
	}
	productID := r.resolveProduct(tenant, sub)

	status := sub.Status
	if status == "" {
		status = "canceled"
	}
	decision := billing.RawDecision{
		HasAccess:        false,
		SubscriptionID:   sub.ID,
		Status:           status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	}
	// Explicitly the short window, never the long one: a cancellation must be
	// re-verified quickly in case of an immediate resubscribe.
	window := r.writer.Windows().Negative
	if _, err := r.writer.RecordWithWindow(ctx, "webhook", tenant.ID, productID, userID, email, decision, window); err != nil {
		return err
	}

	log.Info().
		Str("tenant_id", tenant.ID).
		Str("product_id", productID).
		Str("subscription_id", sub.ID).
		Msg("Subscription deleted, access revoked pending re-check")
	return nil
}

// reconcilePaymentFailed re-fetches the invoice's subscription and recomputes.
// A failed invoice does not by itself revoke access; the subscription's own
// status (e.g. past_due after dunning) determines the written decision.
func (r *Reconciler) reconcilePaymentFailed(ctx context.Context, tenant *registry.Tenant, inv invoicePayload) error {
	subID := inv.subscriptionID()
	if subID == "" {
		log.Warn().
			Str("tenant_id", tenant.ID).
			Str("invoice_id", inv.ID).
			Msg("payment_failed invoice without subscription reference; skipping")
		return nil
	}

	provider, err := r.clients.ProviderFor(tenant)
	if err != nil {
		return err
	}
	sub, err := provider.RetrieveSubscription(ctx, subID)
	if err != nil {
		return fmt.Errorf("refetch subscription: %w", err)
	}
	if sub == nil {
		log.Warn().
			Str("tenant_id", tenant.ID).
			Str("subscription_id", subID).
			Msg("payment_failed subscription not found upstream; skipping")
		return nil
	}
	return r.reconcileSubscription(ctx, tenant, *sub)
}

// resolveUser picks the row's user key: subscription metadata first, then the
// billing customer's email. Metadata-keyed rows still carry the customer email
// when the lookup succeeds, so email-keyed readers and the metadata writer
// agree on who the row belongs to.
func (r *Reconciler) resolveUser(ctx context.Context, tenant *registry.Tenant, sub billing.Subscription) (userID, email string, err error) {
	if id := strings.TrimSpace(sub.Metadata[billing.MetadataUserID]); id != "" {
		return id, r.customerEmail(ctx, tenant, sub), nil
	}
	if sub.CustomerID == "" {
		return "", "", fmt.Errorf("subscription %s: no user metadata and no customer", sub.ID)
	}

	provider, err := r.clients.ProviderFor(tenant)
	if err != nil {
		return "", "", err
	}
	customer, err := provider.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return "", "", fmt.Errorf("lookup customer: %w", err)
	}
	if customer == nil || customer.Email == "" {
		return "", "", fmt.Errorf("subscription %s: cannot resolve target user", sub.ID)
	}
	return customer.Email, customer.Email, nil
}

// customerEmail is best effort: the row's user key never depends on it, so a
// failed lookup degrades to an empty email instead of failing the event.
func (r *Reconciler) customerEmail(ctx context.Context, tenant *registry.Tenant, sub billing.Subscription) string {
	if sub.CustomerID == "" {
		return ""
	}
	provider, err := r.clients.ProviderFor(tenant)
	if err != nil {
		return ""
	}
	customer, err := provider.GetCustomer(ctx, sub.CustomerID)
	if err != nil || customer == nil {
		return ""
	}
	return customer.Email
}

// resolveProduct picks the row's product key: subscription metadata, else the
// plan's sole audience entry, else the wildcard sentinel. Wildcard use on a
// multi-product tenant is a tenant-configuration problem, so it is surfaced
// loudly rather than silently accepted.
func (r *Reconciler) resolveProduct(tenant *registry.Tenant, sub billing.Subscription) string {
	if id := strings.TrimSpace(sub.Metadata[billing.MetadataProductID]); id != "" {
		return id
	}

	var entries []string
	for _, item := range sub.Items {
		entries = append(entries, billing.ParseAudience(item.Audience)...)
	}
	if len(entries) == 1 {
		return entries[0]
	}

	metrics.WildcardProductWrites.WithLabelValues(tenant.ID).Inc()
	log.Warn().
		Str("tenant_id", tenant.ID).
		Str("subscription_id", sub.ID).
		Int("audience_entries", len(entries)).
		Msg("Subscription has no product metadata; writing wildcard entitlement row")
	return entstore.ProductWildcard
}

// needsDetail reports whether the event payload lacks the plan attributes the
// decision depends on, requiring a re-fetch of the full subscription.
func needsDetail(sub billing.Subscription) bool {
	if strings.TrimSpace(sub.Metadata[billing.MetadataProductID]) != "" {
		return false
	}
	for _, item := range sub.Items {
		if item.Audience != "" || item.PlanCode != "" {
			return false
		}
	}
	return true
}

// subscriptionPayload is the minimal view of a subscription event payload.
type subscriptionPayload struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID       string            `json:"id"`
				Product  string            `json:"product"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func decodeSubscription(raw json.RawMessage) (billing.Subscription, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return billing.Subscription{}, fmt.Errorf("decode subscription: %w", err)
	}

	sub := billing.Subscription{
		ID:                p.ID,
		CustomerID:        p.Customer,
		Status:            p.Status,
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
		Metadata:          p.Metadata,
	}
	for _, item := range p.Items.Data {
		mapped := billing.Item{
			PriceID:   item.Price.ID,
			ProductID: item.Price.Product,
			PlanCode:  strings.TrimSpace(item.Price.Metadata[billing.MetadataPlanCode]),
			Audience:  strings.TrimSpace(item.Price.Metadata[billing.MetadataAudience]),
		}
		if item.CurrentPeriodEnd > 0 && sub.CurrentPeriodEnd == nil {
			ts := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			sub.CurrentPeriodEnd = &ts
		}
		sub.Items = append(sub.Items, mapped)
	}
	return sub, nil
}

// invoicePayload is the minimal view of an invoice event payload. The
// subscription reference moved under parent.subscription_details in newer API
// versions; both locations are honored.
type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i *invoicePayload) subscriptionID() string {
	if s := strings.TrimSpace(i.Subscription); s != "" {
		return s
	}
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
}
