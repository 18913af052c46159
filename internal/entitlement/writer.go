// Package entitlement is the core of the paywall: a read-through,
// write-through cache over the billing provider with two freshness windows.
// Its three writers (finalize, webhook reconciler, read-through refresh) never
// coordinate; they converge through TTL ordering in the store.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordankimberg/paywall/internal/billing"
	"github.com/jordankimberg/paywall/internal/config"
	"github.com/jordankimberg/paywall/internal/entstore"
	"github.com/jordankimberg/paywall/internal/metrics"
)

// ErrStoreWrite means the entitlement row could not be persisted. On the
// finalize path this is fatal to the request (the subscription exists upstream
// but instant access cannot be guaranteed); on the resolver path the write is
// an optimization and the decision is still returned.
var ErrStoreWrite = errors.New("entitlement: store write failed")

// Windows holds the two freshness windows. Access is used for
// has_access=true rows, Negative for has_access=false rows.
type Windows struct {
	Access   time.Duration
	Negative time.Duration
}

// DefaultWindows returns the standard 5m/1m windows.
func DefaultWindows() Windows {
	return Windows{Access: config.DefaultAccessWindow, Negative: config.DefaultNegativeWindow}
}

// For selects the window for a decision.
func (w Windows) For(hasAccess bool) time.Duration {
	if hasAccess {
		return w.Access
	}
	return w.Negative
}

// Writer persists entitlement decisions with the appropriate freshness window.
// All three write paths go through it so TTL selection lives in one place.
type Writer struct {
	store   entstore.Store
	windows Windows
	now     func() time.Time
}

// NewWriter creates a Writer over the given store.
func NewWriter(store entstore.Store, windows Windows) *Writer {
	if windows.Access <= 0 {
		windows.Access = config.DefaultAccessWindow
	}
	if windows.Negative <= 0 {
		windows.Negative = config.DefaultNegativeWindow
	}
	return &Writer{store: store, windows: windows, now: time.Now}
}

// Windows returns the writer's configured freshness windows.
func (w *Writer) Windows() Windows {
	return w.windows
}

// Record overwrites the row for (tenant, product, user) with the decision and
// a fresh expiry. The writer label is for metrics only.
func (w *Writer) Record(ctx context.Context, writer, tenantID, productID, userID, email string, d billing.RawDecision) (*entstore.Row, error) {
	return w.RecordWithWindow(ctx, writer, tenantID, productID, userID, email, d, w.windows.For(d.HasAccess))
}

// RecordWithWindow is Record with an explicit freshness window. The webhook
// reconciler uses it to force the short window after a cancellation.
func (w *Writer) RecordWithWindow(ctx context.Context, writer, tenantID, productID, userID, email string, d billing.RawDecision, window time.Duration) (*entstore.Row, error) {
	now := w.now().UTC()
	row := &entstore.Row{
		TenantID:         tenantID,
		ProductID:        productID,
		UserID:           userID,
		HasAccess:        d.HasAccess,
		SubscriptionID:   d.SubscriptionID,
		PlanCode:         d.PlanCode,
		Status:           d.Status,
		CurrentPeriodEnd: d.CurrentPeriodEnd,
		UserEmail:        email,
		ExpiresAt:        now.Add(window),
	}
	if err := w.store.Put(ctx, row); err != nil {
		metrics.WritesTotal.WithLabelValues(writer, "error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	metrics.WritesTotal.WithLabelValues(writer, "ok").Inc()
	return row, nil
}
