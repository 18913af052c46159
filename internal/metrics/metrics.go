package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckRequestsTotal counts entitlement checks by decision source and outcome.
	CheckRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paywall",
		Subsystem: "entitlement",
		Name:      "check_requests_total",
		Help:      "Entitlement checks by decision source (cache/provider) and outcome.",
	}, []string{"source", "outcome"})

	// WritesTotal counts entitlement row writes by writer and result.
	WritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paywall",
		Subsystem: "entitlement",
		Name:      "writes_total",
		Help:      "Entitlement row writes by writer (resolver/finalize/webhook) and result.",
	}, []string{"writer", "result"})

	// ProviderLookupDuration tracks billing-provider fallback resolution latency.
	ProviderLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paywall",
		Subsystem: "billing",
		Name:      "provider_lookup_duration_seconds",
		Help:      "Latency of slow-path billing provider resolutions.",
		Buckets:   prometheus.DefBuckets,
	})

	// ClientCacheSize tracks the number of cached per-tenant provider clients.
	ClientCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "paywall",
		Subsystem: "billing",
		Name:      "client_cache_size",
		Help:      "Cached per-tenant billing provider clients.",
	})

	// WebhookEventsTotal counts webhook deliveries by event type and HTTP status.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paywall",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook deliveries by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paywall",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// FinalizeTotal counts checkout finalizations by outcome.
	FinalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paywall",
		Subsystem: "checkout",
		Name:      "finalize_total",
		Help:      "Checkout finalize calls by outcome.",
	}, []string{"outcome"})

	// WildcardProductWrites counts reconciler writes that fell back to the
	// wildcard product sentinel. Non-zero values on a multi-product tenant
	// indicate plans missing product metadata.
	WildcardProductWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paywall",
		Subsystem: "webhook",
		Name:      "wildcard_product_writes_total",
		Help:      "Reconciler entitlement writes using the wildcard product fallback.",
	}, []string{"tenant"})
)
