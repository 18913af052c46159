package billing

import "errors"

var (
	// ErrNotConfigured means the tenant has no working billing credentials.
	// Check and finalize refuse instead of attempting a provider call that
	// would fail opaquely.
	ErrNotConfigured = errors.New("billing: tenant not configured")

	// ErrProviderUnavailable means a billing provider call failed
	// (network/5xx/rate limit). Callers must propagate it, never cache it as
	// a negative decision.
	ErrProviderUnavailable = errors.New("billing: provider unavailable")
)
