package registry

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Tenant owns billing credentials and one or more products. The Stripe secret
// key and webhook signing secret are per-tenant; a tenant with an empty secret
// key is "not configured" and entitlement fallbacks must refuse.
type Tenant struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Email               string    `json:"email"`
	StripeAPIKey        string    `json:"-"`
	StripeWebhookSecret string    `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Configured reports whether the tenant has working billing credentials.
func (t *Tenant) Configured() bool {
	return t != nil && strings.TrimSpace(t.StripeAPIKey) != ""
}

// Product is a tenant-scoped application boundary. The ID is a caller-chosen
// slug; plan audience metadata refers to it verbatim.
type Product struct {
	TenantID  string    `json:"tenant_id"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is the resolved scope of an issued API key. Secrets are stored
// hashed; only the hash and scope live in the registry.
type APIKey struct {
	TenantID string `json:"tenant_id"`
	// ProductID scopes the key to a single product when set. Product-scoped
	// keys may omit the product_id parameter on check requests.
	ProductID  string     `json:"product_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func randomCrockford(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// GenerateTenantID returns a tenant ID of the form "t-" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateTenantID() (string, error) {
	s, err := randomCrockford(10)
	if err != nil {
		return "", fmt.Errorf("generate tenant id: %w", err)
	}
	return "t-" + s, nil
}

// GenerateAPIKeySecret returns an opaque API key secret of the form "ak-"
// followed by 26 random Crockford base32 characters (130 bits of entropy).
func GenerateAPIKeySecret() (string, error) {
	s, err := randomCrockford(26)
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "ak-" + s, nil
}

// ValidProductID reports whether a product slug is acceptable: 1-64 chars of
// lowercase alphanumerics, underscore, or hyphen.
func ValidProductID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
