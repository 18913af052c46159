package billing

import "strings"

// ParseAudience splits a plan's audience metadata into its product entries.
// Entries are comma-separated; surrounding whitespace is ignored and empty
// entries are dropped.
func ParseAudience(audience string) []string {
	if strings.TrimSpace(audience) == "" {
		return nil
	}
	parts := strings.Split(audience, ",")
	entries := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			entries = append(entries, p)
		}
	}
	return entries
}

// AudienceMatches reports whether a plan's audience grants access to the
// given product. An empty audience matches every product (single-product
// tenant convention); otherwise the product ID must appear verbatim in the
// comma-separated list.
func AudienceMatches(audience, productID string) bool {
	entries := ParseAudience(audience)
	if len(entries) == 0 {
		return true
	}
	for _, e := range entries {
		if e == productID {
			return true
		}
	}
	return false
}

// AccessGrantingStatus reports whether a provider subscription status grants
// access. Payment failures are observed passively through the provider's own
// dunning transitions (past_due and friends stay false).
func AccessGrantingStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return true
	default:
		return false
	}
}

// PlanCode returns the tenant-defined plan short code for an item, falling
// back to the provider's internal product ID when the metadata is absent.
func PlanCode(item Item) string {
	if code := strings.TrimSpace(item.PlanCode); code != "" {
		return code
	}
	return strings.TrimSpace(item.ProductID)
}
