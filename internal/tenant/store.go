package tenant

import (
	"context"
	"strings"
)

// Store reads tenant configuration. Implementations must be safe for
// concurrent use; many calls from the same tenant read it at once.
type Store interface {
	Get(ctx context.Context, id int64) (Tenant, error)

	// ResolveNumber maps a dialed number to the tenant that owns it.
	ResolveNumber(ctx context.Context, number string) (int64, error)
}

// NormalizeNumber trims whitespace and the "tel:" scheme some providers prefix.
func NormalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "tel:")
	return strings.ReplaceAll(s, " ", "")
}
