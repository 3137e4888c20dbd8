package storage

import "context"

type tenantKey struct{}

// SetTenant returns ctx carrying tenantID. Auth middleware sets it from the
// authenticated identity.
func SetTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// GetTenant returns the tenant in ctx, or "" in single-tenant mode.
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

// Visible reports whether a run owned by owner may be seen from ctx. A
// context without a tenant sees everything.
func Visible(ctx context.Context, owner string) bool {
	tenant := GetTenant(ctx)
	return tenant == "" || tenant == owner
}
