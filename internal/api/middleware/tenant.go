package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// TenantIDKey is the context key for the tenant ID.
	TenantIDKey contextKey = "tenant_id"
	// boundTenantKey carries a tenant fixed by the API key.
	boundTenantKey contextKey = "bound_tenant"

	TenantHeader  = "X-Tenant"
	DefaultTenant = "default"
)

// TenantExtractor resolves the tenant for the request. A tenant bound to
// the caller's API key wins; otherwise the X-Tenant header, then the
// tenant query parameter, then "default".
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, _ := r.Context().Value(boundTenantKey).(string)

		if tenant == "" {
			tenant = strings.TrimSpace(r.Header.Get(TenantHeader))
		}
		if tenant == "" {
			tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
		}
		if tenant == "" {
			tenant = DefaultTenant
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return DefaultTenant
}
