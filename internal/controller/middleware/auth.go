// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"flowplane/internal/auth"
	"flowplane/internal/store"
	"flowplane/pkg/api"
)

// tenantKey is the context key for the authenticated tenant.
type tenantKey struct{}

// AuthMiddleware authenticates requests with a Bearer API key. The key is
// hashed and resolved to a tenant; the tenant record rides the request
// context so every downstream operation is scoped to it.
func AuthMiddleware(tenants store.TenantStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "Missing Authorization header")
				return
			}

			key, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				unauthorized(w, "Authorization header must be 'Bearer <api-key>'")
				return
			}

			tenant, err := tenants.GetTenantByAPIKeyHash(r.Context(), auth.HashKey(key))
			if err != nil {
				// A lookup failure and an unknown key look the same to the
				// caller; no oracle for key probing.
				unauthorized(w, "Invalid API key")
				return
			}

			ctx := NewContextWithTenant(r.Context(), tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewContextWithTenant returns a context carrying the tenant. Exposed for
// handler tests.
func NewContextWithTenant(ctx context.Context, tenant *store.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFromContext extracts the authenticated tenant from the context.
func TenantFromContext(ctx context.Context) (*store.Tenant, bool) {
	tenant, ok := ctx.Value(tenantKey{}).(*store.Tenant)
	return tenant, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: msg,
		Code:  "401",
	})
}
