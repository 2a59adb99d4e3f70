package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"flowplane/internal/store"
)

// RateLimitMiddleware throttles requests per tenant using a token bucket.
// It must run after AuthMiddleware. Limiters are cached with a TTL so limit
// changes on the tenant record take effect without a restart.
func RateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limiters := sync.Map{} // tenantID -> *cachedLimiter

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, ok := TenantFromContext(r.Context())
			if !ok {
				unauthorized(w, "Unauthorized")
				return
			}

			// RateLimit=0 means unlimited
			if tenant.RateLimit > 0 {
				limiter := getOrCreateLimiter(&limiters, tenant, 5*time.Minute)
				if !limiter.Allow() {
					w.Header().Set("Retry-After", "1")
					http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func getOrCreateLimiter(limiters *sync.Map, tenant *store.Tenant, ttl time.Duration) *rate.Limiter {
	if limiter, ok := limiters.Load(tenant.ID); ok {
		cached := limiter.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(
		rate.Limit(tenant.RateLimit),
		tenant.RateLimitBurst,
	)
	limiters.Store(tenant.ID, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(ttl),
	})
	return limiter
}
