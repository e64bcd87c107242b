package api

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"remaster/internal/ratelimit"
	"remaster/internal/telemetry"
)

// Limiter decides whether a client may submit another job.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// rateLimit throttles submissions per tenant or client address. When the
// limiter backend is unreachable requests are let through.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			s.logger.Warn().Err(err).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
