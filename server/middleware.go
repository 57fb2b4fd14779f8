package server

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-ID"

// Caller-supplied ids are echoed into logs and headers, so only plain
// tokens are accepted.
var correlationPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

type correlationKey struct{}

// CorrelationID returns the id attached by the correlation middleware
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if !correlationPattern.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn("request rate limited", "correlation_id", CorrelationID(r.Context()))
			s.writeError(w, r, http.StatusTooManyRequests, "rate_limited", "Too many requests, please retry shortly.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
