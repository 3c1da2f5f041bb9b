package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Middleware verifies dashboard bearer tokens and puts the caller's group and
// role on the request context.
type Middleware struct {
	verifier *Verifier
	policy   Policy
	logger   zerolog.Logger
}

// MiddlewareOption configures the middleware.
type MiddlewareOption func(*Middleware)

// WithMiddlewareLogger overrides the logger.
func WithMiddlewareLogger(logger zerolog.Logger) MiddlewareOption {
	return func(m *Middleware) {
		m.logger = logger
	}
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{verifier: NewVerifier(secret), policy: policy, logger: log.Logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap applies auth to the handler. A middleware without secret passes
// requests through unauthenticated.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		required, ok := m.policy.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		id, err := m.verifier.Verify(bearerToken(r))
		if err != nil {
			m.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("bearer token rejected")
			writeAuthError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !id.Role.Covers(required) {
			m.logger.Info().
				Str("subject", id.Subject).
				Str("group_id", id.GroupID).
				Str("role", string(id.Role)).
				Str("required", string(required)).
				Str("path", r.URL.Path).
				Msg("insufficient role")
			writeAuthError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter since EventSource clients cannot set headers.
func bearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return r.URL.Query().Get("access_token")
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
