// Package middleware provides HTTP middlewares for authentication, logging
// and rate limiting of the authd API.
package middleware

import (
	"context"
	"net/http"
)

type ctxKey string

const identityKey ctxKey = "identity"

// PairPath is served without a client certificate so that new clients can
// obtain one.
const PairPath = "/api/pair"

// CertAuth is a middleware that enforces mutual TLS authentication.
//
// Requests to PairPath pass through. Every other request must carry a
// verified client certificate; its Common Name is stored in the request
// context as the caller identity.
func CertAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PairPath {
			next.ServeHTTP(w, r)
			return
		}
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "no client certificate provided", http.StatusUnauthorized)
			return
		}
		cert := r.TLS.PeerCertificates[0]
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), cert.Subject.CommonName)))
	})
}

// WithIdentity returns a copy of ctx carrying the caller identity.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentityFromContext extracts the caller identity (Common Name from the
// client certificate). Returns an empty string if not found.
func GetIdentityFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(identityKey).(string); ok {
		return s
	}
	return ""
}
