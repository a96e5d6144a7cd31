package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/middleware"
)

// NewRouter constructs the authd API handler.
//
// Routes:
//
//	POST   /api/pair                → pairing.Pair (no client certificate)
//	GET    /api/status              → device.Status
//	GET    /api/capability          → device.Capability
//	GET    /api/enrollment          → device.Enrollment
//	POST   /api/prompts             → device.OpenPrompt
//	GET    /api/prompts/{id}/result → device.Result
//	DELETE /api/prompts/{id}        → device.Dismiss
//
// Middleware chain (applied in order):
//  1. AllowContentType("application/json"): rejects non-JSON bodies
//  2. CertAuth: enforces TLS client certificate auth
//  3. WithRequestLogging(logger): logs requests with the caller identity
//  4. limiter.Handler: per-identity rate limit
func NewRouter(
	pairing *PairingHandler,
	device *DeviceHandler,
	limiter *middleware.RateLimiter,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.AllowContentType("application/json"))
	r.Use(middleware.CertAuth)
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(limiter.Handler)

	r.Route("/api", func(r chi.Router) {
		r.Post("/pair", pairing.Pair)

		r.Get("/status", device.Status)
		r.Get("/capability", device.Capability)
		r.Get("/enrollment", device.Enrollment)

		r.Route("/prompts", func(r chi.Router) {
			r.Post("/", device.OpenPrompt)
			r.Get("/{id}/result", device.Result)
			r.Delete("/{id}", device.Dismiss)
		})
	})

	return r
}
