// Package server exposes the Smart Sentry REST API and the realtime alert stream.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Handlers groups every API handler the router mounts.
type Handlers struct {
	Auth     *AuthHandler
	Profile  *ProfileHandler
	Contacts *ContactHandler
	SOS      *SOSHandler
	Chat     *ChatHandler
	Evidence *EvidenceHandler
}

// NewRouter builds the HTTP handler:
//
//	GET  /health, /api/health
//	GET  /ws                        alert stream
//	POST /api/auth/register, /api/auth/login
//	everything else under /api requires a token
func NewRouter(h Handlers, stream http.Handler, tokens TokenValidator, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(WithRequestLogging(logger))
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", health)
	r.Handle("/ws", stream)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", health)

		r.Post("/auth/register", h.Auth.Register)
		r.Post("/auth/login", h.Auth.Login)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(tokens))

			r.Get("/profile", h.Profile.Get)
			r.Put("/profile", h.Profile.Update)

			r.Get("/contacts", h.Contacts.List)
			r.Post("/contacts", h.Contacts.Create)
			r.Put("/contacts/{id}", h.Contacts.Update)
			r.Delete("/contacts/{id}", h.Contacts.Delete)

			r.Post("/sos/start", h.SOS.Start)
			r.Get("/sos/history", h.SOS.History)
			r.Put("/sos/{id}/status", h.SOS.UpdateStatus)

			r.Post("/chat", h.Chat.Chat)

			r.Get("/evidence", h.Evidence.List)
			r.Post("/evidence/upload", h.Evidence.Upload)
			r.Get("/evidence/sos/{id}", h.Evidence.BySOS)
			r.Post("/evidence/{id}/share", h.Evidence.Share)
			r.Get("/evidence/{id}/file", h.Evidence.File)
		})
	})

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
