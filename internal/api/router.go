package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/state", s.handleState)
			r.Post("/initialize", s.handleInitialize)
			r.Post("/refresh", s.handleRefresh)
			r.Put("/debug-logging", s.handleDebugLogging)

			r.Route("/homes", func(r chi.Router) {
				r.Get("/", s.handleListHomes)
				r.Get("/{id}", s.handleGetHome)
			})

			r.Route("/accessories", func(r chi.Router) {
				r.Get("/", s.handleListAccessories)
				r.Get("/by-name/{name}", s.handleFindAccessory)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetAccessory)
					r.Post("/identify", s.handleIdentify)

					r.Route("/services/{sid}/characteristics/{cid}", func(r chi.Router) {
						r.Get("/", s.handleReadCharacteristic)
						r.Put("/", s.handleWriteCharacteristic)
						r.Get("/history", s.handleCharacteristicHistory)
					})
				})
			})

			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}
