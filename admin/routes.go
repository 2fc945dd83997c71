package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin API router. An empty token disables authentication.
func NewRouter(handlers *AdminHandlers, token string) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(token))

		r.Get("/nodes/*", handlers.handleNode)

		r.Route("/documents/{collection}", func(r chi.Router) {
			r.Get("/", handlers.handleListDocuments)
			r.Get("/{id}", handlers.handleDocument)
		})

		r.Get("/events", handlers.handleEvents)
		r.Get("/events/recent", handlers.handleRecentEvents)

		r.Get("/watchers", handlers.handleWatchers)
		r.Get("/sinks", handlers.handleSinks)
	})

	return r
}

// RegisterRoutes mounts the admin API under /admin
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, token string) {
	r := NewRouter(handlers, token)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Bool("auth", token != "").Msg("Admin endpoints enabled at /admin/*")
}
