package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/waymark/internal/entityservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *entityservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Entities.
	r.Get("/entities", h.ListEntities)
	r.Route("/entities/{id}", func(r chi.Router) {
		r.Get("/", h.GetEntity)
		r.Get("/related", h.Related)
		r.Get("/children", h.Children)
		r.Get("/transitions", h.Transitions)
		r.Post("/transition", h.Transition)

		r.Post("/dependencies", h.AddDependency)
		r.Get("/dependencies/check", h.CheckDependency)
		r.Get("/dependencies/analysis", h.AnalyzeDependencies)
		r.Post("/dependencies/prune", h.PruneDependencies)
		r.Delete("/dependencies/{dep}", h.RemoveDependency)
	})
	r.Get("/lookup", h.Lookup)

	// Search.
	r.Get("/search", h.Search)

	// Whole-graph views.
	r.Get("/cycles", h.Cycles)
	r.Get("/stats", h.Stats)
	r.Get("/validate", h.Validate)
	r.Post("/rebuild", h.Rebuild)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
