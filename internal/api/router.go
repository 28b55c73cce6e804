package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/mediacat/internal/library"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *library.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)
	uh := NewUploadHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Catalog.
	r.Get("/entries", h.ListEntries)
	r.Get("/entries/item/*", h.GetEntry)
	r.Delete("/entries/item/*", h.DeleteEntry)
	r.Post("/entries/delete", h.DeleteEntries)
	r.Put("/entries/like/*", h.Like)

	// Navigation.
	r.Get("/entries/first", h.First)
	r.Get("/entries/at/{index}", h.At)
	r.Get("/entries/next/*", h.Next)
	r.Get("/entries/prev/*", h.Prev)

	// Files.
	r.Post("/entries/download/*", h.Download)
	r.Post("/entries/evict/*", h.Evict)
	r.Get("/entries/content/*", h.Content)
	r.Post("/import", h.Import)
	r.Post("/upload", uh.Upload)

	// Ordering.
	r.Post("/sort", h.Sort)

	r.Get("/status", h.Status)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
