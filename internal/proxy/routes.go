package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/llm-costgate/internal/tenancy"
)

// Routes mounts the public endpoints and, behind scopeMW, the scoped API.
func Routes(h *Handler, scopeMW tenancy.Middleware, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-costgate"}`))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// Scoped routes
	r.Group(func(r chi.Router) {
		r.Use(scopeMW)
		r.Post("/v1/admission", h.HandleAdmission)
		r.Post("/v1/route", h.HandleRoute)
		r.Get("/v1/usage", h.HandleUsage)
		r.Get("/v1/usage/history", h.HandleHistory)
	})

	return r
}
