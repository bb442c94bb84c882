package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/.well-known/jwks.json", h.JWKS)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(h.authenticate)
		if h.Limiter != nil {
			v1.Use(h.Limiter.Middleware)
		}

		v1.Route("/returns", func(rt chi.Router) {
			rt.With(h.idempotent).Post("/token", h.IssueToken)
			rt.Post("/authorize", h.Authorize)
			rt.With(h.idempotent).Post("/commit", h.Commit)
			rt.With(h.idempotent).Post("/{jti}/cancel", h.Cancel)
		})

		v1.Route("/policy", func(pr chi.Router) {
			pr.With(h.idempotent).Post("/import", h.ImportPolicy)
			pr.Get("/diff", h.DiffPolicy)
			pr.Get("/{policy_id}", h.GetPolicy)
		})

		v1.Route("/ael", func(ar chi.Router) {
			ar.Get("/decision/{decision_id}", h.GetDecision)
			ar.Post("/replay/{id}", h.GenerateReplay)
			ar.Get("/replay/{id}", h.GetReplay)
			ar.Get("/replay/{id}/verify", h.VerifyReplay)
			ar.Post("/diff", h.DiffDecisions)
			ar.Get("/decisions", h.ListDecisions)
		})
	})
	return r
}
