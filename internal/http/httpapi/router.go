package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"nanobanana/internal/http/handlers"
	"nanobanana/internal/infra"
	"nanobanana/internal/middleware"
)

// NewRouter assembles the public HTTP surface.
func NewRouter(app *handlers.App, cfg *infra.Config, lookup middleware.CountryLookup) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RealIP,
		chimw.Recoverer,
		middleware.RequestID,
		middleware.Logger(app.Logger),
		middleware.CORS(cfg.AllowedOrigins),
		middleware.I18N(cfg.DefaultLocale, lookup),
	)

	if cfg.RateLimitPerMin > 0 {
		r.Use(middleware.NewRateLimiter(cfg.RateLimitPerMin).Handler)
	}

	r.Get("/v1/healthz", app.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", app.Health)
		r.Get("/costs", app.CostStats)
		r.Get("/quota", app.QuotaStatus)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthOptional(cfg.JWTSecret))
			r.Post("/generate", app.Generate)
			r.Get("/generate/status/{id}", app.GenerateStatus)
			r.Post("/generate/cancel/{id}", app.GenerateCancel)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthRequired(cfg.JWTSecret))
			r.Get("/credits", app.CreditBalance)
			r.Get("/generations", app.GenerationHistory)
		})
	})

	return r
}
