package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"mediagen/internal/http/handlers"
	"mediagen/internal/infra"
	"mediagen/internal/middleware"
)

type Options struct {
	Webhook         http.HandlerFunc
	Logger          infra.Logger
	RateLimitPerMin int
	CORSOrigins     []string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	// Middlewares dasar
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
	)
	if len(opts.CORSOrigins) > 0 {
		r.Use(middleware.CORS(opts.CORSOrigins))
	}

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/generations", func(r chi.Router) {
		r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/", app.CreateGeneration)
		r.Get("/{id}", app.GetGeneration)
		r.Get("/{id}/artifacts", app.ListArtifacts)
		r.Get("/{id}/archive", app.DownloadArchive)
	})

	r.Get("/v1/artifacts/*", app.DownloadArtifact)

	// Provider callbacks bypass the rate limit.
	if opts.Webhook != nil {
		r.Post("/v1/webhooks/{provider}", opts.Webhook)
	}

	return r
}
