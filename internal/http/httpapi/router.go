package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/middleware"
)

// Options configures the API router.
type Options struct {
	JWTSecret       string
	RateLimitPerMin int
	AllowedOrigins  []string
}

// NewRouter assembles the HTTP API.
func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimiddleware.RealIP,
		chimiddleware.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)
	if app.Recorder != nil {
		r.Handle("/metrics", app.Recorder.Handler())
	}
	if app.Blobs != nil {
		fileServer := http.FileServer(http.Dir(app.Blobs.BasePath()))
		r.Handle("/static/*", http.StripPrefix("/static/", fileServer))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))

		r.Route("/v1/pipelines", func(r chi.Router) {
			r.Post("/", app.CreatePipeline)
			r.Get("/", app.ListPipelines)
			r.Get("/{id}", app.GetPipeline)
			r.Post("/{id}/advance", app.AdvancePipeline)
			r.Post("/{id}/retry", app.RetryPipeline)
			r.Post("/{id}/regenerate", app.RegeneratePipeline)
			r.Post("/{id}/analyze", app.AnalyzeMesh)
			r.Post("/{id}/optimize", app.OptimizeMesh)
		})

		r.Route("/v1/credits", func(r chi.Router) {
			r.Get("/", app.GetCreditBalance)
			r.Get("/history", app.GetCreditHistory)
		})
	})

	return r
}
