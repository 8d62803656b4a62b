package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"forge3d/internal/http/handlers"
	"forge3d/internal/infra"
	"forge3d/internal/middleware"
)

// Options configures the cross-cutting middleware.
type Options struct {
	Logger         infra.Logger
	JWTSecret      string
	AllowedOrigins []string
	DefaultLocale  string
	// RateLimitPerMin caps requests per client IP on the job routes.
	RateLimitPerMin int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	if app.CheckOrigin == nil {
		app.CheckOrigin = middleware.OriginAllowed(opts.AllowedOrigins)
	}
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	auth := middleware.TrustedUserHeader
	if opts.JWTSecret != "" {
		auth = middleware.AuthJWT(opts.JWTSecret)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Get("/v1/channels/{channel_id}/ws", app.Subscribe)

		r.Route("/v1/jobs", func(r chi.Router) {
			if opts.RateLimitPerMin > 0 {
				r.Use(middleware.RateLimit(middleware.NewIPRateLimiter(opts.RateLimitPerMin)))
			}
			r.Post("/", app.CreateJob)
			r.Get("/{message_id}", app.GetJob)
			r.Post("/{message_id}/refine", app.RefineJob)
			r.Post("/{message_id}/revert", app.RevertJob)
			r.Post("/{message_id}/resume", app.ResumeJob)
		})
	})

	return r
}
