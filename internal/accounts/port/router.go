package port

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig holds what NewRouter needs.
type RouterConfig struct {
	Handler     *Handler
	Limiter     *IPRateLimiter // optional
	CORSOrigins []string
}

// NewRouter builds the accounts HTTP surface. Every request gets a server
// span named after its method and path.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	limit := func(next http.Handler) http.Handler { return next }
	if cfg.Limiter != nil {
		limit = cfg.Limiter.Limit
	}

	h := cfg.Handler
	r.Group(func(r chi.Router) {
		r.Use(limit)

		r.Post("/forgot-password", h.ForgotPassword)
		r.Post("/reset-password", h.ResetPassword)

		r.Route("/register", func(r chi.Router) {
			r.Post("/request-code", h.RequestPhoneCode)
			r.Post("/verify-phone", h.VerifyPhone)
			r.Post("/", h.Register)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, MessageEnvelope{Error: "Not found", Code: "NOT_FOUND"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, MessageEnvelope{Error: "Method not allowed", Code: "METHOD_NOT_ALLOWED"})
	})

	return otelhttp.NewHandler(r, "accounts",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
}
