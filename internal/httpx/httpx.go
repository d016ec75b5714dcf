// Package httpx contains the HTTP delivery layer for the lockbox service. It
// maps JSON and multipart requests onto the application service, enforces
// body limits and security headers, and translates service errors into
// status codes without echoing internal detail.
package httpx

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/haukened/lockbox/internal/app"
	"github.com/haukened/lockbox/internal/domain"
)

// ServicePort abstracts the subset of app.Service used by the HTTP layer.
// It is satisfied by *app.Service in production and faked in tests.
type ServicePort interface {
	CreateSecret(ctx context.Context, req app.CreateRequest) (domain.SecretID, error)
	Reveal(ctx context.Context, id, password string) (app.Revealed, error)
	ListSecrets(ctx context.Context) ([]domain.Summary, error)
	CountLive(ctx context.Context) (int, error)
}

// formSlack is the allowance on top of MaxBody for JSON escaping and
// multipart framing. The service enforces the exact payload limit.
const formSlack = 64 << 10

// Handler wires HTTP endpoints to the application service.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Service    ServicePort
	MaxBody    int64                       // payload limit; mirrors service.MaxBytes
	Readiness  func(context.Context) error // optional readiness probe
	AdminToken string                      // empty disables the admin listing
	Metrics    http.Handler                // optional, mounted at /metrics
	Timeout    time.Duration               // per-request timeout; 0 disables

	validate *validator.Validate
}

// New returns a configured Handler.
func New(svc ServicePort, maxBody int64, readiness func(context.Context) error) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Handler{Service: svc, MaxBody: maxBody, Readiness: readiness, validate: v}
}

// Router constructs the chi router with every route and middleware mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(CorrelationIDMiddleware)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(secureHeaders)
	if h.Timeout > 0 {
		r.Use(middleware.Timeout(h.Timeout))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/secrets", h.handleCreateSecret)
		r.Post("/secrets/{id}/reveal", h.handleReveal)
		r.Get("/stats", h.handleStats)
		r.With(h.requireAdmin).Get("/admin/secrets", h.handleListSecrets)
	})
	return r
}

func (h *Handler) bodyLimit() int64 {
	if h.MaxBody <= 0 {
		return 32 << 20
	}
	return h.MaxBody + formSlack
}
