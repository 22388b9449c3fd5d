package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/webterminal/internal/logging"
	"github.com/gluk-w/claworc/webterminal/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the terminal websocket at namespace next to the health,
// operator and metrics endpoints.
func NewRouter(namespace string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestLogger(&chimw.DefaultLogFormatter{
		Logger:  logging.Component("http"),
		NoColor: true,
	}))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Get(namespace, TerminalWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", ListTerminalSessions)
		r.Delete("/sessions/{id}", DeleteTerminalSession)
		r.Get("/audit", GetAuditLogs)
	})

	return r
}
