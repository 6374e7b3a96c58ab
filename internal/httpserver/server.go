package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/runnerd/internal/version"
)

// Server is the ops HTTP surface: health, status and metrics. It is not the
// webhook ingress; that lives outside this service.
type Server struct {
	Router    *chi.Mux
	logger    *slog.Logger
	mode      string
	env       string
	startedAt time.Time
}

// New creates the ops server.
func New(logger *slog.Logger, metricsReg *prometheus.Registry, mode, environment string) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		logger:    logger,
		mode:      mode,
		env:       environment,
		startedAt: time.Now(),
	}

	s.Router.Use(middleware.Recoverer)
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/status", s.handleStatus)
	s.Router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version":     version.Version,
		"mode":        s.mode,
		"environment": s.env,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}
