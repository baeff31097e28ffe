package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/auth"
	"polyglot-exec/internal/broadcast"
	"polyglot-exec/internal/config"
	"polyglot-exec/internal/monitor"
)

// BasePath prefixes every execution route.
const BasePath = "/api/v1/execute"

// HealthChecker is implemented by the sandbox backend and the record store.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// SandboxStatus is the part of the sandbox backend health reports on.
type SandboxStatus interface {
	HealthChecker
	ActiveCount() int64
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Service  ExecutionService
	Hub      *broadcast.Hub
	Verifier *auth.Verifier
	Sandbox  SandboxStatus
	Store    HealthChecker
	InFlight func() int
	Metrics  *monitor.Metrics
}

// Server is the HTTP server for the execution API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	notifier   *Notifier
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		handlers:  NewHandlers(deps.Service),
		notifier:  NewNotifier(deps.Hub, cfg.Notify, cfg.Auth.AdminRole, deps.Metrics),
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
	}

	admin := RequireRole(cfg.Auth.AdminRole)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST "+BasePath+"/execute", s.handlers.HandleExecute)
	apiMux.HandleFunc("GET "+BasePath+"/recent", s.handlers.HandleRecent)
	apiMux.HandleFunc("GET "+BasePath+"/ws", s.notifier.HandleWebSocket)
	apiMux.HandleFunc("GET "+BasePath+"/events", s.notifier.HandleEvents)
	apiMux.Handle("GET "+BasePath+"/admin/executions", admin(http.HandlerFunc(s.handlers.HandleAdminList)))
	apiMux.Handle("GET "+BasePath+"/admin/executions/{id}", admin(http.HandlerFunc(s.handlers.HandleAdminGet)))
	apiMux.Handle("POST "+BasePath+"/admin/executions/{id}/rerun", admin(http.HandlerFunc(s.handlers.HandleAdminRerun)))
	apiMux.Handle("POST "+BasePath+"/admin/executions/{id}/kill", admin(http.HandlerFunc(s.handlers.HandleAdminKill)))

	var authedAPI http.Handler = apiMux
	authedAPI = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst, deps.Metrics)(authedAPI)
	authedAPI = AuthMiddleware(deps.Verifier)(authedAPI)

	// Health and metrics bypass auth, everything else goes through it.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle(BasePath+"/", authedAPI)

	// Outermost first.
	var handler http.Handler = mux
	if deps.Metrics != nil {
		handler = MetricsMiddleware(deps.Metrics)(handler)
	}
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones. Observer
// streams end when the hub is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   "ok",
		Sandbox:  true,
		Database: true,
		Uptime:   Duration{Duration: time.Since(s.startTime).Round(time.Second)},
	}
	if s.deps.Sandbox != nil {
		if err := s.deps.Sandbox.Healthy(ctx); err != nil {
			log.Warn().Err(err).Msg("sandbox health check failed")
			resp.Sandbox = false
		}
		resp.ActiveRuns = s.deps.Sandbox.ActiveCount()
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Healthy(ctx); err != nil {
			log.Warn().Err(err).Msg("database health check failed")
			resp.Database = false
		}
	}
	if s.deps.InFlight != nil {
		resp.InFlight = s.deps.InFlight()
	}
	if s.deps.Hub != nil {
		resp.Subscribers = s.deps.Hub.Len()
	}

	status := http.StatusOK
	if !resp.Sandbox || !resp.Database {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
