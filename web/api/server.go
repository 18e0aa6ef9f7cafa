// Package api serves the webhook trigger endpoint and its operational surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/observer"
	"github.com/hochfrequenz/adw-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/adw-orchestrator/internal/registry"
)

// maxBodyBytes caps webhook request bodies
const maxBodyBytes = 1 << 20

// Dispatcher starts and cancels background chain executions
type Dispatcher interface {
	Dispatch(req orchestrator.Request) error
	Cancel(runID domain.RunID) bool
	Active() []domain.RunID
}

// Options configures a Server
type Options struct {
	Webhook    config.WebhookConfig
	Registry   *registry.Holder
	Dispatcher Dispatcher
	Observer   *observer.Observer // optional
	Hub        *Hub               // optional
	Logger     *logging.Logger
}

// Server is the HTTP webhook listener
type Server struct {
	cfg        config.WebhookConfig
	registry   *registry.Holder
	dispatcher Dispatcher
	observer   *observer.Observer
	hub        *Hub
	logger     *logging.Logger
	mux        *http.ServeMux
	startedAt  time.Time

	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
	lastCleanup  time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	s := &Server{
		cfg:        opts.Webhook,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		observer:   opts.Observer,
		hub:        opts.Hub,
		logger:     opts.Logger.Named("webhook"),
		mux:        http.NewServeMux(),
		startedAt:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("POST /webhook", s.instrument(s.webhookHandler()))
	s.mux.Handle("POST /runs/{adw_id}/cancel", s.instrument(s.cancelHandler()))
	s.mux.HandleFunc("GET /health", s.healthHandler())
	if s.observer != nil {
		s.mux.Handle("GET /metrics", s.observer.Handler())
	}
	if s.hub != nil {
		s.mux.HandleFunc("GET /events", s.hub.ServeWS)
	}
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on the configured address until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// timeouts guard against slowloris clients
	httpServer := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "HTTP server listening", zap.String("addr", ln.Addr().String()),
			zap.Bool("signature_required", s.cfg.SignatureRequired()))
		serverErrors <- httpServer.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error(ctx, "server shutdown error", zap.Error(err))
		return err
	}
	s.logger.Info(ctx, "server stopped gracefully")
	return nil
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	ActiveRuns []domain.RunID    `json:"active_runs"`
	Chains     []string          `json:"chains"`
	Summary    *observer.Summary `json:"summary,omitempty"`
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:     "ok",
			Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
			ActiveRuns: s.dispatcher.Active(),
			Chains:     s.registry.Get().ChainNames(),
		}
		if s.observer != nil {
			summary := s.observer.Summary()
			resp.Summary = &summary
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h.ServeHTTP(rec, r)
		if s.observer != nil {
			s.observer.RecordWebhook(rec.code)
		}
	})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
