package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/config"
	"github.com/clinisafe/scrub/internal/engine"
	"github.com/clinisafe/scrub/internal/logger"
	"github.com/clinisafe/scrub/internal/metrics"
	"github.com/clinisafe/scrub/internal/report"
	"github.com/clinisafe/scrub/internal/websocket"
)

// Engine is the view of the engine the status server exposes. The
// daemon runs a fresh engine per trigger, so implementations resolve
// the current one on every call.
type Engine interface {
	Status(ctx context.Context) engine.Status
	Report() report.Summary
}

// Server serves health, live status, the audit report and the
// WebSocket event stream for a running daemon
type Server struct {
	config *config.Config
	engine Engine
	hub    *websocket.Hub
	router *mux.Router
	server *http.Server
	logger *logger.Logger
	start  time.Time
}

// New creates the status server and mounts its routes
func New(cfg *config.Config, eng Engine, hub *websocket.Hub, log *logger.Logger) *Server {
	s := &Server{
		config: cfg,
		engine: eng,
		hub:    hub,
		router: mux.NewRouter(),
		logger: log.WithComponent("web"),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(metrics.Middleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/report", s.handleReport).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.hub.HandleWebSocket)
	}

	s.router.HandleFunc("/", s.handleDashboard).Methods("GET")
	s.router.HandleFunc("/dashboard", s.handleDashboard).Methods("GET")
}

// Start begins listening and blocks until the server stops
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	s.logger.Info("Status server listening",
		zap.String("addr", addr),
		zap.Bool("websocket", s.config.WebSocket.Enabled),
	)
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping status server")
	return s.server.Shutdown(ctx)
}

// handleHealth is the liveness probe
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"scrubd","uptime":"%s"}`,
		time.Since(s.start).Round(time.Second))
}

// handleStatus reports live engine progress
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.Status(r.Context()))
}

// handleReport returns the audit report accumulated so far. It carries
// counts and pseudonyms only, so serving it live leaks nothing.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.Report())
}

type statsResponse struct {
	Engine    engine.Status      `json:"engine"`
	WebSocket websocket.HubStats `json:"websocket"`
}

// handleStats combines engine progress with event stream statistics
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, statsResponse{
		Engine:    s.engine.Status(r.Context()),
		WebSocket: s.hub.GetStats(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encoding failed", zap.Error(err))
	}
}

// loggingMiddleware logs one line per request. Health and metrics
// probes poll constantly, so they log at debug.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log := s.logger.Info
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			log = s.logger.Debug
		}
		log("Request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("size", wrapped.size),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", clientIP(r)),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Hijack forwards connection hijacking so the WebSocket upgrade works
// behind the middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
