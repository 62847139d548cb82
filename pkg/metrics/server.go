package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc reports the overall status and per-component health for the
// /healthz endpoint. Statuses are "healthy", "degraded", "unhealthy" or
// "unreachable".
type StatusFunc func() (overall string, components map[string]string)

// Server exposes /metrics and /healthz while a run is in progress.
type Server struct {
	addr   string
	status StatusFunc
	server *http.Server
	ln     net.Listener
	done   chan struct{}
}

func NewServer(addr string, status StatusFunc) *Server {
	s := &Server{
		addr:   addr,
		status: status,
		done:   make(chan struct{}),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	return router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debugf("[METRICS] %s %s from %s completed in %v", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

// handleHealth answers 503 only while the run as a whole is unhealthy; a
// degraded component still serves 200.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	overall, components := "healthy", map[string]string{}
	if s.status != nil {
		overall, components = s.status()
	}
	code := http.StatusOK
	if overall == "unhealthy" || overall == "unreachable" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"status": overall, "components": components})
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	logger.Infof("[METRICS] serving on %s", ln.Addr())

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("[METRICS] server failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server, waiting at most five seconds for requests.
func (s *Server) Shutdown() {
	if s.ln == nil {
		return
	}
	logger.Infof("[METRICS] shutting down metrics server %s", s.Addr())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logger.Infof("[METRICS] error shutting down metrics server: %v", err)
	}
	<-s.done
	s.ln = nil
}
