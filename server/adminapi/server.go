package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/nntpprox/logger"
	"github.com/migadu/nntpprox/pkg/circuitbreaker"
	"github.com/migadu/nntpprox/server/proxy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider reports the proxy's occupancy. *proxy.Server implements it.
type StatsProvider interface {
	Stats() proxy.Stats
}

// Server represents the HTTP status API server
type Server struct {
	name         string
	addr         string
	allowedHosts []string
	stats        StatsProvider
	breaker      *circuitbreaker.CircuitBreaker
	version      string
	started      time.Time
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP status API server
type ServerOptions struct {
	Name         string
	Addr         string
	AllowedHosts []string
	Stats        StatsProvider
	Breaker      *circuitbreaker.CircuitBreaker // Optional; reported by /health
	Version      string
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Upstream string `json:"upstream"`
	Version  string `json:"version,omitempty"`
	Uptime   string `json:"uptime"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	proxy.Stats
	Available int `json:"available"`
}

// New creates a new HTTP status API server
func New(options ServerOptions) (*Server, error) {
	if options.Stats == nil {
		return nil, fmt.Errorf("stats provider is required for the admin API")
	}
	for _, host := range options.AllowedHosts {
		if strings.Contains(host, "/") {
			if _, _, err := net.ParseCIDR(host); err != nil {
				return nil, fmt.Errorf("invalid allowed host %q: %w", host, err)
			}
		} else if net.ParseIP(host) == nil {
			return nil, fmt.Errorf("invalid allowed host %q", host)
		}
	}

	return &Server{
		name:         options.Name,
		addr:         options.Addr,
		allowedHosts: options.AllowedHosts,
		stats:        options.Stats,
		breaker:      options.Breaker,
		version:      options.Version,
		started:      time.Now(),
	}, nil
}

// Start starts the HTTP status API server
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}

	logger.Info("Admin API: Starting server", "name", options.Name, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Admin API: Shutting down server", "name", s.name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API: Error shutting down server", "name", s.name, "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/stats", s.handleStats).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Upstream: "unguarded",
		Version:  s.version,
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
	}
	status := http.StatusOK
	if s.breaker != nil {
		state := s.breaker.State()
		resp.Upstream = state.String()
		if state == circuitbreaker.StateOpen {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.Stats()
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Stats:     stats,
		Available: max(stats.Ceiling-stats.BoundSessions, 0),
	})
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Admin API: Request", "name", s.name, "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !s.hostAllowed(clientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hostAllowed(host string) bool {
	ip := net.ParseIP(host)
	for _, allowed := range s.allowedHosts {
		if allowed == host {
			return true
		}
		if !strings.Contains(allowed, "/") || ip == nil {
			continue
		}
		if _, cidr, err := net.ParseCIDR(allowed); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the peer address. X-Forwarded-For is not honoured.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Admin API: Error encoding JSON response", "name", s.name, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
