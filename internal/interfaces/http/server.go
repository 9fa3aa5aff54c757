package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/chainpulse/chainpulse/internal/config"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// requestTimeout bounds a single API request end to end.
const requestTimeout = 10 * time.Second

// Server is the read-only HTTP server: query API, health, and metrics.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
}

// NewServer builds the router and the underlying http.Server. The
// Prometheus registry may be nil, in which case /metrics is not exposed.
func NewServer(cfg config.HTTPConfig, handlers *Handlers, promReg *prometheus.Registry) *Server {
	router := mux.NewRouter()
	s := &Server{router: router, handlers: handlers}

	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.timeoutMiddleware)

	if promReg != nil {
		router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", handlers.Health).Methods("GET")

	v1 := api.PathPrefix("/api/v1/onchain").Subrouter()
	v1.HandleFunc("/context", handlers.Context).Methods("GET")
	v1.HandleFunc("/context/history", handlers.ContextHistory).Methods("GET")
	v1.HandleFunc("/metrics/history", handlers.MetricsHistory).Methods("GET")
	v1.HandleFunc("/whales", handlers.WhaleActivity).Methods("GET")
	v1.HandleFunc("/audit/hash/{hash}", handlers.AuditByHash).Methods("GET")
	v1.HandleFunc("/audit/{timestamp}", handlers.AuditByTimestamp).Methods("GET")

	router.NotFoundHandler = s.jsonContentTypeMiddleware(http.HandlerFunc(handlers.NotFound))

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.server.Addr
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
