// Package httpapi is the HTTP front door of the archiver.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/nft-collection-archiver/pkg/dispatch"
	"github.com/Sternrassler/nft-collection-archiver/pkg/metrics"
)

// Requester answers collection requests.
type Requester interface {
	Request(ctx context.Context, collectionID string) (dispatch.Response, error)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Server is the HTTP front door.
type Server struct {
	requester      Requester
	checks         []Check
	requestTimeout time.Duration
	mux            *http.ServeMux
	server         *http.Server
	logger         zerolog.Logger
}

// NewServer creates a new HTTP server listening on addr.
func NewServer(requester Requester, addr string, requestTimeout time.Duration, checks ...Check) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	s := &Server{
		requester:      requester,
		checks:         checks,
		requestTimeout: requestTimeout,
		mux:            http.NewServeMux(),
		logger:         log.With().Str("component", "httpapi").Logger(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.logRequests(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /collections/{address}", s.handleCollection)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	resp, err := s.requester.Request(ctx, r.PathValue("address"))
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidCollectionID) {
			s.writeError(w, http.StatusBadRequest, "invalid collection address")
			return
		}
		s.logger.Error().Err(err).Str("collection", r.PathValue("address")).Msg("Collection request failed")
		s.writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", check.Name).Msg("Readiness check failed")
			results[check.Name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[check.Name] = "ok"
	}
	s.writeJSON(w, status, results)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status_code", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
