// Package api is the read-only HTTP surface: integrity verification,
// the anchoring history feed, health, and metrics. Mutating routes are
// deliberately absent; collaborators submit through the service facade.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/medtrust/anchord/anchor"
	"github.com/medtrust/anchord/config"
)

const (
	readTimeout     = 15 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server serves the read-only API on the configured port.
type Server struct {
	svc    *anchor.Service
	cfg    *config.Config
	logger zerolog.Logger
	http   *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(svc *anchor.Service, cfg *config.Config, logger zerolog.Logger) *Server {
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger.With().Str("component", "api").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/verify/{kind}/{id}", s.handleVerify).Methods(http.MethodGet, http.MethodPost)
	v1.HandleFunc("/integrity/{kind}/{id}", s.handleIntegrity).Methods(http.MethodGet)
	v1.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/ledger/{id}", s.handleLedger).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      s.logRequests(r),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Start serves until Stop is called. Returns the listener error, never
// http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("api shutdown did not drain cleanly")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}
