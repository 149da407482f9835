// Package api serves the client-facing HTTP endpoints: subject and table
// watch registration with long-poll, and mobile push registration.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/store"
	"github.com/senseeact/notifyd/watch"
)

// PushRegistrar registers mobile push devices. *push.Dispatcher implements it.
type PushRegistrar interface {
	Register(ctx context.Context, user, project, deviceID, token string, include, exclude []string) (*store.PushRegistration, error)
	Unregister(ctx context.Context, user, project, deviceID string) error
}

// Config holds the dependencies of a Server
type Config struct {
	Subjects    *watch.SubjectRegistry
	Tables      *watch.TableRegistry
	Push        PushRegistrar // nil disables push registration
	Directory   directory.Directory
	TokenHeader string       // Header carrying the auth token (default X-Auth-Token)
	Compression bool         // gzip responses
	Metrics     http.Handler // served at /metrics when set
	Profiling   bool         // serve /debug/pprof
}

// Server is the HTTP API
type Server struct {
	subjects    *watch.SubjectRegistry
	tables      *watch.TableRegistry
	push        PushRegistrar
	dir         directory.Directory
	tokenHeader string
	handler     http.Handler
	httpServer  *http.Server
}

// NewServer builds the router
func NewServer(config Config) *Server {
	if config.TokenHeader == "" {
		config.TokenHeader = "X-Auth-Token"
	}
	s := &Server{
		subjects:    config.Subjects,
		tables:      config.Tables,
		push:        config.Push,
		dir:         config.Directory,
		tokenHeader: config.TokenHeader,
	}

	r := chi.NewRouter()

	if config.Metrics != nil {
		r.Handle("/metrics", config.Metrics)
	}
	if config.Profiling {
		r.HandleFunc("/debug/pprof/*", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	r.Route("/project/{project}", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.projectMiddleware)

		// Subject watches
		r.Post("/subjects/watch/register", s.handleSubjectRegister)
		r.Get("/subjects/watch/{regId}", s.handleSubjectWatch)
		r.Post("/subjects/watch/unregister/{regId}", s.handleSubjectUnregister)

		// Table watches
		r.Post("/table/{table}/watch/register", s.handleTableRegister)
		r.Get("/table/{table}/watch/{regId}", s.handleTableWatch)
		r.Post("/table/{table}/watch/unregister/{regId}", s.handleTableUnregister)

		// Mobile push
		r.Post("/register-push", s.handlePushRegister)
		r.Post("/unregister-push", s.handlePushUnregister)
	})

	s.handler = r
	if config.Compression {
		s.handler = gzhttp.GzipHandler(r)
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// No write timeout: watch calls block for the watch timeout
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Str("address", listener.Addr().String()).Msg("HTTP API listening")
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
// Blocked watch calls return once the registries are stopped.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	log.Info().Msg("Stopping HTTP API")
	return s.httpServer.Shutdown(ctx)
}

// boolParam parses an optional boolean query parameter
func boolParam(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid value for %s: %s", name, raw))
		return false, false
	}
	return v, true
}
