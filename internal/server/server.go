// Package server is the static preview server. In development it injects
// the live-reload client into every HTML page and exposes the reload
// socket and the list of current build failures.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/version"
	"github.com/conneroisu/sitepipe/internal/websocket"
)

// Reserved routes. Site content never shadows them.
const (
	RoutePrefix   = "/__sitepipe/"
	SocketPath    = RoutePrefix + "ws"
	ClientPath    = RoutePrefix + "client.js"
	ErrorsPath    = RoutePrefix + "errors"
	HealthPath    = RoutePrefix + "health"
	shutdownGrace = 5 * time.Second
)

// DevServer serves the union of its base directories. Earlier directories
// win when several contain the same path.
type DevServer struct {
	host      string
	instance  config.ServerInstance
	fs        afero.Fs
	hub       *websocket.Hub
	collector *errors.ErrorCollector
	logger    logging.Logger

	httpServer  *http.Server
	serverMutex sync.RWMutex
}

// Option configures a DevServer.
type Option func(*DevServer)

// WithFs serves files from fsys instead of the OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(s *DevServer) { s.fs = fsys }
}

// WithHub enables live reload through hub.
func WithHub(hub *websocket.Hub) Option {
	return func(s *DevServer) { s.hub = hub }
}

// WithCollector exposes the failures recorded in ec.
func WithCollector(ec *errors.ErrorCollector) Option {
	return func(s *DevServer) { s.collector = ec }
}

// WithLogger sets the server's logger.
func WithLogger(l logging.Logger) Option {
	return func(s *DevServer) { s.logger = l }
}

// New creates a server for one configured instance.
func New(host string, instance config.ServerInstance, opts ...Option) *DevServer {
	s := &DevServer{
		host:     host,
		instance: instance,
		fs:       afero.NewOsFs(),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("server")
	return s
}

// Addr returns the listen address.
func (s *DevServer) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.instance.Port))
}

// Handler returns the server's routes wrapped in its middleware.
func (s *DevServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.hub != nil {
		mux.Handle(SocketPath, s.hub)
		mux.HandleFunc(ClientPath, s.handleClient)
	}
	mux.HandleFunc(ErrorsPath, s.handleErrors)
	mux.HandleFunc(HealthPath, s.handleHealth)
	mux.HandleFunc("/", s.handleStatic)

	return s.addMiddleware(mux)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *DevServer) Start(ctx context.Context) error {
	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Serving", "url", "http://"+server.Addr, "dirs", s.instance.BaseDirs)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// Shutdown stops the HTTP server and disconnects reload clients.
func (s *DevServer) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Shutdown()
	}

	s.serverMutex.RLock()
	server := s.httpServer
	s.serverMutex.RUnlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *DevServer) handleClient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	_, _ = w.Write([]byte(clientScript))
}

type errorsResponse struct {
	Count    int              `json:"count"`
	Failures []errors.Failure `json:"failures"`
}

func (s *DevServer) handleErrors(w http.ResponseWriter, r *http.Request) {
	resp := errorsResponse{Failures: []errors.Failure{}}
	if s.collector != nil {
		if failures := s.collector.Failures(); failures != nil {
			resp.Failures = failures
		}
	}
	resp.Count = len(resp.Failures)
	writeJSON(w, http.StatusOK, resp)
}

func (s *DevServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"version": version.GetShortVersion(),
		"dirs":    s.instance.BaseDirs,
	}
	if s.hub != nil {
		status["clients"] = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
