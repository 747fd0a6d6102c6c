// Package bridge serves target program invocation as an HTTP+JSON RPC
// over a unix domain socket, and ships the matching client.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clibridge/clibridge/bridge/runner"
	"github.com/clibridge/clibridge/internal/admission"
	"github.com/clibridge/clibridge/internal/socket"
)

// DefaultSocketPath is where the bridge listens when not configured
// otherwise.
const DefaultSocketPath = "/tmp/clibridge.sock"

// Server exposes the target program over a unix domain socket.
type Server struct {
	logger *zap.SugaredLogger

	socketPath       string
	concurrencyLimit int
	cliPath          string
	cliPathEnvVar    string

	gate   *admission.Gate
	runner *runner.Runner

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("bridge").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithSocketPath(path string) Option {
	return func(s *Server) {
		s.socketPath = path
	}
}

// WithConcurrencyLimit bounds the number of invocations running at
// once. Zero means unbounded.
func WithConcurrencyLimit(n int) Option {
	return func(s *Server) {
		s.concurrencyLimit = n
	}
}

// WithCLIPath overrides the target executable to run.
func WithCLIPath(path string) Option {
	return func(s *Server) {
		s.cliPath = path
	}
}

// WithCLIPathEnvVar names the environment variable consulted for the
// target executable path when no override is set.
func WithCLIPathEnvVar(name string) Option {
	return func(s *Server) {
		s.cliPathEnvVar = name
	}
}

// NewServer constructs a bridge server.
func NewServer(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:     logger.Named("bridge").Sugar(),
		socketPath: DefaultSocketPath,
		shutdown:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.concurrencyLimit < 0 {
		return nil, fmt.Errorf("concurrency limit must be positive, got %d", s.concurrencyLimit)
	}
	s.gate = admission.NewGate(s.concurrencyLimit)
	s.runner = &runner.Runner{
		Log:  s.logger.Named("runner"),
		Gate: s.gate,
		Resolver: runner.Resolver{
			OverridePath: s.cliPath,
			PathEnvVar:   s.cliPathEnvVar,
		},
	}
	return s, nil
}

// Run binds the socket and serves until ctx is cancelled or Shutdown
// is called, then drains in-flight invocations, removes the socket
// file, and returns the first error encountered.
func (s *Server) Run(ctx context.Context) error {
	lis, cleanup, err := socket.Listen(s.socketPath)
	if err != nil {
		return err
	}
	defer cleanup.Close()

	router := httprouter.New()
	router.POST("/invoke", s.invoke)
	router.GET("/healthz", s.healthz)

	httpServer := &http.Server{Handler: router}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(lis) }()

	var shutdownErr error
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		// Reject callers parked on the gate, stop accepting, and let
		// in-flight invocations drain. Their child processes are not
		// touched.
		s.gate.Close()
		shutdownErr = httpServer.Shutdown(context.Background())
	}()

	s.logger.Infow("serving", "socket", s.socketPath)

	err = <-serveErr
	s.Shutdown()
	<-stopped
	if errors.Is(err, http.ErrServerClosed) {
		err = shutdownErr
	}
	return err
}

// Shutdown moves the server out of the accepting state. It is one-way
// and idempotent; calls after the first are no-ops.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	res, err := s.runner.Run(r.Context(), runner.Request{
		Args:  req.Args,
		Env:   req.Env,
		Cwd:   req.Cwd,
		Stdin: req.Stdin,
	})
	if err != nil {
		if errors.Is(err, admission.ErrUnavailable) {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, InvokeResponse{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.logger.Debugf("request failed: %s", err)
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		s.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
