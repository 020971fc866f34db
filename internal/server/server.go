// Package server runs the coordinator's HTTP surface on a unix socket
// for local clients, with an optional TCP listener for dashboards.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
)

type Config struct {
	// Addr is the optional TCP listen address.
	Addr string
	// SocketPath is the unix socket local clients connect through.
	SocketPath string
	Handler    http.Handler
}

type Server struct {
	cfg    Config
	http   *http.Server
	unix   *http.Server
	unixLn net.Listener
}

func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" && cfg.SocketPath == "" {
		return nil, fmt.Errorf("addr or socket path required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	s := &Server{cfg: cfg}
	if cfg.Addr != "" {
		s.http = &http.Server{Addr: cfg.Addr, Handler: h}
	}

	if cfg.SocketPath != "" {
		// Remove a stale socket left by a previous run.
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = ln
		s.unix = &http.Server{Handler: h}
	}

	return s, nil
}

// Start serves until Shutdown. It blocks on the TCP listener when one
// is configured, otherwise on the unix socket.
func (s *Server) Start() error {
	if s.http == nil {
		return s.unix.Serve(s.unixLn)
	}
	if s.unixLn != nil {
		go s.unix.Serve(s.unixLn)
	}
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// SocketPath reports the configured socket path, empty when unset.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
