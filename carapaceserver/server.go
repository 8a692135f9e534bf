// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// Package carapaceserver wires policy, dispatch, filter, audit, rate
// limiting, and telemetry into the trusted-host process: it accepts
// framed connections from one or more Agents, evaluates every inbound
// request against the loaded Policy, dispatches allowed requests, runs
// the response through the filter pipeline, and records one AuditRecord
// per request that reached policy evaluation.
package carapaceserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/carapace-project/carapace/audit"
	"github.com/carapace-project/carapace/dispatch"
	"github.com/carapace-project/carapace/policy"
	"github.com/carapace-project/carapace/protocol"
	"github.com/carapace-project/carapace/ratelimit"
	"github.com/carapace-project/carapace/telemetry"
)

// Config configures a Server.
type Config struct {
	ListenAddr      string // required, e.g. "0.0.0.0:7443" or "unix:/run/carapace.sock"
	AdminSocketPath string // optional; metrics/health/debug surface, never the agent-facing listener
	Policy          *policy.Policy
	Audit           *audit.Sink
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
	SSESuffix       string // default "/events" when empty
}

// Server accepts framed connections and serves requests against Policy
// until Shutdown is called.
type Server struct {
	cfg     Config
	limiter *ratelimit.Limiter
	client  *http.Client
	logger  *slog.Logger

	listener      net.Listener
	adminListener net.Listener
	adminServer   *http.Server

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New constructs a Server. Dispatch timeouts and the rate limiter are
// owned here, not in policy, since they are process-lifetime resources
// (an HTTP client's connection pool, a TTL cache) rather than
// declarative rules.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = &policy.Policy{Tools: map[string]policy.ToolPolicy{}}
	}
	limiter, err := ratelimit.New()
	if err != nil {
		return nil, fmt.Errorf("carapaceserver: constructing rate limiter: %w", err)
	}
	return &Server{
		cfg:     cfg,
		limiter: limiter,
		client:  dispatch.HTTPClient(),
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start begins listening and returns once the primary and (if configured)
// admin listeners are bound; connection handling continues in background
// goroutines.
func (s *Server) Start() error {
	listener, err := listenOn(s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("carapaceserver: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener
	s.logger.Info("server listening", "addr", s.cfg.ListenAddr)

	go s.acceptLoop()

	if s.cfg.AdminSocketPath != "" {
		if err := s.startAdmin(); err != nil {
			listener.Close()
			return err
		}
	}

	notifySystemd("READY=1")
	return nil
}

func listenOn(addr string) (net.Listener, error) {
	if len(addr) > 5 && addr[:5] == "unix:" {
		path := addr[5:]
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		l, err := net.Listen("unix", path)
		if err != nil {
			return nil, err
		}
		os.Chmod(path, 0660)
		return l, nil
	}
	return net.Listen("tcp", addr)
}

func (s *Server) startAdmin() error {
	if err := os.Remove(s.cfg.AdminSocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("carapaceserver: removing existing admin socket: %w", err)
	}
	adminListener, err := net.Listen("unix", s.cfg.AdminSocketPath)
	if err != nil {
		return fmt.Errorf("carapaceserver: listening on admin socket: %w", err)
	}
	if err := os.Chmod(s.cfg.AdminSocketPath, 0600); err != nil {
		adminListener.Close()
		return fmt.Errorf("carapaceserver: chmod admin socket: %w", err)
	}
	s.adminListener = adminListener

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleAdminHealth)
	mux.HandleFunc("GET /connections", s.handleAdminConnections)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}
	s.adminServer = &http.Server{Handler: mux}

	s.logger.Info("admin socket listening", "socket", s.cfg.AdminSocketPath)
	go func() {
		if err := s.adminServer.Serve(adminListener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleAdminConnections(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	count := len(s.conns)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"connections":%d}`, count)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.logger.Info("accept loop exiting", "error", err)
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	codec := protocol.NewCodec(conn)
	writer := protocol.NewWriter(codec)
	s.logger.Info("agent connected", "remote", conn.RemoteAddr())

	for {
		msg, err := codec.Decode()
		if err != nil {
			s.logger.Info("agent connection closed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		go s.handleMessage(writer, msg)
	}
}

// handleMessage dispatches one inbound frame. Each request is handled in
// its own goroutine so a slow CLI spawn or long-lived SSE stream never
// blocks other in-flight requests sharing the same connection.
func (s *Server) handleMessage(w *protocol.Writer, msg protocol.Message) {
	switch {
	case msg.CliRequest != nil:
		s.handleCli(w, msg.CliRequest)
	case msg.HttpRequest != nil:
		s.handleHTTP(w, msg.HttpRequest)
	case msg.Ping != nil:
		w.Encode(protocol.Message{Pong: msg.Ping})
	default:
		w.Encode(protocol.Message{Error: &protocol.ErrorMessage{
			Kind:   protocol.KindProtocolError,
			Detail: "server only accepts cli_request, http_request and ping frames",
		}})
	}
}

func (s *Server) recordAndReply(w *protocol.Writer, rec audit.Record, reply protocol.Message) {
	if s.cfg.Audit != nil && rec.Tool != "" {
		s.cfg.Audit.Submit(rec)
	}
	w.Encode(reply)
}

// Shutdown stops accepting new connections and shuts down the admin
// server, waiting up to ctx's deadline for that server's in-flight HTTP
// requests. Requests already being handled on Agent connections are not
// waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if s.listener != nil {
		s.listener.Close()
	}
	var err error
	if s.adminServer != nil {
		err = s.adminServer.Shutdown(ctx)
	}
	if s.adminListener != nil {
		os.Remove(s.cfg.AdminSocketPath)
	}
	s.limiter.Close()
	if s.cfg.Audit != nil {
		if closeErr := s.cfg.Audit.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(state))
}

// sseSuffix returns the configured SSE path suffix, defaulting per the
// specification when unset.
func (s *Server) sseSuffix() string {
	if s.cfg.SSESuffix == "" {
		return "/events"
	}
	return s.cfg.SSESuffix
}
