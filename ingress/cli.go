// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingress implements the Agent's two local entry points: a framed
// Unix socket for CLI requests (the carapace-shim speaks this) and a
// plain local HTTP listener for HttpRequest/JSON-RPC traffic. Both paths
// register a waiter on the shared multiplexer and forward the resulting
// frame onto the connection to the Server.
package ingress

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/carapace-project/carapace/multiplexer"
	"github.com/carapace-project/carapace/protocol"
)

// Forwarder sends a framed message toward the Server, returning an error
// only if the underlying connection is currently unusable (e.g.
// disconnected and not yet reconnected) — in that case the caller
// responds to its local client with a transport_closed ErrorMessage
// immediately rather than registering a waiter that will never resolve.
type Forwarder func(protocol.Message) error

// CLIListener accepts framed CliRequest connections on a Unix socket and
// relays each to the Server through forward, replying on the same
// connection with whatever the multiplexer eventually delivers for that
// request's id.
type CLIListener struct {
	socketPath string
	mux        *multiplexer.Multiplexer
	forward    Forwarder
	logger     *slog.Logger
}

// NewCLIListener constructs a listener bound to socketPath (removed and
// recreated on Serve, matching the reference server's socket lifecycle).
func NewCLIListener(socketPath string, mux *multiplexer.Multiplexer, forward Forwarder, logger *slog.Logger) *CLIListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIListener{socketPath: socketPath, mux: mux, forward: forward, logger: logger}
}

// Serve listens on l.socketPath until accepting a connection fails; the
// listener it opens is not exposed to callers and is closed when Serve
// returns. Each accepted connection is framed
// independently and may carry any number of sequential CliRequests.
func (l *CLIListener) Serve() error {
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ingress: removing existing socket %s: %w", l.socketPath, err)
	}
	listener, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("ingress: listening on %s: %w", l.socketPath, err)
	}
	defer listener.Close()
	if err := os.Chmod(l.socketPath, 0600); err != nil {
		return fmt.Errorf("ingress: chmod %s: %w", l.socketPath, err)
	}

	l.logger.Info("cli ingress listening", "socket", l.socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("ingress: accept on %s: %w", l.socketPath, err)
		}
		go l.handleConn(conn)
	}
}

func (l *CLIListener) handleConn(conn net.Conn) {
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	for {
		msg, err := codec.Decode()
		if err != nil {
			return // client disconnected or sent a malformed frame
		}
		if msg.CliRequest == nil {
			l.reply(codec, protocol.Message{Error: &protocol.ErrorMessage{
				Kind:   protocol.KindProtocolError,
				Detail: "cli ingress only accepts cli_request frames",
			}})
			continue
		}
		l.handleRequest(codec, msg.CliRequest)
	}
}

func (l *CLIListener) handleRequest(codec *protocol.Codec, req *protocol.CliRequest) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	waiter := l.mux.RegisterWaiter(req.ID)
	if err := l.forward(protocol.Message{CliRequest: req}); err != nil {
		l.mux.Cancel(req.ID)
		l.reply(codec, protocol.Message{Error: &protocol.ErrorMessage{
			ID:     req.ID,
			Kind:   protocol.KindTransportClosed,
			Detail: err.Error(),
		}})
		return
	}

	for msg := range waiter {
		l.reply(codec, msg)
	}
}

func (l *CLIListener) reply(codec *protocol.Codec, msg protocol.Message) {
	if err := codec.Encode(msg); err != nil {
		l.logger.Warn("cli ingress: writing reply failed", "error", err)
	}
}
