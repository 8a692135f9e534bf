// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// Package carapaceagent implements the untrusted-host process: it owns
// the long-lived framed connection to a Carapace Server, the
// multiplexer that correlates responses back to waiting local callers,
// and the two local ingress listeners (a Unix-socket CLI bridge and a
// plain HTTP proxy) that feed requests into that connection.
//
// The connection auto-reconnects on a 5-second cadence with exponential
// backoff, grounded on the reference precursor's health/ping task. Every
// waiter pending at the moment of disconnect receives a transport_closed
// error rather than being replayed after reconnection — in-flight
// requests are at-most-once.
package carapaceagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/carapace-project/carapace/ingress"
	"github.com/carapace-project/carapace/multiplexer"
	"github.com/carapace-project/carapace/protocol"
)

// ErrNotConnected is returned by forward when no live connection to the
// Server currently exists.
var ErrNotConnected = errors.New("carapaceagent: not connected to server")

// Config configures an Agent.
type Config struct {
	ServerAddr      string // "host:port" or "unix:/path/to.sock"
	CLISocketPath   string
	HTTPListenAddr  string
	PingInterval    time.Duration // default 5s, matching the reference precursor
	ReconnectMin    time.Duration // default 5s
	ReconnectMax    time.Duration // default 60s
	Logger          *slog.Logger
}

// Agent owns the connection lifecycle and the two local listeners.
type Agent struct {
	cfg    Config
	mux    *multiplexer.Multiplexer
	logger *slog.Logger

	connMu      sync.Mutex
	conn        net.Conn
	writer      *protocol.Writer
	codec       *protocol.Codec
	connected   bool
	reconnected chan struct{} // closed and replaced each time a connection is established

	cliListener  *ingress.CLIListener
	httpListener *ingress.HTTPListener
	httpServer   *http.Server
}

// New constructs an Agent. Dial is attempted lazily by Run, not here, so
// constructing an Agent never blocks or fails on network state.
func New(cfg Config) *Agent {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 5 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		cfg:         cfg,
		mux:         multiplexer.New(multiplexer.DefaultChannelBuffer),
		logger:      logger,
		reconnected: make(chan struct{}),
	}
	a.cliListener = ingress.NewCLIListener(cfg.CLISocketPath, a.mux, a.forward, logger)
	a.httpListener = ingress.NewHTTPListener(a.mux, a.forward, logger)
	return a
}

// forward implements ingress.Forwarder: it writes msg, with whatever id
// the caller set, to the Server connection if one currently exists.
func (a *Agent) forward(msg protocol.Message) error {
	a.connMu.Lock()
	writer, connected := a.writer, a.connected
	a.connMu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return writer.Encode(msg)
}

// Run dials the Server, starts the receive/ping/reconnect loops and both
// local listeners, and blocks until ctx is cancelled, at which point it
// shuts everything down and returns.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.connectLoop(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.recvLoop(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pingLoop(runCtx)
	}()

	cliErrCh := make(chan error, 1)
	go func() { cliErrCh <- a.cliListener.Serve() }()

	a.httpServer = &http.Server{Addr: a.cfg.HTTPListenAddr, Handler: a.httpListener.Mux()}
	httpErrCh := make(chan error, 1)
	go func() {
		err := a.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-cliErrCh:
		a.logger.Error("cli listener exited", "error", err)
	case err := <-httpErrCh:
		a.logger.Error("http listener exited", "error", err)
	}

	cancel()
	a.httpServer.Close()
	a.connMu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.connMu.Unlock()
	wg.Wait()
	return nil
}

// connectLoop maintains the connection to the Server: it dials once at
// startup and again after every disconnect, waiting cfg.ReconnectMin
// before the first retry and doubling up to cfg.ReconnectMax.
func (a *Agent) connectLoop(ctx context.Context) {
	delay := a.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		if err := a.dial(); err != nil {
			a.logger.Warn("connecting to server failed", "addr", a.cfg.ServerAddr, "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > a.cfg.ReconnectMax {
				delay = a.cfg.ReconnectMax
			}
			continue
		}

		a.logger.Info("connected to server", "addr", a.cfg.ServerAddr)
		delay = a.cfg.ReconnectMin

		// Block here until the connection drops, then loop back to dial
		// again. waitForDisconnect owns noticing the drop (via the recv
		// loop marking a.connected false) so connectLoop itself never
		// reads off the wire.
		a.waitForDisconnect(ctx)
	}
}

func (a *Agent) dial() error {
	conn, err := dialServer(a.cfg.ServerAddr)
	if err != nil {
		return err
	}
	codec := protocol.NewCodec(conn)

	a.connMu.Lock()
	a.conn = conn
	a.codec = codec
	a.writer = protocol.NewWriter(codec)
	a.connected = true
	closed := a.reconnected
	a.reconnected = make(chan struct{})
	a.connMu.Unlock()
	close(closed)
	return nil
}

func dialServer(addr string) (net.Conn, error) {
	if len(addr) > 5 && addr[:5] == "unix:" {
		return net.Dial("unix", addr[5:])
	}
	return net.Dial("tcp", addr)
}

// waitForDisconnect blocks until a.connected becomes false (observed by
// recvLoop) or ctx is cancelled.
func (a *Agent) waitForDisconnect(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.connMu.Lock()
			connected := a.connected
			a.connMu.Unlock()
			if !connected {
				return
			}
		}
	}
}

// recvLoop reads frames off the current connection and hands them to the
// multiplexer. On any read error it marks the connection down, notifies
// every pending waiter via CleanupOnDisconnect, and waits for
// connectLoop to establish a new one before resuming.
func (a *Agent) recvLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		a.connMu.Lock()
		codec, connected, reconnected := a.codec, a.connected, a.reconnected
		a.connMu.Unlock()

		if !connected {
			select {
			case <-ctx.Done():
				return
			case <-reconnected:
				continue
			}
		}

		msg, err := codec.Decode()
		if err != nil {
			a.logger.Warn("server connection lost", "error", err)
			a.markDisconnected()
			a.mux.CleanupOnDisconnect()
			continue
		}

		if msg.Pong != nil {
			continue // keepalive response, not a real message
		}
		a.mux.HandleInbound(msg)
	}
}

func (a *Agent) markDisconnected() {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.connected {
		a.connected = false
		a.conn.Close()
	}
}

// pingLoop sends a Ping on every cfg.PingInterval tick to confirm the
// connection is actually alive, not just locally marked connected. A
// failed send marks the connection down immediately rather than waiting
// for the next read to time out.
func (a *Agent) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	var counter int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counter++
			ping := protocol.Message{Ping: &protocol.PingPong{
				ID:            fmt.Sprintf("ping-%d", counter),
				TimestampUnix: time.Now().Unix(),
			}}
			if err := a.forward(ping); err != nil && !errors.Is(err, ErrNotConnected) {
				a.logger.Warn("ping failed", "error", err)
				a.markDisconnected()
			}
		}
	}
}
