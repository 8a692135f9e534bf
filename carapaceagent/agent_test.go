// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package carapaceagent

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/carapace-project/carapace/protocol"
)

// fakeServer accepts exactly one connection and lets the test script its
// replies, standing in for carapaceserver so this package's reconnect and
// forwarding logic can be tested without a real Server.
type fakeServer struct {
	listener net.Listener
	conns    chan net.Conn
}

func newFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{listener: l, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			fs.conns <- conn
		}
	}()
	return fs, l.Addr().String()
}

func (fs *fakeServer) nextConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted in time")
		return nil
	}
}

func (fs *fakeServer) close() { fs.listener.Close() }

func TestForwardFailsWhenNotConnected(t *testing.T) {
	a := New(Config{ServerAddr: "127.0.0.1:1"}) // nothing listening
	if err := a.forward(protocol.Message{Ping: &protocol.PingPong{ID: "p1"}}); err != ErrNotConnected {
		t.Fatalf("forward = %v, want ErrNotConnected", err)
	}
}

func TestAgentConnectsAndEchoesPong(t *testing.T) {
	fs, addr := newFakeServer(t)
	defer fs.close()

	a := New(Config{ServerAddr: addr, ReconnectMin: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.connectLoop(ctx)
	go a.recvLoop(ctx)

	serverSide := fs.nextConn(t)
	defer serverSide.Close()
	serverCodec := protocol.NewCodec(serverSide)

	waitForConnected(t, a)

	if err := a.forward(protocol.Message{Ping: &protocol.PingPong{ID: "ping-1", TimestampUnix: 1}}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	msg, err := serverCodec.Decode()
	if err != nil {
		t.Fatalf("server decode: %v", err)
	}
	if msg.Ping == nil || msg.Ping.ID != "ping-1" {
		t.Fatalf("server received %+v, want ping-1", msg)
	}

	serverCodec.Encode(protocol.Message{Pong: msg.Ping})
	time.Sleep(50 * time.Millisecond) // recvLoop silently discards the Pong; nothing should panic
}

func TestAgentRequestResponseRoundTrip(t *testing.T) {
	fs, addr := newFakeServer(t)
	defer fs.close()

	a := New(Config{ServerAddr: addr, ReconnectMin: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.connectLoop(ctx)
	go a.recvLoop(ctx)

	serverSide := fs.nextConn(t)
	defer serverSide.Close()
	serverCodec := protocol.NewCodec(serverSide)
	waitForConnected(t, a)

	waiter := a.mux.RegisterWaiter("req-1")
	if err := a.forward(protocol.Message{CliRequest: &protocol.CliRequest{ID: "req-1", Tool: "echo", Argv: []string{"hi"}}}); err != nil {
		t.Fatalf("forward: %v", err)
	}

	req, err := serverCodec.Decode()
	if err != nil {
		t.Fatalf("server decode request: %v", err)
	}
	if req.CliRequest == nil || req.CliRequest.ID != "req-1" {
		t.Fatalf("server received %+v", req)
	}
	serverCodec.Encode(protocol.Message{CliResponse: &protocol.CliResponse{ID: "req-1", ExitCode: 0, Stdout: []byte("hi\n")}})

	select {
	case resp := <-waiter:
		if resp.CliResponse == nil || string(resp.CliResponse.Stdout) != "hi\n" {
			t.Fatalf("resp = %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received a response")
	}
}

func TestAgentCleansUpWaitersOnDisconnect(t *testing.T) {
	fs, addr := newFakeServer(t)
	defer fs.close()

	a := New(Config{ServerAddr: addr, ReconnectMin: 50 * time.Millisecond, ReconnectMax: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.connectLoop(ctx)
	go a.recvLoop(ctx)

	serverSide := fs.nextConn(t)
	waitForConnected(t, a)

	waiter := a.mux.RegisterWaiter("req-2")
	serverSide.Close() // simulate the server dropping the connection

	select {
	case resp := <-waiter:
		if resp.Error == nil || resp.Error.Kind != protocol.KindTransportClosed {
			t.Fatalf("resp = %+v, want transport_closed", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never notified of disconnect")
	}
}

func TestAgentRunStartsIngressListeners(t *testing.T) {
	fs, addr := newFakeServer(t)
	defer fs.close()

	cliSock := filepath.Join(t.TempDir(), "cli.sock")
	a := New(Config{
		ServerAddr:     addr,
		CLISocketPath:  cliSock,
		HTTPListenAddr: "127.0.0.1:0",
		ReconnectMin:   10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	fs.nextConn(t)
	waitForConnected(t, a)

	deadline := time.Now().Add(2 * time.Second)
	var conn net.Conn
	var err error
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", cliSock)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("cli socket never came up: %v", err)
	}
	conn.Close()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func waitForConnected(t *testing.T, a *Agent) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.connMu.Lock()
		connected := a.connected
		a.connMu.Unlock()
		if connected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("agent never reached connected state")
}
