// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// carapace-agent is the untrusted-host daemon: it maintains a framed
// connection to a carapace-server, and exposes a local Unix-socket CLI
// bridge and a local HTTP listener that forward requests over that
// connection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/carapace-project/carapace/carapaceagent"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		serverHost     string
		serverPort     int
		cliSocketPath  string
		httpListenAddr string
		httpPort       int
		pingIntervalS  int
		showVersion    bool
	)

	flags := pflag.NewFlagSet("carapace-agent", pflag.ContinueOnError)
	flags.StringVar(&serverHost, "server-host", envOr("CARAPACE_SERVER_HOST", "127.0.0.1"), "carapace-server host (or $CARAPACE_SERVER_HOST)")
	flags.IntVar(&serverPort, "server-port", envOrInt("CARAPACE_SERVER_PORT", 7443), "carapace-server port (or $CARAPACE_SERVER_PORT)")
	flags.StringVar(&cliSocketPath, "cli-socket", envOr("CARAPACE_CLI_SOCKET", "/run/carapace/cli.sock"), "local CLI ingress socket path (or $CARAPACE_CLI_SOCKET)")
	flags.StringVar(&httpListenAddr, "http-listen-addr", os.Getenv("CARAPACE_HTTP_LISTEN_ADDR"), "local HTTP listener address (or $CARAPACE_HTTP_LISTEN_ADDR; overrides --http-port)")
	flags.IntVar(&httpPort, "http-port", envOrInt("CARAPACE_HTTP_PORT", 7080), "local HTTP listener port, bound on 127.0.0.1 (or $CARAPACE_HTTP_PORT)")
	flags.IntVar(&pingIntervalS, "ping-interval", envOrInt("CARAPACE_PING_INTERVAL_SECS", 5), "keepalive ping interval in seconds (or $CARAPACE_PING_INTERVAL_SECS)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println("carapace-agent (development build)")
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if httpListenAddr == "" {
		httpListenAddr = fmt.Sprintf("127.0.0.1:%d", httpPort)
	}
	serverAddr := fmt.Sprintf("%s:%d", serverHost, serverPort)

	agent := carapaceagent.New(carapaceagent.Config{
		ServerAddr:     serverAddr,
		CLISocketPath:  cliSocketPath,
		HTTPListenAddr: httpListenAddr,
		PingInterval:   time.Duration(pingIntervalS) * time.Second,
		Logger:         logger,
	})

	logger.Info("carapace-agent ready",
		"server_addr", serverAddr,
		"cli_socket", cliSocketPath,
		"http_listen_addr", httpListenAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := agent.Run(ctx)
	logger.Info("carapace-agent stopped")
	return err
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envOrInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
