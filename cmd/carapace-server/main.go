// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// carapace-server is the trusted-host daemon: it loads a policy file,
// listens for framed Agent connections, and dispatches, filters, and
// audits every request against that policy until told to shut down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/carapace-project/carapace/audit"
	"github.com/carapace-project/carapace/carapaceserver"
	"github.com/carapace-project/carapace/policy"
	"github.com/carapace-project/carapace/telemetry"
)

// Exit codes per the specification's CLI contract: 0 graceful shutdown,
// 1 configuration error, 2 listen failure.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitListenFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		listenAddr      string
		policyPath      string
		adminSocketPath string
		auditLogPath    string
		ageIdentityPath string
		sseSuffix       string
		showVersion     bool
	)

	flags := pflag.NewFlagSet("carapace-server", pflag.ContinueOnError)
	flags.StringVar(&listenAddr, "listen", "", "address to accept Agent connections on: \"host:port\" or \"unix:/path\" (required)")
	flags.StringVar(&policyPath, "policy", os.Getenv("CARAPACE_POLICY_FILE"), "path to the policy YAML file (or $CARAPACE_POLICY_FILE)")
	flags.StringVar(&adminSocketPath, "admin-socket", "/run/carapace/admin.sock", "Unix socket for /health, /connections, and /metrics")
	flags.StringVar(&auditLogPath, "audit-log", "/var/log/carapace/audit.log", "path to the append-only audit log")
	flags.StringVar(&ageIdentityPath, "age-identity", "", "path to an age identity file for decrypting env_inject secrets")
	flags.StringVar(&sseSuffix, "sse-suffix", "/events", "path suffix that marks an HttpRequest as a streaming SSE request")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfigError
	}

	if showVersion {
		fmt.Println("carapace-server (development build)")
		return exitOK
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if listenAddr == "" {
		logger.Error("--listen is required")
		return exitConfigError
	}
	if policyPath == "" {
		logger.Error("--policy or $CARAPACE_POLICY_FILE is required")
		return exitConfigError
	}

	pol, err := policy.Load(policyPath, policy.LoadOptions{AgeIdentityPath: ageIdentityPath})
	if err != nil {
		logger.Error("loading policy", "error", err)
		return exitConfigError
	}

	redactPatterns := collectRedactPatterns(pol)
	auditSink, err := audit.Open(auditLogPath, 0640, redactPatterns, logger)
	if err != nil {
		logger.Error("opening audit log", "path", auditLogPath, "error", err)
		return exitConfigError
	}
	defer auditSink.Close()

	metrics, err := telemetry.New()
	if err != nil {
		logger.Error("constructing metrics", "error", err)
		return exitConfigError
	}

	srv, err := carapaceserver.New(carapaceserver.Config{
		ListenAddr:      listenAddr,
		AdminSocketPath: adminSocketPath,
		Policy:          pol,
		Audit:           auditSink,
		Logger:          logger,
		Metrics:         metrics,
		SSESuffix:       sseSuffix,
	})
	if err != nil {
		logger.Error("constructing server", "error", err)
		return exitConfigError
	}

	if err := srv.Start(); err != nil {
		logger.Error("starting server", "error", err)
		return exitListenFailure
	}

	logger.Info("carapace-server ready",
		"listen", listenAddr,
		"admin_socket", adminSocketPath,
		"policy_tools", len(pol.Tools),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutdown signal received")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown", "error", err)
		return exitConfigError
	}
	return exitOK
}

func collectRedactPatterns(pol *policy.Policy) []string {
	seen := make(map[string]struct{})
	var patterns []string
	for _, tool := range pol.Tools {
		var cfg policy.AuditConfig
		switch t := tool.(type) {
		case *policy.CliPolicy:
			cfg = t.Audit
		case *policy.HttpPolicy:
			cfg = t.Audit
		}
		for _, p := range cfg.RedactPatterns {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			patterns = append(patterns, p)
		}
	}
	return patterns
}
