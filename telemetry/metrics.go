// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes Carapace's operational metrics via
// OpenTelemetry, scraped through a Prometheus exposition endpoint served
// on the admin socket (never the primary listener — metrics are an
// operator-facing, not a client-facing, surface).
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "carapace"

// Metrics holds every instrument the Server and Agent record against.
type Metrics struct {
	RequestsTotal     metric.Int64Counter
	PolicyDeniedTotal metric.Int64Counter
	RateLimitedTotal  metric.Int64Counter
	AuditDroppedTotal metric.Int64Counter
	DispatchDuration  metric.Float64Histogram

	registry http.Handler
}

// New creates every instrument against a fresh Prometheus-backed
// MeterProvider and returns the Metrics handle; its Handler method gives
// the http.Handler to mount at /metrics on the admin socket.
func New() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{registry: promhttp.Handler()}

	m.RequestsTotal, err = meter.Int64Counter("carapace.requests.total",
		metric.WithDescription("Requests received, labeled by tool and action_type"))
	if err != nil {
		return nil, err
	}
	m.PolicyDeniedTotal, err = meter.Int64Counter("carapace.policy_denied.total",
		metric.WithDescription("Requests denied by policy evaluation, labeled by reason"))
	if err != nil {
		return nil, err
	}
	m.RateLimitedTotal, err = meter.Int64Counter("carapace.rate_limited.total",
		metric.WithDescription("Requests denied by the rate limiter, labeled by tool"))
	if err != nil {
		return nil, err
	}
	m.AuditDroppedTotal, err = meter.Int64Counter("carapace.audit_dropped.total",
		metric.WithDescription("Audit records dropped due to queue overflow"))
	if err != nil {
		return nil, err
	}
	m.DispatchDuration, err = meter.Float64Histogram("carapace.dispatch.duration_seconds",
		metric.WithDescription("Dispatch latency from policy allow to response emission"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Handler returns the http.Handler to mount at the admin socket's
// /metrics path.
func (m *Metrics) Handler() http.Handler {
	return m.registry
}
