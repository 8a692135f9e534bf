// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package carapaceserver

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carapace-project/carapace/audit"
	"github.com/carapace-project/carapace/dispatch"
	"github.com/carapace-project/carapace/filter"
	"github.com/carapace-project/carapace/policy"
	"github.com/carapace-project/carapace/protocol"
)

// handleCli evaluates and, if allowed, dispatches a CliRequest, recording
// exactly one audit record and replying exactly once on w.
func (s *Server) handleCli(w *protocol.Writer, req *protocol.CliRequest) {
	start := time.Now()
	ctx := context.Background()

	s.observeRequest(ctx, req.Tool, string(audit.ActionCli))

	decision, cli := s.cfg.Policy.EvaluateCli(req.Tool, req.Argv)
	if decision.Allow && cli != nil {
		if cwdDecision := cli.CheckCwd(req.Cwd); !cwdDecision.Allow {
			decision = cwdDecision
		}
	}
	if decision.Allow {
		if err := dispatch.ScanShellMetacharacters(req.Argv); err != nil {
			decision = policy.Decision{Allow: false, Reason: "argv_denied", MatchedRule: err.Error()}
		}
	}

	if !decision.Allow {
		s.denyCli(w, req, decision, start)
		return
	}

	env := cli.MergeEnv(req.Env)
	timeout := time.Duration(cli.Timeout()) * time.Second

	result, err := dispatch.RunCli(ctx, cli.Binary, req.Argv, env, req.Cwd, timeout, 5*time.Second, s.logger)
	if err != nil {
		s.logger.Warn("cli dispatch failed", "tool", req.Tool, "error", err)
		s.observeDispatchDuration(ctx, req.Tool, string(audit.ActionCli), time.Since(start))
		kind := protocol.KindDispatchError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = protocol.KindTimeout
		}
		s.recordAndReply(w, audit.Record{
			RequestID:        req.ID,
			Tool:              req.Tool,
			ActionType:        audit.ActionCli,
			ArgvOrMethod:      joinArgv(req.Argv),
			PolicyResult:      audit.ResultDeny,
			Reason:            err.Error(),
			DurationMs:        time.Since(start).Milliseconds(),
		}, protocol.Message{Error: &protocol.ErrorMessage{ID: req.ID, Kind: kind, Detail: err.Error()}})
		return
	}

	filterResult := filter.Apply(cli.ResponseFilters, result.Stdout)
	s.observeDispatchDuration(ctx, req.Tool, string(audit.ActionCli), time.Since(start))

	if filterResult.Blocked {
		s.recordAndReply(w, audit.Record{
			RequestID:    req.ID,
			Tool:         req.Tool,
			ActionType:   audit.ActionCli,
			ArgvOrMethod: joinArgv(req.Argv),
			PolicyResult: audit.ResultDeny,
			Reason:       filterResult.BlockWhy,
			DurationMs:   time.Since(start).Milliseconds(),
		}, protocol.Message{Error: &protocol.ErrorMessage{ID: req.ID, Kind: filterResult.BlockKind, Detail: filterResult.BlockWhy}})
		return
	}

	s.recordAndReply(w, audit.Record{
		RequestID:        req.ID,
		Tool:              req.Tool,
		ActionType:        audit.ActionCli,
		ArgvOrMethod:      joinArgv(req.Argv),
		PolicyResult:      audit.ResultAllow,
		ExitCodeOrStatus:  result.ExitCode,
		DurationMs:        time.Since(start).Milliseconds(),
		FilterActions:     convertActions(filterResult.Actions),
	}, protocol.Message{CliResponse: &protocol.CliResponse{
		ID:        req.ID,
		ExitCode:  result.ExitCode,
		Stdout:    filterResult.Body,
		Stderr:    result.Stderr,
		Truncated: result.Truncated || filterResult.Truncated,
	}})
}

func (s *Server) denyCli(w *protocol.Writer, req *protocol.CliRequest, decision policy.Decision, start time.Time) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.PolicyDeniedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("tool", req.Tool), attribute.String("reason", decision.Reason)))
	}
	s.recordAndReply(w, audit.Record{
		RequestID:    req.ID,
		Tool:         req.Tool,
		ActionType:   audit.ActionCli,
		ArgvOrMethod: joinArgv(req.Argv),
		PolicyResult: audit.ResultDeny,
		Reason:       decision.MatchedRule,
		DurationMs:   time.Since(start).Milliseconds(),
	}, protocol.Message{Error: &protocol.ErrorMessage{ID: req.ID, Kind: decision.Reason, Detail: decision.MatchedRule}})
}

// handleHTTP evaluates and, if allowed, dispatches an HttpRequest. For an
// SSE endpoint it streams SseEvents directly onto w as they arrive and
// emits a KindStreamEnd marker once the upstream stream ends; for every
// other request it replies with a single terminal HttpResponse or Error.
func (s *Server) handleHTTP(w *protocol.Writer, req *protocol.HttpRequest) {
	start := time.Now()
	ctx := context.Background()

	s.observeRequest(ctx, req.Tool, string(audit.ActionHTTP))

	decision, http := s.cfg.Policy.EvaluateHttp(req.Tool)
	if decision.Allow {
		decision = http.EvaluateJSONRPC(req.Body)
	}
	if decision.Allow && http.RateLimit != nil {
		if !s.limiter.Allow(req.Tool, http.RateLimit.MaxRequests, http.RateLimit.WindowSecs) {
			decision = policy.Decision{Allow: false, Reason: "rate_limited", MatchedRule: req.Tool}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", req.Tool)))
			}
		}
	}

	if !decision.Allow {
		s.denyHTTP(w, req, decision, start)
		return
	}

	timeout := time.Duration(http.Timeout()) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if dispatch.IsSSEPath(req.Path, s.sseSuffix()) {
		s.runSSE(runCtx, w, req, http, start)
		return
	}

	result, err := dispatch.RunHTTP(runCtx, s.client, http.Upstream, req.Path, req.Method, req.Headers, req.Body, nil, s.logger)
	s.observeDispatchDuration(ctx, req.Tool, string(audit.ActionHTTP), time.Since(start))
	if err != nil {
		s.recordAndReply(w, audit.Record{
			RequestID:        req.ID,
			Tool:              req.Tool,
			ActionType:        audit.ActionHTTP,
			ArgvOrMethod:      req.Method + " " + req.Path,
			PolicyResult:      audit.ResultDeny,
			Reason:            err.Error(),
			DurationMs:        time.Since(start).Milliseconds(),
		}, protocol.Message{Error: &protocol.ErrorMessage{ID: req.ID, Kind: protocol.KindDispatchError, Detail: err.Error()}})
		return
	}

	filterResult := filter.Apply(http.ResponseFilters, result.Body)
	if filterResult.Blocked {
		s.recordAndReply(w, audit.Record{
			RequestID:    req.ID,
			Tool:         req.Tool,
			ActionType:   audit.ActionHTTP,
			ArgvOrMethod: req.Method + " " + req.Path,
			PolicyResult: audit.ResultDeny,
			Reason:       filterResult.BlockWhy,
			DurationMs:   time.Since(start).Milliseconds(),
		}, protocol.Message{Error: &protocol.ErrorMessage{ID: req.ID, Kind: filterResult.BlockKind, Detail: filterResult.BlockWhy}})
		return
	}

	s.recordAndReply(w, audit.Record{
		RequestID:         req.ID,
		Tool:               req.Tool,
		ActionType:         audit.ActionHTTP,
		ArgvOrMethod:       req.Method + " " + req.Path,
		PolicyResult:       audit.ResultAllow,
		ExitCodeOrStatus:   result.Status,
		DurationMs:         time.Since(start).Milliseconds(),
		FilterActions:      convertActions(filterResult.Actions),
	}, protocol.Message{HttpResponse: &protocol.HttpResponse{
		ID:      req.ID,
		Status:  result.Status,
		Headers: result.Headers,
		Body:    filterResult.Body,
	}})
}

// runSSE streams events directly to w as dispatch.RunHTTP's sink callback
// fires, without buffering the stream. Of the response filters only
// MaxOutputSize applies here, as a cap on each event's data taken on its
// own (not on the stream's total); ContentDeny and FieldRedact apply only
// to buffered HTTP responses.
func (s *Server) runSSE(ctx context.Context, w *protocol.Writer, req *protocol.HttpRequest, http *policy.HttpPolicy, start time.Time) {
	eventCount := 0
	sink := func(event, data string) {
		eventCount++
		for _, spec := range http.ResponseFilters {
			if spec.MaxOutputSize != nil && spec.MaxOutputSize.MaxBytes > 0 && len(data) > spec.MaxOutputSize.MaxBytes {
				data = string(filter.Apply([]policy.FilterSpec{spec}, []byte(data)).Body)
			}
		}
		w.Encode(protocol.Message{SseEvent: &protocol.SseEvent{ID: req.ID, Tool: req.Tool, Event: event, Data: data}})
	}

	_, err := dispatch.RunHTTP(ctx, s.client, http.Upstream, req.Path, req.Method, req.Headers, req.Body, sink, s.logger)
	s.observeDispatchDuration(context.Background(), req.Tool, string(audit.ActionHTTP), time.Since(start))

	reason := ""
	if err != nil {
		reason = err.Error()
		s.logger.Warn("sse dispatch ended with error", "tool", req.Tool, "error", err)
	}

	s.recordAndReply(w, audit.Record{
		RequestID:    req.ID,
		Tool:         req.Tool,
		ActionType:   audit.ActionHTTP,
		ArgvOrMethod: req.Method + " " + req.Path,
		PolicyResult: audit.ResultAllow,
		Reason:       reason,
		DurationMs:   time.Since(start).Milliseconds(),
	}, protocol.Message{Error: &protocol.ErrorMessage{ID: req.ID, Kind: protocol.KindStreamEnd, Detail: reason}})
}

func (s *Server) denyHTTP(w *protocol.Writer, req *protocol.HttpRequest, decision policy.Decision, start time.Time) {
	if s.cfg.Metrics != nil && decision.Reason != "rate_limited" {
		s.cfg.Metrics.PolicyDeniedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("tool", req.Tool), attribute.String("reason", decision.Reason)))
	}
	s.recordAndReply(w, audit.Record{
		RequestID:    req.ID,
		Tool:         req.Tool,
		ActionType:   audit.ActionHTTP,
		ArgvOrMethod: req.Method + " " + req.Path,
		PolicyResult: audit.ResultDeny,
		Reason:       decision.MatchedRule,
		DurationMs:   time.Since(start).Milliseconds(),
	}, protocol.Message{Error: &protocol.ErrorMessage{ID: req.ID, Kind: decision.Reason, Detail: decision.MatchedRule}})
}

func (s *Server) observeRequest(ctx context.Context, tool, actionType string) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.RequestsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tool", tool), attribute.String("action_type", actionType)))
}

func (s *Server) observeDispatchDuration(ctx context.Context, tool, actionType string, d time.Duration) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.DispatchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool), attribute.String("action_type", actionType)))
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func convertActions(actions []filter.Action) []audit.FilterAction {
	out := make([]audit.FilterAction, len(actions))
	for i, a := range actions {
		out[i] = audit.FilterAction{Filter: a.Filter, Path: a.Path, Detail: a.Detail}
	}
	return out
}
