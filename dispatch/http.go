// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// hopByHopHeaders are never forwarded in either direction, matching the
// RFC 7230 §6.1 connection-specific header list.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHop(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// HTTPClient builds an *http.Client for a single upstream, reused across
// requests to benefit from connection pooling. Timeout is enforced by the
// caller via context, not the client, since SSE responses can legitimately
// run far longer than any single RunHTTP call's own timeout budget for
// the event stream phase.
func HTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// HTTPResult is the outcome of a non-SSE RunHTTP call.
type HTTPResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// SSESink receives parsed SSE events as they arrive, one call per
// complete event block. The caller (carapaceserver's SSE handler) is
// responsible for turning each call into a framed SseEvent message —
// dispatch itself has no knowledge of the wire protocol above HTTP.
type SSESink func(event, data string)

// IsSSEPath reports whether path should be dispatched as an SSE stream
// by its suffix, matching the specification's configurable-with-default
// rule (default suffix "/events").
func IsSSEPath(path, suffix string) bool {
	if suffix == "" {
		suffix = "/events"
	}
	idx := strings.IndexByte(path, '?')
	if idx >= 0 {
		path = path[:idx]
	}
	return strings.HasSuffix(path, suffix)
}

// RunHTTP proxies one HTTP request to upstream+path. If the response's
// Content-Type is text/event-stream, it streams parsed events to sink
// and returns a nil HTTPResult with a nil error once the stream ends
// cleanly (no terminal HttpResponse is produced for an SSE stream). Otherwise the body is fully buffered
// and returned in HTTPResult.
func RunHTTP(ctx context.Context, client *http.Client, upstream, path, method string, headers map[string]string, body []byte, sink SSESink, logger *slog.Logger) (*HTTPResult, error) {
	target, err := joinUpstream(upstream, path)
	if err != nil {
		return nil, fmt.Errorf("dispatch: invalid upstream target: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: building upstream request: %w", err)
	}
	for name, value := range headers {
		if isHopByHop(name) {
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") && sink != nil {
		parseSSE(resp.Body, sink, logger)
		return nil, nil
	}

	reader := resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return nil, fmt.Errorf("dispatch: decompressing upstream response: %w", gzErr)
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(io.LimitReader(reader, MaxCapturedOutput))
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading upstream response: %w", err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		if isHopByHop(name) || len(values) == 0 {
			continue
		}
		respHeaders[name] = values[0]
	}

	return &HTTPResult{Status: resp.StatusCode, Headers: respHeaders, Body: data}, nil
}

func joinUpstream(upstream, path string) (string, error) {
	base, err := url.Parse(upstream)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(rel)
	return resolved.String(), nil
}

// UnixSocketTransport returns an http.Transport that dials sockPath for
// every request regardless of the request URL's host, used when a
// tool's upstream is another local service's Unix-domain socket rather
// than a remote address.
func UnixSocketTransport(sockPath string) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", sockPath)
		},
	}
}

// parseSSE reads body as an incremental stream of SSE frames — blocks of
// lines separated by a blank line — and calls sink once per complete
// event with its event-type (defaulting to "message" per the SSE spec
// when no "event:" line was present) and its data lines joined by "\n".
// It returns when body hits EOF or a read error; no terminal message is
// produced here, matching the specification's explicit "SSE streams end
// on upstream EOF or connection loss, not a terminal HttpResponse" rule.
//
// This is a from-scratch incremental parser: it reads line by line via
// bufio.Scanner rather than buffering the whole body, so the first
// complete event is forwarded to sink as soon as its blank-line
// terminator arrives, independent of how much more data is still in
// flight behind it.
func parseSSE(body io.Reader, sink SSESink, logger *slog.Logger) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var eventType string
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 && eventType == "" {
			return
		}
		et := eventType
		if et == "" {
			et = "message"
		}
		sink(et, strings.Join(dataLines, "\n"))
		eventType = ""
		dataLines = dataLines[:0]
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment line, per the SSE spec
		}

		field, value := splitSSEField(line)
		switch field {
		case "event":
			eventType = value
		case "data":
			dataLines = append(dataLines, value)
		case "id", "retry":
			// Not surfaced on protocol.SseEvent; the specification's
			// variant carries only {id (request id), tool, event, data}.
		}
	}
	flush() // a stream that ends without a trailing blank line still counts

	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("sse stream ended with a read error", "error", err)
	}
}

func splitSSEField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}
