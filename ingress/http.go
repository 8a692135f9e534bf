// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/carapace-project/carapace/multiplexer"
	"github.com/carapace-project/carapace/protocol"
)

// HTTPListener is the Agent's local HTTP entry point: a tool is addressed
// as /<tool>/<path>, converted to an HttpRequest, and forwarded exactly
// like the CLI path. SSE responses are rendered to the client as they
// arrive rather than buffered.
type HTTPListener struct {
	mux     *multiplexer.Multiplexer
	forward Forwarder
	logger  *slog.Logger
}

// NewHTTPListener constructs the handler; callers mount it on an
// *http.Server themselves (see carapaceagent) so socket vs. TCP binding
// stays a deployment decision, not baked into this package.
func NewHTTPListener(mux *multiplexer.Multiplexer, forward Forwarder, logger *slog.Logger) *HTTPListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPListener{mux: mux, forward: forward, logger: logger}
}

// Mux builds the http.ServeMux the Agent's local HTTP listener serves:
// /health plus a catch-all tool-dispatch route.
func (h *HTTPListener) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("/", h.handleTool)
	return mux
}

func (h *HTTPListener) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleTool parses /<tool>/<rest> from the request path, builds an
// HttpRequest, and streams back whatever the multiplexer delivers: a
// single HttpResponse is rendered as a normal HTTP response; a sequence
// of SseEvents is rendered as a live text/event-stream body, one
// "event: T\ndata: D\n\n" block flushed per delivery.
func (h *HTTPListener) handleTool(w http.ResponseWriter, r *http.Request) {
	tool, path := splitToolPath(r.URL.Path)
	if tool == "" {
		http.Error(w, "missing tool segment in path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	id := uuid.NewString()
	req := &protocol.HttpRequest{
		ID:      id,
		Tool:    tool,
		Method:  r.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}

	waiter := h.mux.RegisterWaiter(id)
	if err := h.forward(protocol.Message{HttpRequest: req}); err != nil {
		h.mux.Cancel(id)
		http.Error(w, "agent not connected to server: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	h.relay(w, waiter)
}

// relay drains waiter onto w. The first message determines whether this
// is a buffered response or an SSE stream; once SSE framing has begun,
// every subsequent SseEvent is flushed immediately.
func (h *HTTPListener) relay(w http.ResponseWriter, waiter <-chan protocol.Message) {
	sseStarted := false

	for msg := range waiter {
		switch {
		case msg.HttpResponse != nil:
			resp := msg.HttpResponse
			for name, value := range resp.Headers {
				w.Header().Set(name, value)
			}
			w.WriteHeader(resp.Status)
			w.Write(resp.Body)
			return

		case msg.SseEvent != nil:
			if !sseStarted {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Connection", "keep-alive")
				w.WriteHeader(http.StatusOK)
				sseStarted = true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.SseEvent.Event, msg.SseEvent.Data)
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}

		case msg.Error != nil:
			if sseStarted {
				// An SSE stream has no terminal HttpResponse; an error
				// mid-stream just ends it — the client has already
				// received a 200 and any prior events.
				return
			}
			status := http.StatusForbidden
			if msg.Error.Kind == protocol.KindTransportClosed || msg.Error.Kind == protocol.KindTimeout {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, msg.Error.Detail, status)
			return
		}
	}
}

func splitToolPath(urlPath string) (tool, rest string) {
	if len(urlPath) == 0 || urlPath[0] != '/' {
		return "", urlPath
	}
	trimmed := urlPath[1:]
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i], trimmed[i:]
		}
	}
	return trimmed, "/"
}
