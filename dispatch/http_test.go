// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunHTTPBuffersNonSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	result, err := RunHTTP(context.Background(), HTTPClient(), srv.URL, "/anything", "GET", nil, nil, nil, discardLogger())
	if err != nil {
		t.Fatalf("RunHTTP: %v", err)
	}
	if result == nil || string(result.Body) != `{"ok":true}` {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Status != 200 {
		t.Fatalf("Status = %d, want 200", result.Status)
	}
}

func TestRunHTTPStripsHopByHopHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			t.Errorf("hop-by-hop Connection header reached upstream: %q", r.Header.Get("Connection"))
		}
		if r.Header.Get("X-Custom") != "keep-me" {
			t.Errorf("ordinary header was stripped: %q", r.Header.Get("X-Custom"))
		}
		w.WriteHeader(204)
	}))
	defer srv.Close()

	headers := map[string]string{"Connection": "close", "X-Custom": "keep-me"}
	_, err := RunHTTP(context.Background(), HTTPClient(), srv.URL, "/x", "GET", headers, nil, nil, discardLogger())
	if err != nil {
		t.Fatalf("RunHTTP: %v", err)
	}
}

func TestRunHTTPStreamsSSEEventsIncrementally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		flusher := w.(http.Flusher)
		w.Write([]byte("event: message\ndata: first\n\n"))
		flusher.Flush()
		w.Write([]byte("data: line one\ndata: line two\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	var events []struct{ event, data string }
	sink := func(event, data string) {
		events = append(events, struct{ event, data string }{event, data})
	}

	result, err := RunHTTP(context.Background(), HTTPClient(), srv.URL, "/stream/events", "GET", nil, nil, sink, discardLogger())
	if err != nil {
		t.Fatalf("RunHTTP: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil HTTPResult for an SSE stream, got %+v", result)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].event != "message" || events[0].data != "first" {
		t.Fatalf("event 0 = %+v", events[0])
	}
	if events[1].event != "message" || events[1].data != "line one\nline two" {
		t.Fatalf("event 1 = %+v, want joined data lines with default event type", events[1])
	}
}

func TestIsSSEPathMatchesConfiguredSuffix(t *testing.T) {
	if !IsSSEPath("/v1/chat/events", "") {
		t.Fatal("expected default /events suffix to match")
	}
	if !IsSSEPath("/v1/chat/events?foo=bar", "") {
		t.Fatal("expected query string to be ignored when matching the suffix")
	}
	if IsSSEPath("/v1/chat/completions", "") {
		t.Fatal("expected /completions to not match the default SSE suffix")
	}
	if !IsSSEPath("/v1/stream", "/stream") {
		t.Fatal("expected a configured custom suffix to match")
	}
}

func TestSplitSSEFieldTrimsLeadingSpace(t *testing.T) {
	field, value := splitSSEField("data: hello")
	if field != "data" || value != "hello" {
		t.Fatalf("got field=%q value=%q", field, value)
	}
	field, value = splitSSEField("event:ping")
	if field != "event" || value != "ping" {
		t.Fatalf("got field=%q value=%q, want no-space colon handled too", field, value)
	}
}
