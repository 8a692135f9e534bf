// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// Package multiplexer correlates inbound framed messages with the request
// that produced them, keyed by request id, over a single shared connection.
//
// This departs from a plain request/response rendezvous: an HttpRequest may
// yield any number of SseEvent messages before its terminal HttpResponse (or
// ErrorMessage), so a waiter cannot be a one-shot handoff. Each registration
// instead gets a bounded channel it can range over until a terminal message
// closes it.
package multiplexer

import (
	"sync"

	"github.com/carapace-project/carapace/protocol"
)

// DefaultChannelBuffer bounds how many undelivered messages (typically
// SseEvents arriving faster than the caller drains them) may queue per
// request id before HandleInbound blocks the reader goroutine.
const DefaultChannelBuffer = 100

// Multiplexer maps request ids to the channel their caller is waiting on.
type Multiplexer struct {
	mu      sync.Mutex
	waiters map[string]chan protocol.Message
	buffer  int
}

// New returns a Multiplexer whose waiter channels are sized to buffer.
// A buffer of 0 or less uses DefaultChannelBuffer.
func New(buffer int) *Multiplexer {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	return &Multiplexer{
		waiters: make(map[string]chan protocol.Message),
		buffer:  buffer,
	}
}

// RegisterWaiter creates and returns the channel that will receive every
// message tagged with id, in arrival order, until a terminal message
// closes the channel. Registering the same id twice replaces the previous
// waiter, which stops receiving further deliveries.
func (m *Multiplexer) RegisterWaiter(id string) <-chan protocol.Message {
	ch := make(chan protocol.Message, m.buffer)
	m.mu.Lock()
	m.waiters[id] = ch
	m.mu.Unlock()
	return ch
}

// Cancel removes and closes the waiter for id without delivering anything,
// used when a caller gives up on a request (e.g. its own context expired)
// before a terminal message arrived.
func (m *Multiplexer) Cancel(id string) {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	if ok {
		delete(m.waiters, id)
	}
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

// HandleInbound demultiplexes msg onto the waiter registered for its
// request id, if any. Non-terminal messages (SseEvent) are delivered
// without closing the channel, so more may follow. A terminal message
// (CliResponse, HttpResponse, or a terminal ErrorMessage) is delivered and
// then the channel is closed and removed. A message with no id, or an id
// with no registered waiter (already delivered, canceled, or never
// requested by this connection), is dropped silently — an orphaned
// response is not an error, since a caller may have stopped waiting after
// its own timeout fired.
func (m *Multiplexer) HandleInbound(msg protocol.Message) {
	id, ok := msg.RequestID()
	if !ok || id == "" {
		return
	}

	m.mu.Lock()
	ch, present := m.waiters[id]
	if present && msg.Terminal() {
		delete(m.waiters, id)
	}
	m.mu.Unlock()

	if !present {
		return
	}

	ch <- msg
	if msg.Terminal() {
		close(ch)
	}
}

// PendingCount returns the number of request ids currently awaiting a
// terminal message.
func (m *Multiplexer) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// CleanupOnDisconnect notifies every pending waiter with a
// transport_closed error and clears the table. Called when the underlying
// connection to the Server drops so in-flight callers do not hang forever
// waiting for a response that will never arrive over a dead connection.
func (m *Multiplexer) CleanupOnDisconnect() {
	m.mu.Lock()
	waiters := m.waiters
	m.waiters = make(map[string]chan protocol.Message)
	m.mu.Unlock()

	for id, ch := range waiters {
		notice := protocol.Message{
			Error: &protocol.ErrorMessage{
				ID:     id,
				Kind:   protocol.KindTransportClosed,
				Detail: "connection to server closed before a response was received",
			},
		}
		ch <- notice
		close(ch)
	}
}
