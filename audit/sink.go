// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize matches the specification's "bounded queue" language
// without committing to a specific number in §5; 1000 gives the sink
// several seconds of burst absorption at typical request rates without
// letting an unbounded backlog build memory pressure.
const DefaultQueueSize = 1000

// entry is a Record paired with its priority class, used only inside the
// queue to implement allow-vs-deny prioritization on overflow.
type entry struct {
	record   Record
	priority bool // true = deny/error, prioritized over allow on overflow
}

// Sink owns the audit log file and the background goroutine that drains
// records onto it. Submit never blocks dispatch beyond enqueueing into a
// bounded channel; when that channel is full, an allow record is dropped
// in favor of a deny/error record still being able to get through, and
// DroppedCount is incremented either way.
type Sink struct {
	logger *slog.Logger

	file  *os.File
	queue chan entry

	mu         sync.Mutex
	lastDigest string

	dropped      atomic.Int64
	redactPatterns []string

	done      chan struct{}
	closeOnce sync.Once
}

// Open creates (or appends to) the audit log file at path with the given
// mode, matching the specification's default of 0640, and starts the
// background drain goroutine.
func Open(path string, mode os.FileMode, redactPatterns []string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	s := &Sink{
		logger:         logger,
		file:           file,
		queue:          make(chan entry, DefaultQueueSize),
		redactPatterns: redactPatterns,
		done:           make(chan struct{}),
	}
	go s.drain()
	return s, nil
}

// Submit enqueues a record for writing. Ts is stamped here if unset.
// allow/deny classification for overflow prioritization is derived from
// rec.PolicyResult.
func (s *Sink) Submit(rec Record) {
	if rec.Ts.IsZero() {
		rec.Ts = time.Now()
	}
	for i := range rec.FilterActions {
		rec.FilterActions[i].Path = redact(rec.FilterActions[i].Path, s.redactPatterns)
	}
	rec.ArgvOrMethod = redact(rec.ArgvOrMethod, s.redactPatterns)

	e := entry{record: rec, priority: rec.PolicyResult == ResultDeny}
	select {
	case s.queue <- e:
		return
	default:
	}

	if !e.priority {
		s.dropped.Add(1)
		s.logger.Warn("audit queue full, dropping allow record", "request_id", rec.RequestID, "tool", rec.Tool)
		return
	}

	// Priority record: try to make room by discarding one queued allow
	// record, falling back to dropping this one if the queue is
	// entirely composed of priority records (a sustained deny storm).
	select {
	case dropped := <-s.queue:
		if dropped.priority {
			// Put it back — we only wanted to make room for a
			// lower-priority record to be evicted, not to discard
			// another priority record.
			select {
			case s.queue <- dropped:
			default:
			}
			s.dropped.Add(1)
			s.logger.Warn("audit queue full of priority records, dropping record", "request_id", rec.RequestID)
			return
		}
		s.dropped.Add(1)
	default:
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
}

// DroppedCount returns the number of records dropped due to queue
// overflow.
func (s *Sink) DroppedCount() int64 {
	return s.dropped.Load()
}

func (s *Sink) drain() {
	defer close(s.done)
	encoder := json.NewEncoder(s.file)
	for e := range s.queue {
		s.mu.Lock()
		canonical, err := json.Marshal(e.record)
		if err == nil {
			e.record.PrevDigest = s.lastDigest
			e.record.Digest = digest(s.lastDigest, canonical)
			s.lastDigest = e.record.Digest
		}
		s.mu.Unlock()

		if err := encoder.Encode(e.record); err != nil {
			s.logger.Error("audit: write record failed", "error", err)
		}
	}
}

// Close stops accepting new records, drains the remaining queue, and
// closes the file. Calls after the first do nothing and return nil.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
		err = s.file.Close()
	})
	return err
}
