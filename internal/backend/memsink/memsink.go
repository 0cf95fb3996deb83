// Package memsink is an in-memory capture backend used by tests.
package memsink

import (
	"sync"
	"time"

	"github.com/calltrace/cadence/internal/cdr"
)

// Sink buffers every record it receives.
type Sink struct {
	mu   sync.Mutex
	recs []cdr.Record
}

// New builds an empty capture sink.
func New() *Sink {
	return &Sink{}
}

// Write stores a copy of the record; the original is owned by the
// dispatcher and must not be retained.
func (s *Sink) Write(rec *cdr.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, *rec)
	return nil
}

// Records returns a copy of everything captured so far.
func (s *Sink) Records() []cdr.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cdr.Record, len(s.recs))
	copy(out, s.recs)
	return out
}

// Len reports the number of captured records.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// Reset discards everything captured.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = nil
}

// WaitFor polls until at least n records arrive or the timeout expires,
// returning whatever has been captured.
func (s *Sink) WaitFor(n int, timeout time.Duration) []cdr.Record {
	deadline := time.Now().Add(timeout)
	for {
		if s.Len() >= n || time.Now().After(deadline) {
			return s.Records()
		}
		time.Sleep(time.Millisecond)
	}
}
