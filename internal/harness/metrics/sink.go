package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// Record is the externally visible form of one request outcome.
//
// Every request produces exactly one Record, whatever its result.
type Record struct {
	RunID     string          `json:"runId"`
	Scenario  string          `json:"scenario"`
	Target    string          `json:"target"`
	URL       string          `json:"url"`
	VU        int             `json:"vu"`
	Iteration int64           `json:"iteration"`
	Status    int             `json:"status"`
	Outcome   string          `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	Latency   time.Duration   `json:"latencyNs"`
	Bytes     int64           `json:"bytes"`
	Checks    map[string]bool `json:"checks,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink receives per-request records. Implementations must be safe for
// concurrent use since every VU emits from its own goroutine.
type Sink interface {
	Emit(rec *Record)
	Close() error
}

// NopSink discards all records.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(*Record) {}

// Close implements Sink.
func (NopSink) Close() error { return nil }

// MultiSink fans records out to several sinks.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(rec *Record) {
	for _, s := range m {
		s.Emit(rec)
	}
}

// Close closes every sink and joins their errors.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONLinesSink writes one JSON object per record.
type JSONLinesSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
	err    error
}

// NewJSONLinesSink creates a sink writing to w. If w is an io.Closer it is
// closed by Close.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	bw := bufio.NewWriterSize(w, 64*1024)
	s := &JSONLinesSink{
		w:   bw,
		enc: json.NewEncoder(bw),
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Emit implements Sink. The first write error is kept and returned by Close.
func (s *JSONLinesSink) Emit(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return
	}
	s.err = s.enc.Encode(rec)
}

// Close flushes buffered records.
func (s *JSONLinesSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil && s.err == nil {
		s.err = err
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil && s.err == nil {
			s.err = err
		}
		s.closer = nil
	}
	return s.err
}
