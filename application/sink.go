package application

import (
	"fmt"
	"io"
	"sync"

	"github.com/felixgeelhaar/bolt/v3"

	"github.com/felixgeelhaar/planloop/infrastructure/logging"
)

// Sink receives progress lines from a run.
// Lines are informational and never influence transitions.
type Sink interface {
	Log(line string)
}

// NopSink discards every line. It is the default and disables the
// mirroring of lines into State.Logs.
type NopSink struct{}

// Log implements Sink.
func (NopSink) Log(string) {}

// SinkFunc adapts a function to Sink.
type SinkFunc func(line string)

// Log implements Sink.
func (f SinkFunc) Log(line string) {
	f(line)
}

// WriterSink writes one line per call to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Log implements Sink.
func (s *WriterSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(s.w, line)
}

// BoltSink forwards progress lines to a bolt logger at info level.
type BoltSink struct {
	logger *bolt.Logger
}

// NewBoltSink creates a sink on the given logger.
// A nil logger uses a console logger on w at info level.
func NewBoltSink(logger *bolt.Logger, w io.Writer) *BoltSink {
	if logger == nil {
		logger = logging.New(logging.Config{Level: "info", Format: "console", Output: w})
	}
	return &BoltSink{logger: logger}
}

// Log implements Sink.
func (s *BoltSink) Log(line string) {
	logging.NewEvent(s.logger.Info()).
		Add(logging.Component("planloop")).
		Msg(line)
}

func isNop(s Sink) bool {
	if s == nil {
		return true
	}
	_, ok := s.(NopSink)
	return ok
}
