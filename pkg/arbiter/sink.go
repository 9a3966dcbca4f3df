package arbiter

import (
	"fmt"
	"io"
	"sync"

	"github.com/itohio/gotasknode/pkg/report"
)

// DefaultMaxLineLength bounds a single line written to the sink.
const DefaultMaxLineLength = 256

// Sink multiplexes lines from all tasks onto one output stream.
// Writes are never interleaved at the byte level; ordering between
// concurrent writers is first come, first served.
type Sink struct {
	mu      sync.Mutex
	w       io.Writer
	maxLine int
}

var _ io.Writer = (*Sink)(nil)

// NewSink wraps w. maxLine <= 0 selects DefaultMaxLineLength.
func NewSink(w io.Writer, maxLine int) *Sink {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &Sink{w: w, maxLine: maxLine}
}

// WriteLine formats l and writes it as one unit.
func (s *Sink) WriteLine(l report.Line) error {
	_, err := s.Write([]byte(l.String()))
	return err
}

// Write writes p as one unit, truncated to the maximum line length.
// A truncated line keeps its trailing newline.
func (s *Sink) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > s.maxLine {
		buf := make([]byte, s.maxLine)
		copy(buf, p[:s.maxLine])
		if p[len(p)-1] == '\n' {
			buf[len(buf)-1] = '\n'
		}
		p = buf
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(p); err != nil {
		return 0, fmt.Errorf("failed to write log line: %w", err)
	}
	// Report the caller's length so truncation is not an io.ErrShortWrite
	return n, nil
}
