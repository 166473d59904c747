package engine

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"syscall"
)

// StreamKind identifies which of a stage's output streams a line came from.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
)

// LineSink receives one output line at a time, in production order, without
// the trailing newline. A sink that returns ErrDownstreamClosed (wrapped or
// not) ends the proxy as a normal end-of-stream; any other error fails the
// proxy.
type LineSink interface {
	WriteLine(line []byte) error
}

// LogSink is the logging collaborator that observes every line a pipeline
// emits, tagged with its origin.
type LogSink interface {
	WriteLine(stage string, stream StreamKind, line []byte) error
}

// logLineSink adapts a LogSink to a per-stage, per-stream LineSink.
type logLineSink struct {
	logs   LogSink
	stage  string
	stream StreamKind
}

func (s *logLineSink) WriteLine(line []byte) error {
	return s.logs.WriteLine(s.stage, s.stream, line)
}

// stdinSink forwards lines into a downstream process's stdin. A write
// failure means the downstream is gone; its own exit code will tell that
// story, so the failure is reported as ErrDownstreamClosed rather than as
// a proxy error.
type stdinSink struct {
	w io.Writer
}

func (s *stdinSink) WriteLine(line []byte) error {
	if _, err := s.w.Write(line); err != nil {
		return downstreamErr(err)
	}
	if _, err := s.w.Write([]byte{'\n'}); err != nil {
		return downstreamErr(err)
	}
	return nil
}

func downstreamErr(err error) error {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, fs.ErrClosed) || errors.Is(err, syscall.ECONNRESET) {
		return ErrDownstreamClosed
	}
	return err
}

// captureOutput reads r line-by-line until end-of-file, forwarding each
// line to every sink in order, and completes the task with the outcome.
// A line longer than limit completes the task with an OutputLimitError.
func captureOutput(t *Task, r io.Reader, stage string, limit int, sinks []LineSink) {
	scanner := bufio.NewScanner(r)
	// The initial buffer must not exceed limit: bufio reports ErrTooLong
	// only once the buffer is full, so a larger buffer would raise the
	// effective limit to its size.
	scanner.Buffer(make([]byte, 0, min(64*1024, limit)), limit)

	for scanner.Scan() {
		line := scanner.Bytes()
		for _, sink := range sinks {
			if err := sink.WriteLine(line); err != nil {
				if errors.Is(err, ErrDownstreamClosed) {
					// The destination stream is closed; stop capturing.
					t.complete(nil)
					return
				}
				t.complete(err)
				return
			}
		}
	}

	err := scanner.Err()
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrTooLong):
		err = &OutputLimitError{Stage: stage, Limit: limit}
	case errors.Is(err, fs.ErrClosed):
		// Read end closed under us by a forced stop; treat as EOF.
		err = nil
	}
	t.complete(err)
}
