package engine

import "log/slog"

// DefaultBufferSize is the per-stream buffer budget when a run does not
// configure one. The line length limit is half of it.
const DefaultBufferSize = 10 * 1024 * 1024

// RunContext is the read-only bag of per-run configuration built by the
// caller and injected into every stage before it starts.
type RunContext struct {
	RunID      string
	Pipeline   string
	BufferSize int
	Debug      bool
	RunDir     string
	Logger     *slog.Logger
}

// LineLimit is the maximum length of a single output line, derived from
// the configured buffer size.
func (c *RunContext) LineLimit() int {
	size := c.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return size / 2
}

func (c *RunContext) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
