// Package logging turns pipeline output into structured log records.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ductile-io/ductile/internal/engine"
)

// OutputLogger is the logging collaborator a pipeline is linked against:
// every (stage, stream, line) event becomes a slog record, and is teed
// into a per-run log file when one is configured. Stream proxies call it
// concurrently, so file writes are serialized.
type OutputLogger struct {
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

var _ engine.LogSink = (*OutputLogger)(nil)

// NewOutputLogger creates an output logger. If path is non-empty the run
// log file is created there, parent directories included.
func NewOutputLogger(logger *slog.Logger, path string) (*OutputLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &OutputLogger{logger: logger}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		o.file = f
	}
	return o, nil
}

// WriteLine records one line of stage output.
func (o *OutputLogger) WriteLine(stage string, stream engine.StreamKind, line []byte) error {
	o.logger.Info(string(line),
		slog.String("stage", stage),
		slog.String("stdio", string(stream)),
	)
	if o.file == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := fmt.Fprintf(o.file, "%s %s %s\n", stage, stream, line)
	return err
}

// Close closes the run log file, if any.
func (o *OutputLogger) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

// ParseLevel maps a settings string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
