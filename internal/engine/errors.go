package engine

import (
	"errors"
	"fmt"
)

// Role names a stage's conventional position in the chain, used when
// attributing exit codes in a terminal error.
type Role string

const (
	RoleExtractor Role = "extractor"
	RoleLoader    Role = "loader"
)

// FailureKind classifies a terminal run error for callers that persist or
// display verdicts without inspecting concrete error types.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTopology  FailureKind = "topology"
	FailureStartup   FailureKind = "startup"
	FailureOutput    FailureKind = "output_limit"
	FailureSequence  FailureKind = "unexpected_sequence"
	FailureExtractor FailureKind = "extractor_failed"
	FailureLoader    FailureKind = "loader_failed"
	FailureCombined  FailureKind = "combined_failed"
	FailureInternal  FailureKind = "internal"
)

var (
	// ErrNotStarted is returned by stage operations that require a live
	// process handle.
	ErrNotStarted = errors.New("process not running, no IO to proxy")

	// ErrSinkAfterProxy is returned when a sink is registered after the
	// corresponding stream proxy has begun.
	ErrSinkAfterProxy = errors.New("IO capture already in flight")

	// ErrGracefulUnsupported is returned by Stage.Stop when a graceful
	// (non-forceful) stop is requested. Graceful shutdown is a recognized
	// request that is not implemented; it must fail rather than silently
	// degrade to a kill.
	ErrGracefulUnsupported = errors.New("graceful stop not supported")

	// ErrDownstreamClosed signals that a sink's destination has gone away.
	// The proxy treats it as end-of-stream: the downstream's own exit code
	// will surface the failure, so the proxy must not.
	ErrDownstreamClosed = errors.New("downstream closed")
)

// TopologyError reports a pipeline whose shape violates a chain invariant.
// It is detected before any process starts and is never retried.
type TopologyError struct {
	Reason string
}

func (e *TopologyError) Error() string {
	return "invalid pipeline: " + e.Reason
}

// StartupError reports a stage whose process could not be spawned.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("cannot start %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// OutputLimitError reports a single output line exceeding the configured
// length limit. When raised from the pipeline head's stdout proxy the
// manager attributes the limit and the buffer size it derives from.
type OutputLimitError struct {
	Stage      string
	Limit      int
	BufferSize int
}

func (e *OutputLimitError) Error() string {
	if e.BufferSize > 0 {
		return fmt.Sprintf(
			"output line length limit exceeded: %s wrote a line longer than %d bytes (buffer size %d)",
			e.Stage, e.Limit, e.BufferSize,
		)
	}
	return fmt.Sprintf("output line length limit exceeded: %s wrote a line longer than %d bytes", e.Stage, e.Limit)
}

// UnexpectedSequenceError reports an intermediate stage completing out of
// the expected order, which is treated as an anomaly rather than a normal
// exit-code failure.
type UnexpectedSequenceError struct {
	Stage string
}

func (e *UnexpectedSequenceError) Error() string {
	return fmt.Sprintf("unexpected completion sequence: intermediate stage %s (likely a mapper) finished early", e.Stage)
}

// ExitError is the orderly failure path: one or both ends of the pipeline
// exited nonzero. Codes maps the role to its recorded exit status.
type ExitError struct {
	Codes map[Role]int
}

func (e *ExitError) Error() string {
	p, hasP := e.Codes[RoleExtractor]
	c, hasC := e.Codes[RoleLoader]
	switch {
	case hasP && hasC:
		return fmt.Sprintf("extractor failed with code %d and loader failed with code %d", p, c)
	case hasP:
		return fmt.Sprintf("extractor failed with code %d", p)
	case hasC:
		return fmt.Sprintf("loader failed with code %d", c)
	}
	return "pipeline failed"
}

// Classify maps a terminal run error to its failure kind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var (
		topo  *TopologyError
		boot  *StartupError
		limit *OutputLimitError
		seq   *UnexpectedSequenceError
		exit  *ExitError
	)
	switch {
	case errors.As(err, &topo):
		return FailureTopology
	case errors.As(err, &boot):
		return FailureStartup
	case errors.As(err, &limit):
		return FailureOutput
	case errors.As(err, &seq):
		return FailureSequence
	case errors.As(err, &exit):
		_, hasP := exit.Codes[RoleExtractor]
		_, hasC := exit.Codes[RoleLoader]
		switch {
		case hasP && hasC:
			return FailureCombined
		case hasP:
			return FailureExtractor
		default:
			return FailureLoader
		}
	}
	return FailureInternal
}
