package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// State tracks a stage's one-directional lifecycle. A stage cannot restart.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateExited
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Descriptor is an already-resolved executable: the collaborator that owns
// plugin resolution hands these to the engine.
type Descriptor struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE entries appended to the parent environment
	Dir     string
}

// Hooks are the collaborator-owned setup/teardown boundaries invoked at
// Prepare and Post. Either may be nil.
type Hooks struct {
	Prepare func(ctx context.Context) error
	Cleanup func() error
}

// StageConfig assembles a Stage.
type StageConfig struct {
	ID         string
	Descriptor Descriptor
	Producer   bool
	Consumer   bool
	Hooks      Hooks
}

// Stage wraps one externally spawned process with capability flags and
// lifecycle operations. It owns the process handle, the ends of its stdio
// pipes, and at most one in-flight proxy task per stream plus one exit
// wait.
type Stage struct {
	id       string
	producer bool
	consumer bool
	desc     Descriptor
	hooks    Hooks

	limit  int
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser // write end of the child's stdin, consumers only
	stdout *os.File       // read end of the child's stdout
	stderr *os.File       // read end of the child's stderr

	stdoutSinks []LineSink
	stderrSinks []LineSink

	stdoutProxy *Task
	stderrProxy *Task
	exitFut     *ExitFuture

	notify   func()
	postOnce sync.Once
	stopped  bool
}

// NewStage creates a stage. No process exists until Start.
func NewStage(cfg StageConfig) *Stage {
	return &Stage{
		id:       cfg.ID,
		producer: cfg.Producer,
		consumer: cfg.Consumer,
		desc:     cfg.Descriptor,
		hooks:    cfg.Hooks,
		limit:    DefaultBufferSize / 2,
		logger:   slog.Default(),
	}
}

// ID returns the stage's stable identifier, used for logging and error
// attribution.
func (s *Stage) ID() string { return s.id }

// Producer reports whether the stage emits stdout meant for consumption
// downstream.
func (s *Stage) Producer() bool { return s.producer }

// Consumer reports whether the stage requires stdin from upstream.
func (s *Stage) Consumer() bool { return s.consumer }

// State returns the stage's current lifecycle state.
func (s *Stage) State() State {
	switch {
	case s.stopped:
		return StateStopped
	case s.exitFut != nil && s.exitFut.Done():
		return StateExited
	case s.cmd != nil:
		return StateRunning
	}
	return StateNotStarted
}

// BindContext injects the per-run configuration. Must be called before
// Start.
func (s *Stage) BindContext(rc *RunContext) {
	s.limit = rc.LineLimit()
	s.logger = rc.logger()
}

// setNotify installs the manager's wakeup callback, delivered whenever one
// of this stage's futures completes. Must be called before any proxy or
// exit future is created.
func (s *Stage) setNotify(fn func()) { s.notify = fn }

// Prepare runs the collaborator's setup hook. Must complete before Start.
func (s *Stage) Prepare(ctx context.Context) error {
	if s.cmd != nil {
		return fmt.Errorf("stage %s: prepare after start", s.id)
	}
	if s.hooks.Prepare == nil {
		return nil
	}
	return s.hooks.Prepare(ctx)
}

// Start spawns the process with stdout and stderr captured as pipes whose
// read ends outlive the process, so buffered output can be drained after
// exit. Failure to spawn is a StartupError and is fatal.
func (s *Stage) Start() error {
	if s.cmd != nil {
		return fmt.Errorf("stage %s: already started", s.id)
	}

	cmd := exec.Command(s.desc.Command, s.desc.Args...)
	cmd.Dir = s.desc.Dir
	cmd.Env = append(os.Environ(), s.desc.Env...)

	outR, outW, err := os.Pipe()
	if err != nil {
		return &StartupError{Stage: s.id, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return &StartupError{Stage: s.id, Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	var inR *os.File
	if s.consumer {
		r, w, err := os.Pipe()
		if err != nil {
			outR.Close()
			outW.Close()
			errR.Close()
			errW.Close()
			return &StartupError{Stage: s.id, Err: err}
		}
		inR, s.stdin = r, w
		cmd.Stdin = inR
	}

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		if inR != nil {
			inR.Close()
			s.stdin.Close()
			s.stdin = nil
		}
		return &StartupError{Stage: s.id, Err: err}
	}

	// The child owns its copies of the pipe ends now; drop ours so EOF
	// propagates when the child exits.
	outW.Close()
	errW.Close()
	if inR != nil {
		inR.Close()
	}

	s.cmd = cmd
	s.stdout = outR
	s.stderr = errR

	s.logger.Debug("stage started",
		slog.String("stage", s.id),
		slog.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// Stdin returns the writable end of the process's input stream. Closing it
// is how upstream signals end-of-input. Valid only after Start, and only
// for consumers.
func (s *Stage) Stdin() (io.WriteCloser, error) {
	if s.cmd == nil {
		return nil, fmt.Errorf("stage %s: %w", s.id, ErrNotStarted)
	}
	if s.stdin == nil {
		return nil, fmt.Errorf("stage %s is not a consumer", s.id)
	}
	return s.stdin, nil
}

// CloseStdin closes the process's stdin so it observes end-of-input. Safe
// to call on non-consumers and safe to call twice.
func (s *Stage) CloseStdin() error {
	if s.stdin == nil {
		return nil
	}
	if err := s.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// RegisterStdoutSink appends a destination for the stage's stdout lines.
// Sinks cannot be added once the proxy is in flight.
func (s *Stage) RegisterStdoutSink(sink LineSink) error {
	if s.stdoutProxy != nil {
		return fmt.Errorf("stage %s stdout: %w", s.id, ErrSinkAfterProxy)
	}
	s.stdoutSinks = append(s.stdoutSinks, sink)
	return nil
}

// RegisterStderrSink appends a destination for the stage's stderr lines.
func (s *Stage) RegisterStderrSink(sink LineSink) error {
	if s.stderrProxy != nil {
		return fmt.Errorf("stage %s stderr: %w", s.id, ErrSinkAfterProxy)
	}
	s.stderrSinks = append(s.stderrSinks, sink)
	return nil
}

// ProxyStdout lazily starts, and memoizes, the task forwarding stdout to
// the registered sinks. Repeated calls return the same task.
func (s *Stage) ProxyStdout() (*Task, error) {
	if s.cmd == nil {
		return nil, fmt.Errorf("stage %s: %w", s.id, ErrNotStarted)
	}
	if s.stdoutProxy == nil {
		s.stdoutProxy = newTask(s.notify)
		go captureOutput(s.stdoutProxy, s.stdout, s.id, s.limit, s.stdoutSinks)
	}
	return s.stdoutProxy, nil
}

// ProxyStderr lazily starts, and memoizes, the task forwarding stderr to
// the registered sinks.
func (s *Stage) ProxyStderr() (*Task, error) {
	if s.cmd == nil {
		return nil, fmt.Errorf("stage %s: %w", s.id, ErrNotStarted)
	}
	if s.stderrProxy == nil {
		s.stderrProxy = newTask(s.notify)
		go captureOutput(s.stderrProxy, s.stderr, s.id, s.limit, s.stderrSinks)
	}
	return s.stderrProxy, nil
}

// WaitExit lazily spawns, and memoizes, the wait on the process's exit
// status.
func (s *Stage) WaitExit() (*ExitFuture, error) {
	if s.cmd == nil {
		return nil, fmt.Errorf("stage %s: %w", s.id, ErrNotStarted)
	}
	if s.exitFut == nil {
		s.exitFut = newExitFuture(s.notify)
		go func(cmd *exec.Cmd, fut *ExitFuture) {
			err := cmd.Wait()
			if err == nil {
				fut.complete(0, nil)
				return
			}
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				fut.complete(ee.ExitCode(), nil)
				return
			}
			fut.complete(0, err)
		}(s.cmd, s.exitFut)
	}
	return s.exitFut, nil
}

// Stop terminates the process. Only a forced stop (kill) is implemented;
// requesting a graceful stop fails with ErrGracefulUnsupported. Stop
// awaits the exit, cancels in-flight proxies, and runs teardown.
func (s *Stage) Stop(ctx context.Context, force bool) error {
	if !force {
		return fmt.Errorf("stage %s: %w", s.id, ErrGracefulUnsupported)
	}
	if s.cmd == nil {
		s.stopped = true
		return s.Post()
	}

	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("kill failed",
			slog.String("stage", s.id),
			slog.String("error", err.Error()),
		)
	}

	fut, err := s.WaitExit()
	if err != nil {
		return err
	}
	if _, err := fut.Wait(ctx); err != nil {
		return err
	}

	s.cancelProxies()
	s.stopped = true
	return s.Post()
}

// cancelProxies closes the read ends of the stage's output pipes, which
// unblocks the proxy goroutines; they observe the close as end-of-stream.
func (s *Stage) cancelProxies() {
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.stderr != nil {
		s.stderr.Close()
	}
}

// Post releases the stage's resources and runs the collaborator's cleanup
// hook. It is idempotent and runs on every path: success, failure, or
// forced stop.
func (s *Stage) Post() error {
	var err error
	s.postOnce.Do(func() {
		if s.stdin != nil {
			s.stdin.Close()
		}
		if s.stdout != nil {
			s.stdout.Close()
		}
		if s.stderr != nil {
			s.stderr.Close()
		}
		if s.hooks.Cleanup != nil {
			err = s.hooks.Cleanup()
		}
	})
	return err
}
