package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shStage builds a stage around an inline shell script.
func shStage(id, script string, producer, consumer bool) *Stage {
	s := NewStage(StageConfig{
		ID:         id,
		Descriptor: Descriptor{Command: "sh", Args: []string{"-c", script}},
		Producer:   producer,
		Consumer:   consumer,
	})
	s.logger = quietLogger()
	return s
}

// collectSink accumulates forwarded lines for assertions.
type collectSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *collectSink) WriteLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, string(line))
	return nil
}

func (s *collectSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestStageOperationsBeforeStart(t *testing.T) {
	s := shStage("tap", "true", true, false)

	if _, err := s.Stdin(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stdin() error = %v, want ErrNotStarted", err)
	}
	if _, err := s.ProxyStdout(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("ProxyStdout() error = %v, want ErrNotStarted", err)
	}
	if _, err := s.ProxyStderr(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("ProxyStderr() error = %v, want ErrNotStarted", err)
	}
	if _, err := s.WaitExit(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("WaitExit() error = %v, want ErrNotStarted", err)
	}
	if got := s.State(); got != StateNotStarted {
		t.Errorf("State() = %v, want %v", got, StateNotStarted)
	}
}

func TestStageStartFailure(t *testing.T) {
	s := NewStage(StageConfig{
		ID:         "tap",
		Descriptor: Descriptor{Command: "/definitely/not/a/real/binary"},
		Producer:   true,
	})
	s.logger = quietLogger()

	err := s.Start()
	var startErr *StartupError
	if !errors.As(err, &startErr) {
		t.Fatalf("Start() error = %v, want StartupError", err)
	}
	if startErr.Stage != "tap" {
		t.Errorf("StartupError.Stage = %q, want %q", startErr.Stage, "tap")
	}
	if got := s.State(); got != StateNotStarted {
		t.Errorf("State() after failed start = %v, want %v", got, StateNotStarted)
	}
}

func TestStageCapturesOutput(t *testing.T) {
	ctx := testCtx(t)
	s := shStage("tap", `printf 'a\nb\nc\n'`, true, false)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Post()

	if got := s.State(); got != StateRunning {
		t.Errorf("State() = %v, want %v", got, StateRunning)
	}

	sink := &collectSink{}
	if err := s.RegisterStdoutSink(sink); err != nil {
		t.Fatalf("RegisterStdoutSink() error = %v", err)
	}

	task, err := s.ProxyStdout()
	if err != nil {
		t.Fatalf("ProxyStdout() error = %v", err)
	}
	again, err := s.ProxyStdout()
	if err != nil {
		t.Fatalf("ProxyStdout() second call error = %v", err)
	}
	if task != again {
		t.Error("ProxyStdout() is not memoized: got a new task on the second call")
	}

	if err := task.Wait(ctx); err != nil {
		t.Fatalf("proxy Wait() error = %v", err)
	}

	fut, err := s.WaitExit()
	if err != nil {
		t.Fatalf("WaitExit() error = %v", err)
	}
	code, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("exit Wait() error = %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	want := []string{"a", "b", "c"}
	if got := sink.all(); !reflect.DeepEqual(got, want) {
		t.Errorf("captured lines = %v, want %v", got, want)
	}
	if got := s.State(); got != StateExited {
		t.Errorf("State() = %v, want %v", got, StateExited)
	}
}

func TestStageExitCode(t *testing.T) {
	ctx := testCtx(t)
	s := shStage("tap", "exit 3", true, false)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Post()

	fut, err := s.WaitExit()
	if err != nil {
		t.Fatalf("WaitExit() error = %v", err)
	}
	code, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("exit Wait() error = %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestStageStdinRoundTrip(t *testing.T) {
	ctx := testCtx(t)
	s := shStage("map", "cat", true, true)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Post()

	sink := &collectSink{}
	if err := s.RegisterStdoutSink(sink); err != nil {
		t.Fatalf("RegisterStdoutSink() error = %v", err)
	}
	task, err := s.ProxyStdout()
	if err != nil {
		t.Fatalf("ProxyStdout() error = %v", err)
	}

	stdin, err := s.Stdin()
	if err != nil {
		t.Fatalf("Stdin() error = %v", err)
	}
	if _, err := stdin.Write([]byte("ping\n")); err != nil {
		t.Fatalf("stdin write error = %v", err)
	}
	if err := s.CloseStdin(); err != nil {
		t.Fatalf("CloseStdin() error = %v", err)
	}
	if err := s.CloseStdin(); err != nil {
		t.Errorf("second CloseStdin() error = %v, want nil", err)
	}

	if err := task.Wait(ctx); err != nil {
		t.Fatalf("proxy Wait() error = %v", err)
	}
	want := []string{"ping"}
	if got := sink.all(); !reflect.DeepEqual(got, want) {
		t.Errorf("captured lines = %v, want %v", got, want)
	}
}

func TestStageStdinNonConsumer(t *testing.T) {
	s := shStage("tap", "true", true, false)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Post()

	if _, err := s.Stdin(); err == nil {
		t.Error("Stdin() on a non-consumer succeeded, want error")
	}
	if err := s.CloseStdin(); err != nil {
		t.Errorf("CloseStdin() on a non-consumer error = %v, want nil", err)
	}
}

func TestStageSinkAfterProxy(t *testing.T) {
	s := shStage("tap", "true", true, false)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Post()

	if _, err := s.ProxyStdout(); err != nil {
		t.Fatalf("ProxyStdout() error = %v", err)
	}
	if err := s.RegisterStdoutSink(&collectSink{}); !errors.Is(err, ErrSinkAfterProxy) {
		t.Errorf("RegisterStdoutSink() error = %v, want ErrSinkAfterProxy", err)
	}
}

func TestStageGracefulStopUnsupported(t *testing.T) {
	ctx := testCtx(t)
	s := shStage("tap", "sleep 60", true, false)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(ctx, true)

	if err := s.Stop(ctx, false); !errors.Is(err, ErrGracefulUnsupported) {
		t.Errorf("Stop(force=false) error = %v, want ErrGracefulUnsupported", err)
	}
	if got := s.State(); got != StateRunning {
		t.Errorf("State() after refused stop = %v, want %v", got, StateRunning)
	}
}

func TestStageForcedStop(t *testing.T) {
	ctx := testCtx(t)
	s := shStage("tap", "sleep 60", true, false)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	task, err := s.ProxyStdout()
	if err != nil {
		t.Fatalf("ProxyStdout() error = %v", err)
	}

	if err := s.Stop(ctx, true); err != nil {
		t.Fatalf("Stop(force=true) error = %v", err)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State() = %v, want %v", got, StateStopped)
	}

	// The cancelled proxy must end as a clean end-of-stream.
	if err := task.Wait(ctx); err != nil {
		t.Errorf("proxy Wait() after stop error = %v, want nil", err)
	}

	fut, err := s.WaitExit()
	if err != nil {
		t.Fatalf("WaitExit() error = %v", err)
	}
	code, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("exit Wait() error = %v", err)
	}
	if code != -1 {
		t.Errorf("exit code after kill = %d, want -1", code)
	}
}

func TestStageHooks(t *testing.T) {
	ctx := testCtx(t)
	var prepared, cleaned bool
	s := NewStage(StageConfig{
		ID:         "tap",
		Descriptor: Descriptor{Command: "sh", Args: []string{"-c", "true"}},
		Producer:   true,
		Hooks: Hooks{
			Prepare: func(ctx context.Context) error { prepared = true; return nil },
			Cleanup: func() error { cleaned = true; return nil },
		},
	})
	s.logger = quietLogger()

	if err := s.Prepare(ctx); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !prepared {
		t.Error("prepare hook did not run")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Prepare(ctx); err == nil {
		t.Error("Prepare() after Start succeeded, want error")
	}
	if err := s.Post(); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if !cleaned {
		t.Error("cleanup hook did not run")
	}

	// Post is idempotent; the hook must not run twice.
	cleaned = false
	if err := s.Post(); err != nil {
		t.Fatalf("second Post() error = %v", err)
	}
	if cleaned {
		t.Error("cleanup hook ran twice")
	}
}
