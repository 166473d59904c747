package engine

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// collectLogSink records every log-bound line with its origin.
type collectLogSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *collectLogSink) WriteLine(stage string, stream StreamKind, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, stage+"/"+string(stream)+": "+string(line))
	return nil
}

func (s *collectLogSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func testRunContext() *RunContext {
	return &RunContext{
		RunID:    "test-run",
		Pipeline: "test",
		Logger:   quietLogger(),
	}
}

// fileSink builds a consumer stage that copies its stdin into path.
func fileSink(id, path string) *Stage {
	s := shStage(id, `cat > "$OUT"`, false, true)
	s.desc.Env = []string{"OUT=" + path}
	return s
}

func TestExecuteTwoStageSuccess(t *testing.T) {
	ctx := testCtx(t)
	out := filepath.Join(t.TempDir(), "out")

	tap := shStage("tap", `printf 'a\nb\nc\n'`, true, false)
	target := fileSink("target", out)

	if err := Execute(ctx, NewPipeline(tap, target), testRunContext(), nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got, want := string(data), "a\nb\nc\n"; got != want {
		t.Errorf("delivered bytes = %q, want %q", got, want)
	}
}

func TestExecuteThreeStageRoundTrip(t *testing.T) {
	ctx := testCtx(t)
	out := filepath.Join(t.TempDir(), "out")

	tap := shStage("tap", "seq 1 100", true, false)
	mapper := shStage("map", "cat", true, true)
	target := fileSink("target", out)

	if err := Execute(ctx, NewPipeline(tap, mapper, target), testRunContext(), nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var want strings.Builder
	for i := 1; i <= 100; i++ {
		want.WriteString(strconv.Itoa(i))
		want.WriteByte('\n')
	}
	if got := string(data); got != want.String() {
		t.Errorf("delivered bytes do not match: got %d bytes, want %d", len(got), want.Len())
	}
}

func TestExecuteSingleProducer(t *testing.T) {
	ctx := testCtx(t)
	tap := shStage("tap", "echo standalone", true, false)

	if err := Execute(ctx, NewPipeline(tap), testRunContext(), nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestExecuteExtractorFailure(t *testing.T) {
	ctx := testCtx(t)
	tap := shStage("tap", "exit 3", true, false)
	target := shStage("target", "cat >/dev/null", false, true)

	err := Execute(ctx, NewPipeline(tap, target), testRunContext(), nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Execute() error = %v, want ExitError", err)
	}
	want := map[Role]int{RoleExtractor: 3}
	if !reflect.DeepEqual(exitErr.Codes, want) {
		t.Errorf("Codes = %v, want %v", exitErr.Codes, want)
	}
	if got := Classify(err); got != FailureExtractor {
		t.Errorf("Classify() = %v, want %v", got, FailureExtractor)
	}
}

func TestExecuteLoaderFailure(t *testing.T) {
	ctx := testCtx(t)
	tap := shStage("tap", "echo x", true, false)
	target := shStage("target", "cat >/dev/null; exit 9", false, true)

	err := Execute(ctx, NewPipeline(tap, target), testRunContext(), nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Execute() error = %v, want ExitError", err)
	}
	want := map[Role]int{RoleLoader: 9}
	if !reflect.DeepEqual(exitErr.Codes, want) {
		t.Errorf("Codes = %v, want %v", exitErr.Codes, want)
	}
	if got := Classify(err); got != FailureLoader {
		t.Errorf("Classify() = %v, want %v", got, FailureLoader)
	}
}

func TestExecuteCombinedFailure(t *testing.T) {
	ctx := testCtx(t)
	tap := shStage("tap", "exit 3", true, false)
	target := shStage("target", "sleep 1; cat >/dev/null; exit 9", false, true)

	err := Execute(ctx, NewPipeline(tap, target), testRunContext(), nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Execute() error = %v, want ExitError", err)
	}
	want := map[Role]int{RoleExtractor: 3, RoleLoader: 9}
	if !reflect.DeepEqual(exitErr.Codes, want) {
		t.Errorf("Codes = %v, want %v", exitErr.Codes, want)
	}
	if got := Classify(err); got != FailureCombined {
		t.Errorf("Classify() = %v, want %v", got, FailureCombined)
	}
}

// A consumer that exits before its producer preempts the producer: the
// producer is killed and its code reported as zero, so only the consumer's
// failure surfaces.
func TestExecuteConsumerPreemptsProducer(t *testing.T) {
	ctx := testCtx(t)
	tap := shStage("tap", "while true; do echo x; done", true, false)
	target := shStage("target", "head -n 1 >/dev/null; exit 7", false, true)

	err := Execute(ctx, NewPipeline(tap, target), testRunContext(), nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Execute() error = %v, want ExitError", err)
	}
	if _, ok := exitErr.Codes[RoleExtractor]; ok {
		t.Errorf("Codes = %v, want no extractor entry for a preempted producer", exitErr.Codes)
	}
	if got := exitErr.Codes[RoleLoader]; got != 7 {
		t.Errorf("loader code = %d, want 7", got)
	}
}

// The same preemption with a clean consumer exit is a successful run.
func TestExecuteConsumerPreemptsCleanly(t *testing.T) {
	ctx := testCtx(t)
	tap := shStage("tap", "while true; do echo x; done", true, false)
	target := shStage("target", "head -n 1 >/dev/null", false, true)

	if err := Execute(ctx, NewPipeline(tap, target), testRunContext(), nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestExecuteOutputLimit(t *testing.T) {
	ctx := testCtx(t)
	// The trailing sleep keeps the producer alive long enough that the
	// proxy failure, not the exit, wins the completion race.
	tap := shStage("tap", `printf '%0100d\n' 0; sleep 2`, true, false)
	target := shStage("target", "cat >/dev/null", false, true)

	rc := testRunContext()
	rc.BufferSize = 64

	err := Execute(ctx, NewPipeline(tap, target), rc, nil)
	var limitErr *OutputLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Execute() error = %v, want OutputLimitError", err)
	}
	if limitErr.Stage != "tap" {
		t.Errorf("Stage = %q, want %q", limitErr.Stage, "tap")
	}
	if limitErr.Limit != 32 {
		t.Errorf("Limit = %d, want 32", limitErr.Limit)
	}
	if limitErr.BufferSize != 64 {
		t.Errorf("BufferSize = %d, want 64", limitErr.BufferSize)
	}
	if got := Classify(err); got != FailureOutput {
		t.Errorf("Classify() = %v, want %v", got, FailureOutput)
	}
}

func TestExecuteMapperEarlyExit(t *testing.T) {
	ctx := testCtx(t)
	tap := shStage("tap", "sleep 2; echo done", true, false)
	mapper := shStage("map", "exit 1", true, true)
	target := shStage("target", "cat >/dev/null", false, true)

	err := Execute(ctx, NewPipeline(tap, mapper, target), testRunContext(), nil)
	var seqErr *UnexpectedSequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("Execute() error = %v, want UnexpectedSequenceError", err)
	}
	if seqErr.Stage != "map" {
		t.Errorf("Stage = %q, want %q", seqErr.Stage, "map")
	}
	if got := Classify(err); got != FailureSequence {
		t.Errorf("Classify() = %v, want %v", got, FailureSequence)
	}
	if got := tap.State(); got != StateStopped {
		t.Errorf("producer State() = %v, want %v", got, StateStopped)
	}
}

func TestExecuteStartupFailure(t *testing.T) {
	ctx := testCtx(t)
	tap := NewStage(StageConfig{
		ID:         "tap",
		Descriptor: Descriptor{Command: "/definitely/not/a/real/binary"},
		Producer:   true,
	})
	target := shStage("target", "cat >/dev/null", false, true)

	err := Execute(ctx, NewPipeline(tap, target), testRunContext(), nil)
	var startErr *StartupError
	if !errors.As(err, &startErr) {
		t.Fatalf("Execute() error = %v, want StartupError", err)
	}
	if got := Classify(err); got != FailureStartup {
		t.Errorf("Classify() = %v, want %v", got, FailureStartup)
	}
}

// Invariants 1-3 pass for a command head followed by a consumer, but the
// consumer has no producer to feed it; linking catches that.
func TestExecuteLinkFailure(t *testing.T) {
	ctx := testCtx(t)
	head := shStage("cmd", "true", false, false)
	target := shStage("target", "cat >/dev/null", false, true)

	err := Execute(ctx, NewPipeline(head, target), testRunContext(), nil)
	var topoErr *TopologyError
	if !errors.As(err, &topoErr) {
		t.Fatalf("Execute() error = %v, want TopologyError", err)
	}
	if got := Classify(err); got != FailureTopology {
		t.Errorf("Classify() = %v, want %v", got, FailureTopology)
	}
}

func TestExecuteStderrAlwaysLogged(t *testing.T) {
	ctx := testCtx(t)
	logs := &collectLogSink{}
	tap := shStage("tap", "echo diagnostic >&2; echo payload", true, false)
	target := shStage("target", "cat >/dev/null", false, true)

	if err := Execute(ctx, NewPipeline(tap, target), testRunContext(), logs); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var sawStderr, sawStdout bool
	for _, line := range logs.all() {
		switch line {
		case "tap/stderr: diagnostic":
			sawStderr = true
		case "tap/stdout: payload":
			sawStdout = true
		}
	}
	if !sawStderr {
		t.Errorf("stderr line missing from log sink: %v", logs.all())
	}
	if sawStdout {
		t.Errorf("stdout mirrored into log sink without debug: %v", logs.all())
	}
}

func TestExecuteDebugMirrorsStdout(t *testing.T) {
	ctx := testCtx(t)
	logs := &collectLogSink{}
	tap := shStage("tap", "echo payload", true, false)
	target := shStage("target", "cat >/dev/null", false, true)

	rc := testRunContext()
	rc.Debug = true

	if err := Execute(ctx, NewPipeline(tap, target), rc, logs); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var sawStdout bool
	for _, line := range logs.all() {
		if line == "tap/stdout: payload" {
			sawStdout = true
		}
	}
	if !sawStdout {
		t.Errorf("stdout line missing from log sink with debug enabled: %v", logs.all())
	}
}
