package engine

import (
	"context"
	"errors"
	"log/slog"
)

// ManagerConfig configures an execution manager.
type ManagerConfig struct {
	// BufferSize is the per-stream buffer budget; the line length limit is
	// half of it. Zero means DefaultBufferSize.
	BufferSize int
	Logger     *slog.Logger
}

// Manager drives a validated, linked pipeline to completion: it races
// stream-proxy failures against process exits, classifies who finished in
// what order, and reconciles the head and tail exit codes into the final
// verdict.
type Manager struct {
	p          *Pipeline
	bufferSize int
	limit      int
	logger     *slog.Logger

	// wake is a coalescing wakeup signal: every future completion nudges
	// it, and the driving loop re-inspects its conditions on each nudge.
	wake chan struct{}

	producerCode int
	producerSet  bool
	consumerCode int
	consumerSet  bool
}

// NewManager creates a manager for one run of p.
func NewManager(p *Pipeline, cfg ManagerConfig) *Manager {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		p:          p,
		bufferSize: size,
		limit:      size / 2,
		logger:     logger,
		wake:       make(chan struct{}, 1),
	}
}

// ProducerCode returns the recorded head exit code, if one was recorded.
func (m *Manager) ProducerCode() (int, bool) { return m.producerCode, m.producerSet }

// ConsumerCode returns the recorded tail exit code, if one was recorded.
func (m *Manager) ConsumerCode() (int, bool) { return m.consumerCode, m.consumerSet }

func (m *Manager) wakeup() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drives the pipeline until it drains or fails, then reconciles exit
// codes exactly once. Stages must already be started and linked.
func (m *Manager) Run(ctx context.Context) error {
	stages := m.p.Stages()

	// Install the wakeup before any future exists, then spawn every exit
	// wait and stream proxy up front so all completions are observable.
	for _, s := range stages {
		s.setNotify(m.wakeup)
	}
	for _, s := range stages {
		if _, err := s.WaitExit(); err != nil {
			return err
		}
		if _, err := s.ProxyStdout(); err != nil {
			return err
		}
		if _, err := s.ProxyStderr(); err != nil {
			return err
		}
	}

	if err := m.drive(ctx); err != nil {
		return err
	}
	return m.reconcile()
}

// proxyFailure describes a stream proxy that completed with an error.
type proxyFailure struct {
	stage  *Stage
	stream StreamKind
	err    error
}

// drive is the completion-arbitration loop, an explicit cursor over the
// chain instead of recursion so long pipelines cannot grow the stack.
func (m *Manager) drive(ctx context.Context) error {
	stages := m.p.Stages()
	head := m.p.Head()
	tail := m.p.Tail()
	current := 0

	for stages[current] != tail {
		remaining := stages[current:]

		failed, err := m.await(ctx, remaining)
		if err != nil {
			return err
		}
		if failed != nil {
			return m.classifyProxyFailure(failed)
		}

		switch {
		case tail.exitFut.Done():
			m.logger.Debug("tail consumer completed first")
			code, werr := tail.exitFut.Result()
			if werr != nil {
				return werr
			}
			m.consumerCode, m.consumerSet = code, true
			return m.completeUpstream(ctx)

		case stages[current].exitFut.Done():
			cur := stages[current]
			m.logger.Debug("head producer completed as expected",
				slog.String("stage", cur.ID()),
			)
			if cur == head {
				code, werr := cur.exitFut.Result()
				if werr != nil {
					return werr
				}
				m.producerCode, m.producerSet = code, true
			}
			// Flush what the finished stage already wrote before telling
			// downstream there is no more input.
			if err := m.drain(ctx, cur); err != nil {
				return err
			}
			next := stages[current+1]
			if err := next.CloseStdin(); err != nil {
				return err
			}
			if next == tail {
				m.logger.Debug("tail consumer is next stage, wrapping up")
				if err := m.drain(ctx, next); err != nil {
					return err
				}
				code, werr := next.exitFut.Wait(ctx)
				if werr != nil {
					return werr
				}
				m.consumerCode, m.consumerSet = code, true
				return nil
			}
			current++

		default:
			anomaly := firstExited(remaining, stages[current], tail)
			if anomaly == nil {
				// Spurious wakeup; nothing actionable yet.
				continue
			}
			m.logger.Warn("intermediate stage completed out of turn",
				slog.String("stage", anomaly.ID()),
			)
			if err := m.stopFrom(ctx, current); err != nil {
				return err
			}
			return &UnexpectedSequenceError{Stage: anomaly.ID()}
		}
	}
	return nil
}

// await blocks until a stream proxy among the remaining stages fails or a
// process among them exits. Proxy failures win the race.
func (m *Manager) await(ctx context.Context, remaining []*Stage) (*proxyFailure, error) {
	for {
		for _, s := range remaining {
			if f := failedProxy(s); f != nil {
				return f, nil
			}
		}
		for _, s := range remaining {
			if s.exitFut.Done() {
				return nil, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.wake:
		}
	}
}

func failedProxy(s *Stage) *proxyFailure {
	if t := s.stdoutProxy; t != nil && t.Done() && t.Err() != nil {
		return &proxyFailure{stage: s, stream: StreamStdout, err: t.Err()}
	}
	if t := s.stderrProxy; t != nil && t.Done() && t.Err() != nil {
		return &proxyFailure{stage: s, stream: StreamStderr, err: t.Err()}
	}
	return nil
}

func firstExited(remaining []*Stage, current, tail *Stage) *Stage {
	for _, s := range remaining {
		if s == current || s == tail {
			continue
		}
		if s.exitFut.Done() {
			return s
		}
	}
	return nil
}

// classifyProxyFailure reclassifies a line-length violation on the absolute
// head's stdout (a producer emitting one oversized message), attributing the
// limit and the buffer size it derives from. Everything else propagates
// as-is.
func (m *Manager) classifyProxyFailure(f *proxyFailure) error {
	if f.stage == m.p.Head() && f.stream == StreamStdout {
		var limitErr *OutputLimitError
		if errors.As(f.err, &limitErr) {
			return &OutputLimitError{
				Stage:      f.stage.ID(),
				Limit:      m.limit,
				BufferSize: m.bufferSize,
			}
		}
	}
	return f.err
}

// completeUpstream wraps up the run after the tail exited. If upstream is
// still running the tail quit before processing all of its input, so the
// upstream is killed and the producer's code is synthesized as zero: it did
// not itself fail, it lost its destination. That can hide a failure the
// producer would have hit had it kept running; this mirrors the original
// behavior and is a deliberate policy, not an oversight.
func (m *Manager) completeUpstream(ctx context.Context) error {
	stages := m.p.Stages()
	head := m.p.Head()
	tail := m.p.Tail()

	if m.upstreamComplete(len(stages) - 1) {
		code, err := head.exitFut.Result()
		if err != nil {
			return err
		}
		m.producerCode, m.producerSet = code, true
	} else {
		if err := m.stopUpstream(ctx, len(stages)-1); err != nil {
			return err
		}
		m.producerCode, m.producerSet = 0, true
	}

	// Flush whatever the tail wrote before it exited.
	return m.drain(ctx, tail)
}

// upstreamComplete reports whether every stage strictly before index has
// already exited.
func (m *Manager) upstreamComplete(index int) bool {
	for i, s := range m.p.Stages() {
		if i >= index {
			return true
		}
		if s.exitFut.Done() {
			continue
		}
		return false
	}
	return true
}

// stopUpstream force-stops every stage before index, in reverse pipeline
// order.
func (m *Manager) stopUpstream(ctx context.Context, index int) error {
	stages := m.p.Stages()
	for i := index - 1; i >= 0; i-- {
		if err := stages[i].Stop(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// stopFrom closes stdin and force-stops every stage from index onward.
func (m *Manager) stopFrom(ctx context.Context, index int) error {
	for _, s := range m.p.Stages()[index:] {
		if err := s.CloseStdin(); err != nil {
			return err
		}
		if err := s.Stop(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// drain awaits a stage's stdout and stderr proxies so its buffered output
// is fully forwarded. Proxy outcomes are not inspected here; a failure
// that matters surfaced through the race already.
func (m *Manager) drain(ctx context.Context, s *Stage) error {
	for _, proxy := range []func() (*Task, error){s.ProxyStdout, s.ProxyStderr} {
		t, err := proxy()
		if err != nil {
			return err
		}
		if err := t.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// reconcile maps the recorded head and tail exit codes to the terminal
// verdict. Runs exactly once, after the driving loop ends.
func (m *Manager) reconcile() error {
	p, c := m.producerCode, m.consumerCode
	switch {
	case p != 0 && c != 0:
		return &ExitError{Codes: map[Role]int{RoleExtractor: p, RoleLoader: c}}
	case p != 0:
		return &ExitError{Codes: map[Role]int{RoleExtractor: p}}
	case c != 0:
		return &ExitError{Codes: map[Role]int{RoleLoader: c}}
	}
	return nil
}
