package engine

import (
	"context"
	"log/slog"
)

// Pipeline is an ordered, immutable sequence of stages wired head to tail.
// One run per Pipeline instance: stages are not reused.
type Pipeline struct {
	stages []*Stage
}

// NewPipeline assembles a pipeline from an ordered list of stages.
func NewPipeline(stages ...*Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Stages returns the ordered stage list.
func (p *Pipeline) Stages() []*Stage { return p.stages }

// Head returns the first stage.
func (p *Pipeline) Head() *Stage { return p.stages[0] }

// Tail returns the last stage.
func (p *Pipeline) Tail() *Stage { return p.stages[len(p.stages)-1] }

// Intermediate returns the stages strictly between head and tail.
func (p *Pipeline) Intermediate() []*Stage {
	if len(p.stages) < 2 {
		return nil
	}
	return p.stages[1 : len(p.stages)-1]
}

// Validate checks the chain invariants once, before execution. Violations
// are fatal and never retried.
func (p *Pipeline) Validate() error {
	if len(p.stages) == 0 {
		return &TopologyError{Reason: "no stages in pipeline"}
	}
	if p.Head().Consumer() {
		return &TopologyError{Reason: "first stage must not be a consumer"}
	}
	// A single producer-only stage is a degenerate but valid pipeline.
	if p.Tail().Producer() && len(p.stages) > 1 {
		return &TopologyError{Reason: "last stage must not be a producer"}
	}
	for _, s := range p.Intermediate() {
		if !s.Producer() || !s.Consumer() {
			return &TopologyError{Reason: "intermediate stages must be producers AND consumers"}
		}
	}
	return nil
}

// Link wires the IO chain: every stage's stderr feeds the logging sink,
// stdout feeds the logging sink only when debug tracing is enabled, and
// each consumer's stdin is fed by the immediately preceding producer's
// stdout. Link must run after every stage has started.
func (p *Pipeline) Link(logs LogSink, debug bool) error {
	for i, s := range p.stages {
		if logs != nil {
			if debug {
				if err := s.RegisterStdoutSink(&logLineSink{logs: logs, stage: s.ID(), stream: StreamStdout}); err != nil {
					return err
				}
			}
			if err := s.RegisterStderrSink(&logLineSink{logs: logs, stage: s.ID(), stream: StreamStderr}); err != nil {
				return err
			}
		}
		if !s.Consumer() {
			continue
		}
		if i == 0 || !p.stages[i-1].Producer() {
			return &TopologyError{Reason: "stage " + s.ID() + " requires input but has no upstream producer"}
		}
		stdin, err := s.Stdin()
		if err != nil {
			return err
		}
		if err := p.stages[i-1].RegisterStdoutSink(&stdinSink{w: stdin}); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs a full pipeline lifecycle: bind the run context, prepare and
// start every stage, link IO, and hand over to the execution manager. Stage
// teardown is guaranteed on every path.
func Execute(ctx context.Context, p *Pipeline, rc *RunContext, logs LogSink) error {
	if err := p.Validate(); err != nil {
		return err
	}

	for _, s := range p.stages {
		s.BindContext(rc)
	}

	defer func() {
		for _, s := range p.stages {
			if err := s.Post(); err != nil {
				rc.logger().Warn("stage cleanup failed",
					slog.String("stage", s.ID()),
					slog.String("error", err.Error()),
				)
			}
		}
	}()

	for _, s := range p.stages {
		if err := s.Prepare(ctx); err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return err
		}
	}

	if err := p.Link(logs, rc.Debug); err != nil {
		return err
	}

	m := NewManager(p, ManagerConfig{
		BufferSize: rc.BufferSize,
		Logger:     rc.logger(),
	})
	return m.Run(ctx)
}
