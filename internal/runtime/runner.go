// Package runtime provides the Runner, which wires the project,
// run store, logging, and tracing collaborators around the execution
// engine. It is the embedding surface re-exported through pkg/runner.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ductile-io/ductile/internal/config"
	"github.com/ductile-io/ductile/internal/engine"
	"github.com/ductile-io/ductile/internal/logging"
	"github.com/ductile-io/ductile/internal/project"
	"github.com/ductile-io/ductile/internal/storage"
	"github.com/ductile-io/ductile/internal/telemetry"
)

// Runner executes named pipelines from a project and records their
// outcomes.
type Runner struct {
	cfg     *config.Config
	project *project.Project
	store   storage.RunStore
	logger  *slog.Logger
	debug   bool
}

// Verdict is the terminal classification of one run.
type Verdict struct {
	RunID        string             `json:"run_id"`
	Pipeline     string             `json:"pipeline"`
	Ok           bool               `json:"ok"`
	FailureKind  engine.FailureKind `json:"failure_kind,omitempty"`
	ProducerCode *int               `json:"producer_code,omitempty"`
	ConsumerCode *int               `json:"consumer_code,omitempty"`
	Err          error              `json:"-"`
}

// New creates a Runner from options. A project is required; the run store
// defaults to SQLite at the project's configured database path.
func New(opts ...Option) (*Runner, error) {
	r := &Runner{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if r.cfg == nil {
		return nil, fmt.Errorf("project required (use WithProjectFile or WithConfig)")
	}
	if r.store == nil {
		store, err := openDefaultStore(r.cfg)
		if err != nil {
			return nil, fmt.Errorf("open run store: %w", err)
		}
		r.store = store
	}

	return r, nil
}

// Config returns the loaded project configuration.
func (r *Runner) Config() *config.Config { return r.cfg }

// Project returns the resolved project.
func (r *Runner) Project() *project.Project { return r.project }

// Store returns the run store.
func (r *Runner) Store() storage.RunStore { return r.store }

// Close releases the runner's resources.
func (r *Runner) Close() error {
	return r.store.Close()
}

// Validate statically checks a named pipeline's topology without spawning
// anything.
func (r *Runner) Validate(name string) error {
	chain, err := r.project.Pipeline(name)
	if err != nil {
		return err
	}
	rc := &engine.RunContext{Pipeline: name, Logger: r.logger}
	stages := r.project.NewStages(rc, chain)
	return engine.NewPipeline(stages...).Validate()
}

// Run executes the named pipeline once and returns its verdict. The
// returned error reports infrastructure problems (unknown pipeline, store
// failures); the run's own outcome, including failures, lives in the
// verdict.
func (r *Runner) Run(ctx context.Context, name string) (*Verdict, error) {
	chain, err := r.project.Pipeline(name)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	rc := &engine.RunContext{
		RunID:      runID,
		Pipeline:   name,
		BufferSize: r.cfg.Settings.BufferSize,
		Debug:      r.debug,
		RunDir:     r.project.RunDir(runID),
		Logger:     r.logger,
	}

	rec := &storage.RunRecord{
		ID:        runID,
		Pipeline:  name,
		State:     storage.RunStateRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := r.store.CreateRun(ctx, rec); err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("pipeline", name),
			attribute.String("run_id", runID),
		),
	)
	defer span.End()
	for _, plugin := range chain {
		span.AddEvent("stage", trace.WithAttributes(
			attribute.String("name", plugin.Name),
			attribute.String("kind", string(plugin.Kind)),
		))
	}

	out, err := logging.NewOutputLogger(r.logger, filepath.Join(rc.RunDir, "run.log"))
	if err != nil {
		return nil, err
	}
	defer out.Close()

	r.logger.Info("run started",
		slog.String("pipeline", name),
		slog.String("run_id", runID),
	)

	stages := r.project.NewStages(rc, chain)
	runErr := engine.Execute(ctx, engine.NewPipeline(stages...), rc, out)

	verdict := r.finish(ctx, rec, runErr)
	if runErr != nil {
		span.RecordError(runErr)
	}
	return verdict, nil
}

// finish maps the engine's terminal error to a verdict and persists the
// record's terminal fields.
func (r *Runner) finish(ctx context.Context, rec *storage.RunRecord, runErr error) *Verdict {
	kind := engine.Classify(runErr)
	verdict := &Verdict{
		RunID:       rec.ID,
		Pipeline:    rec.Pipeline,
		Ok:          runErr == nil,
		FailureKind: kind,
		Err:         runErr,
	}

	var exitErr *engine.ExitError
	if runErr == nil {
		zero := 0
		z2 := 0
		verdict.ProducerCode = &zero
		verdict.ConsumerCode = &z2
	} else if errors.As(runErr, &exitErr) {
		if code, ok := exitErr.Codes[engine.RoleExtractor]; ok {
			c := code
			verdict.ProducerCode = &c
		}
		if code, ok := exitErr.Codes[engine.RoleLoader]; ok {
			c := code
			verdict.ConsumerCode = &c
		}
	}

	now := time.Now().UTC()
	rec.EndedAt = &now
	rec.FailureKind = string(kind)
	rec.ProducerCode = verdict.ProducerCode
	rec.ConsumerCode = verdict.ConsumerCode
	if runErr == nil {
		rec.State = storage.RunStateSuccess
	} else {
		rec.State = storage.RunStateFailed
		rec.Error = runErr.Error()
	}

	// Persist the outcome even when the run's context was cancelled.
	if err := r.store.CompleteRun(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error("failed to persist run outcome",
			slog.String("run_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Info("run finished",
		slog.String("pipeline", rec.Pipeline),
		slog.String("run_id", rec.ID),
		slog.String("state", string(rec.State)),
	)
	return verdict
}
