// Package runner provides the public API for embedding the pipeline
// runner. This is the stable API for external consumers.
package runner

import (
	"github.com/ductile-io/ductile/internal/runtime"
)

// Runner executes named pipelines from a project and records their
// outcomes. See internal/runtime.Runner for full documentation.
type Runner = runtime.Runner

// Verdict is the terminal classification of one run.
type Verdict = runtime.Verdict

// Option is a functional option for configuring a Runner.
type Option = runtime.Option

// New creates a new Runner with the given options.
// Example:
//
//	r, err := runner.New(
//	    runner.WithProjectFile("ductile.yml"),
//	    runner.WithSQLite("./data/ductile.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Project sources
	WithProjectFile = runtime.WithProjectFile
	WithConfig      = runtime.WithConfig

	// Run stores
	WithSQLite      = runtime.WithSQLite
	WithMemoryStore = runtime.WithMemoryStore
	WithStore       = runtime.WithStore

	// Advanced options
	WithLogger = runtime.WithLogger
	WithDebug  = runtime.WithDebug
)
