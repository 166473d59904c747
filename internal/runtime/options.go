package runtime

import (
	"fmt"
	"log/slog"

	"github.com/ductile-io/ductile/internal/config"
	"github.com/ductile-io/ductile/internal/project"
	"github.com/ductile-io/ductile/internal/storage"
	"github.com/ductile-io/ductile/internal/storage/memory"
	"github.com/ductile-io/ductile/internal/storage/sqlite"
)

// Option is a functional option for configuring a Runner.
type Option func(*Runner) error

// WithProjectFile loads the project file at path (ductile.yml if empty).
func WithProjectFile(path string) Option {
	return func(r *Runner) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		return WithConfig(cfg)(r)
	}
}

// WithConfig uses already-loaded configuration. Useful for embedding and
// tests.
func WithConfig(cfg *config.Config) Option {
	return func(r *Runner) error {
		proj, err := project.New(cfg)
		if err != nil {
			return fmt.Errorf("resolve project: %w", err)
		}
		r.cfg = cfg
		r.project = proj
		return nil
	}
}

// WithSQLite persists run records to the SQLite database at path.
func WithSQLite(path string) Option {
	return func(r *Runner) error {
		store, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		r.store = store
		return nil
	}
}

// WithMemoryStore keeps run records in memory only.
func WithMemoryStore() Option {
	return func(r *Runner) error {
		r.store = memory.New()
		return nil
	}
}

// WithStore uses a caller-provided run store.
func WithStore(store storage.RunStore) Option {
	return func(r *Runner) error {
		r.store = store
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) error {
		r.logger = logger
		return nil
	}
}

// WithDebug enables debug tracing: stage stdout is mirrored to the log
// sink in addition to being piped downstream.
func WithDebug(debug bool) Option {
	return func(r *Runner) error {
		r.debug = debug
		return nil
	}
}

func openDefaultStore(cfg *config.Config) (storage.RunStore, error) {
	if cfg.Settings.Database.Path == "" {
		return memory.New(), nil
	}
	return sqlite.New(cfg.Settings.Database.Path)
}
