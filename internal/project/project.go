// Package project resolves plugin descriptors from a loaded project file
// into runnable engine stages. It owns the collaborator side of a stage's
// lifecycle: the per-run directory, config materialization at prepare, and
// its removal at cleanup.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ductile-io/ductile/internal/config"
	"github.com/ductile-io/ductile/internal/engine"
)

// Kind is a plugin's role in a chain, which determines its capability
// flags: extractors produce, loaders consume, mappers do both, utilities
// neither.
type Kind string

const (
	KindExtractor Kind = "extractor"
	KindMapper    Kind = "mapper"
	KindLoader    Kind = "loader"
	KindUtility   Kind = "utility"
)

// Plugin is a resolved, runnable plugin definition.
type Plugin struct {
	Name    string
	Kind    Kind
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Config  map[string]any
}

// Producer reports whether the plugin's stdout feeds the next stage.
func (p Plugin) Producer() bool { return p.Kind == KindExtractor || p.Kind == KindMapper }

// Consumer reports whether the plugin requires stdin from the previous
// stage.
func (p Plugin) Consumer() bool { return p.Kind == KindLoader || p.Kind == KindMapper }

// Project indexes the plugins and pipelines of one project file.
type Project struct {
	plugins   map[string]Plugin
	pipelines map[string][]string
	runDir    string
}

// New builds a project from loaded configuration. Duplicate plugin or
// pipeline names are configuration errors.
func New(cfg *config.Config) (*Project, error) {
	p := &Project{
		plugins:   make(map[string]Plugin),
		pipelines: make(map[string][]string),
		runDir:    cfg.Settings.RunDir,
	}

	add := func(kind Kind, defs []config.PluginConfig) error {
		for _, def := range defs {
			if def.Name == "" {
				return fmt.Errorf("%s plugin with empty name", kind)
			}
			if def.Command == "" {
				return fmt.Errorf("plugin %s: command is required", def.Name)
			}
			if _, ok := p.plugins[def.Name]; ok {
				return fmt.Errorf("duplicate plugin name %s", def.Name)
			}
			p.plugins[def.Name] = Plugin{
				Name:    def.Name,
				Kind:    kind,
				Command: def.Command,
				Args:    def.Args,
				Env:     def.Env,
				Dir:     def.Dir,
				Config:  def.Config,
			}
		}
		return nil
	}

	if err := add(KindExtractor, cfg.Plugins.Extractors); err != nil {
		return nil, err
	}
	if err := add(KindMapper, cfg.Plugins.Mappers); err != nil {
		return nil, err
	}
	if err := add(KindLoader, cfg.Plugins.Loaders); err != nil {
		return nil, err
	}
	if err := add(KindUtility, cfg.Plugins.Utilities); err != nil {
		return nil, err
	}

	for _, pl := range cfg.Pipelines {
		if pl.Name == "" {
			return nil, fmt.Errorf("pipeline with empty name")
		}
		if len(pl.Steps) == 0 {
			return nil, fmt.Errorf("pipeline %s has no steps", pl.Name)
		}
		if _, ok := p.pipelines[pl.Name]; ok {
			return nil, fmt.Errorf("duplicate pipeline name %s", pl.Name)
		}
		for _, step := range pl.Steps {
			if _, ok := p.plugins[step]; !ok {
				return nil, fmt.Errorf("pipeline %s references unknown plugin %s", pl.Name, step)
			}
		}
		p.pipelines[pl.Name] = pl.Steps
	}

	return p, nil
}

// PipelineNames lists the defined pipelines.
func (p *Project) PipelineNames() []string {
	names := make([]string, 0, len(p.pipelines))
	for name := range p.pipelines {
		names = append(names, name)
	}
	return names
}

// Pipeline resolves a pipeline name to its ordered plugin chain.
func (p *Project) Pipeline(name string) ([]Plugin, error) {
	steps, ok := p.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %s", name)
	}
	chain := make([]Plugin, len(steps))
	for i, step := range steps {
		chain[i] = p.plugins[step]
	}
	return chain, nil
}

// RunDir returns the directory for a run's scratch files and logs.
func (p *Project) RunDir(runID string) string {
	return filepath.Join(p.runDir, runID)
}

// NewStages turns a resolved plugin chain into engine stages bound to one
// run, with prepare/cleanup hooks that materialize each plugin's config
// map as JSON inside the run directory and expose its path via
// DUCTILE_CONFIG_PATH.
func (p *Project) NewStages(rc *engine.RunContext, chain []Plugin) []*engine.Stage {
	stages := make([]*engine.Stage, len(chain))
	for i, plugin := range chain {
		env := make([]string, 0, len(plugin.Env)+1)
		for key, val := range plugin.Env {
			env = append(env, key+"="+val)
		}

		var hooks engine.Hooks
		if len(plugin.Config) > 0 {
			configPath := filepath.Join(rc.RunDir, plugin.Name+".config.json")
			env = append(env, "DUCTILE_CONFIG_PATH="+configPath)
			hooks = configHooks(rc.RunDir, configPath, plugin.Config)
		} else {
			hooks = engine.Hooks{
				Prepare: func(ctx context.Context) error {
					return os.MkdirAll(rc.RunDir, 0o755)
				},
			}
		}

		stages[i] = engine.NewStage(engine.StageConfig{
			ID: plugin.Name,
			Descriptor: engine.Descriptor{
				Command: plugin.Command,
				Args:    plugin.Args,
				Env:     env,
				Dir:     plugin.Dir,
			},
			Producer: plugin.Producer(),
			Consumer: plugin.Consumer(),
			Hooks:    hooks,
		})
	}
	return stages
}

func configHooks(runDir, configPath string, cfg map[string]any) engine.Hooks {
	return engine.Hooks{
		Prepare: func(ctx context.Context) error {
			if err := os.MkdirAll(runDir, 0o755); err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			return os.WriteFile(configPath, data, 0o600)
		},
		Cleanup: func() error {
			if err := os.Remove(configPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		},
	}
}
