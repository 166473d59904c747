// Package config loads the ductile project file and run settings.
//
// Configuration is layered: the project file (ductile.yml by default) is
// loaded first, then DUCTILE_-prefixed environment variables override it
// (DUCTILE_SETTINGS__BUFFER_SIZE maps to settings.buffer_size). Values in
// plugin env maps and args may reference environment variables as ${VAR}.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the project file looked up when no path is given.
const DefaultPath = "ductile.yml"

type Config struct {
	Plugins   Plugins          `koanf:"plugins"`
	Pipelines []PipelineConfig `koanf:"pipelines"`
	Settings  Settings         `koanf:"settings"`
	Server    ServerConfig     `koanf:"server"`
}

type Plugins struct {
	Extractors []PluginConfig `koanf:"extractors"`
	Mappers    []PluginConfig `koanf:"mappers"`
	Loaders    []PluginConfig `koanf:"loaders"`
	Utilities  []PluginConfig `koanf:"utilities"`
}

// PluginConfig describes one executable stage: how to spawn it and the
// config map materialized for it at prepare time.
type PluginConfig struct {
	Name    string            `koanf:"name"`
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Env     map[string]string `koanf:"env"`
	Dir     string            `koanf:"dir"`
	Config  map[string]any    `koanf:"config"`
}

// PipelineConfig names an ordered chain of plugin steps.
type PipelineConfig struct {
	Name  string   `koanf:"name"`
	Steps []string `koanf:"steps"`
}

type Settings struct {
	// BufferSize is the per-stream buffer budget in bytes; a single output
	// line longer than half of it fails the run.
	BufferSize int            `koanf:"buffer_size"`
	LogLevel   string         `koanf:"log_level"`
	RunDir     string         `koanf:"run_dir"`
	Database   DatabaseConfig `koanf:"database"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the project file at path (DefaultPath if empty), applies
// DUCTILE_ environment overrides, defaults, and ${VAR} substitution.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load project file %s: %w", path, err)
	}

	// Environment variables override file config.
	if err := k.Load(env.Provider("DUCTILE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DUCTILE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("settings.buffer_size") {
		k.Set("settings.buffer_size", 10*1024*1024)
	}
	if !k.Exists("settings.log_level") {
		k.Set("settings.log_level", "info")
	}
	if !k.Exists("settings.run_dir") {
		k.Set("settings.run_dir", ".ductile/run")
	}
	if !k.Exists("settings.database.path") {
		k.Set("settings.database.path", ".ductile/ductile.db")
	}
	if !k.Exists("server.port") {
		k.Set("server.port", 8088)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for _, group := range [][]PluginConfig{
		cfg.Plugins.Extractors,
		cfg.Plugins.Mappers,
		cfg.Plugins.Loaders,
		cfg.Plugins.Utilities,
	} {
		for i := range group {
			substitutePlugin(&group[i])
		}
	}

	return &cfg, nil
}

func substitutePlugin(p *PluginConfig) {
	for i, arg := range p.Args {
		p.Args[i] = substituteEnvVars(arg)
	}
	for key, val := range p.Env {
		p.Env[key] = substituteEnvVars(val)
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
