package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"connector/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// resolves relative paths (engine file, sqlite files) against the
// pipeline file's directory.
func LoadPipelineSpec(path string) (spec.File, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("pipeline %s: %w", path, err)
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if cfg.Source.Kind == "" {
		return cfg, fmt.Errorf("pipeline %s: source.kind required", path)
	}
	if cfg.Sink.Kind == "" {
		return cfg, fmt.Errorf("pipeline %s: sink.kind required", path)
	}
	seen := make(map[string]bool, len(cfg.Transforms))
	for i, t := range cfg.Transforms {
		if t.Type == "" {
			return cfg, fmt.Errorf("pipeline %s: transforms[%d]: type required", path, i)
		}
		if t.Name == "" {
			cfg.Transforms[i].Name = fmt.Sprintf("%s-%d", t.Type, i)
		}
		if seen[cfg.Transforms[i].Name] {
			return cfg, fmt.Errorf("pipeline %s: duplicate transform name %q", path, cfg.Transforms[i].Name)
		}
		seen[cfg.Transforms[i].Name] = true
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return cfg, err
	}
	cfg.Dir = dir
	cfg.Engine = resolve(dir, cfg.Engine)
	cfg.Checkpoint.Path = resolve(dir, cfg.Checkpoint.Path)
	cfg.DeadLetter.Path = resolve(dir, cfg.DeadLetter.Path)
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
