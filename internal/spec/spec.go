// Package spec is the on-disk schema of a pipeline file.
package spec

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Driver names a registered adapter and carries its configuration. Config
// is either an inline mapping or the path of a YAML file holding it,
// relative to the pipeline file.
type Driver struct {
	Kind   string    `yaml:"kind"`
	Config yaml.Node `yaml:"config"`
}

// Decoder returns a function that decodes the driver config into v. dir
// resolves a relative config path.
func (d Driver) Decoder(dir string) func(v any) error {
	return func(v any) error {
		switch d.Config.Kind {
		case 0:
			return nil
		case yaml.ScalarNode:
			path := d.Config.Value
			if path == "" {
				return nil
			}
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("%s config: %w", d.Kind, err)
			}
			return yaml.Unmarshal(raw, v)
		default:
			return d.Config.Decode(v)
		}
	}
}

type TransformSpec struct {
	Name   string    `yaml:"name"`
	Type   string    `yaml:"type"` // json_validate, json_set, filter, text2json, grpc, ...
	Config yaml.Node `yaml:"config"`
}

// Driver views the transform as a Driver so that its config decodes the
// same way.
func (t TransformSpec) Driver() Driver { return Driver{Kind: t.Type, Config: t.Config} }

type Checkpoint struct {
	Backend   string   `yaml:"backend"` // memory|sqlite|etcd
	Path      string   `yaml:"path"`
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

type DeadLetter struct {
	Backend string `yaml:"backend"` // memory|sqlite
	Path    string `yaml:"path"`
}

type Control struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	// Engine is the path of the engine tuning file.
	Engine string `yaml:"engine"`

	Source Driver `yaml:"source"`
	// Partitions restricts the run. Empty means every partition the
	// source reports.
	Partitions []string `yaml:"partitions"`

	// Ordered list of stages applied between source and sink.
	Transforms []TransformSpec `yaml:"transforms"`

	Sink Driver `yaml:"sink"`

	Checkpoint Checkpoint `yaml:"checkpoint"`
	DeadLetter DeadLetter `yaml:"deadletter"`
	Control    Control    `yaml:"control"`

	// Dir is the directory of the pipeline file.
	Dir string `yaml:"-"`
}
