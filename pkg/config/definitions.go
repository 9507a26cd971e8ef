package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue/cuecontext"
	"github.com/polisai/skirmish/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Stage kinds accepted in definition files.
const (
	StageKindLua  = "lua"
	StageKindRego = "rego"
)

// Definitions is the on-disk form of pipelines, overrides, authored stages and buffs.
type Definitions struct {
	Pipelines map[string][]string `json:"pipelines,omitempty" yaml:"pipelines,omitempty"`
	Overrides OverrideSpec        `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Stages    []StageSpec         `json:"stages,omitempty" yaml:"stages,omitempty"`
	Buffs     []BuffSpec          `json:"buffs,omitempty" yaml:"buffs,omitempty"`
}

// OverrideSpec lists per-scope stage list replacements.
type OverrideSpec struct {
	Skill  map[string][]string `json:"skill,omitempty" yaml:"skill,omitempty"`
	Member map[string][]string `json:"member,omitempty" yaml:"member,omitempty"`
}

// StageSpec declares a stage implemented in Lua or Rego. Input and Output map
// field names to contract specs such as "number", "string?" or "list<integer>".
type StageSpec struct {
	Name       string            `json:"name" yaml:"name"`
	Kind       string            `json:"kind" yaml:"kind"`
	Source     string            `json:"source" yaml:"source"`
	Entrypoint string            `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Enforce    bool              `json:"enforce,omitempty" yaml:"enforce,omitempty"`
	Input      map[string]string `json:"input,omitempty" yaml:"input,omitempty"`
	Output     map[string]string `json:"output,omitempty" yaml:"output,omitempty"`
	Strict     bool              `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// BuffSpec declares a dynamic stage attached after an anchor.
type BuffSpec struct {
	ID       string         `json:"id" yaml:"id"`
	Source   string         `json:"source" yaml:"source"`
	Pipeline string         `json:"pipeline" yaml:"pipeline"`
	Anchor   string         `json:"anchor" yaml:"anchor"`
	Priority int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Lua      string         `json:"lua,omitempty" yaml:"lua,omitempty"`
	Merge    map[string]any `json:"merge,omitempty" yaml:"merge,omitempty"`
}

// LoadDefinitions reads a definitions file. The format follows the extension:
// .yaml/.yml, .json or .cue.
func LoadDefinitions(path string) (*Definitions, error) {
	//nolint:gosec // Definitions path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file %s: %w", path, err)
	}
	defs, err := ParseDefinitions(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// ParseDefinitions decodes data in the format named by ext and finalises it.
func ParseDefinitions(data []byte, ext string) (*Definitions, error) {
	var defs Definitions
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: parse yaml: %v", domain.ErrInvalidDefinition, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&defs); err != nil {
			return nil, fmt.Errorf("%w: parse json: %v", domain.ErrInvalidDefinition, err)
		}
	case ".cue":
		v := cuecontext.New().CompileBytes(data)
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("%w: compile cue: %v", domain.ErrInvalidDefinition, err)
		}
		if err := v.Decode(&defs); err != nil {
			return nil, fmt.Errorf("%w: decode cue: %v", domain.ErrInvalidDefinition, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported definitions format %q", domain.ErrInvalidDefinition, ext)
	}

	if err := defs.Finalize(); err != nil {
		return nil, err
	}
	return &defs, nil
}
