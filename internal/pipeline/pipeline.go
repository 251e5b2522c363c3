// Package pipeline defines the ordered steps a skill moves through and the
// on-disk evidence that proves each step finished.
package pipeline

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed defaults/pipeline.yaml defaults/prompts/*.md
var defaults embed.FS

type Kind string

const (
	KindAutomated Kind = "automated"
	KindManual    Kind = "manual"
)

type Step struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Kind         Kind     `yaml:"kind" json:"kind"`
	Model        string   `yaml:"model" json:"model,omitempty"`
	AllowedTools []string `yaml:"allowed_tools" json:"allowed_tools,omitempty"`
	AddDirs      []string `yaml:"add_dirs" json:"add_dirs,omitempty"`
	Prompt       string   `yaml:"prompt" json:"prompt,omitempty"`

	// Markers are paths relative to the skill directory; a trailing slash
	// names a directory. A step without markers is undetectable.
	Markers []string `yaml:"markers" json:"markers,omitempty"`

	// Preserve marks final output that cleanup must never delete.
	Preserve bool `yaml:"preserve" json:"preserve,omitempty"`

	Index int `yaml:"-" json:"index"`
}

// Detectable reports whether the step's completion can be proven from disk.
func (s Step) Detectable() bool {
	return len(s.Markers) > 0
}

type Pipeline struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`

	prompts fs.FS
}

func (p *Pipeline) Len() int { return len(p.Steps) }

// Step returns the step at index i.
func (p *Pipeline) Step(i int) (Step, bool) {
	if i < 0 || i >= len(p.Steps) {
		return Step{}, false
	}
	return p.Steps[i], true
}

// Lookup finds a step by id.
func (p *Pipeline) Lookup(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Prompt returns the prompt text referenced by an automated step.
func (p *Pipeline) Prompt(s Step) ([]byte, error) {
	if s.Prompt == "" {
		return nil, fmt.Errorf("step %s has no prompt", s.ID)
	}
	if p.prompts == nil {
		return nil, fmt.Errorf("step %s: no prompt source", s.ID)
	}
	b, err := fs.ReadFile(p.prompts, s.Prompt)
	if err != nil {
		return nil, fmt.Errorf("read prompt for step %s: %w", s.ID, err)
	}
	return b, nil
}

// Default returns the built-in skill-building pipeline.
func Default() *Pipeline {
	data, err := defaults.ReadFile("defaults/pipeline.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded pipeline missing: %v", err))
	}
	prompts, err := fs.Sub(defaults, "defaults/prompts")
	if err != nil {
		panic(fmt.Sprintf("embedded prompts missing: %v", err))
	}
	p, err := Parse(data, prompts)
	if err != nil {
		panic(fmt.Sprintf("embedded pipeline invalid: %v", err))
	}
	return p
}

// Load reads a pipeline file. Prompt references resolve relative to the
// file's directory. An empty path returns Default.
func Load(file string) (*Pipeline, error) {
	if file == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	return Parse(data, os.DirFS(filepath.Dir(file)))
}

// Parse validates YAML pipeline data against the pipeline schema and the
// semantic rules the schema cannot express.
func Parse(data []byte, prompts fs.FS) (*Pipeline, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pipeline yaml: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	p.prompts = prompts
	for i := range p.Steps {
		p.Steps[i].Index = i
		if p.Steps[i].Name == "" {
			p.Steps[i].Name = p.Steps[i].ID
		}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, s := range p.Steps {
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("step %q: duplicate id", s.ID))
		}
		seen[s.ID] = true
		if s.Kind == KindAutomated && s.Prompt == "" {
			errs = append(errs, fmt.Errorf("step %q: automated steps need a prompt", s.ID))
		}
		for _, m := range s.Markers {
			clean := path.Clean(strings.TrimSuffix(m, "/"))
			if path.IsAbs(m) || clean == "." || strings.HasPrefix(clean, "..") {
				errs = append(errs, fmt.Errorf("step %q: marker %q must stay inside the skill directory", s.ID, m))
			}
		}
	}
	return errors.Join(errs...)
}

const pipelineSchema = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z][a-z0-9_-]*$"},
          "name": {"type": "string"},
          "kind": {"enum": ["automated", "manual"]},
          "model": {"type": "string"},
          "allowed_tools": {"type": "array", "items": {"type": "string"}},
          "add_dirs": {"type": "array", "items": {"type": "string"}},
          "prompt": {"type": "string"},
          "markers": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "preserve": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchema))
	if err != nil {
		panic(fmt.Sprintf("pipeline schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("pipeline.json", doc); err != nil {
		panic(fmt.Sprintf("pipeline schema: %v", err))
	}
	schema, err := c.Compile("pipeline.json")
	if err != nil {
		panic(fmt.Sprintf("pipeline schema: %v", err))
	}
	return schema
}

func validateSchema(raw any) error {
	// Round-trip through JSON so the validator sees JSON-typed values.
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("pipeline is not representable as JSON: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("pipeline is not representable as JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("pipeline schema: %w", err)
	}
	return nil
}
