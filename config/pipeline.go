package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Pipeline describes which steps run for an ingestion job, their
// per-step configuration, the dependency table, and the retry policy.
type Pipeline struct {
	Steps        []StepSpec          `yaml:"steps"`
	Dependencies map[string][]string `yaml:"dependencies"`
	Retry        RetryPolicy         `yaml:"retry"`
}

// StepSpec is one entry in the pipeline step list. The YAML shape is
// flat: `name` plus arbitrary step parameters at the same level, so
// unmarshaling splits the document into Name and Config.
type StepSpec struct {
	Name   string
	Config map[string]any
}

// UnmarshalYAML pulls out the name key and keeps everything else as
// the step's config map.
func (s *StepSpec) UnmarshalYAML(value *yaml.Node) error {
	raw := map[string]any{}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	name, ok := raw["name"].(string)
	if !ok || name == "" {
		return fmt.Errorf("pipeline step missing name")
	}
	delete(raw, "name")

	s.Name = name
	s.Config = raw
	return nil
}

// MarshalYAML restores the flat shape.
func (s StepSpec) MarshalYAML() (any, error) {
	out := map[string]any{"name": s.Name}
	for k, v := range s.Config {
		out[k] = v
	}
	return out, nil
}

// RetryPolicy controls task-level retries by the orchestrator.
type RetryPolicy struct {
	MaxRetries     int `yaml:"max_retries"`
	BackOffSeconds int `yaml:"back_off_seconds"`
}

// DefaultPipeline returns the standard four-step ingestion pipeline.
func DefaultPipeline() *Pipeline {
	return &Pipeline{
		Steps: []StepSpec{
			{Name: "filesystem", Config: map[string]any{"concurrency": 1}},
			{Name: "ast", Config: map[string]any{"concurrency": 1, "timeout": 3600}},
			{Name: "summarizer", Config: map[string]any{"concurrency": 2}},
			{Name: "docgrapher", Config: map[string]any{"concurrency": 1, "parse_docstrings": true}},
		},
		Dependencies: DefaultDependencies(),
		Retry: RetryPolicy{
			MaxRetries:     2,
			BackOffSeconds: 1,
		},
	}
}

// DefaultDependencies returns the standard step dependency table.
func DefaultDependencies() map[string][]string {
	return map[string][]string{
		"filesystem": {},
		"ast":        {"filesystem"},
		"summarizer": {"filesystem", "ast"},
		"docgrapher": {"filesystem"},
	}
}

// LoadPipeline loads and validates a pipeline YAML document. Steps
// missing from the dependency table inherit the defaults.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParsePipeline(data)
}

// ParsePipeline parses a pipeline YAML document.
func ParsePipeline(data []byte) (*Pipeline, error) {
	p := &Pipeline{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}

	if p.Dependencies == nil {
		p.Dependencies = map[string][]string{}
	}
	defaults := DefaultDependencies()
	for _, s := range p.Steps {
		if _, ok := p.Dependencies[s.Name]; !ok {
			if deps, ok := defaults[s.Name]; ok {
				p.Dependencies[s.Name] = deps
			} else {
				p.Dependencies[s.Name] = []string{}
			}
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks step uniqueness, dependency references, and that the
// dependency table is acyclic.
func (p *Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline has no steps")
	}

	seen := map[string]bool{}
	for _, s := range p.Steps {
		if seen[s.Name] {
			return fmt.Errorf("duplicate pipeline step %q", s.Name)
		}
		seen[s.Name] = true
	}

	for name, deps := range p.Dependencies {
		for _, dep := range deps {
			if _, ok := p.Dependencies[dep]; !ok && !seen[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", name, dep)
			}
		}
	}

	if cycle := findCycle(p.Dependencies); cycle != "" {
		return fmt.Errorf("dependency cycle involving step %q", cycle)
	}

	if p.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if p.Retry.BackOffSeconds < 0 {
		return fmt.Errorf("retry.back_off_seconds must not be negative")
	}

	return nil
}

// StepConfig returns the config map for a named step, or nil when the
// step is not part of the pipeline.
func (p *Pipeline) StepConfig(name string) map[string]any {
	for _, s := range p.Steps {
		if s.Name == name {
			return s.Config
		}
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency table and
// returns the name of a step on a cycle, or "" when acyclic.
func findCycle(deps map[string][]string) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}

	var visit func(string) string
	visit = func(n string) string {
		color[n] = gray
		for _, d := range deps[n] {
			switch color[d] {
			case gray:
				return d
			case white:
				if c := visit(d); c != "" {
					return c
				}
			}
		}
		color[n] = black
		return ""
	}

	for n := range deps {
		if color[n] == white {
			if c := visit(n); c != "" {
				return c
			}
		}
	}
	return ""
}
