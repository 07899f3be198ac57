// Package playbook parses the YAML Playbook document (SPEC_FULL.md §6)
// into typed structures the broker and worker consume. Grounded on
// workflow/parser.go's type-detect-then-dispatch shape (peek a
// discriminator field, switch on it, decode into the matching concrete
// struct); the teacher parses JSON-LD Schema.org documents, this parses
// YAML, so gopkg.in/yaml.v3 replaces encoding/json as the decoder but the
// detect-then-validate structure is kept.
package playbook

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"noetl.io/noetl/internal/noetlerr"
)

// Kind is the only document kind this package accepts (§6:
// "kind (must be Playbook)").
const Kind = "Playbook"

// Metadata identifies a playbook within the catalog.
type Metadata struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Description string `yaml:"description,omitempty"`
}

// LoopSpec configures a step's iteration (§6 `loop`).
type LoopSpec struct {
	In          string `yaml:"in"`
	Element     string `yaml:"element"`
	Mode        string `yaml:"mode"` // sequential | async
	Concurrency int    `yaml:"concurrency,omitempty"`
	Where       string `yaml:"where,omitempty"`
	OrderBy     string `yaml:"order_by,omitempty"`
	Limit       int    `yaml:"limit,omitempty"`
	Chunk       int    `yaml:"chunk,omitempty"`
}

// RetrySpec configures a step's retry policy (§6 `retry`).
type RetrySpec struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelay      string  `yaml:"initial_delay,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty"`
	MaxDelay          string  `yaml:"max_delay,omitempty"`
	RetryWhen         string  `yaml:"retry_when,omitempty"`
	StopWhen          string  `yaml:"stop_when,omitempty"`
}

// NextArc is one entry of a step's `next` list; the final entry may set
// Else instead of When (§9 Open Question: first-match-wins). Then is a
// list (§4.4 transition 5: "enqueue each target in its `then` list") so a
// single arc can fan out to more than one successor step.
type NextArc struct {
	When string   `yaml:"when,omitempty"`
	Then []string `yaml:"then"`
	Else bool     `yaml:"else,omitempty"`
}

// TaskConfig is one labeled task in a tool pipeline, or the sole task when
// `tool` is a bare scalar kind (§6 `tool`).
type TaskConfig struct {
	Label  string         `yaml:"label,omitempty"`
	Kind   string         `yaml:"kind"`
	Config map[string]any `yaml:",inline"`
}

// AuthAlias is one entry of a step's `auth` mapping form
// (`{alias: {type, credential|env|secret|inline, ...}}`). Reserved alias
// names (type, credential, secret, env, inline) are rejected by Step.Resolve.
type AuthAlias struct {
	Type       string `yaml:"type"`
	Credential string `yaml:"credential,omitempty"`
	Env        string `yaml:"env,omitempty"`
	Secret     string `yaml:"secret,omitempty"`
	Inline     any    `yaml:"inline,omitempty"`
}

var reservedAuthAliases = map[string]bool{
	"type": true, "credential": true, "secret": true, "env": true, "inline": true,
}

// Step is one node of the workflow graph (§6 `workflow[]`).
type Step struct {
	Step  string                `yaml:"step"`
	Desc  string                `yaml:"desc,omitempty"`
	Pass  bool                  `yaml:"pass,omitempty"`
	Tool  []TaskConfig          `yaml:"-"`
	Auth  map[string]AuthAlias  `yaml:"-"`
	Loop  *LoopSpec             `yaml:"loop,omitempty"`
	Retry *RetrySpec            `yaml:"retry,omitempty"`
	Next  []NextArc             `yaml:"next,omitempty"`
	Save  map[string]any        `yaml:"save,omitempty"`
	Sink  map[string]any        `yaml:"sink,omitempty"`

	rawTool yaml.Node
	rawAuth yaml.Node
}

// UnmarshalYAML captures `tool` and `auth` as raw nodes so Step.Resolve
// can decode either their scalar-with-inline-config form or their
// list/mapping form, matching §6's "scalar kind... or an ordered
// pipeline" / "string... or a mapping" dual shapes.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	type alias Step
	aux := struct {
		Tool yaml.Node `yaml:"tool"`
		Auth yaml.Node `yaml:"auth"`
		*alias
	}{alias: (*alias)(s)}

	if err := node.Decode(&aux); err != nil {
		return err
	}
	s.rawTool = aux.Tool
	s.rawAuth = aux.Auth
	return nil
}

// Resolve decodes the raw tool/auth nodes captured during unmarshaling.
// Called once after the whole document is parsed (§6 `tool`, `auth`).
func (s *Step) Resolve() error {
	if err := s.resolveTool(); err != nil {
		return err
	}
	return s.resolveAuth()
}

func (s *Step) resolveTool() error {
	switch s.rawTool.Kind {
	case 0:
		return noetlerr.Validation(fmt.Sprintf("playbook: step %q has no tool", s.Step))
	case yaml.ScalarNode:
		s.Tool = []TaskConfig{{Kind: s.rawTool.Value}}
		return nil
	case yaml.SequenceNode:
		var tasks []TaskConfig
		if err := s.rawTool.Decode(&tasks); err != nil {
			return noetlerr.Validation(fmt.Sprintf("playbook: step %q tool pipeline: %v", s.Step, err))
		}
		s.Tool = tasks
		return nil
	case yaml.MappingNode:
		var task TaskConfig
		if err := s.rawTool.Decode(&task); err != nil {
			return noetlerr.Validation(fmt.Sprintf("playbook: step %q tool config: %v", s.Step, err))
		}
		s.Tool = []TaskConfig{task}
		return nil
	default:
		return noetlerr.Validation(fmt.Sprintf("playbook: step %q has an unrecognized tool shape", s.Step))
	}
}

func (s *Step) resolveAuth() error {
	switch s.rawAuth.Kind {
	case 0:
		return nil
	case yaml.ScalarNode:
		s.Auth = map[string]AuthAlias{"default": {Type: "credential_store", Credential: s.rawAuth.Value}}
		return nil
	case yaml.MappingNode:
		var aliases map[string]AuthAlias
		if err := s.rawAuth.Decode(&aliases); err != nil {
			return noetlerr.Validation(fmt.Sprintf("playbook: step %q auth: %v", s.Step, err))
		}
		for name := range aliases {
			if reservedAuthAliases[name] {
				return noetlerr.Validation(fmt.Sprintf("playbook: step %q auth alias %q is a reserved name", s.Step, name))
			}
		}
		s.Auth = aliases
		return nil
	default:
		return noetlerr.Validation(fmt.Sprintf("playbook: step %q has an unrecognized auth shape", s.Step))
	}
}

// Document is the full parsed playbook (§6).
type Document struct {
	APIVersion string                    `yaml:"apiVersion"`
	Kind       string                    `yaml:"kind"`
	Metadata   Metadata                  `yaml:"metadata"`
	Workload   map[string]any            `yaml:"workload,omitempty"`
	Workflow   []Step                    `yaml:"workflow"`
	Workbook   map[string][]TaskConfig   `yaml:"workbook,omitempty"`
}

// Parse decodes raw YAML bytes into a Document, resolving each step's
// tool/auth shapes and validating required fields (§6).
func Parse(content []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, noetlerr.Validation(fmt.Sprintf("playbook: invalid YAML: %v", err))
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	for i := range doc.Workflow {
		if err := doc.Workflow[i].Resolve(); err != nil {
			return nil, err
		}
		step := &doc.Workflow[i]
		if step.Loop != nil && len(step.Tool) != 1 {
			return nil, noetlerr.Validation(fmt.Sprintf(
				"playbook: step %q declares loop over a %d-task pipeline; looped steps must have exactly one task",
				step.Step, len(step.Tool)))
		}
	}
	return &doc, nil
}

// Validate checks the document-level required fields (§6). Step-level
// tool/auth validation happens during Resolve, since it needs the raw
// nodes captured at unmarshal time.
func (d *Document) Validate() error {
	if d.Kind != Kind {
		return noetlerr.Validation(fmt.Sprintf("playbook: kind must be %q, got %q", Kind, d.Kind))
	}
	if d.Metadata.Name == "" {
		return noetlerr.Validation("playbook: metadata.name is required")
	}
	if d.Metadata.Path == "" {
		return noetlerr.Validation("playbook: metadata.path is required")
	}
	if len(d.Workflow) == 0 {
		return noetlerr.Validation("playbook: workflow must declare at least one step")
	}

	seen := map[string]bool{}
	for _, step := range d.Workflow {
		if step.Step == "" {
			return noetlerr.Validation("playbook: every workflow step must set `step`")
		}
		if seen[step.Step] {
			return noetlerr.Validation(fmt.Sprintf("playbook: duplicate step name %q", step.Step))
		}
		seen[step.Step] = true
	}
	return nil
}

// StepByName looks up a step by name, used when resolving `next.then`
// targets (§4.4).
func (d *Document) StepByName(name string) (*Step, bool) {
	for i := range d.Workflow {
		if d.Workflow[i].Step == name {
			return &d.Workflow[i], true
		}
	}
	return nil, false
}
