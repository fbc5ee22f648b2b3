package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"gopkg.in/yaml.v3"
)

// Definition is a serialisable workflow: the input of BuildGraph plus
// identifying metadata.
type Definition struct {
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []*Node        `json:"nodes" yaml:"nodes"`
	Edges       []*Edge        `json:"edges" yaml:"edges"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DefinitionFormat selects a definition encoding.
type DefinitionFormat string

const (
	FormatJSON DefinitionFormat = "json"
	FormatYAML DefinitionFormat = "yaml"
	FormatHCL  DefinitionFormat = "hcl"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (DefinitionFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("unsupported workflow definition extension %q", filepath.Ext(path))
	}
}

// Validate checks the definition and builds its graph once.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow definition has no name")
	}
	if _, err := BuildGraph(d.Nodes, d.Edges); err != nil {
		return fmt.Errorf("workflow %s: %w", d.Name, err)
	}
	return nil
}

// ToJSON renders the definition as indented JSON.
func (d *Definition) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal definition to JSON: %w", err)
	}
	return data, nil
}

// ToYAML renders the definition as YAML.
func (d *Definition) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal definition to YAML: %w", err)
	}
	return data, nil
}

// ParseDefinition decodes and validates a definition. filename is only used
// in HCL diagnostics.
func ParseDefinition(data []byte, format DefinitionFormat, filename string) (*Definition, error) {
	var (
		def *Definition
		err error
	)
	switch format {
	case FormatJSON:
		def = &Definition{}
		err = json.Unmarshal(data, def)
	case FormatYAML:
		def = &Definition{}
		err = yaml.Unmarshal(data, def)
	case FormatHCL:
		def, err = parseHCLDefinition(data, filename)
	default:
		return nil, fmt.Errorf("unsupported workflow definition format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s definition: %w", format, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadDefinitionFile reads a .json, .yaml/.yml or .hcl definition.
func LoadDefinitionFile(path string) (*Definition, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	return ParseDefinition(data, format, path)
}

// ====== HCL ======

// hclDefinitionFile is the HCL layout:
//
//	name    = "onboarding"
//	version = "1"
//
//	node "form" {
//	  type   = "form"
//	  config = { requiredFields = ["cpf"] }
//	}
//
//	edge {
//	  source    = "start"
//	  target    = "form"
//	  condition = "{ready} == true"
//	  priority  = 1
//	}
type hclDefinitionFile struct {
	Name        string     `hcl:"name"`
	Version     string     `hcl:"version,optional"`
	Description string     `hcl:"description,optional"`
	Nodes       []*hclNode `hcl:"node,block"`
	Edges       []*hclEdge `hcl:"edge,block"`
}

type hclNode struct {
	ID     string    `hcl:"id,label"`
	Type   string    `hcl:"type"`
	Name   string    `hcl:"name,optional"`
	Config cty.Value `hcl:"config,optional"`
}

type hclEdge struct {
	ID        string `hcl:"id,optional"`
	Source    string `hcl:"source"`
	Target    string `hcl:"target"`
	Condition string `hcl:"condition,optional"`
	Priority  *int   `hcl:"priority,optional"`
}

func parseHCLDefinition(src []byte, filename string) (*Definition, error) {
	if filename == "" {
		filename = "workflow.hcl"
	}
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse HCL %s: %w", filename, diags)
	}

	var parsed hclDefinitionFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decode HCL %s: %w", filename, diags)
	}

	def := &Definition{
		Name:        parsed.Name,
		Version:     parsed.Version,
		Description: parsed.Description,
	}
	for _, n := range parsed.Nodes {
		cfg, err := ctyToMap(n.Config)
		if err != nil {
			return nil, fmt.Errorf("node %s config: %w", n.ID, err)
		}
		def.Nodes = append(def.Nodes, &Node{ID: n.ID, Type: NodeType(n.Type), Name: n.Name, Config: cfg})
	}
	for _, e := range parsed.Edges {
		def.Edges = append(def.Edges, &Edge{
			ID:        e.ID,
			Source:    e.Source,
			Target:    e.Target,
			Condition: e.Condition,
			Priority:  e.Priority,
		})
	}
	return def, nil
}

// ctyToMap converts an HCL object value to plain Go values via its JSON form.
func ctyToMap(v cty.Value) (map[string]any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("config contains unknown values")
	}
	ty := v.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("config must be an object, got %s", ty.FriendlyName())
	}
	data, err := ctyjson.Marshal(v, ty)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ====== catalog ======

// DefinitionCatalog holds definitions by name.
type DefinitionCatalog struct {
	defs map[string]*Definition
	mu   sync.RWMutex
}

// NewDefinitionCatalog creates an empty catalog.
func NewDefinitionCatalog() *DefinitionCatalog {
	return &DefinitionCatalog{defs: make(map[string]*Definition)}
}

// Add validates def and stores it under its name.
func (c *DefinitionCatalog) Add(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Name] = def
	return nil
}

// Get returns the definition named name.
func (c *DefinitionCatalog) Get(name string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	return def, ok
}

// Names returns the sorted definition names.
func (c *DefinitionCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.defs))
	for n := range c.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadDir adds every definition file found directly in dir.
func (c *DefinitionCatalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflow directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, err := FormatFromPath(path); err != nil {
			continue
		}
		def, err := LoadDefinitionFile(path)
		if err != nil {
			return err
		}
		if err := c.Add(def); err != nil {
			return err
		}
	}
	return nil
}
