// Package schema validates user-supplied graph schema documents before
// they reach the provisioning pipeline. Documents arrive as JSON or YAML
// and describe node tables, relationship tables, and their properties.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// Document is a parsed schema definition.
type Document struct {
	Nodes         []Node         `json:"nodes" yaml:"nodes"`
	Relationships []Relationship `json:"relationships" yaml:"relationships"`
}

// Node describes one node table.
type Node struct {
	Name       string     `json:"name" yaml:"name"`
	Properties []Property `json:"properties" yaml:"properties"`
	PrimaryKey string     `json:"primary_key" yaml:"primary_key"`
}

// Relationship describes one relationship table between two node tables.
type Relationship struct {
	Name       string     `json:"name" yaml:"name"`
	From       string     `json:"from" yaml:"from"`
	To         string     `json:"to" yaml:"to"`
	Properties []Property `json:"properties" yaml:"properties"`
}

// Property is a typed column.
type Property struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Issue is one validation finding.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result reports the outcome of a validation run.
type Result struct {
	Valid  bool    `json:"valid"`
	Errors []Issue `json:"errors,omitempty"`
}

var validTypes = map[string]bool{
	"STRING":    true,
	"INT8":      true,
	"INT16":     true,
	"INT32":     true,
	"INT64":     true,
	"FLOAT":     true,
	"DOUBLE":    true,
	"BOOL":      true,
	"DATE":      true,
	"TIMESTAMP": true,
	"INTERVAL":  true,
	"UUID":      true,
	"BLOB":      true,
	"SERIAL":    true,
}

var (
	nodeNameRe = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
	relNameRe  = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	propNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// Parse decodes a schema document from JSON or YAML based on contentType.
func Parse(data []byte, contentType string) (*Document, error) {
	var doc Document
	if strings.Contains(contentType, "yaml") || strings.Contains(contentType, "yml") {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml schema: %w", err)
		}
		return &doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse json schema: %w", err)
	}
	return &doc, nil
}

// Validate checks structure, type names, primary keys, relationship
// references, and naming conventions.
func Validate(doc *Document) Result {
	var issues []Issue
	add := func(path, format string, args ...any) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if len(doc.Nodes) == 0 {
		add("nodes", "schema must define at least one node table")
	}

	nodeNames := make(map[string]bool, len(doc.Nodes))
	for i, n := range doc.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.Name == "" {
			add(path, "node table requires a name")
			continue
		}
		if !nodeNameRe.MatchString(n.Name) {
			add(path+".name", "node name %q must be PascalCase alphanumeric", n.Name)
		}
		if nodeNames[n.Name] {
			add(path+".name", "duplicate node table %q", n.Name)
		}
		nodeNames[n.Name] = true

		propNames := validateProperties(path, n.Properties, add)

		if n.PrimaryKey == "" {
			add(path+".primary_key", "node table %q requires a primary key", n.Name)
		} else if !propNames[n.PrimaryKey] {
			add(path+".primary_key", "primary key %q is not a declared property of %q", n.PrimaryKey, n.Name)
		}
	}

	relNames := make(map[string]bool, len(doc.Relationships))
	for i, r := range doc.Relationships {
		path := fmt.Sprintf("relationships[%d]", i)
		if r.Name == "" {
			add(path, "relationship table requires a name")
			continue
		}
		if !relNameRe.MatchString(r.Name) {
			add(path+".name", "relationship name %q must be UPPER_SNAKE_CASE", r.Name)
		}
		if relNames[r.Name] {
			add(path+".name", "duplicate relationship table %q", r.Name)
		}
		relNames[r.Name] = true

		if r.From == "" || r.To == "" {
			add(path, "relationship %q requires from and to node tables", r.Name)
		} else {
			if !nodeNames[r.From] {
				add(path+".from", "relationship %q references undefined node %q", r.Name, r.From)
			}
			if !nodeNames[r.To] {
				add(path+".to", "relationship %q references undefined node %q", r.Name, r.To)
			}
		}

		validateProperties(path, r.Properties, add)
	}

	return Result{Valid: len(issues) == 0, Errors: issues}
}

func validateProperties(path string, props []Property, add func(string, string, ...any)) map[string]bool {
	names := make(map[string]bool, len(props))
	for j, p := range props {
		ppath := fmt.Sprintf("%s.properties[%d]", path, j)
		if p.Name == "" {
			add(ppath, "property requires a name")
			continue
		}
		if !propNameRe.MatchString(p.Name) {
			add(ppath+".name", "property name %q must be snake_case", p.Name)
		}
		if names[p.Name] {
			add(ppath+".name", "duplicate property %q", p.Name)
		}
		names[p.Name] = true
		if !validTypes[strings.ToUpper(p.Type)] {
			add(ppath+".type", "unknown type %q", p.Type)
		}
	}
	return names
}
