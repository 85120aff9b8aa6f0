package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
  "nodes": [
    {"name": "Person", "primary_key": "name",
     "properties": [{"name": "name", "type": "STRING"}, {"name": "age", "type": "INT64"}]},
    {"name": "Company", "primary_key": "ticker",
     "properties": [{"name": "ticker", "type": "STRING"}]}
  ],
  "relationships": [
    {"name": "WORKS_AT", "from": "Person", "to": "Company",
     "properties": [{"name": "since", "type": "DATE"}]}
  ]
}`

const validYAML = `
nodes:
  - name: Person
    primary_key: name
    properties:
      - name: name
        type: STRING
relationships:
  - name: KNOWS
    from: Person
    to: Person
`

func TestValidateJSON(t *testing.T) {
	doc, err := Parse([]byte(validJSON), "application/json")
	require.NoError(t, err)
	result := Validate(doc)
	assert.True(t, result.Valid, "%v", result.Errors)
}

func TestValidateYAML(t *testing.T) {
	doc, err := Parse([]byte(validYAML), "application/yaml")
	require.NoError(t, err)
	result := Validate(doc)
	assert.True(t, result.Valid, "%v", result.Errors)
}

func findIssue(result Result, substr string) bool {
	for _, issue := range result.Errors {
		if strings.Contains(issue.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidateRejectsMissingPrimaryKey(t *testing.T) {
	doc := &Document{Nodes: []Node{{
		Name:       "Person",
		Properties: []Property{{Name: "name", Type: "STRING"}},
	}}}
	result := Validate(doc)
	assert.False(t, result.Valid)
	assert.True(t, findIssue(result, "primary key"))
}

func TestValidateRejectsUnknownType(t *testing.T) {
	doc := &Document{Nodes: []Node{{
		Name:       "Person",
		PrimaryKey: "name",
		Properties: []Property{{Name: "name", Type: "VARCHAR"}},
	}}}
	result := Validate(doc)
	assert.False(t, result.Valid)
	assert.True(t, findIssue(result, "unknown type"))
}

func TestValidateRejectsDanglingReference(t *testing.T) {
	doc := &Document{
		Nodes: []Node{{Name: "Person", PrimaryKey: "name",
			Properties: []Property{{Name: "name", Type: "STRING"}}}},
		Relationships: []Relationship{{Name: "WORKS_AT", From: "Person", To: "Company"}},
	}
	result := Validate(doc)
	assert.False(t, result.Valid)
	assert.True(t, findIssue(result, "undefined node"))
}

func TestValidateNamingConventions(t *testing.T) {
	doc := &Document{Nodes: []Node{{
		Name:       "person_table",
		PrimaryKey: "Name",
		Properties: []Property{{Name: "Name", Type: "STRING"}},
	}}}
	result := Validate(doc)
	assert.False(t, result.Valid)
	assert.True(t, findIssue(result, "PascalCase"))
	assert.True(t, findIssue(result, "snake_case"))
}

func TestValidateEmptyDocument(t *testing.T) {
	result := Validate(&Document{})
	assert.False(t, result.Valid)
	assert.True(t, findIssue(result, "at least one node"))
}
