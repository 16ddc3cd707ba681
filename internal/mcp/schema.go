// Package mcp exposes document review operations as MCP tools over
// stdio. The process shares the database with a running serve instance;
// submitted work is picked up through the DB-backed queue.
package mcp

import (
	"sort"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// param describes one tool argument in the generated JSON Schema.
type param struct {
	Type        string
	Description string
	Required    bool
	Enum        []string
	Default     any
}

// schema renders the argument as a JSON Schema property.
func (p param) schema() map[string]any {
	s := map[string]any{
		"type":        p.Type,
		"description": p.Description,
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	return s
}

// toolDef builds an mcp.Tool whose input schema is an object over params.
// Required names are sorted so the schema marshals deterministically.
func toolDef(name, description string, params map[string]param) *mcpsdk.Tool {
	props := make(map[string]any, len(params))
	var required []string
	for pname, p := range params {
		props[pname] = p.schema()
		if p.Required {
			required = append(required, pname)
		}
	}
	sort.Strings(required)

	in := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		in["required"] = required
	}

	return &mcpsdk.Tool{
		Name:        name,
		Description: description,
		InputSchema: in,
	}
}
