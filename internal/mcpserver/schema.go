package mcpserver

import (
	"github.com/invopop/jsonschema"
)

// reflectInputSchema reflects a Go argument struct A into the simplified
// ToolInputSchema shape the MCP tool listing uses. Non-object types collapse
// to an empty object schema.
func reflectInputSchema[A any]() ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return ToolInputSchema{Type: "object", Properties: map[string]SchemaProperty{}}
	}

	props := make(map[string]SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return ToolInputSchema{Type: "object", Properties: props, Required: required}
}

func toSchemaProperty(s *jsonschema.Schema) SchemaProperty {
	if s == nil {
		return SchemaProperty{}
	}
	p := SchemaProperty{Type: s.Type, Description: s.Description}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
