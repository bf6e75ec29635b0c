package gemini

import (
	"google.golang.org/genai"
)

// ToSchema converts a JSON Schema map into the subset genai understands.
// Union types collapse to "string" when allowed, otherwise the first non-null type,
// so amounts keep their exact textual form.
func ToSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{Type: toType(m["type"])}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if enum := toStrings(m["enum"]); len(enum) > 0 {
		s.Enum = enum
	}
	if req := toStrings(m["required"]); len(req) > 0 {
		s.Required = req
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = ToSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = ToSchema(items)
	}
	if n, ok := toInt64(m["minItems"]); ok {
		s.MinItems = &n
	}
	if n, ok := toInt64(m["minLength"]); ok {
		s.MinLength = &n
	}
	if n, ok := toInt64(m["minimum"]); ok {
		f := float64(n)
		s.Minimum = &f
	}
	return s
}

func toType(v any) genai.Type {
	switch t := v.(type) {
	case string:
		return typeFromName(t)
	case []string:
		return typeFromUnion(t)
	case []any:
		names := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				names = append(names, s)
			}
		}
		return typeFromUnion(names)
	}
	return genai.TypeUnspecified
}

func typeFromUnion(names []string) genai.Type {
	for _, n := range names {
		if n == "string" {
			return genai.TypeString
		}
	}
	for _, n := range names {
		if n != "null" {
			return typeFromName(n)
		}
	}
	return genai.TypeUnspecified
}

func typeFromName(name string) genai.Type {
	switch name {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	}
	return genai.TypeUnspecified
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
