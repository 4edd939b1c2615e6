package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MustCompileSchema compiles a JSON schema document at package init time.
func MustCompileSchema(raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid schema document: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		panic(fmt.Sprintf("add schema resource: %v", err))
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

// ExtractJSON pulls the first JSON object out of a model response, tolerating
// markdown fences and surrounding prose.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}

// DecodeValidated extracts the JSON object from a model response, validates
// it against the schema and unmarshals it into out. Failures are tagged as
// schema errors so callers can re-prompt once and then fall back.
func DecodeValidated(raw string, schema *jsonschema.Schema, out any) error {
	text, err := ExtractJSON(raw)
	if err != nil {
		return NewError(KindSchema, err)
	}
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return NewError(KindSchema, fmt.Errorf("malformed JSON: %w", err))
	}
	if err := schema.Validate(value); err != nil {
		return NewError(KindSchema, fmt.Errorf("response violates schema: %w", err))
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return NewError(KindSchema, err)
	}
	return nil
}
