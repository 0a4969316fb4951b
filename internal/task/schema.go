package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// contextSchemaJSON pins the conventional context keys to strings and leaves
// everything else open for pass-through.
const contextSchemaJSON = `{
	"type": "object",
	"properties": {
		"url":          {"type": "string"},
		"project_path": {"type": "string"},
		"session_id":   {"type": "string"},
		"cwd":          {"type": "string"}
	}
}`

const metadataSchemaJSON = `{"type": "object"}`

var schemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, 2)
	for name, src := range map[string]string{
		"context.json":  contextSchemaJSON,
		"metadata.json": metadataSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
})

// ValidateContext checks that raw is empty or a JSON object whose
// conventional keys hold strings.
func ValidateContext(raw json.RawMessage) error {
	return validateBlob("context", "context.json", raw)
}

// ValidateMetadata checks that raw is empty or a JSON object.
func ValidateMetadata(raw json.RawMessage) error {
	return validateBlob("metadata", "metadata.json", raw)
}

func validateBlob(field, schemaName string, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	all, err := schemas()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s is not valid JSON: %v", ErrInvalidArgument, field, err)
	}
	if err := all[schemaName].Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgument, field, err)
	}
	return nil
}

// ContextString returns a string field of a context blob, or "".
func ContextString(raw json.RawMessage, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// WithContextDefault returns raw with key set to value when the key is
// absent. raw must already be a valid context blob.
func WithContextDefault(raw json.RawMessage, key, value string) (json.RawMessage, error) {
	if value == "" {
		return raw, nil
	}
	m := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: context: %v", ErrInvalidArgument, err)
		}
	}
	if m == nil {
		m = map[string]any{}
	}
	if _, ok := m[key]; ok {
		return raw, nil
	}
	m[key] = value
	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return out, nil
}
