package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ReflectSchema derives a self-contained JSON Schema from a tool's
// argument struct. Definitions are inlined and the struct sits at the
// document root, which is the shape provider tool declarations expect.
func ReflectSchema(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return b, nil
}

// MustReflectSchema is ReflectSchema for package-level declarations.
func MustReflectSchema(v any) json.RawMessage {
	b, err := ReflectSchema(v)
	if err != nil {
		panic(err)
	}
	return b
}
