package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry holds the tools available to a thread run.
//
// Argument payloads are validated against each tool's declared schema
// before execution. Resolution and validation failures come back as
// error results rather than transport errors, so the model sees them
// in the transcript and can correct itself on the next turn.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	meta       map[string]Descriptor
	validators map[string]*jsonschema.Schema
	xmlTags    map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]Tool),
		meta:       make(map[string]Descriptor),
		validators: make(map[string]*jsonschema.Schema),
		xmlTags:    make(map[string]string),
	}
}

// Register adds a tool. A declared schema must compile; compiling here
// keeps schema defects at startup instead of at the first call.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("tool name exceeds %d bytes", MaxNameLength)
	}

	desc := Descriptor{
		Name:         name,
		Description:  tool.Description(),
		Schema:       tool.Schema(),
		XMLTag:       name,
		ParallelSafe: true,
	}
	if s, ok := tool.(Sequential); ok && s.Sequential() {
		desc.ParallelSafe = false
	}
	if tl, ok := tool.(TimeLimited); ok {
		desc.Timeout = tl.Timeout()
	}
	if xt, ok := tool.(XMLTagged); ok && xt.XMLTag() != "" {
		desc.XMLTag = xt.XMLTag()
	}

	var validator *jsonschema.Schema
	if len(desc.Schema) > 0 && string(desc.Schema) != "null" {
		compiled, err := jsonschema.CompileString(name+".schema.json", string(desc.Schema))
		if err != nil {
			return fmt.Errorf("failed to compile schema for %s: %w", name, err)
		}
		validator = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	if owner, exists := r.xmlTags[desc.XMLTag]; exists && owner != name {
		return fmt.Errorf("xml tag %q already claimed by %s", desc.XMLTag, owner)
	}

	r.tools[name] = tool
	r.meta[name] = desc
	r.xmlTags[desc.XMLTag] = name
	if validator != nil {
		r.validators[name] = validator
	}
	return nil
}

// Unregister removes a tool and frees its XML tag. It reports whether
// the tool was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.meta[name]
	if !ok {
		return false
	}
	delete(r.tools, name)
	delete(r.meta, name)
	delete(r.validators, name)
	delete(r.xmlTags, desc.XMLTag)
	return true
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Describe returns the descriptor for name.
func (r *Registry) Describe(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.meta[name]
	return desc, ok
}

// ResolveXMLTag maps an XML tool-call tag back to its descriptor.
func (r *Registry) ResolveXMLTag(tag string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.xmlTags[tag]
	if !ok {
		return Descriptor{}, false
	}
	desc, ok := r.meta[name]
	return desc, ok
}

// Descriptors returns every registered tool sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.meta))
	for _, desc := range r.meta {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ParallelSafe reports whether name may run concurrently with other
// tools. Unknown names report true; they fail fast at execution time
// instead of forcing a batch sequential.
func (r *Registry) ParallelSafe(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.meta[name]
	if !ok {
		return true
	}
	return desc.ParallelSafe
}

// Execute runs a registered tool by name.
//
// A missing tool, oversized payload, or schema violation returns an
// error Result with a nil error. A non-nil error means the tool itself
// failed without producing a usable result.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	if len(args) > MaxArgsSize {
		return errorResult("arguments for %s exceed %d bytes", name, MaxArgsSize), nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	validator := r.validators[name]
	r.mu.RUnlock()

	if !ok {
		return errorResult("tool not found: %s", name), nil
	}
	if validator != nil {
		if err := validateArgs(validator, args); err != nil {
			return errorResult("invalid arguments for %s: %v", name, err), nil
		}
	}

	res, err := tool.Execute(ctx, args)
	if err == nil && res == nil {
		return errorResult("tool %s returned no result", name), nil
	}
	return res, err
}

func errorResult(format string, a ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, a...), IsError: true}
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	payload := args
	// Models routinely omit the arguments block for zero-argument
	// tools. Treat absence as an empty object.
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(decoded)
}
