// Package tool holds the registry of tools the model may call during a run.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tecet/ollm/internal/core"
)

var (
	ErrNotFound    = errors.New("tool not found")
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

type contextKey string

const sessionIDKey contextKey = "sessionID"

// WithSessionID returns a context carrying the session the call belongs to.
func WithSessionID(ctx context.Context, id core.SessionID) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID extracts the calling session from ctx, or returns empty string if unset.
func SessionID(ctx context.Context) core.SessionID {
	if id, ok := ctx.Value(sessionIDKey).(core.SessionID); ok {
		return id
	}
	return ""
}

// Tool defines the interface that all model tools implement. Parameters is
// a JSON schema object describing the arguments.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry is a thread-safe collection of named tools. Arguments are checked
// against each tool's schema before it runs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Add registers a tool, replacing any tool with the same name.
func (registry *Registry) Add(t Tool) error {
	schema, err := compileSchema(t.Name(), t.Parameters())
	if err != nil {
		return fmt.Errorf("register tool %s: %w", t.Name(), err)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.tools[t.Name()] = entry{tool: t, schema: schema}
	return nil
}

// Execute validates args and runs the named tool.
func (registry *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	registry.mu.RLock()
	e, ok := registry.tools[name]
	registry.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := validate(e.schema, args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}

	return e.tool.Execute(ctx, args)
}

// Definitions returns the model-facing definitions of all registered tools,
// sorted by name so prompts stay stable across calls.
func (registry *Registry) Definitions() []core.ToolDef {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	definitions := make([]core.ToolDef, 0, len(registry.tools))

	for _, e := range registry.tools {
		definitions = append(definitions, core.ToolDef{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Parameters(),
		})
	}

	sort.Slice(definitions, func(i, j int) bool { return definitions[i].Name < definitions[j].Name })
	return definitions
}

func compileSchema(name string, parameters map[string]any) (*jsonschema.Schema, error) {
	if parameters == nil {
		parameters = map[string]any{"type": "object"}
	}

	doc, err := toJSONValue(parameters)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}

	url := "tool://" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return c.Compile(url)
}

func validate(schema *jsonschema.Schema, args map[string]any) error {
	inst, err := toJSONValue(args)
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// toJSONValue round-trips v through JSON so the validator sees the same
// value types it would for a decoded document.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
