package action

import (
	"context"
	"sort"
	"strings"
	"sync"

	"finger/internal/errors"
)

// Registry maps action names to handlers. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action. Names are unique; re-registering is rejected.
func (r *Registry) Register(a Action) error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.Validation("action name is required")
	}
	if a.Handler == nil {
		return errors.Validation("action %s has no handler", a.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.Name]; exists {
		return errors.Validation("action %s is already registered", a.Name)
	}
	r.actions[a.Name] = a
	return nil
}

// Unregister removes an action. Removing an absent name is harmless.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actions, name)
}

// Get returns the named action.
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns every action's definition, sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.actions))
	for _, a := range r.actions {
		defs = append(defs, Definition{Name: a.Name, Description: a.Description, Schema: a.Schema})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute validates params against the action's schema and dispatches to its
// handler. Unknown names and schema violations are validation errors; handler
// verdicts, including failures, come back as the Result.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, scope Scope) (Result, error) {
	a, ok := r.Get(name)
	if !ok {
		return Result{}, errors.Validation("unknown action %q", name)
	}
	if err := validateParams(a.Schema, params); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, errors.Wrap(errors.KindTimeout, err, "action %s not dispatched", name)
	}
	return a.Handler(ctx, params, scope), nil
}

func validateParams(schema Schema, params map[string]any) error {
	for _, req := range schema.Required {
		if _, present := params[req]; !present {
			return errors.Validation("missing required parameter %q", req)
		}
	}
	for key, value := range params {
		prop, declared := schema.Properties[key]
		if !declared {
			continue
		}
		if !typeMatches(prop.Type, value) {
			return errors.Validation("parameter %q must be a %s", key, prop.Type)
		}
	}
	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "", "any":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		_, ok := Number(map[string]any{"v": value}, "v")
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		switch value.(type) {
		case []any, []string:
			return true
		}
		return false
	default:
		return true
	}
}
