package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action is a named process-wide callable invokable by rules, plugins and
// handlers. Implementations must be safe for concurrent use.
type Action func(ctx context.Context, rc *RequestContext, params map[string]any) (any, error)

// Actions is the process-wide action and resource registry. Lookups are
// read-mostly; registration copies the underlying map so readers never see
// a partially updated table.
type Actions struct {
	mu        sync.RWMutex
	actions   map[string]Action
	resources map[string]any
}

// NewActions creates a registry pre-populated with the builtin actions
// NOW() and UUID().
func NewActions() *Actions {
	a := &Actions{
		actions:   make(map[string]Action),
		resources: make(map[string]any),
	}
	a.actions["NOW"] = func(context.Context, *RequestContext, map[string]any) (any, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	}
	a.actions["UUID"] = func(context.Context, *RequestContext, map[string]any) (any, error) {
		return uuid.New().String(), nil
	}
	return a
}

// Register adds an action. Registering an existing name fails so plugins
// cannot silently shadow each other.
func (a *Actions) Register(name string, fn Action) error {
	if fn == nil {
		return fmt.Errorf("action %s: nil function", name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.actions[name]; exists {
		return fmt.Errorf("action %s: already registered", name)
	}
	next := make(map[string]Action, len(a.actions)+1)
	for k, v := range a.actions {
		next[k] = v
	}
	next[name] = fn
	a.actions = next
	return nil
}

// Unregister removes an action by name. Unknown names are ignored.
func (a *Actions) Unregister(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.actions[name]; !exists {
		return
	}
	next := make(map[string]Action, len(a.actions))
	for k, v := range a.actions {
		if k != name {
			next[k] = v
		}
	}
	a.actions = next
}

// Lookup returns the named action.
func (a *Actions) Lookup(name string) (Action, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn, ok := a.actions[name]
	return fn, ok
}

// Invoke calls the named action.
func (a *Actions) Invoke(ctx context.Context, name string, rc *RequestContext, params map[string]any) (any, error) {
	fn, ok := a.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("action %s: not registered", name)
	}
	return fn(ctx, rc, params)
}

// Names returns all registered action names, sorted.
func (a *Actions) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.actions))
	for k := range a.actions {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SetResource stores a shared resource under name.
func (a *Actions) SetResource(name string, v any) {
	a.mu.Lock()
	a.resources[name] = v
	a.mu.Unlock()
}

// Resource returns a shared resource by name.
func (a *Actions) Resource(name string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.resources[name]
	return v, ok
}
