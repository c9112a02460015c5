// Package plugin holds scheduler plugins: named deciders that timing rules of
// type "plugin" delegate their match decision to.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"jobmaster/internal/timing"
)

var ErrUnknownPlugin = errors.New("unknown scheduler plugin")

// Decider answers one match question.
type Decider interface {
	Decide(ctx context.Context, req timing.PluginRequest) (bool, error)
}

type DeciderFunc func(ctx context.Context, req timing.PluginRequest) (bool, error)

func (f DeciderFunc) Decide(ctx context.Context, req timing.PluginRequest) (bool, error) {
	return f(ctx, req)
}

// Registry maps plugin ids to deciders. Built-ins are always present; configured
// plugins are replaced wholesale by Apply.
type Registry struct {
	mu         sync.RWMutex
	builtin    map[string]Decider
	configured map[string]Decider
}

func NewRegistry() *Registry {
	return &Registry{
		builtin:    map[string]Decider{"interval": DeciderFunc(decideInterval)},
		configured: map[string]Decider{},
	}
}

// Register adds or replaces a configured plugin.
func (r *Registry) Register(id string, d Decider) {
	r.mu.Lock()
	r.configured[id] = d
	r.mu.Unlock()
}

// Apply replaces all configured plugins with the given exec plugins.
func (r *Registry) Apply(cfgs []ExecConfig) error {
	next := make(map[string]Decider, len(cfgs))
	for i, c := range cfgs {
		if c.ID == "" || c.Command == "" {
			return fmt.Errorf("plugins[%d]: id and command required", i)
		}
		if _, dup := next[c.ID]; dup {
			return fmt.Errorf("plugins[%d]: duplicate id %q", i, c.ID)
		}
		if _, shadow := r.builtin[c.ID]; shadow {
			return fmt.Errorf("plugins[%d]: id %q is a built-in", i, c.ID)
		}
		next[c.ID] = NewExec(c)
	}
	r.mu.Lock()
	r.configured = next
	r.mu.Unlock()
	return nil
}

// Known reports whether id resolves to a plugin. It is the validator hook for timing.Normalize.
func (r *Registry) Known(id string) bool {
	_, ok := r.lookup(id)
	return ok
}

// IDs lists all plugin ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builtin)+len(r.configured))
	for id := range r.builtin {
		out = append(out, id)
	}
	for id := range r.configured {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(id string) (Decider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.builtin[id]; ok {
		return d, true
	}
	d, ok := r.configured[id]
	return d, ok
}

// Decide implements timing.PluginDecider.
func (r *Registry) Decide(ctx context.Context, req timing.PluginRequest) (bool, error) {
	d, ok := r.lookup(req.PluginID)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownPlugin, req.PluginID)
	}
	return d.Decide(ctx, req)
}
