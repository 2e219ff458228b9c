package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maestro-run/maestro/pkg/llm"
)

// Binder holds the subset of the registry currently bound to a model. The
// subset can grow at runtime when search_tools surfaces new tools; Version
// lets the engine detect growth and rebind before the next model call.
type Binder struct {
	mu       sync.RWMutex
	registry *Registry
	bound    map[string]Tool
	version  uint64
}

// NewBinder binds the allowlist-matching subset of the registry.
func NewBinder(registry *Registry, allowlist []string) *Binder {
	b := &Binder{registry: registry, bound: make(map[string]Tool)}
	for _, t := range registry.Filter(allowlist) {
		b.bound[t.Name()] = t
	}
	return b
}

// Version increments whenever the bound set changes.
func (b *Binder) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Definitions returns the bound tool definitions, sorted by name.
func (b *Binder) Definitions() []llm.ToolDef {
	b.mu.RLock()
	defer b.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(b.bound))
	for _, t := range b.bound {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Has reports whether name is currently bound.
func (b *Binder) Has(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.bound[name]
	return ok
}

// Load binds additional tools by name from the registry. Unknown names are
// skipped; returns how many were newly bound.
func (b *Binder) Load(names []string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	added := 0
	for _, name := range names {
		if _, bound := b.bound[name]; bound {
			continue
		}
		t, ok := b.registry.Get(name)
		if !ok {
			continue
		}
		b.bound[name] = t
		added++
	}
	if added > 0 {
		b.version++
	}
	return added
}

// Invoke runs a bound tool by name.
func (b *Binder) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	b.mu.RLock()
	t, ok := b.bound[name]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return t.Invoke(ctx, args)
}
