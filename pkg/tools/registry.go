package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SearchLimit bounds how many tools one search_tools call may surface.
const SearchLimit = 8

// Registry maps tool names to handlers. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool, rejecting duplicate names.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.byName[name] = t
	return nil
}

// MustRegister panics on duplicate registration; for startup wiring only.
func (r *Registry) MustRegister(ts ...Tool) {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Filter returns the tools whose names match the allowlist, sorted by name.
// An empty allowlist selects nothing.
func (r *Registry) Filter(allowlist []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for name, t := range r.byName {
		if MatchAllowlist(name, allowlist) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SearchHit is one search_tools match.
type SearchHit struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Search returns up to SearchLimit tools whose name or description contains
// the query, case-insensitively, sorted by name for stable output.
func (r *Registry) Search(query string) []SearchHit {
	q := strings.ToLower(strings.TrimSpace(query))
	r.mu.RLock()
	defer r.mu.RUnlock()
	var hits []SearchHit
	for name, t := range r.byName {
		def := t.Definition()
		if q == "" ||
			strings.Contains(strings.ToLower(name), q) ||
			strings.Contains(strings.ToLower(def.Description), q) {
			hits = append(hits, SearchHit{Name: name, Description: def.Description})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Name < hits[j].Name })
	if len(hits) > SearchLimit {
		hits = hits[:SearchLimit]
	}
	return hits
}
