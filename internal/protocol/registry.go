package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// Info describes a registered definition.
type Info struct {
	Name      string `json:"name"`
	Streaming bool   `json:"streaming"`
}

// Registry holds the protocol definitions known to a process.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates a registry holding defs.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// Register adds d under its name, replacing any previous definition.
func (r *Registry) Register(d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Name()] = d
}

// Resolve returns the definition for class.
func (r *Registry) Resolve(class string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.defs[class]
	if !ok {
		return nil, fmt.Errorf("%q: %w", class, ErrUnknownDefinition)
	}
	return d, nil
}

// List returns the registered definitions sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.defs))
	for name, d := range r.defs {
		infos = append(infos, Info{Name: name, Streaming: IsStreaming(d)})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
