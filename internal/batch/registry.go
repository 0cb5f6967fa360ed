// Package batch implements the polling-driven URL batch engine.
package batch

import (
	"fmt"
	"sort"

	"github.com/seoscope/pagestore/internal/pages"
)

// Registry maps tool identifiers to their processors. The set is fixed at
// construction; looking up a tool that was never registered is a
// configuration error surfaced at batch creation.
type Registry struct {
	procs map[string]pages.Processor
}

// NewRegistry builds a Registry from the given processors.
func NewRegistry(procs ...pages.Processor) (*Registry, error) {
	m := make(map[string]pages.Processor, len(procs))
	for _, p := range procs {
		id := p.ToolID()
		if id == "" {
			return nil, fmt.Errorf("processor with empty tool id")
		}
		if _, dup := m[id]; dup {
			return nil, fmt.Errorf("duplicate processor for tool %q", id)
		}
		m[id] = p
	}
	return &Registry{procs: m}, nil
}

// Get returns the processor for a tool id.
func (r *Registry) Get(toolID string) (pages.Processor, bool) {
	p, ok := r.procs[toolID]
	return p, ok
}

// ToolIDs returns the registered tool ids, sorted.
func (r *Registry) ToolIDs() []string {
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
