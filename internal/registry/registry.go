// Package registry holds the static catalog of model container templates.
// It is pure lookup: validated once at construction, immutable afterwards.
package registry

import (
	"fmt"
	"sort"

	"whisperd/pkg/types"
)

// Registry maps model ids to their container templates.
type Registry struct {
	templates map[string]types.ModelTemplate
	order     []string
}

// New validates the templates and builds the catalog.
// Port values must be unique across templates and GPU memory must be positive.
func New(templates []types.ModelTemplate) (*Registry, error) {
	r := &Registry{templates: make(map[string]types.ModelTemplate, len(templates))}
	ports := make(map[int]string, len(templates))
	for _, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template with empty model id")
		}
		if t.Image == "" {
			return nil, fmt.Errorf("template %q: empty image", t.ID)
		}
		if t.Port <= 0 || t.Port > 65535 {
			return nil, fmt.Errorf("template %q: invalid port %d", t.ID, t.Port)
		}
		if t.GPUMemoryMB <= 0 {
			return nil, fmt.Errorf("template %q: gpu_memory_mb must be > 0, got %d", t.ID, t.GPUMemoryMB)
		}
		if _, dup := r.templates[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		if other, dup := ports[t.Port]; dup {
			return nil, fmt.Errorf("template %q: port %d already used by %q", t.ID, t.Port, other)
		}
		ports[t.Port] = t.ID
		r.templates[t.ID] = t
		r.order = append(r.order, t.ID)
	}
	sort.Strings(r.order)
	return r, nil
}

// Get returns the template for a model id.
func (r *Registry) Get(id string) (types.ModelTemplate, bool) {
	t, ok := r.templates[id]
	return t, ok
}

// List returns all templates in stable id order.
func (r *Registry) List() []types.ModelTemplate {
	out := make([]types.ModelTemplate, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.templates[id])
	}
	return out
}

// IDs returns all model ids in stable order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Summary builds the registry portion of the system status.
func (r *Registry) Summary() types.RegistrySummary {
	return types.RegistrySummary{Models: r.IDs(), Count: len(r.order)}
}
