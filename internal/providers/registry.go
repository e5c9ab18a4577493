package providers

import (
	"fmt"
	"strings"

	"server/internal/domain"
)

// Registry owns the configured adapters and applies the tier rules that
// decide which mesh vendor serves a given request. A vendor is bound
// once per attempt; switching vendors requires a new attempt.
type Registry struct {
	adapters    map[string]Adapter
	viewsVendor string
	meshDefault string
	// tierVendors restricts mesh vendors by quality tier. An absent
	// tier allows every registered mesh vendor.
	tierVendors map[string][]string
}

// NewRegistry builds an empty registry with the given defaults.
func NewRegistry(viewsVendor, meshDefault string) *Registry {
	return &Registry{
		adapters:    make(map[string]Adapter),
		viewsVendor: viewsVendor,
		meshDefault: meshDefault,
		tierVendors: make(map[string][]string),
	}
}

// Register adds an adapter under its vendor name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Vendor()] = a
}

// RestrictTier limits which mesh vendors a quality tier may use.
func (r *Registry) RestrictTier(quality string, vendors ...string) {
	r.tierVendors[strings.ToLower(quality)] = vendors
}

// ForVendor returns the adapter registered under name.
func (r *Registry) ForVendor(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured: %w", name, domain.ErrInvalidInput)
	}
	return a, nil
}

// Views returns the view-synthesis adapter.
func (r *Registry) Views() (Adapter, error) {
	return r.ForVendor(r.viewsVendor)
}

// SelectMesh resolves the mesh adapter for a request: the explicitly
// requested vendor when the tier permits it, otherwise the first
// permitted vendor, otherwise the default.
func (r *Registry) SelectMesh(requested, quality string) (Adapter, error) {
	allowed := r.tierVendors[strings.ToLower(strings.TrimSpace(quality))]
	requested = strings.TrimSpace(requested)
	if requested != "" {
		if len(allowed) > 0 && !contains(allowed, requested) {
			return nil, fmt.Errorf("vendor %q not available on %q tier: %w", requested, quality, domain.ErrInvalidInput)
		}
		return r.ForVendor(requested)
	}
	if len(allowed) > 0 {
		return r.ForVendor(allowed[0])
	}
	return r.ForVendor(r.meshDefault)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
