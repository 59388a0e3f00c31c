package selector

import (
	"fmt"
	"maps"
	"slices"

	"github.com/zen-systems/gengate/pkg/config"
	"github.com/zen-systems/gengate/pkg/provider"
)

// Route lists the providers able to serve one model.
type Route struct {
	Default   string
	Providers []string
	Fallback  []string
}

// Alternates returns every listed provider except primary: the explicit
// fallback order first, then the remaining providers in listed order.
func (r Route) Alternates(primary string) []string {
	seen := map[string]bool{primary: true}
	var out []string
	for _, list := range [][]string{r.Fallback, r.Providers} {
		for _, name := range list {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Lists reports whether name is one of the route's providers.
func (r Route) Lists(name string) bool {
	return slices.Contains(r.Providers, name)
}

// Registry is the static model table. It is built once and never mutated.
type Registry struct {
	routes map[provider.AssetKind]map[string]Route
}

// NewRegistry builds a registry from the routing.yaml models block.
func NewRegistry(models map[string]map[string]config.ModelRoute) (*Registry, error) {
	r := &Registry{routes: make(map[provider.AssetKind]map[string]Route)}
	for rawKind, entries := range models {
		kind, err := provider.ParseKind(rawKind)
		if err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		table := make(map[string]Route, len(entries))
		for model, route := range entries {
			if route.Default == "" || !slices.Contains(route.Providers, route.Default) {
				return nil, fmt.Errorf("registry: %s model %q has no valid default provider", kind, model)
			}
			table[model] = Route{
				Default:   route.Default,
				Providers: slices.Clone(route.Providers),
				Fallback:  slices.Clone(route.Fallback),
			}
		}
		r.routes[kind] = table
	}
	return r, nil
}

// DefaultRegistry returns the built-in model table.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(config.DefaultModels())
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the route for a kind/model pair.
func (r *Registry) Lookup(kind provider.AssetKind, model string) (Route, bool) {
	route, ok := r.routes[kind][model]
	return route, ok
}

// Models returns the registered model ids for kind, sorted.
func (r *Registry) Models(kind provider.AssetKind) []string {
	return slices.Sorted(maps.Keys(r.routes[kind]))
}
