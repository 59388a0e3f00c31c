// Package selector maps a requested model to the provider that serves it.
// Selection is pure: it consults the registry and the configured adapters'
// declarations and never touches the network.
package selector

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zen-systems/gengate/pkg/config"
	"github.com/zen-systems/gengate/pkg/provider"
)

// Selector resolves (kind, model, override) to a configured provider.
type Selector struct {
	registry  *Registry
	providers map[string]provider.Provider
	aliases   *config.ModelAliases
	logger    zerolog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithAliases sets the model aliases resolved before lookup.
func WithAliases(aliases *config.ModelAliases) Option {
	return func(s *Selector) {
		s.aliases = aliases
	}
}

// WithLogger sets the selector logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Selector) {
		s.logger = l
	}
}

// New creates a selector over the configured providers.
func New(registry *Registry, providers []provider.Provider, opts ...Option) *Selector {
	s := &Selector{
		registry:  registry,
		providers: make(map[string]provider.Provider, len(providers)),
		logger:    zerolog.Nop(),
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the model table.
func (s *Selector) Registry() *Registry {
	return s.registry
}

// Provider returns a configured provider by name.
func (s *Selector) Provider(name string) (provider.Provider, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// ResolveModel returns the canonical id for a model or alias.
func (s *Selector) ResolveModel(model string) string {
	resolved := s.aliases.Resolve(model)
	if resolved != model {
		s.logger.Debug().Str("alias", model).Str("model", resolved).Msg("resolved model alias")
	}
	return resolved
}

// Select returns the provider for a request. With an override the provider
// must be configured, listed for the model, and declare support; without one
// the registry default is used.
func (s *Selector) Select(kind provider.AssetKind, model, override string) (provider.Provider, error) {
	model = s.ResolveModel(model)
	route, ok := s.registry.Lookup(kind, model)
	if !ok {
		return nil, fmt.Errorf("%w: %s model %q (available: %s)",
			provider.ErrUnknownModel, kind, model, strings.Join(s.registry.Models(kind), ", "))
	}

	name := route.Default
	if override != "" {
		if !route.Lists(override) {
			return nil, fmt.Errorf("%w: provider %q not available for %s model %q (available: %s)",
				provider.ErrUnsupportedCombination, override, kind, model, strings.Join(route.Providers, ", "))
		}
		name = override
	}

	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q for %s model %q is not configured",
			provider.ErrUnsupportedCombination, name, kind, model)
	}
	if !provider.Supports(p, kind, model) {
		return nil, fmt.Errorf("%w: provider %q does not declare %s model %q",
			provider.ErrUnsupportedCombination, name, kind, model)
	}
	return p, nil
}

// FallbackChain returns the providers to try after primary, in order,
// limited to configured providers that declare support for the pair.
func (s *Selector) FallbackChain(kind provider.AssetKind, model, primary string) []provider.Provider {
	model = s.ResolveModel(model)
	route, ok := s.registry.Lookup(kind, model)
	if !ok {
		return nil
	}
	var chain []provider.Provider
	for _, name := range route.Alternates(primary) {
		p, ok := s.providers[name]
		if !ok || !provider.Supports(p, kind, model) {
			continue
		}
		chain = append(chain, p)
	}
	return chain
}

// Pair is one registered (kind, model, provider) combination.
type Pair struct {
	Kind       provider.AssetKind
	Model      string
	Provider   string
	Default    bool
	Configured bool
	// Declared reports whether the configured adapter lists the model.
	Declared bool
	// Credentials reports whether the adapter's secret is present.
	Credentials bool
}

// Pairs lists every registered combination with its availability.
func (s *Selector) Pairs() []Pair {
	var pairs []Pair
	for _, kind := range []provider.AssetKind{provider.KindImage, provider.KindVideo} {
		for _, model := range s.registry.Models(kind) {
			route, _ := s.registry.Lookup(kind, model)
			for _, name := range route.Providers {
				pair := Pair{Kind: kind, Model: model, Provider: name, Default: name == route.Default}
				if p, ok := s.providers[name]; ok {
					pair.Configured = true
					pair.Declared = provider.Supports(p, kind, model)
					pair.Credentials = p.HasCredentials()
				}
				pairs = append(pairs, pair)
			}
		}
	}
	slices.SortStableFunc(pairs, func(a, b Pair) int {
		return strings.Compare(string(a.Kind)+a.Model, string(b.Kind)+b.Model)
	})
	return pairs
}
