package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/gengate/pkg/config"
	"github.com/zen-systems/gengate/pkg/provider"
)

func realProviders(t *testing.T) []provider.Provider {
	t.Helper()
	google, err := provider.NewGoogleAdapter(context.Background(), "")
	require.NoError(t, err)
	return []provider.Provider{
		provider.NewReplicateAdapter(""),
		provider.NewWaveSpeedAdapter(""),
		provider.NewKieAdapter(""),
		provider.NewOpenAIAdapter(""),
		google,
	}
}

func TestEveryRegisteredPairIsDeclared(t *testing.T) {
	s := New(DefaultRegistry(), realProviders(t))

	pairs := s.Pairs()
	require.NotEmpty(t, pairs)
	for _, pair := range pairs {
		assert.True(t, pair.Configured, "%s/%s via %s not configured", pair.Kind, pair.Model, pair.Provider)
		assert.True(t, pair.Declared, "%s/%s via %s not declared by adapter", pair.Kind, pair.Model, pair.Provider)

		p, err := s.Select(pair.Kind, pair.Model, pair.Provider)
		require.NoError(t, err)
		assert.Equal(t, pair.Provider, p.Name())
	}
}

func TestSelectDefaults(t *testing.T) {
	s := New(DefaultRegistry(), realProviders(t))

	cases := []struct {
		kind  provider.AssetKind
		model string
		want  string
	}{
		{provider.KindImage, "nano-banana-pro", "google"},
		{provider.KindImage, "gpt-image-1.5", "wavespeed"},
		{provider.KindImage, "flux-schnell", "replicate"},
		{provider.KindVideo, "kling-3.0", "wavespeed"},
		{provider.KindVideo, "veo-3.1", "google"},
		{provider.KindVideo, "minimax-video", "replicate"},
	}
	for _, tc := range cases {
		p, err := s.Select(tc.kind, tc.model, "")
		require.NoError(t, err, tc.model)
		assert.Equal(t, tc.want, p.Name(), tc.model)
	}
}

func TestSelectOverride(t *testing.T) {
	s := New(DefaultRegistry(), realProviders(t))

	p, err := s.Select(provider.KindVideo, "kling-3.0", "kie")
	require.NoError(t, err)
	assert.Equal(t, "kie", p.Name())

	_, err = s.Select(provider.KindVideo, "veo-3.1", "kie")
	assert.ErrorIs(t, err, provider.ErrUnsupportedCombination)

	_, err = s.Select(provider.KindVideo, "kling-3.0", "nonexistent")
	assert.ErrorIs(t, err, provider.ErrUnsupportedCombination)
}

func TestSelectUnknownModel(t *testing.T) {
	s := New(DefaultRegistry(), realProviders(t))

	_, err := s.Select(provider.KindVideo, "nano-banana", "")
	assert.ErrorIs(t, err, provider.ErrUnknownModel, "image model requested as video")

	_, err = s.Select(provider.KindImage, "dall-e-9", "")
	assert.ErrorIs(t, err, provider.ErrUnknownModel)
}

func TestSelectUnconfiguredDefault(t *testing.T) {
	s := New(DefaultRegistry(), []provider.Provider{provider.NewKieAdapter("")})

	_, err := s.Select(provider.KindVideo, "kling-3.0", "")
	assert.ErrorIs(t, err, provider.ErrUnsupportedCombination, "wavespeed is the default but not configured")

	p, err := s.Select(provider.KindVideo, "kling-3.0", "kie")
	require.NoError(t, err)
	assert.Equal(t, "kie", p.Name())
}

func TestSelectRequiresDeclaredSupport(t *testing.T) {
	registry, err := NewRegistry(map[string]map[string]config.ModelRoute{
		"video": {"mock-video": {Default: "liar", Providers: []string{"liar"}}},
	})
	require.NoError(t, err)
	liar := provider.NewMockAdapter("liar").Serve(provider.KindVideo, "something-else")

	_, err = New(registry, []provider.Provider{liar}).Select(provider.KindVideo, "mock-video", "")
	assert.ErrorIs(t, err, provider.ErrUnsupportedCombination)
}

func TestSelectResolvesAliases(t *testing.T) {
	s := New(DefaultRegistry(), realProviders(t), WithAliases(config.DefaultAliases()))

	p, err := s.Select(provider.KindVideo, "veo", "")
	require.NoError(t, err)
	assert.Equal(t, "google", p.Name())
}

func TestFallbackChain(t *testing.T) {
	registry, err := NewRegistry(map[string]map[string]config.ModelRoute{
		"video": {"mock-video": {
			Default:   "a",
			Providers: []string{"a", "b", "c", "d"},
			Fallback:  []string{"c"},
		}},
	})
	require.NoError(t, err)
	a := provider.NewMockAdapter("a")
	b := provider.NewMockAdapter("b")
	c := provider.NewMockAdapter("c")
	d := provider.NewMockAdapter("d").Serve(provider.KindVideo, "other")

	s := New(registry, []provider.Provider{a, b, c, d})
	chain := s.FallbackChain(provider.KindVideo, "mock-video", "a")

	var names []string
	for _, p := range chain {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"c", "b"}, names, "explicit fallback first, undeclared d skipped")

	chain = s.FallbackChain(provider.KindVideo, "mock-video", "c")
	require.Len(t, chain, 2)
	assert.Equal(t, "a", chain[0].Name())

	assert.Empty(t, s.FallbackChain(provider.KindVideo, "unknown", "a"))
}

func TestDefaultRegistryFallbacks(t *testing.T) {
	s := New(DefaultRegistry(), realProviders(t))

	chain := s.FallbackChain(provider.KindImage, "nano-banana", "google")
	require.Len(t, chain, 1)
	assert.Equal(t, "kie", chain[0].Name())

	assert.Empty(t, s.FallbackChain(provider.KindVideo, "veo-3.1", "google"))
}

func TestNewRegistryRejectsBadRoutes(t *testing.T) {
	_, err := NewRegistry(map[string]map[string]config.ModelRoute{
		"audio": {"x": {Default: "a", Providers: []string{"a"}}},
	})
	assert.Error(t, err)

	_, err = NewRegistry(map[string]map[string]config.ModelRoute{
		"image": {"x": {Default: "b", Providers: []string{"a"}}},
	})
	assert.Error(t, err)
}
