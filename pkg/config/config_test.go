package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigUsesEnvCredentials(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	t.Setenv("REPLICATE_API_TOKEN", "env-replicate")
	t.Setenv("WAVESPEED_API_KEY", "env-wavespeed")
	t.Setenv("KIE_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "env-gemini")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "env-replicate", cfg.ReplicateAPIToken)
	assert.Equal(t, "env-gemini", cfg.Google())
	assert.True(t, cfg.HasProvider("replicate"))
	assert.True(t, cfg.HasProvider("google"))
	assert.False(t, cfg.HasProvider("kie"))
	assert.False(t, cfg.HasProvider("openai"))
	assert.True(t, cfg.HasProvider("mock"))
	assert.False(t, cfg.HasProvider("anthropic"))
}

func TestConfigDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	dir := filepath.Join(home, ".gengate")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("KIE_API_KEY=file-kie\nOPENAI_API_KEY=file-openai\n"), 0600))

	t.Setenv("KIE_API_KEY", "")
	os.Unsetenv("KIE_API_KEY")
	t.Setenv("OPENAI_API_KEY", "env-openai")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "file-kie", cfg.KieAPIKey)
	assert.Equal(t, "env-openai", cfg.OpenAIAPIKey)
}

func TestLoadDefaultsWithoutRoutingFile(t *testing.T) {
	setHomeEnv(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Routing)

	assert.Equal(t, "google", cfg.Routing.Models["video"]["veo-3.1"].Default)
	assert.Equal(t, 600*time.Second, cfg.Routing.Timing("video").MaxWait)
	assert.Equal(t, 300*time.Second, cfg.Routing.Timing("image").MaxWait)
	assert.True(t, cfg.Routing.Fallback.Enabled())
	assert.Equal(t, 20, cfg.Routing.Batch.Concurrency)
	assert.Equal(t, "veo-3.1", cfg.Aliases.Resolve("veo"))
}

func TestLoadRoutingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	data := `
models:
  video:
    kling-3.0:
      default: kie
      providers: [kie, wavespeed]
      fallback: [wavespeed]
polling:
  video:
    interval: 2s
    max_wait: 90s
  max_not_found: 5
fallback:
  allow_fallback: false
retryable_reasons:
  kie: ["gpu busy"]
pricing:
  kling-3.0: 0.42
ledger:
  backend: sqlite
  sqlite_path: /tmp/ledger.db
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadRoutingConfig(path)
	require.NoError(t, err)

	route := cfg.Models["video"]["kling-3.0"]
	assert.Equal(t, "kie", route.Default)
	assert.Equal(t, []string{"wavespeed"}, route.Fallback)
	_, hasImages := cfg.Models["image"]
	assert.False(t, hasImages, "a models block replaces the built-in table")

	video := cfg.Timing("video")
	assert.Equal(t, 2*time.Second, video.Interval)
	assert.Equal(t, 30*time.Second, video.MaxInterval)
	assert.Equal(t, 90*time.Second, video.MaxWait)
	assert.Equal(t, 5, cfg.Polling.NotFoundLimit())
	assert.Equal(t, 10, cfg.Polling.PollErrorLimit())
	assert.False(t, cfg.Fallback.Enabled())
	assert.Equal(t, []string{"gpu busy"}, cfg.RetryableReasons["kie"])
	assert.InDelta(t, 0.42, cfg.Pricing["kling-3.0"], 1e-9)
	assert.Equal(t, "sqlite", cfg.Ledger.Backend)
	assert.Equal(t, 1, cfg.Retry.SameProviderRetries())
}

func TestLoadRoutingConfigHonorsZeroLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	data := `
retry:
  max_retries_same_provider: 0
polling:
  max_not_found: 0
  max_poll_errors: 0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadRoutingConfig(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Retry.MaxRetriesSameProvider)
	assert.Equal(t, 0, cfg.Retry.SameProviderRetries())
	assert.Equal(t, 0, cfg.Polling.NotFoundLimit())
	assert.Equal(t, 0, cfg.Polling.PollErrorLimit())

	defaults := DefaultRoutingConfig()
	assert.Equal(t, 1, defaults.Retry.SameProviderRetries())
	assert.Equal(t, 3, defaults.Polling.NotFoundLimit())
	assert.Equal(t, 10, defaults.Polling.PollErrorLimit())
}

func TestLoadRoutingConfigRejectsInconsistentRoutes(t *testing.T) {
	cases := map[string]string{
		"unknown kind":      "models:\n  audio:\n    x: {default: a, providers: [a]}\n",
		"default missing":   "models:\n  image:\n    x: {providers: [a]}\n",
		"default unlisted":  "models:\n  image:\n    x: {default: b, providers: [a]}\n",
		"fallback unlisted": "models:\n  image:\n    x: {default: a, providers: [a], fallback: [c]}\n",
		"negative price":    "pricing:\n  x: -1\n",
		"negative retries":  "retry:\n  max_retries_same_provider: -1\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "routing.yaml")
			require.NoError(t, os.WriteFile(path, []byte(data), 0600))
			_, err := LoadRoutingConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestDefaultModelsAreConsistent(t *testing.T) {
	cfg := &RoutingConfig{Models: DefaultModels()}
	assert.NoError(t, cfg.validate())
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	t.Setenv("GENGATE_HOME", "")
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
