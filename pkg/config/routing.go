package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RoutingConfig is the contents of routing.yaml.
type RoutingConfig struct {
	// Models maps asset kind -> model id -> route.
	Models           map[string]map[string]ModelRoute `yaml:"models"`
	Retry            RetryConfig                      `yaml:"retry,omitempty"`
	Polling          PollingConfig                    `yaml:"polling,omitempty"`
	Fallback         FallbackConfig                   `yaml:"fallback,omitempty"`
	RetryableReasons map[string][]string              `yaml:"retryable_reasons,omitempty"`
	Pricing          PricingConfig                    `yaml:"pricing,omitempty"`
	Ledger           LedgerConfig                     `yaml:"ledger,omitempty"`
	Assets           AssetsConfig                     `yaml:"assets,omitempty"`
	Batch            BatchConfig                      `yaml:"batch,omitempty"`
}

// ModelRoute lists the providers able to serve a model.
type ModelRoute struct {
	Default   string   `yaml:"default"`
	Providers []string `yaml:"providers"`
	// Fallback orders the alternates tried after Default; providers not
	// named here follow in Providers order.
	Fallback []string `yaml:"fallback,omitempty"`
}

// RetryConfig bounds resubmission. A nil MaxRetriesSameProvider takes the
// default; an explicit 0 disables same-provider retries.
type RetryConfig struct {
	MaxRetriesSameProvider *int `yaml:"max_retries_same_provider,omitempty"`
	BaseBackoffMs          int  `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs           int  `yaml:"max_backoff_ms,omitempty"`
}

// SameProviderRetries returns the resubmissions allowed per provider; it
// defaults to 1.
func (r RetryConfig) SameProviderRetries() int {
	return intOr(r.MaxRetriesSameProvider, 1)
}

// PollTiming is the poll schedule for one asset kind.
type PollTiming struct {
	Interval    time.Duration `yaml:"interval,omitempty"`
	MaxInterval time.Duration `yaml:"max_interval,omitempty"`
	MaxWait     time.Duration `yaml:"max_wait,omitempty"`
}

// PollingConfig holds per-kind timing and poll tolerances. Nil tolerances
// take their defaults; an explicit 0 tolerates nothing.
type PollingConfig struct {
	Image         PollTiming `yaml:"image,omitempty"`
	Video         PollTiming `yaml:"video,omitempty"`
	MaxNotFound   *int       `yaml:"max_not_found,omitempty"`
	MaxPollErrors *int       `yaml:"max_poll_errors,omitempty"`
	// RatePerSecond throttles status calls per adapter.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
}

// NotFoundLimit returns the consecutive NotFound polls tolerated; it
// defaults to 3.
func (p PollingConfig) NotFoundLimit() int {
	return intOr(p.MaxNotFound, 3)
}

// PollErrorLimit returns the consecutive poll errors tolerated; it defaults
// to 10.
func (p PollingConfig) PollErrorLimit() int {
	return intOr(p.MaxPollErrors, 10)
}

// Int returns a pointer to v, for setting optional limits in code.
func Int(v int) *int {
	return &v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// FallbackConfig toggles cross-provider fallback.
type FallbackConfig struct {
	AllowFallback *bool `yaml:"allow_fallback,omitempty"`
}

// Enabled reports whether fallback is allowed; it defaults to true.
func (f FallbackConfig) Enabled() bool {
	return f.AllowFallback == nil || *f.AllowFallback
}

// PricingConfig maps model id -> estimated USD per generated asset.
type PricingConfig map[string]float64

// LedgerConfig selects the review ledger backend.
type LedgerConfig struct {
	// Backend is one of memory, airtable, sqlite, postgres.
	Backend      string        `yaml:"backend,omitempty"`
	SQLitePath   string        `yaml:"sqlite_path,omitempty"`
	AirtableBase string        `yaml:"airtable_base,omitempty"`
	AirtableURL  string        `yaml:"airtable_url,omitempty"`
	Table        string        `yaml:"table,omitempty"`
	JournalDir   string        `yaml:"journal_dir,omitempty"`
	MaxElapsed   time.Duration `yaml:"max_elapsed,omitempty"`
}

// AssetsConfig selects where inline artifact bytes are stored.
type AssetsConfig struct {
	// Backend is local or s3.
	Backend    string        `yaml:"backend,omitempty"`
	LocalDir   string        `yaml:"local_dir,omitempty"`
	PublicURL  string        `yaml:"public_url,omitempty"`
	Bucket     string        `yaml:"bucket,omitempty"`
	Prefix     string        `yaml:"prefix,omitempty"`
	Region     string        `yaml:"region,omitempty"`
	Endpoint   string        `yaml:"endpoint,omitempty"`
	PresignTTL time.Duration `yaml:"presign_ttl,omitempty"`
}

// BatchConfig bounds batch runs.
type BatchConfig struct {
	Concurrency  int     `yaml:"concurrency,omitempty"`
	MaxBudgetUSD float64 `yaml:"max_budget_usd,omitempty"`
}

// LoadRoutingConfig reads routing configuration from a YAML file. Sections
// missing from the file take their built-in defaults.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	applyRoutingDefaults(&cfg)
	return &cfg, nil
}

// DefaultRoutingConfig returns the built-in model table and timings.
func DefaultRoutingConfig() *RoutingConfig {
	cfg := &RoutingConfig{}
	applyRoutingDefaults(cfg)
	return cfg
}

// Timing returns the poll schedule for kind ("image" or "video").
func (c *RoutingConfig) Timing(kind string) PollTiming {
	if kind == "video" {
		return c.Polling.Video
	}
	return c.Polling.Image
}

func (c *RoutingConfig) validate() error {
	for kind, models := range c.Models {
		if kind != "image" && kind != "video" {
			return fmt.Errorf("models: unknown asset kind %q", kind)
		}
		for model, route := range models {
			if route.Default == "" {
				return fmt.Errorf("models.%s.%s: default provider is required", kind, model)
			}
			if !contains(route.Providers, route.Default) {
				return fmt.Errorf("models.%s.%s: default %q is not in providers", kind, model, route.Default)
			}
			for _, fb := range route.Fallback {
				if !contains(route.Providers, fb) {
					return fmt.Errorf("models.%s.%s: fallback %q is not in providers", kind, model, fb)
				}
			}
		}
	}
	for name, v := range map[string]*int{
		"retry.max_retries_same_provider": c.Retry.MaxRetriesSameProvider,
		"polling.max_not_found":           c.Polling.MaxNotFound,
		"polling.max_poll_errors":         c.Polling.MaxPollErrors,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s: must not be negative", name)
		}
	}
	for model, price := range c.Pricing {
		if price < 0 {
			return fmt.Errorf("pricing.%s: negative price", model)
		}
	}
	return nil
}

func applyRoutingDefaults(cfg *RoutingConfig) {
	if cfg == nil {
		return
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels()
	}
	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 500
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 8000
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}

	applyTimingDefaults(&cfg.Polling.Image, 3*time.Second, 15*time.Second, 300*time.Second)
	applyTimingDefaults(&cfg.Polling.Video, 5*time.Second, 30*time.Second, 600*time.Second)
	if cfg.Polling.RatePerSecond == 0 {
		cfg.Polling.RatePerSecond = 5
	}

	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "memory"
	}
	if cfg.Ledger.Table == "" {
		cfg.Ledger.Table = "Generations"
	}
	if cfg.Ledger.MaxElapsed == 0 {
		cfg.Ledger.MaxElapsed = 30 * time.Second
	}
	if cfg.Assets.Backend == "" {
		cfg.Assets.Backend = "local"
	}
	if cfg.Batch.Concurrency == 0 {
		cfg.Batch.Concurrency = 20
	}
}

func applyTimingDefaults(t *PollTiming, interval, maxInterval, maxWait time.Duration) {
	if t.Interval == 0 {
		t.Interval = interval
	}
	if t.MaxInterval == 0 {
		t.MaxInterval = maxInterval
	}
	if t.MaxInterval < t.Interval {
		t.MaxInterval = t.Interval
	}
	if t.MaxWait == 0 {
		t.MaxWait = maxWait
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
