package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Credentials holds provider and collaborator secrets. Values only ever come
// from the environment (optionally seeded by a .env file); routing.yaml never
// carries secrets.
type Credentials struct {
	ReplicateAPIToken string `env:"REPLICATE_API_TOKEN"`
	WaveSpeedAPIKey   string `env:"WAVESPEED_API_KEY"`
	KieAPIKey         string `env:"KIE_API_KEY"`
	GoogleAPIKey      string `env:"GOOGLE_API_KEY"`
	GeminiAPIKey      string `env:"GEMINI_API_KEY"`
	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`

	AirtableAPIKey string `env:"AIRTABLE_API_KEY"`
	DatabaseURL    string `env:"GENGATE_DATABASE_URL"`

	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion          string `env:"AWS_REGION"`
}

// Google returns the Gemini key, accepting either variable name.
func (c Credentials) Google() string {
	if c.GoogleAPIKey != "" {
		return c.GoogleAPIKey
	}
	return c.GeminiAPIKey
}

// Config holds the application configuration.
type Config struct {
	Credentials
	Routing   *RoutingConfig
	Aliases   *ModelAliases
	ConfigDir string
}

// Load reads ~/.gengate/.env and ./.env (existing variables win), parses
// credentials, and loads ~/.gengate/routing.yaml or the built-in defaults.
func Load() (*Config, error) {
	return load("")
}

// LoadWithRoutingFile loads config with a specific routing file.
func LoadWithRoutingFile(routingPath string) (*Config, error) {
	return load(routingPath)
}

func load(routingPath string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := loadEnvFiles(".env", filepath.Join(configDir, ".env")); err != nil {
		return nil, err
	}

	var creds Credentials
	if err := env.Parse(&creds); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg := &Config{Credentials: creds, ConfigDir: configDir}

	if routingPath == "" {
		candidate := filepath.Join(configDir, "routing.yaml")
		if _, err := os.Stat(candidate); err == nil {
			routingPath = candidate
		}
	}
	if routingPath != "" {
		routing, err := LoadRoutingConfig(routingPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load routing config from %s: %w", routingPath, err)
		}
		cfg.Routing = routing
	} else {
		cfg.Routing = DefaultRoutingConfig()
	}

	aliases, err := LoadAliasesWithFallback(filepath.Join(configDir, "models.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load model aliases: %w", err)
	}
	cfg.Aliases = aliases

	return cfg, nil
}

// HasProvider returns true if the secret for the named provider is configured.
func (c *Config) HasProvider(name string) bool {
	switch name {
	case "replicate":
		return c.ReplicateAPIToken != ""
	case "wavespeed":
		return c.WaveSpeedAPIKey != ""
	case "kie":
		return c.KieAPIKey != ""
	case "google":
		return c.Google() != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "mock":
		return true
	default:
		return false
	}
}

// loadEnvFiles loads every existing file; godotenv never overrides
// variables already present in the process environment.
func loadEnvFiles(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func getConfigDir() (string, error) {
	if dir := os.Getenv("GENGATE_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".gengate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
