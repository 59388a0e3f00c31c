package job

import (
	"fmt"
	"os"

	"github.com/zen-systems/gengate/pkg/provider"
	"gopkg.in/yaml.v3"
)

// Request is one named generation request of a batch.
type Request struct {
	ID               string `yaml:"id"`
	provider.Request `yaml:",inline"`
}

// Manifest is a batch file.
type Manifest struct {
	Name     string    `yaml:"name"`
	Requests []Request `yaml:"requests"`
}

// LoadManifest reads a batch definition from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}

	return &manifest, nil
}

// Validate checks the manifest and normalizes request kinds.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if len(m.Requests) == 0 {
		return fmt.Errorf("batch must define at least one request")
	}

	seen := make(map[string]struct{})
	for i := range m.Requests {
		req := &m.Requests[i]
		if req.ID == "" {
			return fmt.Errorf("request %d: id is required", i+1)
		}
		if _, ok := seen[req.ID]; ok {
			return fmt.Errorf("duplicate request id: %s", req.ID)
		}
		seen[req.ID] = struct{}{}

		kind, err := provider.ParseKind(string(req.Kind))
		if err != nil {
			return fmt.Errorf("request %s: %w", req.ID, err)
		}
		req.Kind = kind
		if req.Model == "" {
			return fmt.Errorf("request %s must have a model", req.ID)
		}
		if req.Prompt == "" {
			return fmt.Errorf("request %s must have a prompt", req.ID)
		}
		if req.Duration < 0 {
			return fmt.Errorf("request %s: duration must not be negative", req.ID)
		}
	}

	return nil
}
