package config

import (
	"maps"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelAliases maps short names to canonical model ids.
type ModelAliases struct {
	Aliases map[string]string `yaml:"aliases"`
}

// LoadAliases reads model aliases from a YAML file.
func LoadAliases(path string) (*ModelAliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var aliases ModelAliases
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, err
	}
	if aliases.Aliases == nil {
		aliases.Aliases = make(map[string]string)
	}
	return &aliases, nil
}

// LoadAliasesWithFallback loads aliases from path when it exists and falls
// back to DefaultAliases otherwise.
func LoadAliasesWithFallback(path string) (*ModelAliases, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return LoadAliases(path)
		}
	}
	return DefaultAliases(), nil
}

// Resolve returns the canonical model id for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// IsAlias returns true if the given string is a known alias.
func (a *ModelAliases) IsAlias(name string) bool {
	if a == nil || a.Aliases == nil {
		return false
	}
	_, ok := a.Aliases[name]
	return ok
}

// ListAliases returns a copy of the aliases map.
func (a *ModelAliases) ListAliases() map[string]string {
	if a == nil || a.Aliases == nil {
		return make(map[string]string)
	}
	return maps.Clone(a.Aliases)
}

// DefaultAliases returns the built-in shorthand names.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"banana":     "nano-banana",
			"banana-pro": "nano-banana-pro",
			"gpt-image":  "gpt-image-1.5",
			"flux":       "flux-dev",
			"kling":      "kling-3.0",
			"sora":       "sora-2",
			"veo":        "veo-3.1",
			"ltx":        "ltx-video",
			"wan":        "wan-2.1",
			"minimax":    "minimax-video",
		},
	}
}
