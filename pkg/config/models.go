package config

// DefaultModels returns the built-in model table: which providers serve each
// model and which one is used when no override is given.
func DefaultModels() map[string]map[string]ModelRoute {
	return map[string]map[string]ModelRoute{
		"image": {
			"nano-banana":     {Default: "google", Providers: []string{"google", "kie"}, Fallback: []string{"kie"}},
			"nano-banana-pro": {Default: "google", Providers: []string{"google", "kie"}, Fallback: []string{"kie"}},
			"gpt-image-1.5":   {Default: "wavespeed", Providers: []string{"wavespeed", "openai"}},
			"flux-schnell":    {Default: "replicate", Providers: []string{"replicate"}},
			"flux-dev":        {Default: "replicate", Providers: []string{"replicate"}},
		},
		"video": {
			"kling-3.0":     {Default: "wavespeed", Providers: []string{"wavespeed", "kie"}, Fallback: []string{"kie"}},
			"sora-2":        {Default: "wavespeed", Providers: []string{"wavespeed"}},
			"sora-2-pro":    {Default: "wavespeed", Providers: []string{"wavespeed", "kie"}, Fallback: []string{"kie"}},
			"veo-3.1":       {Default: "google", Providers: []string{"google"}},
			"ltx-video":     {Default: "replicate", Providers: []string{"replicate"}},
			"wan-2.1":       {Default: "replicate", Providers: []string{"replicate"}},
			"cogvideox":     {Default: "replicate", Providers: []string{"replicate"}},
			"minimax-video": {Default: "replicate", Providers: []string{"replicate"}},
		},
	}
}
