package provider

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Provider is the common surface of every generation backend.
type Provider interface {
	// Name returns the provider's identifier.
	Name() string

	// Models returns the model ids served for an asset kind.
	Models(kind AssetKind) []string

	// HasCredentials reports whether the provider's secret is configured.
	HasCredentials() bool
}

// ImageGenerator is implemented by providers that generate images.
type ImageGenerator interface {
	SubmitImage(ctx context.Context, req Request) (Handle, error)
	PollImage(ctx context.Context, h Handle) (Status, error)
}

// VideoGenerator is implemented by providers that generate videos.
type VideoGenerator interface {
	SubmitVideo(ctx context.Context, req Request) (Handle, error)
	PollVideo(ctx context.Context, h Handle) (Status, error)
}

// Validator checks a request against a provider's capabilities without I/O.
type Validator interface {
	Validate(req Request) error
}

// RetryClassifier reports whether a failed job is worth resubmitting.
type RetryClassifier interface {
	Retryable(status Status) bool
}

// Supports reports whether p declares the kind/model pair.
func Supports(p Provider, kind AssetKind, model string) bool {
	if p == nil {
		return false
	}
	switch kind {
	case KindImage:
		if _, ok := p.(ImageGenerator); !ok {
			return false
		}
	case KindVideo:
		if _, ok := p.(VideoGenerator); !ok {
			return false
		}
	default:
		return false
	}
	for _, m := range p.Models(kind) {
		if m == model {
			return true
		}
	}
	return false
}

// Validate runs the provider-independent checks and then the provider's own.
func Validate(p Provider, req Request) error {
	if req.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if !Supports(p, req.Kind, req.Model) {
		return unsupportedModel(p.Name(), req.Kind, req.Model)
	}
	if req.Kind == KindImage && req.Duration != 0 {
		return fmt.Errorf("%w: duration only applies to video", ErrUnsupportedFeature)
	}
	if v, ok := p.(Validator); ok {
		return v.Validate(req)
	}
	return nil
}

// Submit dispatches to the kind-specific submit operation.
func Submit(ctx context.Context, p Provider, req Request) (Handle, error) {
	switch req.Kind {
	case KindImage:
		if g, ok := p.(ImageGenerator); ok {
			return g.SubmitImage(ctx, req)
		}
	case KindVideo:
		if g, ok := p.(VideoGenerator); ok {
			return g.SubmitVideo(ctx, req)
		}
	}
	return Handle{}, unsupportedModel(p.Name(), req.Kind, req.Model)
}

// Poll dispatches to the kind-specific poll operation.
func Poll(ctx context.Context, p Provider, h Handle) (Status, error) {
	switch h.Kind {
	case KindImage:
		if g, ok := p.(ImageGenerator); ok {
			return g.PollImage(ctx, h)
		}
	case KindVideo:
		if g, ok := p.(VideoGenerator); ok {
			return g.PollVideo(ctx, h)
		}
	}
	return Status{}, unsupportedModel(p.Name(), h.Kind, h.Model)
}

// Retryable consults p's classifier; providers without one never retry.
func Retryable(p Provider, status Status) bool {
	if c, ok := p.(RetryClassifier); ok {
		return c.Retryable(status)
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
