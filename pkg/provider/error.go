package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUnknownModel is returned when a model id is not registered.
	ErrUnknownModel = errors.New("unknown model")
	// ErrUnsupportedCombination is returned when a provider cannot serve a kind/model pair.
	ErrUnsupportedCombination = errors.New("unsupported provider/model combination")
	// ErrUnsupportedFeature is returned when a request uses a feature the model lacks.
	ErrUnsupportedFeature = errors.New("unsupported feature")
	// ErrMissingCredential is returned before any network call when a secret is absent.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidRequest is returned for requests no provider could accept.
	ErrInvalidRequest = errors.New("invalid request")
)

// SubmissionError wraps a failed submit call with status metadata.
type SubmissionError struct {
	Provider  string
	Status    int
	Transient bool
	Err       error
}

func (e *SubmissionError) Error() string {
	if e == nil {
		return "submission error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s submission failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s submission failed (status=%d)", e.Provider, e.Status)
}

func (e *SubmissionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether an error is safe to retry.
// Quota rejections (429, 402) are not transient: retrying masks exhaustion.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		if subErr.Transient {
			return true
		}
		if subErr.Status >= 500 && subErr.Status <= 599 {
			return true
		}
		if subErr.Status != 0 {
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsFatal reports whether err means the request itself is malformed for the
// chosen provider, so no retry or fallback may be attempted.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnknownModel) ||
		errors.Is(err, ErrUnsupportedCombination) ||
		errors.Is(err, ErrUnsupportedFeature) ||
		errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrInvalidRequest)
}

func unsupportedModel(provider string, kind AssetKind, model string) error {
	return fmt.Errorf("%w: %s does not serve %s model %q", ErrUnsupportedCombination, provider, kind, model)
}

func missingCredential(provider, envVar string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMissingCredential, provider, envVar)
}
