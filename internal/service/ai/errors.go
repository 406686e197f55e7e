package ai

import (
	"errors"
	"fmt"

	"corpuschat/internal/registry"
)

var (
	ErrUnsupportedModel   = errors.New("unsupported model")
	ErrNoProviderForModel = errors.New("no provider for model")
	ErrNotImplemented     = errors.New("provider not implemented")
	ErrGenerationFailed   = errors.New("generation failed")
)

// GenerationError wraps an upstream failure; errors.Is matches both
// ErrGenerationFailed and the cause.
type GenerationError struct {
	Provider registry.Provider
	Model    string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s/%s: generation failed: %v", e.Provider, e.Model, e.Err)
}

func (e *GenerationError) Unwrap() []error {
	return []error{ErrGenerationFailed, e.Err}
}

func generationError(provider registry.Provider, model string, err error) error {
	return &GenerationError{Provider: provider, Model: model, Err: err}
}
