package ai

import (
	"context"
	"fmt"

	"corpuschat/internal/registry"
)

// placeholderAdapter owns a provider's models without serving them, so that
// selecting one fails loudly instead of being routed elsewhere.
type placeholderAdapter struct {
	modelSet
}

// NewMistralAdapter registers the Mistral models. Generation is not wired
// to an upstream client yet.
func NewMistralAdapter(reg *registry.Registry) Adapter {
	return &placeholderAdapter{modelSet: newModelSet(reg, registry.ProviderMistral)}
}

func (a *placeholderAdapter) Ready() error {
	return fmt.Errorf("%w: %s", ErrNotImplemented, a.provider)
}

func (a *placeholderAdapter) GenerateStream(_ context.Context, req GenerateRequest) (*Stream, error) {
	if err := a.ValidateModel(req.Model); err != nil {
		return nil, err
	}
	return nil, a.Ready()
}
