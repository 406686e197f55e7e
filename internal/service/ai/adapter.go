package ai

import (
	"context"
	"fmt"

	"corpuschat/internal/registry"
)

// GenerateRequest is one structured generation call.
type GenerateRequest struct {
	Model       string
	Messages    []Message
	Temperature float32
	// APIKey overrides the provider key from configuration when set.
	APIKey string
	// OnFinish runs once with the validated final object. It is not called
	// when the generation fails.
	OnFinish func(Object)
}

// Adapter turns a GenerateRequest into a provider-specific streaming call.
type Adapter interface {
	Provider() registry.Provider
	SupportedModels() []string
	ValidateModel(model string) error
	// Ready reports whether the adapter can serve generations at all.
	Ready() error
	GenerateStream(ctx context.Context, req GenerateRequest) (*Stream, error)
}

// modelSet is embedded by adapters to answer SupportedModels and
// ValidateModel from the registry.
type modelSet struct {
	provider registry.Provider
	ids      []string
	index    map[string]struct{}
}

func newModelSet(reg *registry.Registry, p registry.Provider) modelSet {
	ids := reg.ModelsFor(p)
	index := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		index[id] = struct{}{}
	}
	return modelSet{provider: p, ids: ids, index: index}
}

func (m modelSet) Provider() registry.Provider { return m.provider }

func (m modelSet) SupportedModels() []string {
	out := make([]string, len(m.ids))
	copy(out, m.ids)
	return out
}

func (m modelSet) Ready() error { return nil }

func (m modelSet) ValidateModel(model string) error {
	if _, ok := m.index[model]; !ok {
		return fmt.Errorf("%w: %s is not served by %s", ErrUnsupportedModel, model, m.provider)
	}
	return nil
}
