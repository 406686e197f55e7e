package ai

import (
	"errors"
	"fmt"

	"corpuschat/internal/config"
	"corpuschat/internal/registry"
)

// Dispatcher picks the adapter owning a model id.
type Dispatcher struct {
	reg      *registry.Registry
	adapters map[registry.Provider]Adapter
}

// NewDispatcher requires exactly one adapter for every known provider.
func NewDispatcher(reg *registry.Registry, adapters ...Adapter) (*Dispatcher, error) {
	if reg == nil {
		return nil, errors.New("registry required")
	}
	d := &Dispatcher{
		reg:      reg,
		adapters: make(map[registry.Provider]Adapter, len(adapters)),
	}
	for _, a := range adapters {
		p := a.Provider()
		if !p.Valid() {
			return nil, fmt.Errorf("adapter for unknown provider %q", p)
		}
		if _, dup := d.adapters[p]; dup {
			return nil, fmt.Errorf("duplicate adapter for provider %s", p)
		}
		d.adapters[p] = a
	}
	for _, p := range registry.Providers() {
		if _, ok := d.adapters[p]; !ok {
			return nil, fmt.Errorf("missing adapter for provider %s", p)
		}
	}
	return d, nil
}

// Dispatch returns the adapter whose provider lists modelID.
func (d *Dispatcher) Dispatch(modelID string) (Adapter, error) {
	for _, p := range registry.Providers() {
		for _, id := range d.reg.ModelsFor(p) {
			if id == modelID {
				return d.adapters[p], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProviderForModel, modelID)
}

// NewDefaultAdapters builds one adapter per provider from configuration.
func NewDefaultAdapters(reg *registry.Registry, providers func(name string) config.ProviderConfig) []Adapter {
	return []Adapter{
		NewOpenAIAdapter(reg, providers(string(registry.ProviderOpenAI))),
		NewAnthropicAdapter(reg, providers(string(registry.ProviderAnthropic))),
		NewGoogleAdapter(reg, providers(string(registry.ProviderGoogle))),
		NewGroqAdapter(reg, providers(string(registry.ProviderGroq))),
		NewMistralAdapter(reg),
	}
}
