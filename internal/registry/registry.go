// Package registry holds the process-wide table of chat models and the
// provider that serves each of them.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Provider is the closed set of upstream LLM vendors.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderGroq      Provider = "groq"
	ProviderMistral   Provider = "mistral"
)

var providers = []Provider{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderGroq,
	ProviderMistral,
}

// Providers returns every known provider in dispatch order.
func Providers() []Provider {
	out := make([]Provider, len(providers))
	copy(out, providers)
	return out
}

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	for _, known := range providers {
		if p == known {
			return true
		}
	}
	return false
}

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrInvalidModel = errors.New("invalid model definition")
)

// Model describes a selectable chat model.
type Model struct {
	ID           string   `json:"id"`
	Provider     Provider `json:"provider"`
	DisplayName  string   `json:"display_name"`
	Logo         string   `json:"logo"`
	Temperature  float32  `json:"temperature"`
	SystemPrompt string   `json:"-"`
}

// Registry is immutable after New returns.
type Registry struct {
	models     []Model
	byID       map[string]int
	byProvider map[Provider][]string
}

// New validates the model table. Every id must be non-empty, unique and owned
// by a known provider.
func New(models ...Model) (*Registry, error) {
	r := &Registry{
		models:     make([]Model, 0, len(models)),
		byID:       make(map[string]int, len(models)),
		byProvider: make(map[Provider][]string),
	}
	for _, m := range models {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidModel)
		}
		if !m.Provider.Valid() {
			return nil, fmt.Errorf("%w: model %s has unknown provider %q", ErrInvalidModel, m.ID, m.Provider)
		}
		if idx, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("%w: model %s listed under %s and %s", ErrInvalidModel, m.ID, r.models[idx].Provider, m.Provider)
		}
		if m.DisplayName == "" {
			m.DisplayName = m.ID
		}
		r.byID[m.ID] = len(r.models)
		r.models = append(r.models, m)
		r.byProvider[m.Provider] = append(r.byProvider[m.Provider], m.ID)
	}
	return r, nil
}

// MustNew is New for static tables.
func MustNew(models ...Model) *Registry {
	r, err := New(models...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns a copy of the model registered under id.
func (r *Registry) Lookup(id string) (Model, error) {
	if r == nil {
		return Model{}, ErrUnknownModel
	}
	idx, ok := r.byID[id]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return r.models[idx], nil
}

// ModelsFor lists the model ids owned by p.
func (r *Registry) ModelsFor(p Provider) []string {
	if r == nil {
		return nil
	}
	ids := r.byProvider[p]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// All returns the models in declaration order.
func (r *Registry) All() []Model {
	if r == nil {
		return nil
	}
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}
