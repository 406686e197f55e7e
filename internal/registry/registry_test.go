package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsDuplicateModel(t *testing.T) {
	_, err := New(
		Model{ID: "gpt-4o", Provider: ProviderOpenAI},
		Model{ID: "gpt-4o", Provider: ProviderAnthropic},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidModel))
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Model{ID: "x", Provider: "cohere"})
	assert.ErrorIs(t, err, ErrInvalidModel)

	_, err = New(Model{ID: "  ", Provider: ProviderOpenAI})
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestLookupUnknown(t *testing.T) {
	_, err := Default().Lookup("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestLookupIsIdempotent(t *testing.T) {
	reg := Default()
	for _, m := range reg.All() {
		first, err := reg.Lookup(m.ID)
		require.NoError(t, err)
		first.DisplayName = "mutated"

		second, err := reg.Lookup(m.ID)
		require.NoError(t, err)
		third, err := reg.Lookup(m.ID)
		require.NoError(t, err)
		assert.Equal(t, second, third)
		assert.Equal(t, m, second)
	}
}

func TestEveryModelHasExactlyOneProvider(t *testing.T) {
	reg := Default()
	owners := map[string]int{}
	for _, p := range Providers() {
		for _, id := range reg.ModelsFor(p) {
			owners[id]++
		}
	}
	for _, m := range reg.All() {
		assert.Equal(t, 1, owners[m.ID], m.ID)
	}
}

func TestModelsForReturnsCopy(t *testing.T) {
	reg := Default()
	ids := reg.ModelsFor(ProviderOpenAI)
	require.NotEmpty(t, ids)
	ids[0] = "changed"
	assert.NotEqual(t, "changed", reg.ModelsFor(ProviderOpenAI)[0])
}

func TestDefaultCoversEveryProvider(t *testing.T) {
	reg := Default()
	for _, p := range Providers() {
		assert.NotEmpty(t, reg.ModelsFor(p), p)
	}
	m, err := reg.Lookup("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, m.Provider)
	m, err = reg.Lookup("claude-3-7-sonnet-latest")
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, m.Provider)
}
