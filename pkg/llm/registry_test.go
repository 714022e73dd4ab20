package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugninja-ai/bugninja/pkg/config"
)

func TestBuildUsesRegisteredFactory(t *testing.T) {
	Register("test-build-uses-registered-factory", func(cfg config.LLMConfig) (Provider, error) {
		return NewFakeProvider(nil), nil
	})

	provider, err := Build(config.LLMConfig{Provider: "test-build-uses-registered-factory", Model: "whatever"})
	require.NoError(t, err)
	assert.Equal(t, "fake-model", provider.ModelName())
}

func TestBuildFailsWhenProviderUnregistered(t *testing.T) {
	_, err := Build(config.LLMConfig{Provider: "test-build-fails-when-provider-unregistered"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration_error")
}
