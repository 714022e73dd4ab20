package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildReturnsRegisteredFactory(t *testing.T) {
	Register("test-build-returns-registered-factory", func(ctx context.Context, dataDir string) (Controller, func(), error) {
		return NewFakeController(), nil, nil
	})

	factory, err := Build("test-build-returns-registered-factory")
	require.NoError(t, err)

	controller, cleanup, err := factory(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, cleanup)
	assert.NotNil(t, controller)
}

func TestBuildFailsWhenFactoryUnregistered(t *testing.T) {
	_, err := Build("test-build-fails-when-factory-unregistered")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration_error")
}
