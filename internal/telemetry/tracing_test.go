package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "payflow", "test", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, Tracer())
}
