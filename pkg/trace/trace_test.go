package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTrace(t *testing.T) {
	shutdown, err := InitTrace("payment-engine", Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	shutdown, err = InitTrace("payment-engine", Config{Exporter: "stdout", Ratio: 0.5})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = InitTrace("payment-engine", Config{Exporter: "zipkin"})
	assert.Error(t, err)
}
