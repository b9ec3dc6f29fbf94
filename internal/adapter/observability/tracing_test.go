package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/config"
)

func TestSetupTracing_NoEndpointStaysOff(t *testing.T) {
	shutdown, err := SetupTracing(config.Config{OTLPEndpoint: ""})
	require.NoError(t, err)
	assert.Nil(t, shutdown)
}

func TestSetupTracing_WithEndpoint(t *testing.T) {
	// The exporter connects lazily, so setup succeeds even with nothing
	// listening on the endpoint.
	shutdown, err := SetupTracing(config.Config{
		OTLPEndpoint:    "localhost:4317",
		OTELServiceName: "orchestrator-test",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
