package observability

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/config"
)

func TestSetupLogger(t *testing.T) {
	require.NotNil(t, SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "orchestrator"}))
	require.NotNil(t, SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "orchestrator"}))
}
