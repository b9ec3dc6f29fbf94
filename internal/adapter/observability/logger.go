package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Dev environments log at
// debug, everything else at info. Every line carries the service name and
// environment so the server and worker can share one log stream.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
