// Package scanner invokes the analysis scanner CLI for one checked-out commit.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// submissionIDPattern matches the report-processing line the scanner prints on
// a successful submit, e.g. ".../api/ce/task?id=AYhK3...".
var submissionIDPattern = regexp.MustCompile(`api/ce/task\?id=([A-Za-z0-9_\-]+)`)

// CLI runs the per-instance scanner binary with exec and captures its output.
type CLI struct {
	logDir      string
	timeout     time.Duration
	defaultArgs string
}

// NewCLI builds a CLI scanner. Logs land under logDir, one file per component
// key; timeout bounds a single scanner run.
func NewCLI(logDir string, timeout time.Duration, defaultArgs string) *CLI {
	return &CLI{logDir: logDir, timeout: timeout, defaultArgs: defaultArgs}
}

// Run executes the scan and returns the parsed submission id plus the log
// path. Failure classes: invalid override config-invalid (permanent), context
// timeout scan-timeout (retryable), nonzero exit scan-failed (retryable),
// missing submission id submission-id-missing (permanent).
func (s *CLI) Run(ctx domain.Context, in domain.ScanInput) (domain.ScanOutput, error) {
	tracer := otel.Tracer("adapter.scanner")
	ctx, span := tracer.Start(ctx, "scanner.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("scan.component_key", in.ComponentKey),
		attribute.String("scan.instance", in.Instance.Name),
	)

	args, err := s.buildArgs(in)
	if err != nil {
		return domain.ScanOutput{}, err
	}

	if err := os.MkdirAll(s.logDir, 0o750); err != nil {
		return domain.ScanOutput{}, fmt.Errorf("op=scanner.Run: %w", err)
	}
	logPath := filepath.Join(s.logDir, in.ComponentKey+".log")
	logFile, err := os.Create(logPath) // #nosec G304 -- path derived from component key under our log dir
	if err != nil {
		return domain.ScanOutput{}, fmt.Errorf("op=scanner.Run: create log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	runCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var out bytes.Buffer
	tee := io.MultiWriter(logFile, &out)

	cmd := exec.CommandContext(runCtx, in.Instance.ScannerPath, args...) // #nosec G204 -- binary path comes from operator config
	cmd.Dir = in.Workdir
	cmd.Stdout = tee
	cmd.Stderr = tee
	cmd.Env = append(os.Environ(), "SONAR_TOKEN="+in.Instance.Token)

	runErr := cmd.Run()
	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return domain.ScanOutput{LogPath: logPath}, domain.NewTransientError(domain.ReasonScanTimeout,
				fmt.Errorf("op=scanner.Run: killed after %s: %w", s.timeout, runErr))
		}
		return domain.ScanOutput{LogPath: logPath}, domain.NewTransientError(domain.ReasonScanFailed,
			fmt.Errorf("op=scanner.Run: %w", runErr))
	}

	m := submissionIDPattern.FindSubmatch(out.Bytes())
	if m == nil {
		return domain.ScanOutput{LogPath: logPath}, domain.NewPermanentError(domain.ReasonSubmissionIDMissing,
			fmt.Errorf("op=scanner.Run: no submission id in scanner output"))
	}
	return domain.ScanOutput{SubmissionID: string(m[1]), LogPath: logPath}, nil
}

// buildArgs assembles the scanner command line: fixed identity flags first,
// then the override (or defaults). Override tokens must all be flags; anything
// else is the operator's mistake and retrying cannot fix it.
func (s *CLI) buildArgs(in domain.ScanInput) ([]string, error) {
	args := []string{
		"-Dsonar.projectKey=" + in.ComponentKey,
		"-Dsonar.host.url=" + in.Instance.Host,
	}
	extra := in.ConfigOverride
	if extra == "" {
		extra = s.defaultArgs
	}
	for _, tok := range strings.Fields(extra) {
		if !strings.HasPrefix(tok, "-") {
			return nil, domain.NewPermanentError(domain.ReasonConfigInvalid,
				fmt.Errorf("op=scanner.buildArgs: unexpected token %q", tok))
		}
		args = append(args, tok)
	}
	return args, nil
}
