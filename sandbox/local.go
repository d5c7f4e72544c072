package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LocalConfig configures host-side verification.
type LocalConfig struct {
	// Python is the interpreter used to run pytest (default "python3").
	Python string
	// Root is where per-run directories are created (default os.TempDir()).
	Root string
	// Timeout bounds each run (default 2m).
	Timeout time.Duration
	// MaxAge is how old a leftover run directory must be before Sweep removes it (default 10m).
	MaxAge time.Duration
}

// Local runs pytest as a host subprocess in a fresh temp directory.
type Local struct {
	config LocalConfig
}

// NewLocal creates a host verifier.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "microcase-sandbox")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	return &Local{config: cfg}
}

// Verify implements Verifier.
func (l *Local) Verify(ctx context.Context, candidate, tests string) Result {
	dir, err := materialize(l.config.Root, candidate, tests)
	if err != nil {
		return failed("", "", err)
	}
	defer os.RemoveAll(dir)

	runCtx, cancel := runContext(ctx, l.config.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, l.config.Python, pytestArgs()...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PYTHONPATH="+dir, "PYTHONDONTWRITEBYTECODE=1")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err = cmd.Run()
	if runCtx.Err() != nil {
		return failed(stdout.String(), stderr.String(), timeoutError(runCtx))
	}
	if err != nil {
		return failed(stdout.String(), stderr.String(), fmt.Errorf("pytest: %w", err))
	}
	return Result{Passed: true, Stdout: stdout.String(), Stderr: stderr.String()}
}

// Sweep removes run directories left behind by interrupted verifications.
func (l *Local) Sweep(_ context.Context) error {
	entries, err := os.ReadDir(l.config.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading sandbox root: %w", err)
	}
	cutoff := time.Now().Add(-l.config.MaxAge)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "verify-") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.config.Root, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	return nil
}
