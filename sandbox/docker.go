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

	"github.com/google/uuid"
)

const dockerLabel = "microcase.verify"

// DockerConfig configures container-backed verification.
type DockerConfig struct {
	// Image must provide python and pytest (default "python:3.12-slim").
	Image string
	// Network is passed to --network (default "none").
	Network string
	// Root is where per-run directories are created before being mounted.
	Root string
	// Timeout bounds each run (default 2m).
	Timeout time.Duration
	// Memory is passed to --memory when set, e.g. "256m".
	Memory string
}

// Docker runs pytest inside a throwaway container with the run directory
// mounted read-only.
type Docker struct {
	config DockerConfig
}

// NewDocker creates a container verifier.
func NewDocker(cfg DockerConfig) *Docker {
	if cfg.Image == "" {
		cfg.Image = "python:3.12-slim"
	}
	if cfg.Network == "" {
		cfg.Network = "none"
	}
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "microcase-sandbox")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Docker{config: cfg}
}

// Verify implements Verifier.
func (d *Docker) Verify(ctx context.Context, candidate, tests string) Result {
	dir, err := materialize(d.config.Root, candidate, tests)
	if err != nil {
		return failed("", "", err)
	}
	defer os.RemoveAll(dir)

	name := "microcase-verify-" + uuid.New().String()[:8]
	args := []string{
		"run", "--rm",
		"--name", name,
		"--label", dockerLabel + "=1",
		"--network", d.config.Network,
		"-v", dir + ":/work:ro",
		"-w", "/work",
		"-e", "PYTHONPATH=/work",
		"-e", "PYTHONDONTWRITEBYTECODE=1",
	}
	if d.config.Memory != "" {
		args = append(args, "--memory", d.config.Memory)
	}
	args = append(args, d.config.Image, "python")
	args = append(args, pytestArgs()...)

	runCtx, cancel := runContext(ctx, d.config.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "docker", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err = cmd.Run()
	if runCtx.Err() != nil {
		// Killing the client does not stop the container.
		_ = exec.Command("docker", "rm", "-f", name).Run()
		return failed(stdout.String(), stderr.String(), timeoutError(runCtx))
	}
	if err != nil {
		return failed(stdout.String(), stderr.String(), fmt.Errorf("docker run: %w", err))
	}
	return Result{Passed: true, Stdout: stdout.String(), Stderr: stderr.String()}
}

// Sweep force-removes any verification containers that outlived their run.
func (d *Docker) Sweep(ctx context.Context) error {
	// Only exited containers; running ones may belong to an in-flight Verify.
	out, err := exec.CommandContext(ctx, "docker", "ps", "-aq", "--filter", "label="+dockerLabel, "--filter", "status=exited").CombinedOutput()
	if err != nil {
		return fmt.Errorf("listing exited containers: %w\noutput: %s", err, string(out))
	}
	exited := strings.Fields(string(out))
	if len(exited) == 0 {
		return nil
	}
	rm := exec.CommandContext(ctx, "docker", append([]string{"rm", "-f"}, exited...)...)
	if output, err := rm.CombinedOutput(); err != nil {
		return fmt.Errorf("removing containers: %w\noutput: %s", err, string(output))
	}
	return nil
}
