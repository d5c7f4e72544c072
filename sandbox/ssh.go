package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SSHConfig configures verification on a remote Docker host.
type SSHConfig struct {
	// Host is the remote host in "host:port" or "host" form.
	Host string
	// User is the SSH user.
	User string
	// KeyPath is the path to the SSH private key file.
	KeyPath string
	// DockerBin is the path to docker on the remote host (default "docker").
	DockerBin string
	// Binary is the local ssh client (default "ssh").
	Binary string
	// Image must provide python, pytest and tar (default "python:3.12-slim").
	Image string
	// Network is passed to --network (default "none").
	Network string
	// Memory is passed to --memory when set.
	Memory string
	// Root is where run directories are staged locally before upload.
	Root string
	// Timeout bounds each run (default 2m).
	Timeout time.Duration
}

// SSH runs pytest in a throwaway container on a remote Docker host. The
// run directory is streamed to the container as a tar archive on stdin, so
// nothing is left on the remote filesystem.
type SSH struct {
	config SSHConfig
}

// NewSSH creates a remote verifier.
func NewSSH(cfg SSHConfig) (*SSH, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh: Host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh: User is required")
	}
	if cfg.KeyPath != "" {
		if _, err := os.Stat(cfg.KeyPath); err != nil {
			return nil, fmt.Errorf("ssh: key file not found: %w", err)
		}
	}
	if cfg.DockerBin == "" {
		cfg.DockerBin = "docker"
	}
	if cfg.Binary == "" {
		cfg.Binary = "ssh"
	}
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
	return &SSH{config: cfg}, nil
}

// sshCmd builds an exec.Cmd that runs a command on the remote host.
func (s *SSH) sshCmd(ctx context.Context, remoteCmd string) *exec.Cmd {
	args := []string{
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "BatchMode=yes",
	}
	if s.config.KeyPath != "" {
		args = append(args, "-i", s.config.KeyPath)
	}
	host, port := s.config.Host, ""
	if h, p, ok := strings.Cut(s.config.Host, ":"); ok {
		host, port = h, p
	}
	if port != "" {
		args = append(args, "-p", port)
	}
	args = append(args, s.config.User+"@"+host, remoteCmd)
	return exec.CommandContext(ctx, s.config.Binary, args...)
}

// runCommand is the remote docker invocation for one verification.
func (s *SSH) runCommand(name string) string {
	inner := "mkdir -p /work && tar -x -C /work && cd /work && python " + strings.Join(pytestArgs(), " ")
	args := []string{
		s.config.DockerBin, "run", "-i", "--rm",
		"--name", name,
		"--label", dockerLabel + "=1",
		"--network", s.config.Network,
		"-e", "PYTHONPATH=/work",
		"-e", "PYTHONDONTWRITEBYTECODE=1",
	}
	if s.config.Memory != "" {
		args = append(args, "--memory", s.config.Memory)
	}
	args = append(args, s.config.Image, "sh", "-c", shellQuote(inner))
	return strings.Join(args, " ")
}

// Verify implements Verifier.
func (s *SSH) Verify(ctx context.Context, candidate, tests string) Result {
	dir, err := materialize(s.config.Root, candidate, tests)
	if err != nil {
		return failed("", "", err)
	}
	defer os.RemoveAll(dir)

	archive, err := tarDir(dir)
	if err != nil {
		return failed("", "", fmt.Errorf("packing run dir: %w", err))
	}

	runCtx, cancel := runContext(ctx, s.config.Timeout)
	defer cancel()

	name := "microcase-verify-" + uuid.New().String()[:8]
	var stdout, stderr bytes.Buffer
	cmd := s.sshCmd(runCtx, s.runCommand(name))
	cmd.Stdin = bytes.NewReader(archive)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err = cmd.Run()
	if runCtx.Err() != nil {
		// Dropping the connection does not stop the remote container.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = s.sshCmd(cleanupCtx, s.config.DockerBin+" rm -f "+name).Run()
		cleanupCancel()
		return failed(stdout.String(), stderr.String(), timeoutError(runCtx))
	}
	if err != nil {
		return failed(stdout.String(), stderr.String(), fmt.Errorf("remote docker run: %w", err))
	}
	return Result{Passed: true, Stdout: stdout.String(), Stderr: stderr.String()}
}

// Sweep removes exited verification containers on the remote host.
func (s *SSH) Sweep(ctx context.Context) error {
	list := fmt.Sprintf("%s ps -aq --filter label=%s --filter status=exited", s.config.DockerBin, dockerLabel)
	out, err := s.sshCmd(ctx, list).CombinedOutput()
	if err != nil {
		return fmt.Errorf("listing exited containers: %w\noutput: %s", err, string(out))
	}
	exited := strings.Fields(string(out))
	if len(exited) == 0 {
		return nil
	}
	rm := s.config.DockerBin + " rm -f " + strings.Join(exited, " ")
	if output, err := s.sshCmd(ctx, rm).CombinedOutput(); err != nil {
		return fmt.Errorf("removing containers: %w\noutput: %s", err, string(output))
	}
	return nil
}

// tarDir archives the regular files under dir with paths relative to it.
func tarDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
