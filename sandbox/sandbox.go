// Package sandbox runs generated Python code against a generated pytest suite
// in an isolated working directory and reports the outcome.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ModuleName is the module name test suites import the candidate from.
	ModuleName = "solution_expert"
	// TestFileName is the file the test suite is written to under tests/.
	TestFileName = "test_microcase.py"
	// StudentTimeout bounds verification of the least trusted generations.
	StudentTimeout = 30 * time.Second
)

// Result is the outcome of one verification.
type Result struct {
	Passed bool
	Stdout string
	Stderr string
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Verifier runs a candidate against a test suite. Implementations never return
// errors: spawn failures, timeouts and filesystem errors all produce
// Passed=false with the error folded into Stderr. Implementations honor a
// limit set with WithRunTimeout.
type Verifier interface {
	Verify(ctx context.Context, candidate, tests string) Result
}

// Sweeper is implemented by verifiers that can clean up leftovers from
// interrupted runs.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

type runTimeoutKey struct{}

// WithRunTimeout bounds the verification run itself by d. The limit starts
// when the run starts, so time spent waiting for a Pool worker does not count
// against it.
func WithRunTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, runTimeoutKey{}, d)
}

// RunTimeout returns the limit set by WithRunTimeout.
func RunTimeout(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(runTimeoutKey{}).(time.Duration)
	return d, ok && d > 0
}

// runContext bounds a run by def, or by the caller's run timeout when shorter.
func runContext(ctx context.Context, def time.Duration) (context.Context, context.CancelFunc) {
	if d, ok := RunTimeout(ctx); ok && d < def {
		def = d
	}
	return context.WithTimeout(ctx, def)
}

// failed builds a failing Result carrying err in stderr.
func failed(stdout, stderr string, err error) Result {
	msg := err.Error()
	if stderr != "" {
		msg = strings.TrimRight(stderr, "\n") + "\n" + msg
	}
	return Result{Passed: false, Stdout: stdout, Stderr: msg}
}

// timeoutError converts a context error into the message reported to callers.
func timeoutError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if deadline, ok := ctx.Deadline(); ok {
			return fmt.Errorf("verification timed out at %s", deadline.Format(time.TimeOnly))
		}
		return errors.New("verification timed out")
	}
	return fmt.Errorf("verification canceled: %w", ctx.Err())
}

// materialize writes the candidate and tests into a fresh directory under root
// and returns its path.
func materialize(root, candidate, tests string) (string, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return "", fmt.Errorf("creating sandbox root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "verify-*")
	if err != nil {
		return "", fmt.Errorf("creating sandbox dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ModuleName+".py"), []byte(candidate), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("writing candidate: %w", err)
	}
	testsDir := filepath.Join(dir, "tests")
	if err := os.MkdirAll(testsDir, 0o755); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("creating tests dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(testsDir, TestFileName), []byte(tests), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("writing tests: %w", err)
	}
	return dir, nil
}

// pytestArgs are the arguments passed after the interpreter.
func pytestArgs() []string {
	return []string{"-m", "pytest", "-q", "--tb=short", "-p", "no:cacheprovider", "tests/"}
}
