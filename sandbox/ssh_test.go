package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSSH writes a stand-in ssh client that records its arguments and stdin
// and then prints out and exits with code.
func fakeSSH(t *testing.T, out string, code int) (bin, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	dir = t.TempDir()
	bin = filepath.Join(dir, "ssh")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > " + filepath.Join(dir, "args") + "\n" +
		"cat > " + filepath.Join(dir, "stdin.tar") + "\n" +
		"echo '" + out + "'\n" +
		"exit " + string(rune('0'+code)) + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, dir
}

func TestNewSSHValidation(t *testing.T) {
	_, err := NewSSH(SSHConfig{User: "u"})
	require.ErrorContains(t, err, "Host")

	_, err = NewSSH(SSHConfig{Host: "h"})
	require.ErrorContains(t, err, "User")

	_, err = NewSSH(SSHConfig{Host: "h", User: "u", KeyPath: filepath.Join(t.TempDir(), "missing")})
	require.ErrorContains(t, err, "key file")
}

func TestSSHRunCommand(t *testing.T) {
	s, err := NewSSH(SSHConfig{Host: "h", User: "u", Memory: "256m"})
	require.NoError(t, err)

	cmd := s.runCommand("microcase-verify-x")
	require.True(t, strings.HasPrefix(cmd, "docker run -i --rm --name microcase-verify-x"))
	require.Contains(t, cmd, "--label "+dockerLabel+"=1")
	require.Contains(t, cmd, "--network none")
	require.Contains(t, cmd, "--memory 256m")
	require.Contains(t, cmd, "python:3.12-slim sh -c 'mkdir -p /work && tar -x -C /work")
	require.Contains(t, cmd, "-m pytest")
}

func TestSSHVerifyStreamsRunDir(t *testing.T) {
	bin, dir := fakeSSH(t, "1 passed", 0)
	s, err := NewSSH(SSHConfig{Host: "build.example.com:2222", User: "ci", Binary: bin, Root: t.TempDir()})
	require.NoError(t, err)

	res := s.Verify(context.Background(), "def add(a, b):\n    return a + b\n", addTests)
	require.True(t, res.Passed, res.Combined())
	require.Contains(t, res.Stdout, "1 passed")

	args, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	require.Contains(t, string(args), "-p\n2222\n")
	require.Contains(t, string(args), "ci@build.example.com\n")

	f, err := os.Open(filepath.Join(dir, "stdin.tar"))
	require.NoError(t, err)
	defer f.Close()
	files := map[string]string{}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var b bytes.Buffer
		_, err = io.Copy(&b, tr)
		require.NoError(t, err)
		files[hdr.Name] = b.String()
	}
	require.Contains(t, files[ModuleName+".py"], "return a + b")
	require.Equal(t, addTests, files["tests/"+TestFileName])
}

func TestSSHVerifyFailure(t *testing.T) {
	bin, _ := fakeSSH(t, "1 failed", 1)
	s, err := NewSSH(SSHConfig{Host: "h", User: "u", Binary: bin, Root: t.TempDir()})
	require.NoError(t, err)

	res := s.Verify(context.Background(), "def add(a, b):\n    return a - b\n", addTests)
	require.False(t, res.Passed)
	require.Contains(t, res.Stdout, "1 failed")
	require.Contains(t, res.Stderr, "remote docker run")
}

func TestShellQuote(t *testing.T) {
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
