//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/packdeploy/internal/remote"
)

const (
	defaultImage   = "atmoz/sftp:alpine"
	sftpUser       = "deploy"
	sftpPassword   = "deploy-secret"
	sftpUID        = "1001"
	defaultTimeout = 5 * time.Minute

	// serverDir is the chrooted SFTP path of the modpack server
	serverDir = "/srv"
	// containerServerDir is the same directory seen from inside the container
	containerServerDir = "/home/" + sftpUser + serverDir
)

// Harness runs a disposable SFTP server container for integration tests
type Harness struct {
	t           *testing.T
	containerID string
	image       string
	port        int
	keepOnFail  bool
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	image := os.Getenv("INTEGRATION_SFTP_IMAGE")
	if image == "" {
		image = defaultImage
	}
	return &Harness{
		t:          t,
		image:      image,
		keepOnFail: os.Getenv("INTEGRATION_KEEP_CONTAINER") == "1",
	}
}

// PullImage pulls the SFTP server image
func (h *Harness) PullImage(ctx context.Context) error {
	h.t.Helper()
	h.t.Logf("Pulling image %s", h.image)

	cmd := exec.CommandContext(ctx, "docker", "pull", h.image)
	cmd.Stdout = &testWriter{t: h.t, prefix: "[pull] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[pull] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker pull: %w", err)
	}
	return nil
}

// StartContainer starts the SFTP server and resolves its published port
func (h *Harness) StartContainer(ctx context.Context) error {
	h.t.Helper()
	h.t.Log("Starting container")

	cmd := exec.CommandContext(ctx,
		"docker", "run",
		"-d",
		"--rm",
		"-p", "127.0.0.1::22",
		h.image,
		fmt.Sprintf("%s:%s:%s::%s", sftpUser, sftpPassword, sftpUID, strings.TrimPrefix(serverDir, "/")),
	)

	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("docker run: %w", err)
	}
	h.containerID = strings.TrimSpace(string(out))
	h.t.Logf("Container started: %s", h.containerID)

	portOut, err := exec.CommandContext(ctx, "docker", "port", h.containerID, "22/tcp").Output()
	if err != nil {
		return fmt.Errorf("docker port: %w", err)
	}
	// Output looks like "127.0.0.1:49153", possibly followed by an IPv6 line
	first := strings.SplitN(strings.TrimSpace(string(portOut)), "\n", 2)[0]
	_, portStr, err := net.SplitHostPort(first)
	if err != nil {
		return fmt.Errorf("parse docker port output %q: %w", first, err)
	}
	h.port, err = strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("parse port %q: %w", portStr, err)
	}
	return nil
}

// Credentials returns SFTP credentials for the running container. The
// password is written to a file the way operators configure it.
func (h *Harness) Credentials() (remote.Credentials, string) {
	h.t.Helper()
	passwordFile := filepath.Join(h.t.TempDir(), "password")
	if err := os.WriteFile(passwordFile, []byte(sftpPassword+"\n"), 0600); err != nil {
		h.t.Fatalf("write password file: %v", err)
	}
	return remote.Credentials{
		Host:                  "127.0.0.1",
		Port:                  h.port,
		User:                  sftpUser,
		Password:              sftpPassword,
		InsecureIgnoreHostKey: true,
		Timeout:               10 * time.Second,
	}, passwordFile
}

// WaitReady polls until an SFTP session can be opened
func (h *Harness) WaitReady(ctx context.Context) error {
	h.t.Helper()
	creds, _ := h.Credentials()

	deadline := time.Now().Add(30 * time.Second)
	for {
		client, err := remote.Dial(ctx, creds)
		if err == nil {
			return client.Close()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("sftp server not ready: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Cleanup stops and removes the container
func (h *Harness) Cleanup(ctx context.Context) {
	h.t.Helper()
	if h.containerID == "" {
		return
	}

	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_CONTAINER=1, keeping container %s", h.containerID)
		h.t.Logf("To inspect: docker exec -it %s /bin/sh", h.containerID)
		h.t.Logf("To cleanup: docker stop %s", h.containerID)
		return
	}

	h.t.Logf("Stopping container %s", h.containerID)
	cmd := exec.CommandContext(ctx, "docker", "stop", h.containerID)
	if err := cmd.Run(); err != nil {
		h.t.Logf("Warning: failed to stop container: %v", err)
	}
}

// Exec executes a command in the container
func (h *Harness) Exec(ctx context.Context, cmd ...string) (string, string, int, error) {
	h.t.Helper()
	if h.containerID == "" {
		return "", "", 0, fmt.Errorf("container not started")
	}

	args := append([]string{"exec", h.containerID}, cmd...)
	execCmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec executes a command and fails the test if it returns non-zero
func (h *Harness) MustExec(ctx context.Context, cmd ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, cmd...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\ncmd: %v",
			exitCode, stdout, stderr, cmd)
	}
	return stdout, stderr
}

// SeedServer replaces the server directory with tree and hands it to the
// SFTP user.
func (h *Harness) SeedServer(ctx context.Context, tree map[string]string) {
	h.t.Helper()
	h.MustExec(ctx, "sh", "-c", fmt.Sprintf("rm -rf %s/* && mkdir -p %s", containerServerDir, containerServerDir))
	for rel, content := range tree {
		if err := h.WriteFile(ctx, containerServerDir+"/"+rel, content); err != nil {
			h.t.Fatalf("seed %s: %v", rel, err)
		}
	}
	h.MustExec(ctx, "chown", "-R", sftpUID, containerServerDir)
}

// WriteFile writes a file to the container
func (h *Harness) WriteFile(ctx context.Context, path, content string) error {
	h.t.Helper()
	if h.containerID == "" {
		return fmt.Errorf("container not started")
	}

	// Create parent directory
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		_, _, _, err := h.Exec(ctx, "mkdir", "-p", dir)
		if err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
	}

	// Write file using sh -c with cat
	cmd := exec.CommandContext(ctx,
		"docker", "exec", "-i", h.containerID,
		"sh", "-c", fmt.Sprintf("cat > %s", path),
	)
	cmd.Stdin = strings.NewReader(content)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}

// ReadFile reads a file from the container
func (h *Harness) ReadFile(ctx context.Context, path string) (string, error) {
	h.t.Helper()
	stdout, _, exitCode, err := h.Exec(ctx, "cat", path)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("cat failed with exit code %d", exitCode)
	}
	return stdout, nil
}

// ServerFile reads a file relative to the server directory
func (h *Harness) ServerFile(ctx context.Context, rel string) (string, error) {
	h.t.Helper()
	return h.ReadFile(ctx, containerServerDir+"/"+rel)
}

// FileExists checks if a file exists in the container
func (h *Harness) FileExists(ctx context.Context, path string) bool {
	h.t.Helper()
	_, _, exitCode, _ := h.Exec(ctx, "test", "-f", path)
	return exitCode == 0
}

// ServerFileExists checks for a file relative to the server directory
func (h *Harness) ServerFileExists(ctx context.Context, rel string) bool {
	h.t.Helper()
	return h.FileExists(ctx, containerServerDir+"/"+rel)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
