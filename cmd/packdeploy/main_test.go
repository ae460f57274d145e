package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/packdeploy/internal/apperr"
	"github.com/schaermu/packdeploy/internal/config"
)

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// writeLocalConfig writes a config deploying source to a local directory
func writeLocalConfig(t *testing.T, tmpDir, source, server string, extra string) string {
	t.Helper()
	content := `release:
  source: "` + source + `"
target:
  name: survival
  protocol: local
  remote_root: "` + filepath.ToSlash(server) + `"
paths:
  work_dir: "` + filepath.Join(tmpDir, "work") + `"
sync:
  prune: true
` + extra
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, cfgPath, content)
	return cfgPath
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	tmpDir := t.TempDir()
	cfgFile = writeLocalConfig(t, tmpDir, filepath.Join(tmpDir, "pack-1.0.zip"), filepath.Join(tmpDir, "server"), "")

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Release.ID != "pack-1.0" {
		t.Errorf("Release.ID = %q, want %q", cfg.Release.ID, "pack-1.0")
	}
	if cfg.Target.Protocol != config.ProtocolLocal {
		t.Errorf("Target.Protocol = %q, want local", cfg.Target.Protocol)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	_, err := loadConfig(quietLogger())
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())

	_, err := loadConfig(quietLogger())
	// Expect error because the default config file doesn't exist
	if err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestLoadRules(t *testing.T) {
	tmpDir := t.TempDir()
	rulesPath := filepath.Join(tmpDir, "rules.yaml")
	writeFile(t, rulesPath, `rules:
  - name: skip logs
    type: file_skip
    patterns: ["*.log"]
`)

	cfg := &config.Config{RulesFile: rulesPath}
	ruleSet, err := loadRules(cfg, quietLogger())
	if err != nil {
		t.Fatalf("loadRules returned error: %v", err)
	}
	if len(ruleSet) != 1 {
		t.Fatalf("got %d rules, want 1", len(ruleSet))
	}

	ruleSet, err = loadRules(&config.Config{}, quietLogger())
	if err != nil || ruleSet != nil {
		t.Errorf("loadRules without file = %v, %v; want nil, nil", ruleSet, err)
	}
}

func TestLockRelease(t *testing.T) {
	cfg := &config.Config{Paths: config.PathsConfig{WorkDir: filepath.Join(t.TempDir(), "work")}}

	unlock, err := lockRelease(cfg, "r1")
	if err != nil {
		t.Fatalf("lockRelease returned error: %v", err)
	}

	if _, err := lockRelease(cfg, "r1"); !errors.Is(err, errReleaseLocked) {
		t.Errorf("second lock error = %v, want errReleaseLocked", err)
	}

	// Other releases are independent
	unlockOther, err := lockRelease(cfg, "r2")
	if err != nil {
		t.Fatalf("lockRelease(r2) returned error: %v", err)
	}
	unlockOther()

	unlock()
	unlock, err = lockRelease(cfg, "r1")
	if err != nil {
		t.Fatalf("relock returned error: %v", err)
	}
	unlock()
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	origFormat, origLevel := outputFormat, logLevel
	t.Cleanup(func() {
		outputFormat, logLevel = origFormat, origLevel
		skipPatterns = nil
		dryRun = false
	})

	// Flag variables keep their values between Execute calls
	outputFormat, skipPatterns, dryRun = "text", nil, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDiffCmd(t *testing.T) {
	tmpDir := t.TempDir()
	oldDir := filepath.Join(tmpDir, "old")
	newDir := filepath.Join(tmpDir, "new")
	writeFile(t, filepath.Join(oldDir, "foo.txt"), "hello\n")
	writeFile(t, filepath.Join(oldDir, "debug.log"), "a")
	writeFile(t, filepath.Join(newDir, "foo.txt"), "hello world\n")
	writeFile(t, filepath.Join(newDir, "bar.txt"), "new\n")

	out, err := execute(t, "diff", oldDir, newDir, "--skip", "*.log")
	if err != nil {
		t.Fatalf("diff returned error: %v", err)
	}
	for _, want := range []string{"A bar.txt", "M foo.txt", "-hello", "+hello world", "1 added, 1 modified, 0 removed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "debug.log") {
		t.Errorf("skipped file reported:\n%s", out)
	}
}

func TestDeployCmd(t *testing.T) {
	tmpDir := t.TempDir()
	source := filepath.Join(tmpDir, "pack-1.0")
	server := filepath.Join(tmpDir, "server")
	writeFile(t, filepath.Join(source, "mods", "a.jar"), "a")
	writeFile(t, filepath.Join(server, "mods", "old.jar"), "old")
	writeFile(t, filepath.Join(server, "world", "level.dat"), "w")

	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgPath := writeLocalConfig(t, tmpDir, source, server, "")

	out, err := execute(t, "--config", cfgPath, "deploy", "--dry-run")
	if err != nil {
		t.Fatalf("dry-run deploy returned error: %v", err)
	}
	if !strings.Contains(out, "1 added, 0 modified, 1 removed") {
		t.Errorf("unexpected dry-run output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(server, "mods", "a.jar")); !os.IsNotExist(err) {
		t.Error("dry-run uploaded mods/a.jar")
	}

	out, err = execute(t, "--config", cfgPath, "deploy")
	if err != nil {
		t.Fatalf("deploy returned error: %v", err)
	}
	if !strings.Contains(out, "(deployed)") {
		t.Errorf("unexpected deploy output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(server, "mods", "a.jar")); err != nil {
		t.Errorf("mods/a.jar not deployed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(server, "mods", "old.jar")); !os.IsNotExist(err) {
		t.Error("mods/old.jar was not pruned")
	}
	if _, err := os.Stat(filepath.Join(server, "world", "level.dat")); err != nil {
		t.Errorf("world/level.dat was touched: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "work", "pack-1.0", "report.json")); err != nil {
		t.Errorf("report not saved: %v", err)
	}
}

func TestDiffCmd_GroupsByType(t *testing.T) {
	tmpDir := t.TempDir()
	oldDir := filepath.Join(tmpDir, "old")
	newDir := filepath.Join(tmpDir, "new")
	writeFile(t, filepath.Join(oldDir, "a.txt"), "gone\n")
	writeFile(t, filepath.Join(oldDir, "m.txt"), "one\n")
	writeFile(t, filepath.Join(newDir, "m.txt"), "two\n")
	writeFile(t, filepath.Join(newDir, "z.txt"), "new\n")

	out, err := execute(t, "diff", oldDir, newDir)
	if err != nil {
		t.Fatalf("diff returned error: %v", err)
	}
	added := strings.Index(out, "A z.txt")
	modified := strings.Index(out, "M m.txt")
	removed := strings.Index(out, "D a.txt")
	if added < 0 || modified < 0 || removed < 0 {
		t.Fatalf("output missing changes:\n%s", out)
	}
	if !(added < modified && modified < removed) {
		t.Errorf("changes not grouped as added, modified, removed:\n%s", out)
	}
}

func TestDiffCmd_NoChanges(t *testing.T) {
	tmpDir := t.TempDir()
	oldDir := filepath.Join(tmpDir, "old")
	newDir := filepath.Join(tmpDir, "new")
	writeFile(t, filepath.Join(oldDir, "same.txt"), "x")
	writeFile(t, filepath.Join(newDir, "same.txt"), "x")

	out, err := execute(t, "diff", oldDir, newDir)
	if err != nil {
		t.Fatalf("diff returned error: %v", err)
	}
	if strings.TrimSpace(out) != "no changes" {
		t.Errorf("expected %q, got:\n%s", "no changes", out)
	}
}

func TestReportCmd(t *testing.T) {
	tmpDir := t.TempDir()
	source := filepath.Join(tmpDir, "pack-1.0")
	server := filepath.Join(tmpDir, "server")
	writeFile(t, filepath.Join(source, "mods", "a.jar"), "a")
	writeFile(t, filepath.Join(server, "mods", "old.jar"), "old")

	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgPath := writeLocalConfig(t, tmpDir, source, server, "")

	if _, err := execute(t, "--config", cfgPath, "report"); err == nil {
		t.Fatal("expected error before any report exists, got nil")
	}

	if _, err := execute(t, "--config", cfgPath, "prepare"); err != nil {
		t.Fatalf("prepare returned error: %v", err)
	}

	out, err := execute(t, "--config", cfgPath, "report")
	if err != nil {
		t.Fatalf("report returned error: %v", err)
	}
	for _, want := range []string{"release pack-1.0 -> survival (prepared)", "A mods/a.jar", "1 added, 0 modified, 1 removed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "--config", cfgPath, "report", "pack-1.0", "-o", "json")
	if err != nil {
		t.Fatalf("report -o json returned error: %v", err)
	}
	if !strings.Contains(out, `"status": "prepared"`) {
		t.Errorf("unexpected json report:\n%s", out)
	}

	if _, err := execute(t, "--config", cfgPath, "report", "../escape"); err == nil {
		t.Error("expected error for invalid release id, got nil")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"untyped", errors.New("boom"), 1},
		{"source", apperr.Sourcef("stat source", "/src", "missing"), 2},
		{"connection", fmt.Errorf("failed to connect: %w", apperr.Connection("dial", "mc:22", errors.New("refused"))), 3},
		{"transfer", apperr.Transfer("upload", "mods/a.jar", errors.New("eof")), 4},
		{"patch", apperr.Patch("apply", "config/a.toml", errors.New("bad")), 5},
		{"io", apperr.IO("write", "/tmp/x", errors.New("full")), 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestVersionCmd(t *testing.T) {
	t.Helper()
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}
