package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
release:
  source: "/srv/packs/pack-1.4.2.tar.gz"

target:
  name: "survival-1"
  host: "mc.example.org"
  user: "deploy"
  key_file: "/home/deploy/.ssh/id_ed25519"
  known_hosts_file: "/home/deploy/.ssh/known_hosts"
  remote_root: "/home/mc/server"
  include_top_dirs: ["mods", "config"]

paths:
  work_dir: "/var/lib/packdeploy"

sync:
  prune: true

stage:
  exclude: ["__MACOSX/"]
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Release.ID != "pack-1.4.2" {
		t.Errorf("expected derived release id pack-1.4.2, got %s", cfg.Release.ID)
	}
	if cfg.Target.Protocol != ProtocolSFTP {
		t.Errorf("expected default protocol sftp, got %s", cfg.Target.Protocol)
	}
	if cfg.Target.Port != 22 {
		t.Errorf("expected default port 22, got %d", cfg.Target.Port)
	}
	if cfg.TimeoutDuration() != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %s", cfg.TimeoutDuration())
	}
	if cfg.Sync.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", cfg.Sync.Workers)
	}
	if !cfg.Sync.Prune {
		t.Error("expected prune to be enabled")
	}
	if len(cfg.Target.IncludeTopDirs) != 2 || cfg.Target.IncludeTopDirs[0] != "mods" {
		t.Errorf("unexpected include_top_dirs: %v", cfg.Target.IncludeTopDirs)
	}
	if len(cfg.Stage.Exclude) != 1 {
		t.Errorf("unexpected stage.exclude: %v", cfg.Stage.Exclude)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("target: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("expected parse error, got %v", err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("paths:\n  work_dir: relative\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func validSFTP() Config {
	return Config{
		Target: TargetConfig{
			Protocol:       ProtocolSFTP,
			Host:           "mc.example.org",
			Port:           22,
			User:           "deploy",
			KeyFile:        "/key",
			KnownHostsFile: "/known_hosts",
			Timeout:        "30s",
			RemoteRoot:     "/srv/mc",
		},
		Paths: PathsConfig{
			WorkDir: "/var/lib/packdeploy",
		},
		Sync: SyncConfig{
			Workers: 4,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid sftp", mutate: func(c *Config) {}},
		{
			name: "valid local",
			mutate: func(c *Config) {
				c.Target = TargetConfig{Protocol: ProtocolLocal, RemoteRoot: "/mnt/server", Timeout: "1s"}
			},
		},
		{
			name: "password with insecure host key",
			mutate: func(c *Config) {
				c.Target.KeyFile = ""
				c.Target.PasswordFile = "/pw"
				c.Target.KnownHostsFile = ""
				c.Target.InsecureIgnoreHostKey = true
			},
		},
		{name: "missing work dir", mutate: func(c *Config) { c.Paths.WorkDir = "" }, wantErr: "paths.work_dir is required"},
		{name: "relative work dir", mutate: func(c *Config) { c.Paths.WorkDir = "work" }, wantErr: "absolute"},
		{name: "relative assets dir", mutate: func(c *Config) { c.Paths.AssetsDir = "assets" }, wantErr: "paths.assets_dir"},
		{name: "bad release id", mutate: func(c *Config) { c.Release.ID = "../escape" }, wantErr: "release.id"},
		{name: "missing remote root", mutate: func(c *Config) { c.Target.RemoteRoot = "" }, wantErr: "target.remote_root is required"},
		{name: "relative remote root", mutate: func(c *Config) { c.Target.RemoteRoot = "srv" }, wantErr: "target.remote_root must be"},
		{name: "nested include dir", mutate: func(c *Config) { c.Target.IncludeTopDirs = []string{"mods/sub"} }, wantErr: "include_top_dirs"},
		{name: "dotdot include dir", mutate: func(c *Config) { c.Target.IncludeTopDirs = []string{".."} }, wantErr: "include_top_dirs"},
		{name: "bad timeout", mutate: func(c *Config) { c.Target.Timeout = "soon" }, wantErr: "target.timeout"},
		{name: "unknown protocol", mutate: func(c *Config) { c.Target.Protocol = "ftp" }, wantErr: "target.protocol"},
		{name: "missing host", mutate: func(c *Config) { c.Target.Host = "" }, wantErr: "target.host"},
		{name: "missing user", mutate: func(c *Config) { c.Target.User = "" }, wantErr: "target.user"},
		{name: "bad port", mutate: func(c *Config) { c.Target.Port = 70000 }, wantErr: "target.port"},
		{name: "both auth methods", mutate: func(c *Config) { c.Target.PasswordFile = "/pw" }, wantErr: "only one of"},
		{name: "no auth method", mutate: func(c *Config) { c.Target.KeyFile = "" }, wantErr: "one of password_file or key_file"},
		{
			name: "passphrase without key",
			mutate: func(c *Config) {
				c.Target.KeyFile = ""
				c.Target.PasswordFile = "/pw"
				c.Target.KeyPassphraseFile = "/pp"
			},
			wantErr: "key_passphrase_file",
		},
		{name: "no host key policy", mutate: func(c *Config) { c.Target.KnownHostsFile = "" }, wantErr: "known_hosts_file"},
		{name: "zero workers", mutate: func(c *Config) { c.Sync.Workers = 0 }, wantErr: "sync.workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validSFTP()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{Release: ReleaseConfig{Source: "/packs/My Pack.zip"}}
	cfg.applyDefaults()

	if cfg.Target.Protocol != ProtocolSFTP {
		t.Errorf("expected protocol sftp, got %s", cfg.Target.Protocol)
	}
	if cfg.Target.Timeout != "30s" {
		t.Errorf("expected timeout 30s, got %s", cfg.Target.Timeout)
	}
	if cfg.Release.ID != "My Pack" {
		t.Errorf("expected release id %q, got %q", "My Pack", cfg.Release.ID)
	}

	// explicit values are kept
	cfg = &Config{Release: ReleaseConfig{ID: "fixed", Source: "/x.zip"}, Sync: SyncConfig{Workers: 9}}
	cfg.applyDefaults()
	if cfg.Release.ID != "fixed" || cfg.Sync.Workers != 9 {
		t.Errorf("defaults overwrote explicit values: %+v", cfg)
	}
}

func TestReleaseIDFromSource(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"/srv/packs/pack-1.0.zip", "pack-1.0"},
		{"/srv/packs/pack.tar.gz", "pack"},
		{"/srv/packs/pack.TGZ", "pack"},
		{"/srv/packs/pack.tar.zst", "pack"},
		{"/srv/packs/unpacked/", "unpacked"},
		{"pack.tar", "pack"},
	}

	for _, tt := range tests {
		if got := ReleaseIDFromSource(tt.source); got != tt.want {
			t.Errorf("ReleaseIDFromSource(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := validSFTP()

	if got := cfg.ReleaseDir("r1"); got != "/var/lib/packdeploy/r1" {
		t.Errorf("ReleaseDir() = %s", got)
	}
	if got := cfg.ReportPath("r1"); got != "/var/lib/packdeploy/r1/report.json" {
		t.Errorf("ReportPath() = %s", got)
	}
	if got := cfg.LockPath("r1"); got != "/var/lib/packdeploy/r1.lock" {
		t.Errorf("LockPath() = %s", got)
	}
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		name   string
		target TargetConfig
		want   string
	}{
		{"key", TargetConfig{Protocol: ProtocolSFTP, KeyFile: "/key"}, "key"},
		{"password", TargetConfig{Protocol: ProtocolSFTP, PasswordFile: "/pw"}, "password"},
		{"local", TargetConfig{Protocol: ProtocolLocal, KeyFile: "/key"}, "none"},
		{"none", TargetConfig{Protocol: ProtocolSFTP}, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Target: tt.target}
			if got := cfg.AuthMethod(); got != tt.want {
				t.Errorf("AuthMethod() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("PACKDEPLOY_TEST_HOME", "/home/testuser")

	cfg := Config{
		Release: ReleaseConfig{
			ID:     "${PACKDEPLOY_TEST_HOME}-id",
			Source: "${PACKDEPLOY_TEST_HOME}/pack.zip",
		},
		Target: TargetConfig{
			Name:              "${PACKDEPLOY_TEST_HOME}",
			Host:              "${PACKDEPLOY_TEST_HOME}.example.org",
			User:              "${PACKDEPLOY_TEST_HOME}",
			PasswordFile:      "${PACKDEPLOY_TEST_HOME}/pw",
			KeyFile:           "${PACKDEPLOY_TEST_HOME}/.ssh/key",
			KeyPassphraseFile: "${PACKDEPLOY_TEST_HOME}/pp",
			KnownHostsFile:    "${PACKDEPLOY_TEST_HOME}/.ssh/known_hosts",
			RemoteRoot:        "${PACKDEPLOY_TEST_HOME}/server",
		},
		Paths: PathsConfig{
			WorkDir:   "${PACKDEPLOY_TEST_HOME}/work",
			AssetsDir: "${PACKDEPLOY_TEST_HOME}/assets",
		},
		RulesFile: "${PACKDEPLOY_TEST_HOME}/rules.yaml",
	}

	cfg.expandEnv()

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Release.ID", cfg.Release.ID, "/home/testuser-id"},
		{"Release.Source", cfg.Release.Source, "/home/testuser/pack.zip"},
		{"Target.Name", cfg.Target.Name, "/home/testuser"},
		{"Target.Host", cfg.Target.Host, "/home/testuser.example.org"},
		{"Target.User", cfg.Target.User, "/home/testuser"},
		{"Target.PasswordFile", cfg.Target.PasswordFile, "/home/testuser/pw"},
		{"Target.KeyFile", cfg.Target.KeyFile, "/home/testuser/.ssh/key"},
		{"Target.KeyPassphraseFile", cfg.Target.KeyPassphraseFile, "/home/testuser/pp"},
		{"Target.KnownHostsFile", cfg.Target.KnownHostsFile, "/home/testuser/.ssh/known_hosts"},
		{"Target.RemoteRoot", cfg.Target.RemoteRoot, "/home/testuser/server"},
		{"Paths.WorkDir", cfg.Paths.WorkDir, "/home/testuser/work"},
		{"Paths.AssetsDir", cfg.Paths.AssetsDir, "/home/testuser/assets"},
		{"RulesFile", cfg.RulesFile, "/home/testuser/rules.yaml"},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("expandEnv() %s = %s, want %s", c.name, c.got, c.want)
		}
	}
}
