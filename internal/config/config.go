package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol selects how the target server is reached
type Protocol string

const (
	ProtocolSFTP  Protocol = "sftp"
	ProtocolLocal Protocol = "local"
)

const (
	defaultPort    = 22
	defaultTimeout = "30s"
	defaultWorkers = 4
)

// DefaultPath is used when no --config flag is given
const DefaultPath = "$HOME/.config/packdeploy/config.yaml"

// Config represents the complete packdeploy configuration
type Config struct {
	Release   ReleaseConfig `yaml:"release"`
	Target    TargetConfig  `yaml:"target"`
	Paths     PathsConfig   `yaml:"paths"`
	RulesFile string        `yaml:"rules_file"`
	Sync      SyncConfig    `yaml:"sync"`
	Stage     StageConfig   `yaml:"stage"`
}

// ReleaseConfig names the release to prepare or deploy
type ReleaseConfig struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
}

// TargetConfig configures the server a release is deployed to
type TargetConfig struct {
	Name     string   `yaml:"name"`
	Protocol Protocol `yaml:"protocol"`

	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	User              string `yaml:"user"`
	PasswordFile      string `yaml:"password_file"`
	KeyFile           string `yaml:"key_file"`
	KeyPassphraseFile string `yaml:"key_passphrase_file"`
	KnownHostsFile    string `yaml:"known_hosts_file"`
	// InsecureIgnoreHostKey disables host key verification
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	Timeout               string `yaml:"timeout"`

	RemoteRoot     string   `yaml:"remote_root"`
	IncludeTopDirs []string `yaml:"include_top_dirs"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	WorkDir   string `yaml:"work_dir"`
	AssetsDir string `yaml:"assets_dir"`
}

// SyncConfig configures remote sync behavior
type SyncConfig struct {
	Prune   bool `yaml:"prune"`
	Workers int  `yaml:"workers"`
}

// StageConfig configures how sources are staged
type StageConfig struct {
	// Exclude holds gitignore-style patterns dropped while staging
	Exclude []string `yaml:"exclude"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Release.ID = os.ExpandEnv(c.Release.ID)
	c.Release.Source = os.ExpandEnv(c.Release.Source)
	c.Target.Name = os.ExpandEnv(c.Target.Name)
	c.Target.Host = os.ExpandEnv(c.Target.Host)
	c.Target.User = os.ExpandEnv(c.Target.User)
	c.Target.PasswordFile = os.ExpandEnv(c.Target.PasswordFile)
	c.Target.KeyFile = os.ExpandEnv(c.Target.KeyFile)
	c.Target.KeyPassphraseFile = os.ExpandEnv(c.Target.KeyPassphraseFile)
	c.Target.KnownHostsFile = os.ExpandEnv(c.Target.KnownHostsFile)
	c.Target.RemoteRoot = os.ExpandEnv(c.Target.RemoteRoot)
	c.Paths.WorkDir = os.ExpandEnv(c.Paths.WorkDir)
	c.Paths.AssetsDir = os.ExpandEnv(c.Paths.AssetsDir)
	c.RulesFile = os.ExpandEnv(c.RulesFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Target.Protocol == "" {
		c.Target.Protocol = ProtocolSFTP
	}
	if c.Target.Port == 0 {
		c.Target.Port = defaultPort
	}
	if c.Target.Timeout == "" {
		c.Target.Timeout = defaultTimeout
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = defaultWorkers
	}
	if c.Release.ID == "" && c.Release.Source != "" {
		c.Release.ID = ReleaseIDFromSource(c.Release.Source)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.WorkDir == "" {
		return fmt.Errorf("paths.work_dir is required")
	}
	if !filepath.IsAbs(c.Paths.WorkDir) {
		return fmt.Errorf("paths.work_dir must be an absolute path: %s", c.Paths.WorkDir)
	}
	if c.Paths.AssetsDir != "" && !filepath.IsAbs(c.Paths.AssetsDir) {
		return fmt.Errorf("paths.assets_dir must be an absolute path: %s", c.Paths.AssetsDir)
	}

	if c.Release.ID != "" && !ValidReleaseID(c.Release.ID) {
		return fmt.Errorf("release.id must be a plain name: %q", c.Release.ID)
	}

	if c.Target.RemoteRoot == "" {
		return fmt.Errorf("target.remote_root is required")
	}
	if !path.IsAbs(filepath.ToSlash(c.Target.RemoteRoot)) {
		return fmt.Errorf("target.remote_root must be an absolute path: %s", c.Target.RemoteRoot)
	}
	for _, dir := range c.Target.IncludeTopDirs {
		d := strings.Trim(dir, "/")
		if d == "" || d == "." || d == ".." || strings.Contains(d, "/") {
			return fmt.Errorf("target.include_top_dirs entries must be single directory names: %q", dir)
		}
	}

	if _, err := time.ParseDuration(c.Target.Timeout); err != nil {
		return fmt.Errorf("invalid target.timeout: %w", err)
	}

	switch c.Target.Protocol {
	case ProtocolLocal:
		// remote_root is a mounted directory, nothing else to check
	case ProtocolSFTP:
		if err := c.validateSFTP(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid target.protocol: %s (must be sftp or local)", c.Target.Protocol)
	}

	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1")
	}

	return nil
}

func (c *Config) validateSFTP() error {
	if c.Target.Host == "" {
		return fmt.Errorf("target.host is required for sftp")
	}
	if c.Target.User == "" {
		return fmt.Errorf("target.user is required for sftp")
	}
	if c.Target.Port < 1 || c.Target.Port > 65535 {
		return fmt.Errorf("invalid target.port: %d", c.Target.Port)
	}

	// Only one auth method may be configured
	if c.Target.PasswordFile != "" && c.Target.KeyFile != "" {
		return fmt.Errorf("target: only one of password_file or key_file may be set")
	}
	if c.Target.PasswordFile == "" && c.Target.KeyFile == "" {
		return fmt.Errorf("target: one of password_file or key_file is required for sftp")
	}
	if c.Target.KeyPassphraseFile != "" && c.Target.KeyFile == "" {
		return fmt.Errorf("target.key_passphrase_file requires target.key_file")
	}

	if c.Target.KnownHostsFile == "" && !c.Target.InsecureIgnoreHostKey {
		return fmt.Errorf("target.known_hosts_file is required unless insecure_ignore_host_key is set")
	}
	return nil
}

// TimeoutDuration returns the parsed target timeout
func (c *Config) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Target.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Target.Protocol == ProtocolLocal {
		return "none"
	}
	if c.Target.KeyFile != "" {
		return "key"
	}
	if c.Target.PasswordFile != "" {
		return "password"
	}
	return "none"
}

// ReleaseDir returns the directory holding per-release artifacts
func (c *Config) ReleaseDir(releaseID string) string {
	return filepath.Join(c.Paths.WorkDir, releaseID)
}

// ReportPath returns the path of the persisted deployment report
func (c *Config) ReportPath(releaseID string) string {
	return filepath.Join(c.ReleaseDir(releaseID), "report.json")
}

// LockPath returns the lock file guarding a release
func (c *Config) LockPath(releaseID string) string {
	return filepath.Join(c.Paths.WorkDir, releaseID+".lock")
}

// ValidReleaseID reports whether id can be used as a single path component
func ValidReleaseID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// ReleaseIDFromSource derives a release identity from a source locator's
// base name without archive extensions.
func ReleaseIDFromSource(source string) string {
	base := filepath.Base(filepath.Clean(source))
	lower := strings.ToLower(base)
	for _, ext := range []string{".tar.gz", ".tar.zst", ".tgz", ".tzst", ".zip", ".tar"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}
