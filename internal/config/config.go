package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bucket names used by the backup retention store
const (
	BucketConfigs = "configs"
	BucketImages  = "images"
	BucketLogs    = "logs"
	BucketData    = "data"
)

// Buckets lists every backup bucket in capture order.
var Buckets = []string{BucketConfigs, BucketImages, BucketLogs, BucketData}

// Config represents the complete workersyncd configuration
type Config struct {
	Repo     RepoConfig     `yaml:"repo"`
	Auth     AuthConfig     `yaml:"auth"`
	Paths    PathsConfig    `yaml:"paths"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Sync     SyncConfig     `yaml:"sync"`
	Backup   BackupConfig   `yaml:"backup"`
	Service  ServiceConfig  `yaml:"service"`
	Serve    ServeConfig    `yaml:"serve"`
}

// RepoConfig configures the working copy and its remote
type RepoConfig struct {
	Dir string `yaml:"dir"`
	// URL, when set, is cloned into Dir if the working copy does not exist yet
	URL     string        `yaml:"url"`
	Remote  string        `yaml:"remote"`
	Branch  string        `yaml:"branch"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir  string `yaml:"state_dir"`
	BackupDir string `yaml:"backup_dir"`
	OutputDir string `yaml:"output_dir"`
}

// ScheduleConfig configures the periodic triggers
type ScheduleConfig struct {
	SyncInterval   time.Duration `yaml:"sync_interval"`
	BackupInterval time.Duration `yaml:"backup_interval"`
}

// SyncConfig configures reconciliation behavior
type SyncConfig struct {
	Enabled       *bool    `yaml:"enabled"`
	CriticalPaths []string `yaml:"critical_paths"`
	CommitPrefix  string   `yaml:"commit_prefix"`
}

// BackupConfig configures the retention store
type BackupConfig struct {
	Enabled     *bool           `yaml:"enabled"`
	ConfigFiles []string        `yaml:"config_files"`
	LogFiles    []string        `yaml:"log_files"`
	ImageCount  int             `yaml:"image_count"`
	TailLines   int             `yaml:"tail_lines"`
	Publish     *bool           `yaml:"publish"`
	Retention   RetentionConfig `yaml:"retention"`
}

// RetentionConfig holds the per-bucket retention limits
type RetentionConfig struct {
	Configs int `yaml:"configs"`
	Images  int `yaml:"images"`
	Logs    int `yaml:"logs"`
	Data    int `yaml:"data"`
}

// ServiceConfig describes the supervised generation service
type ServiceConfig struct {
	Unit           string        `yaml:"unit"`
	RestartCommand []string      `yaml:"restart_command"`
	HealthURL      string        `yaml:"health_url"`
	StatsURL       string        `yaml:"stats_url"`
	Timeout        time.Duration `yaml:"timeout"`
}

// ServeConfig configures the status and webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedRefs             []string `yaml:"allowed_refs"`
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
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	c.Repo.Dir = os.ExpandEnv(c.Repo.Dir)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.BackupDir = os.ExpandEnv(c.Paths.BackupDir)
	c.Paths.OutputDir = os.ExpandEnv(c.Paths.OutputDir)
	c.Service.HealthURL = os.ExpandEnv(c.Service.HealthURL)
	c.Service.StatsURL = os.ExpandEnv(c.Service.StatsURL)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
	for i, p := range c.Backup.ConfigFiles {
		c.Backup.ConfigFiles[i] = os.ExpandEnv(p)
	}
	for i, p := range c.Backup.LogFiles {
		c.Backup.LogFiles[i] = os.ExpandEnv(p)
	}
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
// Relative state, backup and output paths are resolved against the repository directory.
func (c *Config) ApplyDefaults() {
	if c.Repo.Remote == "" {
		c.Repo.Remote = "origin"
	}
	if c.Repo.Branch == "" {
		c.Repo.Branch = "main"
	}
	if c.Repo.Timeout == 0 {
		c.Repo.Timeout = 60 * time.Second
	}

	if c.Paths.StateDir == "" {
		c.Paths.StateDir = "logs"
	}
	if c.Paths.BackupDir == "" {
		c.Paths.BackupDir = "backups"
	}
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = "outputs"
	}
	if c.Repo.Dir != "" {
		c.Paths.StateDir = c.resolve(c.Paths.StateDir)
		c.Paths.BackupDir = c.resolve(c.Paths.BackupDir)
		c.Paths.OutputDir = c.resolve(c.Paths.OutputDir)
		for i, p := range c.Backup.ConfigFiles {
			c.Backup.ConfigFiles[i] = c.resolve(p)
		}
		for i, p := range c.Backup.LogFiles {
			c.Backup.LogFiles[i] = c.resolve(p)
		}
	}

	if c.Schedule.SyncInterval == 0 {
		c.Schedule.SyncInterval = 300 * time.Second
	}
	if c.Schedule.BackupInterval == 0 {
		c.Schedule.BackupInterval = 3600 * time.Second
	}

	if c.Sync.Enabled == nil {
		c.Sync.Enabled = boolPtr(true)
	}
	if len(c.Sync.CriticalPaths) == 0 {
		c.Sync.CriticalPaths = []string{"main.py", "requirements.txt", "config.json", "Dockerfile"}
	}
	if c.Sync.CommitPrefix == "" {
		c.Sync.CommitPrefix = "Auto-sync"
	}

	if c.Backup.Enabled == nil {
		c.Backup.Enabled = boolPtr(true)
	}
	if c.Backup.Publish == nil {
		c.Backup.Publish = boolPtr(true)
	}
	if c.Backup.ConfigFiles == nil && c.Repo.Dir != "" {
		for _, name := range []string{"config.json", "requirements.txt", ".env"} {
			c.Backup.ConfigFiles = append(c.Backup.ConfigFiles, filepath.Join(c.Repo.Dir, name))
		}
	}
	if c.Backup.ImageCount == 0 {
		c.Backup.ImageCount = 20
	}
	if c.Backup.TailLines == 0 {
		c.Backup.TailLines = 1000
	}
	if c.Backup.Retention.Configs == 0 {
		c.Backup.Retention.Configs = 10
	}
	if c.Backup.Retention.Images == 0 {
		c.Backup.Retention.Images = 50
	}
	if c.Backup.Retention.Logs == 0 {
		c.Backup.Retention.Logs = 5
	}
	if c.Backup.Retention.Data == 0 {
		c.Backup.Retention.Data = 10
	}

	if c.Service.Timeout == 0 {
		c.Service.Timeout = 5 * time.Second
	}

	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Repo.Dir, p)
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.Dir == "" {
		return fmt.Errorf("repo.dir is required")
	}
	if !filepath.IsAbs(c.Repo.Dir) {
		return fmt.Errorf("repo.dir must be an absolute path: %s", c.Repo.Dir)
	}
	if c.Repo.Remote == "" {
		return fmt.Errorf("repo.remote is required")
	}
	if c.Repo.Branch == "" {
		return fmt.Errorf("repo.branch is required")
	}
	if c.Repo.Timeout < 0 {
		return fmt.Errorf("repo.timeout must not be negative")
	}

	// Only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	if c.Schedule.SyncInterval < time.Second {
		return fmt.Errorf("schedule.sync_interval must be at least 1s, got %s", c.Schedule.SyncInterval)
	}
	if c.Schedule.BackupInterval < time.Second {
		return fmt.Errorf("schedule.backup_interval must be at least 1s, got %s", c.Schedule.BackupInterval)
	}

	for name, limit := range c.Backup.Retention.Limits() {
		if limit < 1 {
			return fmt.Errorf("backup.retention.%s must be at least 1, got %d", name, limit)
		}
	}
	if c.Backup.ImageCount < 0 {
		return fmt.Errorf("backup.image_count must not be negative")
	}
	if c.Backup.TailLines < 1 {
		return fmt.Errorf("backup.tail_lines must be at least 1, got %d", c.Backup.TailLines)
	}

	if c.Service.Unit == "" && len(c.Service.RestartCommand) == 0 {
		return fmt.Errorf("service: one of unit or restart_command is required")
	}

	return nil
}

// Limits returns the retention limit per bucket name
func (r RetentionConfig) Limits() map[string]int {
	return map[string]int{
		BucketConfigs: r.Configs,
		BucketImages:  r.Images,
		BucketLogs:    r.Logs,
		BucketData:    r.Data,
	}
}

// SyncEnabled reports whether the periodic reconciliation cycle is enabled
func (c *Config) SyncEnabled() bool {
	return c.Sync.Enabled == nil || *c.Sync.Enabled
}

// BackupEnabled reports whether the periodic backup cycle is enabled
func (c *Config) BackupEnabled() bool {
	return c.Backup.Enabled == nil || *c.Backup.Enabled
}

// PublishBackups reports whether backups are committed and pushed after capture
func (c *Config) PublishBackups() bool {
	return c.Backup.Publish == nil || *c.Backup.Publish
}

// RepoRelative returns p relative to the repository directory, or "" if p is outside it.
func (c *Config) RepoRelative(p string) string {
	rel, err := filepath.Rel(c.Repo.Dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

func boolPtr(b bool) *bool {
	return &b
}
