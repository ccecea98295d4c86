package config

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/oubliette/job"
	"github.com/isdmx/oubliette/pathguard"
	"github.com/isdmx/oubliette/security"
)

// EnvPrefix prefixes environment overrides: OUBLIETTE_LIMITS_HARD_CAP_SECONDS
// sets limits.hard_cap_seconds.
const EnvPrefix = "OUBLIETTE"

// Config represents the application configuration
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Limits    LimitsConfig    `mapstructure:"limits" yaml:"limits"`
	Paths     PathsConfig     `mapstructure:"paths" yaml:"paths"`
	Security  SecurityConfig  `mapstructure:"security" yaml:"security"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	Audit     AuditConfig     `mapstructure:"audit" yaml:"audit"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// LimitsConfig tightens the build-time resource ceilings.
type LimitsConfig struct {
	MaxMemoryBytes    int64 `mapstructure:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxDatasetBytes   int64 `mapstructure:"max_dataset_bytes" yaml:"max_dataset_bytes"`
	MaxDatasetFiles   int   `mapstructure:"max_dataset_files" yaml:"max_dataset_files"`
	DefaultMaxSeconds int   `mapstructure:"default_max_seconds" yaml:"default_max_seconds"`
	HardCapSeconds    int   `mapstructure:"hard_cap_seconds" yaml:"hard_cap_seconds"`
}

// PathsConfig holds the filesystem boundaries.
type PathsConfig struct {
	OutputRoot string `mapstructure:"output_root" yaml:"output_root"`
	DataRoot   string `mapstructure:"data_root" yaml:"data_root"`
	// WorkspaceRoot holds scripts submitted over the MCP server.
	WorkspaceRoot    string   `mapstructure:"workspace_root" yaml:"workspace_root"`
	StrictDataRoot   bool     `mapstructure:"strict_data_root" yaml:"strict_data_root"`
	SingleFileMounts []string `mapstructure:"single_file_mounts" yaml:"single_file_mounts"`
}

// SecurityConfig holds security gate settings
type SecurityConfig struct {
	ForbiddenModules []string     `mapstructure:"forbidden_modules" yaml:"forbidden_modules"`
	MinSeverity      string       `mapstructure:"min_severity" yaml:"min_severity"`
	Bandit           BanditConfig `mapstructure:"bandit" yaml:"bandit"`
	AST              ASTConfig    `mapstructure:"ast" yaml:"ast"`
}

// BanditConfig holds bandit analyzer settings
type BanditConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Command string `mapstructure:"command" yaml:"command"`
}

// ASTConfig holds python-ast analyzer settings
type ASTConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// WorkerConfig holds worker process settings
type WorkerConfig struct {
	Python      string        `mapstructure:"python" yaml:"python"`
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	Seed        int64         `mapstructure:"seed" yaml:"seed"`
}

// AuditConfig toggles the audit log and manifest.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
}

// QueueConfig holds the Redis queue consumer settings.
type QueueConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	Name        string        `mapstructure:"name" yaml:"name"`
	KeyPrefix   string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	ResultTTL   time.Duration `mapstructure:"result_ttl" yaml:"result_ttl"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	LogChannel  string        `mapstructure:"log_channel" yaml:"log_channel"`
}

// MetricsConfig holds prometheus exposition settings
type MetricsConfig struct {
	// Listen serves /metrics in serve and worker mode when set.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// Textfile receives the registry after a one-shot run when set.
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// ArtifactsConfig controls the artifact archive returned by the MCP server.
type ArtifactsConfig struct {
	ExcludePatterns []string `mapstructure:"exclude_patterns" yaml:"exclude_patterns"`
	MaxSizeMB       int      `mapstructure:"max_size_mb" yaml:"max_size_mb"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	limits := job.DefaultLimits()
	return &Config{
		Logging: LoggingConfig{Mode: "production", Level: "info"},
		Limits: LimitsConfig{
			MaxMemoryBytes:    limits.MaxMemoryBytes,
			MaxDatasetBytes:   limits.MaxDatasetBytes,
			MaxDatasetFiles:   limits.MaxDatasetFiles,
			DefaultMaxSeconds: limits.DefaultMaxSeconds,
			HardCapSeconds:    limits.HardCapSeconds,
		},
		Paths: PathsConfig{
			OutputRoot:       pathguard.DefaultOutputRoot,
			DataRoot:         pathguard.DefaultDataRoot,
			WorkspaceRoot:    "/tmp/oubliette",
			SingleFileMounts: slices.Clone(pathguard.DefaultSingleFileMounts),
		},
		Security: SecurityConfig{
			ForbiddenModules: slices.Clone(security.DefaultForbiddenModules),
			MinSeverity:      "medium",
			Bandit:           BanditConfig{Enabled: true, Command: "bandit"},
			AST:              ASTConfig{Enabled: true},
		},
		Worker: WorkerConfig{
			Python:      "python3",
			GracePeriod: time.Second,
			Seed:        42,
		},
		Audit:  AuditConfig{Enabled: true},
		Server: ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Queue: QueueConfig{
			Addr:        "localhost:6379",
			Name:        "oubliette:jobs",
			KeyPrefix:   "oubliette",
			Concurrency: 1,
			ResultTTL:   24 * time.Hour,
			PollTimeout: 5 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			ExcludePatterns: []string{"__pycache__/", "*.pyc", ".git/"},
			MaxSizeMB:       20,
		},
	}
}

// setDefaults registers every key so environment overrides apply to all of them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.mode", d.Logging.Mode)
	v.SetDefault("logging.level", d.Logging.Level)

	v.SetDefault("limits.max_memory_bytes", d.Limits.MaxMemoryBytes)
	v.SetDefault("limits.max_dataset_bytes", d.Limits.MaxDatasetBytes)
	v.SetDefault("limits.max_dataset_files", d.Limits.MaxDatasetFiles)
	v.SetDefault("limits.default_max_seconds", d.Limits.DefaultMaxSeconds)
	v.SetDefault("limits.hard_cap_seconds", d.Limits.HardCapSeconds)

	v.SetDefault("paths.output_root", d.Paths.OutputRoot)
	v.SetDefault("paths.data_root", d.Paths.DataRoot)
	v.SetDefault("paths.workspace_root", d.Paths.WorkspaceRoot)
	v.SetDefault("paths.strict_data_root", d.Paths.StrictDataRoot)
	v.SetDefault("paths.single_file_mounts", d.Paths.SingleFileMounts)

	v.SetDefault("security.forbidden_modules", d.Security.ForbiddenModules)
	v.SetDefault("security.min_severity", d.Security.MinSeverity)
	v.SetDefault("security.bandit.enabled", d.Security.Bandit.Enabled)
	v.SetDefault("security.bandit.command", d.Security.Bandit.Command)
	v.SetDefault("security.ast.enabled", d.Security.AST.Enabled)

	v.SetDefault("worker.python", d.Worker.Python)
	v.SetDefault("worker.grace_period", d.Worker.GracePeriod)
	v.SetDefault("worker.seed", d.Worker.Seed)

	v.SetDefault("audit.enabled", d.Audit.Enabled)

	v.SetDefault("server.transport", d.Server.Transport)
	v.SetDefault("server.http_port", d.Server.HTTPPort)

	v.SetDefault("queue.addr", d.Queue.Addr)
	v.SetDefault("queue.password", d.Queue.Password)
	v.SetDefault("queue.db", d.Queue.DB)
	v.SetDefault("queue.name", d.Queue.Name)
	v.SetDefault("queue.key_prefix", d.Queue.KeyPrefix)
	v.SetDefault("queue.concurrency", d.Queue.Concurrency)
	v.SetDefault("queue.result_ttl", d.Queue.ResultTTL)
	v.SetDefault("queue.poll_timeout", d.Queue.PollTimeout)
	v.SetDefault("queue.log_channel", d.Queue.LogChannel)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)

	v.SetDefault("artifacts.exclude_patterns", d.Artifacts.ExcludePatterns)
	v.SetDefault("artifacts.max_size_mb", d.Artifacts.MaxSizeMB)
}

// New loads and validates the application configuration. An empty path
// searches for config.yaml in . and ./config; a missing file there is not an
// error. An explicit path must exist.
func New(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// WriteDefault writes the default configuration as YAML.
func WriteDefault(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if err := c.JobLimits().Validate(); err != nil {
		return fmt.Errorf("invalid limits: %w", err)
	}

	if !filepath.IsAbs(c.Paths.OutputRoot) {
		return fmt.Errorf("paths.output_root must be an absolute path, got: %q", c.Paths.OutputRoot)
	}
	if !filepath.IsAbs(c.Paths.DataRoot) {
		return fmt.Errorf("paths.data_root must be an absolute path, got: %q", c.Paths.DataRoot)
	}
	if c.Paths.WorkspaceRoot == "" {
		return errors.New("paths.workspace_root must not be empty")
	}

	switch strings.ToLower(c.Security.MinSeverity) {
	case "medium", "high":
	default:
		return fmt.Errorf("invalid security.min_severity: %s, must be 'medium' or 'high'", c.Security.MinSeverity)
	}
	if c.Security.Bandit.Enabled && c.Security.Bandit.Command == "" {
		return errors.New("security.bandit.command must be set when bandit is enabled")
	}

	if c.Worker.Python == "" {
		return errors.New("worker.python must not be empty")
	}
	if c.Worker.GracePeriod <= 0 {
		return fmt.Errorf("worker.grace_period must be positive, got: %s", c.Worker.GracePeriod)
	}

	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be in 1-65535, got: %d", c.Server.HTTPPort)
	}

	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive, got: %d", c.Queue.Concurrency)
	}
	if c.Queue.ResultTTL <= 0 {
		return fmt.Errorf("queue.result_ttl must be positive, got: %s", c.Queue.ResultTTL)
	}
	if c.Queue.PollTimeout < time.Second {
		return fmt.Errorf("queue.poll_timeout must be at least 1s, got: %s", c.Queue.PollTimeout)
	}

	if c.Artifacts.MaxSizeMB <= 0 {
		return fmt.Errorf("artifacts.max_size_mb must be positive, got: %d", c.Artifacts.MaxSizeMB)
	}

	return nil
}

// JobLimits returns the resource ceilings applied to every run.
func (c *Config) JobLimits() job.Limits {
	return job.Limits{
		MaxMemoryBytes:    c.Limits.MaxMemoryBytes,
		MaxDatasetBytes:   c.Limits.MaxDatasetBytes,
		MaxDatasetFiles:   c.Limits.MaxDatasetFiles,
		DefaultMaxSeconds: c.Limits.DefaultMaxSeconds,
		HardCapSeconds:    c.Limits.HardCapSeconds,
	}
}

// PathGuard returns the validator boundaries.
func (c *Config) PathGuard() pathguard.Config {
	return pathguard.Config{
		OutputRoot:       c.Paths.OutputRoot,
		DataRoot:         c.Paths.DataRoot,
		StrictDataRoot:   c.Paths.StrictDataRoot,
		SingleFileMounts: slices.Clone(c.Paths.SingleFileMounts),
	}
}

// Policy returns the forbidden import policy.
func (c *Config) Policy() security.Policy {
	return security.NewPolicy(c.Security.ForbiddenModules)
}

// MinSeverity returns the lowest analyzer severity that blocks a script.
func (c *Config) MinSeverity() security.Severity {
	return security.ParseSeverity(c.Security.MinSeverity)
}

// MaxArtifactBytes returns the per-file size limit for the artifact archive.
func (c *Config) MaxArtifactBytes() int64 {
	return int64(c.Artifacts.MaxSizeMB) * 1024 * 1024
}
