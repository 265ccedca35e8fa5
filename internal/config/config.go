// Package config loads the mountrix configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/MacJediWizard/mountrix/internal/fstab"
)

// DefaultConfigPath is read when no --config flag is given.
const DefaultConfigPath = "/etc/mountrix/config.yml"

// Config is the complete mountrix configuration.
type Config struct {
	Fstab       FstabConfig       `mapstructure:"fstab" yaml:"fstab"`
	Backup      BackupConfig      `mapstructure:"backup" yaml:"backup"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
	Secrets     SecretsConfig     `mapstructure:"secrets" yaml:"secrets"`
	Templates   TemplatesConfig   `mapstructure:"templates" yaml:"templates"`
	Journal     JournalConfig     `mapstructure:"journal" yaml:"journal"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Monitor     MonitorConfig     `mapstructure:"monitor" yaml:"monitor"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// FstabConfig locates the mount table.
type FstabConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// BackupConfig controls table backups.
type BackupConfig struct {
	Dir  string         `mapstructure:"dir" yaml:"dir" validate:"required"`
	Keep int            `mapstructure:"keep" yaml:"keep" validate:"min=0"`
	S3   fstab.S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

// DiagnosticsConfig holds pre-flight check timeouts.
type DiagnosticsConfig struct {
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout" validate:"gt=0"`
	MountTimeout   time.Duration `mapstructure:"mount_timeout" yaml:"mount_timeout" validate:"gt=0"`
	TemporaryMount bool          `mapstructure:"temporary_mount" yaml:"temporary_mount"`
}

// SecretsConfig locates the secret store and rendered credential files.
type SecretsConfig struct {
	DBPath         string `mapstructure:"db_path" yaml:"db_path" validate:"required"`
	KeyFile        string `mapstructure:"key_file" yaml:"key_file" validate:"required"`
	CredentialsDir string `mapstructure:"credentials_dir" yaml:"credentials_dir" validate:"required"`
}

// TemplatesConfig points at an optional operator catalog.
type TemplatesConfig struct {
	CatalogFile string `mapstructure:"catalog_file" yaml:"catalog_file,omitempty"`
}

// JournalConfig controls the operation journal.
type JournalConfig struct {
	Path      string        `mapstructure:"path" yaml:"path" validate:"required"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention" validate:"min=0"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen" validate:"required,hostname_port"`
}

// MonitorConfig holds cron schedules for background jobs.
type MonitorConfig struct {
	StatusSchedule string `mapstructure:"status_schedule" yaml:"status_schedule" validate:"required"`
	PruneSchedule  string `mapstructure:"prune_schedule" yaml:"prune_schedule" validate:"required"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=console json"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Fstab:  FstabConfig{Path: "/etc/fstab"},
		Backup: BackupConfig{Dir: "/var/backups/mountrix", Keep: fstab.DefaultRetention},
		Diagnostics: DiagnosticsConfig{
			ProbeTimeout: 3 * time.Second,
			MountTimeout: 10 * time.Second,
		},
		Secrets: SecretsConfig{
			DBPath:         "/var/lib/mountrix/secrets.db",
			KeyFile:        "/var/lib/mountrix/master.key",
			CredentialsDir: "/etc/mountrix/credentials",
		},
		Journal: JournalConfig{
			Path:      "/var/lib/mountrix/journal.db",
			Retention: 90 * 24 * time.Hour,
		},
		Server: ServerConfig{Listen: "127.0.0.1:8089"},
		Monitor: MonitorConfig{
			StatusSchedule: "@every 1m",
			PruneSchedule:  "@daily",
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads configuration from path, MOUNTRIX_* environment variables and
// defaults, in that order of precedence: environment, file, defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MOUNTRIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides apply even when
// the file omits the key.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("fstab.path", d.Fstab.Path)
	v.SetDefault("backup.dir", d.Backup.Dir)
	v.SetDefault("backup.keep", d.Backup.Keep)
	v.SetDefault("backup.s3.bucket", "")
	v.SetDefault("backup.s3.prefix", "")
	v.SetDefault("backup.s3.region", "")
	v.SetDefault("backup.s3.endpoint", "")
	v.SetDefault("backup.s3.use_ssl", true)
	v.SetDefault("backup.s3.access_key_id", "")
	v.SetDefault("backup.s3.secret_access_key", "")
	v.SetDefault("diagnostics.probe_timeout", d.Diagnostics.ProbeTimeout)
	v.SetDefault("diagnostics.mount_timeout", d.Diagnostics.MountTimeout)
	v.SetDefault("diagnostics.temporary_mount", d.Diagnostics.TemporaryMount)
	v.SetDefault("secrets.db_path", d.Secrets.DBPath)
	v.SetDefault("secrets.key_file", d.Secrets.KeyFile)
	v.SetDefault("secrets.credentials_dir", d.Secrets.CredentialsDir)
	v.SetDefault("templates.catalog_file", "")
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("journal.retention", d.Journal.Retention)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("monitor.status_schedule", d.Monitor.StatusSchedule)
	v.SetDefault("monitor.prune_schedule", d.Monitor.PruneSchedule)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Save writes the configuration to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The file may hold S3 credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// MirrorEnabled reports whether backups are mirrored to S3.
func (c *Config) MirrorEnabled() bool {
	return c.Backup.S3.Bucket != ""
}
