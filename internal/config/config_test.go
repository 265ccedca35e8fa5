package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Fstab.Path != "/etc/fstab" {
		t.Errorf("Fstab.Path = %q", cfg.Fstab.Path)
	}
	if cfg.Backup.Keep != 10 {
		t.Errorf("Backup.Keep = %d, want 10", cfg.Backup.Keep)
	}
	if cfg.Diagnostics.ProbeTimeout != 3*time.Second {
		t.Errorf("ProbeTimeout = %v, want 3s", cfg.Diagnostics.ProbeTimeout)
	}
	if cfg.Diagnostics.MountTimeout != 10*time.Second {
		t.Errorf("MountTimeout = %v, want 10s", cfg.Diagnostics.MountTimeout)
	}
	if cfg.Server.Listen != "127.0.0.1:8089" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
	if cfg.MirrorEnabled() {
		t.Error("mirror should be disabled by default")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
fstab:
  path: /tmp/fstab
backup:
  dir: /tmp/backups
  keep: 3
  s3:
    bucket: fstab-backups
    prefix: host1
diagnostics:
  probe_timeout: 1s
  mount_timeout: 5s
logging:
  level: DEBUG
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Fstab.Path != "/tmp/fstab" || cfg.Backup.Dir != "/tmp/backups" || cfg.Backup.Keep != 3 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Diagnostics.ProbeTimeout != time.Second {
		t.Errorf("ProbeTimeout = %v", cfg.Diagnostics.ProbeTimeout)
	}
	if !cfg.MirrorEnabled() || cfg.Backup.S3.Prefix != "host1" {
		t.Errorf("S3 = %+v", cfg.Backup.S3)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Secrets.CredentialsDir != "/etc/mountrix/credentials" {
		t.Errorf("unset key lost its default: %q", cfg.Secrets.CredentialsDir)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MOUNTRIX_FSTAB_PATH", "/srv/fstab")
	t.Setenv("MOUNTRIX_BACKUP_KEEP", "4")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Fstab.Path != "/srv/fstab" {
		t.Errorf("Fstab.Path = %q, want /srv/fstab", cfg.Fstab.Path)
	}
	if cfg.Backup.Keep != 4 {
		t.Errorf("Backup.Keep = %d, want 4", cfg.Backup.Keep)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty fstab path", func(c *Config) { c.Fstab.Path = "" }, "Path"},
		{"negative keep", func(c *Config) { c.Backup.Keep = -1 }, "Keep"},
		{"zero probe timeout", func(c *Config) { c.Diagnostics.ProbeTimeout = 0 }, "ProbeTimeout"},
		{"mount shorter than probe", func(c *Config) { c.Diagnostics.MountTimeout = time.Second }, "mount_timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "Level"},
		{"bad listen", func(c *Config) { c.Server.Listen = "localhost" }, "Listen"},
		{"half s3 credentials", func(c *Config) { c.Backup.S3.AccessKeyID = "AKIA" }, "backup.s3"},
		{"bad schedule", func(c *Config) { c.Monitor.StatusSchedule = "every minute" }, "monitor.status_schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yml")
	cfg := Default()
	cfg.Backup.Keep = 7

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Backup.Keep != 7 {
		t.Errorf("Backup.Keep = %d, want 7", loaded.Backup.Keep)
	}
	if loaded.Journal.Retention != cfg.Journal.Retention {
		t.Errorf("Journal.Retention = %v, want %v", loaded.Journal.Retention, cfg.Journal.Retention)
	}
}
