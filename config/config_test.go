package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
)

func TestParseBool(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"true lowercase", "true", true},
		{"false lowercase", "false", false},
		{"yes lowercase", "yes", true},
		{"Yes capitalized", "Yes", true},
		{"YES uppercase", "YES", true},
		{"no lowercase", "no", false},
		{"1 as string", "1", true},
		{"0 as string", "0", false},
		{"on lowercase", "on", true},
		{"ON uppercase", "ON", true},
		{"off lowercase", "off", false},
		{"random string", "random", false},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseBool(tt.input)
			if result != tt.expected {
				t.Errorf("parseBool(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path", "")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	wd, _ := os.Getwd()
	if cfg.WorkDir != wd {
		t.Errorf("WorkDir = %q, want %q", cfg.WorkDir, wd)
	}
	if cfg.LogsPath != filepath.Join(wd, "logs") {
		t.Errorf("LogsPath = %q, want %q", cfg.LogsPath, filepath.Join(wd, "logs"))
	}
	if cfg.Database.Path != filepath.Join(wd, "builds.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.ChrootBackend != "chroot" {
		t.Errorf("ChrootBackend = %q, want chroot", cfg.ChrootBackend)
	}
	if cfg.SquashfsBlockSize != datasize.MB {
		t.Errorf("SquashfsBlockSize = %v, want 1MB", cfg.SquashfsBlockSize)
	}
	if cfg.CommandTimeout != 30*time.Minute {
		t.Errorf("CommandTimeout = %v, want 30m", cfg.CommandTimeout)
	}
	if cfg.MountTable != "/proc/self/mounts" {
		t.Errorf("MountTable = %q", cfg.MountTable)
	}
}

func writeINI(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "isobuilder.ini"), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write ini: %v", err)
	}
	return dir
}

func TestLoadConfig_ProfileSelection(t *testing.T) {
	dir := writeINI(t, `
[Global Configuration]
profile_selected = focal
Directory_logs = /var/log/isobuilder
Use_sudo = yes

[focal]
Directory_work = /build/focal
Chroot_backend = nspawn
Squashfs_block_size = 256KB
Command_timeout = 5m
`)

	cfg, err := LoadConfig(dir, "")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Profile != "focal" {
		t.Errorf("Profile = %q, want focal", cfg.Profile)
	}
	if cfg.WorkDir != "/build/focal" {
		t.Errorf("WorkDir = %q, want /build/focal", cfg.WorkDir)
	}
	if cfg.LogsPath != "/var/log/isobuilder" {
		t.Errorf("LogsPath = %q, want value from global section", cfg.LogsPath)
	}
	if cfg.Database.Path != "/build/focal/builds.db" {
		t.Errorf("Database.Path = %q, want /build/focal/builds.db", cfg.Database.Path)
	}
	if cfg.ChrootBackend != "nspawn" {
		t.Errorf("ChrootBackend = %q, want nspawn", cfg.ChrootBackend)
	}
	if cfg.SquashfsBlockSize != 256*datasize.KB {
		t.Errorf("SquashfsBlockSize = %v, want 256KB", cfg.SquashfsBlockSize)
	}
	if cfg.CommandTimeout != 5*time.Minute {
		t.Errorf("CommandTimeout = %v, want 5m", cfg.CommandTimeout)
	}
	if !cfg.UseSudo {
		t.Error("UseSudo = false, want true")
	}
}

func TestLoadConfig_ExplicitProfileWins(t *testing.T) {
	dir := writeINI(t, `
[Global Configuration]
profile_selected = focal

[focal]
Directory_work = /build/focal

[jammy]
Directory_work = /build/jammy
`)

	cfg, err := LoadConfig(dir, "jammy")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.WorkDir != "/build/jammy" {
		t.Errorf("WorkDir = %q, want /build/jammy", cfg.WorkDir)
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		ini  string
	}{
		{"bad backend", "[Global Configuration]\nChroot_backend = jail\n"},
		{"bad block size", "[Global Configuration]\nSquashfs_block_size = lots\n"},
		{"bad timeout", "[Global Configuration]\nCommand_timeout = soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeINI(t, tt.ini)
			if _, err := LoadConfig(dir, ""); err == nil {
				t.Error("LoadConfig should fail")
			}
		})
	}
}

func TestGetSetConfig(t *testing.T) {
	cfg := &Config{Profile: "test"}
	SetConfig(cfg)
	defer SetConfig(nil)

	if GetConfig() != cfg {
		t.Error("GetConfig did not return the config passed to SetConfig")
	}
}
