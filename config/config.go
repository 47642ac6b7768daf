package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/c2h5oh/datasize"
	"gopkg.in/ini.v1"
)

// Config holds isobuilder tool configuration.
//
// Tool configuration describes the build host (where to work, how to reach
// root, how to isolate the chroot). What goes into an image is described
// separately by a Definition.
type Config struct {
	Profile string

	WorkDir    string // base directory for .src/.mount/.fs/.mirror trees
	LogsPath   string
	MountTable string // live mount table, normally /proc/self/mounts

	ChrootBackend     string // "chroot" or "nspawn"
	SquashfsBlockSize datasize.ByteSize
	CommandTimeout    time.Duration // default bound for non-network commands

	UseSudo      bool
	DirectUmount bool // unmount via syscall instead of umount(8)

	Debug  bool
	Force  bool
	YesAll bool

	// Database settings
	Database struct {
		Path string // Default: ${WorkDir}/builds.db
	}

	// Telemetry settings
	Telemetry struct {
		JaegerEndpoint string
		ServiceName    string
	}

	// Publish settings
	Publish struct {
		CredentialsFile string
	}
}

// DefaultConfigFile is read when no config directory is given.
const DefaultConfigFile = "/etc/isobuilder/isobuilder.ini"

var globalConfig *Config

// GetConfig returns the global configuration
func GetConfig() *Config {
	return globalConfig
}

// SetConfig sets the global configuration
func SetConfig(cfg *Config) {
	globalConfig = cfg
}

// Defaults returns the configuration used for any value not present in the
// config file. Paths derived from WorkDir are resolved by LoadConfig.
func Defaults() Config {
	cfg := Config{
		MountTable:        "/proc/self/mounts",
		ChrootBackend:     "chroot",
		SquashfsBlockSize: datasize.MB,
		CommandTimeout:    30 * time.Minute,
	}
	cfg.Telemetry.ServiceName = "isobuilder"
	return cfg
}

// LoadConfig loads configuration from file
func LoadConfig(configDir, profile string) (*Config, error) {
	cfg := &Config{Profile: profile}

	configFile := DefaultConfigFile
	if configDir != "" {
		configFile = filepath.Join(configDir, "isobuilder.ini")
	}

	if _, err := os.Stat(configFile); err == nil {
		iniFile, err := ini.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}

		globalSec := iniFile.Section("Global Configuration")

		// If no profile specified, read from global section
		if cfg.Profile == "" || cfg.Profile == "default" {
			if key := globalSec.Key("profile_selected"); key.String() != "" {
				cfg.Profile = key.String()
			}
		}

		if cfg.Profile != "" && cfg.Profile != "default" {
			if err := cfg.loadFromSection(iniFile.Section(cfg.Profile)); err != nil {
				return nil, err
			}
		}

		// Global section fills anything the profile left unset
		if err := cfg.loadFromSection(globalSec); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills unset fields from Defaults and resolves derived paths.
func (cfg *Config) applyDefaults() error {
	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return fmt.Errorf("failed to apply config defaults: %w", err)
	}

	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	if cfg.LogsPath == "" {
		cfg.LogsPath = filepath.Join(cfg.WorkDir, "logs")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.WorkDir, "builds.db")
	}

	switch cfg.ChrootBackend {
	case "chroot", "nspawn":
	default:
		return fmt.Errorf("invalid Chroot_backend %q (want chroot or nspawn)", cfg.ChrootBackend)
	}

	return nil
}

// loadFromSection loads config values from an INI section. Values already
// set (by a more specific section) are kept.
func (cfg *Config) loadFromSection(sec *ini.Section) error {
	if sec == nil {
		return nil
	}

	setString := func(dst *string, name string) {
		if *dst == "" {
			*dst = sec.Key(name).String()
		}
	}

	setString(&cfg.WorkDir, "Directory_work")
	setString(&cfg.LogsPath, "Directory_logs")
	setString(&cfg.MountTable, "Mount_table")
	setString(&cfg.ChrootBackend, "Chroot_backend")
	setString(&cfg.Database.Path, "Database_path")
	setString(&cfg.Telemetry.JaegerEndpoint, "Jaeger_endpoint")
	setString(&cfg.Telemetry.ServiceName, "Service_name")
	setString(&cfg.Publish.CredentialsFile, "Gcs_credentials")

	if v := sec.Key("Squashfs_block_size").String(); v != "" && cfg.SquashfsBlockSize == 0 {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid Squashfs_block_size %q: %w", v, err)
		}
		cfg.SquashfsBlockSize = size
	}

	if v := sec.Key("Command_timeout").String(); v != "" && cfg.CommandTimeout == 0 {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid Command_timeout %q: %w", v, err)
		}
		cfg.CommandTimeout = d
	}

	if v := sec.Key("Use_sudo").String(); v != "" {
		cfg.UseSudo = cfg.UseSudo || parseBool(v)
	}
	if v := sec.Key("Direct_umount").String(); v != "" {
		cfg.DirectUmount = cfg.DirectUmount || parseBool(v)
	}
	if v := sec.Key("Debug").String(); v != "" {
		cfg.Debug = cfg.Debug || parseBool(v)
	}

	return nil
}

func parseBool(s string) bool {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	switch strings.ToLower(s) {
	case "yes", "on":
		return true
	}
	return false
}
