// Package cmd implements the isobuilder command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
	"github.com/hnhdigital-os/ubuntu-iso-builder/telemetry"
)

// Version is set at link time.
var Version = "dev"

var (
	configDir string
	profile   string
	debug     bool
	force     bool
	yesAll    bool
	useSudo   bool

	shutdownTelemetry telemetry.ShutdownFunc
)

var rootCmd = &cobra.Command{
	Use:   "isobuilder",
	Short: "Remaster Ubuntu live images",
	Long: `isobuilder extracts the root filesystem of an Ubuntu live image, modifies it
inside a chroot and repacks it into a new bootable image.

A build definition (YAML) drives the whole pipeline with "isobuilder build".
The fs, mirror and iso commands run single steps against a working tree.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdownTelemetry != nil {
			return shutdownTelemetry(context.Background())
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configDir, "config-dir", "C", "", "config base directory (default /etc/isobuilder)")
	flags.StringVarP(&profile, "profile", "p", "default", "profile to use")
	flags.BoolVarP(&debug, "debug", "d", false, "debug verbosity")
	flags.BoolVarP(&force, "force", "f", false, "force operations")
	flags.BoolVarP(&yesAll, "yes", "y", false, "answer yes to all prompts")
	flags.BoolVar(&useSudo, "sudo", false, "run privileged commands through sudo")
}

// Execute runs the command line and returns the first error.
func Execute() error {
	rootCmd.Version = Version
	return rootCmd.ExecuteContext(context.Background())
}

func loadConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configDir, profile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if debug {
		cfg.Debug = true
	}
	if force {
		cfg.Force = true
	}
	if yesAll {
		cfg.YesAll = true
	}
	if useSudo {
		cfg.UseSudo = true
	}
	config.SetConfig(cfg)

	shutdown, err := telemetry.Init(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: tracing disabled: %v\n", err)
	}
	shutdownTelemetry = shutdown
	return nil
}

// newService opens the service for the loaded configuration.
func newService() (*service.Service, error) {
	svc, err := service.NewService(config.GetConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return svc, nil
}
