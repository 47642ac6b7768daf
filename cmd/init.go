package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
)

var initCwd string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up the work directory and check the host",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().StringVar(&initCwd, "cwd", "", "build directory to lay out (default: work directory)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	fmt.Println("Initializing isobuilder environment...")
	fmt.Println()

	svc, err := newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.Initialize(service.InitOptions{Cwd: initCwd})
	if err != nil {
		return err
	}

	fmt.Println("Directories:")
	for _, dir := range result.DirsCreated {
		fmt.Printf("  ✓ %s\n", dir)
	}
	if result.DatabaseInitialized {
		fmt.Printf("\nDatabase:\n  ✓ %s\n", svc.GetDatabasePath())
	}
	if len(result.Warnings) > 0 {
		fmt.Println()
		for _, w := range result.Warnings {
			fmt.Printf("  ⚠  %s\n", w)
		}
	}

	fmt.Println("\n✓ Initialization complete!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Stage .deb files, replacement files and scripts")
	fmt.Println("  2. Write a build definition")
	fmt.Println("  3. Run: isobuilder build <definition>")
	return nil
}
