package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
	"github.com/hnhdigital-os/ubuntu-iso-builder/util"
)

var cleanupDelete bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Tear down stale working trees and image mounts",
	Long: `Cleanup tears down every working tree (*.fs) and releases every image mount
(*.mount) under the work directory, e.g. after an interrupted build.

With --delete the trees are removed as well.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDelete, "delete", false, "remove the working trees")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	trees, err := svc.GetWorkTrees()
	if err != nil {
		return err
	}
	if len(trees) > 0 {
		fmt.Println("Working trees:")
		for _, t := range trees {
			fmt.Printf("  %s\n", t.FsPath)
		}
		if cleanupDelete && !config.GetConfig().YesAll && !util.AskYN("Delete these trees?", false) {
			fmt.Println("Cleanup cancelled")
			return nil
		}
	}

	result, err := svc.Cleanup(cmd.Context(), service.CleanupOptions{DeleteTrees: cleanupDelete})
	if err != nil {
		return err
	}
	for _, e := range result.Errors {
		fmt.Printf("Warning: %v\n", e)
	}

	if result.TreesCleaned == 0 && result.MountsReleased == 0 {
		fmt.Println("Nothing to clean up")
		return nil
	}
	fmt.Printf("✓ Cleaned up %d trees, released %d image mounts\n", result.TreesCleaned, result.MountsReleased)
	return nil
}
