package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/util"
)

var resetDBCmd = &cobra.Command{
	Use:   "reset-db",
	Short: "Delete the build database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if !svc.DatabaseExists() {
			fmt.Println("No database found")
			return nil
		}
		if !config.GetConfig().YesAll {
			fmt.Printf("⚠️  WARNING: This will delete the build history\n")
			fmt.Printf("Database: %s\n\n", svc.GetDatabasePath())
			if !util.AskYN("Are you sure?", false) {
				fmt.Println("Cancelled")
				return nil
			}
		}

		result, err := svc.ResetDatabase()
		if err != nil {
			return err
		}
		for _, f := range result.FilesRemoved {
			fmt.Printf("✓ Removed %s\n", f)
		}
		return nil
	},
}

var backupDBCmd = &cobra.Command{
	Use:   "backup-db",
	Short: "Copy the build database next to itself",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		path, err := svc.BackupDatabase()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Database backed up to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetDBCmd, backupDBCmd)
}
