package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
)

var logsLines int

// logs reads the files directly; opening the service would truncate them.
var logsCmd = &cobra.Command{
	Use:   "logs [log]",
	Short: "View the logs of the last build",
	Long: `Without an argument, logs lists the available logs. A log is named by its
alias (results, stages, failures, output, debug), its number (00-04) or the
stage it belongs to (e.g. install-package).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.GetConfig()
		if len(args) == 0 {
			log.ListLogs(cfg, os.Stdout)
			return nil
		}
		return log.TailLog(cfg, args[0], logsLines, os.Stdout)
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 0, "only the last n lines")
	rootCmd.AddCommand(logsCmd)
}
