package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
)

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Follow the stage logs of a running build",
	Long: `Monitor follows the most recently written stage log, printing its output as
it grows, and switches to the next stage log when one appears. Press Ctrl+C
to exit.

It reads the log files only, so it can run next to a build.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doMonitor(cmd, config.GetConfig())
	},
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", time.Second, "poll interval")
	rootCmd.AddCommand(monitorCmd)
}

func doMonitor(cmd *cobra.Command, cfg *config.Config) error {
	fmt.Printf("Monitoring %s (press Ctrl+C to exit)\n", filepath.Join(cfg.LogsPath, "stages"))

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	current := ""
	var offset int64
	idle := 0

	for {
		latest := latestStageLog(cfg)
		switch {
		case latest == "":
			idle++
			if idle == 1 || idle%30 == 0 {
				fmt.Printf("No stage logs yet... (checked %d times)\n", idle)
			}
		case latest != current:
			fmt.Printf("\n═══ %s ═══\n", filepath.Base(latest))
			current, offset = latest, 0
			fallthrough
		default:
			n, err := copyFrom(current, offset, os.Stdout)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", current, err)
			}
			offset += n
		}

		select {
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
		}
	}
}

// latestStageLog returns the most recently modified stage log.
func latestStageLog(cfg *config.Config) string {
	names, err := log.StageLogs(cfg)
	if err != nil {
		return ""
	}

	var latest string
	var latestMod time.Time
	for _, name := range names {
		path := filepath.Join(cfg.LogsPath, "stages", name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if latest == "" || !info.ModTime().Before(latestMod) {
			latest, latestMod = path, info.ModTime()
		}
	}
	return latest
}

// copyFrom writes the contents of path past offset to w.
func copyFrom(path string, offset int64, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(w, f)
}
