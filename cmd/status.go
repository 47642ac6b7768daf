package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
)

const timeLayout = "2006-01-02 15:04:05"

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show build history",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "number of recent builds (0 for all)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	opts := service.StatusOptions{Limit: statusLimit}
	if len(args) == 1 {
		opts.RunID = args[0]
	}
	result, err := svc.GetStatus(opts)
	if err != nil {
		return err
	}

	if opts.RunID != "" {
		printBuild(result.Builds[0])
		return nil
	}

	fmt.Println("=== Build Database Status ===")
	fmt.Printf("Database:      %s\n", svc.GetDatabasePath())
	fmt.Printf("Size:          %s\n", datasize.ByteSize(result.DatabaseSize).HumanReadable())
	fmt.Printf("Unfinished:    %d\n", len(result.Active))

	if len(result.Builds) == 0 {
		fmt.Println("\nNo builds recorded yet.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tLEVEL\tSTARTED\tDURATION\tIMAGE")
	for _, b := range result.Builds {
		rec := b.Record
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.UUID[:8], rec.Status, rec.Level, rec.StartTime.Format(timeLayout),
			rec.Duration().Round(time.Second), rec.Image)
	}
	return w.Flush()
}

func printBuild(b service.BuildStatus) {
	rec := b.Record
	fmt.Printf("Build %s\n", rec.UUID)
	fmt.Printf("  Status:      %s\n", rec.Status)
	fmt.Printf("  Image:       %s\n", rec.Image)
	if rec.Definition != "" {
		fmt.Printf("  Definition:  %s\n", rec.Definition)
	}
	fmt.Printf("  Level:       %d\n", rec.Level)
	fmt.Printf("  Started:     %s\n", rec.StartTime.Format(timeLayout))
	if !rec.EndTime.IsZero() {
		fmt.Printf("  Ended:       %s\n", rec.EndTime.Format(timeLayout))
	}
	fmt.Printf("  Duration:    %s\n", rec.Duration().Round(time.Second))
	fmt.Printf("  Input CRC:   %08x\n", rec.InputCRC)
	if rec.Output != "" {
		fmt.Printf("  Output:      %s\n", rec.Output)
	}
	if rec.Error != "" {
		fmt.Printf("  Error:       %s\n", rec.Error)
	}

	if len(b.Stages) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  #\tSTAGE\tSTATUS\tDURATION\tLOG")
	for _, s := range b.Stages {
		duration := "-"
		if !s.EndTime.IsZero() {
			duration = s.EndTime.Sub(s.StartTime).Round(time.Second).String()
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n", s.Seq, s.Name, s.Status, duration, s.LogPath)
	}
	w.Flush()
}
