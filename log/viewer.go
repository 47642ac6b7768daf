package log

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
)

var summaryLogs = []struct {
	aliases []string
	file    string
}{
	{[]string{"00", "results"}, "00_last_results.log"},
	{[]string{"01", "stages"}, "01_stage_list.log"},
	{[]string{"02", "failures"}, "02_failure_list.log"},
	{[]string{"03", "output"}, "03_command_output.log"},
	{[]string{"04", "debug"}, "04_debug.log"},
}

// ListLogs writes the available summary and stage logs to w
func ListLogs(cfg *config.Config, w io.Writer) {
	fmt.Fprintln(w, "Summary logs:")
	for _, l := range summaryLogs {
		fmt.Fprintf(w, "  %-12s - %s\n", strings.Join(l.aliases, " or "), l.file)
	}

	stages, _ := StageLogs(cfg)
	if len(stages) == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Stage logs (last build):")
	for _, s := range stages {
		fmt.Fprintf(w, "  %s\n", strings.TrimSuffix(s, ".log"))
	}
}

// StageLogs returns the stage transcript file names in execution order
func StageLogs(cfg *config.Config) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(cfg.LogsPath, "stages"))
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ResolveLog maps a log alias ("results", "02"), a stage log name
// ("03_install-package") or a bare stage name ("install-package") to a path.
func ResolveLog(cfg *config.Config, name string) (string, error) {
	for _, l := range summaryLogs {
		for _, alias := range l.aliases {
			if name == alias || name == l.file {
				return filepath.Join(cfg.LogsPath, l.file), nil
			}
		}
	}

	stages, _ := StageLogs(cfg)
	for _, s := range stages {
		base := strings.TrimSuffix(s, ".log")
		if name == s || name == base || (len(base) > 3 && base[3:] == sanitizeStage(name)) {
			return filepath.Join(cfg.LogsPath, "stages", s), nil
		}
	}

	return "", fmt.Errorf("no log named %q", name)
}

// TailLog writes the last n lines of a log to w; n <= 0 writes everything
func TailLog(cfg *config.Config, name string, n int, w io.Writer) error {
	path, err := ResolveLog(cfg, name)
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	start := 0
	if n > 0 && len(lines) > n {
		start = len(lines) - n
	}
	for _, line := range lines[start:] {
		fmt.Fprintln(w, line)
	}
	return nil
}

// GetLogSummary returns counts of completed and failed stages from the
// last build's logs.
func GetLogSummary(cfg *config.Config) map[string]int {
	summary := make(map[string]int)

	if lines, err := countLines(filepath.Join(cfg.LogsPath, "01_stage_list.log")); err == nil {
		summary["succeeded"] = lines
	}
	if lines, err := countLines(filepath.Join(cfg.LogsPath, "02_failure_list.log")); err == nil {
		summary["failed"] = lines
	}

	return summary
}

// countLines counts entry lines, skipping blanks and the header line
func countLines(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	count := 0
	first := true
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			first = false
			continue
		}
		if line != "" {
			count++
		}
	}

	return count, scanner.Err()
}
