package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
)

// StageLogger holds the command transcript of a single pipeline stage.
//
// Files live under <LogsPath>/stages and are numbered in execution order,
// e.g. "03_install-package.log". A StageLogger whose file could not be
// created silently drops writes so a logging problem never fails a build.
type StageLogger struct {
	stage string
	path  string
	file  *os.File
	mu    sync.Mutex
}

// NewStageLogger creates the transcript file for the seq'th stage.
func NewStageLogger(cfg *config.Config, seq int, stage string) *StageLogger {
	dir := filepath.Join(cfg.LogsPath, "stages")
	name := fmt.Sprintf("%02d_%s.log", seq, sanitizeStage(stage))
	sl := &StageLogger{stage: stage, path: filepath.Join(dir, name)}

	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create stage log directory: %v\n", err)
		return sl
	}

	file, err := os.Create(sl.path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create stage log: %v\n", err)
		return sl
	}
	sl.file = file
	return sl
}

func sanitizeStage(stage string) string {
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(stage)
}

// Path returns the transcript file path.
func (sl *StageLogger) Path() string {
	return sl.path
}

// Close closes the stage logger
func (sl *StageLogger) Close() {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.file != nil {
		sl.file.Close()
		sl.file = nil
	}
}

// WriteHeader writes the log header
func (sl *StageLogger) WriteHeader(runID string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.file == nil {
		return
	}

	fmt.Fprintf(sl.file, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(sl.file, "Stage: %s\n", sl.stage)
	fmt.Fprintf(sl.file, "Run: %s\n", runID)
	fmt.Fprintf(sl.file, "Started: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(sl.file, "%s\n\n", strings.Repeat("=", 70))
	sl.file.Sync()
}

// Write appends raw command output. StageLogger is an io.Writer so it can
// be handed to the process runner as a transcript.
func (sl *StageLogger) Write(p []byte) (int, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.file == nil {
		return len(p), nil
	}

	n, err := sl.file.Write(p)
	sl.file.Sync()
	return n, err
}

// WriteWarning writes a warning message
func (sl *StageLogger) WriteWarning(msg string) {
	sl.writeLine("WARNING: %s\n", msg)
}

// WriteError writes an error message
func (sl *StageLogger) WriteError(msg string) {
	sl.writeLine("ERROR: %s\n", msg)
}

func (sl *StageLogger) writeLine(format string, args ...any) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.file == nil {
		return
	}

	fmt.Fprintf(sl.file, format, args...)
	sl.file.Sync()
}

// WriteSuccess writes the closing banner of a successful stage
func (sl *StageLogger) WriteSuccess(duration time.Duration) {
	sl.writeFooter("STAGE SUCCESS", "", duration)
}

// WriteFailure writes the closing banner of a failed stage
func (sl *StageLogger) WriteFailure(duration time.Duration, reason string) {
	sl.writeFooter("STAGE FAILED", reason, duration)
}

func (sl *StageLogger) writeFooter(title, reason string, duration time.Duration) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.file == nil {
		return
	}

	fmt.Fprintf(sl.file, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(sl.file, "%s\n", title)
	if reason != "" {
		fmt.Fprintf(sl.file, "Reason: %s\n", reason)
	}
	fmt.Fprintf(sl.file, "Completed: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(sl.file, "Duration: %s\n", duration)
	fmt.Fprintf(sl.file, "%s\n", strings.Repeat("=", 70))
	sl.file.Sync()
}
