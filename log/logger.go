package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
)

// Compile-time interface checks
var (
	_ LibraryLogger = (*Logger)(nil)
	_ LibraryLogger = (*ContextLogger)(nil)
)

// Logger manages the build log files
type Logger struct {
	cfg         *config.Config
	resultsFile *os.File
	stageFile   *os.File
	failureFile *os.File
	outputFile  *os.File
	debugFile   *os.File
	mu          sync.Mutex
}

// LogContext provides metadata for contextual logging
type LogContext struct {
	RunID string // Build run UUID (full or short)
	Stage string // Pipeline stage (e.g., "fs-open")
}

// ContextLogger wraps Logger with context metadata for enriched log entries
type ContextLogger struct {
	logger *Logger
	ctx    LogContext
}

// NewLogger creates a new logger
func NewLogger(cfg *config.Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.LogsPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	l := &Logger{cfg: cfg}

	files := []struct {
		dst  **os.File
		name string
	}{
		{&l.resultsFile, "00_last_results.log"},
		{&l.stageFile, "01_stage_list.log"},
		{&l.failureFile, "02_failure_list.log"},
		{&l.outputFile, "03_command_output.log"},
		{&l.debugFile, "04_debug.log"},
	}

	for _, f := range files {
		fh, err := os.Create(filepath.Join(cfg.LogsPath, f.name))
		if err != nil {
			l.Close()
			return nil, err
		}
		*f.dst = fh
	}

	l.writeHeaders()

	return l, nil
}

// Close closes all log files
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, f := range []*os.File{l.resultsFile, l.stageFile, l.failureFile, l.outputFile, l.debugFile} {
		if f != nil {
			f.Close()
		}
	}
}

// writeHeaders writes initial headers to log files
func (l *Logger) writeHeaders() {
	timestamp := time.Now().Format(time.RFC3339)

	fmt.Fprintf(l.resultsFile, "isobuilder build log - %s\n", timestamp)
	fmt.Fprintf(l.resultsFile, "%s\n\n", strings.Repeat("=", 70))

	fmt.Fprintf(l.stageFile, "Completed stages - %s\n\n", timestamp)
	fmt.Fprintf(l.failureFile, "Failed stages - %s\n\n", timestamp)
	fmt.Fprintf(l.outputFile, "Command output - %s\n\n", timestamp)
	fmt.Fprintf(l.debugFile, "Debug log - %s\n\n", timestamp)
}

// StageStarted logs the start of a pipeline stage
func (l *Logger) StageStarted(stage string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	l.resultsFile.WriteString(fmt.Sprintf("[%s] START: %s\n", timestamp, stage))
	l.resultsFile.Sync()
}

// StageSucceeded logs a completed stage
func (l *Logger) StageSucceeded(stage string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf("[%s] SUCCESS: %s (%s)\n", timestamp, stage, duration.Round(time.Millisecond))

	l.resultsFile.WriteString(msg)
	l.stageFile.WriteString(stage + "\n")

	l.resultsFile.Sync()
	l.stageFile.Sync()
}

// StageFailed logs a failed stage
func (l *Logger) StageFailed(stage string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf("[%s] FAILED: %s: %v\n", timestamp, stage, err)

	l.resultsFile.WriteString(msg)
	l.failureFile.WriteString(fmt.Sprintf("%s: %v\n", stage, err))

	l.resultsFile.Sync()
	l.failureFile.Sync()
}

// CommandOutput records the captured output of an external command
func (l *Logger) CommandOutput(command, output string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(l.outputFile, "[%s] >>> %s\n%s\n", timestamp, command, strings.TrimRight(output, "\n"))
	l.outputFile.Sync()
}

// OutputWriter returns a writer appending to the command output log.
func (l *Logger) OutputWriter() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		n, err := l.outputFile.Write(p)
		l.outputFile.Sync()
		return n, err
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// Debug logs debug information
func (l *Logger) Debug(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	l.debugFile.WriteString(fmt.Sprintf("[%s] %s\n", timestamp, msg))
	l.debugFile.Sync()
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	errMsg := fmt.Sprintf("[%s] ERROR: %s\n", timestamp, msg)

	l.resultsFile.WriteString(errMsg)
	l.debugFile.WriteString(errMsg)

	l.resultsFile.Sync()
	l.debugFile.Sync()
}

// Warn logs a warning message (non-fatal issues)
func (l *Logger) Warn(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	warnMsg := fmt.Sprintf("[%s] WARN: %s\n", timestamp, msg)

	l.resultsFile.WriteString(warnMsg)
	l.debugFile.WriteString(warnMsg)

	l.resultsFile.Sync()
	l.debugFile.Sync()
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	l.resultsFile.WriteString(fmt.Sprintf("[%s] INFO: %s\n", timestamp, msg))
	l.resultsFile.Sync()
}

// WriteSummary writes a summary to the results log
func (l *Logger) WriteSummary(total, succeeded, failed int, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.resultsFile, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(l.resultsFile, "BUILD SUMMARY\n")
	fmt.Fprintf(l.resultsFile, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(l.resultsFile, "Total stages:      %d\n", total)
	fmt.Fprintf(l.resultsFile, "Succeeded:         %d\n", succeeded)
	fmt.Fprintf(l.resultsFile, "Failed:            %d\n", failed)
	fmt.Fprintf(l.resultsFile, "Duration:          %s\n", duration)
	fmt.Fprintf(l.resultsFile, "%s\n", strings.Repeat("=", 70))

	l.resultsFile.Sync()
}

// WithContext creates a ContextLogger with metadata for enriched logging.
// The RunID will be truncated to 8 characters for readability.
//
// Example:
//
//	ctxLogger := logger.WithContext(log.LogContext{
//	    RunID: runUUID,
//	    Stage: "fs-open",
//	})
//	ctxLogger.Info("Extracting payload")
//	// Output: [15:04:05] [a1b2c3d4] fs-open: INFO: Extracting payload
func (l *Logger) WithContext(ctx LogContext) *ContextLogger {
	return &ContextLogger{
		logger: l,
		ctx:    ctx,
	}
}

// formatPrefix creates a log prefix with context metadata
func (cl *ContextLogger) formatPrefix() string {
	shortUUID := cl.ctx.RunID
	if len(shortUUID) > 8 {
		shortUUID = shortUUID[:8]
	}
	return fmt.Sprintf("[%s] %s: ", shortUUID, cl.ctx.Stage)
}

func (cl *ContextLogger) write(level string, toResults bool, format string, args ...any) {
	prefix := cl.formatPrefix()
	cl.logger.mu.Lock()
	defer cl.logger.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	fullMsg := fmt.Sprintf("[%s] %s%s: %s\n", timestamp, prefix, level, msg)

	if toResults {
		cl.logger.resultsFile.WriteString(fullMsg)
		cl.logger.resultsFile.Sync()
	}
	if level != "INFO" {
		cl.logger.debugFile.WriteString(fullMsg)
		cl.logger.debugFile.Sync()
	}
}

// Info logs an informational message with context
func (cl *ContextLogger) Info(format string, args ...any) {
	cl.write("INFO", true, format, args...)
}

// Error logs an error message with context
func (cl *ContextLogger) Error(format string, args ...any) {
	cl.write("ERROR", true, format, args...)
}

// Debug logs debug information with context
func (cl *ContextLogger) Debug(format string, args ...any) {
	cl.write("DEBUG", false, format, args...)
}

// Warn logs a warning message with context
func (cl *ContextLogger) Warn(format string, args ...any) {
	cl.write("WARN", true, format, args...)
}
