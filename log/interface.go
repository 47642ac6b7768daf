package log

import "fmt"

// LibraryLogger is the logging surface every library package accepts.
//
// Packages such as lifecycle, mirror and action report progress through it
// without knowing whether output ends up in the build log files, on the
// terminal, or in a MemoryLogger during tests.
type LibraryLogger interface {
	// Info logs informational messages (e.g., "Extracting payload...")
	Info(format string, args ...any)

	// Debug logs debug/diagnostic messages (may be no-op in production)
	Debug(format string, args ...any)

	// Warn logs warning messages (non-fatal issues such as a failed
	// best-effort teardown step)
	Warn(format string, args ...any)

	// Error logs error messages (failures, but execution continues)
	Error(format string, args ...any)
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

func (NoOpLogger) Info(format string, args ...any)  {}
func (NoOpLogger) Debug(format string, args ...any) {}
func (NoOpLogger) Warn(format string, args ...any)  {}
func (NoOpLogger) Error(format string, args ...any) {}

// StdoutLogger prints all messages to stdout with severity prefix.
type StdoutLogger struct {
	Verbose bool // print Debug messages too
}

func (StdoutLogger) Info(format string, args ...any) {
	fmt.Printf("[INFO] "+format+"\n", args...)
}

func (s StdoutLogger) Debug(format string, args ...any) {
	if s.Verbose {
		fmt.Printf("[DEBUG] "+format+"\n", args...)
	}
}

func (StdoutLogger) Warn(format string, args ...any) {
	fmt.Printf("[WARN] "+format+"\n", args...)
}

func (StdoutLogger) Error(format string, args ...any) {
	fmt.Printf("[ERROR] "+format+"\n", args...)
}

// Tee fans every message out to all of the given loggers.
type Tee []LibraryLogger

func (t Tee) Info(format string, args ...any) {
	for _, l := range t {
		l.Info(format, args...)
	}
}

func (t Tee) Debug(format string, args ...any) {
	for _, l := range t {
		l.Debug(format, args...)
	}
}

func (t Tee) Warn(format string, args ...any) {
	for _, l := range t {
		l.Warn(format, args...)
	}
}

func (t Tee) Error(format string, args ...any) {
	for _, l := range t {
		l.Error(format, args...)
	}
}
