package build

import "time"

// BuildUI is the interface for displaying pipeline progress.
type BuildUI interface {
	// Start initializes the UI
	Start() error

	// Stop cleanly shuts down the UI
	Stop()

	// StageStarted announces the seq'th of total stages
	StageStarted(seq, total int, stage string)

	// StageFinished reports the outcome of a stage. err is nil on success.
	StageFinished(stage string, duration time.Duration, err error)

	// LogEvent prints a free-form message, e.g. a failure diagnostic
	LogEvent(message string)
}
