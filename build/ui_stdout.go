package build

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// StdoutUI implements BuildUI with one line per stage.
type StdoutUI struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdoutUI creates a line based UI writing to out. A nil out writes to
// os.Stdout.
func NewStdoutUI(out io.Writer) *StdoutUI {
	if out == nil {
		out = os.Stdout
	}
	return &StdoutUI{out: out}
}

// Start initializes the stdout UI (no-op)
func (ui *StdoutUI) Start() error {
	return nil
}

// Stop cleanly shuts down the stdout UI (no-op)
func (ui *StdoutUI) Stop() {}

// StageStarted prints the stage being processed.
func (ui *StdoutUI) StageStarted(_, _ int, stage string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	fmt.Fprintf(ui.out, "Processing %s\n", stage)
}

// StageFinished prints failures only; success is implied by the next stage.
func (ui *StdoutUI) StageFinished(stage string, duration time.Duration, err error) {
	if err == nil {
		return
	}
	ui.mu.Lock()
	defer ui.mu.Unlock()
	fmt.Fprintf(ui.out, "%s failed after %s: %v\n", stage, duration.Round(time.Millisecond), err)
}

// LogEvent prints message as is.
func (ui *StdoutUI) LogEvent(message string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	fmt.Fprintln(ui.out, message)
}
