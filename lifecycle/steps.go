package lifecycle

import (
	"context"
	"errors"

	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
)

// Category decides what a step failure does to the surrounding operation.
type Category int

const (
	// Required failures abort the operation and are returned.
	Required Category = iota
	// BestEffort failures are logged and recorded, then the next step runs.
	BestEffort
)

func (c Category) String() string {
	if c == BestEffort {
		return "best-effort"
	}
	return "required"
}

// Step is one unit of setup or teardown work.
type Step struct {
	Name     string
	Category Category
	Run      func(ctx context.Context) error
}

// StepResult records how a step went.
type StepResult struct {
	Name     string
	Category Category
	Err      error
	Skipped  bool
}

// Report lists every step an operation attempted, in order.
type Report struct {
	Steps []StepResult
}

// Failed returns the steps that returned an error.
func (r *Report) Failed() []StepResult {
	if r == nil {
		return nil
	}
	var out []StepResult
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Err joins every recorded failure, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Failed() {
		errs = append(errs, &StepError{Step: s.Name, Err: s.Err})
	}
	return errors.Join(errs...)
}

func (r *Report) skip(name string, c Category) {
	r.Steps = append(r.Steps, StepResult{Name: name, Category: c, Skipped: true})
}

// runSteps executes steps in order into report. The first Required failure
// stops the run and is returned as a *StepError; BestEffort failures are
// logged.
func runSteps(ctx context.Context, logger log.LibraryLogger, report *Report, steps []Step) error {
	for _, s := range steps {
		err := s.Run(ctx)
		report.Steps = append(report.Steps, StepResult{Name: s.Name, Category: s.Category, Err: err})
		if err == nil {
			logger.Debug("%s: ok", s.Name)
			continue
		}

		if s.Category == Required {
			logger.Error("%s failed: %v", s.Name, err)
			return &StepError{Step: s.Name, Err: err}
		}
		logger.Warn("%s failed (continuing): %v", s.Name, err)
	}
	return nil
}
