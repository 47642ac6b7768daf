package lifecycle

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by lifecycle operations.
var (
	ErrNotMounted     = errors.New("image is not mounted")
	ErrPayloadMissing = errors.New("filesystem payload is missing")
	ErrExtractFailed  = errors.New("payload extraction failed")
	ErrNotInitialized = errors.New("working tree is not initialized")
	ErrMissingFs      = errors.New("working tree does not exist")
	ErrMissingSource  = errors.New("source tree does not exist")
	ErrMountsRemain   = errors.New("mounts remain below working tree")
	ErrTreeRemains    = errors.New("previous working tree was not removed")
)

// ExtractError reports unsquashfs exiting non-zero.
type ExtractError struct {
	Payload  string
	ExitCode int
	Output   string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("failed to extract %s: unsquashfs exited with code %d", e.Payload, e.ExitCode)
}

func (e *ExtractError) Is(target error) bool {
	return target == ErrExtractFailed
}

// StepError wraps the failure of a required step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
