package action

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Dispatch.
var (
	ErrUnknownAction     = errors.New("unknown action")
	ErrActionDataMissing = errors.New("action data missing")
	ErrFileNotFound      = errors.New("file not found")
	ErrDecodeFailed      = errors.New("failed to decode action data")
	ErrPathEscapes       = errors.New("path leaves its root")
)

// UnknownActionError is returned for names outside the action table.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action: %q", e.Name)
}

func (e *UnknownActionError) Is(target error) bool {
	return target == ErrUnknownAction
}
