package builddb

import (
	"errors"
	"fmt"
)

// Sentinel errors, checked with errors.Is.
var (
	ErrDatabaseNotOpen = errors.New("database not open")
	ErrEmptyUUID       = errors.New("UUID cannot be empty")
	ErrRecordNotFound  = errors.New("build record not found")
	ErrBucketNotFound  = errors.New("database bucket not found")

	// ErrOrphanedRecord means the images index points at a build that no
	// longer exists.
	ErrOrphanedRecord = errors.New("orphaned record reference")
)

// DatabaseError is a failed bolt operation, optionally on a bucket.
type DatabaseError struct {
	Op     string // "open", "create bucket", "backup", ...
	Bucket string
	Err    error
}

func (e *DatabaseError) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("database %s [bucket: %s]: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// RecordError is a failed operation on one build record.
type RecordError struct {
	Op   string
	UUID string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("build record %s [uuid: %s]: %v", e.Op, e.UUID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// ImageIndexError is a failed lookup of the latest build of a source image.
type ImageIndexError struct {
	Op    string
	Image string
	Err   error
}

func (e *ImageIndexError) Error() string {
	return fmt.Sprintf("image index %s [%s]: %v", e.Op, e.Image, e.Err)
}

func (e *ImageIndexError) Unwrap() error { return e.Err }

// InputError is a failure reading build inputs for their checksum.
type InputError struct {
	Op   string
	Path string
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("build inputs %s [%s]: %v", e.Op, e.Path, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// ValidationError rejects an argument before the database is touched.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("validation failed [%s=%s]: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("validation failed [%s]: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is caller input rejected by
// validation.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDatabaseError reports whether err came from the bolt layer.
func IsDatabaseError(err error) bool {
	var de *DatabaseError
	return errors.As(err, &de)
}

// IsRecordNotFound reports whether err means the build does not exist.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
