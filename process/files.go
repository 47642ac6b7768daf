package process

import (
	"bytes"
	"context"
	"time"
)

// WriteFile replaces the contents of path with data. The write runs through
// an elevated dd so files the tools left owned by root can be rewritten when
// the builder itself is not root.
func WriteFile(ctx context.Context, r Runner, path string, data []byte, timeout time.Duration) error {
	_, err := Exec(ctx, r, &Command{
		Program: "dd",
		Args:    []string{"of=" + path, "status=none"},
		Stdin:   bytes.NewReader(data),
		Sudo:    true,
		Timeout: timeout,
	})
	return err
}

// RemoveFile removes path with elevated rights. A missing file is not an
// error.
func RemoveFile(ctx context.Context, r Runner, path string, timeout time.Duration) error {
	_, err := Exec(ctx, r, &Command{
		Program: "rm",
		Args:    []string{"-f", path},
		Sudo:    true,
		Timeout: timeout,
	})
	return err
}
