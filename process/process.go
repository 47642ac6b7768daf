// Package process runs the external programs the builder delegates to.
//
// Every invocation is described by a structured Command (program, argument
// list, working directory, environment overrides, chroot root, elevation,
// timeout). Nothing is ever interpolated into a shell string, so package
// names, paths and passphrases need no quoting.
//
// Supported backends:
//   - "chroot": chroot(8) into the working tree
//   - "nspawn": systemd-nspawn -D <root>
//   - "mock": testing backend (records commands, runs nothing)
//
// Usage example:
//
//	runner, err := process.New("chroot", process.Options{UseSudo: true})
//	if err != nil {
//	    return err
//	}
//
//	res, err := process.Exec(ctx, runner, &process.Command{
//	    Program: "apt-get",
//	    Args:    []string{"-y", "-f", "install", "curl"},
//	    Chroot:  tree.FsPath,
//	    Env:     process.ChrootEnv(),
//	    Timeout: 30 * time.Minute,
//	})
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
)

// Runner executes commands.
//
// Run follows exec semantics: a command that ran and exited non-zero is
// reported through Result.ExitCode with a nil error. A non-nil error means
// the command could not be run at all, or was killed by its timeout. Use
// Exec when a non-zero exit should be an error.
type Runner interface {
	Run(ctx context.Context, cmd *Command) (*Result, error)
}

// Command describes one external invocation.
type Command struct {
	// Program is the executable name or path. Inside a chroot it is resolved
	// against the chroot's PATH.
	Program string

	// Args are the arguments (excluding Program itself).
	Args []string

	// Dir is the working directory. With Chroot set it is a path inside the
	// chroot; otherwise a host path. Empty means "/" in a chroot and the
	// current directory on the host.
	Dir string

	// Env holds variables added to the inherited environment.
	Env map[string]string

	// Chroot is the root directory to run in. Empty runs on the host.
	Chroot string

	// Sudo requests elevation for this command. Ignored when already root.
	Sudo bool

	// Stdin is fed to the command when set.
	Stdin io.Reader

	// Timeout bounds execution. Zero means no timeout; context
	// cancellation still applies.
	Timeout time.Duration
}

// String renders the command for logs. Arguments containing whitespace or
// quotes are quoted; the chroot root is not included.
func (c *Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Program)
	for _, a := range c.Args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Result contains the result of command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Lines returns stdout split into lines, without the trailing empty line.
func (r *Result) Lines() []string {
	if r == nil || r.Stdout == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(r.Stdout, "\n"), "\n")
}

// Output returns stdout followed by stderr, for diagnostics.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	out := strings.TrimRight(r.Stdout, "\n")
	if errOut := strings.TrimRight(r.Stderr, "\n"); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	return out
}

// Exec runs cmd and converts a non-zero exit into a *CommandError.
func Exec(ctx context.Context, r Runner, cmd *Command) (*Result, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Output:   res.Output(),
		}
	}
	return res, nil
}

// ChrootEnv returns the environment used for package operations inside the
// working tree.
func ChrootEnv() map[string]string {
	return map[string]string{
		"HOME":            "/root",
		"LC_ALL":          "C.UTF-8",
		"DEBIAN_FRONTEND": "noninteractive",
	}
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

// Options configure a runner backend.
type Options struct {
	// UseSudo elevates every command, not just those asking for it.
	UseSudo bool

	// Transcript receives every command line and its output. A transcript
	// attached to the context with WithTranscript takes precedence.
	Transcript io.Writer

	Logger log.LibraryLogger
}

// NewRunnerFunc is a constructor function for Runner implementations.
type NewRunnerFunc func(opts Options) Runner

// Backend registry for runner implementations.
var backends = make(map[string]NewRunnerFunc)

// Register registers a runner backend.
//
// Panics if name is already registered (programming error).
func Register(name string, fn NewRunnerFunc) {
	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("process backend already registered: %s", name))
	}
	backends[name] = fn
}

// New creates a Runner for the specified backend.
func New(backend string, opts Options) (Runner, error) {
	fn, ok := backends[backend]
	if !ok {
		return nil, &ErrUnknownBackend{Backend: backend}
	}
	if opts.Logger == nil {
		opts.Logger = log.NoOpLogger{}
	}
	return fn(opts), nil
}

type transcriptKey struct{}

// WithTranscript returns a context whose commands are transcribed to w.
func WithTranscript(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, transcriptKey{}, w)
}

func transcriptFrom(ctx context.Context, fallback io.Writer) io.Writer {
	if w, ok := ctx.Value(transcriptKey{}).(io.Writer); ok && w != nil {
		return w
	}
	return fallback
}

// Sentinel errors.
var (
	ErrCommandFailed = errors.New("command failed")
	ErrTimeout       = errors.New("command timed out")
)

// ErrUnknownBackend is returned when requesting an unregistered backend.
type ErrUnknownBackend struct {
	Backend string
}

func (e *ErrUnknownBackend) Error() string {
	return fmt.Sprintf("unknown process backend: %s", e.Backend)
}

// CommandError reports a command that ran and exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string // captured stdout and stderr
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}

// ExecutionError indicates a command could not be run to completion.
//
// This is different from a command returning a non-zero exit code:
//   - Op "exec": the program could not be started (not found, permission)
//   - Op "timeout": the command was killed after Command.Timeout
//   - Op "cancel": the parent context was cancelled
type ExecutionError struct {
	Op      string
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed: command %s: %v", e.Op, e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsCommandFailure reports whether err came from a command exiting non-zero
// and returns its exit code.
func IsCommandFailure(err error) (int, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode, true
	}
	return 0, false
}
