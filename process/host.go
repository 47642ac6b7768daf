package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sys/unix"

	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
	"github.com/hnhdigital-os/ubuntu-iso-builder/telemetry"
)

// Isolation selects how a chrooted Command is entered.
type Isolation string

const (
	IsolationChroot Isolation = "chroot"
	IsolationNspawn Isolation = "nspawn"
)

// HostRunner executes commands with os/exec on the build host.
type HostRunner struct {
	Isolation  Isolation
	UseSudo    bool
	Transcript io.Writer
	Logger     log.LibraryLogger

	// euid is overridable for tests
	euid func() int
}

func init() {
	Register(string(IsolationChroot), func(opts Options) Runner {
		return NewHostRunner(IsolationChroot, opts)
	})
	Register(string(IsolationNspawn), func(opts Options) Runner {
		return NewHostRunner(IsolationNspawn, opts)
	})
}

// NewHostRunner creates a HostRunner with the given isolation.
func NewHostRunner(isolation Isolation, opts Options) *HostRunner {
	logger := opts.Logger
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &HostRunner{
		Isolation:  isolation,
		UseSudo:    opts.UseSudo,
		Transcript: opts.Transcript,
		Logger:     logger,
		euid:       unix.Geteuid,
	}
}

// argv builds the host-level argument vector for cmd. It returns the argv,
// the host working directory and whether cmd.Env must be applied through
// the process environment (false when it is already encoded in argv).
func (h *HostRunner) argv(cmd *Command) (args []string, hostDir string, inheritEnv bool) {
	inheritEnv = true

	switch {
	case cmd.Chroot == "":
		args = append([]string{cmd.Program}, cmd.Args...)
		hostDir = cmd.Dir

	case h.Isolation == IsolationNspawn:
		args = []string{"systemd-nspawn", "--quiet", "--register=no", "-D", cmd.Chroot}
		if cmd.Dir != "" {
			args = append(args, "--chdir="+cmd.Dir)
		}
		for _, kv := range envList(cmd.Env) {
			args = append(args, "--setenv="+kv)
		}
		args = append(args, cmd.Program)
		args = append(args, cmd.Args...)
		inheritEnv = false

	default:
		args = []string{"chroot", cmd.Chroot}
		if cmd.Dir != "" {
			// chroot(8) has no working directory flag; the directory and the
			// program are passed as positional parameters, never spliced into
			// the script text.
			args = append(args, "/bin/sh", "-c", `cd "$1" && shift && exec "$@"`, "sh", cmd.Dir)
		}
		args = append(args, cmd.Program)
		args = append(args, cmd.Args...)
		hostDir = "/"
	}

	if h.elevate(cmd) {
		prefix := []string{"sudo", "-n"}
		if inheritEnv && len(cmd.Env) > 0 {
			// sudo resets the environment; carry overrides through env(1)
			prefix = append(prefix, "env")
			prefix = append(prefix, envList(cmd.Env)...)
			inheritEnv = false
		}
		args = append(prefix, args...)
	}

	return args, hostDir, inheritEnv
}

func (h *HostRunner) elevate(cmd *Command) bool {
	if !cmd.Sudo && !h.UseSudo {
		return false
	}
	euid := h.euid
	if euid == nil {
		euid = unix.Geteuid
	}
	return euid() != 0
}

// Run executes cmd. See Runner for error semantics.
func (h *HostRunner) Run(ctx context.Context, cmd *Command) (*Result, error) {
	args, hostDir, inheritEnv := h.argv(cmd)

	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running command: %s", cmd.Program))
	defer span.End()
	span.SetAttributes(
		attribute.String("command", cmd.String()),
		attribute.String("chroot", cmd.Chroot),
	)

	// Handle timeout: create derived context if cmd.Timeout > 0 while
	// still respecting parent context cancellation
	execCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(execCtx, args[0], args[1:]...)
	execCmd.Dir = hostDir
	if inheritEnv && len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), envList(cmd.Env)...)
	}
	if cmd.Stdin != nil {
		execCmd.Stdin = cmd.Stdin
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	transcript := transcriptFrom(ctx, h.Transcript)
	if transcript != nil {
		fmt.Fprintf(transcript, ">>> %s\n", cmd.String())
		execCmd.Stdout = io.MultiWriter(&stdout, transcript)
		execCmd.Stderr = io.MultiWriter(&stderr, transcript)
	}

	h.Logger.Debug("exec: %s (chroot=%q dir=%q timeout=%s)", cmd.String(), cmd.Chroot, cmd.Dir, cmd.Timeout)

	startTime := time.Now()
	err := execCmd.Run()
	result := &Result{
		Duration: time.Since(startTime),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if err != nil {
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			result.ExitCode = -1
			err = &ExecutionError{Op: "timeout", Command: cmd.String(), Err: fmt.Errorf("%w after %s", ErrTimeout, cmd.Timeout)}
		case ctx.Err() != nil:
			result.ExitCode = -1
			err = &ExecutionError{Op: "cancel", Command: cmd.String(), Err: ctx.Err()}
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				// Command ran but returned non-zero exit code
				result.ExitCode = exitErr.ExitCode()
				err = nil
			} else {
				result.ExitCode = -1
				err = &ExecutionError{Op: "exec", Command: cmd.String(), Err: err}
			}
		}
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if result.ExitCode != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", result.ExitCode))
	}

	return result, err
}
