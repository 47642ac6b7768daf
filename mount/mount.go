package mount

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
)

// Kind is the kind of mount.
type Kind int

const (
	KindBind    Kind = iota + 1 // existing directory exposed at a second path
	KindLoop                    // image file mounted through a loop device
	KindVirtual                 // kernel pseudo filesystem (proc, sysfs, devpts)
)

func (k Kind) String() string {
	switch k {
	case KindBind:
		return "bind"
	case KindLoop:
		return "loop"
	case KindVirtual:
		return "virtual"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Options describe a single mount.
type Options struct {
	Kind     Kind
	FSType   string // required for KindVirtual
	ReadOnly bool
}

// Record is a mount this process is responsible for unmounting.
type Record struct {
	Source     string
	Target     string
	Options    Options
	BestEffort bool
}

// ErrMount matches every *Error with errors.Is.
var ErrMount = errors.New("mount error")

// Error reports a failed mount or unmount.
type Error struct {
	Op       string // "mount" or "unmount"
	Target   string
	ExitCode int    // exit code of mount(8)/umount(8), 0 if not applicable
	Output   string // captured command output
	Err      error
}

func (e *Error) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s %s: exited with code %d", e.Op, e.Target, e.ExitCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrMount }

// Config tunes a Manager.
type Config struct {
	// MountTable is the live mount table, normally /proc/self/mounts.
	MountTable string

	// Sudo elevates mount(8)/umount(8).
	Sudo bool

	// Direct unmounts through the umount2 syscall instead of umount(8).
	// Only useful when running as root.
	Direct bool

	// Retries is how often a busy target is retried; RetryDelay is the
	// pause between attempts.
	Retries    int
	RetryDelay time.Duration

	Logger log.LibraryLogger
}

// Manager performs mounts and idempotent unmounts.
type Manager struct {
	runner  process.Runner
	fs      afero.Fs
	cfg     Config
	unmount func(target string, flags int) error
}

// NewManager creates a Manager running mount(8) through runner and reading
// the mount table from fs.
func NewManager(runner process.Runner, fs afero.Fs, cfg Config) *Manager {
	if cfg.MountTable == "" {
		cfg.MountTable = "/proc/self/mounts"
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NoOpLogger{}
	}
	return &Manager{
		runner:  runner,
		fs:      fs,
		cfg:     cfg,
		unmount: unix.Unmount,
	}
}

// EnsureTarget creates the mount point if needed.
func (m *Manager) EnsureTarget(target string) error {
	if err := m.fs.MkdirAll(target, 0755); err != nil {
		return &Error{Op: "mount", Target: target, Err: err}
	}
	return nil
}

// mountArgs builds the mount(8) arguments for a single mount.
func mountArgs(source, target string, opts Options) ([]string, error) {
	var args []string
	switch opts.Kind {
	case KindBind:
		args = []string{"--bind"}
		if opts.ReadOnly {
			args = append(args, "-o", "ro")
		}
	case KindLoop:
		o := "loop"
		if opts.ReadOnly {
			o += ",ro"
		}
		args = []string{"-o", o}
	case KindVirtual:
		if opts.FSType == "" {
			return nil, fmt.Errorf("virtual mount of %s needs a filesystem type", target)
		}
		args = []string{"-t", opts.FSType}
		if opts.ReadOnly {
			args = append(args, "-o", "ro")
		}
	default:
		return nil, fmt.Errorf("unknown mount kind %v", opts.Kind)
	}
	return append(args, source, target), nil
}

// Mount mounts source at target. The caller must ensure target exists.
func (m *Manager) Mount(ctx context.Context, source, target string, opts Options) error {
	args, err := mountArgs(source, target, opts)
	if err != nil {
		return &Error{Op: "mount", Target: target, Err: err}
	}

	res, err := m.runner.Run(ctx, &process.Command{
		Program: "mount",
		Args:    args,
		Sudo:    m.cfg.Sudo,
		Timeout: 2 * time.Minute,
	})
	if err != nil {
		return &Error{Op: "mount", Target: target, Err: err}
	}
	if res.ExitCode != 0 {
		return &Error{
			Op:       "mount",
			Target:   target,
			ExitCode: res.ExitCode,
			Output:   res.Output(),
			Err:      process.ErrCommandFailed,
		}
	}

	m.cfg.Logger.Debug("mounted %s (%s) at %s", source, opts.Kind, target)
	return nil
}

// Unmount unmounts target. A target that is not mounted is success, so
// teardown can call this unconditionally on a partially torn down tree.
func (m *Manager) Unmount(ctx context.Context, target string) error {
	target = filepath.Clean(target)

	if mounted, err := m.lookup(target); err == nil && !mounted {
		m.cfg.Logger.Debug("unmount %s: not mounted", target)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.Retries; attempt++ {
		busy, err := m.unmountOnce(ctx, target)
		if err == nil {
			m.cfg.Logger.Debug("unmounted %s", target)
			return nil
		}
		lastErr = err
		if !busy || attempt == m.cfg.Retries {
			break
		}

		m.cfg.Logger.Warn("unmount %s: target busy, retrying (%d/%d)", target, attempt, m.cfg.Retries)
		select {
		case <-ctx.Done():
			return &Error{Op: "unmount", Target: target, Err: ctx.Err()}
		case <-time.After(m.cfg.RetryDelay):
		}
	}

	return lastErr
}

func (m *Manager) unmountOnce(ctx context.Context, target string) (busy bool, err error) {
	if m.cfg.Direct {
		err := m.unmount(target, 0)
		switch {
		case err == nil, errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
			// EINVAL: not a mount point, ENOENT: path gone
			return false, nil
		case errors.Is(err, unix.EBUSY):
			return true, &Error{Op: "unmount", Target: target, Err: err}
		default:
			return false, &Error{Op: "unmount", Target: target, Err: err}
		}
	}

	res, err := m.runner.Run(ctx, &process.Command{
		Program: "umount",
		Args:    []string{target},
		Sudo:    m.cfg.Sudo,
		Timeout: 2 * time.Minute,
	})
	if err != nil {
		return false, &Error{Op: "unmount", Target: target, Err: err}
	}
	if res.ExitCode == 0 || notMounted(res.Output()) {
		return false, nil
	}

	out := res.Output()
	return strings.Contains(out, "busy"), &Error{
		Op:       "unmount",
		Target:   target,
		ExitCode: res.ExitCode,
		Output:   out,
		Err:      process.ErrCommandFailed,
	}
}

func notMounted(output string) bool {
	output = strings.ToLower(output)
	for _, s := range []string{"not mounted", "no mount point specified", "not found", "no such file or directory"} {
		if strings.Contains(output, s) {
			return true
		}
	}
	return false
}

// UnmountAll unmounts every target in order, continuing past failures.
// The returned slice holds one error per failed target.
func (m *Manager) UnmountAll(ctx context.Context, targets []string) []error {
	var errs []error
	for _, t := range targets {
		if err := m.Unmount(ctx, t); err != nil {
			m.cfg.Logger.Warn("unmount %s failed: %v", t, err)
			errs = append(errs, err)
		}
	}
	return errs
}

// IsMounted reports whether path is a mount point in the live mount table.
// An unreadable mount table reports false.
func (m *Manager) IsMounted(path string) bool {
	mounted, err := m.lookup(filepath.Clean(path))
	return err == nil && mounted
}

// MountsUnder returns the mount points at or below dir, deepest first, so
// the result can be unmounted in order.
func (m *Manager) MountsUnder(dir string) ([]string, error) {
	points, err := m.mountPoints()
	if err != nil {
		return nil, err
	}

	dir = filepath.Clean(dir)
	var out []string
	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]
		if dir == "/" || p == dir || strings.HasPrefix(p, dir+string(filepath.Separator)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Manager) lookup(path string) (bool, error) {
	points, err := m.mountPoints()
	if err != nil {
		return false, err
	}
	for _, p := range points {
		if p == path {
			return true, nil
		}
	}
	return false, nil
}

// mountPoints parses the mount table in table order.
func (m *Manager) mountPoints() ([]string, error) {
	data, err := afero.ReadFile(m.fs, m.cfg.MountTable)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	var points []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		points = append(points, filepath.Clean(unescapeMountPath(fields[1])))
	}
	return points, scanner.Err()
}

// unescapeMountPath decodes the octal escapes (\040 for space etc.) the
// kernel uses in the mount table.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
