// Package lifecycle drives a working tree through extraction, chroot
// initialization, modification, teardown and repacking.
//
// The state of a tree is never stored. It is derived from disk on every
// transition:
//
//	StateAbsent       FsPath does not exist
//	StateExtracted    FsPath exists, no chroot-init marker
//	StateInitialized  FsPath/chroot-init exists
//
// Transitions:
//
//	Absent      --Open-->   Extracted
//	Extracted   --Init-->   Initialized
//	Initialized --Uninit--> Extracted
//	Extracted   --Close-->  Absent (payload repacked into the source tree)
//
// Setup work is made of Required steps. Teardown is made of BestEffort steps
// so it can run against a partially initialized or partially torn down tree
// any number of times.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
	"github.com/hnhdigital-os/ubuntu-iso-builder/mount"
	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
	"github.com/hnhdigital-os/ubuntu-iso-builder/telemetry"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// State is the derived state of a working tree.
type State int

const (
	StateAbsent State = iota
	StateExtracted
	StateInitialized
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateExtracted:
		return "extracted"
	case StateInitialized:
		return "initialized"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DeriveState inspects fs and reports the state of tree.
func DeriveState(fs afero.Fs, tree workspace.Tree) State {
	if ok, err := afero.DirExists(fs, tree.FsPath); err != nil || !ok {
		return StateAbsent
	}
	if tree.Initialized(fs) {
		return StateInitialized
	}
	return StateExtracted
}

// Dispatcher executes a named modification action inside an initialized
// tree.
type Dispatcher interface {
	Dispatch(ctx context.Context, name, data string) error
}

// Options configure a Lifecycle.
type Options struct {
	Fs         afero.Fs
	Runner     process.Runner
	Mounts     *mount.Manager
	Tree       workspace.Tree
	Dispatcher Dispatcher
	Logger     log.LibraryLogger

	// BlockSize is passed to mksquashfs -b. Defaults to 1MB.
	BlockSize datasize.ByteSize

	// Timeout bounds each external command. Zero means no timeout.
	Timeout time.Duration

	// ResolvConf is copied into the tree so the chroot resolves names.
	// Defaults to /etc/resolv.conf.
	ResolvConf string

	// Now stamps the chroot marker. Defaults to time.Now.
	Now func() time.Time
}

// Lifecycle performs state transitions on a single working tree.
type Lifecycle struct {
	fs         afero.Fs
	runner     process.Runner
	mounts     *mount.Manager
	tree       workspace.Tree
	dispatcher Dispatcher
	logger     log.LibraryLogger
	blockSize  datasize.ByteSize
	timeout    time.Duration
	resolvConf string
	now        func() time.Time
}

// New creates a Lifecycle.
func New(opts Options) *Lifecycle {
	l := &Lifecycle{
		fs:         opts.Fs,
		runner:     opts.Runner,
		mounts:     opts.Mounts,
		tree:       opts.Tree,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger,
		blockSize:  opts.BlockSize,
		timeout:    opts.Timeout,
		resolvConf: opts.ResolvConf,
		now:        opts.Now,
	}
	if l.logger == nil {
		l.logger = log.NoOpLogger{}
	}
	if l.blockSize == 0 {
		l.blockSize = datasize.MB
	}
	if l.resolvConf == "" {
		l.resolvConf = "/etc/resolv.conf"
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Tree returns the working tree this lifecycle operates on.
func (l *Lifecycle) Tree() workspace.Tree {
	return l.tree
}

// State derives the current state of the tree.
func (l *Lifecycle) State() State {
	return DeriveState(l.fs, l.tree)
}

// InitializedAt returns when Init wrote the marker.
func (l *Lifecycle) InitializedAt() (time.Time, error) {
	return l.tree.InitializedAt(l.fs)
}

// Open extracts the filesystem payload into FsPath, replacing any previous
// tree.
//
// The payload is taken from the copied source tree when present there;
// otherwise the image mount must be live and carry it.
func (l *Lifecycle) Open(ctx context.Context) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "lifecycle.open")
	defer span.End()

	if err := l.Cleanup(ctx, true); err != nil {
		return fmt.Errorf("cleanup of previous tree: %w", err)
	}
	if ok, _ := afero.Exists(l.fs, l.tree.FsPath); ok {
		return fmt.Errorf("%s: %w", l.tree.FsPath, ErrTreeRemains)
	}

	payload, err := l.payload()
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("payload", payload))

	l.logger.Info("Extracting %s to %s", payload, l.tree.FsPath)
	res, err := l.runner.Run(ctx, &process.Command{
		Program: "unsquashfs",
		Args:    []string{"-d", l.tree.FsPath, payload},
		Sudo:    true,
		Timeout: l.timeout,
	})
	if err != nil {
		return fmt.Errorf("extract %s: %w", payload, err)
	}
	if res.ExitCode != 0 {
		return &ExtractError{Payload: payload, ExitCode: res.ExitCode, Output: res.Output()}
	}
	return nil
}

func (l *Lifecycle) payload() (string, error) {
	fromSource := l.tree.Source(workspace.PayloadPath)
	if ok, _ := afero.Exists(l.fs, fromSource); ok {
		return fromSource, nil
	}

	if !l.mounts.IsMounted(l.tree.MountPath) {
		return "", fmt.Errorf("%s: %w", l.tree.MountPath, ErrNotMounted)
	}

	fromMount := filepath.Join(l.tree.MountPath, workspace.PayloadPath)
	if ok, _ := afero.Exists(l.fs, fromMount); !ok {
		return "", fmt.Errorf("%s: %w", fromMount, ErrPayloadMissing)
	}
	return fromMount, nil
}

// Init prepares an extracted tree for chroot use and writes the marker. An
// already initialized tree is left alone.
func (l *Lifecycle) Init(ctx context.Context) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "lifecycle.init")
	defer span.End()

	switch l.State() {
	case StateAbsent:
		return ErrMissingFs
	case StateInitialized:
		l.logger.Info("Already initialized.")
		return nil
	}

	steps := []Step{
		{"open tree permissions", Required, func(ctx context.Context) error {
			return l.host(ctx, "chmod", "1777", l.tree.FsPath)
		}},
		{"open tmp permissions", Required, func(ctx context.Context) error {
			return l.host(ctx, "chmod", "1777", l.tree.Fs("tmp"))
		}},
		{"copy resolver config", Required, l.copyResolvConf},
	}
	for _, rec := range l.tree.ChrootMounts() {
		rec := rec
		steps = append(steps, Step{"mount " + rec.Target, Required, func(ctx context.Context) error {
			return l.mount(ctx, rec)
		}})
	}
	steps = append(steps,
		Step{"machine id", Required, func(ctx context.Context) error {
			return l.chroot(ctx, "systemd-machine-id-setup")
		}},
		Step{"divert initctl", Required, func(ctx context.Context) error {
			return l.chroot(ctx, "dpkg-divert", "--local", "--rename", "--add", "/sbin/initctl")
		}},
		Step{"stub initctl", Required, l.stubInitctl},
		Step{"write marker", Required, func(context.Context) error {
			stamp := l.now().Format(workspace.MarkerTimestamp)
			return afero.WriteFile(l.fs, l.tree.MarkerPath(), []byte(stamp), 0644)
		}},
	)

	return runSteps(ctx, l.logger, &Report{}, steps)
}

func (l *Lifecycle) copyResolvConf(ctx context.Context) error {
	dst := l.tree.Fs("run", "systemd", "resolve", "stub-resolv.conf")
	if err := l.host(ctx, "mkdir", "-p", filepath.Dir(dst)); err != nil {
		return err
	}
	return l.host(ctx, "cp", "-L", l.resolvConf, dst)
}

func (l *Lifecycle) mount(ctx context.Context, rec mount.Record) error {
	if l.mounts.IsMounted(rec.Target) {
		l.logger.Debug("%s already mounted", rec.Target)
		return nil
	}
	if err := l.mounts.EnsureTarget(rec.Target); err != nil {
		return err
	}
	return l.mounts.Mount(ctx, rec.Source, rec.Target, rec.Options)
}

func (l *Lifecycle) stubInitctl(ctx context.Context) error {
	if _, err := l.fs.Stat(l.tree.Fs("sbin", "initctl")); err == nil {
		return nil
	}
	return l.chroot(ctx, "ln", "-s", "/bin/true", "/sbin/initctl")
}

// RunAction runs a named action against the tree. "init" initializes;
// every other action requires the marker.
func (l *Lifecycle) RunAction(ctx context.Context, name, data string) error {
	if name == "init" {
		return l.Init(ctx)
	}
	if !l.tree.Initialized(l.fs) {
		return fmt.Errorf("%s: %w", name, ErrNotInitialized)
	}

	ctx, span := telemetry.GetTracer().Start(ctx, "lifecycle.action")
	defer span.End()
	span.SetAttributes(attribute.String("action", name))

	return l.dispatcher.Dispatch(ctx, name, data)
}

// Uninit reverses Init. Every step is best-effort; failures are logged and
// returned in the report, never as an error. Package housekeeping inside the
// chroot only runs while the marker exists, the unmounts always run.
func (l *Lifecycle) Uninit(ctx context.Context) *Report {
	ctx, span := telemetry.GetTracer().Start(ctx, "lifecycle.uninit")
	defer span.End()

	report := &Report{}
	if l.State() == StateAbsent {
		return report
	}

	housekeeping := []Step{
		{"apt autoremove", BestEffort, func(ctx context.Context) error {
			return l.chroot(ctx, "apt-get", "-y", "-qq", "autoremove")
		}},
		{"apt autoclean", BestEffort, func(ctx context.Context) error {
			return l.chroot(ctx, "apt-get", "-y", "-qq", "autoclean")
		}},
		{"clear tmp", BestEffort, func(ctx context.Context) error {
			return l.chroot(ctx, "find", "/tmp", "-mindepth", "1", "-delete")
		}},
		{"clear shell history", BestEffort, func(ctx context.Context) error {
			return l.chroot(ctx, "rm", "-f", "/root/.bash_history")
		}},
		{"blank machine id", BestEffort, func(ctx context.Context) error {
			return l.chroot(ctx, "truncate", "-s", "0", "/etc/machine-id")
		}},
		{"remove initctl stub", BestEffort, func(ctx context.Context) error {
			return l.chroot(ctx, "rm", "-f", "/sbin/initctl")
		}},
		{"remove initctl diversion", BestEffort, func(ctx context.Context) error {
			return l.chroot(ctx, "dpkg-divert", "--rename", "--remove", "/sbin/initctl")
		}},
	}

	if l.tree.Initialized(l.fs) {
		_ = runSteps(ctx, l.logger, report, housekeeping)
	} else {
		for _, s := range housekeeping {
			report.skip(s.Name, s.Category)
		}
	}

	teardown := []Step{
		l.unmountStep(l.tree.Fs("dev", "pts")),
		l.unmountStep(l.tree.Fs("dev")),
		l.unmountStep(l.tree.Fs(workspace.MirrorFilesDir)),
		{"remove " + workspace.MirrorFilesDir, BestEffort, func(context.Context) error {
			return l.removeDir(l.tree.Fs(workspace.MirrorFilesDir))
		}},
		l.unmountStep(l.tree.Fs("sys")),
		l.unmountStep(l.tree.Fs("proc")),
		{"remove marker", BestEffort, func(context.Context) error {
			err := l.fs.Remove(l.tree.MarkerPath())
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}},
	}
	_ = runSteps(ctx, l.logger, report, teardown)

	return report
}

func (l *Lifecycle) unmountStep(target string) Step {
	return Step{"unmount " + target, BestEffort, func(ctx context.Context) error {
		return l.mounts.Unmount(ctx, target)
	}}
}

// removeDir removes an empty directory. A directory still serving as a mount
// point fails rather than taking its contents with it.
func (l *Lifecycle) removeDir(path string) error {
	err := l.fs.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Cleanup tears the tree down: uninit, then the outer mounts. With
// deleteTree the tree itself is removed, which is refused while anything is
// still mounted below it.
func (l *Lifecycle) Cleanup(ctx context.Context, deleteTree bool) error {
	if l.State() == StateAbsent {
		return nil
	}

	report := l.Uninit(ctx)

	var steps []Step
	for _, target := range l.tree.TeardownTargets() {
		steps = append(steps, l.unmountStep(target))
	}
	steps = append(steps, []Step{
		{"remove " + workspace.HostDir, BestEffort, func(context.Context) error {
			return l.removeDir(l.tree.Fs(workspace.HostDir))
		}},
		{"remove " + workspace.MirrorFilesDir, BestEffort, func(context.Context) error {
			return l.removeDir(l.tree.Fs(workspace.MirrorFilesDir))
		}},
	}...)
	if deleteTree {
		steps = append(steps, Step{"delete tree", Required, func(ctx context.Context) error {
			return l.removeTree(ctx)
		}})
	}

	return runSteps(ctx, l.logger, report, steps)
}

// requireUnmounted fails while anything is mounted below FsPath.
func (l *Lifecycle) requireUnmounted(context.Context) error {
	remaining, err := l.mounts.MountsUnder(l.tree.FsPath)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return fmt.Errorf("%w: %v", ErrMountsRemain, remaining)
	}
	return nil
}

func (l *Lifecycle) removeTree(ctx context.Context) error {
	if err := l.requireUnmounted(ctx); err != nil {
		return err
	}

	if err := l.host(ctx, "rm", "-rf", l.tree.FsPath); err != nil {
		return err
	}
	// rm ran with elevated rights; this only sweeps what it left behind
	return l.fs.RemoveAll(l.tree.FsPath)
}

// Close tears the tree down, writes the package manifest, repacks the
// payload into the source tree and removes the tree. Nothing is written while
// mounts remain below the tree, and the tree is only removed after manifest
// and repack both succeeded.
func (l *Lifecycle) Close(ctx context.Context) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "lifecycle.close")
	defer span.End()

	if ok, _ := afero.DirExists(l.fs, l.tree.FsPath); !ok {
		return fmt.Errorf("%s: %w", l.tree.FsPath, ErrMissingFs)
	}
	if ok, _ := afero.DirExists(l.fs, l.tree.SourcePath); !ok {
		return fmt.Errorf("%s: %w", l.tree.SourcePath, ErrMissingSource)
	}

	if err := l.Cleanup(ctx, false); err != nil {
		return err
	}

	payload := l.tree.Source(workspace.PayloadPath)
	steps := []Step{
		{"check mounts", Required, l.requireUnmounted},
		{"write manifest", Required, l.writeManifest},
		{"remove old payload", Required, func(ctx context.Context) error {
			return process.RemoveFile(ctx, l.runner, payload, l.timeout)
		}},
		{"repack payload", Required, func(ctx context.Context) error {
			l.logger.Info("Packing %s into %s", l.tree.FsPath, payload)
			return l.host(ctx, "mksquashfs", l.tree.FsPath, payload,
				"-b", strconv.FormatUint(l.blockSize.Bytes(), 10))
		}},
		{"delete tree", Required, l.removeTree},
	}
	return runSteps(ctx, l.logger, &Report{}, steps)
}

func (l *Lifecycle) writeManifest(ctx context.Context) error {
	res, err := process.Exec(ctx, l.runner, &process.Command{
		Program: "dpkg-query",
		Args:    []string{"-W", "--showformat=${Package} ${Version}\n"},
		Chroot:  l.tree.FsPath,
		Env:     process.ChrootEnv(),
		Sudo:    true,
		Timeout: l.timeout,
	})
	if err != nil {
		return err
	}

	manifest := l.tree.Source(workspace.ManifestPath)
	if err := l.host(ctx, "mkdir", "-p", filepath.Dir(manifest)); err != nil {
		return err
	}
	return process.WriteFile(ctx, l.runner, manifest, []byte(res.Stdout), l.timeout)
}

// host runs an elevated command on the build host.
func (l *Lifecycle) host(ctx context.Context, program string, args ...string) error {
	_, err := process.Exec(ctx, l.runner, &process.Command{
		Program: program,
		Args:    args,
		Sudo:    true,
		Timeout: l.timeout,
	})
	return err
}

// chroot runs a command inside the tree.
func (l *Lifecycle) chroot(ctx context.Context, program string, args ...string) error {
	_, err := process.Exec(ctx, l.runner, &process.Command{
		Program: program,
		Args:    args,
		Chroot:  l.tree.FsPath,
		Env:     process.ChrootEnv(),
		Sudo:    true,
		Timeout: l.timeout,
	})
	return err
}
